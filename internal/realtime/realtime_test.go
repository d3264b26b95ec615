package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/storage/table"
)

// fakeSession collects sent frames.
type fakeSession struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (s *fakeSession) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return assert.AnError
	}
	s.frames = append(s.frames, append([]byte(nil), msg...))
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func TestChannelMatching(t *testing.T) {
	cases := []struct {
		channel string
		pattern string
		want    bool
	}{
		{"sensor.temp", "sensor.temp", true},
		{"sensor.temp", "sensor.*", true},
		{"sensor.temp.room1", "sensor.*", false},
		{"sensor.temp.room1", "sensor.**", true},
		{"sensor.temp.room1", "sensor.*.room1", true},
		{"alerts.temp", "sensor.**", false},
		{"anything.at.all", "**", true},
		{"sensor", "sensor.**", true}, // ** matches zero segments
		{"sensor.temp", "*.temp", true},
		{"a.b.c.d", "a.**.d", true},
		{"a.d", "a.**.d", true},
		{"a.x", "a.**.d", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ChannelID(c.channel).Matches(c.pattern),
			"channel %q pattern %q", c.channel, c.pattern)
	}
}

func TestPubSubFanOut(t *testing.T) {
	ps := NewPubSub()
	ps.Subscribe(1, "sensor.**")
	ps.Subscribe(2, "sensor.temp.room1")
	ps.Subscribe(3, "alerts.*")

	got := ps.Publish("sensor.temp.room1")
	assert.ElementsMatch(t, []ConnectionID{1, 2}, got)

	got = ps.Publish("alerts.temp")
	assert.ElementsMatch(t, []ConnectionID{3}, got)

	// UnsubscribeAll is idempotent.
	ps.UnsubscribeAll(1)
	ps.UnsubscribeAll(1)
	got = ps.Publish("sensor.temp.room1")
	assert.ElementsMatch(t, []ConnectionID{2}, got)

	subs, msgs := ps.ChannelStats("sensor.temp.room1")
	assert.Equal(t, 1, subs)
	assert.EqualValues(t, 2, msgs)
}

func TestConnManagerLimits(t *testing.T) {
	m := NewConnManager(ConnConfig{MaxConnections: 2, HeartbeatInterval: time.Hour})
	defer m.Shutdown()

	c1, err := m.Register(&fakeSession{}, nil)
	require.NoError(t, err)
	_, err = m.Register(&fakeSession{}, nil)
	require.NoError(t, err)

	_, err = m.Register(&fakeSession{}, nil)
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindMaxConnections))

	// Freeing a slot admits the next session.
	m.Unregister(c1.ID)
	_, err = m.Register(&fakeSession{}, nil)
	require.NoError(t, err)
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	m := NewConnManager(ConnConfig{
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  50 * time.Millisecond,
	})
	defer m.Shutdown()

	s := &fakeSession{}
	_, err := m.Register(s, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.True(t, s.closed)
}

func TestBroadcastEvictsFailedSends(t *testing.T) {
	m := NewConnManager(ConnConfig{HeartbeatInterval: time.Hour})
	defer m.Shutdown()

	ok := &fakeSession{}
	bad := &fakeSession{fail: true}
	_, err := m.Register(ok, nil)
	require.NoError(t, err)
	_, err = m.Register(bad, nil)
	require.NoError(t, err)

	m.Broadcast([]byte("hello"))
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, 1, ok.count())
}

func TestFrameRoundTrip(t *testing.T) {
	frames := []*Frame{
		{Type: TypeSubscribe, Channel: "sensor.**"},
		{Type: TypePublish, Channel: "sensor.temp", Payload: []byte(`{"v":21.5}`)},
		{Type: TypeStreamQuery, SQL: "SELECT * FROM t", BatchSize: 50},
		{Type: TypePong},
		{Type: TypeQueryBatch, QueryID: "q1", RowCount: 2, Rows: [][]any{{"a"}, {"b"}}},
		{Type: TypeError, ErrorKind: "ParseError", ErrorMsg: "near x"},
	}
	for _, f := range frames {
		raw, err := Serialize(f)
		require.NoError(t, err)
		got, err := ParseFrame(raw)
		require.NoError(t, err)
		back, err := Serialize(got)
		require.NoError(t, err)
		assert.JSONEq(t, string(raw), string(back), "type %s", f.Type)
	}

	_, err := ParseFrame([]byte(`{not json`))
	require.Error(t, err)
	assert.True(t, qerr.Is(err, qerr.KindParse))
}

// sliceSource serves canned batches.
type sliceSource struct {
	cols []string
	rows [][]table.Value
	pos  int
}

func (s *sliceSource) Columns() []string { return s.cols }
func (s *sliceSource) Remaining() int    { return len(s.rows) - s.pos }
func (s *sliceSource) NextBatch(ctx context.Context, budget int) ([][]table.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, qerr.Wrap(qerr.KindCancelled, err, "source")
	}
	if s.pos >= len(s.rows) {
		return nil, nil
	}
	end := s.pos + budget
	if end > len(s.rows) {
		end = len(s.rows)
	}
	out := s.rows[s.pos:end]
	s.pos = end
	return out, nil
}

func TestStreamingDelivery(t *testing.T) {
	conns := NewConnManager(ConnConfig{HeartbeatInterval: time.Hour})
	defer conns.Shutdown()
	str := NewStreamer(StreamConfig{DefaultBatchSize: 2, AckWindow: 100}, conns)

	sess := &fakeSession{}
	conn, err := conns.Register(sess, nil)
	require.NoError(t, err)

	var rows [][]table.Value
	for i := 0; i < 5; i++ {
		rows = append(rows, []table.Value{table.Int(int64(i))})
	}
	src := &sliceSource{cols: []string{"v"}, rows: rows}
	id := str.Start(context.Background(), conn.ID, src, 2)
	require.NotEmpty(t, id)

	// started + 3 batches (2+2+1) + completed = 5 frames.
	require.Eventually(t, func() bool { return sess.count() == 5 }, 2*time.Second, 10*time.Millisecond)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	first, err := ParseFrame(sess.frames[0])
	require.NoError(t, err)
	assert.Equal(t, TypeQueryStarted, first.Type)
	last, err := ParseFrame(sess.frames[len(sess.frames)-1])
	require.NoError(t, err)
	assert.Equal(t, TypeQueryCompleted, last.Type)
	assert.Equal(t, 5, last.RowCount)
}

func TestStreamBackpressureCancelsWithoutAcks(t *testing.T) {
	conns := NewConnManager(ConnConfig{HeartbeatInterval: time.Hour})
	defer conns.Shutdown()
	str := NewStreamer(StreamConfig{
		DefaultBatchSize: 1,
		AckWindow:        1,
		AckGrace:         50 * time.Millisecond,
	}, conns)

	sess := &fakeSession{}
	conn, err := conns.Register(sess, nil)
	require.NoError(t, err)

	var rows [][]table.Value
	for i := 0; i < 10; i++ {
		rows = append(rows, []table.Value{table.Int(int64(i))})
	}
	str.Start(context.Background(), conn.ID, &sliceSource{cols: []string{"v"}, rows: rows}, 1)

	// Without acks the stream pauses after one batch and then cancels.
	require.Eventually(t, func() bool { return str.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	var cancelled bool
	for _, raw := range sess.frames {
		if f, err := ParseFrame(raw); err == nil && f.Type == TypeQueryCancelled {
			cancelled = true
		}
	}
	assert.True(t, cancelled)
}

func TestHubDispatch(t *testing.T) {
	hub := NewHub(ConnConfig{HeartbeatInterval: time.Hour}, StreamConfig{}, nil)
	defer hub.Shutdown()

	a := &fakeSession{}
	b := &fakeSession{}
	ca, err := hub.Connect(a, nil)
	require.NoError(t, err)
	cb, err := hub.Connect(b, nil)
	require.NoError(t, err)

	// A subscribes to the wildcard; B publishes.
	resp := hub.Handle(context.Background(), ca.ID, []byte(`{"type":"subscribe","channel":"sensor.**"}`))
	require.NotNil(t, resp)
	assert.Equal(t, TypeSubscriptionConfirmed, resp.Type)

	resp = hub.Handle(context.Background(), cb.ID, []byte(`{"type":"publish","channel":"sensor.temp.room1","payload":{"v":1}}`))
	assert.Nil(t, resp)
	require.Eventually(t, func() bool { return a.count() == 1 }, time.Second, 5*time.Millisecond)

	// Publishing on a non-matching channel reaches nobody.
	hub.Handle(context.Background(), cb.ID, []byte(`{"type":"publish","channel":"alerts.temp","payload":{}}`))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, a.count())

	// Ping → pong; committed-change notifications flow through pub/sub.
	resp = hub.Handle(context.Background(), ca.ID, []byte(`{"type":"ping"}`))
	assert.Equal(t, TypePong, resp.Type)

	hub.Handle(context.Background(), ca.ID, []byte(`{"type":"subscribe","channel":"table.users.insert"}`))
	hub.NotifyChange("users", "insert", 3)
	require.Eventually(t, func() bool { return a.count() == 2 }, time.Second, 5*time.Millisecond)
}
