package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantadb/quantadb/internal/log"
	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/storage/table"
)

// BatchSource is the pull side of an executing query (the query engine's
// Cursor satisfies it).
type BatchSource interface {
	Columns() []string
	Remaining() int
	NextBatch(ctx context.Context, budget int) ([][]table.Value, error)
}

// StreamConfig tunes delivery and backpressure.
type StreamConfig struct {
	DefaultBatchSize int
	// AckWindow is how many unacknowledged batches may be in flight before
	// the producer pauses.
	AckWindow int
	// AckGrace is how long a paused stream waits for an ack before it is
	// cancelled.
	AckGrace time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = 100
	}
	if c.AckWindow <= 0 {
		c.AckWindow = 4
	}
	if c.AckGrace <= 0 {
		c.AckGrace = 30 * time.Second
	}
	return c
}

// Stream is one in-flight streaming query.
type Stream struct {
	ID     string
	Conn   ConnectionID
	cancel context.CancelFunc

	mu      sync.Mutex
	unacked int
	ackCh   chan struct{}
}

// Streamer runs streaming queries and delivers batches with ack-window
// backpressure: when the consumer stops acknowledging, the producer pauses
// and eventually cancels.
type Streamer struct {
	cfg    StreamConfig
	conns  *ConnManager
	logger zerolog.Logger

	mu      sync.Mutex
	streams map[string]*Stream
}

// NewStreamer builds a streamer over the connection registry.
func NewStreamer(cfg StreamConfig, conns *ConnManager) *Streamer {
	return &Streamer{
		cfg:     cfg.withDefaults(),
		conns:   conns,
		logger:  log.WithComponent("stream"),
		streams: make(map[string]*Stream),
	}
}

// Start launches delivery of src to conn. Returns the stream id
// immediately; batches flow in the background.
func (s *Streamer) Start(ctx context.Context, conn ConnectionID, src BatchSource, batchSize int) string {
	if batchSize <= 0 {
		batchSize = s.cfg.DefaultBatchSize
	}
	sctx, cancel := context.WithCancel(ctx)
	st := &Stream{
		ID:     uuid.NewString(),
		Conn:   conn,
		cancel: cancel,
		ackCh:  make(chan struct{}, s.cfg.AckWindow),
	}
	s.mu.Lock()
	s.streams[st.ID] = st
	s.mu.Unlock()

	s.send(conn, &Frame{Type: TypeQueryStarted, QueryID: st.ID, Columns: src.Columns()})
	go s.pump(sctx, st, src, batchSize)
	return st.ID
}

// Ack acknowledges one delivered batch, releasing the producer.
func (s *Streamer) Ack(id string) {
	s.mu.Lock()
	st, ok := s.streams[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	if st.unacked > 0 {
		st.unacked--
	}
	st.mu.Unlock()
	select {
	case st.ackCh <- struct{}{}:
	default:
	}
}

// Cancel aborts a stream; the consumer receives query_cancelled.
func (s *Streamer) Cancel(id string) bool {
	s.mu.Lock()
	st, ok := s.streams[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	st.cancel()
	return true
}

// CancelAll aborts every stream belonging to a connection.
func (s *Streamer) CancelAll(conn ConnectionID) {
	s.mu.Lock()
	var ids []string
	for id, st := range s.streams {
		if st.Conn == conn {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Cancel(id)
	}
}

// Active returns the number of live streams.
func (s *Streamer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Streamer) finish(st *Stream) {
	s.mu.Lock()
	delete(s.streams, st.ID)
	s.mu.Unlock()
	st.cancel()
}

func (s *Streamer) pump(ctx context.Context, st *Stream, src BatchSource, batchSize int) {
	defer s.finish(st)
	total := src.Remaining()
	sent := 0
	for {
		// Backpressure: wait for ack room.
		st.mu.Lock()
		paused := st.unacked >= s.cfg.AckWindow
		st.mu.Unlock()
		if paused {
			select {
			case <-st.ackCh:
			case <-time.After(s.cfg.AckGrace):
				s.logger.Warn().Str("stream", st.ID).Msg("ack grace expired; cancelling")
				s.send(st.Conn, &Frame{Type: TypeQueryCancelled, QueryID: st.ID,
					ErrorKind: string(qerr.KindCancelled), ErrorMsg: "consumer stopped acknowledging"})
				return
			case <-ctx.Done():
				s.send(st.Conn, &Frame{Type: TypeQueryCancelled, QueryID: st.ID})
				return
			}
			continue
		}

		batch, err := src.NextBatch(ctx, batchSize)
		if err != nil {
			if qerr.Is(err, qerr.KindCancelled) {
				s.send(st.Conn, &Frame{Type: TypeQueryCancelled, QueryID: st.ID})
			} else {
				s.send(st.Conn, ErrorFrame(qerr.KindOf(err), err.Error()))
			}
			return
		}
		if batch == nil {
			s.send(st.Conn, &Frame{Type: TypeQueryCompleted, QueryID: st.ID, RowCount: sent})
			return
		}
		sent += len(batch)
		st.mu.Lock()
		st.unacked++
		st.mu.Unlock()
		frame := &Frame{
			Type:     TypeQueryBatch,
			QueryID:  st.ID,
			Rows:     encodeRows(batch),
			RowCount: len(batch),
		}
		if total > 0 {
			frame.Progress = float64(sent) / float64(total)
		}
		if err := s.send(st.Conn, frame); err != nil {
			return // connection evicted
		}
	}
}

func (s *Streamer) send(conn ConnectionID, f *Frame) error {
	raw, err := Serialize(f)
	if err != nil {
		return err
	}
	return s.conns.Send(conn, raw)
}

// encodeRows converts typed values to JSON-friendly forms.
func encodeRows(rows [][]table.Value) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		vals := make([]any, len(row))
		for j, v := range row {
			switch v.Type {
			case table.TypeNull:
				vals[j] = nil
			case table.TypeInteger, table.TypeBigInt:
				vals[j] = v.Int
			case table.TypeFloat:
				vals[j] = v.Float
			case table.TypeBoolean:
				vals[j] = v.Bool
			case table.TypeText:
				vals[j] = v.Text
			case table.TypeBytes:
				vals[j] = fmt.Sprintf("%x", v.Bytes)
			case table.TypeTimestamp:
				vals[j] = v.Time.Format(time.RFC3339Nano)
			}
		}
		out[i] = vals
	}
	return out
}
