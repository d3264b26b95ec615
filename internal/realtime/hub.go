package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantadb/quantadb/internal/log"
	"github.com/quantadb/quantadb/internal/qerr"
)

// QueryRunner starts a streaming query for the hub (the engine facade
// implements it).
type QueryRunner interface {
	StreamQuery(ctx context.Context, sqlText string) (BatchSource, error)
}

// Hub wires the connection registry, pub/sub, and streaming queries into
// one frame dispatcher.
type Hub struct {
	Conns   *ConnManager
	PubSub  *PubSub
	Streams *Streamer
	runner  QueryRunner
	logger  zerolog.Logger
}

// NewHub assembles the realtime stack.
func NewHub(connCfg ConnConfig, streamCfg StreamConfig, runner QueryRunner) *Hub {
	conns := NewConnManager(connCfg)
	return &Hub{
		Conns:   conns,
		PubSub:  NewPubSub(),
		Streams: NewStreamer(streamCfg, conns),
		runner:  runner,
		logger:  log.WithComponent("realtime-hub"),
	}
}

// Connect admits a session and returns its connection.
func (h *Hub) Connect(s Session, metadata map[string]string) (*Connection, error) {
	return h.Conns.Register(s, metadata)
}

// Disconnect tears down a connection: streams cancelled, subscriptions
// dropped, session closed.
func (h *Hub) Disconnect(id ConnectionID) {
	h.Streams.CancelAll(id)
	h.PubSub.UnsubscribeAll(id)
	h.Conns.Unregister(id)
}

// Shutdown closes everything.
func (h *Hub) Shutdown() {
	for _, id := range h.Conns.IDs() {
		h.Streams.CancelAll(id)
		h.PubSub.UnsubscribeAll(id)
	}
	h.Conns.Shutdown()
}

// NotifyChange publishes a committed-change event on
// "table.<name>.<operation>" — the executor's side channel into pub/sub.
func (h *Hub) NotifyChange(tableName, op string, rows int) {
	channel := ChannelID(fmt.Sprintf("table.%s.%s", tableName, op))
	payload, _ := json.Marshal(map[string]any{"table": tableName, "op": op, "rows": rows})
	h.publish(channel, payload)
}

func (h *Hub) publish(channel ChannelID, payload []byte) {
	recipients := h.PubSub.Publish(channel)
	if len(recipients) == 0 {
		return
	}
	frame := &Frame{Type: TypeChannelMessage, Channel: string(channel), Payload: payload}
	raw, err := Serialize(frame)
	if err != nil {
		return
	}
	for _, conn := range recipients {
		h.Conns.Send(conn, raw)
	}
}

// Handle processes one inbound frame from a connection and returns the
// direct response (nil when the frame produces only side effects).
func (h *Hub) Handle(ctx context.Context, id ConnectionID, raw []byte) *Frame {
	conn, ok := h.Conns.Get(id)
	if !ok {
		return ErrorFrame(qerr.KindIO, "unknown connection")
	}
	f, err := ParseFrame(raw)
	if err != nil {
		return ErrorFrame(qerr.KindParse, err.Error())
	}
	conn.Heartbeat()

	switch f.Type {
	case TypePing:
		return &Frame{Type: TypePong}
	case TypeSubscribe:
		h.PubSub.Subscribe(id, f.Channel)
		return &Frame{Type: TypeSubscriptionConfirmed, Channel: f.Channel}
	case TypeUnsubscribe:
		h.PubSub.Unsubscribe(id, f.Channel)
		return &Frame{Type: TypeSubscriptionConfirmed, Channel: f.Channel}
	case TypePublish:
		h.publish(ChannelID(f.Channel), f.Payload)
		return nil
	case TypeStreamQuery:
		if h.runner == nil {
			return ErrorFrame(qerr.KindIO, "streaming queries unavailable")
		}
		src, err := h.runner.StreamQuery(ctx, f.SQL)
		if err != nil {
			return ErrorFrame(qerr.KindOf(err), err.Error())
		}
		h.Streams.Start(ctx, id, src, f.BatchSize)
		return nil
	case TypeAck:
		h.Streams.Ack(f.QueryID)
		return nil
	case TypeCancelQuery:
		if h.Streams.Cancel(f.QueryID) {
			return nil
		}
		return ErrorFrame(qerr.KindIO, "unknown query id")
	case TypeQueryStatus:
		return &Frame{Type: TypeQueryStatus, QueryID: f.QueryID,
			Status: fmt.Sprintf("%d active", h.Streams.Active())}
	default:
		return ErrorFrame(qerr.KindParse, fmt.Sprintf("unsupported frame type %q", f.Type))
	}
}
