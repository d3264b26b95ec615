package realtime

import (
	"encoding/json"

	"github.com/quantadb/quantadb/internal/qerr"
)

// ───────────────────────────────────────────────────────────────────────────
// Frame protocol
// ───────────────────────────────────────────────────────────────────────────
//
// Messages are JSON objects tagged by "type". The same envelope carries
// client requests and server responses; unused fields are omitted. The
// round-trip invariant is exact: Parse(Serialize(m)) == m.

// MessageType tags a protocol frame.
type MessageType string

const (
	// Client → server.
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypePublish     MessageType = "publish"
	TypeStreamQuery MessageType = "stream_query"
	TypeCancelQuery MessageType = "cancel_query"
	TypePing        MessageType = "ping"
	TypeQueryStatus MessageType = "query_status"
	TypeAck         MessageType = "ack"

	// Server → client.
	TypeSubscriptionConfirmed MessageType = "subscription_confirmed"
	TypeChannelMessage        MessageType = "channel_message"
	TypeQueryStarted          MessageType = "query_started"
	TypeQueryProgress         MessageType = "query_progress"
	TypeQueryBatch            MessageType = "query_batch"
	TypeQueryCompleted        MessageType = "query_completed"
	TypeQueryCancelled        MessageType = "query_cancelled"
	TypePong                  MessageType = "pong"
	TypeError                 MessageType = "error"
)

// Frame is the protocol envelope.
type Frame struct {
	Type    MessageType     `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Streaming queries.
	QueryID   string          `json:"query_id,omitempty"`
	SQL       string          `json:"sql,omitempty"`
	BatchSize int             `json:"batch_size,omitempty"`
	Columns   []string        `json:"columns,omitempty"`
	Rows      [][]any         `json:"rows,omitempty"`
	RowCount  int             `json:"row_count,omitempty"`
	Progress  float64         `json:"progress,omitempty"`
	Status    string          `json:"status,omitempty"`

	// Errors.
	ErrorKind string `json:"error_kind,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`
}

// Serialize renders a frame to its wire form.
func Serialize(f *Frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "serialize %s frame", f.Type)
	}
	return raw, nil
}

// ParseFrame decodes a wire frame. Unknown types are preserved (forward
// compatibility); malformed JSON is a ParseError.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, qerr.Wrap(qerr.KindParse, err, "frame")
	}
	if f.Type == "" {
		return nil, qerr.New(qerr.KindParse, "frame has no type")
	}
	return &f, nil
}

// ErrorFrame builds the standard error response.
func ErrorFrame(kind qerr.Kind, msg string) *Frame {
	return &Frame{Type: TypeError, ErrorKind: string(kind), ErrorMsg: msg}
}
