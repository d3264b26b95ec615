package table

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/quantadb/quantadb/internal/qerr"
)

// Values appear in the catalog file (column defaults), so they need a
// stable JSON form.

type valueJSON struct {
	Type string          `json:"type"`
	V    json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	out := valueJSON{Type: v.Type.String()}
	var inner any
	switch v.Type {
	case TypeNull:
		inner = nil
	case TypeInteger, TypeBigInt:
		inner = v.Int
	case TypeFloat:
		inner = v.Float
	case TypeBoolean:
		inner = v.Bool
	case TypeText:
		inner = v.Text
	case TypeBytes:
		inner = base64.StdEncoding.EncodeToString(v.Bytes)
	case TypeTimestamp:
		inner = v.Time.Format(time.RFC3339Nano)
	}
	if inner != nil {
		raw, err := json.Marshal(inner)
		if err != nil {
			return nil, err
		}
		out.V = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	dt, ok := ParseDataType(in.Type)
	if !ok && in.Type != "NULL" {
		return qerr.New(qerr.KindIO, "catalog value: unknown type %q", in.Type)
	}
	if in.Type == "NULL" {
		*v = Null()
		return nil
	}
	switch dt {
	case TypeInteger, TypeBigInt:
		var n int64
		if err := json.Unmarshal(in.V, &n); err != nil {
			return err
		}
		*v = Value{Type: dt, Int: n}
	case TypeFloat:
		var f float64
		if err := json.Unmarshal(in.V, &f); err != nil {
			return err
		}
		*v = Float(f)
	case TypeBoolean:
		var b bool
		if err := json.Unmarshal(in.V, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case TypeText:
		var s string
		if err := json.Unmarshal(in.V, &s); err != nil {
			return err
		}
		*v = Text(s)
	case TypeBytes:
		var s string
		if err := json.Unmarshal(in.V, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return err
		}
		*v = Blob(raw)
	case TypeTimestamp:
		var s string
		if err := json.Unmarshal(in.V, &s); err != nil {
			return err
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		*v = Timestamp(ts)
	}
	return nil
}
