// Package table implements table storage for QuantaDB: the typed value
// model and row codec, the schema catalog, heap pages with overflow
// spilling, and index maintenance on DML.
package table

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/quantadb/quantadb/internal/qerr"
)

// DataType enumerates column types.
type DataType uint8

const (
	TypeNull DataType = iota
	TypeInteger
	TypeBigInt
	TypeFloat
	TypeBoolean
	TypeText
	TypeBytes
	TypeTimestamp
)

func (dt DataType) String() string {
	switch dt {
	case TypeNull:
		return "NULL"
	case TypeInteger:
		return "INTEGER"
	case TypeBigInt:
		return "BIGINT"
	case TypeFloat:
		return "FLOAT"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeText:
		return "TEXT"
	case TypeBytes:
		return "BYTES"
	case TypeTimestamp:
		return "TIMESTAMP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(dt))
	}
}

// ParseDataType maps a SQL type name to a DataType.
func ParseDataType(s string) (DataType, bool) {
	switch strings.ToUpper(s) {
	case "INT", "INTEGER":
		return TypeInteger, true
	case "BIGINT", "BIGINTEGER":
		return TypeBigInt, true
	case "FLOAT", "DOUBLE", "REAL":
		return TypeFloat, true
	case "BOOL", "BOOLEAN":
		return TypeBoolean, true
	case "TEXT", "VARCHAR", "STRING", "CHAR":
		return TypeText, true
	case "BYTES", "BLOB", "BINARY":
		return TypeBytes, true
	case "TIMESTAMP", "DATETIME":
		return TypeTimestamp, true
	default:
		return TypeNull, false
	}
}

// Value is a tagged variant. The zero value is NULL.
type Value struct {
	Type  DataType
	Int   int64
	Float float64
	Bool  bool
	Text  string
	Bytes []byte
	Time  time.Time
}

// Constructors.
func Null() Value                 { return Value{Type: TypeNull} }
func Int(v int64) Value           { return Value{Type: TypeInteger, Int: v} }
func BigInt(v int64) Value        { return Value{Type: TypeBigInt, Int: v} }
func Float(v float64) Value       { return Value{Type: TypeFloat, Float: v} }
func Bool(v bool) Value           { return Value{Type: TypeBoolean, Bool: v} }
func Text(v string) Value         { return Value{Type: TypeText, Text: v} }
func Blob(v []byte) Value         { return Value{Type: TypeBytes, Bytes: v} }
func Timestamp(v time.Time) Value { return Value{Type: TypeTimestamp, Time: v} }

// IsNull reports whether the value is NULL.
func (v Value) IsNull() bool { return v.Type == TypeNull }

func (v Value) String() string {
	switch v.Type {
	case TypeNull:
		return "NULL"
	case TypeInteger, TypeBigInt:
		return strconv.FormatInt(v.Int, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case TypeBoolean:
		return strconv.FormatBool(v.Bool)
	case TypeText:
		return v.Text
	case TypeBytes:
		return fmt.Sprintf("x'%x'", v.Bytes)
	case TypeTimestamp:
		return v.Time.Format(time.RFC3339Nano)
	default:
		return "?"
	}
}

// Compare orders two values of compatible types. Integers and floats
// promote; NULL sorts before everything. Returns qerr TypeMismatch for
// incomparable types.
func Compare(a, b Value) (int, error) {
	if a.IsNull() || b.IsNull() {
		switch {
		case a.IsNull() && b.IsNull():
			return 0, nil
		case a.IsNull():
			return -1, nil
		default:
			return 1, nil
		}
	}
	if isNumeric(a.Type) && isNumeric(b.Type) {
		af, bf := a.asFloat(), b.asFloat()
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if a.Type != b.Type {
		return 0, qerr.New(qerr.KindTypeMismatch, "cannot compare %s with %s", a.Type, b.Type)
	}
	switch a.Type {
	case TypeBoolean:
		switch {
		case a.Bool == b.Bool:
			return 0, nil
		case !a.Bool:
			return -1, nil
		default:
			return 1, nil
		}
	case TypeText:
		return strings.Compare(a.Text, b.Text), nil
	case TypeBytes:
		return compareBytes(a.Bytes, b.Bytes), nil
	case TypeTimestamp:
		switch {
		case a.Time.Before(b.Time):
			return -1, nil
		case a.Time.After(b.Time):
			return 1, nil
		default:
			return 0, nil
		}
	}
	return 0, qerr.New(qerr.KindTypeMismatch, "cannot compare %s values", a.Type)
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func isNumeric(t DataType) bool {
	return t == TypeInteger || t == TypeBigInt || t == TypeFloat
}

func (v Value) asFloat() float64 {
	if v.Type == TypeFloat {
		return v.Float
	}
	return float64(v.Int)
}

// Coerce converts v to the target type, used by MODIFY COLUMN and typed
// inserts. Integer↔text conversions follow strconv; any failure returns
// TypeMismatch.
func Coerce(v Value, target DataType) (Value, error) {
	if v.IsNull() || v.Type == target {
		return v, nil
	}
	switch target {
	case TypeInteger, TypeBigInt:
		switch v.Type {
		case TypeInteger, TypeBigInt:
			out := v
			out.Type = target
			return out, nil
		case TypeFloat:
			if v.Float == math.Trunc(v.Float) {
				return Value{Type: target, Int: int64(v.Float)}, nil
			}
		case TypeText:
			if n, err := strconv.ParseInt(strings.TrimSpace(v.Text), 10, 64); err == nil {
				return Value{Type: target, Int: n}, nil
			}
		case TypeBoolean:
			if v.Bool {
				return Value{Type: target, Int: 1}, nil
			}
			return Value{Type: target, Int: 0}, nil
		}
	case TypeFloat:
		switch v.Type {
		case TypeInteger, TypeBigInt:
			return Float(float64(v.Int)), nil
		case TypeText:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v.Text), 64); err == nil {
				return Float(f), nil
			}
		}
	case TypeText:
		return Text(v.String()), nil
	case TypeBoolean:
		switch v.Type {
		case TypeInteger, TypeBigInt:
			return Bool(v.Int != 0), nil
		case TypeText:
			if b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v.Text))); err == nil {
				return Bool(b), nil
			}
		}
	case TypeTimestamp:
		switch v.Type {
		case TypeText:
			if ts, err := time.Parse(time.RFC3339Nano, v.Text); err == nil {
				return Timestamp(ts), nil
			}
			if ts, err := time.Parse("2006-01-02 15:04:05", v.Text); err == nil {
				return Timestamp(ts), nil
			}
		case TypeInteger, TypeBigInt:
			return Timestamp(time.Unix(v.Int, 0).UTC()), nil
		}
	case TypeBytes:
		if v.Type == TypeText {
			return Blob([]byte(v.Text)), nil
		}
	}
	return Value{}, qerr.New(qerr.KindTypeMismatch, "cannot coerce %s %q to %s", v.Type, v.String(), target)
}

// ─── Wire codec ────────────────────────────────────────────────────────────
//
// Values serialize as tag byte + payload:
//   Integer/BigInt/Timestamp: 8 bytes LE
//   Float:                    8 bytes LE (IEEE bits)
//   Boolean:                  1 byte
//   Text/Bytes:               u32 length + bytes
//   Null:                     no payload

// EncodeValue appends v's wire form to dst.
func EncodeValue(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.Type))
	switch v.Type {
	case TypeNull:
	case TypeInteger, TypeBigInt:
		dst = binary.LittleEndian.AppendUint64(dst, uint64(v.Int))
	case TypeFloat:
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.Float))
	case TypeBoolean:
		if v.Bool {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case TypeText:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v.Text)))
		dst = append(dst, v.Text...)
	case TypeBytes:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v.Bytes)))
		dst = append(dst, v.Bytes...)
	case TypeTimestamp:
		dst = binary.LittleEndian.AppendUint64(dst, uint64(v.Time.UnixNano()))
	}
	return dst
}

// DecodeValue parses one value from buf, returning it and the bytes consumed.
func DecodeValue(buf []byte) (Value, int, error) {
	if len(buf) < 1 {
		return Value{}, 0, qerr.New(qerr.KindIO, "truncated value")
	}
	t := DataType(buf[0])
	switch t {
	case TypeNull:
		return Null(), 1, nil
	case TypeInteger, TypeBigInt:
		if len(buf) < 9 {
			return Value{}, 0, qerr.New(qerr.KindIO, "truncated %s", t)
		}
		return Value{Type: t, Int: int64(binary.LittleEndian.Uint64(buf[1:9]))}, 9, nil
	case TypeFloat:
		if len(buf) < 9 {
			return Value{}, 0, qerr.New(qerr.KindIO, "truncated float")
		}
		return Float(math.Float64frombits(binary.LittleEndian.Uint64(buf[1:9]))), 9, nil
	case TypeBoolean:
		if len(buf) < 2 {
			return Value{}, 0, qerr.New(qerr.KindIO, "truncated bool")
		}
		return Bool(buf[1] != 0), 2, nil
	case TypeText, TypeBytes:
		if len(buf) < 5 {
			return Value{}, 0, qerr.New(qerr.KindIO, "truncated %s", t)
		}
		n := int(binary.LittleEndian.Uint32(buf[1:5]))
		if len(buf) < 5+n {
			return Value{}, 0, qerr.New(qerr.KindIO, "truncated %s payload", t)
		}
		if t == TypeText {
			return Text(string(buf[5 : 5+n])), 5 + n, nil
		}
		return Blob(append([]byte(nil), buf[5:5+n]...)), 5 + n, nil
	case TypeTimestamp:
		if len(buf) < 9 {
			return Value{}, 0, qerr.New(qerr.KindIO, "truncated timestamp")
		}
		return Timestamp(time.Unix(0, int64(binary.LittleEndian.Uint64(buf[1:9]))).UTC()), 9, nil
	default:
		return Value{}, 0, qerr.New(qerr.KindIO, "unknown value tag %d", t)
	}
}

// EncodeKey renders a value as order-preserving index key bytes: comparing
// two encoded keys bytewise matches Compare on the originals (within a
// column's type).
func EncodeKey(v Value) []byte {
	switch v.Type {
	case TypeNull:
		return []byte{0x00}
	case TypeInteger, TypeBigInt:
		var b [9]byte
		b[0] = 0x01
		binary.BigEndian.PutUint64(b[1:], uint64(v.Int)^(1<<63)) // sign flip
		return b[:]
	case TypeFloat:
		var b [9]byte
		b[0] = 0x01
		bits := math.Float64bits(v.Float)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		binary.BigEndian.PutUint64(b[1:], bits)
		return b[:]
	case TypeBoolean:
		if v.Bool {
			return []byte{0x02, 1}
		}
		return []byte{0x02, 0}
	case TypeText:
		return append([]byte{0x03}, v.Text...)
	case TypeBytes:
		return append([]byte{0x03}, v.Bytes...)
	case TypeTimestamp:
		var b [9]byte
		b[0] = 0x01
		binary.BigEndian.PutUint64(b[1:], uint64(v.Time.UnixNano())^(1<<63))
		return b[:]
	default:
		return nil
	}
}
