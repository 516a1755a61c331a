package models

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInteger
	KindReal
	KindText
	KindBlob
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a decrypted column value. It mirrors SQLite's storage
// classes so the local store can bind it without guessing.
type Value struct {
	Kind ValueKind
	Int  int64
	Real float64
	Text string
	Blob []byte
}

func NullValue() Value           { return Value{Kind: KindNull} }
func IntegerValue(i int64) Value { return Value{Kind: KindInteger, Int: i} }
func RealValue(f float64) Value  { return Value{Kind: KindReal, Real: f} }
func TextValue(s string) Value   { return Value{Kind: KindText, Text: s} }
func BlobValue(b []byte) Value   { return Value{Kind: KindBlob, Blob: b} }

// IsNull reports whether the value is SQL NULL.
func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

// Equal compares kind and payload.
func (v Value) Equal(o Value) bool {
	return v.Kind == o.Kind &&
		v.Int == o.Int &&
		v.Real == o.Real &&
		v.Text == o.Text &&
		bytes.Equal(v.Blob, o.Blob)
}

func (v Value) String() string {
	return fmt.Sprintf("%s(%v)", v.Kind, v.Any())
}

// ValueOf converts a value scanned from database/sql into a Value.
func ValueOf(x any) Value {
	switch t := x.(type) {
	case nil:
		return NullValue()
	case int64:
		return IntegerValue(t)
	case int:
		return IntegerValue(int64(t))
	case int32:
		return IntegerValue(int64(t))
	case bool:
		if t {
			return IntegerValue(1)
		}

		return IntegerValue(0)
	case float64:
		return RealValue(t)
	case float32:
		return RealValue(float64(t))
	case string:
		return TextValue(t)
	case []byte:
		return BlobValue(append([]byte(nil), t...))
	case time.Time:
		return TextValue(t.UTC().Format(time.RFC3339Nano))
	default:
		return TextValue(fmt.Sprint(t))
	}
}

// Any returns the value as a database/sql argument.
func (v Value) Any() any {
	switch v.Kind {
	case KindInteger:
		return v.Int
	case KindReal:
		return v.Real
	case KindText:
		return v.Text
	case KindBlob:
		return v.Blob
	default:
		return nil
	}
}

type blobJSON struct {
	Blob string `json:"blob"`
}

// MarshalJSON renders the scalar form used inside the encrypted
// envelope. Reals always carry a fraction or exponent so they decode
// back as reals.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindInteger:
		return []byte(strconv.FormatInt(v.Int, 10)), nil
	case KindReal:
		if math.IsNaN(v.Real) || math.IsInf(v.Real, 0) {
			return nil, fmt.Errorf("cannot encode non-finite real %v", v.Real)
		}

		s := strconv.FormatFloat(v.Real, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}

		return []byte(s), nil
	case KindText:
		return json.Marshal(v.Text)
	case KindBlob:
		return json.Marshal(blobJSON{Blob: base64.StdEncoding.EncodeToString(v.Blob)})
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
}

// UnmarshalJSON parses the scalar form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	val, err := decodeScalar(data)
	if err != nil {
		return err
	}

	*v = val

	return nil
}

func decodeScalar(data []byte) (Value, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Value{}, fmt.Errorf("empty value")
	}

	switch data[0] {
	case 'n':
		return NullValue(), nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return Value{}, err
		}

		return ValueOf(b), nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Value{}, err
		}

		return TextValue(s), nil
	case '{':
		var b blobJSON
		if err := json.Unmarshal(data, &b); err != nil {
			return Value{}, err
		}

		raw, err := base64.StdEncoding.DecodeString(b.Blob)
		if err != nil {
			return Value{}, fmt.Errorf("decoding blob: %w", err)
		}

		return BlobValue(raw), nil
	}

	lit := string(data)
	if !strings.ContainsAny(lit, ".eE") {
		if i, err := strconv.ParseInt(lit, 10, 64); err == nil {
			return IntegerValue(i), nil
		}
	}

	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return Value{}, fmt.Errorf("decoding number %q: %w", lit, err)
	}

	return RealValue(f), nil
}

type envelope struct {
	Value Value `json:"value"`
}

// EncodeEnvelope produces the {"value": ...} plaintext that gets
// encrypted for the wire.
func EncodeEnvelope(v Value) ([]byte, error) {
	return json.Marshal(envelope{Value: v})
}

// DecodeEnvelope parses a decrypted {"value": ...} plaintext.
func DecodeEnvelope(data []byte) (Value, error) {
	var raw struct {
		Value json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return Value{}, fmt.Errorf("decoding value envelope: %w", err)
	}

	if raw.Value == nil {
		return NullValue(), nil
	}

	return decodeScalar(raw.Value)
}
