package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC id, either a string or a number. A nil *RequestID
// and the zero value both mean "no id".
//
// Numbers are kept in their canonical decimal text so that ids compare by
// String regardless of how the peer spelled them (1 and 1.0 are the same id).
type RequestID struct {
	text  string
	isStr bool
}

// NewRequestID builds an id from a string or any integer or float kind.
// Other types yield an id for which IsNil reports true.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string:
		return &RequestID{text: v, isStr: true}
	case int:
		return numberID(int64(v))
	case int8:
		return numberID(int64(v))
	case int16:
		return numberID(int64(v))
	case int32:
		return numberID(int64(v))
	case int64:
		return numberID(v)
	case uint:
		return &RequestID{text: strconv.FormatUint(uint64(v), 10)}
	case uint8:
		return numberID(int64(v))
	case uint16:
		return numberID(int64(v))
	case uint32:
		return numberID(int64(v))
	case uint64:
		return &RequestID{text: strconv.FormatUint(v, 10)}
	case float32:
		return floatID(float64(v))
	case float64:
		return floatID(v)
	}
	return &RequestID{}
}

func numberID(n int64) *RequestID { return &RequestID{text: strconv.FormatInt(n, 10)} }

func floatID(f float64) *RequestID {
	if f == float64(int64(f)) {
		return numberID(int64(f))
	}
	return &RequestID{text: strconv.FormatFloat(f, 'g', -1, 64)}
}

// String returns the id text; numbers are rendered in decimal.
func (id *RequestID) String() string {
	if id == nil {
		return ""
	}
	return id.text
}

// IsNil reports whether the id is absent.
func (id *RequestID) IsNil() bool {
	return id == nil || (!id.isStr && id.text == "")
}

// MarshalJSON implements json.Marshaler.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	switch {
	case id.IsNil():
		return []byte("null"), nil
	case id.isStr:
		return json.Marshal(id.text)
	}
	return []byte(id.text), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch v := v.(type) {
	case nil:
		*id = RequestID{}
	case string:
		*id = RequestID{text: v, isStr: true}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			*id = *numberID(n)
			return nil
		}
		f, err := v.Float64()
		if err != nil {
			return fmt.Errorf("JSON-RPC id %s: %w", data, err)
		}
		*id = *floatID(f)
	default:
		return fmt.Errorf("JSON-RPC id must be a string or number, got %s", data)
	}
	return nil
}
