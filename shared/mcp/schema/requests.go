package schema

import (
	"encoding/json"
	"fmt"
)

// RequestID is a JSON-RPC request identifier: a string or an integer.
// A null id is legal only on error responses where the request id could
// not be parsed.
type RequestID struct {
	Value interface{}
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	var i interface{}
	if err := json.Unmarshal(data, &i); err != nil {
		return err
	}
	switch v := i.(type) {
	case string:
		id.Value = v
	case float64:
		if v != float64(int64(v)) {
			return fmt.Errorf("request id must be a string or an integer, got %v", v)
		}
		id.Value = int64(v)
	case nil:
		id.Value = nil
	default:
		return fmt.Errorf("request id must be a string or an integer, got %T", i)
	}
	return nil
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Value)
}

func RequestID_FromUInt64(value uint64) RequestID {
	return RequestID{Value: int64(value)}
}

func RequestID_FromString(value string) RequestID {
	return RequestID{Value: value}
}

func (id *RequestID) String() string {
	if id == nil || id.Value == nil {
		return "nil"
	}
	bytes, err := json.Marshal(id.Value)
	if err != nil {
		return err.Error()
	}
	return string(bytes)
}

func (id *RequestID) IsEmpty() bool {
	return id == nil || id.Value == nil
}

func (id *RequestID) Equal(other *RequestID) bool {
	if id.IsEmpty() || other.IsEmpty() {
		return id.IsEmpty() && other.IsEmpty()
	}
	return id.Value == other.Value
}
