// Package payload extracts the canonical value object from raw bus messages.
//
// Devices publish in three shapes:
//
//	{"power_w": 1000}                          flat object
//	{"value": {"power_w": 1000}, "ts": ...}    nested object
//	{"value": "{\"power_w\": 1000}", ...}      JSON encoded as a string
//
// Normalize reduces all of them to a flat key/value map.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ValueField is the envelope field that may carry the inner payload.
const ValueField = "value"

// ParseError reports an outer payload that is not a JSON object.
// Messages that fail with ParseError are dropped, never retried.
type ParseError struct {
	Topic string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse payload on %q: %v", e.Topic, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Normalize returns the flat payload of a message received on topic.
//
// If the outer object has a "value" field holding a string, that string is
// decoded; when it does not decode to an object the outer object is used as
// is. A "value" object is used directly. Any other outer object is returned
// unchanged.
func Normalize(topic string, raw []byte) (map[string]any, error) {
	var outer map[string]any
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, &ParseError{Topic: topic, Err: err}
	}
	if outer == nil {
		return nil, &ParseError{Topic: topic, Err: errors.New("payload is null")}
	}

	v, ok := outer[ValueField]
	if !ok {
		return outer, nil
	}

	switch inner := v.(type) {
	case string:
		var decoded map[string]any
		if err := json.Unmarshal([]byte(inner), &decoded); err != nil || decoded == nil {
			return outer, nil
		}
		return decoded, nil
	case map[string]any:
		return inner, nil
	default:
		return outer, nil
	}
}
