package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sweeney/telemetry-core/internal/logic"
)

var (
	errMissingDevice = errors.New("input has no deviceId")
	errMissingKey    = errors.New("input has no key")
	errEmptyKeys     = errors.New("input has an empty keys list")
)

// inputWire is the JSON shape of an Input Reference column:
// {"deviceId": "...", "key": "..."} or {"deviceId": "...", "keys": ["..."]}.
type inputWire struct {
	DeviceID any      `json:"deviceId"`
	Key      string   `json:"key"`
	Keys     []string `json:"keys"`
	Name     string   `json:"name"`
}

// idString accepts string and numeric ids; the dashboard stores both.
func idString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func (w inputWire) toRef() (logic.InputRef, error) {
	id := idString(w.DeviceID)
	if id == "" {
		return nil, errMissingDevice
	}
	if w.Keys != nil {
		keys := make([]string, 0, len(w.Keys))
		for _, k := range w.Keys {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		if len(keys) == 0 {
			return nil, errEmptyKeys
		}
		return logic.MultiInput{DeviceID: id, FieldKeys: keys, Name: w.Name}, nil
	}
	key := strings.TrimSpace(w.Key)
	if key == "" {
		return nil, errMissingKey
	}
	return logic.SingleInput{DeviceID: id, Key: key, Name: w.Name}, nil
}

// decodeSingleInput decodes a column that must hold exactly one single-key input.
func decodeSingleInput(raw []byte) (logic.SingleInput, error) {
	var w inputWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return logic.SingleInput{}, fmt.Errorf("decode input: %w", err)
	}
	if w.Keys != nil {
		return logic.SingleInput{}, fmt.Errorf("decode input: expected a single key, got keys %v", w.Keys)
	}
	ref, err := w.toRef()
	if err != nil {
		return logic.SingleInput{}, err
	}
	return ref.(logic.SingleInput), nil
}

// decodeInputs decodes a column holding a JSON array of inputs.
// A null or empty column yields no inputs.
func decodeInputs(raw []byte) ([]logic.InputRef, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ws []inputWire
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	refs := make([]logic.InputRef, 0, len(ws))
	for i, w := range ws {
		ref, err := w.toRef()
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
