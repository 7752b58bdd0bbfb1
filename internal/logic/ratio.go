package logic

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Lookup returns the last known payload of a device, or false if the device
// has no cache entry.
type Lookup func(deviceID string) (map[string]any, bool)

// ToNumber coerces a payload value into a finite float64.
// Numbers, json.Number and numeric strings are accepted; everything else is not.
func ToNumber(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// FieldValue reads key from the device's payload as a number.
// Returns nil if the device is unknown, the key is absent or non-numeric.
func FieldValue(lookup Lookup, deviceID, key string) *float64 {
	payload, ok := lookup(deviceID)
	if !ok {
		return nil
	}
	f, ok := ToNumber(payload[key])
	if !ok {
		return nil
	}
	return &f
}

// SumInputs adds every key of every input. Missing or non-numeric keys
// contribute 0. Returns nil only when none of the input devices is known.
func SumInputs(lookup Lookup, inputs []InputRef) *float64 {
	var total float64
	known := false
	for _, in := range inputs {
		payload, ok := lookup(in.Device())
		if !ok {
			continue
		}
		known = true
		for _, key := range in.Keys() {
			if f, ok := ToNumber(payload[key]); ok {
				total += f
			}
		}
	}
	if !known {
		return nil
	}
	return &total
}

// Ratio divides primary by secondary. Missing operands and a zero divisor
// yield nil.
func Ratio(primary, secondary *float64) *float64 {
	if primary == nil || secondary == nil || *secondary == 0 {
		return nil
	}
	r := *primary / *secondary
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return nil
	}
	return &r
}

// ComputeAggregate recomputes an aggregate configuration from the cache.
func ComputeAggregate(cfg AggregateConfig, lookup Lookup, now time.Time) AggregateResult {
	primary := FieldValue(lookup, cfg.Primary.DeviceID, cfg.Primary.Key)
	secondary := SumInputs(lookup, cfg.Secondary)
	return AggregateResult{
		Timestamp:      now,
		Name:           cfg.Name,
		Ratio:          Ratio(primary, secondary),
		PrimaryValue:   primary,
		SecondaryTotal: secondary,
	}
}

// ComputeBilling extracts the billing source field from the cache.
func ComputeBilling(cfg BillingConfig, lookup Lookup, now time.Time) BillingResult {
	return BillingResult{
		Timestamp: now,
		Name:      cfg.Name,
		Field:     cfg.Source.Key,
		Value:     FieldValue(lookup, cfg.Source.DeviceID, cfg.Source.Key),
	}
}

// References reports whether the aggregate reads from the given device.
func (a AggregateConfig) References(deviceID string) bool {
	if a.Primary.DeviceID == deviceID {
		return true
	}
	for _, s := range a.Secondary {
		if s.Device() == deviceID {
			return true
		}
	}
	return false
}
