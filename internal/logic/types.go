// Package logic contains the pure data model and calculations of the telemetry core.
// This package has NO external dependencies (no MQTT, database, HTTP, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import "time"

// Kind identifies the configuration family a record belongs to.
type Kind string

const (
	KindAggregate Kind = "aggregate"
	KindBilling   Kind = "billing"
	KindLogging   Kind = "logging"
)

// InputRef points at one or more fields of a source device's payload.
// Implemented by SingleInput and MultiInput only.
type InputRef interface {
	// Device returns the source device identifier.
	Device() string
	// Keys returns the payload field keys read from the device.
	Keys() []string
	// Label returns the optional display name.
	Label() string
}

// SingleInput reads exactly one field from a device.
type SingleInput struct {
	DeviceID string
	Key      string
	Name     string
}

func (s SingleInput) Device() string { return s.DeviceID }
func (s SingleInput) Keys() []string { return []string{s.Key} }
func (s SingleInput) Label() string  { return s.Name }

// MultiInput reads several fields from a device; their values are summed.
type MultiInput struct {
	DeviceID  string
	FieldKeys []string
	Name      string
}

func (m MultiInput) Device() string { return m.DeviceID }
func (m MultiInput) Keys() []string { return m.FieldKeys }
func (m MultiInput) Label() string  { return m.Name }

// OutputTarget is the device-like endpoint a derived result is published to.
type OutputTarget struct {
	DeviceID string
	Topic    string
}

// AggregateConfig derives a ratio from one primary and several secondary inputs
// (PUE-style: total facility power over IT power).
type AggregateConfig struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Primary   SingleInput
	Secondary []InputRef
	Output    *OutputTarget // nil when the output device is missing
}

// BillingConfig forwards a single field of a source device and is logged
// periodically through the bill-logger endpoint.
type BillingConfig struct {
	ID              string
	Name            string
	CreatedAt       time.Time
	Source          SingleInput
	IntervalMinutes int // 0 means use the process default
	Output          *OutputTarget
}

// LoggingConfig is logged periodically through the log-data endpoint.
type LoggingConfig struct {
	ID              string
	Name            string
	CreatedAt       time.Time
	IntervalMinutes int
	Inputs          []InputRef
}

// ConfigSet is every configuration loaded from the store in one pass.
type ConfigSet struct {
	Aggregates []AggregateConfig
	Billing    []BillingConfig
	Logging    []LoggingConfig
}

// DeviceIDs returns the distinct source device ids referenced by any input
// of any configuration, in first-seen order.
func (c ConfigSet) DeviceIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	for _, a := range c.Aggregates {
		add(a.Primary.DeviceID)
		for _, s := range a.Secondary {
			add(s.Device())
		}
	}
	for _, b := range c.Billing {
		add(b.Source.DeviceID)
	}
	for _, l := range c.Logging {
		for _, in := range l.Inputs {
			add(in.Device())
		}
	}
	return ids
}

// AggregateResult is the outcome of one aggregate recomputation.
// A nil field means the value could not be computed.
type AggregateResult struct {
	Timestamp      time.Time
	Name           string
	Ratio          *float64
	PrimaryValue   *float64
	SecondaryTotal *float64
}

// BillingResult is the outcome of one billing pass-through.
type BillingResult struct {
	Timestamp time.Time
	Name      string
	Field     string
	Value     *float64
}
