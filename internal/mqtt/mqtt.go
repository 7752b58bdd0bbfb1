// Package mqtt provides the message bus client with an abstraction for testing.
package mqtt

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/sweeney/telemetry-core/internal/logic"
)

// ErrNotConnected is returned by bus operations attempted while the
// connection is down. Nothing is queued; callers retry after reconnect.
var ErrNotConnected = errors.New("mqtt: not connected")

// Message is one inbound bus message.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// PublishOptions controls delivery of an outbound message.
type PublishOptions struct {
	QoS      byte
	Retained bool
}

// Publisher sends messages to the bus.
type Publisher interface {
	// Publish sends payload to topic.
	// Returns ErrNotConnected while disconnected.
	Publish(topic string, payload []byte, opts PublishOptions) error
}

// Subscriber manages topic subscriptions. The client does not remember
// subscriptions across a connection loss; the caller owns that state.
type Subscriber interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}

// ConnectionStatus reports whether the bus connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Bus is the full client used by the process.
type Bus interface {
	Publisher
	Subscriber
	ConnectionStatus

	// Messages returns the inbound message stream, in delivery order.
	Messages() <-chan Message

	// Close disconnects from the broker.
	Close() error
}

// AggregatePayload is the wire format of a derived aggregate result.
type AggregatePayload struct {
	Timestamp     string   `json:"timestamp"`
	Name          string   `json:"name"`
	PUE           *float64 `json:"pue"`
	MainPowerWatt *float64 `json:"main_power_watt"`
	ITPowerWatt   *float64 `json:"it_power_watt"`
}

// FormatAggregate creates the JSON payload for an aggregate result.
func FormatAggregate(r logic.AggregateResult) ([]byte, error) {
	return json.Marshal(AggregatePayload{
		Timestamp:     r.Timestamp.UTC().Format(time.RFC3339Nano),
		Name:          r.Name,
		PUE:           r.Ratio,
		MainPowerWatt: r.PrimaryValue,
		ITPowerWatt:   r.SecondaryTotal,
	})
}

// BillingPayload is the wire format of a forwarded billing value.
type BillingPayload struct {
	Timestamp string   `json:"timestamp"`
	Name      string   `json:"name"`
	Field     string   `json:"field"`
	Value     *float64 `json:"value"`
}

// FormatBilling creates the JSON payload for a billing result.
func FormatBilling(r logic.BillingResult) ([]byte, error) {
	return json.Marshal(BillingPayload{
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
		Name:      r.Name,
		Field:     r.Field,
		Value:     r.Value,
	})
}
