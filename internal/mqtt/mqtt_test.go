package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/telemetry-core/internal/logic"
)

func f64(v float64) *float64 { return &v }

func TestFormatAggregate(t *testing.T) {
	r := logic.AggregateResult{
		Timestamp:      time.Date(2026, 2, 2, 22, 18, 12, 0, time.UTC),
		Name:           "Hall A",
		Ratio:          f64(2),
		PrimaryValue:   f64(1000),
		SecondaryTotal: f64(500),
	}

	payload, err := FormatAggregate(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed AggregatePayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Timestamp != "2026-02-02T22:18:12Z" {
		t.Errorf("unexpected timestamp: %s", parsed.Timestamp)
	}
	if parsed.Name != "Hall A" {
		t.Errorf("unexpected name: %s", parsed.Name)
	}
	if parsed.PUE == nil || *parsed.PUE != 2 {
		t.Errorf("unexpected pue: %v", parsed.PUE)
	}
	if parsed.MainPowerWatt == nil || *parsed.MainPowerWatt != 1000 {
		t.Errorf("unexpected main_power_watt: %v", parsed.MainPowerWatt)
	}
	if parsed.ITPowerWatt == nil || *parsed.ITPowerWatt != 500 {
		t.Errorf("unexpected it_power_watt: %v", parsed.ITPowerWatt)
	}
}

func TestFormatAggregateNullFields(t *testing.T) {
	r := logic.AggregateResult{
		Timestamp:      time.Date(2026, 2, 3, 10, 30, 45, 0, time.UTC),
		Name:           "Hall B",
		SecondaryTotal: f64(0),
	}

	payload, err := FormatAggregate(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"timestamp":"2026-02-03T10:30:45Z","name":"Hall B","pue":null,"main_power_watt":null,"it_power_watt":0}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), expected)
	}
}

func TestFormatBilling(t *testing.T) {
	r := logic.BillingResult{
		Timestamp: time.Date(2026, 2, 3, 10, 30, 45, 500_000_000, time.UTC),
		Name:      "Tenant 4",
		Field:     "kwh",
		Value:     f64(12.5),
	}

	payload, err := FormatBilling(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"timestamp":"2026-02-03T10:30:45.5Z","name":"Tenant 4","field":"kwh","value":12.5}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), expected)
	}
}

func TestFakeBusPublish(t *testing.T) {
	f := NewFakeBus()

	err := f.Publish("out/pue", []byte(`{}`), PublishOptions{QoS: 1, Retained: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := f.Published()
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].Topic != "out/pue" {
		t.Errorf("unexpected topic: %s", got[0].Topic)
	}
	if !got[0].Opts.Retained {
		t.Error("expected retained flag")
	}
}

func TestFakeBusPublishError(t *testing.T) {
	f := NewFakeBus()
	f.SetPublishError(errors.New("simulated error"))

	if err := f.Publish("t", nil, PublishOptions{}); err == nil {
		t.Error("expected error")
	}
	if len(f.Published()) != 0 {
		t.Errorf("expected no messages recorded on error, got %d", len(f.Published()))
	}
}

func TestFakeBusNotConnected(t *testing.T) {
	f := NewFakeBus()
	f.SetConnected(false)

	if err := f.Publish("t", nil, PublishOptions{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish: got %v, want ErrNotConnected", err)
	}
	if err := f.Subscribe("t"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe: got %v, want ErrNotConnected", err)
	}
	if err := f.Unsubscribe("t"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe: got %v, want ErrNotConnected", err)
	}
	if f.IsConnected() {
		t.Error("expected IsConnected=false")
	}
}

func TestFakeBusDisconnectDropsSubscriptions(t *testing.T) {
	f := NewFakeBus()
	f.Subscribe("a")
	if !f.Subscribed("a") {
		t.Fatal("expected a to be subscribed")
	}

	f.SetConnected(false)
	f.SetConnected(true)

	if f.Subscribed("a") {
		t.Error("subscriptions should not survive a reconnect")
	}
}

func TestFakeBusClose(t *testing.T) {
	f := NewFakeBus()
	if f.Closed() {
		t.Error("should not be closed initially")
	}
	if err := f.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !f.Closed() {
		t.Error("should be closed after Close()")
	}
}

func TestFakeBusReset(t *testing.T) {
	f := NewFakeBus()
	f.Subscribe("a")
	f.Unsubscribe("b")
	f.Publish("c", nil, PublishOptions{})
	f.SetPublishError(errors.New("error"))

	f.Reset()

	if len(f.SubscribeCalls()) != 0 || len(f.UnsubscribeCalls()) != 0 || len(f.Published()) != 0 {
		t.Error("recorded calls should be cleared")
	}
	if err := f.Publish("c", nil, PublishOptions{}); err != nil {
		t.Errorf("error should be cleared, got %v", err)
	}
}

func TestFakeBusDeliver(t *testing.T) {
	f := NewFakeBus()
	f.Deliver("site/a", []byte(`{"w":1}`))

	select {
	case m := <-f.Messages():
		if m.Topic != "site/a" {
			t.Errorf("unexpected topic: %s", m.Topic)
		}
	default:
		t.Fatal("expected a delivered message")
	}
}

func TestOptionsDefaults(t *testing.T) {
	var o Options
	o.applyDefaults()

	if o.ClientID != "telemetry-core" {
		t.Errorf("ClientID: got %q", o.ClientID)
	}
	if o.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout: got %v", o.ConnectTimeout)
	}
	if o.CommandTimeout != 5*time.Second {
		t.Errorf("CommandTimeout: got %v", o.CommandTimeout)
	}
	if o.BufferSize != 1024 {
		t.Errorf("BufferSize: got %d", o.BufferSize)
	}
}
