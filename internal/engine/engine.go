// Package engine recomputes derived metrics from the device cache and
// publishes them to their output targets.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/telemetry-core/internal/logic"
	"github.com/sweeney/telemetry-core/internal/metrics"
	"github.com/sweeney/telemetry-core/internal/mqtt"
)

// ErrNoOutput is returned for a configuration without a usable output target.
var ErrNoOutput = errors.New("configuration has no output target")

// PayloadWriter persists the last payload of a device record.
type PayloadWriter interface {
	SaveLastPayload(ctx context.Context, deviceID string, payload map[string]any, at time.Time) error
}

// Outcome counts what one Process call did.
type Outcome struct {
	Published int
	Failed    int
}

// Engine maps device updates to the configurations that read them.
type Engine struct {
	lookup  logic.Lookup
	bus     mqtt.Publisher
	writer  PayloadWriter
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu         sync.RWMutex
	aggregates map[string][]logic.AggregateConfig
	billing    map[string][]logic.BillingConfig
}

// New creates an engine. writer may be nil to skip persisting results.
func New(lookup logic.Lookup, bus mqtt.Publisher, writer PayloadWriter, m *metrics.Metrics, log zerolog.Logger) *Engine {
	return &Engine{
		lookup:     lookup,
		bus:        bus,
		writer:     writer,
		log:        log.With().Str("component", "engine").Logger(),
		metrics:    m,
		now:        time.Now,
		aggregates: make(map[string][]logic.AggregateConfig),
		billing:    make(map[string][]logic.BillingConfig),
	}
}

// SetConfigs rebuilds the device index from set.
func (e *Engine) SetConfigs(set logic.ConfigSet) {
	aggregates := make(map[string][]logic.AggregateConfig)
	for _, a := range set.Aggregates {
		seen := make(map[string]bool)
		ids := []string{a.Primary.DeviceID}
		for _, s := range a.Secondary {
			ids = append(ids, s.Device())
		}
		for _, id := range ids {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			aggregates[id] = append(aggregates[id], a)
		}
	}

	billing := make(map[string][]logic.BillingConfig)
	for _, b := range set.Billing {
		if b.Source.DeviceID == "" {
			continue
		}
		billing[b.Source.DeviceID] = append(billing[b.Source.DeviceID], b)
	}

	e.mu.Lock()
	e.aggregates = aggregates
	e.billing = billing
	e.mu.Unlock()

	e.log.Debug().Int("aggregates", len(set.Aggregates)).Int("billing", len(set.Billing)).Msg("configurations indexed")
}

// Process recomputes every configuration that reads deviceID.
// A failing configuration is logged and counted; the others still run.
func (e *Engine) Process(ctx context.Context, deviceID string) Outcome {
	e.mu.RLock()
	aggregates := e.aggregates[deviceID]
	billing := e.billing[deviceID]
	e.mu.RUnlock()

	var out Outcome
	now := e.now()

	for _, cfg := range aggregates {
		if err := e.publishAggregate(ctx, cfg, now); err != nil {
			out.Failed++
			e.metrics.IncDerivedError(string(logic.KindAggregate))
			e.log.Warn().Err(err).Str("config_id", cfg.ID).Str("config", cfg.Name).Str("device_id", deviceID).Msg("aggregate not published")
			continue
		}
		out.Published++
		e.metrics.IncDerived(string(logic.KindAggregate))
	}

	for _, cfg := range billing {
		published, err := e.forwardBilling(ctx, cfg, now)
		if err != nil {
			out.Failed++
			e.metrics.IncDerivedError(string(logic.KindBilling))
			e.log.Warn().Err(err).Str("config_id", cfg.ID).Str("config", cfg.Name).Str("device_id", deviceID).Msg("billing value not forwarded")
			continue
		}
		if published {
			out.Published++
			e.metrics.IncDerived(string(logic.KindBilling))
		}
	}
	return out
}

func (e *Engine) publishAggregate(ctx context.Context, cfg logic.AggregateConfig, now time.Time) error {
	if cfg.Output == nil || cfg.Output.Topic == "" {
		return ErrNoOutput
	}
	result := logic.ComputeAggregate(cfg, e.lookup, now)
	body, err := mqtt.FormatAggregate(result)
	if err != nil {
		return fmt.Errorf("encode aggregate: %w", err)
	}
	if err := e.bus.Publish(cfg.Output.Topic, body, mqtt.PublishOptions{QoS: 1, Retained: true}); err != nil {
		return fmt.Errorf("publish to %s: %w", cfg.Output.Topic, err)
	}

	ev := e.log.Debug().Str("config", cfg.Name).Str("topic", cfg.Output.Topic)
	if result.Ratio != nil {
		ev = ev.Float64("ratio", *result.Ratio)
	}
	ev.Msg("aggregate published")

	e.persist(ctx, cfg.Output.DeviceID, body, now)
	return nil
}

// forwardBilling reports false when the configuration has nowhere to forward to.
func (e *Engine) forwardBilling(ctx context.Context, cfg logic.BillingConfig, now time.Time) (bool, error) {
	if cfg.Output == nil || cfg.Output.Topic == "" {
		return false, nil
	}
	result := logic.ComputeBilling(cfg, e.lookup, now)
	body, err := mqtt.FormatBilling(result)
	if err != nil {
		return false, fmt.Errorf("encode billing: %w", err)
	}
	if err := e.bus.Publish(cfg.Output.Topic, body, mqtt.PublishOptions{QoS: 1, Retained: true}); err != nil {
		return false, fmt.Errorf("publish to %s: %w", cfg.Output.Topic, err)
	}
	e.persist(ctx, cfg.Output.DeviceID, body, now)
	return true, nil
}

// persist stores a published result on the output device record.
// Failures are logged only; the result is already on the bus.
func (e *Engine) persist(ctx context.Context, deviceID string, body []byte, at time.Time) {
	if e.writer == nil || deviceID == "" {
		return
	}
	var record map[string]any
	if err := json.Unmarshal(body, &record); err != nil {
		return
	}
	if err := e.writer.SaveLastPayload(ctx, deviceID, record, at); err != nil {
		e.metrics.IncPersistError()
		e.log.Warn().Err(err).Str("device_id", deviceID).Msg("failed to persist derived result")
	}
}
