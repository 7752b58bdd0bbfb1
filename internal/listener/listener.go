// Package listener runs the inbound side of the telemetry core: bus messages
// flow through the normalizer into the device cache, the store and the engine.
package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/telemetry-core/internal/cache"
	"github.com/sweeney/telemetry-core/internal/engine"
	"github.com/sweeney/telemetry-core/internal/logic"
	"github.com/sweeney/telemetry-core/internal/metrics"
	"github.com/sweeney/telemetry-core/internal/mqtt"
	"github.com/sweeney/telemetry-core/internal/payload"
	"github.com/sweeney/telemetry-core/internal/reconcile"
	"github.com/sweeney/telemetry-core/internal/reload"
	"github.com/sweeney/telemetry-core/internal/status"
	"github.com/sweeney/telemetry-core/internal/store"
)

// Store is the part of the configuration store the listener needs.
type Store interface {
	LoadConfigs(ctx context.Context) (logic.ConfigSet, error)
	SaveLastPayload(ctx context.Context, deviceID string, payload map[string]any, at time.Time) error
}

// Inbound is the receiving side of the bus.
type Inbound interface {
	mqtt.ConnectionStatus
	Messages() <-chan mqtt.Message
}

// Listener processes messages in delivery order on a single goroutine.
type Listener struct {
	bus        Inbound
	store      Store
	cache      *cache.Cache
	reconciler *reconcile.Reconciler
	engine     *engine.Engine
	tracker    *status.Tracker
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time

	connected bool
	downSince time.Time
}

// New wires a listener. tracker and m may be nil.
func New(bus Inbound, st Store, c *cache.Cache, r *reconcile.Reconciler, e *engine.Engine, tracker *status.Tracker, m *metrics.Metrics, log zerolog.Logger) *Listener {
	return &Listener{
		bus:        bus,
		store:      st,
		cache:      c,
		reconciler: r,
		engine:     e,
		tracker:    tracker,
		metrics:    m,
		log:        log.With().Str("component", "listener").Logger(),
		now:        time.Now,
	}
}

// Reload reads the configurations, reconciles subscriptions, reseeds the
// cache from the persisted device records and reindexes the engine.
// On error nothing is replaced.
func (l *Listener) Reload(ctx context.Context) error {
	set, err := l.store.LoadConfigs(ctx)
	if err != nil {
		l.metrics.IncReloadError("listener")
		return fmt.Errorf("load configurations: %w", err)
	}

	res, err := l.reconciler.Reconcile(ctx, set)
	if err != nil {
		l.metrics.IncReloadError("listener")
		return fmt.Errorf("reconcile subscriptions: %w", err)
	}

	seeds := make([]cache.Seed, 0, len(res.Devices))
	for _, d := range res.Devices {
		seeds = append(seeds, cache.Seed{
			DeviceID:    d.ID,
			Topic:       d.Topic,
			LastPayload: d.LastPayload,
			LastUpdated: d.LastUpdated,
		})
	}
	l.cache.Seed(seeds)
	l.engine.SetConfigs(set)

	l.metrics.IncReload("listener")
	if l.tracker != nil {
		l.tracker.SetListener(l.reconciler.Active(), l.cache.Len(), l.now())
	}
	l.log.Info().
		Int("aggregates", len(set.Aggregates)).
		Int("billing", len(set.Billing)).
		Int("logging", len(set.Logging)).
		Int("devices", len(seeds)).
		Int("subscribed", len(res.Subscribed)).
		Int("unsubscribed", len(res.Unsubscribed)).
		Msg("configurations reloaded")
	return nil
}

// HandleMessage runs one inbound message through the pipeline.
// Bad messages are dropped and logged; nothing here is retried.
func (l *Listener) HandleMessage(ctx context.Context, msg mqtt.Message) {
	at := l.now()
	l.metrics.IncReceived()

	p, err := payload.Normalize(msg.Topic, msg.Payload)
	if err != nil {
		l.metrics.IncDropped(metrics.ReasonParse)
		l.record(at, true)
		l.log.Warn().Err(err).Str("topic", msg.Topic).Msg("dropping malformed message")
		return
	}

	deviceID, ok := l.cache.Update(msg.Topic, p, at)
	if !ok {
		l.metrics.IncDropped(metrics.ReasonUnknownTopic)
		l.record(at, true)
		l.log.Debug().Str("topic", msg.Topic).Msg("message on unknown topic")
		return
	}
	l.record(at, false)

	if err := l.store.SaveLastPayload(ctx, deviceID, p, at); err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			// Discovered devices have no record yet.
			l.log.Debug().Str("device_id", deviceID).Msg("no device record to persist payload")
		} else {
			l.metrics.IncPersistError()
			l.log.Warn().Err(err).Str("device_id", deviceID).Msg("failed to persist payload")
		}
	}

	out := l.engine.Process(ctx, deviceID)
	if l.tracker != nil && (out.Published > 0 || out.Failed > 0) {
		l.tracker.RecordDerived(out.Published, out.Failed)
	}
}

func (l *Listener) record(at time.Time, dropped bool) {
	if l.tracker != nil {
		l.tracker.RecordMessage(at, dropped, l.cache.Len())
	}
}

// Run handles messages until ctx is done or the message stream closes.
// A raised flag is consumed on reloadTick and raised again if the reload
// fails; checkTick samples the connection.
func (l *Listener) Run(ctx context.Context, reloadTick, checkTick <-chan time.Time, flag *reload.Flag) {
	messages := l.bus.Messages()
	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-messages:
			if !ok {
				l.log.Info().Msg("message stream closed")
				return
			}
			l.HandleMessage(ctx, msg)

		case <-reloadTick:
			if !flag.Consume() {
				continue
			}
			if err := l.Reload(ctx); err != nil {
				flag.Set()
				l.log.Error().Err(err).Msg("reload failed, keeping current configuration until the next tick")
			}

		case <-checkTick:
			l.CheckConnectivity()
		}
	}
}

// CheckConnectivity samples the bus connection and logs transitions.
func (l *Listener) CheckConnectivity() {
	connected := l.bus.IsConnected()
	now := l.now()

	l.metrics.SetBusConnected(connected)
	if l.tracker != nil {
		l.tracker.SetBusConnected(connected)
	}

	switch {
	case connected && !l.connected:
		ev := l.log.Info()
		if !l.downSince.IsZero() {
			ev = ev.Dur("down_for", now.Sub(l.downSince))
		}
		ev.Int("subscriptions", l.reconciler.Active()).Msg("bus connected")
		if l.tracker != nil {
			l.tracker.SetSubscriptions(l.reconciler.Active())
		}
		l.downSince = time.Time{}
	case !connected && l.connected:
		l.downSince = now
		l.log.Warn().Msg("bus disconnected, waiting for reconnect")
	case !connected:
		if l.downSince.IsZero() {
			l.downSince = now
		}
		l.log.Debug().Dur("down_for", now.Sub(l.downSince)).Msg("bus still disconnected")
	}
	l.connected = connected
}
