// Package reconcile keeps bus subscriptions equal to the topics the loaded
// configurations need.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sweeney/telemetry-core/internal/logic"
	"github.com/sweeney/telemetry-core/internal/metrics"
	"github.com/sweeney/telemetry-core/internal/mqtt"
	"github.com/sweeney/telemetry-core/internal/store"
)

// Directory resolves device ids to device records.
type Directory interface {
	Devices(ctx context.Context, ids []string) ([]store.Device, error)
}

// Result describes one reconcile pass.
type Result struct {
	Subscribed   []string
	Unsubscribed []string
	// Devices are the resolved records of every referenced device.
	Devices []store.Device
}

// Reconciler owns the subscription set.
//
// desired is the set the configurations need; active is the subset confirmed
// on the current connection. Both are guarded by mu, which also serializes
// bus subscribe/unsubscribe calls made by the reconciler.
type Reconciler struct {
	bus     mqtt.Subscriber
	dir     Directory
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	desired   map[string]struct{}
	active    map[string]struct{}
	discovery string
}

// New creates a reconciler with nothing subscribed.
func New(bus mqtt.Subscriber, dir Directory, m *metrics.Metrics, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		bus:     bus,
		dir:     dir,
		log:     log.With().Str("component", "reconciler").Logger(),
		metrics: m,
		desired: make(map[string]struct{}),
		active:  make(map[string]struct{}),
	}
}

// SetDiscoveryTopic adds a topic filter (usually a wildcard) that stays
// subscribed regardless of the configurations, so messages from devices
// outside the directory reach the cache. An empty topic disables it.
// Takes effect on the next Reconcile.
func (r *Reconciler) SetDiscoveryTopic(topic string) {
	r.mu.Lock()
	r.discovery = topic
	r.mu.Unlock()
}

// Reconcile subscribes the topics configs need and unsubscribes the rest.
// Topics already active are left alone, so repeating a call with the same
// configs issues no bus commands. A directory failure leaves subscriptions
// untouched.
func (r *Reconciler) Reconcile(ctx context.Context, configs logic.ConfigSet) (Result, error) {
	ids := configs.DeviceIDs()
	devices, err := r.dir.Devices(ctx, ids)
	if err != nil {
		return Result{}, fmt.Errorf("resolve topics: %w", err)
	}

	want := r.topicsFor(ids, devices)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.discovery != "" {
		want[r.discovery] = struct{}{}
	}
	res := Result{Devices: devices}
	r.desired = want

	for _, topic := range sortedKeys(r.active) {
		if _, ok := want[topic]; ok {
			continue
		}
		err := r.bus.Unsubscribe(topic)
		switch {
		case err == nil:
			delete(r.active, topic)
			res.Unsubscribed = append(res.Unsubscribed, topic)
		case errors.Is(err, mqtt.ErrNotConnected):
			// The broker drops subscriptions with the session.
			delete(r.active, topic)
		default:
			r.metrics.IncSubscribeError()
			r.log.Warn().Err(err).Str("topic", topic).Msg("unsubscribe failed, will retry on next reconcile")
		}
	}

	for _, topic := range sortedKeys(want) {
		if _, ok := r.active[topic]; ok {
			continue
		}
		if err := r.bus.Subscribe(topic); err != nil {
			r.metrics.IncSubscribeError()
			r.log.Warn().Err(err).Str("topic", topic).Msg("subscribe failed, will retry")
			continue
		}
		r.active[topic] = struct{}{}
		res.Subscribed = append(res.Subscribed, topic)
	}

	r.metrics.SetSubscriptions(len(r.active))
	if len(res.Subscribed) > 0 || len(res.Unsubscribed) > 0 {
		r.log.Info().Int("subscribed", len(res.Subscribed)).Int("unsubscribed", len(res.Unsubscribed)).Int("total", len(r.active)).Msg("subscriptions reconciled")
	}
	return res, nil
}

// Resubscribe restores every desired topic after a (re)connect.
// Subscriptions of the previous connection are assumed lost.
func (r *Reconciler) Resubscribe() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = make(map[string]struct{}, len(r.desired))
	for _, topic := range sortedKeys(r.desired) {
		if err := r.bus.Subscribe(topic); err != nil {
			r.metrics.IncSubscribeError()
			r.log.Warn().Err(err).Str("topic", topic).Msg("resubscribe failed")
			continue
		}
		r.active[topic] = struct{}{}
	}
	r.metrics.SetSubscriptions(len(r.active))
	r.log.Info().Int("topics", len(r.active)).Int("desired", len(r.desired)).Msg("resubscribed")
	return len(r.active)
}

// Topics returns the desired topics, sorted.
func (r *Reconciler) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.desired)
}

// Active returns how many topics are confirmed subscribed.
func (r *Reconciler) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Reconciler) topicsFor(ids []string, devices []store.Device) map[string]struct{} {
	found := make(map[string]bool, len(devices))
	owner := make(map[string]string, len(devices))
	want := make(map[string]struct{}, len(devices))

	for _, d := range devices {
		found[d.ID] = true
		if d.Topic == "" {
			r.log.Warn().Str("device_id", d.ID).Msg("device has no topic, not subscribing")
			continue
		}
		if prev, dup := owner[d.Topic]; dup && prev != d.ID {
			r.log.Warn().Str("topic", d.Topic).Str("device_id", d.ID).Str("other_device_id", prev).Msg("topic shared by several devices")
		}
		owner[d.Topic] = d.ID
		want[d.Topic] = struct{}{}
	}
	for _, id := range ids {
		if !found[id] {
			r.log.Warn().Str("device_id", id).Msg("referenced device not found in store")
		}
	}
	return want
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
