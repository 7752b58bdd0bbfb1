// Package status provides a thread-safe status tracker for the telemetry core.
// It is read by the HTTP status handlers and the startup/shutdown events.
package status

import (
	"sync"
	"time"
)

// Config contains process configuration for display.
type Config struct {
	Broker        string
	ControlPlane  string
	HTTPAddr      string
	AutoDiscovery bool
	ReloadPoll    time.Duration
}

// Counts are running message totals since start.
type Counts struct {
	Received  int64
	Dropped   int64
	Published int64
	Failed    int64
}

// Snapshot is a point-in-time view of process state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	StartTime       time.Time
	Now             time.Time
	BusConnected    bool
	Subscriptions   int
	CachedDevices   int
	Schedules       int
	Counts          Counts
	LastMessage     time.Time
	ListenerReload  time.Time
	SchedulerReload time.Time
	ReloadPending   bool
	Config          Config
}

// Uptime returns the duration since the process started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether the bus is up and configurations have been loaded.
func (s Snapshot) Ready() bool {
	return s.BusConnected && !s.ListenerReload.IsZero()
}

// Tracker holds mutable process state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// SetBusConnected sets the bus connection status.
func (t *Tracker) SetBusConnected(connected bool) {
	t.mu.Lock()
	t.snap.BusConnected = connected
	t.mu.Unlock()
}

// SetListener records a completed listener reload.
func (t *Tracker) SetListener(subscriptions, cachedDevices int, at time.Time) {
	t.mu.Lock()
	t.snap.Subscriptions = subscriptions
	t.snap.CachedDevices = cachedDevices
	t.snap.ListenerReload = at
	t.mu.Unlock()
}

// SetSubscriptions updates the subscription count, e.g. after a reconnect.
func (t *Tracker) SetSubscriptions(n int) {
	t.mu.Lock()
	t.snap.Subscriptions = n
	t.mu.Unlock()
}

// SetSchedules records a completed scheduler reload.
func (t *Tracker) SetSchedules(n int, at time.Time) {
	t.mu.Lock()
	t.snap.Schedules = n
	t.snap.SchedulerReload = at
	t.mu.Unlock()
}

// RecordMessage counts one inbound message.
func (t *Tracker) RecordMessage(at time.Time, dropped bool, cachedDevices int) {
	t.mu.Lock()
	t.snap.Counts.Received++
	if dropped {
		t.snap.Counts.Dropped++
	}
	t.snap.LastMessage = at
	t.snap.CachedDevices = cachedDevices
	t.mu.Unlock()
}

// RecordDerived adds the outcome of one engine pass.
func (t *Tracker) RecordDerived(published, failed int) {
	t.mu.Lock()
	t.snap.Counts.Published += int64(published)
	t.snap.Counts.Failed += int64(failed)
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the process state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
