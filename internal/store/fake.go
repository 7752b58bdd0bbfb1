package store

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/sweeney/telemetry-core/internal/logic"
)

// SavedPayload is one SaveLastPayload call recorded by FakeStore.
type SavedPayload struct {
	DeviceID string
	Payload  map[string]any
	At       time.Time
}

// FakeStore is an in-memory store for tests. Safe for concurrent use.
type FakeStore struct {
	mu      sync.Mutex
	configs logic.ConfigSet
	devices map[string]Device
	saved   []SavedPayload
	loadErr error
	loads   int
}

// NewFakeStore creates a store holding the given devices.
func NewFakeStore(devices ...Device) *FakeStore {
	f := &FakeStore{devices: make(map[string]Device)}
	for _, d := range devices {
		f.devices[d.ID] = d
	}
	return f
}

// SetConfigs replaces the configuration set returned by LoadConfigs.
func (f *FakeStore) SetConfigs(set logic.ConfigSet) {
	f.mu.Lock()
	f.configs = set
	f.mu.Unlock()
}

// SetLoadError makes LoadConfigs fail with err (nil clears it).
func (f *FakeStore) SetLoadError(err error) {
	f.mu.Lock()
	f.loadErr = err
	f.mu.Unlock()
}

// PutDevice adds or replaces a device record.
func (f *FakeStore) PutDevice(d Device) {
	f.mu.Lock()
	f.devices[d.ID] = d
	f.mu.Unlock()
}

// LoadConfigs returns the configured set.
func (f *FakeStore) LoadConfigs(_ context.Context) (logic.ConfigSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return logic.ConfigSet{}, f.loadErr
	}
	return f.configs, nil
}

// Devices returns the known devices among ids, in ids order.
func (f *FakeStore) Devices(_ context.Context, ids []string) ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Device
	for _, id := range ids {
		if d, ok := f.devices[id]; ok {
			d.LastPayload = maps.Clone(d.LastPayload)
			out = append(out, d)
		}
	}
	return out, nil
}

// SaveLastPayload records the call and updates the device record.
func (f *FakeStore) SaveLastPayload(_ context.Context, deviceID string, payload map[string]any, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceID]
	if !ok {
		return fmt.Errorf("save payload for %s: %w", deviceID, ErrDeviceNotFound)
	}
	d.LastPayload = maps.Clone(payload)
	d.LastUpdated = at
	f.devices[deviceID] = d
	f.saved = append(f.saved, SavedPayload{DeviceID: deviceID, Payload: maps.Clone(payload), At: at})
	return nil
}

// Saved returns every recorded SaveLastPayload call.
func (f *FakeStore) Saved() []SavedPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SavedPayload(nil), f.saved...)
}

// Loads returns how many times LoadConfigs was called.
func (f *FakeStore) Loads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}
