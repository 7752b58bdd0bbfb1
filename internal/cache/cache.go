// Package cache holds the last known payload of every device the core observes.
package cache

import (
	"maps"
	"sync"
	"time"
)

// Entry is the cached state of one device.
// It is a value type; Payload is a private copy owned by the caller.
type Entry struct {
	DeviceID  string
	Topic     string
	Payload   map[string]any
	UpdatedAt time.Time
}

// Seed is the persisted state a device is loaded with on reload.
type Seed struct {
	DeviceID    string
	Topic       string
	LastPayload map[string]any
	LastUpdated time.Time
}

// Cache maps device ids to their last topic and payload. Safe for concurrent use.
// A topic maps to at most one device.
type Cache struct {
	mu       sync.RWMutex
	devices  map[string]Entry
	byTopic  map[string]string
	discover bool
}

// New creates an empty cache. With discover set, Update creates entries for
// topics that belong to no known device, keyed by the topic itself.
func New(discover bool) *Cache {
	return &Cache{
		devices:  make(map[string]Entry),
		byTopic:  make(map[string]string),
		discover: discover,
	}
}

// Seed replaces the cache contents with the given devices. Devices not in
// seeds are dropped, including discovered ones.
func (c *Cache) Seed(seeds []Seed) {
	devices := make(map[string]Entry, len(seeds))
	byTopic := make(map[string]string, len(seeds))
	for _, s := range seeds {
		if s.DeviceID == "" {
			continue
		}
		devices[s.DeviceID] = Entry{
			DeviceID:  s.DeviceID,
			Topic:     s.Topic,
			Payload:   maps.Clone(s.LastPayload),
			UpdatedAt: s.LastUpdated,
		}
		if s.Topic != "" {
			byTopic[s.Topic] = s.DeviceID
		}
	}

	c.mu.Lock()
	c.devices = devices
	c.byTopic = byTopic
	c.mu.Unlock()
}

// Update stores payload as the latest value for the device owning topic.
// It returns the device id, or false when the topic is unknown and discovery
// is off.
func (c *Cache) Update(topic string, payload map[string]any, at time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.byTopic[topic]
	if !ok {
		if !c.discover {
			return "", false
		}
		id = topic
		c.byTopic[topic] = id
	}
	c.devices[id] = Entry{
		DeviceID:  id,
		Topic:     topic,
		Payload:   maps.Clone(payload),
		UpdatedAt: at,
	}
	return id, true
}

// Get returns a copy of the device's entry.
func (c *Cache) Get(deviceID string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.devices[deviceID]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	e.Payload = maps.Clone(e.Payload)
	return e, true
}

// Payload returns the device's last payload. It matches logic.Lookup.
func (c *Cache) Payload(deviceID string) (map[string]any, bool) {
	e, ok := c.Get(deviceID)
	if !ok {
		return nil, false
	}
	return e.Payload, true
}

// DeviceForTopic returns the device subscribed through topic.
func (c *Cache) DeviceForTopic(topic string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byTopic[topic]
	return id, ok
}

// Len returns the number of cached devices.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.devices)
}
