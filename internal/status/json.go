package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string     `json:"event,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Ready         bool       `json:"ready"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	StartTime     string     `json:"start_time"`
	Timestamp     string     `json:"timestamp"`
	MQTT          MQTTStatus `json:"mqtt"`
	Cache         CacheJSON  `json:"cache"`
	Counts        CountsJSON `json:"message_counts"`
	Reload        ReloadJSON `json:"reload"`
	Schedules     int        `json:"schedules"`
	Config        ConfigJSON `json:"config"`
}

// MQTTStatus reports bus connection state.
type MQTTStatus struct {
	Connected     bool   `json:"connected"`
	Broker        string `json:"broker"`
	Subscriptions int    `json:"subscriptions"`
}

// CacheJSON reports the device cache.
type CacheJSON struct {
	Devices     int    `json:"devices"`
	LastMessage string `json:"last_message,omitempty"`
}

// CountsJSON is the JSON representation of message counts.
type CountsJSON struct {
	Received  int64 `json:"received"`
	Dropped   int64 `json:"dropped"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}

// ReloadJSON reports reload state.
type ReloadJSON struct {
	Pending   bool   `json:"pending"`
	Listener  string `json:"listener,omitempty"`
	Scheduler string `json:"scheduler,omitempty"`
}

// ConfigJSON is the JSON representation of process config.
type ConfigJSON struct {
	Broker        string `json:"broker"`
	ControlPlane  string `json:"control_plane"`
	HTTPAddr      string `json:"http_addr"`
	AutoDiscovery bool   `json:"auto_discovery"`
	ReloadPollMs  int64  `json:"reload_poll_ms"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func buildInner(snap Snapshot) StatusInner {
	return StatusInner{
		Ready:         snap.Ready(),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT: MQTTStatus{
			Connected:     snap.BusConnected,
			Broker:        snap.Config.Broker,
			Subscriptions: snap.Subscriptions,
		},
		Cache: CacheJSON{
			Devices:     snap.CachedDevices,
			LastMessage: formatTime(snap.LastMessage),
		},
		Counts: CountsJSON{
			Received:  snap.Counts.Received,
			Dropped:   snap.Counts.Dropped,
			Published: snap.Counts.Published,
			Failed:    snap.Counts.Failed,
		},
		Reload: ReloadJSON{
			Pending:   snap.ReloadPending,
			Listener:  formatTime(snap.ListenerReload),
			Scheduler: formatTime(snap.SchedulerReload),
		},
		Schedules: snap.Schedules,
		Config: ConfigJSON{
			Broker:        snap.Config.Broker,
			ControlPlane:  snap.Config.ControlPlane,
			HTTPAddr:      snap.Config.HTTPAddr,
			AutoDiscovery: snap.Config.AutoDiscovery,
			ReloadPollMs:  snap.Config.ReloadPoll.Milliseconds(),
		},
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for a bus system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
