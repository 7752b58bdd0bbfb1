// Package store reads configurations and device records from the dashboard's
// PostgreSQL database. The only write path is a device's last known payload.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/sweeney/telemetry-core/internal/logic"
)

// ErrDeviceNotFound is returned when a payload is saved for an unknown device.
var ErrDeviceNotFound = errors.New("device not found")

// Device is a device directory record.
type Device struct {
	ID          string
	Topic       string
	LastPayload map[string]any
	LastUpdated time.Time
}

const (
	queryAggregates = `SELECT c.id, c.name, c.created_at, c.primary_input, c.secondary_inputs, c.output_device_id, d.topic AS output_topic
FROM aggregate_configs c LEFT JOIN devices d ON d.id = c.output_device_id
ORDER BY c.created_at, c.id`

	queryBilling = `SELECT c.id, c.name, c.created_at, c.source_input, c.interval_minutes, c.output_device_id, d.topic AS output_topic
FROM billing_configs c LEFT JOIN devices d ON d.id = c.output_device_id
ORDER BY c.created_at, c.id`

	queryLogging = `SELECT id, name, created_at, interval_minutes, inputs
FROM logging_configs
ORDER BY created_at, id`

	queryDevices = `SELECT id, topic, last_payload, last_updated FROM devices WHERE id = ANY($1)`

	querySavePayload = `UPDATE devices SET last_payload = $1, last_updated = $2 WHERE id = $3`
)

type aggregateRow struct {
	ID              string         `db:"id"`
	Name            string         `db:"name"`
	CreatedAt       time.Time      `db:"created_at"`
	PrimaryInput    []byte         `db:"primary_input"`
	SecondaryInputs []byte         `db:"secondary_inputs"`
	OutputDeviceID  sql.NullString `db:"output_device_id"`
	OutputTopic     sql.NullString `db:"output_topic"`
}

type billingRow struct {
	ID              string         `db:"id"`
	Name            string         `db:"name"`
	CreatedAt       time.Time      `db:"created_at"`
	SourceInput     []byte         `db:"source_input"`
	IntervalMinutes sql.NullInt64  `db:"interval_minutes"`
	OutputDeviceID  sql.NullString `db:"output_device_id"`
	OutputTopic     sql.NullString `db:"output_topic"`
}

type loggingRow struct {
	ID              string        `db:"id"`
	Name            string        `db:"name"`
	CreatedAt       time.Time     `db:"created_at"`
	IntervalMinutes sql.NullInt64 `db:"interval_minutes"`
	Inputs          []byte        `db:"inputs"`
}

type deviceRow struct {
	ID          string         `db:"id"`
	Topic       sql.NullString `db:"topic"`
	LastPayload []byte         `db:"last_payload"`
	LastUpdated sql.NullTime   `db:"last_updated"`
}

// SQLStore is the PostgreSQL-backed configuration store.
type SQLStore struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// Open connects to the database at url.
func Open(ctx context.Context, url string, log zerolog.Logger) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return New(db, log), nil
}

// New wraps an existing connection.
func New(db *sqlx.DB, log zerolog.Logger) *SQLStore {
	return &SQLStore{db: db, log: log.With().Str("component", "store").Logger()}
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// LoadConfigs reads every configuration. Rows that fail validation are logged
// and skipped; a query failure aborts the load.
func (s *SQLStore) LoadConfigs(ctx context.Context) (logic.ConfigSet, error) {
	var set logic.ConfigSet

	var aggRows []aggregateRow
	if err := s.db.SelectContext(ctx, &aggRows, queryAggregates); err != nil {
		return set, fmt.Errorf("load aggregate configs: %w", err)
	}
	var billRows []billingRow
	if err := s.db.SelectContext(ctx, &billRows, queryBilling); err != nil {
		return set, fmt.Errorf("load billing configs: %w", err)
	}
	var logRows []loggingRow
	if err := s.db.SelectContext(ctx, &logRows, queryLogging); err != nil {
		return set, fmt.Errorf("load logging configs: %w", err)
	}

	names := newNameSet(s.log)
	for _, r := range aggRows {
		cfg, err := r.toConfig()
		if err != nil {
			s.log.Warn().Err(err).Str("kind", string(logic.KindAggregate)).Str("config_id", r.ID).Msg("skipping invalid configuration")
			continue
		}
		if names.claim(logic.KindAggregate, cfg.ID, cfg.Name) {
			set.Aggregates = append(set.Aggregates, cfg)
		}
	}
	for _, r := range billRows {
		cfg, err := r.toConfig()
		if err != nil {
			s.log.Warn().Err(err).Str("kind", string(logic.KindBilling)).Str("config_id", r.ID).Msg("skipping invalid configuration")
			continue
		}
		if names.claim(logic.KindBilling, cfg.ID, cfg.Name) {
			set.Billing = append(set.Billing, cfg)
		}
	}
	for _, r := range logRows {
		cfg, err := r.toConfig()
		if err != nil {
			s.log.Warn().Err(err).Str("kind", string(logic.KindLogging)).Str("config_id", r.ID).Msg("skipping invalid configuration")
			continue
		}
		if names.claim(logic.KindLogging, cfg.ID, cfg.Name) {
			set.Logging = append(set.Logging, cfg)
		}
	}
	return set, nil
}

// Devices returns the directory records of the given device ids.
// Unknown ids are silently absent from the result.
func (s *SQLStore) Devices(ctx context.Context, ids []string) ([]Device, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []deviceRow
	if err := s.db.SelectContext(ctx, &rows, queryDevices, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}

	devices := make([]Device, 0, len(rows))
	for _, r := range rows {
		d := Device{ID: r.ID, Topic: r.Topic.String}
		if r.LastUpdated.Valid {
			d.LastUpdated = r.LastUpdated.Time
		}
		if len(r.LastPayload) > 0 {
			if err := json.Unmarshal(r.LastPayload, &d.LastPayload); err != nil {
				s.log.Warn().Err(err).Str("device_id", r.ID).Msg("ignoring unreadable last payload")
				d.LastPayload = nil
			}
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// SaveLastPayload stores the device's latest normalized payload.
func (s *SQLStore) SaveLastPayload(ctx context.Context, deviceID string, payload map[string]any, at time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx, querySavePayload, data, at, deviceID)
	if err != nil {
		return fmt.Errorf("save payload for %s: %w", deviceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save payload for %s: %w", deviceID, err)
	}
	if n == 0 {
		return fmt.Errorf("save payload for %s: %w", deviceID, ErrDeviceNotFound)
	}
	return nil
}

func outputTarget(id, topic sql.NullString) *logic.OutputTarget {
	if !id.Valid || id.String == "" || !topic.Valid || topic.String == "" {
		return nil
	}
	return &logic.OutputTarget{DeviceID: id.String, Topic: topic.String}
}

func (r aggregateRow) toConfig() (logic.AggregateConfig, error) {
	primary, err := decodeSingleInput(r.PrimaryInput)
	if err != nil {
		return logic.AggregateConfig{}, fmt.Errorf("primary input: %w", err)
	}
	secondary, err := decodeInputs(r.SecondaryInputs)
	if err != nil {
		return logic.AggregateConfig{}, fmt.Errorf("secondary inputs: %w", err)
	}
	if len(secondary) == 0 {
		return logic.AggregateConfig{}, errors.New("no secondary inputs")
	}
	return logic.AggregateConfig{
		ID:        r.ID,
		Name:      r.Name,
		CreatedAt: r.CreatedAt,
		Primary:   primary,
		Secondary: secondary,
		Output:    outputTarget(r.OutputDeviceID, r.OutputTopic),
	}, nil
}

func (r billingRow) toConfig() (logic.BillingConfig, error) {
	source, err := decodeSingleInput(r.SourceInput)
	if err != nil {
		return logic.BillingConfig{}, fmt.Errorf("source input: %w", err)
	}
	cfg := logic.BillingConfig{
		ID:        r.ID,
		Name:      r.Name,
		CreatedAt: r.CreatedAt,
		Source:    source,
		Output:    outputTarget(r.OutputDeviceID, r.OutputTopic),
	}
	if r.IntervalMinutes.Valid {
		cfg.IntervalMinutes = int(r.IntervalMinutes.Int64)
	}
	return cfg, nil
}

func (r loggingRow) toConfig() (logic.LoggingConfig, error) {
	if !r.IntervalMinutes.Valid {
		return logic.LoggingConfig{}, errors.New("interval_minutes is not set")
	}
	if r.IntervalMinutes.Int64 <= 0 {
		return logic.LoggingConfig{}, fmt.Errorf("interval_minutes must be positive, got %d", r.IntervalMinutes.Int64)
	}
	inputs, err := decodeInputs(r.Inputs)
	if err != nil {
		return logic.LoggingConfig{}, err
	}
	return logic.LoggingConfig{
		ID:              r.ID,
		Name:            r.Name,
		CreatedAt:       r.CreatedAt,
		IntervalMinutes: int(r.IntervalMinutes.Int64),
		Inputs:          inputs,
	}, nil
}

// nameSet enforces unique display names per configuration kind.
// The oldest configuration keeps the name.
type nameSet struct {
	seen map[logic.Kind]map[string]string
	log  zerolog.Logger
}

func newNameSet(log zerolog.Logger) *nameSet {
	return &nameSet{seen: make(map[logic.Kind]map[string]string), log: log}
}

func (n *nameSet) claim(kind logic.Kind, id, name string) bool {
	byName, ok := n.seen[kind]
	if !ok {
		byName = make(map[string]string)
		n.seen[kind] = byName
	}
	if owner, dup := byName[name]; dup {
		n.log.Warn().Str("kind", string(kind)).Str("config_id", id).Str("name", name).Str("owner_id", owner).Msg("skipping configuration with duplicate name")
		return false
	}
	byName[name] = id
	return true
}
