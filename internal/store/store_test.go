package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/sweeney/telemetry-core/internal/logic"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres"), zerolog.Nop()), mock
}

var created = time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC)

func expectConfigQueries(mock sqlmock.Sqlmock, agg, bill, logging *sqlmock.Rows) {
	mock.ExpectQuery(regexp.QuoteMeta(queryAggregates)).WillReturnRows(agg)
	mock.ExpectQuery(regexp.QuoteMeta(queryBilling)).WillReturnRows(bill)
	mock.ExpectQuery(regexp.QuoteMeta(queryLogging)).WillReturnRows(logging)
}

func aggColumns() []string {
	return []string{"id", "name", "created_at", "primary_input", "secondary_inputs", "output_device_id", "output_topic"}
}

func billColumns() []string {
	return []string{"id", "name", "created_at", "source_input", "interval_minutes", "output_device_id", "output_topic"}
}

func logColumns() []string {
	return []string{"id", "name", "created_at", "interval_minutes", "inputs"}
}

func TestLoadConfigs(t *testing.T) {
	s, mock := newMockStore(t)

	agg := sqlmock.NewRows(aggColumns()).
		AddRow("agg-1", "Hall A", created,
			[]byte(`{"deviceId":"main","key":"power_w"}`),
			[]byte(`[{"deviceId":"rack","keys":["p1","p2"]},{"deviceId":42,"key":"w","name":"UPS"}]`),
			"out-1", "pue/hall-a")
	bill := sqlmock.NewRows(billColumns()).
		AddRow("bill-1", "Tenant 4", created, []byte(`{"deviceId":"meter","key":"kwh"}`), int64(30), nil, nil)
	logging := sqlmock.NewRows(logColumns()).
		AddRow("log-1", "Thermal", created, int64(15), []byte(`[{"deviceId":"th-1","keys":["t","h"]}]`))
	expectConfigQueries(mock, agg, bill, logging)

	set, err := s.LoadConfigs(context.Background())
	if err != nil {
		t.Fatalf("LoadConfigs: %v", err)
	}

	if len(set.Aggregates) != 1 {
		t.Fatalf("aggregates: got %d, want 1", len(set.Aggregates))
	}
	a := set.Aggregates[0]
	if a.Primary != (logic.SingleInput{DeviceID: "main", Key: "power_w"}) {
		t.Errorf("primary: got %+v", a.Primary)
	}
	if len(a.Secondary) != 2 {
		t.Fatalf("secondary: got %d, want 2", len(a.Secondary))
	}
	multi, ok := a.Secondary[0].(logic.MultiInput)
	if !ok || multi.DeviceID != "rack" || len(multi.FieldKeys) != 2 {
		t.Errorf("secondary[0]: got %#v", a.Secondary[0])
	}
	single, ok := a.Secondary[1].(logic.SingleInput)
	if !ok || single.DeviceID != "42" || single.Key != "w" || single.Name != "UPS" {
		t.Errorf("secondary[1]: got %#v", a.Secondary[1])
	}
	if a.Output == nil || a.Output.Topic != "pue/hall-a" || a.Output.DeviceID != "out-1" {
		t.Errorf("output: got %+v", a.Output)
	}

	if len(set.Billing) != 1 {
		t.Fatalf("billing: got %d, want 1", len(set.Billing))
	}
	if set.Billing[0].IntervalMinutes != 30 {
		t.Errorf("billing interval: got %d", set.Billing[0].IntervalMinutes)
	}
	if set.Billing[0].Output != nil {
		t.Errorf("billing output: got %+v, want nil", set.Billing[0].Output)
	}

	if len(set.Logging) != 1 {
		t.Fatalf("logging: got %d, want 1", len(set.Logging))
	}
	if set.Logging[0].IntervalMinutes != 15 || !set.Logging[0].CreatedAt.Equal(created) {
		t.Errorf("logging: got %+v", set.Logging[0])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLoadConfigsSkipsInvalidRows(t *testing.T) {
	s, mock := newMockStore(t)

	agg := sqlmock.NewRows(aggColumns()).
		AddRow("bad-primary", "A", created, []byte(`{"key":"w"}`), []byte(`[{"deviceId":"x","key":"w"}]`), nil, nil).
		AddRow("multi-primary", "B", created, []byte(`{"deviceId":"m","keys":["a"]}`), []byte(`[{"deviceId":"x","key":"w"}]`), nil, nil).
		AddRow("no-secondary", "C", created, []byte(`{"deviceId":"m","key":"w"}`), []byte(`[]`), nil, nil).
		AddRow("empty-keys", "D", created, []byte(`{"deviceId":"m","key":"w"}`), []byte(`[{"deviceId":"x","keys":[]}]`), nil, nil).
		AddRow("ok", "E", created, []byte(`{"deviceId":"m","key":"w"}`), []byte(`[{"deviceId":"x","key":"w"}]`), nil, nil).
		AddRow("dup-name", "E", created.Add(time.Hour), []byte(`{"deviceId":"m","key":"w"}`), []byte(`[{"deviceId":"x","key":"w"}]`), nil, nil)
	bill := sqlmock.NewRows(billColumns()).
		AddRow("garbage", "G", created, []byte(`not json`), nil, nil, nil)
	logging := sqlmock.NewRows(logColumns()).
		AddRow("zero-interval", "Z", created, int64(0), []byte(`[]`))
	expectConfigQueries(mock, agg, bill, logging)

	set, err := s.LoadConfigs(context.Background())
	if err != nil {
		t.Fatalf("LoadConfigs: %v", err)
	}
	if len(set.Aggregates) != 1 || set.Aggregates[0].ID != "ok" {
		t.Errorf("aggregates: got %+v, want only ok", set.Aggregates)
	}
	if len(set.Billing) != 0 {
		t.Errorf("billing: got %d, want 0", len(set.Billing))
	}
	if len(set.Logging) != 0 {
		t.Errorf("logging: got %d, want 0", len(set.Logging))
	}
}

func TestLoadConfigsSkipsNullInterval(t *testing.T) {
	s, mock := newMockStore(t)

	agg := sqlmock.NewRows(aggColumns()).
		AddRow("agg-1", "Hall A", created, []byte(`{"deviceId":"m","key":"w"}`), []byte(`[{"deviceId":"x","key":"w"}]`), nil, nil)
	bill := sqlmock.NewRows(billColumns())
	logging := sqlmock.NewRows(logColumns()).
		AddRow("unset", "Unset", created, nil, []byte(`[{"deviceId":"m","key":"w"}]`)).
		AddRow("log-1", "Thermal", created, int64(15), []byte(`[{"deviceId":"th-1","key":"t"}]`))
	expectConfigQueries(mock, agg, bill, logging)

	set, err := s.LoadConfigs(context.Background())
	if err != nil {
		t.Fatalf("one bad row must not fail the load: %v", err)
	}
	if len(set.Aggregates) != 1 {
		t.Errorf("aggregates: got %d, want 1", len(set.Aggregates))
	}
	if len(set.Logging) != 1 || set.Logging[0].ID != "log-1" || set.Logging[0].IntervalMinutes != 15 {
		t.Errorf("logging: got %+v, want only log-1", set.Logging)
	}
}

func TestLoadConfigsQueryError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(queryAggregates)).WillReturnError(errors.New("connection reset"))

	if _, err := s.LoadConfigs(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDevices(t *testing.T) {
	s, mock := newMockStore(t)
	updated := created.Add(time.Minute)

	rows := sqlmock.NewRows([]string{"id", "topic", "last_payload", "last_updated"}).
		AddRow("a", "site/a", []byte(`{"w":10}`), updated).
		AddRow("b", nil, nil, nil).
		AddRow("c", "site/c", []byte(`{broken`), nil)
	mock.ExpectQuery(regexp.QuoteMeta(queryDevices)).WithArgs(sqlmock.AnyArg()).WillReturnRows(rows)

	devices, err := s.Devices(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("got %d devices, want 3", len(devices))
	}
	if devices[0].Topic != "site/a" || devices[0].LastPayload["w"] != 10.0 || !devices[0].LastUpdated.Equal(updated) {
		t.Errorf("device a: got %+v", devices[0])
	}
	if devices[1].Topic != "" || devices[1].LastPayload != nil {
		t.Errorf("device b: got %+v", devices[1])
	}
	if devices[2].LastPayload != nil {
		t.Errorf("device c: unreadable payload should be dropped, got %v", devices[2].LastPayload)
	}
}

func TestDevicesEmptyIDs(t *testing.T) {
	s, mock := newMockStore(t)

	devices, err := s.Devices(context.Background(), nil)
	if err != nil || devices != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", devices, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected query: %v", err)
	}
}

func TestSaveLastPayload(t *testing.T) {
	s, mock := newMockStore(t)
	at := created.Add(time.Hour)

	mock.ExpectExec(regexp.QuoteMeta(querySavePayload)).
		WithArgs([]byte(`{"w":12.5}`), at, "a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SaveLastPayload(context.Background(), "a", map[string]any{"w": 12.5}, at); err != nil {
		t.Fatalf("SaveLastPayload: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveLastPayloadUnknownDevice(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(querySavePayload)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SaveLastPayload(context.Background(), "ghost", map[string]any{}, created)
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("got %v, want ErrDeviceNotFound", err)
	}
}

func TestFakeStore(t *testing.T) {
	f := NewFakeStore(Device{ID: "a", Topic: "site/a"})
	f.SetConfigs(logic.ConfigSet{Logging: []logic.LoggingConfig{{ID: "l"}}})

	set, err := f.LoadConfigs(context.Background())
	if err != nil || len(set.Logging) != 1 {
		t.Fatalf("LoadConfigs: got (%+v, %v)", set, err)
	}
	if f.Loads() != 1 {
		t.Errorf("Loads: got %d, want 1", f.Loads())
	}

	if err := f.SaveLastPayload(context.Background(), "a", map[string]any{"w": 1.0}, created); err != nil {
		t.Fatalf("SaveLastPayload: %v", err)
	}
	devices, _ := f.Devices(context.Background(), []string{"a", "missing"})
	if len(devices) != 1 || devices[0].LastPayload["w"] != 1.0 {
		t.Errorf("Devices: got %+v", devices)
	}
	if err := f.SaveLastPayload(context.Background(), "missing", nil, created); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("unknown device: got %v", err)
	}

	f.SetLoadError(errors.New("down"))
	if _, err := f.LoadConfigs(context.Background()); err == nil {
		t.Error("expected load error")
	}
}
