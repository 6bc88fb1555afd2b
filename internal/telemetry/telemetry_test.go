package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/signalfleet/signalfleet/internal/event"
	"github.com/signalfleet/signalfleet/internal/fleet"
	"github.com/signalfleet/signalfleet/internal/store"
	"github.com/signalfleet/signalfleet/pkg/models"
	"github.com/signalfleet/signalfleet/pkg/plugin"
)

func metric(v float64) *float64 { return &v }

// recordingStatusWriter captures status observations for assertions.
type recordingStatusWriter struct {
	deviceID string
	statuses []models.DeviceStatus
	touches  int
	err      error
}

func (r *recordingStatusWriter) ApplyStatus(ctx context.Context, deviceID string, status models.DeviceStatus, observedAt time.Time, source string) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	r.deviceID = deviceID
	r.statuses = append(r.statuses, status)
	return true, nil
}

func (r *recordingStatusWriter) Touch(ctx context.Context, deviceID string, observedAt time.Time) error {
	if r.err != nil {
		return r.err
	}
	r.deviceID = deviceID
	r.touches++
	return nil
}

func testTelemetry(t *testing.T, writer StatusWriter) *Module {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	m := New()
	m.SetStatusWriter(writer)
	deps := plugin.Dependencies{
		Logger: zap.NewNop(),
		Store:  st,
	}
	if err := m.Init(context.Background(), deps); err != nil {
		t.Fatalf("init telemetry module: %v", err)
	}
	return m
}

func TestIngestDerivesStatus(t *testing.T) {
	tests := []struct {
		name     string
		cpu      float64
		mem      float64
		internet bool
		want     models.DeviceStatus
	}{
		{"nominal", 20, 30, false, models.StatusActive},
		{"cpu high", 95, 30, false, models.StatusWarning},
		{"memory high", 20, 91, false, models.StatusWarning},
		{"both at threshold", 90, 90, false, ""},
		{"middling but online", 70, 85, true, models.StatusActive},
		{"middling offline", 60, 85, false, ""},
		{"recovered", 20, 20, false, models.StatusActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := &recordingStatusWriter{}
			m := testTelemetry(t, writer)
			report, err := m.Ingest(context.Background(), &IngestRequest{
				DeviceID:          "rpi-01",
				CPUUsage:          metric(tt.cpu),
				MemoryUsage:       metric(tt.mem),
				InternetConnected: tt.internet,
			})
			if err != nil {
				t.Fatalf("ingest: %v", err)
			}
			if report.DerivedStatus != tt.want {
				t.Errorf("derived status = %q, want %q", report.DerivedStatus, tt.want)
			}
			if tt.want == "" {
				// Inconclusive pushes refresh last_seen without a status change.
				if len(writer.statuses) != 0 || writer.touches != 1 {
					t.Errorf("registry received %v with %d touches, want touch only", writer.statuses, writer.touches)
				}
				return
			}
			if len(writer.statuses) != 1 || writer.statuses[0] != tt.want {
				t.Errorf("registry received %v, want [%q]", writer.statuses, tt.want)
			}
		})
	}
}

func TestIngestNeverDerivesInactive(t *testing.T) {
	writer := &recordingStatusWriter{}
	m := testTelemetry(t, writer)
	ctx := context.Background()

	// Warning, then recovery. At no point may a push mark the device inactive.
	for _, cpu := range []float64{95, 20, 100, 0} {
		if _, err := m.Ingest(ctx, &IngestRequest{DeviceID: "rpi-01", CPUUsage: metric(cpu), MemoryUsage: metric(10)}); err != nil {
			t.Fatalf("ingest cpu=%v: %v", cpu, err)
		}
	}
	for _, s := range writer.statuses {
		if s == models.StatusInactive {
			t.Fatal("health push must never derive inactive")
		}
	}
}

func TestIngestValidation(t *testing.T) {
	writer := &recordingStatusWriter{}
	m := testTelemetry(t, writer)
	ctx := context.Background()

	cases := []IngestRequest{
		{DeviceID: "", CPUUsage: metric(10), MemoryUsage: metric(10)},
		{DeviceID: "rpi-01", CPUUsage: metric(-1), MemoryUsage: metric(10)},
		{DeviceID: "rpi-01", CPUUsage: metric(101), MemoryUsage: metric(10)},
		{DeviceID: "rpi-01", CPUUsage: metric(10), MemoryUsage: metric(150)},
		// Absent metrics are rejected; a bare {"device_id": ...} body
		// must not pass as a zero-usage (and therefore active) reading.
		{DeviceID: "rpi-01"},
		{DeviceID: "rpi-01", MemoryUsage: metric(10)},
		{DeviceID: "rpi-01", CPUUsage: metric(10)},
	}
	for i, req := range cases {
		if _, err := m.Ingest(ctx, &req); !errors.Is(err, ErrInvalidReport) {
			t.Errorf("case %d: err = %v, want ErrInvalidReport", i, err)
		}
	}
	if len(writer.statuses) != 0 || writer.touches != 0 {
		t.Errorf("rejected pushes must not reach the registry: %v, %d touches", writer.statuses, writer.touches)
	}
}

func TestIngestUnknownDevice(t *testing.T) {
	writer := &recordingStatusWriter{err: ErrUnknownDevice}
	m := testTelemetry(t, writer)

	_, err := m.Ingest(context.Background(), &IngestRequest{DeviceID: "ghost", CPUUsage: metric(10), MemoryUsage: metric(10)})
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err = %v, want ErrUnknownDevice", err)
	}

	// Nothing should be stored for an unregistered device.
	reports, err := m.store.List(context.Background(), "ghost", time.Time{}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reports) != 0 {
		t.Errorf("stored %d reports for unknown device, want 0", len(reports))
	}
}

func TestHistoryAndStats(t *testing.T) {
	m := testTelemetry(t, &recordingStatusWriter{})
	ctx := context.Background()

	for _, cpu := range []float64{10, 95, 30} {
		if _, err := m.Ingest(ctx, &IngestRequest{DeviceID: "rpi-02", CPUUsage: metric(cpu), MemoryUsage: metric(50)}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	reports, err := m.store.List(ctx, "rpi-02", time.Now().UTC().Add(-time.Hour), 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("reports = %d, want 3", len(reports))
	}

	stats, err := m.store.Stats(ctx, "rpi-02", time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Samples != 3 {
		t.Errorf("samples = %d, want 3", stats.Samples)
	}
	if stats.Warnings != 1 {
		t.Errorf("warnings = %d, want 1", stats.Warnings)
	}
	if stats.MaxCPU != 95 {
		t.Errorf("max cpu = %v, want 95", stats.MaxCPU)
	}
}

func TestRetentionPurge(t *testing.T) {
	m := testTelemetry(t, &recordingStatusWriter{})
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	oldTS := &tsField{Time: old}
	if _, err := m.Ingest(ctx, &IngestRequest{DeviceID: "rpi-03", CPUUsage: metric(10), MemoryUsage: metric(10), ReportedAt: oldTS}); err != nil {
		t.Fatalf("ingest old: %v", err)
	}
	if _, err := m.Ingest(ctx, &IngestRequest{DeviceID: "rpi-03", CPUUsage: metric(10), MemoryUsage: metric(10)}); err != nil {
		t.Fatalf("ingest fresh: %v", err)
	}

	deleted, err := m.store.DeleteOld(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("delete old: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
}

func TestTimestampFieldFormats(t *testing.T) {
	var f tsField
	if err := f.UnmarshalJSON([]byte(`"2026-01-02T15:04:05Z"`)); err != nil {
		t.Fatalf("rfc3339: %v", err)
	}
	if f.Time.Year() != 2026 {
		t.Errorf("year = %d, want 2026", f.Time.Year())
	}
	if err := f.UnmarshalJSON([]byte(`1767366245`)); err != nil {
		t.Fatalf("epoch: %v", err)
	}
	if f.Time.IsZero() {
		t.Error("epoch timestamp should parse")
	}
	if err := f.UnmarshalJSON([]byte(`"garbage"`)); err == nil {
		t.Error("garbage timestamp should error")
	}
}

func TestDuplicateSampleReplacedInPlace(t *testing.T) {
	m := testTelemetry(t, &recordingStatusWriter{})
	ctx := context.Background()

	at := &tsField{Time: time.Now().UTC().Add(-time.Minute)}
	if _, err := m.Ingest(ctx, &IngestRequest{DeviceID: "rpi-04", CPUUsage: metric(10), MemoryUsage: metric(10), ReportedAt: at}); err != nil {
		t.Fatalf("ingest first: %v", err)
	}
	if _, err := m.Ingest(ctx, &IngestRequest{DeviceID: "rpi-04", CPUUsage: metric(42), MemoryUsage: metric(10), ReportedAt: at}); err != nil {
		t.Fatalf("ingest duplicate: %v", err)
	}

	reports, err := m.store.List(ctx, "rpi-04", time.Time{}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1 (duplicate timestamp replaces in place)", len(reports))
	}
	if reports[0].CPUUsage != 42 {
		t.Errorf("cpu = %v, want the later sample's 42", reports[0].CPUUsage)
	}
}

func TestHistoryTrimKeepsNewest(t *testing.T) {
	m := testTelemetry(t, &recordingStatusWriter{})
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		at := &tsField{Time: base.Add(time.Duration(i) * time.Minute)}
		if _, err := m.Ingest(ctx, &IngestRequest{DeviceID: "rpi-05", CPUUsage: metric(float64(i)), MemoryUsage: metric(10), ReportedAt: at}); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	trimmed, err := m.store.TrimHistory(ctx, 2)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if trimmed != 3 {
		t.Errorf("trimmed = %d, want 3", trimmed)
	}
	reports, err := m.store.List(ctx, "rpi-05", time.Time{}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("kept = %d, want 2", len(reports))
	}
	// Newest first.
	if reports[0].CPUUsage != 4 || reports[1].CPUUsage != 3 {
		t.Errorf("kept samples cpu = %v/%v, want 4/3", reports[0].CPUUsage, reports[1].CPUUsage)
	}
}

func TestLatestHealth(t *testing.T) {
	m := testTelemetry(t, &recordingStatusWriter{})
	ctx := context.Background()

	got, err := m.LatestHealth(ctx, "rpi-06")
	if err != nil {
		t.Fatalf("latest empty: %v", err)
	}
	if got != nil {
		t.Errorf("latest = %v, want nil with no reports", got)
	}

	if _, err := m.Ingest(ctx, &IngestRequest{DeviceID: "rpi-06", CPUUsage: metric(33), MemoryUsage: metric(10)}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	got, err = m.LatestHealth(ctx, "rpi-06")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	report, ok := got.(*HealthReport)
	if !ok || report.CPUUsage != 33 {
		t.Fatalf("latest = %#v, want the ingested report", got)
	}
}

func TestDeviceDeletionDropsHistory(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := event.NewBus(zap.NewNop())
	m := New()
	m.SetStatusWriter(&recordingStatusWriter{})
	deps := plugin.Dependencies{
		Logger: zap.NewNop(),
		Store:  st,
		Bus:    bus,
	}
	ctx := context.Background()
	if err := m.Init(ctx, deps); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop(ctx) })

	if _, err := m.Ingest(ctx, &IngestRequest{DeviceID: "rpi-07", CPUUsage: metric(10), MemoryUsage: metric(10)}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Synchronous publish so the purge runs before the assertion.
	_ = bus.Publish(ctx, plugin.Event{
		Topic:   fleet.TopicDeviceDeleted,
		Source:  "fleet",
		Payload: fleet.DeviceEvent{Device: &models.Device{DeviceID: "rpi-07"}},
	})

	reports, err := m.store.List(ctx, "rpi-07", time.Time{}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reports) != 0 {
		t.Errorf("reports after delete = %d, want 0", len(reports))
	}
}
