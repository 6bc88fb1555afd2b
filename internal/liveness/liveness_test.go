package liveness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/signalfleet/signalfleet/internal/store"
	"github.com/signalfleet/signalfleet/pkg/models"
	"github.com/signalfleet/signalfleet/pkg/plugin"
)

type staticDeviceSource struct {
	devices []models.Device
}

func (s *staticDeviceSource) Devices(ctx context.Context) ([]models.Device, error) {
	return s.devices, nil
}

type observation struct {
	deviceID   string
	status     models.DeviceStatus
	observedAt time.Time
}

type recordingStatusWriter struct {
	mu  sync.Mutex
	obs []observation
}

func (r *recordingStatusWriter) ApplyStatus(ctx context.Context, deviceID string, status models.DeviceStatus, observedAt time.Time, source string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, observation{deviceID, status, observedAt})
	return true, nil
}

func (r *recordingStatusWriter) byDevice(deviceID string) []observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []observation
	for _, o := range r.obs {
		if o.deviceID == deviceID {
			out = append(out, o)
		}
	}
	return out
}

// scriptedProber returns a canned result per server URL.
type scriptedProber struct {
	results map[string]*ProbeResult
}

func (p *scriptedProber) Probe(ctx context.Context, serverURL string) *ProbeResult {
	if r, ok := p.results[serverURL]; ok {
		cp := *r
		cp.CheckedAt = time.Now().UTC()
		return &cp
	}
	return &ProbeResult{ErrorMessage: "unscripted", CheckedAt: time.Now().UTC()}
}

func testLiveness(t *testing.T, devices []models.Device, prober Prober) (*Module, *recordingStatusWriter) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	writer := &recordingStatusWriter{}
	m := New()
	m.SetDeviceSource(&staticDeviceSource{devices: devices})
	m.SetStatusWriter(writer)
	m.SetProber(prober)
	deps := plugin.Dependencies{
		Logger: zap.NewNop(),
		Store:  st,
	}
	if err := m.Init(context.Background(), deps); err != nil {
		t.Fatalf("init liveness module: %v", err)
	}
	return m, writer
}

func TestSweepMarksMissingServerURLInactive(t *testing.T) {
	devices := []models.Device{
		{DeviceID: "no-url", Status: models.StatusActive},
	}
	m, writer := testLiveness(t, devices, &scriptedProber{})

	before := time.Now().UTC()
	m.Sweep(context.Background())

	obs := writer.byDevice("no-url")
	if len(obs) != 1 {
		t.Fatalf("observations = %d, want 1", len(obs))
	}
	if obs[0].status != models.StatusInactive {
		t.Errorf("status = %q, want inactive", obs[0].status)
	}
	if obs[0].observedAt.Before(before.Add(-time.Second)) {
		t.Error("failure must be stamped with the sweep start time")
	}

	stats := m.LastSweep()
	if stats == nil || stats.NoServerURL != 1 {
		t.Errorf("stats = %+v, want no_server_url 1", stats)
	}
}

func TestSweepOutcomes(t *testing.T) {
	devices := []models.Device{
		{DeviceID: "up-active", Status: models.StatusActive, ServerURL: "http://up-active"},
		{DeviceID: "up-warning", Status: models.StatusWarning, ServerURL: "http://up-warning"},
		{DeviceID: "up-inactive", Status: models.StatusInactive, ServerURL: "http://up-inactive"},
		{DeviceID: "down", Status: models.StatusActive, ServerURL: "http://down"},
		{DeviceID: "maint", Status: models.StatusMaintenance, ServerURL: "http://maint"},
	}
	prober := &scriptedProber{results: map[string]*ProbeResult{
		"http://up-active":   {Success: true},
		"http://up-warning":  {Success: true},
		"http://up-inactive": {Success: true},
		"http://down":        {ErrorMessage: "connection refused"},
	}}
	m, writer := testLiveness(t, devices, prober)
	m.Sweep(context.Background())

	// A successful probe is an active observation regardless of the
	// previous stored status.
	if obs := writer.byDevice("up-active"); len(obs) != 1 || obs[0].status != models.StatusActive {
		t.Errorf("up-active: %+v, want one active observation", obs)
	}
	if obs := writer.byDevice("up-warning"); len(obs) != 1 || obs[0].status != models.StatusActive {
		t.Errorf("up-warning: %+v, want one active observation", obs)
	}
	if obs := writer.byDevice("up-inactive"); len(obs) != 1 || obs[0].status != models.StatusActive {
		t.Errorf("up-inactive: %+v, probe success must recover inactive", obs)
	}
	if obs := writer.byDevice("down"); len(obs) != 1 || obs[0].status != models.StatusInactive {
		t.Errorf("down: %+v, want inactive", obs)
	}
	if obs := writer.byDevice("maint"); len(obs) != 0 {
		t.Errorf("maint: %+v, maintenance devices must be skipped", obs)
	}

	stats := m.LastSweep()
	if stats.Probed != 4 || stats.Reachable != 3 || stats.Unreachable != 1 || stats.Skipped != 1 {
		t.Errorf("stats = %+v", stats)
	}

	// Probe results are persisted.
	results, err := m.store.List(context.Background(), "down", 10)
	if err != nil {
		t.Fatalf("list probes: %v", err)
	}
	if len(results) != 1 || results[0].Success {
		t.Errorf("stored results for down: %+v", results)
	}
}

func TestHTTPProber(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	p := NewHTTPProber(2*time.Second, false, zap.NewNop())

	result := p.Probe(context.Background(), healthy.URL)
	if !result.Success {
		t.Errorf("healthy probe failed: %s", result.ErrorMessage)
	}
	if result.LatencyMs <= 0 {
		t.Error("expected a positive latency")
	}

	result = p.Probe(context.Background(), broken.URL)
	if result.Success {
		t.Error("5xx response must fail the probe")
	}
	if result.HostUp == nil || !*result.HostUp {
		t.Error("an HTTP answer means the host is up")
	}

	// Connection refused: grab a port nobody is listening on.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()
	result = p.Probe(context.Background(), deadURL)
	if result.Success {
		t.Error("probe against a closed port must fail")
	}
	if result.ErrorMessage == "" {
		t.Error("expected an error message")
	}
}

func TestSweepLifecycle(t *testing.T) {
	devices := []models.Device{
		{DeviceID: "d1", Status: models.StatusActive, ServerURL: "http://d1"},
	}
	prober := &scriptedProber{results: map[string]*ProbeResult{
		"http://d1": {Success: true},
	}}
	m, _ := testLiveness(t, devices, prober)
	m.cfg.CheckInterval = time.Hour // only the immediate sweep should run

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.LastSweep() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.LastSweep() == nil {
		t.Fatal("expected an immediate sweep on start")
	}
}

func TestStartRequiresWiring(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	m := New()
	if err := m.Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop(), Store: st}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Error("start without wiring must fail")
	}
}
