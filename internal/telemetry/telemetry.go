// Package telemetry ingests device health pushes, derives device status
// from resource usage, and keeps a bounded history of health samples.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/signalfleet/signalfleet/internal/fleet"
	"github.com/signalfleet/signalfleet/pkg/models"
	"github.com/signalfleet/signalfleet/pkg/plugin"
)

// ModuleName is the registry identifier for the telemetry module.
const ModuleName = "telemetry"

// Compile-time interface guards.
var (
	_ plugin.Plugin       = (*Module)(nil)
	_ plugin.HTTPProvider = (*Module)(nil)
)

// Derivation thresholds. Usage above warningThreshold on either
// resource derives a warning; usage below both healthy bounds (or
// confirmed internet connectivity) derives active; anything in between
// carries no status signal and only refreshes last_seen.
const (
	warningThreshold = 90.0
	healthyCPU       = 50.0
	healthyMemory    = 80.0
)

var (
	healthReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalfleet_health_reports_total",
			Help: "Health reports ingested, labeled by derived status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(healthReportsTotal)
}

// ErrInvalidReport is returned for health payloads with out-of-range values.
var ErrInvalidReport = errors.New("invalid health report")

// ErrUnknownDevice is returned when a report references an unregistered device.
var ErrUnknownDevice = errors.New("unknown device")

// StatusWriter applies derived status observations to the device registry.
// Wired to the fleet module at composition time. Touch refreshes
// last_seen without a status change, for pushes that carry no signal
// strong enough to move the status.
type StatusWriter interface {
	ApplyStatus(ctx context.Context, deviceID string, status models.DeviceStatus, observedAt time.Time, source string) (bool, error)
	Touch(ctx context.Context, deviceID string, observedAt time.Time) error
}

// Module implements the telemetry plugin.
type Module struct {
	cfg    Config
	logger *zap.Logger
	bus    plugin.EventBus
	store  *TelemetryStore
	status StatusWriter

	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates the telemetry module.
func New() *Module {
	return &Module{}
}

// SetStatusWriter wires the registry status sink. Must be called before Start.
func (m *Module) SetStatusWriter(w StatusWriter) { m.status = w }

// Info implements plugin.Plugin.
func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         ModuleName,
		Version:      "1.0.0",
		Description:  "Device health ingestion and history",
		Dependencies: []string{"fleet"},
		Required:     true,
		APIVersion:   plugin.APIVersionCurrent,
	}
}

// Init implements plugin.Plugin.
func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.cfg = loadConfig(deps.Config)
	m.logger = deps.Logger
	m.bus = deps.Bus

	if deps.Store == nil {
		return fmt.Errorf("telemetry requires a store")
	}
	if err := deps.Store.Migrate(ctx, ModuleName, migrations()); err != nil {
		return fmt.Errorf("telemetry migrations: %w", err)
	}
	m.store = NewTelemetryStore(deps.Store.DB())

	m.logger.Info("telemetry module initialized",
		zap.Duration("retention_period", m.cfg.RetentionPeriod))
	return nil
}

// Start implements plugin.Plugin. Launches the retention maintenance
// loop and drops health history when a device is deleted.
func (m *Module) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	if m.bus != nil {
		m.unsubscribe = m.bus.Subscribe(fleet.TopicDeviceDeleted, func(ctx context.Context, event plugin.Event) {
			ev, ok := event.Payload.(fleet.DeviceEvent)
			if !ok || ev.Device == nil {
				return
			}
			deleted, err := m.store.DeleteForDevice(ctx, ev.Device.DeviceID)
			if err != nil {
				m.logger.Warn("failed to drop health history for deleted device",
					zap.String("device_id", ev.Device.DeviceID), zap.Error(err))
				return
			}
			if deleted > 0 {
				m.logger.Info("dropped health history for deleted device",
					zap.String("device_id", ev.Device.DeviceID),
					zap.Int64("deleted", deleted))
			}
		})
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.MaintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.runMaintenance(loopCtx)
			}
		}
	}()
	return nil
}

// Stop implements plugin.Plugin.
func (m *Module) Stop(ctx context.Context) error {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

func (m *Module) runMaintenance(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.cfg.RetentionPeriod)
	deleted, err := m.store.DeleteOld(ctx, cutoff)
	if err != nil {
		m.logger.Warn("health retention purge failed", zap.Error(err))
		return
	}
	trimmed, err := m.store.TrimHistory(ctx, m.cfg.MaxSamplesPerDevice)
	if err != nil {
		m.logger.Warn("health history trim failed", zap.Error(err))
	}
	if deleted+trimmed > 0 {
		m.logger.Info("purged old health reports",
			zap.Int64("expired", deleted), zap.Int64("trimmed", trimmed))
	}
}

// LatestHealth returns the most recent report for a device as an opaque
// snapshot for embedding in registry device views.
func (m *Module) LatestHealth(ctx context.Context, deviceID string) (any, error) {
	r, err := m.store.Latest(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	return r, nil
}

// IngestRequest is the device-facing health push payload. The core
// metrics are pointers so a missing field is distinguishable from a
// legitimate zero reading.
type IngestRequest struct {
	DeviceID          string   `json:"device_id"`
	CPUUsage          *float64 `json:"cpu_usage"`
	MemoryUsage       *float64 `json:"memory_usage"`
	DiskUsage         float64  `json:"disk_usage,omitempty"`
	Temperature       float64  `json:"temperature,omitempty"`
	UptimeSeconds     int64    `json:"uptime_seconds,omitempty"`
	NetworkStatus     string   `json:"network_status,omitempty"`
	WifiConnected     bool     `json:"wifi_connected,omitempty"`
	InternetConnected bool     `json:"internet_connected,omitempty"`
	AppVersion        string   `json:"app_version,omitempty"`
	ReportedAt        *tsField `json:"reported_at,omitempty"`
}

// tsField accepts both RFC 3339 strings and Unix epoch seconds.
type tsField struct {
	Time time.Time
}

func (t *tsField) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		parsed, err := time.Parse(time.RFC3339, s[1:len(s)-1])
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	var epoch float64
	if _, err := fmt.Sscanf(s, "%f", &epoch); err != nil {
		return fmt.Errorf("unrecognized timestamp %q", s)
	}
	t.Time = time.Unix(int64(epoch), 0).UTC()
	return nil
}

func (t tsField) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.Time.Format(time.RFC3339) + `"`), nil
}

// Ingest validates and stores a health push, derives the device status,
// and applies it to the registry. A health push is proof the device is
// alive, so the derived status is active or warning, never inactive.
func (m *Module) Ingest(ctx context.Context, req *IngestRequest) (*HealthReport, error) {
	if req.DeviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", ErrInvalidReport)
	}
	if req.CPUUsage == nil || req.MemoryUsage == nil {
		return nil, fmt.Errorf("%w: cpu_usage and memory_usage are required", ErrInvalidReport)
	}
	cpu, mem := *req.CPUUsage, *req.MemoryUsage
	if cpu < 0 || cpu > 100 {
		return nil, fmt.Errorf("%w: cpu_usage out of range", ErrInvalidReport)
	}
	if mem < 0 || mem > 100 {
		return nil, fmt.Errorf("%w: memory_usage out of range", ErrInvalidReport)
	}

	now := time.Now().UTC()
	reportedAt := now
	if req.ReportedAt != nil && !req.ReportedAt.Time.IsZero() {
		reportedAt = req.ReportedAt.Time.UTC()
	}

	status, decisive := deriveStatus(cpu, mem, req.InternetConnected)

	report := &HealthReport{
		DeviceID:          req.DeviceID,
		CPUUsage:          cpu,
		MemoryUsage:       mem,
		DiskUsage:         req.DiskUsage,
		Temperature:       req.Temperature,
		UptimeSeconds:     req.UptimeSeconds,
		NetworkStatus:     req.NetworkStatus,
		WifiConnected:     req.WifiConnected,
		InternetConnected: req.InternetConnected,
		AppVersion:        req.AppVersion,
		DerivedStatus:     status,
		ReportedAt:        reportedAt,
		ReceivedAt:        now,
	}

	// The adapter wired in at composition time maps the registry's
	// not-found error onto ErrUnknownDevice.
	if m.status != nil {
		if decisive {
			if _, err := m.status.ApplyStatus(ctx, req.DeviceID, status, reportedAt, "health"); err != nil {
				return nil, err
			}
		} else if err := m.status.Touch(ctx, req.DeviceID, reportedAt); err != nil {
			return nil, err
		}
	}
	if err := m.store.Insert(ctx, report); err != nil {
		return nil, err
	}
	label := string(status)
	if !decisive {
		label = "neutral"
	}
	healthReportsTotal.WithLabelValues(label).Inc()

	if m.bus != nil {
		topic := TopicHealthReceived
		if status == models.StatusWarning {
			topic = TopicHealthWarning
		}
		m.bus.PublishAsync(ctx, plugin.Event{
			Topic:     topic,
			Source:    ModuleName,
			Timestamp: now,
			Payload: HealthEvent{
				DeviceID:    req.DeviceID,
				CPUUsage:    cpu,
				MemoryUsage: mem,
				Status:      status,
			},
		})
	}
	return report, nil
}

// deriveStatus classifies a health push. High resource usage derives a
// warning; low usage or confirmed internet connectivity derives active;
// the band in between carries no signal and leaves the stored status
// untouched (a push is proof of life, never grounds for inactive).
// The bool reports whether the status is decisive.
func deriveStatus(cpu, mem float64, internet bool) (models.DeviceStatus, bool) {
	if cpu > warningThreshold || mem > warningThreshold {
		return models.StatusWarning, true
	}
	if (cpu < healthyCPU && mem < healthyMemory) || internet {
		return models.StatusActive, true
	}
	return "", false
}
