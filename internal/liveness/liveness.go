// Package liveness actively probes registered devices on a fixed interval
// and marks unreachable devices inactive. It complements health pushes:
// pushes prove a device is alive, probes notice when pushes stop.
package liveness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/signalfleet/signalfleet/pkg/models"
	"github.com/signalfleet/signalfleet/pkg/plugin"
)

// ModuleName is the registry identifier for the liveness module.
const ModuleName = "liveness"

// Compile-time interface guards.
var (
	_ plugin.Plugin       = (*Module)(nil)
	_ plugin.HTTPProvider = (*Module)(nil)
)

var (
	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalfleet_liveness_probes_total",
			Help: "Liveness probes performed, labeled by outcome.",
		},
		[]string{"outcome"},
	)
	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "signalfleet_liveness_sweep_duration_seconds",
			Help:    "Duration of full liveness sweeps.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(probesTotal, sweepDuration)
}

// DeviceSource lists the devices to probe. Wired to the fleet module at
// composition time.
type DeviceSource interface {
	Devices(ctx context.Context) ([]models.Device, error)
}

// StatusWriter applies probe outcomes to the device registry.
type StatusWriter interface {
	ApplyStatus(ctx context.Context, deviceID string, status models.DeviceStatus, observedAt time.Time, source string) (bool, error)
}

// SweepStats summarizes the most recent completed sweep.
type SweepStats struct {
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	Probed      int           `json:"probed"`
	Reachable   int           `json:"reachable"`
	Unreachable int           `json:"unreachable"`
	NoServerURL int           `json:"no_server_url"`
	Skipped     int           `json:"skipped"`
}

// Module implements the liveness plugin.
type Module struct {
	cfg    Config
	logger *zap.Logger
	bus    plugin.EventBus
	store  *LivenessStore
	prober Prober

	devices DeviceSource
	status  StatusWriter

	mu        sync.Mutex
	lastSweep *SweepStats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the liveness module.
func New() *Module {
	return &Module{}
}

// SetDeviceSource wires the device listing. Must be called before Start.
func (m *Module) SetDeviceSource(s DeviceSource) { m.devices = s }

// SetStatusWriter wires the registry status sink. Must be called before Start.
func (m *Module) SetStatusWriter(w StatusWriter) { m.status = w }

// SetProber overrides the prober, used in tests.
func (m *Module) SetProber(p Prober) { m.prober = p }

// Info implements plugin.Plugin.
func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         ModuleName,
		Version:      "1.0.0",
		Description:  "Periodic reachability probes for registered devices",
		Dependencies: []string{"fleet"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

// Init implements plugin.Plugin.
func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.cfg = loadConfig(deps.Config)
	m.logger = deps.Logger
	m.bus = deps.Bus

	if deps.Store == nil {
		return fmt.Errorf("liveness requires a store")
	}
	if err := deps.Store.Migrate(ctx, ModuleName, migrations()); err != nil {
		return fmt.Errorf("liveness migrations: %w", err)
	}
	m.store = NewLivenessStore(deps.Store.DB())
	if m.prober == nil {
		m.prober = NewHTTPProber(m.cfg.ProbeTimeout, m.cfg.ICMPRefinement, m.logger)
	}

	m.logger.Info("liveness module initialized",
		zap.Duration("check_interval", m.cfg.CheckInterval),
		zap.Int("max_workers", m.cfg.MaxWorkers))
	return nil
}

// Start implements plugin.Plugin. Runs a sweep immediately, then on each tick.
func (m *Module) Start(ctx context.Context) error {
	if m.devices == nil || m.status == nil {
		return fmt.Errorf("liveness requires a device source and status writer")
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()

		m.Sweep(loopCtx)

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.Sweep(loopCtx)
			}
		}
	}()

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
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

// LastSweep returns stats for the most recent completed sweep, or nil.
func (m *Module) LastSweep() *SweepStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSweep
}

// Sweep probes every registered device once using a bounded worker pool.
// Failures are stamped with the sweep start time so that any health push
// arriving during the sweep outranks them; successes are stamped with the
// probe completion time.
func (m *Module) Sweep(ctx context.Context) {
	sweepStart := time.Now().UTC()
	sweepCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckInterval)
	defer cancel()

	devices, err := m.devices.Devices(sweepCtx)
	if err != nil {
		m.logger.Warn("sweep: failed to list devices", zap.Error(err))
		return
	}

	stats := SweepStats{Started: sweepStart}
	var statsMu sync.Mutex

	sem := make(chan struct{}, m.cfg.MaxWorkers)
	var wg sync.WaitGroup

dispatch:
	for i := range devices {
		d := devices[i]

		// Maintenance is an operator override; probes leave it alone.
		if d.Status == models.StatusMaintenance {
			stats.Skipped++
			continue
		}

		if d.ServerURL == "" {
			m.markUnreachable(sweepCtx, &d, sweepStart, &ProbeResult{
				ErrorMessage: "no server_url on record",
				CheckedAt:    sweepStart,
			})
			stats.NoServerURL++
			stats.Probed++
			continue
		}

		select {
		case <-sweepCtx.Done():
			break dispatch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			result := m.prober.Probe(sweepCtx, d.ServerURL)
			result.DeviceID = d.DeviceID

			statsMu.Lock()
			stats.Probed++
			if result.Success {
				stats.Reachable++
			} else {
				stats.Unreachable++
			}
			statsMu.Unlock()

			if result.Success {
				probesTotal.WithLabelValues("reachable").Inc()
				m.markReachable(sweepCtx, &d, result)
			} else {
				probesTotal.WithLabelValues("unreachable").Inc()
				m.markUnreachable(sweepCtx, &d, sweepStart, result)
			}
		}()
	}
	wg.Wait()

	stats.Duration = time.Since(sweepStart)
	sweepDuration.Observe(stats.Duration.Seconds())

	m.mu.Lock()
	m.lastSweep = &stats
	m.mu.Unlock()

	m.logger.Info("liveness sweep completed",
		zap.Int("probed", stats.Probed),
		zap.Int("reachable", stats.Reachable),
		zap.Int("unreachable", stats.Unreachable),
		zap.Int("no_server_url", stats.NoServerURL),
		zap.Duration("duration", stats.Duration))

	if m.bus != nil {
		m.bus.PublishAsync(ctx, plugin.Event{
			Topic:     TopicSweepCompleted,
			Source:    ModuleName,
			Timestamp: time.Now().UTC(),
			Payload: SweepEvent{
				Started:     stats.Started,
				Duration:    stats.Duration,
				Probed:      stats.Probed,
				Reachable:   stats.Reachable,
				Unreachable: stats.Unreachable,
				NoServerURL: stats.NoServerURL,
			},
		})
	}
}

// markReachable records a successful probe as an active observation,
// stamped with the probe completion time. A fresher health push that
// derived warning will outrank it on the next report.
func (m *Module) markReachable(ctx context.Context, d *models.Device, result *ProbeResult) {
	if _, err := m.status.ApplyStatus(ctx, d.DeviceID, models.StatusActive, result.CheckedAt, "liveness"); err != nil {
		m.logger.Warn("failed to apply probe success",
			zap.String("device_id", d.DeviceID), zap.Error(err))
	}
	if err := m.store.Insert(ctx, result); err != nil {
		m.logger.Warn("failed to store probe result",
			zap.String("device_id", d.DeviceID), zap.Error(err))
	}
}

// markUnreachable records a failed probe, stamped with the sweep start time.
func (m *Module) markUnreachable(ctx context.Context, d *models.Device, sweepStart time.Time, result *ProbeResult) {
	result.DeviceID = d.DeviceID
	if _, err := m.status.ApplyStatus(ctx, d.DeviceID, models.StatusInactive, sweepStart, "liveness"); err != nil {
		m.logger.Warn("failed to apply probe failure",
			zap.String("device_id", d.DeviceID), zap.Error(err))
	}
	if err := m.store.Insert(ctx, result); err != nil {
		m.logger.Warn("failed to store probe result",
			zap.String("device_id", d.DeviceID), zap.Error(err))
	}
	if m.bus != nil {
		m.bus.PublishAsync(ctx, plugin.Event{
			Topic:     TopicDeviceUnreachable,
			Source:    ModuleName,
			Timestamp: time.Now().UTC(),
			Payload: UnreachableEvent{
				DeviceID: d.DeviceID,
				HostUp:   result.HostUp,
				Error:    result.ErrorMessage,
			},
		})
	}
}

func (m *Module) runMaintenance(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.cfg.RetentionPeriod)
	deleted, err := m.store.DeleteOld(ctx, cutoff)
	if err != nil {
		m.logger.Warn("probe retention purge failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		m.logger.Info("purged old probe results", zap.Int64("deleted", deleted))
	}
}
