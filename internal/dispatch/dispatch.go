// Package dispatch fans content updates and commands out to fleets of
// devices, tracking per-target delivery results with bounded retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/signalfleet/signalfleet/pkg/models"
	"github.com/signalfleet/signalfleet/pkg/plugin"
)

// ModuleName is the registry identifier for the dispatch module.
const ModuleName = "dispatch"

// Compile-time interface guards.
var (
	_ plugin.Plugin       = (*Module)(nil)
	_ plugin.HTTPProvider = (*Module)(nil)
)

var jobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "signalfleet_dispatch_jobs_total",
		Help: "Completed dispatch jobs, labeled by kind.",
	},
	[]string{"kind"},
)

func init() {
	prometheus.MustRegister(jobsTotal)
}

// ErrInvalidJob is returned for malformed distribution requests.
var ErrInvalidJob = errors.New("invalid dispatch job")

// TargetSource resolves devices to deliver to. Wired to the fleet module
// at composition time.
type TargetSource interface {
	Devices(ctx context.Context) ([]models.Device, error)
	Device(ctx context.Context, deviceID string) (*models.Device, error)
}

// CommandSink records a dispatched command on the device registry.
type CommandSink interface {
	RecordCommand(ctx context.Context, deviceID string, cmd *models.LastCommand) error
}

// Module implements the dispatch plugin.
type Module struct {
	cfg       Config
	logger    *zap.Logger
	bus       plugin.EventBus
	store     *DispatchStore
	deliverer Deliverer

	targets  TargetSource
	commands CommandSink
	channels ChannelSender

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the dispatch module.
func New() *Module {
	return &Module{}
}

// SetTargetSource wires device resolution. Must be called before use.
func (m *Module) SetTargetSource(s TargetSource) { m.targets = s }

// SetCommandSink wires last-command tracking. Optional.
func (m *Module) SetCommandSink(s CommandSink) { m.commands = s }

// SetChannelSender wires live-channel delivery. Optional; without it all
// deliveries go over HTTP.
func (m *Module) SetChannelSender(c ChannelSender) { m.channels = c }

// SetDeliverer overrides the deliverer, used in tests.
func (m *Module) SetDeliverer(d Deliverer) { m.deliverer = d }

// Info implements plugin.Plugin.
func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         ModuleName,
		Version:      "1.0.0",
		Description:  "Content and command fan-out to device fleets",
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
		return fmt.Errorf("dispatch requires a store")
	}
	if err := deps.Store.Migrate(ctx, ModuleName, migrations()); err != nil {
		return fmt.Errorf("dispatch migrations: %w", err)
	}
	m.store = NewDispatchStore(deps.Store.DB())

	// Settle jobs orphaned by the previous process before accepting new
	// ones, so their pending targets do not read as in-flight forever.
	if n, err := m.store.FailInterruptedJobs(ctx, "interrupted by restart"); err != nil {
		return fmt.Errorf("reconcile interrupted jobs: %w", err)
	} else if n > 0 {
		m.logger.Warn("failed jobs interrupted by a previous shutdown", zap.Int("jobs", n))
	}

	if m.deliverer == nil {
		m.deliverer = NewAgentDeliverer(m.cfg.RequestTimeout, m.channels)
	}
	m.runCtx, m.cancel = context.WithCancel(context.Background())

	m.logger.Info("dispatch module initialized",
		zap.Int("max_attempts", m.cfg.MaxAttempts),
		zap.Int("concurrency", m.cfg.Concurrency))
	return nil
}

// Start implements plugin.Plugin.
func (m *Module) Start(ctx context.Context) error { return nil }

// Stop implements plugin.Plugin. Cancels in-flight jobs and waits.
func (m *Module) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

// DistributeRequest describes a fan-out to create.
type DistributeRequest struct {
	Kind        string         `json:"kind"`
	Command     string         `json:"command,omitempty"`
	ArtifactRef string         `json:"artifact_ref,omitempty"`
	Operation   string         `json:"operation,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	DeviceIDs   []string       `json:"device_ids,omitempty"`
	Location    string         `json:"location,omitempty"`
	CreatedBy   string         `json:"-"`
}

// Distribute creates a job against a snapshot of the current targets and
// starts delivering in the background. Devices registered after the
// snapshot is taken are not included. Returns the created job immediately.
func (m *Module) Distribute(ctx context.Context, req *DistributeRequest) (*Job, error) {
	switch req.Kind {
	case KindCommand:
		if req.Command == "" {
			return nil, fmt.Errorf("%w: command is required", ErrInvalidJob)
		}
	case KindArtifact:
		if req.ArtifactRef == "" {
			return nil, fmt.Errorf("%w: artifact_ref is required", ErrInvalidJob)
		}
		switch req.Operation {
		case OpCreate, OpUpdate, OpDelete:
		default:
			return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidJob, req.Operation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, req.Kind)
	}

	targets, err := m.resolveTargets(ctx, req)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &Job{
		ID:          uuid.New().String(),
		Kind:        req.Kind,
		Command:     req.Command,
		ArtifactRef: req.ArtifactRef,
		Operation:   req.Operation,
		Payload:     req.Payload,
		Status:      JobRunning,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		Total:       len(targets),
	}
	deviceIDs := make([]string, len(targets))
	for i, d := range targets {
		deviceIDs[i] = d.DeviceID
	}
	if err := m.store.InsertJob(ctx, job, deviceIDs); err != nil {
		return nil, err
	}
	m.logger.Info("dispatch job created",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.Int("targets", job.Total))

	if m.bus != nil {
		m.bus.PublishAsync(ctx, pluginEvent(TopicJobCreated, JobEvent{
			JobID: job.ID,
			Kind:  job.Kind,
			Total: job.Total,
		}))
	}

	if req.Kind == KindCommand && m.commands != nil {
		for _, d := range targets {
			cmd := &models.LastCommand{
				Command: req.Command,
				Payload: req.Payload,
				SentAt:  now,
				Status:  models.CommandPending,
			}
			if err := m.commands.RecordCommand(ctx, d.DeviceID, cmd); err != nil {
				m.logger.Warn("failed to record command",
					zap.String("device_id", d.DeviceID), zap.Error(err))
			}
		}
	}

	if len(targets) == 0 {
		if err := m.store.CompleteJob(ctx, job.ID, 0, 0); err != nil {
			return nil, err
		}
		job.Status = JobCompleted
		return job, nil
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(m.runCtx, job, targets)
	}()
	return job, nil
}

// resolveTargets snapshots the devices a request addresses. Explicit
// device IDs win and are honored regardless of device state; broadcasts
// (optionally filtered by location) only reach active devices that have
// a reachable agent endpoint.
func (m *Module) resolveTargets(ctx context.Context, req *DistributeRequest) ([]models.Device, error) {
	if m.targets == nil {
		return nil, fmt.Errorf("dispatch requires a target source")
	}
	if len(req.DeviceIDs) > 0 {
		var out []models.Device
		for _, id := range req.DeviceIDs {
			d, err := m.targets.Device(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidJob, err)
			}
			out = append(out, *d)
		}
		return out, nil
	}
	all, err := m.targets.Devices(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Device
	for _, d := range all {
		if req.Location != "" && d.Location != req.Location {
			continue
		}
		if d.Status != models.StatusActive || d.ServerURL == "" {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// CommandResult is the queueing outcome for one device of a command request.
type CommandResult struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// CommandRequest targets a command at an explicit set of devices.
type CommandRequest struct {
	Command   string         `json:"command"`
	Payload   map[string]any `json:"payload,omitempty"`
	DeviceIDs []string       `json:"device_ids"`
	CreatedBy string         `json:"-"`
}

// CommandResponse pairs the created job with per-device queueing results.
// Job is nil when no device could be resolved.
type CommandResponse struct {
	Job     *Job            `json:"job,omitempty"`
	Results []CommandResult `json:"results"`
}

// Command queues a command for each named device. Unknown devices produce
// an error entry in the results instead of failing the whole request, so
// one bad ID never blocks delivery to the rest.
func (m *Module) Command(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidJob)
	}
	if len(req.DeviceIDs) == 0 {
		return nil, fmt.Errorf("%w: device_ids is required", ErrInvalidJob)
	}
	if m.targets == nil {
		return nil, fmt.Errorf("dispatch requires a target source")
	}

	resp := &CommandResponse{Results: make([]CommandResult, 0, len(req.DeviceIDs))}
	var reachable []string
	for _, id := range req.DeviceIDs {
		if _, err := m.targets.Device(ctx, id); err != nil {
			resp.Results = append(resp.Results, CommandResult{
				DeviceID: id, Status: "error", Error: err.Error(),
			})
			continue
		}
		reachable = append(reachable, id)
		resp.Results = append(resp.Results, CommandResult{DeviceID: id, Status: "queued"})
	}
	if len(reachable) == 0 {
		return resp, nil
	}

	job, err := m.Distribute(ctx, &DistributeRequest{
		Kind:      KindCommand,
		Command:   req.Command,
		Payload:   req.Payload,
		DeviceIDs: reachable,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		return nil, err
	}
	resp.Job = job
	return resp, nil
}

// JobDetail is a job with its per-target results.
type JobDetail struct {
	Job
	Targets []Target `json:"targets"`
}

// JobWithTargets loads a job and its target rows. Returns nil, nil if the
// job does not exist.
func (m *Module) JobWithTargets(ctx context.Context, jobID string) (*JobDetail, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	targets, err := m.store.ListTargets(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if targets == nil {
		targets = []Target{}
	}
	return &JobDetail{Job: *job, Targets: targets}, nil
}

func pluginEvent(topic string, payload any) plugin.Event {
	return plugin.Event{
		Topic:     topic,
		Source:    ModuleName,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
