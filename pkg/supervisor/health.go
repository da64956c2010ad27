package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/chronicle-systems/chronicle/internal/config"
	"github.com/chronicle-systems/chronicle/pkg/queue"
)

// HealthMonitorConfigFromSpec builds a HealthMonitorConfig from the loaded
// supervisor section of the configuration file.
func HealthMonitorConfigFromSpec(cfg config.SupervisorConfig) HealthMonitorConfig {
	return HealthMonitorConfig{
		StartupGracePeriod: time.Duration(cfg.StartupGracePeriodSeconds) * time.Second,
		CheckInterval:      time.Duration(cfg.CheckIntervalSeconds) * time.Second,
		MinRQWorkers:       int64(cfg.MinRQWorkers),
		RecoveryCooldown:   time.Duration(cfg.RecoveryCooldownSeconds) * time.Second,
	}
}

// Default health-monitor tunables (spec §4.7), used when the loaded
// SupervisorConfig leaves a field at zero.
const (
	DefaultStartupGracePeriod  = 30 * time.Second
	DefaultCheckInterval       = 10 * time.Second
	DefaultMinRQWorkers        = 6
	DefaultRecoveryCooldown    = 60 * time.Second
)

// HealthMonitorConfig tunes HealthMonitor's policy.
type HealthMonitorConfig struct {
	StartupGracePeriod time.Duration
	CheckInterval      time.Duration
	MinRQWorkers       int64
	RecoveryCooldown   time.Duration
}

func (c HealthMonitorConfig) withDefaults() HealthMonitorConfig {
	if c.StartupGracePeriod <= 0 {
		c.StartupGracePeriod = DefaultStartupGracePeriod
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.MinRQWorkers <= 0 {
		c.MinRQWorkers = DefaultMinRQWorkers
	}
	if c.RecoveryCooldown <= 0 {
		c.RecoveryCooldown = DefaultRecoveryCooldown
	}
	return c
}

// HealthMonitor periodically checks per-worker liveness and cluster
// registration count, restarting individually-failed workers and
// bulk-restarting the RQ-worker fleet when registration drops below
// MinRQWorkers (spec §4.7). All checks are suspended for StartupGracePeriod
// after Run starts, since workers take a moment to come up and register.
type HealthMonitor struct {
	supervisor *Supervisor
	manager    *queue.Manager
	cfg        HealthMonitorConfig

	lastBulkRestart time.Time
}

// NewHealthMonitor builds a HealthMonitor watching supervisor's workers and
// manager's cluster worker registry.
func NewHealthMonitor(supervisor *Supervisor, manager *queue.Manager, cfg HealthMonitorConfig) *HealthMonitor {
	return &HealthMonitor{supervisor: supervisor, manager: manager, cfg: cfg.withDefaults()}
}

// Run blocks, ticking at cfg.CheckInterval until ctx is canceled. The first
// StartupGracePeriod elapses with no checks performed at all.
func (h *HealthMonitor) Run(ctx context.Context) error {
	graceTimer := time.NewTimer(h.cfg.StartupGracePeriod)
	defer graceTimer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-graceTimer.C:
	}

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

// tick runs one health-check pass: per-worker liveness/restart, then
// cluster-registration-gated bulk restart.
func (h *HealthMonitor) tick(ctx context.Context) {
	h.checkWorkerLiveness(ctx)
	h.checkClusterRegistration(ctx)
}

func (h *HealthMonitor) checkWorkerLiveness(ctx context.Context) {
	for _, st := range h.supervisor.Status() {
		if st.State != StateFailed {
			continue
		}
		mw, err := h.supervisor.lookup(st.Name)
		if err != nil {
			continue
		}
		if !mw.def.RestartOnFailure {
			slog.Warn("supervisor: worker failed, restart_on_failure is false, leaving it down", "worker", st.Name)
			continue
		}
		slog.Warn("supervisor: restarting failed worker", "worker", st.Name)
		if err := h.supervisor.Restart(ctx, st.Name); err != nil {
			slog.Error("supervisor: restart failed worker failed", "worker", st.Name, "error", err)
		}
	}
}

func (h *HealthMonitor) checkClusterRegistration(ctx context.Context) {
	if h.manager == nil {
		return
	}
	count, err := h.manager.RegisteredWorkerCount(ctx)
	if err != nil {
		slog.Warn("supervisor: read cluster registration count failed", "error", err)
		return
	}
	if count >= h.cfg.MinRQWorkers {
		return
	}
	if time.Since(h.lastBulkRestart) < h.cfg.RecoveryCooldown {
		slog.Warn("supervisor: registration below minimum, cooldown active, skipping bulk restart",
			"registered", count, "minimum", h.cfg.MinRQWorkers)
		return
	}

	slog.Warn("supervisor: cluster registration below minimum, bulk restarting rq workers",
		"registered", count, "minimum", h.cfg.MinRQWorkers)
	h.lastBulkRestart = time.Now()
	h.supervisor.BulkRestart(ctx)
}
