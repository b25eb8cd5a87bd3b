package guardian

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/memguard/pkg/config"
	"github.com/psantana5/memguard/pkg/logging"
	"github.com/psantana5/memguard/pkg/metrics"
	"github.com/psantana5/memguard/pkg/state"
)

// ProcessStatus is the supervised process lifecycle state
type ProcessStatus string

const (
	ProcessIdle     ProcessStatus = "idle"
	ProcessRunning  ProcessStatus = "running"
	ProcessStopping ProcessStatus = "stopping"
	ProcessStopped  ProcessStatus = "stopped"
)

// ProcessState describes the currently supervised process. Owned by the
// guardian; mutated only on spawn and terminate.
type ProcessState struct {
	PID              int           `json:"pid"`
	Command          string        `json:"command"`
	Args             []string      `json:"args"`
	Env              []string      `json:"env,omitempty"`
	WorkingDirectory string        `json:"working_directory,omitempty"`
	StartTime        time.Time     `json:"start_time"`
	Status           ProcessStatus `json:"status"`
}

// RestartEvent is the durable record of one restart attempt
type RestartEvent struct {
	Timestamp     time.Time     `json:"timestamp"`
	AttemptNumber int           `json:"attempt_number"`
	Reason        string        `json:"reason"`
	Cooldown      time.Duration `json:"cooldown"`
	OldPID        int           `json:"old_pid"`
	NewPID        int           `json:"new_pid"`
	SnapshotID    string        `json:"snapshot_id,omitempty"`
	Success       bool          `json:"success"`
	Degraded      bool          `json:"degraded"`
}

// EventSink receives restart events for durable journaling
type EventSink interface {
	RecordRestart(ev RestartEvent) error
}

// Status is the read-only view exposed to upstream tooling
type Status struct {
	Classification MemoryState     `json:"classification"`
	Degraded       bool            `json:"degraded"`
	PID            int             `json:"pid"`
	ProcessStatus  ProcessStatus   `json:"process_status"`
	LastSampleMB   int64           `json:"last_sample_mb"`
	LastSampleAt   time.Time       `json:"last_sample_at"`
	LastSnapshotID string          `json:"last_snapshot_id,omitempty"`
	Attempts       []AttemptRecord `json:"attempts"`
	GuardianSince  time.Time       `json:"guardian_since"`
}

// Guardian owns the supervised process end to end: it spawns it, samples its
// memory on an adaptive schedule, and restarts it at the configured
// threshold while preserving state across the boundary.
//
// All restart decisions run on the single supervisory loop; Restart is
// additionally single-flight so no two restarts ever interleave.
type Guardian struct {
	cfg      *config.Config
	logger   *logging.Logger
	probes   *ProbeChain
	stateMgr *state.Manager
	sink     EventSink
	metrics  *metrics.Metrics

	mu             sync.RWMutex
	proc           *ProcessState
	cmd            *exec.Cmd
	procExit       chan struct{}
	classification MemoryState
	degraded       bool
	lastSampleMB   int64
	lastSampleAt   time.Time
	lastSnapshotID string
	startedAt      time.Time

	// loop-owned, guarded by mu only for Status snapshots
	history        *restartHistory
	restartMu      sync.Mutex
	lastLogAt      time.Time
	lastSnapshotAt time.Time
}

// New validates the configuration and builds a guardian. Threshold or policy
// violations fail here, before any process is touched.
func New(cfg *config.Config, stateMgr *state.Manager, sink EventSink, m *metrics.Metrics, logger *logging.Logger) (*Guardian, error) {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}

	// Percentage thresholds resolve against total system memory, and only
	// where no fixed MB value was configured.
	if cfg.Thresholds.WarningMB == 0 || cfg.Thresholds.CriticalMB == 0 || cfg.Thresholds.EmergencyMB == 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve percentage thresholds: %w", err)
		}
		cfg.Thresholds.Resolve(int64(vm.Total / (1024 * 1024)))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Guardian{
		cfg:            cfg,
		logger:         logger,
		probes:         NewProbeChain(),
		stateMgr:       stateMgr,
		sink:           sink,
		metrics:        m,
		classification: StateNormal,
		history:        newRestartHistory(cfg.RestartPolicy),
		startedAt:      time.Now(),
	}, nil
}

// SetProbeChain replaces the probe chain, used in tests
func (g *Guardian) SetProbeChain(c *ProbeChain) {
	g.probes = c
}

// SetStateManager installs the state manager. The manager needs the guardian
// as its process info source, so it is built after New and attached here.
func (g *Guardian) SetStateManager(m *state.Manager) {
	g.stateMgr = m
}

// StartProcess spawns the supervised process and records its state.
// Returns the assigned PID.
func (g *Guardian) StartProcess() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.proc != nil && g.proc.Status == ProcessRunning {
		return 0, fmt.Errorf("process already running with PID %d", g.proc.PID)
	}

	pc := g.cfg.Process
	cmd := exec.Command(pc.Command, pc.Args...)
	if len(pc.Env) > 0 {
		cmd.Env = append(os.Environ(), pc.Env...)
	}
	cmd.Dir = pc.WorkingDirectory
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	// Own process group so termination signals reach the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, &SpawnError{Command: pc.Command, Err: err}
	}

	exitCh := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exitCh)
	}()

	g.cmd = cmd
	g.procExit = exitCh
	g.proc = &ProcessState{
		PID:              cmd.Process.Pid,
		Command:          pc.Command,
		Args:             pc.Args,
		Env:              pc.Env,
		WorkingDirectory: pc.WorkingDirectory,
		StartTime:        time.Now(),
		Status:           ProcessRunning,
	}

	g.logger.Info("Supervised process started", map[string]interface{}{
		"pid": g.proc.PID, "command": pc.Command,
	})
	return g.proc.PID, nil
}

// ProcessInfo implements state.ProcessInfoSource
func (g *Guardian) ProcessInfo() state.ProcessInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.proc == nil {
		return state.ProcessInfo{}
	}
	return state.ProcessInfo{PID: g.proc.PID, StartTime: g.proc.StartTime}
}

// SampleMemory reads the supervised process RSS in MB through the probe
// chain. A fully failed chain logs and reuses the last known sample; it
// never stops the loop.
func (g *Guardian) SampleMemory() (int64, error) {
	g.mu.RLock()
	proc := g.proc
	g.mu.RUnlock()

	if proc == nil || proc.Status != ProcessRunning {
		return 0, fmt.Errorf("no supervised process to sample")
	}

	rss, err := g.probes.Sample(proc.PID)
	if err != nil {
		if g.metrics != nil {
			g.metrics.SampleFailures.Inc()
		}
		g.mu.RLock()
		last := g.lastSampleMB
		g.mu.RUnlock()
		g.logger.Warn("Memory sampling failed, reusing last sample", map[string]interface{}{
			"pid": proc.PID, "last_sample_mb": last, "error": err.Error(),
		})
		return last, err
	}

	sampleMB := int64(rss / (1024 * 1024))
	g.mu.Lock()
	g.lastSampleMB = sampleMB
	g.lastSampleAt = time.Now()
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.SamplesTotal.Inc()
		g.metrics.MemoryBytes.Set(float64(rss))
	}
	return sampleMB, nil
}

// Run is the supervisory loop. It spawns the process if not yet running,
// then samples, classifies and restarts until the context is cancelled.
// Cancellation is checked at every suspension point, never mid-restart.
func (g *Guardian) Run(ctx context.Context) error {
	g.mu.RLock()
	running := g.proc != nil && g.proc.Status == ProcessRunning
	g.mu.RUnlock()
	if !running {
		if _, err := g.StartProcess(); err != nil {
			return err
		}
	}

	// A previous incarnation may have left a snapshot behind; restoring it
	// is best effort.
	if g.cfg.Persistence.Enabled && g.stateMgr != nil {
		if snap := g.stateMgr.Load(); snap != nil {
			restored := g.stateMgr.Restore(snap)
			g.logger.Info("Previous snapshot found at startup", map[string]interface{}{
				"state_id": snap.StateID, "restored": restored,
			})
			g.mu.Lock()
			g.lastSnapshotID = snap.StateID
			g.mu.Unlock()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Covers both an observed exit and a respawn that failed to start:
		// either way there is nothing to sample until a restart succeeds.
		if !g.processLive() {
			g.handleExit(ctx)
			continue
		}

		sampleMB, _ := g.SampleMemory()
		newState := Classify(sampleMB, g.cfg.Thresholds)
		g.transition(newState, sampleMB)

		if g.shouldSnapshot() {
			g.captureSnapshot("periodic")
		}

		if !g.isDegraded() && severity(newState) >= g.triggerSeverity() {
			reason := "memory-" + strings.ToLower(string(newState))
			if err := g.Restart(ctx, reason); err != nil {
				if errors.Is(err, ErrRestartExhausted) {
					// Terminal failure notification; loop keeps sampling but
					// stops restarting.
					g.logger.Error("Guardian degraded: restart attempts exhausted", map[string]interface{}{
						"max_attempts": g.cfg.RestartPolicy.MaxAttempts,
						"window":       g.cfg.RestartPolicy.AttemptWindow.String(),
					})
				} else if !errors.Is(err, context.Canceled) {
					g.logger.Error("Restart failed", map[string]interface{}{
						"reason": reason, "error": err.Error(),
					})
				}
			}
		}

		interval := sampleInterval(g.currentClassification(), g.cfg.Monitoring)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-g.exitChan():
			timer.Stop()
			// handled at the top of the next iteration
		case <-timer.C:
		}
	}
}

// Restart performs the serialized restart workflow: bounded-retry check,
// cooldown, capture+persist, graceful→forceful termination, respawn,
// restore, attempt accounting. Sampling is suspended for its duration
// because it runs on the supervisory loop.
func (g *Guardian) Restart(ctx context.Context, reason string) error {
	g.restartMu.Lock()
	defer g.restartMu.Unlock()

	if g.isDegraded() {
		return ErrDegraded
	}

	now := time.Now()
	g.mu.Lock()
	attempts := g.history.countInWindow(now)
	g.mu.Unlock()
	if attempts >= g.cfg.RestartPolicy.MaxAttempts {
		g.setDegraded(true)
		if g.metrics != nil {
			g.metrics.Degraded.Set(1)
		}
		g.recordEvent(RestartEvent{
			Timestamp:     now,
			AttemptNumber: attempts + 1,
			Reason:        reason,
			OldPID:        g.currentPID(),
			Degraded:      true,
		})
		return ErrRestartExhausted
	}

	attemptNumber := attempts + 1
	cooldown := Cooldown(g.cfg.RestartPolicy, attemptNumber)
	if attemptNumber > 1 {
		g.logger.Info("Applying restart cooldown", map[string]interface{}{
			"attempt": attemptNumber, "cooldown": cooldown.String(),
		})
		timer := time.NewTimer(cooldown)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	g.logger.Warn("Restarting supervised process", map[string]interface{}{
		"reason": reason, "attempt": attemptNumber, "pid": g.currentPID(),
	})

	var snap *state.Snapshot
	if g.cfg.Persistence.Enabled && g.stateMgr != nil {
		snap = g.captureSnapshot("pre-restart")
	}

	oldPID := g.currentPID()
	g.terminateProcess()

	newPID, err := g.StartProcess()
	if err != nil {
		if g.metrics != nil {
			g.metrics.RestartFailures.Inc()
		}
		// A failed respawn still consumes an attempt: the supervisory loop
		// retries through the same policy until it succeeds or exhausts.
		g.mu.Lock()
		g.history.append(AttemptRecord{
			Timestamp:       now,
			AttemptNumber:   attemptNumber,
			CooldownApplied: cooldown,
			Reason:          reason,
		})
		g.mu.Unlock()
		g.recordEvent(RestartEvent{
			Timestamp:     now,
			AttemptNumber: attemptNumber,
			Reason:        reason,
			Cooldown:      cooldown,
			OldPID:        oldPID,
		})
		return err
	}

	if snap != nil {
		if g.stateMgr.Restore(snap) {
			g.logger.Info("State restored into replacement process", map[string]interface{}{
				"state_id": snap.StateID, "pid": newPID,
			})
		} else {
			g.logger.Warn("State restore failed, replacement starts cold", map[string]interface{}{
				"state_id": snap.StateID, "pid": newPID,
			})
		}
	}

	rec := AttemptRecord{
		Timestamp:       now,
		AttemptNumber:   attemptNumber,
		CooldownApplied: cooldown,
		Reason:          reason,
	}
	g.mu.Lock()
	g.history.append(rec)
	g.classification = StateNormal
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.RestartsTotal.WithLabelValues(reason).Inc()
	}
	ev := RestartEvent{
		Timestamp:     now,
		AttemptNumber: attemptNumber,
		Reason:        reason,
		Cooldown:      cooldown,
		OldPID:        oldPID,
		NewPID:        newPID,
		Success:       true,
	}
	if snap != nil {
		ev.SnapshotID = snap.StateID
	}
	g.recordEvent(ev)

	g.logger.Info("Restart complete", map[string]interface{}{
		"old_pid": oldPID, "new_pid": newPID, "attempt": attemptNumber,
	})
	return nil
}

// Shutdown stops the supervised process with the same graceful→forceful
// escalation as a restart, after a best-effort final snapshot. The
// supervisory loop must already be cancelled.
func (g *Guardian) Shutdown() {
	g.logger.Info("Guardian shutting down")

	if g.cfg.Persistence.Enabled && g.stateMgr != nil {
		g.captureSnapshot("shutdown")
	}

	g.terminateProcess()
}

// ResetDegraded clears the terminal DEGRADED state so automatic restarts
// resume. The attempt history is cleared with it.
func (g *Guardian) ResetDegraded() {
	g.mu.Lock()
	g.degraded = false
	g.history = newRestartHistory(g.cfg.RestartPolicy)
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.Degraded.Set(0)
	}
	g.logger.Info("Degraded state manually reset")
}

// GetStatus returns the read-only status view
func (g *Guardian) GetStatus() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()

	st := Status{
		Classification: g.classification,
		Degraded:       g.degraded,
		LastSampleMB:   g.lastSampleMB,
		LastSampleAt:   g.lastSampleAt,
		LastSnapshotID: g.lastSnapshotID,
		Attempts:       g.history.snapshot(),
		GuardianSince:  g.startedAt,
	}
	if g.degraded {
		st.Classification = StateDegraded
	}
	if g.proc != nil {
		st.PID = g.proc.PID
		st.ProcessStatus = g.proc.Status
	}
	return st
}

// terminateProcess sends a cooperative SIGTERM to the process group, waits
// up to graceful_timeout, then escalates to SIGKILL with its own deadline.
// Exceeding both deadlines is logged and accepted.
func (g *Guardian) terminateProcess() {
	g.mu.Lock()
	proc := g.proc
	exitCh := g.procExit
	if proc == nil || proc.Status != ProcessRunning {
		g.mu.Unlock()
		return
	}
	proc.Status = ProcessStopping
	g.mu.Unlock()

	pid := proc.PID
	g.logger.Info("Terminating supervised process", map[string]interface{}{"pid": pid})

	g.signalGroup(pid, syscall.SIGTERM)
	if !waitExit(exitCh, g.cfg.RestartPolicy.GracefulTimeout) {
		g.logger.Warn("Graceful timeout exceeded, sending SIGKILL", map[string]interface{}{
			"pid": pid, "graceful_timeout": g.cfg.RestartPolicy.GracefulTimeout.String(),
		})
		g.signalGroup(pid, syscall.SIGKILL)
		if !waitExit(exitCh, g.cfg.RestartPolicy.ForceKillTimeout) {
			// Accepted failure mode: bounded, lossy.
			g.logger.Error("Process survived force-kill deadline", map[string]interface{}{
				"pid": pid,
			})
		}
	}

	g.mu.Lock()
	if g.proc == proc {
		proc.Status = ProcessStopped
	}
	g.mu.Unlock()
}

// signalGroup signals the whole process group, falling back to the single
// PID when the group signal fails.
func (g *Guardian) signalGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		if err := syscall.Kill(pid, sig); err != nil && err != syscall.ESRCH {
			g.logger.Warn("Failed to signal process", map[string]interface{}{
				"pid": pid, "signal": sig.String(), "error": err.Error(),
			})
		}
	}
}

func waitExit(exitCh <-chan struct{}, timeout time.Duration) bool {
	if exitCh == nil {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-exitCh:
		return true
	case <-timer.C:
		return false
	}
}

// handleExit reacts to the supervised process being gone, whether it died
// on its own or a respawn failed to start one
func (g *Guardian) handleExit(ctx context.Context) {
	g.mu.Lock()
	pid := 0
	wasRunning := false
	if g.proc != nil {
		pid = g.proc.PID
		wasRunning = g.proc.Status == ProcessRunning
		g.proc.Status = ProcessStopped
	}
	g.mu.Unlock()

	if wasRunning {
		g.logger.Warn("Supervised process exited unexpectedly", map[string]interface{}{"pid": pid})
	} else {
		g.logger.Warn("No supervised process running, retrying restart", map[string]interface{}{"last_pid": pid})
	}

	if g.isDegraded() {
		// Nothing to do until a manual reset; back off to the normal cadence.
		timer := time.NewTimer(g.cfg.Monitoring.NormalInterval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		return
	}

	if err := g.Restart(ctx, "process-exited"); err != nil {
		if errors.Is(err, ErrRestartExhausted) {
			g.logger.Error("Guardian degraded: restart attempts exhausted", map[string]interface{}{
				"max_attempts": g.cfg.RestartPolicy.MaxAttempts,
			})
		} else if !errors.Is(err, context.Canceled) {
			g.logger.Error("Failed to respawn exited process", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

func (g *Guardian) captureSnapshot(reason string) *state.Snapshot {
	snap := g.stateMgr.Capture(reason)
	if g.stateMgr.Persist(snap) {
		g.mu.Lock()
		g.lastSnapshotID = snap.StateID
		g.lastSnapshotAt = time.Now()
		g.mu.Unlock()
		if g.metrics != nil {
			g.metrics.SnapshotsTotal.Inc()
		}
		return snap
	}
	if g.metrics != nil {
		g.metrics.SnapshotFailures.Inc()
	}
	g.logger.Warn("Snapshot persist failed, continuing without it", map[string]interface{}{
		"reason": reason,
	})
	return snap
}

func (g *Guardian) shouldSnapshot() bool {
	interval := g.cfg.Monitoring.SnapshotInterval
	if interval <= 0 || !g.cfg.Persistence.Enabled || g.stateMgr == nil {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return time.Since(g.lastSnapshotAt) >= interval
}

// transition applies a classification change and paced logging
func (g *Guardian) transition(newState MemoryState, sampleMB int64) {
	g.mu.Lock()
	old := g.classification
	g.classification = newState
	logDue := time.Since(g.lastLogAt) >= g.cfg.Monitoring.LogInterval
	if old != newState || logDue {
		g.lastLogAt = time.Now()
	}
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.ClassificationID.Set(float64(severity(newState)))
	}

	fields := map[string]interface{}{
		"sample_mb": sampleMB, "state": string(newState),
	}
	switch {
	case old != newState && severity(newState) > severity(old):
		g.logger.Warn("Memory state escalated", fields)
	case old != newState:
		g.logger.Info("Memory state recovered", fields)
	case logDue:
		g.logger.Info("Memory sample", fields)
	}
}

func (g *Guardian) triggerSeverity() int {
	if g.cfg.RestartPolicy.RestartOn == "critical" {
		return severity(StateCritical)
	}
	return severity(StateEmergency)
}

func (g *Guardian) currentClassification() MemoryState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.classification
}

func (g *Guardian) currentPID() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.proc == nil {
		return 0
	}
	return g.proc.PID
}

func (g *Guardian) isDegraded() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.degraded
}

func (g *Guardian) setDegraded(v bool) {
	g.mu.Lock()
	g.degraded = v
	g.mu.Unlock()
}

// processLive reports whether a supervised process is currently running
func (g *Guardian) processLive() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.proc == nil || g.proc.Status != ProcessRunning {
		return false
	}
	select {
	case <-g.procExit:
		return false
	default:
		return true
	}
}

func (g *Guardian) exitChan() <-chan struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.procExit
}

func (g *Guardian) recordEvent(ev RestartEvent) {
	if g.sink == nil {
		return
	}
	if err := g.sink.RecordRestart(ev); err != nil {
		g.logger.Warn("Failed to journal restart event", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
