package guardian

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/psantana5/memguard/pkg/config"
	"github.com/psantana5/memguard/pkg/conversation"
	"github.com/psantana5/memguard/pkg/logging"
	"github.com/psantana5/memguard/pkg/state"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Process.Command = "sleep"
	cfg.Process.Args = []string{"60"}
	cfg.RestartPolicy.GracefulTimeout = 3 * time.Second
	cfg.RestartPolicy.ForceKillTimeout = 2 * time.Second
	cfg.Persistence.Enabled = false
	return cfg
}

func newTestGuardian(t *testing.T, cfg *config.Config, sink EventSink) *Guardian {
	t.Helper()
	g, err := New(cfg, nil, sink, nil, logging.NewLogger(logging.ERROR, false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

type recordingSink struct {
	mu     sync.Mutex
	events []RestartEvent
}

func (s *recordingSink) RecordRestart(ev RestartEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) all() []RestartEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RestartEvent, len(s.events))
	copy(out, s.events)
	return out
}

func TestClassifyEscalation(t *testing.T) {
	thresholds := config.Thresholds{
		WarningMB:   12288,
		CriticalMB:  15360,
		EmergencyMB: 18432,
	}

	cases := []struct {
		sampleMB int64
		want     MemoryState
	}{
		{10000, StateNormal},
		{12287, StateNormal},
		{12288, StateWarning},
		{13000, StateWarning},
		{15360, StateCritical},
		{16000, StateCritical},
		{18432, StateEmergency},
		{19000, StateEmergency},
	}
	for _, tc := range cases {
		if got := Classify(tc.sampleMB, thresholds); got != tc.want {
			t.Errorf("Classify(%d) = %s, want %s", tc.sampleMB, got, tc.want)
		}
	}
}

func TestOnlyEmergencyTriggersRestart(t *testing.T) {
	cfg := testConfig(t)
	g := newTestGuardian(t, cfg, nil)

	thresholds := cfg.Thresholds
	for _, sampleMB := range []int64{10000, 13000, 16000} {
		st := Classify(sampleMB, thresholds)
		if severity(st) >= g.triggerSeverity() {
			t.Errorf("sample %d MB (%s) should not reach the restart trigger", sampleMB, st)
		}
	}
	st := Classify(19000, thresholds)
	if severity(st) < g.triggerSeverity() {
		t.Errorf("sample 19000 MB (%s) should reach the restart trigger", st)
	}
}

func TestCooldownSchedule(t *testing.T) {
	p := config.RestartPolicy{
		InitialCooldown:    30 * time.Second,
		MaxCooldown:        5 * time.Minute,
		CooldownMultiplier: 2.0,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{5, 5 * time.Minute},
		{10, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := Cooldown(p, tc.attempt); got != tc.want {
			t.Errorf("Cooldown(attempt=%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestRestartHistoryWindow(t *testing.T) {
	policy := config.RestartPolicy{AttemptWindow: 30 * time.Minute}
	h := newRestartHistory(policy)

	now := time.Now()
	h.append(AttemptRecord{Timestamp: now.Add(-40 * time.Minute), AttemptNumber: 1})
	h.append(AttemptRecord{Timestamp: now.Add(-20 * time.Minute), AttemptNumber: 2})
	h.append(AttemptRecord{Timestamp: now.Add(-5 * time.Minute), AttemptNumber: 3})

	if got := h.countInWindow(now); got != 2 {
		t.Errorf("countInWindow = %d, want 2 (oldest attempt outside window)", got)
	}
}

type fakeProbe struct {
	name string
	rss  uint64
	err  error
}

func (p *fakeProbe) Name() string { return p.name }
func (p *fakeProbe) ReadRSS(pid int) (uint64, error) {
	if p.err != nil {
		return 0, p.err
	}
	return p.rss, nil
}

func TestProbeChainFallback(t *testing.T) {
	broken := &fakeProbe{name: "broken", err: errors.New("no such process")}
	working := &fakeProbe{name: "working", rss: 256 * 1024 * 1024}

	chain := NewProbeChainWith(broken, working)
	rss, err := chain.Sample(1234)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if rss != working.rss {
		t.Errorf("Sample = %d, want %d from fallback probe", rss, working.rss)
	}
}

func TestProbeChainAllFail(t *testing.T) {
	chain := NewProbeChainWith(
		&fakeProbe{name: "a", err: errors.New("denied")},
		&fakeProbe{name: "b", err: errors.New("denied")},
	)
	_, err := chain.Sample(1234)
	if err == nil {
		t.Fatal("expected error when every probe fails")
	}
	if !errors.Is(err, ErrSamplingFailed) {
		t.Errorf("Sample error = %v, want ErrSamplingFailed", err)
	}
}

func TestSampleMemoryReusesLastSample(t *testing.T) {
	cfg := testConfig(t)
	g := newTestGuardian(t, cfg, nil)

	if _, err := g.StartProcess(); err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	defer g.terminateProcess()

	g.SetProbeChain(NewProbeChainWith(&fakeProbe{name: "working", rss: 256 * 1024 * 1024}))
	sampleMB, err := g.SampleMemory()
	if err != nil {
		t.Fatalf("SampleMemory: %v", err)
	}
	if sampleMB != 256 {
		t.Fatalf("SampleMemory = %d MB, want 256", sampleMB)
	}

	// Chain fully fails: the guardian keeps the last known sample so the
	// loop classifies real data instead of zero.
	g.SetProbeChain(NewProbeChainWith(&fakeProbe{name: "broken", err: errors.New("denied")}))
	sampleMB, err = g.SampleMemory()
	if !errors.Is(err, ErrSamplingFailed) {
		t.Errorf("SampleMemory error = %v, want ErrSamplingFailed", err)
	}
	if sampleMB != 256 {
		t.Errorf("SampleMemory = %d MB, want last known 256", sampleMB)
	}
}

func TestFailedRespawnRetriesUntilDegraded(t *testing.T) {
	cfg := testConfig(t)
	cfg.RestartPolicy.MaxAttempts = 2
	cfg.RestartPolicy.InitialCooldown = 10 * time.Millisecond
	cfg.RestartPolicy.MaxCooldown = 50 * time.Millisecond
	sink := &recordingSink{}
	g := newTestGuardian(t, cfg, sink)

	if _, err := g.StartProcess(); err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	// The binary disappears between spawn and respawn
	g.cfg.Process.Command = "/nonexistent/supervised-binary"

	var spawnErr *SpawnError
	err := g.Restart(context.Background(), "memory-emergency")
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Restart = %v, want SpawnError", err)
	}

	// The old process is gone and the failure consumed an attempt, so the
	// loop keeps re-entering the restart policy instead of idling.
	if g.processLive() {
		t.Error("no process should be live after a failed respawn")
	}
	if got := g.history.countInWindow(time.Now()); got != 1 {
		t.Errorf("failed respawn consumed %d attempts, want 1", got)
	}

	if err := g.Restart(context.Background(), "process-exited"); !errors.As(err, &spawnErr) {
		t.Fatalf("second Restart = %v, want SpawnError", err)
	}
	if err := g.Restart(context.Background(), "process-exited"); !errors.Is(err, ErrRestartExhausted) {
		t.Fatalf("third Restart = %v, want ErrRestartExhausted", err)
	}
	if !g.isDegraded() {
		t.Error("guardian should degrade once failed respawns exhaust the budget")
	}

	events := sink.all()
	if len(events) != 3 {
		t.Fatalf("sink recorded %d events, want 3", len(events))
	}
	for _, ev := range events[:2] {
		if ev.Success {
			t.Errorf("failed respawn event marked successful: %+v", ev)
		}
	}
	if !events[2].Degraded {
		t.Errorf("final event should mark degradation: %+v", events[2])
	}
}

func TestRestartExhaustionDegrades(t *testing.T) {
	cfg := testConfig(t)
	cfg.RestartPolicy.MaxAttempts = 2
	sink := &recordingSink{}
	g := newTestGuardian(t, cfg, sink)

	now := time.Now()
	g.history.append(AttemptRecord{Timestamp: now.Add(-2 * time.Minute), AttemptNumber: 1, Reason: "memory-emergency"})
	g.history.append(AttemptRecord{Timestamp: now.Add(-1 * time.Minute), AttemptNumber: 2, Reason: "memory-emergency"})

	err := g.Restart(context.Background(), "memory-emergency")
	if !errors.Is(err, ErrRestartExhausted) {
		t.Fatalf("Restart = %v, want ErrRestartExhausted", err)
	}
	if !g.isDegraded() {
		t.Error("guardian should be degraded after exhaustion")
	}
	if got := g.GetStatus().Classification; got != StateDegraded {
		t.Errorf("status classification = %s, want %s", got, StateDegraded)
	}

	// Further restarts refuse outright until a manual reset
	if err := g.Restart(context.Background(), "memory-emergency"); !errors.Is(err, ErrDegraded) {
		t.Fatalf("Restart while degraded = %v, want ErrDegraded", err)
	}

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("sink recorded %d events, want 1", len(events))
	}
	if !events[0].Degraded || events[0].Success {
		t.Errorf("exhaustion event = %+v, want Degraded and not Success", events[0])
	}

	g.ResetDegraded()
	if g.isDegraded() {
		t.Error("ResetDegraded should clear the degraded flag")
	}
	if got := g.history.countInWindow(time.Now()); got != 0 {
		t.Errorf("ResetDegraded should clear history, got %d attempts", got)
	}
}

func TestStartAndTerminateProcess(t *testing.T) {
	cfg := testConfig(t)
	g := newTestGuardian(t, cfg, nil)

	pid, err := g.StartProcess()
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("StartProcess returned PID %d", pid)
	}
	if err := syscall.Kill(pid, syscall.Signal(0)); err != nil {
		t.Fatalf("spawned process not alive: %v", err)
	}

	g.terminateProcess()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, syscall.Signal(0)); err == syscall.ESRCH {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("process %d still alive after terminateProcess", pid)
}

func TestRestartReplacesProcess(t *testing.T) {
	cfg := testConfig(t)
	cfg.Persistence.Enabled = true

	dir := t.TempDir()
	cfg.Persistence.StateFile = filepath.Join(dir, "state.json")
	cfg.Process.SessionFile = filepath.Join(dir, "session.json")

	sink := &recordingSink{}
	g := newTestGuardian(t, cfg, sink)

	extractor := conversation.NewExtractor(cfg.Process.SessionFile, nil)
	g.stateMgr = state.NewManager(state.Options{
		StateFile: cfg.Persistence.StateFile,
		CacheSize: 4,
		CacheTTL:  time.Minute,
	}, nil, extractor, g, nil)

	oldPID, err := g.StartProcess()
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	if err := g.Restart(context.Background(), "memory-emergency"); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	st := g.GetStatus()
	if st.PID == oldPID {
		t.Errorf("restart kept PID %d, want a new process", oldPID)
	}
	if st.ProcessStatus != ProcessRunning {
		t.Errorf("process status = %s, want %s", st.ProcessStatus, ProcessRunning)
	}
	if len(st.Attempts) != 1 {
		t.Errorf("attempt history has %d records, want 1", len(st.Attempts))
	}
	if st.LastSnapshotID == "" {
		t.Error("restart should record the pre-restart snapshot id")
	}

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("sink recorded %d events, want 1", len(events))
	}
	ev := events[0]
	if !ev.Success || ev.OldPID != oldPID || ev.NewPID != st.PID {
		t.Errorf("unexpected restart event %+v", ev)
	}
	if ev.Reason != "memory-emergency" {
		t.Errorf("event reason = %q, want memory-emergency", ev.Reason)
	}

	g.Shutdown()
}

func TestSampleIntervalAdapts(t *testing.T) {
	m := config.Monitoring{
		NormalInterval:   30 * time.Second,
		WarningInterval:  15 * time.Second,
		CriticalInterval: 5 * time.Second,
	}
	cases := []struct {
		state MemoryState
		want  time.Duration
	}{
		{StateNormal, 30 * time.Second},
		{StateWarning, 15 * time.Second},
		{StateCritical, 5 * time.Second},
		{StateEmergency, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := sampleInterval(tc.state, m); got != tc.want {
			t.Errorf("sampleInterval(%s) = %s, want %s", tc.state, got, tc.want)
		}
	}
}
