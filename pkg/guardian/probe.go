package guardian

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Probe reads the resident set size of a PID in bytes
type Probe interface {
	Name() string
	ReadRSS(pid int) (uint64, error)
}

// ProbeChain tries probes in priority order and keeps the first success.
// The chain itself never panics the sampling loop; a fully failed chain
// surfaces an aggregate error and the caller reuses the last known sample.
type ProbeChain struct {
	probes []Probe
}

// NewProbeChain builds the default chain: gopsutil first, then the
// platform-specific /proc fallback, then a last-resort ps invocation.
func NewProbeChain() *ProbeChain {
	return &ProbeChain{
		probes: []Probe{
			&gopsutilProbe{},
			&procStatusProbe{},
			&psProbe{},
		},
	}
}

// NewProbeChainWith builds a chain from explicit probes, used in tests
func NewProbeChainWith(probes ...Probe) *ProbeChain {
	return &ProbeChain{probes: probes}
}

// Sample returns the first successful RSS reading in bytes
func (c *ProbeChain) Sample(pid int) (uint64, error) {
	var errs []string
	for _, p := range c.probes {
		rss, err := p.ReadRSS(pid)
		if err == nil {
			return rss, nil
		}
		probeErr := &ProbeError{Strategy: p.Name(), PID: pid, Err: err}
		errs = append(errs, probeErr.Error())
	}
	return 0, fmt.Errorf("%w: %s", ErrSamplingFailed, strings.Join(errs, "; "))
}

// gopsutilProbe is the OS-native high-fidelity probe
type gopsutilProbe struct{}

func (p *gopsutilProbe) Name() string { return "gopsutil" }

func (p *gopsutilProbe) ReadRSS(pid int) (uint64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	if info == nil {
		return 0, fmt.Errorf("no memory info available")
	}
	return info.RSS, nil
}

// procStatusProbe parses VmRSS out of /proc/<pid>/status
type procStatusProbe struct{}

func (p *procStatusProbe) Name() string { return "proc-status" }

func (p *procStatusProbe) ReadRSS(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed VmRSS line %q: %w", line, err)
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("no VmRSS entry in /proc/%d/status", pid)
}

// psProbe shells out to ps as a last resort
type psProbe struct{}

func (p *psProbe) Name() string { return "ps" }

func (p *psProbe) ReadRSS(pid int) (uint64, error) {
	out, err := exec.Command("ps", "-o", "rss=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0, err
	}
	kb, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected ps output %q: %w", strings.TrimSpace(string(out)), err)
	}
	return kb * 1024, nil
}
