package supervisor

import (
	"log/slog"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// sampleLoop periodically samples CPU and memory for one run and records the
// result in the status snapshot. Configured limits are warn-only ceilings: a
// breach logs and flags the sample, nothing more.
func (s *Supervisor) sampleLoop(p *proc, cancel chan struct{}) {
	defer s.wg.Done()
	spec := p.Spec()
	t := time.NewTicker(s.cfg.SampleInterval)
	defer t.Stop()
	for {
		select {
		case <-cancel:
			return
		case <-s.closed:
			return
		case <-t.C:
		}
		pid := p.currentPID()
		if pid == 0 {
			return
		}
		u, err := sample(pid)
		if err != nil {
			continue
		}
		lim := spec.Limits
		if lim.MaxCPUPercent > 0 && u.CPUPercent > lim.MaxCPUPercent {
			u.OverLimit = true
			slog.Warn("process over CPU ceiling", "id", spec.ID,
				"cpu_percent", u.CPUPercent, "ceiling", lim.MaxCPUPercent)
		}
		if lim.MaxMemoryMB > 0 && u.MemoryMB > lim.MaxMemoryMB {
			u.OverLimit = true
			slog.Warn("process over memory ceiling", "id", spec.ID,
				"memory_mb", u.MemoryMB, "ceiling", lim.MaxMemoryMB)
		}
		p.setUsage(u)
	}
}

func sample(pid int) (Usage, error) {
	gp, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, err
	}
	u := Usage{SampledAt: time.Now()}
	if cpu, err := gp.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if mi, err := gp.MemoryInfo(); err == nil && mi != nil {
		u.MemoryMB = mi.RSS / (1024 * 1024)
	}
	return u, nil
}
