package health

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats is one host-level CPU/memory snapshot.
type HostStats struct {
	CPUPercent    float64
	MemoryPercent float64
}

// CollectHostStats samples current CPU and memory utilization via
// gopsutil and folds the result into Update(ComponentHost, ...). The returned
// MemoryPercent is also handed back directly so callers (the frame-pacing
// controller's host-pressure gate) don't need to round-trip through
// Monitor.Get.
func (m *Monitor) CollectHostStats() (HostStats, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		m.Update(ComponentHost, Unknown, fmt.Sprintf("memory sample failed: %v", err))
		return HostStats{}, err
	}

	cpuPct, err := cpu.Percent(0, false)
	if err != nil {
		m.Update(ComponentHost, Unknown, fmt.Sprintf("cpu sample failed: %v", err))
		return HostStats{}, err
	}

	stats := HostStats{MemoryPercent: vm.UsedPercent}
	if len(cpuPct) > 0 {
		stats.CPUPercent = cpuPct[0]
	}

	status := Healthy
	if vm.UsedPercent >= 90 {
		status = Unhealthy
	} else if vm.UsedPercent >= 75 {
		status = Degraded
	}
	m.Update(ComponentHost, status, fmt.Sprintf("cpu=%.1f%% mem=%.1f%%", stats.CPUPercent, stats.MemoryPercent))

	return stats, nil
}

// UnderMemoryPressure reports whether the most recent host check crossed
// the unhealthy threshold, the signal internal/pacing uses to force
// throttling independent of round-trip time.
func (s HostStats) UnderMemoryPressure() bool {
	return s.MemoryPercent >= 90
}
