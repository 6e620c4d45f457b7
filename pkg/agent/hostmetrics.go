package agent

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSample is one reading of host load
type HostSample struct {
	CPUPercent   float64
	MemoryUsedMB float64
}

// HostSampler reads host load for heartbeats
type HostSampler interface {
	Sample() HostSample
}

// SystemSampler reads CPU and memory from the OS via gopsutil
type SystemSampler struct{}

// Sample returns current usage; readings that fail are left at zero
func (SystemSampler) Sample() HostSample {
	var s HostSample
	// Interval 0 compares against the previous call, so it never blocks
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
	}
	return s
}
