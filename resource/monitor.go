// Package resource samples host memory, CPU and disk and turns the readings
// into admission decisions for the worker pool.
package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"ffbatch/config"
)

// Snapshot is a point-in-time reading. It is recomputed on every admission
// check and never stored.
type Snapshot struct {
	MemoryPercent   float64   `json:"memoryPercent"`
	MemoryTotal     uint64    `json:"memoryTotal"`
	MemoryAvailable uint64    `json:"memoryAvailable"`
	CPUPercent      float64   `json:"cpuPercent"`
	DiskFree        uint64    `json:"diskFree"`
	TakenAt         time.Time `json:"takenAt"`
}

// Sampler reads the host. Tests substitute a fake.
type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// HostSampler reads the local host through gopsutil.
type HostSampler struct {
	// DiskPath is the directory whose filesystem is checked for free space.
	DiskPath string
	log      zerolog.Logger
}

func NewHostSampler(diskPath string, log zerolog.Logger) *HostSampler {
	return &HostSampler{DiskPath: diskPath, log: log}
}

func (h *HostSampler) Sample(ctx context.Context) (Snapshot, error) {
	s := Snapshot{TakenAt: time.Now()}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("read memory usage: %w", err)
	}
	s.MemoryPercent = vm.UsedPercent
	s.MemoryTotal = vm.Total
	s.MemoryAvailable = vm.Available

	// Zero interval compares against the previous call instead of blocking.
	if p, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		h.log.Warn().Err(err).Msg("could not get CPU usage")
	} else if len(p) > 0 {
		s.CPUPercent = p[0]
	}

	if h.DiskPath != "" {
		if d, err := disk.UsageWithContext(ctx, h.DiskPath); err != nil {
			h.log.Warn().Err(err).Str("path", h.DiskPath).Msg("could not get disk usage")
		} else {
			s.DiskFree = d.Free
		}
	}
	return s, nil
}

// Monitor is the global admission gate. It is advisory: it does not account
// for the memory of tasks it has already admitted.
type Monitor struct {
	sampler     Sampler
	highWater   float64
	cpuLimit    float64
	diskWarning uint64
	log         zerolog.Logger
}

func NewMonitor(cfg *config.Config, sampler Sampler, log zerolog.Logger) *Monitor {
	return &Monitor{
		sampler:     sampler,
		highWater:   cfg.MemoryHighWater,
		cpuLimit:    cfg.ThrottleCPU,
		diskWarning: uint64(cfg.DiskSpaceWarning),
		log:         log,
	}
}

// Snapshot takes a fresh reading.
func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	return m.sampler.Sample(ctx)
}

// Admit reports whether a new task may start now. A failed sample admits,
// since a broken probe must not stall the pool.
func (m *Monitor) Admit(ctx context.Context) (bool, string) {
	s, err := m.sampler.Sample(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("resource sample failed, admitting")
		return true, ""
	}

	if s.MemoryPercent >= m.highWater {
		return false, fmt.Sprintf("memory usage %.1f%% >= %.1f%%", s.MemoryPercent, m.highWater)
	}
	if m.cpuLimit > 0 && s.CPUPercent >= m.cpuLimit {
		return false, fmt.Sprintf("cpu usage %.1f%% >= %.1f%%", s.CPUPercent, m.cpuLimit)
	}
	if m.diskWarning > 0 && s.DiskFree > 0 && s.DiskFree < m.diskWarning {
		m.log.Warn().
			Str("free", datasize.ByteSize(s.DiskFree).HumanReadable()).
			Str("warning", datasize.ByteSize(m.diskWarning).HumanReadable()).
			Msg("low disk space in temp dir")
	}
	return true, ""
}
