// Package sysmetrics samples the host resources a worker advertises to its
// manager: CPU utilisation and free memory.
package sysmetrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/procfs"
)

// Snapshot is one sample of host resources. Memory figures are bytes.
type Snapshot struct {
	CPUUsage   float64   `json:"cpu_usage"`
	TotalRAM   uint64    `json:"total_ram"`
	FreeRAM    uint64    `json:"free_ram"`
	VirtualRAM uint64    `json:"virtual_ram"`
	SampledAt  time.Time `json:"sampled_at"`
}

// CPUPercent is CPUUsage rounded down to a whole percentage.
func (s Snapshot) CPUPercent() uint8 {
	switch {
	case s.CPUUsage <= 0:
		return 0
	case s.CPUUsage >= 100:
		return 100
	default:
		return uint8(s.CPUUsage)
	}
}

// Sampler measures CPU usage over a fixed interval.
type Sampler struct {
	fs       procfs.FS
	interval time.Duration
}

// NewSampler reads CPU counters from the default /proc mount.
func NewSampler(interval time.Duration) (*Sampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("sysmetrics: open procfs: %w", err)
	}
	return &Sampler{fs: fs, interval: interval}, nil
}

// Collect takes two CPU samples interval apart and reads memory figures.
func (s *Sampler) Collect(ctx context.Context) (Snapshot, error) {
	cpu, err := s.CPUUsage(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	mem, err := readMemory()
	if err != nil {
		return Snapshot{}, fmt.Errorf("sysmetrics: memory: %w", err)
	}
	return Snapshot{
		CPUUsage:   cpu,
		TotalRAM:   mem.total,
		FreeRAM:    mem.free,
		VirtualRAM: mem.virtual,
		SampledAt:  time.Now(),
	}, nil
}

// CPUUsage returns the busy share of CPU time, in percent, over one interval.
func (s *Sampler) CPUUsage(ctx context.Context) (float64, error) {
	first, err := s.fs.Stat()
	if err != nil {
		return 0, fmt.Errorf("sysmetrics: read stat: %w", err)
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(s.interval):
	}
	second, err := s.fs.Stat()
	if err != nil {
		return 0, fmt.Errorf("sysmetrics: read stat: %w", err)
	}
	return Usage(first.CPUTotal, second.CPUTotal), nil
}

// Usage computes the busy percentage between two cumulative CPU samples.
// Iowait counts as idle.
func Usage(a, b procfs.CPUStat) float64 {
	total := cpuTotal(b) - cpuTotal(a)
	if total <= 0 {
		return 0
	}
	idle := (b.Idle + b.Iowait) - (a.Idle + a.Iowait)
	return 100 * (total - idle) / total
}

func cpuTotal(c procfs.CPUStat) float64 {
	return c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ
}

type memory struct {
	total, free, virtual uint64
}
