// Package hostinfo captures the run environment recorded in run metadata
// and report headers.
package hostinfo

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

const collectTimeout = 3 * time.Second

////////////////////////////////////////////////////////////////////////////////

type Info struct {
	Hostname      string `json:"hostname,omitempty"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	Platform      string `json:"platform,omitempty"`
	KernelVersion string `json:"kernelVersion,omitempty"`
	CPUModel      string `json:"cpuModel,omitempty"`
	LogicalCores  int    `json:"logicalCores"`
	MemoryTotal   uint64 `json:"memoryTotal,omitempty"`
}

// Collect gathers best-effort host facts. Probes that fail degrade to the
// runtime package's view and are never fatal: benchmark runs must not
// depend on procfs quirks.
func Collect(ctx context.Context, logger *zap.Logger) *Info {
	info := &Info{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		LogicalCores: runtime.NumCPU(),
	}

	ctx, cancel := context.WithTimeout(ctx, collectTimeout)
	defer cancel()

	if hi, err := host.InfoWithContext(ctx); err != nil {
		logger.Debug("Failed to read host info", zap.Error(err))
	} else {
		info.Hostname = hi.Hostname
		info.Platform = strings.TrimSpace(hi.Platform + " " + hi.PlatformVersion)
		info.KernelVersion = hi.KernelVersion
	}

	if cpus, err := cpu.InfoWithContext(ctx); err != nil || len(cpus) == 0 {
		logger.Debug("Failed to read cpu info", zap.Error(err))
	} else {
		info.CPUModel = strings.TrimSpace(cpus[0].ModelName)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		logger.Debug("Failed to read memory info", zap.Error(err))
	} else {
		info.MemoryTotal = vm.Total
	}

	return info
}

// String renders a one-line report header.
func (i *Info) String() string {
	parts := []string{
		fmt.Sprintf("%s/%s", i.OS, i.Arch),
		fmt.Sprintf("%d cores", i.LogicalCores),
	}
	if i.CPUModel != "" {
		parts = append(parts, i.CPUModel)
	}
	if i.MemoryTotal > 0 {
		parts = append(parts, humanize.IBytes(i.MemoryTotal))
	}
	return strings.Join(parts, ", ")
}
