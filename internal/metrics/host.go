package metrics

import (
	"os"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"
)

// hostSampler reads process and data-dir figures via gopsutil. Every
// read is best effort: platforms without FD accounting or a missing
// data dir just leave the gauges untouched.
type hostSampler struct {
	proc    *process.Process
	dataDir string
}

type hostSample struct {
	hasProc    bool
	cpuPercent float64
	rssBytes   uint64
	openFDs    int32

	hasDisk     bool
	diskUsedPct float64
	diskFree    uint64
}

func newHostSampler(dataDir string) *hostSampler {
	h := &hostSampler{dataDir: dataDir}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		h.proc = p
	}
	return h
}

func (h *hostSampler) sample() hostSample {
	var s hostSample

	if h.proc != nil {
		if cpu, err := h.proc.CPUPercent(); err == nil {
			s.cpuPercent = cpu
			s.hasProc = true
		}
		if mem, err := h.proc.MemoryInfo(); err == nil {
			s.rssBytes = mem.RSS
			s.hasProc = true
		}
		if fds, err := h.proc.NumFDs(); err == nil {
			s.openFDs = fds
		}
	}

	if h.dataDir != "" {
		if usage, err := disk.Usage(h.dataDir); err == nil {
			s.diskUsedPct = usage.UsedPercent
			s.diskFree = usage.Free
			s.hasDisk = true
		}
	}
	return s
}
