package httpctrl

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

var startedAt = time.Now()

type systemDTO struct {
	GoVersion  string  `json:"go_version"`
	Uptime     float64 `json:"uptime_seconds"`
	Goroutines int     `json:"goroutines"`
	CPU        struct {
		System  float64 `json:"system_percent"`
		Process float64 `json:"process_percent"`
	} `json:"cpu"`
	Memory struct {
		SystemTotal uint64 `json:"system_total"`
		SystemUsed  uint64 `json:"system_used"`
		SystemFree  uint64 `json:"system_free"`
		ProcessRSS  uint64 `json:"process_rss"`
	} `json:"memory"`
	Disk struct {
		Total uint64 `json:"total"`
		Used  uint64 `json:"used"`
		Free  uint64 `json:"free"`
	} `json:"disk"`
}

// systemStats collects host and process health. Probes that fail leave their
// fields at zero.
func systemStats() systemDTO {
	var dto systemDTO
	dto.GoVersion = runtime.Version()
	dto.Uptime = time.Since(startedAt).Seconds()
	dto.Goroutines = runtime.NumGoroutine()

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		dto.CPU.System = pcts[0]
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		dto.Memory.SystemTotal = vmem.Total
		dto.Memory.SystemUsed = vmem.Used
		dto.Memory.SystemFree = vmem.Available
	}
	if du, err := disk.Usage("/"); err == nil {
		dto.Disk.Total = du.Total
		dto.Disk.Used = du.Used
		dto.Disk.Free = du.Free
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			dto.Memory.ProcessRSS = mi.RSS
		}
		if pct, err := p.CPUPercent(); err == nil {
			dto.CPU.Process = pct
		}
	}
	return dto
}

func (s *Server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, systemStats())
}
