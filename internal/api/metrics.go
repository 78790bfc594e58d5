package api

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats сводка процесса для /health
type ProcessStats struct {
	Uptime     string  `json:"uptime"`
	UptimeSec  int64   `json:"uptime_sec"`
	CPUPercent float64 `json:"cpu_percent"`
	AllocMB    float64 `json:"alloc_mb"`
	HeapMB     float64 `json:"heap_mb"`
	SysMB      float64 `json:"sys_mb"`
	NumGC      uint32  `json:"num_gc"`
	Goroutines int     `json:"goroutines"`
}

// processProbe снимает ProcessStats; proc nil, если gopsutil не видит процесс
type processProbe struct {
	started time.Time
	proc    *process.Process
}

func newProcessProbe() *processProbe {
	p := &processProbe{started: time.Now()}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		p.proc = proc
	}
	return p
}

func (p *processProbe) snapshot() ProcessStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(p.started)
	return ProcessStats{
		Uptime:     uptime.Truncate(time.Second).String(),
		UptimeSec:  int64(uptime.Seconds()),
		CPUPercent: p.cpuPercent(),
		AllocMB:    toMB(m.Alloc),
		HeapMB:     toMB(m.HeapAlloc),
		SysMB:      toMB(m.Sys),
		NumGC:      m.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}
}

// cpuPercent загрузка процессом; при ошибке общая загрузка системы без ожидания
func (p *processProbe) cpuPercent() float64 {
	if p.proc != nil {
		if v, err := p.proc.CPUPercent(); err == nil {
			return v
		}
	}
	if v, err := cpu.Percent(0, false); err == nil && len(v) > 0 {
		return v[0]
	}
	return 0
}

func toMB(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
