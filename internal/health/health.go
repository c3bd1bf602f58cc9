package health

import (
	"log"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is the payload served by /api/health.
type Snapshot struct {
	Status           string  `json:"status"`
	UptimeSeconds    int64   `json:"uptimeSeconds"`
	CPUPercent       float64 `json:"cpuPercent"`
	MemoryRSSBytes   uint64  `json:"memoryRssBytes"`
	Goroutines       int     `json:"goroutines"`
	ConnectedClients int     `json:"connectedClients"`
	LiveTopics       int     `json:"liveTopics"`
}

// Reporter samples process-level metrics for the gateway health endpoint.
type Reporter struct {
	proc      *process.Process
	startedAt time.Time
}

func NewReporter() *Reporter {
	r := &Reporter{startedAt: time.Now()}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// Metrics degrade to zeros; the endpoint stays up.
		log.Printf("health: process handle unavailable: %v", err)
	} else {
		r.proc = proc
	}
	return r
}

func (r *Reporter) Snapshot() Snapshot {
	snap := Snapshot{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(r.startedAt).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}
	if r.proc == nil {
		return snap
	}
	if cpu, err := r.proc.CPUPercent(); err == nil {
		snap.CPUPercent = cpu
	}
	if mem, err := r.proc.MemoryInfo(); err == nil && mem != nil {
		snap.MemoryRSSBytes = mem.RSS
	}
	return snap
}
