package dispatch

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/relay/plugin"
	"github.com/teranos/relay/pulse/async"
)

// Status is a snapshot of the loop for the health endpoint and the CLI
type Status struct {
	Running       bool                    `json:"running"`
	StartedAt     *time.Time              `json:"started_at,omitempty"`
	Jobs          map[async.JobStatus]int `json:"jobs"`
	Workers       []plugin.Handle         `json:"workers"`
	FencedWorkers int                     `json:"fenced_workers"`
	MemoryUsedGB  float64                 `json:"memory_used_gb"`
	MemoryTotalGB float64                 `json:"memory_total_gb"`
	MemoryPercent float64                 `json:"memory_percent"`
}

// Status reports job counts, known workers and host memory
func (e *Engine) Status(ctx context.Context) (Status, error) {
	counts, err := e.jobs.CountJobsByStatus(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Jobs:          counts,
		Workers:       e.registry.List(),
		FencedWorkers: e.fenced.ItemCount(),
	}

	e.mu.Lock()
	if e.scheduler != nil {
		st.Running = true
		started := e.startedAt
		st.StartedAt = &started
	}
	e.mu.Unlock()

	// Memory is informational; a failure leaves it zero
	if v, err := mem.VirtualMemoryWithContext(ctx); err == nil && v.Total > 0 {
		st.MemoryTotalGB = float64(v.Total) / 1024 / 1024 / 1024
		st.MemoryUsedGB = float64(v.Total-v.Available) / 1024 / 1024 / 1024
		st.MemoryPercent = st.MemoryUsedGB / st.MemoryTotalGB * 100
	}
	return st, nil
}
