package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/plugin"
	relaygrpc "github.com/teranos/relay/plugin/grpc"
	"github.com/teranos/relay/pulse/async"
)

// Reasons a worker is dropped by reconciliation
const (
	dropUnhealthy = "health-check-failed"
	dropTerminate = "terminate-requested"
	dropUnknown   = "configuration-missing"
	dropDisabled  = "configuration-disabled"
)

// ReconcileWorkers health-checks every READY interpreter, force-stops the
// ones that are unhealthy, asked to terminate or lost their configuration,
// and resets jobs of instances that are not confirmed alive. Workers that
// registered while the sweep ran count as alive.
func (e *Engine) ReconcileWorkers(ctx context.Context) error {
	var (
		mu      sync.Mutex
		dropped = make(map[string]bool)
		g       errgroup.Group
	)
	g.SetLimit(e.cfg.HealthCheckParallel)

	for _, sel := range e.registry.ListSelectors(plugin.KindInterpreter) {
		h, ok := e.registry.Get(plugin.KindInterpreter, sel)
		if !ok || !h.IsReady() {
			continue
		}
		g.Go(func() error {
			if reason := e.checkWorker(ctx, h); reason != "" {
				e.dropWorker(ctx, h, reason)
				mu.Lock()
				dropped[h.InstanceID] = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		// Health checks were cut short; their verdicts mean nothing
		return ctx.Err()
	}

	alive := []string{async.SentinelInstanceID}
	for _, h := range e.registry.List() {
		if h.Kind != plugin.KindInterpreter || !h.IsReady() || dropped[h.InstanceID] || e.isFenced(h.InstanceID) {
			continue
		}
		alive = append(alive, h.InstanceID)
	}
	if _, err := e.ResetDeadWorkerJobs(ctx, alive); err != nil {
		return err
	}

	if counts, err := e.jobs.CountJobsByStatus(ctx); err == nil {
		e.metrics.jobCounts(counts)
	}
	return nil
}

// checkWorker returns why h must be dropped, or "" when it is alive
func (e *Engine) checkWorker(ctx context.Context, h plugin.Handle) string {
	cfg, found := e.workers.Lookup(h.Selector)
	if !found {
		return dropUnknown
	}
	if !cfg.Enabled {
		return dropDisabled
	}

	health, ok := e.clients(h).HealthCheck(ctx)
	switch {
	case !ok:
		return dropUnhealthy
	case health == relaygrpc.HealthTerminate:
		return dropTerminate
	default:
		return ""
	}
}

// dropWorker force-stops h, forgets it and fences its instance so late
// results from it are rejected
func (e *Engine) dropWorker(ctx context.Context, h plugin.Handle, reason string) {
	e.logger.Warnw("Dropping worker",
		logger.FieldSelector, h.Selector,
		logger.FieldInstanceID, h.InstanceID,
		logger.FieldPID, h.PID,
		"reason", reason)

	e.fence(h.InstanceID)
	e.clients(h).ForceStop(ctx)
	e.registry.Remove(h.Kind, h.Selector)
	e.metrics.dropWorker(reason)
}

// ResetDeadWorkerJobs is the dead-worker reconciliation handler: every
// RUNNING job whose instance is not in alive goes back to PENDING.
func (e *Engine) ResetDeadWorkerJobs(ctx context.Context, alive []string) (int, error) {
	n, err := e.jobs.ResetOrphanedJobs(ctx, alive)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.metrics.resetJobs(n)
		e.logger.Pulse("Reset jobs of dead workers", logger.FieldCount, n)
	}
	return n, nil
}
