package dispatch

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/plugin"
	relaygrpc "github.com/teranos/relay/plugin/grpc"
	"github.com/teranos/relay/pulse/async"
)

// startWorker is the worker-start handler. It checks the configuration of
// the job's selector in order and launches the worker when all checks
// pass; the job itself stays PENDING until the worker is READY.
func (e *Engine) startWorker(ctx context.Context, job *async.Job, cfg plugin.WorkerConfig, found bool) error {
	sel := job.Selector
	log := e.logger.With(logger.FieldJobID, job.ID, logger.FieldSelector, sel)

	if !found {
		log.Warnw("No configuration for worker")
		return e.jobs.SetErrorResult(ctx, job.ID, async.ErrorCodeWorkerNotFound,
			"no worker configured for selector "+sel, nil)
	}

	if !cfg.Enabled {
		log.Warnw("Worker is disabled")
		if err := e.jobs.SetErrorResult(ctx, job.ID, async.ErrorCodeWorkerDisabled,
			"worker "+sel+" is disabled", nil); err != nil {
			return err
		}
		if e.cfg.DisabledWorkerShortCircuit {
			return nil
		}
	}

	if cfg.Source == "" {
		log.Warnw("Worker has no artifact source")
		return e.jobs.SetErrorResult(ctx, job.ID, async.ErrorCodeWorkerNotFound,
			"worker "+sel+" has no artifact source", nil)
	}

	if !cfg.IsInstalled() {
		log.Warnw("Worker artifact is not installed", logger.FieldStatus, cfg.InstallStatus)
		return e.jobs.SetErrorResult(ctx, job.ID, async.ErrorCodeWorkerNotFound,
			"worker "+sel+" is not installed (status "+string(cfg.InstallStatus)+")", nil)
	}

	if !e.allowLaunch(sel) {
		log.Debugw("Worker launch throttled")
		e.metrics.launch(sel, "throttled")
		return nil
	}

	spec := relaygrpc.LaunchSpec{
		Selector:         sel,
		Kind:             plugin.KindInterpreter,
		ArtifactPath:     cfg.ArtifactPath(),
		StartupClass:     cfg.StartupClass,
		CallbackAddress:  e.callback(),
		JVMOptions:       cfg.JVMOptions,
		ConcurrencyLimit: cfg.Concurrency,
		Runtime:          cfg.Runtime,
	}
	if err := e.launcher.Launch(ctx, spec); err != nil {
		// Forget the placeholder so the next tick starts over
		if h, ok := e.registry.Get(plugin.KindInterpreter, sel); ok && !h.IsReady() {
			e.registry.Remove(plugin.KindInterpreter, sel)
		}
		e.metrics.launch(sel, "failed")
		log.Warnw("Worker launch failed", logger.FieldError, err)
		return err
	}

	e.metrics.launch(sel, "started")
	log.Infow("Worker launching", logger.FieldAddress, spec.CallbackAddress)
	return nil
}

// allowLaunch throttles launches per selector
func (e *Engine) allowLaunch(selector string) bool {
	if e.cfg.LaunchInterval <= 0 {
		return true
	}

	e.limMu.Lock()
	l, ok := e.limiters[selector]
	if !ok {
		burst := e.cfg.LaunchBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Every(e.cfg.LaunchInterval), burst)
		e.limiters[selector] = l
	}
	e.limMu.Unlock()

	return l.AllowN(e.now(), 1)
}
