package am

import "github.com/teranos/relay/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}
	if c.RPC.Port < 0 {
		return errors.Newf("rpc.port must be >= 0, got %d", c.RPC.Port)
	}
	if c.RPC.CallTimeout < 0 {
		return errors.Newf("rpc.call_timeout must be >= 0, got %s", c.RPC.CallTimeout)
	}

	// Tick intervals: 0 disables the task, negative is invalid
	intervals := map[string]int64{
		"pulse.dispatch_interval":  int64(c.Pulse.DispatchInterval),
		"pulse.abort_interval":     int64(c.Pulse.AbortInterval),
		"pulse.reconcile_interval": int64(c.Pulse.ReconcileInterval),
		"pulse.cron_interval":      int64(c.Pulse.CronInterval),
	}
	for key, d := range intervals {
		if d < 0 {
			return errors.Newf("%s must be >= 0, got %d", key, d)
		}
	}

	if c.Pulse.DispatchMaxAttempts < 0 {
		return errors.Newf("pulse.dispatch_max_attempts must be >= 0, got %d", c.Pulse.DispatchMaxAttempts)
	}
	if c.Pulse.DispatchBackoffMax > 0 && c.Pulse.DispatchBackoffInitial > c.Pulse.DispatchBackoffMax {
		return errors.Newf("pulse.dispatch_backoff_initial (%s) exceeds pulse.dispatch_backoff_max (%s)",
			c.Pulse.DispatchBackoffInitial, c.Pulse.DispatchBackoffMax)
	}
	if c.Pulse.LaunchBurst < 0 {
		return errors.Newf("pulse.launch_burst must be >= 0, got %d", c.Pulse.LaunchBurst)
	}
	if c.Pulse.AbortTimeout < 0 {
		return errors.Newf("pulse.abort_timeout must be >= 0, got %s", c.Pulse.AbortTimeout)
	}
	if c.Pulse.HealthCheckParallel < 0 {
		return errors.Newf("pulse.health_check_parallel must be >= 0, got %d", c.Pulse.HealthCheckParallel)
	}

	return nil
}
