package dispatch

import (
	"time"

	"github.com/teranos/relay/am"
)

// Config tunes the scheduling loop and its handlers
type Config struct {
	DispatchInterval  time.Duration
	AbortInterval     time.Duration
	ReconcileInterval time.Duration
	CronInterval      time.Duration

	// PendingLimit caps the PENDING jobs loaded per dispatch tick
	PendingLimit int

	DispatchMaxAttempts    int // 0 retries forever
	DispatchBackoffInitial time.Duration
	DispatchBackoffMax     time.Duration

	LaunchInterval time.Duration // 0 disables launch throttling
	LaunchBurst    int

	AbortTimeout        time.Duration // 0 waits forever for ABORTING jobs
	ResultLookupTimeout time.Duration
	FenceTTL            time.Duration
	HealthCheckParallel int
	PartialOutputLimit  int

	DisabledWorkerShortCircuit bool
	CronAdvanceOnSkip          bool
}

// DefaultConfig returns the intervals and limits relay ships with
func DefaultConfig() Config {
	return Config{
		DispatchInterval:       time.Second,
		AbortInterval:          time.Second,
		ReconcileInterval:      5 * time.Second,
		CronInterval:           10 * time.Second,
		PendingLimit:           100,
		DispatchMaxAttempts:    20,
		DispatchBackoffInitial: time.Second,
		DispatchBackoffMax:     time.Minute,
		LaunchInterval:         5 * time.Second,
		LaunchBurst:            2,
		AbortTimeout:           5 * time.Minute,
		ResultLookupTimeout:    2 * time.Minute,
		FenceTTL:               time.Hour,
		HealthCheckParallel:    8,
		PartialOutputLimit:     1 << 20,
	}
}

// ConfigFromAM maps the pulse section of the core configuration. Unset
// durations and limits keep their defaults.
func ConfigFromAM(p am.PulseConfig) Config {
	c := DefaultConfig()

	setDuration(&c.DispatchInterval, p.DispatchInterval)
	setDuration(&c.AbortInterval, p.AbortInterval)
	setDuration(&c.ReconcileInterval, p.ReconcileInterval)
	setDuration(&c.CronInterval, p.CronInterval)
	setDuration(&c.DispatchBackoffInitial, p.DispatchBackoffInitial)
	setDuration(&c.DispatchBackoffMax, p.DispatchBackoffMax)
	setDuration(&c.ResultLookupTimeout, p.ResultLookupTimeout)
	setDuration(&c.FenceTTL, p.FenceTTL)

	// Zero is meaningful for these
	c.DispatchMaxAttempts = p.DispatchMaxAttempts
	c.LaunchInterval = p.LaunchInterval
	c.AbortTimeout = p.AbortTimeout
	c.PartialOutputLimit = p.PartialOutputLimit

	if p.LaunchBurst > 0 {
		c.LaunchBurst = p.LaunchBurst
	}
	if p.HealthCheckParallel > 0 {
		c.HealthCheckParallel = p.HealthCheckParallel
	}

	c.DisabledWorkerShortCircuit = p.DisabledWorkerShortCircuit
	c.CronAdvanceOnSkip = p.CronAdvanceOnSkip
	return c
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
