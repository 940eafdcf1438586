package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/plugin"
	"github.com/teranos/relay/pulse/async"
)

func TestStartWorker_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name    string
		config  *plugin.WorkerConfig
		code    async.ErrorCode
		message string
	}{
		{
			name:    "not configured",
			code:    async.ErrorCodeWorkerNotFound,
			message: "no worker configured",
		},
		{
			name: "no source",
			config: func() *plugin.WorkerConfig {
				c := installedConfig("py.default")
				c.Source = ""
				return &c
			}(),
			code:    async.ErrorCodeWorkerNotFound,
			message: "no artifact source",
		},
		{
			name: "not installed",
			config: func() *plugin.WorkerConfig {
				c := installedConfig("py.default")
				c.InstallStatus = plugin.InstallFailed
				return &c
			}(),
			code:    async.ErrorCodeWorkerNotFound,
			message: "status failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.config != nil {
				h.configs["py.default"] = *tt.config
			}

			_, jobs := h.submit(t, "note-1", "py.default")
			require.NoError(t, h.engine.DispatchPending(context.Background()))

			job := h.job(t, jobs[0].ID)
			assert.Equal(t, async.JobStatusError, job.Status)
			assert.Equal(t, tt.code, job.ErrorCode)
			assert.Contains(t, job.ErrorMessage, tt.message)
			assert.Empty(t, h.launcher.launched(), "no process launched")

			_, ok := h.registry.Get(plugin.KindInterpreter, "py.default")
			assert.False(t, ok)
		})
	}
}

func TestStartWorker_Disabled(t *testing.T) {
	t.Run("falls through to launch", func(t *testing.T) {
		h := newHarness(t)
		cfg := installedConfig("py.default")
		cfg.Enabled = false
		h.configs["py.default"] = cfg

		_, jobs := h.submit(t, "note-1", "py.default")
		require.NoError(t, h.engine.DispatchPending(context.Background()))

		job := h.job(t, jobs[0].ID)
		assert.Equal(t, async.JobStatusError, job.Status)
		assert.Equal(t, async.ErrorCodeWorkerDisabled, job.ErrorCode)
		assert.Len(t, h.launcher.launched(), 1, "later checks still run and the worker is launched")
	})

	t.Run("short circuit", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.DisabledWorkerShortCircuit = true })
		cfg := installedConfig("py.default")
		cfg.Enabled = false
		h.configs["py.default"] = cfg

		_, jobs := h.submit(t, "note-1", "py.default")
		require.NoError(t, h.engine.DispatchPending(context.Background()))

		job := h.job(t, jobs[0].ID)
		assert.Equal(t, async.JobStatusError, job.Status)
		assert.Equal(t, async.ErrorCodeWorkerDisabled, job.ErrorCode)
		assert.Empty(t, h.launcher.launched())
	})
}

func TestStartWorker_Launches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.configs["py.default"] = installedConfig("py.default")

	_, jobs := h.submit(t, "note-1", "py.default")
	require.NoError(t, h.engine.DispatchPending(ctx))

	launched := h.launcher.launched()
	require.Len(t, launched, 1)
	spec := launched[0]
	assert.Equal(t, "py.default", spec.Selector)
	assert.Equal(t, plugin.KindInterpreter, spec.Kind)
	assert.Equal(t, "/opt/relay/py.default/1.0.0", spec.ArtifactPath)
	assert.Equal(t, "org.relay.Interpreter", spec.StartupClass)
	assert.Equal(t, "127.0.0.1:7711", spec.CallbackAddress)
	assert.Equal(t, "-Xmx256m", spec.JVMOptions)
	assert.Equal(t, 4, spec.ConcurrencyLimit)
	assert.Equal(t, plugin.RuntimeJava, spec.Runtime)

	handle, ok := h.registry.Get(plugin.KindInterpreter, "py.default")
	require.True(t, ok)
	assert.Equal(t, plugin.StatusStarting, handle.Status)
	assert.Equal(t, async.JobStatusPending, h.job(t, jobs[0].ID).Status)

	// A starting worker is neither relaunched nor submitted to
	require.NoError(t, h.engine.DispatchPending(ctx))
	assert.Len(t, h.launcher.launched(), 1)
	assert.Equal(t, async.JobStatusPending, h.job(t, jobs[0].ID).Status)
}

func TestStartWorker_LaunchFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.configs["py.default"] = installedConfig("py.default")
	h.launcher.err = errors.New("exec: \"java\": executable file not found in $PATH")

	_, jobs := h.submit(t, "note-1", "py.default")
	err := h.engine.DispatchPending(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executable file not found")

	_, ok := h.registry.Get(plugin.KindInterpreter, "py.default")
	assert.False(t, ok, "placeholder is forgotten")
	assert.Equal(t, async.JobStatusPending, h.job(t, jobs[0].ID).Status)

	// The next tick tries again
	_ = h.engine.DispatchPending(ctx)
	assert.Len(t, h.launcher.launched(), 2)
}

func TestStartWorker_Throttled(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.LaunchInterval = time.Minute
		c.LaunchBurst = 1
	})
	ctx := context.Background()
	h.configs["py.default"] = installedConfig("py.default")

	h.submit(t, "note-1", "py.default")
	require.NoError(t, h.engine.DispatchPending(ctx))
	require.Len(t, h.launcher.launched(), 1)

	// The process died before registering
	h.registry.Remove(plugin.KindInterpreter, "py.default")
	require.NoError(t, h.engine.DispatchPending(ctx))
	assert.Len(t, h.launcher.launched(), 1, "relaunch waits for the limiter")

	h.advance(time.Minute)
	require.NoError(t, h.engine.DispatchPending(ctx))
	assert.Len(t, h.launcher.launched(), 2)
}
