package logger

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func stripANSI(str string) string {
	return regexp.MustCompile(`\x1b\[[0-9;]*m`).ReplaceAllString(str, "")
}

func TestInitialize(t *testing.T) {
	for _, jsonOutput := range []bool{true, false} {
		Logger = nil
		require.NoError(t, Initialize(jsonOutput, VerbosityInfo))
		assert.NotNil(t, Logger)
		assert.Equal(t, jsonOutput, JSONOutput)
		Logger = zap.NewNop().Sugar()
	}
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
	assert.True(t, ShouldLogTrace(3))
	assert.False(t, ShouldLogTrace(2))
	assert.Equal(t, "Trace (-vvv)", LevelName(5))
}

// The console core must never silently drop fields, including the ones
// attached through With.
func TestMinimalCoreKeepsAllFields(t *testing.T) {
	var out bytes.Buffer
	core := newMinimalCore(zapcore.AddSync(&out), zapcore.DebugLevel)
	log := zap.New(core).Named("pulse.dispatch").Sugar()

	log = AddPulseSymbol(log).With(FieldSelector, "py.default")
	log.Warnw("Worker launch failed",
		FieldJobID, "job-1",
		FieldAttempts, 3,
		"throttled", true,
		"delay", 2*time.Second,
		FieldError, errors.New("exec: not found"),
	)

	line := stripANSI(out.String())
	t.Log(line)

	assert.Contains(t, line, "WARN")
	assert.Contains(t, line, "p.dispatch")
	assert.Contains(t, line, SymbolPulse+" Worker launch failed")
	assert.Contains(t, line, "selector=py.default")
	assert.Contains(t, line, "job_id=job-1")
	assert.Contains(t, line, "attempts=3")
	assert.Contains(t, line, "throttled=true")
	assert.Contains(t, line, "delay=2s")
	assert.Contains(t, line, "error=exec: not found")
	assert.NotContains(t, line, "symbol=")
}

func TestMinimalCoreLevelFilter(t *testing.T) {
	var out bytes.Buffer
	log := zap.New(newMinimalCore(zapcore.AddSync(&out), zapcore.WarnLevel)).Sugar()

	log.Infow("hidden")
	log.Errorw("shown")

	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), "shown")
}

func TestFieldsFromContext(t *testing.T) {
	ctx := WithJobID(context.Background(), "job-1")
	ctx = WithBatchID(ctx, "batch-1")

	fields := FieldsFromContext(ctx)
	assert.Equal(t, []interface{}{FieldJobID, "job-1", FieldBatchID, "batch-1"}, fields)
	assert.Empty(t, FieldsFromContext(context.Background()))
}

func TestAbbreviateName(t *testing.T) {
	assert.Equal(t, "p.dispatch", abbreviateName("pulse.dispatch"))
	assert.Equal(t, "server", abbreviateName("server"))
}
