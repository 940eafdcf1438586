package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/relay/plugin/grpc/protocol"
)

func submit(payload string, config map[string]interface{}) protocol.SubmitRequest {
	return protocol.SubmitRequest{
		Payload:     payload,
		NoteContext: protocol.NoteContext{NoteID: "nightly", ParagraphID: "count", JobID: "j1", BatchID: "b1"},
		Config:      config,
	}
}

func TestShellExecutor(t *testing.T) {
	exec := shellExecutor("/bin/sh")

	t.Run("success streams output", func(t *testing.T) {
		var streamed bytes.Buffer
		out, err := exec(context.Background(), submit(`echo "$RELAY_NOTE_ID/$RELAY_PARAGRAPH_ID"`, nil), &streamed)
		require.NoError(t, err)
		assert.Equal(t, "nightly/count\n", out)
		assert.Equal(t, out, streamed.String())
	})

	t.Run("non-zero exit is an error with output", func(t *testing.T) {
		out, err := exec(context.Background(), submit("echo partial; exit 3", nil), &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exit status 3")
		assert.Equal(t, "partial\n", out)
	})

	t.Run("canceled context stops the command", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)

		start := time.Now()
		_, err := exec(ctx, submit("sleep 5", nil), &bytes.Buffer{})
		assert.Error(t, err)
		assert.Less(t, time.Since(start), 4*time.Second)
	})

	t.Run("timeout from config", func(t *testing.T) {
		start := time.Now()
		_, err := exec(context.Background(), submit("sleep 5", map[string]interface{}{"timeout": "100ms"}), &bytes.Buffer{})
		assert.Error(t, err)
		assert.Less(t, time.Since(start), 4*time.Second)
	})
}

func TestConfigDuration(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]interface{}
		want   time.Duration
		ok     bool
	}{
		{"missing", nil, 0, false},
		{"string", map[string]interface{}{"timeout": "30s"}, 30 * time.Second, true},
		{"json number seconds", map[string]interface{}{"timeout": float64(2)}, 2 * time.Second, true},
		{"toml integer seconds", map[string]interface{}{"timeout": int64(5)}, 5 * time.Second, true},
		{"garbage", map[string]interface{}{"timeout": "soon"}, 0, false},
		{"zero", map[string]interface{}{"timeout": "0s"}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := configDuration(tt.config, "timeout")
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
