package grpc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/plugin"
)

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name    string
		spec    LaunchSpec
		want    []string
		wantErr bool
	}{
		{
			name: "exec runtime",
			spec: LaunchSpec{Selector: "sh.default", ArtifactPath: "/opt/sh/relay-sh", CallbackAddress: "127.0.0.1:7711", ConcurrencyLimit: 4, Runtime: plugin.RuntimeExec},
			want: []string{"/opt/sh/relay-sh", "--callback", "127.0.0.1:7711", "--selector", "sh.default", "--concurrency", "4"},
		},
		{
			name: "java runtime with quoted options",
			spec: LaunchSpec{
				Selector: "py.default", ArtifactPath: "/opt/py/1.0.0", StartupClass: "org.relay.Main",
				CallbackAddress: "127.0.0.1:7711", JVMOptions: `-Xmx512m -Dname="a b"`, ConcurrencyLimit: 2,
				Runtime: plugin.RuntimeJava,
			},
			want: []string{"java", "-Xmx512m", "-Dname=a b", "-cp", "/opt/py/1.0.0/*", "org.relay.Main",
				"--callback", "127.0.0.1:7711", "--selector", "py.default", "--concurrency", "2"},
		},
		{
			name:    "java without startup class",
			spec:    LaunchSpec{Selector: "py.default", ArtifactPath: "/opt/py", Runtime: plugin.RuntimeJava},
			wantErr: true,
		},
		{
			name:    "unbalanced quotes",
			spec:    LaunchSpec{Selector: "py.default", ArtifactPath: "/opt/py", StartupClass: "M", JVMOptions: `-D"x`, Runtime: plugin.RuntimeJava},
			wantErr: true,
		},
		{
			name:    "no artifact",
			spec:    LaunchSpec{Selector: "py.default", Runtime: plugin.RuntimeExec},
			wantErr: true,
		},
		{
			name:    "unknown runtime",
			spec:    LaunchSpec{Selector: "py.default", ArtifactPath: "/opt/py", Runtime: "wasm"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildCommand("java", tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalidRequestError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func TestLauncher_SpawnFailureRemovesPlaceholder(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	reg := plugin.NewRegistry(log)
	l := NewLauncher(context.Background(), reg, "java", log)

	err := l.Launch(context.Background(), LaunchSpec{
		Selector:        "py.default",
		ArtifactPath:    filepath.Join(t.TempDir(), "missing"),
		CallbackAddress: "127.0.0.1:1",
		Runtime:         plugin.RuntimeExec,
	})
	require.Error(t, err)

	_, ok := reg.Get(plugin.KindInterpreter, "py.default")
	assert.False(t, ok, "placeholder is removed when the process cannot start")
}

func TestLauncher_ExitRemovesHandle(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	reg := plugin.NewRegistry(log)
	l := NewLauncher(context.Background(), reg, "java", log)

	script := writeScript(t, `echo "started $@"; sleep 0.2; echo "bye" >&2; exit 3`)
	require.NoError(t, l.Launch(context.Background(), LaunchSpec{
		Selector:         "sh.default",
		ArtifactPath:     script,
		CallbackAddress:  "127.0.0.1:1",
		ConcurrencyLimit: 1,
		Runtime:          plugin.RuntimeExec,
	}))

	h, ok := reg.Get(plugin.KindInterpreter, "sh.default")
	require.True(t, ok)
	assert.Equal(t, plugin.StatusStarting, h.Status)
	assert.Greater(t, h.PID, 0)

	l.Wait()
	_, ok = reg.Get(plugin.KindInterpreter, "sh.default")
	assert.False(t, ok, "a crashed worker is forgotten")
}

func TestLauncher_ContextCancelStopsProcess(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	reg := plugin.NewRegistry(log)
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLauncher(ctx, reg, "java", log)

	script := writeScript(t, `exec sleep 30`)
	require.NoError(t, l.Launch(context.Background(), LaunchSpec{
		Selector:        "sh.default",
		ArtifactPath:    script,
		CallbackAddress: "127.0.0.1:1",
		Runtime:         plugin.RuntimeExec,
	}))

	cancel()
	done := make(chan struct{})
	go func() {
		l.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker process still running after cancel")
	}
}

func TestLineLogger(t *testing.T) {
	ll := &lineLogger{logger: zaptest.NewLogger(t).Sugar(), level: "info"}

	n, err := ll.Write([]byte("first\nsec"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, "sec", ll.buf.String())

	_, _ = ll.Write([]byte("ond\n"))
	assert.Empty(t, ll.buf.String())
}
