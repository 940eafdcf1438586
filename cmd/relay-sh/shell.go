package main

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"time"

	"github.com/teranos/relay/errors"
	relaygrpc "github.com/teranos/relay/plugin/grpc"
	"github.com/teranos/relay/plugin/grpc/protocol"
)

// shellExecutor runs the payload of each job with shell -c. The "timeout"
// config entry bounds a job, e.g. "30s".
func shellExecutor(shell string) relaygrpc.ExecuteFunc {
	return func(ctx context.Context, req protocol.SubmitRequest, out io.Writer) (string, error) {
		if timeout, ok := configDuration(req.Config, "timeout"); ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		var buf bytes.Buffer
		cmd := exec.CommandContext(ctx, shell, "-c", req.Payload)
		cmd.Stdout = io.MultiWriter(&buf, out)
		cmd.Stderr = io.MultiWriter(&buf, out)
		cmd.Env = append(cmd.Environ(),
			"RELAY_NOTE_ID="+req.NoteContext.NoteID,
			"RELAY_PARAGRAPH_ID="+req.NoteContext.ParagraphID,
		)
		cmd.WaitDelay = 2 * time.Second

		err := cmd.Run()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return buf.String(), errors.Newf("exit status %d", exitErr.ExitCode())
			}
			return buf.String(), errors.Wrapf(err, "failed to run %s", shell)
		}
		return buf.String(), nil
	}
}

func configDuration(config map[string]interface{}, key string) (time.Duration, bool) {
	raw, ok := config[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(v)
		return d, err == nil && d > 0
	case float64:
		return time.Duration(v * float64(time.Second)), v > 0
	case int64:
		return time.Duration(v) * time.Second, v > 0
	}
	return 0, false
}
