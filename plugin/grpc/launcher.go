package grpc

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/plugin"
)

// LaunchSpec describes one worker process to start
type LaunchSpec struct {
	Selector         string
	Kind             plugin.Kind
	ArtifactPath     string
	StartupClass     string
	CallbackAddress  string
	JVMOptions       string
	ConcurrencyLimit int
	Runtime          plugin.Runtime
}

// Launcher starts worker processes and forgets them in the registry when
// they exit. It never retries.
type Launcher struct {
	ctx      context.Context
	registry *plugin.Registry
	java     string
	logger   *zap.SugaredLogger
	wg       sync.WaitGroup
}

// NewLauncher creates a launcher. Processes it starts are interrupted when
// ctx is done.
func NewLauncher(ctx context.Context, registry *plugin.Registry, java string, log *zap.SugaredLogger) *Launcher {
	if java == "" {
		java = "java"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Launcher{
		ctx:      ctx,
		registry: registry,
		java:     java,
		logger:   logger.AddWorkerSymbol(log.Named("launcher")),
	}
}

// BuildCommand returns the argv that starts the worker described by spec
func BuildCommand(java string, spec LaunchSpec) ([]string, error) {
	if spec.ArtifactPath == "" {
		return nil, errors.NewInvalidRequestError("worker %s has no artifact path", spec.Selector)
	}
	tail := []string{
		"--callback", spec.CallbackAddress,
		"--selector", spec.Selector,
		"--concurrency", strconv.Itoa(spec.ConcurrencyLimit),
	}

	switch spec.Runtime {
	case plugin.RuntimeJava:
		if spec.StartupClass == "" {
			return nil, errors.NewInvalidRequestError("worker %s has no startup class", spec.Selector)
		}
		opts, err := shellquote.Split(spec.JVMOptions)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "bad jvm options for %s: %v", spec.Selector, err)
		}
		argv := append([]string{java}, opts...)
		argv = append(argv, "-cp", filepath.Join(spec.ArtifactPath, "*"), spec.StartupClass)
		return append(argv, tail...), nil
	case plugin.RuntimeExec, "":
		return append([]string{spec.ArtifactPath}, tail...), nil
	default:
		return nil, errors.NewInvalidRequestError("unknown runtime %q for %s", spec.Runtime, spec.Selector)
	}
}

// Launch records a STARTING placeholder and spawns the process. A spawn
// error removes the placeholder and is returned. The handle is removed
// again when the process exits, whatever its exit status.
func (l *Launcher) Launch(ctx context.Context, spec LaunchSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if spec.Kind == "" {
		spec.Kind = plugin.KindInterpreter
	}

	l.registry.StartingPlaceholder(spec.Kind, spec.Selector)

	argv, err := BuildCommand(l.java, spec)
	if err != nil {
		l.registry.Remove(spec.Kind, spec.Selector)
		return err
	}

	cmd := exec.CommandContext(l.ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 5 * time.Second

	log := l.logger.With(logger.FieldSelector, spec.Selector)
	cmd.Stdout = &lineLogger{logger: log, level: "info"}
	cmd.Stderr = &lineLogger{logger: log, level: "warn"}

	if err := cmd.Start(); err != nil {
		l.registry.Remove(spec.Kind, spec.Selector)
		return errors.Wrapf(err, "failed to start worker %s (argv=%v)", spec.Selector, argv)
	}

	pid := cmd.Process.Pid
	l.registry.AttachProcess(spec.Kind, spec.Selector, pid)
	log.Infow("Worker process launched", logger.FieldPID, pid, "argv", strings.Join(argv, " "))

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		err := cmd.Wait()
		if err != nil {
			log.Warnw("Worker process exited", logger.FieldPID, pid, logger.FieldError, err)
		} else {
			log.Infow("Worker process exited", logger.FieldPID, pid)
		}
		l.registry.RemoveProcess(spec.Kind, spec.Selector, pid)
	}()
	return nil
}

// Wait blocks until every launched process has exited
func (l *Launcher) Wait() {
	l.wg.Wait()
}

// lineLogger logs child process output one line at a time
type lineLogger struct {
	logger *zap.SugaredLogger
	level  string
	buf    strings.Builder
}

func (l *lineLogger) Write(p []byte) (n int, err error) {
	l.buf.Write(p)
	for {
		line, rest, found := strings.Cut(l.buf.String(), "\n")
		if !found {
			break
		}
		l.buf.Reset()
		l.buf.WriteString(rest)

		if line = strings.TrimSpace(line); line != "" {
			if l.level == "warn" {
				l.logger.Warnw("Worker output", "stream", "stderr", "message", line)
			} else {
				l.logger.Infow("Worker output", "stream", "stdout", "message", line)
			}
		}
	}
	return len(p), nil
}
