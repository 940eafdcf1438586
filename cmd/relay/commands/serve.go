package commands

import (
	"context"
	"os"
	"syscall"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/relay/am"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/notes"
	"github.com/teranos/relay/plugin"
	relaygrpc "github.com/teranos/relay/plugin/grpc"
	"github.com/teranos/relay/pulse/async"
	"github.com/teranos/relay/pulse/dispatch"
	"github.com/teranos/relay/pulse/schedule"
	"github.com/teranos/relay/server"
)

// ServeCmd runs the engine in the foreground
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduling loop, callback server and HTTP surface",
	Long: `Run relay in the foreground until interrupted.

Serve starts:
- the callback server workers register with and report results to
- the scheduling loop (dispatch, aborts, worker reconciliation, cron)
- the HTTP surface: /healthz, /metrics, /ws and the /api endpoints

Jobs left RUNNING by a previous run are returned to PENDING on startup.`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().Int("port", 0, "HTTP port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = &port
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	workers, err := openWorkerConfigs(cfg)
	if err != nil {
		return err
	}
	if cfg.Workers.Watch {
		if err := workers.Watch(); err != nil {
			logger.Warnw("Worker configuration hot reload disabled", logger.FieldError, err)
		}
	}
	defer workers.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := dispatch.NewMetrics(reg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs := async.NewStore(database)
	registry := plugin.NewRegistry(logger.ComponentLogger("registry"))
	launcher := relaygrpc.NewLauncher(ctx, registry, cfg.Workers.Java, logger.ComponentLogger("workers"))
	clientCfg := relaygrpc.ClientConfig{
		CallTimeout:   cfg.RPC.CallTimeout,
		HealthTimeout: cfg.RPC.HealthTimeout,
	}
	clientLog := logger.AddWorkerSymbol(logger.ComponentLogger("rpc"))

	var callback *relaygrpc.CallbackServer
	engine, err := dispatch.New(dispatch.ConfigFromAM(cfg.Pulse), dispatch.Deps{
		Jobs:      jobs,
		Schedules: schedule.NewStore(database),
		Registry:  registry,
		Workers:   workers,
		Notes:     notes.NewStore(cfg.Notes.Dir),
		Launcher:  launcher,
		Clients: func(h plugin.Handle) dispatch.WorkerClient {
			return relaygrpc.NewClient(h, clientCfg, clientLog)
		},
		CallbackAddress: func() string { return callback.Address() },
		Metrics:         metrics,
		Logger:          logger.ComponentLogger("pulse"),
	})
	if err != nil {
		return err
	}

	callback = relaygrpc.NewCallbackServer(registry, engine, relaygrpc.ServerConfig{
		Host:             cfg.RPC.Host,
		Port:             cfg.RPC.Port,
		SelfHealInterval: cfg.RPC.SelfHealInterval,
		HealthTimeout:    cfg.RPC.HealthTimeout,
	}, logger.ComponentLogger("rpc"))
	if err := callback.Start(); err != nil {
		return err
	}

	httpServer, err := server.New(cfg.Server, server.Deps{
		Pulse:    engine,
		Batches:  jobs,
		Events:   jobs,
		Gatherer: reg,
		Logger:   logger.Logger,
	})
	if err != nil {
		callback.Stop()
		return err
	}

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	{
		// Callback server self-heal
		healCtx, stop := context.WithCancel(ctx)
		g.Add(func() error {
			return callback.Run(healCtx)
		}, func(error) {
			stop()
			callback.Stop()
		})
	}
	{
		// Scheduling loop
		loopCtx, stop := context.WithCancel(ctx)
		g.Add(func() error {
			if err := engine.Start(loopCtx); err != nil {
				return err
			}
			<-loopCtx.Done()
			return nil
		}, func(error) {
			stop()
			if err := engine.Stop(); err != nil {
				logger.Warnw("Scheduling loop did not stop cleanly", logger.FieldError, err)
			}
		})
	}
	{
		// HTTP surface
		httpCtx, stop := context.WithCancel(ctx)
		g.Add(func() error {
			return httpServer.Run(httpCtx)
		}, func(error) {
			stop()
		})
	}
	if watcher := watchConfig(); watcher != nil {
		done := make(chan struct{})
		g.Add(func() error {
			watcher.Start()
			<-done
			return nil
		}, func(error) {
			close(done)
			watcher.Stop()
		})
	}

	pterm.Success.Printfln("relay serving (callback %s)", callback.Address())
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")

	err = g.Run()

	// Interrupt worker processes and wait for them to exit
	cancel()
	launcher.Wait()

	var sig run.SignalError
	if errors.As(err, &sig) {
		pterm.Info.Printfln("Received %s, relay stopped", sig.Signal)
		return nil
	}
	return err
}

// watchConfig watches the highest-precedence config file. Changes are
// reported; the engine picks them up on restart.
func watchConfig() *am.ConfigWatcher {
	path := ConfigPath
	if path == "" {
		files := am.ConfigFiles()
		if len(files) == 0 {
			return nil
		}
		path = files[len(files)-1]
	}

	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		logger.Warnw("Config file watch disabled", "path", path, logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(changed string) error {
		am.Reset()
		cfg, err := loadConfig()
		if err != nil {
			logger.Warnw("Changed configuration is invalid", "path", changed, logger.FieldError, err)
			return err
		}
		logger.Infow("Configuration changed, restart relay serve to apply",
			"path", changed,
			logger.FieldPort, cfg.GetServerPort())
		return nil
	})
	return watcher
}
