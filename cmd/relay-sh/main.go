// Command relay-sh is a relay worker that runs each paragraph with sh -c.
//
// relay launches it with the exec runtime:
//
//	# ~/.relay/workers/sh.default.toml
//	selector = "sh.default"
//	enabled = true
//	runtime = "exec"
//	install_path = "/usr/local/bin/relay-sh"
//	install_status = "installed"
//	concurrency = 4
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/relay/logger"
	relaygrpc "github.com/teranos/relay/plugin/grpc"
)

var rootCmd = &cobra.Command{
	Use:          "relay-sh",
	Short:        "relay worker running paragraphs with sh -c",
	SilenceUsage: true,
	RunE:         runWorker,
}

func init() {
	rootCmd.Flags().String("callback", "", "Address of the relay callback server")
	rootCmd.Flags().String("selector", "sh.default", "Selector this worker serves")
	rootCmd.Flags().Int("concurrency", 1, "Maximum concurrent jobs")
	rootCmd.Flags().String("shell", "/bin/sh", "Shell the paragraphs run in")
	rootCmd.Flags().CountP("verbose", "v", "Increase output verbosity")
	_ = rootCmd.MarkFlagRequired("callback")
}

func runWorker(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")
	// stdout and stderr are collected into relay's log
	if err := logger.Initialize(true, verbosity); err != nil {
		return err
	}
	defer logger.Cleanup()

	callback, _ := cmd.Flags().GetString("callback")
	selector, _ := cmd.Flags().GetString("selector")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	shell, _ := cmd.Flags().GetString("shell")

	worker, err := relaygrpc.NewWorkerServer(relaygrpc.WorkerOptions{
		Selector:        selector,
		CallbackAddress: callback,
		Concurrency:     concurrency,
		Execute:         shellExecutor(shell),
		Logger:          logger.AddWorkerSymbol(logger.ComponentLogger("relay-sh")),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return worker.Serve(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
