package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/relay/cmd/relay/commands"
	"github.com/teranos/relay/logger"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "relay - job dispatch and worker lifecycle engine",
	Long: `relay runs the paragraphs of notes on worker processes.

It launches and supervises one worker process per selector, dispatches jobs
to them over gRPC, carries out aborts and fires cron schedules.

Available commands:
  serve   - Run the scheduling loop, callback server and HTTP surface
  run     - Submit, inspect and abort runs of notes
  worker  - Install and list worker configurations
  cron    - Manage cron schedules of notes
  am      - Show and validate configuration ("I am")
  db      - Manage the database
  version - Show version information

Examples:
  relay serve                    # Run the engine in the foreground
  relay run note-1               # Submit a run of note-1
  relay worker install sh        # Download the artifact of worker sh
  relay cron add note-1 "*/5 * * * *"`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")

		// 'am show' writes machine-readable output only
		if cmd.Name() == "show" && cmd.Parent() != nil && cmd.Parent().Name() == "am" {
			return nil
		}
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Config file (default: cascade of ./am.toml, ~/.relay/am.toml)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.CronCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
