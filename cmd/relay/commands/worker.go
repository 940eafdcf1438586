package commands

import (
	"context"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/plugin"
	"github.com/teranos/relay/version"
)

// WorkerCmd manages worker configurations and artifacts
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Install and list worker configurations",
	Long: `Manage the workers relay launches.

Each worker is configured in <workers.dir>/<selector>.toml. Installing a
worker downloads its artifact (any go-getter address) into
<workers.install_dir>/<selector>/<version>.

Examples:
  relay worker ls
  relay worker install sh.default
  relay worker disable sh.default`,
}

var workerLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List configured workers",
	Args:  cobra.NoArgs,
	RunE:  runWorkerList,
}

var workerInstallCmd = &cobra.Command{
	Use:   "install <selector>",
	Short: "Download the artifact of a worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkerInstall,
}

var workerUninstallCmd = &cobra.Command{
	Use:   "uninstall <selector>",
	Short: "Remove the installed artifact of a worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkerUninstall,
}

var workerEnableCmd = &cobra.Command{
	Use:   "enable <selector>",
	Short: "Enable a worker",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setWorkerEnabled(args[0], true) },
}

var workerDisableCmd = &cobra.Command{
	Use:   "disable <selector>",
	Short: "Disable a worker",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setWorkerEnabled(args[0], false) },
}

func init() {
	WorkerCmd.AddCommand(workerLsCmd)
	WorkerCmd.AddCommand(workerInstallCmd)
	WorkerCmd.AddCommand(workerUninstallCmd)
	WorkerCmd.AddCommand(workerEnableCmd)
	WorkerCmd.AddCommand(workerDisableCmd)
}

func runWorkerList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openWorkerConfigs(cfg)
	if err != nil {
		return err
	}

	workers := store.List()
	if len(workers) == 0 {
		pterm.Info.Printfln("No workers configured in %s", store.Dir())
		return nil
	}

	rows := pterm.TableData{{"SELECTOR", "ENABLED", "VERSION", "RUNTIME", "STATUS", "CONCURRENCY"}}
	for _, w := range workers {
		rows = append(rows, []string{
			w.Selector, strconv.FormatBool(w.Enabled), w.Version, string(w.Runtime),
			string(w.InstallStatus), strconv.Itoa(w.Concurrency),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func newInstaller() (*plugin.Installer, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := openWorkerConfigs(cfg)
	if err != nil {
		return nil, err
	}
	return plugin.NewInstaller(store, cfg.Workers.InstallDir, version.Get().Version, logger.ComponentLogger("install")), nil
}

func runWorkerInstall(cmd *cobra.Command, args []string) error {
	installer, err := newInstaller()
	if err != nil {
		return err
	}

	spinner, _ := pterm.DefaultSpinner.Start("Installing " + args[0] + "...")
	w, err := installer.Install(context.Background(), args[0])
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.Success("Installed " + w.Selector + " " + w.Version + " into " + w.InstallPath)
	return nil
}

func runWorkerUninstall(cmd *cobra.Command, args []string) error {
	installer, err := newInstaller()
	if err != nil {
		return err
	}
	if _, err := installer.Uninstall(args[0]); err != nil {
		return err
	}
	pterm.Success.Printfln("Uninstalled %s", args[0])
	return nil
}

func setWorkerEnabled(selector string, enabled bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openWorkerConfigs(cfg)
	if err != nil {
		return err
	}
	if _, err := store.Update(selector, func(w *plugin.WorkerConfig) { w.Enabled = enabled }); err != nil {
		return err
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	pterm.Success.Printfln("Worker %s %s", selector, state)
	return nil
}
