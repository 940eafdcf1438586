package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/relay/am"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Show and validate configuration",
	Long: `am: relay configuration ("I am")

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (RELAY_* prefix)
3. Project config (./am.toml, searched upwards)
4. User config (~/.relay/am.toml)
5. System config (/etc/relay/am.toml)
6. Default values

Examples:
  relay am show                   # Show current configuration
  relay am show --format json     # Show configuration in JSON format
  relay am validate               # Validate current configuration
  relay am where                  # Show which config files are loaded`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		pterm.Success.Println("Configuration is valid")
		return nil
	},
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which config files are loaded",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ConfigPath != "" {
			pterm.Info.Printfln("--config %s", ConfigPath)
			return nil
		}
		files := am.ConfigFiles()
		if len(files) == 0 {
			pterm.Info.Println("No config files found, using defaults and RELAY_* environment")
			return nil
		}
		for i, f := range files {
			pterm.Printfln("%d. %s", i+1, f)
		}
		return nil
	},
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var data []byte
	switch configFormat {
	case "json":
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	case "yaml":
		data, err = yaml.Marshal(cfg)
	case "toml":
		data, err = toml.Marshal(cfg)
	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config to %s: %w", configFormat, err)
	}

	if configFormat != "json" {
		fmt.Fprintln(os.Stdout, "# relay configuration")
	}
	_, err = os.Stdout.Write(data)
	return err
}
