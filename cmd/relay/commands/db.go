package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/relay/db"
)

// DbCmd manages the database
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// openDatabase migrates
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		versions, err := db.AppliedVersions(database)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Database %s is at migration %s", cfg.GetDatabasePath(), last(versions))
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := db.Open(cfg.GetDatabasePath(), nil)
		if err != nil {
			return err
		}
		defer database.Close()

		versions, err := db.AppliedVersions(database)
		if err != nil {
			return err
		}
		pterm.DefaultSection.Println(cfg.GetDatabasePath())
		if len(versions) == 0 {
			pterm.Warning.Println("No migrations applied, run 'relay db migrate'")
			return nil
		}
		for _, v := range versions {
			pterm.Println("  " + v)
		}
		return nil
	},
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
}

func last(versions []string) string {
	if len(versions) == 0 {
		return "none"
	}
	return versions[len(versions)-1]
}
