package commands

import (
	"context"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/relay/pulse/schedule"
)

// CronCmd manages cron schedules of notes
var CronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage cron schedules of notes",
	Long: `Manage the schedules that submit runs of notes on a cron expression.

Expressions use the standard five fields, or descriptors such as @hourly.
A due schedule whose note is still running is skipped until the run ends.

Examples:
  relay cron add nightly "0 3 * * *"
  relay cron ls
  relay cron disable <schedule-id>`,
}

var cronAddCmd = &cobra.Command{
	Use:   "add <note> <expression>",
	Short: "Schedule a note",
	Args:  cobra.ExactArgs(2),
	RunE:  runCronAdd,
}

var cronLsCmd = &cobra.Command{
	Use:   "ls [note]",
	Short: "List schedules",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCronList,
}

var cronEnableCmd = &cobra.Command{
	Use:   "enable <schedule-id>",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setScheduleEnabled(args[0], true) },
}

var cronDisableCmd = &cobra.Command{
	Use:   "disable <schedule-id>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setScheduleEnabled(args[0], false) },
}

var cronRmCmd = &cobra.Command{
	Use:   "rm <schedule-id>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runCronRemove,
}

func init() {
	cronAddCmd.Flags().String("user", "", "User runs are attributed to (default: current user)")
	cronAddCmd.Flags().StringSlice("role", nil, "Role of the user (repeatable)")
	cronAddCmd.Flags().Bool("disabled", false, "Create the schedule disabled")

	CronCmd.AddCommand(cronAddCmd)
	CronCmd.AddCommand(cronLsCmd)
	CronCmd.AddCommand(cronEnableCmd)
	CronCmd.AddCommand(cronDisableCmd)
	CronCmd.AddCommand(cronRmCmd)
}

// withSchedules opens the database and hands fn a schedule store
func withSchedules(fn func(ctx context.Context, store *schedule.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	return fn(context.Background(), schedule.NewStore(database))
}

func runCronAdd(cmd *cobra.Command, args []string) error {
	who, _ := cmd.Flags().GetString("user")
	if who == "" {
		who = currentUser()
	}
	roles, _ := cmd.Flags().GetStringSlice("role")
	disabled, _ := cmd.Flags().GetBool("disabled")

	return withSchedules(func(ctx context.Context, store *schedule.Store) error {
		sched := &schedule.Schedule{
			NoteID:     args[0],
			Expression: args[1],
			Enabled:    !disabled,
			User:       who,
			Roles:      roles,
		}
		if err := store.Create(ctx, sched); err != nil {
			return err
		}
		pterm.Success.Printfln("Scheduled %s (%s), next fire %s", sched.NoteID, sched.ID, formatTime(sched.NextFireAt))
		return nil
	})
}

func runCronList(cmd *cobra.Command, args []string) error {
	noteID := ""
	if len(args) == 1 {
		noteID = args[0]
	}

	return withSchedules(func(ctx context.Context, store *schedule.Store) error {
		schedules, err := store.List(ctx, noteID)
		if err != nil {
			return err
		}
		if len(schedules) == 0 {
			pterm.Info.Println("No schedules")
			return nil
		}

		rows := pterm.TableData{{"ID", "NOTE", "EXPRESSION", "ENABLED", "LAST FIRE", "NEXT FIRE"}}
		for _, s := range schedules {
			rows = append(rows, []string{
				s.ID, s.NoteID, s.Expression, strconv.FormatBool(s.Enabled),
				formatTime(s.LastFireAt), formatTime(s.NextFireAt),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}

func setScheduleEnabled(id string, enabled bool) error {
	return withSchedules(func(ctx context.Context, store *schedule.Store) error {
		if err := store.SetEnabled(ctx, id, enabled); err != nil {
			return err
		}
		if enabled {
			pterm.Success.Printfln("Schedule %s enabled", id)
		} else {
			pterm.Success.Printfln("Schedule %s disabled", id)
		}
		return nil
	})
}

func runCronRemove(cmd *cobra.Command, args []string) error {
	return withSchedules(func(ctx context.Context, store *schedule.Store) error {
		if err := store.Delete(ctx, args[0]); err != nil {
			return err
		}
		pterm.Success.Printfln("Schedule %s deleted", args[0])
		return nil
	})
}
