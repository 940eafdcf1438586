package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/relay/notes"
	"github.com/teranos/relay/pulse/async"
)

// RunCmd submits a run of a note. The running engine picks it up from the
// database on its next dispatch tick.
var RunCmd = &cobra.Command{
	Use:   "run <note>",
	Short: "Submit, inspect and abort runs of notes",
	Long: `Submit a run of a note read from notes.dir.

Every paragraph becomes one PENDING job. A note with an unfinished run
cannot be submitted again until that run ends or is aborted.

Examples:
  relay run nightly              # Submit a run of nightly
  relay run ls nightly           # Recent runs of nightly
  relay run show <batch-id>      # One run with its jobs
  relay run abort nightly        # Abort the active run of nightly`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var runLsCmd = &cobra.Command{
	Use:   "ls [note]",
	Short: "List recent runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runList,
}

var runShowCmd = &cobra.Command{
	Use:   "show <batch-id>",
	Short: "Show one run with its jobs",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var runAbortCmd = &cobra.Command{
	Use:   "abort <note>",
	Short: "Abort the active run of a note",
	Args:  cobra.ExactArgs(1),
	RunE:  runAbort,
}

func init() {
	RunCmd.Flags().String("user", "", "User the run is attributed to (default: current user)")
	RunCmd.Flags().StringSlice("role", nil, "Role of the user (repeatable)")
	runLsCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs")
	runShowCmd.Flags().Bool("json", false, "Output as JSON")

	RunCmd.AddCommand(runLsCmd)
	RunCmd.AddCommand(runShowCmd)
	RunCmd.AddCommand(runAbortCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	paragraphs, err := notes.NewStore(cfg.Notes.Dir).Paragraphs(ctx, args[0])
	if err != nil {
		return err
	}

	who, _ := cmd.Flags().GetString("user")
	if who == "" {
		who = currentUser()
	}
	roles, _ := cmd.Flags().GetStringSlice("role")

	batch, err := async.NewStore(database).PublishBatch(ctx, args[0], paragraphs, who, roles, async.PriorityInteractive)
	if err != nil {
		return err
	}

	pterm.Success.Printfln("Submitted %s: %d job(s) in batch %s", args[0], len(paragraphs), batch.ID)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	noteID := ""
	if len(args) == 1 {
		noteID = args[0]
	}
	limit, _ := cmd.Flags().GetInt("limit")

	batches, err := async.NewStore(database).ListBatches(context.Background(), noteID, limit)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		pterm.Info.Println("No runs")
		return nil
	}

	rows := pterm.TableData{{"BATCH", "NOTE", "STATUS", "USER", "CREATED", "ENDED"}}
	for _, b := range batches {
		rows = append(rows, []string{b.ID, b.NoteID, string(b.Status), b.User, formatTime(&b.CreatedAt), formatTime(b.EndedAt)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	store := async.NewStore(database)
	ctx := context.Background()
	batch, err := store.GetBatch(ctx, args[0])
	if err != nil {
		return err
	}
	jobs, err := store.ListJobsForBatch(ctx, batch.ID)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{"batch": batch, "jobs": jobs})
	}

	pterm.DefaultSection.Printfln("%s  %s  %s", batch.NoteID, batch.ID, batch.Status)
	rows := pterm.TableData{{"#", "PARAGRAPH", "SELECTOR", "STATUS", "ATTEMPTS", "ERROR"}}
	for _, j := range jobs {
		errText := string(j.ErrorCode)
		if j.ErrorMessage != "" {
			errText = fmt.Sprintf("%s: %s", j.ErrorCode, j.ErrorMessage)
		}
		rows = append(rows, []string{
			strconv.Itoa(j.Position), j.ParagraphID, j.Selector, string(j.Status),
			strconv.Itoa(j.DispatchAttempts), errText,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runAbort(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	batch, err := async.NewStore(database).RequestAbort(context.Background(), args[0])
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Abort requested for batch %s of %s", batch.ID, batch.NoteID)
	return nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
