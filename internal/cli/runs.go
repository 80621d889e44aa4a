package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"programista_hub/internal/domain"
	"programista_hub/internal/storage/postgres"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent sync runs",
	Args:  cobra.NoArgs,
	RunE:  runListRuns,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the hub database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		if err := postgres.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		fmt.Fprintln(out(cmd), "schema up to date")
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to show")

	RootCmd.AddCommand(runsCmd, migrateCmd)
}

func runListRuns(cmd *cobra.Command, _ []string) error {
	if runsLimit < 1 {
		return fmt.Errorf("limit must be positive, got %d", runsLimit)
	}

	db, err := openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := postgres.NewSyncRunStore(db).List(cmd.Context(), runsLimit)
	if err != nil {
		return err
	}
	return writeTable(out(cmd),
		[]string{"STARTED", "TRIGGER", "ATTEMPT", "OUTCOME", "VERSION", "+", "~", "-", "DURATION", "ERROR"},
		runRows(runs),
	)
}

func runRows(runs []domain.SyncRun) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		outcome := string(r.Outcome)
		duration := "-"
		if r.FinishedAt == nil {
			outcome = string(r.Phase)
		} else {
			duration = r.Duration().Round(time.Millisecond).String()
		}
		rows = append(rows, []string{
			r.StartedAt.Local().Format(time.DateTime),
			string(r.Trigger),
			strconv.Itoa(r.Attempt),
			outcome,
			strconv.FormatInt(r.IndexVersion, 10),
			strconv.Itoa(r.Added),
			strconv.Itoa(r.Updated),
			strconv.Itoa(r.Removed),
			duration,
			r.Error,
		})
	}
	return rows
}
