package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"cyclebuild/config"
	"cyclebuild/cyclestate"
)

// monitorFlags holds the cobra-bound flags for `cyclebuild monitor`.
type monitorFlags struct {
	dir    string
	dash   bool
	runID  string
	dbPath string
}

// NewMonitorCmd builds the `monitor` subcommand: a ticker-poll loop that
// reports a running cycle's built/failed/inflight progress snapshot.
func NewMonitorCmd() *cobra.Command {
	flags := &monitorFlags{}

	c := &cobra.Command{
		Use:   "monitor",
		Short: "Watch the progress of the active (or most recent) cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(flags)
		},
	}

	c.Flags().StringVar(&flags.dir, "dir", ".", "working directory holding the run database")
	c.Flags().StringVar(&flags.dbPath, "db", "", "explicit path to the run database (default <dir>/cyclebuild.ini's lilac.dburl)")
	c.Flags().BoolVar(&flags.dash, "dashboard", false, "render a live tview/tcell dashboard instead of plain text")
	c.Flags().StringVar(&flags.runID, "run", "", "monitor a specific run id instead of the most recent one")

	return c
}

func resolveDBPath(flags *monitorFlags) (string, error) {
	if flags.dbPath != "" {
		return flags.dbPath, nil
	}
	cfg, err := config.Load(filepath.Join(flags.dir, "cyclebuild.ini"))
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	if cfg.DBURL == "" {
		return "", fmt.Errorf("no run database configured: pass --db or set lilac.dburl")
	}
	return cfg.DBURL, nil
}

func runMonitor(flags *monitorFlags) error {
	dbPath, err := resolveDBPath(flags)
	if err != nil {
		return err
	}
	db, err := cyclestate.OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("opening run database: %w", err)
	}
	defer db.Close()

	if flags.dash {
		return runDashboard(db, flags.runID)
	}
	return runPlainMonitor(db, flags.runID)
}

// runPlainMonitor polls the database once a second and reprints a
// one-line progress summary.
func runPlainMonitor(db *cyclestate.DB, runID string) error {
	fmt.Println("Monitoring build progress (press Ctrl+C to exit)...")

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	lastSeen := ""
	noRunCount := 0

	for {
		id := runID
		if id == "" {
			var err error
			id, err = db.LatestRunID()
			if err != nil {
				noRunCount++
				if noRunCount == 1 || noRunCount%5 == 0 {
					fmt.Printf("\rno run has started yet (checked %d times)\r", noRunCount)
				}
				<-ticker.C
				continue
			}
		}

		rec, err := db.GetRun(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading run %s: %v\n", id, err)
			<-ticker.C
			continue
		}
		noRunCount = 0

		if id != lastSeen {
			fmt.Printf("\n=== run %s ===\n", shortID(id))
			lastSeen = id
		}

		remaining := rec.Total - rec.Built - rec.Failed
		fmt.Printf("\rbuilt=%d failed=%d inflight=%d remaining=%d/%d elapsed=%s\r",
			rec.Built, rec.Failed, rec.Inflight, remaining, rec.Total,
			time.Since(rec.StartTime).Round(time.Second))

		if !rec.EndTime.IsZero() {
			fmt.Printf("\nrun %s finished in %s (aborted=%v)\n",
				shortID(id), rec.EndTime.Sub(rec.StartTime).Round(time.Second), rec.Aborted)
			if runID != "" {
				return nil
			}
		}

		<-ticker.C
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
