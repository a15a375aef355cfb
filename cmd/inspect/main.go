package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/logging"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/runstate"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to the run database")
	last := flag.Int("last", 20, "show N most recent runs")
	runID := flag.String("run", "", "show the epoch history of one run")
	version := flag.String("version", "", "show single epoch record detail")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/runs.db [--last N] [--run id] [--version id] [--json]")
		os.Exit(2)
	}

	store, err := runstate.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch {
	case *version != "":
		err = runDetailMode(store, *version, *jsonOut)
	case *runID != "":
		err = runEpochMode(store, *runID, *jsonOut)
	default:
		err = runListMode(store, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type runRow struct {
	RunID     string  `json:"run_id"`
	Mode      string  `json:"mode"`
	Dataset   string  `json:"dataset"`
	Epochs    int     `json:"epochs"`
	BestEpoch int     `json:"best_epoch"`
	BestLoss  float64 `json:"best_loss"`
	LastLR    float64 `json:"last_lr"`
	CreatedAt string  `json:"created_at"`
}

func runListMode(store *runstate.Store, last int, jsonOut bool) error {
	runs, err := store.ListRuns(last)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stderr, "no runs found")
		return nil
	}

	rows := make([]runRow, len(runs))
	for i, r := range runs {
		epochs, err := store.ListEpochs(r.RunID)
		if err != nil {
			return err
		}
		row := runRow{
			RunID:     r.RunID,
			Mode:      r.Mode,
			Dataset:   r.Dataset,
			Epochs:    len(epochs),
			BestEpoch: -1,
			CreatedAt: r.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
		if len(epochs) > 0 {
			latest := epochs[len(epochs)-1]
			row.BestEpoch = latest.State.BaseEpoch
			row.BestLoss = latest.State.MinValidLoss
			row.LastLR = latest.State.LR
		}
		// store returns newest first, print chronologically
		rows[len(runs)-1-i] = row
	}

	if jsonOut {
		return printJSON(rows)
	}
	fmt.Printf("%-10s  %-6s  %-8s  %6s  %5s  %10s  %10s  %s\n",
		"Run", "Mode", "Dataset", "Epochs", "Best", "Best Loss", "LR", "Time")
	fmt.Printf("%-10s+-%-6s+-%-8s+-%6s+-%5s+-%10s+-%10s+-%s\n",
		"----------", "------", "--------", "------", "-----", "----------", "----------", "--------------------")
	for _, r := range rows {
		best, loss := "-", "-"
		if r.BestEpoch >= 0 {
			best = fmt.Sprintf("%d", r.BestEpoch)
			loss = fmt.Sprintf("%.4f", r.BestLoss)
		}
		fmt.Printf("%-10s  %-6s  %-8s  %6d  %5s  %10s  %10.2e  %s\n",
			shortID(r.RunID), r.Mode, r.Dataset, r.Epochs, best, loss, r.LastLR, r.CreatedAt)
	}
	return nil
}

// #endregion list-mode

// #region epoch-mode

type epochRow struct {
	VersionID      string  `json:"version_id"`
	Epoch          int     `json:"epoch"`
	TrainLoss      float64 `json:"train_loss"`
	ValidLoss      float64 `json:"valid_loss"`
	Action         string  `json:"action"`
	Reason         string  `json:"reason,omitempty"`
	LR             float64 `json:"lr"`
	EarlyStopCount int     `json:"early_stop_count"`
}

func runEpochMode(store *runstate.Store, runID string, jsonOut bool) error {
	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	epochs, err := store.ListEpochs(runID)
	if err != nil {
		return err
	}
	decisions, err := logging.ListDecisions(store.DB(), runID)
	if err != nil {
		return err
	}
	reasons := make(map[string]string, len(decisions))
	for _, d := range decisions {
		reasons[d.VersionID] = d.Reason
	}

	rows := make([]epochRow, len(epochs))
	for i, e := range epochs {
		rows[i] = epochRow{
			VersionID:      e.VersionID,
			Epoch:          e.Epoch,
			TrainLoss:      e.TrainLoss,
			ValidLoss:      e.ValidLoss,
			Action:         string(e.Action),
			Reason:         reasons[e.VersionID],
			LR:             e.State.LR,
			EarlyStopCount: e.State.EarlyStopCount,
		}
	}

	if jsonOut {
		return printJSON(rows)
	}
	fmt.Printf("Run %s (%s, %s)\n\n", run.RunID, run.Mode, run.Dataset)
	fmt.Printf("%-10s  %5s  %10s  %10s  %-6s  %10s  %9s  %s\n",
		"Version", "Epoch", "Train", "Valid", "Action", "LR", "Countdown", "Reason")
	for _, r := range rows {
		fmt.Printf("%-10s  %5d  %10.4f  %10.4f  %-6s  %10.2e  %9d  %s\n",
			shortID(r.VersionID), r.Epoch, r.TrainLoss, r.ValidLoss, r.Action, r.LR, r.EarlyStopCount, r.Reason)
	}
	return nil
}

// #endregion epoch-mode

// #region detail-mode

type detailOutput struct {
	VersionID      string             `json:"version_id"`
	ParentID       string             `json:"parent_id"`
	RunID          string             `json:"run_id"`
	CreatedAt      string             `json:"created_at"`
	Epoch          int                `json:"epoch"`
	BaseEpoch      int                `json:"base_epoch"`
	Action         string             `json:"action"`
	LR             float64            `json:"lr"`
	EarlyStopCount int                `json:"early_stop_count"`
	MinValidLoss   float64            `json:"min_valid_loss"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
}

func runDetailMode(store *runstate.Store, versionID string, jsonOut bool) error {
	rec, err := store.GetVersion(versionID)
	if err != nil {
		return err
	}
	out := detailOutput{
		VersionID:      rec.VersionID,
		ParentID:       rec.ParentID,
		RunID:          rec.RunID,
		CreatedAt:      rec.CreatedAt.Format("2006-01-02T15:04:05Z"),
		Epoch:          rec.Epoch,
		BaseEpoch:      rec.State.BaseEpoch,
		Action:         string(rec.Action),
		LR:             rec.State.LR,
		EarlyStopCount: rec.State.EarlyStopCount,
		MinValidLoss:   rec.State.MinValidLoss,
		Metrics:        parseMetrics(rec.MetricsJSON),
	}

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Version:    %s\n", out.VersionID)
	fmt.Printf("Parent:     %s\n", out.ParentID)
	fmt.Printf("Run:        %s\n", out.RunID)
	fmt.Printf("Created:    %s\n", out.CreatedAt)
	fmt.Printf("Epoch:      %d (best %d)\n", out.Epoch, out.BaseEpoch)
	fmt.Printf("Action:     %s\n", out.Action)
	fmt.Printf("LR:         %g\n", out.LR)
	fmt.Printf("Countdown:  %d\n", out.EarlyStopCount)
	fmt.Printf("Best Loss:  %.6f\n", out.MinValidLoss)

	if len(out.Metrics) > 0 {
		fmt.Printf("\nMetrics:\n")
		names := make([]string, 0, len(out.Metrics))
		for name := range out.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-16s %.4f\n", name, out.Metrics[name])
		}
	}
	return nil
}

// #endregion detail-mode

// #region output

func parseMetrics(metricsJSON string) map[string]float64 {
	if metricsJSON == "" {
		return nil
	}
	var m map[string]float64
	if err := json.Unmarshal([]byte(metricsJSON), &m); err != nil {
		return nil
	}
	return m
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
