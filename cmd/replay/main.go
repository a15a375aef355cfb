package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/plateau"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/replay"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/runstate"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to the run database (DB mode)")
	runID := flag.String("run", "", "run to replay (DB mode)")
	fixturePath := flag.String("fixture", "", "path to fixture JSON (fixture mode)")
	patience := flag.Int("patience", 0, "override early_stop_count (DB mode)")
	decay := flag.Float64("decay", 0, "override lr_decay (DB mode)")
	flag.Parse()

	dbMode := *dbPath != "" && *runID != ""
	if dbMode == (*fixturePath != "") {
		fmt.Fprintln(os.Stderr, "usage: replay --db path/to/runs.db --run id [--patience N] [--decay F]")
		fmt.Fprintln(os.Stderr, "       replay --fixture path/to/fixture.json")
		os.Exit(2)
	}

	var exitCode int
	if *fixturePath != "" {
		exitCode = runFixtureMode(*fixturePath)
	} else {
		exitCode = runDBMode(*dbPath, *runID, *patience, *decay)
	}
	os.Exit(exitCode)
}

// #endregion main

// #region db-extract

// runConfig is the part of a run's config snapshot the policy needs.
type runConfig struct {
	LR             float64 `json:"lr"`
	EarlyStopCount int     `json:"early_stop_count"`
	LRDecay        float64 `json:"lr_decay"`
}

func runDBMode(dbPath, runID string, patience int, decay float64) int {
	store, err := runstate.NewStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		return 2
	}
	defer store.Close()

	run, err := store.GetRun(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get run: %v\n", err)
		return 2
	}
	var rc runConfig
	if err := json.Unmarshal([]byte(run.ConfigJSON), &rc); err != nil {
		fmt.Fprintf(os.Stderr, "parse run config: %v\n", err)
		return 2
	}

	records, err := store.ListEpochs(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list epochs: %v\n", err)
		return 2
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stderr, "no epoch records found for run")
		return 2
	}

	cfg := replay.ReplayConfig{
		Policy: plateau.Policy{Patience: rc.EarlyStopCount, DecayFactor: rc.LRDecay},
		LR:     rc.LR,
	}
	if patience > 0 {
		cfg.Policy.Patience = patience
	}
	if decay > 0 {
		cfg.Policy.DecayFactor = decay
	}

	epochs := make([]replay.Epoch, len(records))
	recorded := make([]string, len(records))
	for i, r := range records {
		epochs[i] = replay.Epoch{Epoch: r.Epoch, TrainLoss: r.TrainLoss, ValidLoss: r.ValidLoss}
		recorded[i] = string(r.Action)
	}

	results := replay.Replay(epochs, cfg)
	return printComparison(results, recorded)
}

// #endregion db-extract

// #region output

func runFixtureMode(path string) int {
	f, err := replay.LoadFixture(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}

	results := replay.Replay(f.ToEpochs(), f.Config.ToReplayConfig())

	expected := make([]string, len(f.ExpectedResults))
	for i, e := range f.ExpectedResults {
		expected[i] = e.Action
	}
	return printComparison(results, expected)
}

// printComparison outputs a comparison table and returns the exit code.
// expected holds the reference actions (from DB or fixture). A replay that
// stops earlier or later than the reference counts as divergence.
func printComparison(results []replay.ReplayResult, expected []string) int {
	fmt.Printf("%-6s| %-10s| %-10s| %-10s| %s\n", "Epoch", "Expected", "Replayed", "LR", "Match")
	fmt.Printf("%-6s+%-11s+%-11s+%-11s+%s\n", "------", "-----------", "-----------", "-----------", "------")

	matches := 0
	total := max(len(results), len(expected))
	for i := 0; i < total; i++ {
		epoch, exp, got, lr := "-", "-", "-", "-"
		if i < len(expected) {
			exp = expected[i]
		}
		if i < len(results) {
			epoch = fmt.Sprintf("%d", results[i].Epoch)
			got = string(results[i].Decision.Action)
			lr = fmt.Sprintf("%.2e", results[i].State.LR)
		}
		match := "DIFF"
		if exp == got {
			match = "OK"
			matches++
		}
		fmt.Printf("%-6s| %-10s| %-10s| %-10s| %s\n", epoch, exp, got, lr, match)
	}

	s := replay.Summarize(results)
	diverge := total - matches
	fmt.Printf("\nSummary: %d total, %d match, %d diverge\n", total, matches, diverge)
	fmt.Printf("Policy:  %d saves, %d decays, best epoch %d (loss %.6f), final lr %.2e",
		s.Saves, s.Decays, s.BestEpoch, s.BestLoss, s.FinalLR)
	if s.Stopped {
		fmt.Printf(", stopped at epoch %d", s.StopEpoch)
	}
	fmt.Println()

	if diverge > 0 {
		return 1
	}
	return 0
}

// #endregion output
