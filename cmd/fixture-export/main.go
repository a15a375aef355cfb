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
	dbPath := flag.String("db", "", "path to the run database")
	runID := flag.String("run", "", "run to export")
	outPath := flag.String("out", "", "output fixture JSON path")
	flag.Parse()

	if *dbPath == "" || *runID == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-export --db path/to/runs.db --run id --out path/to/fixture.json")
		os.Exit(2)
	}

	if err := run(*dbPath, *runID, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region extract

func run(dbPath, runID, outPath string) error {
	store, err := runstate.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	r, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	var rc struct {
		LR             float64 `json:"lr"`
		EarlyStopCount int     `json:"early_stop_count"`
		LRDecay        float64 `json:"lr_decay"`
	}
	if err := json.Unmarshal([]byte(r.ConfigJSON), &rc); err != nil {
		return fmt.Errorf("parse run config: %w", err)
	}

	records, err := store.ListEpochs(runID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("run %s has no epoch records", runID)
	}

	cfg := replay.ReplayConfig{
		Policy: plateau.Policy{Patience: rc.EarlyStopCount, DecayFactor: rc.LRDecay},
		LR:     rc.LR,
	}

	epochs := make([]replay.Epoch, len(records))
	actions := make([]string, len(records))
	for i, rec := range records {
		epochs[i] = replay.Epoch{Epoch: rec.Epoch, TrainLoss: rec.TrainLoss, ValidLoss: rec.ValidLoss}
		actions[i] = string(rec.Action)
	}

	desc := fmt.Sprintf("exported from run %s (%s, %s), %d epochs", r.RunID, r.Mode, r.Dataset, len(epochs))
	f := replay.NewFixture(desc, cfg, epochs, actions)
	if err := f.Save(outPath); err != nil {
		return err
	}
	fmt.Printf("wrote %d epochs to %s\n", len(epochs), outPath)
	return nil
}

// #endregion extract
