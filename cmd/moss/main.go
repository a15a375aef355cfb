// Command moss trains, fine-tunes and evaluates the multi-decoder dialogue
// model.
//
// Usage:
//
//	moss -mode train|adjust|test|rl -model tsdf-camrest [-cfg key=value ...] [-freeze prefix ...]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/batch"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/checkpoint"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/config"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/metric"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/reader"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/runstate"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/trainer"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/tsd"
)

// #region flags
type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, " ") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }
// #endregion flags

// #region main
func main() {
	mode := flag.String("mode", "", "run mode: train, adjust, test or rl")
	modelName := flag.String("model", "", "model and dataset, e.g. tsdf-camrest")
	var overrides, freeze multiFlag
	flag.Var(&overrides, "cfg", "config override key=value (repeatable)")
	flag.Var(&freeze, "freeze", "freeze parameters whose name starts with prefix (repeatable)")
	flag.Parse()

	if *mode == "" || *modelName == "" {
		fmt.Fprintln(os.Stderr, "usage: moss -mode train|adjust|test|rl -model <name>-<dataset> [-cfg key=value ...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, *mode, *modelName, overrides, freeze); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
// #endregion main

// #region run
func run(ctx context.Context, mode, modelName string, overrides, freeze []string) error {
	switch mode {
	case trainer.ModeTrain, trainer.ModeAdjust, trainer.ModeTest, trainer.ModeRL:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	cfg, err := loadConfig(modelName, overrides)
	if err != nil {
		return err
	}
	log.Printf("[MOSS] mode=%s config=%s", mode, cfg)

	for _, p := range []string{cfg.ModelPath, cfg.ResultPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	rd, err := reader.Open(cfg)
	if err != nil {
		return err
	}
	v := rd.Vocab()

	evaluator, closeEval, err := newEvaluator(cfg)
	if err != nil {
		return err
	}
	defer closeEval()

	deps := trainer.Deps{
		Model:       tsd.New(cfg, v),
		Data:        rd,
		Encoder:     batch.NewEncoder(cfg, v),
		Checkpoints: checkpoint.New(cfg.ModelPath),
		Writer:      reader.NewCSVWriter(cfg.ResultPath, v),
		Evaluator:   evaluator,
	}

	if cfg.DBPath != "" {
		store, err := runstate.NewStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open run store: %w", err)
		}
		defer store.Close()
		snap, err := cfg.Snapshot()
		if err != nil {
			return err
		}
		r, err := store.CreateRun(mode, cfg.Dataset, snap)
		if err != nil {
			return err
		}
		deps.Store = store
		deps.RunID = r.RunID
		log.Printf("[MOSS] run %s recorded in %s", r.RunID, cfg.DBPath)
	}

	tr, err := trainer.New(cfg, deps)
	if err != nil {
		return err
	}
	tr.CountParams()
	for _, prefix := range freeze {
		tr.Freeze(prefix)
	}

	if mode != trainer.ModeTrain {
		if err := tr.LoadCheckpoint(); err != nil {
			return err
		}
	}

	switch mode {
	case trainer.ModeTrain, trainer.ModeAdjust:
		_, err = tr.Train(ctx)
	case trainer.ModeRL:
		_, err = tr.Reinforce(ctx)
	case trainer.ModeTest:
		var summary metric.Summary
		summary, err = tr.Eval(ctx, reader.SplitTest)
		if err == nil {
			fmt.Println(summary)
		}
	}
	if errors.Is(err, context.Canceled) {
		log.Printf("[MOSS] interrupted")
	}
	return err
}

func loadConfig(modelName string, overrides []string) (config.Config, error) {
	dataset := modelName
	if i := strings.LastIndex(modelName, "-"); i >= 0 {
		dataset = modelName[i+1:]
	}
	cfg, err := config.Default(dataset)
	if err != nil {
		return config.Config{}, err
	}
	if cfg, err = config.FromEnv(cfg); err != nil {
		return config.Config{}, fmt.Errorf("env overrides: %w", err)
	}
	if cfg, err = cfg.Apply(overrides); err != nil {
		return config.Config{}, fmt.Errorf("cfg overrides: %w", err)
	}
	return cfg, nil
}

// newEvaluator picks the remote metric service when metric_addr is set.
func newEvaluator(cfg config.Config) (metric.Evaluator, func(), error) {
	if cfg.MetricAddr == "" {
		return metric.NewLocalEvaluator(cfg.ResultPath), func() {}, nil
	}
	remote, err := metric.NewRemoteEvaluator(cfg.MetricAddr, cfg.ResultPath, cfg.Dataset)
	if err != nil {
		return nil, nil, fmt.Errorf("connect metric service %s: %w", cfg.MetricAddr, err)
	}
	return remote, func() { remote.Close() }, nil
}
// #endregion run
