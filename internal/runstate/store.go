package runstate

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/plateau"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	mode          TEXT NOT NULL,
	dataset       TEXT NOT NULL,
	config_json   TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS epoch_states (
	version_id       TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL,
	parent_id        TEXT,
	epoch            INTEGER NOT NULL,
	base_epoch       INTEGER NOT NULL,
	lr               REAL NOT NULL,
	early_stop_count INTEGER NOT NULL,
	min_valid_loss   REAL NOT NULL,
	train_loss       REAL NOT NULL,
	valid_loss       REAL NOT NULL,
	action           TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	metrics_json     TEXT,
	FOREIGN KEY (run_id) REFERENCES runs(run_id),
	FOREIGN KEY (parent_id) REFERENCES epoch_states(version_id)
);

CREATE TABLE IF NOT EXISTS active_epoch (
	run_id        TEXT PRIMARY KEY,
	version_id    TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id),
	FOREIGN KEY (version_id) REFERENCES epoch_states(version_id)
);

CREATE TABLE IF NOT EXISTS decision_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	version_id    TEXT,
	epoch         INTEGER NOT NULL,
	mode          TEXT NOT NULL,
	decision      TEXT NOT NULL,
	reason        TEXT,
	metrics_json  TEXT,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`
// #endregion schema

// #region store-struct
// Store keeps the run registry and per-epoch training state in SQLite.
type Store struct {
	db *sql.DB
}
// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// pragmas below are per connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}
// #endregion constructor

// #region runs

// CreateRun registers a new run.
func (s *Store) CreateRun(mode, dataset string, configJSON []byte) (Run, error) {
	run := Run{
		RunID:      uuid.New().String(),
		Mode:       mode,
		Dataset:    dataset,
		ConfigJSON: string(configJSON),
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, mode, dataset, config_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.Mode, run.Dataset, run.ConfigJSON, run.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(runID string) (Run, error) {
	var run Run
	var createdStr string
	err := s.db.QueryRow(
		`SELECT run_id, mode, dataset, config_json, created_at FROM runs WHERE run_id = ?`, runID,
	).Scan(&run.RunID, &run.Mode, &run.Dataset, &run.ConfigJSON, &createdStr)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("get run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT run_id, mode, dataset, config_json, created_at FROM runs ORDER BY rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var createdStr string
		if err := rows.Scan(&run.RunID, &run.Mode, &run.Dataset, &run.ConfigJSON, &createdStr); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
// #endregion runs

// #region commit-epoch

// CommitEpoch inserts rec as the run's newest version and moves the run's
// active pointer to it atomically. VersionID, ParentID and CreatedAt are
// assigned here; the committed record is returned.
func (s *Store) CommitEpoch(rec EpochRecord) (EpochRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return EpochRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var parent sql.NullString
	err = tx.QueryRow(`SELECT version_id FROM active_epoch WHERE run_id = ?`, rec.RunID).Scan(&parent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return EpochRecord{}, fmt.Errorf("get active: %w", err)
	}

	rec.VersionID = uuid.New().String()
	rec.ParentID = parent.String
	rec.CreatedAt = time.Now().UTC()

	var parentPtr interface{}
	if rec.ParentID != "" {
		parentPtr = rec.ParentID
	}
	var metricsPtr interface{}
	if rec.MetricsJSON != "" {
		metricsPtr = rec.MetricsJSON
	}

	_, err = tx.Exec(
		`INSERT INTO epoch_states (version_id, run_id, parent_id, epoch, base_epoch, lr, early_stop_count,
		 min_valid_loss, train_loss, valid_loss, action, created_at, metrics_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.VersionID, rec.RunID, parentPtr, rec.Epoch, rec.State.BaseEpoch, rec.State.LR,
		rec.State.EarlyStopCount, rec.State.MinValidLoss, rec.TrainLoss, rec.ValidLoss,
		string(rec.Action), rec.CreatedAt.Format(time.RFC3339Nano), metricsPtr,
	)
	if err != nil {
		return EpochRecord{}, fmt.Errorf("insert epoch state: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO active_epoch (run_id, version_id) VALUES (?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET version_id = excluded.version_id`,
		rec.RunID, rec.VersionID,
	)
	if err != nil {
		return EpochRecord{}, fmt.Errorf("set active: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return EpochRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}
// #endregion commit-epoch

// #region read-epochs

const epochColumns = `version_id, run_id, parent_id, epoch, base_epoch, lr, early_stop_count,
	min_valid_loss, train_loss, valid_loss, action, created_at, metrics_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanEpoch(sc scanner) (EpochRecord, error) {
	var rec EpochRecord
	var parentID, metricsJSON sql.NullString
	var action, createdStr string
	err := sc.Scan(&rec.VersionID, &rec.RunID, &parentID, &rec.Epoch, &rec.State.BaseEpoch, &rec.State.LR,
		&rec.State.EarlyStopCount, &rec.State.MinValidLoss, &rec.TrainLoss, &rec.ValidLoss,
		&action, &createdStr, &metricsJSON)
	if err != nil {
		return EpochRecord{}, err
	}
	rec.ParentID = parentID.String
	rec.MetricsJSON = metricsJSON.String
	rec.Action = plateau.Action(action)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return rec, nil
}

// Current returns the run's active epoch record.
func (s *Store) Current(runID string) (EpochRecord, error) {
	var versionID string
	err := s.db.QueryRow(`SELECT version_id FROM active_epoch WHERE run_id = ?`, runID).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return EpochRecord{}, fmt.Errorf("get active %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return EpochRecord{}, fmt.Errorf("get active %s: %w", runID, err)
	}
	return s.GetVersion(versionID)
}

// GetVersion retrieves one epoch record by version ID.
func (s *Store) GetVersion(id string) (EpochRecord, error) {
	rec, err := scanEpoch(s.db.QueryRow(`SELECT `+epochColumns+` FROM epoch_states WHERE version_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return EpochRecord{}, fmt.Errorf("get version %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return EpochRecord{}, fmt.Errorf("get version %s: %w", id, err)
	}
	return rec, nil
}

// ListEpochs returns every epoch record of a run in commit order.
func (s *Store) ListEpochs(runID string) ([]EpochRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+epochColumns+` FROM epoch_states WHERE run_id = ? ORDER BY rowid ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}
	defer rows.Close()

	var records []EpochRecord
	for rows.Next() {
		rec, err := scanEpoch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
// #endregion read-epochs
