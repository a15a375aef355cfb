package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/config"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/model"
)

// ErrCorrupt reports a checkpoint that cannot be restored into the current model.
var ErrCorrupt = errors.New("checkpoint corrupt")

// FinalSuffix marks an explicitly finalized checkpoint.
const FinalSuffix = ".final"

// #region format
type paramData struct {
	Name       string
	Rows, Cols int
	Data       []float64
}

type payload struct {
	Epoch  int
	Config []byte // config.Config.Snapshot
	Params []paramData
}

// envelope is what lands on disk: the gob-encoded payload and its SHA-256.
type envelope struct {
	Checksum [sha256.Size]byte
	Payload  []byte
}
// #endregion format

// #region manager
// Manager saves and restores model parameters at a fixed path.
type Manager struct {
	path string
}

// New returns a manager for path.
func New(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the regular checkpoint path.
func (m *Manager) Path() string { return m.path }

// FinalPath returns the finalized checkpoint path.
func (m *Manager) FinalPath() string { return m.path + FinalSuffix }

// Save writes params, the config snapshot and epoch to the checkpoint path.
func (m *Manager) Save(epoch int, params []*model.Param, cfg config.Config) error {
	return write(m.path, epoch, params, cfg)
}

// SaveFinal is Save to the finalized path.
func (m *Manager) SaveFinal(epoch int, params []*model.Param, cfg config.Config) error {
	return write(m.FinalPath(), epoch, params, cfg)
}

// Load restores params from the checkpoint path and returns the stored epoch.
func (m *Manager) Load(params []*model.Param) (int, error) {
	return LoadFrom(m.path, params)
}
// #endregion manager

// #region write
func write(path string, epoch int, params []*model.Param, cfg config.Config) error {
	snap, err := cfg.Snapshot()
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	p := payload{Epoch: epoch, Config: snap, Params: make([]paramData, len(params))}
	for i, prm := range params {
		r, c := prm.Value.Dims()
		data := make([]float64, 0, r*c)
		for row := 0; row < r; row++ {
			for col := 0; col < c; col++ {
				data = append(data, prm.Value.At(row, col))
			}
		}
		p.Params[i] = paramData{Name: prm.Name, Rows: r, Cols: c, Data: data}
	}

	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(p); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	env := envelope{Checksum: sha256.Sum256(body.Bytes()), Payload: body.Bytes()}
	var out bytes.Buffer
	if err := gob.NewEncoder(&out).Encode(env); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return atomicWrite(path, out.Bytes())
}

// atomicWrite writes data to a temp file next to path, syncs it and renames
// it over path. A failed write leaves any previous file at path intact.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}
// #endregion write

// #region read

// LoadFrom restores params from path and returns the stored epoch. Every
// parameter is validated before any is modified.
func LoadFrom(path string, params []*model.Param) (int, error) {
	p, err := read(path)
	if err != nil {
		return 0, err
	}

	byName := make(map[string]paramData, len(p.Params))
	for _, d := range p.Params {
		byName[d.Name] = d
	}
	if len(byName) != len(params) {
		return 0, fmt.Errorf("%w: %s holds %d parameters, model has %d", ErrCorrupt, path, len(byName), len(params))
	}
	for _, prm := range params {
		d, ok := byName[prm.Name]
		if !ok {
			return 0, fmt.Errorf("%w: %s has no parameter %q", ErrCorrupt, path, prm.Name)
		}
		r, c := prm.Value.Dims()
		if d.Rows != r || d.Cols != c || len(d.Data) != r*c {
			return 0, fmt.Errorf("%w: %s: parameter %q is %dx%d, model expects %dx%d", ErrCorrupt, path, prm.Name, d.Rows, d.Cols, r, c)
		}
	}

	for _, prm := range params {
		d := byName[prm.Name]
		for row := 0; row < d.Rows; row++ {
			for col := 0; col < d.Cols; col++ {
				prm.Value.Set(row, col, d.Data[row*d.Cols+col])
			}
		}
	}
	return p.Epoch, nil
}

// ReadConfig returns the config snapshot stored at path.
func ReadConfig(path string) ([]byte, error) {
	p, err := read(path)
	if err != nil {
		return nil, err
	}
	return p.Config, nil
}

func read(path string) (payload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return payload{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&env); err != nil {
		return payload{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if sha256.Sum256(env.Payload) != env.Checksum {
		return payload{}, fmt.Errorf("%w: %s: checksum mismatch", ErrCorrupt, path)
	}
	var p payload
	if err := gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(&p); err != nil {
		return payload{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return p, nil
}
// #endregion read
