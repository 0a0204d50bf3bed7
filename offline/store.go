// Package offline persists the artifacts of an offline training run
// so a run can be inspected or resumed later.
//
// Data splits into two halves: basis-independent state (parameter
// ranges and the training set) and basis-dependent state (greedy
// selections, bound history, basis vectors). A Scope selects which
// half a write or read touches.
//
// The store is plain SQLite on disk. Calls are not collective; in a
// distributed run only rank 0 should touch the store.
package offline

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rbtrain/rbtrain/rb"
)

// Scope selects which part of a run's offline data an operation
// covers.
type Scope int

const (
	// ScopeAll covers both halves.
	ScopeAll Scope = iota

	// ScopeBasisIndependent covers parameter ranges and training
	// samples: everything that exists before the greedy loop runs.
	ScopeBasisIndependent

	// ScopeBasisDependent covers greedy selections, the bound
	// history, and basis vectors.
	ScopeBasisDependent
)

// RunData is the offline state of one training run. Fields outside
// the requested scope are left nil.
type RunData struct {
	// Basis-independent.
	Ranges  *rb.ParameterRanges
	Samples map[string][]float64

	// Basis-dependent.
	Selected []*rb.ParameterSet
	Bounds   []float64
	Basis    [][]float64
}

// A Store reads and writes offline run data under one directory.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE TABLE IF NOT EXISTS params (
	run TEXT NOT NULL,
	name TEXT NOT NULL,
	min REAL NOT NULL,
	max REAL NOT NULL,
	log_scale INTEGER NOT NULL,
	discrete TEXT NOT NULL,
	PRIMARY KEY (run, name)
);
CREATE TABLE IF NOT EXISTS samples (
	run TEXT NOT NULL,
	name TEXT NOT NULL,
	idx INTEGER NOT NULL,
	value REAL NOT NULL,
	PRIMARY KEY (run, name, idx)
);
CREATE TABLE IF NOT EXISTS greedy (
	run TEXT NOT NULL,
	iter INTEGER NOT NULL,
	bound REAL NOT NULL,
	PRIMARY KEY (run, iter)
);
CREATE TABLE IF NOT EXISTS greedy_params (
	run TEXT NOT NULL,
	iter INTEGER NOT NULL,
	name TEXT NOT NULL,
	value REAL NOT NULL,
	PRIMARY KEY (run, iter, name)
);
CREATE TABLE IF NOT EXISTS basis (
	run TEXT NOT NULL,
	idx INTEGER NOT NULL,
	vec BLOB NOT NULL,
	PRIMARY KEY (run, idx)
);
`

// Open opens (creating if needed) the offline store in a directory.
func Open(dir string) (*Store, error) {
	db, err := sql.Open("sqlite", filepath.Join(dir, "offline.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("offline: open store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("offline: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun registers a new run and returns its identifier.
func (s *Store) CreateRun() (string, error) {
	id := uuid.NewString()
	if _, err := s.db.Exec("INSERT INTO runs (id) VALUES (?)", id); err != nil {
		return "", fmt.Errorf("offline: create run: %w", err)
	}
	return id, nil
}

// Runs lists the known run identifiers, oldest first.
func (s *Store) Runs() ([]string, error) {
	rows, err := s.db.Query("SELECT id FROM runs ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("offline: list runs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("offline: list runs: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// WriteOfflineData writes the in-scope parts of data for a run in a
// single transaction, replacing any earlier data in the same scope.
func (s *Store) WriteOfflineData(runID string, data *RunData, scope Scope) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("offline: write run %s: %w", runID, err)
	}

	if scope == ScopeAll || scope == ScopeBasisIndependent {
		if err := writeBasisIndependent(tx, runID, data); err != nil {
			tx.Rollback()
			return fmt.Errorf("offline: write run %s: %w", runID, err)
		}
	}
	if scope == ScopeAll || scope == ScopeBasisDependent {
		if err := writeBasisDependent(tx, runID, data); err != nil {
			tx.Rollback()
			return fmt.Errorf("offline: write run %s: %w", runID, err)
		}
	}
	return tx.Commit()
}

// ReadOfflineData reads the in-scope parts of a run's data.
func (s *Store) ReadOfflineData(runID string, scope Scope) (*RunData, error) {
	data := &RunData{}
	if scope == ScopeAll || scope == ScopeBasisIndependent {
		if err := s.readBasisIndependent(runID, data); err != nil {
			return nil, fmt.Errorf("offline: read run %s: %w", runID, err)
		}
	}
	if scope == ScopeAll || scope == ScopeBasisDependent {
		if err := s.readBasisDependent(runID, data); err != nil {
			return nil, fmt.Errorf("offline: read run %s: %w", runID, err)
		}
	}
	return data, nil
}

func writeBasisIndependent(tx *sql.Tx, runID string, data *RunData) error {
	for _, table := range []string{"params", "samples"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE run = ?", runID); err != nil {
			return err
		}
	}

	if data.Ranges != nil {
		stmt, err := tx.Prepare(
			"INSERT INTO params (run, name, min, max, log_scale, discrete) VALUES (?, ?, ?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, name := range data.Ranges.Names() {
			logScale := 0
			if data.Ranges.LogScale(name) {
				logScale = 1
			}
			_, err := stmt.Exec(runID, name,
				data.Ranges.Min().Value(name), data.Ranges.Max().Value(name),
				logScale, encodeDiscrete(data.Ranges.DiscreteValues(name)))
			if err != nil {
				return err
			}
		}
	}

	if data.Samples != nil {
		stmt, err := tx.Prepare(
			"INSERT INTO samples (run, name, idx, value) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for name, vals := range data.Samples {
			for i, v := range vals {
				if _, err := stmt.Exec(runID, name, i, v); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func writeBasisDependent(tx *sql.Tx, runID string, data *RunData) error {
	for _, table := range []string{"greedy", "greedy_params", "basis"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE run = ?", runID); err != nil {
			return err
		}
	}

	boundStmt, err := tx.Prepare("INSERT INTO greedy (run, iter, bound) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer boundStmt.Close()
	for i, bound := range data.Bounds {
		if _, err := boundStmt.Exec(runID, i, bound); err != nil {
			return err
		}
	}

	paramStmt, err := tx.Prepare(
		"INSERT INTO greedy_params (run, iter, name, value) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer paramStmt.Close()
	for i, ps := range data.Selected {
		for _, name := range ps.Names() {
			if _, err := paramStmt.Exec(runID, i, name, ps.Value(name)); err != nil {
				return err
			}
		}
	}

	basisStmt, err := tx.Prepare("INSERT INTO basis (run, idx, vec) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer basisStmt.Close()
	for i, vec := range data.Basis {
		if _, err := basisStmt.Exec(runID, i, encodeVector(vec)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) readBasisIndependent(runID string, data *RunData) error {
	rows, err := s.db.Query(
		"SELECT name, min, max, log_scale, discrete FROM params WHERE run = ? ORDER BY name", runID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var names []string
	mins := map[string]float64{}
	maxs := map[string]float64{}
	logs := map[string]bool{}
	discretes := map[string][]float64{}
	for rows.Next() {
		var name, discrete string
		var minV, maxV float64
		var logScale int
		if err := rows.Scan(&name, &minV, &maxV, &logScale, &discrete); err != nil {
			return err
		}
		names = append(names, name)
		mins[name], maxs[name] = minV, maxV
		logs[name] = logScale != 0
		if vals, err := decodeDiscrete(discrete); err != nil {
			return err
		} else if len(vals) > 0 {
			discretes[name] = vals
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(names) > 0 {
		minPs := rb.NewParameterSet(names...)
		maxPs := rb.NewParameterSet(names...)
		for _, name := range names {
			minPs.Set(name, mins[name])
			maxPs.Set(name, maxs[name])
		}
		ranges, err := rb.NewParameterRanges(minPs, maxPs)
		if err != nil {
			return err
		}
		for _, name := range names {
			ranges.SetLogScale(name, logs[name])
			if vals, ok := discretes[name]; ok {
				ranges.SetDiscreteValues(name, vals)
			}
		}
		data.Ranges = ranges
	}

	sampleRows, err := s.db.Query(
		"SELECT name, idx, value FROM samples WHERE run = ? ORDER BY name, idx", runID)
	if err != nil {
		return err
	}
	defer sampleRows.Close()
	data.Samples = map[string][]float64{}
	for sampleRows.Next() {
		var name string
		var idx int
		var v float64
		if err := sampleRows.Scan(&name, &idx, &v); err != nil {
			return err
		}
		data.Samples[name] = append(data.Samples[name], v)
	}
	return sampleRows.Err()
}

func (s *Store) readBasisDependent(runID string, data *RunData) error {
	rows, err := s.db.Query("SELECT bound FROM greedy WHERE run = ? ORDER BY iter", runID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var bound float64
		if err := rows.Scan(&bound); err != nil {
			return err
		}
		data.Bounds = append(data.Bounds, bound)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	paramRows, err := s.db.Query(
		"SELECT iter, name, value FROM greedy_params WHERE run = ? ORDER BY iter, name", runID)
	if err != nil {
		return err
	}
	defer paramRows.Close()
	byIter := map[int]map[string]float64{}
	maxIter := -1
	for paramRows.Next() {
		var iter int
		var name string
		var v float64
		if err := paramRows.Scan(&iter, &name, &v); err != nil {
			return err
		}
		if byIter[iter] == nil {
			byIter[iter] = map[string]float64{}
		}
		byIter[iter][name] = v
		if iter > maxIter {
			maxIter = iter
		}
	}
	if err := paramRows.Err(); err != nil {
		return err
	}
	for iter := 0; iter <= maxIter; iter++ {
		vals := byIter[iter]
		names := make([]string, 0, len(vals))
		for name := range vals {
			names = append(names, name)
		}
		ps := rb.NewParameterSet(names...)
		for name, v := range vals {
			ps.Set(name, v)
		}
		data.Selected = append(data.Selected, ps)
	}

	basisRows, err := s.db.Query("SELECT vec FROM basis WHERE run = ? ORDER BY idx", runID)
	if err != nil {
		return err
	}
	defer basisRows.Close()
	for basisRows.Next() {
		var blob []byte
		if err := basisRows.Scan(&blob); err != nil {
			return err
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return err
		}
		data.Basis = append(data.Basis, vec)
	}
	return basisRows.Err()
}

// encodeVector packs a vector as little-endian float64 bytes.
func encodeVector(vec []float64) []byte {
	out := make([]byte, 8*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(v))
	}
	return out
}

func decodeVector(blob []byte) ([]float64, error) {
	if len(blob)%8 != 0 {
		return nil, fmt.Errorf("basis blob has %d bytes, not a multiple of 8", len(blob))
	}
	out := make([]float64, len(blob)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(blob[8*i:]))
	}
	return out, nil
}

// encodeDiscrete packs a discrete value list as a comma-separated
// string, empty for continuous parameters.
func encodeDiscrete(vals []float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

func decodeDiscrete(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("bad discrete value %q: %w", part, err)
		}
		out[i] = v
	}
	return out, nil
}
