package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"abcsmc/internal/model"

	_ "modernc.org/sqlite"
)

var (
	particleColumns = []string{"serial", "idx", "status", "seed", "attempts", "posterior_rank", "raw_payload", "sim_payload", "start_time", "duration_ms"}
	metricColumns   = []string{"serial", "payload"}
)

type SQLiteStore struct {
	path     string
	readOnly bool

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

// NewReadOnlySQLiteStore opens an existing database without creating the file
// or its tables. Every write fails.
func NewReadOnlySQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path, readOnly: true}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if s.readOnly {
		if _, err := os.Stat(s.path); err != nil {
			return fmt.Errorf("open %s: %w", s.path, err)
		}
		dsn = "file:" + s.path + "?mode=ro&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return err
	}
	// Single writer: the coordinator serializes every commit.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if !s.readOnly {
		if err := createTables(ctx, db); err != nil {
			_ = db.Close()
			return err
		}
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveDefinitions(ctx context.Context, defs model.Definitions) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeDefinitions(defs)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO definitions (id, schema_version, codec_version, payload)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, defs.SchemaVersion, defs.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetDefinitions(ctx context.Context) (model.Definitions, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Definitions{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM definitions WHERE id = 1`).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Definitions{}, false, nil
		}
		return model.Definitions{}, false, err
	}

	defs, err := DecodeDefinitions(payload)
	if err != nil {
		return model.Definitions{}, false, fmt.Errorf("decode definitions: %w", err)
	}
	return defs, true, nil
}

func (s *SQLiteStore) CreateSet(ctx context.Context, generation int, particles []model.Particle) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE %s (
			serial INTEGER PRIMARY KEY,
			idx INTEGER NOT NULL UNIQUE,
			status TEXT NOT NULL CHECK (status IN ('in_progress', 'complete')),
			seed TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			posterior_rank INTEGER NOT NULL DEFAULT -1,
			raw_payload TEXT NOT NULL,
			sim_payload TEXT NOT NULL,
			start_time TEXT,
			duration_ms INTEGER
		);
		CREATE TABLE %s (
			serial INTEGER PRIMARY KEY REFERENCES %s(serial),
			payload TEXT NOT NULL
		);
	`, particleTable(generation), metricTable(generation), particleTable(generation))); err != nil {
		return fmt.Errorf("create set %d: %w", generation, err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (serial, idx, status, seed, attempts, posterior_rank, raw_payload, sim_payload)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
	`, particleTable(generation)))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range particles {
		raw, err := EncodeVector(p.Raw)
		if err != nil {
			return err
		}
		sim, err := EncodeVector(p.Sim)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, p.Serial, p.Index, string(model.StatusInProgress), fmt.Sprint(p.Seed), p.PosteriorRank, string(raw), string(sim)); err != nil {
			return fmt.Errorf("insert serial %d: %w", p.Serial, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetParticles(ctx context.Context, generation int) ([]model.Particle, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	exists, err := tableExists(ctx, db, particleTable(generation))
	if err != nil || !exists {
		return nil, false, err
	}
	if err := verifyColumns(ctx, db, particleTable(generation), particleColumns); err != nil {
		return nil, false, err
	}
	if err := verifyColumns(ctx, db, metricTable(generation), metricColumns); err != nil {
		return nil, false, err
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT p.serial, p.idx, p.status, p.seed, p.attempts, p.posterior_rank, p.raw_payload, p.sim_payload,
			COALESCE(p.start_time, ''), COALESCE(p.duration_ms, 0), m.payload
		FROM %s p LEFT JOIN %s m ON m.serial = p.serial
		ORDER BY p.idx
	`, particleTable(generation), metricTable(generation)))
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var out []model.Particle
	for rows.Next() {
		var (
			p          model.Particle
			status     string
			seed       string
			raw, sim   string
			started    string
			durationMS int64
			metrics    sql.NullString
		)
		if err := rows.Scan(&p.Serial, &p.Index, &status, &seed, &p.Attempts, &p.PosteriorRank, &raw, &sim, &started, &durationMS, &metrics); err != nil {
			return nil, false, err
		}
		p.Generation = generation
		p.Status = model.ParticleStatus(status)
		if _, err := fmt.Sscan(seed, &p.Seed); err != nil {
			return nil, false, fmt.Errorf("decode seed of serial %d: %w", p.Serial, err)
		}
		if p.Raw, err = DecodeVector([]byte(raw)); err != nil {
			return nil, false, fmt.Errorf("decode parameters of serial %d: %w", p.Serial, err)
		}
		if p.Sim, err = DecodeVector([]byte(sim)); err != nil {
			return nil, false, fmt.Errorf("decode simulator parameters of serial %d: %w", p.Serial, err)
		}
		if started != "" {
			if p.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
				return nil, false, fmt.Errorf("decode start time of serial %d: %w", p.Serial, err)
			}
		}
		p.Duration = time.Duration(durationMS) * time.Millisecond
		if p.Complete() {
			if !metrics.Valid {
				return nil, false, fmt.Errorf("%w: serial %d is complete without metrics", ErrSchemaMismatch, p.Serial)
			}
			if p.Metrics, err = DecodeVector([]byte(metrics.String)); err != nil {
				return nil, false, fmt.Errorf("decode metrics of serial %d: %w", p.Serial, err)
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *SQLiteStore) CompleteParticle(ctx context.Context, generation int, completion Completion) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeVector(completion.Metrics)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (serial, payload) VALUES (?, ?)
		ON CONFLICT(serial) DO UPDATE SET payload = excluded.payload
	`, metricTable(generation)), completion.Serial, string(payload)); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = ?, attempts = ?, start_time = ?, duration_ms = ?
		WHERE serial = ?
	`, particleTable(generation)), string(model.StatusComplete), completion.Attempts,
		completion.StartedAt.UTC().Format(time.RFC3339Nano), completion.Duration.Milliseconds(), completion.Serial)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return fmt.Errorf("serial %d not found in set %d", completion.Serial, generation)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveSetSummary(ctx context.Context, summary model.SetSummary) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	prior, err := EncodeIndices(summary.PredictivePrior)
	if err != nil {
		return err
	}
	weights, err := EncodeVector(summary.Weights)
	if err != nil {
		return err
	}
	distances, err := EncodeVector(summary.Distances)
	if err != nil {
		return err
	}
	variances, err := EncodeVector(summary.DoubledVariances)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO sets (generation, schema_version, codec_version, complete, kernel_kind, predictive_prior, weights, distances, doubled_variances, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(generation) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			complete = excluded.complete,
			kernel_kind = excluded.kernel_kind,
			predictive_prior = excluded.predictive_prior,
			weights = excluded.weights,
			distances = excluded.distances,
			doubled_variances = excluded.doubled_variances,
			created_at = excluded.created_at
	`, summary.Generation, summary.SchemaVersion, summary.CodecVersion, summary.Complete, string(summary.KernelKind),
		string(prior), string(weights), string(distances), string(variances), summary.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) GetSetSummaries(ctx context.Context) ([]model.SetSummary, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT generation, schema_version, codec_version, complete, kernel_kind, predictive_prior, weights, distances, doubled_variances, created_at
		FROM sets ORDER BY generation
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SetSummary
	for rows.Next() {
		var (
			summary   model.SetSummary
			kind      string
			prior     string
			weights   string
			distances string
			vars      string
			created   string
		)
		if err := rows.Scan(&summary.Generation, &summary.SchemaVersion, &summary.CodecVersion, &summary.Complete, &kind, &prior, &weights, &distances, &vars, &created); err != nil {
			return nil, err
		}
		if err := checkVersion(summary.VersionedRecord); err != nil {
			return nil, fmt.Errorf("set %d: %w", summary.Generation, err)
		}
		summary.KernelKind = model.KernelKind(kind)
		if summary.PredictivePrior, err = DecodeIndices([]byte(prior)); err != nil {
			return nil, fmt.Errorf("decode predictive prior of set %d: %w", summary.Generation, err)
		}
		if summary.Weights, err = DecodeVector([]byte(weights)); err != nil {
			return nil, fmt.Errorf("decode weights of set %d: %w", summary.Generation, err)
		}
		if summary.Distances, err = DecodeVector([]byte(distances)); err != nil {
			return nil, fmt.Errorf("decode distances of set %d: %w", summary.Generation, err)
		}
		if summary.DoubledVariances, err = DecodeVector([]byte(vars)); err != nil {
			return nil, fmt.Errorf("decode doubled variances of set %d: %w", summary.Generation, err)
		}
		if summary.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("decode created_at of set %d: %w", summary.Generation, err)
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func particleTable(generation int) string {
	return fmt.Sprintf("particles_%d", generation)
}

func metricTable(generation int) string {
	return fmt.Sprintf("metrics_%d", generation)
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS definitions (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sets (
			generation INTEGER PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			complete INTEGER NOT NULL,
			kernel_kind TEXT NOT NULL,
			predictive_prior TEXT NOT NULL,
			weights TEXT NOT NULL,
			distances TEXT NOT NULL,
			doubled_variances TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`)
	return err
}

func tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var found string
	err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func verifyColumns(ctx context.Context, db *sql.DB, table string, want []string) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT name FROM pragma_table_info('%s')`, table))
	if err != nil {
		return err
	}
	defer rows.Close()

	have := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		have[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(have) == 0 {
		return fmt.Errorf("%w: table %s is missing", ErrSchemaMismatch, table)
	}
	var missing []string
	for _, col := range want {
		if _, ok := have[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: table %s lacks columns %s", ErrSchemaMismatch, table, strings.Join(missing, ", "))
	}
	return nil
}
