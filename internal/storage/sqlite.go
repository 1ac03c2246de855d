package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const lockTimeout = 5 * time.Second

// SQLiteStore is a single-file analyses sink for local runs. Writes are
// serialised across processes with a file lock.
type SQLiteStore struct {
	db   *sql.DB
	lock *flock.Flock
}

// OpenSQLite opens (and initialises) the sqlite database at path.
func OpenSQLite(path, lockPath string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage.sqlite_path is required")
	}
	if lockPath == "" {
		lockPath = path + ".lock"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create analyses directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create analyses lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open analyses sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS analyses (
			tx_hash TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			chain TEXT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			anomaly_label TEXT NOT NULL,
			anomaly_score REAL NOT NULL,
			fee_prediction TEXT NOT NULL DEFAULT '',
			used_llm INTEGER NOT NULL DEFAULT 0,
			result BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_analyses_updated ON analyses(updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init analyses schema: %w", err)
		}
	}
	return &SQLiteStore{db: db, lock: flock.New(lockPath)}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// UpsertAnalysis persists or replaces the analysis of a transaction.
func (s *SQLiteStore) UpsertAnalysis(ctx context.Context, record AnalysisRecord) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock analyses store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock analyses store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analyses (tx_hash, id, chain, client_id, anomaly_label, anomaly_score, fee_prediction, used_llm, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_hash) DO UPDATE SET
			chain=excluded.chain,
			client_id=excluded.client_id,
			anomaly_label=excluded.anomaly_label,
			anomaly_score=excluded.anomaly_score,
			fee_prediction=excluded.fee_prediction,
			used_llm=excluded.used_llm,
			result=excluded.result,
			updated_at=excluded.updated_at
	`, record.TxHash, record.ID.String(), record.Chain, record.ClientID, record.AnomalyLabel, record.AnomalyScore,
		record.FeePrediction, boolToInt(record.UsedLLM), []byte(record.Result), record.CreatedAt.UTC().Unix(), record.UpdatedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("upsert analysis: %w", err)
	}
	return nil
}

// GetAnalysis loads the analysis of a transaction.
func (s *SQLiteStore) GetAnalysis(ctx context.Context, txHash string) (AnalysisRecord, error) {
	row := s.db.QueryRowContext(ctx, selectSQLiteColumns+" WHERE tx_hash = ?", txHash)
	record, err := scanSQLite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AnalysisRecord{}, ErrNotFound
		}
		return AnalysisRecord{}, fmt.Errorf("read analysis: %w", err)
	}
	return record, nil
}

// ListRecentAnalyses returns the most recently updated analyses.
func (s *SQLiteStore) ListRecentAnalyses(ctx context.Context, limit int) ([]AnalysisRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectSQLiteColumns+" ORDER BY updated_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	records := make([]AnalysisRecord, 0)
	for rows.Next() {
		record, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analysis rows: %w", err)
	}
	return records, nil
}

const selectSQLiteColumns = `SELECT tx_hash, id, chain, client_id, anomaly_label, anomaly_score, fee_prediction, used_llm, result, created_at, updated_at FROM analyses`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (AnalysisRecord, error) {
	var (
		record           AnalysisRecord
		id               string
		usedLLM          int
		result           []byte
		created, updated int64
	)
	if err := row.Scan(&record.TxHash, &id, &record.Chain, &record.ClientID, &record.AnomalyLabel, &record.AnomalyScore,
		&record.FeePrediction, &usedLLM, &result, &created, &updated); err != nil {
		return AnalysisRecord{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return AnalysisRecord{}, fmt.Errorf("parse analysis id: %w", err)
	}
	record.ID = parsed
	record.UsedLLM = usedLLM != 0
	record.Result = result
	record.CreatedAt = time.Unix(created, 0).UTC()
	record.UpdatedAt = time.Unix(updated, 0).UTC()
	return record, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

var _ AnalysisStore = (*SQLiteStore)(nil)
