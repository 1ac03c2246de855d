package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when no analysis exists for a hash.
	ErrNotFound = errors.New("storage: analysis not found")
)

const (
	createAnalysesSQL = `CREATE TABLE IF NOT EXISTS analyses (
        tx_hash        TEXT PRIMARY KEY,
        id             UUID NOT NULL,
        chain          TEXT NOT NULL,
        client_id      TEXT NOT NULL DEFAULT '',
        anomaly_label  TEXT NOT NULL,
        anomaly_score  DOUBLE PRECISION NOT NULL,
        fee_prediction TEXT NOT NULL DEFAULT '',
        used_llm       BOOLEAN NOT NULL DEFAULT FALSE,
        result         JSONB NOT NULL,
        created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
        updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	createAnalysesIndexSQL = `CREATE INDEX IF NOT EXISTS idx_analyses_updated ON analyses (updated_at DESC);`

	upsertAnalysisSQL = `INSERT INTO analyses (
        tx_hash,
        id,
        chain,
        client_id,
        anomaly_label,
        anomaly_score,
        fee_prediction,
        used_llm,
        result,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (tx_hash) DO UPDATE
    SET
        chain          = EXCLUDED.chain,
        client_id      = EXCLUDED.client_id,
        anomaly_label  = EXCLUDED.anomaly_label,
        anomaly_score  = EXCLUDED.anomaly_score,
        fee_prediction = EXCLUDED.fee_prediction,
        used_llm       = EXCLUDED.used_llm,
        result         = EXCLUDED.result,
        updated_at     = EXCLUDED.updated_at;`

	getAnalysisSQL = `SELECT
        tx_hash,
        id,
        chain,
        client_id,
        anomaly_label,
        anomaly_score,
        fee_prediction,
        used_llm,
        result,
        created_at,
        updated_at
    FROM analyses
    WHERE tx_hash = $1;`

	listRecentAnalysesSQL = `SELECT
        tx_hash,
        id,
        chain,
        client_id,
        anomaly_label,
        anomaly_score,
        fee_prediction,
        used_llm,
        result,
        created_at,
        updated_at
    FROM analyses
    ORDER BY updated_at DESC
    LIMIT $1;`
)

// AnalysisStore persists analyses keyed by transaction hash.
type AnalysisStore interface {
	UpsertAnalysis(ctx context.Context, record AnalysisRecord) error
	GetAnalysis(ctx context.Context, txHash string) (AnalysisRecord, error)
	ListRecentAnalyses(ctx context.Context, limit int) ([]AnalysisRecord, error)
	Close()
}

// Store is the PostgreSQL analyses sink.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the analyses table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createAnalysesSQL, createAnalysesIndexSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure analyses schema: %w", err)
		}
	}
	return nil
}

// UpsertAnalysis persists or replaces the analysis of a transaction.
func (s *Store) UpsertAnalysis(ctx context.Context, record AnalysisRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, upsertAnalysisSQL,
		record.TxHash,
		record.ID,
		record.Chain,
		record.ClientID,
		record.AnomalyLabel,
		record.AnomalyScore,
		record.FeePrediction,
		record.UsedLLM,
		record.Result,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert analysis: %w", err)
	}
	return nil
}

// GetAnalysis loads the analysis of a transaction.
func (s *Store) GetAnalysis(ctx context.Context, txHash string) (AnalysisRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AnalysisRecord{}, err
	}

	record, err := scanAnalysis(pool.QueryRow(ctx, getAnalysisSQL, txHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AnalysisRecord{}, ErrNotFound
		}
		return AnalysisRecord{}, fmt.Errorf("get analysis: %w", err)
	}
	return record, nil
}

// ListRecentAnalyses returns the most recently updated analyses.
func (s *Store) ListRecentAnalyses(ctx context.Context, limit int) ([]AnalysisRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := pool.Query(ctx, listRecentAnalysesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var records []AnalysisRecord
	for rows.Next() {
		record, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analyses: %w", err)
	}
	return records, nil
}

func scanAnalysis(row pgx.Row) (AnalysisRecord, error) {
	var record AnalysisRecord
	err := row.Scan(
		&record.TxHash,
		&record.ID,
		&record.Chain,
		&record.ClientID,
		&record.AnomalyLabel,
		&record.AnomalyScore,
		&record.FeePrediction,
		&record.UsedLLM,
		&record.Result,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	return record, err
}

var _ AnalysisStore = (*Store)(nil)
