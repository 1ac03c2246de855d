package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chaintrack/internal/model"
)

const testHash = "0x88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b"

func sampleRecord(t *testing.T, summary string) AnalysisRecord {
	t.Helper()
	result := model.SafeDefault()
	result.Summary = summary
	result.FeePrediction = "0.00063 ETH"
	record, err := NewAnalysisRecord(testHash, "ethereum", "client-1", result, false, time.Unix(1_700_000_000, 0))
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	return record
}

func TestNewAnalysisRecordRequiresHash(t *testing.T) {
	if _, err := NewAnalysisRecord("  ", "ethereum", "", model.SafeDefault(), false, time.Now()); err == nil {
		t.Fatal("empty hash must be rejected")
	}
}

func TestSQLiteUpsertAndGet(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenSQLite(filepath.Join(dir, "analyses.db"), "")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	first := sampleRecord(t, "first")
	if err := store.UpsertAnalysis(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second := sampleRecord(t, "second")
	second.UpdatedAt = second.UpdatedAt.Add(time.Minute)
	if err := store.UpsertAnalysis(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := store.GetAnalysis(ctx, testHash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != first.ID {
		t.Fatal("upsert by hash should keep the original id")
	}
	result, err := got.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Summary != "second" || got.FeePrediction != "0.00063 ETH" {
		t.Fatalf("upsert should replace the analysis, got %+v", result)
	}

	list, err := store.ListRecentAnalyses(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected a single row per hash, got %d", len(list))
	}
}

func TestSQLiteMissingAnalysis(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "analyses.db"), "")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	if _, err := store.GetAnalysis(context.Background(), "0xmissing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreWithoutPool(t *testing.T) {
	var store *Store
	if err := store.UpsertAnalysis(context.Background(), AnalysisRecord{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

type memorySink struct {
	mu      sync.Mutex
	records map[string]AnalysisRecord
	fail    bool
	block   chan struct{}
}

func (m *memorySink) UpsertAnalysis(ctx context.Context, record AnalysisRecord) error {
	if m.block != nil {
		<-m.block
	}
	if m.fail {
		return errors.New("disk full")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = map[string]AnalysisRecord{}
	}
	m.records[record.TxHash] = record
	return nil
}

func (m *memorySink) GetAnalysis(ctx context.Context, txHash string) (AnalysisRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[txHash]
	if !ok {
		return AnalysisRecord{}, ErrNotFound
	}
	return record, nil
}

func (m *memorySink) ListRecentAnalyses(ctx context.Context, limit int) ([]AnalysisRecord, error) {
	return nil, nil
}

func (m *memorySink) Close() {}

func TestWriterPersistsAndFlushes(t *testing.T) {
	sink := &memorySink{}
	w := NewWriter(sink, 4, time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	if !w.Enqueue(sampleRecord(t, "queued")) {
		t.Fatal("enqueue should succeed")
	}
	cancel()
	<-done

	if _, err := sink.GetAnalysis(context.Background(), testHash); err != nil {
		t.Fatalf("record should be flushed on shutdown: %v", err)
	}
	if stats := w.Stats(); stats.Written != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestWriterDropsWhenFull(t *testing.T) {
	w := NewWriter(&memorySink{}, 1, time.Second, zerolog.Nop())
	if !w.Enqueue(sampleRecord(t, "a")) {
		t.Fatal("first enqueue should fit")
	}
	if w.Enqueue(sampleRecord(t, "b")) {
		t.Fatal("second enqueue should be dropped without a running consumer")
	}
	if w.Stats().Dropped != 1 {
		t.Fatalf("drop should be counted, got %+v", w.Stats())
	}
}

func TestWriterSwallowsFailures(t *testing.T) {
	w := NewWriter(&memorySink{fail: true}, 2, time.Second, zerolog.Nop())
	w.Enqueue(sampleRecord(t, "a"))
	w.flush()
	if w.Stats().Failed != 1 {
		t.Fatalf("failure should be counted, got %+v", w.Stats())
	}
}

func TestDisabledWriter(t *testing.T) {
	w := NewWriter(nil, 2, time.Second, zerolog.Nop())
	if w.Enabled() || w.Enqueue(sampleRecord(t, "a")) {
		t.Fatal("writer without sink must discard")
	}
}
