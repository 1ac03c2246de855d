package resolver

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"chaintrack/internal/apperr"
	"chaintrack/internal/cache"
	"chaintrack/internal/fetcher"
	"chaintrack/internal/model"
)

type fakeExplorer struct {
	fakeSource
	rows  []fetcher.AccountTx
	calls int32
}

func (f *fakeExplorer) AddressTransactions(ctx context.Context, address string, limit int) ([]fetcher.AccountTx, error) {
	atomic.AddInt32(&f.calls, 1)
	if len(f.rows) > limit {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

const testAddress = "0x1111111111111111111111111111111111111111"

func TestAddressTransactionsNormalisesRows(t *testing.T) {
	explorer := &fakeExplorer{
		fakeSource: fakeSource{name: "explorer", configured: true},
		rows: []fetcher.AccountTx{
			{Hash: "0xAB", BlockNumber: "12", TimeStamp: "1700000000", From: testAddress, To: "0x2222222222222222222222222222222222222222", Value: "250000000000000000", GasUsed: "21000", GasPrice: "12000000000", IsError: "0", Status: "1"},
			{Hash: "0xCD", Value: "0", IsError: "1"},
		},
	}
	r, _ := newTestResolver(nil, explorer)

	records, err := r.AddressTransactions(context.Background(), testAddress, 5)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	first := records[0]
	if first.TxHash != "0xab" || first.ValueDecimal != "0.25" || first.GasPriceGwei != "12" {
		t.Fatalf("unexpected first record %+v", first)
	}
	if first.TimestampISO != "2023-11-14T22:13:20Z" || first.BlockNumber == nil || *first.BlockNumber != 12 {
		t.Fatalf("unexpected block fields %+v", first)
	}
	if records[1].Status != model.TxStatusFailed {
		t.Fatalf("isError=1 should be failed, got %s", records[1].Status)
	}
}

func TestAddressTransactionsCached(t *testing.T) {
	explorer := &fakeExplorer{
		fakeSource: fakeSource{name: "explorer", configured: true},
		rows:       []fetcher.AccountTx{{Hash: "0x01", Value: "1"}},
	}
	r, _ := newTestResolver(nil, explorer)

	for i := 0; i < 3; i++ {
		records, err := r.AddressTransactions(context.Background(), testAddress, 5)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		records[0].TxHash = "mutated"
	}
	if explorer.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", explorer.calls)
	}
	records, _ := r.AddressTransactions(context.Background(), testAddress, 5)
	if records[0].TxHash != "0x01" {
		t.Fatal("cached history must not be aliased")
	}
}

func TestAddressTransactionsValidation(t *testing.T) {
	r, _ := newTestResolver(nil, &fakeExplorer{fakeSource: fakeSource{name: "explorer"}})

	if _, err := r.AddressTransactions(context.Background(), "not-an-address", 5); !apperr.Is(err, apperr.KindInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := r.AddressTransactions(context.Background(), testAddress, 5); !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("expected configuration error without explorer key, got %v", err)
	}
}

type fakePrices struct {
	calls int32
}

func (f *fakePrices) FetchUSD(ctx context.Context, symbol string) (fetcher.Quote, error) {
	atomic.AddInt32(&f.calls, 1)
	if symbol != "ETH" {
		return fetcher.Quote{}, apperr.New(apperr.KindInvalidInput, "unsupported")
	}
	return fetcher.Quote{Symbol: symbol, AssetID: "ethereum", USD: decimal.RequireFromString("3000.5")}, nil
}

func TestPriceBookCachesQuotes(t *testing.T) {
	prices := &fakePrices{}
	book := NewPriceBook(prices, cache.New(time.Minute), time.Minute, time.Second, zerolog.Nop())

	for i := 0; i < 3; i++ {
		quote, err := book.USD(context.Background(), "eth")
		if err != nil {
			t.Fatalf("quote: %v", err)
		}
		if quote.USD.String() != "3000.5" {
			t.Fatalf("unexpected quote %s", quote.USD)
		}
	}
	if prices.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", prices.calls)
	}

	if _, err := book.USD(context.Background(), "doge"); !apperr.Is(err, apperr.KindInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
