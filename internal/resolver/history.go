package resolver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"chaintrack/internal/apperr"
	"chaintrack/internal/bounded"
	"chaintrack/internal/cache"
	"chaintrack/internal/fetcher"
	"chaintrack/internal/model"
)

const maxHistoryLimit = 100

// AddressTransactions lists recent transactions of address as canonical records.
func (r *Resolver) AddressTransactions(ctx context.Context, address string, limit int) ([]model.TransactionRecord, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return nil, apperr.New(apperr.KindInvalidInput, "address must be a 20-byte hex string")
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if r.history == nil || !r.fallbackConfigured() {
		return nil, apperr.New(apperr.KindConfiguration, "address history requires an explorer api key")
	}

	checksummed := common.HexToAddress(address).Hex()
	key := fmt.Sprintf("%s%s:%d", cache.NamespaceAddrTx, strings.ToLower(checksummed), limit)
	if records, ok := cache.Lookup[[]model.TransactionRecord](r.cache, key); ok {
		return copyRecords(records), nil
	}

	rows, err := bounded.Call(ctx, r.opts.StepTimeout, func(ctx context.Context) ([]fetcher.AccountTx, error) {
		return r.history.AddressTransactions(ctx, checksummed, limit)
	})
	if err != nil {
		return nil, err
	}

	now := r.opts.Now().UTC().Format(time.RFC3339)
	records := make([]model.TransactionRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, accountRecord(row, now))
	}

	if r.cache != nil {
		r.cache.Set(key, copyRecords(records), r.opts.AddressTTL)
	}
	return records, nil
}

func accountRecord(row fetcher.AccountTx, fetchedAt string) model.TransactionRecord {
	record := model.TransactionRecord{
		TxHash:       strings.ToLower(row.Hash),
		Chain:        ChainEthereum,
		From:         row.From,
		To:           row.To,
		ValueDecimal: "0",
		TokenSymbol:  "ETH",
		Status:       model.TxStatusConfirmed,
		FetchedAtISO: fetchedAt,
		TimestampISO: fetchedAt,
		Source:       model.SourceExplorer,
	}
	if row.IsError == "1" || row.Status == "0" {
		record.Status = model.TxStatusFailed
	}
	if v, err := decimal.NewFromString(row.Value); err == nil {
		record.ValueDecimal = v.Shift(-18).String()
	}
	if transfer, ok := fetcher.DecodeTransfer(row.To, row.Input); ok {
		record.TokenSymbol = transfer.Token.Symbol
		record.TokenContract = transfer.Contract
		record.To = transfer.Recipient
		record.ValueDecimal = transfer.Amount.String()
	}
	if n, err := strconv.ParseUint(row.BlockNumber, 10, 64); err == nil {
		record.BlockNumber = &n
	}
	if ts, err := strconv.ParseInt(row.TimeStamp, 10, 64); err == nil {
		record.TimestampISO = time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}
	if n, err := strconv.ParseUint(row.GasUsed, 10, 64); err == nil {
		record.GasUsed = &n
	}
	if wei, err := decimal.NewFromString(row.GasPrice); err == nil {
		record.GasPriceGwei = wei.Shift(gweiExp).String()
	}
	return record
}

func copyRecords(in []model.TransactionRecord) []model.TransactionRecord {
	out := make([]model.TransactionRecord, len(in))
	for i, record := range in {
		out[i] = record.Copy()
	}
	return out
}
