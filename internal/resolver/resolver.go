package resolver

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"chaintrack/internal/apperr"
	"chaintrack/internal/bounded"
	"chaintrack/internal/cache"
	"chaintrack/internal/fetcher"
	"chaintrack/internal/model"
)

const (
	// ChainEthereum is the only chain currently resolved.
	ChainEthereum = "ethereum"

	// SampleAddress is used for both parties of a synthesized sample record.
	SampleAddress = "0x5A3D1E0000000000000000000000000000C0FFEE"

	defaultStepTimeout = 6 * time.Second
)

var gweiExp = int32(-9)

// Options tune the resolver.
type Options struct {
	StepTimeout time.Duration
	TxTTL       time.Duration
	AddressTTL  time.Duration
	Now         func() time.Time
}

// Resolver turns a transaction hash into a canonical record using the primary
// node first and the explorer as fallback.
type Resolver struct {
	primary  fetcher.TxSource
	fallback fetcher.TxSource
	history  fetcher.AddressHistorySource
	cache    *cache.ResultCache
	opts     Options
	logger   zerolog.Logger
	group    singleflight.Group
}

// New constructs a resolver. fallback and history may be nil.
func New(primary, fallback fetcher.TxSource, history fetcher.AddressHistorySource, results *cache.ResultCache, opts Options, logger zerolog.Logger) *Resolver {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = defaultStepTimeout
	}
	if opts.AddressTTL <= 0 {
		opts.AddressTTL = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{
		primary:  primary,
		fallback: fallback,
		history:  history,
		cache:    results,
		opts:     opts,
		logger:   logger.With().Str("component", "resolver").Logger(),
	}
}

type outcomeKind int

const (
	outcomeFound outcomeKind = iota
	outcomeNotFound
	outcomeFailed
)

type outcome struct {
	kind   outcomeKind
	record model.TransactionRecord
	err    error
}

func found(record model.TransactionRecord) outcome { return outcome{kind: outcomeFound, record: record} }
func notFound(err error) outcome                   { return outcome{kind: outcomeNotFound, err: err} }
func failed(err error) outcome                     { return outcome{kind: outcomeFailed, err: err} }

// NormalizeHash validates a 32-byte hex transaction hash and lowercases it.
func NormalizeHash(raw string) (string, error) {
	hash := strings.ToLower(strings.TrimSpace(raw))
	if len(hash) != 66 || !strings.HasPrefix(hash, "0x") {
		return "", apperr.New(apperr.KindInvalidInput, "transaction hash must be 0x followed by 64 hex characters")
	}
	if _, err := hexutil.Decode(hash); err != nil {
		return "", apperr.Wrap(apperr.KindInvalidInput, "transaction hash is not valid hex", err)
	}
	return hash, nil
}

// Resolve returns the canonical record for txHash. Repeated calls for a hash
// resolved from a real source return identical records from the cache.
func (r *Resolver) Resolve(ctx context.Context, txHash string) (model.TransactionRecord, error) {
	hash, err := NormalizeHash(txHash)
	if err != nil {
		return model.TransactionRecord{}, err
	}

	key := cache.NamespaceTx + hash
	if record, ok := cache.Lookup[model.TransactionRecord](r.cache, key); ok {
		return record, nil
	}

	// The flight is shared, so it must not inherit one caller's cancellation.
	// Every upstream step is bounded by StepTimeout.
	flightCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(hash, func() (any, error) {
		if record, ok := cache.Lookup[model.TransactionRecord](r.cache, key); ok {
			return record, nil
		}

		res := r.resolve(flightCtx, hash)
		if res.kind != outcomeFound {
			return nil, res.err
		}
		if !res.record.Sample && r.cache != nil {
			r.cache.Set(key, res.record, r.opts.TxTTL)
		}
		return res.record, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return model.TransactionRecord{}, apperr.Wrap(apperr.KindTimeout, "transaction resolution abandoned by caller", ctx.Err())
	}
	if res.Err != nil {
		return model.TransactionRecord{}, res.Err
	}
	v, shared := res.Val, res.Shared
	if shared {
		r.logger.Debug().Str("tx_hash", hash).Msg("joined in-flight resolution")
	}
	return v.(model.TransactionRecord).Copy(), nil
}

func (r *Resolver) resolve(ctx context.Context, hash string) outcome {
	var primary outcome
	if r.primary == nil || !r.primary.Configured() {
		primary = notFound(apperr.New(apperr.KindNotFound, "primary source not configured"))
	} else {
		primary = r.fromPrimary(ctx, hash)
	}

	switch primary.kind {
	case outcomeFound:
		return primary
	case outcomeNotFound:
		if !r.fallbackConfigured() {
			r.logger.Info().Str("tx_hash", hash).Msg("transaction absent and no explorer key; returning sample record")
			return found(r.sampleRecord(hash))
		}
		res := r.fromFallback(ctx, hash)
		if res.kind == outcomeNotFound {
			return failed(apperr.Wrap(apperr.KindUpstream, "transaction not found in any source", res.err))
		}
		return res
	default:
		if !r.fallbackConfigured() {
			return failed(apperr.Wrap(apperr.KindUpstream, "primary source failed and no fallback is configured", primary.err))
		}
		r.logger.Warn().Err(primary.err).Str("tx_hash", hash).Msg("primary source failed; trying explorer")
		res := r.fromFallback(ctx, hash)
		if res.kind != outcomeFound {
			return failed(apperr.Wrap(apperr.KindUpstream, "all transaction sources failed", res.err))
		}
		return res
	}
}

func (r *Resolver) fallbackConfigured() bool {
	return r.fallback != nil && r.fallback.Configured()
}

// fromPrimary fetches the transaction, then the receipt and block in parallel.
func (r *Resolver) fromPrimary(ctx context.Context, hash string) outcome {
	tx, err := bounded.Call(ctx, r.opts.StepTimeout, func(ctx context.Context) (*fetcher.RawTx, error) {
		return r.primary.TransactionByHash(ctx, hash)
	})
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return notFound(err)
		}
		return failed(err)
	}

	var (
		receipt *fetcher.RawReceipt
		block   *fetcher.RawBlock
		g       errgroup.Group
	)
	g.Go(func() error {
		receipt = r.receipt(ctx, r.primary, hash)
		return nil
	})
	if tx.BlockNumber != nil {
		number := uint64(*tx.BlockNumber)
		g.Go(func() error {
			block = r.block(ctx, r.primary, number)
			return nil
		})
	}
	_ = g.Wait()

	return found(r.assemble(r.primary, hash, tx, receipt, block))
}

// fromFallback fetches transaction and receipt in parallel, then the block.
func (r *Resolver) fromFallback(ctx context.Context, hash string) outcome {
	var (
		tx      *fetcher.RawTx
		txErr   error
		receipt *fetcher.RawReceipt
		g       errgroup.Group
	)
	g.Go(func() error {
		tx, txErr = bounded.Call(ctx, r.opts.StepTimeout, func(ctx context.Context) (*fetcher.RawTx, error) {
			return r.fallback.TransactionByHash(ctx, hash)
		})
		return nil
	})
	g.Go(func() error {
		receipt = r.receipt(ctx, r.fallback, hash)
		return nil
	})
	_ = g.Wait()

	if txErr != nil {
		if apperr.Is(txErr, apperr.KindNotFound) {
			return notFound(txErr)
		}
		return failed(txErr)
	}

	var block *fetcher.RawBlock
	if number, ok := blockNumberOf(tx, receipt); ok {
		block = r.block(ctx, r.fallback, number)
	}
	return found(r.assemble(r.fallback, hash, tx, receipt, block))
}

func (r *Resolver) receipt(ctx context.Context, src fetcher.TxSource, hash string) *fetcher.RawReceipt {
	receipt, err := bounded.Call(ctx, r.opts.StepTimeout, func(ctx context.Context) (*fetcher.RawReceipt, error) {
		return src.TransactionReceipt(ctx, hash)
	})
	if err != nil {
		if !apperr.Is(err, apperr.KindNotFound) {
			r.logger.Warn().Err(err).Str("source", src.Name()).Str("tx_hash", hash).Msg("receipt lookup failed")
		}
		return nil
	}
	return receipt
}

func (r *Resolver) block(ctx context.Context, src fetcher.TxSource, number uint64) *fetcher.RawBlock {
	block, err := bounded.Call(ctx, r.opts.StepTimeout, func(ctx context.Context) (*fetcher.RawBlock, error) {
		return src.BlockByNumber(ctx, number)
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("source", src.Name()).Uint64("block", number).Msg("block lookup failed; timestamp degraded")
		return nil
	}
	return block
}

func blockNumberOf(tx *fetcher.RawTx, receipt *fetcher.RawReceipt) (uint64, bool) {
	if tx != nil && tx.BlockNumber != nil {
		return uint64(*tx.BlockNumber), true
	}
	if receipt != nil && receipt.BlockNumber != nil {
		return uint64(*receipt.BlockNumber), true
	}
	return 0, false
}

// DeriveStatus maps receipt and block presence onto a status. A receipt
// without a status field predates status codes and counts as confirmed.
func DeriveStatus(receipt *fetcher.RawReceipt, block *fetcher.RawBlock) model.TxStatus {
	switch {
	case receipt != nil:
		if receipt.Status == nil || uint64(*receipt.Status) == 1 {
			return model.TxStatusConfirmed
		}
		return model.TxStatusFailed
	case block != nil:
		return model.TxStatusConfirmed
	default:
		return model.TxStatusPending
	}
}

func (r *Resolver) assemble(src fetcher.TxSource, hash string, tx *fetcher.RawTx, receipt *fetcher.RawReceipt, block *fetcher.RawBlock) model.TransactionRecord {
	now := r.opts.Now().UTC()

	record := model.TransactionRecord{
		TxHash:       strings.ToLower(tx.Hash),
		Chain:        ChainEthereum,
		From:         tx.From,
		TokenSymbol:  "ETH",
		ValueDecimal: "0",
		Status:       DeriveStatus(receipt, block),
		FetchedAtISO: now.Format(time.RFC3339),
		Source:       model.Source(src.Name()),
	}
	if record.TxHash == "" {
		record.TxHash = hash
	}
	if tx.To != nil {
		record.To = *tx.To
	}
	if tx.Value != nil {
		record.ValueDecimal = decimal.NewFromBigInt(tx.Value.ToInt(), -18).String()
	}
	if transfer, ok := fetcher.DecodeTransfer(record.To, tx.Input); ok {
		record.TokenSymbol = transfer.Token.Symbol
		record.TokenContract = transfer.Contract
		record.To = transfer.Recipient
		record.ValueDecimal = transfer.Amount.String()
	}

	if number, ok := blockNumberOf(tx, receipt); ok {
		record.BlockNumber = &number
	}

	record.TimestampISO = now.Format(time.RFC3339)
	if block != nil {
		record.TimestampISO = time.Unix(int64(block.Timestamp), 0).UTC().Format(time.RFC3339)
	}

	if receipt != nil && receipt.GasUsed != nil {
		gasUsed := uint64(*receipt.GasUsed)
		record.GasUsed = &gasUsed
	}

	switch {
	case receipt != nil && receipt.EffectiveGasPrice != nil:
		record.GasPriceGwei = decimal.NewFromBigInt(receipt.EffectiveGasPrice.ToInt(), gweiExp).String()
	case tx.GasPrice != nil:
		record.GasPriceGwei = decimal.NewFromBigInt(tx.GasPrice.ToInt(), gweiExp).String()
	}

	raw := map[string]json.RawMessage{"transaction": tx.Raw}
	if receipt != nil {
		raw["receipt"] = receipt.Raw
	}
	if encoded, err := json.Marshal(raw); err == nil {
		record.RawUpstream = encoded
	}

	return record
}

func (r *Resolver) sampleRecord(hash string) model.TransactionRecord {
	now := r.opts.Now().UTC().Format(time.RFC3339)
	gasUsed := uint64(21000)
	return model.TransactionRecord{
		TxHash:       hash,
		Chain:        ChainEthereum,
		From:         SampleAddress,
		To:           SampleAddress,
		ValueDecimal: "0",
		TokenSymbol:  "ETH",
		TimestampISO: now,
		GasUsed:      &gasUsed,
		GasPriceGwei: "30",
		Status:       model.TxStatusConfirmed,
		FetchedAtISO: now,
		Source:       model.SourceSample,
		Sample:       true,
	}
}
