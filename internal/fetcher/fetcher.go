package fetcher

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"chaintrack/internal/apperr"
)

// TxSource is one upstream able to answer transaction, receipt and block lookups.
// Absent objects are reported as apperr.KindNotFound.
type TxSource interface {
	Name() string
	Configured() bool
	TransactionByHash(ctx context.Context, hash string) (*RawTx, error)
	TransactionReceipt(ctx context.Context, hash string) (*RawReceipt, error)
	BlockByNumber(ctx context.Context, number uint64) (*RawBlock, error)
}

// AddressHistorySource lists recent transactions touching an address.
type AddressHistorySource interface {
	AddressTransactions(ctx context.Context, address string, limit int) ([]AccountTx, error)
}

// PriceFetcher retrieves USD spot prices.
type PriceFetcher interface {
	FetchUSD(ctx context.Context, symbol string) (Quote, error)
}

// RawTx is the JSON-RPC transaction object shared by the node and the explorer proxy.
type RawTx struct {
	Hash         string          `json:"hash"`
	From         string          `json:"from"`
	To           *string         `json:"to"`
	Value        *hexutil.Big    `json:"value"`
	Gas          *hexutil.Uint64 `json:"gas"`
	GasPrice     *hexutil.Big    `json:"gasPrice"`
	MaxFeePerGas *hexutil.Big    `json:"maxFeePerGas"`
	BlockNumber  *hexutil.Uint64 `json:"blockNumber"`
	Input        string          `json:"input"`
	ChainID      *hexutil.Big    `json:"chainId"`

	Raw json.RawMessage `json:"-"`
}

// RawReceipt is the subset of a receipt needed for status and fee derivation.
type RawReceipt struct {
	Status            *hexutil.Uint64 `json:"status"`
	GasUsed           *hexutil.Uint64 `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice"`
	BlockNumber       *hexutil.Uint64 `json:"blockNumber"`

	Raw json.RawMessage `json:"-"`
}

// RawBlock carries the block timestamp.
type RawBlock struct {
	Number    *hexutil.Uint64 `json:"number"`
	Timestamp hexutil.Uint64  `json:"timestamp"`
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeTx(source string, raw json.RawMessage) (*RawTx, error) {
	if isNull(raw) {
		return nil, apperr.New(apperr.KindNotFound, source+": transaction not found")
	}
	var tx RawTx
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, source+": decode transaction", err)
	}
	tx.Raw = append(json.RawMessage(nil), raw...)
	return &tx, nil
}

func decodeReceipt(source string, raw json.RawMessage) (*RawReceipt, error) {
	if isNull(raw) {
		return nil, apperr.New(apperr.KindNotFound, source+": receipt not found")
	}
	var receipt RawReceipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, source+": decode receipt", err)
	}
	receipt.Raw = append(json.RawMessage(nil), raw...)
	return &receipt, nil
}

func decodeBlock(source string, raw json.RawMessage) (*RawBlock, error) {
	if isNull(raw) {
		return nil, apperr.New(apperr.KindNotFound, source+": block not found")
	}
	var block RawBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, source+": decode block", err)
	}
	return &block, nil
}
