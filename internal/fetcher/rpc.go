package fetcher

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"chaintrack/internal/apperr"
)

// RPCOptions parameterise the primary JSON-RPC source.
type RPCOptions struct {
	URL     string
	Timeout time.Duration
}

// RPC queries an Ethereum node over JSON-RPC.
type RPC struct {
	opts      RPCOptions
	logger    zerolog.Logger
	client    *rpc.Client
	clientMux sync.Mutex
}

// NewRPC builds the primary source. Dialing is deferred to the first call.
func NewRPC(opts RPCOptions, logger zerolog.Logger) *RPC {
	opts.URL = strings.TrimSpace(opts.URL)
	if opts.Timeout <= 0 {
		opts.Timeout = 6 * time.Second
	}
	return &RPC{opts: opts, logger: logger.With().Str("component", "rpc_source").Logger()}
}

func (r *RPC) Name() string { return "rpc" }

// Configured reports whether a node URL is set.
func (r *RPC) Configured() bool { return r.opts.URL != "" }

// TransactionByHash calls eth_getTransactionByHash.
func (r *RPC) TransactionByHash(ctx context.Context, hash string) (*RawTx, error) {
	var raw json.RawMessage
	if err := r.call(ctx, &raw, "eth_getTransactionByHash", hash); err != nil {
		return nil, err
	}
	return decodeTx(r.Name(), raw)
}

// TransactionReceipt calls eth_getTransactionReceipt.
func (r *RPC) TransactionReceipt(ctx context.Context, hash string) (*RawReceipt, error) {
	var raw json.RawMessage
	if err := r.call(ctx, &raw, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	return decodeReceipt(r.Name(), raw)
}

// BlockByNumber calls eth_getBlockByNumber without full transactions.
func (r *RPC) BlockByNumber(ctx context.Context, number uint64) (*RawBlock, error) {
	var raw json.RawMessage
	if err := r.call(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false); err != nil {
		return nil, err
	}
	return decodeBlock(r.Name(), raw)
}

func (r *RPC) call(ctx context.Context, out *json.RawMessage, method string, args ...any) error {
	if !r.Configured() {
		return apperr.New(apperr.KindConfiguration, "ethereum rpc url not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, "dial ethereum rpc", err)
	}

	if err := client.CallContext(ctx, out, method, args...); err != nil {
		if ctx.Err() != nil {
			return apperr.Wrap(apperr.KindTimeout, method, err)
		}
		r.logger.Debug().Err(err).Str("method", method).Msg("rpc call failed")
		return apperr.Wrap(apperr.KindUpstream, method, err)
	}
	return nil
}

func (r *RPC) getClient(ctx context.Context) (*rpc.Client, error) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	client, err := rpc.DialContext(ctx, r.opts.URL)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

// Close releases the underlying connection.
func (r *RPC) Close() {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}

var _ TxSource = (*RPC)(nil)
