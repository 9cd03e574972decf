// Package chain wraps the read-only chain RPC surface the vault ledger needs and
// locates blocks by timestamp.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/spendvault/pkg/fault"
)

// DefaultTimeout bounds each individual RPC call.
const DefaultTimeout = 20 * time.Second

// ErrBlockNotFound is returned when the node has no header for a block
// (pruned or beyond head).
var ErrBlockNotFound = errors.New("block not found")

// LogQuery selects event logs emitted by one contract.
type LogQuery struct {
	Address   common.Address
	FromBlock uint64
	ToBlock   *uint64 // nil means latest
	Topics    [][]common.Hash
}

// Reader is the chain RPC surface consumed by the ledger and the pipeline.
// Implementations return *fault.Error with KindChainRead on transport failure.
type Reader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	Logs(ctx context.Context, q LogQuery) ([]types.Log, error)
	Code(ctx context.Context, addr common.Address) ([]byte, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	GasTipCap(ctx context.Context) (*big.Int, error)
}

// backend is the subset of *ethclient.Client used by RPCReader.
type backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// RPCReader implements Reader over a JSON-RPC node. Every call carries its own
// timeout and passes through a shared rate limiter so binary searches and batch
// timestamp resolution do not flood the node.
type RPCReader struct {
	client  backend
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures an RPCReader.
type Option func(*RPCReader)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *RPCReader) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRateLimit caps calls per second. rps <= 0 disables limiting.
func WithRateLimit(rps, burst int) Option {
	return func(r *RPCReader) {
		if rps <= 0 {
			r.limiter = nil
			return
		}
		if burst <= 0 {
			burst = rps
		}
		r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// Dial connects to a node at url.
func Dial(ctx context.Context, url string, opts ...Option) (*RPCReader, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainRead, "chain.dial", err)
	}
	return newRPCReader(client, opts...), nil
}

func newRPCReader(client backend, opts ...Option) *RPCReader {
	r := &RPCReader{
		client:  client,
		timeout: DefaultTimeout,
		logger:  slog.Default().With("component", "chain"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// begin applies the limiter and the per-call timeout.
func (r *RPCReader) begin(ctx context.Context, op string) (context.Context, context.CancelFunc, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, nil, fault.Wrap(fault.KindChainRead, op, err)
		}
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	return cctx, cancel, nil
}

func (r *RPCReader) BlockNumber(ctx context.Context) (uint64, error) {
	const op = "chain.block_number"
	cctx, cancel, err := r.begin(ctx, op)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := r.client.BlockNumber(cctx)
	if err != nil {
		return 0, fault.Wrap(fault.KindChainRead, op, err)
	}
	return n, nil
}

func (r *RPCReader) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	const op = "chain.block_timestamp"
	cctx, cancel, err := r.begin(ctx, op)
	if err != nil {
		return 0, err
	}
	defer cancel()
	header, err := r.client.HeaderByNumber(cctx, new(big.Int).SetUint64(number))
	if errors.Is(err, ethereum.NotFound) || (err == nil && header == nil) {
		return 0, fault.Wrap(fault.KindChainRead, op, fmt.Errorf("%w: %d", ErrBlockNotFound, number))
	}
	if err != nil {
		return 0, fault.Wrap(fault.KindChainRead, op, err)
	}
	return header.Time, nil
}

func (r *RPCReader) Logs(ctx context.Context, q LogQuery) ([]types.Log, error) {
	const op = "chain.get_logs"
	cctx, cancel, err := r.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()
	fq := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(q.FromBlock),
		Addresses: []common.Address{q.Address},
		Topics:    q.Topics,
	}
	if q.ToBlock != nil {
		fq.ToBlock = new(big.Int).SetUint64(*q.ToBlock)
	}
	logs, err := r.client.FilterLogs(cctx, fq)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainRead, op, err)
	}
	r.logger.DebugContext(ctx, "fetched logs", "address", q.Address, "from_block", q.FromBlock, "count", len(logs))
	return logs, nil
}

func (r *RPCReader) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	const op = "chain.get_code"
	cctx, cancel, err := r.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()
	code, err := r.client.CodeAt(cctx, addr, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainRead, op, err)
	}
	return code, nil
}

func (r *RPCReader) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	const op = "chain.get_balance"
	cctx, cancel, err := r.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()
	bal, err := r.client.BalanceAt(cctx, addr, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainRead, op, err)
	}
	return bal, nil
}

func (r *RPCReader) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	const op = "chain.call"
	cctx, cancel, err := r.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()
	out, err := r.client.CallContract(cctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainRead, op, err)
	}
	return out, nil
}

func (r *RPCReader) ChainID(ctx context.Context) (*big.Int, error) {
	const op = "chain.chain_id"
	cctx, cancel, err := r.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()
	id, err := r.client.ChainID(cctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainRead, op, err)
	}
	return id, nil
}

func (r *RPCReader) GasPrice(ctx context.Context) (*big.Int, error) {
	const op = "chain.gas_price"
	cctx, cancel, err := r.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()
	p, err := r.client.SuggestGasPrice(cctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainRead, op, err)
	}
	return p, nil
}

func (r *RPCReader) GasTipCap(ctx context.Context) (*big.Int, error) {
	const op = "chain.gas_tip_cap"
	cctx, cancel, err := r.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()
	p, err := r.client.SuggestGasTipCap(cctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainRead, op, err)
	}
	return p, nil
}

// IsDeployed reports whether addr has bytecode.
func IsDeployed(ctx context.Context, r Reader, addr common.Address) (bool, error) {
	code, err := r.Code(ctx, addr)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}
