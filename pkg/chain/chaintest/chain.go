// Package chaintest provides an in-memory chain.Reader for tests.
package chaintest

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Mindburn-Labs/spendvault/pkg/chain"
	"github.com/Mindburn-Labs/spendvault/pkg/fault"
)

// Handler serves one contract method. args are the decoded inputs; the returned
// values are packed with the method's outputs.
type Handler func(args []any) ([]any, error)

type contract struct {
	methods  map[string]abi.Method
	handlers map[string]Handler
}

func newContract() *contract {
	return &contract{methods: map[string]abi.Method{}, handlers: map[string]Handler{}}
}

// Chain is a deterministic chain.Reader. Block timestamps are indexed by block
// number and the head is the last block.
type Chain struct {
	mu         sync.Mutex
	timestamps []uint64
	logs       []types.Log
	code       map[common.Address][]byte
	balances   map[common.Address]*big.Int
	contracts  map[common.Address]*contract
	failures   map[string]error
	calls      map[string]int

	ChainIDValue   *big.Int
	GasPriceValue  *big.Int
	GasTipCapValue *big.Int
}

var _ chain.Reader = (*Chain)(nil)

// New returns a chain whose blocks carry the given timestamps.
func New(timestamps ...uint64) *Chain {
	return &Chain{
		timestamps:     timestamps,
		code:           map[common.Address][]byte{},
		balances:       map[common.Address]*big.Int{},
		contracts:      map[common.Address]*contract{},
		failures:       map[string]error{},
		calls:          map[string]int{},
		ChainIDValue:   big.NewInt(2368),
		GasPriceValue:  big.NewInt(1_000_000_000),
		GasTipCapValue: big.NewInt(100_000_000),
	}
}

// Deploy gives addr bytecode without registering any method.
func (c *Chain) Deploy(addr common.Address) *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code[addr] = []byte{0x60, 0x80}
	if _, ok := c.contracts[addr]; !ok {
		c.contracts[addr] = newContract()
	}
	return c
}

// Handle registers the handler for method on addr, deploying it if needed. One
// address may serve methods from several ABIs.
func (c *Chain) Handle(addr common.Address, a abi.ABI, method string, h Handler) *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.contracts[addr]
	if !ok {
		ct = newContract()
		c.contracts[addr] = ct
		c.code[addr] = []byte{0x60, 0x80}
	}
	m, ok := a.Methods[method]
	if !ok {
		panic("chaintest: unknown method " + method)
	}
	ct.methods[method] = m
	ct.handlers[method] = h
	return c
}

// Returns is a Handler that always answers with values.
func Returns(values ...any) Handler {
	return func([]any) ([]any, error) { return values, nil }
}

// AddLog appends an event log.
func (c *Chain) AddLog(l types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, l)
}

// SetBalance sets the native balance of addr.
func (c *Chain) SetBalance(addr common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = v
}

// Fail makes every subsequent call to op fail with err. A nil err clears it.
// op is one of the chain.Reader method names, e.g. "Logs".
func (c *Chain) Fail(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, op)
		return
	}
	c.failures[op] = err
}

// Calls reports how many times op was invoked.
func (c *Chain) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *Chain) enter(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[op]++
	if err := c.failures[op]; err != nil {
		return fault.Wrap(fault.KindChainRead, "chaintest."+op, err)
	}
	return nil
}

func (c *Chain) BlockNumber(context.Context) (uint64, error) {
	if err := c.enter("BlockNumber"); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timestamps) == 0 {
		return 0, nil
	}
	return uint64(len(c.timestamps) - 1), nil
}

func (c *Chain) BlockTimestamp(_ context.Context, n uint64) (uint64, error) {
	if err := c.enter("BlockTimestamp"); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= uint64(len(c.timestamps)) {
		return 0, fault.Wrap(fault.KindChainRead, "chaintest.BlockTimestamp", fmt.Errorf("%w: %d", chain.ErrBlockNotFound, n))
	}
	return c.timestamps[n], nil
}

func (c *Chain) Logs(_ context.Context, q chain.LogQuery) ([]types.Log, error) {
	if err := c.enter("Logs"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Log
	for _, l := range c.logs {
		if l.Address != q.Address || l.BlockNumber < q.FromBlock {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > *q.ToBlock {
			continue
		}
		if !topicsMatch(l.Topics, q.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func topicsMatch(have []common.Hash, want [][]common.Hash) bool {
	for i, alternatives := range want {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(have) {
			return false
		}
		matched := false
		for _, t := range alternatives {
			if have[i] == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func (c *Chain) Code(_ context.Context, addr common.Address) ([]byte, error) {
	if err := c.enter("Code"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code[addr], nil
}

func (c *Chain) Balance(_ context.Context, addr common.Address) (*big.Int, error) {
	if err := c.enter("Balance"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (c *Chain) Call(_ context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := c.enter("Call"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	ct, ok := c.contracts[to]
	c.mu.Unlock()
	if !ok || len(data) < 4 {
		return nil, fault.New(fault.KindChainRead, "chaintest.Call", "execution reverted")
	}
	var (
		m     abi.Method
		found bool
	)
	for _, candidate := range ct.methods {
		if bytes.Equal(candidate.ID, data[:4]) {
			m, found = candidate, true
			break
		}
	}
	if !found {
		return nil, fault.New(fault.KindChainRead, "chaintest.Call", "execution reverted: unknown selector")
	}
	h := ct.handlers[m.Name]
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fault.Wrap(fault.KindChainRead, "chaintest.Call", err)
	}
	values, err := h(args)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainRead, "chaintest.Call", err)
	}
	return m.Outputs.Pack(values...)
}

func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	if err := c.enter("ChainID"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.ChainIDValue), nil
}

func (c *Chain) GasPrice(context.Context) (*big.Int, error) {
	if err := c.enter("GasPrice"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.GasPriceValue), nil
}

func (c *Chain) GasTipCap(context.Context) (*big.Int, error) {
	if err := c.enter("GasTipCap"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.GasTipCapValue), nil
}
