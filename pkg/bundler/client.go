// Package bundler talks to an ERC-4337 bundler: gas estimation, submission and
// receipt polling. Rejections are classified into fault kinds here, once, so
// callers branch on the kind and never on message text.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/Mindburn-Labs/spendvault/pkg/fault"
	"github.com/Mindburn-Labs/spendvault/pkg/userop"
)

// caller is the subset of *rpc.Client used here.
type caller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
	Close()
}

// Client is a JSON-RPC bundler client.
type Client struct {
	rpc    caller
	logger *slog.Logger
}

// Dial connects to the bundler at url.
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("bundler: dial %s: %w", url, err)
	}
	return NewClient(c), nil
}

// NewClient wraps an existing RPC client.
func NewClient(c *rpc.Client) *Client {
	return &Client{
		rpc:    c,
		logger: slog.Default().With("component", "bundler"),
	}
}

// Close releases the underlying connection.
func (c *Client) Close() { c.rpc.Close() }

// EstimateGas calls eth_estimateUserOperationGas.
func (c *Client) EstimateGas(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (*userop.Estimate, error) {
	const opName = "bundler.estimate"
	var res rpcEstimate
	if err := c.rpc.CallContext(ctx, &res, "eth_estimateUserOperationGas", toRPC(op), entryPoint); err != nil {
		return nil, classify(opName, err)
	}
	if res.VerificationGasLimit == nil || res.CallGasLimit == nil || res.PreVerificationGas == nil {
		return nil, fault.New(fault.KindSubmissionRejected, opName, "incomplete gas estimate")
	}
	return &userop.Estimate{
		Gas: userop.GasLimits{
			Verification:    res.VerificationGasLimit.ToInt(),
			Call:            res.CallGasLimit.ToInt(),
			PreVerification: res.PreVerificationGas.ToInt(),
		},
		PaymasterGas:         bigOrNil(res.PaymasterVerificationGasLimit),
		PaymasterPostOpGas:   bigOrNil(res.PaymasterPostOpGasLimit),
		SponsorshipAvailable: res.SponsorshipAvailable,
	}, nil
}

// Send calls eth_sendUserOperation and returns the operation handle (userOpHash).
func (c *Client) Send(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error) {
	const opName = "bundler.send"
	var handle common.Hash
	if err := c.rpc.CallContext(ctx, &handle, "eth_sendUserOperation", toRPC(op), entryPoint); err != nil {
		return common.Hash{}, classify(opName, err)
	}
	c.logger.InfoContext(ctx, "user operation submitted", "handle", handle, "sender", op.Sender)
	return handle, nil
}

// Receipt returns the receipt for handle, or nil while the operation is pending.
func (c *Client) Receipt(ctx context.Context, handle common.Hash) (*Receipt, error) {
	var res *rpcReceipt
	if err := c.rpc.CallContext(ctx, &res, "eth_getUserOperationReceipt", handle); err != nil {
		return nil, classify("bundler.receipt", err)
	}
	if res == nil {
		return nil, nil
	}
	r := &Receipt{
		Handle:        handle,
		Success:       res.Success,
		Reason:        res.Reason,
		ActualGasCost: bigOrNil(res.ActualGasCost),
		ActualGasUsed: bigOrNil(res.ActualGasUsed),
	}
	if res.Receipt != nil {
		r.TransactionHash = res.Receipt.TransactionHash
	}
	return r, nil
}

// classify maps a transport or JSON-RPC error onto the fault taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.KindTimeout, op, err)
	}
	code := 0
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		code = rpcErr.ErrorCode()
	}
	message := err.Error()
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		message = fmt.Sprintf("%s: %v", message, dataErr.ErrorData())
	}
	rej := fault.Rejection(op, code, strings.TrimSpace(message))
	rej.Err = err
	return rej
}

// Receipt is the terminal record of an included operation.
type Receipt struct {
	Handle          common.Hash
	Success         bool
	Reason          string
	TransactionHash common.Hash
	ActualGasCost   *big.Int
	ActualGasUsed   *big.Int
}

type rpcUserOperation struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

type rpcEstimate struct {
	PreVerificationGas            *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big `json:"callGasLimit"`
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big `json:"paymasterPostOpGasLimit,omitempty"`
	SponsorshipAvailable          bool         `json:"sponsorshipAvailable,omitempty"`
}

type rpcReceipt struct {
	UserOpHash    common.Hash  `json:"userOpHash"`
	Success       bool         `json:"success"`
	Reason        string       `json:"reason,omitempty"`
	ActualGasCost *hexutil.Big `json:"actualGasCost,omitempty"`
	ActualGasUsed *hexutil.Big `json:"actualGasUsed,omitempty"`
	Receipt       *struct {
		TransactionHash common.Hash `json:"transactionHash"`
	} `json:"receipt,omitempty"`
}

func toRPC(op *userop.UserOperation) rpcUserOperation {
	out := rpcUserOperation{
		Sender:               op.Sender,
		Nonce:                hexBig(op.Nonce),
		CallData:             op.CallData,
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		Signature:            op.Signature,
	}
	if out.CallData == nil {
		out.CallData = hexutil.Bytes{}
	}
	if out.Signature == nil {
		out.Signature = hexutil.Bytes{}
	}
	if op.Factory != (common.Address{}) {
		f := op.Factory
		out.Factory = &f
		out.FactoryData = op.FactoryData
	}
	if op.Paymaster != (common.Address{}) {
		p := op.Paymaster
		out.Paymaster = &p
		out.PaymasterVerificationGasLimit = hexBig(op.PaymasterVerificationGasLimit)
		out.PaymasterPostOpGasLimit = hexBig(op.PaymasterPostOpGasLimit)
		out.PaymasterData = op.PaymasterData
	}
	return out
}

func hexBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return (*hexutil.Big)(new(big.Int))
	}
	return (*hexutil.Big)(new(big.Int).Set(v))
}

func bigOrNil(v *hexutil.Big) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v.ToInt())
}
