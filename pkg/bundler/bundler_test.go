package bundler

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/spendvault/pkg/fault"
	"github.com/Mindburn-Labs/spendvault/pkg/retry"
	"github.com/Mindburn-Labs/spendvault/pkg/userop"
)

var entryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

type codedError struct {
	code int
	msg  string
}

func (e *codedError) Error() string  { return e.msg }
func (e *codedError) ErrorCode() int { return e.code }

// ethService is an in-process bundler.
type ethService struct {
	mu       sync.Mutex
	sent     []rpcUserOperation
	sendErr  error
	estimate *rpcEstimate
	receipt  *rpcReceipt
}

func (s *ethService) EstimateUserOperationGas(op rpcUserOperation, ep common.Address) (*rpcEstimate, error) {
	return s.estimate, nil
}

func (s *ethService) SendUserOperation(op rpcUserOperation, ep common.Address) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return common.Hash{}, s.sendErr
	}
	s.sent = append(s.sent, op)
	return common.HexToHash("0xfeed"), nil
}

func (s *ethService) GetUserOperationReceipt(h common.Hash) (*rpcReceipt, error) {
	return s.receipt, nil
}

func newTestClient(t *testing.T, svc *ethService) *Client {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", svc))
	t.Cleanup(srv.Stop)
	c := NewClient(rpc.DialInProc(srv))
	t.Cleanup(c.Close)
	return c
}

func sampleOp() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               common.HexToAddress("0xD000000000000000000000000000000000000005"),
		Nonce:                big.NewInt(1),
		CallData:             []byte{0xab},
		VerificationGasLimit: big.NewInt(100),
		CallGasLimit:         big.NewInt(200),
		PreVerificationGas:   big.NewInt(300),
		MaxFeePerGas:         big.NewInt(2),
		MaxPriorityFeePerGas: big.NewInt(1),
		Paymaster:            common.HexToAddress("0xA000000000000000000000000000000000000002"),
		PaymasterData:        common.Address{}.Bytes(),
		Signature:            []byte{0x01},
	}
}

func TestClient_SendEncodesUnpackedOperation(t *testing.T) {
	svc := &ethService{}
	c := newTestClient(t, svc)

	handle, err := c.Send(context.Background(), sampleOp(), entryPoint)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0xfeed"), handle)

	require.Len(t, svc.sent, 1)
	got := svc.sent[0]
	assert.Nil(t, got.Factory, "deployed account sends no factory")
	require.NotNil(t, got.Paymaster)
	assert.Equal(t, int64(200), got.CallGasLimit.ToInt().Int64())
	assert.Equal(t, hexutil.Bytes{0x01}, got.Signature)
}

func TestClient_SendClassifiesRejections(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want fault.Kind
	}{
		{"aa33 marker", &codedError{-32500, "UserOperation reverted during simulation with reason: AA33 reverted"}, fault.KindSignatureValidation},
		{"aa24 marker", &codedError{-32500, "AA24 signature error"}, fault.KindSignatureValidation},
		{"signature code", &codedError{fault.SignatureCheckFailedCode, "invalid signature"}, fault.KindSignatureValidation},
		{"prefund", &codedError{-32500, "AA21 didn't pay prefund"}, fault.KindSubmissionRejected},
		{"policy", &codedError{-32504, "paymaster rejected: policy"}, fault.KindSubmissionRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, &ethService{sendErr: tt.err})
			_, err := c.Send(context.Background(), sampleOp(), entryPoint)
			require.Error(t, err)
			assert.Equal(t, tt.want, fault.KindOf(err))
			assert.NotEmpty(t, fault.ReasonOf(err))
		})
	}
}

func TestClient_EstimateGas(t *testing.T) {
	svc := &ethService{estimate: &rpcEstimate{
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(50_000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(150_000)),
		CallGasLimit:         (*hexutil.Big)(big.NewInt(80_000)),
		SponsorshipAvailable: true,
	}}
	c := newTestClient(t, svc)

	est, err := c.EstimateGas(context.Background(), sampleOp(), entryPoint)
	require.NoError(t, err)
	assert.Equal(t, int64(150_000), est.Gas.Verification.Int64())
	assert.Equal(t, int64(80_000), est.Gas.Call.Int64())
	assert.True(t, est.SponsorshipAvailable)
	assert.Nil(t, est.PaymasterGas)

	svc.estimate = &rpcEstimate{}
	_, err = c.EstimateGas(context.Background(), sampleOp(), entryPoint)
	assert.True(t, errors.Is(err, fault.ErrSubmissionRejected))
}

func TestClient_ReceiptPendingIsNil(t *testing.T) {
	svc := &ethService{}
	c := newTestClient(t, svc)

	r, err := c.Receipt(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Nil(t, r)

	svc.receipt = &rpcReceipt{Success: true, Receipt: &struct {
		TransactionHash common.Hash `json:"transactionHash"`
	}{TransactionHash: common.HexToHash("0xbeef")}}
	r, err = c.Receipt(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.Success)
	assert.Equal(t, common.HexToHash("0xbeef"), r.TransactionHash)
}

// scriptedSource answers pending until readyAt polls, then returns final.
type scriptedSource struct {
	mu      sync.Mutex
	polls   int
	readyAt int
	final   *Receipt
	errs    int
}

func (s *scriptedSource) Receipt(context.Context, common.Hash) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.errs > 0 {
		s.errs--
		return nil, errors.New("bundler unavailable")
	}
	if s.final == nil || s.polls < s.readyAt {
		return nil, nil
	}
	return s.final, nil
}

var fastPolicy = retry.BackoffPolicy{BaseMs: 1, MaxMs: 2, MaxAttempts: 5}

func TestPoller_Success(t *testing.T) {
	src := &scriptedSource{readyAt: 3, final: &Receipt{Success: true, TransactionHash: common.HexToHash("0xbeef")}, errs: 1}
	out, err := NewPoller(src, fastPolicy).Wait(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, common.HexToHash("0xbeef"), out.TransactionHash)
	assert.Equal(t, 3, out.Attempts)
}

func TestPoller_FailedCarriesReason(t *testing.T) {
	src := &scriptedSource{readyAt: 1, final: &Receipt{Success: false, Reason: "ERC20: insufficient allowance"}}
	out, err := NewPoller(src, fastPolicy).Wait(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "ERC20: insufficient allowance", out.Reason)
}

func TestPoller_TimeoutIsDistinct(t *testing.T) {
	src := &scriptedSource{}
	p := NewPoller(src, fastPolicy)
	handle := common.HexToHash("0x01")

	out, err := p.Wait(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, out.Status)
	assert.Equal(t, 5, src.polls)

	// the same handle can be waited on again once the operation lands
	src.final = &Receipt{Success: true}
	out, err = p.Wait(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
}

func TestPoller_FirstPollIsImmediate(t *testing.T) {
	src := &scriptedSource{readyAt: 1, final: &Receipt{Success: true}}
	p := NewPoller(src, retry.BackoffPolicy{BaseMs: 60_000, MaxMs: 60_000, MaxAttempts: 3})

	start := time.Now()
	out, err := p.Wait(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.Less(t, time.Since(start), 10*time.Second, "no backoff before the first poll")
}

func TestPoller_CancelReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPoller(&scriptedSource{}, retry.BackoffPolicy{BaseMs: 1000, MaxMs: 1000, MaxAttempts: 3}).Wait(ctx, common.HexToHash("0x01"))
	assert.ErrorIs(t, err, context.Canceled)
}
