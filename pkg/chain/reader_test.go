package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/spendvault/pkg/fault"
)

type stubBackend struct {
	headers   map[uint64]*types.Header
	lastQuery ethereum.FilterQuery
	code      []byte
	slow      bool
}

func (s *stubBackend) BlockNumber(ctx context.Context) (uint64, error) {
	if s.slow {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return 42, nil
}

func (s *stubBackend) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	h, ok := s.headers[n.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return h, nil
}

func (s *stubBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	s.lastQuery = q
	return []types.Log{{BlockNumber: 7}}, nil
}

func (s *stubBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return s.code, nil
}

func (s *stubBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(5), nil
}

func (s *stubBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("execution reverted")
}

func (s *stubBackend) ChainID(context.Context) (*big.Int, error)          { return big.NewInt(2368), nil }
func (s *stubBackend) SuggestGasPrice(context.Context) (*big.Int, error)  { return big.NewInt(10), nil }
func (s *stubBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func TestRPCReader_BlockTimestamp(t *testing.T) {
	r := newRPCReader(&stubBackend{headers: map[uint64]*types.Header{3: {Time: 1234}}})

	ts, err := r.BlockTimestamp(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), ts)

	_, err = r.BlockTimestamp(context.Background(), 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlockNotFound))
	assert.Equal(t, fault.KindChainRead, fault.KindOf(err))
}

func TestRPCReader_PerCallTimeout(t *testing.T) {
	r := newRPCReader(&stubBackend{slow: true}, WithTimeout(20*time.Millisecond))

	_, err := r.BlockNumber(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrChainRead))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRPCReader_LogsQuery(t *testing.T) {
	b := &stubBackend{}
	r := newRPCReader(b, WithRateLimit(1000, 10))
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	topic := common.HexToHash("0x01")

	logs, err := r.Logs(context.Background(), LogQuery{Address: addr, FromBlock: 9, Topics: [][]common.Hash{{topic}}})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	assert.Equal(t, int64(9), b.lastQuery.FromBlock.Int64())
	assert.Nil(t, b.lastQuery.ToBlock, "latest")
	assert.Equal(t, []common.Address{addr}, b.lastQuery.Addresses)
}

func TestRPCReader_CallErrorIsChainRead(t *testing.T) {
	r := newRPCReader(&stubBackend{})
	_, err := r.Call(context.Background(), common.Address{}, nil)
	assert.True(t, errors.Is(err, fault.ErrChainRead))
}

func TestIsDeployed(t *testing.T) {
	ok, err := IsDeployed(context.Background(), newRPCReader(&stubBackend{}), common.Address{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = IsDeployed(context.Background(), newRPCReader(&stubBackend{code: []byte{0x60}}), common.Address{})
	require.NoError(t, err)
	assert.True(t, ok)
}
