package signer

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known test key (hardhat account #0).
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestFromHex(t *testing.T) {
	s, err := FromHex(testKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), s.Address())

	_, err = FromHex("0x1234")
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("SPENDVAULT_TEST_KEY", "")
	_, err := FromEnv("SPENDVAULT_TEST_KEY")
	assert.True(t, errors.Is(err, ErrKeyNotSet))

	t.Setenv("SPENDVAULT_TEST_KEY", testKey)
	s, err := FromEnv("SPENDVAULT_TEST_KEY")
	require.NoError(t, err)
	assert.NotEqual(t, common.Address{}, s.Address())
}

func TestSignMethodsRecover(t *testing.T) {
	s, err := FromHex(testKey)
	require.NoError(t, err)
	hash := crypto.Keccak256Hash([]byte("user operation"))

	personal, err := s.PersonalSign(context.Background(), hash)
	require.NoError(t, err)
	require.Len(t, personal, 65)
	assert.Contains(t, []byte{27, 28}, personal[64])

	raw, err := s.RawSign(context.Background(), hash)
	require.NoError(t, err)
	assert.NotEqual(t, personal, raw, "prefixed and raw signatures differ")

	got, err := RecoverPersonal(hash, personal)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	got, err = RecoverRaw(hash, raw)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	// a raw signature does not verify as a prefixed one
	got, err = RecoverPersonal(hash, raw)
	if err == nil {
		assert.NotEqual(t, s.Address(), got)
	}

	_, err = RecoverRaw(hash, raw[:64])
	assert.Error(t, err)
}
