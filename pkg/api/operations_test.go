package api

import (
	"context"
	"math/big"
	"net/http"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/spendvault/pkg/bundler"
	"github.com/Mindburn-Labs/spendvault/pkg/executor"
	"github.com/Mindburn-Labs/spendvault/pkg/signer"
	"github.com/Mindburn-Labs/spendvault/pkg/userop"
	"github.com/Mindburn-Labs/spendvault/pkg/vault"
)

const (
	tokenHex   = "0x3333333333333333333333333333333333333333"
	accountHex = "0x4444444444444444444444444444444444444444"
	ownerKey   = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

// fakeBundler stands in for the builder, bundler and poller behind an
// executor.Operator. It records every intent it is asked to build.
type fakeBundler struct {
	mu      sync.Mutex
	intents []userop.Intent
	fixed   int
	sent    int
}

func (f *fakeBundler) Estimate(context.Context, common.Address, userop.Intent) (*userop.Estimate, error) {
	return &userop.Estimate{Gas: userop.FixedGas(150_000, 80_000, 50_000)}, nil
}

func (f *fakeBundler) Sender(context.Context, common.Address) (common.Address, error) {
	return common.HexToAddress(accountHex), nil
}

func (f *fakeBundler) op(in userop.Intent, gas userop.GasLimits) *userop.UserOperation {
	op := &userop.UserOperation{
		Sender:               common.HexToAddress(accountHex),
		Nonce:                big.NewInt(1),
		CallData:             in.CallData,
		MaxFeePerGas:         big.NewInt(1_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
	}
	op.SetGas(gas)
	return op
}

func (f *fakeBundler) Build(_ context.Context, _ common.Address, in userop.Intent, _ userop.PaymentMode, est *userop.Estimate) (*userop.UserOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, in)
	return f.op(in, est.Gas), nil
}

func (f *fakeBundler) BuildFixed(_ context.Context, _ common.Address, in userop.Intent, _ userop.PaymentMode) (*userop.UserOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, in)
	f.fixed++
	return f.op(in, userop.FixedGas(1_500_000, 500_000, 1_200_000)), nil
}

func (f *fakeBundler) Send(context.Context, *userop.UserOperation, common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	return common.BigToHash(big.NewInt(int64(f.sent))), nil
}

func (f *fakeBundler) Wait(_ context.Context, handle common.Hash) (*bundler.Outcome, error) {
	return &bundler.Outcome{Status: bundler.StatusSuccess, Handle: handle, TransactionHash: common.HexToHash("0xbeef")}, nil
}

func (f *fakeBundler) last(t *testing.T) userop.Intent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.intents)
	return f.intents[len(f.intents)-1]
}

func newOperatorFixture(t *testing.T) (*fixture, *fakeBundler) {
	t.Helper()
	key, err := signer.FromHex(ownerKey)
	require.NoError(t, err)
	fb := &fakeBundler{}
	ladder := executor.NewLadder(fb, fb, fb, common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032"), big.NewInt(2368), nil)
	pipeline := executor.NewPipeline(fb, ladder, userop.PaymasterConfig{})
	op := executor.NewOperator(pipeline, fb, key.Address(), executor.SignFuncs{Prefixed: key.PersonalSign, Raw: key.RawSign})

	f := newFixture(t, false)
	f.srv.Close()
	f.srv = NewServer(f.info, f.budget, f.activity, nil, Options{TokenDecimals: 6, RateLimitRPS: 1000, Operator: op})
	t.Cleanup(f.srv.Close)
	return f, fb
}

func args(t *testing.T, in userop.Intent, method string, fromVault bool) []any {
	t.Helper()
	abi := vault.ERC20ABI
	if fromVault {
		abi = vault.VaultABI
	}
	m := abi.Methods[method]
	require.Equal(t, m.ID, in.CallData[:4], method)
	out, err := m.Inputs.Unpack(in.CallData[4:])
	require.NoError(t, err)
	return out
}

func TestOperations_NotConfigured(t *testing.T) {
	f := newFixture(t, true)
	for _, path := range []string{
		"/api/vault/authorize", "/api/vault/configure", "/api/vault/withdraw",
		"/api/wallet/approve-erc20", "/api/wallet/transfer", "/api/wallet/add-supported-token",
	} {
		w := f.do("POST", path, `{}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
}

func TestAuthorize(t *testing.T) {
	f, fb := newOperatorFixture(t)

	w := f.do("POST", "/api/vault/authorize", `{"vaultAddress":"`+vaultHex+`","executor":"`+recipientHex+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "success", decode(t, w)["status"])
	in := fb.last(t)
	assert.Equal(t, common.HexToAddress(vaultHex), in.Target)
	got := args(t, in, "setExecutor", true)
	assert.Equal(t, common.HexToAddress(recipientHex), got[0])
	assert.Equal(t, true, got[1])

	w = f.do("POST", "/api/vault/authorize", `{"vaultAddress":"`+vaultHex+`","executor":"`+recipientHex+`","allowed":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, args(t, fb.last(t), "setExecutor", true)[1])

	w = f.do("POST", "/api/vault/authorize", `{"vaultAddress":"`+vaultHex+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "executor")
}

func TestConfigure(t *testing.T) {
	f, fb := newOperatorFixture(t)

	body := `{"vaultAddress":"` + vaultHex + `","rules":[{"timeWindow":86400,"budget":"100","initialWindowStartTime":1700000000,"blacklist":["` + recipientHex + `"]}]}`
	w := f.do("POST", "/api/vault/configure", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	args(t, fb.last(t), "configureSpendingRules", true)

	t.Run("rejects bad rules", func(t *testing.T) {
		for name, body := range map[string]string{
			"no rules":        `{"vaultAddress":"` + vaultHex + `","rules":[]}`,
			"bad budget":      `{"vaultAddress":"` + vaultHex + `","rules":[{"timeWindow":1,"budget":"abc"}]}`,
			"negative window": `{"vaultAddress":"` + vaultHex + `","rules":[{"timeWindow":-1,"budget":"1"}]}`,
			"bad whitelist":   `{"vaultAddress":"` + vaultHex + `","rules":[{"timeWindow":1,"budget":"1","whitelist":["0x12"]}]}`,
		} {
			w := f.do("POST", "/api/vault/configure", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, name)
		}
	})
}

func TestWithdraw(t *testing.T) {
	f, fb := newOperatorFixture(t)

	w := f.do("POST", "/api/vault/withdraw", `{"vaultAddress":"`+vaultHex+`","tokenAddress":"`+tokenHex+`","amount":"2.5","recipient":"`+recipientHex+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := args(t, fb.last(t), "withdraw", true)
	assert.Equal(t, common.HexToAddress(tokenHex), got[0])
	assert.Equal(t, big.NewInt(2_500000), got[1])
	assert.Equal(t, common.HexToAddress(recipientHex), got[2])

	w = f.do("POST", "/api/vault/withdraw", `{"vaultAddress":"`+vaultHex+`","tokenAddress":"`+tokenHex+`","amount":"0","recipient":"`+recipientHex+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApproveERC20(t *testing.T) {
	f, fb := newOperatorFixture(t)

	w := f.do("POST", "/api/wallet/approve-erc20", `{"tokenAddress":"`+tokenHex+`","spender":"`+vaultHex+`","useMax":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	in := fb.last(t)
	assert.Equal(t, common.HexToAddress(tokenHex), in.Target)
	got := args(t, in, "approve", false)
	assert.Equal(t, common.HexToAddress(vaultHex), got[0])
	assert.Equal(t, 0, vault.MaxApproval.Cmp(got[1].(*big.Int)))

	w = f.do("POST", "/api/wallet/approve-erc20", `{"tokenAddress":"`+tokenHex+`","spender":"`+vaultHex+`","amount":"1.5","tokenDecimals":18}`)
	require.Equal(t, http.StatusOK, w.Code)
	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	assert.Equal(t, want, args(t, fb.last(t), "approve", false)[1])

	w = f.do("POST", "/api/wallet/approve-erc20", `{"tokenAddress":"`+tokenHex+`","spender":"`+vaultHex+`","amount":"-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTransfer(t *testing.T) {
	f, fb := newOperatorFixture(t)

	w := f.do("POST", "/api/wallet/transfer", `{"tokenAddress":"`+tokenHex+`","recipient":"`+recipientHex+`","amount":"3"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := args(t, fb.last(t), "transfer", false)
	assert.Equal(t, common.HexToAddress(recipientHex), got[0])
	assert.Equal(t, big.NewInt(3_000000), got[1])
}

func TestAddSupportedToken(t *testing.T) {
	f, fb := newOperatorFixture(t)

	w := f.do("POST", "/api/wallet/add-supported-token", `{"tokenAddress":"`+tokenHex+`"}`, "Idempotency-Key", "reg-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	again := f.do("POST", "/api/wallet/add-supported-token", `{"tokenAddress":"`+tokenHex+`"}`, "Idempotency-Key", "reg-1")
	assert.Equal(t, "true", again.Header().Get("Idempotent-Replayed"))

	assert.Equal(t, 1, fb.fixed, "registration is built once, on the fixed-gas path")
	in := fb.last(t)
	assert.Equal(t, common.HexToAddress(accountHex), in.Target)
	m := vault.AccountABI.Methods["addSupportedToken"]
	assert.Equal(t, m.ID, in.CallData[:4])

	w = f.do("POST", "/api/wallet/add-supported-token", `{"tokenAddress":"0xbad"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
