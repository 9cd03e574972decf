package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/spendvault/pkg/executor"
	"github.com/Mindburn-Labs/spendvault/pkg/vault"
)

// AuthorizeRequest is the body of POST /api/vault/authorize. Allowed defaults
// to true.
type AuthorizeRequest struct {
	VaultAddress string `json:"vaultAddress"`
	Executor     string `json:"executor"`
	Allowed      *bool  `json:"allowed,omitempty"`
}

// RuleRequest is one spending rule. Budget is a decimal string in token units;
// an empty token means the settlement token.
type RuleRequest struct {
	Token                  string   `json:"token" yaml:"token"`
	TimeWindow             int64    `json:"timeWindow" yaml:"timeWindow"`
	Budget                 string   `json:"budget" yaml:"budget"`
	InitialWindowStartTime int64    `json:"initialWindowStartTime" yaml:"initialWindowStartTime"`
	Whitelist              []string `json:"whitelist" yaml:"whitelist"`
	Blacklist              []string `json:"blacklist" yaml:"blacklist"`
}

// ConfigureRequest is the body of POST /api/vault/configure.
type ConfigureRequest struct {
	VaultAddress string        `json:"vaultAddress"`
	Rules        []RuleRequest `json:"rules"`
}

// WithdrawRequest is the body of POST /api/vault/withdraw.
type WithdrawRequest struct {
	VaultAddress string `json:"vaultAddress"`
	TokenAddress string `json:"tokenAddress"`
	Amount       string `json:"amount"`
	Recipient    string `json:"recipient"`
}

// ApproveRequest is the body of POST /api/wallet/approve-erc20. UseMax ignores
// Amount and approves the maximum allowance.
type ApproveRequest struct {
	TokenAddress  string `json:"tokenAddress"`
	Spender       string `json:"spender"`
	Amount        string `json:"amount"`
	TokenDecimals *uint8 `json:"tokenDecimals,omitempty"`
	UseMax        bool   `json:"useMax"`
}

// TransferRequest is the body of POST /api/wallet/transfer.
type TransferRequest struct {
	TokenAddress  string `json:"tokenAddress"`
	Recipient     string `json:"recipient"`
	Amount        string `json:"amount"`
	TokenDecimals *uint8 `json:"tokenDecimals,omitempty"`
}

// RegisterTokenRequest is the body of POST /api/wallet/add-supported-token.
type RegisterTokenRequest struct {
	TokenAddress string `json:"tokenAddress"`
}

// decodeOperation reads a JSON body into v. It answers 503 when no operator is
// configured and 400 on a malformed body.
func (s *Server) decodeOperation(w http.ResponseWriter, r *http.Request, v any) bool {
	if s.operator == nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Owner key not configured on server")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// scoped rejects tokens restricted to other vaults. Calls that touch no vault
// pass an empty address and so need an unrestricted token.
func scoped(w http.ResponseWriter, r *http.Request, vaultHex string) bool {
	if claims, ok := ClaimsFrom(r.Context()); ok && !claims.Allows(vaultHex) {
		WriteProblem(w, r, http.StatusForbidden, "token is not scoped to this vault")
		return false
	}
	return true
}

func required(w http.ResponseWriter, r *http.Request, fields map[string]string) bool {
	var missing []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		WriteProblem(w, r, http.StatusBadRequest, "Missing required fields: "+strings.Join(missing, ", "))
		return false
	}
	return true
}

func (s *Server) positiveAmount(w http.ResponseWriter, r *http.Request, raw string, decimals *uint8) (*big.Int, bool) {
	dec := s.opts.TokenDecimals
	if decimals != nil {
		dec = *decimals
	}
	amount, err := vault.ParseUnits(raw, dec)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if amount.Sign() <= 0 {
		WriteProblem(w, r, http.StatusBadRequest, "amount must be positive")
		return nil, false
	}
	return amount, true
}

func (s *Server) writeExecution(w http.ResponseWriter, r *http.Request, res *executor.ExecutionResult, err error) {
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, res)
}

// POST /api/vault/authorize
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if !s.decodeOperation(w, r, &req) ||
		!required(w, r, map[string]string{"vaultAddress": req.VaultAddress, "executor": req.Executor}) ||
		!scoped(w, r, req.VaultAddress) {
		return
	}
	allowed := req.Allowed == nil || *req.Allowed
	res, err := s.operator.Authorize(r.Context(), req.VaultAddress, req.Executor, allowed)
	s.writeExecution(w, r, res, err)
}

// POST /api/vault/configure
func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var req ConfigureRequest
	if !s.decodeOperation(w, r, &req) ||
		!required(w, r, map[string]string{"vaultAddress": req.VaultAddress}) ||
		!scoped(w, r, req.VaultAddress) {
		return
	}
	if len(req.Rules) == 0 {
		WriteProblem(w, r, http.StatusBadRequest, "Missing required fields: rules")
		return
	}
	rules := make([]vault.SpendingRule, 0, len(req.Rules))
	for i, rr := range req.Rules {
		rule, err := rr.Rule(s.opts.TokenDecimals)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("rules[%d]: %v", i, err))
			return
		}
		rules = append(rules, rule)
	}
	res, err := s.operator.Configure(r.Context(), req.VaultAddress, rules)
	s.writeExecution(w, r, res, err)
}

// Rule validates rr and converts it, reading Budget with the given decimals.
func (rr RuleRequest) Rule(decimals uint8) (vault.SpendingRule, error) {
	var rule vault.SpendingRule
	if rr.Token != "" {
		token, err := vault.ParseAddress(rr.Token)
		if err != nil {
			return rule, err
		}
		rule.Token = token
	}
	if rr.TimeWindow < 0 || rr.InitialWindowStartTime < 0 {
		return rule, errors.New("timeWindow and initialWindowStartTime must not be negative")
	}
	if rr.TimeWindow > vault.MaxRuleSeconds || rr.InitialWindowStartTime > vault.MaxRuleSeconds {
		return rule, fmt.Errorf("timeWindow and initialWindowStartTime must not exceed %d", int64(vault.MaxRuleSeconds))
	}
	budget, err := vault.ParseUnits(rr.Budget, decimals)
	if err != nil {
		return rule, err
	}
	rule.TimeWindowSeconds = rr.TimeWindow
	rule.InitialWindowStart = rr.InitialWindowStartTime
	rule.Budget = budget
	if rule.Whitelist, err = parseAddresses(rr.Whitelist); err != nil {
		return rule, err
	}
	if rule.Blacklist, err = parseAddresses(rr.Blacklist); err != nil {
		return rule, err
	}
	return rule, nil
}

func parseAddresses(in []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(in))
	for _, raw := range in {
		addr, err := vault.ParseAddress(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// POST /api/vault/withdraw
func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !s.decodeOperation(w, r, &req) ||
		!required(w, r, map[string]string{
			"vaultAddress": req.VaultAddress, "tokenAddress": req.TokenAddress,
			"amount": req.Amount, "recipient": req.Recipient,
		}) ||
		!scoped(w, r, req.VaultAddress) {
		return
	}
	amount, ok := s.positiveAmount(w, r, req.Amount, nil)
	if !ok {
		return
	}
	res, err := s.operator.Withdraw(r.Context(), req.VaultAddress, req.TokenAddress, amount, req.Recipient)
	s.writeExecution(w, r, res, err)
}

// POST /api/wallet/approve-erc20
//
// The spender is usually a vault, so a vault-scoped token may approve it.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !s.decodeOperation(w, r, &req) ||
		!required(w, r, map[string]string{"tokenAddress": req.TokenAddress, "spender": req.Spender}) ||
		!scoped(w, r, req.Spender) {
		return
	}
	var amount *big.Int
	if !req.UseMax {
		var ok bool
		if amount, ok = s.positiveAmount(w, r, req.Amount, req.TokenDecimals); !ok {
			return
		}
	}
	res, err := s.operator.Approve(r.Context(), req.TokenAddress, req.Spender, amount)
	s.writeExecution(w, r, res, err)
}

// POST /api/wallet/transfer
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !s.decodeOperation(w, r, &req) ||
		!required(w, r, map[string]string{"tokenAddress": req.TokenAddress, "recipient": req.Recipient, "amount": req.Amount}) ||
		!scoped(w, r, "") {
		return
	}
	amount, ok := s.positiveAmount(w, r, req.Amount, req.TokenDecimals)
	if !ok {
		return
	}
	res, err := s.operator.Transfer(r.Context(), req.TokenAddress, req.Recipient, amount)
	s.writeExecution(w, r, res, err)
}

// POST /api/wallet/add-supported-token
func (s *Server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	var req RegisterTokenRequest
	if !s.decodeOperation(w, r, &req) ||
		!required(w, r, map[string]string{"tokenAddress": req.TokenAddress}) ||
		!scoped(w, r, "") {
		return
	}
	res, err := s.operator.RegisterToken(r.Context(), req.TokenAddress)
	s.writeExecution(w, r, res, err)
}
