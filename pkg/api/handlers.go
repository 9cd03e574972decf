package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/spendvault/pkg/budget"
	"github.com/Mindburn-Labs/spendvault/pkg/vault"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// GET /api/vault/info?address=0x..[&executor=0x..]
func (s *Server) handleVaultInfo(w http.ResponseWriter, r *http.Request) {
	addr, err := vault.ParseAddress(r.URL.Query().Get("address"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	opts := vault.InfoOptions{
		Executor:         s.opts.Executor,
		FallbackSymbol:   s.opts.FallbackSymbol,
		FallbackDecimals: s.opts.TokenDecimals,
	}
	if raw := r.URL.Query().Get("executor"); raw != "" {
		if opts.Executor, err = vault.ParseAddress(raw); err != nil {
			WriteFault(w, r, err)
			return
		}
	}

	info, err := s.info.Info(r.Context(), addr, opts)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, info)
}

// VaultActivityResponse is the reconciled window with display amounts.
type VaultActivityResponse struct {
	*budget.Reconciliation
	TokenDecimals      uint8  `json:"tokenDecimals"`
	SpentFormatted     string `json:"spentInWindowFormatted"`
	RemainingFormatted string `json:"remainingBudgetFormatted"`
}

// GET /api/vault/activity?address=0x..
func (s *Server) handleVaultActivity(w http.ResponseWriter, r *http.Request) {
	rec, err := s.budget.CurrentWindow(r.Context(), r.URL.Query().Get("address"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, VaultActivityResponse{
		Reconciliation:     rec,
		TokenDecimals:      s.opts.TokenDecimals,
		SpentFormatted:     vault.FormatUnits(rec.SpentInWindow, s.opts.TokenDecimals),
		RemainingFormatted: vault.FormatUnits(rec.RemainingBudget, s.opts.TokenDecimals),
	})
}

// SpendRequest is the body of the preflight and execute endpoints. Amount is a
// decimal string in token units, e.g. "12.5".
type SpendRequest struct {
	VaultAddress string `json:"vaultAddress"`
	Recipient    string `json:"recipient"`
	Amount       string `json:"amount"`
}

func (s *Server) decodeSpend(w http.ResponseWriter, r *http.Request) (*SpendRequest, *big.Int, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var req SpendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid request body")
		return nil, nil, false
	}
	if req.VaultAddress == "" || req.Recipient == "" || strings.TrimSpace(req.Amount) == "" {
		WriteProblem(w, r, http.StatusBadRequest, "Missing required fields: vaultAddress, recipient, amount")
		return nil, nil, false
	}
	amount, err := vault.ParseUnits(req.Amount, s.opts.TokenDecimals)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return nil, nil, false
	}
	if amount.Sign() <= 0 {
		WriteProblem(w, r, http.StatusBadRequest, "amount must be positive")
		return nil, nil, false
	}
	return &req, amount, true
}

// POST /api/vault/preflight
//
// A policy denial is a normal 200 answer with allowed=false; only invalid
// input and read failures are errors.
func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	req, amount, ok := s.decodeSpend(w, r)
	if !ok {
		return
	}
	decision, err := s.budget.Check(r.Context(), req.VaultAddress, amount, req.Recipient)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, decision)
}

// POST /api/vault/execute
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.spender == nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Executor not configured on server")
		return
	}
	req, amount, ok := s.decodeSpend(w, r)
	if !ok {
		return
	}
	if claims, ok := ClaimsFrom(r.Context()); ok && !claims.Allows(req.VaultAddress) {
		WriteProblem(w, r, http.StatusForbidden, "token is not scoped to this vault")
		return
	}
	res, err := s.spender.Spend(r.Context(), req.VaultAddress, req.Recipient, amount)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, res)
}

// GET /api/wallet/activity?address=0x..[&refresh=1]
//
// refresh=1 waits for a sync; otherwise a stale cache triggers a background
// sync and the cached records are returned at once with syncing=true.
func (s *Server) handleWalletActivity(w http.ResponseWriter, r *http.Request) {
	addr, err := vault.ParseAddress(r.URL.Query().Get("address"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	key := strings.ToLower(addr.Hex())
	refresh := r.URL.Query().Get("refresh") == "1"

	if refresh {
		snap, err := s.activity.EnsureFresh(r.Context(), key, true)
		if err != nil {
			if errors.Is(err, r.Context().Err()) {
				return
			}
			WriteInternal(w, r, err)
			return
		}
		writeJSON(w, snap)
		return
	}
	snap, err := s.activity.Trigger(r.Context(), key, false)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, snap)
}
