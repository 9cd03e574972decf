// Package activity keeps a bounded, per-address cache of wallet transfers
// pulled from a block explorer, and coordinates refreshes so that at most one
// sync job runs per address at a time.
package activity

import (
	"math/big"
	"sort"
	"strings"
)

// DefaultLimit caps the number of cached records per address.
const DefaultLimit = 100

// Transfer kinds.
const (
	KindNative = "native"
	KindToken  = "token"
)

// Transfer statuses.
const (
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// Record is one observed transfer touching the tracked address.
type Record struct {
	TxHash      string   `json:"txHash"`
	BlockNumber uint64   `json:"blockNumber"`
	Timestamp   int64    `json:"timestamp"` // unix seconds
	From        string   `json:"from"`
	To          string   `json:"to"`
	Value       *big.Int `json:"value"`
	Amount      string   `json:"amount"`
	Symbol      string   `json:"symbol"`
	Decimals    uint8    `json:"decimals"`
	Status      string   `json:"status"`
	Kind        string   `json:"type"`
	Token       string   `json:"tokenAddress,omitempty"`
}

// Key identifies a record for deduplication.
func (r Record) Key() string {
	return strings.ToLower(r.TxHash) + ":" + r.Kind + ":" + strings.ToLower(r.Token)
}

// State is the cached activity of one address.
type State struct {
	Address      string   `json:"address"`
	Records      []Record `json:"records"`
	LastSyncedAt int64    `json:"lastSyncedAt"` // epoch ms, zero when never synced
	LastError    string   `json:"lastError,omitempty"`
}

// Clone returns a deep copy so callers can't mutate cached records.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Records = make([]Record, len(s.Records))
	for i, r := range s.Records {
		if r.Value != nil {
			r.Value = new(big.Int).Set(r.Value)
		}
		out.Records[i] = r
	}
	return &out
}

// Merge combines freshly fetched records with the cached ones. Duplicates by
// Key keep the incoming copy. The result is sorted newest first and truncated
// to limit (DefaultLimit when limit <= 0).
func Merge(incoming, existing []Record, limit int) []Record {
	if limit <= 0 {
		limit = DefaultLimit
	}
	seen := make(map[string]struct{}, len(incoming)+len(existing))
	out := make([]Record, 0, len(incoming)+len(existing))
	for _, batch := range [][]Record{incoming, existing} {
		for _, r := range batch {
			k := r.Key()
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].BlockNumber > out[j].BlockNumber
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
