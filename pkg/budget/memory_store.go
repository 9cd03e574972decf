package budget

import (
	"context"
	"sync"
)

// MemoryReceiptLog implements ReceiptLog in memory.
// Thread-safe via RWMutex.
type MemoryReceiptLog struct {
	mu       sync.RWMutex
	receipts map[string][]*EnforcementReceipt
}

func NewMemoryReceiptLog() *MemoryReceiptLog {
	return &MemoryReceiptLog{receipts: make(map[string][]*EnforcementReceipt)}
}

func (s *MemoryReceiptLog) Append(_ context.Context, r *EnforcementReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *r
	key := normalize(r.Vault)
	s.receipts[key] = append(s.receipts[key], &val)
	return nil
}

// List returns up to limit receipts for vault, newest first. limit <= 0 means all.
func (s *MemoryReceiptLog) List(_ context.Context, vault string, limit int) ([]*EnforcementReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.receipts[normalize(vault)]
	out := make([]*EnforcementReceipt, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		val := *all[i]
		out = append(out, &val)
	}
	return out, nil
}
