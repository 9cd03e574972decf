package budget

import "github.com/Mindburn-Labs/spendvault/pkg/vault"

// CurrentWindowStart returns the start of the window active at now: the largest
// boundary initialWindowStart + k*timeWindow that is <= now.
//
// A non-positive window means a single non-rolling window anchored at
// InitialWindowStart. Before the anchor the window has not started and the anchor
// itself is returned.
func CurrentWindowStart(rule vault.SpendingRule, now int64) int64 {
	start := rule.InitialWindowStart
	if rule.TimeWindowSeconds <= 0 || now < start {
		return start
	}
	elapsed := now - start
	return start + (elapsed/rule.TimeWindowSeconds)*rule.TimeWindowSeconds
}

// WindowEnd returns the exclusive end of the window starting at start, or zero
// for a non-rolling window.
func WindowEnd(rule vault.SpendingRule, start int64) int64 {
	if rule.TimeWindowSeconds <= 0 {
		return 0
	}
	return start + rule.TimeWindowSeconds
}
