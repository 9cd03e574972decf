package budget

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/spendvault/pkg/vault"
)

// IsAllowed evaluates recipient against the rule's lists. The blacklist always
// wins; an empty whitelist allows everyone else.
func IsAllowed(rule vault.SpendingRule, recipient common.Address) bool {
	if contains(rule.Blacklist, recipient) {
		return false
	}
	if len(rule.Whitelist) == 0 {
		return true
	}
	return contains(rule.Whitelist, recipient)
}

func contains(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}
