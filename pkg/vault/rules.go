package vault

import (
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SpendingRule mirrors one on-chain rule. It is read-only here and immutable for
// the duration of a reconciliation pass.
type SpendingRule struct {
	Token              common.Address   `json:"token"`
	TimeWindowSeconds  int64            `json:"timeWindow"`
	Budget             *big.Int         `json:"budget"` // smallest token unit
	InitialWindowStart int64            `json:"initialWindowStartTime"`
	Whitelist          []common.Address `json:"whitelist"`
	Blacklist          []common.Address `json:"blacklist"`
}

// ruleTuple is the ABI shape of a rule; field names follow the ABI component names.
type ruleTuple struct {
	Token                  common.Address
	TimeWindow             *big.Int
	Budget                 *big.Int
	InitialWindowStartTime *big.Int
	Whitelist              []common.Address
	Blacklist              []common.Address
}

func (t ruleTuple) rule() SpendingRule {
	budget := new(big.Int)
	if t.Budget != nil {
		budget.Set(t.Budget)
	}
	return SpendingRule{
		Token:              t.Token,
		TimeWindowSeconds:  clampSeconds(t.TimeWindow),
		Budget:             budget,
		InitialWindowStart: clampSeconds(t.InitialWindowStartTime),
		Whitelist:          append([]common.Address(nil), t.Whitelist...),
		Blacklist:          append([]common.Address(nil), t.Blacklist...),
	}
}

func tupleOf(r SpendingRule) ruleTuple {
	budget := r.Budget
	if budget == nil {
		budget = new(big.Int)
	}
	whitelist := r.Whitelist
	if whitelist == nil {
		whitelist = []common.Address{}
	}
	blacklist := r.Blacklist
	if blacklist == nil {
		blacklist = []common.Address{}
	}
	return ruleTuple{
		Token:                  r.Token,
		TimeWindow:             big.NewInt(max(r.TimeWindowSeconds, 0)),
		Budget:                 budget,
		InitialWindowStartTime: big.NewInt(max(r.InitialWindowStart, 0)),
		Whitelist:              whitelist,
		Blacklist:              blacklist,
	}
}

// MaxRuleSeconds caps timeWindow and initialWindowStartTime. A window at the cap
// never rolls over in practice, and start+window stays within int64.
const MaxRuleSeconds = math.MaxInt64 / 2

// clampSeconds saturates a uint256 rule field into [0, MaxRuleSeconds].
func clampSeconds(v *big.Int) int64 {
	switch {
	case v == nil || v.Sign() <= 0:
		return 0
	case !v.IsInt64() || v.Int64() > MaxRuleSeconds:
		return MaxRuleSeconds
	default:
		return v.Int64()
	}
}

// PrimaryRule returns the first rule with its token defaulted to the settlement token.
// ok is false when the vault has no rules.
func PrimaryRule(rules []SpendingRule, settlementToken common.Address) (SpendingRule, bool) {
	if len(rules) == 0 {
		return SpendingRule{}, false
	}
	r := rules[0]
	if r.Token == (common.Address{}) {
		r.Token = settlementToken
	}
	return r, true
}
