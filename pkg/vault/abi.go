// Package vault binds the spending vault contract, the ERC-20 settlement token and the
// smart-account entry points used by the pipeline: ABI definitions, typed view calls,
// call-data encoders and event decoding.
package vault

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const spendingRuleTuple = `{"name":"token","type":"address"},
	{"name":"timeWindow","type":"uint256"},
	{"name":"budget","type":"uint256"},
	{"name":"initialWindowStartTime","type":"uint256"},
	{"name":"whitelist","type":"address[]"},
	{"name":"blacklist","type":"address[]"}`

// VaultABIJSON is the subset of the vault interface this module calls.
const VaultABIJSON = `[
	{"type":"function","name":"getSpendingRules","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"tuple[]","components":[` + spendingRuleTuple + `]}]},
	{"type":"function","name":"settlementToken","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"spendingAccount","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"isExecutor","stateMutability":"view",
	 "inputs":[{"name":"executor","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"currentBudget","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"checkSpendAllowed","stateMutability":"view",
	 "inputs":[{"name":"amount","type":"uint256"},{"name":"provider","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"setExecutor","stateMutability":"nonpayable",
	 "inputs":[{"name":"executor","type":"address"},{"name":"allowed","type":"bool"}],"outputs":[]},
	{"type":"function","name":"configureSpendingRules","stateMutability":"nonpayable",
	 "inputs":[{"name":"rules","type":"tuple[]","components":[` + spendingRuleTuple + `]}],"outputs":[]},
	{"type":"function","name":"executeSpend","stateMutability":"nonpayable",
	 "inputs":[{"name":"amount","type":"uint256"},{"name":"recipient","type":"address"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable",
	 "inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"recipient","type":"address"}],"outputs":[]},
	{"type":"event","name":"SpendExecuted","anonymous":false,
	 "inputs":[{"name":"executor","type":"address","indexed":true},
	           {"name":"recipient","type":"address","indexed":true},
	           {"name":"amount","type":"uint256","indexed":false}]}
]`

// ERC20ABIJSON covers the token calls used for funding diagnostics and transfers.
const ERC20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

// AccountABIJSON is the smart account surface: batched execution and token registration.
const AccountABIJSON = `[
	{"type":"function","name":"execute","stateMutability":"nonpayable",
	 "inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],
	 "outputs":[]},
	{"type":"function","name":"addSupportedToken","stateMutability":"nonpayable",
	 "inputs":[{"name":"token","type":"address"}],"outputs":[]}
]`

// FactoryABIJSON derives and deploys smart accounts.
const FactoryABIJSON = `[
	{"type":"function","name":"getAddress","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],
	 "outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"createAccount","stateMutability":"nonpayable",
	 "inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],
	 "outputs":[{"name":"","type":"address"}]}
]`

// EntryPointABIJSON is the nonce view of the EntryPoint.
const EntryPointABIJSON = `[
	{"type":"function","name":"getNonce","stateMutability":"view",
	 "inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
	 "outputs":[{"name":"nonce","type":"uint256"}]}
]`

var (
	VaultABI      = mustParse(VaultABIJSON)
	ERC20ABI      = mustParse(ERC20ABIJSON)
	AccountABI    = mustParse(AccountABIJSON)
	FactoryABI    = mustParse(FactoryABIJSON)
	EntryPointABI = mustParse(EntryPointABIJSON)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("vault: invalid ABI definition: " + err.Error())
	}
	return parsed
}
