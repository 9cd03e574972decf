package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// NetworkProfile describes one chain deployment: endpoints and contract addresses.
type NetworkProfile struct {
	Name           string           `yaml:"name" json:"name"`
	Code           string           `yaml:"code" json:"code"`
	ChainID        int64            `yaml:"chain_id" json:"chain_id"`
	RPCURL         string           `yaml:"rpc_url" json:"rpc_url"`
	BundlerURL     string           `yaml:"bundler_url" json:"bundler_url"`
	ExplorerAPIURL string           `yaml:"explorer_api_url" json:"explorer_api_url"`
	NativeSymbol   string           `yaml:"native_symbol,omitempty" json:"native_symbol,omitempty"`
	TokenDecimals  uint8            `yaml:"token_decimals,omitempty" json:"token_decimals,omitempty"`
	Contracts      ContractsProfile `yaml:"contracts" json:"contracts"`
}

// ContractsProfile holds the addresses the wallet core talks to.
type ContractsProfile struct {
	EntryPoint      string `yaml:"entry_point" json:"entry_point"`
	AccountFactory  string `yaml:"account_factory" json:"account_factory"`
	Paymaster       string `yaml:"paymaster,omitempty" json:"paymaster,omitempty"`
	SettlementToken string `yaml:"settlement_token" json:"settlement_token"`
}

// IsTestnet reports whether the profile targets a test network.
func (p *NetworkProfile) IsTestnet() bool {
	return strings.Contains(strings.ToLower(p.Code), "test")
}

// LoadNetworkProfile loads a network profile YAML by name.
// It searches dir for network_<name>.yaml.
func LoadNetworkProfile(dir, name string) (*NetworkProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(dir, fmt.Sprintf("network_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load network profile %q: %w", name, err)
	}

	var profile NetworkProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse network profile %q: %w", name, err)
	}

	if profile.Code == "" {
		profile.Code = name
	}

	return &profile, nil
}

// LoadAllNetworkProfiles loads all network_*.yaml files from dir.
func LoadAllNetworkProfiles(dir string) (map[string]*NetworkProfile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "network_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*NetworkProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile NetworkProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// network_kite_testnet.yaml -> kite_testnet
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "network_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}
