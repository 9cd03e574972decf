package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadNetworkProfile_Testnet(t *testing.T) {
	dir := locateProfiles(t)
	p, err := LoadNetworkProfile(dir, "kite_testnet")
	if err != nil {
		t.Fatalf("LoadNetworkProfile(kite_testnet): %v", err)
	}
	if p.ChainID != 2368 {
		t.Errorf("expected chain id 2368, got %d", p.ChainID)
	}
	if p.ExplorerAPIURL != "https://testnet.kitescan.ai/api" {
		t.Errorf("unexpected explorer url %q", p.ExplorerAPIURL)
	}
	if !p.IsTestnet() {
		t.Error("kite_testnet should be a testnet")
	}
	if p.Contracts.EntryPoint != DefaultEntryPoint {
		t.Errorf("expected canonical entry point, got %q", p.Contracts.EntryPoint)
	}
}

func TestLoadNetworkProfile_CodeFromName(t *testing.T) {
	dir := locateProfiles(t)
	p, err := LoadNetworkProfile(dir, "LOCAL")
	if err != nil {
		t.Fatalf("LoadNetworkProfile(local): %v", err)
	}
	if p.Code != "local" {
		t.Errorf("expected code derived from name, got %q", p.Code)
	}
	if p.IsTestnet() {
		t.Error("local should not be a testnet")
	}
}

func TestLoadNetworkProfile_Missing(t *testing.T) {
	if _, err := LoadNetworkProfile(t.TempDir(), "nowhere"); err == nil {
		t.Fatal("expected error for missing profile")
	}
}

func TestLoadNetworkProfile_Malformed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "network_bad.yaml"), []byte("chain_id: [oops"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadNetworkProfile(dir, "bad"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadAllNetworkProfiles(t *testing.T) {
	dir := locateProfiles(t)
	profiles, err := LoadAllNetworkProfiles(dir)
	if err != nil {
		t.Fatalf("LoadAllNetworkProfiles: %v", err)
	}
	if len(profiles) < 3 {
		t.Errorf("expected at least 3 profiles, got %d", len(profiles))
	}
	for code, p := range profiles {
		if p.Name == "" {
			t.Errorf("profile %s has empty name", code)
		}
		if p.ChainID == 0 {
			t.Errorf("profile %s has no chain id", code)
		}
	}
}

func locateProfiles(t *testing.T) string {
	t.Helper()
	candidates := []string{
		"profiles",
		"../config/profiles",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	wd, _ := os.Getwd()
	p := filepath.Join(wd, "profiles")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	t.Skip("profiles directory not found")
	return ""
}
