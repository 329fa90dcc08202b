package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Engine.MaxConcurrentMixes != 10 {
		t.Errorf("max concurrent mixes = %d, want 10", cfg.Engine.MaxConcurrentMixes)
	}
	if cfg.CoinJoin.RegistrationTimeout != 10*time.Minute {
		t.Errorf("registration timeout = %s, want 10m", cfg.CoinJoin.RegistrationTimeout)
	}
	if cfg.Ring.RingSize != 11 {
		t.Errorf("ring size = %d, want 11", cfg.Ring.RingSize)
	}
	if cfg.Security.AutoRejectThreshold != 95 {
		t.Errorf("auto reject threshold = %d, want 95", cfg.Security.AutoRejectThreshold)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("ENGINE_MAX_CONCURRENT_MIXES", "4")
	t.Setenv("COINJOIN_MIN_PARTICIPANTS", "2")
	t.Setenv("CHAIN_BTC_MODE", "rpc")
	t.Setenv("CHAIN_BTC_RPC_URL", "http://localhost:8332")
	t.Setenv("CHAIN_BTC_MIN_CONFIRMATIONS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxConcurrentMixes != 4 {
		t.Errorf("max concurrent mixes = %d, want 4", cfg.Engine.MaxConcurrentMixes)
	}
	if cfg.CoinJoin.MinParticipants != 2 {
		t.Errorf("min participants = %d, want 2", cfg.CoinJoin.MinParticipants)
	}
	if cfg.Chains.BTC.Mode != "rpc" || cfg.Chains.BTC.RPCURL != "http://localhost:8332" {
		t.Errorf("btc chain config not read: %+v", cfg.Chains.BTC)
	}
	if cfg.Chains.BTC.MinConfirmations != 3 {
		t.Errorf("btc min confirmations = %d, want 3", cfg.Chains.BTC.MinConfirmations)
	}
	if cfg.Chains.SOL.MinConfirmations != 31 {
		t.Errorf("sol min confirmations default = %d, want 31", cfg.Chains.SOL.MinConfirmations)
	}
}

func TestLoadFromPathOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mixer.yaml")
	body := []byte("engine:\n  max_concurrent_mixes: 7\nring:\n  ring_size: 16\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Engine.MaxConcurrentMixes != 7 {
		t.Errorf("max concurrent mixes = %d, want 7", cfg.Engine.MaxConcurrentMixes)
	}
	if cfg.Ring.RingSize != 16 {
		t.Errorf("ring size = %d, want 16", cfg.Ring.RingSize)
	}
	// untouched keys keep environment defaults
	if cfg.CoinJoin.SigningTimeout != 2*time.Minute {
		t.Errorf("signing timeout = %s, want 2m", cfg.CoinJoin.SigningTimeout)
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := Default()
	cfg.Security.ManualReviewThreshold = 60 // below flag threshold
	if err := cfg.Validate(); err == nil {
		t.Error("unordered security thresholds should fail validation")
	}

	cfg = Default()
	cfg.Ring.RingSize = 3
	if err := cfg.Validate(); err == nil {
		t.Error("ring size below minimum should fail validation")
	}

	cfg = Default()
	cfg.Ring.Algorithm = "aos"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown ring algorithm should fail validation")
	}

	cfg = Default()
	cfg.CoinJoin.MinParticipants = 1
	if err := cfg.Validate(); err == nil {
		t.Error("min participants of 1 should fail validation")
	}
}
