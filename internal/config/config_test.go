package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
version: 1
global:
  db_path: ./events.db
  retry_interval: 2s
  excluded_events: [approval]
listeners:
  - chain: mainnet-gov
    network: Compound
    url: ${RPC_URL}
    addresses: ["0xc0Da02939E1441F497fd74F78cE7Decb17B66529"]
    version: 2
  - chain: hub
    network: cosmos
    url: http://localhost:26657
    poll_interval: 3s
handlers:
  - key: db
    type: storage
  - key: alerts
    type: slack
    chains: [hub]
    webhook_url: ${SLACK_HOOK}
    where: ["kind == submit-proposal"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

// unsetEnv clears names for the test; t.Setenv restores them afterwards.
func unsetEnv(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		t.Setenv(n, "")
		os.Unsetenv(n)
	}
}

func TestLoadInterpolatesEnvAndValidates(t *testing.T) {
	cfgPath := writeConfig(t, sampleYAML)
	t.Setenv("RPC_URL", "wss://example-rpc")
	t.Setenv("SLACK_HOOK", "https://hooks.slack.test")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("expected load to succeed: %v", err)
	}

	if got := cfg.Listeners[0].URL; got != "wss://example-rpc" {
		t.Fatalf("url not interpolated, got %q", got)
	}
	if cfg.Listeners[0].Network != "compound" {
		t.Fatalf("network not normalized: %q", cfg.Listeners[0].Network)
	}
	if cfg.Global.RetryInterval.Std() != 2*time.Second || cfg.Listeners[1].PollInterval.Std() != 3*time.Second {
		t.Fatalf("durations not parsed: %+v", cfg.Global)
	}
	if cfg.Handlers[1].AppliesTo("mainnet-gov") || !cfg.Handlers[1].AppliesTo("hub") || !cfg.Handlers[0].AppliesTo("mainnet-gov") {
		t.Fatalf("chain scoping wrong")
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	cfgPath := writeConfig(t, sampleYAML)
	env := "RPC_URL=wss://from-dotenv\nSLACK_HOOK=https://hook\n"
	if err := os.WriteFile(filepath.Join(filepath.Dir(cfgPath), ".env"), []byte(env), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	unsetEnv(t, "RPC_URL", "SLACK_HOOK")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listeners[0].URL != "wss://from-dotenv" {
		t.Fatalf("dotenv not applied: %q", cfg.Listeners[0].URL)
	}
}

func TestLoadFailsOnMissingEnv(t *testing.T) {
	cfgPath := writeConfig(t, sampleYAML)
	unsetEnv(t, "RPC_URL", "SLACK_HOOK")

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "RPC_URL") {
		t.Fatalf("expected missing env to fail, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]string{
		"unknown network": `
version: 1
listeners:
  - {chain: a, network: solana, url: ws://x}
`,
		"duplicate chain": `
version: 1
listeners:
  - {chain: a, network: cosmos, url: http://x}
  - {chain: a, network: cosmos, url: http://y}
`,
		"evm without addresses": `
version: 1
listeners:
  - {chain: a, network: erc20, url: ws://x}
`,
		"moloch without addresses": `
version: 1
listeners:
  - {chain: a, network: moloch, url: ws://x}
`,
		"handler unknown chain": `
version: 1
listeners:
  - {chain: a, network: cosmos, url: http://x}
handlers:
  - {key: h, type: logging, chains: [b]}
`,
		"kafka without topic": `
version: 1
listeners:
  - {chain: a, network: cosmos, url: http://x}
handlers:
  - {key: h, type: kafka, brokers: [localhost:9092]}
`,
		"bad duration": `
version: 1
listeners:
  - {chain: a, network: cosmos, url: http://x, poll_interval: soon}
`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestWebhookMethodDefaults(t *testing.T) {
	cfg := &Config{
		Version:   1,
		Listeners: []Listener{{Chain: "a", Network: "algorand", URL: "http://algod"}},
		Handlers:  []Handler{{Key: "w", Type: "webhook", URL: "http://hook"}},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Handlers[0].Method != "POST" || cfg.Global.DBPath == "" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestSubstrateNeedsNoAddresses(t *testing.T) {
	cfg := &Config{
		Version: 1,
		Listeners: []Listener{
			{Chain: "kusama", Network: "Substrate", URL: "wss://kusama-rpc", Spec: "transfer_threshold_permill=1000"},
			{Chain: "nft", Network: "erc721", URL: "ws://x", Addresses: []string{"0xabc"}},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listeners[0].Network != "substrate" {
		t.Fatalf("network not normalized: %q", cfg.Listeners[0].Network)
	}
}
