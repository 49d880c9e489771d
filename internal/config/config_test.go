package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PORT", "SERVER_PORT", "STORE_DRIVER", "CROSS_LEDGER_TRANSPORT", "RATE_LIMIT_PER_MINUTE", "RATE_LIMIT_WINDOW_SECONDS", "RATE_LIMIT_CREATE_PAYMENT", "RATE_LIMIT_SEND_CROSS_LEDGER", "CROSS_LEDGER_QUEUE", "LEDGER_SELECTOR", "FEE_ASSET"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.StoreDriver != StoreDriverPostgres {
		t.Fatalf("expected postgres store driver, got %q", cfg.StoreDriver)
	}
	if cfg.CrossLedgerTransport != TransportRabbitMQ {
		t.Fatalf("expected rabbitmq transport, got %q", cfg.CrossLedgerTransport)
	}
	if cfg.RateLimitPerMinute != 60 {
		t.Fatalf("expected default rate limit 60, got %d", cfg.RateLimitPerMinute)
	}
	if cfg.RateLimitWindowSeconds != 60 || cfg.RateLimitCreatePayment != 60 || cfg.RateLimitSendCrossLedger != 60 {
		t.Fatalf("expected scope limits to inherit the default, got window=%d create=%d send=%d", cfg.RateLimitWindowSeconds, cfg.RateLimitCreatePayment, cfg.RateLimitSendCrossLedger)
	}
	if cfg.InvariantAuditSchedule == "" {
		t.Fatal("expected a default audit schedule")
	}
}

func TestLoadConfig_ScopeRateLimits(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "RATE_LIMIT_PER_MINUTE", "30")
	setEnvWithCleanup(t, "RATE_LIMIT_WINDOW_SECONDS", "10")
	setEnvWithCleanup(t, "RATE_LIMIT_SEND_CROSS_LEDGER", "3")
	unsetEnvWithCleanup(t, "RATE_LIMIT_CREATE_PAYMENT")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.RateLimitWindowSeconds != 10 {
		t.Fatalf("expected 10s window, got %d", cfg.RateLimitWindowSeconds)
	}
	if cfg.RateLimitCreatePayment != 30 {
		t.Fatalf("expected create limit to inherit 30, got %d", cfg.RateLimitCreatePayment)
	}
	if cfg.RateLimitSendCrossLedger != 3 {
		t.Fatalf("expected send limit 3, got %d", cfg.RateLimitSendCrossLedger)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8080")
	setEnvWithCleanup(t, "PORT", "9090")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_UsesInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "SETTLEMENT_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_NormalizesDriversAndFees(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "STORE_DRIVER", " Memory ")
	setEnvWithCleanup(t, "CROSS_LEDGER_TRANSPORT", "carrier-pigeon")
	setEnvWithCleanup(t, "FEE_BASE", "-5")
	setEnvWithCleanup(t, "FEE_ASSET", "native")
	setEnvWithCleanup(t, "LEDGER_SELECTOR", "ledger-a")
	unsetEnvWithCleanup(t, "CROSS_LEDGER_QUEUE")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StoreDriver != StoreDriverMemory {
		t.Fatalf("expected memory store driver, got %q", cfg.StoreDriver)
	}
	if cfg.CrossLedgerTransport != TransportRabbitMQ {
		t.Fatalf("expected unsupported transport to fall back to rabbitmq, got %q", cfg.CrossLedgerTransport)
	}
	if cfg.FeeBase != 0 {
		t.Fatalf("expected negative fee to be coerced to zero, got %d", cfg.FeeBase)
	}
	if cfg.FeeAsset != "" {
		t.Fatalf("expected native fee asset to map to empty reference, got %q", cfg.FeeAsset)
	}
	if cfg.CrossLedgerQueue != "settlement_service.crossledger.ledger-a" {
		t.Fatalf("unexpected derived queue %q", cfg.CrossLedgerQueue)
	}
}

func TestParseOpeningBalances(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    []OpeningBalance
		wantErr bool
	}{
		{name: "empty", raw: "", want: nil},
		{
			name: "native and token",
			raw:  "alice:native:1000, bob:usdc:25",
			want: []OpeningBalance{{Party: "alice", Asset: "", Amount: 1000}, {Party: "bob", Asset: "usdc", Amount: 25}},
		},
		{name: "missing amount", raw: "alice:native", wantErr: true},
		{name: "zero amount", raw: "alice:native:0", wantErr: true},
		{name: "no party", raw: ":native:10", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseOpeningBalances(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOpeningBalances returned error: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d balances, got %d", len(tc.want), len(got))
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("balance %d: expected %+v, got %+v", i, tc.want[i], got[i])
				}
			}
		})
	}
}

func TestConfig_Brokers(t *testing.T) {
	cfg := Config{KafkaBrokers: "kafka-1:9092, ,kafka-2:9092"}
	brokers := cfg.Brokers()
	if len(brokers) != 2 || brokers[0] != "kafka-1:9092" || brokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", brokers)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
