package reqguard

import (
	"testing"
	"time"

	"github.com/edgewall/reqguard/internal/testutil"
	"github.com/edgewall/reqguard/throttle"
)

func validConfig() Config {
	return Config{
		CSRF:   CSRFConfig{Secret: testutil.TestSecret()},
		Logger: testutil.DiscardLogger(),
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid minimal config", func(c *Config) {}, false},
		{"missing secret", func(c *Config) { c.CSRF.Secret = nil }, true},
		{"short secret", func(c *Config) { c.CSRF.Secret = []byte("short") }, true},
		{"negative TTL", func(c *Config) { c.CSRF.TokenTTL = -time.Hour }, true},
		{"negative capacity", func(c *Config) { c.CSRF.MaxTokensPerSession = -1 }, true},
		{"invalid tiers", func(c *Config) {
			c.RateLimit.Tiers = []throttle.Tier{{Name: "", Window: time.Second, Limit: 1}}
		}, true},
		{"custom tiers valid", func(c *Config) {
			c.RateLimit.Tiers = []throttle.Tier{{Name: "only", Window: time.Second, Limit: 5}}
		}, false},
		{"empty exempt pattern", func(c *Config) {
			c.Security.ExemptRoutes = []ExemptRoute{{Pattern: "", SkipCSRF: true}}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewHandlerRejectsInvalidConfig(t *testing.T) {
	cfg := validConfig()
	cfg.CSRF.Secret = []byte("short")
	if _, err := NewHandler(cfg); err == nil {
		t.Error("NewHandler() accepted a config with a short secret")
	}
}
