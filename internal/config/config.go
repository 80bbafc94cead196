package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config is computed once per process (or once per test) from env/yaml, and
// passed by pointer into every handler. Enforcement flags on it are read at
// request time rather than cached, so tests can flip them without a restart.
type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Marketplace MarketplaceConfig
	Chain       ChainConfig
	Facilitator FacilitatorConfig
	RateLimits  RateLimitConfig
	Auth        AuthConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

// MarketplaceConfig holds the feature toggles and payment defaults that
// apply across the registry, hire, and run flows.
type MarketplaceConfig struct {
	OnchainEnforced      bool   `mapstructure:"onchain_enforced"`
	SpendAuthRequired    bool   `mapstructure:"spend_auth_required"`
	ChallengeTTLSec      int64  `mapstructure:"challenge_ttl_sec"`
	ServiceWalletDefault string `mapstructure:"service_wallet_default"`
}

// ChainConfig points at the on-chain identity registry used by §4.7's
// identity check. Left empty, identity checks always report "unknown".
type ChainConfig struct {
	RPCURL                  string `mapstructure:"rpc_url"`
	IdentityRegistryAddress string `mapstructure:"identity_registry_address"`
}

// FacilitatorConfig drives the x402 settlement waiter (§4.8).
type FacilitatorConfig struct {
	URL            string `mapstructure:"url"`
	PollIntervalMs int64  `mapstructure:"poll_interval_ms"`
	TimeoutMs      int64  `mapstructure:"timeout_ms"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
}

// RateLimitRule is the per-route {limit, windowMs} pair from §4.2.
type RateLimitRule struct {
	Limit     int   `mapstructure:"limit"`
	WindowMs  int64 `mapstructure:"window_ms"`
}

// RateLimitConfig is a scope -> rule table. Scopes referenced by the handlers:
// marketplace:discover:read, marketplace:agents:write, marketplace:hires:write,
// marketplace:runs:write.
type RateLimitConfig struct {
	Rules map[string]RateLimitRule `mapstructure:"-"`
}

// AuthConfig maps API keys to the operator wallet they authenticate as.
type AuthConfig struct {
	APIKeys map[string]string `mapstructure:"-"`
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("marketplace.onchain_enforced", false)
	v.SetDefault("marketplace.spend_auth_required", false)
	v.SetDefault("marketplace.challenge_ttl_sec", 300)
	v.SetDefault("marketplace.service_wallet_default", "")
	v.SetDefault("facilitator.poll_interval_ms", 500)
	v.SetDefault("facilitator.timeout_ms", 15000)
	v.SetDefault("facilitator.max_attempts", 20)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string]string{
		"redis.addr":                          "REDIS_ADDR",
		"redis.password":                      "REDIS_PASSWORD",
		"marketplace.onchain_enforced":         "ONCHAIN_ENFORCED",
		"marketplace.spend_auth_required":      "SPEND_AUTH_REQUIRED",
		"marketplace.challenge_ttl_sec":        "CHALLENGE_TTL_SEC",
		"marketplace.service_wallet_default":   "SERVICE_WALLET_DEFAULT",
		"chain.rpc_url":                        "CHAIN_RPC_URL",
		"chain.identity_registry_address":      "IDENTITY_REGISTRY_ADDRESS",
		"facilitator.url":                      "FACILITATOR_URL",
		"facilitator.poll_interval_ms":         "FACILITATOR_POLL_INTERVAL_MS",
		"facilitator.timeout_ms":               "FACILITATOR_TIMEOUT_MS",
		"facilitator.max_attempts":             "FACILITATOR_MAX_ATTEMPTS",
		"server.port":                          "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.RateLimits = loadRateLimits()
	cfg.Auth = AuthConfig{APIKeys: loadAPIKeys()}

	return cfg, cfg.validate()
}

// DefaultRateLimits mirrors the rule table a fresh deployment ships with.
func DefaultRateLimits() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		"marketplace:discover:read":   {Limit: 60, WindowMs: 60_000},
		"marketplace:agents:write":    {Limit: 20, WindowMs: 60_000},
		"marketplace:hires:write":     {Limit: 20, WindowMs: 60_000},
		"marketplace:runs:write":      {Limit: 30, WindowMs: 60_000},
	}
}

// loadRateLimits parses MARKETPLACE_RATE_LIMITS="scope:limit:windowMs,..."
// falling back to DefaultRateLimits for any scope it doesn't mention.
func loadRateLimits() RateLimitConfig {
	rules := DefaultRateLimits()
	raw := envLookup("MARKETPLACE_RATE_LIMITS")
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		// Scopes themselves contain colons, so limit and windowMs are the
		// last two fields and everything before them is the scope.
		parts := strings.Split(entry, ":")
		n := len(parts)
		if n < 3 {
			continue
		}
		limit, err1 := strconv.Atoi(parts[n-2])
		windowMs, err2 := strconv.ParseInt(parts[n-1], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		rules[strings.Join(parts[:n-2], ":")] = RateLimitRule{Limit: limit, WindowMs: windowMs}
	}
	return RateLimitConfig{Rules: rules}
}

// loadAPIKeys parses MARKETPLACE_API_KEYS="key:wallet,key:wallet,...".
func loadAPIKeys() map[string]string {
	keys := make(map[string]string)
	raw := envLookup("MARKETPLACE_API_KEYS")
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		keys[parts[0]] = strings.ToLower(parts[1])
	}
	return keys
}

func envLookup(key string) string {
	return os.Getenv(key)
}

func (c *Config) validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("required config missing: PORT")
	}
	if c.Marketplace.ChallengeTTLSec <= 0 {
		return fmt.Errorf("required config missing: CHALLENGE_TTL_SEC")
	}
	return nil
}
