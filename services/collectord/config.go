package collectord

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"adchain/campaigns"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for collectord.
type Config struct {
	ListenAddress string           `yaml:"listen" toml:"listen"`
	Environment   string           `yaml:"environment" toml:"environment"`
	ShutdownGrace Duration         `yaml:"shutdown_grace" toml:"shutdown_grace"`
	Log           LogConfig        `yaml:"log" toml:"log"`
	Ledger        LedgerConfig     `yaml:"ledger" toml:"ledger"`
	Batch         BatchConfig      `yaml:"batch" toml:"batch"`
	Settlement    SettlementConfig `yaml:"settlement" toml:"settlement"`
	Blobstore     BlobstoreConfig  `yaml:"blobstore" toml:"blobstore"`
	Chain         ChainConfig      `yaml:"chain" toml:"chain"`
	Campaigns     CampaignsConfig  `yaml:"campaigns" toml:"campaigns"`
	Trust         TrustConfig      `yaml:"trust" toml:"trust"`
	Admin         AdminConfig      `yaml:"admin" toml:"admin"`
	HTTP          HTTPConfig       `yaml:"http" toml:"http"`
	Webhook       WebhookConfig    `yaml:"webhook" toml:"webhook"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// LedgerConfig locates the LevelDB ledger.
type LedgerConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// BatchConfig controls when tenants are flushed.
type BatchConfig struct {
	Threshold     int      `yaml:"threshold" toml:"threshold"`
	FlushInterval Duration `yaml:"flush_interval" toml:"flush_interval"`
	FlushTimeout  Duration `yaml:"flush_timeout" toml:"flush_timeout"`
	MinTrustScore int      `yaml:"min_trust_score" toml:"min_trust_score"`
}

// SettlementConfig selects the history store and the retry policy.
type SettlementConfig struct {
	// Store is one of bolt, sqlite or postgres.
	Store            string   `yaml:"store" toml:"store"`
	Path             string   `yaml:"path" toml:"path"`
	DSN              string   `yaml:"dsn" toml:"dsn"`
	DSNEnv           string   `yaml:"dsn_env" toml:"dsn_env"`
	PublisherAddress string   `yaml:"publisher_address" toml:"publisher_address"`
	OperationTimeout Duration `yaml:"operation_timeout" toml:"operation_timeout"`
	Concurrency      int      `yaml:"concurrency" toml:"concurrency"`
	RetryInterval    Duration `yaml:"retry_interval" toml:"retry_interval"`
	RetryBaseDelay   Duration `yaml:"retry_base_delay" toml:"retry_base_delay"`
	RetryMaxDelay    Duration `yaml:"retry_max_delay" toml:"retry_max_delay"`
	MaxAttempts      int      `yaml:"max_attempts" toml:"max_attempts"`
}

// BlobstoreConfig selects where summaries are uploaded.
type BlobstoreConfig struct {
	// Kind is ipfs or local.
	Kind        string   `yaml:"kind" toml:"kind"`
	Endpoint    string   `yaml:"endpoint" toml:"endpoint"`
	Username    string   `yaml:"username" toml:"username"`
	Password    string   `yaml:"password" toml:"password"`
	PasswordEnv string   `yaml:"password_env" toml:"password_env"`
	Timeout     Duration `yaml:"timeout" toml:"timeout"`
	Path        string   `yaml:"path" toml:"path"`
}

// ChainConfig configures the settlement contract gateway.
type ChainConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	RPCURL        string `yaml:"rpc_url" toml:"rpc_url"`
	ChainID       int64  `yaml:"chain_id" toml:"chain_id"`
	SignerKey     string `yaml:"signer_key" toml:"signer_key"`
	SignerKeyEnv  string `yaml:"signer_key_env" toml:"signer_key_env"`
	SignerKeyFile string `yaml:"signer_key_file" toml:"signer_key_file"`
	Keystore      string `yaml:"keystore" toml:"keystore"`
	// SignerAddress, when set, must match the configured key.
	SignerAddress  string   `yaml:"signer_address" toml:"signer_address"`
	PassphraseEnv  string   `yaml:"keystore_passphrase_env" toml:"keystore_passphrase_env"`
	ReceiptTimeout Duration `yaml:"receipt_timeout" toml:"receipt_timeout"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// CampaignsConfig points at the campaign directory.
type CampaignsConfig struct {
	DirectoryURL string               `yaml:"directory_url" toml:"directory_url"`
	Timeout      Duration             `yaml:"timeout" toml:"timeout"`
	CacheTTL     Duration             `yaml:"cache_ttl" toml:"cache_ttl"`
	Static       []campaigns.Campaign `yaml:"static" toml:"static"`
}

// TrustConfig seeds the static trust scorer.
type TrustConfig struct {
	Scores  map[string]int `yaml:"scores" toml:"scores"`
	Default *int           `yaml:"default" toml:"default"`
}

// AdminConfig secures the admin routes.
type AdminConfig struct {
	JWTSecret     string `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTSecretEnv  string `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	JWTSecretFile string `yaml:"jwt_secret_file" toml:"jwt_secret_file"`
	Issuer        string `yaml:"issuer" toml:"issuer"`
	Audience      string `yaml:"audience" toml:"audience"`
}

// HTTPConfig tunes the public listener.
type HTTPConfig struct {
	AllowedOrigins    []string `yaml:"allowed_origins" toml:"allowed_origins"`
	RequestsPerMinute float64  `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int      `yaml:"burst" toml:"burst"`
	MaxBodyBytes      int64    `yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// WebhookConfig enables signed batch notifications.
type WebhookConfig struct {
	URL         string   `yaml:"url" toml:"url"`
	Secret      string   `yaml:"secret" toml:"secret"`
	SecretEnv   string   `yaml:"secret_env" toml:"secret_env"`
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
	Timeout     Duration `yaml:"timeout" toml:"timeout"`
}

// LoadConfig reads configuration from path. Files ending in .toml are parsed
// as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	contents, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(contents), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8787"
	}
	if cfg.ShutdownGrace.Duration == 0 {
		cfg.ShutdownGrace.Duration = 20 * time.Second
	}
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = "data/ledger"
	}
	if cfg.Batch.Threshold <= 0 {
		cfg.Batch.Threshold = 100
	}
	if cfg.Batch.FlushInterval.Duration == 0 {
		cfg.Batch.FlushInterval.Duration = 5 * time.Minute
	}
	if cfg.Batch.FlushTimeout.Duration == 0 {
		cfg.Batch.FlushTimeout.Duration = 2 * time.Minute
	}
	if cfg.Settlement.Store == "" {
		cfg.Settlement.Store = "bolt"
	}
	if cfg.Settlement.Path == "" {
		cfg.Settlement.Path = "data/settlement.db"
	}
	if cfg.Settlement.RetryInterval.Duration == 0 {
		cfg.Settlement.RetryInterval.Duration = 30 * time.Second
	}
	if cfg.Blobstore.Kind == "" {
		cfg.Blobstore.Kind = "ipfs"
	}
	if cfg.Blobstore.Path == "" {
		cfg.Blobstore.Path = "data/blobs.db"
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Campaigns.CacheTTL.Duration == 0 {
		cfg.Campaigns.CacheTTL.Duration = time.Minute
	}
	if cfg.Campaigns.Timeout.Duration == 0 {
		cfg.Campaigns.Timeout.Duration = 5 * time.Second
	}
	if cfg.Webhook.Timeout.Duration == 0 {
		cfg.Webhook.Timeout.Duration = 15 * time.Second
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = 64 << 10
	}
}

func (c *Config) normalise() error {
	var err error
	if c.Settlement.DSN, err = resolveSecret(c.Settlement.DSN, c.Settlement.DSNEnv, ""); err != nil {
		return fmt.Errorf("settlement dsn: %w", err)
	}
	if c.Blobstore.Password, err = resolveSecret(c.Blobstore.Password, c.Blobstore.PasswordEnv, ""); err != nil {
		return fmt.Errorf("blobstore password: %w", err)
	}
	if c.Chain.SignerKey, err = resolveSecret(c.Chain.SignerKey, c.Chain.SignerKeyEnv, c.Chain.SignerKeyFile); err != nil {
		return fmt.Errorf("chain signer: %w", err)
	}
	if c.Admin.JWTSecret, err = resolveSecret(c.Admin.JWTSecret, c.Admin.JWTSecretEnv, c.Admin.JWTSecretFile); err != nil {
		return fmt.Errorf("admin secret: %w", err)
	}
	if c.Webhook.Secret, err = resolveSecret(c.Webhook.Secret, c.Webhook.SecretEnv, ""); err != nil {
		return fmt.Errorf("webhook secret: %w", err)
	}
	c.Settlement.Store = strings.ToLower(strings.TrimSpace(c.Settlement.Store))
	c.Blobstore.Kind = strings.ToLower(strings.TrimSpace(c.Blobstore.Kind))
	return nil
}

// resolveSecret prefers the inline value, then the environment variable, then
// the file. An explicitly named but empty source is an error.
func resolveSecret(inline, envVar, file string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if envVar = strings.TrimSpace(envVar); envVar != "" {
		value := strings.TrimSpace(os.Getenv(envVar))
		if value == "" {
			return "", fmt.Errorf("%s is empty", envVar)
		}
		return value, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

func validateConfig(cfg Config) error {
	switch cfg.Settlement.Store {
	case "bolt", "sqlite":
	case "postgres":
		if cfg.Settlement.DSN == "" {
			return fmt.Errorf("settlement dsn must be configured for postgres")
		}
	default:
		return fmt.Errorf("unknown settlement store %q", cfg.Settlement.Store)
	}
	switch cfg.Blobstore.Kind {
	case "ipfs":
		if strings.TrimSpace(cfg.Blobstore.Endpoint) == "" {
			return fmt.Errorf("blobstore endpoint must be configured for ipfs")
		}
	case "local":
	default:
		return fmt.Errorf("unknown blobstore kind %q", cfg.Blobstore.Kind)
	}
	if cfg.Chain.Enabled {
		if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
			return fmt.Errorf("chain rpc_url must be configured")
		}
		if cfg.Chain.SignerKey == "" && strings.TrimSpace(cfg.Chain.Keystore) == "" {
			return fmt.Errorf("chain signer_key or keystore must be configured")
		}
		if addr := strings.TrimSpace(cfg.Chain.SignerAddress); addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("chain signer_address %q is not a hex address", addr)
		}
	}
	if strings.TrimSpace(cfg.Webhook.URL) != "" && cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook secret must be configured")
	}
	if cfg.Batch.MinTrustScore < 0 {
		return fmt.Errorf("min_trust_score must not be negative")
	}
	if cfg.Settlement.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	return nil
}
