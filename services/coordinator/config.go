package coordinator

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dealescrow/native/deal"
)

// DefaultFundingConfirmationBps is the share of the expected amount, in basis
// points, that an inbound transfer must carry to count as funding. The slack
// absorbs ledger-side fee deduction.
const DefaultFundingConfirmationBps = 9000

// Duration wraps time.Duration to support YAML unmarshalling.
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
	raw := value.Value
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

// Config captures the runtime configuration for the coordinator.
type Config struct {
	Environment string           `yaml:"environment"`
	Ledger      LedgerConfig     `yaml:"ledger"`
	Custody     CustodyConfig    `yaml:"custody"`
	Funding     FundingConfig    `yaml:"funding"`
	Dispatch    DispatchConfig   `yaml:"dispatch"`
	Reconcile   ReconcileConfig  `yaml:"reconcile"`
	Storage     StorageConfig    `yaml:"storage"`
	Settlement  SettlementConfig `yaml:"settlement"`
	Notify      NotifyConfig     `yaml:"notify"`
	API         APIConfig        `yaml:"api"`
	Logging     LoggingConfig    `yaml:"logging"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
}

// LedgerConfig points at the ledger JSON-RPC endpoint.
type LedgerConfig struct {
	URL          string   `yaml:"url"`
	AuthToken    string   `yaml:"auth_token"`
	AuthTokenEnv string   `yaml:"auth_token_env"`
	Timeout      Duration `yaml:"timeout"`
}

// CustodyConfig controls signing key derivation.
type CustodyConfig struct {
	MasterSecret     string `yaml:"master_secret"`
	MasterSecretEnv  string `yaml:"master_secret_env"`
	MasterSecretFile string `yaml:"master_secret_file"`
	FundingPolicy    string `yaml:"funding_policy"`
}

// FundingConfig tunes funding confirmation polling.
type FundingConfig struct {
	ConfirmationBps uint32   `yaml:"confirmation_bps"`
	PollInterval    Duration `yaml:"poll_interval"`
	Timeout         Duration `yaml:"timeout"`
}

// DispatchConfig tunes the signed message dispatcher.
type DispatchConfig struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	QueueSize      int      `yaml:"queue_size"`
	Value          string   `yaml:"value"`
}

// ReconcileConfig controls the periodic reconciliation loop.
type ReconcileConfig struct {
	Interval    Duration `yaml:"interval"`
	HistorySize int      `yaml:"history_size"`
}

// StorageConfig locates the durable stores.
type StorageConfig struct {
	RecordsPath string `yaml:"records_path"`
	MirrorPath  string `yaml:"mirror_path"`
	BooksDSN    string `yaml:"books_dsn"`
}

// SettlementConfig controls off-ledger bookkeeping.
type SettlementConfig struct {
	AutoPayout bool   `yaml:"auto_payout"`
	ExportDir  string `yaml:"export_dir"`
}

// NotifyConfig configures outbound webhooks.
type NotifyConfig struct {
	Webhooks    []WebhookConfig `yaml:"webhooks"`
	QueueSize   int             `yaml:"queue_size"`
	TTL         Duration        `yaml:"ttl"`
	MaxAttempts int             `yaml:"max_attempts"`
}

// WebhookConfig is one HTTP subscriber.
type WebhookConfig struct {
	URL       string   `yaml:"url"`
	Events    []string `yaml:"events"`
	Secret    string   `yaml:"secret"`
	SecretEnv string   `yaml:"secret_env"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	ListenAddress     string  `yaml:"listen"`
	JWTSecret         string  `yaml:"jwt_secret"`
	JWTSecretEnv      string  `yaml:"jwt_secret_env"`
	Issuer            string  `yaml:"issuer"`
	Audience          string  `yaml:"audience"`
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TelemetryConfig mirrors otel.Config.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Traces      bool              `yaml:"traces"`
	Metrics     bool              `yaml:"metrics"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.resolveSecrets(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Ledger.Timeout.Duration == 0 {
		cfg.Ledger.Timeout.Duration = 10 * time.Second
	}
	if cfg.Custody.FundingPolicy == "" {
		cfg.Custody.FundingPolicy = deal.FundAnySender.String()
	}
	if cfg.Funding.ConfirmationBps == 0 {
		cfg.Funding.ConfirmationBps = DefaultFundingConfirmationBps
	}
	if cfg.Funding.PollInterval.Duration == 0 {
		cfg.Funding.PollInterval.Duration = 5 * time.Second
	}
	if cfg.Funding.Timeout.Duration == 0 {
		cfg.Funding.Timeout.Duration = 30 * time.Minute
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		cfg.Dispatch.MaxAttempts = 5
	}
	if cfg.Dispatch.InitialBackoff.Duration == 0 {
		cfg.Dispatch.InitialBackoff.Duration = 250 * time.Millisecond
	}
	if cfg.Dispatch.MaxBackoff.Duration == 0 {
		cfg.Dispatch.MaxBackoff.Duration = 5 * time.Second
	}
	if cfg.Dispatch.QueueSize <= 0 {
		cfg.Dispatch.QueueSize = 256
	}
	if cfg.Dispatch.Value == "" {
		cfg.Dispatch.Value = "0"
	}
	if cfg.Reconcile.Interval.Duration == 0 {
		cfg.Reconcile.Interval.Duration = 30 * time.Second
	}
	if cfg.Reconcile.HistorySize <= 0 {
		cfg.Reconcile.HistorySize = 100
	}
	if cfg.Storage.RecordsPath == "" {
		cfg.Storage.RecordsPath = "data/coordinator.db"
	}
	if cfg.Storage.MirrorPath == "" {
		cfg.Storage.MirrorPath = "data/mirror.bolt"
	}
	if cfg.Storage.BooksDSN == "" {
		cfg.Storage.BooksDSN = "data/books.db"
	}
	if cfg.Settlement.ExportDir == "" {
		cfg.Settlement.ExportDir = "data/reports"
	}
	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = 1024
	}
	if cfg.Notify.TTL.Duration == 0 {
		cfg.Notify.TTL.Duration = 15 * time.Minute
	}
	if cfg.Notify.MaxAttempts <= 0 {
		cfg.Notify.MaxAttempts = 5
	}
	if cfg.API.ListenAddress == "" {
		cfg.API.ListenAddress = ":8470"
	}
	if cfg.API.RequestsPerMinute == 0 {
		cfg.API.RequestsPerMinute = 600
	}
	if cfg.API.Burst <= 0 {
		cfg.API.Burst = 50
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Ledger.URL) == "" {
		return fmt.Errorf("ledger url must be configured")
	}
	if cfg.Funding.ConfirmationBps > 10_000 {
		return fmt.Errorf("funding confirmation_bps must not exceed 10000")
	}
	if cfg.Funding.PollInterval.Duration >= cfg.Funding.Timeout.Duration {
		return fmt.Errorf("funding poll_interval must be shorter than timeout")
	}
	if _, err := deal.ParseFundPolicy(cfg.Custody.FundingPolicy); err != nil {
		return err
	}
	if _, err := deal.ParseCoins(cfg.Dispatch.Value); err != nil {
		return fmt.Errorf("dispatch value: %w", err)
	}
	for i, hook := range cfg.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("notify webhook %d: url required", i)
		}
		if hook.Secret == "" {
			return fmt.Errorf("notify webhook %d: secret required", i)
		}
	}
	return nil
}

// resolveSecrets fills secret fields from their *_env and *_file
// indirections.
func (c *Config) resolveSecrets() error {
	secret, err := resolveSecret(c.Custody.MasterSecret, c.Custody.MasterSecretEnv, c.Custody.MasterSecretFile)
	if err != nil {
		return fmt.Errorf("custody master secret: %w", err)
	}
	c.Custody.MasterSecret = secret
	token, err := resolveSecret(c.Ledger.AuthToken, c.Ledger.AuthTokenEnv, "")
	if err != nil {
		return fmt.Errorf("ledger auth token: %w", err)
	}
	c.Ledger.AuthToken = token
	jwtSecret, err := resolveSecret(c.API.JWTSecret, c.API.JWTSecretEnv, "")
	if err != nil {
		return fmt.Errorf("api jwt secret: %w", err)
	}
	c.API.JWTSecret = jwtSecret
	for i := range c.Notify.Webhooks {
		hook := &c.Notify.Webhooks[i]
		value, err := resolveSecret(hook.Secret, hook.SecretEnv, "")
		if err != nil {
			return fmt.Errorf("notify webhook %d secret: %w", i, err)
		}
		hook.Secret = value
	}
	return nil
}

// resolveSecret returns the inline value, else the named environment
// variable, else the file contents. All three empty yields "".
func resolveSecret(inline, envName, path string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if name := strings.TrimSpace(envName); name != "" {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return "", fmt.Errorf("environment variable %s is empty", name)
		}
		return value, nil
	}
	if path = strings.TrimSpace(path); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}
