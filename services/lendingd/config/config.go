package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"cdpledger/native/fixed"
)

const defaultListen = ":8645"

// Config captures the runtime settings for the lending daemon.
type Config struct {
	ListenAddress   string           `yaml:"listen"`
	DataDir         string           `yaml:"data_dir"`
	RiskPath        string           `yaml:"risk"`
	RequestTimeout  time.Duration    `yaml:"request_timeout"`
	PersistInterval time.Duration    `yaml:"persist_interval"`
	AccrueInterval  time.Duration    `yaml:"accrue_interval"`
	EventHistory    int              `yaml:"event_history"`
	Log             LogConfig        `yaml:"log"`
	TLS             TLSConfig        `yaml:"tls"`
	Auth            AuthConfig       `yaml:"auth"`
	RateLimit       RateLimitConfig  `yaml:"rate_limit"`
	Ledger          LedgerConfig     `yaml:"ledger"`
	Feeds           []FeedConfig     `yaml:"feeds"`
	Swappers        []SwapperConfig  `yaml:"swappers"`
	Strategies      []StrategyConfig `yaml:"strategies"`
}

// LogConfig selects the log level and an optional rotating file sink.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath           string   `yaml:"cert"`
	KeyPath            string   `yaml:"key"`
	ClientCAPath       string   `yaml:"client_ca"`
	AllowInsecure      bool     `yaml:"allow_insecure"`
	AllowedCommonNames []string `yaml:"allowed_common_names"`
}

// AuthConfig lists the API tokens accepted by the service.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig binds one API token to the account it acts for.
type TokenConfig struct {
	Token   string `yaml:"token"`
	Account string `yaml:"account"`
	Admin   bool   `yaml:"admin"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// LedgerConfig fixes the vault account and the wrapped native token.
type LedgerConfig struct {
	Vault         string `yaml:"vault"`
	WrappedNative string `yaml:"wrapped_native"`
}

// FeedConfig is one named price feed for the token it prices.
type FeedConfig struct {
	Name string `yaml:"name"`
	// Token is the address the aggregator keys the feed under.
	Token string `yaml:"token"`
	// MaxDeviation is the allowed ratio between sources, e.g. "1.05".
	MaxDeviation string         `yaml:"max_deviation"`
	Sources      []SourceConfig `yaml:"sources"`
}

// SourceConfig is one price source of a feed. Kind is "manual" or
// "coingecko".
type SourceConfig struct {
	Kind     string        `yaml:"kind"`
	Data     string        `yaml:"data"`
	Invert   bool          `yaml:"invert"`
	Endpoint string        `yaml:"endpoint"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// SwapperConfig registers a fixed-rate liquidation venue.
type SwapperConfig struct {
	Name    string       `yaml:"name"`
	Address string       `yaml:"address"`
	Rates   []RateConfig `yaml:"rates"`
}

// RateConfig quotes Price units of To per unit of From.
type RateConfig struct {
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Price string `yaml:"price"`
}

// StrategyConfig binds a farm-backed reward strategy to a vault token.
type StrategyConfig struct {
	Address         string `yaml:"address"`
	Farm            string `yaml:"farm"`
	Token           string `yaml:"token"`
	RewardToken     string `yaml:"reward_token"`
	RewardPerSecond string `yaml:"reward_per_second"`
	TargetBps       uint64 `yaml:"target_bps"`
}

const (
	SourceManual    = "manual"
	SourceCoinGecko = "coingecko"
)

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{ListenAddress: defaultListen}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.RiskPath = strings.TrimSpace(cfg.RiskPath)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.EventHistory <= 0 {
		cfg.EventHistory = 1024
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.File = strings.TrimSpace(cfg.Log.File)
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	cfg.TLS.ClientCAPath = strings.TrimSpace(cfg.TLS.ClientCAPath)
	cfg.TLS.AllowedCommonNames = trimAll(cfg.TLS.AllowedCommonNames)

	tokens := cfg.Auth.Tokens[:0]
	for _, tok := range cfg.Auth.Tokens {
		tok.Token = strings.TrimSpace(tok.Token)
		tok.Account = strings.TrimSpace(tok.Account)
		if tok.Token == "" {
			continue
		}
		tokens = append(tokens, tok)
	}
	cfg.Auth.Tokens = tokens

	for i := range cfg.Feeds {
		f := &cfg.Feeds[i]
		f.Name = strings.TrimSpace(f.Name)
		f.Token = strings.TrimSpace(f.Token)
		f.MaxDeviation = strings.TrimSpace(f.MaxDeviation)
		if f.MaxDeviation == "" {
			f.MaxDeviation = "1"
		}
		for j := range f.Sources {
			src := &f.Sources[j]
			src.Kind = strings.ToLower(strings.TrimSpace(src.Kind))
			src.Data = strings.TrimSpace(src.Data)
			src.Endpoint = strings.TrimSpace(src.Endpoint)
		}
	}
	for i := range cfg.Swappers {
		cfg.Swappers[i].Name = strings.ToLower(strings.TrimSpace(cfg.Swappers[i].Name))
	}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (cfg *Config) validate() error {
	if cfg.RiskPath == "" {
		return errors.New("risk: path to the risk document is required")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return errors.New("rate_limit: values must not be negative")
	}
	if !common.IsHexAddress(cfg.Ledger.Vault) {
		return fmt.Errorf("ledger.vault: invalid address %q", cfg.Ledger.Vault)
	}
	if cfg.Ledger.WrappedNative != "" && !common.IsHexAddress(cfg.Ledger.WrappedNative) {
		return fmt.Errorf("ledger.wrapped_native: invalid address %q", cfg.Ledger.WrappedNative)
	}
	names := make(map[string]struct{}, len(cfg.Feeds))
	for i, f := range cfg.Feeds {
		if err := f.validate(); err != nil {
			return fmt.Errorf("feeds[%d]: %w", i, err)
		}
		if _, dup := names[f.Name]; dup {
			return fmt.Errorf("feeds[%d]: duplicate feed %q", i, f.Name)
		}
		names[f.Name] = struct{}{}
	}
	for i, s := range cfg.Swappers {
		if err := s.validate(); err != nil {
			return fmt.Errorf("swappers[%d]: %w", i, err)
		}
	}
	for i, s := range cfg.Strategies {
		if err := s.validate(); err != nil {
			return fmt.Errorf("strategies[%d]: %w", i, err)
		}
	}
	return nil
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	if len(cfg.AllowedCommonNames) > 0 && cfg.ClientCAPath == "" {
		return fmt.Errorf("allowed_common_names requires client_ca to be configured")
	}
	return nil
}

func (cfg AuthConfig) validate() error {
	if len(cfg.Tokens) == 0 {
		return fmt.Errorf("at least one api token must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Tokens))
	for i, tok := range cfg.Tokens {
		if !common.IsHexAddress(tok.Account) {
			return fmt.Errorf("tokens[%d]: invalid account %q", i, tok.Account)
		}
		if _, dup := seen[tok.Token]; dup {
			return fmt.Errorf("tokens[%d]: duplicate token", i)
		}
		seen[tok.Token] = struct{}{}
	}
	return nil
}

func (f FeedConfig) validate() error {
	if f.Name == "" {
		return errors.New("name required")
	}
	if !common.IsHexAddress(f.Token) {
		return fmt.Errorf("token: invalid address %q", f.Token)
	}
	dev, err := fixed.ParseWad(f.MaxDeviation)
	if err != nil {
		return fmt.Errorf("max_deviation: %w", err)
	}
	if dev.Cmp(fixed.WadUnit()) < 0 {
		return fmt.Errorf("max_deviation %s must be at least 1", f.MaxDeviation)
	}
	if len(f.Sources) == 0 || len(f.Sources) > 3 {
		return fmt.Errorf("feed needs between one and three sources, got %d", len(f.Sources))
	}
	for j, src := range f.Sources {
		switch src.Kind {
		case SourceManual, SourceCoinGecko:
		default:
			return fmt.Errorf("sources[%d]: unknown kind %q", j, src.Kind)
		}
		if src.Data == "" {
			return fmt.Errorf("sources[%d]: data required", j)
		}
		if src.MaxAge < 0 {
			return fmt.Errorf("sources[%d]: max_age must not be negative", j)
		}
	}
	return nil
}

func (s SwapperConfig) validate() error {
	if s.Name == "" {
		return errors.New("name required")
	}
	if !common.IsHexAddress(s.Address) {
		return fmt.Errorf("address: invalid address %q", s.Address)
	}
	for j, r := range s.Rates {
		if !common.IsHexAddress(r.From) || !common.IsHexAddress(r.To) {
			return fmt.Errorf("rates[%d]: invalid token address", j)
		}
		price, err := fixed.ParseWad(r.Price)
		if err != nil {
			return fmt.Errorf("rates[%d]: %w", j, err)
		}
		if price.IsZero() {
			return fmt.Errorf("rates[%d]: price must be positive", j)
		}
	}
	return nil
}

func (s StrategyConfig) validate() error {
	for field, addr := range map[string]string{
		"address": s.Address, "farm": s.Farm, "token": s.Token, "reward_token": s.RewardToken,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s: invalid address %q", field, addr)
		}
	}
	if strings.TrimSpace(s.RewardPerSecond) != "" {
		if _, err := uint256.FromDecimal(strings.TrimSpace(s.RewardPerSecond)); err != nil {
			return fmt.Errorf("reward_per_second: invalid amount %q", s.RewardPerSecond)
		}
	}
	if s.TargetBps > 10_000 {
		return fmt.Errorf("target_bps %d exceeds 10000", s.TargetBps)
	}
	return nil
}
