package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	sdkconfig "github.com/cexll/agentsdk-go/pkg/config"
	"github.com/stellarlinkco/warden/internal/session"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 8192
	DefaultMaxIterations     = 20
	DefaultMode              = "interactive"
	DefaultPrecedence        = "organization"
	DefaultAskTimeout        = "2m"
	DefaultAskTimeoutDefault = "deny"
	DefaultHookTimeout       = "30s"
	DefaultRetryAttempts     = 4
	DefaultRetryInitialDelay = "500ms"
	DefaultRetryMaxDelay     = "10s"
	DefaultBreakerThreshold  = 5
	DefaultBreakerWindow     = "1m"
	DefaultBreakerCooldown   = "30s"
	DefaultAuditBuffer       = 1024
	DefaultArchiveAfter      = "720h"
	DefaultArchiveSchedule   = "@hourly"
	DefaultLogLevel          = "info"
)

type Config struct {
	Agent       AgentConfig       `json:"agent"`
	Provider    ProviderConfig    `json:"provider"`
	Sources     SourcesConfig     `json:"sources"`
	Permissions PermissionsConfig `json:"permissions"`
	Hooks       HooksConfig       `json:"hooks"`
	Retry       RetryConfig       `json:"retry"`
	Breaker     BreakerConfig     `json:"breaker"`
	Store       StoreConfig       `json:"store"`
	Audit       AuditConfig       `json:"audit"`
	Telegram    TelegramConfig    `json:"telegram"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Log         LogConfig         `json:"log"`
}

type AgentConfig struct {
	Workspace     string `json:"workspace"`
	Model         string `json:"model"`
	MaxTokens     int    `json:"maxTokens"`
	MaxIterations int    `json:"maxIterations"`
	SystemPrompt  string `json:"systemPrompt,omitempty"`
	DefaultMode   string `json:"defaultMode,omitempty"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type SourcesConfig struct {
	IncludeBuiltin bool                                 `json:"includeBuiltin"`
	Builtin        map[string]sdkconfig.MCPServerConfig `json:"builtin,omitempty"`
	Dir            string                               `json:"dir,omitempty"`
	Precedence     string                               `json:"precedence,omitempty"`
}

type PermissionsConfig struct {
	AutoApproved      []string `json:"autoApproved"`
	ConsentRequired   []string `json:"consentRequired"`
	Forbidden         []string `json:"forbidden"`
	AskTimeout        string   `json:"askTimeout,omitempty"`
	AskTimeoutDefault string   `json:"askTimeoutDefault,omitempty"`
}

// HooksConfig wraps the agentsdk hook settings. Events uses the same
// layout as the agentsdk settings file.
type HooksConfig struct {
	Events  *sdkconfig.HooksConfig `json:"events,omitempty"`
	Timeout string                 `json:"timeout,omitempty"`
}

type RetryConfig struct {
	MaxAttempts  int    `json:"maxAttempts"`
	InitialDelay string `json:"initialDelay,omitempty"`
	MaxDelay     string `json:"maxDelay,omitempty"`
}

type BreakerConfig struct {
	Threshold int    `json:"threshold"`
	Window    string `json:"window,omitempty"`
	Cooldown  string `json:"cooldown,omitempty"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

type AuditConfig struct {
	Path   string `json:"path,omitempty"`
	Buffer int    `json:"buffer,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	ChatID    int64    `json:"chatId"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type MaintenanceConfig struct {
	ArchiveAfter string `json:"archiveAfter,omitempty"`
	Schedule     string `json:"schedule,omitempty"`
}

type LogConfig struct {
	Level       string `json:"level,omitempty"`
	Development bool   `json:"development,omitempty"`
}

func DefaultConfig() *Config {
	dir := ConfigDir()
	return &Config{
		Agent: AgentConfig{
			Workspace:     filepath.Join(dir, "workspace"),
			Model:         DefaultModel,
			MaxTokens:     DefaultMaxTokens,
			MaxIterations: DefaultMaxIterations,
			DefaultMode:   DefaultMode,
		},
		Sources: SourcesConfig{
			IncludeBuiltin: true,
			Dir:            filepath.Join(dir, "sources"),
			Precedence:     DefaultPrecedence,
		},
		Permissions: PermissionsConfig{
			AutoApproved:      []string{"file_read", "list_files", "search"},
			ConsentRequired:   []string{"file_write", "file_edit", "web_fetch"},
			Forbidden:         []string{"system_command"},
			AskTimeout:        DefaultAskTimeout,
			AskTimeoutDefault: DefaultAskTimeoutDefault,
		},
		Hooks: HooksConfig{Timeout: DefaultHookTimeout},
		Retry: RetryConfig{
			MaxAttempts:  DefaultRetryAttempts,
			InitialDelay: DefaultRetryInitialDelay,
			MaxDelay:     DefaultRetryMaxDelay,
		},
		Breaker: BreakerConfig{
			Threshold: DefaultBreakerThreshold,
			Window:    DefaultBreakerWindow,
			Cooldown:  DefaultBreakerCooldown,
		},
		Store: StoreConfig{DBPath: filepath.Join(dir, "data", "warden.db")},
		Audit: AuditConfig{
			Path:   filepath.Join(dir, "data", "audit.jsonl"),
			Buffer: DefaultAuditBuffer,
		},
		Maintenance: MaintenanceConfig{
			ArchiveAfter: DefaultArchiveAfter,
			Schedule:     DefaultArchiveSchedule,
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".warden")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("WARDEN_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("WARDEN_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if dbPath := os.Getenv("WARDEN_DB_PATH"); dbPath != "" {
		cfg.Store.DBPath = dbPath
	}
	if token := os.Getenv("WARDEN_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := os.Getenv("WARDEN_TELEGRAM_CHAT_ID"); chatID != "" {
		if parsed, err := strconv.ParseInt(chatID, 10, 64); err == nil {
			cfg.Telegram.ChatID = parsed
		}
	}
	if level := os.Getenv("WARDEN_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if def := os.Getenv("WARDEN_ASK_TIMEOUT_DEFAULT"); def != "" {
		cfg.Permissions.AskTimeoutDefault = def
	}
	if prec := os.Getenv("WARDEN_SOURCE_PRECEDENCE"); prec != "" {
		cfg.Sources.Precedence = prec
	}

	defaults := DefaultConfig()
	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = defaults.Agent.Workspace
	}
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = defaults.Store.DBPath
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = defaults.Audit.Path
	}
	if cfg.Audit.Buffer <= 0 {
		cfg.Audit.Buffer = DefaultAuditBuffer
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// Validate reports every problem at once, wrapped in session.ErrConfigValidation.
func (c *Config) Validate() error {
	var errs []error
	durations := map[string]string{
		"permissions.askTimeout":   c.Permissions.AskTimeout,
		"hooks.timeout":            c.Hooks.Timeout,
		"retry.initialDelay":       c.Retry.InitialDelay,
		"retry.maxDelay":           c.Retry.MaxDelay,
		"breaker.window":           c.Breaker.Window,
		"breaker.cooldown":         c.Breaker.Cooldown,
		"maintenance.archiveAfter": c.Maintenance.ArchiveAfter,
	}
	keys := make([]string, 0, len(durations))
	for k := range durations {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, key := range keys {
		if _, err := parseDuration(durations[key], 0); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	switch strings.ToLower(c.Permissions.AskTimeoutDefault) {
	case "", "deny", "allow":
	default:
		errs = append(errs, fmt.Errorf("permissions.askTimeoutDefault: unknown value %q", c.Permissions.AskTimeoutDefault))
	}
	switch strings.ToLower(c.Sources.Precedence) {
	case "", "organization", "owner":
	default:
		errs = append(errs, fmt.Errorf("sources.precedence: unknown value %q", c.Sources.Precedence))
	}
	switch strings.ToLower(c.Provider.Type) {
	case "", "anthropic", "openai":
	default:
		errs = append(errs, fmt.Errorf("provider.type: unknown value %q", c.Provider.Type))
	}
	if c.Agent.DefaultMode != "" {
		if _, err := session.ParseMode(c.Agent.DefaultMode); err != nil {
			errs = append(errs, fmt.Errorf("agent.defaultMode: %w", err))
		}
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.maxAttempts must not be negative"))
	}
	if c.Breaker.Threshold < 0 {
		errs = append(errs, errors.New("breaker.threshold must not be negative"))
	}
	if c.Telegram.Enabled {
		if c.Telegram.Token == "" {
			errs = append(errs, errors.New("telegram.token is required when telegram is enabled"))
		}
		if c.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("telegram.chatId is required when telegram is enabled"))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", session.ErrConfigValidation, err)
	}
	return nil
}

func (c PermissionsConfig) AskTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.AskTimeout, 2*time.Minute)
	return d
}

func (c HooksConfig) TimeoutDuration() time.Duration {
	d, _ := parseDuration(c.Timeout, 30*time.Second)
	return d
}

func (c RetryConfig) InitialDelayDuration() time.Duration {
	d, _ := parseDuration(c.InitialDelay, 500*time.Millisecond)
	return d
}

func (c RetryConfig) MaxDelayDuration() time.Duration {
	d, _ := parseDuration(c.MaxDelay, 10*time.Second)
	return d
}

func (c BreakerConfig) WindowDuration() time.Duration {
	d, _ := parseDuration(c.Window, time.Minute)
	return d
}

func (c BreakerConfig) CooldownDuration() time.Duration {
	d, _ := parseDuration(c.Cooldown, 30*time.Second)
	return d
}

func (c MaintenanceConfig) ArchiveAfterDuration() time.Duration {
	d, _ := parseDuration(c.ArchiveAfter, 720*time.Hour)
	return d
}

// ScheduleSpec returns the sweep schedule, hourly when unset.
func (c MaintenanceConfig) ScheduleSpec() string {
	if s := strings.TrimSpace(c.Schedule); s != "" {
		return s
	}
	return DefaultArchiveSchedule
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def, err
	}
	if d < 0 {
		return def, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
