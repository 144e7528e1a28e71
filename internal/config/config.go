package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the optional TOML file read from the config dir.
const FileName = "relay.toml"

// Provider and commander names accepted by the configuration.
const (
	ProviderOpenRouter = "openrouter"
	ProviderDeepSeek   = "deepseek"
	ProviderDummy      = "dummy"

	CommanderTelegram = "telegram"
	CommanderDummy    = "dummy"
)

// RelayConfig holds configuration for the relay process.
type RelayConfig struct {
	APIProvider               string
	OpenRouterAPIKey          string
	DeepSeekAPIKey            string
	Model                     string
	SystemPrompt              string
	ContextLimit              int
	CooldownSeconds           int
	RateLimitPerMinute        int
	EnableConversationContext bool
	EnableSafetyFilter        bool
	// BannedWords is nil when the built-in list applies.
	BannedWords []string
	BotPrefix   string

	Commander            string
	TelegramToken        string
	TelegramAPIBase      string
	Timeout              int
	SleepSeconds         int
	DropPending          bool
	PendingWindowSeconds int64
	DummyProviderScript  string
	DummyCommanderScript string
	DummySendScript      string

	Workers          int
	DBPath           string
	ConfigDir        string
	IdleTTLMinutes   int
	IdleSweepSeconds int

	AdminAddr      string
	AdminJWTSecret string

	LogLevel  string
	LogFormat string
}

// ConfigFile returns the TOML path inside ConfigDir, or "" without a dir.
func (c RelayConfig) ConfigFile() string {
	if c.ConfigDir == "" {
		return ""
	}
	return filepath.Join(c.ConfigDir, FileName)
}

// fileConfig mirrors relay.toml. Unset fields leave the default in place.
type fileConfig struct {
	APIProvider  *string `toml:"api_provider"`
	Model        *string `toml:"model"`
	SystemPrompt *string `toml:"system_prompt"`
	BotPrefix    *string `toml:"bot_prefix"`

	Keys struct {
		OpenRouter *string `toml:"openrouter"`
		DeepSeek   *string `toml:"deepseek"`
	} `toml:"keys"`

	Limits struct {
		ContextLimit       *int `toml:"context_limit"`
		CooldownSeconds    *int `toml:"cooldown_seconds"`
		RateLimitPerMinute *int `toml:"rate_limit_per_minute"`
		IdleTTLMinutes     *int `toml:"idle_ttl_minutes"`
	} `toml:"limits"`

	Features struct {
		ConversationContext *bool `toml:"conversation_context"`
	} `toml:"features"`

	Safety struct {
		Enabled     *bool    `toml:"enabled"`
		BannedWords []string `toml:"banned_words"`
	} `toml:"safety"`
}

// LoadRelayConfig resolves the config dir from the environment, reads
// relay.toml when present, applies environment overrides, and validates.
func LoadRelayConfig() (RelayConfig, error) {
	dir, explicit, err := resolveConfigDir()
	if err != nil {
		return RelayConfig{}, err
	}
	if explicit {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return RelayConfig{}, fmt.Errorf("create RELAY_CONFIG_DIR %s: %w", dir, err)
		}
	}
	return Load(dir)
}

// Load builds the configuration from dir (may be empty) and the environment.
// Environment variables take precedence over the file.
func Load(dir string) (RelayConfig, error) {
	var fc fileConfig
	if dir != "" {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &fc); err != nil {
				return RelayConfig{}, fmt.Errorf("decode %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return RelayConfig{}, fmt.Errorf("stat %s: %w", path, err)
		}
	}

	cfg := RelayConfig{
		APIProvider:               strings.ToLower(setting("API_PROVIDER", fc.APIProvider, ProviderOpenRouter)),
		OpenRouterAPIKey:          setting("OPENROUTER_API_KEY", fc.Keys.OpenRouter, ""),
		DeepSeekAPIKey:            setting("DEEPSEEK_API_KEY", fc.Keys.DeepSeek, ""),
		Model:                     setting("MODEL", fc.Model, "deepseek/deepseek-chat:free"),
		SystemPrompt:              setting("SYSTEM_PROMPT", fc.SystemPrompt, ""),
		ContextLimit:              intSetting("CONTEXT_LIMIT", fc.Limits.ContextLimit, 10),
		CooldownSeconds:           intSetting("COOLDOWN_SECONDS", fc.Limits.CooldownSeconds, 5),
		RateLimitPerMinute:        intSetting("RATE_LIMIT_PER_MINUTE", fc.Limits.RateLimitPerMinute, 10),
		EnableConversationContext: flagSetting("ENABLE_CONVERSATION_CONTEXT", fc.Features.ConversationContext, true),
		EnableSafetyFilter:        flagSetting("ENABLE_SAFETY_FILTER", fc.Safety.Enabled, false),
		BannedWords:               bannedWords(fc.Safety.BannedWords),
		BotPrefix:                 setting("BOT_PREFIX", fc.BotPrefix, "!"),

		Commander:            strings.ToLower(envOrDefault("RELAY_COMMANDER", CommanderTelegram)),
		TelegramToken:        os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramAPIBase:      envOrDefault("TELEGRAM_API_BASE", "https://api.telegram.org"),
		Timeout:              envIntOrDefault("TG_TIMEOUT", 30),
		SleepSeconds:         envIntOrDefault("TG_SLEEP_SECONDS", 1),
		DropPending:          envBoolOrDefault("TG_DROP_PENDING", true),
		PendingWindowSeconds: int64(envIntOrDefault("TG_PENDING_WINDOW_SECONDS", 600)),
		DummyProviderScript:  envOrDefault("RELAY_DUMMY_PROVIDER_SCRIPT", "ok"),
		DummyCommanderScript: envOrDefault("RELAY_DUMMY_COMMANDER_SCRIPT", "ok"),
		DummySendScript:      envOrDefault("RELAY_DUMMY_SEND_SCRIPT", "ok"),

		Workers:          envIntOrDefault("RELAY_WORKERS", 16),
		DBPath:           envOrDefault("RELAY_DB_PATH", "./chatrelay.db"),
		ConfigDir:        dir,
		IdleTTLMinutes:   intSetting("IDLE_TTL_MINUTES", fc.Limits.IdleTTLMinutes, 0),
		IdleSweepSeconds: envIntOrDefault("IDLE_SWEEP_SECONDS", 60),

		AdminAddr:      os.Getenv("ADMIN_ADDR"),
		AdminJWTSecret: os.Getenv("ADMIN_JWT_SECRET"),

		LogLevel:  strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
	}
	if err := cfg.Validate(); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

// Validate checks every setting and reports all problems, each naming its key.
func (c RelayConfig) Validate() error {
	var errs []error
	bad := func(key, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s %s", key, fmt.Sprintf(format, args...)))
	}

	switch c.APIProvider {
	case ProviderOpenRouter, ProviderDeepSeek, ProviderDummy:
	default:
		bad("API_PROVIDER", "must be one of openrouter, deepseek, dummy (got %q)", c.APIProvider)
	}
	if c.APIProvider != ProviderDummy && c.OpenRouterAPIKey == "" && c.DeepSeekAPIKey == "" {
		bad("OPENROUTER_API_KEY", "or DEEPSEEK_API_KEY is required")
	}

	switch c.Commander {
	case CommanderTelegram:
		if c.TelegramToken == "" {
			bad("TELEGRAM_BOT_TOKEN", "is required in environment when RELAY_COMMANDER=telegram")
		}
	case CommanderDummy:
	default:
		bad("RELAY_COMMANDER", "must be telegram or dummy (got %q)", c.Commander)
	}

	if c.ContextLimit <= 0 {
		bad("CONTEXT_LIMIT", "must be > 0")
	}
	if c.CooldownSeconds < 0 {
		bad("COOLDOWN_SECONDS", "must be >= 0")
	}
	if c.RateLimitPerMinute <= 0 {
		bad("RATE_LIMIT_PER_MINUTE", "must be > 0")
	}
	if strings.TrimSpace(c.BotPrefix) == "" {
		bad("BOT_PREFIX", "must not be empty")
	}
	if c.Timeout < 0 {
		bad("TG_TIMEOUT", "must be >= 0")
	}
	if c.SleepSeconds <= 0 {
		bad("TG_SLEEP_SECONDS", "must be > 0")
	}
	if c.Workers <= 0 {
		bad("RELAY_WORKERS", "must be > 0")
	}
	if c.IdleTTLMinutes < 0 {
		bad("IDLE_TTL_MINUTES", "must be >= 0")
	}
	if c.IdleTTLMinutes > 0 && c.IdleSweepSeconds <= 0 {
		bad("IDLE_SWEEP_SECONDS", "must be > 0 when IDLE_TTL_MINUTES is set")
	}
	if c.AdminAddr != "" && c.AdminJWTSecret == "" {
		bad("ADMIN_JWT_SECRET", "is required when ADMIN_ADDR is set")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		bad("LOG_LEVEL", "must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		bad("LOG_FORMAT", "must be text or json (got %q)", c.LogFormat)
	}
	return errors.Join(errs...)
}

func resolveConfigDir() (string, bool, error) {
	if dir := strings.TrimSpace(os.Getenv("RELAY_CONFIG_DIR")); dir != "" {
		return dir, true, nil
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "chatrelay"), false, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(home, ".config", "chatrelay"), false, nil
}

func bannedWords(words []string) []string {
	if words == nil {
		return nil
	}
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			out = append(out, w)
		}
	}
	return out
}

func setting(key string, file *string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if file != nil && *file != "" {
		return *file
	}
	return fallback
}

func intSetting(key string, file *int, fallback int) int {
	if file != nil {
		fallback = *file
	}
	return envIntOrDefault(key, fallback)
}

// flagSetting treats any value other than the exact string "false" as enabled.
func flagSetting(key string, file *bool, fallback bool) bool {
	if file != nil {
		fallback = *file
	}
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v != "false"
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}
