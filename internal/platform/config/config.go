// Package config loads configuration for the crypto-intel-bot.
//
// Configuration is split in two layers:
//
//   - Process: environment-driven settings for the process itself
//     (APP_ENV, CONFIG_PATH, HEALTH_PORT), parsed with caarlos0/env.
//   - Config: the pipeline configuration file (JSON), describing fetchers,
//     LLM endpoints, Telegram delivery and storage. Secrets are never stored
//     in the file; the *_env keys name environment variables to read instead.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrInvalid marks configuration validation failures. Callers treat it as
// fatal at startup.
var ErrInvalid = errors.New("invalid config")

// Process holds environment-driven process settings.
type Process struct {
	AppEnv     string `env:"APP_ENV" envDefault:"local"`
	ConfigPath string `env:"CONFIG_PATH" envDefault:"./config.json"`
	HealthPort int    `env:"HEALTH_PORT" envDefault:"8080"`
}

// LoadProcess reads process settings from the environment, loading a local
// .env file first when present.
func LoadProcess() (*Process, error) {
	_ = godotenv.Load()

	proc := &Process{}
	if err := env.Parse(proc); err != nil {
		return nil, fmt.Errorf("parse process env: %w", err)
	}

	return proc, nil
}

// Defaults.
const (
	DefaultTimeWindowHours          = 24
	DefaultExecutionIntervalSeconds = 3600
	DefaultBatchSize                = 10
	DefaultMaxBatchParallelism      = 2
	DefaultSnapshotTTLMinutes       = 30
	DefaultExecutionTimeoutMinutes  = 30
	DefaultMaxCommandsPerHour       = 10
	DefaultCooldownMinutes          = 10
	DefaultFetcherTimeoutSeconds    = 60
	DefaultRetentionDays            = 30
	DefaultContextTokens            = 128000
	DefaultMaxTokens                = 4096
)

// LLMConfig configures the structured-output analysis endpoint.
type LLMConfig struct {
	Provider            string  `json:"provider"`
	Endpoint            string  `json:"endpoint"`
	Model               string  `json:"model"`
	APIKeyEnv           string  `json:"api_key_env"`
	Temperature         float32 `json:"temperature"`
	MaxTokens           int     `json:"max_tokens"`
	ContextTokens       int     `json:"context_tokens"`
	BatchSize           int     `json:"batch_size"`
	MaxBatchParallelism int     `json:"max_batch_parallelism"`
	RequestsPerSecond   float64 `json:"requests_per_second"`
}

// APIKey resolves the API key from the configured environment variable.
func (c LLMConfig) APIKey() string {
	return os.Getenv(c.APIKeyEnv)
}

// MarketSnapshotConfig configures the web-browsing LLM used for the market
// brief.
type MarketSnapshotConfig struct {
	Endpoint   string `json:"endpoint"`
	Model      string `json:"model"`
	APIKeyEnv  string `json:"api_key_env"`
	TTLMinutes int    `json:"ttl_minutes"`
}

// APIKey resolves the snapshot API key from the environment.
func (c MarketSnapshotConfig) APIKey() string {
	return os.Getenv(c.APIKeyEnv)
}

// TTL returns the snapshot cache TTL.
func (c MarketSnapshotConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// TelegramConfig configures report delivery.
type TelegramConfig struct {
	BotTokenEnv string `json:"bot_token_env"`
	ChatID      string `json:"chat_id"`
	ParseMode   string `json:"parse_mode"`
}

// BotToken resolves the bot token from the environment.
func (c TelegramConfig) BotToken() string {
	return os.Getenv(c.BotTokenEnv)
}

// ChatIDInt parses the configured chat id.
func (c TelegramConfig) ChatIDInt() (int64, error) {
	id, err := strconv.ParseInt(c.ChatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse telegram chat_id %q: %w", c.ChatID, err)
	}

	return id, nil
}

// Permission names accepted in authorized_users.permissions.
const (
	PermissionRun    = "run"
	PermissionStatus = "status"
	PermissionHelp   = "help"
)

// AuthorizedUser maps a Telegram user to its allowed commands.
type AuthorizedUser struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Permissions []string `json:"permissions"`
}

// UserIDInt parses the configured user id.
func (u AuthorizedUser) UserIDInt() (int64, error) {
	id, err := strconv.ParseInt(u.UserID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse user_id %q: %w", u.UserID, err)
	}

	return id, nil
}

// RateLimitConfig bounds command usage per user.
type RateLimitConfig struct {
	MaxCommandsPerHour int `json:"max_commands_per_hour"`
	CooldownMinutes    int `json:"cooldown_minutes"`
}

// Cooldown returns the minimum gap between accepted /run commands.
func (c RateLimitConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// CommandsConfig configures the Telegram command listener.
type CommandsConfig struct {
	Enabled                 bool             `json:"enabled"`
	AuthorizedUsers         []AuthorizedUser `json:"authorized_users"`
	ExecutionTimeoutMinutes int              `json:"execution_timeout_minutes"`
	MaxConcurrentExecutions int              `json:"max_concurrent_executions"`
	CommandRateLimit        RateLimitConfig  `json:"command_rate_limit"`
}

// ExecutionTimeout returns the per-run watchdog timeout.
func (c CommandsConfig) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutMinutes) * time.Minute
}

// Fetcher types.
const (
	FetcherTypeRSS = "rss"
	FetcherTypeX   = "x"
)

// FetcherConfig describes one content source. Type selects the provider;
// the remaining fields are provider-specific.
type FetcherConfig struct {
	Type             string   `json:"type"`
	Name             string   `json:"name"`
	FeedURLs         []string `json:"feed_urls,omitempty"`
	FetchFullContent bool     `json:"fetch_full_content,omitempty"`
	CLIPath          string   `json:"cli_path,omitempty"`
	Queries          []string `json:"queries,omitempty"`
	CookieEnv        string   `json:"cookie_env,omitempty"`
	TimeoutSeconds   int      `json:"timeout_seconds,omitempty"`
}

// Timeout returns the per-source fetch deadline.
func (c FetcherConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StorageConfig configures the embedded store.
type StorageConfig struct {
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// PromptsConfig locates the prompt template files.
type PromptsConfig struct {
	AnalysisPromptPath string `json:"analysis_prompt_path"`
	SnapshotPromptPath string `json:"snapshot_prompt_path"`
}

// Config is the pipeline configuration file.
type Config struct {
	TimeWindowHours          int                  `json:"time_window_hours"`
	ExecutionIntervalSeconds int                  `json:"execution_interval_seconds"`
	RunOnStart               bool                 `json:"run_on_start"`
	LLM                      LLMConfig            `json:"llm"`
	MarketSnapshot           MarketSnapshotConfig `json:"market_snapshot"`
	Telegram                 TelegramConfig       `json:"telegram"`
	TelegramCommands         CommandsConfig       `json:"telegram_commands"`
	Fetchers                 []FetcherConfig      `json:"fetchers"`
	Storage                  StorageConfig        `json:"storage"`
	Prompts                  PromptsConfig        `json:"prompts"`
}

// Window returns the fetch time window.
func (c *Config) Window() time.Duration {
	return time.Duration(c.TimeWindowHours) * time.Hour
}

// Interval returns the scheduler interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.ExecutionIntervalSeconds) * time.Second
}

// Retention returns how long items are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Storage.RetentionDays) * 24 * time.Hour
}

// Load reads, defaults and validates the pipeline configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrInvalid, path, err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrInvalid, path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.TimeWindowHours <= 0 {
		c.TimeWindowHours = DefaultTimeWindowHours
	}

	if c.ExecutionIntervalSeconds <= 0 {
		c.ExecutionIntervalSeconds = DefaultExecutionIntervalSeconds
	}

	if c.LLM.BatchSize <= 0 {
		c.LLM.BatchSize = DefaultBatchSize
	}

	if c.LLM.MaxBatchParallelism <= 0 {
		c.LLM.MaxBatchParallelism = DefaultMaxBatchParallelism
	}

	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = DefaultMaxTokens
	}

	if c.LLM.ContextTokens <= 0 {
		c.LLM.ContextTokens = DefaultContextTokens
	}

	if c.LLM.RequestsPerSecond <= 0 {
		c.LLM.RequestsPerSecond = 1
	}

	if c.MarketSnapshot.TTLMinutes <= 0 {
		c.MarketSnapshot.TTLMinutes = DefaultSnapshotTTLMinutes
	}

	if c.Telegram.ParseMode == "" {
		c.Telegram.ParseMode = "Markdown"
	}

	if c.TelegramCommands.ExecutionTimeoutMinutes <= 0 {
		c.TelegramCommands.ExecutionTimeoutMinutes = DefaultExecutionTimeoutMinutes
	}

	if c.TelegramCommands.MaxConcurrentExecutions <= 0 {
		c.TelegramCommands.MaxConcurrentExecutions = 1
	}

	if c.TelegramCommands.CommandRateLimit.MaxCommandsPerHour <= 0 {
		c.TelegramCommands.CommandRateLimit.MaxCommandsPerHour = DefaultMaxCommandsPerHour
	}

	if c.TelegramCommands.CommandRateLimit.CooldownMinutes <= 0 {
		c.TelegramCommands.CommandRateLimit.CooldownMinutes = DefaultCooldownMinutes
	}

	if c.Storage.RetentionDays <= 0 {
		c.Storage.RetentionDays = DefaultRetentionDays
	}

	for i := range c.Fetchers {
		if c.Fetchers[i].TimeoutSeconds <= 0 {
			c.Fetchers[i].TimeoutSeconds = DefaultFetcherTimeoutSeconds
		}
	}
}

// Validate reports all structural problems with the configuration.
func (c *Config) Validate() error {
	var problems []string

	if c.LLM.Endpoint == "" {
		problems = append(problems, "llm.endpoint is required")
	}

	if c.LLM.Model == "" {
		problems = append(problems, "llm.model is required")
	}

	if c.LLM.APIKeyEnv == "" {
		problems = append(problems, "llm.api_key_env is required")
	}

	if c.Telegram.BotTokenEnv == "" {
		problems = append(problems, "telegram.bot_token_env is required")
	}

	if _, err := c.Telegram.ChatIDInt(); err != nil {
		problems = append(problems, "telegram.chat_id must be a numeric chat id")
	}

	if c.Storage.Path == "" {
		problems = append(problems, "storage.path is required")
	}

	if c.Prompts.AnalysisPromptPath == "" {
		problems = append(problems, "prompts.analysis_prompt_path is required")
	}

	if c.TelegramCommands.MaxConcurrentExecutions != 1 {
		problems = append(problems, "telegram_commands.max_concurrent_executions must be 1 (single-node design)")
	}

	for i, f := range c.Fetchers {
		switch f.Type {
		case FetcherTypeRSS:
			if len(f.FeedURLs) == 0 {
				problems = append(problems, fmt.Sprintf("fetchers[%d]: rss fetcher needs feed_urls", i))
			}
		case FetcherTypeX:
			if f.CLIPath == "" {
				problems = append(problems, fmt.Sprintf("fetchers[%d]: x fetcher needs cli_path", i))
			}
		default:
			problems = append(problems, fmt.Sprintf("fetchers[%d]: unknown type %q", i, f.Type))
		}
	}

	for i, u := range c.TelegramCommands.AuthorizedUsers {
		if _, err := u.UserIDInt(); err != nil {
			problems = append(problems, fmt.Sprintf("telegram_commands.authorized_users[%d]: user_id must be numeric", i))
		}

		for _, p := range u.Permissions {
			switch p {
			case PermissionRun, PermissionStatus, PermissionHelp:
			default:
				problems = append(problems, fmt.Sprintf("telegram_commands.authorized_users[%d]: unknown permission %q", i, p))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalid, problems)
	}

	return nil
}
