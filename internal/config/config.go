package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"dingbridge/internal/domain"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for dingbridge.
type Config struct {
	General   GeneralConfig             `yaml:"general" json:"general" toml:"general"`
	DingTalk  DingTalkConfig            `yaml:"dingtalk" json:"dingtalk" toml:"dingtalk"`
	Stream    StreamConfig              `yaml:"stream" json:"stream" toml:"stream"`
	Dedup     DedupConfig               `yaml:"dedup" json:"dedup" toml:"dedup"`
	Dispatch  DispatchConfig            `yaml:"dispatch" json:"dispatch" toml:"dispatch"`
	Runtime   RuntimeConfig             `yaml:"runtime" json:"runtime" toml:"runtime"`
	Tools     ToolsConfig               `yaml:"tools" json:"tools" toml:"tools"`
	Reply     ReplyConfig               `yaml:"reply" json:"reply" toml:"reply"`
	Providers map[string]ProviderConfig `yaml:"providers" json:"providers" toml:"providers"`
	Agents    []AgentEntry              `yaml:"agents" json:"agents" toml:"agents"`
	AgentsDir string                    `yaml:"agents_dir,omitempty" json:"agents_dir,omitempty" toml:"agents_dir"`
	Metrics   MetricsConfig             `yaml:"metrics" json:"metrics" toml:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `yaml:"log_level" json:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format" toml:"log_format"` // text | json
	DataDir   string `yaml:"data_dir" json:"data_dir" toml:"data_dir"`
}

// DingTalkConfig holds the app credentials and platform endpoints.
type DingTalkConfig struct {
	ClientID     string `yaml:"client_id" json:"client_id" toml:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret" toml:"client_secret"`
	APIBase      string `yaml:"api_base" json:"api_base" toml:"api_base"`
	Topic        string `yaml:"topic" json:"topic" toml:"topic"`
}

// Credentials returns the app key pair. A value still holding an unexpanded
// ${VAR} reference counts as unset.
func (d DingTalkConfig) Credentials() domain.Credentials {
	resolved := func(v string) string {
		if strings.Contains(v, "${") {
			return ""
		}
		return strings.TrimSpace(v)
	}
	return domain.Credentials{ClientID: resolved(d.ClientID), ClientSecret: resolved(d.ClientSecret)}
}

type StreamConfig struct {
	BackoffBase            Duration `yaml:"backoff_base" json:"backoff_base" toml:"backoff_base"`
	BackoffCap             Duration `yaml:"backoff_cap" json:"backoff_cap" toml:"backoff_cap"`
	Jitter                 float64  `yaml:"jitter" json:"jitter" toml:"jitter"`
	HeartbeatInterval      Duration `yaml:"heartbeat_interval" json:"heartbeat_interval" toml:"heartbeat_interval"`
	MissedHeartbeats       int      `yaml:"missed_heartbeats" json:"missed_heartbeats" toml:"missed_heartbeats"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures" json:"max_consecutive_failures" toml:"max_consecutive_failures"`
	IdleTimeout            Duration `yaml:"idle_timeout" json:"idle_timeout" toml:"idle_timeout"` // 0 disables
}

type DedupConfig struct {
	TTL     Duration `yaml:"ttl" json:"ttl" toml:"ttl"`
	MaxSize int      `yaml:"max_size" json:"max_size" toml:"max_size"`
	Ledger  bool     `yaml:"ledger" json:"ledger" toml:"ledger"` // persist processed ids in sqlite
}

type DispatchConfig struct {
	Workers   int `yaml:"workers" json:"workers" toml:"workers"`
	QueueSize int `yaml:"queue_size" json:"queue_size" toml:"queue_size"`
}

type RuntimeConfig struct {
	Provider      string   `yaml:"provider" json:"provider" toml:"provider"`
	Fallbacks     []string `yaml:"fallbacks,omitempty" json:"fallbacks,omitempty" toml:"fallbacks"` // tried in order when Provider fails
	MaxIterations int      `yaml:"max_iterations" json:"max_iterations" toml:"max_iterations"`
	TurnTimeout   Duration `yaml:"turn_timeout" json:"turn_timeout" toml:"turn_timeout"`
	Fallback      string   `yaml:"fallback" json:"fallback" toml:"fallback"`
}

type ToolsConfig struct {
	Timeout       Duration `yaml:"timeout" json:"timeout" toml:"timeout"`
	MaxConcurrent int      `yaml:"max_concurrent" json:"max_concurrent" toml:"max_concurrent"`
	QABaseURL     string   `yaml:"qa_base_url,omitempty" json:"qa_base_url,omitempty" toml:"qa_base_url"` // empty disables the QA trace tools
}

type ReplyConfig struct {
	URL         string   `yaml:"url" json:"url" toml:"url"`
	MaxAttempts int      `yaml:"max_attempts" json:"max_attempts" toml:"max_attempts"`
	BaseBackoff Duration `yaml:"base_backoff" json:"base_backoff" toml:"base_backoff"`
}

// ProviderConfig configures a planner backend.
type ProviderConfig struct {
	Type          string  `yaml:"type" json:"type" toml:"type"` // openai | anthropic
	APIBase       string  `yaml:"api_base,omitempty" json:"api_base,omitempty" toml:"api_base"`
	APIKey        string  `yaml:"api_key,omitempty" json:"api_key,omitempty" toml:"api_key"`
	Model         string  `yaml:"model" json:"model" toml:"model"`
	MaxTokens     int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" toml:"max_tokens"`
	RatePerMinute float64 `yaml:"rate_per_minute,omitempty" json:"rate_per_minute,omitempty" toml:"rate_per_minute"`
	Burst         int     `yaml:"burst,omitempty" json:"burst,omitempty" toml:"burst"`
}

type MetricsConfig struct {
	Listen        string  `yaml:"listen" json:"listen" toml:"listen"` // empty disables the HTTP server
	OTLPEndpoint  string  `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty" toml:"otlp_endpoint"`
	OTLPInsecure  bool    `yaml:"otlp_insecure,omitempty" json:"otlp_insecure,omitempty" toml:"otlp_insecure"`
	SamplingRatio float64 `yaml:"sampling_ratio,omitempty" json:"sampling_ratio,omitempty" toml:"sampling_ratio"`
}

// Duration is a time.Duration written as a string ("30s", "5m") in config files.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// DefaultConfigDir returns the default config directory (~/.dingbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dingbridge"
	}
	return filepath.Join(home, ".dingbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads the config file at path. The format follows the extension:
// .toml, .json, anything else is YAML. Unset fields keep their defaults.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if cfg.AgentsDir != "" {
		dir := ExpandPath(cfg.AgentsDir)
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(filepath.Dir(path), dir)
		}
		cfg.AgentsDir = dir
		entries, err := LoadAgentsDir(dir)
		if err != nil {
			return nil, err
		}
		cfg.Agents = append(cfg.Agents, entries...)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Parse decodes config data on top of Defaults after expanding environment
// variables. ext selects the decoder (".yaml", ".toml", ".json").
func Parse(data []byte, ext string) (*Config, error) {
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	// Inline agents replace the default set rather than merging with it.
	cfg.Agents = nil

	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, err
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}

	if len(cfg.Agents) == 0 && cfg.AgentsDir == "" {
		cfg.Agents = Defaults().Agents
	}
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as YAML.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has usable values. All problems are
// reported together.
func Validate(cfg *Config) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		add("general.log_level must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		add("general.log_format must be text or json")
	}

	s := cfg.Stream
	if s.BackoffBase <= 0 {
		add("stream.backoff_base must be > 0")
	}
	if s.BackoffCap < s.BackoffBase {
		add("stream.backoff_cap must be >= stream.backoff_base")
	}
	if s.Jitter < 0 || s.Jitter >= 1 {
		add("stream.jitter must be in [0, 1)")
	}
	if s.HeartbeatInterval <= 0 {
		add("stream.heartbeat_interval must be > 0")
	}
	if s.MissedHeartbeats < 1 {
		add("stream.missed_heartbeats must be >= 1")
	}
	if s.MaxConsecutiveFailures < 1 {
		add("stream.max_consecutive_failures must be >= 1")
	}
	if s.IdleTimeout < 0 {
		add("stream.idle_timeout must be >= 0")
	}

	if cfg.Dedup.TTL <= 0 {
		add("dedup.ttl must be > 0")
	}
	if cfg.Dedup.MaxSize < 1 {
		add("dedup.max_size must be >= 1")
	}

	if cfg.Dispatch.Workers < 1 || cfg.Dispatch.Workers > 1000 {
		add("dispatch.workers must be between 1 and 1000")
	}
	if cfg.Dispatch.QueueSize < 1 {
		add("dispatch.queue_size must be >= 1")
	}

	if cfg.Runtime.MaxIterations < 1 || cfg.Runtime.MaxIterations > 50 {
		add("runtime.max_iterations must be between 1 and 50")
	}
	if cfg.Runtime.TurnTimeout <= 0 {
		add("runtime.turn_timeout must be > 0")
	}
	if strings.TrimSpace(cfg.Runtime.Fallback) == "" {
		add("runtime.fallback must not be empty")
	}
	if cfg.Runtime.Provider != "" {
		if _, ok := cfg.Providers[cfg.Runtime.Provider]; !ok {
			add("runtime.provider references unknown provider: %s", cfg.Runtime.Provider)
		}
	}
	for _, name := range cfg.Runtime.Fallbacks {
		if _, ok := cfg.Providers[name]; !ok {
			add("runtime.fallbacks references unknown provider: %s", name)
		}
	}
	for name, pc := range cfg.Providers {
		switch pc.Type {
		case "openai", "anthropic":
		default:
			add("providers.%s.type must be openai or anthropic", name)
		}
	}

	if cfg.Tools.Timeout <= 0 {
		add("tools.timeout must be > 0")
	}
	if cfg.Tools.MaxConcurrent < 1 {
		add("tools.max_concurrent must be >= 1")
	}

	if cfg.Reply.URL == "" {
		add("reply.url is required")
	}
	if cfg.Reply.MaxAttempts < 1 || cfg.Reply.MaxAttempts > 10 {
		add("reply.max_attempts must be between 1 and 10")
	}
	if cfg.Reply.BaseBackoff <= 0 {
		add("reply.base_backoff must be > 0")
	}

	errs = append(errs, validateAgents(cfg.Agents)...)

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
