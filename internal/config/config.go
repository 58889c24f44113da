// Package config implements the orchestrator's layered configuration:
// YAML/JSON5 file loading with $include composition and ${NAME} env
// expansion (loader.go), a typed Config struct mirroring every component's
// own Config/DefaultConfig, environment-variable overrides for the vars
// spec §6 names, and JSON Schema reflection for the config file shape.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the orchestrator's top-level configuration. Each section
// mirrors one component's own Config type so that Load can hand the
// section straight to that component's constructor.
type Config struct {
	Version int `yaml:"version"`

	Server       ServerConfig       `yaml:"server"`
	StateStore   StateStoreConfig   `yaml:"state_store"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	Pool         PoolConfig         `yaml:"pool"`
	ToolServers  ToolServersConfig  `yaml:"tool_servers"`
	Health       HealthConfig       `yaml:"health"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Session      SessionConfig      `yaml:"session"`
	Conversation ConversationConfig `yaml:"conversation"`
	TurnEngine   TurnEngineConfig   `yaml:"turn_engine"`
	Approval     ApprovalConfig     `yaml:"approval"`
	LLM          LLMConfig          `yaml:"llm"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// ServerConfig configures the control-plane HTTP listener (spec §6).
type ServerConfig struct {
	// Addr is the control endpoints' listen address, e.g. ":8080".
	Addr string `yaml:"addr"`
}

// StateStoreConfig selects and configures the StateStore backend (spec §1).
type StateStoreConfig struct {
	// Backend is "memory" or "redis". Defaults to "memory".
	Backend string `yaml:"backend"`
	// URL is the redis connection string, required when Backend is "redis".
	URL string `yaml:"url"`
}

// SandboxConfig configures the firecracker-go-sdk-backed SandboxRuntime
// (spec §4.2, §4.3) and the per-sandbox Spec every SandboxPool entry is
// created with.
type SandboxConfig struct {
	SocketDir string `yaml:"socket_dir"`
	KernelImg string `yaml:"kernel_image"`
	RootDrive string `yaml:"root_drive"`

	Image           string            `yaml:"image"`
	Env             map[string]string `yaml:"env"`
	MemoryMiB       int               `yaml:"memory_mib"`
	VCPU            float64           `yaml:"vcpu"`
	NetworkDisabled bool              `yaml:"network_disabled"`

	// CircuitBreaker wraps the runtime in sandboxruntime.Wrapper when true.
	CircuitBreaker bool `yaml:"circuit_breaker"`
}

// PoolConfig mirrors sandboxpool.Config, env vars ENABLE_SANDBOX_POOL,
// POOL_MIN_IDLE, POOL_MAX_TOTAL, POOL_IDLE_TTL_MS.
type PoolConfig struct {
	Enabled  bool          `yaml:"enabled"`
	MinIdle  int           `yaml:"min_idle"`
	MaxTotal int           `yaml:"max_total"`
	IdleTTL  time.Duration `yaml:"idle_ttl"`
}

// ToolServersConfig locates the tool-servers.json document (spec §4.4).
type ToolServersConfig struct {
	Path string `yaml:"path"`
}

// HealthConfig mirrors health.Config (spec §4.6).
type HealthConfig struct {
	CheckInterval  time.Duration `yaml:"check_interval"`
	ProbeDeadline  time.Duration `yaml:"probe_deadline"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxAttempts    int           `yaml:"max_attempts"`
	UnhealthyAfter int           `yaml:"unhealthy_after"`
}

// DispatchConfig mirrors dispatch.Config, env vars ENABLE_WORKER_MODE,
// WORKER_CONCURRENCY, JOB_TIMEOUT_MS (spec §4.10).
type DispatchConfig struct {
	Enabled           bool          `yaml:"enabled"`
	WorkerConcurrency int           `yaml:"worker_concurrency"`
	JobTTL            time.Duration `yaml:"job_ttl"`
	PopTimeout        time.Duration `yaml:"pop_timeout"`
}

// SessionConfig mirrors janitor.Config, env var IDLE_SESSION_TTL_MS (spec
// §4.1, §8).
type SessionConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ConversationConfig mirrors conversation.Config, env vars
// ENABLE_CONVERSATION_COMPRESSION, MAX_HISTORY_TOKENS, MAX_OUTPUT_TOKENS,
// HISTORY_TTL_SECONDS (spec §4.5).
type ConversationConfig struct {
	CompressionEnabled bool          `yaml:"compression_enabled"`
	MaxHistoryTokens   int           `yaml:"max_history_tokens"`
	HistoryTTL         time.Duration `yaml:"history_ttl"`
}

// TurnEngineConfig mirrors turnengine.Config (spec §4.7).
type TurnEngineConfig struct {
	MaxTurnDepth int `yaml:"max_turn_depth"`
}

// ApprovalConfig mirrors approval.Limiter's maxInFlight (spec §4.8).
type ApprovalConfig struct {
	MaxInFlight int `yaml:"max_in_flight"`
}

// LLMConfig mirrors languagemodel.AnthropicConfig (spec §4.7).
type LLMConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	DefaultModel string        `yaml:"default_model"`
	MaxTokens    int           `yaml:"max_tokens"`
}

// LoggingConfig selects the slog handler (spec's ambient logging stack).
type LoggingConfig struct {
	// Level is one of debug|info|warn|error.
	Level string `yaml:"level"`
	// Format is "json" or "text", overridable by LOG_FORMAT.
	Format string `yaml:"format"`
}

// TracingConfig mirrors observability.TraceConfig. Endpoint left empty
// disables tracing (observability.NewTracer returns a no-op tracer).
type TracingConfig struct {
	ServiceName  string  `yaml:"service_name"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Load reads path, resolving $include directives and ${NAME} env
// expansion, decodes into Config, applies environment-variable overrides
// and defaults, then validates.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers the explicit environment variables spec §6
// names on top of whatever the config file set.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("STATE_STORE_URL")); v != "" {
		cfg.StateStore.URL = v
		if cfg.StateStore.Backend == "" {
			cfg.StateStore.Backend = "redis"
		}
	}
	if v, ok := envBool("ENABLE_SANDBOX_POOL"); ok {
		cfg.Pool.Enabled = v
	}
	if v, ok := envInt("POOL_MIN_IDLE"); ok {
		cfg.Pool.MinIdle = v
	}
	if v, ok := envInt("POOL_MAX_TOTAL"); ok {
		cfg.Pool.MaxTotal = v
	}
	if v, ok := envMillis("POOL_IDLE_TTL_MS"); ok {
		cfg.Pool.IdleTTL = v
	}
	if v, ok := envBool("ENABLE_WORKER_MODE"); ok {
		cfg.Dispatch.Enabled = v
	}
	if v, ok := envInt("WORKER_CONCURRENCY"); ok {
		cfg.Dispatch.WorkerConcurrency = v
	}
	if v, ok := envMillis("JOB_TIMEOUT_MS"); ok {
		cfg.Dispatch.JobTTL = v
	}
	if v, ok := envBool("ENABLE_CONVERSATION_COMPRESSION"); ok {
		cfg.Conversation.CompressionEnabled = v
	}
	if v, ok := envInt("MAX_HISTORY_TOKENS"); ok {
		cfg.Conversation.MaxHistoryTokens = v
	}
	if v, ok := envInt("MAX_OUTPUT_TOKENS"); ok {
		cfg.LLM.MaxTokens = v
	}
	if v, ok := envSeconds("HISTORY_TTL_SECONDS"); ok {
		cfg.Conversation.HistoryTTL = v
	}
	if v, ok := envMillis("IDLE_SESSION_TTL_MS"); ok {
		cfg.Session.IdleTTL = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FORMAT")); v != "" {
		cfg.Logging.Format = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

func envBool(name string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envInt(name string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envMillis(name string) (time.Duration, bool) {
	n, ok := envInt(name)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

func envSeconds(name string) (time.Duration, bool) {
	n, ok := envInt(name)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = ":8080"
	}
	if strings.TrimSpace(cfg.StateStore.Backend) == "" {
		cfg.StateStore.Backend = "memory"
	}
	if strings.TrimSpace(cfg.Sandbox.SocketDir) == "" {
		cfg.Sandbox.SocketDir = "/tmp/nexus-sandboxes"
	}
	if cfg.Sandbox.MemoryMiB == 0 {
		cfg.Sandbox.MemoryMiB = 512
	}
	if cfg.Sandbox.VCPU == 0 {
		cfg.Sandbox.VCPU = 0.5
	}
	if cfg.Pool.MinIdle == 0 {
		cfg.Pool.MinIdle = 1
	}
	if cfg.Pool.MaxTotal == 0 {
		cfg.Pool.MaxTotal = 10
	}
	if cfg.Pool.IdleTTL == 0 {
		cfg.Pool.IdleTTL = 15 * time.Minute
	}
	if strings.TrimSpace(cfg.ToolServers.Path) == "" {
		cfg.ToolServers.Path = "tool-servers.json"
	}
	if cfg.Health.CheckInterval == 0 {
		cfg.Health.CheckInterval = 60 * time.Second
	}
	if cfg.Health.ProbeDeadline == 0 {
		cfg.Health.ProbeDeadline = 5 * time.Second
	}
	if cfg.Health.ReconnectDelay == 0 {
		cfg.Health.ReconnectDelay = 5 * time.Second
	}
	if cfg.Health.MaxAttempts == 0 {
		cfg.Health.MaxAttempts = 5
	}
	if cfg.Health.UnhealthyAfter == 0 {
		cfg.Health.UnhealthyAfter = 3
	}
	if cfg.Dispatch.WorkerConcurrency == 0 {
		cfg.Dispatch.WorkerConcurrency = 10
	}
	if cfg.Dispatch.JobTTL == 0 {
		cfg.Dispatch.JobTTL = 5 * time.Minute
	}
	if cfg.Dispatch.PopTimeout == 0 {
		cfg.Dispatch.PopTimeout = 5 * time.Second
	}
	if cfg.Session.IdleTTL == 0 {
		cfg.Session.IdleTTL = 15 * time.Minute
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = 60 * time.Second
	}
	if cfg.Conversation.MaxHistoryTokens == 0 {
		cfg.Conversation.MaxHistoryTokens = 8000
	}
	if cfg.Conversation.HistoryTTL == 0 {
		cfg.Conversation.HistoryTTL = 24 * time.Hour
	}
	if cfg.TurnEngine.MaxTurnDepth == 0 {
		cfg.TurnEngine.MaxTurnDepth = 8
	}
	if cfg.Approval.MaxInFlight == 0 {
		cfg.Approval.MaxInFlight = 5
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.RetryDelay == 0 {
		cfg.LLM.RetryDelay = time.Second
	}
	if strings.TrimSpace(cfg.LLM.DefaultModel) == "" {
		cfg.LLM.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Logging.Format) == "" {
		cfg.Logging.Format = "json"
	}
	if strings.TrimSpace(cfg.Tracing.ServiceName) == "" {
		cfg.Tracing.ServiceName = "nexus-orchestrator"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.StateStore.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: state_store.backend must be \"memory\" or \"redis\", got %q", cfg.StateStore.Backend)
	}
	if cfg.StateStore.Backend == "redis" && strings.TrimSpace(cfg.StateStore.URL) == "" {
		return fmt.Errorf("config: state_store.url is required when backend is \"redis\"")
	}
	if strings.TrimSpace(cfg.Sandbox.KernelImg) == "" {
		return fmt.Errorf("config: sandbox.kernel_image is required")
	}
	if strings.TrimSpace(cfg.Sandbox.RootDrive) == "" {
		return fmt.Errorf("config: sandbox.root_drive is required")
	}
	if strings.TrimSpace(cfg.LLM.APIKey) == "" {
		return fmt.Errorf("config: llm.api_key (or ANTHROPIC_API_KEY) is required")
	}
	return nil
}
