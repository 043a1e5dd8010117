// Package config handles application configuration loading from a YAML file with environment overrides.
package config

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	contextutils "packplanner/internal/utils"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" yaml:"server"`

	// Database configuration
	Database DatabaseConfig `json:"database" yaml:"database"`

	// OpenTelemetry Configuration
	OpenTelemetry OpenTelemetryConfig `json:"open_telemetry" yaml:"open_telemetry"`

	// Reasoning service used by the planner and the summarizer
	Reasoning ReasoningConfig `json:"reasoning" yaml:"reasoning"`

	// Pack planning knobs
	Planner PlannerConfig `json:"planner" yaml:"planner"`

	// Post-session summarizer
	Summarizer SummarizerConfig `json:"summarizer" yaml:"summarizer"`

	// Background worker
	Worker WorkerConfig `json:"worker" yaml:"worker"`

	// Redis, used when planner.lock_backend is "redis"
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Internal fields
	IsTest bool `json:"is_test" yaml:"is_test"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port          string   `json:"port" yaml:"port" validate:"required,numeric"`
	WorkerPort    string   `json:"worker_port" yaml:"worker_port" validate:"omitempty,numeric"`
	SessionSecret string   `json:"session_secret" yaml:"session_secret"`
	Debug         bool     `json:"debug" yaml:"debug"`
	LogLevel      string   `json:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	CORSOrigins   []string `json:"cors_origins" yaml:"cors_origins"`
}

// OpenTelemetryConfig holds all OpenTelemetry-related configuration
type OpenTelemetryConfig struct {
	Endpoint       string            `json:"endpoint" yaml:"endpoint"`               // Default: "localhost:4317"
	Protocol       string            `json:"protocol" yaml:"protocol"`               // "grpc" or "http", default: "grpc"
	Insecure       bool              `json:"insecure" yaml:"insecure"`               // Default: true (for localhost)
	Headers        map[string]string `json:"headers" yaml:"headers"`                 // For authenticated endpoints
	ServiceName    string            `json:"service_name" yaml:"service_name"`       // "pack-planner" or "pack-planner-worker"
	ServiceVersion string            `json:"service_version" yaml:"service_version"` // From version package
	EnableTracing  bool              `json:"enable_tracing" yaml:"enable_tracing"`
	EnableMetrics  bool              `json:"enable_metrics" yaml:"enable_metrics"`
	EnableLogging  bool              `json:"enable_logging" yaml:"enable_logging"`
	UseAutoSDK     bool              `json:"use_auto_sdk" yaml:"use_auto_sdk"`
	SamplingRate   float64           `json:"sampling_rate" yaml:"sampling_rate"` // Default: 1.0 (100%)
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	URL             string        `json:"url" yaml:"url" validate:"required"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`       // Maximum number of open connections to the database
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`       // Maximum number of idle connections in the pool
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"` // Maximum amount of time a connection may be reused
}

// ReasoningConfig selects and configures the external reasoning service
type ReasoningConfig struct {
	Provider  string `json:"provider" yaml:"provider" validate:"required,oneof=openai anthropic gemini mock"`
	Model     string `json:"model" yaml:"model" validate:"required_unless=Provider mock"`
	URL       string `json:"url,omitempty" yaml:"url,omitempty" validate:"omitempty,url"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
	// JSONMode asks OpenAI-compatible servers for a JSON object response format.
	// Some self-hosted gateways reject the field, so it can be turned off.
	JSONMode bool `json:"json_mode" yaml:"json_mode"`
}

// PlannerConfig holds the tunables of the planning pipeline. The pack composition
// itself (12 items, 3/6/3, PYQ minimums) is fixed and lives in models.
type PlannerConfig struct {
	PoolLadder                 []int         `json:"pool_ladder" yaml:"pool_ladder" validate:"omitempty,dive,gte=1"`
	RecencyWindowSessions      int           `json:"recency_window_sessions" yaml:"recency_window_sessions" validate:"gte=0"`
	ColdStartMinPairs          int           `json:"cold_start_min_pairs" yaml:"cold_start_min_pairs" validate:"gte=0"`
	CoverageTargetPairs        int           `json:"coverage_target_pairs" yaml:"coverage_target_pairs" validate:"gte=0"`
	ReadinessTargetItems       int           `json:"readiness_target_items" yaml:"readiness_target_items" validate:"gte=0"`
	MaxPromptCandidatesPerBand int           `json:"max_prompt_candidates_per_band" yaml:"max_prompt_candidates_per_band" validate:"gte=0"`
	LLMTimeout                 time.Duration `json:"llm_timeout" yaml:"llm_timeout"`
	OuterDeadline              time.Duration `json:"outer_deadline" yaml:"outer_deadline"`
	LLMEnabled                 bool          `json:"llm_enabled" yaml:"llm_enabled"`
	LockBackend                string        `json:"lock_backend" yaml:"lock_backend" validate:"omitempty,oneof=memory postgres redis"`
}

// SummarizerConfig configures the post-session summarizer
type SummarizerConfig struct {
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
	MaxTokens int           `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
}

// WorkerConfig configures the background summary worker
type WorkerConfig struct {
	Instance    string        `json:"instance" yaml:"instance"`
	Interval    time.Duration `json:"interval" yaml:"interval"`
	BatchSize   int           `json:"batch_size" yaml:"batch_size" validate:"gte=0"`
	Concurrency int           `json:"concurrency" yaml:"concurrency" validate:"gte=0"`
	MaxHistory  int           `json:"max_history" yaml:"max_history" validate:"gte=0"`
	StartPaused bool          `json:"start_paused" yaml:"start_paused"`
}

// RedisConfig represents the Redis connection used by the distributed user lock
type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

// NewConfig loads configuration from YAML file first, then overrides with environment variables
func NewConfig() (result0 *Config, err error) {
	// A .env file is optional
	_ = godotenv.Load()

	config, err := loadConfigWithOverrides()
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to load config: %w", err)
	}

	config.overrideFromEnv()
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// ApplyDefaults fills zero values with the documented defaults
func (c *Config) ApplyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.WorkerPort == "" {
		c.Server.WorkerPort = "8081"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = DatabaseConnMaxLifetime
	}
	if c.OpenTelemetry.Protocol == "" {
		c.OpenTelemetry.Protocol = "grpc"
	}
	if c.OpenTelemetry.SamplingRate == 0 {
		c.OpenTelemetry.SamplingRate = 1.0
	}
	if c.Reasoning.Provider == "" {
		c.Reasoning.Provider = "mock"
	}
	if c.Reasoning.MaxTokens == 0 {
		c.Reasoning.MaxTokens = DefaultReasoningMaxTokens
	}

	p := &c.Planner
	if len(p.PoolLadder) == 0 {
		p.PoolLadder = append([]int(nil), DefaultPoolLadder...)
	}
	if p.RecencyWindowSessions == 0 {
		p.RecencyWindowSessions = DefaultRecencyWindowSessions
	}
	if p.ColdStartMinPairs == 0 {
		p.ColdStartMinPairs = DefaultColdStartMinPairs
	}
	if p.CoverageTargetPairs == 0 {
		p.CoverageTargetPairs = DefaultCoverageTargetPairs
	}
	if p.ReadinessTargetItems == 0 {
		p.ReadinessTargetItems = DefaultReadinessTargetItems
	}
	if p.MaxPromptCandidatesPerBand == 0 {
		p.MaxPromptCandidatesPerBand = DefaultMaxPromptCandidatesPerBand
	}
	if p.LLMTimeout == 0 {
		p.LLMTimeout = DefaultLLMTimeout
	}
	if p.OuterDeadline == 0 {
		p.OuterDeadline = DefaultPlanningOuterDeadline
	}
	if p.LockBackend == "" {
		p.LockBackend = "postgres"
	}

	if c.Summarizer.Timeout == 0 {
		c.Summarizer.Timeout = DefaultLLMTimeout
	}
	if c.Summarizer.MaxTokens == 0 {
		c.Summarizer.MaxTokens = DefaultReasoningMaxTokens
	}

	w := &c.Worker
	if w.Instance == "" {
		w.Instance = "default"
	}
	if w.Interval == 0 {
		w.Interval = WorkerCheckInterval
	}
	if w.BatchSize == 0 {
		w.BatchSize = 50
	}
	if w.Concurrency == 0 {
		w.Concurrency = 4
	}
	if w.MaxHistory == 0 {
		w.MaxHistory = 100
	}
}

// Validate checks struct tags and cross-field rules
func (c *Config) Validate() error {
	if err := contextutils.ValidateStruct(c); err != nil {
		return contextutils.WrapError(err, "invalid configuration")
	}
	if c.Planner.LockBackend == "redis" && c.Redis.URL == "" {
		return contextutils.WrapError(contextutils.ErrValidationFailed, "redis.url is required when planner.lock_backend is redis")
	}
	if c.Planner.OuterDeadline <= c.Planner.LLMTimeout {
		return contextutils.WrapErrorf(contextutils.ErrValidationFailed,
			"planner.outer_deadline (%s) must exceed planner.llm_timeout (%s)", c.Planner.OuterDeadline, c.Planner.LLMTimeout)
	}
	for i := 1; i < len(c.Planner.PoolLadder); i++ {
		if c.Planner.PoolLadder[i] <= c.Planner.PoolLadder[i-1] {
			return contextutils.WrapError(contextutils.ErrValidationFailed, "planner.pool_ladder must be strictly increasing")
		}
	}
	return nil
}

// overrideFromEnv overrides config values with environment variables using reflection
func (c *Config) overrideFromEnv() {
	overrideStructFromEnvWithPrefix(c, "")
}

var durationType = reflect.TypeOf(time.Duration(0))

// overrideStructFromEnvWithPrefix recursively overrides struct fields with environment variables
// named after their yaml tags, e.g. PLANNER_LLM_TIMEOUT for planner.llm_timeout.
func overrideStructFromEnvWithPrefix(v interface{}, prefix string) {
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		if !field.CanSet() {
			continue
		}

		yamlTag := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if yamlTag == "" || yamlTag == "-" {
			continue
		}

		envKey := strings.ToUpper(strings.ReplaceAll(yamlTag, "-", "_"))
		if prefix != "" {
			envKey = prefix + "_" + envKey
		}

		if field.Type() == durationType {
			if envVal := os.Getenv(envKey); envVal != "" {
				if d, err := time.ParseDuration(envVal); err == nil {
					field.SetInt(int64(d))
				}
			}
			continue
		}

		switch field.Kind() {
		case reflect.String:
			if envVal := os.Getenv(envKey); envVal != "" {
				field.SetString(envVal)
			}
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if envVal := os.Getenv(envKey); envVal != "" {
				if intVal, err := strconv.ParseInt(envVal, 10, 64); err == nil {
					field.SetInt(intVal)
				}
			}
		case reflect.Float32, reflect.Float64:
			if envVal := os.Getenv(envKey); envVal != "" {
				if floatVal, err := strconv.ParseFloat(envVal, 64); err == nil {
					field.SetFloat(floatVal)
				}
			}
		case reflect.Bool:
			if envVal := os.Getenv(envKey); envVal != "" {
				if boolVal, err := strconv.ParseBool(envVal); err == nil {
					field.SetBool(boolVal)
				}
			}
		case reflect.Slice:
			envVal := os.Getenv(envKey)
			if envVal == "" {
				continue
			}
			parts := strings.Split(envVal, ",")
			switch field.Type().Elem().Kind() {
			case reflect.String:
				field.Set(reflect.ValueOf(parts))
			case reflect.Int:
				ints := make([]int, 0, len(parts))
				for _, p := range parts {
					n, err := strconv.Atoi(strings.TrimSpace(p))
					if err != nil {
						ints = nil
						break
					}
					ints = append(ints, n)
				}
				if ints != nil {
					field.Set(reflect.ValueOf(ints))
				}
			}
		case reflect.Struct:
			if field.CanAddr() {
				overrideStructFromEnvWithPrefix(field.Addr().Interface(), envKey)
			}
		case reflect.Ptr:
			if !field.IsNil() && field.Elem().Kind() == reflect.Struct {
				overrideStructFromEnvWithPrefix(field.Interface(), envKey)
			}
		}
	}
}

// loadConfigWithOverrides loads the config file named by PLANNER_CONFIG_FILE, or config.yaml
func loadConfigWithOverrides() (result0 *Config, err error) {
	if envPath := os.Getenv("PLANNER_CONFIG_FILE"); envPath != "" {
		config, err := loadConfigFromFile(envPath)
		if err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to load config from %s: %w", envPath, err)
		}
		return config, nil
	}

	config, err := loadConfigFromFile("config.yaml")
	if os.IsNotExist(err) {
		// Environment-only deployments are allowed
		return &Config{}, nil
	}
	return config, err
}

// loadConfigFromFile loads configuration from a specific file
func loadConfigFromFile(path string) (result0 *Config, err error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(yamlFile, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
