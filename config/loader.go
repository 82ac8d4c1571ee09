package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/pminervini/open-deep-research/agent/browser"
	"github.com/pminervini/open-deep-research/agent/persistence"
	"github.com/pminervini/open-deep-research/document"
	"github.com/pminervini/open-deep-research/internal/cache"
	"github.com/pminervini/open-deep-research/search"
)

// DefaultEnvPrefix prefixes every environment override, e.g.
// ODR_AGENT_MANAGER_MAX_STEPS.
const DefaultEnvPrefix = "ODR"

// =============================================================================
// Configuration structure
// =============================================================================

// Config is the complete configuration.
type Config struct {
	LLM         LLMConfig               `yaml:"llm" env:"LLM"`
	Agent       AgentConfig             `yaml:"agent" env:"AGENT"`
	Browser     browser.Config          `yaml:"browser" env:"BROWSER"`
	Search      search.Config           `yaml:"search" env:"SEARCH"`
	Document    document.Config         `yaml:"document" env:"DOCUMENT"`
	Workspace   WorkspaceConfig         `yaml:"workspace" env:"WORKSPACE"`
	Cache       CacheConfig             `yaml:"cache" env:"CACHE"`
	Log         LogConfig               `yaml:"log" env:"LOG"`
	Metrics     MetricsConfig           `yaml:"metrics" env:"METRICS"`
	Telemetry   TelemetryConfig         `yaml:"telemetry" env:"TELEMETRY"`
	Persistence persistence.StoreConfig `yaml:"persistence" env:"PERSISTENCE"`
	Batch       BatchConfig             `yaml:"batch" env:"BATCH"`
}

// LLMConfig configures the OpenAI-compatible model client.
type LLMConfig struct {
	// Model is the chat model id. A leading "openai/" is stripped.
	Model   string `yaml:"model" env:"MODEL" validate:"required"`
	BaseURL string `yaml:"base_url" env:"BASE_URL" validate:"required,url"`
	// APIKey also comes from OPENAI_API_KEY.
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// VisionModel answers visualizer and image questions. Empty uses Model.
	VisionModel        string        `yaml:"vision_model" env:"VISION_MODEL"`
	TranscriptionModel string        `yaml:"transcription_model" env:"TRANSCRIPTION_MODEL"`
	Timeout            time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`
	MaxRetries         int           `yaml:"max_retries" env:"MAX_RETRIES" validate:"gte=0,lte=10"`
	// NativeTools sends tool schemas natively instead of asking for JSON
	// action blobs in text.
	NativeTools bool `yaml:"native_tools" env:"NATIVE_TOOLS"`
}

// AgentBudget bounds one agent's loop.
type AgentBudget struct {
	MaxSteps            int     `yaml:"max_steps" env:"MAX_STEPS" validate:"gte=1"`
	PlanningInterval    int     `yaml:"planning_interval" env:"PLANNING_INTERVAL" validate:"gte=0"`
	MaxParseErrors      int     `yaml:"max_parse_errors" env:"MAX_PARSE_ERRORS" validate:"gte=1"`
	MaxTokens           int     `yaml:"max_tokens" env:"MAX_TOKENS" validate:"gte=0"`
	MaxObservationChars int     `yaml:"max_observation_chars" env:"MAX_OBSERVATION_CHARS" validate:"gte=0"`
	Temperature         float32 `yaml:"temperature" env:"TEMPERATURE" validate:"gte=0,lte=2"`
}

// AgentConfig holds both team members.
type AgentConfig struct {
	Manager  AgentBudget `yaml:"manager" env:"MANAGER"`
	Searcher AgentBudget `yaml:"searcher" env:"SEARCHER"`
	// ProvideRunSummary appends the searcher's work summary to its answer.
	ProvideRunSummary bool `yaml:"provide_run_summary" env:"PROVIDE_RUN_SUMMARY"`
	// RunTimeout bounds a whole research run. 0 disables it.
	RunTimeout time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT" validate:"gte=0"`
	// RequestTimeout bounds one model call.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" validate:"gte=0"`
	// TextLimit caps inspect_file_as_text output.
	TextLimit int `yaml:"text_limit" env:"TEXT_LIMIT" validate:"gte=0"`
}

// WorkspaceConfig locates downloads.
type WorkspaceConfig struct {
	// Dir is the root; every run gets a subdirectory named by run id.
	Dir string `yaml:"dir" env:"DIR" validate:"required"`
	// Keep leaves run directories on disk after the run.
	Keep bool `yaml:"keep" env:"KEEP"`
}

// CacheConfig enables the redis search-result cache.
type CacheConfig struct {
	Enabled bool         `yaml:"enabled" env:"ENABLED"`
	Redis   cache.Config `yaml:"redis" env:"REDIS"`
}

// LogConfig configures zap.
type LogConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// json or console
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=json console"`
	// OutputPaths accepts stdout, stderr and file paths. Files are rotated.
	OutputPaths      []string       `yaml:"output_paths" env:"OUTPUT_PATHS" validate:"min=1"`
	EnableCaller     bool           `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool           `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
	Rotation         RotationConfig `yaml:"rotation" env:"ROTATION"`
}

// RotationConfig is handed to lumberjack for file outputs.
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb" env:"MAX_SIZE_MB" validate:"gte=0"`
	MaxBackups int  `yaml:"max_backups" env:"MAX_BACKUPS" validate:"gte=0"`
	MaxAgeDays int  `yaml:"max_age_days" env:"MAX_AGE_DAYS" validate:"gte=0"`
	Compress   bool `yaml:"compress" env:"COMPRESS"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Namespace string `yaml:"namespace" env:"NAMESPACE" validate:"required"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT" validate:"required_if=Enabled true"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure" env:"INSECURE"`
}

// BatchConfig configures the batch subcommand.
type BatchConfig struct {
	Concurrency int    `yaml:"concurrency" env:"CONCURRENCY" validate:"gte=1,lte=64"`
	Output      string `yaml:"output" env:"OUTPUT"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader builds a Config (builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	overrides  []func(*Config)
	validators []func(*Config) error
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with the ODR prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// WithConfigPath sets the YAML file. A missing file keeps the defaults.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithOverride registers a final mutation, typically CLI flags.
func (l *Loader) WithOverride(fn func(*Config)) *Loader {
	l.overrides = append(l.overrides, fn)
	return l
}

// WithValidator adds a validation step run after the built-in checks.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	l.loadWellKnownEnv(cfg)

	for _, fn := range l.overrides {
		fn(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// loadWellKnownEnv reads the provider variables used by the rest of the
// ecosystem. Secrets are never read from YAML-only fields.
func (l *Loader) loadWellKnownEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v, ok := l.lookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	set(&cfg.LLM.BaseURL, "OPENAI_BASE_URL")
	set(&cfg.Search.SerperAPIKey, "SERPER_API_KEY")
	set(&cfg.Search.SerpAPIKey, "SERPAPI_API_KEY")
	set(&cfg.Search.BraveAPIKey, "BRAVE_API_KEY")
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// envName returns the variable suffix of a field: its env tag, else its
// upper-cased yaml name. Fields hidden from YAML are skipped.
func envName(f reflect.StructField) string {
	if tag := f.Tag.Get("env"); tag != "" {
		return tag
	}
	name := strings.Split(f.Tag.Get("yaml"), ",")[0]
	if name == "" || name == "-" {
		return ""
	}
	return strings.ToUpper(name)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		name := envName(fieldType)
		if name == "" || name == "-" {
			continue
		}
		envKey := prefix + "_" + name

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := l.lookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// comma-separated string slices
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := parts[:0]
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}
	return nil
}

// =============================================================================
// Validation
// =============================================================================

var validate = validator.New()

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (%v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("config validation errors: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}

	var errs []string
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level: %v", err))
	}
	if c.Persistence.Type == persistence.StoreTypeRedis && c.Persistence.Redis.Addr == "" {
		errs = append(errs, "persistence.redis.addr is required for the redis store")
	}
	if c.Cache.Enabled && c.Cache.Redis.Addr == "" {
		errs = append(errs, "cache.redis.addr is required when the cache is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MustLoad loads path or panics. Only for program initialization.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
