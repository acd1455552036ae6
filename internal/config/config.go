package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/internal/persist"
	"github.com/sells-group/biotech-recon/internal/resolve"
	"github.com/sells-group/biotech-recon/internal/source"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Jina      JinaConfig      `yaml:"jina" mapstructure:"jina"`
	Notion    NotionConfig    `yaml:"notion" mapstructure:"notion"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Resolve   resolve.Config  `yaml:"resolve" mapstructure:"resolve"`
	Merge     MergeConfig     `yaml:"merge" mapstructure:"merge"`
	Persist   persist.Config  `yaml:"persist" mapstructure:"persist"`
	Schema    SchemaConfig    `yaml:"schema" mapstructure:"schema"`
	Sources   []source.Config `yaml:"sources" mapstructure:"sources"`
	Temporal  TemporalConfig  `yaml:"temporal" mapstructure:"temporal"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
}

// StoreConfig configures the database backend. DatabaseURL is a Postgres
// connection string or a SQLite file path.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// AnthropicConfig holds Anthropic API settings for field extraction.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// JinaConfig holds Jina AI Reader settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// NotionConfig points the manual review queue at a Notion database.
type NotionConfig struct {
	Token    string `yaml:"token" mapstructure:"token"`
	ReviewDB string `yaml:"review_db" mapstructure:"review_db"`
}

// FetchConfig configures registry downloads.
type FetchConfig struct {
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent         string  `yaml:"user_agent" mapstructure:"user_agent"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// PipelineConfig configures the orchestrator and extraction.
type PipelineConfig struct {
	Workers            int     `yaml:"workers" mapstructure:"workers"`
	RunTimeoutSecs     int     `yaml:"run_timeout_secs" mapstructure:"run_timeout_secs"`
	ExtractTimeoutSecs int     `yaml:"extract_timeout_secs" mapstructure:"extract_timeout_secs"`
	RequestsPerSecond  float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	MaxInputChars      int     `yaml:"max_input_chars" mapstructure:"max_input_chars"`
	// SourceWeights scale extracted confidence per source id.
	SourceWeights map[string]float64 `yaml:"source_weights" mapstructure:"source_weights"`
}

// RunTimeout returns the run deadline; zero means none.
func (p PipelineConfig) RunTimeout() time.Duration {
	return time.Duration(p.RunTimeoutSecs) * time.Second
}

// ExtractTimeout returns the per-call extraction deadline.
func (p PipelineConfig) ExtractTimeout() time.Duration {
	return time.Duration(p.ExtractTimeoutSecs) * time.Second
}

// MergeConfig configures the merge engine.
type MergeConfig struct {
	MinConfidence float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
}

// SchemaConfig points at an optional YAML file of field overrides.
type SchemaConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// Load returns the field schema, applying overrides when a path is set.
func (s SchemaConfig) Load() (*model.Schema, error) {
	if s.Path == "" {
		return model.DefaultSchema(), nil
	}
	return model.LoadSchema(s.Path)
}

// TemporalConfig configures scheduled runs.
type TemporalConfig struct {
	HostPort   string `yaml:"host_port" mapstructure:"host_port"`
	Namespace  string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue  string `yaml:"task_queue" mapstructure:"task_queue"`
	Cron       string `yaml:"cron" mapstructure:"cron"`
	ScheduleID string `yaml:"schedule_id" mapstructure:"schedule_id"`
}

// ServerConfig configures the report API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// Load reads configuration from ./config.yaml, if present, and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. Unlike the default
// ./config.yaml, an explicit file must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("BIOTECH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	def := resolve.DefaultConfig()
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("jina.key", "")
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("notion.token", "")
	v.SetDefault("notion.review_db", "")
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.user_agent", "biotech-recon/1.0")
	v.SetDefault("fetch.requests_per_second", 2)
	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.run_timeout_secs", 3600)
	v.SetDefault("pipeline.extract_timeout_secs", 60)
	v.SetDefault("pipeline.requests_per_second", 2)
	v.SetDefault("pipeline.max_input_chars", 40000)
	v.SetDefault("resolve.name_weight", def.NameWeight)
	v.SetDefault("resolve.domain_weight", def.DomainWeight)
	v.SetDefault("resolve.high_threshold", def.HighThreshold)
	v.SetDefault("resolve.low_threshold", def.LowThreshold)
	v.SetDefault("resolve.conflict_name_floor", def.ConflictNameFloor)
	v.SetDefault("merge.min_confidence", 0.5)
	v.SetDefault("persist.max_attempts", 3)
	v.SetDefault("persist.initial_backoff_ms", 200)
	v.SetDefault("persist.max_backoff_ms", 5000)
	v.SetDefault("persist.outage_threshold", 5)
	v.SetDefault("persist.outage_cooldown", "1m")
	v.SetDefault("schema.path", "")
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "biotech-recon")
	v.SetDefault("temporal.cron", "0 2 * * *")
	v.SetDefault("temporal.schedule_id", "biotech-recon-nightly")
	v.SetDefault("server.port", 8080)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the keys the given command needs. Modes: run, worker,
// schedule, serve, migrate, export, entity.
func (c *Config) Validate(mode string) error {
	var errs []string
	need := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	storage := func() {
		need(c.Store.Driver == "postgres" || c.Store.Driver == "sqlite",
			fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
		need(c.Store.DatabaseURL != "", "store.database_url is required")
	}
	pipeline := func() {
		need(c.Pipeline.Workers >= 1 && c.Pipeline.Workers <= 64, "pipeline.workers must be between 1 and 64")
		need(c.Pipeline.RunTimeoutSecs >= 0, "pipeline.run_timeout_secs must be >= 0")
		need(c.Merge.MinConfidence >= 0 && c.Merge.MinConfidence <= 1, "merge.min_confidence must be between 0 and 1")
		need(c.Resolve.LowThreshold >= 0 && c.Resolve.HighThreshold <= 1 && c.Resolve.LowThreshold <= c.Resolve.HighThreshold,
			"resolve thresholds must satisfy 0 <= low_threshold <= high_threshold <= 1")
		need(c.Persist.MaxAttempts >= 1, "persist.max_attempts must be >= 1")
		need(len(c.Sources) > 0, "at least one source is required")
		seen := map[string]bool{}
		for i, sc := range c.Sources {
			need(sc.ID != "", fmt.Sprintf("sources[%d].id is required", i))
			need(!seen[sc.ID], fmt.Sprintf("sources[%d].id %q is duplicated", i, sc.ID))
			seen[sc.ID] = true
			if sc.Type != model.SourceRegistry {
				need(c.Anthropic.Key != "", fmt.Sprintf("anthropic.key is required for %s source %q", sc.Type, sc.ID))
			}
		}
		need(c.Notion.Token == "" || c.Notion.ReviewDB != "", "notion.review_db is required when notion.token is set")
	}
	temporal := func() {
		need(c.Temporal.HostPort != "", "temporal.host_port is required")
		need(c.Temporal.TaskQueue != "", "temporal.task_queue is required")
	}

	switch mode {
	case "run":
		storage()
		pipeline()
	case "worker":
		storage()
		pipeline()
		temporal()
	case "schedule":
		temporal()
		need(c.Temporal.Cron != "", "temporal.cron is required")
		need(c.Temporal.ScheduleID != "", "temporal.schedule_id is required")
	case "serve":
		storage()
		need(c.Server.Port > 0, "server.port must be > 0")
	case "migrate", "export", "entity":
		storage()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
