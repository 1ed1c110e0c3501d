// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Solver    SolverConfig    `mapstructure:"solver"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Stage     StageConfig     `mapstructure:"stage"`
	Sites     SitesConfig     `mapstructure:"sites"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Chat      ChatConfig      `mapstructure:"chat"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SolverConfig configures the captcha solving service client.
type SolverConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollTries    int           `mapstructure:"poll_tries"`
	LowBalance   float64       `mapstructure:"low_balance"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	RPS          float64       `mapstructure:"rps"`
	Burst        int           `mapstructure:"burst"`
}

// BrowserConfig configures headless Chrome.
type BrowserConfig struct {
	MaxParallel       int           `mapstructure:"max_parallel"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	AssetTimeout      time.Duration `mapstructure:"asset_timeout"`
}

// StageConfig tunes the per-page state machine.
type StageConfig struct {
	AssetPoll      time.Duration `mapstructure:"asset_poll"`
	AssetTimeout   time.Duration `mapstructure:"asset_timeout"`
	CaptchaRetries int           `mapstructure:"captcha_retries"`
	ElementTimeout time.Duration `mapstructure:"element_timeout"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
}

// SitesConfig locates the portals.
type SitesConfig struct {
	RegistryBaseURL  string   `mapstructure:"registry_base_url"`
	TrafficPoliceURL string   `mapstructure:"traffic_police_url"`
	SiteKey          string   `mapstructure:"site_key"`
	NoDataMarkers    []string `mapstructure:"no_data_markers"`
}

// PipelineConfig tunes stage retries.
type PipelineConfig struct {
	MaxStageAttempts int           `mapstructure:"max_stage_attempts"`
	LongRunningAfter int           `mapstructure:"long_running_after"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	BlobPrefix       string        `mapstructure:"blob_prefix"`
}

// SchedulerConfig sizes the worker pool.
type SchedulerConfig struct {
	PoolSize          int           `mapstructure:"pool_size"`
	QueueCapacity     int           `mapstructure:"queue_capacity"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	HaltOnOutOfCredit bool          `mapstructure:"halt_on_out_of_credit"`
}

// Snapshot and blob backends.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
)

// StorageConfig selects where snapshots and accident images live.
type StorageConfig struct {
	Snapshot string         `mapstructure:"snapshot"`
	Blobs    string         `mapstructure:"blobs"`
	Local    LocalConfig    `mapstructure:"local"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	GCS      GCSConfig      `mapstructure:"gcs"`
}

// LocalConfig holds filesystem paths.
type LocalConfig struct {
	SnapshotPath string `mapstructure:"snapshot_path"`
	BaseDir      string `mapstructure:"base_dir"`
}

// SQLiteConfig locates the embedded database.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// GCSConfig names the bucket for blobs and snapshots.
type GCSConfig struct {
	Bucket         string `mapstructure:"bucket"`
	SnapshotObject string `mapstructure:"snapshot_object"`
}

// PubSubConfig holds metadata for resolution events.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// ChatConfig tunes the chat front-end.
type ChatConfig struct {
	OutboxLimit int `mapstructure:"outbox_limit"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CARSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_grace", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("solver.base_url", "https://api.cap.guru")
	v.SetDefault("solver.api_key", "")
	v.SetDefault("solver.poll_interval", "3s")
	v.SetDefault("solver.poll_tries", 10)
	v.SetDefault("solver.low_balance", 5.0)
	v.SetDefault("solver.http_timeout", "30s")
	v.SetDefault("solver.rps", 1.0)
	v.SetDefault("solver.burst", 2)
	v.SetDefault("browser.max_parallel", 3)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.asset_timeout", "20s")
	v.SetDefault("stage.asset_poll", "2s")
	v.SetDefault("stage.asset_timeout", "60s")
	v.SetDefault("stage.captcha_retries", 10)
	v.SetDefault("stage.element_timeout", "15s")
	v.SetDefault("stage.settle_delay", "1s")
	v.SetDefault("sites.registry_base_url", "https://vin2vin.ru")
	v.SetDefault("sites.traffic_police_url", "https://xn--90adear.xn--p1ai/check/auto")
	v.SetDefault("sites.site_key", "")
	v.SetDefault("sites.no_data_markers", []string{})
	v.SetDefault("pipeline.max_stage_attempts", 20)
	v.SetDefault("pipeline.long_running_after", 5)
	v.SetDefault("pipeline.retry_base_delay", "1s")
	v.SetDefault("pipeline.retry_max_delay", "30s")
	v.SetDefault("pipeline.blob_prefix", "accidents")
	v.SetDefault("scheduler.pool_size", 3)
	v.SetDefault("scheduler.queue_capacity", 256)
	v.SetDefault("scheduler.request_timeout", "30m")
	v.SetDefault("scheduler.halt_on_out_of_credit", true)
	v.SetDefault("storage.snapshot", BackendLocal)
	v.SetDefault("storage.blobs", BackendLocal)
	v.SetDefault("storage.local.snapshot_path", "data/requesters.json")
	v.SetDefault("storage.local.base_dir", "data/blobs")
	v.SetDefault("storage.sqlite.path", "data/carscan.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.postgres.min_conns", 0)
	v.SetDefault("storage.postgres.max_conn_lifetime", "30m")
	v.SetDefault("storage.postgres.migrate", true)
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.snapshot_object", "state/requesters.json")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "record.resolved")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "2s")
	v.SetDefault("progress.log_events", false)
	v.SetDefault("chat.outbox_limit", 100)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.PoolSize <= 0 {
		return fmt.Errorf("scheduler.pool_size must be > 0")
	}
	if c.Scheduler.QueueCapacity <= 0 {
		return fmt.Errorf("scheduler.queue_capacity must be > 0")
	}
	if c.Scheduler.RequestTimeout <= 0 {
		return fmt.Errorf("scheduler.request_timeout must be > 0")
	}
	if c.Browser.MaxParallel < 0 {
		return fmt.Errorf("browser.max_parallel must be >= 0")
	}
	if c.Solver.PollTries <= 0 {
		return fmt.Errorf("solver.poll_tries must be > 0")
	}
	if c.Pipeline.MaxStageAttempts <= 0 {
		return fmt.Errorf("pipeline.max_stage_attempts must be > 0")
	}
	if c.Pipeline.LongRunningAfter <= 0 || c.Pipeline.LongRunningAfter > c.Pipeline.MaxStageAttempts {
		return fmt.Errorf("pipeline.long_running_after must be between 1 and pipeline.max_stage_attempts")
	}
	switch c.Storage.Snapshot {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Local.SnapshotPath == "" {
			return fmt.Errorf("storage.local.snapshot_path is required for the local snapshot backend")
		}
	case BackendSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for the sqlite snapshot backend")
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres snapshot backend")
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs snapshot backend")
		}
	default:
		return fmt.Errorf("storage.snapshot must be one of memory, local, sqlite, postgres, gcs")
	}
	switch c.Storage.Blobs {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local blob backend")
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs blob backend")
		}
	default:
		return fmt.Errorf("storage.blobs must be one of memory, local, gcs")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set when pubsub is enabled")
	}
	return nil
}

// UsesGCS reports whether any backend needs a Cloud Storage client.
func (c Config) UsesGCS() bool {
	return c.Storage.Snapshot == BackendGCS || c.Storage.Blobs == BackendGCS
}
