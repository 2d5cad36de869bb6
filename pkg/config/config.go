package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Features toggles rollout-gated behavior. Services receive them at construction.
type Features struct {
	QueueMaintenanceEnabled  bool `mapstructure:"queue_maintenance_enabled"`
	AcceptTraceEnabled       bool `mapstructure:"accept_trace_enabled"`
	TraceOverwriteEnabled    bool `mapstructure:"trace_overwrite_enabled"`
	DropBuildsWithoutRunners bool `mapstructure:"drop_builds_without_runners"`
	PreloadRunnerTags        bool `mapstructure:"preload_runner_tags"`
}

// DefaultFeatures has every feature enabled.
func DefaultFeatures() Features {
	return Features{
		QueueMaintenanceEnabled:  true,
		AcceptTraceEnabled:       true,
		TraceOverwriteEnabled:    true,
		DropBuildsWithoutRunners: true,
		PreloadRunnerTags:        true,
	}
}

// ObjectStoreConfig points at the S3-compatible bucket holding archived trace chunks.
// An empty endpoint keeps archives in memory.
type ObjectStoreConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// ServerConfig captures runtime settings for the CI server.
type ServerConfig struct {
	ListenAddr              string            `mapstructure:"listen_addr"`
	DatabaseURL             string            `mapstructure:"database_url"`
	RedisURL                string            `mapstructure:"redis_url"`
	ObjectStore             ObjectStoreConfig `mapstructure:"object_store"`
	LogLevel                string            `mapstructure:"log_level"`
	LogFormat               string            `mapstructure:"log_format"`
	RequestTimeout          time.Duration     `mapstructure:"request_timeout"`
	ScheduledWorkerInterval time.Duration     `mapstructure:"scheduled_worker_interval"`
	TracePersistWorkers     int               `mapstructure:"trace_persist_workers"`
	TracingEnabled          bool              `mapstructure:"tracing_enabled"`
	TraceSampleRatio        float64           `mapstructure:"trace_sample_ratio"`
	Features                Features          `mapstructure:"features"`
}

// LoadServer loads server configuration from defaults, files, and env vars.
// Env vars use the CI_ prefix with dots replaced by underscores, e.g. CI_FEATURES_ACCEPT_TRACE_ENABLED.
func LoadServer() (ServerConfig, error) {
	return load(viper.New(), "./configs")
}

func load(v *viper.Viper, paths ...string) (ServerConfig, error) {
	v.SetConfigName("config")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("CI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("object_store.endpoint", "")
	v.SetDefault("object_store.bucket", "ci-traces")
	v.SetDefault("object_store.access_key", "")
	v.SetDefault("object_store.secret_key", "")
	v.SetDefault("object_store.use_ssl", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("scheduled_worker_interval", time.Minute)
	v.SetDefault("trace_persist_workers", 4)
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("trace_sample_ratio", 1.0)

	defaults := DefaultFeatures()
	v.SetDefault("features.queue_maintenance_enabled", defaults.QueueMaintenanceEnabled)
	v.SetDefault("features.accept_trace_enabled", defaults.AcceptTraceEnabled)
	v.SetDefault("features.trace_overwrite_enabled", defaults.TraceOverwriteEnabled)
	v.SetDefault("features.drop_builds_without_runners", defaults.DropBuildsWithoutRunners)
	v.SetDefault("features.preload_runner_tags", defaults.PreloadRunnerTags)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return ServerConfig{}, errors.Wrap(err, "load config")
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, errors.Wrap(err, "unmarshal config")
	}
	if cfg.TracePersistWorkers < 1 {
		cfg.TracePersistWorkers = 1
	}
	return cfg, nil
}
