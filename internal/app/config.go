package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the PawSync daemon.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Local     LocalConfig     `mapstructure:"local"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Partition PartitionConfig `mapstructure:"partition"`
	// Collections declares the replicated collections.
	Collections []CollectionConfig `mapstructure:"collections"`
	// Tabs maps tab names to raw strategy descriptors, decoded by the
	// strategy package at bootstrap.
	Tabs map[string]map[string]any `mapstructure:"tabs"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// LocalConfig describes the embedded replica database.
type LocalConfig struct {
	Path string `mapstructure:"path"`
	DSN  string `mapstructure:"dsn"`
}

// RemoteConfig describes the remote relational backend.
type RemoteConfig struct {
	Driver   string            `mapstructure:"driver"`
	DSN      string            `mapstructure:"dsn"`
	Host     string            `mapstructure:"host"`
	Port     int               `mapstructure:"port"`
	User     string            `mapstructure:"user"`
	Password string            `mapstructure:"password"`
	Database string            `mapstructure:"database"`
	Options  map[string]string `mapstructure:"options"`
}

// FeedConfig describes the remote realtime change feed.
type FeedConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// SyncConfig tunes the replication engine.
type SyncConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	OverlapWindow   time.Duration `mapstructure:"overlap_window"`
	PullConcurrency int           `mapstructure:"pull_concurrency"`
	Debounce        time.Duration `mapstructure:"debounce"`
	PullSchedule    string        `mapstructure:"pull_schedule"`
}

// CacheConfig tunes the dictionary cache.
type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
	RetryAfter    time.Duration `mapstructure:"retry_after"`
}

// PartitionConfig seeds the active partition scope.
type PartitionConfig struct {
	Keys []string `mapstructure:"keys"`
}

// CollectionConfig declares one replicated collection.
type CollectionConfig struct {
	Name           string `mapstructure:"name"`
	RemoteTable    string `mapstructure:"remote_table"`
	IDField        string `mapstructure:"id_field"`
	NameField      string `mapstructure:"name_field"`
	ParentField    string `mapstructure:"parent_field"`
	PartitionField string `mapstructure:"partition_field"`
	UpdatedField   string `mapstructure:"updated_field"`
	DeletedField   string `mapstructure:"deleted_field"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("PAWSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8600)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("local.path", "./data/pawsync.sqlite")

	v.SetDefault("remote.driver", "postgres")

	v.SetDefault("feed.enabled", false)

	v.SetDefault("sync.batch_size", 200)
	v.SetDefault("sync.overlap_window", "5s")
	v.SetDefault("sync.pull_concurrency", 3)
	v.SetDefault("sync.debounce", "1s")
	v.SetDefault("sync.pull_schedule", "@every 1m")

	v.SetDefault("cache.ttl", "336h") // 14 days
	v.SetDefault("cache.sweep_schedule", "@every 24h")
	v.SetDefault("cache.retry_after", "30s")
}
