// Package config holds the tile server configuration and loads it from
// defaults, an optional YAML file and TILEFORGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type LogCfg struct {
	Level   string `koanf:"level"`
	Console bool   `koanf:"console"`
	SampleN int    `koanf:"sample_n"`
}

type Datasource struct {
	DSN      string `koanf:"dsn"`
	PoolSize int    `koanf:"pool_size"`
}

type RendererCacheCfg struct {
	TTL           time.Duration `koanf:"ttl"`
	Capacity      int           `koanf:"capacity"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	ErrorCooldown time.Duration `koanf:"error_cooldown"`
}

type LimitsCfg struct {
	Render         time.Duration `koanf:"render"`
	CacheOnTimeout bool          `koanf:"cache_on_timeout"`
}

type HTTPLayersCfg struct {
	Whitelist     []string      `koanf:"whitelist"`
	FallbackImage string        `koanf:"fallback_image"`
	Timeout       time.Duration `koanf:"timeout"`
}

type EngineCfg struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

type RedisCfg struct {
	Addr          string        `koanf:"addr"`
	OpTimeout     time.Duration `koanf:"op_timeout"`
	LayergroupTTL time.Duration `koanf:"layergroup_ttl"`
}

type TileCacheCfg struct {
	Enabled bool          `koanf:"enabled"`
	TTL     time.Duration `koanf:"ttl"`
}

type InvalidationCfg struct {
	Enabled       bool     `koanf:"enabled"`
	Brokers       []string `koanf:"brokers"`
	Topic         string   `koanf:"topic"`
	GroupID       string   `koanf:"group_id"`
	InitialOldest bool     `koanf:"initial_oldest"`
	TLS           bool     `koanf:"tls"`
	TLSCAFile     string   `koanf:"tls_ca_file"`
	TLSSkipVerify bool     `koanf:"tls_skip_verify"`
	SASLMechanism string   `koanf:"sasl_mechanism"`
	SASLUsername  string   `koanf:"sasl_username"`
	SASLPassword  string   `koanf:"sasl_password"`
}

type MetricsCfg struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
	Path    string `koanf:"path"`
}

type Config struct {
	Addr          string                `koanf:"addr"`
	DefaultDB     string                `koanf:"default_db"`
	Log           LogCfg                `koanf:"log"`
	Datasources   map[string]Datasource `koanf:"datasources"`
	RendererCache RendererCacheCfg      `koanf:"renderer_cache"`
	Limits        LimitsCfg             `koanf:"limits"`
	HTTPLayers    HTTPLayersCfg         `koanf:"http_layers"`
	Engine        EngineCfg             `koanf:"engine"`
	Redis         RedisCfg              `koanf:"redis"`
	TileCache     TileCacheCfg          `koanf:"tile_cache"`
	Invalidation  InvalidationCfg       `koanf:"invalidation"`
	Metrics       MetricsCfg            `koanf:"metrics"`
}

func Defaults() Config {
	return Config{
		Addr:      ":8181",
		DefaultDB: "main",
		Log:       LogCfg{Level: "info"},
		RendererCache: RendererCacheCfg{
			TTL:           60 * time.Second,
			Capacity:      128,
			SweepInterval: 10 * time.Second,
			ErrorCooldown: 5 * time.Second,
		},
		Limits: LimitsCfg{
			Render: 30 * time.Second,
		},
		HTTPLayers: HTTPLayersCfg{
			Timeout: 5 * time.Second,
		},
		Engine: EngineCfg{
			Timeout: 20 * time.Second,
		},
		Redis: RedisCfg{
			Addr:          "localhost:6379",
			OpTimeout:     250 * time.Millisecond,
			LayergroupTTL: 24 * time.Hour,
		},
		TileCache: TileCacheCfg{
			TTL: 60 * time.Second,
		},
		Invalidation: InvalidationCfg{
			Brokers: []string{"localhost:9092"},
			Topic:   "tileforge-invalidation",
			GroupID: "tileforge-invalidator",
		},
		Metrics: MetricsCfg{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if strings.TrimSpace(c.DefaultDB) == "" {
		errs = append(errs, errors.New("default_db must not be empty"))
	}
	if c.RendererCache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("renderer_cache.ttl must be positive, got %s", c.RendererCache.TTL))
	}
	if c.RendererCache.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("renderer_cache.capacity must be positive, got %d", c.RendererCache.Capacity))
	}
	if c.RendererCache.ErrorCooldown < 0 {
		errs = append(errs, errors.New("renderer_cache.error_cooldown must not be negative"))
	}
	if c.Limits.Render < 0 {
		errs = append(errs, errors.New("limits.render must not be negative"))
	}
	for name, ds := range c.Datasources {
		if strings.TrimSpace(ds.DSN) == "" {
			errs = append(errs, fmt.Errorf("datasources.%s.dsn must not be empty", name))
		}
	}
	if c.Invalidation.Enabled {
		if len(c.Invalidation.Brokers) == 0 {
			errs = append(errs, errors.New("invalidation.brokers required when invalidation is enabled"))
		}
		if c.Invalidation.Topic == "" {
			errs = append(errs, errors.New("invalidation.topic required when invalidation is enabled"))
		}
	}
	if c.TileCache.Enabled && c.TileCache.TTL <= 0 {
		errs = append(errs, errors.New("tile_cache.ttl must be positive when the tile cache is enabled"))
	}
	return errors.Join(errs...)
}
