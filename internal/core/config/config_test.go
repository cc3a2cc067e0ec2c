package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8181" {
		t.Fatalf("addr=%q", cfg.Addr)
	}
	if cfg.RendererCache.ErrorCooldown != 5*time.Second {
		t.Fatalf("error cooldown=%s", cfg.RendererCache.ErrorCooldown)
	}
	if cfg.DefaultDB != "main" || cfg.Redis.LayergroupTTL != 24*time.Hour {
		t.Fatalf("default_db=%q layergroup_ttl=%s", cfg.DefaultDB, cfg.Redis.LayergroupTTL)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Fatalf("metrics path=%q", cfg.Metrics.Path)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tileforge.yaml")
	yml := `
addr: ":9000"
renderer_cache:
  ttl: 2m
  capacity: 10
limits:
  render: 3s
http_layers:
  whitelist:
    - "http://{s}.basemaps.example.com/{z}/{x}/{y}.png"
datasources:
  main:
    dsn: "postgres://localhost/main"
    pool_size: 4
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("TILEFORGE_RENDERER_CACHE_CAPACITY", "42")
	t.Setenv("TILEFORGE_LIMITS_CACHE_ON_TIMEOUT", "true")
	t.Setenv("TILEFORGE_INVALIDATION_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("addr=%q", cfg.Addr)
	}
	if cfg.RendererCache.TTL != 2*time.Minute {
		t.Fatalf("ttl=%s", cfg.RendererCache.TTL)
	}
	if cfg.RendererCache.Capacity != 42 {
		t.Fatalf("capacity=%d", cfg.RendererCache.Capacity)
	}
	if cfg.Limits.Render != 3*time.Second || !cfg.Limits.CacheOnTimeout {
		t.Fatalf("limits=%+v", cfg.Limits)
	}
	if len(cfg.HTTPLayers.Whitelist) != 1 {
		t.Fatalf("whitelist=%v", cfg.HTTPLayers.Whitelist)
	}
	if got := strings.Join(cfg.Invalidation.Brokers, "|"); got != "k1:9092|k2:9092" {
		t.Fatalf("brokers=%q", got)
	}
	ds, ok := cfg.Datasources["main"]
	if !ok || ds.DSN != "postgres://localhost/main" || ds.PoolSize != 4 {
		t.Fatalf("datasources=%+v", cfg.Datasources)
	}
}

func TestEnvKey(t *testing.T) {
	cases := []struct{ in, want string }{
		{"TILEFORGE_ADDR", "addr"},
		{"TILEFORGE_DEFAULT_DB", "default_db"},
		{"TILEFORGE_REDIS_LAYERGROUP_TTL", "redis.layergroup_ttl"},
		{"TILEFORGE_LOG_LEVEL", "log.level"},
		{"TILEFORGE_RENDERER_CACHE_TTL", "renderer_cache.ttl"},
		{"TILEFORGE_TILE_CACHE_ENABLED", "tile_cache.enabled"},
		{"TILEFORGE_HTTP_LAYERS_FALLBACK_IMAGE", "http_layers.fallback_image"},
		{"TILEFORGE_DATASOURCES_MAIN_DSN", "datasources.main.dsn"},
		{"TILEFORGE_DATASOURCES_GIS_POOL_SIZE", "datasources.gis.pool_size"},
		{"TILEFORGE_UNKNOWN", ""},
		{"TILEFORGE_DATASOURCES_DSN", ""},
	}
	for _, c := range cases {
		if got := envKey(c.in); got != c.want {
			t.Fatalf("envKey(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.RendererCache.Capacity = 0
	cfg.Datasources = map[string]Datasource{"main": {}}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "renderer_cache.capacity") || !strings.Contains(msg, "datasources.main.dsn") {
		t.Fatalf("unexpected error: %v", err)
	}
}
