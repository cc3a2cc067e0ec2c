package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix         = "TILEFORGE_"
	ConfigPathEnvVar  = "CONFIG_PATH"
	defaultConfigFile = "tileforge.yaml"
)

var sections = []string{
	"log",
	"renderer_cache",
	"limits",
	"http_layers",
	"engine",
	"redis",
	"tile_cache",
	"invalidation",
	"metrics",
}

var sliceConfigPaths = []string{
	"http_layers.whitelist",
	"invalidation.brokers",
}

// Load layers defaults, the optional config file and the environment, in
// that order of precedence, then validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

// envKey maps TILEFORGE_RENDERER_CACHE_TTL to renderer_cache.ttl and
// TILEFORGE_DATASOURCES_MAIN_POOL_SIZE to datasources.main.pool_size.
// Unknown variables map to "" and are skipped.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if key == "addr" || key == "default_db" {
		return key
	}

	if rest, ok := strings.CutPrefix(key, "datasources_"); ok {
		for _, field := range []string{"pool_size", "dsn"} {
			if db, ok := strings.CutSuffix(rest, "_"+field); ok && db != "" {
				return "datasources." + db + "." + field
			}
		}
		return ""
	}

	sorted := append([]string(nil), sections...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	for _, sec := range sorted {
		if rest, ok := strings.CutPrefix(key, sec+"_"); ok && rest != "" {
			return sec + "." + rest
		}
	}
	return ""
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}
