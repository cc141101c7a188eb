package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dusk-indust/stagewatch/internal/layout"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by WithDefaults.
const (
	DefaultListenAddr = ":8420"
	DefaultRecipeDir  = "recipes"
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "console"
)

// envPrefix prefixes every environment override.
const envPrefix = "STAGEWATCH_"

// ProjectConfig holds settings loaded from stagewatch.yml.
type ProjectConfig struct {
	// Stages is the ordered process template.
	Stages    []string `yaml:"stages,omitempty"`
	RecipeDir string   `yaml:"recipeDir,omitempty"`

	RedisURL string        `yaml:"redisUrl,omitempty"`
	RedisTTL time.Duration `yaml:"redisTtl,omitempty"`

	Layout layout.Options `yaml:"layout,omitempty"`

	ListenAddr    string `yaml:"listenAddr,omitempty"`
	MCPListenAddr string `yaml:"mcpListenAddr,omitempty"`

	LogLevel  string `yaml:"logLevel,omitempty"`
	LogFormat string `yaml:"logFormat,omitempty"`
}

// Load attempts to read stagewatch.yml or stagewatch.yaml from the given
// directory. Returns a zero-value config (not an error) if no config file
// exists.
func Load(dir string) (*ProjectConfig, error) {
	for _, name := range []string{"stagewatch.yml", "stagewatch.yaml"} {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var cfg ProjectConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		return &cfg, nil
	}
	return &ProjectConfig{}, nil
}

// LoadEnv loads KEY=value pairs from dir/.env into the process environment.
// Variables already set win. A missing file is not an error.
func LoadEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// LoadAll loads dir/.env, then the config file, then applies STAGEWATCH_*
// overrides and defaults.
func LoadAll(dir string) (*ProjectConfig, error) {
	if err := LoadEnv(dir); err != nil {
		return nil, err
	}
	cfg, err := Load(dir)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.WithDefaults()
	return cfg, nil
}

// ApplyEnv overrides fields from STAGEWATCH_* variables:
// STAGES (comma separated), RECIPE_DIR, REDIS_URL, REDIS_TTL (duration),
// LISTEN_ADDR, MCP_LISTEN_ADDR, LOG_LEVEL, LOG_FORMAT and LAYER_SPACING.
func (c *ProjectConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(envPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	if v, ok := get("STAGES"); ok {
		c.Stages = splitList(v)
	}
	if v, ok := get("RECIPE_DIR"); ok {
		c.RecipeDir = v
	}
	if v, ok := get("REDIS_URL"); ok {
		c.RedisURL = v
	}
	if v, ok := get("REDIS_TTL"); ok {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %sREDIS_TTL: %w", envPrefix, err)
		}
		c.RedisTTL = ttl
	}
	if v, ok := get("LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := get("MCP_LISTEN_ADDR"); ok {
		c.MCPListenAddr = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	if v, ok := get("LAYER_SPACING"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: %sLAYER_SPACING: %w", envPrefix, err)
		}
		c.Layout.LayerSpacing = f
	}
	return nil
}

// WithDefaults fills unset fields.
func (c *ProjectConfig) WithDefaults() {
	if c.RecipeDir == "" {
		c.RecipeDir = DefaultRecipeDir
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
