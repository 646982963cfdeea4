// Package config loads the gateway configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v2"

	"github.com/biome/gateway/internal/engine"
	"github.com/biome/gateway/internal/imaging"
	"github.com/biome/gateway/internal/safety"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Engine EngineConfig `yaml:"engine"`
	Seeds  SeedsConfig  `yaml:"seeds"`
	Safety SafetyConfig `yaml:"safety"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type EngineConfig struct {
	DefaultModel    string    `yaml:"default_model"`
	Device          string    `yaml:"device"`
	NFrames         int       `yaml:"n_frames"`
	AEURI           string    `yaml:"ae_uri"`
	SchedulerSigmas []float64 `yaml:"scheduler_sigmas"`
	Quant           string    `yaml:"quant"`
	JPEGQuality     int       `yaml:"jpeg_quality"`
	DefaultPrompt   string    `yaml:"default_prompt"`
}

type SeedsConfig struct {
	// Root is the data directory; seed paths derive from it.
	Root string `yaml:"root"`
	// DefaultSeed is the filename tried when a client names none.
	DefaultSeed string `yaml:"default_seed"`
	// LocalDir is a development directory whose seeds are copied into the
	// default directory on first run.
	LocalDir string `yaml:"local_dir"`
	// WatchEnabled turns on filesystem watching of the seed directories.
	WatchEnabled bool `yaml:"watch_enabled"`
	// HashWorkers bounds parallel hashing during bulk scans.
	HashWorkers int `yaml:"hash_workers"`
}

type SafetyConfig struct {
	BatchSize int `yaml:"batch_size"`
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 7987,
		},
		Engine: EngineConfig{
			DefaultModel:    engine.DefaultModelURI,
			Device:          "cuda",
			NFrames:         engine.DefaultNFrames,
			AEURI:           engine.DefaultAEURI,
			SchedulerSigmas: engine.DefaultSchedulerSigmas,
			JPEGQuality:     imaging.DefaultJPEGQuality,
		},
		Seeds: SeedsConfig{
			Root:         "data",
			DefaultSeed:  "default.png",
			LocalDir:     "seeds",
			WatchEnabled: true,
			HashWorkers:  4,
		},
		Safety: SafetyConfig{
			BatchSize: safety.DefaultBatchSize,
		},
	}
}

// Load reads the YAML config at path over the defaults. A missing file is
// not an error; the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		cfg.ApplyEnv()
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides selected fields from BIOME_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("BIOME_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("BIOME_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("BIOME_DEFAULT_MODEL"); v != "" {
		c.Engine.DefaultModel = v
	}
	if v := os.Getenv("BIOME_DEVICE"); v != "" {
		c.Engine.Device = v
	}
	if v := os.Getenv("BIOME_SEEDS_ROOT"); v != "" {
		c.Seeds.Root = v
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Derived filesystem layout under the seeds root.

func (c *Config) WorldEngineDir() string {
	return filepath.Join(c.Seeds.Root, "world_engine")
}

func (c *Config) DefaultSeedDir() string {
	return filepath.Join(c.WorldEngineDir(), "seeds", "default")
}

func (c *Config) UploadsSeedDir() string {
	return filepath.Join(c.WorldEngineDir(), "seeds", "uploads")
}

func (c *Config) SnapshotPath() string {
	return filepath.Join(c.WorldEngineDir(), ".seeds_cache.bin")
}
