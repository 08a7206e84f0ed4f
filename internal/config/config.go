// Package config loads tapedeck's configuration: defaults, then an optional
// yaml config file, then TAPEDECK_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/viper"
)

// Config holds all runtime knobs.
type Config struct {
	// CacheDir holds downloaded blobs and the cache index.
	CacheDir string `env:"TAPEDECK_CACHE_DIR"`

	// CacheCapacity is a human-readable size limit, e.g. "1GB" or "512MB".
	CacheCapacity string `env:"TAPEDECK_CACHE_CAPACITY"`

	// ScratchDir receives in-progress downloads before they move to cache.
	// Empty means a per-run temp directory.
	ScratchDir string `env:"TAPEDECK_SCRATCH_DIR"`

	// HistoryFile records played tracks.
	HistoryFile string `env:"TAPEDECK_HISTORY_FILE"`

	PrefetchDepth   int `env:"TAPEDECK_PREFETCH_DEPTH"`
	PrefetchWorkers int `env:"TAPEDECK_PREFETCH_WORKERS"`

	// SearchLimit bounds free-text search results.
	SearchLimit int `env:"TAPEDECK_SEARCH_LIMIT"`

	// PollInterval is the playback position poll period.
	PollInterval time.Duration `env:"TAPEDECK_POLL_INTERVAL"`
}

// CapacityBytes parses CacheCapacity into a byte count.
func (c Config) CapacityBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.CacheCapacity)
	if err != nil {
		return 0, fmt.Errorf("invalid cache capacity %q: %w", c.CacheCapacity, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("cache capacity must be positive, got %q", c.CacheCapacity)
	}
	return int64(n), nil
}

// Load resolves the configuration: viper defaults, then tapedeck.yml from the
// usual config directories, then environment variables.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("cache.dir", defaultCacheDir())
	v.SetDefault("cache.capacity", "1GB")
	v.SetDefault("scratch.dir", "")
	v.SetDefault("history.file", defaultHistoryFile())
	v.SetDefault("prefetch.depth", 3)
	v.SetDefault("prefetch.workers", 2)
	v.SetDefault("search.limit", 10)
	v.SetDefault("poll.interval", "500ms")

	for _, dir := range configDirs() {
		v.AddConfigPath(dir)
	}
	v.SetConfigName("tapedeck")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("could not read config: %w", err)
		}
	}

	cfg := Config{
		CacheDir:        v.GetString("cache.dir"),
		CacheCapacity:   v.GetString("cache.capacity"),
		ScratchDir:      v.GetString("scratch.dir"),
		HistoryFile:     v.GetString("history.file"),
		PrefetchDepth:   v.GetInt("prefetch.depth"),
		PrefetchWorkers: v.GetInt("prefetch.workers"),
		SearchLimit:     v.GetInt("search.limit"),
		PollInterval:    v.GetDuration("poll.interval"),
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("could not parse environment: %w", err)
	}

	var err error
	if cfg.CacheDir, err = homedir.Expand(cfg.CacheDir); err != nil {
		return Config{}, fmt.Errorf("invalid cache dir: %w", err)
	}
	if cfg.ScratchDir, err = homedir.Expand(cfg.ScratchDir); err != nil {
		return Config{}, fmt.Errorf("invalid scratch dir: %w", err)
	}
	if cfg.HistoryFile, err = homedir.Expand(cfg.HistoryFile); err != nil {
		return Config{}, fmt.Errorf("invalid history file: %w", err)
	}

	if _, err := cfg.CapacityBytes(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configDirs lists directories searched for tapedeck.yml, most specific
// first.
func configDirs() []string {
	var dirs []string

	if c := os.Getenv("TAPEDECK_CONFIG_HOME"); c != "" {
		dirs = append(dirs, c)
	}
	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append(dirs, filepath.Join(c, "tapedeck"))
	}

	scope := gap.NewScope(gap.User, "tapedeck")
	if scoped, err := scope.ConfigDirs(); err == nil {
		dirs = append(dirs, scoped...)
	}
	return dirs
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "tapedeck")
	}
	return filepath.Join(os.TempDir(), "tapedeck-cache")
}

func defaultHistoryFile() string {
	scope := gap.NewScope(gap.User, "tapedeck")
	if path, err := scope.DataPath("history.json"); err == nil {
		return path
	}
	return filepath.Join(defaultCacheDir(), "history.json")
}
