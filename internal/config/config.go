// Package config resolves rollbook settings from three layers: built-in
// defaults, an optional YAML config file, and ROLLBOOK_* environment
// variables. Later layers win.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "ROLLBOOK"

// Config is the resolved application configuration.
type Config struct {
	// DBPath is the offline queue database file.
	DBPath string `mapstructure:"db_path"`

	// StorePath is the file-backed remote store document.
	StorePath string `mapstructure:"store_path"`

	// CalendarPath is a CUE calendar file or directory of them.
	CalendarPath string `mapstructure:"calendar_path"`

	// OwnerID identifies the teacher whose records these are.
	OwnerID string `mapstructure:"owner_id"`

	// RemoteTimeout bounds each remote write attempt.
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`

	// Offline forces the engine to treat the remote store as unreachable.
	Offline bool `mapstructure:"offline"`

	// Verbose enables debug logging.
	Verbose bool `mapstructure:"verbose"`
}

// Load resolves the configuration. path names an explicit config file;
// when empty, rollbook.yaml is searched in the data dir and the working
// directory, and a missing file is fine.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	home := DataDir()
	v.SetDefault("db_path", filepath.Join(home, "queue.db"))
	v.SetDefault("store_path", filepath.Join(home, "remote.json"))
	v.SetDefault("calendar_path", filepath.Join(home, "calendar"))
	v.SetDefault("owner_id", "")
	v.SetDefault("remote_timeout", 10*time.Second)
	v.SetDefault("offline", false)
	v.SetDefault("verbose", false)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("rollbook")
		v.SetConfigType("yaml")
		v.AddConfigPath(home)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// DataDir is where rollbook keeps its files by default. ROLLBOOK_HOME
// overrides it, which tests rely on.
func DataDir() string {
	if dir := os.Getenv(envPrefix + "_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".rollbook")
}

// EnsureDirs creates the parent directories of the configured file paths.
func (c Config) EnsureDirs() error {
	for _, p := range []string{c.DBPath, c.StorePath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", p, err)
		}
	}
	return nil
}
