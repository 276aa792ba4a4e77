package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/sayonatsu/herald/errors"
)

const (
	envPrefix      = "HERALD"
	configFileName = "herald.toml"

	dirPermissions = 0o755
)

var (
	globalConfig  *Config
	viperInstance *viper.Viper
)

// Load reads the herald configuration using Viper. The result is cached;
// call Reset to force a reload (tests, config watcher).
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &cfg
	return globalConfig, nil
}

// LoadFromFile loads configuration from a specific file path, applying
// defaults but not environment variables.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}
	return &cfg, nil
}

// GetViper returns the shared Viper instance for advanced access.
func GetViper() *viper.Viper {
	return initViper()
}

// Reset clears the cached configuration.
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about, so
	// sensitive values with no default get explicit bindings.
	v.BindEnv("openrouter.api_key")
	v.BindEnv("vrchat.group_id")

	SetDefaults(v)
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

func newDefaultViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

// findProjectConfig searches for herald.toml by walking up from the working
// directory.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, configFileName)
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// UserConfigPath returns ~/.herald/herald.toml, creating the directory.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	heraldDir := filepath.Join(home, ".herald")
	os.MkdirAll(heraldDir, dirPermissions)
	return filepath.Join(heraldDir, configFileName)
}

// mergeConfigFiles merges configuration files in precedence order
// (lowest to highest): system < user < project.
func mergeConfigFiles(v *viper.Viper) {
	paths := []string{
		filepath.Join("/etc/herald", configFileName),
	}
	if user := UserConfigPath(); user != "" {
		paths = append(paths, user)
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, project)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}

		layer := viper.New()
		layer.SetConfigFile(path)
		layer.SetConfigType("toml")
		if err := layer.ReadInConfig(); err != nil {
			continue
		}
		for key, value := range layer.AllSettings() {
			v.Set(key, value)
		}
	}
}
