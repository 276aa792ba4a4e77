package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/sayonatsu/herald/errors"
)

const filePermissions = 0o644

// Render serializes a config to TOML.
func Render(cfg *Config) ([]byte, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to render config")
	}
	return data, nil
}

// WriteDefault writes a config file populated with defaults to path.
// Refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("config file %s already exists", path)
	}

	v := newDefaultViper()
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return errors.Wrap(err, "failed to build default config")
	}

	data, err := Render(&cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, filePermissions); err != nil {
		return errors.Wrapf(err, "failed to write config file %s", path)
	}
	return nil
}
