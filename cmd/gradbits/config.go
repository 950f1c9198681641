package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the gradbits configuration file
// (~/.config/gradbits/config.yaml). Numeric fields are pointers so
// "not set" stays distinguishable from zero.
type Config struct {
	Workers   *int64 `yaml:"workers"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`

	// Path to a parameter override file applied by train-step when the
	// --overrides flag is not given.
	OverridesPath string `yaml:"overrides_path"`
}

func configFilePath() string {
	if cfgPath != "" {
		return cfgPath
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "gradbits", "config.yaml")
}

// applyGlobalConfig applies config file defaults to the global flag
// variables when the corresponding CLI flag was not explicitly set.
func applyGlobalConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or doesn't parse; an explicit --config path reports
// both instead.
func LoadConfig() (Config, error) {
	path := configFilePath()
	if path == "" {
		return Config{}, nil
	}
	explicit := cfgPath != ""
	data, err := os.ReadFile(path)
	if err != nil {
		if explicit {
			return Config{}, err
		}
		return Config{}, nil
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		if explicit {
			return Config{}, err
		}
		return Config{}, nil
	}
	return cfg, nil
}
