package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds file-based defaults; command-line flags override it.
type Config struct {
	Host      string   `yaml:"host"`
	Port      int      `yaml:"port"`
	TimeoutMS int      `yaml:"timeout_ms"`
	Debug     bool     `yaml:"debug"`
	Etcd      []string `yaml:"etcd"`
	Cluster   string   `yaml:"cluster"`
}

func defaultConfig() *Config {
	return &Config{
		Host:      "localhost",
		Port:      4730,
		TimeoutMS: -1,
		Cluster:   "default",
	}
}

// loadConfig reads a YAML config file; an empty path returns the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
