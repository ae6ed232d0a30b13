package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape of the consumer's YAML configuration
// file, mirroring the teacher's flat AWS/stream/consumer sections.
type fileConfig struct {
	AWS struct {
		Region    string `yaml:"region"`
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
	} `yaml:"aws"`
	Log struct {
		Name          string `yaml:"name"`
		ConsumerGroup string `yaml:"consumer_group"`
	} `yaml:"log"`
	Consumer struct {
		UseEnhancedFanOut      bool `yaml:"use_enhanced_fan_out"`
		UseAutoCheckpoints     bool `yaml:"use_auto_checkpoints"`
		UseAutoShardAssignment bool `yaml:"use_auto_shard_assignment"`
		Limit                  int  `yaml:"limit"`
	} `yaml:"consumer"`
}

func loadConfig(path string) (*fileConfig, error) {
	if path == "" {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
