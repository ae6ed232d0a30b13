package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape of the producer's YAML configuration
// file, mirroring the teacher's flat AWS/stream/producer sections.
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
	Producer struct {
		BatchSize     int `yaml:"batch_size"`
		BatchDelayMs  int `yaml:"batch_delay_ms"`
		TotalMessages int `yaml:"total_messages"`
		NumShards     int `yaml:"num_shards"`
	} `yaml:"producer"`
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

func (c *fileConfig) batchDelay() time.Duration {
	return time.Duration(c.Producer.BatchDelayMs) * time.Millisecond
}
