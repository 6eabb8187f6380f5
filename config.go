package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andresbrocco/cloud-data-warehouse/blobstore"
)

// Config holds all configuration for the warehouse ETL service.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Blob      BlobConfig      `yaml:"blob"`

	// SchemaPath points at the declarative dimension/fact schema file.
	SchemaPath string `yaml:"schema_path"`
}

// ServiceConfig contains service-level settings.
type ServiceConfig struct {
	Name               string `yaml:"name"`
	HealthPort         string `yaml:"health_port"`
	RunIntervalMinutes int    `yaml:"run_interval_minutes"`
}

// WarehouseConfig selects the relational engine.
type WarehouseConfig struct {
	Driver string `yaml:"driver"` // duckdb or postgres
	DSN    string `yaml:"dsn"`
}

// BlobConfig selects the object store backend.
type BlobConfig struct {
	Backend  string             `yaml:"backend"` // s3 or fs
	Prefix   string             `yaml:"prefix"`  // object prefix the sources live under
	S3       blobstore.S3Config `yaml:"s3"`
	LocalDir string             `yaml:"local_dir"` // fs backend root
}

// LoadConfig loads configuration from a YAML file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Set defaults
	if config.Service.Name == "" {
		config.Service.Name = "warehouse-etl"
	}
	if config.Service.HealthPort == "" {
		config.Service.HealthPort = "8095"
	}
	if config.Service.RunIntervalMinutes == 0 {
		config.Service.RunIntervalMinutes = 60
	}
	if config.Warehouse.Driver == "" {
		config.Warehouse.Driver = "duckdb"
	}
	if config.Blob.Backend == "" {
		config.Blob.Backend = "s3"
	}
	if config.SchemaPath == "" {
		config.SchemaPath = "warehouse.yaml"
	}

	return &config, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Warehouse.Driver != "duckdb" && c.Warehouse.Driver != "postgres" {
		return fmt.Errorf("warehouse.driver must be duckdb or postgres, got %q", c.Warehouse.Driver)
	}
	if c.Warehouse.Driver == "postgres" && c.Warehouse.DSN == "" {
		return fmt.Errorf("warehouse.dsn is required for the postgres driver")
	}
	switch c.Blob.Backend {
	case "s3":
		if c.Blob.S3.Endpoint == "" {
			return fmt.Errorf("blob.s3.endpoint is required")
		}
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob.s3.bucket is required")
		}
	case "fs":
		if c.Blob.LocalDir == "" {
			return fmt.Errorf("blob.local_dir is required for the fs backend")
		}
	default:
		return fmt.Errorf("blob.backend must be s3 or fs, got %q", c.Blob.Backend)
	}
	if c.Service.RunIntervalMinutes < 1 {
		return fmt.Errorf("service.run_interval_minutes must be at least 1")
	}
	return nil
}

// RunInterval returns the scheduled-mode interval as a Duration.
func (c *Config) RunInterval() time.Duration {
	return time.Duration(c.Service.RunIntervalMinutes) * time.Minute
}
