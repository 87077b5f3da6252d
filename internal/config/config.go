package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when STACKBACK_CONFIG is not set.
const DefaultPath = "/etc/stackback/config.yaml"

// Config holds every setting the backup and restore runs need. It is
// constructed once in main and passed into each component; nothing reads
// global state after startup.
type Config struct {
	// Object store settings. Bucket, prefix and region are required.
	Bucket       string `yaml:"bucket" validate:"required"`
	Prefix       string `yaml:"prefix" validate:"required"`
	Region       string `yaml:"region" validate:"required"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`

	// Host layout.
	SitesDir     string `yaml:"sites_dir"`
	NginxConfDir string `yaml:"nginx_conf_dir"`
	ScratchDir   string `yaml:"scratch_dir"`
	LogDir       string `yaml:"log_dir"`
	LogLevel     string `yaml:"log_level"`

	// SiteOwner is applied to restored site trees ("user:group").
	SiteOwner string `yaml:"site_owner"`

	// MySQLDSN is the DSN used to derive mysql/mysqldump CLI arguments.
	MySQLDSN string `yaml:"mysql_dsn"`

	// DenyDatabases are never backed up. Defaults to the system catalogs.
	DenyDatabases []string `yaml:"deny_databases"`
}

var validate = validator.New()

// Load reads and validates the configuration file at path. A missing file or
// a missing required key is an error; the caller treats it as a prerequisite
// failure and aborts before any side effect.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{
		SitesDir:     "/sites",
		NginxConfDir: "/etc/nginx",
		ScratchDir:   "/var/tmp/stackback",
		LogDir:       "/var/log/stackback",
		LogLevel:     "info",
		SiteOwner:    "www-data:www-data",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if len(cfg.DenyDatabases) == 0 {
		cfg.DenyDatabases = []string{"information_schema", "performance_schema", "mysql", "sys"}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}

	return cfg, nil
}

// Path returns the config file path, honoring the STACKBACK_CONFIG override.
func Path() string {
	if p := os.Getenv("STACKBACK_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}
