// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// RepoTypeRPM is a yum/dnf repository exposing repodata/repomd.xml.
	RepoTypeRPM = "rpm"
	// RepoTypeDEB is an apt binary index directory exposing Packages or Packages.gz.
	RepoTypeDEB = "deb"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	DBURL              string        `mapstructure:"DB_URL"`
	HTTPAddr           string        `mapstructure:"HTTP_ADDR"`
	GithubToken        string        `mapstructure:"GITHUB_TOKEN"`
	PypiURL            string        `mapstructure:"PYPI_URL"`
	SyncInterval       time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncConcurrency    int           `mapstructure:"SYNC_CONCURRENCY"`
	ResolveConcurrency int           `mapstructure:"RESOLVE_CONCURRENCY"`
	ResolverMaxRetries int           `mapstructure:"RESOLVER_MAX_RETRIES"`
	RepositoriesFile   string        `mapstructure:"REPOSITORIES_FILE"`

	Repositories  []RepositoryConfig `mapstructure:"-"`
	UpstreamLinks map[string]string  `mapstructure:"-"`
}

// RepositoryConfig describes one harvested distribution source.
type RepositoryConfig struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	Type        string `yaml:"type"`
	URL         string `yaml:"url"`
	// Arch restricts collected records to one architecture plus noarch/all. Empty keeps every record.
	Arch    string `yaml:"arch,omitempty"`
	Enabled *bool  `yaml:"sync_enabled,omitempty"`
}

// SyncEnabled defaults to true when the catalogue does not say otherwise.
func (r RepositoryConfig) SyncEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Catalogue is the YAML file listing repositories and upstream project links.
type Catalogue struct {
	Repositories  []RepositoryConfig `yaml:"repositories"`
	UpstreamLinks map[string]string  `yaml:"upstream_links"`
}

var envKeys = []string{
	"LOG_LEVEL", "DB_URL", "HTTP_ADDR", "GITHUB_TOKEN", "PYPI_URL", "SYNC_INTERVAL", "SYNC_CONCURRENCY",
	"RESOLVE_CONCURRENCY", "RESOLVER_MAX_RETRIES", "REPOSITORIES_FILE",
}

// LoadConfig reads configuration from a .env file and/or environment variables,
// then loads the repository catalogue it points at.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("PYPI_URL", "https://pypi.org")
	v.SetDefault("SYNC_INTERVAL", "6h")
	v.SetDefault("SYNC_CONCURRENCY", 2)
	v.SetDefault("RESOLVE_CONCURRENCY", 8)
	v.SetDefault("RESOLVER_MAX_RETRIES", 3)
	v.SetDefault("REPOSITORIES_FILE", "repositories.yaml")

	// Load from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // Ignore error if file not found

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if cfg.SyncInterval <= 0 {
		return nil, errors.New("SYNC_INTERVAL must be a positive duration")
	}
	if cfg.SyncConcurrency < 1 || cfg.ResolveConcurrency < 1 {
		return nil, errors.New("SYNC_CONCURRENCY and RESOLVE_CONCURRENCY must be at least 1")
	}
	if cfg.ResolverMaxRetries < 0 {
		return nil, errors.New("RESOLVER_MAX_RETRIES must not be negative")
	}

	cat, err := LoadCatalogue(cfg.RepositoriesFile)
	if err != nil {
		return nil, err
	}
	cfg.Repositories = cat.Repositories
	cfg.UpstreamLinks = cat.UpstreamLinks

	return &cfg, nil
}

// LoadCatalogue reads and validates the repository catalogue YAML file.
func LoadCatalogue(path string) (*Catalogue, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read repositories file: %w", err)
	}

	var cat Catalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse repositories file: %w", err)
	}
	if cat.UpstreamLinks == nil {
		cat.UpstreamLinks = map[string]string{}
	}
	if err := cat.validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

func (c *Catalogue) validate() error {
	if len(c.Repositories) == 0 {
		return errors.New("repositories file must contain at least one repository")
	}

	seen := make(map[string]bool, len(c.Repositories))
	for i := range c.Repositories {
		r := &c.Repositories[i]
		prefix := fmt.Sprintf("repositories[%d]", i)

		r.Name = strings.TrimSpace(r.Name)
		if r.Name == "" {
			return fmt.Errorf("%s.name is required", prefix)
		}
		if seen[r.Name] {
			return fmt.Errorf("%s.name %q is duplicated", prefix, r.Name)
		}
		seen[r.Name] = true

		if r.DisplayName == "" {
			r.DisplayName = r.Name
		}
		if r.Type != RepoTypeRPM && r.Type != RepoTypeDEB {
			return fmt.Errorf("%s.type must be %q or %q, got %q", prefix, RepoTypeRPM, RepoTypeDEB, r.Type)
		}

		u, err := url.Parse(r.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s.url must be an absolute http(s) URL, got %q", prefix, r.URL)
		}
	}

	links := make(map[string]string, len(c.UpstreamLinks))
	for pkg, repo := range c.UpstreamLinks {
		links[strings.ToLower(strings.TrimSpace(pkg))] = strings.TrimSpace(repo)
	}
	c.UpstreamLinks = links
	return nil
}
