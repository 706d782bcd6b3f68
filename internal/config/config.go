// Package config loads the player's optional YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agleyzer/hlsplay/internal/fetch"
	"github.com/agleyzer/hlsplay/internal/stream"
)

// Config is the file representation of player settings. Zero values leave
// the package defaults in place.
type Config struct {
	Stream  StreamConfig  `yaml:"stream"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StreamConfig maps to stream.Options.
type StreamConfig struct {
	PrefetchDepth int           `yaml:"prefetchDepth"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	Variant       int           `yaml:"variant"`
	StartOffset   time.Duration `yaml:"startOffset"`
}

// FetchConfig maps to fetch.Options.
type FetchConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	UserAgent         string        `yaml:"userAgent"`
	MaxBodyBytes      int64         `yaml:"maxBodyBytes"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables it
	Addr string `yaml:"addr"`
}

// Load reads a YAML config file. Unknown fields are rejected.
func Load(path string) (*Config, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a single YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config contains multiple documents or trailing content")
	}

	return &cfg, nil
}

// StreamOptions returns validated session options.
func (c *Config) StreamOptions() (stream.Options, error) {
	opts := stream.Options{
		PrefetchDepth: c.Stream.PrefetchDepth,
		MaxRetries:    c.Stream.MaxRetries,
		RetryDelay:    c.Stream.RetryDelay,
		VariantIndex:  c.Stream.Variant,
		StartOffset:   c.Stream.StartOffset,
	}
	if err := opts.Validate(); err != nil {
		return stream.Options{}, fmt.Errorf("stream config: %w", err)
	}
	return opts, nil
}

// FetchOptions returns the HTTP fetcher options.
func (c *Config) FetchOptions() (fetch.Options, error) {
	if c.Fetch.Timeout < 0 {
		return fetch.Options{}, fmt.Errorf("fetch config: timeout must not be negative, got %s", c.Fetch.Timeout)
	}
	if c.Fetch.RequestsPerSecond < 0 {
		return fetch.Options{}, fmt.Errorf("fetch config: requestsPerSecond must not be negative, got %g", c.Fetch.RequestsPerSecond)
	}

	return fetch.Options{
		Timeout:           c.Fetch.Timeout,
		RequestsPerSecond: c.Fetch.RequestsPerSecond,
		Burst:             c.Fetch.Burst,
		UserAgent:         c.Fetch.UserAgent,
		MaxBodyBytes:      c.Fetch.MaxBodyBytes,
	}, nil
}
