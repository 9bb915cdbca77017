// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the ctmirror configuration file.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"go.chromium.org/luci/common/errors"

	"github.com/inetdata/ctmirror/ctlog"
	"github.com/inetdata/ctmirror/mirror"
	"github.com/inetdata/ctmirror/normalize"
)

// DefaultGzipCommand is the external compressor used to seal shards.
const DefaultGzipCommand = "nice gzip"

// Config is the YAML configuration of ctmirror.
//
// Example:
//
//	storage_path: /data/ct
//	logs:
//	  - ct.googleapis.com/logs/argon2024
//	  - https://oak.ct.letsencrypt.org/2024h2
//	max_tries: 5
//	retry_delay: 30s
type Config struct {
	// StoragePath is the directory holding state files and shards.
	StoragePath string `yaml:"storage_path"`
	// Logs are the base URLs of the logs to mirror. A missing scheme means
	// https.
	Logs []string `yaml:"logs"`

	MaxTries       int           `yaml:"max_tries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	BatchSize      int64         `yaml:"batch_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RequestsPerSecond limits the request rate per log. 0 is unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// MaxConcurrentRequests caps in-flight requests across all logs. 0 is
	// unlimited.
	MaxConcurrentRequests int64 `yaml:"max_concurrent_requests"`

	// GzipCommand is the compressor used to seal shards. Empty selects the
	// built-in compressor.
	GzipCommand string `yaml:"gzip_command"`
	// ConverterCommand is the normalization converter.
	ConverterCommand string `yaml:"converter_command"`
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		MaxTries:         ctlog.DefaultMaxTries,
		RetryDelay:       ctlog.DefaultRetryDelay,
		BatchSize:        mirror.DefaultBatchSize,
		RequestTimeout:   ctlog.DefaultRequestTimeout,
		GzipCommand:      DefaultGzipCommand,
		ConverterCommand: normalize.DefaultConverter,
	}
}

// Load reads and parses a configuration file on top of Default().
//
// The result is not validated, so that flags can still amend it.
func Load(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Fmt("reading config: %w", err)
	}
	return Parse(blob)
}

// Parse parses a YAML configuration on top of Default().
func Parse(blob []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(blob, cfg); err != nil {
		return nil, errors.Fmt("bad config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	var merr errors.MultiError
	if c.StoragePath == "" {
		merr = append(merr, errors.New("storage_path is required"))
	}
	if len(c.Logs) == 0 {
		merr = append(merr, errors.New("at least one log is required"))
	}
	if c.MaxTries < 1 {
		merr = append(merr, errors.Fmt("max_tries must be positive, got %d", c.MaxTries))
	}
	if c.BatchSize < 1 {
		merr = append(merr, errors.Fmt("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.RetryDelay < 0 {
		merr = append(merr, errors.Fmt("retry_delay must not be negative, got %s", c.RetryDelay))
	}
	if c.RequestTimeout <= 0 {
		merr = append(merr, errors.Fmt("request_timeout must be positive, got %s", c.RequestTimeout))
	}
	if c.RequestsPerSecond < 0 {
		merr = append(merr, errors.Fmt("requests_per_second must not be negative, got %v", c.RequestsPerSecond))
	}
	if c.MaxConcurrentRequests < 0 {
		merr = append(merr, errors.Fmt("max_concurrent_requests must not be negative, got %d", c.MaxConcurrentRequests))
	}
	if _, err := c.Endpoints(); err != nil {
		merr = append(merr, err)
	}
	if len(merr) == 0 {
		return nil
	}
	return merr
}

// Endpoints parses Logs, preserving their order.
//
// Two URLs mapping to the same log name are rejected, since they would share
// state files.
func (c *Config) Endpoints() ([]ctlog.Endpoint, error) {
	eps := make([]ctlog.Endpoint, 0, len(c.Logs))
	seen := make(map[string]string, len(c.Logs))
	for _, raw := range c.Logs {
		ep, err := ctlog.ParseEndpoint(raw)
		if err != nil {
			return nil, errors.Fmt("log %q: %w", raw, err)
		}
		if prev, ok := seen[ep.Name]; ok {
			return nil, errors.Fmt("logs %q and %q both map to %q", prev, raw, ep.Name)
		}
		seen[ep.Name] = raw
		eps = append(eps, ep)
	}
	return eps, nil
}

// ClientOptions returns the ctlog options for this configuration.
//
// The concurrency semaphore is not included: it must be shared by all
// clients, see ctlog.Options.
func (c *Config) ClientOptions() ctlog.Options {
	return ctlog.Options{
		MaxTries:          c.MaxTries,
		RetryDelay:        c.RetryDelay,
		RequestTimeout:    c.RequestTimeout,
		RequestsPerSecond: c.RequestsPerSecond,
	}
}
