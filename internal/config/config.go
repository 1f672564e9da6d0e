/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the Codex configuration: an optional YAML file
// with dotted keys, overridable through CODEX_-prefixed environment
// variables (auth.sessionTimeout becomes CODEX_AUTH_SESSIONTIMEOUT).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envPrefix is the prefix for environment overrides.
const envPrefix = "CODEX"

// Config is the full recognized configuration surface.
type Config struct {
	Server    Server         `mapstructure:"server"`
	Auth      Auth           `mapstructure:"auth"`
	Documents Documents      `mapstructure:"documents"`
	Features  Features       `mapstructure:"features"`
	Storage   Storage        `mapstructure:"storage"`
	RateLimit RateLimit      `mapstructure:"rateLimit"`
	Uploads   map[string]any `mapstructure:"uploads"`
}

// Server is the bind endpoint.
type Server struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr renders the listen address.
func (s Server) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// Auth configures sessions.
type Auth struct {
	// SessionTimeout is the session lifetime in seconds from issuance.
	SessionTimeout int `mapstructure:"sessionTimeout"`
	// JWTSecret is reserved for signed-token variants.
	JWTSecret string `mapstructure:"jwtSecret"`
}

// SessionTTL returns the session lifetime as a duration.
func (a Auth) SessionTTL() time.Duration {
	return time.Duration(a.SessionTimeout) * time.Second
}

// Documents bounds the document namespace.
type Documents struct {
	MaxNestingDepth        int   `mapstructure:"maxNestingDepth"`
	MaxDocumentSize        int64 `mapstructure:"maxDocumentSize"`
	MaxCollaboratorsPerDoc int   `mapstructure:"maxCollaboratorsPerDoc"`
}

// Features toggles optional behavior.
type Features struct {
	EnablePublicDocuments bool `mapstructure:"enablePublicDocuments"`
}

// Storage selects and configures the KV backend.
type Storage struct {
	// Driver is "bolt" or "postgres".
	Driver string `mapstructure:"driver"`
	// Path is the bolt database file.
	Path string `mapstructure:"path"`
	// PostgresConn is the primary connection URL.
	PostgresConn string `mapstructure:"postgresConn"`
	// PostgresReadConn optionally points at a read replica.
	PostgresReadConn string `mapstructure:"postgresReadConn"`
	// RedisAddr optionally backs the edge rate limiter.
	RedisAddr string `mapstructure:"redisAddr"`
}

// RateLimit is enforced by the HTTP edge.
type RateLimit struct {
	WindowMs    int `mapstructure:"windowMs"`
	MaxRequests int `mapstructure:"maxRequests"`
}

// Window returns the rate-limit window as a duration.
func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

// Load reads configuration from the optional file at path and the
// environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8727)
	v.SetDefault("auth.sessionTimeout", 24*60*60)
	v.SetDefault("documents.maxNestingDepth", 10)
	v.SetDefault("documents.maxDocumentSize", 10<<20)
	v.SetDefault("documents.maxCollaboratorsPerDoc", 50)
	v.SetDefault("features.enablePublicDocuments", true)
	v.SetDefault("storage.driver", "bolt")
	v.SetDefault("storage.path", "codex.db")
	v.SetDefault("rateLimit.windowMs", 60_000)
	v.SetDefault("rateLimit.maxRequests", 300)
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Auth.SessionTimeout <= 0 {
		return fmt.Errorf("config: auth.sessionTimeout must be positive")
	}
	switch c.Storage.Driver {
	case "bolt":
		if c.Storage.Path == "" {
			return fmt.Errorf("config: storage.path is required for the bolt driver")
		}
	case "postgres":
		if c.Storage.PostgresConn == "" {
			return fmt.Errorf("config: storage.postgresConn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Documents.MaxNestingDepth < 1 {
		return fmt.Errorf("config: documents.maxNestingDepth must be at least 1")
	}
	return nil
}
