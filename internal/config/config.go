// Package config loads the server configuration from an optional file,
// LOCALPHOTOS_* environment variables and defaults.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/zeebo/errs"

	"localphotos/internal/storage"
)

// Error is the error class for configuration problems.
var Error = errs.Class("config")

// DefaultSecret is the placeholder secret shipped in sample configs.
const DefaultSecret = "CHANGE_ME_REPLACE_WITH_STRONG_SECRET"

// EnvPrefix prefixes environment overrides, e.g. LOCALPHOTOS_JWT_SECRET.
const EnvPrefix = "localphotos"

// Config holds the server settings.
type Config struct {
	ServerPort  int    `mapstructure:"server_port"`
	StorageRoot string `mapstructure:"storage_root"`
	DBDriver    string `mapstructure:"db_driver"`
	DBPath      string `mapstructure:"db_path"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	Timezone    string `mapstructure:"timezone"`

	MaxUploadMB      int64         `mapstructure:"max_upload_mb"`
	ThumbnailSize    int           `mapstructure:"thumbnail_size"`
	ThumbnailTimeout time.Duration `mapstructure:"thumbnail_timeout"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`

	AllowAnonymousShared bool `mapstructure:"allow_anonymous_shared"`
	AllowQueryToken      bool `mapstructure:"allow_query_token"`
	// QueryTokenPerMinute limits ?t= authenticated requests per client
	// address; 0 means unlimited.
	QueryTokenPerMinute  int  `mapstructure:"query_token_per_minute"`

	WebRoot string `mapstructure:"web_root"`
	LogDev  bool   `mapstructure:"log_dev"`

	// DisableClamAV is accepted for compatibility with existing config
	// files and has no effect.
	DisableClamAV bool `mapstructure:"disable_clamav"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", 8080)
	v.SetDefault("storage_root", "/var/lib/localphotos")
	v.SetDefault("db_driver", storage.DriverSQLite)
	v.SetDefault("db_path", "")
	v.SetDefault("jwt_secret", DefaultSecret)
	v.SetDefault("timezone", "")
	v.SetDefault("max_upload_mb", 20)
	v.SetDefault("thumbnail_size", 300)
	v.SetDefault("thumbnail_timeout", "5s")
	v.SetDefault("token_ttl", "1h")
	v.SetDefault("allow_anonymous_shared", false)
	v.SetDefault("allow_query_token", true)
	v.SetDefault("query_token_per_minute", 600)
	v.SetDefault("web_root", "")
	v.SetDefault("log_dev", false)
	v.SetDefault("disable_clamav", false)
}

// Load reads the configuration. path may be empty, in which case only the
// environment and defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, Error.New("read %s: %v", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, Error.Wrap(err)
	}
	if cfg.DBPath == "" && cfg.DBDriver == storage.DriverSQLite {
		cfg.DBPath = filepath.Join(cfg.StorageRoot, "metadata.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	var problems []string
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		problems = append(problems, fmt.Sprintf("server_port %d out of range", c.ServerPort))
	}
	if c.StorageRoot == "" {
		problems = append(problems, "storage_root is empty")
	}
	if c.DBDriver != storage.DriverSQLite && c.DBDriver != storage.DriverPostgres {
		problems = append(problems, fmt.Sprintf("db_driver %q is not %s or %s", c.DBDriver, storage.DriverSQLite, storage.DriverPostgres))
	}
	if c.DBPath == "" {
		problems = append(problems, "db_path is empty")
	}
	if c.JWTSecret == "" {
		problems = append(problems, "jwt_secret is empty")
	}
	if c.MaxUploadMB <= 0 {
		problems = append(problems, "max_upload_mb must be positive")
	}
	if c.QueryTokenPerMinute < 0 {
		problems = append(problems, "query_token_per_minute must not be negative")
	}
	if c.TokenTTL <= 0 {
		problems = append(problems, "token_ttl must be positive")
	}
	if _, err := c.Location(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return Error.New("%s", strings.Join(problems, "; "))
	}
	return nil
}

// InsecureSecret reports whether the signing secret is the shipped placeholder.
func (c *Config) InsecureSecret() bool { return c.JWTSecret == DefaultSecret }

// Location is the zone used for calendar dates; empty means local time.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, Error.New("timezone %q: %v", c.Timezone, err)
	}
	return loc, nil
}

// MaxUploadBytes is the request body cap.
func (c *Config) MaxUploadBytes() int64 { return c.MaxUploadMB << 20 }
