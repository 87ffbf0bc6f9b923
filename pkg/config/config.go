package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	once    sync.Once
	initErr error
)

// Init initializes the configuration system
// This should be called once at application startup
func Init() error {
	once.Do(func() {
		setDefaults()

		// Set up environment variable reading for overrides
		viper.SetEnvPrefix("SOMLENG")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()

		configPath := filepath.Clean("./config/settings.yaml")
		viper.SetConfigFile(configPath)

		if err := viper.ReadInConfig(); err != nil {
			// A missing file is fine, defaults and env vars apply
			var notFound viper.ConfigFileNotFoundError
			if !os.IsNotExist(err) && !errors.As(err, &notFound) {
				initErr = fmt.Errorf("error reading config file %s: %w", configPath, err)
				return
			}
		}

		if err := validate(); err != nil {
			initErr = fmt.Errorf("invalid configuration: %w", err)
		}
	})

	return initErr
}

// Reset clears the one-shot guard so Init can run again (tests only)
func Reset() {
	viper.Reset()
	once = sync.Once{}
	initErr = nil
}

// GetConfig returns the current configuration as a struct
// Init() must be called before using this
func GetConfig() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &config, nil
}

// GetString returns a string config value
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetDuration returns a time.Duration config value
func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}

// Set overrides a config value, used for flag bindings
func Set(key string, value any) {
	viper.Set(key, value)
}

// validate validates the configuration using Viper values
func validate() error {
	backend := viper.GetString("backend")
	if backend != BackendSupabase && backend != BackendLocal {
		return fmt.Errorf("unknown backend %q (want %s or %s)", backend, BackendSupabase, BackendLocal)
	}

	if viper.GetInt("projects.max_per_owner") <= 0 {
		viper.Set("projects.max_per_owner", 3)
	}

	if viper.GetInt("upload.concurrency") <= 0 {
		viper.Set("upload.concurrency", 1)
	}

	if backend == BackendSupabase {
		if err := validateCredentials(); err != nil {
			return err
		}
	}

	return nil
}

// validateCredentials rejects placeholder keys in production
func validateCredentials() error {
	env := viper.GetString("environment")
	isProduction := env == "production" || env == "prod"

	placeholders := []string{
		"YOUR_KEY_HERE",
		"YOUR_ANON_KEY",
		"changeme",
		"CHANGEME",
		"",
	}

	anonKey := viper.GetString("supabase.anon_key")
	for _, placeholder := range placeholders {
		if anonKey == placeholder {
			if isProduction {
				return fmt.Errorf("invalid supabase anon key: cannot use placeholder values in production")
			}
			fmt.Fprintln(os.Stderr, "Warning: supabase anon key is using a placeholder value")
			break
		}
	}

	if viper.GetString("supabase.url") == "" && isProduction {
		return fmt.Errorf("supabase.url is required in production")
	}

	return nil
}

// Validate validates a Config struct (for testing)
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSupabase:
		if c.Supabase.URL == "" {
			return fmt.Errorf("supabase.url is required for the supabase backend")
		}
	case BackendLocal:
		if c.Local.DatabasePath == "" {
			return fmt.Errorf("local.database_path is required for the local backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.Projects.MaxPerOwner <= 0 {
		c.Projects.MaxPerOwner = 3
	}

	if c.Upload.Concurrency <= 0 {
		c.Upload.Concurrency = 1
	}

	if c.Upload.MaxSize < 0 {
		c.Upload.MaxSize = 0
	}

	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("backend", BackendSupabase)

	// Supabase defaults
	viper.SetDefault("supabase.url", "")
	viper.SetDefault("supabase.anon_key", "")
	viper.SetDefault("supabase.schema", "public")
	viper.SetDefault("supabase.storage_bucket", "audio-files")
	viper.SetDefault("supabase.signed_url_ttl", 3600*time.Second)
	viper.SetDefault("supabase.realtime_heartbeat", 30*time.Second)
	viper.SetDefault("supabase.timeout", 30*time.Second)

	// Processing defaults
	viper.SetDefault("processing.endpoint", "http://localhost:8080")
	viper.SetDefault("processing.timeout", 30*time.Second)

	// ASR defaults
	viper.SetDefault("asr.url", "http://localhost:8000")
	viper.SetDefault("asr.timeout", 60*time.Second)

	// Local backend defaults
	viper.SetDefault("local.database_path", "./data/somleng.db")
	viper.SetDefault("local.storage_dir", "./data/storage")
	viper.SetDefault("local.processing_delay", 500*time.Millisecond)
	viper.SetDefault("local.user_id", "local-user")
	viper.SetDefault("local.verbose", false)

	// Session defaults
	viper.SetDefault("session.path", "./data/session.db")

	// Project rules
	viper.SetDefault("projects.max_per_owner", 3)

	// Upload defaults
	viper.SetDefault("upload.concurrency", 1)
	viper.SetDefault("upload.rate_limit", 0)
	viper.SetDefault("upload.ffprobe_path", "ffprobe")
	viper.SetDefault("upload.probe_audio", true)
	viper.SetDefault("upload.max_size", 200*1024*1024)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.json", false)
}
