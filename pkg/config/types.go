package config

import "time"

// Backend names accepted in the backend key
const (
	BackendSupabase = "supabase"
	BackendLocal    = "local"
)

// Config represents the complete application configuration
type Config struct {
	Environment string           `mapstructure:"environment"`
	Backend     string           `mapstructure:"backend"`
	Supabase    SupabaseConfig   `mapstructure:"supabase"`
	Processing  ProcessingConfig `mapstructure:"processing"`
	ASR         ASRConfig        `mapstructure:"asr"`
	Local       LocalConfig      `mapstructure:"local"`
	Session     SessionConfig    `mapstructure:"session"`
	Projects    ProjectsConfig   `mapstructure:"projects"`
	Upload      UploadConfig     `mapstructure:"upload"`
	Logging     LoggingConfig    `mapstructure:"logging"`
}

// SupabaseConfig contains the hosted backend settings
type SupabaseConfig struct {
	URL               string        `mapstructure:"url"`
	AnonKey           string        `mapstructure:"anon_key"`
	Schema            string        `mapstructure:"schema"`
	StorageBucket     string        `mapstructure:"storage_bucket"`
	SignedURLTTL      time.Duration `mapstructure:"signed_url_ttl"`
	RealtimeHeartbeat time.Duration `mapstructure:"realtime_heartbeat"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// ProcessingConfig contains settings for the processing trigger endpoint
type ProcessingConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ASRConfig contains speech recognition service settings
type ASRConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LocalConfig contains settings for the offline backend
type LocalConfig struct {
	DatabasePath    string        `mapstructure:"database_path"`
	StorageDir      string        `mapstructure:"storage_dir"`
	ProcessingDelay time.Duration `mapstructure:"processing_delay"`
	UserID          string        `mapstructure:"user_id"`
	Verbose         bool          `mapstructure:"verbose"`
}

// SessionConfig contains settings for the per-login session file
type SessionConfig struct {
	Path string `mapstructure:"path"`
}

// ProjectsConfig contains project business rules
type ProjectsConfig struct {
	MaxPerOwner int `mapstructure:"max_per_owner"`
}

// UploadConfig contains bulk upload settings
type UploadConfig struct {
	Concurrency int     `mapstructure:"concurrency"`
	RateLimit   float64 `mapstructure:"rate_limit"`
	FFprobePath string  `mapstructure:"ffprobe_path"`
	ProbeAudio  bool    `mapstructure:"probe_audio"`
	MaxSize     int64   `mapstructure:"max_size"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}
