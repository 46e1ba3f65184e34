package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Remote    RemoteConfig
	Poll      PollConfig
	Changes   ChangesConfig
	Session   SessionConfig
	Upload    UploadConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig enables bearer auth on /api when Secret is set
type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	ComparePerHour int
}

// RemoteConfig points at the comparison engine
type RemoteConfig struct {
	BaseURL string
	Timeout int // seconds
}

type PollConfig struct {
	Interval time.Duration
}

type ChangesConfig struct {
	LabelMax int
}

type SessionConfig struct {
	TTL time.Duration
}

type UploadConfig struct {
	MaxBytes int64
}

func Load() (*Config, error) {
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("ratelimit.compare_per_hour", "RATELIMIT_COMPARE_PER_HOUR")
	_ = v.BindEnv("remote.base_url", "COMPARE_API_BASE")
	_ = v.BindEnv("remote.timeout", "COMPARE_API_TIMEOUT")
	_ = v.BindEnv("poll.interval", "POLL_INTERVAL")
	_ = v.BindEnv("changes.label_max", "CHANGES_LABEL_MAX")
	_ = v.BindEnv("session.ttl", "SESSION_TTL")
	_ = v.BindEnv("upload.max_bytes", "MAX_UPLOAD_BYTES")

	setDefaults(v)

	// Config file is optional
	_ = v.ReadInConfig()

	return fromViper(v), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("ratelimit.compare_per_hour", 30)

	v.SetDefault("remote.base_url", "http://localhost:8000")
	v.SetDefault("remote.timeout", 120)
	v.SetDefault("poll.interval", 1500*time.Millisecond)
	v.SetDefault("changes.label_max", 60)
	v.SetDefault("session.ttl", 2*time.Hour)
	v.SetDefault("upload.max_bytes", 50*1024*1024)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			ComparePerHour: v.GetInt("ratelimit.compare_per_hour"),
		},
		Remote: RemoteConfig{
			BaseURL: strings.TrimRight(v.GetString("remote.base_url"), "/"),
			Timeout: v.GetInt("remote.timeout"),
		},
		Poll: PollConfig{
			Interval: v.GetDuration("poll.interval"),
		},
		Changes: ChangesConfig{
			LabelMax: v.GetInt("changes.label_max"),
		},
		Session: SessionConfig{
			TTL: v.GetDuration("session.ttl"),
		},
		Upload: UploadConfig{
			MaxBytes: v.GetInt64("upload.max_bytes"),
		},
	}
}
