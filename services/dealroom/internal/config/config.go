package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is read when Load is given no path. It may be absent.
const ConfigPath = "config.yaml"

const (
	SessionStorePebble = "pebble"
	SessionStoreRedis  = "redis"
	SessionStoreMemory = "memory"

	DocumentStoreFile  = "file"
	DocumentStoreMinio = "minio"
	DocumentStoreNone  = "none"
)

// MinioConfig is the S3-compatible document bucket.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                       string      `yaml:"port"`
	LogLevel                   string      `yaml:"logLevel"`
	DataDir                    string      `yaml:"dataDir"`
	SessionStore               string      `yaml:"sessionStore"`
	SessionTTL                 string      `yaml:"sessionTTL"`
	RedisAddr                  string      `yaml:"redisAddr"`
	RedisPassword              string      `yaml:"redisPassword"`
	DatabaseURL                string      `yaml:"databaseURL"`
	DocumentStore              string      `yaml:"documentStore"`
	Minio                      MinioConfig `yaml:"minio"`
	MaxUploadBytes             int64       `yaml:"maxUploadBytes"`
	SimulateLatency            bool        `yaml:"simulateLatency"`
	StrictStatusTransitions    bool        `yaml:"strictStatusTransitions"`
	DemoPasswordHash           string      `yaml:"demoPasswordHash"`
	AllowedOrigins             []string    `yaml:"allowedOrigins"`
	TrustedProxyCIDRs          []string    `yaml:"trustedProxyCidrs"`
	LoginRateLimitPerMinute    int         `yaml:"loginRateLimitPerMinute"`
	RegisterRateLimitPerMinute int         `yaml:"registerRateLimitPerMinute"`
	ActivityStream             bool        `yaml:"activityStream"`
	ActivityStreamMaxLen       int64       `yaml:"activityStreamMaxLen"`
}

func defaults() FileConfig {
	return FileConfig{
		Port:           "8090",
		LogLevel:       "info",
		DataDir:        ".dealroom",
		SessionStore:   SessionStorePebble,
		DocumentStore:  DocumentStoreFile,
		MaxUploadBytes: 20 << 20,
	}
}

// Load reads .env, then the YAML file at path (ConfigPath when empty), then
// DEALROOM_* and service env overrides, and validates the result.
func Load(path string) (FileConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return FileConfig{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := defaults()
	explicit := path != ""
	if !explicit {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = b
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	setString("DEALROOM_PORT", &cfg.Port)
	setString("DEALROOM_LOG_LEVEL", &cfg.LogLevel)
	setString("DEALROOM_DATA_DIR", &cfg.DataDir)
	setString("DEALROOM_SESSION_STORE", &cfg.SessionStore)
	setString("DEALROOM_SESSION_TTL", &cfg.SessionTTL)
	setString("REDIS_ADDR", &cfg.RedisAddr)
	setString("REDIS_PASSWORD", &cfg.RedisPassword)
	setString("DATABASE_URL", &cfg.DatabaseURL)
	setString("DEALROOM_DOCUMENT_STORE", &cfg.DocumentStore)
	setString("MINIO_ENDPOINT", &cfg.Minio.Endpoint)
	setString("MINIO_ACCESS_KEY", &cfg.Minio.AccessKey)
	setString("MINIO_SECRET_KEY", &cfg.Minio.SecretKey)
	setString("MINIO_BUCKET", &cfg.Minio.Bucket)
	setBool("MINIO_USE_SSL", &cfg.Minio.UseSSL)
	setBool("DEALROOM_SIMULATE_LATENCY", &cfg.SimulateLatency)
	setBool("DEALROOM_STRICT_TRANSITIONS", &cfg.StrictStatusTransitions)
	setString("DEALROOM_DEMO_PASSWORD_HASH", &cfg.DemoPasswordHash)
	setInt("DEALROOM_LOGIN_RATE_LIMIT_PER_MINUTE", &cfg.LoginRateLimitPerMinute)
	setInt("DEALROOM_REGISTER_RATE_LIMIT_PER_MINUTE", &cfg.RegisterRateLimitPerMinute)
	setBool("DEALROOM_ACTIVITY_STREAM", &cfg.ActivityStream)
	if v := os.Getenv("DEALROOM_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("DEALROOM_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("DEALROOM_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("config: port is required")
	}
	switch cfg.SessionStore {
	case SessionStorePebble, SessionStoreMemory:
	case SessionStoreRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required when sessionStore is redis")
		}
	default:
		return fmt.Errorf("config: unknown sessionStore %q (pebble, redis or memory)", cfg.SessionStore)
	}
	if (cfg.SessionStore == SessionStorePebble || cfg.DocumentStore == DocumentStoreFile) && strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("config: dataDir is required for pebble sessions or file documents")
	}
	if _, err := cfg.SessionTTLDuration(); err != nil {
		return err
	}
	switch cfg.DocumentStore {
	case DocumentStoreFile, DocumentStoreNone:
	case DocumentStoreMinio:
		if cfg.Minio.Endpoint == "" || cfg.Minio.Bucket == "" {
			return errors.New("config: minio.endpoint and minio.bucket are required when documentStore is minio")
		}
	default:
		return fmt.Errorf("config: unknown documentStore %q (file, minio or none)", cfg.DocumentStore)
	}
	if cfg.MaxUploadBytes <= 0 {
		return errors.New("config: maxUploadBytes must be > 0")
	}
	if cfg.LoginRateLimitPerMinute < 0 || cfg.RegisterRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if (cfg.LoginRateLimitPerMinute > 0 || cfg.RegisterRateLimitPerMinute > 0) && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for rate limiting")
	}
	if cfg.ActivityStream && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for activityStream")
	}
	if cfg.ActivityStreamMaxLen < 0 {
		return errors.New("config: activityStreamMaxLen must be >= 0")
	}
	return nil
}

// SessionTTLDuration parses the optional sessionTTL; empty means no expiry.
func (c FileConfig) SessionTTLDuration() (time.Duration, error) {
	if strings.TrimSpace(c.SessionTTL) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.SessionTTL)
	if err != nil {
		return 0, fmt.Errorf("config: invalid sessionTTL: %w", err)
	}
	if d < 0 {
		return 0, errors.New("config: sessionTTL must be >= 0")
	}
	return d, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
