package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the file read when no path is given.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	StorageMode      string `yaml:"storageMode"`
	PrimaryEnabled   bool   `yaml:"primaryEnabled"`
	SecondaryEnabled bool   `yaml:"secondaryEnabled"`
	RedisAddr        string `yaml:"redisAddr"`
	RedisPassword    string `yaml:"redisPassword"`
	RedisKeyPrefix   string `yaml:"redisKeyPrefix"`
	DatabaseDriver   string `yaml:"databaseDriver"`
	DatabaseURL      string `yaml:"databaseURL"`

	SummarizeURL            string `yaml:"summarizeURL"`
	AnswerURL               string `yaml:"answerURL"`
	BulkAnswerURL           string `yaml:"bulkAnswerURL"`
	InferenceHealthURL      string `yaml:"inferenceHealthURL"`
	InferenceTimeoutSeconds int    `yaml:"inferenceTimeoutSeconds"`
	SummaryMaxLength        int    `yaml:"summaryMaxLength"`
	SummaryMinLength        int    `yaml:"summaryMinLength"`
	ChunkMaxTokens          int    `yaml:"chunkMaxTokens"`
	SummaryConcurrency      int    `yaml:"summaryConcurrency"`
	RequestTimeoutSeconds   int    `yaml:"requestTimeoutSeconds"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWKSURL     string `yaml:"jwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	MaxUploadBytes     int64    `yaml:"maxUploadBytes"`
	AllowedExtensions  []string `yaml:"allowedExtensions"`
	RateLimitPerMinute int      `yaml:"rateLimitPerMinute"`
	CORSOrigins        []string `yaml:"corsOrigins"`
	TrustedProxyCIDRs  []string `yaml:"trustedProxyCidrs"`
}

func defaults() FileConfig {
	return FileConfig{
		Port:                    "8080",
		LogLevel:                "info",
		StorageMode:             "dual",
		PrimaryEnabled:          true,
		SecondaryEnabled:        true,
		RedisKeyPrefix:          "talqs",
		DatabaseDriver:          "postgres",
		InferenceTimeoutSeconds: 30,
		SummaryMaxLength:        150,
		SummaryMinLength:        30,
		ChunkMaxTokens:          400,
		SummaryConcurrency:      4,
		RequestTimeoutSeconds:   120,
		MaxUploadBytes:          10 << 20,
	}
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := defaults()
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Override with environment variables
func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TALQS_STORAGE_MODE"); v != "" {
		cfg.StorageMode = strings.TrimSpace(v)
	}
	if v := os.Getenv("TALQS_PRIMARY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.PrimaryEnabled = b
		}
	}
	if v := os.Getenv("TALQS_SECONDARY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.SecondaryEnabled = b
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.DatabaseDriver = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("TALQS_SUMMARIZE_URL"); v != "" {
		cfg.SummarizeURL = v
	}
	if v := os.Getenv("TALQS_ANSWER_URL"); v != "" {
		cfg.AnswerURL = v
	}
	if v := os.Getenv("TALQS_BULK_ANSWER_URL"); v != "" {
		cfg.BulkAnswerURL = v
	}
	if v := os.Getenv("TALQS_INFERENCE_HEALTH_URL"); v != "" {
		cfg.InferenceHealthURL = v
	}
	if v := os.Getenv("TALQS_INFERENCE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InferenceTimeoutSeconds = n
		}
	}
	if v := os.Getenv("TALQS_CHUNK_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkMaxTokens = n
		}
	}
	if v := os.Getenv("TALQS_SUMMARY_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SummaryConcurrency = n
		}
	}
	if v := os.Getenv("TALQS_REQUEST_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RequestTimeoutSeconds = n
		}
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("JWKS_URL"); v != "" {
		cfg.JWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("TALQS_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("TALQS_ALLOWED_EXTENSIONS"); v != "" {
		cfg.AllowedExtensions = splitCSV(v)
	}
	if v := os.Getenv("TALQS_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("TALQS_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("TALQS_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.StorageMode)) {
	case "", "dual", "primary-only", "secondary-only":
	default:
		return fmt.Errorf("config: storageMode %q must be dual, primary-only or secondary-only", cfg.StorageMode)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver)) {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: databaseDriver %q must be postgres or sqlite", cfg.DatabaseDriver)
	}
	secret := strings.TrimSpace(cfg.JWTSecret) != ""
	jwks := strings.TrimSpace(cfg.JWKSURL) != ""
	if secret == jwks {
		return errors.New("config: exactly one of jwtSecret or jwksURL is required (set in config.yaml or JWT_SECRET / JWKS_URL)")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioBucket == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return errors.New("config: minioBucket, minioAccessKey and minioSecretKey are required when minioEndpoint is set")
	}
	if cfg.InferenceTimeoutSeconds < 0 || cfg.RequestTimeoutSeconds < 0 {
		return errors.New("config: timeouts must be >= 0")
	}
	if cfg.SummaryConcurrency < 0 || cfg.ChunkMaxTokens < 0 {
		return errors.New("config: summaryConcurrency and chunkMaxTokens must be >= 0")
	}
	if cfg.SummaryMinLength > cfg.SummaryMaxLength {
		return errors.New("config: summaryMinLength must not exceed summaryMaxLength")
	}
	if cfg.MaxUploadBytes <= 0 {
		return errors.New("config: maxUploadBytes must be > 0")
	}
	if cfg.RateLimitPerMinute < 0 {
		return errors.New("config: rateLimitPerMinute must be >= 0")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
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

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

// Seconds converts a seconds setting to a duration; zero stays zero.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
