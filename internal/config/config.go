package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL   string
	HTTPAddr      string
	APIKeyPepper  string
	AdminToken    string
	PublicBaseURL string

	GitHubOAuthClientID     string
	GitHubOAuthClientSecret string

	LogLevel  string
	LogFormat string // "console" | "json"

	RateLimitPerMinute int

	// Bundle archive store (optional; exports are served inline when unset).
	BundleProvider           string // "aliyun" | "local" | ""
	BundleEndpoint           string
	BundleRegion             string
	BundleBucket             string
	BundleBasePrefix         string
	BundleAccessKeyID        string
	BundleAccessKeySecret    string
	BundleSTSRoleARN         string
	BundleSTSDurationSeconds int
	BundleLocalDir           string
}

func Load() (Config, error) {
	// Optional: load local .env for development. Missing file is fine.
	_ = godotenv.Load()

	rateLimit := getenvIntDefault("CLAWSPOT_RATE_LIMIT_PER_MINUTE", 120)
	if rateLimit < 1 {
		rateLimit = 1
	}

	stsDuration := getenvIntDefault("CLAWSPOT_BUNDLE_STS_DURATION_SECONDS", 900)
	if stsDuration < 60 {
		stsDuration = 60
	}
	if stsDuration > 3600 {
		stsDuration = 3600
	}

	cfg := Config{
		DatabaseURL:   os.Getenv("CLAWSPOT_DATABASE_URL"),
		HTTPAddr:      getenvDefault("CLAWSPOT_HTTP_ADDR", ":8080"),
		APIKeyPepper:  os.Getenv("CLAWSPOT_API_KEY_PEPPER"),
		AdminToken:    strings.TrimSpace(os.Getenv("CLAWSPOT_ADMIN_TOKEN")),
		PublicBaseURL: strings.TrimRight(strings.TrimSpace(os.Getenv("CLAWSPOT_PUBLIC_BASE_URL")), "/"),

		GitHubOAuthClientID:     strings.TrimSpace(os.Getenv("CLAWSPOT_GITHUB_OAUTH_CLIENT_ID")),
		GitHubOAuthClientSecret: strings.TrimSpace(os.Getenv("CLAWSPOT_GITHUB_OAUTH_CLIENT_SECRET")),

		LogLevel:  getenvDefault("CLAWSPOT_LOG_LEVEL", "info"),
		LogFormat: getenvDefault("CLAWSPOT_LOG_FORMAT", "console"),

		RateLimitPerMinute: rateLimit,

		BundleProvider:           strings.TrimSpace(os.Getenv("CLAWSPOT_BUNDLE_PROVIDER")),
		BundleEndpoint:           strings.TrimSpace(os.Getenv("CLAWSPOT_BUNDLE_ENDPOINT")),
		BundleRegion:             strings.TrimSpace(os.Getenv("CLAWSPOT_BUNDLE_REGION")),
		BundleBucket:             strings.TrimSpace(os.Getenv("CLAWSPOT_BUNDLE_BUCKET")),
		BundleBasePrefix:         strings.Trim(strings.TrimSpace(os.Getenv("CLAWSPOT_BUNDLE_BASE_PREFIX")), "/"),
		BundleAccessKeyID:        strings.TrimSpace(os.Getenv("CLAWSPOT_BUNDLE_ACCESS_KEY_ID")),
		BundleAccessKeySecret:    strings.TrimSpace(os.Getenv("CLAWSPOT_BUNDLE_ACCESS_KEY_SECRET")),
		BundleSTSRoleARN:         strings.TrimSpace(os.Getenv("CLAWSPOT_BUNDLE_STS_ROLE_ARN")),
		BundleSTSDurationSeconds: stsDuration,
		BundleLocalDir:           strings.TrimSpace(os.Getenv("CLAWSPOT_BUNDLE_LOCAL_DIR")),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("CLAWSPOT_DATABASE_URL is required")
	}
	if cfg.APIKeyPepper == "" {
		return Config{}, errors.New("CLAWSPOT_API_KEY_PEPPER is required")
	}
	switch cfg.LogFormat {
	case "console", "json":
	default:
		return Config{}, errors.New("CLAWSPOT_LOG_FORMAT must be console or json")
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvIntDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
