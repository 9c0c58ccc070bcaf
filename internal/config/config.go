// Package config は環境変数からアプリケーション設定を読み込む。
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
)

// envFiles は起動時に読み込む.envファイル。先に読んだ値が優先される。
var envFiles = []string{".env.local", ".env"}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Keycloak
	KeycloakServerURL    string
	KeycloakGatewayURL   string // トークンのissuer検証に使う公開URL
	KeycloakRealm        string
	KeycloakClientID     string
	KeycloakClientSecret string
	KeycloakAudience     string
	ProviderTimeout      time.Duration

	// Server
	ServerPort string
	BaseURL    string
	AppEnv     string

	// Cookie
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// X-Forwarded-For等のプロキシヘッダーからクライアントIPを採用するか
	TrustProxyHeaders bool

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral     int
	RateLimitCredentials int

	// CSRF
	CSRFEnabled bool

	// Logging
	LogLevel string
}

// IsProduction は本番環境として動作するかを返す。
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// Load は.envファイルと環境変数からConfigを読み込む。
// 既に設定されている環境変数は.envファイルで上書きしない。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}
	return FromEnv()
}

// loadEnvFiles は存在する.envファイルを順に読み込む。存在しないファイルは無視する。
func loadEnvFiles(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// FromEnv は現在の環境変数のみからConfigを組み立てる。
func FromEnv() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	require := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = require("DATABASE_URL")
	cfg.KeycloakServerURL = strings.TrimRight(require("KEYCLOAK_SERVER_URL"), "/")
	cfg.KeycloakClientID = require("KEYCLOAK_CLIENT_ID")
	cfg.KeycloakClientSecret = require("KEYCLOAK_CLIENT_SECRET")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.KeycloakGatewayURL = strings.TrimRight(getEnvString("KEYCLOAK_GATEWAY_SERVER_URL", cfg.KeycloakServerURL), "/")
	cfg.KeycloakRealm = getEnvString("KEYCLOAK_REALM", "url-shortner")
	cfg.KeycloakAudience = getEnvString("KEYCLOAK_AUDIENCE", "account")
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.ServerPort = getEnvString("PORT", getEnvString("SERVER_PORT", "5001"))
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:5001")
	cfg.AppEnv = getEnvString("APP_ENV", getEnvString("NODE_ENV", "development"))
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:5173")
	cfg.TrustProxyHeaders = getEnvBool("TRUST_PROXY_HEADERS", false)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitCredentials = getEnvInt("RATE_LIMIT_CREDENTIALS", 10)
	cfg.CSRFEnabled = getEnvBool("CSRF_ENABLED", false)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
