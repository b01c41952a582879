// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Backing store
	SupabaseURL     string
	SupabaseAnonKey string
	StoreTimeout    time.Duration
	StoreMaxRetries int

	// 任意: profilesテーブルへの直接接続
	ProfilesDatabaseURL string

	// Migration
	DatabaseURL string

	// AI
	GeminiAPIKey            string
	GeminiModel             string
	GeminiBaseURL           string
	AITimeout               time.Duration
	TranslationCacheMaxCost int64

	// Session persistence (Redis)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Browser session
	SessionIdleTimeout  time.Duration
	SessionCookieMaxAge int

	// Rate Limit (req/min)
	RateLimitGeneral int
	RateLimitAuth    int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// StoreConfigured はバッキングストアの資格情報が揃っているかを返す。
func (c *Config) StoreConfigured() bool {
	return c.SupabaseURL != "" && c.SupabaseAnonKey != ""
}

// AIConfigured は生成AIのAPIキーが設定されているかを返す。
func (c *Config) AIConfigured() bool {
	return c.GeminiAPIKey != ""
}

// Load は環境変数からConfigを読み込む。
// バッキングストアやAIの資格情報が未設定でもエラーにはしない（未設定状態として起動する）。
// 値の形式が不正で既定値にも戻せない場合のみエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.SupabaseURL = strings.TrimRight(getEnvString("SUPABASE_URL", ""), "/")
	if cfg.SupabaseURL != "" {
		if err := validateHTTPURL(cfg.SupabaseURL); err != nil {
			return nil, fmt.Errorf("invalid SUPABASE_URL: %w", err)
		}
	}
	cfg.SupabaseAnonKey = getEnvString("SUPABASE_ANON_KEY", "")
	cfg.StoreTimeout = getEnvDuration("STORE_TIMEOUT", 10*time.Second)
	cfg.StoreMaxRetries = getEnvInt("STORE_MAX_RETRIES", 2)

	cfg.ProfilesDatabaseURL = getEnvString("PROFILES_DATABASE_URL", "")
	cfg.DatabaseURL = getEnvString("DATABASE_URL", "")

	cfg.GeminiAPIKey = getEnvString("GEMINI_API_KEY", getEnvString("API_KEY", ""))
	cfg.GeminiModel = getEnvString("GEMINI_MODEL", "gemini-2.5-flash")
	cfg.GeminiBaseURL = strings.TrimRight(getEnvString("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"), "/")
	cfg.AITimeout = getEnvDuration("AI_TIMEOUT", 60*time.Second)
	cfg.TranslationCacheMaxCost = getEnvInt64("TRANSLATION_CACHE_MAX_COST", 1<<20)

	cfg.RedisAddr = getEnvString("REDIS_ADDR", "")
	cfg.RedisPassword = getEnvString("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)

	cfg.SessionIdleTimeout = getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute)
	cfg.SessionCookieMaxAge = getEnvInt("SESSION_COOKIE_MAX_AGE", 604800)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is empty")
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
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
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
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
