package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// JWT
	JWTSecret        string
	JWTRefreshSecret string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration

	// LMS (LearnWorlds)
	LMSClientSecret         string
	LMSAuthURL              string
	LMSClientID             string
	LMSAccessToken          string
	LMSHTTPTimeout          time.Duration
	LMSAllowedRedirectHosts []string
	SSOTokenTTL             time.Duration

	// SAML
	SAMLEnabled  bool
	SAMLEntityID string
	SAMLACSURL   string
	SAMLSLOURL   string
	SAMLIdPCert  string // PEM本文
	SAMLSPCert   string // PEM本文（メタデータ掲載用、任意）

	// OAuth (Google)
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Mail (Brevo)
	BrevoAPIKey      string
	BrevoSenderEmail string
	BrevoSenderName  string
	MailTimeout      time.Duration

	// Login throttle (Redis)
	RedisURL         string
	LoginMaxFailures int
	LoginLockout     time.Duration

	// Audit events (Kafka)
	KafkaBrokers   []string
	KafkaAuthTopic string

	// Rate Limit
	RateLimitLogin   int
	RateLimitGeneral int

	// Retention
	RefreshTokenRetentionDays int
	LoginLogRetentionDays     int

	// Server
	ServerPort        string
	WorkerMetricsPort string // 空の場合はワーカーの/metricsを公開しない
	BaseURL           string
	LogLevel          string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS。カンマ区切りで複数指定可
	CORSAllowedOrigin string

	// X-Forwarded-Forを信頼するリバースプロキシ（CIDRまたはIP、カンマ区切り）
	TrustedProxies []string
}

// GoogleEnabled はGoogle OAuthの設定が揃っているかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込むが、既存の環境変数は上書きしない。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.JWTSecret = required("JWT_SECRET")
	cfg.JWTRefreshSecret = required("JWT_REFRESH_SECRET")
	cfg.LMSClientSecret = required("LMS_CLIENT_SECRET")
	cfg.LMSAuthURL = required("LMS_AUTH_URL")
	cfg.BaseURL = required("BASE_URL")

	cfg.SAMLEnabled = getEnvBool("SAML_ENABLED", true)
	if cfg.SAMLEnabled {
		cfg.SAMLEntityID = required("SAML_ENTITY_ID")
		cfg.SAMLACSURL = required("SAML_ACS_URL")
		cfg.SAMLSLOURL = required("SAML_SLO_URL")
		cfg.SAMLIdPCert = required("SAML_IDP_CERT")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// 証明書はPEM本文またはファイルパスで指定できる
	if cfg.SAMLEnabled {
		pem, err := readPEM(cfg.SAMLIdPCert)
		if err != nil {
			return nil, fmt.Errorf("failed to read SAML_IDP_CERT: %w", err)
		}
		cfg.SAMLIdPCert = pem
	}
	if v := os.Getenv("SAML_SP_CERT"); v != "" {
		pem, err := readPEM(v)
		if err != nil {
			return nil, fmt.Errorf("failed to read SAML_SP_CERT: %w", err)
		}
		cfg.SAMLSPCert = pem
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.AccessTokenTTL = getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute)
	cfg.RefreshTokenTTL = getEnvDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour)
	cfg.SSOTokenTTL = getEnvDuration("SSO_TOKEN_TTL", 5*time.Minute)
	cfg.LMSClientID = getEnvString("LMS_CLIENT_ID", "")
	cfg.LMSAccessToken = getEnvString("LMS_ACCESS_TOKEN", "")
	cfg.LMSHTTPTimeout = getEnvDuration("LMS_HTTP_TIMEOUT", 10*time.Second)
	cfg.LMSAllowedRedirectHosts = getEnvList("LMS_ALLOWED_REDIRECT_HOSTS")
	cfg.GoogleClientID = getEnvString("GOOGLE_CLIENT_ID", "")
	cfg.GoogleClientSecret = getEnvString("GOOGLE_CLIENT_SECRET", "")
	cfg.GoogleRedirectURL = getEnvString("GOOGLE_REDIRECT_URL", "")
	cfg.BrevoAPIKey = getEnvString("BREVO_API_KEY", "")
	cfg.BrevoSenderEmail = getEnvString("BREVO_SENDER_EMAIL", "noreply@hssc.com")
	cfg.BrevoSenderName = getEnvString("BREVO_SENDER_NAME", "HSSC SSO Gateway")
	cfg.MailTimeout = getEnvDuration("MAIL_TIMEOUT", 10*time.Second)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.LoginMaxFailures = getEnvInt("LOGIN_MAX_FAILURES", 5)
	cfg.LoginLockout = getEnvDuration("LOGIN_LOCKOUT", 15*time.Minute)
	cfg.KafkaBrokers = getEnvList("KAFKA_BROKERS")
	cfg.KafkaAuthTopic = getEnvString("KAFKA_AUTH_TOPIC", "auth-events")
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 10)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RefreshTokenRetentionDays = getEnvInt("REFRESH_TOKEN_RETENTION_DAYS", 30)
	cfg.LoginLogRetentionDays = getEnvInt("LOGIN_LOG_RETENTION_DAYS", 180)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.WorkerMetricsPort = os.Getenv("WORKER_METRICS_PORT")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.TrustedProxies = getEnvList("TRUSTED_PROXIES")

	return cfg, nil
}

// readPEM は値がPEM本文であればそのまま返し、それ以外はファイルパスとして読み込む。
// 環境変数では改行を"\n"でエスケープして渡すことが多いため復元する。
func readPEM(v string) (string, error) {
	if strings.Contains(v, "-----BEGIN") {
		return strings.ReplaceAll(v, `\n`, "\n"), nil
	}
	b, err := os.ReadFile(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
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
	if err != nil {
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

// getEnvList はカンマ区切りの環境変数をスライスとして返す。空要素は除外する。
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
