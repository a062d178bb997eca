// Package config はアプリケーションの設定を管理します
// 環境変数から設定を読み込み、デフォルト値を提供します
// カレントディレクトリに .env があれば先に読み込みます
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	defaultAPIAddr       = ":8080"          // APIサーバーのデフォルトリッスンアドレス
	defaultStoreBackend  = BackendMemory    // ストアのデフォルトのバックエンド
	defaultRedisAddr     = "localhost:6379" // Redisのデフォルト接続先
	defaultRedisPrefix   = "pixelroom:"     // Redisキーの接頭辞
	defaultMinioBucket   = "pixelroom"      // 作品画像のバケット
	defaultJoinTimeout   = 12 * time.Second // 参加・作成の待ち時間
	defaultLeaseTTL      = 30 * time.Second // 切断フックのリース
	defaultSweepSchedule = "@every 15s"     // リース切れの後始末の間隔
	defaultCursorRate    = 30               // カーソル更新の上限（回/秒）
	defaultPollInterval  = time.Second      // Firebaseのポーリング間隔
	defaultJWTTTL        = 24 * time.Hour   // 発行するトークンの有効期限
)

// ストアのバックエンド
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendFirebase = "firebase"
)

// defaultAllowedOrigins はCORSで許可するデフォルトのオリジン一覧
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

// Config はアプリケーションの設定を保持します
type Config struct {
	APIAddr       string   // APIサーバーのリッスンアドレス
	AllowedOrigin []string // CORSで許可するオリジン一覧

	StoreBackend  string // memory | redis | firebase
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string

	FirebaseDatabaseURL     string
	FirebaseCredentialsJSON string
	FirebaseCredentialsFile string
	FirebasePollInterval    time.Duration

	DatabaseURL string // 空ならメモリ上のギャラリー

	MinioEndpoint  string // 空なら作品画像を保存しない
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	JWTSecret string
	JWTTTL    time.Duration

	JoinTimeout   time.Duration
	LeaseTTL      time.Duration
	SweepSchedule string
	CursorRate    int // 0なら制限なし

	LogLevel  string
	LogFormat string // text | json
}

// Load は環境変数から設定を読み込みます
// 環境変数が設定されていない場合はデフォルト値を使用します
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("failed to load .env")
	}

	return Config{
		APIAddr:       envOr("API_ADDR", defaultAPIAddr),
		AllowedOrigin: envCSV("CORS_ALLOWED_ORIGINS", defaultAllowedOrigins),

		StoreBackend:  strings.ToLower(envOr("STORE_BACKEND", defaultStoreBackend)),
		RedisAddr:     envOr("REDIS_ADDR", defaultRedisAddr),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisPrefix:   envOr("REDIS_PREFIX", defaultRedisPrefix),

		FirebaseDatabaseURL:     os.Getenv("FIREBASE_DATABASE_URL"),
		FirebaseCredentialsJSON: os.Getenv("FIREBASE_CREDENTIALS_JSON"),
		FirebaseCredentialsFile: os.Getenv("FIREBASE_CREDENTIALS_FILE"),
		FirebasePollInterval:    envDuration("FIREBASE_POLL_INTERVAL", defaultPollInterval),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    envOr("MINIO_BUCKET", defaultMinioBucket),
		MinioUseSSL:    envBool("MINIO_USE_SSL", false),

		JWTSecret: os.Getenv("JWT_SECRET"),
		JWTTTL:    envDuration("JWT_TTL", defaultJWTTTL),

		JoinTimeout:   envDuration("JOIN_TIMEOUT", defaultJoinTimeout),
		LeaseTTL:      envDuration("LEASE_TTL", defaultLeaseTTL),
		SweepSchedule: envOr("SWEEP_SCHEDULE", defaultSweepSchedule),
		CursorRate:    envInt("CURSOR_RATE", defaultCursorRate),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "text"),
	}
}

// Validate はバックエンドごとの必須項目を確認します
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendRedis:
	case BackendFirebase:
		if c.FirebaseDatabaseURL == "" {
			return errors.New("FIREBASE_DATABASE_URL is required for the firebase backend")
		}
	default:
		return errors.New("unknown STORE_BACKEND " + strconv.Quote(c.StoreBackend))
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

// ConfigureLogging はLOG_LEVELとLOG_FORMATをlogrusに反映します
func (c Config) ConfigureLogging() {
	if strings.EqualFold(c.LogFormat, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		logrus.WithField("level", c.LogLevel).Warn("invalid LOG_LEVEL, fallback to info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

// envOr は環境変数から文字列を取得します
// 環境変数が設定されていない場合はデフォルト値を返します
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt は環境変数から整数を取得します
// 環境変数が設定されていない、または無効な値の場合はデフォルト値を返します
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			logrus.Warnf("invalid %s=%s, fallback to default (%d)", key, v, def)
			return def
		}
		return i
	}
	return def
}

// envDuration は "15s" のような期間を取得します
func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logrus.Warnf("invalid %s=%s, fallback to default (%s)", key, v, def)
			return def
		}
		return d
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			logrus.Warnf("invalid %s=%s, fallback to default (%t)", key, v, def)
			return def
		}
		return b
	}
	return def
}

// envCSV は環境変数からカンマ区切りの文字列リストを取得します
// 環境変数が設定されていない、または空の場合はデフォルト値を返します
func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
