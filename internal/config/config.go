package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string
	AppEnv   string

	DBDSN             string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	JWTSecret string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ShareCacheTTL time.Duration

	// rabbitMQ; an empty URL processes attachments inline
	RabbitURL        string
	RabbitQueue      string
	RabbitMaxRetries int
	RabbitRetryDelay time.Duration

	// object storage
	StorageType         string
	StorageEndpoint     string
	StorageRegion       string
	StorageBucket       string
	StorageAccessKey    string
	StorageSecretKey    string
	StorageUsePathStyle bool
	StorageLocalPath    string
	StorageLocalBaseURL string
	PresignTTL          time.Duration
	UploadMaxBytes      int64

	// encryption at rest
	EncryptionKeys       map[string]string
	EncryptionCurrentKey string
	EncryptionSalt       string

	// AI provider
	AIProvider            string
	OllamaBaseURL         string
	OllamaModel           string
	EmbeddingModel        string
	OpenRouterBaseURL     string
	OpenRouterAPIKey      string
	OpenRouterModel       string
	OpenRouterSiteURL     string
	OpenRouterAppName     string
	ChatContextWindowSize int
	RetrievalTopK         int
	RerankTopN            int

	WorkerConcurrency int

	LogFile  string
	LogLevel string
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func Load() Config {
	// a missing .env is fine; the process environment wins anyway
	_ = godotenv.Load()

	// DSN demo：
	// app:apppass@tcp(127.0.0.1:3306)/chat_platform?charset=utf8mb4&parseTime=true&loc=Local
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=Local",
			"app", "apppass", "127.0.0.1", "3306", "chat_platform",
		)
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret-change-me"
	}

	storageType := strings.ToLower(os.Getenv("STORAGE_TYPE"))
	if storageType == "" {
		storageType = "minio"
	}

	aiProvider := os.Getenv("AI_PROVIDER")
	if aiProvider == "" {
		aiProvider = "ollama"
	}

	keys := parseKeys(os.Getenv("ENCRYPTION_KEYS"))
	currentKey := os.Getenv("ENCRYPTION_CURRENT_KEY")
	if len(keys) == 0 {
		keys = map[string]string{"dev": "dev-encryption-secret-change-me"}
		currentKey = "dev"
	}

	salt := os.Getenv("ENCRYPTION_SALT")
	if salt == "" {
		salt = "dev-salt-change-me"
	}

	return Config{
		HTTPAddr: envString("HTTP_ADDR", ":8080"),
		AppEnv:   envString("APP_ENV", "development"),

		DBDSN:             dsn,
		DBMaxOpenConns:    envInt("DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns:    envInt("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: envDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),

		JWTSecret: secret,

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		ShareCacheTTL: envDuration("SHARE_CACHE_TTL", 5*time.Minute),

		RabbitURL:        os.Getenv("RABBIT_URL"),
		RabbitQueue:      envString("RABBIT_QUEUE", "document_jobs"),
		RabbitMaxRetries: envInt("RABBIT_MAX_RETRIES", 3),
		RabbitRetryDelay: envDuration("RABBIT_RETRY_DELAY", 10*time.Second),

		StorageType:         storageType,
		StorageEndpoint:     envString("STORAGE_ENDPOINT", "http://localhost:9000"),
		StorageRegion:       envString("STORAGE_REGION", "us-east-1"),
		StorageBucket:       envString("STORAGE_BUCKET", "attachments"),
		StorageAccessKey:    os.Getenv("STORAGE_ACCESS_KEY"),
		StorageSecretKey:    os.Getenv("STORAGE_SECRET_KEY"),
		StorageUsePathStyle: envBool("STORAGE_USE_PATH_STYLE", true),
		StorageLocalPath:    envString("STORAGE_LOCAL_PATH", "./data/attachments"),
		StorageLocalBaseURL: os.Getenv("STORAGE_LOCAL_BASE_URL"),
		PresignTTL:          envDuration("STORAGE_PRESIGN_TTL", time.Hour),
		UploadMaxBytes:      int64(envInt("UPLOAD_MAX_BYTES", 20<<20)),

		EncryptionKeys:       keys,
		EncryptionCurrentKey: currentKey,
		EncryptionSalt:       salt,

		AIProvider:            aiProvider,
		OllamaBaseURL:         envString("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:           envString("OLLAMA_MODEL", "llama3:latest"),
		EmbeddingModel:        os.Getenv("EMBEDDING_MODEL"),
		OpenRouterBaseURL:     envString("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterAPIKey:      os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterModel:       envString("OPENROUTER_MODEL", "openrouter/auto"),
		OpenRouterSiteURL:     os.Getenv("OPENROUTER_SITE_URL"),
		OpenRouterAppName:     os.Getenv("OPENROUTER_APP_NAME"),
		ChatContextWindowSize: envInt("CHAT_CONTEXT_WINDOW_SIZE", 20),
		RetrievalTopK:         envInt("RETRIEVAL_TOP_K", 8),
		RerankTopN:            envInt("RERANK_TOP_N", 4),

		WorkerConcurrency: envInt("WORKER_CONCURRENCY", 2),

		LogFile:  envString("LOG_FILE", "./logs/chat-platform.log"),
		LogLevel: envString("LOG_LEVEL", "info"),
	}
}

// parseKeys reads "id:secret,id2:secret2". Malformed pairs are skipped.
func parseKeys(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, secret, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(id) == "" || secret == "" {
			continue
		}
		out[strings.TrimSpace(id)] = secret
	}
	return out
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(name string, def bool) bool {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
