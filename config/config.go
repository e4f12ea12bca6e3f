package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage and broker backend names.
const (
	StorageLocal = "local"
	StorageMinio = "minio"
	StorageGCS   = "gcs"

	MQNone     = "none"
	MQRabbitMQ = "rabbitmq"
	MQPubSub   = "pubsub"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	ServerPort  int
	Store       string
	LogLevel    string
	LogFormat   string
	CORSOrigins []string
	Database    DatabaseConfig
	JWT         JWTConfig
	Upload      UploadConfig
	Minio       MinioConfig
	GCS         GCSConfig
	MQ          MQConfig
	Delegate    DelegateConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	UseSSL   bool
}

type JWTConfig struct {
	Secret     string
	TTL        time.Duration
	BcryptCost int
}

// UploadConfig controls where uploaded images land and how they are addressed.
type UploadConfig struct {
	Backend       string
	Dir           string
	PublicBaseURL string
	MaxBytes      int64
	AnalysisText  string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type GCSConfig struct {
	Bucket          string
	ProjectID       string
	CredentialsFile string
}

type MQConfig struct {
	Backend     string
	UploadTopic string
	RabbitMQ    RabbitMQConfig
	PubSub      PubSubConfig
}

type RabbitMQConfig struct {
	URL             string
	QueueDurable    bool
	QueueAutoDelete bool
	PrefetchCount   int
}

type PubSubConfig struct {
	ProjectID          string
	CredentialsFile    string
	SubscriptionSuffix string
}

// DelegateConfig describes the external analysis executable and the limits
// applied to it.
type DelegateConfig struct {
	Path          string
	Args          []string
	WorkDir       string
	EnvPathVar    string
	Timeout       time.Duration
	MaxConcurrent int
	BusyPolicy    string
	ExposeDetails bool
}

func LoadConfig() Config {
	if os.Getenv("ENV") == "dev" {
		godotenv.Load()
	}

	dbConfig := DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "farmx"),
		Password: getEnv("DB_PASSWORD", "password"),
		DBName:   getEnv("DB_NAME", "farmdatabase"),
		UseSSL:   getEnvBool("DB_USE_SSL", false),
	}

	return Config{
		ServerPort:  getEnvInt("SERVER_PORT", 5001),
		Store:       getEnv("STORE", StorePostgres),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
		CORSOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		Database:    dbConfig,
		JWT: JWTConfig{
			Secret:     strings.TrimSpace(getEnv("JWT_SECRET", "")),
			TTL:        getEnvDuration("JWT_TTL", time.Hour),
			BcryptCost: getEnvInt("BCRYPT_COST", 10),
		},
		Upload: UploadConfig{
			Backend:       getEnv("UPLOAD_BACKEND", StorageLocal),
			Dir:           getEnv("UPLOAD_DIR", "uploads"),
			PublicBaseURL: getEnv("UPLOAD_PUBLIC_BASE_URL", "http://localhost:5001/uploads"),
			MaxBytes:      int64(getEnvInt("UPLOAD_MAX_BYTES", 20<<20)),
			AnalysisText: getEnv("UPLOAD_ANALYSIS_TEXT",
				"AI Analysis: The uploaded crop leaf seems healthy but has slight discoloration on the edges."),
		},
		Minio: MinioConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", ""),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "farmx-uploads"),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
		},
		GCS: GCSConfig{
			Bucket:          getEnv("GCS_BUCKET", ""),
			ProjectID:       getEnv("GCS_PROJECT_ID", ""),
			CredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
		},
		MQ: MQConfig{
			Backend:     getEnv("MQ_BACKEND", MQNone),
			UploadTopic: getEnv("MQ_UPLOAD_TOPIC", "farmx.assets.uploaded"),
			RabbitMQ: RabbitMQConfig{
				URL:             getEnv("RABBITMQ_URL", ""),
				QueueDurable:    getEnvBool("RABBITMQ_QUEUE_DURABLE", true),
				QueueAutoDelete: getEnvBool("RABBITMQ_QUEUE_AUTO_DELETE", false),
				PrefetchCount:   getEnvInt("RABBITMQ_PREFETCH", 0),
			},
			PubSub: PubSubConfig{
				ProjectID:          getEnv("PUBSUB_PROJECT_ID", ""),
				CredentialsFile:    getEnv("PUBSUB_CREDENTIALS_FILE", ""),
				SubscriptionSuffix: getEnv("PUBSUB_SUBSCRIPTION_SUFFIX", "-sub"),
			},
		},
		Delegate: DelegateConfig{
			Path:          getEnv("DELEGATE_PATH", "python3"),
			Args:          getEnvList("DELEGATE_ARGS", []string{"services/orchestrator_entry.py"}),
			WorkDir:       getEnv("DELEGATE_WORKDIR", "."),
			EnvPathVar:    getEnv("DELEGATE_ENV_PATH_VAR", "PYTHONPATH"),
			Timeout:       getEnvDuration("DELEGATE_TIMEOUT", 2*time.Minute),
			MaxConcurrent: getEnvInt("DELEGATE_MAX_CONCURRENT", 4),
			BusyPolicy:    getEnv("DELEGATE_BUSY_POLICY", "queue"),
			ExposeDetails: getEnvBool("DELEGATE_EXPOSE_DETAILS", false),
		},
	}
}

// Validate reports configuration that would make the server unusable.
func (c Config) Validate() error {
	var errs []error
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE %q", c.Store))
	}
	switch c.Upload.Backend {
	case StorageLocal, StorageMinio, StorageGCS:
	default:
		errs = append(errs, fmt.Errorf("unknown UPLOAD_BACKEND %q", c.Upload.Backend))
	}
	switch c.MQ.Backend {
	case MQNone, MQRabbitMQ, MQPubSub:
	default:
		errs = append(errs, fmt.Errorf("unknown MQ_BACKEND %q", c.MQ.Backend))
	}
	if strings.TrimSpace(c.Delegate.Path) == "" {
		errs = append(errs, errors.New("DELEGATE_PATH is required"))
	}
	switch c.Delegate.BusyPolicy {
	case "queue", "reject":
	default:
		errs = append(errs, fmt.Errorf("unknown DELEGATE_BUSY_POLICY %q", c.Delegate.BusyPolicy))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int
		fmt.Sscanf(valueStr, "%d", &value)
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(valueStr)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvList splits a whitespace-separated value. An empty value yields no items.
func getEnvList(key string, defaultValue []string) []string {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	return strings.Fields(valueStr)
}
