package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"clinicrm/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

// EvolutionConfig holds the WhatsApp provider connection settings. When
// BaseURL or APIKey is empty the gateway runs in mock mode and never touches
// the network.
type EvolutionConfig struct {
	BaseURL          string `json:"base_url"`
	APIKey           string `json:"-"`
	DefaultSendToken string `json:"-"`
}

type WebhookConfig struct {
	// Shared secret expected in the authorization header of inbound provider
	// webhooks. Empty disables the check.
	Secret string `json:"-"`
	// Public base URL of this server, registered with the provider as the
	// webhook subscription target at instance-creation time.
	PublicURL string `json:"public_url"`
	// Automation relay endpoint. Empty disables relaying.
	AutomationURL string `json:"automation_url"`
	// Headers sent to the provider when registering the webhook subscription
	// at instance-creation time.
	OutboundAuthorization string `json:"-"`
	OutboundContentType   string `json:"outbound_content_type"`
}

type Config struct {
	Environment    string          `json:"environment"`
	ServerPort     string          `json:"server_port"`
	DBHost         string          `json:"db_host"`
	DBPort         string          `json:"db_port"`
	DBUser         string          `json:"db_user"`
	DBPassword     string          `json:"-"`
	DBName         string          `json:"db_name"`
	DBSSLMode      string          `json:"db_ssl_mode"`
	DBMaxIdleConns int             `json:"db_max_idle_conns"`
	DBMaxOpenConns int             `json:"db_max_open_conns"`
	JWTSecret      string          `json:"-"`
	SentryDSN      string          `json:"-"`
	Evolution      EvolutionConfig `json:"evolution"`
	Webhook        WebhookConfig   `json:"webhook"`
	Redis          RedisConfig     `json:"redis"`

	// Per-tenant outbound send ceiling (messages per rolling minute).
	SendRateLimit int `json:"send_rate_limit"`

	// Provider delivery-status synonyms mapped to the canonical status set.
	// SERVER_ACK meaning "delivered" is an Evolution-specific heuristic, so it
	// lives here rather than in code.
	StatusSynonyms map[string]string `json:"status_synonyms"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "clinicrm"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		SentryDSN:      getEnv("SENTRY_DSN", ""),

		Evolution: EvolutionConfig{
			BaseURL:          strings.TrimRight(getEnv("EVOLUTION_BASE_URL", ""), "/"),
			APIKey:           getEnv("EVOLUTION_API_KEY", ""),
			DefaultSendToken: getEnv("EVOLUTION_SEND_TOKEN", ""),
		},
		Webhook: WebhookConfig{
			Secret:                getEnv("WEBHOOK_SECRET", ""),
			PublicURL:             strings.TrimRight(getEnv("WEBHOOK_PUBLIC_URL", ""), "/"),
			AutomationURL:         getEnv("AUTOMATION_WEBHOOK_URL", ""),
			OutboundAuthorization: getEnv("WEBHOOK_OUTBOUND_AUTHORIZATION", ""),
			OutboundContentType:   getEnv("WEBHOOK_OUTBOUND_CONTENT_TYPE", "application/json"),
		},
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		SendRateLimit: getEnvAsInt("SEND_RATE_LIMIT", 30),

		StatusSynonyms: map[string]string{
			"READ":         "READ",
			"DELIVERED":    "DELIVERED",
			"DELIVERY_ACK": "DELIVERED",
			"SERVER_ACK":   "DELIVERED",
			"SENT":         "SENT",
			"ERROR":        "FAILED",
			"FAILED":       "FAILED",
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if AppConfig.Environment == "production" {
		if AppConfig.Evolution.BaseURL == "" || AppConfig.Evolution.APIKey == "" {
			return fmt.Errorf("Evolution provider credentials are required in production")
		}
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Evolution provider: configured(%t), automation relay: configured(%t)",
		AppConfig.Evolution.BaseURL != "" && AppConfig.Evolution.APIKey != "",
		AppConfig.Webhook.AutomationURL != "")
}

// MigrateDB runs the schema migration. Exported so tests can migrate an
// in-memory database.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.RefreshToken{},
		&models.EvolutionInstance{},
		&models.WhatsappMessage{},
		&models.WebhookEvent{},
		&models.Lead{},
	)
}
