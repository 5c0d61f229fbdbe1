package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"coldsend/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

// Reply ingestion modes
const (
	ReplyModeWebhook   = "webhook"   // provider posts inbound replies to /webhooks/inbound
	ReplyModeSimulated = "simulated" // manual mark-replied endpoint for development
	ReplyModeIMAP      = "imap"      // poll an IMAP inbox for replies
)

// Email providers
const (
	ProviderSMTP     = "smtp"
	ProviderPostmark = "postmark"
)

type IMAPConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`

	DatabaseURL string `json:"-"`
	SecretKey   string `json:"-"`

	// Transport wiring
	EmailProvider       string `json:"email_provider"`
	EmailFromAddress    string `json:"email_from_address"`
	EmailFromName       string `json:"email_from_name"`
	EmailReplyTo        string `json:"email_reply_to"`
	SMTPHost            string `json:"smtp_host"`
	SMTPPort            int    `json:"smtp_port"`
	SMTPUsername        string `json:"smtp_username"`
	SMTPPassword        string `json:"-"`
	PostmarkServerToken string `json:"-"`

	// Inbound webhook auth
	WebhookUsername string `json:"webhook_username"`
	WebhookPassword string `json:"-"`

	// Dispatcher
	WorkerPollInterval time.Duration `json:"worker_poll_interval"`
	WorkerBatchSize    int           `json:"worker_batch_size"`
	MaxRetryAttempts   int           `json:"max_retry_attempts"`

	ReplyMode string     `json:"reply_mode"`
	IMAP      IMAPConfig `json:"imap"`

	SentryDSN string `json:"-"`

	DBMaxIdleConns int `json:"db_max_idle_conns"`
	DBMaxOpenConns int `json:"db_max_open_conns"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SecretKey:   getEnv("SECRET_KEY", ""),

		EmailProvider:       getEnv("EMAIL_PROVIDER", ProviderSMTP),
		EmailFromAddress:    getEnv("EMAIL_FROM_ADDRESS", ""),
		EmailFromName:       getEnv("EMAIL_FROM_NAME", "Coldsend"),
		EmailReplyTo:        getEnv("EMAIL_REPLY_TO", ""),
		SMTPHost:            getEnv("SMTP_HOST", "localhost"),
		SMTPPort:            getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername:        getEnv("SMTP_USERNAME", ""),
		SMTPPassword:        getEnv("SMTP_PASSWORD", ""),
		PostmarkServerToken: getEnv("POSTMARK_SERVER_TOKEN", ""),

		WebhookUsername: getEnv("WEBHOOK_USERNAME", ""),
		WebhookPassword: getEnv("WEBHOOK_PASSWORD", ""),

		WorkerPollInterval: time.Duration(getEnvAsInt("WORKER_POLL_INTERVAL_SECONDS", 5)) * time.Second,
		WorkerBatchSize:    getEnvAsInt("WORKER_BATCH_SIZE", 10),
		MaxRetryAttempts:   getEnvAsInt("MAX_RETRY_ATTEMPTS", 3),

		ReplyMode: getEnv("REPLY_MODE", ReplyModeWebhook),
		IMAP: IMAPConfig{
			Host:     getEnv("IMAP_HOST", ""),
			Port:     getEnv("IMAP_PORT", "993"),
			Username: getEnv("IMAP_USERNAME", ""),
			Password: getEnv("IMAP_PASSWORD", ""),
		},

		SentryDSN: getEnv("SENTRY_DSN", ""),

		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
	}

	// Validate required configurations
	if AppConfig.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if AppConfig.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY is required")
	}

	// Optional config degrades with a warning rather than crashing
	warnOptional()
	logConfig()
	return nil
}

func warnOptional() {
	switch AppConfig.EmailProvider {
	case ProviderSMTP:
		if AppConfig.SMTPUsername == "" {
			log.Println("⚠️ SMTP_USERNAME not set - sends will likely be rejected by the relay")
		}
	case ProviderPostmark:
		if AppConfig.PostmarkServerToken == "" {
			log.Println("⚠️ POSTMARK_SERVER_TOKEN not set - sends will fail until configured")
		}
	default:
		log.Printf("⚠️ Unknown EMAIL_PROVIDER %q - falling back to smtp", AppConfig.EmailProvider)
		AppConfig.EmailProvider = ProviderSMTP
	}

	if AppConfig.EmailFromAddress == "" {
		log.Println("⚠️ EMAIL_FROM_ADDRESS not set - outgoing mail will use the SMTP username")
		AppConfig.EmailFromAddress = AppConfig.SMTPUsername
	}
	if AppConfig.WebhookUsername == "" || AppConfig.WebhookPassword == "" {
		log.Println("⚠️ WEBHOOK_USERNAME/WEBHOOK_PASSWORD not set - inbound webhooks will be rejected")
	}
	if AppConfig.ReplyMode == ReplyModeIMAP && AppConfig.IMAP.Host == "" {
		log.Println("⚠️ REPLY_MODE=imap but IMAP_HOST not set - reply polling disabled")
	}
	if AppConfig.SentryDSN == "" {
		log.Println("⚠️ SENTRY_DSN not set - error reporting disabled")
	}
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")
	log.Println("Using connection string:", maskDSN(AppConfig.DatabaseURL))

	var err error
	DB, err = gorm.Open(postgres.Open(AppConfig.DatabaseURL), &gorm.Config{})
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

// MigrateDB creates the schema plus the indexes the dispatcher and the
// history endpoint rely on.
func MigrateDB(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.Campaign{},
		&models.CampaignTag{},
		&models.Lead{},
		&models.Template{},
		&models.Job{},
	); err != nil {
		return err
	}

	// The composite (status, scheduled_at) index backs the dispatcher's
	// due-job claims and the sent_at index backs the email-history queries.
	// AutoMigrate already declares them through struct tags; the explicit
	// statements cover databases migrated before the tags existed.
	if db.Dialector.Name() == "postgres" {
		stmts := []string{
			`CREATE INDEX IF NOT EXISTS idx_jobs_status_scheduled ON jobs (status, scheduled_at)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_sent_at ON jobs (sent_at)`,
		}
		for _, stmt := range stmts {
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to create index: %w", err)
			}
		}
	}
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
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

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "*****")
	}
	return u.String()
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Email Provider: %s", AppConfig.EmailProvider)
	log.Printf("Reply Mode: %s", AppConfig.ReplyMode)
	log.Printf("Worker: poll=%s batch=%d retries=%d",
		AppConfig.WorkerPollInterval,
		AppConfig.WorkerBatchSize,
		AppConfig.MaxRetryAttempts)
}
