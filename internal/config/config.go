package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	LogLevel            string
	PollInterval        time.Duration
	OpTimeout           time.Duration
	SelectTimeout       time.Duration
	ArchiveFolder       string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("BUCKETMAIL_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintln(os.Stderr, "Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("BUCKETMAIL_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("BUCKETMAIL_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("BUCKETMAIL_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("BUCKETMAIL_DB_USER", "bucketmail"),
		DBPassword:          os.Getenv("BUCKETMAIL_DB_PASSWORD"),
		DBName:              getEnvOrDefault("BUCKETMAIL_DB_NAME", "bucketmail"),
		DBSSLMode:           getEnvOrDefault("BUCKETMAIL_DB_SSLMODE", "disable"),
		LogLevel:            getEnvOrDefault("BUCKETMAIL_LOG_LEVEL", "info"),
		ArchiveFolder:       getEnvOrDefault("BUCKETMAIL_ARCHIVE_FOLDER", "Archive"),
	}

	var err error
	if config.PollInterval, err = getDurationOrDefault("BUCKETMAIL_POLL_INTERVAL", 2*time.Minute); err != nil {
		return nil, err
	}
	if config.OpTimeout, err = getDurationOrDefault("BUCKETMAIL_OP_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if config.SelectTimeout, err = getDurationOrDefault("BUCKETMAIL_SELECT_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("BUCKETMAIL_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("BUCKETMAIL_DB_PASSWORD is required")
	}

	if c.PollInterval <= 0 || c.OpTimeout <= 0 || c.SelectTimeout <= 0 {
		return fmt.Errorf("poll interval and timeouts must be positive")
	}

	if c.ArchiveFolder == "" || c.ArchiveFolder == "INBOX" {
		return fmt.Errorf("BUCKETMAIL_ARCHIVE_FOLDER must name a folder other than INBOX")
	}

	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
