package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds all configuration for the application
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	SMTP        SMTPConfig      `mapstructure:"smtp"`
	Report      ReportConfig    `mapstructure:"report"`
	Retention   RetentionConfig `mapstructure:"retention"`
	Store       StoreConfig     `mapstructure:"store"`
	Database    DatabaseConfig  `mapstructure:"database"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// SMTPConfig holds outbound mail transport configuration
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Secure   bool   `mapstructure:"secure"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ReportConfig holds report sender/recipient addresses
type ReportConfig struct {
	Sender     string `mapstructure:"sender"`
	Recipients string `mapstructure:"recipients"`
}

// RecipientList splits the comma-separated recipients value.
func (c *ReportConfig) RecipientList() []string {
	var out []string
	for _, r := range strings.Split(c.Recipients, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// RetentionConfig holds the retention window and the daily schedule
type RetentionConfig struct {
	Days     int    `mapstructure:"days"`
	Schedule string `mapstructure:"schedule"`
}

// StoreConfig selects and configures the persistence backend
type StoreConfig struct {
	Backend   string `mapstructure:"backend"`
	DataDir   string `mapstructure:"data_dir"`
	BackupDir string `mapstructure:"backup_dir"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// RateLimitConfig holds per-client request limits for the intake endpoint
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set defaults
	setDefaults()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	viper.AutomaticEnv()

	// Bind environment variables
	bindEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("environment", EnvDevelopment)

	viper.SetDefault("server.port", "5001")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("smtp.port", 587)
	viper.SetDefault("smtp.secure", false)

	viper.SetDefault("retention.days", 7)
	// Once every 24 hours, at 02:00.
	viper.SetDefault("retention.schedule", "0 0 2 * * *")

	viper.SetDefault("store.backend", "csv")
	viper.SetDefault("store.data_dir", "data")
	viper.SetDefault("store.backup_dir", "backups")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)

	viper.SetDefault("rate_limit.rps", 10)
	viper.SetDefault("rate_limit.burst", 20)
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars() {
	viper.BindEnv("environment", "APP_ENV")

	// Server
	viper.BindEnv("server.port", "PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// SMTP
	viper.BindEnv("smtp.host", "SMTP_HOST")
	viper.BindEnv("smtp.port", "SMTP_PORT")
	viper.BindEnv("smtp.secure", "SMTP_SECURE")
	viper.BindEnv("smtp.username", "SMTP_USERNAME")
	viper.BindEnv("smtp.password", "SMTP_PASSWORD")

	// Report
	viper.BindEnv("report.sender", "REPORT_SENDER")
	viper.BindEnv("report.recipients", "REPORT_RECIPIENTS")

	// Retention
	viper.BindEnv("retention.days", "RETENTION_DAYS")
	viper.BindEnv("retention.schedule", "RETENTION_SCHEDULE")

	// Store
	viper.BindEnv("store.backend", "STORE_BACKEND")
	viper.BindEnv("store.data_dir", "STORE_DATA_DIR")
	viper.BindEnv("store.backup_dir", "STORE_BACKUP_DIR")

	// Database
	viper.BindEnv("database.host", "DB_HOST")
	viper.BindEnv("database.port", "DB_PORT")
	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("database.dbname", "DB_NAME")

	// Rate limiting
	viper.BindEnv("rate_limit.rps", "RATE_LIMIT_RPS")
	viper.BindEnv("rate_limit.burst", "RATE_LIMIT_BURST")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// IsProduction reports whether the deployment environment is production.
// Production refuses the trust-everything notification verifier.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		return fmt.Errorf("environment must be %q or %q", EnvDevelopment, EnvProduction)
	}

	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.SMTP.Host == "" {
		return fmt.Errorf("smtp host is required")
	}
	if c.Report.Sender == "" || len(c.Report.RecipientList()) == 0 {
		return fmt.Errorf("report sender and recipients are required")
	}

	if c.Retention.Days <= 0 {
		return fmt.Errorf("retention days must be greater than 0")
	}
	if c.Retention.Schedule == "" {
		return fmt.Errorf("retention schedule is required")
	}

	switch c.Store.Backend {
	case "csv":
		if c.Store.DataDir == "" || c.Store.BackupDir == "" {
			return fmt.Errorf("store data_dir and backup_dir are required")
		}
	case "mysql":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required")
		}
		if c.Store.BackupDir == "" {
			return fmt.Errorf("store backup_dir is required")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit rps and burst must be greater than 0")
	}

	return nil
}
