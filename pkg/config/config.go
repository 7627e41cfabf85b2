package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	ServiceNow ServiceNowConfig `mapstructure:"servicenow"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Sync       SyncConfig       `mapstructure:"sync"`
	SLA        SLAConfig        `mapstructure:"sla"`
	Warmup     WarmupConfig     `mapstructure:"warmup"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServiceNowConfig holds ServiceNow instance credentials and client tuning
type ServiceNowConfig struct {
	InstanceURL string        `mapstructure:"instance_url"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PageSize    int           `mapstructure:"page_size"`
}

// DatabaseConfig holds database connection details
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
	Pool     struct {
		MaxOpenConns    int           `mapstructure:"max_open_conns"`
		MaxIdleConns    int           `mapstructure:"max_idle_conns"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
		ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	} `mapstructure:"pool"`
}

// ConnectionString returns a PostgreSQL connection string
func (d DatabaseConfig) ConnectionString() string {
	// Check for environment variables first
	host := os.Getenv("PGHOST")
	if host == "" {
		host = d.Host
	}

	portStr := os.Getenv("PGPORT")
	port := d.Port
	if portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}

	dbname := os.Getenv("PGDATABASE")
	if dbname == "" {
		dbname = d.Name
	}

	user := os.Getenv("PGUSER")
	if user == "" {
		user = d.User
	}

	password := os.Getenv("PGPASSWORD")
	if password == "" {
		password = d.Password
	}

	sslmode := os.Getenv("PGSSLMODE")
	if sslmode == "" {
		sslmode = d.SSLMode
	}

	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		host, port, dbname, user, password, sslmode)
}

// RedisConfig holds the connection details for the change-notification bus
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// SyncConfig holds sync frequencies for the mirrored tables
type SyncConfig struct {
	Incidents          int `mapstructure:"incidents"`      // in minutes
	ChangeTasks        int `mapstructure:"change_tasks"`   // in minutes
	ServiceTasks       int `mapstructure:"service_tasks"`  // in minutes
	BatchSize          int `mapstructure:"batch_size"`     // number of records per page
	AuditRetentionDays int `mapstructure:"audit_retention_days"`
}

// SLAConfig holds the business calendar and the per-priority targets
type SLAConfig struct {
	Timezone          string             `mapstructure:"timezone"`
	BusinessStartHour int                `mapstructure:"business_start_hour"`
	BusinessEndHour   int                `mapstructure:"business_end_hour"` // exclusive
	BusinessDays      []string           `mapstructure:"business_days"`
	RefreshMinutes    int                `mapstructure:"refresh_minutes"`
	TargetHours       map[string]float64 `mapstructure:"target_hours"` // keyed by priority
	EscalationPercent float64            `mapstructure:"escalation_percent"`
}

// WarmupTierConfig bounds one priority tier of the warmup scheduler
type WarmupTierConfig struct {
	BatchSize   int `mapstructure:"batch_size"`
	Concurrency int `mapstructure:"concurrency"`
}

// WarmupConfig holds the cache warmup tuning
type WarmupConfig struct {
	DrainSeconds int              `mapstructure:"drain_seconds"`
	ChunkDelay   time.Duration    `mapstructure:"chunk_delay"`
	Critical     WarmupTierConfig `mapstructure:"critical"`
	High         WarmupTierConfig `mapstructure:"high"`
	Medium       WarmupTierConfig `mapstructure:"medium"`
	Low          WarmupTierConfig `mapstructure:"low"`
}

// HTTPConfig holds the API server settings
type HTTPConfig struct {
	Addr         string   `mapstructure:"addr"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate ServiceNow configuration
	if c.ServiceNow.InstanceURL == "" {
		return fmt.Errorf("servicenow instance_url is required")
	}
	if c.ServiceNow.Username == "" {
		return fmt.Errorf("servicenow username is required")
	}
	if c.ServiceNow.Password == "" {
		return fmt.Errorf("servicenow password is required")
	}
	if c.ServiceNow.PageSize <= 0 {
		return fmt.Errorf("invalid servicenow page size")
	}

	// Validate Database configuration
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 {
		return fmt.Errorf("invalid database port")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Database.SSLMode == "" {
		return fmt.Errorf("database ssl_mode is required")
	}

	// Validate Sync configuration
	if c.Sync.Incidents <= 0 {
		return fmt.Errorf("invalid incidents sync frequency")
	}
	if c.Sync.ChangeTasks <= 0 {
		return fmt.Errorf("invalid change tasks sync frequency")
	}
	if c.Sync.ServiceTasks <= 0 {
		return fmt.Errorf("invalid service tasks sync frequency")
	}

	// Validate SLA configuration
	if c.SLA.BusinessStartHour < 0 || c.SLA.BusinessStartHour > 23 {
		return fmt.Errorf("invalid sla business_start_hour")
	}
	if c.SLA.BusinessEndHour <= c.SLA.BusinessStartHour || c.SLA.BusinessEndHour > 24 {
		return fmt.Errorf("invalid sla business_end_hour")
	}
	if len(c.SLA.BusinessDays) == 0 {
		return fmt.Errorf("sla business_days is required")
	}

	// Validate Warmup configuration
	for name, tier := range map[string]WarmupTierConfig{
		"critical": c.Warmup.Critical,
		"high":     c.Warmup.High,
		"medium":   c.Warmup.Medium,
		"low":      c.Warmup.Low,
	} {
		if tier.BatchSize <= 0 {
			return fmt.Errorf("invalid warmup %s batch size", name)
		}
		if tier.Concurrency <= 0 {
			return fmt.Errorf("invalid warmup %s concurrency", name)
		}
	}

	// Validate Log configuration
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// Load loads the configuration from file and environment variables
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	setDefaults()

	// Read from environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Map environment variables to config fields
	viper.BindEnv("servicenow.instance_url", "SERVICENOW_INSTANCE_URL")
	viper.BindEnv("servicenow.username", "SERVICENOW_USERNAME")
	viper.BindEnv("servicenow.password", "SERVICENOW_PASSWORD")
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")
	viper.BindEnv("sync.incidents", "SYNC_INCIDENTS")
	viper.BindEnv("sync.change_tasks", "SYNC_CHANGE_TASKS")
	viper.BindEnv("sync.service_tasks", "SYNC_SERVICE_TASKS")
	viper.BindEnv("sync.batch_size", "SYNC_BATCH_SIZE")
	viper.BindEnv("http.addr", "HTTP_ADDR")
	viper.BindEnv("log.level", "LOG_LEVEL")
	viper.BindEnv("log.format", "LOG_FORMAT")

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// ServiceNow defaults
	viper.SetDefault("servicenow.timeout", 30*time.Second)
	viper.SetDefault("servicenow.max_retries", 3)
	viper.SetDefault("servicenow.page_size", 100)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "servicenow_cache")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.pool.max_open_conns", 25)
	viper.SetDefault("database.pool.max_idle_conns", 5)
	viper.SetDefault("database.pool.conn_max_lifetime", time.Hour)
	viper.SetDefault("database.pool.conn_max_idle_time", time.Minute*5)

	// Redis defaults
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.channel", "bunnow:ticket:changes")

	// Sync frequency defaults (in minutes)
	viper.SetDefault("sync.incidents", 5)
	viper.SetDefault("sync.change_tasks", 15)
	viper.SetDefault("sync.service_tasks", 15)
	viper.SetDefault("sync.batch_size", 100)
	viper.SetDefault("sync.audit_retention_days", 90)

	// SLA defaults: business hours window and per-priority targets
	viper.SetDefault("sla.timezone", "UTC")
	viper.SetDefault("sla.business_start_hour", 8)
	viper.SetDefault("sla.business_end_hour", 18)
	viper.SetDefault("sla.business_days", []string{"mon", "tue", "wed", "thu", "fri"})
	viper.SetDefault("sla.refresh_minutes", 5)
	viper.SetDefault("sla.target_hours.1", 4)
	viper.SetDefault("sla.target_hours.2", 8)
	viper.SetDefault("sla.target_hours.3", 24)
	viper.SetDefault("sla.target_hours.4", 72)
	viper.SetDefault("sla.target_hours.5", 168)
	viper.SetDefault("sla.escalation_percent", 80)

	// Warmup defaults
	viper.SetDefault("warmup.drain_seconds", 30)
	viper.SetDefault("warmup.chunk_delay", 100*time.Millisecond)
	viper.SetDefault("warmup.critical.batch_size", 10)
	viper.SetDefault("warmup.critical.concurrency", 2)
	viper.SetDefault("warmup.high.batch_size", 25)
	viper.SetDefault("warmup.high.concurrency", 2)
	viper.SetDefault("warmup.medium.batch_size", 50)
	viper.SetDefault("warmup.medium.concurrency", 3)
	viper.SetDefault("warmup.low.batch_size", 100)
	viper.SetDefault("warmup.low.concurrency", 3)

	// HTTP defaults
	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("http.allow_origins", []string{"*"})

	// Log defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
}
