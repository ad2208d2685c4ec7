package shared

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// UnifiedConfiguration holds all runtime configuration for the scan and
// dispatch subsystem
type UnifiedConfiguration struct {
	ListingSource ListingSourceConfig `json:"listing_source"`
	Database      DatabaseConfig      `json:"database"`
	Scan          ScanBatchConfig     `json:"scan"`
	Dispatch      DispatchConfig      `json:"dispatch"`
	Logging       LoggingConfig       `json:"logging"`
}

// ListingSourceConfig holds listing source client configuration
type ListingSourceConfig struct {
	BaseURL            string        `json:"base_url"`
	HTTPRequestTimeout time.Duration `json:"http_timeout"`
	RequestRateLimit   time.Duration `json:"rate_limit"`
	MaxRetryAttempts   int           `json:"max_retries"`
	PageSize           int           `json:"page_size"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	PingTimeout     time.Duration `json:"ping_timeout"`
}

// ScanBatchConfig holds scan orchestration configuration
type ScanBatchConfig struct {
	AddressPageSize  int           `json:"address_page_size"`
	MaxConcurrency   int           `json:"max_concurrency"`
	BatchRetries     int           `json:"batch_retries"`
	RetryBackoffBase time.Duration `json:"retry_backoff_base"`
	LookbackDays     int           `json:"lookback_days"`
}

// DispatchConfig holds notification dispatch configuration
type DispatchConfig struct {
	WebhookTimeout      time.Duration `json:"webhook_timeout"`
	WebhookMaxRetries   int           `json:"webhook_max_retries"`
	BreakerThreshold    int           `json:"breaker_threshold"`
	BreakerCooldown     time.Duration `json:"breaker_cooldown"`
	DefaultBatchTimeout time.Duration `json:"default_batch_timeout"`
	DefaultBatchMaxSize int           `json:"default_batch_max_size"`
	CSVExportDir        string        `json:"csv_export_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level       string `json:"level"`
	Format      string `json:"format"`
	ServiceName string `json:"service_name"`
}

// NewDefaultUnifiedConfiguration returns production-ready default configuration
func NewDefaultUnifiedConfiguration() *UnifiedConfiguration {
	return &UnifiedConfiguration{
		ListingSource: ListingSourceConfig{
			BaseURL:            "https://api.rentcast.io/v1",
			HTTPRequestTimeout: 30 * time.Second,
			RequestRateLimit:   1 * time.Second,
			MaxRetryAttempts:   3,
			PageSize:           50,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			PingTimeout:     5 * time.Second,
		},
		Scan: ScanBatchConfig{
			AddressPageSize:  200,
			MaxConcurrency:   4,
			BatchRetries:     3,
			RetryBackoffBase: 1 * time.Second,
			LookbackDays:     7,
		},
		Dispatch: DispatchConfig{
			WebhookTimeout:      15 * time.Second,
			WebhookMaxRetries:   3,
			BreakerThreshold:    5,
			BreakerCooldown:     60 * time.Second,
			DefaultBatchTimeout: 15 * time.Minute,
			DefaultBatchMaxSize: 25,
			CSVExportDir:        "exports",
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "market-alert-backend",
		},
	}
}

// ValidateAndApplyDefaults validates configuration and applies defaults for invalid values
func (c *UnifiedConfiguration) ValidateAndApplyDefaults() {
	logger := logrus.WithField("component", "UnifiedConfiguration")
	defaults := NewDefaultUnifiedConfiguration()

	if c.ListingSource.BaseURL == "" {
		c.ListingSource.BaseURL = defaults.ListingSource.BaseURL
		logger.Debug("Applied default ListingSource.BaseURL")
	}
	if c.ListingSource.HTTPRequestTimeout <= 0 {
		c.ListingSource.HTTPRequestTimeout = defaults.ListingSource.HTTPRequestTimeout
		logger.Debug("Applied default ListingSource.HTTPRequestTimeout")
	}
	if c.ListingSource.RequestRateLimit <= 0 {
		c.ListingSource.RequestRateLimit = defaults.ListingSource.RequestRateLimit
		logger.Debug("Applied default ListingSource.RequestRateLimit")
	}
	if c.ListingSource.MaxRetryAttempts <= 0 {
		c.ListingSource.MaxRetryAttempts = defaults.ListingSource.MaxRetryAttempts
		logger.Debug("Applied default ListingSource.MaxRetryAttempts")
	}
	if c.ListingSource.PageSize <= 0 {
		c.ListingSource.PageSize = defaults.ListingSource.PageSize
		logger.Debug("Applied default ListingSource.PageSize")
	}

	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = defaults.Database.MaxOpenConns
		logger.Debug("Applied default Database.MaxOpenConns")
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = defaults.Database.MaxIdleConns
		logger.Debug("Applied default Database.MaxIdleConns")
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = defaults.Database.ConnMaxLifetime
		logger.Debug("Applied default Database.ConnMaxLifetime")
	}
	if c.Database.ConnMaxIdleTime <= 0 {
		c.Database.ConnMaxIdleTime = defaults.Database.ConnMaxIdleTime
		logger.Debug("Applied default Database.ConnMaxIdleTime")
	}
	if c.Database.PingTimeout <= 0 {
		c.Database.PingTimeout = defaults.Database.PingTimeout
		logger.Debug("Applied default Database.PingTimeout")
	}

	if c.Scan.AddressPageSize <= 0 {
		c.Scan.AddressPageSize = defaults.Scan.AddressPageSize
		logger.Debug("Applied default Scan.AddressPageSize")
	}
	if c.Scan.MaxConcurrency <= 0 {
		c.Scan.MaxConcurrency = defaults.Scan.MaxConcurrency
		logger.Debug("Applied default Scan.MaxConcurrency")
	}
	if c.Scan.BatchRetries <= 0 {
		c.Scan.BatchRetries = defaults.Scan.BatchRetries
		logger.Debug("Applied default Scan.BatchRetries")
	}
	if c.Scan.RetryBackoffBase <= 0 {
		c.Scan.RetryBackoffBase = defaults.Scan.RetryBackoffBase
		logger.Debug("Applied default Scan.RetryBackoffBase")
	}
	if c.Scan.LookbackDays <= 0 {
		c.Scan.LookbackDays = defaults.Scan.LookbackDays
		logger.Debug("Applied default Scan.LookbackDays")
	}

	if c.Dispatch.WebhookTimeout <= 0 {
		c.Dispatch.WebhookTimeout = defaults.Dispatch.WebhookTimeout
		logger.Debug("Applied default Dispatch.WebhookTimeout")
	}
	if c.Dispatch.WebhookMaxRetries <= 0 {
		c.Dispatch.WebhookMaxRetries = defaults.Dispatch.WebhookMaxRetries
		logger.Debug("Applied default Dispatch.WebhookMaxRetries")
	}
	if c.Dispatch.BreakerThreshold <= 0 {
		c.Dispatch.BreakerThreshold = defaults.Dispatch.BreakerThreshold
		logger.Debug("Applied default Dispatch.BreakerThreshold")
	}
	if c.Dispatch.BreakerCooldown <= 0 {
		c.Dispatch.BreakerCooldown = defaults.Dispatch.BreakerCooldown
		logger.Debug("Applied default Dispatch.BreakerCooldown")
	}
	if c.Dispatch.DefaultBatchTimeout <= 0 {
		c.Dispatch.DefaultBatchTimeout = defaults.Dispatch.DefaultBatchTimeout
		logger.Debug("Applied default Dispatch.DefaultBatchTimeout")
	}
	if c.Dispatch.DefaultBatchMaxSize <= 0 {
		c.Dispatch.DefaultBatchMaxSize = defaults.Dispatch.DefaultBatchMaxSize
		logger.Debug("Applied default Dispatch.DefaultBatchMaxSize")
	}
	if c.Dispatch.CSVExportDir == "" {
		c.Dispatch.CSVExportDir = defaults.Dispatch.CSVExportDir
		logger.Debug("Applied default Dispatch.CSVExportDir")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
		logger.Debug("Applied default Logging.Level")
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
		logger.Debug("Applied default Logging.Format")
	}
	if c.Logging.ServiceName == "" {
		c.Logging.ServiceName = defaults.Logging.ServiceName
		logger.Debug("Applied default Logging.ServiceName")
	}
}

// ToJSON serializes the configuration to JSON
func (c *UnifiedConfiguration) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// LoadFromJSON deserializes configuration from JSON
func (c *UnifiedConfiguration) LoadFromJSON(jsonData []byte) error {
	if err := json.Unmarshal(jsonData, c); err != nil {
		return fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	c.ValidateAndApplyDefaults()
	return nil
}
