/**
 * @description
 * Configuration management for the SEPA collection service. Settings come
 * from environment variables (optionally seeded from a .env file by main)
 * and include the creditor identity and collection policy that the mandate
 * and batch components read at creation time.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding and defaults.
 */
package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/verenigingen/sepa-service/internal/domain"
)

// Config holds all configuration for the SEPA collection service.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RunMigrations  bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RunLockPrefix  string `mapstructure:"RUN_LOCK_PREFIX"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`
	BankRespQueue  string `mapstructure:"BANK_RESPONSE_QUEUE"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`
	NodeID         int64  `mapstructure:"NODE_ID"`

	LedgerServiceURL    string `mapstructure:"LEDGER_SERVICE_URL"`
	LedgerServiceAPIKey string `mapstructure:"LEDGER_SERVICE_API_KEY"`
	MemberServiceURL    string `mapstructure:"MEMBER_SERVICE_URL"`
	MemberServiceAPIKey string `mapstructure:"MEMBER_SERVICE_API_KEY"`

	CreditorName string `mapstructure:"CREDITOR_NAME"`
	CreditorID   string `mapstructure:"CREDITOR_ID"`
	CreditorIBAN string `mapstructure:"CREDITOR_IBAN"`
	CreditorBIC  string `mapstructure:"CREDITOR_BIC"`

	MandateIDPattern          string `mapstructure:"MANDATE_ID_PATTERN"`
	MandateIDStart            int64  `mapstructure:"MANDATE_ID_START"`
	MandateMaxAmountCents     int64  `mapstructure:"MANDATE_MAX_AMOUNT_CENTS"`
	RecurringNoticeDays       int    `mapstructure:"RECURRING_NOTICE_DAYS"`
	FirstCollectionNoticeDays int    `mapstructure:"FIRST_COLLECTION_NOTICE_DAYS"`
	MandateDormancyMonths     int    `mapstructure:"MANDATE_DORMANCY_MONTHS"`
	DefaultDueDays            int    `mapstructure:"DEFAULT_DUE_DAYS"`
	MaxCatchUpPeriods         int    `mapstructure:"MAX_CATCH_UP_PERIODS"`
	DuesSweepWorkers          int    `mapstructure:"DUES_SWEEP_WORKERS"`
	RetryMaxAttempts          int    `mapstructure:"RETRY_MAX_ATTEMPTS"`
	Currency                  string `mapstructure:"CURRENCY"`
	BusinessTimezone          string `mapstructure:"BUSINESS_TIMEZONE"`

	DuesJobSchedule          string `mapstructure:"DUES_JOB_SCHEDULE"`
	MandateExpiryJobSchedule string `mapstructure:"MANDATE_EXPIRY_JOB_SCHEDULE"`
	BatchJobSchedule         string `mapstructure:"BATCH_JOB_SCHEDULE"`
	AutoExportBatches        bool   `mapstructure:"AUTO_EXPORT_BATCHES"`

	ArchiveS3Bucket    string `mapstructure:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Region    string `mapstructure:"ARCHIVE_S3_REGION"`
	ArchiveS3Endpoint  string `mapstructure:"ARCHIVE_S3_ENDPOINT"`
	ArchiveS3AccessKey string `mapstructure:"ARCHIVE_S3_ACCESS_KEY"`
	ArchiveS3SecretKey string `mapstructure:"ARCHIVE_S3_SECRET_KEY"`
	ArchiveDir         string `mapstructure:"ARCHIVE_DIR"`
}

var positiveIntDefaults = map[string]int{
	"RECURRING_NOTICE_DAYS":        5,
	"FIRST_COLLECTION_NOTICE_DAYS": 2,
	"MANDATE_DORMANCY_MONTHS":      36,
	"DEFAULT_DUE_DAYS":             30,
	"MAX_CATCH_UP_PERIODS":         12,
	"DUES_SWEEP_WORKERS":           4,
	"RETRY_MAX_ATTEMPTS":           3,
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("RUN_LOCK_PREFIX", "sepa:run_lock")
	viper.SetDefault("EVENTS_EXCHANGE", "verenigingen.events")
	viper.SetDefault("BANK_RESPONSE_QUEUE", "sepa_service.bank_responses")
	viper.SetDefault("MANDATE_ID_PATTERN", "MNDT-{YYYY}-#####")
	viper.SetDefault("NODE_ID", 1)
	viper.SetDefault("MANDATE_ID_START", 1)
	viper.SetDefault("MANDATE_MAX_AMOUNT_CENTS", 100000)
	for key, value := range positiveIntDefaults {
		viper.SetDefault(key, value)
	}
	viper.SetDefault("CURRENCY", "EUR")
	viper.SetDefault("BUSINESS_TIMEZONE", "Europe/Amsterdam")
	viper.SetDefault("DUES_JOB_SCHEDULE", "0 2 * * *")           // Daily at 02:00.
	viper.SetDefault("MANDATE_EXPIRY_JOB_SCHEDULE", "0 1 * * *") // Daily at 01:00.
	viper.SetDefault("BATCH_JOB_SCHEDULE", "0 6 * * 1")          // Mondays at 06:00.
	viper.SetDefault("AUTO_EXPORT_BATCHES", false)
	viper.SetDefault("ARCHIVE_DIR", "./exports")
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "DATABASE_URL", "RUN_MIGRATIONS", "REDIS_URL", "RUN_LOCK_PREFIX",
		"RABBITMQ_URL", "EVENTS_EXCHANGE", "BANK_RESPONSE_QUEUE", "INTERNAL_API_KEY", "NODE_ID",
		"LEDGER_SERVICE_URL", "LEDGER_SERVICE_API_KEY", "MEMBER_SERVICE_URL", "MEMBER_SERVICE_API_KEY",
		"CREDITOR_NAME", "CREDITOR_ID", "CREDITOR_IBAN", "CREDITOR_BIC",
		"MANDATE_ID_PATTERN", "MANDATE_ID_START", "MANDATE_MAX_AMOUNT_CENTS",
		"RECURRING_NOTICE_DAYS", "FIRST_COLLECTION_NOTICE_DAYS", "MANDATE_DORMANCY_MONTHS",
		"DEFAULT_DUE_DAYS", "MAX_CATCH_UP_PERIODS", "DUES_SWEEP_WORKERS", "RETRY_MAX_ATTEMPTS",
		"CURRENCY", "BUSINESS_TIMEZONE",
		"DUES_JOB_SCHEDULE", "MANDATE_EXPIRY_JOB_SCHEDULE", "BATCH_JOB_SCHEDULE", "AUTO_EXPORT_BATCHES",
		"ARCHIVE_S3_BUCKET", "ARCHIVE_S3_REGION", "ARCHIVE_S3_ENDPOINT",
		"ARCHIVE_S3_ACCESS_KEY", "ARCHIVE_S3_SECRET_KEY", "ARCHIVE_DIR",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("LEDGER_SERVICE_API_KEY", "LEDGER_SERVICE_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	if strings.TrimSpace(config.LedgerServiceAPIKey) == "" {
		config.LedgerServiceAPIKey = config.InternalAPIKey
	}
	if strings.TrimSpace(config.MemberServiceAPIKey) == "" {
		config.MemberServiceAPIKey = config.InternalAPIKey
	}
	config.CreditorIBAN = domain.NormalizeIBAN(config.CreditorIBAN)
	config.CreditorBIC = strings.ToUpper(strings.TrimSpace(config.CreditorBIC))
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)

	config.coercePositive()

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) coercePositive() {
	fields := map[string]*int{
		"RECURRING_NOTICE_DAYS":        &c.RecurringNoticeDays,
		"FIRST_COLLECTION_NOTICE_DAYS": &c.FirstCollectionNoticeDays,
		"MANDATE_DORMANCY_MONTHS":      &c.MandateDormancyMonths,
		"DEFAULT_DUE_DAYS":             &c.DefaultDueDays,
		"MAX_CATCH_UP_PERIODS":         &c.MaxCatchUpPeriods,
		"DUES_SWEEP_WORKERS":           &c.DuesSweepWorkers,
		"RETRY_MAX_ATTEMPTS":           &c.RetryMaxAttempts,
	}
	for key, field := range fields {
		if *field <= 0 {
			log.Printf("level=warn component=config msg=\"non-positive value, using default\" key=%s value=%d default=%d", key, *field, positiveIntDefaults[key])
			*field = positiveIntDefaults[key]
		}
	}
	if c.MandateMaxAmountCents <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive value, using default\" key=MANDATE_MAX_AMOUNT_CENTS value=%d", c.MandateMaxAmountCents)
		c.MandateMaxAmountCents = 100000
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		log.Printf("level=warn component=config msg=\"node id out of range, using default\" key=NODE_ID value=%d", c.NodeID)
		c.NodeID = 1
	}
	if c.MandateIDStart <= 0 {
		c.MandateIDStart = 1
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.CreditorID) == "" {
		return fmt.Errorf("CREDITOR_ID is required")
	}
	if err := domain.ValidateIBAN(c.CreditorIBAN); err != nil {
		return fmt.Errorf("CREDITOR_IBAN: %w", err)
	}
	if err := domain.ValidateBIC(c.CreditorBIC); err != nil {
		return fmt.Errorf("CREDITOR_BIC: %w", err)
	}
	if !strings.Contains(c.MandateIDPattern, "#") {
		return fmt.Errorf("MANDATE_ID_PATTERN must contain a # counter run, got %q", c.MandateIDPattern)
	}
	return nil
}

// Settings returns the collection policy handed to the app components.
func (c *Config) Settings() domain.CollectionSettings {
	return domain.CollectionSettings{
		Creditor: domain.Creditor{
			Name:     c.CreditorName,
			SchemeID: c.CreditorID,
			IBAN:     c.CreditorIBAN,
			BIC:      c.CreditorBIC,
		},
		Currency:                  c.Currency,
		MandateMaxAmountCents:     c.MandateMaxAmountCents,
		RecurringNoticeDays:       c.RecurringNoticeDays,
		FirstCollectionNoticeDays: c.FirstCollectionNoticeDays,
		MandateDormancyMonths:     c.MandateDormancyMonths,
		DefaultDueDays:            c.DefaultDueDays,
		MaxCatchUpPeriods:         c.MaxCatchUpPeriods,
		RetryMaxAttempts:          c.RetryMaxAttempts,
	}
}
