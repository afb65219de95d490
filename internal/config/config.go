/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables. Risk thresholds, fee
// rates and retry knobs are threaded explicitly through the engine; nothing
// reads configuration from package globals at runtime.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	TransferEventQueue   string `mapstructure:"TRANSFER_EVENT_QUEUE"`
	JWKSURL              string `mapstructure:"JWKS_URL"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`
	BankDirectoryBaseURL string `mapstructure:"BANK_DIRECTORY_BASE_URL"`
	BankDirectoryAPIKey  string `mapstructure:"BANK_DIRECTORY_API_KEY"`
	Currency             string `mapstructure:"CURRENCY"`

	// Charge controls.
	FeesEnabled       bool    `mapstructure:"FEES_ENABLED"`
	LevyEnabled       bool    `mapstructure:"LEVY_ENABLED"`
	VATRatePercent    float64 `mapstructure:"VAT_RATE_PERCENT"`
	FeeTier1Kobo      int64   `mapstructure:"FEE_TIER1_KOBO"`
	FeeTier2Kobo      int64   `mapstructure:"FEE_TIER2_KOBO"`
	FeeTier3Kobo      int64   `mapstructure:"FEE_TIER3_KOBO"`
	FeeTier1MaxKobo   int64   `mapstructure:"FEE_TIER1_MAX_KOBO"`
	FeeTier2MaxKobo   int64   `mapstructure:"FEE_TIER2_MAX_KOBO"`
	LevyKobo          int64   `mapstructure:"LEVY_KOBO"`
	LevyBlockKobo     int64   `mapstructure:"LEVY_BLOCK_KOBO"`
	LevyMinAmountKobo int64   `mapstructure:"LEVY_MIN_AMOUNT_KOBO"`

	// Risk thresholds on the 0-100 fraud score.
	RiskTwoFAThreshold      int `mapstructure:"RISK_TWO_FA_THRESHOLD"`
	RiskSuspiciousThreshold int `mapstructure:"RISK_SUSPICIOUS_THRESHOLD"`
	RiskApprovalThreshold   int `mapstructure:"RISK_APPROVAL_THRESHOLD"`
	RiskBlockThreshold      int `mapstructure:"RISK_BLOCK_THRESHOLD"`

	// Velocity limits feeding the fraud scorer.
	HourlyCountLimit        int   `mapstructure:"VELOCITY_HOURLY_COUNT_LIMIT"`
	HourlyAmountLimitKobo   int64 `mapstructure:"VELOCITY_HOURLY_AMOUNT_LIMIT_KOBO"`
	DailyCountLimit         int   `mapstructure:"VELOCITY_DAILY_COUNT_LIMIT"`
	DailyAmountLimitKobo    int64 `mapstructure:"VELOCITY_DAILY_AMOUNT_LIMIT_KOBO"`
	RecipientHourlyLimit    int   `mapstructure:"VELOCITY_RECIPIENT_HOURLY_LIMIT"`
	RoundAmountFloorKobo    int64 `mapstructure:"ROUND_AMOUNT_FLOOR_KOBO"`
	RoundAmountMultipleKobo int64 `mapstructure:"ROUND_AMOUNT_MULTIPLE_KOBO"`

	// Per-transfer KYC tier limits.
	KYCTier1LimitKobo int64 `mapstructure:"KYC_TIER1_LIMIT_KOBO"`
	KYCTier2LimitKobo int64 `mapstructure:"KYC_TIER2_LIMIT_KOBO"`
	KYCTier3LimitKobo int64 `mapstructure:"KYC_TIER3_LIMIT_KOBO"`

	// Verification knobs.
	PINMaxAttempts          int `mapstructure:"PIN_MAX_ATTEMPTS"`
	PINLockoutSeconds       int `mapstructure:"PIN_LOCKOUT_SECONDS"`
	TwoFACodeTTLSeconds     int `mapstructure:"TWO_FA_CODE_TTL_SECONDS"`
	FaceChallengeTTLSeconds int `mapstructure:"FACE_CHALLENGE_TTL_SECONDS"`
	PendingVerifyTTLMinutes int `mapstructure:"PENDING_VERIFY_TTL_MINUTES"`

	// Settlement retry and circuit breaker.
	MaxRetries          int `mapstructure:"MAX_RETRIES"`
	RetryBackoffBaseMS  int `mapstructure:"RETRY_BACKOFF_BASE_MS"`
	RetryBackoffMaxMS   int `mapstructure:"RETRY_BACKOFF_MAX_MS"`
	BreakerFailureLimit int `mapstructure:"BREAKER_FAILURE_LIMIT"`

	CreateRateLimitPerMinute int `mapstructure:"CREATE_RATE_LIMIT_PER_MINUTE"`

	// Cron schedules.
	ExpirySweepSchedule  string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	ScheduledRunSchedule string `mapstructure:"SCHEDULED_RUN_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("TRANSFER_EVENT_QUEUE", "settlement_service.transfer_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "settlement:rate_limit")
	viper.SetDefault("CURRENCY", "NGN")
	viper.SetDefault("FEES_ENABLED", true)
	viper.SetDefault("LEVY_ENABLED", true)
	viper.SetDefault("VAT_RATE_PERCENT", 7.5)
	viper.SetDefault("FEE_TIER1_KOBO", 1000)
	viper.SetDefault("FEE_TIER2_KOBO", 2500)
	viper.SetDefault("FEE_TIER3_KOBO", 5000)
	viper.SetDefault("FEE_TIER1_MAX_KOBO", 500_000)
	viper.SetDefault("FEE_TIER2_MAX_KOBO", 5_000_000)
	viper.SetDefault("LEVY_KOBO", 5000)
	viper.SetDefault("LEVY_BLOCK_KOBO", 1_000_000)
	viper.SetDefault("LEVY_MIN_AMOUNT_KOBO", 1_000_000)
	viper.SetDefault("RISK_TWO_FA_THRESHOLD", 50)
	viper.SetDefault("RISK_SUSPICIOUS_THRESHOLD", 70)
	viper.SetDefault("RISK_APPROVAL_THRESHOLD", 85)
	viper.SetDefault("RISK_BLOCK_THRESHOLD", 95)
	viper.SetDefault("VELOCITY_HOURLY_COUNT_LIMIT", 10)
	viper.SetDefault("VELOCITY_HOURLY_AMOUNT_LIMIT_KOBO", 50_000_000)
	viper.SetDefault("VELOCITY_DAILY_COUNT_LIMIT", 50)
	viper.SetDefault("VELOCITY_DAILY_AMOUNT_LIMIT_KOBO", 200_000_000)
	viper.SetDefault("VELOCITY_RECIPIENT_HOURLY_LIMIT", 3)
	viper.SetDefault("ROUND_AMOUNT_FLOOR_KOBO", 10_000_000)
	viper.SetDefault("ROUND_AMOUNT_MULTIPLE_KOBO", 1_000_000)
	viper.SetDefault("KYC_TIER1_LIMIT_KOBO", 5_000_000)
	viper.SetDefault("KYC_TIER2_LIMIT_KOBO", 50_000_000)
	viper.SetDefault("KYC_TIER3_LIMIT_KOBO", 500_000_000)
	viper.SetDefault("PIN_MAX_ATTEMPTS", 3)
	viper.SetDefault("PIN_LOCKOUT_SECONDS", 1800)
	viper.SetDefault("TWO_FA_CODE_TTL_SECONDS", 600)
	viper.SetDefault("FACE_CHALLENGE_TTL_SECONDS", 300)
	viper.SetDefault("PENDING_VERIFY_TTL_MINUTES", 30)
	viper.SetDefault("MAX_RETRIES", 3)
	viper.SetDefault("RETRY_BACKOFF_BASE_MS", 1000)
	viper.SetDefault("RETRY_BACKOFF_MAX_MS", 60000)
	viper.SetDefault("BREAKER_FAILURE_LIMIT", 5)
	viper.SetDefault("CREATE_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("SCHEDULED_RUN_SCHEDULE", "* * * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("TRANSFER_EVENT_QUEUE")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("BANK_DIRECTORY_BASE_URL")
	_ = viper.BindEnv("BANK_DIRECTORY_API_KEY")
	_ = viper.BindEnv("CURRENCY")
	_ = viper.BindEnv("FEES_ENABLED")
	_ = viper.BindEnv("LEVY_ENABLED")
	_ = viper.BindEnv("VAT_RATE_PERCENT")
	_ = viper.BindEnv("VAT_RATE")
	_ = viper.BindEnv("FEE_TIER1_KOBO")
	_ = viper.BindEnv("FEE_TIER2_KOBO")
	_ = viper.BindEnv("FEE_TIER3_KOBO")
	_ = viper.BindEnv("FEE_TIER1_MAX_KOBO")
	_ = viper.BindEnv("FEE_TIER2_MAX_KOBO")
	_ = viper.BindEnv("LEVY_KOBO")
	_ = viper.BindEnv("LEVY_NAIRA")
	_ = viper.BindEnv("LEVY_BLOCK_KOBO")
	_ = viper.BindEnv("LEVY_MIN_AMOUNT_KOBO")
	_ = viper.BindEnv("RISK_TWO_FA_THRESHOLD")
	_ = viper.BindEnv("RISK_SUSPICIOUS_THRESHOLD")
	_ = viper.BindEnv("RISK_APPROVAL_THRESHOLD")
	_ = viper.BindEnv("VELOCITY_HOURLY_COUNT_LIMIT")
	_ = viper.BindEnv("VELOCITY_HOURLY_AMOUNT_LIMIT_KOBO")
	_ = viper.BindEnv("VELOCITY_DAILY_COUNT_LIMIT")
	_ = viper.BindEnv("VELOCITY_DAILY_AMOUNT_LIMIT_KOBO")
	_ = viper.BindEnv("VELOCITY_RECIPIENT_HOURLY_LIMIT")
	_ = viper.BindEnv("ROUND_AMOUNT_FLOOR_KOBO")
	_ = viper.BindEnv("ROUND_AMOUNT_MULTIPLE_KOBO")
	_ = viper.BindEnv("KYC_TIER1_LIMIT_KOBO")
	_ = viper.BindEnv("KYC_TIER2_LIMIT_KOBO")
	_ = viper.BindEnv("KYC_TIER3_LIMIT_KOBO")
	_ = viper.BindEnv("PIN_MAX_ATTEMPTS")
	_ = viper.BindEnv("PIN_LOCKOUT_SECONDS")
	_ = viper.BindEnv("TWO_FA_CODE_TTL_SECONDS")
	_ = viper.BindEnv("FACE_CHALLENGE_TTL_SECONDS")
	_ = viper.BindEnv("PENDING_VERIFY_TTL_MINUTES")
	_ = viper.BindEnv("MAX_RETRIES")
	_ = viper.BindEnv("RETRY_BACKOFF_BASE_MS")
	_ = viper.BindEnv("RETRY_BACKOFF_MAX_MS")
	_ = viper.BindEnv("BREAKER_FAILURE_LIMIT")
	_ = viper.BindEnv("CREATE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("SCHEDULED_RUN_SCHEDULE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SETTLEMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "settlement:rate_limit"
	}
	config.Currency = strings.ToUpper(strings.TrimSpace(config.Currency))
	if config.Currency == "" {
		config.Currency = "NGN"
	}

	// Allow specifying the VAT rate via VAT_RATE as an alternate name.
	if !viper.IsSet("VAT_RATE_PERCENT") && viper.IsSet("VAT_RATE") {
		rateStr := strings.TrimSpace(viper.GetString("VAT_RATE"))
		if rateStr != "" {
			rateValue, parseErr := strconv.ParseFloat(rateStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid VAT_RATE\" value=%q err=%v", rateStr, parseErr)
			} else {
				config.VATRatePercent = rateValue
			}
		}
	}
	if config.VATRatePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative vat rate configured; coercing to zero\" vat_rate=%f", config.VATRatePercent)
		config.VATRatePercent = 0
	}
	if config.VATRatePercent > 100 {
		log.Printf("level=warn component=config msg=\"vat rate too high; capping at 100\" vat_rate=%f", config.VATRatePercent)
		config.VATRatePercent = 100
	}

	// Allow specifying the levy in whole currency units via LEVY_NAIRA.
	if !viper.IsSet("LEVY_KOBO") && viper.IsSet("LEVY_NAIRA") {
		levyStr := strings.TrimSpace(viper.GetString("LEVY_NAIRA"))
		if levyStr != "" {
			levyValue, parseErr := strconv.ParseFloat(levyStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid LEVY_NAIRA\" value=%q err=%v", levyStr, parseErr)
			} else {
				config.LevyKobo = int64(math.Round(levyValue * 100))
			}
		}
	}
	if config.LevyKobo < 0 {
		log.Printf("level=warn component=config msg=\"negative levy configured; coercing to zero\" levy_kobo=%d", config.LevyKobo)
		config.LevyKobo = 0
	}
	if config.LevyBlockKobo <= 0 {
		config.LevyBlockKobo = 1_000_000
	}

	// Risk thresholds must be ordered and on the 0-100 scale.
	clampScore := func(name string, v int, fallback int) int {
		if v < 0 || v > 100 {
			log.Printf("level=warn component=config msg=\"risk threshold out of range; using default\" name=%s value=%d", name, v)
			return fallback
		}
		return v
	}
	config.RiskTwoFAThreshold = clampScore("RISK_TWO_FA_THRESHOLD", config.RiskTwoFAThreshold, 50)
	config.RiskSuspiciousThreshold = clampScore("RISK_SUSPICIOUS_THRESHOLD", config.RiskSuspiciousThreshold, 70)
	config.RiskApprovalThreshold = clampScore("RISK_APPROVAL_THRESHOLD", config.RiskApprovalThreshold, 85)
	if config.RiskSuspiciousThreshold < config.RiskTwoFAThreshold {
		log.Printf("level=warn component=config msg=\"suspicious threshold below 2fa threshold; raising\" suspicious=%d two_fa=%d",
			config.RiskSuspiciousThreshold, config.RiskTwoFAThreshold)
		config.RiskSuspiciousThreshold = config.RiskTwoFAThreshold
	}
	if config.RiskApprovalThreshold < config.RiskSuspiciousThreshold {
		log.Printf("level=warn component=config msg=\"approval threshold below suspicious threshold; raising\" approval=%d suspicious=%d",
			config.RiskApprovalThreshold, config.RiskSuspiciousThreshold)
		config.RiskApprovalThreshold = config.RiskSuspiciousThreshold
	}
	config.RiskBlockThreshold = clampScore("RISK_BLOCK_THRESHOLD", config.RiskBlockThreshold, 95)
	if config.RiskBlockThreshold < config.RiskApprovalThreshold {
		log.Printf("level=warn component=config msg=\"block threshold below approval threshold; raising\" block=%d approval=%d",
			config.RiskBlockThreshold, config.RiskApprovalThreshold)
		config.RiskBlockThreshold = config.RiskApprovalThreshold
	}

	if config.PINMaxAttempts <= 0 {
		config.PINMaxAttempts = 3
	}
	if config.PINLockoutSeconds <= 0 {
		config.PINLockoutSeconds = 1800
	}
	if config.TwoFACodeTTLSeconds <= 0 {
		config.TwoFACodeTTLSeconds = 600
	}
	if config.FaceChallengeTTLSeconds <= 0 {
		config.FaceChallengeTTLSeconds = 300
	}
	if config.PendingVerifyTTLMinutes <= 0 {
		config.PendingVerifyTTLMinutes = 30
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoffBaseMS <= 0 {
		config.RetryBackoffBaseMS = 1000
	}
	if config.RetryBackoffMaxMS < config.RetryBackoffBaseMS {
		config.RetryBackoffMaxMS = 60000
	}
	if config.BreakerFailureLimit <= 0 {
		config.BreakerFailureLimit = 5
	}
	if config.CreateRateLimitPerMinute <= 0 {
		config.CreateRateLimitPerMinute = 30
	}
	if config.ExpirySweepSchedule == "" {
		config.ExpirySweepSchedule = "*/5 * * * *"
	}
	if config.ScheduledRunSchedule == "" {
		config.ScheduledRunSchedule = "* * * * *"
	}

	return
}
