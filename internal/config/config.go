// Package config loads ledgerd runtime settings from flags, environment and config files.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. PAYLEDGER_DATABASE_URL.
const EnvPrefix = "PAYLEDGER"

const (
	keyDatabaseURL           = "database_url"
	keyHTTPListenAddr        = "http_listen_addr"
	keyGRPCListenAddr        = "grpc_listen_addr"
	keyAllowedOrigins        = "allowed_origins"
	keySessionSigningKey     = "session_signing_key"
	keySessionIssuer         = "session_issuer"
	keySessionCookieName     = "session_cookie_name"
	keyAdminUserIDs          = "admin_user_ids"
	keyPlatformFee           = "platform_fee"
	keyPlatformFees          = "platform_fees"
	keyAffiliateCommission   = "affiliate_commission"
	keyPayoutMinimum         = "payout_minimum"
	keyPayoutMaximum         = "payout_maximum"
	keyIntegrationSecrets    = "integration_secrets"
	keyRedisAddr             = "redis_addr"
	keyKafkaBrokers          = "kafka_brokers"
	keyEventTopic            = "event_topic"
	keyJournalPath           = "journal_path"
	keyRetryAttempts         = "retry_attempts"
	keyRetryBaseDelay        = "retry_base_delay"
	keyOutboxPollInterval    = "outbox_poll_interval"
	keyReportRefreshInterval = "report_refresh_interval"

	defaultDatabaseURL           = "sqlite:///tmp/payledger.db"
	defaultHTTPListenAddr        = ":8080"
	defaultGRPCListenAddr        = ":7000"
	defaultSessionIssuer         = "tauth"
	defaultSessionCookie         = "app_session"
	defaultPlatformFee           = "0.2"
	defaultRetryAttempts         = 3
	defaultRetryBaseDelay        = 25 * time.Millisecond
	defaultOutboxPollInterval    = time.Second
	defaultReportRefreshInterval = 30 * time.Second
	listSeparator                = ","
	pairSeparator                = "="
)

var settingKeys = []string{
	keyDatabaseURL, keyHTTPListenAddr, keyGRPCListenAddr, keyAllowedOrigins,
	keySessionSigningKey, keySessionIssuer, keySessionCookieName, keyAdminUserIDs,
	keyPlatformFee, keyPlatformFees, keyAffiliateCommission, keyPayoutMinimum, keyPayoutMaximum,
	keyIntegrationSecrets, keyRedisAddr, keyKafkaBrokers, keyEventTopic, keyJournalPath,
	keyRetryAttempts, keyRetryBaseDelay, keyOutboxPollInterval, keyReportRefreshInterval,
}

// Config aggregates runtime settings for ledgerd.
type Config struct {
	DatabaseURL           string
	HTTPListenAddr        string
	GRPCListenAddr        string
	AllowedOrigins        []string
	SessionSigningKey     string
	SessionIssuer         string
	SessionCookieName     string
	AdminUserIDs          []string
	PlatformFee           string
	PlatformFees          map[string]string
	AffiliateCommission   string
	PayoutMinimum         int64
	PayoutMaximum         int64
	IntegrationSecrets    map[string]string
	RedisAddr             string
	KafkaBrokers          []string
	EventTopic            string
	JournalPath           string
	RetryAttempts         int
	RetryBaseDelay        time.Duration
	OutboxPollInterval    time.Duration
	ReportRefreshInterval time.Duration
}

// RegisterFlags declares every setting on flags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(flagName(keyDatabaseURL), defaultDatabaseURL, "database url (postgres://, mysql://, sqlite:// or a sqlite path)")
	flags.String(flagName(keyHTTPListenAddr), defaultHTTPListenAddr, "HTTP listen address")
	flags.String(flagName(keyGRPCListenAddr), defaultGRPCListenAddr, "gRPC listen address")
	flags.String(flagName(keyAllowedOrigins), "", "comma separated CORS origins")
	flags.String(flagName(keySessionSigningKey), "", "tauth session signing key")
	flags.String(flagName(keySessionIssuer), defaultSessionIssuer, "tauth session issuer")
	flags.String(flagName(keySessionCookieName), defaultSessionCookie, "tauth session cookie name")
	flags.String(flagName(keyAdminUserIDs), "", "comma separated user ids allowed on admin routes")
	flags.String(flagName(keyPlatformFee), defaultPlatformFee, "default platform fee rate")
	flags.String(flagName(keyPlatformFees), "", "per type fee overrides, e.g. tip=0.05,nft=0.1")
	flags.String(flagName(keyAffiliateCommission), "0", "affiliate commission rate on attributed sales")
	flags.Int64(flagName(keyPayoutMinimum), 0, "minimum payout in minor units")
	flags.Int64(flagName(keyPayoutMaximum), 0, "maximum payout in minor units, 0 for unlimited")
	flags.String(flagName(keyIntegrationSecrets), "", "webhook secrets, e.g. stripe=whsec1,network=s2")
	flags.String(flagName(keyRedisAddr), "", "redis address for cross-instance account locks")
	flags.String(flagName(keyKafkaBrokers), "", "comma separated kafka brokers for the event relay")
	flags.String(flagName(keyEventTopic), "", "kafka topic for ledger events")
	flags.String(flagName(keyJournalPath), "", "bolt file journaling webhook deliveries")
	flags.Int(flagName(keyRetryAttempts), defaultRetryAttempts, "store commit attempts on transient failures")
	flags.Duration(flagName(keyRetryBaseDelay), defaultRetryBaseDelay, "first retry backoff")
	flags.Duration(flagName(keyOutboxPollInterval), defaultOutboxPollInterval, "outbox relay poll interval")
	flags.Duration(flagName(keyReportRefreshInterval), defaultReportRefreshInterval, "how often reports pick up commits made by other instances")
}

// Load binds flags and PAYLEDGER_* environment variables on v and returns a validated Config.
func Load(v *viper.Viper, flags *pflag.FlagSet) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	if flags != nil {
		for _, key := range settingKeys {
			flag := flags.Lookup(flagName(key))
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind %s: %w", key, err)
			}
		}
	}
	platformFees, err := parsePairs(v.GetString(keyPlatformFees))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", keyPlatformFees, err)
	}
	secrets, err := parsePairs(v.GetString(keyIntegrationSecrets))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", keyIntegrationSecrets, err)
	}
	cfg := Config{
		DatabaseURL:           v.GetString(keyDatabaseURL),
		HTTPListenAddr:        v.GetString(keyHTTPListenAddr),
		GRPCListenAddr:        v.GetString(keyGRPCListenAddr),
		AllowedOrigins:        ParseList(v.GetString(keyAllowedOrigins)),
		SessionSigningKey:     v.GetString(keySessionSigningKey),
		SessionIssuer:         v.GetString(keySessionIssuer),
		SessionCookieName:     v.GetString(keySessionCookieName),
		AdminUserIDs:          ParseList(v.GetString(keyAdminUserIDs)),
		PlatformFee:           v.GetString(keyPlatformFee),
		PlatformFees:          platformFees,
		AffiliateCommission:   v.GetString(keyAffiliateCommission),
		PayoutMinimum:         v.GetInt64(keyPayoutMinimum),
		PayoutMaximum:         v.GetInt64(keyPayoutMaximum),
		IntegrationSecrets:    secrets,
		RedisAddr:             v.GetString(keyRedisAddr),
		KafkaBrokers:          ParseList(v.GetString(keyKafkaBrokers)),
		EventTopic:            v.GetString(keyEventTopic),
		JournalPath:           v.GetString(keyJournalPath),
		RetryAttempts:         v.GetInt(keyRetryAttempts),
		RetryBaseDelay:        v.GetDuration(keyRetryBaseDelay),
		OutboxPollInterval:    v.GetDuration(keyOutboxPollInterval),
		ReportRefreshInterval: v.GetDuration(keyReportRefreshInterval),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fills defaults and rejects inconsistent settings.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.PlatformFee = defaultIfEmpty(cfg.PlatformFee, defaultPlatformFee)
	cfg.AffiliateCommission = defaultIfEmpty(cfg.AffiliateCommission, "0")
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.OutboxPollInterval <= 0 {
		cfg.OutboxPollInterval = defaultOutboxPollInterval
	}
	if cfg.ReportRefreshInterval <= 0 {
		cfg.ReportRefreshInterval = defaultReportRefreshInterval
	}
	if cfg.PayoutMinimum < 0 || cfg.PayoutMaximum < 0 {
		return fmt.Errorf("payout limits must not be negative")
	}
	if cfg.PayoutMaximum > 0 && cfg.PayoutMaximum < cfg.PayoutMinimum {
		return fmt.Errorf("payout maximum %d is below minimum %d", cfg.PayoutMaximum, cfg.PayoutMinimum)
	}
	if len(cfg.KafkaBrokers) > 0 && strings.TrimSpace(cfg.EventTopic) == "" {
		return fmt.Errorf("event topic is required when kafka brokers are set")
	}
	for name, secret := range cfg.IntegrationSecrets {
		if strings.TrimSpace(secret) == "" {
			return fmt.Errorf("integration %q has an empty secret", name)
		}
	}
	if _, err := cfg.FeeSchedule(); err != nil {
		return err
	}
	return nil
}

// ValidateServing adds the checks that only matter when the HTTP API runs.
func (cfg Config) ValidateServing() error {
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("session signing key is required")
	}
	return nil
}

// FeeSchedule parses the configured rates.
func (cfg Config) FeeSchedule() (ledger.FeeSchedule, error) {
	defaultFee, err := ledger.NewRate(cfg.PlatformFee)
	if err != nil {
		return ledger.FeeSchedule{}, fmt.Errorf("%s: %w", keyPlatformFee, err)
	}
	commission, err := ledger.NewRate(cfg.AffiliateCommission)
	if err != nil {
		return ledger.FeeSchedule{}, fmt.Errorf("%s: %w", keyAffiliateCommission, err)
	}
	schedule := ledger.FeeSchedule{
		DefaultPlatformFee:  defaultFee,
		PlatformFees:        make(map[ledger.TransactionType]ledger.Rate, len(cfg.PlatformFees)),
		AffiliateCommission: commission,
	}
	for rawType, rawRate := range cfg.PlatformFees {
		transactionType, err := ledger.ParseTransactionType(rawType)
		if err != nil {
			return ledger.FeeSchedule{}, fmt.Errorf("%s: %w", keyPlatformFees, err)
		}
		rate, err := ledger.NewRate(rawRate)
		if err != nil {
			return ledger.FeeSchedule{}, fmt.Errorf("%s: %w", keyPlatformFees, err)
		}
		schedule.PlatformFees[transactionType] = rate
	}
	if _, err := ledger.NewPostingRules(schedule); err != nil {
		return ledger.FeeSchedule{}, err
	}
	return schedule, nil
}

// PayoutLimits returns the configured payout thresholds.
func (cfg Config) PayoutLimits() ledger.PayoutLimits {
	return ledger.PayoutLimits{Minimum: cfg.PayoutMinimum, Maximum: cfg.PayoutMaximum}
}

// RetryPolicy returns the store retry policy.
func (cfg Config) RetryPolicy() ledger.RetryPolicy {
	return ledger.RetryPolicy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay}
}

// Secrets returns the webhook secrets as bytes.
func (cfg Config) Secrets() map[string][]byte {
	secrets := make(map[string][]byte, len(cfg.IntegrationSecrets))
	for name, secret := range cfg.IntegrationSecrets {
		secrets[name] = []byte(secret)
	}
	return secrets
}

// ParseList splits a comma separated value, dropping blanks.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, listSeparator)
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func parsePairs(raw string) (map[string]string, error) {
	pairs := make(map[string]string)
	for _, item := range ParseList(raw) {
		name, value, ok := strings.Cut(item, pairSeparator)
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed pair %s", strconv.Quote(item))
		}
		pairs[name] = strings.TrimSpace(value)
	}
	return pairs, nil
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
