package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/fanvault/internal/httpapi"
	"github.com/MarkoPoloResearchLab/fanvault/internal/observability"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/pricing"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL         = "database-url"
	flagStoreDriver         = "store-driver"
	flagStoreTimeout        = "store-timeout"
	flagGRPCListenAddr      = "grpc-listen-addr"
	flagHTTPListenAddr      = "http-listen-addr"
	flagStreamSecret        = "stream-secret"
	flagStreamTokenTTL      = "stream-token-ttl"
	flagPlatformRate        = "platform-rate"
	flagPlatformAccount     = "platform-account"
	flagWebhookSecret       = "webhook-secret"
	flagSessionSigningKey   = "session-signing-key"
	flagSessionIssuer       = "session-issuer"
	flagSessionCookie       = "session-cookie"
	flagAdminRole           = "admin-role"
	flagAllowedOrigins      = "allowed-origins"
	flagRequestTimeout      = "request-timeout"
	flagRateLimitRPS        = "rate-limit-rps"
	flagRateLimitBurst      = "rate-limit-burst"
	flagEventsRedisAddr     = "events-redis-addr"
	flagEventsChannelPrefix = "events-channel-prefix"
	flagLogLevel            = "log-level"
	flagLogDevelopment      = "log-dev"
	flagServerAddr          = "server-addr"
	flagRPCTimeout          = "rpc-timeout"

	envPrefix = "VAULTD"

	storeDriverGorm = "gorm"
	storeDriverPgx  = "pgx"

	defaultDatabaseURL    = "sqlite:///tmp/fanvault.db"
	defaultGRPCListenAddr = ":7000"
	defaultHTTPListenAddr = ":8080"
	defaultPlatformRate   = "0.20"
	defaultStoreTimeout   = 3 * time.Second
	defaultRPCTimeout     = 5 * time.Second
)

type runtimeConfig struct {
	DatabaseURL         string
	StoreDriver         string
	StoreTimeout        time.Duration
	GRPCListenAddr      string
	StreamSecret        string
	PlatformRate        pricing.Rate
	PlatformAccount     string
	WebhookSecret       string
	EventsRedisAddr     string
	EventsChannelPrefix string
	ServerAddr          string
	RPCTimeout          time.Duration
	Logging             observability.LoggerConfig
	HTTP                httpapi.Config
}

func registerFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite path)")
	flags.String(flagStoreDriver, storeDriverGorm, "store implementation: gorm or pgx (pgx requires postgres)")
	flags.Duration(flagStoreTimeout, defaultStoreTimeout, "deadline applied to every store operation")
	flags.String(flagGRPCListenAddr, defaultGRPCListenAddr, "gRPC listen address")
	flags.String(flagHTTPListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	flags.String(flagStreamSecret, "", "secret used to sign stream URLs (required for serve)")
	flags.Duration(flagStreamTokenTTL, time.Hour, "lifetime of minted stream URLs")
	flags.String(flagPlatformRate, defaultPlatformRate, "platform commission as a decimal fraction")
	flags.String(flagPlatformAccount, "", "user id that receives platform fees (empty keeps fees off-ledger)")
	flags.String(flagWebhookSecret, "", "payment webhook signing secret (empty disables the webhook)")
	flags.String(flagSessionSigningKey, "", "TAuth session signing key (required for serve)")
	flags.String(flagSessionIssuer, "", "expected session issuer")
	flags.String(flagSessionCookie, "", "session cookie name")
	flags.String(flagAdminRole, "", "role allowed to flag disputes")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.Duration(flagRequestTimeout, 0, "HTTP request timeout")
	flags.Float64(flagRateLimitRPS, 0, "per-user request rate")
	flags.Int(flagRateLimitBurst, 0, "per-user request burst")
	flags.String(flagEventsRedisAddr, "", "redis address for live tip events (empty disables them)")
	flags.String(flagEventsChannelPrefix, "", "redis channel prefix for tip events")
	flags.String(flagLogLevel, "info", "log level")
	flags.Bool(flagLogDevelopment, false, "human-readable development logging")
	flags.String(flagServerAddr, "localhost"+defaultGRPCListenAddr, "vaultd gRPC address used by admin commands")
	flags.Duration(flagRPCTimeout, defaultRPCTimeout, "deadline for admin RPCs")
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	rate, err := pricing.ParseRate(v.GetString(flagPlatformRate))
	if err != nil {
		return fmt.Errorf("%s: %w", flagPlatformRate, err)
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(v.GetString(flagStoreDriver)))
	cfg.StoreTimeout = v.GetDuration(flagStoreTimeout)
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.StreamSecret = v.GetString(flagStreamSecret)
	cfg.PlatformRate = rate
	cfg.PlatformAccount = strings.TrimSpace(v.GetString(flagPlatformAccount))
	cfg.WebhookSecret = v.GetString(flagWebhookSecret)
	cfg.EventsRedisAddr = strings.TrimSpace(v.GetString(flagEventsRedisAddr))
	cfg.EventsChannelPrefix = strings.TrimSpace(v.GetString(flagEventsChannelPrefix))
	cfg.ServerAddr = strings.TrimSpace(v.GetString(flagServerAddr))
	cfg.RPCTimeout = v.GetDuration(flagRPCTimeout)
	cfg.Logging = observability.LoggerConfig{
		Level:       v.GetString(flagLogLevel),
		Development: v.GetBool(flagLogDevelopment),
	}
	cfg.HTTP = httpapi.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagHTTPListenAddr)),
		AllowedOrigins:    httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagSessionSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagSessionIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagSessionCookie)),
		AdminRole:         strings.TrimSpace(v.GetString(flagAdminRole)),
		RequestTimeout:    v.GetDuration(flagRequestTimeout),
		StreamTokenTTL:    v.GetDuration(flagStreamTokenTTL),
		PlatformRate:      rate,
		RateLimitRPS:      v.GetFloat64(flagRateLimitRPS),
		RateLimitBurst:    v.GetInt(flagRateLimitBurst),
	}

	switch cfg.StoreDriver {
	case storeDriverGorm, storeDriverPgx:
	default:
		return fmt.Errorf("%s must be %q or %q", flagStoreDriver, storeDriverGorm, storeDriverPgx)
	}
	if cfg.StoreTimeout < 0 {
		return fmt.Errorf("%s must not be negative", flagStoreTimeout)
	}
	return nil
}

// validateServe checks the settings only the serve command needs.
func (cfg *runtimeConfig) validateServe() error {
	if cfg.StreamSecret == "" {
		return fmt.Errorf("%s is required", flagStreamSecret)
	}
	if cfg.GRPCListenAddr == "" {
		return fmt.Errorf("%s is required", flagGRPCListenAddr)
	}
	return cfg.HTTP.Validate()
}
