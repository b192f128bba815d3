// Package config resolves process configuration from an environment preset,
// an optional .env file and PNAR_* environment variables.
package config

import (
	"time"

	"pnar.online/internal/auth"
)

// Environment selects a preset.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Rate-limit key strategies.
const (
	// KeyByIP keys every request by its network origin.
	KeyByIP = "ip"
	// KeyByUser keys requests with a valid token by user id and the rest by origin.
	KeyByUser = "user"
)

// DevelopmentSecret is the signing secret baked into the development preset.
// Production refuses to start with it.
const DevelopmentSecret = "pnar-development-signing-secret-not-for-production"

const (
	developmentCSP = "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; " +
		"img-src 'self' data: https:; font-src 'self'; connect-src 'self'; frame-ancestors 'none';"
	productionCSP = "default-src 'self'; img-src 'self' data: https:; connect-src 'self'; frame-ancestors 'none';"
)

// RateLimit shapes the per-key token buckets.
type RateLimit struct {
	Capacity        int           `mapstructure:"capacity" validate:"gt=0"`
	RatePerInterval int           `mapstructure:"rate" validate:"gt=0"`
	Interval        time.Duration `mapstructure:"interval" validate:"gt=0"`
	IdleTTL         time.Duration `mapstructure:"idle_ttl" validate:"gte=0"`
	KeyStrategy     string        `mapstructure:"key_strategy" validate:"oneof=ip user"`
	// TrustForwarded makes the first X-Forwarded-For hop the client address.
	TrustForwarded bool `mapstructure:"trust_forwarded"`
}

// Hash tunes password hashing.
type Hash struct {
	Cost    auth.HashCost `mapstructure:",squash"`
	Workers int           `mapstructure:"workers" validate:"gte=0"`
}

// Resolved is the immutable configuration handed to the pipeline at startup.
type Resolved struct {
	Environment   Environment   `mapstructure:"env" validate:"oneof=development production"`
	Addr          string        `mapstructure:"addr" validate:"required"`
	SigningSecret string        `mapstructure:"signing_secret" validate:"min=32"`
	TokenIssuer   string        `mapstructure:"token_issuer" validate:"required"`
	TokenTTL      time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	ClockSkew     time.Duration `mapstructure:"clock_skew" validate:"gte=0,lte=5m"`

	RateLimit      RateLimit           `mapstructure:"rate_limit"`
	PasswordPolicy auth.PasswordPolicy `mapstructure:"password_policy"`
	Hash           Hash                `mapstructure:"hash"`

	CORSAllowedOrigins    []string `mapstructure:"cors_allowed_origins" validate:"dive,required"`
	EnforceTLS            bool     `mapstructure:"enforce_tls"`
	ContentSecurityPolicy string   `mapstructure:"content_security_policy" validate:"required"`

	DatabaseURL string `mapstructure:"database_url"`
	RedisAddr   string `mapstructure:"redis_addr"`

	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// IsProduction reports whether the production preset is active.
func (r Resolved) IsProduction() bool { return r.Environment == Production }

// Preset returns the defaults for env. Unknown environments get the development preset
// with the environment field preserved so validation rejects it.
func Preset(env Environment) Resolved {
	base := Resolved{
		Environment: env,
		Addr:        ":8080",
		TokenIssuer: "pnar",
		Hash: Hash{
			Cost: auth.DefaultHashCost,
		},
		RequestTimeout:  15 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
	if env == Production {
		base.TokenTTL = 15 * time.Minute
		base.RateLimit = RateLimit{
			Capacity:        100,
			RatePerInterval: 100,
			Interval:        time.Minute,
			IdleTTL:         10 * time.Minute,
			KeyStrategy:     KeyByUser,
		}
		base.PasswordPolicy = auth.PasswordPolicy{
			MinLength:        12,
			RequireMixedCase: true,
			RequireDigit:     true,
			RequireSymbol:    true,
		}
		base.EnforceTLS = true
		base.ContentSecurityPolicy = productionCSP
		return base
	}

	base.SigningSecret = DevelopmentSecret
	base.TokenTTL = 60 * time.Minute
	base.RateLimit = RateLimit{
		Capacity:        60,
		RatePerInterval: 60,
		Interval:        time.Minute,
		IdleTTL:         10 * time.Minute,
		KeyStrategy:     KeyByUser,
	}
	base.PasswordPolicy = auth.PasswordPolicy{MinLength: 8, RequireDigit: true}
	base.CORSAllowedOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	base.ContentSecurityPolicy = developmentCSP
	return base
}
