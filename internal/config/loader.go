package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "PNAR"

// Load resolves the configuration. envFiles are loaded with godotenv first;
// missing files are ignored and variables already set in the process win.
// PNAR_ENV selects the preset, then PNAR_* variables override individual keys
// (nested keys use underscores: PNAR_RATE_LIMIT_CAPACITY).
func Load(envFiles ...string) (Resolved, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Resolved{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", string(Development))
	env := Environment(strings.ToLower(strings.TrimSpace(v.GetString("env"))))
	setDefaults(v, Preset(env))

	var cfg Resolved
	if err := v.Unmarshal(&cfg); err != nil {
		return Resolved{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Environment = env
	if err := cfg.Validate(); err != nil {
		return Resolved{}, err
	}
	return cfg, nil
}

// setDefaults registers every key of p so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper, p Resolved) {
	v.SetDefault("addr", p.Addr)
	v.SetDefault("signing_secret", p.SigningSecret)
	v.SetDefault("token_issuer", p.TokenIssuer)
	v.SetDefault("token_ttl", p.TokenTTL)
	v.SetDefault("clock_skew", p.ClockSkew)

	v.SetDefault("rate_limit.capacity", p.RateLimit.Capacity)
	v.SetDefault("rate_limit.rate", p.RateLimit.RatePerInterval)
	v.SetDefault("rate_limit.interval", p.RateLimit.Interval)
	v.SetDefault("rate_limit.idle_ttl", p.RateLimit.IdleTTL)
	v.SetDefault("rate_limit.key_strategy", p.RateLimit.KeyStrategy)
	v.SetDefault("rate_limit.trust_forwarded", p.RateLimit.TrustForwarded)

	v.SetDefault("password_policy.min_length", p.PasswordPolicy.MinLength)
	v.SetDefault("password_policy.require_mixed_case", p.PasswordPolicy.RequireMixedCase)
	v.SetDefault("password_policy.require_digit", p.PasswordPolicy.RequireDigit)
	v.SetDefault("password_policy.require_symbol", p.PasswordPolicy.RequireSymbol)

	v.SetDefault("hash.memory_kib", p.Hash.Cost.Memory)
	v.SetDefault("hash.iterations", p.Hash.Cost.Iterations)
	v.SetDefault("hash.parallelism", p.Hash.Cost.Parallelism)
	v.SetDefault("hash.workers", p.Hash.Workers)

	v.SetDefault("cors_allowed_origins", p.CORSAllowedOrigins)
	v.SetDefault("enforce_tls", p.EnforceTLS)
	v.SetDefault("content_security_policy", p.ContentSecurityPolicy)
	v.SetDefault("database_url", p.DatabaseURL)
	v.SetDefault("redis_addr", p.RedisAddr)
	v.SetDefault("request_timeout", p.RequestTimeout)
	v.SetDefault("shutdown_timeout", p.ShutdownTimeout)
}

// Validate checks struct tags and the cross-field rules.
func (r Resolved) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(r); err != nil {
		return formatValidationErrors(err)
	}
	if r.IsProduction() {
		if r.SigningSecret == DevelopmentSecret {
			return errors.New("config: signing_secret must be set explicitly in production")
		}
		if r.PasswordPolicy.MinLength < 12 {
			return errors.New("config: password_policy.min_length must be at least 12 in production")
		}
	}
	return nil
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Resolved.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}
