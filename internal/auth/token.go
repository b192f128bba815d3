package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "pnar"

// Claims is the signed payload of an access token.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role"`
	jwt.RegisteredClaims
}

// Seed carries what TokenService needs to mint a token for a user.
type Seed struct {
	UserID string
	Email  string
	Role   Role
}

// IssuedToken is the compact signed form plus the claims it encodes.
type IssuedToken struct {
	Token     string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenService issues and validates HS256 access tokens. The secret and TTL are
// fixed at construction; the service holds no other state besides an optional denylist.
type TokenService struct {
	secret   []byte
	issuer   string
	ttl      time.Duration
	skew     time.Duration
	now      func() time.Time
	denylist Denylist
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService) error

// WithTokenIssuer overrides the iss claim.
func WithTokenIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithClockSkew allows tokens to be accepted up to skew past their expiry.
func WithClockSkew(skew time.Duration) TokenOption {
	return func(s *TokenService) error {
		if skew < 0 {
			return errors.New("auth: clock skew must not be negative")
		}
		s.skew = skew
		return nil
	}
}

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithDenylist enables revocation checks during validation.
func WithDenylist(d Denylist) TokenOption {
	return func(s *TokenService) error {
		s.denylist = d
		return nil
	}
}

// NewTokenService constructs a TokenService signing with secret.
func NewTokenService(secret []byte, ttl time.Duration, opts ...TokenOption) (*TokenService, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret is not configured")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: token ttl must be greater than zero")
	}
	s := &TokenService{
		secret: append([]byte(nil), secret...),
		issuer: defaultIssuer,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// TTL returns the configured token lifetime.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// Issue signs a token for seed with the configured TTL.
func (s *TokenService) Issue(seed Seed) (IssuedToken, error) {
	return s.IssueWithTTL(seed, s.ttl)
}

// IssueWithTTL signs a token for seed that expires ttl after now.
func (s *TokenService) IssueWithTTL(seed Seed, ttl time.Duration) (IssuedToken, error) {
	if s == nil || len(s.secret) == 0 {
		return IssuedToken{}, newError(KindInternal, "signing key unavailable", nil)
	}
	userID := strings.TrimSpace(seed.UserID)
	if userID == "" {
		return IssuedToken{}, newError(KindInvalidInput, "user id is required", nil)
	}
	if !seed.Role.Valid() {
		return IssuedToken{}, newError(KindInvalidInput, "unknown role "+string(seed.Role), nil)
	}
	if ttl < time.Second {
		return IssuedToken{}, newError(KindInvalidInput, "ttl must be at least one second", nil)
	}

	// NumericDate has second precision; truncate so iat/exp round-trip exactly.
	now := s.now().UTC().Truncate(time.Second)
	exp := now.Add(ttl.Truncate(time.Second))
	jti := uuid.NewString()
	claims := Claims{
		Email: seed.Email,
		Role:  seed.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return IssuedToken{}, newError(KindInternal, "sign token", err)
	}
	return IssuedToken{Token: signed, TokenID: jti, IssuedAt: now, ExpiresAt: exp}, nil
}

// Validate verifies the signature and expiry of token and returns the identity it encodes.
// A token is invalid from the instant of its exp claim unless a clock skew is configured.
func (s *TokenService) Validate(ctx context.Context, token string) (Identity, error) {
	if s == nil || len(s.secret) == 0 {
		return Identity{}, newError(KindInternal, "signing key unavailable", nil)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, newError(KindMissing, "token is empty", nil)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.skew),
		jwt.WithTimeFunc(s.now),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return Identity{}, classifyJWTError(err)
	}
	if !parsed.Valid {
		return Identity{}, newError(KindMalformed, "token not valid", nil)
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" || claims.IssuedAt == nil {
		return Identity{}, newError(KindMalformed, "required claims missing", nil)
	}
	if !claims.ExpiresAt.After(claims.IssuedAt.Time) {
		return Identity{}, newError(KindMalformed, "expiry does not follow issued-at", nil)
	}
	if !claims.Role.Valid() {
		return Identity{}, newError(KindMalformed, "unknown role claim", nil)
	}

	if s.denylist != nil {
		revoked, err := s.denylist.Revoked(ctx, claims.ID)
		if err != nil {
			return Identity{}, newError(KindInternal, "check denylist", err)
		}
		if revoked {
			return Identity{}, newError(KindRevoked, "token has been revoked", nil)
		}
	}

	return Identity{
		UserID:    claims.Subject,
		Email:     claims.Email,
		Role:      claims.Role,
		TokenID:   claims.ID,
		IssuedAt:  claims.IssuedAt.Time.UTC(),
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}

// Revoke denylists the identity's token until it would have expired anyway.
func (s *TokenService) Revoke(ctx context.Context, id Identity) error {
	if s.denylist == nil {
		return nil
	}
	ttl := id.ExpiresAt.Sub(s.now()) + s.skew
	if ttl <= 0 {
		return nil
	}
	if err := s.denylist.Revoke(ctx, id.TokenID, ttl); err != nil {
		return newError(KindInternal, "revoke token", err)
	}
	return nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return newError(KindInvalidSignature, "signature does not verify", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return newError(KindExpired, "token has expired", err)
	default:
		return newError(KindMalformed, "token could not be decoded", err)
	}
}
