package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var issuedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tokengate_tokens_issued_total",
		Help: "Total number of tokens issued by kind",
	},
	[]string{"kind"},
)

// Default token lifetimes.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 14 * 24 * time.Hour
)

// refreshSecretBytes is the entropy of an opaque refresh token value.
const refreshSecretBytes = 32

// Config holds issuer configuration.
type Config struct {
	// Secret is the HMAC signing key for access tokens.
	Secret []byte

	// Issuer is the iss claim value.
	Issuer string

	// AccessTTL is the access-token lifetime (minutes scale).
	AccessTTL time.Duration

	// RefreshTTL is the refresh-token lifetime (days scale).
	RefreshTTL time.Duration
}

// Issuer creates access and refresh tokens and consumes refresh tokens on
// rotation.
type Issuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	store      RefreshStore
	now        func() time.Time
}

// NewIssuer creates an Issuer writing refresh tokens to the given store.
func NewIssuer(cfg Config, store RefreshStore) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("issuer: signing secret is required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}

	return &Issuer{
		secret:     cfg.Secret,
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		store:      store,
		now:        time.Now,
	}, nil
}

// AccessTTL returns the configured access-token lifetime.
func (i *Issuer) AccessTTL() time.Duration {
	return i.accessTTL
}

// RefreshTTL returns the configured refresh-token lifetime.
func (i *Issuer) RefreshTTL() time.Duration {
	return i.refreshTTL
}

// IssueAccess creates a signed access token for the subject with the given
// role list and a fresh random jti.
func (i *Issuer) IssueAccess(subject string, roles []string) (AccessToken, error) {
	now := i.now()
	expiresAt := now.Add(i.accessTTL)

	claims := &Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New().String(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return AccessToken{}, fmt.Errorf("sign access token: %w", err)
	}

	issuedTotal.WithLabelValues("access").Inc()
	return AccessToken{Token: signed, Claims: claims, ExpiresAt: expiresAt}, nil
}

// IssueRefresh creates and persists an opaque refresh token for the
// principal.
func (i *Issuer) IssueRefresh(ctx context.Context, principalID string) (RefreshToken, error) {
	secret := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return RefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}

	now := i.now()
	rt := RefreshToken{
		Token:       base64.RawURLEncoding.EncodeToString(secret),
		PrincipalID: principalID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(i.refreshTTL),
	}

	if err := i.store.Save(ctx, rt); err != nil {
		return RefreshToken{}, fmt.Errorf("persist refresh token: %w", err)
	}

	issuedTotal.WithLabelValues("refresh").Inc()
	return rt, nil
}

// Consume atomically deletes the presented refresh token and returns the
// owning principal id. A token that is absent, already consumed, or
// expired yields ErrRefreshInvalid: rotation is strictly single-use, and a
// replayed token is a credential error, not a retryable condition.
func (i *Issuer) Consume(ctx context.Context, tokenValue string) (string, error) {
	if tokenValue == "" {
		return "", ErrRefreshInvalid
	}

	rt, deleted, err := i.store.DeleteByToken(ctx, tokenValue)
	if err != nil {
		return "", fmt.Errorf("consume refresh token: %w", err)
	}
	if !deleted {
		return "", ErrRefreshInvalid
	}
	if rt.Expired(i.now()) {
		// Deleted on presentation; an expired token must not rotate.
		return "", ErrRefreshInvalid
	}

	return rt.PrincipalID, nil
}

// Parser validates access tokens.
type Parser struct {
	secret []byte
	issuer string
}

// NewParser creates a Parser for tokens signed with the given secret.
func NewParser(cfg Config) (*Parser, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("parser: signing secret is required")
	}
	return &Parser{secret: cfg.Secret, issuer: cfg.Issuer}, nil
}

// Parse validates signature and expiry and returns the claims.
func (p *Parser) Parse(tokenValue string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenValue, claims, func(*jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// ParseUnverified decodes the claims without checking the signature or
// expiry. The refresh guard uses it to read the remaining lifetime of a
// token it is about to replace; it must never feed authorization.
func (p *Parser) ParseUnverified(tokenValue string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenValue, claims); err != nil {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
