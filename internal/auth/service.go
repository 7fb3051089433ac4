package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/avauth/tokengate/internal/blacklist"
	"github.com/avauth/tokengate/internal/observability"
	"github.com/avauth/tokengate/internal/resilience"
	"github.com/avauth/tokengate/internal/throttle"
	"github.com/avauth/tokengate/internal/token"
)

// Dependency names used for per-dependency circuit breakers.
const (
	depIdentityStore = "identity-store"
	depTokenStore    = "token-store"
)

var authOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tokengate_auth_outcomes_total",
		Help: "Total number of auth operations by operation and outcome",
	},
	[]string{"operation", "outcome"},
)

// IsBusinessError reports whether err is a valid domain answer rather
// than an infrastructure failure. The resilience chain uses it to skip
// retries and keep such errors out of the breaker failure budget.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrPrincipalNotFound) ||
		errors.Is(err, token.ErrRefreshInvalid) ||
		errors.Is(err, token.ErrTokenInvalid)
}

// Service orchestrates the credential lifecycle. All identity-store and
// token-store traffic goes through the ResilientInvoker.
type Service struct {
	principals PrincipalStore
	verifier   PasswordVerifier
	throttle   *throttle.Throttle
	blacklist  *blacklist.Blacklist
	issuer     *token.Issuer
	parser     *token.Parser
	invoker    *resilience.Invoker
	logger     observability.Logger
}

// ServiceOption is a functional option for configuring the service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger for the service.
func WithServiceLogger(logger observability.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithPasswordVerifier replaces the default bcrypt verifier.
func WithPasswordVerifier(v PasswordVerifier) ServiceOption {
	return func(s *Service) {
		s.verifier = v
	}
}

// NewService creates the auth service.
func NewService(
	principals PrincipalStore,
	thr *throttle.Throttle,
	bl *blacklist.Blacklist,
	issuer *token.Issuer,
	parser *token.Parser,
	invoker *resilience.Invoker,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		principals: principals,
		verifier:   BcryptVerifier{},
		throttle:   thr,
		blacklist:  bl,
		issuer:     issuer,
		parser:     parser,
		invoker:    invoker,
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authenticate verifies the credentials and issues a fresh token pair.
//
// A throttled principal is rejected before any store traffic. The
// failure counter moves only on credential outcomes: infrastructure
// errors surface as ErrServiceUnavailable and leave it untouched.
func (s *Service) Authenticate(ctx context.Context, username, password string) (token.Pair, error) {
	if s.throttle.IsBlocked(ctx, username) {
		authOutcomes.WithLabelValues("login", "throttled").Inc()
		return token.Pair{}, ErrTooManyAttempts
	}

	var principal Principal
	err := s.invoker.Do(ctx, depIdentityStore, func(ctx context.Context) error {
		p, err := s.principals.FindByUsername(ctx, username)
		if err != nil {
			if errors.Is(err, ErrPrincipalNotFound) {
				return ErrInvalidCredentials
			}
			return err
		}
		if !p.Enabled || !s.verifier.Matches(password, p.PasswordHash) {
			return ErrInvalidCredentials
		}
		principal = p
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidCredentials):
		s.throttle.RecordFailure(ctx, username)
		authOutcomes.WithLabelValues("login", "denied").Inc()
		return token.Pair{}, ErrInvalidCredentials
	default:
		return token.Pair{}, s.unavailable("login", err)
	}

	s.throttle.RecordSuccess(ctx, username)

	pair, err := s.issuePair(ctx, principal)
	if err != nil {
		return token.Pair{}, s.unavailable("login", err)
	}

	authOutcomes.WithLabelValues("login", "success").Inc()
	s.logger.WithContext(ctx).Info("principal authenticated",
		observability.String("username", username),
	)
	return pair, nil
}

// Rotate consumes the presented refresh token and issues a fresh pair.
// A replayed, expired, or unknown token is a credential error.
func (s *Service) Rotate(ctx context.Context, refreshToken string) (token.Pair, error) {
	var subject string
	err := s.invoker.Do(ctx, depTokenStore, func(ctx context.Context) error {
		sub, err := s.issuer.Consume(ctx, refreshToken)
		if err != nil {
			return err
		}
		subject = sub
		return nil
	})
	if err != nil {
		if errors.Is(err, token.ErrRefreshInvalid) {
			authOutcomes.WithLabelValues("rotate", "denied").Inc()
			return token.Pair{}, ErrInvalidCredentials
		}
		return token.Pair{}, s.unavailable("rotate", err)
	}

	var principal Principal
	err = s.invoker.Do(ctx, depIdentityStore, func(ctx context.Context) error {
		p, err := s.principals.FindByUsername(ctx, subject)
		if err != nil {
			if errors.Is(err, ErrPrincipalNotFound) {
				return ErrInvalidCredentials
			}
			return err
		}
		if !p.Enabled {
			return ErrInvalidCredentials
		}
		principal = p
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			authOutcomes.WithLabelValues("rotate", "denied").Inc()
			return token.Pair{}, ErrInvalidCredentials
		}
		return token.Pair{}, s.unavailable("rotate", err)
	}

	pair, err := s.issuePair(ctx, principal)
	if err != nil {
		return token.Pair{}, s.unavailable("rotate", err)
	}

	authOutcomes.WithLabelValues("rotate", "success").Inc()
	return pair, nil
}

// Revoke blacklists the access token's jti. The token must parse so the
// jti can be learned; an unparseable token yields ErrInvalidToken and the
// caller still clears client state.
func (s *Service) Revoke(ctx context.Context, accessToken string) error {
	claims, err := s.parser.Parse(accessToken)
	if err != nil {
		authOutcomes.WithLabelValues("logout", "denied").Inc()
		return ErrInvalidToken
	}

	if err := s.blacklist.Revoke(ctx, claims.ID); err != nil {
		return s.unavailable("logout", err)
	}

	authOutcomes.WithLabelValues("logout", "success").Inc()
	return nil
}

// Authorize validates the access token and checks role membership.
func (s *Service) Authorize(ctx context.Context, accessToken, requiredRole string) (*token.Claims, error) {
	claims, err := s.parser.Parse(accessToken)
	if err != nil {
		return nil, ErrInvalidToken
	}

	if s.blacklist.IsRevoked(ctx, claims.ID) {
		return nil, ErrInvalidToken
	}

	if requiredRole != "" {
		required := NormalizeRoles([]string{requiredRole})
		if len(required) == 0 || !slices.Contains(claims.Roles, required[0]) {
			return nil, ErrAccessDenied
		}
	}

	return claims, nil
}

// AccessTTL exposes the issuer's access-token lifetime for cookie wiring.
func (s *Service) AccessTTL() time.Duration {
	return s.issuer.AccessTTL()
}

// RefreshTTL exposes the issuer's refresh-token lifetime for cookie wiring.
func (s *Service) RefreshTTL() time.Duration {
	return s.issuer.RefreshTTL()
}

func (s *Service) issuePair(ctx context.Context, principal Principal) (token.Pair, error) {
	access, err := s.issuer.IssueAccess(principal.Username, NormalizeRoles(principal.Roles))
	if err != nil {
		return token.Pair{}, fmt.Errorf("issue access token: %w", err)
	}

	var refresh token.RefreshToken
	err = s.invoker.Do(ctx, depTokenStore, func(ctx context.Context) error {
		rt, err := s.issuer.IssueRefresh(ctx, principal.Username)
		if err != nil {
			return err
		}
		refresh = rt
		return nil
	})
	if err != nil {
		return token.Pair{}, fmt.Errorf("issue refresh token: %w", err)
	}

	return token.Pair{Access: access, Refresh: refresh}, nil
}

// unavailable logs an infrastructure failure and folds it into
// ErrServiceUnavailable.
func (s *Service) unavailable(operation string, err error) error {
	authOutcomes.WithLabelValues(operation, "unavailable").Inc()
	s.logger.Error("auth operation unavailable",
		observability.String("operation", operation),
		observability.Error(err),
	)
	return fmt.Errorf("%w: %s", ErrServiceUnavailable, operation)
}
