package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avauth/tokengate/internal/auth"
	"github.com/avauth/tokengate/internal/blacklist"
	"github.com/avauth/tokengate/internal/cache"
	"github.com/avauth/tokengate/internal/janitor"
	"github.com/avauth/tokengate/internal/resilience"
	"github.com/avauth/tokengate/internal/throttle"
	"github.com/avauth/tokengate/internal/token"
)

const (
	testPassword = "s3cret-password"
	testAPIKey   = "internal-test-key"
)

// stack wires the full service behind the HTTP surface for tests.
type stack struct {
	service  *auth.Service
	parser   *token.Parser
	issuer   *token.Issuer
	carrier  *Carrier
	refresh  *token.MemoryRefreshStore
	handlers *Handlers
	invoker  *resilience.Invoker
}

func newStack(t *testing.T, accessTTL time.Duration) *stack {
	t.Helper()

	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)

	principals := auth.NewMemoryPrincipalStore(
		auth.Principal{ID: "p-1", Username: "alice", Enabled: true, Roles: []string{"user", "admin"}, PasswordHash: hash},
	)

	counterStore := cache.NewMemoryStore()
	t.Cleanup(func() { _ = counterStore.Close() })

	thr := throttle.New(counterStore, throttle.Config{MaxAttempts: 3, Window: time.Minute}, nil)
	bl := blacklist.New(counterStore, time.Hour, accessTTL, nil)

	refreshStore := token.NewMemoryRefreshStore()
	tokenCfg := token.Config{
		Secret:     []byte("0123456789abcdef0123456789abcdef"),
		Issuer:     "tokengate-test",
		AccessTTL:  accessTTL,
		RefreshTTL: 24 * time.Hour,
	}
	issuer, err := token.NewIssuer(tokenCfg, refreshStore)
	require.NoError(t, err)
	parser, err := token.NewParser(tokenCfg)
	require.NoError(t, err)

	invoker := resilience.NewInvoker(resilience.InvokerConfig{
		Retry: resilience.RetryConfig{
			Attempts:    2,
			BackoffBase: time.Millisecond,
			BackoffMax:  2 * time.Millisecond,
		},
		Breaker:        resilience.DefaultBreakerConfig(),
		AttemptTimeout: time.Second,
	}, resilience.WithBusinessClassifier(auth.IsBusinessError))

	service := auth.NewService(principals, thr, bl, issuer, parser, invoker)
	carrier := NewCarrier(accessTTL, 24*time.Hour)
	jan := janitor.New(refreshStore, time.Hour, nil)

	return &stack{
		service:  service,
		parser:   parser,
		issuer:   issuer,
		carrier:  carrier,
		refresh:  refreshStore,
		handlers: NewHandlers(service, carrier, jan, invoker.Registry(), nil),
		invoker:  invoker,
	}
}

// testPair issues a token pair without going through a Service.
func testPair(t *testing.T, username string) token.Pair {
	t.Helper()

	store := token.NewMemoryRefreshStore()
	issuer, err := token.NewIssuer(token.Config{
		Secret:     []byte("0123456789abcdef0123456789abcdef"),
		Issuer:     "tokengate-test",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	}, store)
	require.NoError(t, err)

	access, err := issuer.IssueAccess(username, []string{"ROLE_USER"})
	require.NoError(t, err)
	refresh, err := issuer.IssueRefresh(t.Context(), username)
	require.NoError(t, err)

	return token.Pair{Access: access, Refresh: refresh}
}
