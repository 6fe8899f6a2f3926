package limiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/NeuralTrust/RateGate/pkg/domain"
	"github.com/NeuralTrust/RateGate/pkg/limiter"
	"github.com/NeuralTrust/RateGate/pkg/storage/memstore"
	"github.com/NeuralTrust/RateGate/pkg/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keyedLimiter builds a limit-1 limiter so key derivation is observable:
// requests that resolve to the same identity share the single slot,
// requests with distinct identities each get their own.
func keyedLimiter(t *testing.T, source limiter.KeySource) *limiter.Limiter {
	t.Helper()
	store := memstore.New(memstore.WithSweepInterval(0))
	t.Cleanup(func() { _ = store.Destroy() })

	l, err := limiter.New(store, logrus.New(), "api", types.Policy{
		Algorithm: types.AlgorithmFixedWindow,
		Limit:     1,
		Window:    time.Minute,
	}, source)
	require.NoError(t, err)
	return l
}

func allow(t *testing.T, l *limiter.Limiter, r *limiter.Request) bool {
	t.Helper()
	result, err := l.Allow(context.Background(), r)
	require.NoError(t, err)
	return result.Allowed
}

func TestKeyByIP_ForwardedForFirstHopWins(t *testing.T) {
	l := keyedLimiter(t, limiter.KeyByIP())

	full := &limiter.Request{
		RemoteAddr: "10.0.0.1:40000",
		Headers: map[string][]string{
			"X-Forwarded-For": {"203.0.113.7, 10.0.0.9, 10.0.0.1"},
			"X-Real-IP":       {"198.51.100.2"},
		},
	}
	assert.True(t, allow(t, l, full))

	// Same first hop, different proxy chain and connection: same bucket.
	sameClient := &limiter.Request{
		RemoteAddr: "10.0.0.2:40001",
		Headers:    map[string][]string{"X-Forwarded-For": {"203.0.113.7"}},
	}
	assert.False(t, allow(t, l, sameClient))

	// The X-Real-IP from the first request was never the identity.
	realIPOnly := &limiter.Request{
		Headers: map[string][]string{"X-Real-IP": {"198.51.100.2"}},
	}
	assert.True(t, allow(t, l, realIPOnly))
}

func TestKeyByIP_RealIPBeforeRemoteAddr(t *testing.T) {
	l := keyedLimiter(t, limiter.KeyByIP())

	first := &limiter.Request{
		RemoteAddr: "10.0.0.1:40000",
		Headers:    map[string][]string{"X-Real-IP": {"198.51.100.2"}},
	}
	assert.True(t, allow(t, l, first))

	second := &limiter.Request{
		RemoteAddr: "10.0.0.2:50123",
		Headers:    map[string][]string{"X-Real-IP": {"198.51.100.2"}},
	}
	assert.False(t, allow(t, l, second))
}

func TestKeyByIP_RemoteAddrPortStripped(t *testing.T) {
	l := keyedLimiter(t, limiter.KeyByIP())

	assert.True(t, allow(t, l, &limiter.Request{RemoteAddr: "192.0.2.10:51234"}))
	assert.False(t, allow(t, l, &limiter.Request{RemoteAddr: "192.0.2.10:9999"}))
	assert.True(t, allow(t, l, &limiter.Request{RemoteAddr: "192.0.2.11:51234"}))
}

func TestKeyByIP_NoAddressFails(t *testing.T) {
	l := keyedLimiter(t, limiter.KeyByIP())

	result, err := l.Allow(context.Background(), &limiter.Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrKeyResolutionFailed)
	assert.False(t, result.Allowed)
}

func TestKeyByUserID_HeaderFallback(t *testing.T) {
	l := keyedLimiter(t, limiter.KeyByUserID())

	assert.True(t, allow(t, l, &limiter.Request{UserID: "user-42"}))
	assert.False(t, allow(t, l, &limiter.Request{
		Headers: map[string][]string{"X-User-ID": {"user-42"}},
	}))
	assert.True(t, allow(t, l, &limiter.Request{UserID: "user-43"}))
}

func TestKeyByAPIKey(t *testing.T) {
	l := keyedLimiter(t, limiter.KeyByAPIKey(""))

	assert.True(t, allow(t, l, &limiter.Request{APIKey: "sk-abc"}))
	assert.False(t, allow(t, l, &limiter.Request{
		Headers: map[string][]string{"X-Api-Key": {"sk-abc"}},
	}))
	assert.True(t, allow(t, l, &limiter.Request{APIKey: "sk-def"}))
}

func TestKeyByAPIKey_CustomHeader(t *testing.T) {
	l := keyedLimiter(t, limiter.KeyByAPIKey("X-Gateway-Key"))

	assert.True(t, allow(t, l, &limiter.Request{
		Headers: map[string][]string{"X-Gateway-Key": {"sk-abc"}},
	}))
	assert.False(t, allow(t, l, &limiter.Request{
		Headers: map[string][]string{"X-Gateway-Key": {"sk-abc"}},
	}))

	// The default header is not consulted.
	result, err := l.Allow(context.Background(), &limiter.Request{
		Headers: map[string][]string{"X-Api-Key": {"sk-abc"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrKeyResolutionFailed)
	assert.False(t, result.Allowed)
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func bearerRequest(token string) *limiter.Request {
	return &limiter.Request{
		Headers: map[string][]string{"Authorization": {"Bearer " + token}},
	}
}

func TestKeyByJWTClaim_SubjectDefault(t *testing.T) {
	l := keyedLimiter(t, limiter.KeyByJWTClaim(""))

	first := signedToken(t, jwt.MapClaims{"sub": "user-42", "iat": 1740730536})
	assert.True(t, allow(t, l, bearerRequest(first)))

	// A different token for the same subject lands in the same bucket.
	reissued := signedToken(t, jwt.MapClaims{"sub": "user-42", "iat": 1740730600})
	assert.False(t, allow(t, l, bearerRequest(reissued)))

	other := signedToken(t, jwt.MapClaims{"sub": "user-43"})
	assert.True(t, allow(t, l, bearerRequest(other)))
}

func TestKeyByJWTClaim_CustomClaim(t *testing.T) {
	l := keyedLimiter(t, limiter.KeyByJWTClaim("tenant_id"))

	token := signedToken(t, jwt.MapClaims{"sub": "user-42", "tenant_id": "acme"})
	assert.True(t, allow(t, l, bearerRequest(token)))

	sameTenant := signedToken(t, jwt.MapClaims{"sub": "user-43", "tenant_id": "acme"})
	assert.False(t, allow(t, l, bearerRequest(sameTenant)))
}

func TestKeyByJWTClaim_MissingClaimFails(t *testing.T) {
	l := keyedLimiter(t, limiter.KeyByJWTClaim("tenant_id"))

	token := signedToken(t, jwt.MapClaims{"sub": "user-42"})
	_, err := l.Allow(context.Background(), bearerRequest(token))
	assert.ErrorIs(t, err, domain.ErrKeyResolutionFailed)
}

func TestKeyByJWTClaim_MalformedTokenFails(t *testing.T) {
	l := keyedLimiter(t, limiter.KeyByJWTClaim(""))

	_, err := l.Allow(context.Background(), bearerRequest("not-a-jwt"))
	assert.ErrorIs(t, err, domain.ErrKeyResolutionFailed)
}

func TestBucketKeyRoundTrip(t *testing.T) {
	cases := []struct {
		policyID, source, identity string
	}{
		{"api", "per_ip", "203.0.113.7"},
		{"api", "per_ip", "2001:db8::1"},
		{"public-api", "per_token", "user:42@acme"},
		{"default", "per_tenant", "acme"},
	}
	for _, tc := range cases {
		key := limiter.FormatBucketKey(tc.policyID, tc.source, tc.identity)
		policyID, source, identity, err := limiter.ParseBucketKey(key)
		require.NoError(t, err, key)
		assert.Equal(t, tc.policyID, policyID)
		assert.Equal(t, tc.source, source)
		assert.Equal(t, tc.identity, identity)
	}
}

func TestParseBucketKey_RejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"ratelimit",
		"ratelimit:api:per_ip",
		"ratelimit:api::203.0.113.7",
		"ratelimit::per_ip:203.0.113.7",
		"other:api:per_ip:203.0.113.7",
	}
	for _, key := range cases {
		_, _, _, err := limiter.ParseBucketKey(key)
		assert.Error(t, err, key)
	}
}

func TestKeyByCustom(t *testing.T) {
	l := keyedLimiter(t, limiter.KeyByCustom("per_tenant", func(r *limiter.Request) (string, error) {
		if vs := r.Headers["X-Tenant"]; len(vs) > 0 {
			return vs[0], nil
		}
		return "", domain.ErrKeyResolutionFailed
	}))

	tenant := func(name string) *limiter.Request {
		return &limiter.Request{Headers: map[string][]string{"X-Tenant": {name}}}
	}
	assert.True(t, allow(t, l, tenant("acme")))
	assert.False(t, allow(t, l, tenant("acme")))
	assert.True(t, allow(t, l, tenant("globex")))
}
