package limiter

import (
	"fmt"
	"net"
	"net/textproto"
	"strings"

	"github.com/NeuralTrust/RateGate/pkg/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Request carries the identity sources a key can be derived from. The
// surrounding pipeline fills it in; the engine never touches the transport
// directly.
type Request struct {
	RemoteAddr string
	Headers    map[string][]string
	UserID     string
	APIKey     string
}

func (r *Request) headerFirst(name string) string {
	if r.Headers == nil {
		return ""
	}
	if vs := r.Headers[name]; len(vs) > 0 {
		return vs[0]
	}
	if vs := r.Headers[textproto.CanonicalMIMEHeaderKey(name)]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// KeyFunc derives a caller identity from a request. Identical inputs must
// yield identical identities.
type KeyFunc func(r *Request) (string, error)

type sourceKind int

const (
	sourceIP sourceKind = iota
	sourceUserID
	sourceAPIKey
	sourceJWT
	sourceCustom
)

// KeySource names one way of identifying a caller. It is resolved into a
// concrete KeyFunc once, when the limiter is built, so the request path
// never dispatches on strings.
type KeySource struct {
	kind   sourceKind
	name   string
	header string
	claim  string
	custom KeyFunc
}

// KeyByIP identifies callers by client address, preferring the first
// X-Forwarded-For hop, then X-Real-IP, then the direct connection address.
func KeyByIP() KeySource {
	return KeySource{kind: sourceIP, name: "per_ip"}
}

// KeyByUserID identifies callers by the authenticated user id set on the
// request, falling back to the X-User-ID header.
func KeyByUserID() KeySource {
	return KeySource{kind: sourceUserID, name: "per_user"}
}

// KeyByAPIKey identifies callers by API key; header defaults to X-Api-Key.
func KeyByAPIKey(header string) KeySource {
	if header == "" {
		header = "X-Api-Key"
	}
	return KeySource{kind: sourceAPIKey, name: "per_key", header: header}
}

// KeyByJWTClaim identifies callers by a claim of the bearer token; claim
// defaults to "sub". The token is parsed without verifying its signature:
// authentication already happened upstream, this only needs the identity.
func KeyByJWTClaim(claim string) KeySource {
	if claim == "" {
		claim = "sub"
	}
	return KeySource{kind: sourceJWT, name: "per_token", claim: claim}
}

// KeyByCustom identifies callers through a caller-supplied extractor. The
// name becomes part of the bucket key and must be stable.
func KeyByCustom(name string, fn KeyFunc) KeySource {
	if name == "" {
		name = "custom"
	}
	return KeySource{kind: sourceCustom, name: name, custom: fn}
}

func (s KeySource) resolve() (KeyFunc, error) {
	switch s.kind {
	case sourceIP:
		return clientIP, nil
	case sourceUserID:
		return userID, nil
	case sourceAPIKey:
		header := s.header
		return func(r *Request) (string, error) {
			if r.APIKey != "" {
				return r.APIKey, nil
			}
			if key := r.headerFirst(header); key != "" {
				return key, nil
			}
			return "", fmt.Errorf("%w: no api key on request", domain.ErrKeyResolutionFailed)
		}, nil
	case sourceJWT:
		return jwtClaim(s.claim), nil
	case sourceCustom:
		if s.custom == nil {
			return nil, fmt.Errorf("%w: custom key source requires an extractor", domain.ErrKeyResolutionFailed)
		}
		return s.custom, nil
	default:
		return nil, fmt.Errorf("%w: unknown key source", domain.ErrKeyResolutionFailed)
	}
}

// FormatBucketKey builds the storage key for one caller's bucket. The
// policy id and source name must not contain ':'; the identity may (IPv6
// addresses, JWT subjects).
func FormatBucketKey(policyID, source, identity string) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", policyID, source, identity)
}

// ParseBucketKey recovers the policy id, source name and identity from a
// key produced by FormatBucketKey.
func ParseBucketKey(key string) (policyID, source, identity string, err error) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) != 4 || parts[0] != "ratelimit" || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return "", "", "", fmt.Errorf("malformed bucket key %q", key)
	}
	return parts[1], parts[2], parts[3], nil
}

func clientIP(r *Request) (string, error) {
	if xff := r.headerFirst("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first, nil
		}
	}
	if rip := r.headerFirst("X-Real-IP"); rip != "" {
		return rip, nil
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host, nil
		}
		return r.RemoteAddr, nil
	}
	return "", fmt.Errorf("%w: no client address on request", domain.ErrKeyResolutionFailed)
}

func userID(r *Request) (string, error) {
	if r.UserID != "" {
		return r.UserID, nil
	}
	if id := r.headerFirst("X-User-ID"); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w: no user id on request", domain.ErrKeyResolutionFailed)
}

func jwtClaim(claim string) KeyFunc {
	parser := jwt.NewParser()
	return func(r *Request) (string, error) {
		raw := strings.TrimSpace(strings.TrimPrefix(r.headerFirst("Authorization"), "Bearer"))
		if raw == "" {
			return "", fmt.Errorf("%w: no bearer token on request", domain.ErrKeyResolutionFailed)
		}
		claims := jwt.MapClaims{}
		if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrKeyResolutionFailed, err)
		}
		value, ok := claims[claim]
		if !ok {
			return "", fmt.Errorf("%w: claim %q not present", domain.ErrKeyResolutionFailed, claim)
		}
		return fmt.Sprintf("%v", value), nil
	}
}
