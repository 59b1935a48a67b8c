// Package identity resolves the caller behind a request: either an
// end user presenting a signed principal token, or a trusted
// first-party service presenting a shared secret.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Service caller headers.
const (
	ServiceIDHeader     = "X-Service-Id"
	ServiceSecretHeader = "X-Service-Secret"
)

const principalPrefix = "cdid.v1"

// Principal is a resolved end-user identity.
type Principal struct {
	UserID string
}

// ErrNoIdentity reports a request with no usable identity.
var ErrNoIdentity = errors.New("identity: missing or unusable credentials")

type principalClaims struct {
	V      int    `json:"v"`
	Typ    string `json:"typ"`
	Sub    string `json:"sub"`
	UserID string `json:"userId"`
	Iat    int64  `json:"iat"`
	Exp    int64  `json:"exp"`
}

// Resolver verifies principal tokens minted by the platform's auth
// edge and recognizes trusted first-party service callers.
type Resolver struct {
	secret          []byte
	serviceSecret   []byte
	allowedServices map[string]struct{}
	allowedPaths    []*regexp.Regexp
	now             func() time.Time
}

// Config wires a Resolver.
type Config struct {
	// PrincipalSecret signs end-user principal tokens.
	PrincipalSecret string
	// ServiceSecret is the shared secret trusted services present.
	ServiceSecret string
	// AllowedServices is the service-id allow-list.
	AllowedServices []string
	// AllowedServicePaths restricts where service callers may act.
	AllowedServicePaths []*regexp.Regexp
}

// NewResolver constructs a Resolver.
func NewResolver(cfg Config) *Resolver {
	allowed := make(map[string]struct{}, len(cfg.AllowedServices))
	for _, id := range cfg.AllowedServices {
		id = strings.TrimSpace(id)
		if id != "" {
			allowed[id] = struct{}{}
		}
	}
	r := &Resolver{
		allowedServices: allowed,
		allowedPaths:    cfg.AllowedServicePaths,
		now:             time.Now,
	}
	if s := strings.TrimSpace(cfg.PrincipalSecret); s != "" {
		r.secret = []byte(s)
	}
	if s := strings.TrimSpace(cfg.ServiceSecret); s != "" {
		r.serviceSecret = []byte(s)
	}
	return r
}

// WithNow overrides the resolver clock for tests.
func (r *Resolver) WithNow(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve extracts and verifies the end-user principal from the
// Authorization header. Any failure is ErrNoIdentity; token internals
// are never surfaced.
func (r *Resolver) Resolve(req *http.Request) (Principal, error) {
	if len(r.secret) == 0 {
		return Principal{}, ErrNoIdentity
	}
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	const bearer = "Bearer "
	if !strings.HasPrefix(header, bearer) {
		return Principal{}, ErrNoIdentity
	}
	token := strings.TrimSpace(header[len(bearer):])

	full := principalPrefix + "."
	if !strings.HasPrefix(token, full) {
		return Principal{}, ErrNoIdentity
	}
	remainder := token[len(full):]
	dot := strings.LastIndexByte(remainder, '.')
	if dot <= 0 || dot >= len(remainder)-1 {
		return Principal{}, ErrNoIdentity
	}
	payloadSegment, signature := remainder[:dot], remainder[dot+1:]

	provided, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return Principal{}, ErrNoIdentity
	}
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(payloadSegment))
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return Principal{}, ErrNoIdentity
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payloadSegment)
	if err != nil {
		return Principal{}, ErrNoIdentity
	}
	var claims principalClaims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Principal{}, ErrNoIdentity
	}
	claims.Sub = strings.TrimSpace(claims.Sub)
	claims.UserID = strings.TrimSpace(claims.UserID)
	if claims.V != 1 || claims.Typ != "identity" {
		return Principal{}, ErrNoIdentity
	}
	if claims.UserID == "" || claims.Sub != claims.UserID {
		return Principal{}, ErrNoIdentity
	}
	if claims.Exp <= r.now().Unix() {
		return Principal{}, ErrNoIdentity
	}
	return Principal{UserID: claims.UserID}, nil
}

// MintPrincipalToken signs a principal token. Exposed for tests and
// local tooling; production tokens come from the auth edge.
func (r *Resolver) MintPrincipalToken(userID string, ttl time.Duration) (string, error) {
	if len(r.secret) == 0 {
		return "", errors.New("identity: principal secret not configured")
	}
	now := r.now()
	claims := principalClaims{
		V:      1,
		Typ:    "identity",
		Sub:    userID,
		UserID: userID,
		Iat:    now.Unix(),
		Exp:    now.Add(ttl).Unix(),
	}
	encoded, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	segment := base64.RawURLEncoding.EncodeToString(encoded)
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(segment))
	return principalPrefix + "." + segment + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// IsTrustedService reports whether the request comes from an
// allow-listed first-party service, on an allow-listed path, holding
// the shared secret. This path must never be reachable from ordinary
// end-user credentials: it requires the dedicated service headers and
// an exact secret match.
func (r *Resolver) IsTrustedService(req *http.Request) bool {
	if len(r.serviceSecret) == 0 {
		return false
	}
	serviceID := strings.TrimSpace(req.Header.Get(ServiceIDHeader))
	if serviceID == "" {
		return false
	}
	if _, ok := r.allowedServices[serviceID]; !ok {
		return false
	}
	presented := []byte(strings.TrimSpace(req.Header.Get(ServiceSecretHeader)))
	if subtle.ConstantTimeCompare(presented, r.serviceSecret) != 1 {
		return false
	}
	path := req.URL.Path
	for _, pattern := range r.allowedPaths {
		if pattern.MatchString(path) {
			return true
		}
	}
	return false
}
