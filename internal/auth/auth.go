package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthentication covers bad, missing, expired or mis-signed
	// tokens and untrusted transport. Maps to 401.
	ErrAuthentication = errors.New("authentication failed")
	// ErrAuthorization covers a valid identity that is not allowed to
	// call this gateway or lacks a permission. Maps to 403.
	ErrAuthorization = errors.New("authorization failed")
)

// WildcardPermission grants every resource:action pair.
const WildcardPermission = "*:*"

// ServiceIdentity is the result of a successful authentication. It
// lives for exactly one request and is never persisted.
type ServiceIdentity struct {
	ServiceID   string
	RequestID   string
	ObservedAt  time.Time
	Permissions []string
}

// HasPermission reports whether the identity may perform action on
// resource. Grants require the exact "resource:action" entry or the
// literal wildcard.
func (id *ServiceIdentity) HasPermission(resource, action string) bool {
	want := resource + ":" + action
	for _, p := range id.Permissions {
		if p == want || p == WildcardPermission {
			return true
		}
	}
	return false
}

// Config is the static per-instance auth configuration.
type Config struct {
	ServiceID       string
	Secret          []byte
	RequireMTLS     bool
	AllowedServices map[string]bool
}

// ServiceClaims is the payload of a service-to-service token.
type ServiceClaims struct {
	ServiceID   string   `json:"serviceId"`
	RequestID   string   `json:"requestId,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies service identity and the caller allow-list.
type Authenticator struct {
	cfg Config
	now func() time.Time
}

func NewAuthenticator(cfg Config) *Authenticator {
	return &Authenticator{cfg: cfg, now: time.Now}
}

// Authenticate runs the zero-trust checks against an inbound request.
// The raw token and the secret never appear in returned errors.
func (a *Authenticator) Authenticate(r *http.Request) (*ServiceIdentity, error) {
	if a.cfg.RequireMTLS {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 || len(r.TLS.VerifiedChains) == 0 {
			return nil, fmt.Errorf("%w: verified client certificate required", ErrAuthentication)
		}
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("%w: missing Authorization header", ErrAuthentication)
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, fmt.Errorf("%w: Authorization header must be Bearer token", ErrAuthentication)
	}

	claims, err := a.parseToken(parts[1])
	if err != nil {
		return nil, err
	}

	if claims.ServiceID == "" {
		return nil, fmt.Errorf("%w: token has no serviceId", ErrAuthentication)
	}

	requestID := claims.RequestID
	if requestID == "" {
		requestID = uuid.Must(uuid.NewV4()).String()
	}

	identity := &ServiceIdentity{
		ServiceID:   claims.ServiceID,
		RequestID:   requestID,
		ObservedAt:  a.now(),
		Permissions: claims.Permissions,
	}

	if !a.cfg.AllowedServices[claims.ServiceID] {
		return identity, fmt.Errorf("%w: service %q is not allowed", ErrAuthorization, claims.ServiceID)
	}
	return identity, nil
}

// parseToken verifies signature and expiry. Only HMAC-SHA256 is
// accepted; the jwt library compares signatures in constant time.
func (a *Authenticator) parseToken(tokenString string) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		return a.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: token expired", ErrAuthentication)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("%w: invalid signature", ErrAuthentication)
		default:
			return nil, fmt.Errorf("%w: invalid token", ErrAuthentication)
		}
	}
	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrAuthentication)
	}
	return claims, nil
}

// Authorize checks a resource:action grant on an already-authenticated
// identity.
func (a *Authenticator) Authorize(id *ServiceIdentity, resource, action string) error {
	if id == nil || !id.HasPermission(resource, action) {
		return fmt.Errorf("%w: missing permission %s:%s", ErrAuthorization, resource, action)
	}
	return nil
}

// GenerateToken signs a service token. Used by tests and by the
// companion CLI that provisions mesh credentials.
func GenerateToken(secret []byte, serviceID, requestID string, permissions []string, ttl time.Duration) (string, error) {
	claims := ServiceClaims{
		ServiceID:   serviceID,
		RequestID:   requestID,
		Permissions: permissions,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
		claims.IssuedAt = jwt.NewNumericDate(time.Now())
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
