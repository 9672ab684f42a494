package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testAuthenticator() *Authenticator {
	return NewAuthenticator(Config{
		ServiceID: "meshgate",
		Secret:    testSecret,
		AllowedServices: map[string]bool{
			"loan-portal": true,
			"payments":    true,
		},
	})
}

func requestWithToken(t *testing.T, token string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/mesh/payments/charge", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestAuthenticateValidToken(t *testing.T) {
	a := testAuthenticator()
	token, err := GenerateToken(testSecret, "loan-portal", "req-123", []string{"score:read"}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	id, err := a.Authenticate(requestWithToken(t, token))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if id.ServiceID != "loan-portal" {
		t.Errorf("ServiceID = %q, want loan-portal", id.ServiceID)
	}
	if id.RequestID != "req-123" {
		t.Errorf("RequestID = %q, want req-123", id.RequestID)
	}
}

func TestAuthenticateMintsRequestID(t *testing.T) {
	a := testAuthenticator()
	token, _ := GenerateToken(testSecret, "loan-portal", "", nil, time.Minute)

	id, err := a.Authenticate(requestWithToken(t, token))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if id.RequestID == "" {
		t.Fatal("expected a generated request ID")
	}
}

func TestAuthenticateInvalidSignature(t *testing.T) {
	a := testAuthenticator()
	// signed with a different secret; payload contents don't matter
	token, _ := GenerateToken([]byte("another-secret-another-secret-32"), "loan-portal", "", []string{"*:*"}, time.Minute)

	_, err := a.Authenticate(requestWithToken(t, token))
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestAuthenticateExpiredToken(t *testing.T) {
	a := testAuthenticator()
	token, _ := GenerateToken(testSecret, "loan-portal", "", nil, time.Minute)
	a.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err := a.Authenticate(requestWithToken(t, token))
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication for expired token, got %v", err)
	}
}

func TestAuthenticateMissingServiceID(t *testing.T) {
	a := testAuthenticator()
	token, _ := GenerateToken(testSecret, "", "", nil, time.Minute)

	_, err := a.Authenticate(requestWithToken(t, token))
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestAuthenticateMissingHeader(t *testing.T) {
	a := testAuthenticator()
	req := httptest.NewRequest(http.MethodGet, "/mesh/payments/charge", nil)

	_, err := a.Authenticate(req)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestAuthenticateDisallowedService(t *testing.T) {
	a := testAuthenticator()
	token, _ := GenerateToken(testSecret, "rogue-service", "", nil, time.Minute)

	_, err := a.Authenticate(requestWithToken(t, token))
	if !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected ErrAuthorization, got %v", err)
	}
}

func TestAuthenticateRequiresMTLS(t *testing.T) {
	a := NewAuthenticator(Config{
		Secret:          testSecret,
		RequireMTLS:     true,
		AllowedServices: map[string]bool{"loan-portal": true},
	})
	token, _ := GenerateToken(testSecret, "loan-portal", "", nil, time.Minute)

	// no TLS state on the request at all
	_, err := a.Authenticate(requestWithToken(t, token))
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication without client cert, got %v", err)
	}
}

func TestAuthorize(t *testing.T) {
	a := testAuthenticator()
	id := &ServiceIdentity{ServiceID: "loan-portal", Permissions: []string{"score:read"}}

	if err := a.Authorize(id, "score", "read"); err != nil {
		t.Errorf("expected grant for score:read, got %v", err)
	}
	if err := a.Authorize(id, "score", "write"); !errors.Is(err, ErrAuthorization) {
		t.Errorf("expected ErrAuthorization for score:write, got %v", err)
	}

	admin := &ServiceIdentity{ServiceID: "payments", Permissions: []string{WildcardPermission}}
	if err := a.Authorize(admin, "anything", "at-all"); err != nil {
		t.Errorf("expected wildcard grant, got %v", err)
	}
}
