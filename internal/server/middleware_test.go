package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dhruvvootkuri/haven/internal/auth"
	"github.com/dhruvvootkuri/haven/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := requestIDMiddleware(inner)

	// A provided X-Request-ID is echoed through context and response.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "client-supplied-42")
	handler.ServeHTTP(rec, req)

	if seen != "client-supplied-42" {
		t.Errorf("context request ID: got %q, want client-supplied-42", seen)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "client-supplied-42" {
		t.Errorf("response header: got %q, want client-supplied-42", got)
	}

	// Without one, the middleware generates a UUID.
	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("GET", "/health", nil)
	handler.ServeHTTP(rec2, req2)

	if seen == "" || seen == "client-supplied-42" {
		t.Errorf("generated request ID: got %q", seen)
	}
	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("generated request ID is not a UUID: %q", seen)
	}
	if got := rec2.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("response header %q does not match context ID %q", got, seen)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := securityHeadersMiddleware(inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	}
	for header, value := range want {
		if got := rec.Header().Get(header); got != value {
			t.Errorf("%s: got %q, want %q", header, got, value)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}

	var gotClaims *auth.Claims
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := authMiddleware(jwtMgr, inner)

	// Exempt paths pass through with no header at all.
	for _, path := range []string{"/health", "/auth/token", "/v1/ws"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s without auth: got %d, want %d", path, rec.Code, http.StatusOK)
		}
	}

	// Protected paths demand a bearer token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/clients", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing header: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("GET", "/v1/clients", nil)
	req2.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusUnauthorized {
		t.Errorf("non-bearer scheme: got %d, want %d", rec2.Code, http.StatusUnauthorized)
	}

	rec3 := httptest.NewRecorder()
	req3 := httptest.NewRequest("GET", "/v1/clients", nil)
	req3.Header.Set("Authorization", "Bearer not-a-jwt")
	handler.ServeHTTP(rec3, req3)
	if rec3.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: got %d, want %d", rec3.Code, http.StatusUnauthorized)
	}

	// A valid token lands claims in the handler's context.
	staff := model.Staff{ID: uuid.New(), Email: "worker@haven.test", Name: "Worker"}
	token, _, err := jwtMgr.IssueToken(staff)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec4 := httptest.NewRecorder()
	req4 := httptest.NewRequest("GET", "/v1/clients", nil)
	req4.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec4, req4)
	if rec4.Code != http.StatusOK {
		t.Errorf("valid token: got %d, want %d", rec4.Code, http.StatusOK)
	}
	if gotClaims == nil || gotClaims.Email != "worker@haven.test" {
		t.Errorf("claims in context: got %+v", gotClaims)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	})
	handler := recoveryMiddleware(quietLogger(), inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/clients", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("got %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if body := rec.Body.String(); !strings.Contains(body, model.ErrCodeInternalError) {
		t.Errorf("body should carry the internal error code, got %s", body)
	}
}

func TestLoggingMiddlewareStatusCapture(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := loggingMiddleware(quietLogger(), inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	// The wrapper must pass the handler's status through untouched.
	if rec.Code != http.StatusTeapot {
		t.Errorf("got %d, want %d", rec.Code, http.StatusTeapot)
	}
}
