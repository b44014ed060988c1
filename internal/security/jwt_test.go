package security

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("tablet-fleet-secret")

func mustToken(t *testing.T, subject, role string, expiry time.Duration) string {
	t.Helper()
	tok, err := GenerateToken(subject, role, testSecret, expiry)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return tok
}

func TestTokenRoundTrip(t *testing.T) {
	claims, err := ValidateToken(mustToken(t, "tablet-7", RoleInspector, time.Hour), testSecret)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Subject != "tablet-7" || claims.Role != RoleInspector {
		t.Errorf("claims = %+v", claims)
	}
	if claims.IssuedAt == 0 || claims.ExpiresAt <= claims.IssuedAt {
		t.Errorf("times = iat %d exp %d", claims.IssuedAt, claims.ExpiresAt)
	}
}

func TestGenerateTokenRejectsBadInput(t *testing.T) {
	if _, err := GenerateToken("tablet-7", "admin", testSecret, time.Hour); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("unknown role: err = %v", err)
	}
	if _, err := GenerateToken("  ", RoleOwner, testSecret, time.Hour); err == nil {
		t.Error("blank subject accepted")
	}
}

func TestValidateTokenRejects(t *testing.T) {
	signed := func(method jwt.SigningMethod, key any, c tokenClaims) string {
		s, err := jwt.NewWithClaims(method, c).SignedString(key)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	valid := func() tokenClaims {
		return tokenClaims{Role: RoleOwner, RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   "tablet-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
	}
	foreign := valid()
	foreign.Issuer = "someone-else"
	noExpiry := valid()
	noExpiry.ExpiresAt = nil
	badRole := valid()
	badRole.Role = "admin"

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not-a-token", ErrInvalidToken},
		{"expired", mustToken(t, "tablet-7", RoleOwner, -time.Hour), ErrExpiredToken},
		{"other secret", signed(jwt.SigningMethodHS256, []byte("other"), valid()), ErrInvalidToken},
		{"hs512", signed(jwt.SigningMethodHS512, testSecret, valid()), ErrInvalidToken},
		{"other issuer", signed(jwt.SigningMethodHS256, testSecret, foreign), ErrInvalidToken},
		{"no expiry", signed(jwt.SigningMethodHS256, testSecret, noExpiry), ErrInvalidToken},
		{"unknown role", signed(jwt.SigningMethodHS256, testSecret, badRole), ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ValidateToken(tt.token, testSecret); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateTokenToleratesSkew(t *testing.T) {
	tok := mustToken(t, "tablet-7", RoleOwner, -5*time.Second)
	if _, err := ValidateToken(tok, testSecret); err != nil {
		t.Errorf("token a few seconds past expiry rejected: %v", err)
	}
}

func TestAuthMiddleware(t *testing.T) {
	var got *Claims
	handler := AuthMiddleware(testSecret, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetClaims(r)
		w.WriteHeader(http.StatusOK)
	}))
	tok := mustToken(t, "tablet-7", RoleReadonly, time.Hour)

	tests := []struct {
		name    string
		target  string
		auth    string
		upgrade bool
		want    int
	}{
		{"bearer header", "/api/status", "Bearer " + tok, false, http.StatusOK},
		{"lowercase scheme", "/api/status", "bearer " + tok, false, http.StatusOK},
		{"missing", "/api/status", "", false, http.StatusUnauthorized},
		{"basic scheme", "/api/status", "Basic dXNlcjpwYXNz", false, http.StatusUnauthorized},
		{"bad token", "/api/status", "Bearer nope", false, http.StatusUnauthorized},
		{"query on websocket upgrade", "/api/events?access_token=" + tok, "", true, http.StatusOK},
		{"query on plain request", "/api/status?access_token=" + tok, "", false, http.StatusUnauthorized},
		{"bad query token", "/api/events?access_token=nope", "", true, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = nil
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			if tt.upgrade {
				req.Header.Set("Connection", "Upgrade")
				req.Header.Set("Upgrade", "websocket")
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Fatalf("got %d, want %d: %s", w.Code, tt.want, w.Body)
			}
			if tt.want == http.StatusOK && (got == nil || got.Subject != "tablet-7") {
				t.Errorf("claims = %+v", got)
			}
			if tt.want == http.StatusUnauthorized && w.Header().Get("Content-Type") != "application/json" {
				t.Errorf("content type = %q", w.Header().Get("Content-Type"))
			}
		})
	}
}

func TestAuthMiddlewareDevMode(t *testing.T) {
	handler := AuthMiddleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := GetClaims(r); !errors.Is(err, ErrMissingToken) {
			t.Errorf("dev mode claims err = %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 in dev mode, got %d", w.Code)
	}
}
