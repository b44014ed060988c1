// Package security authenticates callers of the local API with HS256 tokens
// and maps their role onto the routes they may use.
package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is stamped on every token and required on validation, so tokens
// minted for another service sharing the secret are refused.
const Issuer = "fieldsync"

// AccessTokenParam carries the token on WebSocket upgrades, where browsers
// cannot set an Authorization header.
const AccessTokenParam = "access_token"

// clockSkew tolerates small clock drift between the device and the issuer.
const clockSkew = 30 * time.Second

var (
	// ErrMissingToken is returned when the request carries no token.
	ErrMissingToken = errors.New("security: missing authorization token")
	// ErrInvalidToken is returned when the token is malformed, signed with
	// another key or issued by someone else.
	ErrInvalidToken = errors.New("security: invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("security: token expired")
	// ErrInsufficientRole is returned when the caller's role lacks permission.
	ErrInsufficientRole = errors.New("security: insufficient role")
	// ErrUnknownRole is returned when minting a token for a role outside ValidRoles.
	ErrUnknownRole = errors.New("security: unknown role")
)

type contextKey struct{}

// Claims identifies the caller of the local API: a device or an inspector.
type Claims struct {
	Subject   string `json:"sub"`
	Role      string `json:"role"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token for subject with one of ValidRoles.
func GenerateToken(subject, role string, secret []byte, expiry time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("%w: subject required", ErrInvalidToken)
	}
	if !slices.Contains(ValidRoles, role) {
		return "", fmt.Errorf("%w %q", ErrUnknownRole, role)
	}
	now := time.Now()
	claims := tokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateToken checks signature, issuer and expiry and returns the claims.
func ValidateToken(tokenStr string, secret []byte) (*Claims, error) {
	var tc tokenClaims
	_, err := jwt.ParseWithClaims(tokenStr, &tc,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	}
	if !slices.Contains(ValidRoles, tc.Role) {
		return nil, ErrInvalidToken
	}

	c := &Claims{Subject: tc.Subject, Role: tc.Role, ExpiresAt: tc.ExpiresAt.Unix()}
	if tc.IssuedAt != nil {
		c.IssuedAt = tc.IssuedAt.Unix()
	}
	return c, nil
}

// GetClaims returns the claims AuthMiddleware stored on the request.
func GetClaims(r *http.Request) (*Claims, error) {
	claims, ok := r.Context().Value(contextKey{}).(*Claims)
	if !ok || claims == nil {
		return nil, ErrMissingToken
	}
	return claims, nil
}

// tokenFromRequest reads the bearer token from the Authorization header. On
// WebSocket upgrades the access_token query parameter is accepted as well.
func tokenFromRequest(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, tok, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tok) == "" {
			return "", fmt.Errorf("%w: expected bearer scheme", ErrInvalidToken)
		}
		return strings.TrimSpace(tok), nil
	}
	if isWebSocketUpgrade(r) {
		if tok := r.URL.Query().Get(AccessTokenParam); tok != "" {
			return tok, nil
		}
	}
	return "", ErrMissingToken
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// writeError answers with the {"error": ...} body the rest of the API uses.
func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// AuthMiddleware validates the caller's token and stores its claims on the
// request. A nil secret disables authentication (dev mode).
func AuthMiddleware(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")
	if secret == nil {
		logger.Warn("authentication disabled (dev mode): auth.jwtSecret not set")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == nil {
				next.ServeHTTP(w, r)
				return
			}

			tok, err := tokenFromRequest(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			claims, err := ValidateToken(tok, secret)
			if err != nil {
				logger.Debug("rejected token", "path", r.URL.Path, "error", err)
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			ctx := context.WithValue(r.Context(), contextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
