package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	gateway "github.com/relaygate/gateway/internal"
	"github.com/relaygate/gateway/internal/storage"
)

const operatorTokenTTL = 7 * 24 * time.Hour

// OperatorAuth authenticates operators against the users table and issues
// and verifies the JWTs that guard the admin surface (§10.1). Unlike
// GatewayKeyAuth it consults the store on every request -- the admin
// surface's traffic volume doesn't justify a cache, and revoking an
// operator should take effect immediately.
type OperatorAuth struct {
	users  storage.UserStore
	secret []byte
}

// NewOperatorAuth builds an OperatorAuth signing and verifying tokens with
// secret (JWT_SECRET).
func NewOperatorAuth(users storage.UserStore, secret string) *OperatorAuth {
	return &OperatorAuth{users: users, secret: []byte(secret)}
}

// Login verifies email/password against the stored bcrypt hash and returns
// a signed JWT valid for 7 days, sub=user.id.
func (a *OperatorAuth) Login(ctx context.Context, email, password string) (string, error) {
	user, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return "", gateway.ErrUnauthorized
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", gateway.ErrUnauthorized
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   user.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(operatorTokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", gateway.NewInternal("sign operator token", err)
	}
	return signed, nil
}

// Middleware requires a valid Bearer JWT, placing the operator's user id in
// context. It does not consult LoginProtect -- that gate is scoped to
// gateway-key authentication only (§4.1).
func (a *OperatorAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			unauthorized(w)
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			return a.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid || claims.Subject == "" {
			unauthorized(w)
			return
		}

		ctx := ContextWithOperatorID(r.Context(), claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if trimmed, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return trimmed
	}
	return ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"message":"unauthorized","type":"invalid_request_error"}}`))
}

type operatorContextKey struct{}

// ContextWithOperatorID attaches the authenticated operator's user id.
func ContextWithOperatorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operatorContextKey{}, id)
}

// OperatorIDFromContext returns the authenticated operator's user id, or ""
// if none is set.
func OperatorIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(operatorContextKey{}).(string)
	return id
}
