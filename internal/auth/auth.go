// Package auth resolves the caller of a request from a bearer JWT.
// Tokens are issued elsewhere; this package only verifies them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

var (
	ErrUnauthorized = errors.New("not authorized")
	ErrForbidden    = errors.New("not authorized as admin")
)

// Identity is the authenticated caller. The order workflow trusts it as-is.
type Identity struct {
	UserID uuid.UUID
	Role   Role
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

func (i Identity) RequireAdmin() error {
	if !i.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

type claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Sign issues an HS256 token for id. Used by tests and local tooling.
func (a *Authenticator) Sign(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}

func (a *Authenticator) Parse(token string) (Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	userID, err := uuid.FromString(c.Subject)
	if err != nil || userID == uuid.Nil {
		return Identity{}, fmt.Errorf("%w: invalid subject", ErrUnauthorized)
	}

	role := c.Role
	if role == "" {
		role = RoleUser
	}
	if !role.Valid() {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrUnauthorized, c.Role)
	}

	return Identity{UserID: userID, Role: role}, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// Middleware rejects requests without a valid bearer token and stores the
// caller's Identity in the request context. fail writes the error response.
func (a *Authenticator) Middleware(fail func(w http.ResponseWriter, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				fail(w, fmt.Errorf("%w: no token provided", ErrUnauthorized))
				return
			}

			id, err := a.Parse(token)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("auth: token rejected")
				fail(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
