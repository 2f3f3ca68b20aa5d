// Package auth carries the authenticated caller through a request.
//
// Credential validation is owned by an upstream collaborator; this package
// only defines the Identity it hands over and a static bearer-key
// authenticator so the gateway runs on its own.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrMissingCredentials is returned when no bearer token is present
	ErrMissingCredentials = errors.New("missing bearer credentials")

	// ErrInvalidCredentials is returned when the token is not recognised
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Identity is the resolved caller: a stable id and its tier label.
type Identity struct {
	ID   string `json:"id" yaml:"identity"`
	Tier string `json:"tier" yaml:"tier"`
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.ID != ""
}

// Authenticator resolves a bearer token to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// StaticKeys authenticates against a fixed token table loaded at start.
type StaticKeys map[string]Identity

// Authenticate implements Authenticator.
func (k StaticKeys) Authenticate(_ context.Context, token string) (Identity, error) {
	id, ok := k[token]
	if !ok || id.ID == "" {
		return Identity{}, ErrInvalidCredentials
	}
	return id, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingCredentials
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("%w: invalid Authorization header format", ErrMissingCredentials)
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrMissingCredentials)
	}
	return token, nil
}

// Middleware authenticates every request and rejects unknown callers with 401.
// Downstream handlers read the caller with FromContext.
func Middleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err == nil {
				var id Identity
				id, err = a.Authenticate(r.Context(), token)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
					return
				}
			}

			zerolog.Ctx(r.Context()).Debug().Err(err).Str("path", r.URL.Path).Msg("authentication failed")

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "unauthorized",
				"message": err.Error(),
			})
		})
	}
}
