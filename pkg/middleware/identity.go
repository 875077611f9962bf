package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/harborline/backoffice/pkg/contextkeys"
)

// Auth modes controlling where the caller identity comes from
const (
	// AuthModeLegacyHeader trusts the gateway-forwarded email headers.
	AuthModeLegacyHeader = "legacy_header"
	// AuthModeDual verifies a bearer token when present and falls back to
	// the legacy headers otherwise, for staged JWT rollouts.
	AuthModeDual = "dual"
	// AuthModeJWTOnly requires a verified bearer token.
	AuthModeJWTOnly = "jwt_only"
)

// Identity assigned to header-authenticated requests without an email
const fallbackIdentityEmail = "system@local"

// Identity carries the verified identity of the caller
type Identity struct {
	Email string
	// Source records which mechanism authenticated the request:
	// legacy_header or jwt.
	Source string
}

// NormalizeAuthMode maps unknown modes onto the legacy header default
func NormalizeAuthMode(mode string) string {
	normalized := strings.ToLower(strings.TrimSpace(mode))
	switch normalized {
	case AuthModeLegacyHeader, AuthModeDual, AuthModeJWTOnly:
		return normalized
	}
	return AuthModeLegacyHeader
}

// IdentityMiddleware extracts the caller identity from the request
type IdentityMiddleware struct {
	verifier TokenVerifier
	mode     string
}

// TokenVerifier resolves a bearer token into a user email
type TokenVerifier interface {
	// VerifyToken returns the email of the token's subject, or an error
	// for invalid or expired tokens.
	VerifyToken(ctx context.Context, token string) (string, error)
}

// NewIdentityMiddleware creates an identity middleware for the given auth
// mode. verifier may be nil in legacy_header mode.
func NewIdentityMiddleware(verifier TokenVerifier, mode string) *IdentityMiddleware {
	return &IdentityMiddleware{
		verifier: verifier,
		mode:     NormalizeAuthMode(mode),
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func headerEmail(r *http.Request) string {
	email := r.Header.Get("X-User-Email")
	if email == "" {
		email = r.Header.Get("X-User")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return fallbackIdentityEmail
	}
	return email
}

// Handler wraps an HTTP handler with identity extraction
func (m *IdentityMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var identity *Identity

		token := bearerToken(r)
		switch m.mode {
		case AuthModeJWTOnly:
			if token == "" {
				m.unauthorizedResponse(w, "missing bearer token")
				return
			}
			email, err := m.verifier.VerifyToken(r.Context(), token)
			if err != nil {
				m.unauthorizedResponse(w, "invalid or expired token")
				return
			}
			identity = &Identity{Email: email, Source: "jwt"}

		case AuthModeDual:
			if token != "" && m.verifier != nil {
				email, err := m.verifier.VerifyToken(r.Context(), token)
				if err != nil {
					m.unauthorizedResponse(w, "invalid or expired token")
					return
				}
				identity = &Identity{Email: email, Source: "jwt"}
			} else {
				identity = &Identity{Email: headerEmail(r), Source: AuthModeLegacyHeader}
			}

		default:
			identity = &Identity{Email: headerEmail(r), Source: AuthModeLegacyHeader}
		}

		ctx := contextkeys.WithIdentity(r.Context(), identity)
		ctx = contextkeys.WithUserEmail(ctx, identity.Email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *IdentityMiddleware) unauthorizedResponse(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}

// GetIdentity extracts the identity from the request, nil when unset
func GetIdentity(r *http.Request) *Identity {
	value := r.Context().Value(contextkeys.IdentityKey)
	if value == nil {
		return nil
	}
	identity, ok := value.(*Identity)
	if !ok {
		return nil
	}
	return identity
}

// GetUserEmail returns the caller's email, empty when unauthenticated
func GetUserEmail(r *http.Request) string {
	if identity := GetIdentity(r); identity != nil {
		return identity.Email
	}
	return ""
}
