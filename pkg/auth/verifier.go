package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCConfig configures token verification against an OIDC issuer
type OIDCConfig struct {
	IssuerURL string
	// Audience the token must be issued for; the provider's client id.
	Audience string
	// SkipClientIDCheck disables audience validation, for gateways that
	// already enforce it.
	SkipClientIDCheck bool
}

// OIDCVerifier verifies bearer tokens through OIDC discovery and extracts
// the subject email from the verified claims.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the issuer and builds a token verifier
func NewOIDCVerifier(ctx context.Context, cfg OIDCConfig) (*OIDCVerifier, error) {
	if strings.TrimSpace(cfg.IssuerURL) == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{
		ClientID:          cfg.Audience,
		SkipClientIDCheck: cfg.SkipClientIDCheck,
	})
	return &OIDCVerifier{verifier: verifier}, nil
}

// VerifyToken validates the token signature and claims, returning the
// subject's email.
func (v *OIDCVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return "", fmt.Errorf("token verification failed: %w", err)
	}
	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("failed to parse claims: %w", err)
	}
	email := EmailFromClaims(claims)
	if email == "" {
		return "", fmt.Errorf("token carries no email claim")
	}
	return email, nil
}

// Claim keys consulted for the caller's email, in precedence order
var emailClaimKeys = []string{"email", "upn", "preferred_username", "username"}

// EmailFromClaims extracts a lowercased email from verified token claims.
// Namespaced custom claims like "https://tenant.example.com/email" are
// honored when none of the standard keys is present.
func EmailFromClaims(claims map[string]interface{}) string {
	for _, key := range emailClaimKeys {
		if email := claimText(claims[key]); email != "" {
			return email
		}
	}
	for rawKey, rawValue := range claims {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if !strings.HasSuffix(key, "/email") && !strings.HasSuffix(key, ":email") && !strings.HasSuffix(key, "_email") {
			continue
		}
		if email := claimText(rawValue); email != "" {
			return email
		}
	}
	return ""
}

func claimText(value interface{}) string {
	text, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(text))
}
