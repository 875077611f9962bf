package auth

import (
	"context"
	"testing"
)

func TestEmailFromClaims(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]interface{}
		want   string
	}{
		{"standard email claim", map[string]interface{}{"email": "User@Example.com"}, "user@example.com"},
		{"upn fallback", map[string]interface{}{"upn": "user@corp.example.com"}, "user@corp.example.com"},
		{"preferred username", map[string]interface{}{"preferred_username": "ops@example.com"}, "ops@example.com"},
		{"email wins over upn", map[string]interface{}{"email": "a@example.com", "upn": "b@example.com"}, "a@example.com"},
		{"namespaced custom claim", map[string]interface{}{"https://tenant.example.com/email": "c@example.com"}, "c@example.com"},
		{"underscore custom claim", map[string]interface{}{"custom_email": "d@example.com"}, "d@example.com"},
		{"non-string ignored", map[string]interface{}{"email": 42}, ""},
		{"blank ignored", map[string]interface{}{"email": "   "}, ""},
		{"no claims", map[string]interface{}{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EmailFromClaims(tt.claims); got != tt.want {
				t.Fatalf("EmailFromClaims = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewOIDCVerifier_RequiresIssuer(t *testing.T) {
	if _, err := NewOIDCVerifier(context.Background(), OIDCConfig{}); err == nil {
		t.Fatal("expected error for missing issuer")
	}
}
