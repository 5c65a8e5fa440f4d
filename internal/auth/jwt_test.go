package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/lorawan-server/lorawan-node/internal/config"
)

func newManager(secret string, ttl time.Duration) *JWTManager {
	return NewJWTManager(&config.JWTConfig{Secret: secret, TokenTTL: ttl})
}

func TestGenerateAndValidate(t *testing.T) {
	m := newManager("s3cret", time.Hour)

	token, err := m.GenerateToken("operator", "admin")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Subject != "operator" || claims.Role != "admin" || claims.Issuer != "lora-node" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.ID == "" {
		t.Error("token without ID")
	}
}

func TestValidateRejects(t *testing.T) {
	m := newManager("s3cret", time.Hour)
	good, _ := m.GenerateToken("operator", "admin")

	expired := newManager("s3cret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _ := expired.GenerateToken("operator", "admin")

	other, _ := newManager("other", time.Hour).GenerateToken("operator", "admin")

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not.a.token"},
		{name: "wrong secret", token: other},
		{name: "expired", token: old},
		{name: "tampered", token: good[:len(good)-2] + "xx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.ValidateToken(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestRefreshToken(t *testing.T) {
	m := newManager("s3cret", time.Hour)
	token, _ := m.GenerateToken("operator", "viewer")

	refreshed, err := m.RefreshToken(token)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	claims, err := m.ValidateToken(refreshed)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Subject != "operator" || claims.Role != "viewer" {
		t.Errorf("claims = %+v", claims)
	}
	if _, err := m.RefreshToken("bogus"); err == nil {
		t.Error("refreshed an invalid token")
	}
}
