package auth

import (
	"strings"
	"testing"
	"time"
)

func TestClientTokenRoundTrip(t *testing.T) {
	m := New("test-secret")

	token, err := m.MintClientToken("client-abc", "ws-1", time.Hour)
	if err != nil {
		t.Fatalf("MintClientToken: %v", err)
	}

	claims, err := m.ParseClientToken(token)
	if err != nil {
		t.Fatalf("ParseClientToken: %v", err)
	}
	if claims.ClientID != "client-abc" {
		t.Errorf("ClientID = %q, want client-abc", claims.ClientID)
	}
	if claims.Tenant != "ws-1" {
		t.Errorf("Tenant = %q, want ws-1", claims.Tenant)
	}

	if err := m.Verify(token); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestParseClientTokenRejectsExpired(t *testing.T) {
	m := New("test-secret")

	token, err := m.MintClientToken("client-abc", "ws-1", -time.Minute)
	if err != nil {
		t.Fatalf("MintClientToken: %v", err)
	}
	if _, err := m.ParseClientToken(token); err == nil {
		t.Fatal("expected error for expired token")
	}
	if err := m.Verify(token); err == nil {
		t.Fatal("Verify should reject expired token")
	}
}

func TestParseClientTokenRejectsWrongSecret(t *testing.T) {
	token, err := New("secret-a").MintClientToken("client-abc", "ws-1", time.Hour)
	if err != nil {
		t.Fatalf("MintClientToken: %v", err)
	}
	if _, err := New("secret-b").ParseClientToken(token); err == nil {
		t.Fatal("expected error for token signed with another secret")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	if err := New("s").Verify("not-a-jwt"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestDeviceToken(t *testing.T) {
	tok, err := NewDeviceToken()
	if err != nil {
		t.Fatalf("NewDeviceToken: %v", err)
	}
	if len(tok) != 64 {
		t.Errorf("token length = %d, want 64", len(tok))
	}

	h1 := HashToken(tok)
	h2 := HashToken(tok)
	if h1 != h2 {
		t.Error("HashToken is not deterministic")
	}
	if h1 == tok {
		t.Error("hash must differ from plaintext")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64", len(h1))
	}
}

func TestNewClientID(t *testing.T) {
	id, err := NewClientID()
	if err != nil {
		t.Fatalf("NewClientID: %v", err)
	}
	if !strings.HasPrefix(id, "client-") {
		t.Errorf("id = %q, want client- prefix", id)
	}
	if len(id) != len("client-")+16 {
		t.Errorf("id length = %d, want %d", len(id), len("client-")+16)
	}
}
