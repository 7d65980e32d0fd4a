// Package auth provides the token machinery shared by the services: HS256
// JWTs for host clients and API callers, and opaque hashed tokens for device
// agents. Interactive login lives in a separate service and is not handled
// here.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Manager signs and verifies JWTs with a shared HS256 secret.
type Manager struct {
	secret []byte
}

// New creates a Manager from the configured secret.
func New(secret string) *Manager {
	return &Manager{secret: []byte(secret)}
}

// ClientClaims are the claims minted for a host client at registration.
// The token authenticates the client's WebSocket channel and binds it to
// one workspace for its whole lifetime.
type ClientClaims struct {
	ClientID string `json:"client_id"`
	Tenant   string `json:"workspace_id"`
	jwt.RegisteredClaims
}

// MintClientToken issues a host-client JWT. The plaintext is returned to the
// caller exactly once; nothing token-shaped is persisted.
func (m *Manager) MintClientToken(clientID, tenant string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ClientClaims{
		ClientID: clientID,
		Tenant:   tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign client token: %w", err)
	}
	return signed, nil
}

// ParseClientToken validates a host-client JWT and returns its claims.
// Expired or tampered tokens are rejected before any state is touched.
func (m *Manager) ParseClientToken(token string) (*ClientClaims, error) {
	claims := &ClientClaims{}
	_, err := jwt.ParseWithClaims(token, claims, m.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse client token: %w", err)
	}
	if claims.ClientID == "" || claims.Tenant == "" {
		return nil, fmt.Errorf("client token missing client_id or workspace_id")
	}
	return claims, nil
}

// Verify checks that a bearer token is a valid, unexpired JWT signed with
// our secret. Used by the REST middleware; claims content is not inspected.
func (m *Manager) Verify(token string) error {
	_, err := jwt.Parse(token, m.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	return err
}

func (m *Manager) keyFunc(*jwt.Token) (any, error) {
	return m.secret, nil
}

// NewDeviceToken generates an opaque device agent token: 32 random bytes as
// 64 hex characters. Only the hash is stored; the plaintext is shown once.
func NewDeviceToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate device token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// HashToken returns the hex SHA-256 digest of a plaintext token. Device
// lookups compare digests so the database never holds usable credentials.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewClientID generates a host client identifier of the form
// "client-{16 hex chars}".
func NewClientID() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	return "client-" + hex.EncodeToString(raw), nil
}
