package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

// Authentication errors
var (
	ErrAuthRequired      = errors.New("authentication required")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrAuthTokenMismatch = errors.New("auth token mismatch")
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Enabled determines if authentication is required
	Enabled bool
	// Token is the secret token that clients must provide
	Token string
}

// AuthConfigFromToken enables authentication when token is set.
func AuthConfigFromToken(token string) AuthConfig {
	return AuthConfig{Enabled: token != "", Token: token}
}

// Authenticator checks the handshake token of ingress connections.
type Authenticator struct {
	config AuthConfig
}

// NewAuthenticator creates a new Authenticator with the given config.
func NewAuthenticator(config AuthConfig) *Authenticator {
	return &Authenticator{config: config}
}

// IsEnabled returns true if authentication is enabled.
func (a *Authenticator) IsEnabled() bool { return a.config.Enabled }

// ValidateToken checks if the provided token matches the configured token.
// Uses constant-time comparison to prevent timing attacks.
func (a *Authenticator) ValidateToken(providedToken string) error {
	if !a.config.Enabled {
		return nil
	}
	if providedToken == "" {
		return ErrAuthRequired
	}
	if subtle.ConstantTimeCompare([]byte(a.config.Token), []byte(providedToken)) != 1 {
		return ErrAuthTokenMismatch
	}
	return nil
}

// GenerateToken generates a cryptographically secure random token.
func GenerateToken() (string, error) {
	b := make([]byte, 32) // 256 bits
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// AuthMessage is the first message a client sends when auth is enabled.
type AuthMessage struct {
	Type  string `json:"type"`  // Must be "auth"
	Token string `json:"token"` // The authentication token
}

// AuthResponse is sent back to the client after an auth attempt.
type AuthResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
