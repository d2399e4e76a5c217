package control

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenFileName is the file under the data directory holding the UI token.
const TokenFileName = "control.token"

const tokenSubject = "desktop-ui"

// UIClaims are carried by the bearer token handed to the UI layer.
type UIClaims struct {
	jwt.RegisteredClaims
	RunID string `json:"run"`
}

// NewSecret returns a random HS256 key. A new key is generated on every run,
// so tokens from earlier runs are rejected.
func NewSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random JWT secret key: %w", err)
	}
	return b, nil
}

// MintToken signs a token for the UI valid for ttl.
func MintToken(secret []byte, runID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := UIClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tokenSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		RunID: runID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies tokenString against secret.
func ParseToken(secret []byte, tokenString string) (*UIClaims, error) {
	var claims UIClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithSubject(tokenSubject))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return &claims, nil
}

// WriteTokenFile stores token in <dir>/control.token, readable only by the
// current user, and returns the path.
func WriteTokenFile(dir, token string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dir, TokenFileName)
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return "", fmt.Errorf("failed to write control token: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0600); err != nil {
		return "", fmt.Errorf("failed to restrict control token: %w", err)
	}
	return path, nil
}
