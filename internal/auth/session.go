// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CookieName is the cookie carrying the session token.
const CookieName = "auth_token"

var (
	keyMu      sync.RWMutex
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	tokenTTL   time.Duration
)

// Init generates a fresh ed25519 key pair. Tokens expire after ttl; zero means never.
func Init(ttl time.Duration) error {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	setKeys(priv, pub, ttl)
	return nil
}

// InitFromPath reads a raw ed25519 key pair from disk, so tokens survive restarts
// and can be verified by every server instance.
func InitFromPath(privatePath, publicPath string, ttl time.Duration) error {
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return fmt.Errorf("failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return fmt.Errorf("failed to read public key file: %w", err)
	}
	if len(privateKeyData) != ed25519.PrivateKeySize || len(publicKeyData) != ed25519.PublicKeySize {
		return errors.New("key files are not raw ed25519 keys")
	}
	setKeys(ed25519.PrivateKey(privateKeyData), ed25519.PublicKey(publicKeyData), ttl)
	return nil
}

func setKeys(priv ed25519.PrivateKey, pub ed25519.PublicKey, ttl time.Duration) {
	keyMu.Lock()
	defer keyMu.Unlock()
	privateKey, publicKey, tokenTTL = priv, pub, ttl
}

// TokenTTL returns the configured token lifetime (zero means no expiry).
func TokenTTL() time.Duration {
	keyMu.RLock()
	defer keyMu.RUnlock()
	return tokenTTL
}

// CreateJWT signs a token whose "sub" claim is the user id.
func CreateJWT(userID uuid.UUID) (string, error) {
	keyMu.RLock()
	priv, ttl := privateKey, tokenTTL
	keyMu.RUnlock()
	if priv == nil {
		return "", errors.New("auth keys not initialized")
	}

	claims := jwt.MapClaims{
		"sub": userID.String(),
		"iat": time.Now().Unix(),
	}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(priv)
}

// AuthenticateJWT verifies a token and returns the user id in its "sub" claim.
func AuthenticateJWT(tokenString string) (uuid.UUID, error) {
	keyMu.RLock()
	pub := publicKey
	keyMu.RUnlock()

	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return uuid.Nil, errors.New("invalid token")
	}

	sub, err := t.Claims.GetSubject()
	if err != nil || sub == "" {
		return uuid.Nil, errors.New("missing sub in jwt")
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user id in jwt: %w", err)
	}
	return userID, nil
}
