package auth

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

// TokenManager issues and checks HS256 login tokens. A token names one
// user and is presented on the websocket login event.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager creates a token manager. An empty secret generates a
// random one, which invalidates tokens across restarts.
func NewTokenManager(secret string, ttl time.Duration) (*TokenManager, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate token secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{secret: key, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for username
func (m *TokenManager) Issue(username string) (string, error) {
	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": username,
		"iat": now.Unix(),
		"exp": now.Add(m.ttl).Unix(),
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the token's username
func (m *TokenManager) Verify(tokenString string) (string, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	exp, ok := claims["exp"].(float64)
	if !ok || int64(exp) < m.now().Unix() {
		return "", ErrInvalidToken
	}

	subject, ok := claims["sub"].(string)
	if !ok || subject == "" {
		return "", ErrInvalidToken
	}
	return subject, nil
}

// VerifyFor checks that tokenString is valid and names username
func (m *TokenManager) VerifyFor(tokenString, username string) error {
	subject, err := m.Verify(tokenString)
	if err != nil {
		return err
	}
	if subject != username {
		return ErrInvalidToken
	}
	return nil
}
