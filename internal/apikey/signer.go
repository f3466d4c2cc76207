// Package apikey issues platform API keys. A key is an HS256 JWT naming its
// owner; the server keeps an encrypted copy so keys can be revoked and shown
// again to their owner.
package apikey

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const keyType = "api_key"

var ErrMalformedKey = errors.New("apikey: malformed or forged key")

type Claims struct {
	jwt.RegisteredClaims
	Type string `json:"typ"`
}

type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("api key signing secret is required")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Issue signs a new key for userID and returns it with its key id (jti).
func (s *Signer) Issue(userID int64, now time.Time) (string, string, error) {
	keyID := uuid.NewString()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatInt(userID, 10),
			ID:       keyID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Type: keyType,
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign api key: %w", err)
	}
	return signed, keyID, nil
}

// Parse verifies the signature and returns the owner and key id.
func (s *Signer) Parse(raw string) (int64, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return 0, "", fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if claims.Type != keyType || claims.ID == "" {
		return 0, "", ErrMalformedKey
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, "", ErrMalformedKey
	}
	return userID, claims.ID, nil
}
