package connection

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("broker connection not found")
	ErrDuplicate = errors.New("broker connection already exists")
	ErrNoTokens  = errors.New("broker connection has no tokens")
)

const (
	StatusConnected = "connected"
	StatusExpired   = "expired"
)

// Connection is one user's link to a brokerage account. The credential
// fields hold ciphertext only.
type Connection struct {
	ID                int64
	UserID            int64
	BrokerType        string
	BrokerAccountID   string
	DisplayName       string
	EncryptedClientID string
	EncryptedAPIKey   string
	EncryptedPIN      string
	IsActive          bool
	ConnectedAt       time.Time
	LastSyncAt        *time.Time
}

type TokenSet struct {
	ConnectionID int64
	AccessToken  string
	RefreshToken string
	FeedToken    string
	ExpiresAt    *time.Time
	UpdatedAt    time.Time
}

// WithTokens pairs a connection with its token set, which may be nil.
type WithTokens struct {
	Connection Connection
	Tokens     *TokenSet
}

// Live reports whether a token set can still be used at now. A missing set,
// an empty access token and a past expiry all count as expired.
func (t *TokenSet) Live(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return t.ExpiresAt == nil || now.Before(*t.ExpiresAt)
}

func statusOf(tokens *TokenSet, now time.Time) string {
	if tokens.Live(now) {
		return StatusConnected
	}
	return StatusExpired
}
