// Package broker defines the contract every brokerage integration satisfies
// and ships the Angel One implementation.
package broker

import (
	"context"
	"strings"
	"time"
)

const (
	CodeAuthFailed      = "AUTH_FAILED"
	CodeInvalidTOTP     = "INVALID_TOTP"
	CodeConnectionError = "CONNECTION_ERROR"
	CodeTokenExpired    = "TOKEN_EXPIRED"
)

type Credentials struct {
	ClientID string
	PIN      string
	TOTP     string
	APIKey   string
}

// CredentialsFrom maps the request's credential object onto Credentials and
// reports which of the required keys are absent or blank.
func CredentialsFrom(raw map[string]string, required []string) (Credentials, []string) {
	var missing []string
	for _, key := range required {
		if strings.TrimSpace(raw[key]) == "" {
			missing = append(missing, key)
		}
	}

	return Credentials{
		ClientID: strings.TrimSpace(raw["client_id"]),
		PIN:      strings.TrimSpace(raw["pin"]),
		TOTP:     strings.TrimSpace(raw["totp"]),
		APIKey:   strings.TrimSpace(raw["api_key"]),
	}, missing
}

type Tokens struct {
	AccessToken  string
	RefreshToken string
	FeedToken    string
	ExpiresAt    *time.Time
}

type UserInfo struct {
	ClientID string `json:"client_id"`
	Broker   string `json:"broker"`
}

// AuthResult is either AuthSuccess or AuthFailure.
type AuthResult interface {
	authResult()
}

type AuthSuccess struct {
	Tokens   Tokens
	UserInfo UserInfo
}

// AuthFailure carries the broker's own reason. Code is set by the adapter for
// transport problems and left empty when the broker rejected the request.
type AuthFailure struct {
	Message string
	Code    string
}

func (AuthSuccess) authResult() {}
func (AuthFailure) authResult() {}

// FailureCode picks the coarse error code for a failed authentication.
func FailureCode(f AuthFailure) string {
	if f.Code != "" {
		return f.Code
	}
	if strings.Contains(strings.ToLower(f.Message), "totp") {
		return CodeInvalidTOTP
	}
	return CodeAuthFailed
}

type ValidationResult struct {
	Valid   bool
	Message string
	Profile map[string]any
}

// Adapter is the authentication capability set of one broker. Implementations
// never return transport errors to the caller; they fold them into the result.
type Adapter interface {
	Type() string
	Authenticate(ctx context.Context, creds Credentials) AuthResult
	Refresh(ctx context.Context, refreshToken string) AuthResult
	Validate(ctx context.Context, accessToken string) ValidationResult
	// Logout is best effort and always succeeds locally.
	Logout(ctx context.Context, accessToken string)
}

// Access is what an authenticated account call needs.
type Access struct {
	AccessToken string
	APIKey      string
}

// AccountReader is implemented by adapters that expose read-only account data.
type AccountReader interface {
	Funds(ctx context.Context, access Access) (Funds, error)
	Orders(ctx context.Context, access Access) (OrderBook, error)
	Trades(ctx context.Context, access Access) ([]Trade, error)
	Positions(ctx context.Context, access Access) ([]Position, error)
	Holdings(ctx context.Context, access Access) (Portfolio, error)
}

// SymbolResolver maps a broker instrument token on an exchange to its trading symbol.
type SymbolResolver interface {
	Symbol(token, exchange string) (string, bool)
}
