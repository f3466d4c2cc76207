package connection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"tradebridge/internal/broker"
	"tradebridge/internal/observability"
)

type memRepo struct {
	mu        sync.Mutex
	nextID    int64
	conns     map[int64]Connection
	tokens    map[int64]TokenSet
	upsertErr error
}

func newMemRepo() *memRepo {
	return &memRepo{conns: map[int64]Connection{}, tokens: map[int64]TokenSet{}}
}

func (r *memRepo) Insert(_ context.Context, c Connection) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.conns {
		if existing.IsActive && existing.UserID == c.UserID && existing.BrokerType == c.BrokerType && existing.BrokerAccountID == c.BrokerAccountID {
			return Connection{}, ErrDuplicate
		}
	}
	r.nextID++
	c.ID = r.nextID
	c.IsActive = true
	c.ConnectedAt = time.Now().UTC()
	r.conns[c.ID] = c
	return c, nil
}

func (r *memRepo) ListActive(_ context.Context, userID int64) ([]WithTokens, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []WithTokens
	for id := int64(1); id <= r.nextID; id++ {
		c, ok := r.conns[id]
		if !ok || !c.IsActive || c.UserID != userID {
			continue
		}
		item := WithTokens{Connection: c}
		if t, ok := r.tokens[id]; ok {
			item.Tokens = &t
		}
		out = append(out, item)
	}
	return out, nil
}

func (r *memRepo) GetOwned(_ context.Context, userID, id int64, activeOnly bool) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok || c.UserID != userID || (activeOnly && !c.IsActive) {
		return Connection{}, ErrNotFound
	}
	return c, nil
}

func (r *memRepo) UpsertTokens(_ context.Context, t TokenSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return r.upsertErr
	}
	t.UpdatedAt = time.Now().UTC()
	r.tokens[t.ConnectionID] = t
	return nil
}

func (r *memRepo) GetTokens(_ context.Context, connectionID int64) (TokenSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[connectionID]
	if !ok {
		return TokenSet{}, ErrNoTokens
	}
	return t, nil
}

func (r *memRepo) Deactivate(_ context.Context, userID, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok || c.UserID != userID || !c.IsActive {
		return ErrNotFound
	}
	c.IsActive = false
	r.conns[id] = c
	delete(r.tokens, id)
	return nil
}

func (r *memRepo) TouchSync(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	c.LastSyncAt = &at
	r.conns[id] = c
	return nil
}

type fakeAdapter struct {
	authResult    broker.AuthResult
	refreshResult broker.AuthResult
	valid         bool
	logouts       []string
	lastAccess    broker.Access
}

func (a *fakeAdapter) Type() string { return broker.AngelType }

func (a *fakeAdapter) Authenticate(context.Context, broker.Credentials) broker.AuthResult {
	return a.authResult
}

func (a *fakeAdapter) Refresh(context.Context, string) broker.AuthResult {
	return a.refreshResult
}

func (a *fakeAdapter) Validate(context.Context, string) broker.ValidationResult {
	if a.valid {
		return broker.ValidationResult{Valid: true, Message: "Connection is valid"}
	}
	return broker.ValidationResult{Message: "API call failed with status 401"}
}

func (a *fakeAdapter) Logout(_ context.Context, accessToken string) {
	a.logouts = append(a.logouts, accessToken)
}

func (a *fakeAdapter) Funds(_ context.Context, access broker.Access) (broker.Funds, error) {
	a.lastAccess = access
	return broker.Funds{AvailableCash: "100.00"}, nil
}

func (a *fakeAdapter) Orders(context.Context, broker.Access) (broker.OrderBook, error) {
	return broker.OrderBook{Orders: []broker.Order{}}, nil
}

func (a *fakeAdapter) Trades(context.Context, broker.Access) ([]broker.Trade, error) {
	return []broker.Trade{}, nil
}

func (a *fakeAdapter) Positions(context.Context, broker.Access) ([]broker.Position, error) {
	return []broker.Position{}, nil
}

func (a *fakeAdapter) Holdings(context.Context, broker.Access) (broker.Portfolio, error) {
	return broker.Portfolio{Holdings: []broker.Holding{}}, nil
}

// prefixCipher stands in for the AES cipher; "enc:" marks ciphertext.
type prefixCipher struct{}

func (prefixCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return "enc:" + plaintext, nil
}

func (prefixCipher) Decrypt(ciphertext string) (string, error) {
	plain, ok := strings.CutPrefix(ciphertext, "enc:")
	if !ok {
		return "", errors.New("cipher: message authentication failed")
	}
	return plain, nil
}

func successResult(access, refresh string, expiresAt time.Time) broker.AuthSuccess {
	return broker.AuthSuccess{
		Tokens:   broker.Tokens{AccessToken: access, RefreshToken: refresh, FeedToken: "feed", ExpiresAt: &expiresAt},
		UserInfo: broker.UserInfo{ClientID: "ABC123", Broker: broker.AngelType},
	}
}

func newTestManager() (*Manager, *memRepo, *fakeAdapter, *time.Time) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	adapter := &fakeAdapter{
		authResult:    successResult("jwt-1", "ref-1", now.Add(24*time.Hour)),
		refreshResult: successResult("jwt-2", "ref-2", now.Add(48*time.Hour)),
		valid:         true,
	}
	registry := broker.NewRegistry()
	registry.Register(broker.AngelInfo(), adapter)
	registry.Register(broker.Info{Type: "zerodha", DisplayName: "Zerodha", Status: broker.StatusComingSoon}, nil)

	repo := newMemRepo()
	manager := NewManager(repo, registry, prefixCipher{}, observability.Discard()).
		WithClock(func() time.Time { return now })
	return manager, repo, adapter, &now
}

func angelCredentials() map[string]string {
	return map[string]string{"client_id": "ABC123", "pin": "1234", "totp": "654321", "api_key": "key-1"}
}
