package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradebridge/internal/apperr"
	"tradebridge/internal/broker"
	"tradebridge/internal/observability"
)

type CredentialCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type ConnectInput struct {
	BrokerType  string
	Credentials map[string]string
	DisplayName string
}

type Summary struct {
	ID           int64      `json:"id"`
	BrokerType   string     `json:"broker_type"`
	BrokerName   string     `json:"broker_name"`
	BrokerUserID string     `json:"broker_user_id"`
	DisplayName  string     `json:"display_name"`
	ConnectedAt  time.Time  `json:"connected_at"`
	LastSyncAt   *time.Time `json:"last_sync_at"`
	IsActive     bool       `json:"is_active"`
	Status       string     `json:"status"`
	Features     []string   `json:"features"`
}

type Details struct {
	Summary
	Description    string     `json:"description"`
	TokenExpiresAt *time.Time `json:"token_expires_at"`
	HasTokens      bool       `json:"has_tokens"`
	CanRefresh     bool       `json:"can_refresh"`
}

type ConnectResult struct {
	Connection Summary
	Message    string
	// Warning is set when the connection was stored but its tokens were not.
	Warning string
}

type ValidationView struct {
	Valid   bool           `json:"valid"`
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Profile map[string]any `json:"profile,omitempty"`
}

// Manager is the broker connection lifecycle: connect, list, inspect,
// refresh, validate, disconnect and read-only account data.
type Manager struct {
	repo     Repository
	registry *broker.Registry
	cipher   CredentialCipher
	logger   *observability.Logger
	now      func() time.Time
}

func NewManager(repo Repository, registry *broker.Registry, cipher CredentialCipher, logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Manager{
		repo:     repo,
		registry: registry,
		cipher:   cipher,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) Supported() []broker.Info {
	return m.registry.Supported()
}

func (m *Manager) Connect(ctx context.Context, userID int64, in ConnectInput) (ConnectResult, error) {
	info, adapter, err := m.registry.Active(in.BrokerType)
	if err != nil {
		return ConnectResult{}, err
	}
	if len(in.Credentials) == 0 {
		return ConnectResult{}, apperr.Validation("Broker credentials are required").WithCode("MISSING_CREDENTIALS")
	}

	creds, missing := broker.CredentialsFrom(in.Credentials, info.RequiredCredentials)
	if len(missing) > 0 {
		return ConnectResult{}, apperr.Validation("Missing required credentials: " + strings.Join(missing, ", "))
	}

	var tokens broker.Tokens
	switch result := adapter.Authenticate(ctx, creds).(type) {
	case broker.AuthFailure:
		code := broker.FailureCode(result)
		m.logger.Warn("broker_connect_failed", map[string]any{
			"user_id":     userID,
			"broker_type": in.BrokerType,
			"error_code":  code,
			"reason":      result.Message,
		})
		message := "Broker authentication failed: " + result.Message
		if code == broker.CodeConnectionError {
			return ConnectResult{}, apperr.Upstream(message, nil).WithCode(code)
		}
		return ConnectResult{}, apperr.Authentication(message, nil).WithCode(code)
	case broker.AuthSuccess:
		tokens = result.Tokens
	default:
		return ConnectResult{}, apperr.Upstream("Broker authentication failed", fmt.Errorf("unexpected auth result %T", result))
	}

	conn := Connection{
		UserID:          userID,
		BrokerType:      info.Type,
		BrokerAccountID: creds.ClientID,
		DisplayName:     strings.TrimSpace(in.DisplayName),
	}
	if conn.DisplayName == "" {
		conn.DisplayName = fmt.Sprintf("%s - %s", info.DisplayName, creds.ClientID)
	}
	if conn.EncryptedClientID, err = m.cipher.Encrypt(creds.ClientID); err != nil {
		return ConnectResult{}, m.storageError("broker_credentials_encrypt_failed", err, userID)
	}
	if conn.EncryptedAPIKey, err = m.cipher.Encrypt(creds.APIKey); err != nil {
		return ConnectResult{}, m.storageError("broker_credentials_encrypt_failed", err, userID)
	}
	if conn.EncryptedPIN, err = m.cipher.Encrypt(creds.PIN); err != nil {
		return ConnectResult{}, m.storageError("broker_credentials_encrypt_failed", err, userID)
	}

	conn, err = m.repo.Insert(ctx, conn)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return ConnectResult{}, apperr.New(apperr.KindDuplicate, "Broker connection already exists", err)
		}
		return ConnectResult{}, m.storageError("broker_connection_insert_failed", err, userID)
	}

	result := ConnectResult{Message: "Successfully connected to " + info.DisplayName}
	stored := tokenSetFrom(conn.ID, tokens)
	if err := m.repo.UpsertTokens(ctx, stored); err != nil {
		m.logger.Warn("broker_tokens_store_failed", map[string]any{
			"user_id":       userID,
			"connection_id": conn.ID,
			"error":         err,
		})
		result.Warning = "Connection saved but broker tokens could not be stored. Refresh the connection to retry."
	}

	m.logger.Info("broker_connected", map[string]any{
		"user_id":       userID,
		"connection_id": conn.ID,
		"broker_type":   conn.BrokerType,
	})

	var live *TokenSet
	if result.Warning == "" {
		live = &stored
	}
	result.Connection = m.summary(conn, live)
	return result, nil
}

func (m *Manager) List(ctx context.Context, userID int64) ([]Summary, error) {
	items, err := m.repo.ListActive(ctx, userID)
	if err != nil {
		return nil, m.storageError("broker_connections_list_failed", err, userID)
	}

	summaries := make([]Summary, 0, len(items))
	for _, item := range items {
		summaries = append(summaries, m.summary(item.Connection, item.Tokens))
	}
	return summaries, nil
}

// Details includes inactive connections the user owns.
func (m *Manager) Details(ctx context.Context, userID, id int64) (Details, error) {
	conn, err := m.owned(ctx, userID, id, false)
	if err != nil {
		return Details{}, err
	}

	var tokens *TokenSet
	stored, err := m.repo.GetTokens(ctx, conn.ID)
	switch {
	case err == nil:
		tokens = &stored
	case !errors.Is(err, ErrNoTokens):
		return Details{}, m.storageError("broker_tokens_lookup_failed", err, userID)
	}

	details := Details{
		Summary:     m.summary(conn, tokens),
		Description: m.registry.Info(conn.BrokerType).Description,
		HasTokens:   tokens != nil,
	}
	if tokens != nil {
		details.TokenExpiresAt = tokens.ExpiresAt
		details.CanRefresh = tokens.RefreshToken != ""
	}
	return details, nil
}

// Disconnect deactivates the connection, drops its tokens and then asks the
// broker to invalidate the access token. The broker's answer is ignored.
func (m *Manager) Disconnect(ctx context.Context, userID, id int64) (string, error) {
	conn, err := m.owned(ctx, userID, id, true)
	if err != nil {
		return "", err
	}

	tokens, tokensErr := m.repo.GetTokens(ctx, conn.ID)

	if err := m.repo.Deactivate(ctx, userID, conn.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", apperr.New(apperr.KindNotFound, "Broker connection not found", err)
		}
		return "", m.storageError("broker_disconnect_failed", err, userID)
	}

	info := m.registry.Info(conn.BrokerType)
	if tokensErr == nil {
		if _, adapter, err := m.registry.Active(conn.BrokerType); err == nil {
			adapter.Logout(ctx, tokens.AccessToken)
		}
	}

	m.logger.Info("broker_disconnected", map[string]any{"user_id": userID, "connection_id": conn.ID})
	return "Successfully disconnected from " + info.DisplayName, nil
}

func (m *Manager) Refresh(ctx context.Context, userID, id int64) (string, error) {
	conn, err := m.owned(ctx, userID, id, true)
	if err != nil {
		return "", err
	}

	current, err := m.repo.GetTokens(ctx, conn.ID)
	if err != nil {
		if errors.Is(err, ErrNoTokens) {
			return "", apperr.New(apperr.KindNotFound, "No tokens found for connection", err)
		}
		return "", m.storageError("broker_tokens_lookup_failed", err, userID)
	}

	info, adapter, err := m.registry.Active(conn.BrokerType)
	if err != nil {
		return "", err
	}

	var fresh broker.Tokens
	switch result := adapter.Refresh(ctx, current.RefreshToken).(type) {
	case broker.AuthFailure:
		m.logger.Warn("broker_refresh_failed", map[string]any{
			"user_id":       userID,
			"connection_id": conn.ID,
			"reason":        result.Message,
		})
		return "", apperr.Upstream("Token refresh failed: "+result.Message, nil).WithCode(broker.FailureCode(result))
	case broker.AuthSuccess:
		fresh = result.Tokens
	default:
		return "", apperr.Upstream("Token refresh failed", fmt.Errorf("unexpected auth result %T", result))
	}

	if err := m.repo.UpsertTokens(ctx, tokenSetFrom(conn.ID, fresh)); err != nil {
		m.logger.Error("broker_tokens_store_failed", map[string]any{"connection_id": conn.ID, "error": err})
		return "", apperr.New(apperr.KindStorage, "Failed to update tokens", err)
	}
	if err := m.repo.TouchSync(ctx, conn.ID, m.now()); err != nil {
		return "", m.storageError("broker_sync_update_failed", err, userID)
	}

	return fmt.Sprintf("Successfully refreshed %s tokens", info.DisplayName), nil
}

// Validate asks the broker whether the stored access token still works.
func (m *Manager) Validate(ctx context.Context, userID, id int64) (ValidationView, error) {
	conn, err := m.owned(ctx, userID, id, true)
	if err != nil {
		return ValidationView{}, err
	}

	tokens, err := m.repo.GetTokens(ctx, conn.ID)
	if err != nil {
		if errors.Is(err, ErrNoTokens) {
			return ValidationView{Status: StatusExpired, Message: "No tokens found for connection"}, nil
		}
		return ValidationView{}, m.storageError("broker_tokens_lookup_failed", err, userID)
	}

	_, adapter, err := m.registry.Active(conn.BrokerType)
	if err != nil {
		return ValidationView{}, err
	}

	result := adapter.Validate(ctx, tokens.AccessToken)
	view := ValidationView{Valid: result.Valid, Message: result.Message, Profile: result.Profile, Status: StatusExpired}
	if result.Valid {
		view.Status = StatusConnected
	}
	return view, nil
}

func (m *Manager) Funds(ctx context.Context, userID, id int64) (broker.Funds, error) {
	return readAccount(ctx, m, userID, id, broker.AccountReader.Funds)
}

func (m *Manager) Orders(ctx context.Context, userID, id int64) (broker.OrderBook, error) {
	return readAccount(ctx, m, userID, id, broker.AccountReader.Orders)
}

func (m *Manager) Trades(ctx context.Context, userID, id int64) ([]broker.Trade, error) {
	return readAccount(ctx, m, userID, id, broker.AccountReader.Trades)
}

func (m *Manager) Positions(ctx context.Context, userID, id int64) ([]broker.Position, error) {
	return readAccount(ctx, m, userID, id, broker.AccountReader.Positions)
}

func (m *Manager) Holdings(ctx context.Context, userID, id int64) (broker.Portfolio, error) {
	return readAccount(ctx, m, userID, id, broker.AccountReader.Holdings)
}

func readAccount[T any](ctx context.Context, m *Manager, userID, id int64, fetch func(broker.AccountReader, context.Context, broker.Access) (T, error)) (T, error) {
	var zero T

	conn, err := m.owned(ctx, userID, id, true)
	if err != nil {
		return zero, err
	}

	_, adapter, err := m.registry.Active(conn.BrokerType)
	if err != nil {
		return zero, err
	}
	reader, ok := adapter.(broker.AccountReader)
	if !ok {
		return zero, apperr.Unavailable("Account data is not available for this broker")
	}

	tokens, err := m.repo.GetTokens(ctx, conn.ID)
	if err != nil {
		if errors.Is(err, ErrNoTokens) {
			return zero, apperr.New(apperr.KindNotFound, "No tokens found for connection", err)
		}
		return zero, m.storageError("broker_tokens_lookup_failed", err, userID)
	}
	if !tokens.Live(m.now()) {
		return zero, apperr.Upstream("Broker session expired. Please refresh the connection.", nil).WithCode(broker.CodeTokenExpired)
	}

	apiKey, err := m.cipher.Decrypt(conn.EncryptedAPIKey)
	if err != nil {
		m.logger.Error("broker_credentials_decrypt_failed", map[string]any{
			"user_id":       userID,
			"connection_id": conn.ID,
			"error_kind":    apperr.KindDecryption.String(),
			"error":         err,
		})
		return zero, apperr.Decryption(err)
	}

	value, err := fetch(reader, ctx, broker.Access{AccessToken: tokens.AccessToken, APIKey: apiKey})
	if err != nil {
		return zero, err
	}

	if err := m.repo.TouchSync(ctx, conn.ID, m.now()); err != nil {
		m.logger.Warn("broker_sync_update_failed", map[string]any{"connection_id": conn.ID, "error": err})
	}
	return value, nil
}

func (m *Manager) owned(ctx context.Context, userID, id int64, activeOnly bool) (Connection, error) {
	conn, err := m.repo.GetOwned(ctx, userID, id, activeOnly)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Connection{}, apperr.New(apperr.KindNotFound, "Broker connection not found", err)
		}
		return Connection{}, m.storageError("broker_connection_lookup_failed", err, userID)
	}
	return conn, nil
}

func (m *Manager) summary(conn Connection, tokens *TokenSet) Summary {
	info := m.registry.Info(conn.BrokerType)
	features := info.Features
	if features == nil {
		features = []string{}
	}
	return Summary{
		ID:           conn.ID,
		BrokerType:   conn.BrokerType,
		BrokerName:   info.DisplayName,
		BrokerUserID: conn.BrokerAccountID,
		DisplayName:  conn.DisplayName,
		ConnectedAt:  conn.ConnectedAt,
		LastSyncAt:   conn.LastSyncAt,
		IsActive:     conn.IsActive,
		Status:       statusOf(tokens, m.now()),
		Features:     features,
	}
}

func (m *Manager) storageError(event string, err error, userID int64) error {
	m.logger.Error(event, map[string]any{"user_id": userID, "error": err})
	return apperr.Storage(err)
}

func tokenSetFrom(connectionID int64, t broker.Tokens) TokenSet {
	return TokenSet{
		ConnectionID: connectionID,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		FeedToken:    t.FeedToken,
		ExpiresAt:    t.ExpiresAt,
	}
}
