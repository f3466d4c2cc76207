package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tradebridge/internal/apperr"
	"tradebridge/internal/observability"
)

const (
	AngelType           = "angel"
	DefaultAngelBaseURL = "https://apiconnect.angelbroking.com"

	angelLoginPath     = "/rest/auth/angelbroking/user/v1/loginByPassword"
	angelRefreshPath   = "/rest/auth/angelbroking/jwt/v1/generateTokens"
	angelProfilePath   = "/rest/secure/angelbroking/user/v1/getProfile"
	angelLogoutPath    = "/rest/secure/angelbroking/user/v1/logout"
	angelFundsPath     = "/rest/secure/angelbroking/user/v1/getRMS"
	angelOrderBookPath = "/rest/secure/angelbroking/order/v1/getOrderBook"
	angelTradeBookPath = "/rest/secure/angelbroking/order/v1/getTradeBook"
	angelPositionsPath = "/rest/secure/angelbroking/order/v1/getPosition"
	angelHoldingsPath  = "/rest/secure/angelbroking/portfolio/v1/getAllHolding"

	maxAngelResponseBytes = 4 << 20

	msgAngelInvalidResponse = "Invalid response from Angel One API"
	msgAngelConnection      = "Connection error with Angel One API"
)

var (
	errAngelTransport = errors.New("angel: transport failure")
	errAngelDecode    = errors.New("angel: malformed response")
)

type AngelConfig struct {
	BaseURL        string
	ClientLocalIP  string
	ClientPublicIP string
	MACAddress     string
	Timeout        time.Duration
	// TokenTTL is the assumed lifetime of issued tokens; Angel One does not report one.
	TokenTTL time.Duration
}

type Angel struct {
	baseURL        string
	clientLocalIP  string
	clientPublicIP string
	macAddress     string
	tokenTTL       time.Duration
	httpClient     *http.Client
	symbols        SymbolResolver
	logger         *observability.Logger
	now            func() time.Time
}

type angelEnvelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

type angelTokenData struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

func NewAngel(cfg AngelConfig, logger *observability.Logger) *Angel {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultAngelBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	localIP := cfg.ClientLocalIP
	if localIP == "" {
		localIP = "127.0.0.1"
	}
	publicIP := cfg.ClientPublicIP
	if publicIP == "" {
		publicIP = "127.0.0.1"
	}
	if logger == nil {
		logger = observability.Discard()
	}

	return &Angel{
		baseURL:        baseURL,
		clientLocalIP:  localIP,
		clientPublicIP: publicIP,
		macAddress:     cfg.MACAddress,
		tokenTTL:       ttl,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithSymbols enables symbol resolution for order and position normalization.
func (a *Angel) WithSymbols(symbols SymbolResolver) *Angel {
	a.symbols = symbols
	return a
}

func (a *Angel) WithClock(now func() time.Time) *Angel {
	a.now = now
	return a
}

func (a *Angel) Type() string {
	return AngelType
}

func (a *Angel) Authenticate(ctx context.Context, creds Credentials) AuthResult {
	payload := map[string]string{
		"clientcode": creds.ClientID,
		"password":   creds.PIN,
		"totp":       creds.TOTP,
	}

	env, _, err := a.call(ctx, http.MethodPost, angelLoginPath, payload, a.loginHeaders(creds.APIKey))
	if err != nil {
		a.logger.Warn("angel_login_failed", map[string]any{"error": err, "client_id": creds.ClientID})
		return transportFailure(err)
	}
	if !env.Status {
		return AuthFailure{Message: messageOr(env.Message, "Authentication failed")}
	}

	tokens, ok := a.tokensFrom(env.Data)
	if !ok {
		return AuthFailure{Message: "No access token received from Angel One"}
	}

	return AuthSuccess{
		Tokens:   tokens,
		UserInfo: UserInfo{ClientID: creds.ClientID, Broker: AngelType},
	}
}

func (a *Angel) Refresh(ctx context.Context, refreshToken string) AuthResult {
	if strings.TrimSpace(refreshToken) == "" {
		return AuthFailure{Message: "No refresh token provided"}
	}

	headers := a.baseHeaders()
	headers.Set("Authorization", "Bearer "+refreshToken)

	env, _, err := a.call(ctx, http.MethodPost, angelRefreshPath, map[string]string{"refreshToken": refreshToken}, headers)
	if err != nil {
		a.logger.Warn("angel_refresh_failed", map[string]any{"error": err})
		return transportFailure(err)
	}
	if !env.Status {
		return AuthFailure{Message: messageOr(env.Message, "Token refresh failed")}
	}

	tokens, ok := a.tokensFrom(env.Data)
	if !ok {
		return AuthFailure{Message: "No access token received from refresh"}
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}

	return AuthSuccess{Tokens: tokens, UserInfo: UserInfo{Broker: AngelType}}
}

func (a *Angel) Validate(ctx context.Context, accessToken string) ValidationResult {
	if strings.TrimSpace(accessToken) == "" {
		return ValidationResult{Message: "No access token provided"}
	}

	env, status, err := a.call(ctx, http.MethodGet, angelProfilePath, nil, a.secureHeaders(Access{AccessToken: accessToken}))
	if status != 0 && status != http.StatusOK {
		return ValidationResult{Message: fmt.Sprintf("API call failed with status %d", status)}
	}
	if err != nil {
		return ValidationResult{Message: transportMessage(err)}
	}
	if !env.Status {
		return ValidationResult{Message: messageOr(env.Message, "Connection validation failed")}
	}

	profile := map[string]any{}
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &profile)
	}
	return ValidationResult{Valid: true, Message: "Connection is valid", Profile: profile}
}

func (a *Angel) Logout(ctx context.Context, accessToken string) {
	if strings.TrimSpace(accessToken) == "" {
		return
	}
	if _, status, err := a.call(ctx, http.MethodPost, angelLogoutPath, nil, a.secureHeaders(Access{AccessToken: accessToken})); err != nil {
		a.logger.Warn("angel_logout_failed", map[string]any{"error": err, "status": status})
	}
}

func (a *Angel) Funds(ctx context.Context, access Access) (Funds, error) {
	data, err := a.fetch(ctx, angelFundsPath, access, "Failed to fetch funds")
	if err != nil {
		return Funds{}, err
	}

	var raw map[string]any
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &raw); err != nil {
			return Funds{}, apperr.Upstream(msgAngelInvalidResponse, err)
		}
	}
	return NormalizeFunds(raw), nil
}

func (a *Angel) Orders(ctx context.Context, access Access) (OrderBook, error) {
	rows, err := a.fetchList(ctx, angelOrderBookPath, access, "Failed to fetch order book")
	if err != nil {
		return OrderBook{}, err
	}
	return NormalizeOrders(rows, a.symbols), nil
}

func (a *Angel) Trades(ctx context.Context, access Access) ([]Trade, error) {
	rows, err := a.fetchList(ctx, angelTradeBookPath, access, "Failed to fetch trade book")
	if err != nil {
		return nil, err
	}
	return NormalizeTrades(rows, a.symbols), nil
}

func (a *Angel) Positions(ctx context.Context, access Access) ([]Position, error) {
	rows, err := a.fetchList(ctx, angelPositionsPath, access, "Failed to fetch positions")
	if err != nil {
		return nil, err
	}
	return NormalizePositions(rows, a.symbols), nil
}

func (a *Angel) Holdings(ctx context.Context, access Access) (Portfolio, error) {
	data, err := a.fetch(ctx, angelHoldingsPath, access, "Failed to fetch holdings")
	if err != nil {
		return Portfolio{}, err
	}

	var raw struct {
		Holdings     []map[string]any `json:"holdings"`
		TotalHolding map[string]any   `json:"totalholding"`
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &raw); err != nil {
			return Portfolio{}, apperr.Upstream(msgAngelInvalidResponse, err)
		}
	}
	return NormalizeHoldings(raw.Holdings, raw.TotalHolding), nil
}

// fetch performs an authenticated GET and returns the envelope's data field.
func (a *Angel) fetch(ctx context.Context, path string, access Access, failure string) (json.RawMessage, error) {
	env, status, err := a.call(ctx, http.MethodGet, path, nil, a.secureHeaders(access))
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, apperr.Upstream("Broker session expired. Please refresh the connection.", err).WithCode(CodeTokenExpired)
	}
	if err != nil {
		a.logger.Warn("angel_fetch_failed", map[string]any{"path": path, "status": status, "error": err})
		return nil, apperr.Upstream(transportMessage(err), err).WithCode(CodeConnectionError)
	}
	if !env.Status {
		if strings.HasPrefix(env.ErrorCode, "AG8") {
			return nil, apperr.Upstream("Broker session expired. Please refresh the connection.", nil).WithCode(CodeTokenExpired)
		}
		return nil, apperr.Upstream(messageOr(env.Message, failure), nil)
	}
	return env.Data, nil
}

func (a *Angel) fetchList(ctx context.Context, path string, access Access, failure string) ([]map[string]any, error) {
	data, err := a.fetch(ctx, path, access, failure)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return []map[string]any{}, nil
	}

	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, apperr.Upstream(msgAngelInvalidResponse, err)
	}
	return rows, nil
}

// call sends one request and decodes the Angel envelope. The HTTP status is
// returned whenever a response was received, even if decoding failed.
func (a *Angel) call(ctx context.Context, method, path string, payload any, headers http.Header) (angelEnvelope, int, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return angelEnvelope{}, 0, fmt.Errorf("encode angel payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return angelEnvelope{}, 0, fmt.Errorf("build angel request: %w: %w", errAngelTransport, err)
	}
	req.Header = headers

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return angelEnvelope{}, 0, fmt.Errorf("%w: %w", errAngelTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAngelResponseBytes))
	if err != nil {
		return angelEnvelope{}, resp.StatusCode, fmt.Errorf("%w: read body: %w", errAngelTransport, err)
	}

	var env angelEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return angelEnvelope{}, resp.StatusCode, fmt.Errorf("%w: %w", errAngelDecode, err)
	}
	return env, resp.StatusCode, nil
}

func (a *Angel) tokensFrom(data json.RawMessage) (Tokens, bool) {
	var td angelTokenData
	if len(data) == 0 || json.Unmarshal(data, &td) != nil || td.JWTToken == "" {
		return Tokens{}, false
	}

	expiresAt := a.now().Add(a.tokenTTL)
	return Tokens{
		AccessToken:  td.JWTToken,
		RefreshToken: td.RefreshToken,
		FeedToken:    td.FeedToken,
		ExpiresAt:    &expiresAt,
	}, true
}

func (a *Angel) baseHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-UserType", "USER")
	h.Set("X-SourceID", "WEB")
	return h
}

func (a *Angel) loginHeaders(apiKey string) http.Header {
	h := a.baseHeaders()
	h.Set("X-ClientLocalIP", a.clientLocalIP)
	h.Set("X-ClientPublicIP", a.clientPublicIP)
	h.Set("X-MACAddress", a.macAddress)
	h.Set("X-PrivateKey", apiKey)
	return h
}

func (a *Angel) secureHeaders(access Access) http.Header {
	h := a.baseHeaders()
	h.Set("Authorization", "Bearer "+access.AccessToken)
	if access.APIKey != "" {
		h.Set("X-ClientLocalIP", a.clientLocalIP)
		h.Set("X-ClientPublicIP", a.clientPublicIP)
		h.Set("X-MACAddress", a.macAddress)
		h.Set("X-PrivateKey", access.APIKey)
	}
	return h
}

func transportFailure(err error) AuthFailure {
	return AuthFailure{Message: transportMessage(err), Code: CodeConnectionError}
}

func transportMessage(err error) string {
	if errors.Is(err, errAngelDecode) {
		return msgAngelInvalidResponse
	}
	return msgAngelConnection
}

func messageOr(message, fallback string) string {
	if strings.TrimSpace(message) == "" {
		return fallback
	}
	return message
}
