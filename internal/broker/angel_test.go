package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/apperr"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestAngel(t *testing.T, handler http.HandlerFunc) *Angel {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewAngel(AngelConfig{BaseURL: srv.URL, Timeout: 2 * time.Second, TokenTTL: 24 * time.Hour}, nil).
		WithClock(func() time.Time { return fixedNow })
}

func writeBody(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func TestAngelAuthenticateSuccess(t *testing.T) {
	angel := newTestAngel(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, angelLoginPath, r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("X-PrivateKey"))
		assert.Equal(t, "USER", r.Header.Get("X-UserType"))
		assert.Equal(t, "WEB", r.Header.Get("X-SourceID"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"clientcode": "ABC123", "password": "1234", "totp": "654321"}, body)

		writeBody(w, map[string]any{
			"status":  true,
			"message": "SUCCESS",
			"data":    map[string]any{"jwtToken": "jwt", "refreshToken": "ref", "feedToken": "feed"},
		})
	})

	result := angel.Authenticate(context.Background(), Credentials{ClientID: "ABC123", PIN: "1234", TOTP: "654321", APIKey: "key-1"})
	success, ok := result.(AuthSuccess)
	require.True(t, ok, "got %#v", result)
	assert.Equal(t, "jwt", success.Tokens.AccessToken)
	assert.Equal(t, "ref", success.Tokens.RefreshToken)
	assert.Equal(t, "feed", success.Tokens.FeedToken)
	require.NotNil(t, success.Tokens.ExpiresAt)
	assert.Equal(t, fixedNow.Add(24*time.Hour), *success.Tokens.ExpiresAt)
	assert.Equal(t, UserInfo{ClientID: "ABC123", Broker: AngelType}, success.UserInfo)
}

func TestAngelAuthenticateFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		message string
		code    string
	}{
		{
			name: "broker rejects",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeBody(w, map[string]any{"status": false, "message": "Invalid totp", "errorcode": "AB1050"})
			},
			message: "Invalid totp",
		},
		{
			name: "broker rejects without message",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeBody(w, map[string]any{"status": false})
			},
			message: "Authentication failed",
		},
		{
			name: "missing jwt",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeBody(w, map[string]any{"status": true, "data": map[string]any{"refreshToken": "ref"}})
			},
			message: "No access token received from Angel One",
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("<html>bad gateway</html>"))
			},
			message: "Invalid response from Angel One API",
			code:    CodeConnectionError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			angel := newTestAngel(t, tc.handler)
			result := angel.Authenticate(context.Background(), Credentials{ClientID: "ABC123"})
			failure, ok := result.(AuthFailure)
			require.True(t, ok)
			assert.Equal(t, tc.message, failure.Message)
			assert.Equal(t, tc.code, failure.Code)
		})
	}
}

func TestAngelAuthenticateTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	angel := NewAngel(AngelConfig{BaseURL: srv.URL, Timeout: time.Second}, nil)
	failure, ok := angel.Authenticate(context.Background(), Credentials{ClientID: "X"}).(AuthFailure)
	require.True(t, ok)
	assert.Equal(t, "Connection error with Angel One API", failure.Message)
	assert.Equal(t, CodeConnectionError, failure.Code)
}

func TestAngelRefreshCarriesRefreshTokenForward(t *testing.T) {
	angel := newTestAngel(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, angelRefreshPath, r.URL.Path)
		assert.Equal(t, "Bearer old-ref", r.Header.Get("Authorization"))
		writeBody(w, map[string]any{"status": true, "data": map[string]any{"jwtToken": "jwt-2"}})
	})

	success, ok := angel.Refresh(context.Background(), "old-ref").(AuthSuccess)
	require.True(t, ok)
	assert.Equal(t, "jwt-2", success.Tokens.AccessToken)
	assert.Equal(t, "old-ref", success.Tokens.RefreshToken)

	failure, ok := angel.Refresh(context.Background(), "").(AuthFailure)
	require.True(t, ok)
	assert.Equal(t, "No refresh token provided", failure.Message)
}

func TestAngelValidate(t *testing.T) {
	status := http.StatusOK
	angel := newTestAngel(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer jwt", r.Header.Get("Authorization"))
		w.WriteHeader(status)
		writeBody(w, map[string]any{"status": true, "data": map[string]any{"clientcode": "ABC123"}})
	})

	result := angel.Validate(context.Background(), "jwt")
	assert.True(t, result.Valid)
	assert.Equal(t, "ABC123", result.Profile["clientcode"])

	status = http.StatusUnauthorized
	result = angel.Validate(context.Background(), "jwt")
	assert.False(t, result.Valid)
	assert.Equal(t, "API call failed with status 401", result.Message)

	assert.False(t, angel.Validate(context.Background(), "").Valid)
}

func TestAngelLogoutIgnoresRemoteFailure(t *testing.T) {
	calls := 0
	angel := newTestAngel(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	angel.Logout(context.Background(), "jwt")
	angel.Logout(context.Background(), "")
	assert.Equal(t, 1, calls)
}

type staticSymbols map[string]string

func (s staticSymbols) Symbol(token, exchange string) (string, bool) {
	v, ok := s[exchange+":"+token]
	return v, ok
}

func TestAngelOrders(t *testing.T) {
	angel := newTestAngel(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, angelOrderBookPath, r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("X-PrivateKey"))
		writeBody(w, map[string]any{"status": true, "data": []map[string]any{
			{"tradingsymbol": "SBIN-EQ", "symboltoken": "3045", "exchange": "NSE", "transactiontype": "BUY", "quantity": "10", "price": 500.5, "producttype": "DELIVERY", "status": "complete", "orderid": "1"},
			{"tradingsymbol": "NIFTY", "symboltoken": "999", "exchange": "NFO", "transactiontype": "SELL", "quantity": "50", "price": "0", "producttype": "CARRYFORWARD", "status": "rejected", "orderid": "2"},
		}})
	}).WithSymbols(staticSymbols{"NSE:3045": "SBIN"})

	book, err := angel.Orders(context.Background(), Access{AccessToken: "jwt", APIKey: "key-1"})
	require.NoError(t, err)
	require.Len(t, book.Orders, 2)
	assert.Equal(t, "SBIN", book.Orders[0].Symbol)
	assert.Equal(t, "CNC", book.Orders[0].Product)
	assert.Equal(t, int64(10), book.Orders[0].Quantity)
	assert.Equal(t, "NIFTY", book.Orders[1].Symbol)
	assert.Equal(t, "NRML", book.Orders[1].Product)
	assert.Equal(t, OrderStats{TotalBuyOrders: 1, TotalSellOrders: 1, TotalCompletedOrders: 1, TotalRejectedOrders: 1}, book.Statistics)
}

func TestAngelOrdersEmptyData(t *testing.T) {
	angel := newTestAngel(t, func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, map[string]any{"status": true, "data": nil})
	})

	book, err := angel.Orders(context.Background(), Access{AccessToken: "jwt"})
	require.NoError(t, err)
	assert.Empty(t, book.Orders)
}

func TestAngelFetchErrors(t *testing.T) {
	angel := newTestAngel(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case angelFundsPath:
			writeBody(w, map[string]any{"status": false, "message": "Invalid Token", "errorcode": "AG8001"})
		case angelTradeBookPath:
			w.WriteHeader(http.StatusUnauthorized)
		default:
			writeBody(w, map[string]any{"status": false, "message": "Something went wrong"})
		}
	})
	ctx := context.Background()
	access := Access{AccessToken: "jwt"}

	_, err := angel.Funds(ctx, access)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
	assert.Equal(t, CodeTokenExpired, apperr.Code(err))

	_, err = angel.Trades(ctx, access)
	assert.Equal(t, CodeTokenExpired, apperr.Code(err))

	_, err = angel.Positions(ctx, access)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
	assert.Equal(t, "Something went wrong", apperr.Message(err))
}

func TestAngelHoldingsAndFunds(t *testing.T) {
	angel := newTestAngel(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case angelHoldingsPath:
			writeBody(w, map[string]any{"status": true, "data": map[string]any{
				"holdings": []map[string]any{
					{"tradingsymbol": "TCS-EQ", "exchange": "NSE", "quantity": 2, "product": "DELIVERY", "profitandloss": 120.5, "pnlpercentage": 3.1},
				},
				"totalholding": map[string]any{"totalholdingvalue": 8000, "totalinvvalue": 7500, "totalprofitandloss": 500, "totalpnlpercentage": 6.67},
			}})
		case angelFundsPath:
			writeBody(w, map[string]any{"status": true, "data": map[string]any{"availablecash": "1500.5", "net": "1500", "collateral": nil}})
		}
	})
	ctx := context.Background()

	portfolio, err := angel.Holdings(ctx, Access{AccessToken: "jwt"})
	require.NoError(t, err)
	require.Len(t, portfolio.Holdings, 1)
	assert.Equal(t, "CNC", portfolio.Holdings[0].Product)
	assert.InDelta(t, 120.5, portfolio.Holdings[0].PnL, 0.001)
	assert.InDelta(t, 8000, portfolio.Statistics.TotalHoldingValue, 0.001)

	funds, err := angel.Funds(ctx, Access{AccessToken: "jwt"})
	require.NoError(t, err)
	assert.Equal(t, "1500.50", funds.AvailableCash)
	assert.Equal(t, "1500.00", funds.Net)
	assert.Equal(t, "", funds.Collateral)
}
