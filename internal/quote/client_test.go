package quote

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	xerrors "swap-engine/internal/errors"
	"swap-engine/internal/swap"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc = swap.Token{Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Symbol: "USDC", Decimals: 6}
	weth = swap.Token{Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Symbol: "WETH", Decimals: 18}
)

const quoteBody = `{
	"sellAmount": "10000000",
	"buyAmount": "4000000000000000",
	"estimatedGas": "150000",
	"gasPrice": "20000000000",
	"allowanceTarget": "0xDef1C0ded9bec7F1a1670819833240f027b25EfF",
	"to": "0xDef1C0ded9bec7F1a1670819833240f027b25EfF",
	"data": "0xd9627aa4",
	"value": "0",
	"estimatedSlippageBps": 12,
	"estimatedDurationSec": 30,
	"routes": [{"source": "Uniswap_V3", "proportion": "1"}]
}`

func newTestClient(t *testing.T, srv *httptest.Server, base time.Duration) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:     srv.URL + "/",
		APIKey:      "secret",
		ChainID:     1,
		BackoffBase: base,
	}, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return client
}

func sampleRequest() swap.QuoteRequest {
	return swap.QuoteRequest{
		SellToken:       usdc,
		BuyToken:        weth,
		SellAmount:      big.NewInt(10_000_000),
		SlippageBps:     50,
		Taker:           common.HexToAddress("0x9999999999999999999999999999999999999999"),
		WantRouteInfo:   true,
		WantGasEstimate: true,
	}
}

func TestGetQuoteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/swap/v1/quote", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "1", q.Get("chainId"))
		assert.Equal(t, usdc.Address.Hex(), q.Get("sellToken"))
		assert.Equal(t, weth.Address.Hex(), q.Get("buyToken"))
		assert.Equal(t, "10000000", q.Get("sellAmount"))
		assert.Equal(t, "50", q.Get("slippageBps"))
		assert.Equal(t, "true", q.Get("includeRoute"))
		_, _ = w.Write([]byte(quoteBody))
	}))
	defer srv.Close()

	quote, err := newTestClient(t, srv, time.Millisecond).GetQuote(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "4000000000000000", quote.ToAmount.String())
	assert.Equal(t, "10000000", quote.FromAmount.String())
	assert.Equal(t, uint64(150000), quote.EstimatedGas)
	assert.Equal(t, "20000000000", quote.GasPrice.String())
	assert.Equal(t, common.HexToAddress("0xDef1C0ded9bec7F1a1670819833240f027b25EfF"), quote.Spender)
	assert.Equal(t, []byte{0xd9, 0x62, 0x7a, 0xa4}, quote.Tx.Data)
	assert.Equal(t, []swap.Route{{Source: "Uniswap_V3", Proportion: "1"}}, quote.Routes)
	assert.Equal(t, uint32(12), quote.EstimatedSlippageBps)
	assert.False(t, quote.FetchedAt.IsZero())
}

func TestGetQuoteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(quoteBody))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, time.Millisecond).GetQuote(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetQuoteLinearBackoffAndExhaustion(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	start := time.Now()
	_, err := newTestClient(t, srv, 20*time.Millisecond).GetQuote(context.Background(), sampleRequest())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, swap.CodeNetwork, xerrors.CodeOf(err))
	assert.Equal(t, swap.NetworkRateLimited, xerrors.SubKindOf(err))
	assert.Equal(t, int32(3), calls.Load())
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond, "waits 1x then 2x the base interval")
}

func TestGetQuoteClassifiesStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		subKind string
		calls   int32
	}{
		{name: "bad request", status: http.StatusBadRequest, body: `{"message":"sellAmount too small"}`, subKind: swap.NetworkInvalidRequest, calls: 1},
		{name: "unauthorized", status: http.StatusUnauthorized, subKind: swap.NetworkUnauthorized, calls: 1},
		{name: "forbidden", status: http.StatusForbidden, subKind: swap.NetworkUnauthorized, calls: 1},
		{name: "server", status: http.StatusInternalServerError, subKind: swap.NetworkServer, calls: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv, time.Millisecond).GetQuote(context.Background(), sampleRequest())
			require.Error(t, err)
			assert.Equal(t, tt.subKind, xerrors.SubKindOf(err))
			assert.Equal(t, tt.calls, calls.Load())
			if tt.status == http.StatusBadRequest {
				assert.Contains(t, err.Error(), "sellAmount too small")
			}
		})
	}
}

func TestGetQuoteMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"buyAmount": `))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, time.Millisecond).GetQuote(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.Equal(t, swap.NetworkMalformedResponse, xerrors.SubKindOf(err))
}

func TestGetQuoteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, ChainID: 1, Timeout: 30 * time.Millisecond, BackoffBase: time.Millisecond, MaxAttempts: 2})
	require.NoError(t, err)

	_, err = client.GetQuote(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.Equal(t, swap.NetworkTimeout, xerrors.SubKindOf(err))
}

func TestGetQuoteRejectsInvalidInputWithoutNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()
	client := newTestClient(t, srv, time.Millisecond)

	req := sampleRequest()
	req.BuyToken = usdc
	_, err := client.GetQuote(context.Background(), req)
	assert.Equal(t, swap.CodeUserInput, xerrors.CodeOf(err))

	req = sampleRequest()
	req.SellAmount = big.NewInt(0)
	_, err = client.GetQuote(context.Background(), req)
	assert.Equal(t, swap.CodeUserInput, xerrors.CodeOf(err))
	assert.Zero(t, calls.Load())
}

func TestListTradableTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/swap/v1/tokens", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tokens": []map[string]any{
				{"address": usdc.Address.Hex(), "symbol": "USDC", "name": "USD Coin", "decimals": 6, "priceUsd": "1.0001"},
				{"address": swap.NativeAddress.Hex(), "symbol": "ETH", "name": "Ether", "decimals": 18},
			},
		})
	}))
	defer srv.Close()

	tokens, err := newTestClient(t, srv, time.Millisecond).ListTradableTokens(context.Background())
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "USDC", tokens[0].Symbol)
	require.NotNil(t, tokens[0].PriceUSD)
	assert.Equal(t, "1.0001", tokens[0].PriceUSD.String())
	assert.True(t, tokens[1].IsNative())
}

func TestStaticTokenSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	content := `tokens:
  - address: "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"
    symbol: ETH
    name: Ether
    decimals: 18
  - address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
    symbol: USDC
    name: USD Coin
    decimals: 6
    price_usd: "1.00"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	source, err := LoadStaticTokenSource(path)
	require.NoError(t, err)
	tokens, err := source.ListTradableTokens(context.Background())
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.True(t, tokens[0].IsNative())
	assert.Equal(t, uint8(6), tokens[1].Decimals)

	tokens[0].Symbol = "mutated"
	again, err := source.ListTradableTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ETH", again[0].Symbol)

	_, err = LoadStaticTokenSource(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(Config{ChainID: 1})
	require.Error(t, err)
	_, err = NewClient(Config{BaseURL: "https://api.example.com"})
	require.Error(t, err)
}
