package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "swap-engine/internal/errors"
	"swap-engine/internal/swap"
	"swap-engine/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
	defaultBackoffBase = time.Second
)

// Config 描述了调用聚合器 API 所需的信息。
type Config struct {
	BaseURL     string
	APIKey      string
	ChainID     int64
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
}

// Client 通过 HTTP 调用聚合器的报价与代币列表接口。
type Client struct {
	baseURL     string
	apiKey      string
	chainID     int64
	maxAttempts int
	backoffBase time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// Option 自定义客户端行为。
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient 根据配置创建聚合器客户端。
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("未配置聚合器地址")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("聚合器地址不合法: %w", err)
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("未配置链 ID")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}

	client := &Client{
		baseURL:     baseURL,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		chainID:     cfg.ChainID,
		maxAttempts: attempts,
		backoffBase: base,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger.Named("quote"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// GetQuote 请求一次报价。卖出数量必须已转换为最小单位。
func (c *Client) GetQuote(ctx context.Context, req swap.QuoteRequest) (*swap.Quote, error) {
	if c == nil {
		return nil, errors.New("聚合器客户端未初始化")
	}
	if req.SellToken.Same(req.BuyToken) {
		return nil, swap.UserInputError("不能兑换相同的代币")
	}
	if req.SellAmount == nil || req.SellAmount.Sign() <= 0 {
		return nil, swap.UserInputError("兑换数量必须大于 0")
	}

	params := url.Values{}
	params.Set("chainId", strconv.FormatInt(c.chainID, 10))
	params.Set("sellToken", req.SellToken.Address.Hex())
	params.Set("buyToken", req.BuyToken.Address.Hex())
	params.Set("sellAmount", req.SellAmount.String())
	if req.SlippageBps > 0 {
		params.Set("slippageBps", strconv.FormatUint(uint64(req.SlippageBps), 10))
	}
	if req.Taker != (common.Address{}) {
		params.Set("taker", req.Taker.Hex())
	}
	params.Set("includeRoute", strconv.FormatBool(req.WantRouteInfo))
	params.Set("estimateGas", strconv.FormatBool(req.WantGasEstimate))

	var payload quoteResponse
	if err := c.getJSON(ctx, "/swap/v1/quote", params, &payload); err != nil {
		return nil, err
	}

	quote, err := payload.toQuote(req)
	if err != nil {
		return nil, swap.NetworkError(swap.NetworkMalformedResponse, err, "聚合器报价响应不完整")
	}
	return quote, nil
}

// ListTradableTokens 获取当前链可交易的代币列表。
func (c *Client) ListTradableTokens(ctx context.Context) ([]swap.Token, error) {
	if c == nil {
		return nil, errors.New("聚合器客户端未初始化")
	}
	params := url.Values{}
	params.Set("chainId", strconv.FormatInt(c.chainID, 10))

	var payload tokensResponse
	if err := c.getJSON(ctx, "/swap/v1/tokens", params, &payload); err != nil {
		return nil, err
	}

	tokens := make([]swap.Token, 0, len(payload.Tokens))
	for _, item := range payload.Tokens {
		token, err := item.toToken()
		if err != nil {
			return nil, swap.NetworkError(swap.NetworkMalformedResponse, err, "聚合器代币列表不合法")
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// getJSON 发起带重试的 GET 请求。第 n 次失败后等待 n×base 再重试。
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path + "?" + params.Encode()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newLinearBackOff(c.backoffBase), uint64(c.maxAttempts-1)),
		ctx,
	)
	attempt := 0
	body, err := backoff.RetryNotifyWithData(func() ([]byte, error) {
		attempt++
		data, err := c.do(ctx, endpoint)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return data, err
	}, policy, func(err error, wait time.Duration) {
		c.logger.Warn("聚合器请求失败，等待重试",
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if _, ok := asNetworkError(err); !ok {
				return swap.NetworkError(swap.NetworkTimeout, err, "聚合器请求超时")
			}
		}
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return swap.NetworkError(swap.NetworkMalformedResponse, err, "解析聚合器响应失败")
	}
	return nil
}

func (c *Client) do(ctx context.Context, endpoint string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, swap.NetworkError(swap.NetworkInvalidRequest, err, "构建聚合器请求失败")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, swap.NetworkError(swap.NetworkTimeout, err, "聚合器请求超时")
		}
		return nil, swap.NetworkError(swap.NetworkTransport, err, "请求聚合器失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, classifyStatus(resp.StatusCode, raw)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, swap.NetworkError(swap.NetworkTimeout, err, "读取聚合器响应超时")
		}
		return nil, swap.NetworkError(swap.NetworkMalformedResponse, err, "读取聚合器响应失败")
	}
	return body, nil
}

func classifyStatus(status int, body []byte) error {
	message := serverMessage(body)
	switch {
	case status == http.StatusTooManyRequests:
		return swap.NetworkError(swap.NetworkRateLimited, nil, "聚合器请求过于频繁")
	case status == http.StatusBadRequest:
		return swap.NetworkError(swap.NetworkInvalidRequest, nil, "聚合器拒绝请求: "+message)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return swap.NetworkError(swap.NetworkUnauthorized, nil, fmt.Sprintf("聚合器鉴权失败 (%d)", status))
	case status >= http.StatusInternalServerError:
		return swap.NetworkError(swap.NetworkServer, nil, fmt.Sprintf("聚合器服务异常 (%d): %s", status, message))
	default:
		return swap.NetworkError(swap.NetworkInvalidRequest, nil, fmt.Sprintf("聚合器返回错误状态 %d: %s", status, message))
	}
}

func serverMessage(body []byte) string {
	var decoded struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(body, &decoded); err == nil {
		if msg := strings.TrimSpace(decoded.Message); msg != "" {
			return msg
		}
		if reason := strings.TrimSpace(decoded.Reason); reason != "" {
			return reason
		}
	}
	return strings.TrimSpace(string(body))
}

func retryable(err error) bool {
	kind, ok := asNetworkError(err)
	if !ok {
		return false
	}
	switch kind {
	case swap.NetworkTimeout, swap.NetworkRateLimited, swap.NetworkServer, swap.NetworkTransport:
		return true
	default:
		return false
	}
}

func asNetworkError(err error) (string, bool) {
	if xerrors.CodeOf(err) != swap.CodeNetwork {
		return "", false
	}
	return xerrors.SubKindOf(err), true
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type quoteResponse struct {
	SellAmount           string  `json:"sellAmount"`
	BuyAmount            string  `json:"buyAmount"`
	EstimatedGas         string  `json:"estimatedGas"`
	GasPrice             string  `json:"gasPrice"`
	AllowanceTarget      string  `json:"allowanceTarget"`
	To                   string  `json:"to"`
	Data                 string  `json:"data"`
	Value                string  `json:"value"`
	EstimatedSlippageBps uint32  `json:"estimatedSlippageBps"`
	EstimatedDurationSec uint32  `json:"estimatedDurationSec"`
	Routes               []route `json:"routes"`
}

type route struct {
	Source     string `json:"source"`
	Proportion string `json:"proportion"`
}

func (r quoteResponse) toQuote(req swap.QuoteRequest) (*swap.Quote, error) {
	toAmount, ok := parseBig(r.BuyAmount)
	if !ok || toAmount.Sign() <= 0 {
		return nil, fmt.Errorf("buyAmount 不合法: %q", r.BuyAmount)
	}
	fromAmount, ok := parseBig(r.SellAmount)
	if !ok {
		fromAmount = new(big.Int).Set(req.SellAmount)
	}
	var gas uint64
	if strings.TrimSpace(r.EstimatedGas) != "" {
		parsed, err := strconv.ParseUint(strings.TrimSpace(r.EstimatedGas), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("estimatedGas 不合法: %w", err)
		}
		gas = parsed
	}
	gasPrice, _ := parseBig(r.GasPrice)
	if !common.IsHexAddress(r.To) {
		return nil, fmt.Errorf("to 地址不合法: %q", r.To)
	}
	data, err := hexutil.Decode(normalizeHex(r.Data))
	if err != nil {
		return nil, fmt.Errorf("data 不合法: %w", err)
	}
	value, ok := parseBig(r.Value)
	if !ok {
		value = new(big.Int)
	}

	to := common.HexToAddress(r.To)
	spender := to
	if common.IsHexAddress(r.AllowanceTarget) {
		if target := common.HexToAddress(r.AllowanceTarget); target != (common.Address{}) {
			spender = target
		}
	}

	routes := make([]swap.Route, 0, len(r.Routes))
	for _, item := range r.Routes {
		routes = append(routes, swap.Route{Source: item.Source, Proportion: item.Proportion})
	}

	return &swap.Quote{
		SellToken:            req.SellToken,
		BuyToken:             req.BuyToken,
		FromAmount:           fromAmount,
		ToAmount:             toAmount,
		EstimatedGas:         gas,
		GasPrice:             gasPrice,
		Routes:               routes,
		Spender:              spender,
		Tx:                   swap.TxData{To: to, Data: data, Value: value},
		EstimatedSlippageBps: r.EstimatedSlippageBps,
		EstimatedDurationSec: r.EstimatedDurationSec,
		FetchedAt:            time.Now().UTC(),
	}, nil
}

type tokensResponse struct {
	Tokens []tokenItem `json:"tokens"`
}

type tokenItem struct {
	Address  string `json:"address" yaml:"address"`
	Symbol   string `json:"symbol" yaml:"symbol"`
	Name     string `json:"name" yaml:"name"`
	Decimals uint8  `json:"decimals" yaml:"decimals"`
	PriceUSD string `json:"priceUsd" yaml:"price_usd"`
}

func (t tokenItem) toToken() (swap.Token, error) {
	if !common.IsHexAddress(strings.TrimSpace(t.Address)) {
		return swap.Token{}, fmt.Errorf("代币地址不合法: %q", t.Address)
	}
	if strings.TrimSpace(t.Symbol) == "" {
		return swap.Token{}, fmt.Errorf("代币 %s 缺少符号", t.Address)
	}
	token := swap.Token{
		Address:  common.HexToAddress(strings.TrimSpace(t.Address)),
		Symbol:   strings.TrimSpace(t.Symbol),
		Name:     strings.TrimSpace(t.Name),
		Decimals: t.Decimals,
	}
	if price := strings.TrimSpace(t.PriceUSD); price != "" {
		parsed, err := decimal.NewFromString(price)
		if err != nil {
			return swap.Token{}, fmt.Errorf("代币 %s 价格不合法: %w", token.Symbol, err)
		}
		token.PriceUSD = &parsed
	}
	return token, nil
}

func parseBig(raw string) (*big.Int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		v, err := hexutil.DecodeBig(raw)
		return v, err == nil
	}
	return new(big.Int).SetString(raw, 10)
}

func normalizeHex(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "0x"
	}
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		return "0x" + raw
	}
	return raw
}
