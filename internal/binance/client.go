// Package binance is the exchange gateway: a signed REST client with
// server-time synchronisation plus the websocket stream clients.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"binance-strategy-engine/internal/retry"
)

// TimeSyncInterval is how often the client re-samples server time.
const TimeSyncInterval = 60 * time.Second

// Client talks to the Binance REST API. Signed requests stamp
// timestamp = local now + timeOffset, where timeOffset is maintained by
// the periodic sync loop.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	timeOffset atomic.Int64 // ms
	retryCfg   retry.Config
	log        zerolog.Logger
}

// NewClient builds a gateway client. baseURL must not end with a slash.
func NewClient(apiKey, secretKey, baseURL string, log zerolog.Logger) *Client {
	return &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		retryCfg:   retry.DefaultConfig(),
		log:        log.With().Str("component", "binance").Logger(),
	}
}

// TimeOffset returns the current server-minus-local offset in ms.
func (c *Client) TimeOffset() int64 {
	return c.timeOffset.Load()
}

// ServerTime returns the local estimate of exchange time in epoch ms.
func (c *Client) ServerTime() int64 {
	return time.Now().UnixMilli() + c.timeOffset.Load()
}

// StartTimeSync runs the offset sampler until ctx is cancelled. The
// first sample runs immediately so signed calls are usable at startup.
func (c *Client) StartTimeSync(ctx context.Context) {
	if err := c.SyncTime(); err != nil {
		c.log.Warn().Err(err).Msg("initial time sync failed")
	}

	ticker := time.NewTicker(TimeSyncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.SyncTime(); err != nil {
					c.log.Warn().Err(err).Msg("time sync failed")
				}
			}
		}
	}()
}

// SyncTime samples /api/v3/time once and updates the offset,
// compensating for half the round trip.
func (c *Client) SyncTime() error {
	before := time.Now().UnixMilli()
	serverTime, err := c.GetServerTime()
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()

	rtt := after - before
	offset := serverTime - (after - rtt/2)
	c.timeOffset.Store(offset)
	c.log.Debug().Int64("offset_ms", offset).Int64("rtt_ms", rtt).Msg("time synced")
	return nil
}

// GetServerTime fetches the exchange clock.
func (c *Client) GetServerTime() (int64, error) {
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.public("/api/v3/time", nil, &resp); err != nil {
		return 0, err
	}
	return resp.ServerTime, nil
}

// GetPrice fetches the current price for a symbol.
func (c *Client) GetPrice(symbol string) (float64, error) {
	var resp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	if err := c.public("/api/v3/ticker/price", params, &resp); err != nil {
		return 0, fmt.Errorf("fetching price for %s: %w", symbol, err)
	}
	return resp.Price, nil
}

// GetKlines fetches candlesticks.
func (c *Client) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]interface{}
	if err := c.public("/api/v3/klines", params, &raw); err != nil {
		return nil, fmt.Errorf("fetching klines for %s: %w", symbol, err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:  asInt64(row[0]),
			Open:      asFloat(row[1]),
			High:      asFloat(row[2]),
			Low:       asFloat(row[3]),
			Close:     asFloat(row[4]),
			Volume:    asFloat(row[5]),
			CloseTime: asInt64(row[6]),
		})
	}
	return klines, nil
}

// SymbolFilters fetches exchange info for one symbol and extracts the
// tick and step sizes from its PRICE_FILTER and LOT_SIZE filters.
func (c *Client) SymbolFilters(symbol string) (SymbolFilters, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp exchangeInfoResponse
	if err := c.public("/api/v3/exchangeInfo", params, &resp); err != nil {
		return SymbolFilters{}, fmt.Errorf("fetching exchange info for %s: %w", symbol, err)
	}
	if len(resp.Symbols) == 0 {
		return SymbolFilters{}, &APIError{Code: CodeInvalidSymbol, Message: "symbol not found: " + symbol}
	}

	s := resp.Symbols[0]
	out := SymbolFilters{
		Symbol:     s.Symbol,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			out.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
		case "LOT_SIZE":
			out.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
		}
	}
	return out, nil
}

// NewOrder places an order. params carries the exchange fields
// (symbol, side, type, price, quantity, newClientOrderId, ...).
func (c *Client) NewOrder(params map[string]string) (*OrderResponse, error) {
	var resp OrderResponse
	if err := c.signed(http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelOrder cancels a single order by exchange id.
func (c *Client) CancelOrder(symbol string, orderID int64) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	return c.signed(http.MethodDelete, "/api/v3/order", params, nil)
}

// CancelAllOrders cancels every open order on the symbol.
func (c *Client) CancelAllOrders(symbol string) error {
	params := map[string]string{"symbol": symbol}
	return c.signed(http.MethodDelete, "/api/v3/openOrders", params, nil)
}

// GetOrder queries one order's current state.
func (c *Client) GetOrder(symbol string, orderID int64) (*OrderView, error) {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	var resp OrderView
	if err := c.signed(http.MethodGet, "/api/v3/order", params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetOpenOrders lists open orders, for one symbol or account-wide when
// symbol is empty.
func (c *Client) GetOpenOrders(symbol string) ([]OrderView, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	var resp []OrderView
	if err := c.signed(http.MethodGet, "/api/v3/openOrders", params, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetAllOrders lists historical orders for a symbol.
func (c *Client) GetAllOrders(symbol string, limit int) ([]OrderView, error) {
	params := map[string]string{"symbol": symbol}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	var resp []OrderView
	if err := c.signed(http.MethodGet, "/api/v3/allOrders", params, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AccountInfo fetches the signed account snapshot.
func (c *Client) AccountInfo() (*AccountInfo, error) {
	var resp AccountInfo
	if err := c.signed(http.MethodGet, "/api/v3/account", map[string]string{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartUserDataStream obtains a listen key.
func (c *Client) StartUserDataStream() (string, error) {
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.keyed(http.MethodPost, "/api/v3/userDataStream", nil, &resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

// KeepAliveUserDataStream extends the listen key's lifetime.
func (c *Client) KeepAliveUserDataStream(listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	return c.keyed(http.MethodPut, "/api/v3/userDataStream", params, nil)
}

// CloseUserDataStream invalidates the listen key.
func (c *Client) CloseUserDataStream(listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	return c.keyed(http.MethodDelete, "/api/v3/userDataStream", params, nil)
}

// public issues an unsigned, unauthenticated GET with retries.
func (c *Client) public(path string, params url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	return retry.Do(context.Background(), c.retryCfg, func() error {
		req, err := http.NewRequest(http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		return c.do(req, out)
	})
}

// keyed issues a request authenticated by API key only (listen-key
// endpoints take no signature).
func (c *Client) keyed(method, path string, params url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	return retry.Do(context.Background(), c.retryCfg, func() error {
		req, err := http.NewRequest(method, endpoint, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
		return c.do(req, out)
	})
}

// signed issues an HMAC-signed request. The timestamp is stamped fresh
// on every retry attempt so a slow first try cannot push the request
// outside the exchange's recv window.
func (c *Client) signed(method, path string, params map[string]string, out interface{}) error {
	return retry.Do(context.Background(), c.retryCfg, func() error {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli()+c.timeOffset.Load(), 10))

		query := canonicalQuery(values)
		signature := c.sign(query)

		req, err := http.NewRequest(method, c.baseURL+path, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.URL.RawQuery = query + "&signature=" + signature
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
		return c.do(req, out)
	})
}

// do executes one attempt. Logical exchange errors come back as
// permanent *APIError; network errors and 5xx responses are retryable.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr == nil && apiErr.Code != 0 {
			return retry.Permanent(apiErr)
		}
		return retry.Permanent(fmt.Errorf("API error %d: %s", resp.StatusCode, string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return retry.Permanent(fmt.Errorf("parsing response: %w", err))
	}
	return nil
}

// canonicalQuery encodes values with sorted keys; the signature is
// computed over exactly this string.
func canonicalQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b []byte
	for i, k := range keys {
		if i > 0 {
			b = append(b, '&')
		}
		b = append(b, url.QueryEscape(k)...)
		b = append(b, '=')
		b = append(b, url.QueryEscape(values.Get(k))...)
	}
	return string(b)
}

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case float64:
		return x
	default:
		return 0
	}
}

func asInt64(v interface{}) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}
