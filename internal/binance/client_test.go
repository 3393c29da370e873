package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"binance-strategy-engine/internal/retry"
)

func newTestClient(url string) *Client {
	c := NewClient("test-key", "test-secret", url, zerolog.Nop())
	c.retryCfg = retry.Config{Attempts: 3, BaseDelay: time.Millisecond, Factor: 2}
	return c
}

func TestSignedRequestCarriesKeyAndSignature(t *testing.T) {
	var gotHeader, gotQuery, gotSignature string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-MBX-APIKEY")
		q := r.URL.Query()
		gotSignature = q.Get("signature")
		q.Del("signature")
		gotQuery = canonicalQuery(q)
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":1,"clientOrderId":"x","price":"100.00","origQty":"1.00","executedQty":"0","cummulativeQuoteQty":"0","status":"NEW","type":"LIMIT_MAKER","side":"BUY"}`))
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	resp, err := c.NewOrder(map[string]string{
		"symbol": "BTCUSDT", "side": "BUY", "type": "LIMIT_MAKER",
		"price": "100.00", "quantity": "1.00",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.OrderID != 1 || resp.Price != 100.00 {
		t.Errorf("order response mangled: %+v", resp)
	}

	if gotHeader != "test-key" {
		t.Errorf("X-MBX-APIKEY = %q", gotHeader)
	}
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(gotQuery))
	if want := hex.EncodeToString(mac.Sum(nil)); gotSignature != want {
		t.Errorf("signature mismatch over %q", gotQuery)
	}
}

func TestSignedTimestampUsesOffset(t *testing.T) {
	var gotTimestamp atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.ParseInt(r.URL.Query().Get("timestamp"), 10, 64)
		gotTimestamp.Store(n)
		w.Write([]byte(`{"balances":[]}`))
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	c.timeOffset.Store(5000)

	before := time.Now().UnixMilli()
	if _, err := c.AccountInfo(); err != nil {
		t.Fatal(err)
	}
	after := time.Now().UnixMilli()

	got := gotTimestamp.Load()
	if got < before+5000 || got > after+5000 {
		t.Errorf("timestamp %d not offset by 5000 from [%d, %d]", got, before, after)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"30000.50"}`))
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	price, err := c.GetPrice("BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if price != 30000.50 {
		t.Errorf("price = %v", price)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	if _, err := c.GetPrice("BTCUSDT"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls.Load())
	}
}

func TestLogicalErrorSurfacesWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	_, err := c.NewOrder(map[string]string{"symbol": "BTCUSDT"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsCode(err, CodeInsufficientBalance) {
		t.Errorf("expected code -2010, got %v", err)
	}
	apiErr, _ := AsAPIError(err)
	if apiErr.Message == "" {
		t.Error("original message dropped")
	}
	if calls.Load() != 1 {
		t.Errorf("logical error retried: %d calls", calls.Load())
	}
}

func TestSymbolFilters(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT",
			"filters":[{"filterType":"PRICE_FILTER","tickSize":"0.01"},{"filterType":"LOT_SIZE","stepSize":"0.00001"},{"filterType":"NOTIONAL"}]}]}`))
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	f, err := c.SymbolFilters("BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if f.TickSize != 0.01 || f.StepSize != 0.00001 {
		t.Errorf("filters = %+v", f)
	}
	if f.BaseAsset != "BTC" || f.QuoteAsset != "USDT" {
		t.Errorf("assets = %+v", f)
	}
}

func TestSymbolFiltersUnknownSymbol(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[]}`))
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	if _, err := c.SymbolFilters("NOPEUSDT"); !IsCode(err, CodeInvalidSymbol) {
		t.Errorf("expected invalid symbol error, got %v", err)
	}
}

func TestSyncTime(t *testing.T) {
	const skew = int64(123456)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UnixMilli() + skew
		w.Write([]byte(`{"serverTime":` + strconv.FormatInt(now, 10) + `}`))
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	if err := c.SyncTime(); err != nil {
		t.Fatal(err)
	}
	offset := c.TimeOffset()
	if offset < skew-1000 || offset > skew+1000 {
		t.Errorf("offset = %d, want about %d", offset, skew)
	}
}

func TestGetKlines(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[1700000000000,"100.0","110.0","95.0","105.0","12.5",1700000059999,"0",0,"0","0","0"]]`))
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	klines, err := c.GetKlines("BTCUSDT", "1m", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(klines) != 1 {
		t.Fatalf("got %d klines", len(klines))
	}
	k := klines[0]
	if k.OpenTime != 1700000000000 || k.Open != 100 || k.High != 110 || k.Low != 95 || k.Close != 105 || k.Volume != 12.5 {
		t.Errorf("kline = %+v", k)
	}
}
