package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"binance-strategy-engine/internal/binance"
	"binance-strategy-engine/internal/cache"
	"binance-strategy-engine/internal/engine"
	"binance-strategy-engine/internal/events"
	"binance-strategy-engine/internal/store"
)

type fakeExchange struct {
	price      float64
	priceCalls int
}

func (f *fakeExchange) TimeOffset() int64 { return 42 }
func (f *fakeExchange) ServerTime() int64 { return 1700000000000 }

func (f *fakeExchange) GetPrice(string) (float64, error) {
	f.priceCalls++
	return f.price, nil
}

func (f *fakeExchange) GetKlines(string, string, int) ([]binance.Kline, error) {
	return []binance.Kline{{OpenTime: 1, Open: 100, High: 110, Low: 95, Close: 105, Volume: 1, CloseTime: 2}}, nil
}

func (f *fakeExchange) SymbolFilters(string) (binance.SymbolFilters, error) {
	return binance.SymbolFilters{
		Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT",
		TickSize: 0.01, StepSize: 0.00001,
	}, nil
}

func (f *fakeExchange) AccountInfo() (*binance.AccountInfo, error) {
	return &binance.AccountInfo{Balances: []binance.AssetBalance{
		{Asset: "BTC", Free: 2, Locked: 1},
		{Asset: "USDT", Free: 500},
	}}, nil
}

type stubRunner struct{}

func (stubRunner) Start() error                    { return nil }
func (stubRunner) Stop() error                     { return nil }
func (stubRunner) Details() map[string]interface{} { return map[string]interface{}{} }

func newTestServer(t *testing.T) (*Server, *fakeExchange) {
	t.Helper()
	st, err := store.New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus(zerolog.Nop())
	manager := engine.NewManager(st, bus, func(*engine.Bot) engine.Runner { return stubRunner{} }, zerolog.Nop())
	ex := &fakeExchange{price: 30000.5}

	s := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0}, manager, ex, cache.New("", zerolog.Nop()), nil, bus, zerolog.Nop())
	return s, ex
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w, body := doJSON(t, s, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if body["ok"] != true {
		t.Error("ok missing")
	}
	if body["timeOffset"].(float64) != 42 {
		t.Errorf("timeOffset = %v", body["timeOffset"])
	}
}

func TestPriceCacheFallback(t *testing.T) {
	s, ex := newTestServer(t)

	w, body := doJSON(t, s, http.MethodGet, "/api/price?symbol=BTCUSDT", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if body["source"] != "rest" || body["price"].(float64) != 30000.5 {
		t.Errorf("first read = %v", body)
	}

	_, body = doJSON(t, s, http.MethodGet, "/api/price?symbol=BTCUSDT", nil)
	if body["source"] != "cache" {
		t.Errorf("second read source = %v", body["source"])
	}
	if ex.priceCalls != 1 {
		t.Errorf("REST hit %d times, want 1", ex.priceCalls)
	}

	w, _ = doJSON(t, s, http.MethodGet, "/api/price", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing symbol gave %d", w.Code)
	}
}

func TestSymbolInfo(t *testing.T) {
	s, _ := newTestServer(t)
	w, body := doJSON(t, s, http.MethodGet, "/api/symbolInfo?symbol=BTCUSDT", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if body["tickSize"].(float64) != 0.01 || body["baseAsset"] != "BTC" {
		t.Errorf("body = %v", body)
	}
}

func TestBalances(t *testing.T) {
	s, _ := newTestServer(t)
	w, body := doJSON(t, s, http.MethodGet, "/api/balances?symbol=BTCUSDT", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	base := body["base"].(map[string]interface{})
	if base["asset"] != "BTC" || base["free"].(float64) != 2 || base["locked"].(float64) != 1 {
		t.Errorf("base = %v", base)
	}
}

func TestBotLifecycleOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)

	w, created := doJSON(t, s, http.MethodPost, "/api/bots", map[string]interface{}{
		"name":     "g1",
		"strategy": "grid",
		"symbol":   "BTCUSDT",
		"config":   map[string]interface{}{"gridLevels": 2, "gridSpread": 10, "orderSize": 0.001},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", w.Code, w.Body.String())
	}
	id := created["id"].(string)

	w, _ = doJSON(t, s, http.MethodPost, "/api/bots/"+id+"/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start status %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/bots", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	var list []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0]["status"] != "running" {
		t.Errorf("list = %v", list)
	}

	w, details := doJSON(t, s, http.MethodGet, "/api/bots/"+id+"/details", nil)
	if w.Code != http.StatusOK {
		t.Errorf("details status %d", w.Code)
	}
	// No history backend configured, so the round list is present but empty.
	rounds, ok := details["recentRounds"].([]interface{})
	if !ok {
		t.Errorf("recentRounds missing: %v", details)
	} else if len(rounds) != 0 {
		t.Errorf("recentRounds = %v", rounds)
	}

	w, summary := doJSON(t, s, http.MethodGet, "/api/bots/summary", nil)
	if w.Code != http.StatusOK || summary["running"].(float64) != 1 {
		t.Errorf("summary = %v", summary)
	}

	w, _ = doJSON(t, s, http.MethodPost, "/api/bots/"+id+"/stop", nil)
	if w.Code != http.StatusAccepted {
		t.Errorf("stop status %d", w.Code)
	}

	w, _ = doJSON(t, s, http.MethodDelete, "/api/bots/"+id, nil)
	if w.Code != http.StatusOK {
		t.Errorf("delete status %d", w.Code)
	}
}

func TestCreateBotRejectsUnknownStrategy(t *testing.T) {
	s, _ := newTestServer(t)
	w, _ := doJSON(t, s, http.MethodPost, "/api/bots", map[string]interface{}{
		"name": "x", "strategy": "martingale", "symbol": "BTCUSDT",
		"config": map[string]interface{}{"gridLevels": 1, "gridSpread": 1, "orderSize": 1},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d", w.Code)
	}
}

func TestBotNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	w, _ := doJSON(t, s, http.MethodGet, "/api/bots/nope/details", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d", w.Code)
	}
}
