package engine

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"binance-strategy-engine/internal/binance"
	"binance-strategy-engine/internal/cache"
	"binance-strategy-engine/internal/events"
	"binance-strategy-engine/internal/history"
	"binance-strategy-engine/internal/store"
)

// fakeGateway is an in-memory exchange: orders get sequential ids and
// every call is recorded for assertions.
type fakeGateway struct {
	mu            sync.Mutex
	price         float64
	filters       binance.SymbolFilters
	balances      []binance.AssetBalance
	nextID        int64
	placed        []placedOrder
	canceled      []int64
	openOrders    []binance.OrderView
	orderStatuses map[int64]string
	newOrderErr   error
	newOrderGate  chan struct{}
	inFlight      int
}

type placedOrder struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          string
	Price         float64
	Qty           float64
}

func newFakeGateway(price float64) *fakeGateway {
	return &fakeGateway{
		price: price,
		filters: binance.SymbolFilters{
			Symbol:     "BTCUSDT",
			BaseAsset:  "BTC",
			QuoteAsset: "USDT",
			TickSize:   0.01,
			StepSize:   0.00001,
		},
		balances: []binance.AssetBalance{
			{Asset: "BTC", Free: 1000},
			{Asset: "USDT", Free: 1e9},
		},
		nextID:        1,
		orderStatuses: make(map[int64]string),
	}
}

func (f *fakeGateway) GetPrice(string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, nil
}

func (f *fakeGateway) SymbolFilters(string) (binance.SymbolFilters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters, nil
}

func (f *fakeGateway) NewOrder(params map[string]string) (*binance.OrderResponse, error) {
	f.mu.Lock()
	gate := f.newOrderGate
	f.inFlight++
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if f.newOrderErr != nil {
		return nil, f.newOrderErr
	}
	price, _ := strconv.ParseFloat(params["price"], 64)
	qty, _ := strconv.ParseFloat(params["quantity"], 64)
	id := f.nextID
	f.nextID++
	f.placed = append(f.placed, placedOrder{
		OrderID:       id,
		ClientOrderID: params["newClientOrderId"],
		Symbol:        params["symbol"],
		Side:          params["side"],
		Price:         price,
		Qty:           qty,
	})
	f.openOrders = append(f.openOrders, binance.OrderView{
		OrderID:       id,
		ClientOrderID: params["newClientOrderId"],
		Side:          params["side"],
		Price:         price,
		OrigQty:       qty,
		Status:        "NEW",
	})
	return &binance.OrderResponse{
		Symbol:        params["symbol"],
		OrderID:       id,
		ClientOrderID: params["newClientOrderId"],
		Price:         price,
		OrigQty:       qty,
		Status:        "NEW",
		Side:          params["side"],
	}, nil
}

func (f *fakeGateway) CancelOrder(_ string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderID)
	for i, o := range f.openOrders {
		if o.OrderID == orderID {
			f.openOrders = append(f.openOrders[:i], f.openOrders[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeGateway) GetOrder(_ string, orderID int64) (*binance.OrderView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.orderStatuses[orderID]
	if !ok {
		return nil, &binance.APIError{Code: binance.CodeNoSuchOrder, Message: "Order does not exist."}
	}
	return &binance.OrderView{OrderID: orderID, Status: status}, nil
}

func (f *fakeGateway) GetOpenOrders(string) ([]binance.OrderView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]binance.OrderView, len(f.openOrders))
	copy(out, f.openOrders)
	return out, nil
}

func (f *fakeGateway) AccountInfo() (*binance.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &binance.AccountInfo{Balances: f.balances}, nil
}

func (f *fakeGateway) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func (f *fakeGateway) placedOrders() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]placedOrder, len(f.placed))
	copy(out, f.placed)
	return out
}

func (f *fakeGateway) setNewOrderErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newOrderErr = err
}

func (f *fakeGateway) setNewOrderGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newOrderGate = gate
}

func (f *fakeGateway) ordersInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

func (f *fakeGateway) canceledIDs() map[int64]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]bool, len(f.canceled))
	for _, id := range f.canceled {
		out[id] = true
	}
	return out
}

// testEnv bundles the collaborators every engine test needs.
type testEnv struct {
	gw      *fakeGateway
	bus     *events.Bus
	cache   *cache.Cache
	st      *store.Store
	manager *Manager
	runners map[string]Runner
	mu      sync.Mutex
}

func newTestEnv(t *testing.T, price float64) *testEnv {
	t.Helper()
	st, err := store.New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		gw:      newFakeGateway(price),
		bus:     events.NewBus(zerolog.Nop()),
		cache:   cache.New("", zerolog.Nop()),
		st:      st,
		runners: make(map[string]Runner),
	}
	var hist *history.Repository
	inner := NewRunnerFactory(env.gw, env.bus, env.cache, hist, zerolog.Nop())
	factory := func(b *Bot) Runner {
		r := inner(b)
		env.mu.Lock()
		env.runners[b.ID] = r
		env.mu.Unlock()
		return r
	}
	env.manager = NewManager(st, env.bus, factory, zerolog.Nop())
	return env
}

func (env *testEnv) runner(id string) Runner {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.runners[id]
}

func (env *testEnv) fill(symbol string, orderID int64, side string, price, qty float64) {
	env.bus.Publish(events.Event{
		Type: events.EventOrder,
		Data: map[string]interface{}{
			"event": "execution_report",
			"report": &binance.ExecutionReport{
				Symbol:  symbol,
				OrderID: orderID,
				Side:    side,
				Status:  "FILLED",
				Price:   price,
				OrigQty: qty,
			},
		},
	})
}

// markRunning flips a bot to running without launching its runner, for
// tests that drive the runner directly.
func markRunning(b *Bot) {
	b.mu.Lock()
	b.status = StatusRunning
	now := nowMs()
	if b.timeStarted == nil {
		b.timeStarted = &now
	}
	start := *b.timeStarted
	b.runStartTime = &start
	b.mu.Unlock()
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
