package engine

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"binance-strategy-engine/internal/binance"
	"binance-strategy-engine/internal/events"
	"binance-strategy-engine/internal/numutil"
)

func gridConfig() Config {
	return Config{GridLevels: 2, GridSpread: 10, OrderSize: 0.001}
}

func startedGridRunner(t *testing.T, env *testEnv, b *Bot) *GridRunner {
	t.Helper()
	b.Start()
	r := env.runner(b.ID).(*GridRunner)
	waitUntil(t, 2*time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.orderSub != nil
	})
	return r
}

func TestGridRoundTrip(t *testing.T) {
	env := newTestEnv(t, 30000.00)
	b, err := env.manager.CreateBot("grid", StrategyGrid, "BTCUSDT", gridConfig())
	if err != nil {
		t.Fatal(err)
	}
	startedGridRunner(t, env, b)

	placed := env.gw.placedOrders()
	if len(placed) != 4 {
		t.Fatalf("expected 4 initial orders, got %d", len(placed))
	}
	want := map[float64]string{
		29990: "BUY", 29980: "BUY",
		30010: "SELL", 30020: "SELL",
	}
	var buyID int64
	for _, o := range placed {
		side, ok := want[o.Price]
		if !ok || side != o.Side {
			t.Errorf("unexpected order %s@%v", o.Side, o.Price)
		}
		if o.Qty != 0.00001 {
			t.Errorf("qty at %v is %v, want 0.00001", o.Price, o.Qty)
		}
		if numutil.FloorToTick(o.Price, 0.01) != o.Price {
			t.Errorf("price %v not on tick", o.Price)
		}
		if o.Price == 29990 {
			buyID = o.OrderID
		}
	}

	// Buy fills: expect a counter sell one spread above.
	env.fill("BTCUSDT", buyID, "BUY", 29990, 0.00001)
	placed = env.gw.placedOrders()
	if len(placed) != 5 {
		t.Fatalf("expected counter sell, got %d orders", len(placed))
	}
	counter := placed[4]
	if counter.Side != "SELL" || counter.Price != 30000 {
		t.Fatalf("counter order is %s@%v, want SELL@30000", counter.Side, counter.Price)
	}

	// Counter sell fills: round closes, new buy appears.
	env.fill("BTCUSDT", counter.OrderID, "SELL", 30000, 0.00001)
	placed = env.gw.placedOrders()
	if len(placed) != 6 {
		t.Fatalf("expected re-placed buy, got %d orders", len(placed))
	}
	if placed[5].Side != "BUY" || placed[5].Price != 29990 {
		t.Fatalf("re-placed order is %s@%v, want BUY@29990", placed[5].Side, placed[5].Price)
	}

	stats := b.Stats()
	if stats.CompletedRounds != 1 {
		t.Errorf("completedRounds = %d, want 1", stats.CompletedRounds)
	}
	wantPnl := (30000.0 - 29990.0) * 0.00001
	if math.Abs(stats.RealizedPnl-wantPnl) > 1e-12 {
		t.Errorf("realizedPnl = %v, want %v", stats.RealizedPnl, wantPnl)
	}
}

func TestGridFillRemovedFromLocalSet(t *testing.T) {
	env := newTestEnv(t, 30000.00)
	b, _ := env.manager.CreateBot("grid", StrategyGrid, "BTCUSDT", gridConfig())
	r := startedGridRunner(t, env, b)

	var buyID int64
	for _, o := range env.gw.placedOrders() {
		if o.Price == 29990 {
			buyID = o.OrderID
		}
	}
	env.fill("BTCUSDT", buyID, "BUY", 29990, 0.00001)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.gridOrders {
		if o.OrderID == buyID {
			t.Error("filled order still in gridOrders")
		}
	}
}

func TestGridIgnoresOtherSymbols(t *testing.T) {
	env := newTestEnv(t, 30000.00)
	b, _ := env.manager.CreateBot("grid", StrategyGrid, "BTCUSDT", gridConfig())
	startedGridRunner(t, env, b)

	before := env.gw.placedCount()
	env.fill("ETHUSDT", 999, "BUY", 29990, 0.00001)
	if env.gw.placedCount() != before {
		t.Error("fill on another symbol triggered a counter order")
	}
}

func TestGridReconciliation(t *testing.T) {
	env := newTestEnv(t, 30000.00)
	b, _ := env.manager.CreateBot("grid", StrategyGrid, "BTCUSDT", Config{GridLevels: 1, GridSpread: 10, OrderSize: 100})
	markRunning(b)
	r := env.runner(b.ID).(*GridRunner)

	r.mu.Lock()
	r.filters = env.gw.filters
	r.gridOrders = []*Order{
		{OrderID: 1, ClientOrderID: b.Tag() + "-1-b-aa", Side: "BUY", Price: 100, Qty: 1, Status: OrderOpen},
		{OrderID: 2, ClientOrderID: b.Tag() + "-2-b-bb", Side: "BUY", Price: 110, Qty: 1, Status: OrderOpen},
	}
	r.mu.Unlock()

	env.gw.mu.Lock()
	env.gw.nextID = 3
	env.gw.openOrders = []binance.OrderView{{OrderID: 1, Status: "NEW"}}
	env.gw.orderStatuses[2] = "CANCELED"
	env.gw.mu.Unlock()

	r.reconcile()

	placed := env.gw.placedOrders()
	if len(placed) != 1 {
		t.Fatalf("expected 1 re-placed order, got %d", len(placed))
	}
	if placed[0].Price != 110 || placed[0].Side != "BUY" {
		t.Errorf("re-placed %s@%v, want BUY@110", placed[0].Side, placed[0].Price)
	}
	if placed[0].ClientOrderID == b.Tag()+"-2-b-bb" {
		t.Error("re-placed order reused the old clientOrderId")
	}

	r.mu.Lock()
	ids := make(map[int64]bool)
	for _, o := range r.gridOrders {
		ids[o.OrderID] = true
	}
	r.mu.Unlock()
	if !ids[1] || !ids[placed[0].OrderID] || len(ids) != 2 {
		t.Errorf("local set after reconcile: %v", ids)
	}

	// Idempotence: with the exchange now agreeing, a second pass is a
	// no-op.
	env.gw.mu.Lock()
	env.gw.openOrders = []binance.OrderView{{OrderID: 1, Status: "NEW"}, {OrderID: placed[0].OrderID, Status: "NEW"}}
	env.gw.mu.Unlock()
	r.reconcile()
	if env.gw.placedCount() != 1 {
		t.Error("reconcile with no divergence placed orders")
	}
}

func TestGridFatalKeyErrorStopsBot(t *testing.T) {
	env := newTestEnv(t, 30000.00)
	var errCount atomic.Int32
	env.bus.Subscribe(events.EventBotError, func(events.Event) {
		errCount.Add(1)
	})

	env.gw.setNewOrderErr(&binance.APIError{Code: binance.CodeRejectedAPIKey, Message: "Invalid API-key"})

	b, _ := env.manager.CreateBot("grid", StrategyGrid, "BTCUSDT", gridConfig())
	other, _ := env.manager.CreateBot("other", StrategyGrid, "BTCUSDT", gridConfig())

	b.Start()
	waitUntil(t, 2*time.Second, func() bool { return b.Status() == StatusStopped })

	if got := errCount.Load(); got != 1 {
		t.Errorf("bot_error published %d times, want 1", got)
	}
	if other.Status() != StatusStopped {
		t.Error("unrelated bot should be untouched")
	}
}

func TestGridInsufficientBalanceSkipsLevel(t *testing.T) {
	env := newTestEnv(t, 30000.00)
	env.gw.setNewOrderErr(&binance.APIError{Code: binance.CodeInsufficientBalance, Message: "insufficient balance"})

	b, _ := env.manager.CreateBot("grid", StrategyGrid, "BTCUSDT", gridConfig())
	b.Start()
	r := env.runner(b.ID).(*GridRunner)
	waitUntil(t, 2*time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.gridOrders) == 4
	})

	if b.Status() != StatusRunning {
		t.Error("insufficient balance must not stop the bot")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.gridOrders {
		if o.Status != OrderIgnoredBalance {
			t.Errorf("order at %v has status %s, want ignored_balance", o.Price, o.Status)
		}
	}
}

func TestGridRecentersWhenPriceLeavesBand(t *testing.T) {
	env := newTestEnv(t, 30000.00)
	cfg := gridConfig()
	cfg.Options.RecenterEnabled = true
	b, _ := env.manager.CreateBot("grid", StrategyGrid, "BTCUSDT", cfg)
	r := startedGridRunner(t, env, b)

	// At the anchor the grid stays put.
	if r.maybeRecenter() {
		t.Fatal("recentered with the price at the anchor")
	}

	env.gw.mu.Lock()
	env.gw.price = 33000.00
	env.gw.mu.Unlock()

	if !r.maybeRecenter() {
		t.Fatal("expected a recenter after drift past the band")
	}

	placed := env.gw.placedOrders()
	if len(placed) != 8 {
		t.Fatalf("expected 4 original + 4 recentered orders, got %d", len(placed))
	}
	canceled := env.gw.canceledIDs()
	for _, o := range placed[:4] {
		if !canceled[o.OrderID] {
			t.Errorf("pre-drift order %d at %v was not canceled", o.OrderID, o.Price)
		}
	}
	want := map[float64]string{
		32990: "BUY", 32980: "BUY",
		33010: "SELL", 33020: "SELL",
	}
	for _, o := range placed[4:] {
		if side, ok := want[o.Price]; !ok || side != o.Side {
			t.Errorf("recentered order %s@%v", o.Side, o.Price)
		}
	}
	if b.InitialStartPrice() != 30000 {
		t.Errorf("initialStartPrice overwritten to %v", b.InitialStartPrice())
	}
}

func TestGridRecenterDisabledByDefault(t *testing.T) {
	env := newTestEnv(t, 30000.00)
	b, _ := env.manager.CreateBot("grid", StrategyGrid, "BTCUSDT", gridConfig())
	r := startedGridRunner(t, env, b)

	env.gw.mu.Lock()
	env.gw.price = 33000.00
	env.gw.mu.Unlock()

	if r.maybeRecenter() {
		t.Error("recenter ran without recenterEnabled")
	}
}

func TestGridStartPriceOverridesAnchor(t *testing.T) {
	env := newTestEnv(t, 30000.00)
	cfg := gridConfig()
	cfg.Options.StartPrice = 25000
	b, _ := env.manager.CreateBot("grid", StrategyGrid, "BTCUSDT", cfg)
	startedGridRunner(t, env, b)

	if b.InitialStartPrice() != 25000 {
		t.Errorf("initialStartPrice = %v, want 25000", b.InitialStartPrice())
	}
	want := map[float64]string{
		24990: "BUY", 24980: "BUY",
		25010: "SELL", 25020: "SELL",
	}
	for _, o := range env.gw.placedOrders() {
		if side, ok := want[o.Price]; !ok || side != o.Side {
			t.Errorf("order %s@%v not on the overridden ladder", o.Side, o.Price)
		}
	}
}

func TestGridStopDuringPlacementCancelsEverything(t *testing.T) {
	env := newTestEnv(t, 30000.00)
	gate := make(chan struct{})
	env.gw.setNewOrderGate(gate)

	b, _ := env.manager.CreateBot("grid", StrategyGrid, "BTCUSDT", gridConfig())
	b.Start()
	waitUntil(t, 2*time.Second, func() bool { return env.gw.ordersInFlight() > 0 })

	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()

	// Stop must wait for the in-flight placement, not sweep past it.
	select {
	case <-stopped:
		t.Fatal("Stop returned while placement was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	<-stopped

	if b.Status() != StatusStopped {
		t.Fatalf("status = %s, want stopped", b.Status())
	}
	canceled := env.gw.canceledIDs()
	for _, o := range env.gw.placedOrders() {
		if !canceled[o.OrderID] {
			t.Errorf("order %d at %v survived the stop sweep", o.OrderID, o.Price)
		}
	}
}

func TestGridAdoptsSurvivingOrders(t *testing.T) {
	env := newTestEnv(t, 30000.00)
	b, _ := env.manager.CreateBot("grid", StrategyGrid, "BTCUSDT", gridConfig())

	env.gw.mu.Lock()
	env.gw.openOrders = []binance.OrderView{
		{OrderID: 50, ClientOrderID: b.Tag() + "-1-b-aa", Side: "BUY", Price: 29990, OrigQty: 0.00001, Status: "NEW"},
		{OrderID: 51, ClientOrderID: "someoneelse-1-s-bb", Side: "SELL", Price: 30010, OrigQty: 0.00001, Status: "NEW"},
	}
	env.gw.mu.Unlock()

	r := startedGridRunner(t, env, b)

	if env.gw.placedCount() != 0 {
		t.Error("adoption should not place fresh orders")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.gridOrders) != 1 || r.gridOrders[0].OrderID != 50 {
		t.Errorf("adopted set wrong: %+v", r.gridOrders)
	}
}
