package engine

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binance-strategy-engine/internal/binance"
	"binance-strategy-engine/internal/cache"
	"binance-strategy-engine/internal/events"
	"binance-strategy-engine/internal/history"
	"binance-strategy-engine/internal/numutil"
)

const reconcileInterval = 5 * time.Minute

// unmatchedBuy is a filled buy awaiting its paired sell for P&L.
type unmatchedBuy struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// GridRunner runs a symmetric two-sided grid: gridLevels buys below
// the anchor price and gridLevels sells above it, each fill spawning a
// counter order one spread away.
type GridRunner struct {
	bot   *Bot
	gw    Gateway
	bus   *events.Bus
	cache *cache.Cache
	hist  *history.Repository
	log   zerolog.Logger

	mu            sync.Mutex
	running       bool
	fatal         bool
	filters       binance.SymbolFilters
	anchor        float64
	gridOrders    []*Order
	unmatchedBuys []unmatchedBuy

	orderSub *events.Subscription
	stopCh   chan struct{}
	timer    durationTimer
}

// NewGridRunner wires a grid runner to its bot.
func NewGridRunner(bot *Bot, gw Gateway, bus *events.Bus, c *cache.Cache, hist *history.Repository, log zerolog.Logger) *GridRunner {
	return &GridRunner{
		bot:   bot,
		gw:    gw,
		bus:   bus,
		cache: c,
		hist:  hist,
		log:   log.With().Str("component", "grid").Str("bot_id", bot.ID).Logger(),
	}
}

// Start places the initial grid, or adopts the bot's surviving open
// orders after a restart, then begins watching fills and reconciling.
func (r *GridRunner) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.fatal = false
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	cfg := r.bot.Config()
	if cfg.DurationMinutes > 0 && r.bot.RunWindowRemaining() <= 0 {
		r.log.Info().Msg("bounded run window already elapsed")
		go r.bot.Stop()
		return nil
	}

	filters, err := r.gw.SymbolFilters(r.bot.Symbol)
	if err != nil {
		r.failFatal(err)
		return nil
	}
	r.mu.Lock()
	r.filters = filters
	r.mu.Unlock()

	price, err := r.currentPrice()
	if err != nil {
		r.failFatal(err)
		return nil
	}
	if sp := cfg.Options.StartPrice; sp > 0 && r.bot.InitialStartPrice() == 0 {
		price = sp
	}
	r.bot.SetInitialStartPrice(price)
	r.mu.Lock()
	r.anchor = price
	r.mu.Unlock()

	adopted := r.adoptOpenOrders()
	if !adopted {
		// A fatal placement error has already stopped the bot by the
		// time placeInitialGrid returns it.
		if err := r.placeInitialGrid(price); err != nil {
			return nil
		}
	}

	sub := r.bus.Subscribe(events.EventOrder, r.onOrderEvent)
	r.mu.Lock()
	r.orderSub = sub
	r.mu.Unlock()
	go r.reconcileLoop()

	if cfg.DurationMinutes > 0 {
		r.timer.schedule(r.bot.RunWindowRemaining(), r.bot.Stop)
	}

	r.log.Info().Float64("anchor", price).Bool("adopted", adopted).Msg("grid started")
	return nil
}

// Stop cancels the fill subscription, the timers, and every tagged
// open order on the exchange.
func (r *GridRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	sub := r.orderSub
	r.orderSub = nil
	r.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	r.timer.cancel()
	cancelTaggedOrders(r.gw, r.bot.Symbol, r.bot.Tag(), r.log)

	r.mu.Lock()
	r.gridOrders = nil
	r.mu.Unlock()

	r.log.Info().Msg("grid stopped")
	return nil
}

// Details exposes the runner's live order book slice.
func (r *GridRunner) Details() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	orders := make([]Order, 0, len(r.gridOrders))
	for _, o := range r.gridOrders {
		orders = append(orders, *o)
	}
	buys := make([]unmatchedBuy, len(r.unmatchedBuys))
	copy(buys, r.unmatchedBuys)
	return map[string]interface{}{
		"gridOrders":        orders,
		"unmatchedBuys":     buys,
		"initialStartPrice": r.bot.InitialStartPrice(),
	}
}

func (r *GridRunner) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *GridRunner) currentPrice() (float64, error) {
	if p, ok := r.cache.GetPrice(r.bot.Symbol); ok {
		return p, nil
	}
	return r.gw.GetPrice(r.bot.Symbol)
}

// adoptOpenOrders rebuilds gridOrders from the exchange's open set
// after a restart. Returns false when no tagged orders survive, in
// which case the grid is placed fresh.
func (r *GridRunner) adoptOpenOrders() bool {
	open, err := r.gw.GetOpenOrders(r.bot.Symbol)
	if err != nil {
		r.log.Warn().Err(err).Msg("open order adoption failed")
		return false
	}
	prefix := r.bot.Tag() + "-"
	var adopted []*Order
	for _, o := range open {
		if !strings.HasPrefix(o.ClientOrderID, prefix) {
			continue
		}
		adopted = append(adopted, &Order{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Side:          o.Side,
			Price:         o.Price,
			Qty:           o.OrigQty,
			Status:        OrderOpen,
		})
	}
	if len(adopted) == 0 {
		return false
	}
	r.mu.Lock()
	r.gridOrders = adopted
	r.mu.Unlock()
	r.log.Info().Int("orders", len(adopted)).Msg("adopted surviving grid orders")
	return true
}

func (r *GridRunner) placeInitialGrid(price float64) error {
	cfg := r.bot.Config()
	for i := 1; i <= cfg.GridLevels; i++ {
		spread := float64(i) * cfg.GridSpread
		if err := r.placeOrder("BUY", numutil.FloorToTick(price-spread, r.filters.TickSize)); err != nil {
			return err
		}
		if err := r.placeOrder("SELL", numutil.FloorToTick(price+spread, r.filters.TickSize)); err != nil {
			return err
		}
	}
	return nil
}

// placeOrder submits one post-only grid order and applies the
// placement error policy. A returned error means the bot was stopped.
func (r *GridRunner) placeOrder(side string, price float64) error {
	if r.bot.Status() != StatusRunning {
		return errBotStopping
	}
	if price <= 0 {
		return nil
	}
	cfg := r.bot.Config()
	qty := numutil.FloorToStep(maxF(cfg.OrderSize/price, r.filters.StepSize), r.filters.StepSize)
	if qty <= 0 {
		return nil
	}

	ok, err := sufficientBalance(r.gw, r.filters, side, price, qty)
	if err != nil || !ok {
		if err != nil {
			r.log.Warn().Err(err).Msg("balance pre-flight failed, skipping level")
		}
		r.track(&Order{Side: side, Price: price, Qty: qty, Status: OrderIgnoredBalance})
		return nil
	}

	order := &Order{
		ClientOrderID: newClientOrderID(r.bot.Tag(), side),
		Side:          side,
		Price:         price,
		Qty:           qty,
		Status:        OrderPending,
	}

	resp, err := r.gw.NewOrder(limitMakerParams(r.bot.Symbol, side, price, qty, r.filters, order.ClientOrderID))
	if err != nil {
		return r.handlePlacementError(order, err)
	}
	order.OrderID = resp.OrderID
	order.Status = OrderOpen
	r.track(order)
	return nil
}

func (r *GridRunner) handlePlacementError(order *Order, err error) error {
	switch {
	case binance.IsCode(err, binance.CodeBadAPIKeyFormat) || binance.IsCode(err, binance.CodeRejectedAPIKey):
		r.failFatal(err)
		return err

	case binance.IsCode(err, binance.CodeInsufficientBalance):
		r.log.Warn().Float64("price", order.Price).Msg("insufficient balance, level skipped")
		order.Status = OrderIgnoredBalance
		r.track(order)
		return nil

	case binance.IsCode(err, binance.CodeFilterFailure):
		// Likely slippage past the level. One retry after the market
		// settles, with a fresh id.
		time.Sleep(3 * time.Second)
		order.ClientOrderID = newClientOrderID(r.bot.Tag(), order.Side)
		resp, retryErr := r.gw.NewOrder(limitMakerParams(r.bot.Symbol, order.Side, order.Price, order.Qty, r.filters, order.ClientOrderID))
		if retryErr != nil {
			r.log.Warn().Err(retryErr).Float64("price", order.Price).Msg("filter retry failed")
			order.Status = OrderError
			r.track(order)
			return nil
		}
		order.OrderID = resp.OrderID
		order.Status = OrderOpen
		r.track(order)
		return nil

	default:
		r.log.Error().Err(err).Float64("price", order.Price).Msg("order placement failed")
		order.Status = OrderError
		r.track(order)
		return nil
	}
}

func (r *GridRunner) track(o *Order) {
	r.mu.Lock()
	r.gridOrders = append(r.gridOrders, o)
	r.mu.Unlock()
}

// failFatal publishes a single bot_error and stops the bot without
// deadlocking the caller.
func (r *GridRunner) failFatal(err error) {
	r.mu.Lock()
	already := r.fatal
	r.fatal = true
	r.mu.Unlock()
	if already {
		return
	}
	r.log.Error().Err(err).Msg("fatal exchange error, stopping bot")
	r.bot.PublishError(err)
	go r.bot.Stop()
}

func (r *GridRunner) onOrderEvent(e events.Event) {
	report, ok := e.Data["report"].(*binance.ExecutionReport)
	if !ok || report.Symbol != r.bot.Symbol {
		return
	}
	if report.Status != "FILLED" && report.Status != "PARTIALLY_FILLED" {
		return
	}
	if !r.isRunning() {
		return
	}
	r.handleFill(report)
}

// handleFill removes the filled order and places its counter before
// returning, so the next execution report observes the updated grid.
func (r *GridRunner) handleFill(report *binance.ExecutionReport) {
	r.mu.Lock()
	var filled *Order
	for i, o := range r.gridOrders {
		if o.OrderID == report.OrderID {
			filled = o
			r.gridOrders = append(r.gridOrders[:i], r.gridOrders[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	if filled == nil {
		return
	}

	cfg := r.bot.Config()
	r.hist.RecordFill(context.Background(), history.Fill{
		BotID:         r.bot.ID,
		Symbol:        r.bot.Symbol,
		Side:          filled.Side,
		OrderID:       filled.OrderID,
		ClientOrderID: filled.ClientOrderID,
		Price:         filled.Price,
		Quantity:      filled.Qty,
	})

	if strings.EqualFold(filled.Side, "BUY") {
		r.mu.Lock()
		r.unmatchedBuys = append(r.unmatchedBuys, unmatchedBuy{Price: filled.Price, Qty: filled.Qty})
		r.mu.Unlock()

		counter := numutil.FloorToTick(filled.Price+cfg.GridSpread, r.filters.TickSize)
		if err := r.placeOrder("SELL", counter); err != nil {
			return
		}
	} else {
		counter := numutil.FloorToTick(filled.Price-cfg.GridSpread, r.filters.TickSize)
		if err := r.placeOrder("BUY", counter); err != nil {
			return
		}
		r.settleRound(filled, cfg)
	}
}

// settleRound pairs a filled sell with the earliest unmatched buy
// within half a tick of one spread below it.
func (r *GridRunner) settleRound(sell *Order, cfg Config) {
	buyPrice := numutil.FloorToTick(sell.Price-cfg.GridSpread, r.filters.TickSize)

	r.mu.Lock()
	matched := -1
	for i, b := range r.unmatchedBuys {
		if numutil.WithinHalf(b.Price, buyPrice, r.filters.TickSize) {
			matched = i
			break
		}
	}
	var buy unmatchedBuy
	if matched >= 0 {
		buy = r.unmatchedBuys[matched]
		r.unmatchedBuys = append(r.unmatchedBuys[:matched], r.unmatchedBuys[matched+1:]...)
	}
	r.mu.Unlock()
	if matched < 0 {
		return
	}

	pnl := (sell.Price - buy.Price) * sell.Qty
	r.bot.ApplyStats(StatsDelta{CompletedRounds: 1, RealizedPnl: pnl})
	r.hist.RecordRound(context.Background(), history.Round{
		BotID:       r.bot.ID,
		Symbol:      r.bot.Symbol,
		Strategy:    string(StrategyGrid),
		RealizedPnl: pnl,
		DurationMs:  r.bot.CurrentDurationMs(),
	})
	r.log.Info().Float64("pnl", pnl).Float64("sell", sell.Price).Float64("buy", buy.Price).Msg("round completed")
}

func (r *GridRunner) reconcileLoop() {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if r.maybeRecenter() {
				continue
			}
			r.reconcile()
		}
	}
}

// maybeRecenter rebuilds the grid around the current price once the
// market has drifted outside the ladder's band. The entry anchor
// recorded in initialStartPrice stays untouched; only the working
// center moves.
func (r *GridRunner) maybeRecenter() bool {
	cfg := r.bot.Config()
	if !cfg.Options.RecenterEnabled {
		return false
	}
	price, err := r.currentPrice()
	if err != nil {
		r.log.Warn().Err(err).Msg("recenter: price fetch failed")
		return false
	}

	r.mu.Lock()
	anchor := r.anchor
	r.mu.Unlock()
	band := float64(cfg.GridLevels) * cfg.GridSpread
	if anchor == 0 || math.Abs(price-anchor) <= band {
		return false
	}

	r.log.Info().Float64("old_center", anchor).Float64("new_center", price).Msg("recentering grid")
	cancelTaggedOrders(r.gw, r.bot.Symbol, r.bot.Tag(), r.log)
	r.mu.Lock()
	r.gridOrders = nil
	r.anchor = price
	r.mu.Unlock()

	if err := r.placeInitialGrid(price); err != nil {
		return true
	}
	return true
}

// reconcile repairs local orders that silently disappeared from the
// exchange. Fills in flight are left to the user stream.
func (r *GridRunner) reconcile() {
	open, err := r.gw.GetOpenOrders(r.bot.Symbol)
	if err != nil {
		r.log.Warn().Err(err).Msg("reconcile: open orders fetch failed")
		return
	}
	onExchange := make(map[int64]bool, len(open))
	for _, o := range open {
		onExchange[o.OrderID] = true
	}

	r.mu.Lock()
	var missing []*Order
	for _, o := range r.gridOrders {
		if o.Status == OrderOpen && !onExchange[o.OrderID] {
			missing = append(missing, o)
		}
	}
	r.mu.Unlock()

	for _, o := range missing {
		view, err := r.gw.GetOrder(r.bot.Symbol, o.OrderID)
		if err != nil {
			r.log.Warn().Err(err).Int64("order_id", o.OrderID).Msg("reconcile: status query failed")
			continue
		}
		if view.Status == "FILLED" || view.Status == "PARTIALLY_FILLED" {
			continue
		}

		r.log.Info().Int64("order_id", o.OrderID).Str("status", view.Status).Float64("price", o.Price).Msg("reconcile: re-placing lost order")
		r.mu.Lock()
		for i, cur := range r.gridOrders {
			if cur == o {
				r.gridOrders = append(r.gridOrders[:i], r.gridOrders[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		if err := r.placeOrder(o.Side, o.Price); err != nil {
			return
		}
	}
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
