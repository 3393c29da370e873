package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"binance-strategy-engine/internal/binance"
	"binance-strategy-engine/internal/cache"
	"binance-strategy-engine/internal/events"
	"binance-strategy-engine/internal/history"
	"binance-strategy-engine/internal/numutil"
)

// DCASellRunner distributes on rips: a ladder of sells above the
// market, with a single buy-back maintained at the average exit minus
// the configured margin.
type DCASellRunner struct {
	bot   *Bot
	gw    Gateway
	bus   *events.Bus
	cache *cache.Cache
	hist  *history.Repository
	log   zerolog.Logger

	mu             sync.Mutex
	running        bool
	fatal          bool
	filters        binance.SymbolFilters
	placedSells    []*Order
	filledSells    []Fill
	buyBack        *Order
	lastActivityMs int64

	orderSub *events.Subscription
	stopCh   chan struct{}
	timer    durationTimer
}

// NewDCASellRunner wires a DCA-sell runner to its bot.
func NewDCASellRunner(bot *Bot, gw Gateway, bus *events.Bus, c *cache.Cache, hist *history.Repository, log zerolog.Logger) *DCASellRunner {
	return &DCASellRunner{
		bot:   bot,
		gw:    gw,
		bus:   bus,
		cache: c,
		hist:  hist,
		log:   log.With().Str("component", "dca_sell").Str("bot_id", bot.ID).Logger(),
	}
}

// Start places the sell ladder and begins watching fills.
func (r *DCASellRunner) Start() error {
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

	if err := r.placeSells(); err != nil {
		return nil
	}

	sub := r.bus.Subscribe(events.EventOrder, r.onOrderEvent)
	r.mu.Lock()
	r.orderSub = sub
	r.mu.Unlock()

	if cfg.DurationMinutes > 0 {
		r.timer.schedule(r.bot.RunWindowRemaining(), r.bot.Stop)
	}

	r.log.Info().Msg("dca sell started")
	return nil
}

// Stop cancels the subscription, the timer, and all tagged open
// orders.
func (r *DCASellRunner) Stop() error {
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
	r.placedSells = nil
	r.filledSells = nil
	r.buyBack = nil
	r.mu.Unlock()

	r.log.Info().Msg("dca sell stopped")
	return nil
}

// Details exposes the ladder and buy-back state.
func (r *DCASellRunner) Details() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	placed := make([]Order, 0, len(r.placedSells))
	for _, o := range r.placedSells {
		placed = append(placed, *o)
	}
	filled := make([]Fill, len(r.filledSells))
	copy(filled, r.filledSells)
	out := map[string]interface{}{
		"placedSells":    placed,
		"filledSells":    filled,
		"lastActivityMs": r.lastActivityMs,
	}
	if r.buyBack != nil {
		out["buyBack"] = *r.buyBack
	}
	return out
}

func (r *DCASellRunner) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *DCASellRunner) currentPrice() (float64, error) {
	if p, ok := r.cache.GetPrice(r.bot.Symbol); ok {
		return p, nil
	}
	return r.gw.GetPrice(r.bot.Symbol)
}

// placeSells lays out the ladder above the current price, skipping
// levels that collapse to a duplicate price after rounding.
func (r *DCASellRunner) placeSells() error {
	price, err := r.currentPrice()
	if err != nil {
		r.failFatal(err)
		return err
	}

	cfg := r.bot.Config()
	qty := numutil.FloorToStep(cfg.OrderSize, r.filters.StepSize)
	if qty <= 0 {
		r.log.Warn().Float64("order_size", cfg.OrderSize).Msg("order size below step, nothing to place")
		return nil
	}

	seen := make(map[float64]bool)
	for i := 1; i <= cfg.GridLevels; i++ {
		if r.bot.Status() != StatusRunning {
			return errBotStopping
		}
		sellPrice := numutil.FloorToTick(price+float64(i)*cfg.GridSpread, r.filters.TickSize)
		if sellPrice <= 0 || seen[sellPrice] {
			continue
		}
		seen[sellPrice] = true

		order := &Order{
			ClientOrderID: newClientOrderID(r.bot.Tag(), "SELL"),
			Side:          "SELL",
			Price:         sellPrice,
			Qty:           qty,
			Status:        OrderPending,
		}
		resp, err := r.gw.NewOrder(limitMakerParams(r.bot.Symbol, "SELL", sellPrice, qty, r.filters, order.ClientOrderID))
		if err != nil {
			if kind := Classify(err); kind == KindFatalBot {
				r.failFatal(err)
				return err
			}
			r.log.Warn().Err(err).Float64("price", sellPrice).Msg("sell placement failed, level skipped")
			continue
		}
		order.OrderID = resp.OrderID
		order.Status = OrderOpen
		r.mu.Lock()
		r.placedSells = append(r.placedSells, order)
		r.mu.Unlock()
	}
	return nil
}

func (r *DCASellRunner) failFatal(err error) {
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

func (r *DCASellRunner) onOrderEvent(e events.Event) {
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

	r.mu.Lock()
	bb := r.buyBack
	r.mu.Unlock()

	if bb != nil && report.OrderID == bb.OrderID {
		r.handleBuyBackFill(bb)
		return
	}
	r.handleSellFill(report)
}

// handleSellFill records the fill once per orderId and refreshes the
// buy-back to the new average.
func (r *DCASellRunner) handleSellFill(report *binance.ExecutionReport) {
	r.mu.Lock()
	var sell *Order
	for _, o := range r.placedSells {
		if o.OrderID == report.OrderID {
			sell = o
			break
		}
	}
	if sell == nil {
		r.mu.Unlock()
		return
	}
	for _, f := range r.filledSells {
		if f.OrderID == report.OrderID {
			r.mu.Unlock()
			return
		}
	}
	sell.Status = OrderFilled
	r.filledSells = append(r.filledSells, Fill{OrderID: sell.OrderID, Price: sell.Price, Qty: sell.Qty})
	r.lastActivityMs = nowMs()
	r.mu.Unlock()

	r.hist.RecordFill(context.Background(), history.Fill{
		BotID:         r.bot.ID,
		Symbol:        r.bot.Symbol,
		Side:          "SELL",
		OrderID:       sell.OrderID,
		ClientOrderID: sell.ClientOrderID,
		Price:         sell.Price,
		Quantity:      sell.Qty,
	})
	r.ensureBuyBack()
}

// ensureBuyBack keeps exactly one buy at average exit minus the
// margin, for the full distributed quantity.
func (r *DCASellRunner) ensureBuyBack() {
	if r.bot.Status() != StatusRunning {
		return
	}
	cfg := r.bot.Config()

	r.mu.Lock()
	totalQty, totalValue := 0.0, 0.0
	for _, f := range r.filledSells {
		totalQty += f.Qty
		totalValue += f.Price * f.Qty
	}
	bb := r.buyBack
	r.mu.Unlock()
	if totalQty <= 0 {
		return
	}

	avg := totalValue / totalQty
	bbPrice := numutil.FloorToTick(avg-cfg.TakeProfit, r.filters.TickSize)
	bbQty := numutil.FloorToStep(totalQty, r.filters.StepSize)
	if bbPrice <= 0 || bbQty <= 0 {
		return
	}

	if bb != nil {
		if numutil.WithinHalf(bb.Price, bbPrice, r.filters.TickSize) && numutil.WithinHalf(bb.Qty, bbQty, r.filters.StepSize) {
			return
		}
		if err := r.gw.CancelOrder(r.bot.Symbol, bb.OrderID); err != nil {
			if !binance.IsCode(err, binance.CodeUnknownOrder) && !binance.IsCode(err, binance.CodeNoSuchOrder) {
				r.log.Warn().Err(err).Int64("order_id", bb.OrderID).Msg("stale buy-back cancel failed")
				return
			}
		}
		r.mu.Lock()
		r.buyBack = nil
		r.mu.Unlock()
	}

	order := &Order{
		ClientOrderID: newClientOrderID(r.bot.Tag(), "BUY"),
		Side:          "BUY",
		Price:         bbPrice,
		Qty:           bbQty,
		Status:        OrderPending,
	}
	resp, err := r.gw.NewOrder(limitMakerParams(r.bot.Symbol, "BUY", bbPrice, bbQty, r.filters, order.ClientOrderID))
	if err != nil {
		if kind := Classify(err); kind == KindFatalBot {
			r.failFatal(err)
			return
		}
		r.log.Warn().Err(err).Float64("price", bbPrice).Msg("buy-back placement failed")
		return
	}
	order.OrderID = resp.OrderID
	order.Status = OrderOpen

	r.mu.Lock()
	r.buyBack = order
	r.mu.Unlock()
	r.log.Info().Float64("price", bbPrice).Float64("qty", bbQty).Msg("buy-back placed")
}

// handleBuyBackFill settles the round and restarts the ladder.
func (r *DCASellRunner) handleBuyBackFill(bb *Order) {
	r.mu.Lock()
	totalValue := 0.0
	for _, f := range r.filledSells {
		totalValue += f.Price * f.Qty
	}
	r.placedSells = nil
	r.filledSells = nil
	r.buyBack = nil
	r.lastActivityMs = nowMs()
	r.mu.Unlock()

	pnl := totalValue - bb.Price*bb.Qty
	r.bot.ApplyStats(StatsDelta{CompletedRounds: 1, RealizedPnl: pnl})
	r.hist.RecordFill(context.Background(), history.Fill{
		BotID:         r.bot.ID,
		Symbol:        r.bot.Symbol,
		Side:          "BUY",
		OrderID:       bb.OrderID,
		ClientOrderID: bb.ClientOrderID,
		Price:         bb.Price,
		Quantity:      bb.Qty,
	})
	r.hist.RecordRound(context.Background(), history.Round{
		BotID:       r.bot.ID,
		Symbol:      r.bot.Symbol,
		Strategy:    string(StrategyDCASell),
		RealizedPnl: pnl,
		DurationMs:  r.bot.CurrentDurationMs(),
	})
	r.log.Info().Float64("pnl", pnl).Msg("round completed")

	cancelTaggedOrders(r.gw, r.bot.Symbol, r.bot.Tag(), r.log)
	if err := r.placeSells(); err != nil {
		return
	}
}
