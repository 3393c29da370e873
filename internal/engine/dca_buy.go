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

// DCABuyRunner accumulates on dips: a ladder of buys below the market,
// with a single take-profit sell maintained at the average entry plus
// the configured margin.
type DCABuyRunner struct {
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
	placedBuys     []*Order
	filledBuys     []Fill
	sellTp         *Order
	lastActivityMs int64

	orderSub *events.Subscription
	stopCh   chan struct{}
	timer    durationTimer
}

// NewDCABuyRunner wires a DCA-buy runner to its bot.
func NewDCABuyRunner(bot *Bot, gw Gateway, bus *events.Bus, c *cache.Cache, hist *history.Repository, log zerolog.Logger) *DCABuyRunner {
	return &DCABuyRunner{
		bot:   bot,
		gw:    gw,
		bus:   bus,
		cache: c,
		hist:  hist,
		log:   log.With().Str("component", "dca_buy").Str("bot_id", bot.ID).Logger(),
	}
}

// Start places the buy ladder and begins watching fills.
func (r *DCABuyRunner) Start() error {
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

	if err := r.placeBuys(); err != nil {
		return nil
	}

	sub := r.bus.Subscribe(events.EventOrder, r.onOrderEvent)
	r.mu.Lock()
	r.orderSub = sub
	r.mu.Unlock()

	if cfg.DurationMinutes > 0 {
		r.timer.schedule(r.bot.RunWindowRemaining(), r.bot.Stop)
	}

	r.log.Info().Msg("dca buy started")
	return nil
}

// Stop cancels the subscription, the timer, and all tagged open
// orders.
func (r *DCABuyRunner) Stop() error {
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
	r.placedBuys = nil
	r.filledBuys = nil
	r.sellTp = nil
	r.mu.Unlock()

	r.log.Info().Msg("dca buy stopped")
	return nil
}

// Details exposes the ladder and take-profit state.
func (r *DCABuyRunner) Details() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	placed := make([]Order, 0, len(r.placedBuys))
	for _, o := range r.placedBuys {
		placed = append(placed, *o)
	}
	filled := make([]Fill, len(r.filledBuys))
	copy(filled, r.filledBuys)
	out := map[string]interface{}{
		"placedBuys":     placed,
		"filledBuys":     filled,
		"lastActivityMs": r.lastActivityMs,
	}
	if r.sellTp != nil {
		out["sellTp"] = *r.sellTp
	}
	return out
}

func (r *DCABuyRunner) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *DCABuyRunner) currentPrice() (float64, error) {
	if p, ok := r.cache.GetPrice(r.bot.Symbol); ok {
		return p, nil
	}
	return r.gw.GetPrice(r.bot.Symbol)
}

// placeBuys lays out the ladder below the current price, skipping
// levels that collapse to a duplicate price after rounding.
func (r *DCABuyRunner) placeBuys() error {
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
		buyPrice := numutil.FloorToTick(price-float64(i)*cfg.GridSpread, r.filters.TickSize)
		if buyPrice <= 0 || seen[buyPrice] {
			continue
		}
		seen[buyPrice] = true

		order := &Order{
			ClientOrderID: newClientOrderID(r.bot.Tag(), "BUY"),
			Side:          "BUY",
			Price:         buyPrice,
			Qty:           qty,
			Status:        OrderPending,
		}
		resp, err := r.gw.NewOrder(limitMakerParams(r.bot.Symbol, "BUY", buyPrice, qty, r.filters, order.ClientOrderID))
		if err != nil {
			if kind := Classify(err); kind == KindFatalBot {
				r.failFatal(err)
				return err
			}
			r.log.Warn().Err(err).Float64("price", buyPrice).Msg("buy placement failed, level skipped")
			continue
		}
		order.OrderID = resp.OrderID
		order.Status = OrderOpen
		r.mu.Lock()
		r.placedBuys = append(r.placedBuys, order)
		r.mu.Unlock()
	}
	return nil
}

func (r *DCABuyRunner) failFatal(err error) {
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

func (r *DCABuyRunner) onOrderEvent(e events.Event) {
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
	tp := r.sellTp
	r.mu.Unlock()

	if tp != nil && report.OrderID == tp.OrderID {
		r.handleTakeProfitFill(tp)
		return
	}
	r.handleBuyFill(report)
}

// handleBuyFill records the fill once per orderId and refreshes the
// take-profit to the new average.
func (r *DCABuyRunner) handleBuyFill(report *binance.ExecutionReport) {
	r.mu.Lock()
	var buy *Order
	for _, o := range r.placedBuys {
		if o.OrderID == report.OrderID {
			buy = o
			break
		}
	}
	if buy == nil {
		r.mu.Unlock()
		return
	}
	for _, f := range r.filledBuys {
		if f.OrderID == report.OrderID {
			r.mu.Unlock()
			return
		}
	}
	buy.Status = OrderFilled
	r.filledBuys = append(r.filledBuys, Fill{OrderID: buy.OrderID, Price: buy.Price, Qty: buy.Qty})
	r.lastActivityMs = nowMs()
	r.mu.Unlock()

	r.hist.RecordFill(context.Background(), history.Fill{
		BotID:         r.bot.ID,
		Symbol:        r.bot.Symbol,
		Side:          "BUY",
		OrderID:       buy.OrderID,
		ClientOrderID: buy.ClientOrderID,
		Price:         buy.Price,
		Quantity:      buy.Qty,
	})
	r.ensureTakeProfit()
}

// ensureTakeProfit keeps exactly one sell at average entry plus the
// margin, for the full accumulated quantity. A matching existing order
// within half a tick and half a step is left alone.
func (r *DCABuyRunner) ensureTakeProfit() {
	if r.bot.Status() != StatusRunning {
		return
	}
	cfg := r.bot.Config()

	r.mu.Lock()
	totalQty, totalValue := 0.0, 0.0
	for _, f := range r.filledBuys {
		totalQty += f.Qty
		totalValue += f.Price * f.Qty
	}
	tp := r.sellTp
	r.mu.Unlock()
	if totalQty <= 0 {
		return
	}

	avg := totalValue / totalQty
	tpPrice := numutil.FloorToTick(avg+cfg.TakeProfit, r.filters.TickSize)
	tpQty := numutil.FloorToStep(totalQty, r.filters.StepSize)
	if tpQty <= 0 {
		return
	}

	if tp != nil {
		if numutil.WithinHalf(tp.Price, tpPrice, r.filters.TickSize) && numutil.WithinHalf(tp.Qty, tpQty, r.filters.StepSize) {
			return
		}
		if err := r.gw.CancelOrder(r.bot.Symbol, tp.OrderID); err != nil {
			if !binance.IsCode(err, binance.CodeUnknownOrder) && !binance.IsCode(err, binance.CodeNoSuchOrder) {
				r.log.Warn().Err(err).Int64("order_id", tp.OrderID).Msg("stale take-profit cancel failed")
				return
			}
		}
		r.mu.Lock()
		r.sellTp = nil
		r.mu.Unlock()
	}

	order := &Order{
		ClientOrderID: newClientOrderID(r.bot.Tag(), "SELL"),
		Side:          "SELL",
		Price:         tpPrice,
		Qty:           tpQty,
		Status:        OrderPending,
	}
	resp, err := r.gw.NewOrder(limitMakerParams(r.bot.Symbol, "SELL", tpPrice, tpQty, r.filters, order.ClientOrderID))
	if err != nil {
		if kind := Classify(err); kind == KindFatalBot {
			r.failFatal(err)
			return
		}
		r.log.Warn().Err(err).Float64("price", tpPrice).Msg("take-profit placement failed")
		return
	}
	order.OrderID = resp.OrderID
	order.Status = OrderOpen

	r.mu.Lock()
	r.sellTp = order
	r.mu.Unlock()
	r.log.Info().Float64("price", tpPrice).Float64("qty", tpQty).Msg("take-profit placed")
}

// handleTakeProfitFill settles the round and restarts the ladder.
func (r *DCABuyRunner) handleTakeProfitFill(tp *Order) {
	r.mu.Lock()
	totalValue := 0.0
	for _, f := range r.filledBuys {
		totalValue += f.Price * f.Qty
	}
	r.placedBuys = nil
	r.filledBuys = nil
	r.sellTp = nil
	r.lastActivityMs = nowMs()
	r.mu.Unlock()

	pnl := tp.Price*tp.Qty - totalValue
	r.bot.ApplyStats(StatsDelta{CompletedRounds: 1, RealizedPnl: pnl})
	r.hist.RecordFill(context.Background(), history.Fill{
		BotID:         r.bot.ID,
		Symbol:        r.bot.Symbol,
		Side:          "SELL",
		OrderID:       tp.OrderID,
		ClientOrderID: tp.ClientOrderID,
		Price:         tp.Price,
		Quantity:      tp.Qty,
	})
	r.hist.RecordRound(context.Background(), history.Round{
		BotID:       r.bot.ID,
		Symbol:      r.bot.Symbol,
		Strategy:    string(StrategyDCABuy),
		RealizedPnl: pnl,
		DurationMs:  r.bot.CurrentDurationMs(),
	})
	r.log.Info().Float64("pnl", pnl).Msg("round completed")

	cancelTaggedOrders(r.gw, r.bot.Symbol, r.bot.Tag(), r.log)
	if err := r.placeBuys(); err != nil {
		return
	}
}
