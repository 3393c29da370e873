// Package engine contains the bot registry and the three strategy
// runners. Per-bot state is serialised behind a bot-local mutex; bots
// run independently of each other.
package engine

import (
	"encoding/json"
	"fmt"

	"binance-strategy-engine/internal/binance"
)

// Strategy names a bot's trading strategy.
type Strategy string

const (
	StrategyGrid    Strategy = "grid"
	StrategyDCABuy  Strategy = "dca_buy"
	StrategyDCASell Strategy = "dca_sell"
)

// ParseStrategy validates a strategy name from the API or disk.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyGrid, StrategyDCABuy, StrategyDCASell:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Status is the bot lifecycle state.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// Options are accepted and persisted for every strategy.
// RecenterEnabled rebuilds the grid around the market once it drifts
// outside the ladder's band; StartPrice overrides the anchor on a
// bot's first start. The remaining fields are reserved.
type Options struct {
	StartPrice        float64 `json:"startPrice,omitempty"`
	Capital           float64 `json:"capital,omitempty"`
	RecenterEnabled   bool    `json:"recenterEnabled,omitempty"`
	RecenterMinutes   int     `json:"recenterMinutes,omitempty"`
	SellOnStopEnabled bool    `json:"sellOnStopEnabled,omitempty"`
	SellOnStopMinutes int     `json:"sellOnStopMinutes,omitempty"`
}

// Config holds the strategy parameters common to all three runners.
// OrderSize is a quote-currency budget for grid bots and a base-unit
// quantity for DCA bots.
type Config struct {
	GridLevels      int     `json:"gridLevels"`
	GridSpread      float64 `json:"gridSpread"`
	OrderSize       float64 `json:"orderSize"`
	TakeProfit      float64 `json:"takeProfit,omitempty"`
	DurationMinutes int     `json:"durationMinutes,omitempty"`
	Options         Options `json:"options,omitempty"`
}

// Validate rejects configs no runner could execute.
func (c Config) Validate(strategy Strategy) error {
	if c.GridLevels <= 0 {
		return fmt.Errorf("gridLevels must be positive, got %d", c.GridLevels)
	}
	if c.GridSpread <= 0 {
		return fmt.Errorf("gridSpread must be positive, got %v", c.GridSpread)
	}
	if c.OrderSize <= 0 {
		return fmt.Errorf("orderSize must be positive, got %v", c.OrderSize)
	}
	if c.TakeProfit < 0 {
		return fmt.Errorf("takeProfit must not be negative, got %v", c.TakeProfit)
	}
	if c.DurationMinutes < 0 {
		return fmt.Errorf("durationMinutes must not be negative, got %d", c.DurationMinutes)
	}
	if (strategy == StrategyDCABuy || strategy == StrategyDCASell) && c.TakeProfit == 0 {
		return fmt.Errorf("takeProfit is required for %s", strategy)
	}
	return nil
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("decode bot config: %w", err)
	}
	return c, nil
}

// OrderStatus is the runner-local view of one order's progress.
type OrderStatus string

const (
	OrderPending        OrderStatus = "pending"
	OrderOpen           OrderStatus = "open"
	OrderFilled         OrderStatus = "filled"
	OrderIgnoredBalance OrderStatus = "ignored_balance"
	OrderError          OrderStatus = "error"
)

// Order is the runner-local record of an order the bot placed.
type Order struct {
	OrderID       int64       `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Side          string      `json:"side"`
	Price         float64     `json:"price"`
	Qty           float64     `json:"qty"`
	Status        OrderStatus `json:"status"`
}

// StatsDelta is applied to a bot's cumulative stats by the manager.
type StatsDelta struct {
	CompletedRounds int
	RealizedPnl     float64
}

// Fill is one executed trade, appended idempotently by orderId.
type Fill struct {
	OrderID int64   `json:"orderId"`
	Price   float64 `json:"price"`
	Qty     float64 `json:"qty"`
}

// Runner is the strategy behind a bot. Start may return before the
// strategy has finished placing its initial orders; Stop blocks until
// the runner has cancelled its tagged open orders.
type Runner interface {
	Start() error
	Stop() error
	Details() map[string]interface{}
}

// Gateway is the slice of the exchange client the runners use. It is
// satisfied by *binance.Client and by test fakes.
type Gateway interface {
	GetPrice(symbol string) (float64, error)
	SymbolFilters(symbol string) (binance.SymbolFilters, error)
	NewOrder(params map[string]string) (*binance.OrderResponse, error)
	CancelOrder(symbol string, orderID int64) error
	GetOrder(symbol string, orderID int64) (*binance.OrderView, error)
	GetOpenOrders(symbol string) ([]binance.OrderView, error)
	AccountInfo() (*binance.AccountInfo, error)
}
