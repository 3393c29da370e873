package engine

import (
	"github.com/rs/zerolog"

	"binance-strategy-engine/internal/cache"
	"binance-strategy-engine/internal/events"
	"binance-strategy-engine/internal/history"
)

// NewRunnerFactory builds the standard factory mapping each strategy
// to its runner, all sharing one gateway, bus, cache, and history
// repository.
func NewRunnerFactory(gw Gateway, bus *events.Bus, c *cache.Cache, hist *history.Repository, log zerolog.Logger) RunnerFactory {
	return func(b *Bot) Runner {
		switch b.Strategy {
		case StrategyDCABuy:
			return NewDCABuyRunner(b, gw, bus, c, hist, log)
		case StrategyDCASell:
			return NewDCASellRunner(b, gw, bus, c, hist, log)
		default:
			return NewGridRunner(b, gw, bus, c, hist, log)
		}
	}
}
