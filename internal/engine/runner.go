package engine

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binance-strategy-engine/internal/binance"
	"binance-strategy-engine/internal/numutil"
)

// errBotStopping halts in-flight placement once the bot has left the
// running state; the stop path's cancel sweep handles cleanup.
var errBotStopping = errors.New("bot stopping")

// newClientOrderID builds the tagged order id
// <botTag>-<unixms>-<b|s>-<rand>. The tag prefix lets reconciliation
// and shutdown find this bot's orders among all open orders for the
// symbol.
func newClientOrderID(tag, side string) string {
	buf := make([]byte, 2)
	_, _ = rand.Read(buf)
	s := "b"
	if strings.EqualFold(side, "SELL") {
		s = "s"
	}
	return fmt.Sprintf("%s-%d-%s-%s", tag, time.Now().UnixMilli(), s, hex.EncodeToString(buf))
}

// formatAt renders a price or quantity with exactly the increment's
// decimal precision, matching what the floor helpers produce.
func formatAt(v, incr float64) string {
	if incr <= 0 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strconv.FormatFloat(v, 'f', numutil.Precision(incr), 64)
}

// limitMakerParams assembles the signed request for a post-only limit
// order.
func limitMakerParams(symbol, side string, price, qty float64, filters binance.SymbolFilters, clientOrderID string) map[string]string {
	return map[string]string{
		"symbol":           symbol,
		"side":             side,
		"type":             "LIMIT_MAKER",
		"price":            formatAt(price, filters.TickSize),
		"quantity":         formatAt(qty, filters.StepSize),
		"newClientOrderId": clientOrderID,
	}
}

// cancelTaggedOrders cancels every exchange open order carrying the
// bot's tag. Orders that disappear between listing and cancel are
// ignored.
func cancelTaggedOrders(gw Gateway, symbol, tag string, log zerolog.Logger) {
	open, err := gw.GetOpenOrders(symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("listing open orders for cleanup failed")
		return
	}
	prefix := tag + "-"
	for _, o := range open {
		if !strings.HasPrefix(o.ClientOrderID, prefix) {
			continue
		}
		if err := gw.CancelOrder(symbol, o.OrderID); err != nil {
			if binance.IsCode(err, binance.CodeUnknownOrder) || binance.IsCode(err, binance.CodeNoSuchOrder) {
				continue
			}
			log.Warn().Err(err).Int64("order_id", o.OrderID).Msg("cancel on stop failed")
		}
	}
}

// durationTimer schedules a one-shot auto-stop for bounded runs.
type durationTimer struct {
	mu    sync.Mutex
	timer *time.Timer
}

func (d *durationTimer) schedule(after time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(after, fn)
}

func (d *durationTimer) cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// sufficientBalance checks the account for the funds an order needs.
// A failed lookup counts as insufficient; fabricating balances on
// error would let orders through unchecked.
func sufficientBalance(gw Gateway, filters binance.SymbolFilters, side string, price, qty float64) (bool, error) {
	info, err := gw.AccountInfo()
	if err != nil {
		return false, err
	}
	asset := filters.QuoteAsset
	need := price * qty
	if strings.EqualFold(side, "SELL") {
		asset = filters.BaseAsset
		need = qty
	}
	for _, b := range info.Balances {
		if b.Asset == asset {
			return b.Free >= need, nil
		}
	}
	return false, nil
}
