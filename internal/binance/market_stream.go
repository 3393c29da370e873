package binance

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"binance-strategy-engine/internal/cache"
	"binance-strategy-engine/internal/events"
)

// MarketStream manages one websocket connection per symbol+stream pair.
// Trade streams feed last-price into the cache and publish market
// events; kline streams publish kline events and refresh the price from
// the candle close.
type MarketStream struct {
	mu        sync.Mutex
	wsBaseURL string
	bus       *events.Bus
	cache     *cache.Cache
	log       zerolog.Logger
	conns     map[string]*marketConn
}

type marketConn struct {
	conn   *websocket.Conn
	stopCh chan struct{}
}

// NewMarketStream returns a stream manager with no active connections.
func NewMarketStream(wsBaseURL string, bus *events.Bus, c *cache.Cache, log zerolog.Logger) *MarketStream {
	return &MarketStream{
		wsBaseURL: wsBaseURL,
		bus:       bus,
		cache:     c,
		log:       log.With().Str("component", "market_stream").Logger(),
		conns:     make(map[string]*marketConn),
	}
}

// SubscribeTrade opens a trade stream for the symbol. Duplicate
// subscriptions are ignored.
func (m *MarketStream) SubscribeTrade(symbol string) {
	m.subscribe(symbol, "trade")
}

// SubscribeKline opens a kline stream for the symbol at the given
// interval, e.g. "1m".
func (m *MarketStream) SubscribeKline(symbol, interval string) {
	m.subscribe(symbol, "kline_"+interval)
}

func (m *MarketStream) subscribe(symbol, streamType string) {
	key := strings.ToUpper(symbol) + "@" + streamType

	m.mu.Lock()
	if _, ok := m.conns[key]; ok {
		m.mu.Unlock()
		return
	}
	mc := &marketConn{stopCh: make(chan struct{})}
	m.conns[key] = mc
	m.mu.Unlock()

	go m.connectLoop(mc, strings.ToUpper(symbol), streamType)
}

// CloseAll shuts every stream down and forgets the subscriptions.
// Sockets are closed under the lock; a dial racing the shutdown
// observes the closed stopCh and disposes of its own connection.
func (m *MarketStream) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mc := range m.conns {
		close(mc.stopCh)
		if mc.conn != nil {
			mc.conn.Close()
			mc.conn = nil
		}
	}
	m.conns = make(map[string]*marketConn)
}

func (m *MarketStream) connectLoop(mc *marketConn, symbol, streamType string) {
	streamName := strings.ToLower(symbol) + "@" + streamType
	url := m.wsBaseURL + "/ws/" + streamName

	for {
		select {
		case <-mc.stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			m.log.Warn().Err(err).Str("stream", streamName).Msg("market stream dial failed")
			select {
			case <-mc.stopCh:
				return
			case <-time.After(reconnectBaseDelay):
			}
			continue
		}

		m.mu.Lock()
		select {
		case <-mc.stopCh:
			// CloseAll won the race; this socket is ours to clean up.
			m.mu.Unlock()
			conn.Close()
			return
		default:
		}
		mc.conn = conn
		m.mu.Unlock()
		m.log.Info().Str("stream", streamName).Msg("market stream connected")

		m.readLoop(mc, conn, symbol)

		select {
		case <-mc.stopCh:
			return
		case <-time.After(reconnectBaseDelay):
		}
	}
}

func (m *MarketStream) readLoop(mc *marketConn, conn *websocket.Conn, symbol string) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-mc.stopCh:
			default:
				m.log.Warn().Err(err).Str("symbol", symbol).Msg("market stream read error")
			}
			return
		}
		m.handleMessage(symbol, message)
	}
}

func (m *MarketStream) handleMessage(symbol string, message []byte) {
	var base struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		return
	}

	switch base.EventType {
	case "trade":
		// Every documented key gets a field; encoding/json's
		// case-insensitive fallback would otherwise cross-assign the
		// "t"/"T" pair.
		var frame struct {
			EventName string `json:"e"`
			EventTime int64  `json:"E"`
			Symbol    string `json:"s"`
			TradeID   int64  `json:"t"`
			Price     string `json:"p"`
			Qty       string `json:"q"`
			TradeTime int64  `json:"T"`
			IsMaker   bool   `json:"m"`
			IgnoreM   bool   `json:"M"`
		}
		if err := json.Unmarshal(message, &frame); err != nil {
			return
		}
		price := parseF(frame.Price)
		if price <= 0 {
			return
		}
		m.cache.SetPrice(symbol, price)
		m.bus.Publish(events.Event{
			Type: events.EventMarket,
			Data: map[string]interface{}{"symbol": symbol, "price": price, "ts": frame.TradeTime},
		})

	case "kline":
		var frame struct {
			EventName string `json:"e"`
			EventTime int64  `json:"E"`
			Symbol    string `json:"s"`
			Kline     struct {
				OpenTime      int64  `json:"t"`
				CloseTime     int64  `json:"T"`
				Symbol        string `json:"s"`
				Interval      string `json:"i"`
				FirstTradeID  int64  `json:"f"`
				LastTradeID   int64  `json:"L"`
				Open          string `json:"o"`
				Close         string `json:"c"`
				High          string `json:"h"`
				Low           string `json:"l"`
				Volume        string `json:"v"`
				NumTrades     int64  `json:"n"`
				Closed        bool   `json:"x"`
				QuoteVolume   string `json:"q"`
				TakerBaseVol  string `json:"V"`
				TakerQuoteVol string `json:"Q"`
				IgnoreB       string `json:"B"`
			} `json:"k"`
		}
		if err := json.Unmarshal(message, &frame); err != nil {
			return
		}
		k := frame.Kline
		closePx := parseF(k.Close)
		if closePx > 0 {
			m.cache.SetPrice(symbol, closePx)
			// Price observers follow market events regardless of which
			// stream carried the last price.
			m.bus.Publish(events.Event{
				Type: events.EventMarket,
				Data: map[string]interface{}{"symbol": symbol, "price": closePx, "ts": frame.EventTime},
			})
		}
		m.bus.Publish(events.Event{
			Type: events.EventKline,
			Data: map[string]interface{}{
				"symbol":   symbol,
				"interval": k.Interval,
				"open":     parseF(k.Open),
				"high":     parseF(k.High),
				"low":      parseF(k.Low),
				"close":    closePx,
				"volume":   parseF(k.Volume),
				"openTime": k.OpenTime,
				"closed":   k.Closed,
			},
		})
	}
}
