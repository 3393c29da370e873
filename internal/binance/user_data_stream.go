package binance

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"binance-strategy-engine/internal/cache"
	"binance-strategy-engine/internal/events"
)

// Listen keys expire after 60 minutes; the keepalive runs well inside
// that.
const (
	keepAliveInterval  = 30 * time.Second
	reconnectBaseDelay = 1 * time.Second
)

// listenKeyClient is the slice of the gateway the user stream needs.
type listenKeyClient interface {
	StartUserDataStream() (string, error)
	KeepAliveUserDataStream(listenKey string) error
	CloseUserDataStream(listenKey string) error
}

// UserDataStream keeps one websocket connection to the account's user
// data stream and translates frames into bus events. Execution reports
// go out as `order` events; account position frames refresh the balance
// cache and go out as `userEvent`.
type UserDataStream struct {
	mu        sync.Mutex
	client    listenKeyClient
	wsBaseURL string
	bus       *events.Bus
	cache     *cache.Cache
	log       zerolog.Logger

	listenKey string
	conn      *websocket.Conn
	running   bool
	stopCh    chan struct{}
}

// NewUserDataStream wires the stream to the bus and cache.
func NewUserDataStream(client listenKeyClient, wsBaseURL string, bus *events.Bus, c *cache.Cache, log zerolog.Logger) *UserDataStream {
	return &UserDataStream{
		client:    client,
		wsBaseURL: wsBaseURL,
		bus:       bus,
		cache:     c,
		log:       log.With().Str("component", "user_stream").Logger(),
	}
}

// Start obtains a listen key and launches the connect and keepalive
// loops. Calling Start on a running stream is a no-op.
func (s *UserDataStream) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	key, err := s.client.StartUserDataStream()
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.listenKey = key
	s.mu.Unlock()

	go s.connectLoop()
	go s.keepAliveLoop()

	s.log.Info().Msg("user data stream started")
	return nil
}

// Stop cancels the keepalive, closes the socket, and suppresses any
// further reconnection.
func (s *UserDataStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	conn := s.conn
	key := s.listenKey
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if key != "" {
		_ = s.client.CloseUserDataStream(key)
	}
	s.log.Info().Msg("user data stream stopped")
}

func (s *UserDataStream) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *UserDataStream) connectLoop() {
	delay := reconnectBaseDelay
	for s.isRunning() {
		s.mu.Lock()
		key := s.listenKey
		s.mu.Unlock()

		conn, _, err := websocket.DefaultDialer.Dial(s.wsBaseURL+"/ws/"+key, nil)
		if err != nil {
			s.log.Warn().Err(err).Dur("retry_in", delay).Msg("user stream dial failed")
			select {
			case <-s.stopCh:
				return
			case <-time.After(delay):
			}
			s.refreshListenKey()
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.log.Info().Msg("user stream connected")

		s.readLoop(conn)

		if !s.isRunning() {
			return
		}
		s.log.Warn().Dur("retry_in", delay).Msg("user stream disconnected, reconnecting")
		select {
		case <-s.stopCh:
			return
		case <-time.After(delay):
		}
		// A dropped connection may mean the key expired server-side.
		s.refreshListenKey()
	}
}

func (s *UserDataStream) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.isRunning() {
				s.log.Warn().Err(err).Msg("user stream read error")
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *UserDataStream) handleMessage(message []byte) {
	var base struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		s.log.Warn().Err(err).Msg("unparseable user stream frame")
		return
	}

	switch base.EventType {
	case "executionReport":
		report, err := parseSpotExecutionReport(message)
		if err != nil {
			s.log.Warn().Err(err).Msg("bad executionReport frame")
			return
		}
		s.publishOrder(report, message)

	case "ORDER_TRADE_UPDATE":
		report, err := parseFuturesExecutionReport(message)
		if err != nil {
			s.log.Warn().Err(err).Msg("bad ORDER_TRADE_UPDATE frame")
			return
		}
		s.publishOrder(report, message)

	case "outboundAccountPosition", "ACCOUNT_UPDATE":
		s.handleAccountUpdate(base.EventType, message)

	case "listenKeyExpired":
		s.log.Warn().Msg("listen key expired")
		s.refreshListenKey()

	default:
		s.bus.Publish(events.Event{
			Type: events.EventUser,
			Data: map[string]interface{}{"event": base.EventType, "raw": json.RawMessage(message)},
		})
	}
}

func (s *UserDataStream) publishOrder(report *ExecutionReport, raw []byte) {
	s.bus.Publish(events.Event{
		Type: events.EventOrder,
		Data: map[string]interface{}{
			"event":  "execution_report",
			"report": report,
			"raw":    json.RawMessage(raw),
		},
	})
}

func (s *UserDataStream) handleAccountUpdate(eventType string, message []byte) {
	balances := parseBalances(eventType, message)
	if len(balances) > 0 {
		s.cache.SetBalances(balances)
	}
	s.bus.Publish(events.Event{
		Type: events.EventUser,
		Data: map[string]interface{}{"event": eventType, "raw": json.RawMessage(message)},
	})
}

func (s *UserDataStream) refreshListenKey() {
	key, err := s.client.StartUserDataStream()
	if err != nil {
		s.log.Warn().Err(err).Msg("listen key refresh failed")
		return
	}

	s.mu.Lock()
	s.listenKey = key
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close() // triggers reconnect with the fresh key
	}
}

func (s *UserDataStream) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			key := s.listenKey
			s.mu.Unlock()
			if key == "" {
				continue
			}
			if err := s.client.KeepAliveUserDataStream(key); err != nil {
				s.log.Warn().Err(err).Msg("listen key keepalive failed")
			}
		}
	}
}

// The frame structs spell out every documented field. encoding/json falls
// back to case-insensitive tag matching, so a missing field for "e" or "O"
// would make those keys land on the "E" and "o" fields and corrupt or
// reject the frame.
func parseSpotExecutionReport(message []byte) (*ExecutionReport, error) {
	var frame struct {
		EventName       string `json:"e"`
		EventTime       int64  `json:"E"`
		Symbol          string `json:"s"`
		ClientOrderID   string `json:"c"`
		Side            string `json:"S"`
		OrderType       string `json:"o"`
		TimeInForce     string `json:"f"`
		OrigQty         string `json:"q"`
		Price           string `json:"p"`
		StopPrice       string `json:"P"`
		IcebergQty      string `json:"F"`
		OrderListID     int64  `json:"g"`
		OrigClientID    string `json:"C"`
		ExecType        string `json:"x"`
		Status          string `json:"X"`
		RejectReason    string `json:"r"`
		OrderID         int64  `json:"i"`
		LastFilledQty   string `json:"l"`
		CumFilledQty    string `json:"z"`
		LastFilledPx    string `json:"L"`
		Commission      string `json:"n"`
		CommissionAsset string `json:"N"`
		TransactTime    int64  `json:"T"`
		TradeID         int64  `json:"t"`
		IgnoreI         int64  `json:"I"`
		IsOnBook        bool   `json:"w"`
		IsMaker         bool   `json:"m"`
		IgnoreM         bool   `json:"M"`
		CreationTime    int64  `json:"O"`
		CumQuoteQty     string `json:"Z"`
		LastQuoteQty    string `json:"Y"`
		QuoteOrderQty   string `json:"Q"`
		WorkingTime     int64  `json:"W"`
		SelfTradeMode   string `json:"V"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		return nil, err
	}
	return &ExecutionReport{
		Symbol:        frame.Symbol,
		ClientOrderID: frame.ClientOrderID,
		Side:          frame.Side,
		OrderType:     frame.OrderType,
		Status:        frame.Status,
		OrderID:       frame.OrderID,
		Price:         parseF(frame.Price),
		OrigQty:       parseF(frame.OrigQty),
		LastFilledPx:  parseF(frame.LastFilledPx),
		LastFilledQty: parseF(frame.LastFilledQty),
		CumFilledQty:  parseF(frame.CumFilledQty),
		EventTime:     frame.EventTime,
	}, nil
}

func parseFuturesExecutionReport(message []byte) (*ExecutionReport, error) {
	var frame struct {
		EventName    string `json:"e"`
		EventTime    int64  `json:"E"`
		TransactTime int64  `json:"T"`
		Order        struct {
			Symbol          string `json:"s"`
			ClientOrderID   string `json:"c"`
			Side            string `json:"S"`
			OrderType       string `json:"o"`
			TimeInForce     string `json:"f"`
			OrigQty         string `json:"q"`
			Price           string `json:"p"`
			AvgPrice        string `json:"ap"`
			StopPrice       string `json:"sp"`
			ExecType        string `json:"x"`
			Status          string `json:"X"`
			OrderID         int64  `json:"i"`
			LastFilledQty   string `json:"l"`
			CumFilledQty    string `json:"z"`
			LastFilledPx    string `json:"L"`
			Commission      string `json:"n"`
			CommissionAsset string `json:"N"`
			TradeTime       int64  `json:"T"`
			TradeID         int64  `json:"t"`
			IsMaker         bool   `json:"m"`
			ReduceOnly      bool   `json:"R"`
			PositionSide    string `json:"ps"`
			RealizedProfit  string `json:"rp"`
		} `json:"o"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		return nil, err
	}
	o := frame.Order
	return &ExecutionReport{
		Symbol:        o.Symbol,
		ClientOrderID: o.ClientOrderID,
		Side:          o.Side,
		OrderType:     o.OrderType,
		Status:        o.Status,
		OrderID:       o.OrderID,
		Price:         parseF(o.Price),
		OrigQty:       parseF(o.OrigQty),
		LastFilledPx:  parseF(o.LastFilledPx),
		LastFilledQty: parseF(o.LastFilledQty),
		CumFilledQty:  parseF(o.CumFilledQty),
		EventTime:     frame.EventTime,
	}, nil
}

func parseBalances(eventType string, message []byte) map[string]cache.Balance {
	out := make(map[string]cache.Balance)

	switch eventType {
	case "outboundAccountPosition":
		var frame struct {
			Balances []struct {
				Asset  string `json:"a"`
				Free   string `json:"f"`
				Locked string `json:"l"`
			} `json:"B"`
		}
		if err := json.Unmarshal(message, &frame); err != nil {
			return nil
		}
		for _, b := range frame.Balances {
			out[b.Asset] = cache.Balance{Free: parseF(b.Free), Locked: parseF(b.Locked)}
		}

	case "ACCOUNT_UPDATE":
		var frame struct {
			Account struct {
				Balances []struct {
					Asset         string `json:"a"`
					WalletBalance string `json:"wb"`
				} `json:"B"`
			} `json:"a"`
		}
		if err := json.Unmarshal(message, &frame); err != nil {
			return nil
		}
		for _, b := range frame.Account.Balances {
			out[b.Asset] = cache.Balance{Free: parseF(b.WalletBalance)}
		}
	}
	return out
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
