package binance

// Kline represents a candlestick.
type Kline struct {
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open,string"`
	High      float64 `json:"high,string"`
	Low       float64 `json:"low,string"`
	Close     float64 `json:"close,string"`
	Volume    float64 `json:"volume,string"`
	CloseTime int64   `json:"closeTime"`
}

// OrderResponse is the result of placing an order.
type OrderResponse struct {
	Symbol              string  `json:"symbol"`
	OrderID             int64   `json:"orderId"`
	ClientOrderID       string  `json:"clientOrderId"`
	TransactTime        int64   `json:"transactTime"`
	Price               float64 `json:"price,string"`
	OrigQty             float64 `json:"origQty,string"`
	ExecutedQty         float64 `json:"executedQty,string"`
	CummulativeQuoteQty float64 `json:"cummulativeQuoteQty,string"`
	Status              string  `json:"status"`
	Type                string  `json:"type"`
	Side                string  `json:"side"`
}

// OrderView is an exchange-side order normalised into the shape the
// runners track locally: timestamps as epoch ms, numeric strings parsed.
type OrderView struct {
	Symbol        string  `json:"symbol"`
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	Price         float64 `json:"price,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	Time          int64   `json:"time"`
	UpdateTime    int64   `json:"updateTime"`
}

// SymbolFilters are the exchange-imposed increments for one symbol.
type SymbolFilters struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	TickSize   float64
	StepSize   float64
}

// AssetBalance is one row of the account endpoint.
type AssetBalance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free,string"`
	Locked float64 `json:"locked,string"`
}

// AccountInfo is the signed account snapshot.
type AccountInfo struct {
	Balances []AssetBalance `json:"balances"`
}

// ExecutionReport is a normalised order update from the user data
// stream, covering both the spot executionReport and the futures
// ORDER_TRADE_UPDATE payloads.
type ExecutionReport struct {
	Symbol        string
	ClientOrderID string
	Side          string
	OrderType     string
	Status        string
	OrderID       int64
	Price         float64
	OrigQty       float64
	LastFilledPx  float64
	LastFilledQty float64
	CumFilledQty  float64
	EventTime     int64
}

// exchangeInfoResponse mirrors the slice of /api/v3/exchangeInfo the
// gateway consumes.
type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			StepSize   string `json:"stepSize"`
		} `json:"filters"`
	} `json:"symbols"`
}
