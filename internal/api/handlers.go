package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"binance-strategy-engine/internal/cache"
	"binance-strategy-engine/internal/engine"
	"binance-strategy-engine/internal/history"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"serverTime": s.exchange.ServerTime(),
		"timeOffset": s.exchange.TimeOffset(),
	})
}

func (s *Server) handlePrice(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	if price, ok := s.cache.GetPrice(symbol); ok {
		c.JSON(http.StatusOK, gin.H{"symbol": symbol, "price": price, "source": "cache"})
		return
	}

	price, err := s.exchange.GetPrice(symbol)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	s.cache.SetPrice(symbol, price)
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "price": price, "source": "rest"})
}

func (s *Server) handleKlines(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	interval := c.DefaultQuery("interval", "1m")
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be in [1, 1000]"})
		return
	}

	klines, err := s.exchange.GetKlines(symbol, interval, limit)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, klines)
}

func (s *Server) handleSymbolInfo(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	filters, err := s.exchange.SymbolFilters(symbol)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":     filters.Symbol,
		"baseAsset":  filters.BaseAsset,
		"quoteAsset": filters.QuoteAsset,
		"tickSize":   filters.TickSize,
		"stepSize":   filters.StepSize,
	})
}

func (s *Server) handleBalances(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	filters, err := s.exchange.SymbolFilters(symbol)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	balances, ok := s.cache.GetBalances(30 * time.Second)
	if !ok {
		info, err := s.exchange.AccountInfo()
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		balances = make(map[string]cache.Balance, len(info.Balances))
		for _, b := range info.Balances {
			balances[b.Asset] = cache.Balance{Free: b.Free, Locked: b.Locked}
		}
		s.cache.SetBalances(balances)
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"base":   gin.H{"asset": filters.BaseAsset, "free": balances[filters.BaseAsset].Free, "locked": balances[filters.BaseAsset].Locked},
		"quote":  gin.H{"asset": filters.QuoteAsset, "free": balances[filters.QuoteAsset].Free, "locked": balances[filters.QuoteAsset].Locked},
	})
}

func (s *Server) handleListBots(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.ListBots())
}

func (s *Server) handleBotsSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Summary())
}

func (s *Server) handleBotDetails(c *gin.Context) {
	b, ok := s.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
		return
	}
	details := b.Details()
	rounds, err := s.hist.RecentRounds(c.Request.Context(), b.ID, 20)
	if err != nil {
		// History is best-effort on this endpoint; the dashboard still
		// gets the live state.
		s.log.Warn().Err(err).Str("bot_id", b.ID).Msg("recent rounds lookup failed")
	}
	if rounds == nil {
		rounds = []history.Round{}
	}
	details["recentRounds"] = rounds
	c.JSON(http.StatusOK, details)
}

type createBotRequest struct {
	Name     string        `json:"name" binding:"required"`
	Strategy string        `json:"strategy" binding:"required"`
	Symbol   string        `json:"symbol" binding:"required"`
	Config   engine.Config `json:"config"`
}

func (s *Server) handleCreateBot(c *gin.Context) {
	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	strategy, err := engine.ParseStrategy(req.Strategy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	b, err := s.manager.CreateBot(req.Name, strategy, req.Symbol, req.Config)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, b.View())
}

func (s *Server) handleStartBot(c *gin.Context) {
	b, ok := s.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
		return
	}
	b.Start()
	c.JSON(http.StatusOK, b.View())
}

func (s *Server) handleStopBot(c *gin.Context) {
	b, ok := s.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
		return
	}
	// Stop blocks on order cancellation; run it off the request.
	go b.Stop()
	c.JSON(http.StatusAccepted, gin.H{"id": b.ID, "stopping": true})
}

func (s *Server) handleRemoveBot(c *gin.Context) {
	if err := s.manager.Remove(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}
