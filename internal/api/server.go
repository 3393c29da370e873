// Package api is the admin surface: a small REST API for the dashboard
// plus a websocket that mirrors the event bus.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"binance-strategy-engine/internal/binance"
	"binance-strategy-engine/internal/cache"
	"binance-strategy-engine/internal/engine"
	"binance-strategy-engine/internal/events"
	"binance-strategy-engine/internal/history"
)

// Exchange is the slice of the gateway the admin surface reads from.
type Exchange interface {
	TimeOffset() int64
	ServerTime() int64
	GetPrice(symbol string) (float64, error)
	GetKlines(symbol, interval string, limit int) ([]binance.Kline, error)
	SymbolFilters(symbol string) (binance.SymbolFilters, error)
	AccountInfo() (*binance.AccountInfo, error)
}

// ServerConfig holds the listen address.
type ServerConfig struct {
	Host string
	Port int
}

// Server is the HTTP admin server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	manager    *engine.Manager
	exchange   Exchange
	cache      *cache.Cache
	hist       *history.Repository
	hub        *WSHub
	log        zerolog.Logger
}

// NewServer assembles routes and subscribes the websocket hub to the
// bus. Call Start to begin serving.
func NewServer(cfg ServerConfig, manager *engine.Manager, exchange Exchange, c *cache.Cache, hist *history.Repository, bus *events.Bus, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:   router,
		manager:  manager,
		exchange: exchange,
		cache:    c,
		hist:     hist,
		hub:      NewWSHub(log),
		log:      log.With().Str("component", "api").Logger(),
	}
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}

	go s.hub.Run()
	bus.SubscribeAll(s.hub.BroadcastEvent)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/price", s.handlePrice)
		api.GET("/klines", s.handleKlines)
		api.GET("/symbolInfo", s.handleSymbolInfo)
		api.GET("/balances", s.handleBalances)

		api.GET("/bots", s.handleListBots)
		api.GET("/bots/summary", s.handleBotsSummary)
		api.GET("/bots/:id/details", s.handleBotDetails)
		api.POST("/bots", s.handleCreateBot)
		api.POST("/bots/:id/start", s.handleStartBot)
		api.POST("/bots/:id/stop", s.handleStopBot)
		api.DELETE("/bots/:id", s.handleRemoveBot)
	}
	s.router.GET("/ws", s.hub.handleWS)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("api server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router exposes the handler tree, used by the HTTP tests.
func (s *Server) Router() http.Handler {
	return s.router
}
