// Package api exposes the signal-ingestion HTTP endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ocobot/logger"
	"ocobot/trader"
)

// signalTimeout bounds one signal execution end to end, including the
// limit-entry wait.
const signalTimeout = 30 * time.Minute

// Server accepts parsed signals over HTTP and hands them to the engine.
// Execution is asynchronous: the caller gets 202 on acceptance, the
// outcome is reported through notifications and the event log.
type Server struct {
	router     *gin.Engine
	engine     *trader.Engine
	httpServer *http.Server
	port       int
}

// NewServer creates the API server.
func NewServer(engine *trader.Engine, port int) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()

	s := &Server{
		router: router,
		engine: engine,
		port:   port,
	}

	router.GET("/health", s.handleHealth)
	router.POST("/signal", s.handleSignal)

	return s
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
}

// handleSignal validates the envelope and dispatches execution. Only
// shape errors are rejected here; price-relationship checks belong to
// the engine, which can flatten if they fail after a fill.
func (s *Server) handleSignal(c *gin.Context) {
	var sig trader.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid signal body: %v", err)})
		return
	}
	if sig.Entry <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entry must be positive"})
		return
	}
	if len(sig.TakeProfits) < 1 || len(sig.TakeProfits) > 3 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "take_profits must contain 1 to 3 targets"})
		return
	}
	if sig.Currency == "" && sig.SymbolHint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "currency or symbol_hint is required"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		defer cancel()
		if err := s.engine.HandleSignal(ctx, &sig); err != nil {
			logger.Errorf("❌ Signal execution failed: %v", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	logger.Infof("🚀 API server listening on :%d", s.port)
	logger.Info("  • POST /signal - Execute a trading signal")
	logger.Info("  • GET  /health - Health check")

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
