// Package api exposes the control HTTP surface: status, breaker
// switches, dry-run plans and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"exitguard/breaker"
	"exitguard/engine"
	"exitguard/guard"
	"exitguard/logger"
	"exitguard/store"
)

// Server is the control API server.
type Server struct {
	router     *gin.Engine
	eng        *engine.Engine
	grd        *guard.Guard
	brk        *breaker.Breaker
	actions    *store.ActionStore
	httpServer *http.Server
	port       int
}

// NewServer creates the control API server.
func NewServer(eng *engine.Engine, grd *guard.Guard, brk *breaker.Breaker, actions *store.ActionStore, port int) *Server {
	// Release mode keeps gin quiet
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()
	router.Use(corsMiddleware())

	s := &Server{
		router:  router,
		eng:     eng,
		grd:     grd,
		brk:     brk,
		actions: actions,
		port:    port,
	}
	s.setupRoutes()
	return s
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/health", s.handleHealth)
	s.router.GET("/api/status", s.handleStatus)
	s.router.GET("/api/actions", s.handleActions)
	s.router.GET("/api/plan/:symbol", s.handlePlan)
	s.router.POST("/api/breaker/on", s.handleBreakerOn)
	s.router.POST("/api/breaker/off", s.handleBreakerOff)
	s.router.POST("/api/breaker/extend", s.handleBreakerExtend)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	breakerState, err := s.brk.Status()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"engine":  s.eng.Snapshot(),
		"guard":   s.grd.Snapshot(c.Request.Context()),
		"breaker": breakerState,
	})
}

func (s *Server) handleActions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
	}
	actions, err := s.actions.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

// handlePlan returns the dry-run reconciliation plan for one symbol
// without executing anything.
func (s *Server) handlePlan(c *gin.Context) {
	symbol := c.Param("symbol")
	plan, err := s.eng.PlanFor(c.Request.Context(), symbol)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, plan)
}

type breakerOnRequest struct {
	Reason     string `json:"reason"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

func (s *Server) handleBreakerOn(c *gin.Context) {
	var req breakerOnRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	if err := s.brk.SetOn(req.Reason, breaker.SourceAPI, time.Duration(req.TTLSeconds)*time.Second); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	state, _ := s.brk.Status()
	c.JSON(http.StatusOK, gin.H{"breaker": state})
}

// handleBreakerOff may block while a human approves the clear; the
// request context bounds the wait.
func (s *Server) handleBreakerOff(c *gin.Context) {
	if err := s.brk.SetOff(c.Request.Context(), breaker.SourceAPI); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	state, _ := s.brk.Status()
	c.JSON(http.StatusOK, gin.H{"breaker": state})
}

type breakerExtendRequest struct {
	TTLSeconds int64 `json:"ttl_seconds" binding:"required"`
}

func (s *Server) handleBreakerExtend(c *gin.Context) {
	var req breakerExtendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.brk.Extend(time.Duration(req.TTLSeconds) * time.Second); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, _ := s.brk.Status()
	c.JSON(http.StatusOK, gin.H{"breaker": state})
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	logger.Infof("Control API listening at http://localhost%s", addr)
	logger.Infof("  GET  /api/status        - engine, guard and breaker state")
	logger.Infof("  GET  /api/plan/:symbol  - dry-run reconcile plan")
	logger.Infof("  GET  /api/actions       - recent converge actions")
	logger.Infof("  POST /api/breaker/on    - trip the breaker")
	logger.Infof("  POST /api/breaker/off   - clear the breaker (approval-gated)")
	logger.Infof("  GET  /metrics           - Prometheus metrics")

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
