// Package server exposes the dashboard-facing HTTP API: composite
// instrument views, tier aggregates, operational status and controls,
// plus the websocket snapshot stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perpflow/cache"
	"perpflow/config"
	"perpflow/feed"
	"perpflow/logger"
	"perpflow/scheduler"
	"perpflow/store"
)

const defaultTierSize = 10

// Server wires the HTTP surface over the running components.
type Server struct {
	cfg   config.ServerConfig
	store *store.UnifiedStore
	cache *cache.IndicatorCache
	sched *scheduler.Scheduler
	feed  *feed.Feed
	hub   *Hub
	log   *logger.Log

	engine *gin.Engine
	http   *http.Server
}

func New(cfg config.ServerConfig, s *store.UnifiedStore, c *cache.IndicatorCache, sched *scheduler.Scheduler, f *feed.Feed) *Server {
	gin.SetMode(gin.ReleaseMode)
	srv := &Server{
		cfg:   cfg,
		store: s,
		cache: c,
		sched: sched,
		feed:  f,
		hub:   NewHub(s, cfg.StreamInterval.D()),
		log:   logger.GetLogger(),
	}
	srv.engine = srv.buildRouter()
	srv.http = &http.Server{Addr: cfg.Addr, Handler: srv.engine}
	return srv
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", func(c *gin.Context) { s.hub.HandleWebSocket(c.Writer, c.Request) })

	api := r.Group("/api")
	{
		api.GET("/instruments", s.handleInstruments)
		api.GET("/instruments/:id", s.handleInstrument)
		api.GET("/tiers", s.handleTiers)
		api.GET("/status", s.handleStatus)
		api.POST("/indicators/invalidate", s.handleInvalidate)
		api.PUT("/priority", s.handlePriority)
	}
	return r
}

// Start serves HTTP and runs the stream hub until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.WithComponent("server").WithFields(logger.Fields{"addr": s.cfg.Addr}).Info("http server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleInstruments(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	if c.Query("sort") == "gainers4h" {
		c.JSON(http.StatusOK, gin.H{"data": s.store.TopGainers4h(limit)})
		return
	}

	records := s.store.Snapshot()
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"data": records})
}

func (s *Server) handleInstrument(c *gin.Context) {
	instID := c.Param("id")
	record, ok := s.store.Composite(instID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instrument"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) handleTiers(c *gin.Context) {
	size := defaultTierSize
	if raw := c.Query("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "size must be a positive integer"})
			return
		}
		size = n
	}
	c.JSON(http.StatusOK, gin.H{"data": s.store.TierAverages(size)})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"feed":           s.feed.State().String(),
		"scheduler":      s.sched.Status(),
		"priority_n":     s.sched.PriorityN(),
		"cache_ttl":      s.cache.TTL().String(),
		"stream_clients": s.hub.ClientCount(),
		"instruments":    len(s.store.Snapshot()),
	})
}

type invalidateRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

func (s *Server) handleInvalidate(c *gin.Context) {
	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids list is required"})
		return
	}
	s.cache.Invalidate(req.IDs)
	s.store.DropIndicators(req.IDs)
	s.log.WithComponent("server").WithFields(logger.Fields{"count": len(req.IDs)}).Info("indicators invalidated")
	c.JSON(http.StatusOK, gin.H{"invalidated": len(req.IDs)})
}

type priorityRequest struct {
	N int `json:"n" binding:"required"`
}

func (s *Server) handlePriority(c *gin.Context) {
	var req priorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "n is required"})
		return
	}
	if err := s.sched.SetPriorityN(req.N); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"priority_n": s.sched.PriorityN()})
}
