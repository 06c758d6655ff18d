// Package httpapi exposes the catalog discovery endpoints consumed by the
// dashboard and the MCP discovery tool.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jellydator/validation"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"marketscope/internal/model"
	"marketscope/internal/search"
)

const defaultStatsLimit = 50

// StoreReader is the read-only store surface the API needs.
type StoreReader interface {
	QueryAllCatalog(ctx context.Context) ([]model.CatalogEntry, error)
	TopUserRisk(ctx context.Context, limit uint64) ([]model.UserRiskStat, error)
	TopLiquidators(ctx context.Context, limit uint64) ([]model.LiquidatorStat, error)
	AssetExposure(ctx context.Context) ([]model.AssetStat, error)
}

// Server serves the discovery API.
type Server struct {
	addr   string
	store  StoreReader
	logger *zap.Logger
	engine *gin.Engine
}

func NewServer(addr string, store StoreReader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestLogger(logger), gin.Recovery())

	s := &Server{addr: addr, store: store, logger: logger, engine: engine}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	api.GET("/catalog", s.handleCatalog)
	api.GET("/catalog/search", s.handleSearch)
	api.GET("/stats/users", s.handleUserStats)
	api.GET("/stats/liquidators", s.handleLiquidatorStats)
	api.GET("/stats/assets", s.handleAssetStats)
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCatalog(c *gin.Context) {
	entries, err := s.store.QueryAllCatalog(c.Request.Context())
	if err != nil {
		s.serverError(c, "query catalog", err)
		return
	}
	if entries == nil {
		entries = []model.CatalogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleSearch(c *gin.Context) {
	query := c.Query("q")
	if err := validation.Validate(query, validation.Required, validation.Length(1, 256)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q: " + err.Error()})
		return
	}

	catalog, err := s.store.QueryAllCatalog(c.Request.Context())
	if err != nil {
		s.serverError(c, "query catalog", err)
		return
	}

	entry, err := search.FindBestMatch(query, catalog)
	if err != nil {
		var notFound *search.NotFoundError
		if errors.As(err, &notFound) {
			c.JSON(http.StatusNotFound, gin.H{"found": false, "query": notFound.Query})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"found": true, "entry": entry})
}

func (s *Server) handleUserStats(c *gin.Context) {
	stats, err := s.store.TopUserRisk(c.Request.Context(), defaultStatsLimit)
	if err != nil {
		s.serverError(c, "query user stats", err)
		return
	}
	if stats == nil {
		stats = []model.UserRiskStat{}
	}
	c.JSON(http.StatusOK, gin.H{"users": stats})
}

func (s *Server) handleLiquidatorStats(c *gin.Context) {
	stats, err := s.store.TopLiquidators(c.Request.Context(), defaultStatsLimit)
	if err != nil {
		s.serverError(c, "query liquidator stats", err)
		return
	}
	if stats == nil {
		stats = []model.LiquidatorStat{}
	}
	c.JSON(http.StatusOK, gin.H{"liquidators": stats})
}

func (s *Server) handleAssetStats(c *gin.Context) {
	stats, err := s.store.AssetExposure(c.Request.Context())
	if err != nil {
		s.serverError(c, "query asset stats", err)
		return
	}
	if stats == nil {
		stats = []model.AssetStat{}
	}
	c.JSON(http.StatusOK, gin.H{"assets": stats})
}

func (s *Server) serverError(c *gin.Context, op string, err error) {
	s.logger.Error(op, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
