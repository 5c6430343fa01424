// Package httpapi exposes the read-only operator surface plus start/stop
// controls for the trading engine.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"tradeloop/internal/agent/engine"
	"tradeloop/internal/logger"
	"tradeloop/internal/portfolio"
	"tradeloop/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultAddr         = ":9991"
	defaultCycleLimit   = 20
	maxCycleLimit       = 500
	shutdownGracePeriod = 5 * time.Second
)

// EngineControl 是 HTTP 层对引擎的最小依赖。
type EngineControl interface {
	Start(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Status() engine.Status
}

type CycleLister interface {
	RecentCycles(ctx context.Context, limit int) ([]types.TradingCycle, error)
}

type PortfolioViewer interface {
	View() portfolio.View
}

type ServerConfig struct {
	Addr      string
	Engine    EngineControl
	Cycles    CycleLister
	Portfolio PortfolioViewer
	// nil 时使用 prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
}

// Server 提供 /healthz、/metrics 与 /api 下的状态接口。
type Server struct {
	addr   string
	router *gin.Engine
	eng    EngineControl

	// 引擎循环的生命周期绑定到 Start 的 ctx，而不是单个请求
	baseCtx context.Context
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("http server requires engine")
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{addr: cfg.Addr, router: router, eng: cfg.Engine, baseCtx: context.Background()}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.POST("/engine/start", s.handleStart)
	api.POST("/engine/stop", s.handleStop)
	if cfg.Cycles != nil {
		api.GET("/cycles", cyclesHandler(cfg.Cycles))
	}
	if cfg.Portfolio != nil {
		api.GET("/portfolio", func(c *gin.Context) {
			c.JSON(http.StatusOK, cfg.Portfolio.View())
		})
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Status())
}

func (s *Server) handleStart(c *gin.Context) {
	if err := s.eng.Start(s.baseCtx); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, engine.ErrCircuitOpen) {
			code = http.StatusConflict
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.eng.Status())
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.eng.Cleanup(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.eng.Status())
}

func cyclesHandler(store CycleLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultCycleLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, maxCycleLimit)
		}
		cycles, err := store.RecentCycles(c.Request.Context(), limit)
		if err != nil {
			logger.Warnf("list cycles failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"cycles": cycles})
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.baseCtx = ctx
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
