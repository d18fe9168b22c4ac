// Package status serves the diagnostics endpoints of the ingestion core.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"pricecore/config"
	"pricecore/internal/metrics"
	"pricecore/internal/source"
	"pricecore/logger"
	"pricecore/models"
)

// Prices is the read path the server exposes.
type Prices interface {
	GetSymbolPrice(ctx context.Context, symbol string) (models.PriceSample, error)
	GetAllPrices(ctx context.Context) ([]models.PriceSample, error)
	Get24hrStats(ctx context.Context, symbol string) (models.Stats, error)
	Status() source.Status
}

// Reconnector asks the connection supervisor for a fresh connection.
type Reconnector interface {
	Reconnect()
}

type Server struct {
	cfg        config.StatusConfig
	prices     Prices
	reconnect  Reconnector
	logs       *logStore
	log        *logger.Log
	started    time.Time
	httpServer *http.Server
}

// NewServer returns nil when the status server is disabled.
func NewServer(cfg config.StatusConfig, prices Prices, reconnect Reconnector, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Addr = normalizeAddress(cfg.Addr)
	logs := newLogStore(200)
	log.AddHook(logs)
	return &Server{
		cfg:       cfg,
		prices:    prices,
		reconnect: reconnect,
		logs:      logs,
		log:       log,
		started:   time.Now(),
	}
}

// Address reports the listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Addr
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.logs.close()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.WithComponent("status").WithFields(logger.Fields{"addr": s.cfg.Addr}).Info("status server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/health", s.health)
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.prices.Status())
	})
	router.GET("/prices", func(c *gin.Context) {
		all, err := s.prices.GetAllPrices(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"prices": all})
	})
	router.GET("/prices/:symbol", func(c *gin.Context) {
		sample, err := s.prices.GetSymbolPrice(c.Request.Context(), c.Param("symbol"))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, sample)
	})
	router.GET("/stats/:symbol", func(c *gin.Context) {
		st, err := s.prices.Get24hrStats(c.Request.Context(), c.Param("symbol"))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})
	router.POST("/reconnect", func(c *gin.Context) {
		if s.reconnect == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "reconnect not available"})
			return
		}
		s.reconnect.Reconnect()
		c.JSON(http.StatusAccepted, gin.H{"status": "reconnecting"})
	})
	router.GET("/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logs.snapshot()})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router, nil
}

// health is 200 while any data source, real or synthetic, is serving.
func (s *Server) health(c *gin.Context) {
	st := s.prices.Status()
	live := st.Supervisor.State == "connected"
	code := http.StatusOK
	if !live && !st.SyntheticActive && st.CachedSymbols == 0 {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"state":            st.Supervisor.State,
		"live":             live,
		"synthetic_active": st.SyntheticActive,
		"cached_symbols":   st.CachedSymbols,
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, models.ErrInvalidSymbol) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.log.WithComponent("status").WithError(err).Warn("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8090"
	}
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, "8090")
	}
	if host == "" || host == "*" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, port)
}
