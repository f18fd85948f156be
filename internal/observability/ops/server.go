// Package ops serves a small local HTTP endpoint for operators: liveness,
// the active order set, schedules, and optionally pprof.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"smsbot/internal/orders"
	rtsup "smsbot/internal/runtime/supervisor"
	"smsbot/internal/task/scheduler"
	logx "smsbot/pkg/logx"
)

type Config struct {
	Addr          string
	Pprof         bool
	AllowNonLocal bool
}

// Sources feed the endpoints. Nil members are reported as empty.
type Sources struct {
	Supervisors func() map[string]rtsup.Snapshot
	Orders      func() []orders.Order
	Schedules   func() scheduler.Snapshot
}

type Server struct {
	cfg     Config
	src     Sources
	log     logx.Logger
	e       *echo.Echo
	started time.Time

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

type healthResponse struct {
	Status      string                    `json:"status"`
	Uptime      string                    `json:"uptime"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors"`
}

type orderView struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Age       string    `json:"age"`
}

type ordersResponse struct {
	Count  int         `json:"count"`
	Orders []orderView `json:"orders"`
}

func New(cfg Config, src Sources, log logx.Logger) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := checkBind(cfg); err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, src: src, log: log, started: time.Now()}
	s.e = s.routes()
	return s, nil
}

// checkBind refuses non-loopback listeners unless explicitly allowed.
func checkBind(cfg Config) error {
	if cfg.Addr == "" || cfg.AllowNonLocal {
		return nil
	}
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return fmt.Errorf("ops addr %q: %w", cfg.Addr, err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("ops addr %q is not loopback; set ops.allow_non_local to expose it", cfg.Addr)
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("ops request", logx.String("uri", v.URI), logx.Int("status", v.Status), logx.Duration("took", v.Latency))
			return nil
		},
	}))

	e.GET("/healthz", s.healthHandler)
	e.GET("/orders", s.ordersHandler)
	e.GET("/schedules", s.schedulesHandler)

	if s.cfg.Pprof {
		g := e.Group("/debug/pprof")
		g.GET("/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
		g.GET("/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
		g.GET("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
		g.POST("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
		g.GET("/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
		// Index also serves the named profiles (heap, goroutine, ...).
		g.GET("/*", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
	}
	return e
}

// Handler exposes the router (used by tests).
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) healthHandler(c echo.Context) error {
	resp := healthResponse{Status: "ok", Uptime: time.Since(s.started).Round(time.Second).String(), Supervisors: map[string]rtsup.Snapshot{}}
	if s.src.Supervisors != nil {
		resp.Supervisors = s.src.Supervisors()
	}
	for _, snap := range resp.Supervisors {
		if snap.FirstError != "" {
			resp.Status = "degraded"
		}
	}
	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func (s *Server) ordersHandler(c echo.Context) error {
	resp := ordersResponse{Orders: []orderView{}}
	if s.src.Orders != nil {
		now := time.Now()
		for _, o := range s.src.Orders() {
			resp.Orders = append(resp.Orders, orderView{
				ID:        o.ID,
				UserID:    o.UserID,
				Status:    o.Status.String(),
				CreatedAt: o.CreatedAt,
				Age:       now.Sub(o.CreatedAt).Round(time.Second).String(),
			})
		}
	}
	resp.Count = len(resp.Orders)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) schedulesHandler(c echo.Context) error {
	if s.src.Schedules == nil {
		return c.JSON(http.StatusOK, scheduler.Snapshot{})
	}
	return c.JSON(http.StatusOK, s.src.Schedules())
}

// Start binds the listener and serves under sup until ctx is done or Stop is
// called. It is a no-op when no address is configured.
func (s *Server) Start(ctx context.Context, sup *rtsup.Supervisor) error {
	if strings.TrimSpace(s.cfg.Addr) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ops listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.e,
		ReadHeaderTimeout: 5 * time.Second,
		// pprof profile/trace stream for up to their seconds parameter.
		WriteTimeout: 70 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.srv, s.ln = srv, ln
	s.log.Info("ops endpoint listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))

	sup.Go("ops.http", func(ctx context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops serve: %w", err)
		}
		return nil
	})
	sup.Go0("ops.shutdown_on_cancel", func(sctx context.Context) {
		select {
		case <-ctx.Done():
		case <-sctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(shutdownCtx)
	})
	return nil
}

// Addr returns the bound address, or "" when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("ops shutdown", logx.Err(err))
		_ = srv.Close()
	}
}
