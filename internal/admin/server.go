package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/meshbridge/internal/bridge"
	"github.com/danmuck/meshbridge/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Bridge is the view of a running bridge the admin surface needs.
type Bridge interface {
	Ready() bool
	Status() bridge.Status
	Clients() []bridge.ClientInfo
	Kick(id bridge.ClientID) bool
}

type Server struct {
	Addr    string
	Started time.Time

	bridge Bridge
	router *gin.Engine
}

func New(addr string, b Bridge, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminAccessLog(log.With().Str("component", "admin").Logger()))
	r.Use(observability.AdminMetrics())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Addr:    addr,
		Started: time.Now(),
		bridge:  b,
		router:  r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Started).Truncate(time.Second).String(),
			"service": "meshbridge",
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		st := s.bridge.Status()
		code := http.StatusOK
		if !s.bridge.Ready() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":  code == http.StatusOK,
			"link":   st.Link,
			"device": st.Device,
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.bridge.Status())
	})

	s.router.GET("/clients", func(c *gin.Context) {
		clients := s.bridge.Clients()
		c.JSON(http.StatusOK, gin.H{
			"count":   len(clients),
			"clients": clients,
		})
	})

	s.router.DELETE("/clients/:id", func(c *gin.Context) {
		id := bridge.ClientID(c.Param("id"))
		if !s.bridge.Kick(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		log.Info().Str("client_id", string(id)).Msg("client kicked via admin")
		c.JSON(http.StatusOK, gin.H{"status": "ok", "kicked": id})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
