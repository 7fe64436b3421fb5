// Package server exposes interface status and a few operator actions over
// HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/linkctl/internal/link"
	"github.com/danmuck/linkctl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	ErrInterfaceNotFound = errors.New("interface not found")
	ErrActionNotFound    = errors.New("action not found")
)

const version = "0.1.0"

type Server struct {
	name    string
	addr    string
	router  *gin.Engine
	started time.Time

	mu     sync.RWMutex
	ifaces map[string]*link.Interface
}

func New(name, addr string, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.Component("status")))
	r.Use(observability.RequestMetricsMiddleware(name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		name:    name,
		addr:    addr,
		router:  r,
		started: time.Now(),
		ifaces:  make(map[string]*link.Interface),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine { return s.router }

// Register exposes iface under its upper-cased name.
func (s *Server) Register(iface *link.Interface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ifaces[strings.ToUpper(iface.Name())] = iface
}

func (s *Server) lookup(name string) (*link.Interface, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iface, ok := s.ifaces[strings.ToUpper(name)]
	return iface, ok
}

// InterfaceStatus is the status document for one interface.
type InterfaceStatus struct {
	link.Stats
	Stages []link.StageInfo `json:"stages"`
}

func statusOf(iface *link.Interface) InterfaceStatus {
	return InterfaceStatus{Stats: iface.Stats(), Stages: iface.StageInfo()}
}

func (s *Server) Statuses() []InterfaceStatus {
	s.mu.RLock()
	out := make([]InterfaceStatus, 0, len(s.ifaces))
	for _, iface := range s.ifaces {
		out = append(out, statusOf(iface))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.name,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/interfaces", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"interfaces": s.Statuses()})
	})

	s.router.GET("/interfaces/:name", func(c *gin.Context) {
		iface, ok := s.lookup(c.Param("name"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrInterfaceNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, statusOf(iface))
	})

	s.router.POST("/interfaces/:name/actions/:action", func(c *gin.Context) {
		name, action := c.Param("name"), c.Param("action")
		if err := s.ExecuteAction(c.Request.Context(), name, action, c); err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, ErrInterfaceNotFound), errors.Is(err, ErrActionNotFound):
				status = http.StatusNotFound
			case errors.Is(err, errBadRequest):
				status = http.StatusBadRequest
			case errors.Is(err, link.ErrWriteRawNotAllowed), errors.Is(err, link.ErrNotConnected):
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

var errBadRequest = errors.New("bad request")

type rawRequest struct {
	Hex string `json:"hex" binding:"required"`
}

// ExecuteAction runs a named operator action. "disconnect" drops the
// connection, leaving reconnection to the runner; "write_raw" sends the hex
// body straight to the transport.
func (s *Server) ExecuteAction(ctx context.Context, name, action string, c *gin.Context) error {
	iface, ok := s.lookup(name)
	if !ok {
		return ErrInterfaceNotFound
	}
	var err error
	switch action {
	case "disconnect":
		err = iface.Disconnect()
	case "write_raw":
		var req rawRequest
		if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
			return errors.Join(errBadRequest, bindErr)
		}
		data, decErr := decodeHex(req.Hex)
		if decErr != nil {
			return errors.Join(errBadRequest, decErr)
		}
		err = iface.WriteRaw(ctx, data)
	default:
		return ErrActionNotFound
	}
	if err != nil {
		log.Error().Str("interface", name).Str("action", action).Err(err).Msg("interface action failed")
		return err
	}
	log.Info().Str("interface", name).Str("action", action).Msg("interface action executed")
	return nil
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", s.addr).Msg("status server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
