package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trymwestin/eufyws/internal/config"
	"github.com/trymwestin/eufyws/internal/core/client"
	"github.com/trymwestin/eufyws/internal/core/protocol"
	"github.com/trymwestin/eufyws/internal/core/state"
	"github.com/trymwestin/eufyws/internal/journal"
)

// Gateway is the part of client.Client the API exposes.
type Gateway interface {
	Connected() bool
	URI() string
	Version() protocol.Version
	SchemaVersion() int
	SendCommand(ctx context.Context, command string, args map[string]any) (json.RawMessage, error)
}

// EventLister reads journaled events.
type EventLister interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Server is the HTTP API server.
type Server struct {
	cfg    config.HTTPConfig
	gw     Gateway
	store  state.StateReader
	events EventLister // nil when the journal is disabled
	log    *slog.Logger
	router *gin.Engine
}

// NewServer creates a new HTTP API server.
func NewServer(cfg config.HTTPConfig, gw Gateway, store state.StateReader, events EventLister, log *slog.Logger) *Server {
	switch cfg.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(cfg.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(log))
	if cfg.CORSAll {
		router.Use(corsMiddleware())
	}

	s := &Server{
		cfg:    cfg,
		gw:     gw,
		store:  store,
		events: events,
		log:    log,
		router: router,
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleGetStatus)
		api.GET("/stations", s.handleGetStations)
		api.GET("/stations/:serial", s.handleGetStation)
		api.GET("/devices", s.handleGetDevices)
		api.GET("/devices/:serial", s.handleGetDevice)
		api.GET("/events", s.handleGetEvents)
		api.POST("/command", s.handlePostCommand)
	}
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("starting HTTP server", "address", s.cfg.Addr)

	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("httpapi: listen %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.log.Info("shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}

func loggerMiddleware(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		log.Debug("http request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func writeError(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"error": msg})
}

// --- Handlers ---

type statusResponse struct {
	Connected     bool         `json:"connected"`
	URL           string       `json:"url"`
	ServerVersion string       `json:"server_version,omitempty"`
	DriverVersion string       `json:"driver_version,omitempty"`
	SchemaVersion int          `json:"schema_version,omitempty"`
	Driver        state.Driver `json:"driver"`
}

func (s *Server) handleGetStatus(c *gin.Context) {
	v := s.gw.Version()
	snap := s.store.Snapshot()
	c.JSON(http.StatusOK, statusResponse{
		Connected:     s.gw.Connected(),
		URL:           s.gw.URI(),
		ServerVersion: v.ServerVersion,
		DriverVersion: v.DriverVersion,
		SchemaVersion: s.gw.SchemaVersion(),
		Driver:        snap.Driver,
	})
}

func (s *Server) handleGetStations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stations": s.store.Snapshot().Stations})
}

func (s *Server) handleGetStation(c *gin.Context) {
	serial := c.Param("serial")
	e, ok := s.store.Station(serial)
	if !ok {
		writeError(c, http.StatusNotFound, "unknown station "+serial)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) handleGetDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.store.Snapshot().Devices})
}

func (s *Server) handleGetDevice(c *gin.Context) {
	serial := c.Param("serial")
	e, ok := s.store.Device(serial)
	if !ok {
		writeError(c, http.StatusNotFound, "unknown device "+serial)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) handleGetEvents(c *gin.Context) {
	if s.events == nil {
		writeError(c, http.StatusServiceUnavailable, "event journal is not enabled")
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(c, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	entries, err := s.events.Recent(c.Request.Context(), limit)
	if err != nil {
		s.log.Error("failed to read journal", "error", err)
		writeError(c, http.StatusInternalServerError, "failed to read events")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"events": entries})
}

type commandBody struct {
	Command string         `json:"command" binding:"required"`
	Args    map[string]any `json:"args"`
}

func (s *Server) handlePostCommand(c *gin.Context) {
	var body commandBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	result, err := s.gw.SendCommand(c.Request.Context(), body.Command, body.Args)
	if err != nil {
		var cerr *client.CommandError
		switch {
		case errors.As(err, &cerr):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":      err.Error(),
				"error_code": cerr.Code,
				"message_id": cerr.MessageID,
			})
		case errors.Is(err, client.ErrNotConnected), errors.Is(err, client.ErrConnectionClosed):
			writeError(c, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, client.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			writeError(c, http.StatusGatewayTimeout, err.Error())
		default:
			s.log.Error("command failed", "command", body.Command, "error", err)
			writeError(c, http.StatusBadGateway, err.Error())
		}
		return
	}

	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}
