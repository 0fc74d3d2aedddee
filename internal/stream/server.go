package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"codeberg.org/mutker/hwmonitor/internal/errors"
	"codeberg.org/mutker/hwmonitor/internal/hardware"
	"codeberg.org/mutker/hwmonitor/internal/logger"
	"codeberg.org/mutker/hwmonitor/internal/monitor"
	"codeberg.org/mutker/hwmonitor/internal/thermal"
	"github.com/gorilla/websocket"
)

const (
	DefaultSendBuffer = 256
	shutdownTimeout   = 5 * time.Second
)

// Source is the part of a monitor the stream serves.
type Source interface {
	ID() string
	IsRunning() bool
	Subscribe() *monitor.Receiver
	Stats() monitor.Stats
	LastThermal() (*hardware.ThermalSnapshot, bool)
	PredictThrottling(workloadIntensity float64) thermal.Prediction
}

type Config struct {
	Address string
	// AllowedOrigins restricts browser clients; empty allows any origin
	AllowedOrigins []string
	SendBuffer     int
}

// Status is the body of GET /status.
type Status struct {
	Session       string             `json:"session"`
	Running       bool               `json:"running"`
	Stats         monitor.Stats      `json:"stats"`
	ThermalStatus thermal.Status     `json:"thermal_status"`
	Prediction    thermal.Prediction `json:"prediction"`
}

type Server struct {
	cfg      Config
	source   Source
	hub      *Hub
	upgrader websocket.Upgrader
	logger   logger.Logger
}

func NewServer(cfg Config, source Source, log logger.Logger) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	log = log.With("component", "stream")

	s := &Server{
		cfg:    cfg,
		source: source,
		hub:    NewHub(source.ID(), log),
		logger: log,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

// Start runs the hub and forwards monitor events to it until ctx is done.
func (s *Server) Start(ctx context.Context) {
	rx := s.source.Subscribe()
	go s.hub.Run(ctx)
	go s.hub.Pump(ctx, rx)
}

// ListenAndServe starts the hub and serves HTTP on the configured address
// until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errFactory := errors.New()

	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: writeWait,
	}

	s.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	s.logger.Info().Str("address", s.cfg.Address).Msg("Event stream listening")

	select {
	case err := <-serveErr:
		return errFactory.Wrap(ErrListen, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errFactory.Wrap(ErrShutdown, err)
	}
	return nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.serveEvents)
	mux.HandleFunc("/status", s.serveStatus)
	return mux
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(s.cfg.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	if slices.Contains(s.cfg.AllowedOrigins, origin) {
		return true
	}
	s.logger.Warn().Str("origin", origin).Msg("Websocket origin rejected")
	return false
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := NewClient(s.hub, conn, s.cfg.SendBuffer, s.logger)
	if !s.hub.join(client) {
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	s.logger.Debug().Str("client", client.ID).Str("remote_addr", conn.RemoteAddr().String()).Msg("Client connected")
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := Status{
		Session:       s.source.ID(),
		Running:       s.source.IsRunning(),
		Stats:         s.source.Stats(),
		ThermalStatus: thermal.StatusUnknown,
		Prediction:    s.source.PredictThrottling(0),
	}
	if snap, ok := s.source.LastThermal(); ok {
		status.ThermalStatus = thermal.StatusOf(snap)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write status")
	}
}
