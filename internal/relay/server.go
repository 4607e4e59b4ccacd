package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mschirtzinger/feedsync/internal/transport"
)

// Config holds relay configuration.
type Config struct {
	// Addr to listen on (default ":8686")
	Addr string
	// MaxMarksPerChain bounds stored marks per chain (0 = unlimited)
	MaxMarksPerChain int
	// Logger for request and lifecycle messages (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:             ":8686",
		MaxMarksPerChain: 100000,
	}
}

// Server exposes a Hub over HTTP.
type Server struct {
	hub    *Hub
	router chi.Router
	logger *log.Logger
	addr   string

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// NewServer creates a relay server with a fresh hub.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[relay] ", log.LstdFlags)
	}

	s := &Server{
		hub:    NewHub(config.MaxMarksPerChain),
		logger: logger,
		addr:   config.Addr,
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler, for mounting in tests or another server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the backing hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post(transport.PathCreate, s.handleCreate)
	r.Post(transport.PathJoin, s.handleJoin)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get(transport.PathDevices, s.handleDevices)
		r.Delete(transport.PathDevices+"/{deviceID}", s.handleRemoveDevice)
		r.Post(transport.PathReadMarks, s.handlePushMarks)
		r.Get(transport.PathReadMarks, s.handlePullMarks)
		r.Get(transport.PathFeeds, s.handleGetFeeds)
		r.Put(transport.PathFeeds, s.handlePutFeeds)
	})

	s.router = r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Relay listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	s.logger.Println("Relay stopped")
	return nil
}

// GetAddr returns the listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

type memberKey struct{}

type member struct {
	code     string
	deviceID int64
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Printf("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := r.Header.Get(transport.HeaderSyncCode)
		id, err := strconv.ParseInt(r.Header.Get(transport.HeaderDeviceID), 10, 64)
		if code == "" || err != nil {
			writeError(w, http.StatusUnauthorized, "missing credentials")
			return
		}
		if err := s.hub.Authenticate(code, id); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), memberKey{}, member{code: code, deviceID: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func memberFrom(r *http.Request) member {
	m, _ := r.Context().Value(memberKey{}).(member)
	return m
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req transport.DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	code, id := s.hub.Create(req.DeviceName)
	writeJSON(w, http.StatusOK, transport.JoinResponse{SyncCode: code, DeviceID: id})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	code := r.Header.Get(transport.HeaderSyncCode)
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing sync code")
		return
	}
	var req transport.DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	id, err := s.hub.Join(code, req.DeviceName)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, transport.JoinResponse{SyncCode: code, DeviceID: id})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	m := memberFrom(r)
	devices, err := s.hub.Devices(m.code, m.deviceID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, transport.DevicesResponse{Devices: devices})
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	m := memberFrom(r)
	target, err := strconv.ParseInt(chi.URLParam(r, "deviceID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	if err := s.hub.RemoveDevice(m.code, m.deviceID, target); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePushMarks(w http.ResponseWriter, r *http.Request) {
	m := memberFrom(r)
	var req transport.PushReadMarksRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	accepted, err := s.hub.AddMarks(m.code, m.deviceID, req.Items)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, transport.PushReadMarksResponse{Accepted: accepted})
}

func (s *Server) handlePullMarks(w http.ResponseWriter, r *http.Request) {
	m := memberFrom(r)
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = parsed
	}
	items, high, err := s.hub.MarksSince(m.code, m.deviceID, since)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, transport.PullReadMarksResponse{Items: items, HighWaterMark: high})
}

func (s *Server) handleGetFeeds(w http.ResponseWriter, r *http.Request) {
	m := memberFrom(r)
	p, err := s.hub.Feeds(m.code, m.deviceID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutFeeds(w http.ResponseWriter, r *http.Request) {
	m := memberFrom(r)
	var p transport.FeedsPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.hub.SetFeeds(m.code, m.deviceID, p); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, transport.ErrorResponse{Error: msg})
}
