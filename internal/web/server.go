// Package web serves the JSON API: health and status endpoints, remediation
// history, external playback events and manual scan triggers.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/transcodefix/internal/remediate"
	"github.com/saltyorg/transcodefix/internal/scanner"
	"github.com/saltyorg/transcodefix/internal/web/middleware"
)

// EventQueue accepts externally submitted playback events.
type EventQueue interface {
	Enqueue(ev remediate.Event) bool
	QueueDepth() int
}

// PollStatus reports the session poller's progress.
type PollStatus interface {
	LastPoll() time.Time
}

// ScanController exposes the scheduled scanner to the API.
type ScanController interface {
	RunNow() (scanner.Summary, error)
	Status() (scanning bool, lastRun time.Time, last scanner.Summary)
}

// HistoryStore reads back stored remediation outcomes.
type HistoryStore interface {
	ListRecentRemediations(limit int) ([]remediate.HistoryEntry, error)
}

// Server is the HTTP API server
type Server struct {
	router      chi.Router
	bind        string
	port        int
	allowedNets []*net.IPNet

	history HistoryStore
	events  EventQueue
	poller  PollStatus
	cache   *remediate.Cache
	scans   ScanController
}

// NewServer creates a new API server. scans may be nil when the scheduled
// scanner is disabled.
func NewServer(bind string, port int, allowSubnets []string, history HistoryStore, events EventQueue, poller PollStatus, cache *remediate.Cache, scans ScanController) (*Server, error) {
	var allowedNets []*net.IPNet
	for _, cidr := range allowSubnets {
		_, subnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed subnet %q: %w", cidr, err)
		}
		allowedNets = append(allowedNets, subnet)
	}

	s := &Server{
		router:      chi.NewRouter(),
		bind:        bind,
		port:        port,
		allowedNets: allowedNets,
		history:     history,
		events:      events,
		poller:      poller,
		cache:       cache,
		scans:       scans,
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(chimiddleware.RequestID)
	// AllowSubnets must come BEFORE RealIP so we check the actual connection source
	r.Use(middleware.AllowSubnets(s.allowedNets))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/history", s.handleHistory)
	r.Post("/api/events", s.handleEvent)
	r.Post("/api/scan", s.handleScan)
}

// Handler returns the configured router, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type statusResponse struct {
	LastPoll     time.Time   `json:"last_poll"`
	QueueDepth   int         `json:"queue_depth"`
	TrackedMedia int         `json:"tracked_media"`
	Scanner      *scanStatus `json:"scanner,omitempty"`
}

type scanStatus struct {
	Scanning bool        `json:"scanning"`
	LastRun  time.Time   `json:"last_run"`
	LastScan scanSummary `json:"last_scan"`
}

type scanSummary struct {
	Sections int    `json:"sections"`
	Scanned  int    `json:"scanned"`
	Changed  int    `json:"changed"`
	Switched int    `json:"switched"`
	Failed   int    `json:"failed"`
	Duration string `json:"duration"`
}

func summaryJSON(sum scanner.Summary) scanSummary {
	return scanSummary{
		Sections: sum.Sections,
		Scanned:  sum.Scanned,
		Changed:  sum.Changed,
		Switched: sum.Switched,
		Failed:   sum.Failed,
		Duration: sum.Duration.Round(time.Millisecond).String(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		LastPoll:     s.poller.LastPoll(),
		QueueDepth:   s.events.QueueDepth(),
		TrackedMedia: s.cache.Len(),
	}
	if s.scans != nil {
		scanning, lastRun, last := s.scans.Status()
		resp.Scanner = &scanStatus{
			Scanning: scanning,
			LastRun:  lastRun,
			LastScan: summaryJSON(last),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type historyEntryJSON struct {
	Time       time.Time `json:"time"`
	MediaID    string    `json:"media_id"`
	MediaTitle string    `json:"media_title"`
	PlayerID   string    `json:"player_id"`
	Username   string    `json:"username,omitempty"`
	FromTrack  string    `json:"from_track,omitempty"`
	ToTrack    string    `json:"to_track,omitempty"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := s.history.ListRecentRemediations(limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list remediation history")
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}

	out := make([]historyEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntryJSON{
			Time:       e.Time,
			MediaID:    e.MediaID,
			MediaTitle: e.MediaTitle,
			PlayerID:   e.PlayerID,
			Username:   e.Username,
			FromTrack:  e.FromTrack,
			ToTrack:    e.ToTrack,
			Outcome:    string(e.Outcome),
			Detail:     e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev remediate.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	if ev.Type == "" {
		writeError(w, http.StatusBadRequest, "missing event type")
		return
	}

	// Unrecognized event types are accepted and dropped by the consumer,
	// so callers can forward their full event stream unfiltered.
	if !s.events.Enqueue(ev) {
		writeError(w, http.StatusServiceUnavailable, "event queue full")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.scans == nil {
		writeError(w, http.StatusNotFound, "scanner disabled")
		return
	}
	if scanning, _, _ := s.scans.Status(); scanning {
		writeError(w, http.StatusConflict, "scan already in progress")
		return
	}

	// Library scans run well past any request timeout, so the scan is
	// detached from the request. Progress and the final summary are
	// reported on /api/status.
	go func() {
		if _, err := s.scans.RunNow(); err != nil && !errors.Is(err, scanner.ErrScanInProgress) {
			log.Error().Err(err).Msg("Manual scan failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// Start starts the web server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	var addr string
	if s.bind != "" {
		addr = fmt.Sprintf("%s:%d", s.bind, s.port)
	} else {
		addr = fmt.Sprintf(":%d", s.port)
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 65 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
