// Package health serves the gateway's ops endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/supervisor"
)

const checkTimeout = 2 * time.Second

// SessionSource lists the sessions this process knows about.
type SessionSource interface {
	Sessions() []supervisor.SessionInfo
}

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// Status is the body of /status.
type Status struct {
	Healthy       bool                     `json:"healthy"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Dependencies  map[string]string        `json:"dependencies"`
	Live          int                      `json:"live_sessions"`
	Connected     int                      `json:"connected_sessions"`
	Sessions      []supervisor.SessionInfo `json:"sessions"`
}

// Monitor answers liveness and status probes.
type Monitor struct {
	sessions  SessionSource
	campaigns store.CampaignRepository
	checks    map[string]Check
	startTime time.Time
	log       *slog.Logger
}

// NewMonitor creates a monitor over the supervisor's session table.
func NewMonitor(sessions SessionSource, campaigns store.CampaignRepository, log *slog.Logger) *Monitor {
	return &Monitor{
		sessions:  sessions,
		campaigns: campaigns,
		checks:    make(map[string]Check),
		startTime: time.Now(),
		log:       log.With("component", "health"),
	}
}

// AddCheck registers a dependency probe reported on /status.
func (m *Monitor) AddCheck(name string, check Check) {
	m.checks[name] = check
}

// Router returns the ops HTTP handler.
func (m *Monitor) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", m.handleHealthz)
	r.Get("/status", m.handleStatus)
	r.Get("/status/campaigns/{id}", m.handleCampaignStats)
	return r
}

// GetStatus runs every dependency check and snapshots the session table.
func (m *Monitor) GetStatus(ctx context.Context) Status {
	status := Status{
		Healthy:       true,
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
		Dependencies:  make(map[string]string, len(m.checks)),
		Sessions:      m.sessions.Sessions(),
	}

	for name, check := range m.checks {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := check(checkCtx)
		cancel()
		if err != nil {
			status.Healthy = false
			status.Dependencies[name] = err.Error()
			continue
		}
		status.Dependencies[name] = "ok"
	}

	sort.Slice(status.Sessions, func(i, j int) bool {
		return status.Sessions[i].AccountID < status.Sessions[j].AccountID
	})
	for _, s := range status.Sessions {
		if s.Live {
			status.Live++
		}
		if s.ConnectedSince != nil && s.Live {
			status.Connected++
		}
	}
	return status
}

func (m *Monitor) handleHealthz(w http.ResponseWriter, r *http.Request) {
	m.writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := m.GetStatus(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	m.writeJSON(w, code, status)
}

func (m *Monitor) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := m.campaigns.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		m.writeJSON(w, http.StatusNotFound, map[string]string{"error": "campaign not found"})
		return
	}
	if err != nil {
		m.log.Error("failed to load campaign", "campaign_id", id, "error", err)
		m.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage error"})
		return
	}

	stats, err := m.campaigns.Stats(r.Context(), id)
	if err != nil {
		m.log.Error("failed to load campaign stats", "campaign_id", id, "error", err)
		m.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage error"})
		return
	}
	m.writeJSON(w, http.StatusOK, map[string]any{
		"campaignId": c.ID,
		"status":     c.Status,
		"targets":    stats,
	})
}

func (m *Monitor) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.log.Warn("failed to write response", "error", err)
	}
}
