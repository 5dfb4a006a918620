package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/opensource-finance/subsidy/internal/logger"
	"github.com/opensource-finance/subsidy/internal/rules"
)

// SnapshotSource is the part of the engine the ops surface reads.
type SnapshotSource interface {
	Snapshot() *rules.Snapshot
	Refresh(ctx context.Context) error
}

// Pinger is a dependency with a health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for ops handlers.
type Handler struct {
	engine  SnapshotSource
	repo    Pinger
	deps    map[string]Pinger
	version string
}

// NewHandler creates a handler. repo gates readiness; deps (cache, bus)
// only affect the reported health.
func NewHandler(engine SnapshotSource, repo Pinger, deps map[string]Pinger, version string) *Handler {
	return &Handler{
		engine:  engine,
		repo:    repo,
		deps:    deps,
		version: version,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components,omitempty"`
}

// Health reports process liveness plus the state of each dependency. It
// always answers 200; a failing dependency only degrades the status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Components: make(map[string]string),
	}

	check := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(r.Context()); err != nil {
			resp.Components[name] = "down: " + err.Error()
			resp.Status = "degraded"
			return
		}
		resp.Components[name] = "up"
	}

	check("repository", h.repo)
	for name, p := range h.deps {
		check(name, p)
	}

	writeJSON(w, http.StatusOK, resp)
}

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Ready           bool   `json:"ready"`
	SnapshotVersion uint64 `json:"snapshotVersion"`
	Reason          string `json:"reason,omitempty"`
}

// Ready answers 200 once a rule snapshot is loaded and the repository is
// reachable, 503 otherwise.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Snapshot()
	resp := ReadyResponse{Ready: true, SnapshotVersion: snap.Version}

	switch {
	case !snap.Loaded():
		resp.Ready = false
		resp.Reason = "rule snapshot not loaded"
	case h.repo != nil:
		if err := h.repo.Ping(r.Context()); err != nil {
			resp.Ready = false
			resp.Reason = "repository unreachable: " + err.Error()
		}
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// SnapshotRule describes one compiled rule in GET /snapshot.
type SnapshotRule struct {
	ID       int64    `json:"id"`
	Code     string   `json:"code"`
	Name     string   `json:"name"`
	Priority int      `json:"priority"`
	RuleType string   `json:"ruleType"`
	Strategy string   `json:"strategy"`
	Degraded []string `json:"degraded,omitempty"`
}

// SnapshotResponse is the body of GET /snapshot.
type SnapshotResponse struct {
	Version   uint64                    `json:"version"`
	BuiltAt   time.Time                 `json:"builtAt"`
	RuleCount int                       `json:"ruleCount"`
	Buckets   map[string][]SnapshotRule `json:"buckets"`
}

// Snapshot lists the rules currently served, per subsidy type, in match order.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, describe(h.engine.Snapshot()))
}

// RefreshSnapshot forces a synchronous snapshot refresh.
func (h *Handler) RefreshSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Refresh(r.Context()); err != nil {
		logger.FromContext(r.Context()).Error("manual refresh failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "refresh failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, describe(h.engine.Snapshot()))
}

func describe(snap *rules.Snapshot) SnapshotResponse {
	resp := SnapshotResponse{
		Version:   snap.Version,
		BuiltAt:   snap.BuiltAt,
		RuleCount: snap.Len(),
		Buckets:   make(map[string][]SnapshotRule),
	}

	for _, subsidyType := range snap.SubsidyTypes() {
		bucket := snap.Bucket(subsidyType)
		out := make([]SnapshotRule, 0, len(bucket))
		for _, cr := range bucket {
			out = append(out, SnapshotRule{
				ID:       cr.Rule.ID,
				Code:     cr.Rule.Code,
				Name:     cr.Rule.Name,
				Priority: cr.Rule.Priority,
				RuleType: string(cr.Rule.RuleType),
				Strategy: string(cr.Strategy.Kind()),
				Degraded: cr.Degraded,
			})
		}
		resp.Buckets[subsidyType] = out
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
