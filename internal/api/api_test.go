package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/subsidy/internal/domain"
	"github.com/opensource-finance/subsidy/internal/engine"
	"github.com/opensource-finance/subsidy/internal/repository"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestServer builds a server over a real engine backed by a temp
// SQLite file holding one MEAL rule. The snapshot is loaded unless
// skipRefresh is set.
func createTestServer(t *testing.T, skipRefresh bool, deps map[string]Pinger) (*Server, *repository.SQLRepository) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	rule := &domain.Rule{
		Code:             "LUNCH",
		Name:             "Lunch subsidy",
		SubsidyType:      "MEAL",
		Priority:         5,
		Status:           domain.StatusEnabled,
		EffectiveFrom:    time.Now().Add(-time.Hour),
		ApplyTimeType:    domain.ApplyAll,
		RuleType:         domain.RuleTypeRate,
		Rate:             decimal.NewNullDecimal(decimal.RequireFromString("0.5")),
		MaxSubsidyAmount: decimal.NewNullDecimal(decimal.RequireFromString("10")),
	}
	if err := repo.SaveRule(context.Background(), rule); err != nil {
		t.Fatalf("failed to save rule: %v", err)
	}

	eng, err := engine.New(domain.DefaultConfig().Engine, engine.Deps{Rules: repo}, quietLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if !skipRefresh {
		if err := eng.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh failed: %v", err)
		}
	}

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	return NewServer(cfg, NewHandler(eng, repo, deps, "test-v1"), quietLogger()), repo
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("Healthy", func(t *testing.T) {
		server, _ := createTestServer(t, false, map[string]Pinger{
			"cache": pingFunc(func(context.Context) error { return nil }),
		})

		rr := serve(server, http.MethodGet, "/health")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp HealthResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Status != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp.Status)
		}
		if resp.Version != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp.Version)
		}
		if resp.Components["repository"] != "up" || resp.Components["cache"] != "up" {
			t.Errorf("unexpected components: %v", resp.Components)
		}
	})

	t.Run("DegradedDependency", func(t *testing.T) {
		server, _ := createTestServer(t, false, map[string]Pinger{
			"bus": pingFunc(func(context.Context) error { return errors.New("nats down") }),
		})

		rr := serve(server, http.MethodGet, "/health")
		if rr.Code != http.StatusOK {
			t.Errorf("health must stay 200, got %d", rr.Code)
		}
		var resp HealthResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Status != "degraded" {
			t.Errorf("expected status 'degraded', got '%s'", resp.Status)
		}
		if !strings.Contains(resp.Components["bus"], "nats down") {
			t.Errorf("expected bus failure reason, got %q", resp.Components["bus"])
		}
	})
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("Ready", func(t *testing.T) {
		server, _ := createTestServer(t, false, nil)

		rr := serve(server, http.MethodGet, "/ready")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp ReadyResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if !resp.Ready || resp.SnapshotVersion != 1 {
			t.Errorf("unexpected response %+v", resp)
		}
	})

	t.Run("SnapshotNotLoaded", func(t *testing.T) {
		server, _ := createTestServer(t, true, nil)

		rr := serve(server, http.MethodGet, "/ready")
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})

	t.Run("RepositoryDown", func(t *testing.T) {
		server, repo := createTestServer(t, false, nil)
		repo.Close()

		rr := serve(server, http.MethodGet, "/ready")
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})
}

func TestSnapshotEndpoint(t *testing.T) {
	server, _ := createTestServer(t, false, nil)

	rr := serve(server, http.MethodGet, "/snapshot")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp SnapshotResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Version != 1 || resp.RuleCount != 1 {
		t.Errorf("unexpected snapshot header %+v", resp)
	}
	meal := resp.Buckets["MEAL"]
	if len(meal) != 1 || meal[0].Code != "LUNCH" || meal[0].Strategy != "RATE" {
		t.Errorf("unexpected MEAL bucket %+v", meal)
	}

	rr = serve(server, http.MethodPost, "/snapshot/refresh")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Version != 2 {
		t.Errorf("expected version 2 after refresh, got %d", resp.Version)
	}
}

func TestRefreshFailure(t *testing.T) {
	server, repo := createTestServer(t, false, nil)
	repo.Close()

	rr := serve(server, http.MethodPost, "/snapshot/refresh")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}

	// The previous snapshot keeps serving.
	rr = serve(server, http.MethodGet, "/snapshot")
	var resp SnapshotResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Version != 1 || resp.RuleCount != 1 {
		t.Errorf("expected last good snapshot, got %+v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := createTestServer(t, false, nil)

	serve(server, http.MethodGet, "/health")
	rr := serve(server, http.MethodGet, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	body := rr.Body.String()
	for _, name := range []string{
		"subsidy_engine_refresh_total",
		"subsidy_engine_snapshot_rules",
		"subsidy_ops_http_requests_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected metric %s in output", name)
		}
	}
}

func TestMiddleware(t *testing.T) {
	server, _ := createTestServer(t, false, nil)

	t.Run("RequestIDPropagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if got := rr.Header().Get(RequestIDHeader); got != "req-123" {
			t.Errorf("expected request id 'req-123', got '%s'", got)
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected trace id header")
		}
	})

	t.Run("RecoverFromPanic", func(t *testing.T) {
		h := RecoverMiddleware(quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rr := serve(server, http.MethodGet, "/evaluate")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}
