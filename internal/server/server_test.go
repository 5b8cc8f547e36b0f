package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/agentwatch/internal/config"
	"github.com/invisible-tech/agentwatch/internal/controller"
	"github.com/invisible-tech/agentwatch/internal/types"
)

func newTestServer(t *testing.T, connected func() bool) (*Server, *controller.Controller) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := config.Default()
	ctrl, err := controller.New(cfg, nil, log)
	if err != nil {
		t.Fatalf("controller.New: %v", err)
	}
	return New(cfg.Server, ctrl, connected, log), ctrl
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t, func() bool { return true })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("GET /health: status %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body["status"] != "healthy" || body["mqtt"] != "connected" {
		t.Errorf("health body = %v", body)
	}
	if body["version"] == "" {
		t.Error("health version should be set")
	}
}

func TestServer_HealthUnknownConnection(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if !strings.Contains(rec.Body.String(), `"mqtt":"unknown"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestServer_Agents(t *testing.T) {
	srv, ctrl := newTestServer(t, nil)
	ctrl.HandleMessage("hbot/AGENT1/status_updates", []byte(`{"msg":"running","type":"started","timestamp":10}`))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	rec := httptest.NewRecorder()
	srv.handleAgents(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("GET /api/v1/agents: status %d", rec.Code)
	}
	var agents []types.AgentState
	if err := json.NewDecoder(rec.Body).Decode(&agents); err != nil {
		t.Fatalf("decode agents: %v", err)
	}
	if len(agents) != 1 || agents[0].AgentID != "AGENT1" || agents[0].Status != types.StatusOnline {
		t.Errorf("agents = %+v", agents)
	}
}

func TestServer_Agents_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.handleAgents(rec, httptest.NewRequest(http.MethodPost, "/api/v1/agents", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/v1/agents: status %d", rec.Code)
	}
}

func TestServer_Alerts(t *testing.T) {
	srv, ctrl := newTestServer(t, nil)
	for _, msg := range []string{"one", "two", "three"} {
		ctrl.HandleMessage("hbot/a/notify", []byte(msg))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts?limit=2", nil)
	rec := httptest.NewRecorder()
	srv.handleAlerts(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("GET /api/v1/alerts: status %d", rec.Code)
	}
	var alerts []*types.AlertDecision
	if err := json.NewDecoder(rec.Body).Decode(&alerts); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if len(alerts) != 2 || alerts[1].Message != "three" {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestServer_Alerts_InvalidLimit(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.handleAlerts(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alerts?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid limit: status %d", rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "agentwatch_tracked_agents") {
		t.Errorf("GET /metrics: status %d", rec.Code)
	}
}
