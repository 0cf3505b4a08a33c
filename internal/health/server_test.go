package health

import (
	"encoding/json"
	"net/http"
	"testing"
)

type fakeStats struct {
	running     bool
	connections int64
}

func (s *fakeStats) IsRunning() bool        { return s.running }
func (s *fakeStats) ConnectionCount() int64 { return s.connections }

func startHealthServer(t *testing.T, provider StatsProvider) string {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	s := NewServer(cfg, provider)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return "http://" + s.Address().String()
}

func TestHealthEndpoint(t *testing.T) {
	base := startHealthServer(t, &fakeStats{running: true, connections: 7})

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Status            string `json:"status"`
		Running           bool   `json:"running"`
		ActiveConnections int64  `json:"active_connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "healthy" || !body.Running {
		t.Errorf("body = %+v", body)
	}
	if body.ActiveConnections != 7 {
		t.Errorf("active_connections = %d, want 7", body.ActiveConnections)
	}
}

func TestHealthEndpoint_NotRunning(t *testing.T) {
	base := startHealthServer(t, &fakeStats{running: false})

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	base := startHealthServer(t, &fakeStats{running: true})

	resp, err := http.Post(base+"/health", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	base := startHealthServer(t, &fakeStats{running: true})

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
