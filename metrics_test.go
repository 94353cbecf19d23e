package smtpd

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	// A second registry should accept the same collectors without
	// conflicting, since each test gets its own registry rather than
	// sharing prometheus.DefaultRegisterer.
	reg2 := prometheus.NewRegistry()
	if err := RegisterMetrics(reg2); err != nil {
		t.Fatalf("RegisterMetrics on a second registry: %v", err)
	}
}

func TestRegisterDebugHandler(t *testing.T) {
	mux := http.NewServeMux()
	RegisterDebugHandler(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/traces")
	if err != nil {
		t.Fatalf("GET /debug/traces: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusOK)
	}
}
