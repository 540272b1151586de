package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nextlevelbuilder/larkclaw/internal/bus"
	"github.com/nextlevelbuilder/larkclaw/pkg/protocol"
)

type fakeStatus struct{ runs int }

func (f fakeStatus) GetStatus() map[string]interface{} {
	return map[string]interface{}{"feishu": map[string]interface{}{"enabled": true, "running": true}}
}

func (f fakeStatus) ActiveRuns() int { return f.runs }

func TestHealth(t *testing.T) {
	s := NewServer("", "v1", nil, nil)
	rec := httptest.NewRecorder()
	s.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	msgBus := bus.New()
	s := NewServer("", "v1.2.3", fakeStatus{runs: 2}, msgBus)
	msgBus.Broadcast(bus.Event{Name: protocol.EventConfigReloaded, Payload: "/tmp/config.json"})
	msgBus.Broadcast(bus.Event{Name: "channel.started"})

	rec := httptest.NewRecorder()
	s.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	if resp.Version != "v1.2.3" || resp.ActiveRuns != 2 || resp.Protocol != protocol.ProtocolVersion {
		t.Errorf("status = %+v", resp)
	}
	if resp.Reloads != 1 || resp.LastReload == nil {
		t.Errorf("reloads = %d, last = %v, want one reload recorded", resp.Reloads, resp.LastReload)
	}
	if _, ok := resp.Channels["feishu"]; !ok {
		t.Errorf("channels = %v", resp.Channels)
	}
}

func TestStatus_MethodNotAllowed(t *testing.T) {
	s := NewServer("", "v1", nil, nil)
	rec := httptest.NewRecorder()
	s.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestServe_MetricsAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	msgBus := bus.New()
	s := NewServer(ln.Addr().String(), "v1", fakeStatus{}, msgBus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", resp.StatusCode)
	}
	client.CloseIdleConnections()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
