package eventstream

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// connect attaches a streaming client to a live test server and returns
// a scanner over the response body plus a cancel func.
func connect(t *testing.T, srv *httptest.Server) (*bufio.Scanner, func()) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	return bufio.NewScanner(resp.Body), func() { resp.Body.Close() }
}

// readFrame reads one "event:"/"data:" pair.
func readFrame(t *testing.T, sc *bufio.Scanner) (string, string) {
	t.Helper()
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
	t.Fatal("stream ended before a complete frame")
	return "", ""
}

func TestConnectedEventOnJoin(t *testing.T) {
	m := NewManager(10, time.Hour)
	defer m.Close()
	srv := httptest.NewServer(m)
	defer srv.Close()

	sc, done := connect(t, srv)
	defer done()

	event, data := readFrame(t, sc)
	if event != "connected" {
		t.Fatalf("first event = %q, want connected", event)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatalf("connected data is not JSON: %v", err)
	}
	if payload["clientId"] == "" {
		t.Error("connected event missing clientId")
	}
	if payload["connectedClients"].(float64) != 1 {
		t.Errorf("connectedClients = %v, want 1", payload["connectedClients"])
	}
}

func TestBroadcastReachesClientInOrder(t *testing.T) {
	m := NewManager(10, time.Hour)
	defer m.Close()
	srv := httptest.NewServer(m)
	defer srv.Close()

	sc, done := connect(t, srv)
	defer done()
	readFrame(t, sc) // connected

	waitForClients(t, m, 1)
	m.Broadcast("workflow", map[string]string{"seq": "first"})
	m.Broadcast("workflow", map[string]string{"seq": "second"})

	_, d1 := readFrame(t, sc)
	_, d2 := readFrame(t, sc)
	if !strings.Contains(d1, "first") || !strings.Contains(d2, "second") {
		t.Errorf("events out of order: %q then %q", d1, d2)
	}
}

func TestMaxClientsReturns503(t *testing.T) {
	m := NewManager(1, time.Hour)
	defer m.Close()
	srv := httptest.NewServer(m)
	defer srv.Close()

	_, done := connect(t, srv)
	defer done()
	waitForClients(t, m, 1)

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestDisconnectRemovesClient(t *testing.T) {
	m := NewManager(10, time.Hour)
	defer m.Close()
	srv := httptest.NewServer(m)
	defer srv.Close()

	_, done := connect(t, srv)
	waitForClients(t, m, 1)
	done()
	waitForClients(t, m, 0)
}

func waitForClients(t *testing.T, m *Manager, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.ClientCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ClientCount() = %d, want %d", m.ClientCount(), n)
}
