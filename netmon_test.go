package driftsync

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestStaticMonitor(t *testing.T) {
	m := NewStaticMonitor(false)
	if m.IsConnected() {
		t.Error("monitor should start offline")
	}

	var flips []bool
	m.OnChange(func(online bool) { flips = append(flips, online) })

	m.SetOnline(true)
	m.SetOnline(true) // no change, no callback
	m.SetOnline(false)

	if len(flips) != 2 || !flips[0] || flips[1] {
		t.Errorf("flips = %v, want [true false]", flips)
	}
}

func TestWebSocketMonitor(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Reading keeps the default ping handler answering with pongs.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	policy := NewRetryPolicy(RetryConfig{Base: 5 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxAttempts: 3})
	m := NewWebSocketMonitor(MonitorConfig{
		HeartbeatURL: wsURL,
		PingInterval: 10 * time.Millisecond,
		PongTimeout:  200 * time.Millisecond,
	}, policy)

	online := make(chan bool, 8)
	m.OnChange(func(o bool) { online <- o })

	m.Start()
	defer m.Stop()

	select {
	case o := <-online:
		if !o {
			t.Fatal("first transition should be online")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never came online")
	}
	if !m.IsConnected() {
		t.Error("IsConnected = false while heartbeat alive")
	}

	// Killing the server must flip the monitor offline.
	srv.CloseClientConnections()
	srv.Close()
	select {
	case o := <-online:
		if o {
			t.Fatal("expected offline transition")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never went offline")
	}
}
