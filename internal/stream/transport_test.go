package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coldchain-monitor/internal/logging"
)

type sseMessage struct {
	id    string
	event string
	data  string
}

func readSSE(t *testing.T, r *bufio.Reader) sseMessage {
	t.Helper()
	var msg sseMessage
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			return msg
		case strings.HasPrefix(line, "id: "):
			msg.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			msg.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			msg.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestServeSSE(t *testing.T) {
	hub := newTestHub(8, DropOldest, time.Hour)
	srv := httptest.NewServer(ServeSSE(hub, logging.Discard()))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	r := bufio.NewReader(resp.Body)

	if msg := readSSE(t, r); msg.event != EventConnected {
		t.Fatalf("first message = %+v, want connected", msg)
	}

	hub.Broadcast(event(t, 42))
	msg := readSSE(t, r)
	if msg.event != EventTelemetry || msg.id != "" {
		t.Fatalf("message = %+v, want telemetry without an SSE id", msg)
	}
	var ev Event
	if err := json.Unmarshal([]byte(msg.data), &ev); err != nil {
		t.Fatalf("data not JSON: %v", err)
	}
	if ev.Seq != 42 || string(ev.Data) != `{"frame_id":42}` {
		t.Errorf("event = %+v", ev)
	}

	// client disconnect must release the subscription
	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not released, Len = %d", hub.Len())
		}
		hub.Broadcast(event(t, 43))
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServeSSE_HubClosed(t *testing.T) {
	hub := newTestHub(8, DropOldest, time.Hour)
	hub.Close()

	rec := httptest.NewRecorder()
	ServeSSE(hub, logging.Discard())(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestServeWebSocket(t *testing.T) {
	hub := newTestHub(8, DropOldest, time.Hour)
	srv := httptest.NewServer(ServeWebSocket(hub, logging.Discard()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev Event
	if err := conn.ReadJSON(&ev); err != nil || ev.Type != EventConnected {
		t.Fatalf("first frame = %+v err=%v, want connected", ev, err)
	}

	hub.Broadcast(event(t, 9))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventTelemetry || ev.Seq != 9 {
		t.Errorf("event = %+v, want telemetry seq 9", ev)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not released, Len = %d", hub.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRedisRelay(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := NewRedisClient(ctx, addr, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	channel := "coldchain:test:" + time.Now().Format("150405.000000")
	hubA := newTestHub(8, DropOldest, time.Hour)
	hubB := newTestHub(8, DropOldest, time.Hour)
	relayA := NewRedisRelay(client, channel, hubA, logging.Discard())
	relayB := NewRedisRelay(client, channel, hubB, logging.Discard())
	if err := relayA.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := relayB.Start(ctx); err != nil {
		t.Fatal(err)
	}

	subB, _ := hubB.Subscribe()
	relayA.Publish(ctx, event(t, 5))

	ev, _ := receive(t, subB)
	if ev.Seq != 5 {
		t.Errorf("replica B got %+v, want seq 5", ev)
	}
}
