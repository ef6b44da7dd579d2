package replication

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

func TestHubStreamsSnapshotsAndAcceptsCommands(t *testing.T) {
	h := startHarness(t)
	log := zaptest.NewLogger(t).Sugar()
	loop := NewLoop(h.c, time.Millisecond)
	hub := NewHub(loop, log)
	defer hub.Close()
	srv := httptest.NewServer(NewAdmin(h.c, loop, hub, log).Routes())
	defer srv.Close()

	// 连接前的最近快照在连接时补发
	hub.Broadcast(h.c.Snapshot())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var msg struct {
		Type string `json:"type"`
		Zone string `json:"zone"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Type != "snapshot" || msg.Zone != "forest" {
		t.Fatalf("snapshot message %s (%v)", payload, err)
	}

	if err := ws.WriteJSON(ViewerCommand{Type: "transfer", Zone: "desert"}); err != nil {
		t.Fatalf("write command: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.c.Zone() != "desert" {
		if time.Now().After(deadline) {
			t.Fatalf("viewer transfer command never applied")
		}
		loop.Frame(h.clk.Now())
		time.Sleep(time.Millisecond)
	}
	if hub.Viewers() != 1 {
		t.Fatalf("viewers = %d", hub.Viewers())
	}
}

func TestHubBroadcastWithoutViewers(t *testing.T) {
	hub := NewHub(nil, nil)
	hub.Broadcast(Snapshot{Zone: "forest"})
	hub.command(ViewerCommand{Type: "transfer", Zone: "desert"})
	if hub.Viewers() != 0 {
		t.Fatalf("viewers = %d", hub.Viewers())
	}
}
