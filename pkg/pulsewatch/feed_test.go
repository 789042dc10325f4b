package pulsewatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestStatusFeedCatchUpAndPublish(t *testing.T) {
	f := NewStatusFeed(zap.NewNop().Sugar(), "unused")
	defer f.Stop()

	server := httptest.NewServer(http.HandlerFunc(f.handleSubscriber))
	defer server.Close()

	// publish before anyone subscribes; the snapshot must be retained
	f.Publish(Snapshot{Volume: 42, Description: "Built-in Audio"})

	url := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial status feed: %v", err)
	}
	defer conn.Close()

	readSnapshot := func() Snapshot {
		t.Helper()

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read status frame: %v", err)
		}

		var snap Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			t.Fatalf("unmarshal status frame: %v", err)
		}

		return snap
	}

	// a late subscriber is caught up with the current state right away
	if snap := readSnapshot(); snap.Volume != 42 || snap.Description != "Built-in Audio" {
		t.Errorf("catch-up frame = %+v", snap)
	}

	// and receives subsequent changes as they happen
	f.Publish(Snapshot{Volume: 43, Muted: true})

	if snap := readSnapshot(); snap.Volume != 43 || !snap.Muted {
		t.Errorf("published frame = %+v", snap)
	}
}
