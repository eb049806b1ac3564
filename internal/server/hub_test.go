package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestEvents_BroadcastsCommandCreated(t *testing.T) {
	s, ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.run(ctx)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Registration goes through the hub's run loop; wait for it so the
	// broadcast below cannot race past an unregistered client.
	require.Eventually(t, func() bool {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		return len(s.hub.clients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	id := createCommand(t, ts.URL, "DELAY", map[string]any{"ms": 100})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev event
	require.NoError(t, json.Unmarshal(msg, &ev))
	require.Equal(t, "command.created", ev.Event)
	require.Equal(t, id, ev.CommandID)
	require.Equal(t, "PENDING", ev.Status)
	require.NotZero(t, ev.At)
}

func TestEvents_ClaimEventFollowsCreate(t *testing.T) {
	s, ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.run(ctx)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		return len(s.hub.clients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	id := createCommand(t, ts.URL, "DELAY", map[string]any{"ms": 100})
	claim := claimCommand(t, ts.URL, "agent-1")
	require.Equal(t, id, claim["commandId"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var events []string
	for range 2 {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev event
		require.NoError(t, json.Unmarshal(msg, &ev))
		events = append(events, ev.Event)
	}
	require.Equal(t, []string{"command.created", "command.claimed"}, events)
}

// publishEvent must never block the request path, running hub or not.
func TestPublishEvent_DropsWhenSaturated(t *testing.T) {
	s, _ := newTestServer(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 100 {
			s.publishEvent(event{Event: "command.created", CommandID: "x"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishEvent blocked with no hub consumer")
	}
}
