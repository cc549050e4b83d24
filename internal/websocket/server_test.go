package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlipin/skytrack/pkg/logger"
)

func newTestHub(t *testing.T) (*Server, *gorilla.Conn) {
	t.Helper()

	server := NewServer(logger.NewNop())
	go server.Run()

	ts := httptest.NewServer(http.HandlerFunc(server.HandleConnection))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return server.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	return server, conn
}

func readMessage(t *testing.T, conn *gorilla.Conn) *Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var msg Message
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &msg))
	return &msg
}

func TestBroadcastReachesClient(t *testing.T) {
	server, conn := newTestHub(t)

	server.Broadcast(&Message{
		Type: MessageTypeAircraftAdded,
		Data: map[string]any{"icao": "4840d6", "surface": false},
	})

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeAircraftAdded, msg.Type)
	assert.Equal(t, "4840d6", msg.Data["icao"])
}

func TestFilterUpdateSuppressesSurface(t *testing.T) {
	server, conn := newTestHub(t)

	update := Message{
		Type: MessageTypeFilterUpdate,
		Data: map[string]any{"show_airborne": true, "show_surface": false},
	}
	raw, err := json.Marshal(update)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, raw))

	// The filter is applied on the client's read pump; wait for it to land.
	require.Eventually(t, func() bool {
		server.mu.RLock()
		defer server.mu.RUnlock()
		for client := range server.clients {
			client.mu.Lock()
			set := client.filters != nil
			client.mu.Unlock()
			return set
		}
		return false
	}, time.Second, 10*time.Millisecond)

	server.Broadcast(&Message{
		Type: MessageTypeAircraftUpdate,
		Data: map[string]any{"icao": "aaaaaa", "surface": true},
	})
	server.Broadcast(&Message{
		Type: MessageTypeAircraftUpdate,
		Data: map[string]any{"icao": "bbbbbb", "surface": false},
	})

	// Only the airborne aircraft arrives.
	msg := readMessage(t, conn)
	assert.Equal(t, "bbbbbb", msg.Data["icao"])
}

func TestSelectedICAOBypassesFilters(t *testing.T) {
	server, conn := newTestHub(t)

	update := Message{
		Type: MessageTypeFilterUpdate,
		Data: map[string]any{
			"show_airborne": false,
			"show_surface":  false,
			"selected_icao": "4840d6",
		},
	}
	raw, err := json.Marshal(update)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, raw))

	require.Eventually(t, func() bool {
		server.mu.RLock()
		defer server.mu.RUnlock()
		for client := range server.clients {
			client.mu.Lock()
			set := client.filters != nil
			client.mu.Unlock()
			return set
		}
		return false
	}, time.Second, 10*time.Millisecond)

	server.Broadcast(&Message{
		Type: MessageTypeAircraftUpdate,
		Data: map[string]any{"icao": "4840d6", "surface": false},
	})

	msg := readMessage(t, conn)
	assert.Equal(t, "4840d6", msg.Data["icao"])
}

func TestNonAircraftMessagesAlwaysPass(t *testing.T) {
	server, conn := newTestHub(t)

	update := Message{
		Type: MessageTypeFilterUpdate,
		Data: map[string]any{"show_airborne": false, "show_surface": false},
	}
	raw, err := json.Marshal(update)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, raw))

	require.Eventually(t, func() bool {
		server.mu.RLock()
		defer server.mu.RUnlock()
		for client := range server.clients {
			client.mu.Lock()
			set := client.filters != nil
			client.mu.Unlock()
			return set
		}
		return false
	}, time.Second, 10*time.Millisecond)

	server.Broadcast(&Message{
		Type: MessageTypeStats,
		Data: map[string]any{"stats": map[string]any{"live_aircraft": 3}},
	})

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeStats, msg.Type)
}

func TestClientCountDropsOnDisconnect(t *testing.T) {
	server, conn := newTestHub(t)
	require.Equal(t, 1, server.ClientCount())

	conn.Close()
	require.Eventually(t, func() bool {
		return server.ClientCount() == 0
	}, time.Second, 10*time.Millisecond)
}
