package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SomethingGeneric/gort/internal/driver"
)

func dialHub(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_StreamsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewServer(Config{}, Options{Logger: testLogger()})
	go server.Hub().Run(ctx)

	conn := dialHub(t, server)
	require.Eventually(t, func() bool { return server.Hub().Count() == 1 }, time.Second, 10*time.Millisecond)

	server.Publish(driver.Event{Type: driver.EventRunStarted, ID: "a1", Repo: "octo/website"})
	server.Publish(driver.Event{Type: driver.EventToolCall, RunID: "run_1", Tool: "shell"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second driver.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))

	assert.Equal(t, driver.EventRunStarted, first.Type)
	assert.Equal(t, "octo/website", first.Repo)
	assert.False(t, first.Time.IsZero())
	assert.Equal(t, "shell", second.Tool)
}

func TestHub_ClientDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewServer(Config{}, Options{Logger: testLogger()})
	go server.Hub().Run(ctx)

	conn := dialHub(t, server)
	require.Eventually(t, func() bool { return server.Hub().Count() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return server.Hub().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	server := NewServer(Config{}, Options{Logger: testLogger()})
	go server.Hub().Run(ctx)

	conn := dialHub(t, server)
	require.Eventually(t, func() bool { return server.Hub().Count() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection closed when the hub stops")
}

func TestHub_BroadcastNeverBlocks(t *testing.T) {
	hub := NewHub(testLogger())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Broadcast(driver.Event{Type: driver.EventStatus})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked without a running hub")
	}
}
