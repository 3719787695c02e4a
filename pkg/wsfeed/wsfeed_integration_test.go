package wsfeed

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// headerServer accepts one subscription and streams canned headers.
func headerServer(t *testing.T, headers []Header) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Expect the eth_subscribe request first.
		var req map[string]interface{}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req["method"] != "eth_subscribe" {
			t.Errorf("expected eth_subscribe, got %v", req["method"])
			return
		}
		_ = conn.WriteJSON(map[string]interface{}{
			"jsonrpc": "2.0", "id": 1, "result": "0xfeed",
		})

		for _, h := range headers {
			notification := map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "eth_subscription",
				"params": map[string]interface{}{
					"subscription": "0xfeed",
					"result": map[string]string{
						"number":    hexUint(h.Number),
						"timestamp": hexUint(h.Time),
						"hash":      h.Hash.Hex(),
					},
				},
			}
			if err := conn.WriteJSON(notification); err != nil {
				return
			}
		}

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func hexUint(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestFeedDeliversHeaders(t *testing.T) {
	server := headerServer(t, []Header{
		{Number: 100, Time: 1000},
		{Number: 101, Time: 1002},
	})
	defer server.Close()

	f := New(wsURL(server), wsURL(server), 8, testLogger())
	go f.Run()
	defer f.Stop()

	var got []Header
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case h := <-f.Headers():
			got = append(got, h)
		case <-timeout:
			t.Fatalf("only %d headers arrived", len(got))
		}
	}

	assert.Equal(t, uint64(100), got[0].Number)
	assert.Equal(t, uint64(1000), got[0].Time)
	assert.Equal(t, uint64(101), got[1].Number)
	assert.True(t, f.Healthy())
}

func TestFeedFailsOverToBackup(t *testing.T) {
	backup := headerServer(t, []Header{{Number: 777, Time: 2000}})
	defer backup.Close()

	// Primary refuses connections entirely.
	f := New("ws://127.0.0.1:1", wsURL(backup), 8, testLogger())
	f.attempts = maxAttemptsPerTarget - 1 // one failure away from failover
	go f.Run()
	defer f.Stop()

	select {
	case h := <-f.Headers():
		assert.Equal(t, uint64(777), h.Number)
	case <-time.After(10 * time.Second):
		t.Fatal("backup header never arrived")
	}
}

func TestFeedFatalWhenBothExhausted(t *testing.T) {
	f := New("ws://127.0.0.1:1", "ws://127.0.0.1:2", 8, testLogger())
	f.attempts = maxAttemptsPerTarget - 1
	f.usingBackup = true
	go f.Run()
	defer f.Stop()

	select {
	case err := <-f.Fatal():
		require.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("fatal signal never fired")
	}
}
