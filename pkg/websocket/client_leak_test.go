package websocket

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// Stop must wait for the run loop and the heartbeat; anything left behind
// shows up as a goroutine delta here.
func TestClient_StopLeavesNoGoroutines(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	time.Sleep(100 * time.Millisecond)
	before := runtime.NumGoroutine()

	client := NewClient(wsURL(server), func([]byte) {}, &noopLogger{})
	client.SetPingConfig(10*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond)

	client.Start()
	time.Sleep(200 * time.Millisecond)
	client.Stop()
	time.Sleep(50 * time.Millisecond)

	after := runtime.NumGoroutine()
	assert.LessOrEqual(t, after, before+1, "possible goroutine leak after Stop")
}
