package webassistant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newEchoServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func (a *WSAssistant) connected() bool {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.conn != nil
}

func TestWSAssistantRunDeliversMessages(t *testing.T) {
	t.Parallel()

	srv, wsURL := newEchoServer(t)
	defer srv.Close()

	a := NewWSAssistant(wsURL, nil, "", time.Second, 5*time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go a.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !a.connected() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for connection")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := a.Send(context.Background(), map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	select {
	case msg := <-a.Messages():
		if !strings.Contains(string(msg), "hello") {
			t.Errorf("message = %s, want to contain hello", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed message")
	}
}
