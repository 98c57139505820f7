package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/janus-adapter/internal/core"
)

var upgrader = websocket.Upgrader{
	Subprotocols: []string{Subprotocol},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// echoServer upgrades and echoes every text frame back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialSendReceive(t *testing.T) {
	srv := echoServer(t)

	inbound := make(chan core.Frame, 1)
	conn, err := Dial(context.Background(), wsURL(srv),
		func(f core.Frame) { inbound <- f }, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.TrySend(core.Frame(`{"janus":"create"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case f := <-inbound:
		if string(f) != `{"janus":"create"}` {
			t.Fatalf("wrong echo: %s", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}
}

func TestCloseReportsNilError(t *testing.T) {
	srv := echoServer(t)

	closed := make(chan error, 1)
	conn, err := Dial(context.Background(), wsURL(srv), nil,
		func(err error) { closed <- err })
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	conn.Close()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("deliberate close reported error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onClose not invoked")
	}

	if err := conn.TrySend(core.Frame("x")); err == nil {
		t.Fatal("send after close must fail")
	}
}

func TestServerCloseReportsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close() // drop the client immediately
	}))
	t.Cleanup(srv.Close)

	closed := make(chan error, 1)
	_, err := Dial(context.Background(), wsURL(srv), nil,
		func(err error) { closed <- err })
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case err := <-closed:
		if err == nil {
			t.Fatal("abnormal close must report an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onClose not invoked")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := echoServer(t)
	conn, err := Dial(context.Background(), wsURL(srv), nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
	conn.Close()
}
