package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := hub.Register("patient:1")

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("patient:1") != 1 {
		t.Fatalf("expected 1 client on patient:1, got %d", hub.TopicCount("patient:1"))
	}

	hub.Unregister(c)
	hub.Unregister(c)
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if _, ok := <-c.Send; ok {
		t.Fatal("expected Send to be closed")
	}
}

func TestHub_PublishOnlyToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	mine := hub.Register("patient:1")
	other := hub.Register("patient:2")

	err := hub.Publish(context.Background(), Event{Type: "notification", Topic: "patient:1", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case msg := <-mine.Send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Type != "notification" {
			t.Errorf("expected notification, got %s", ev.Type)
		}
	default:
		t.Fatal("expected an event for the subscribed topic")
	}
	select {
	case <-other.Send:
		t.Fatal("other topic must not receive the event")
	default:
	}
}

func TestHub_PublishDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := hub.Register("patient:1")
	for i := 0; i < sendBuffer+10; i++ {
		if err := hub.Publish(context.Background(), Event{Topic: "patient:1"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(c.Send) != sendBuffer {
		t.Errorf("expected a full buffer of %d, got %d", sendBuffer, len(c.Send))
	}
}

func TestHub_ConcurrentRegisterPublish(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := hub.Register("patient:1")
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			_ = hub.Publish(context.Background(), Event{Topic: "patient:1"})
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHandler_RejectsWithoutTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	denied := errors.New("denied")
	h := NewHandler(hub, func(echo.Context) (string, error) { return "", denied }, nil)

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), httptest.NewRecorder())
	if err := h.Connect(c); !errors.Is(err, denied) {
		t.Fatalf("expected topic error, got %v", err)
	}
	if hub.ClientCount() != 0 {
		t.Fatal("no client should be registered")
	}
}

func TestHandler_NotAnUpgrade(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	h := NewHandler(hub, func(echo.Context) (string, error) { return "patient:1", nil }, nil)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), rec)
	if err := h.Connect(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if hub.ClientCount() != 0 {
		t.Fatal("no client should be registered")
	}
}

func TestHandler_StreamsEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	h := NewHandler(hub, func(c echo.Context) (string, error) {
		return "patient:" + c.QueryParam("id"), nil
	}, []string{"https://dmp.example.fr"})

	e := echo.New()
	e.GET("/ws", h.Connect)
	server := httptest.NewServer(e)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?id=42"

	header := http.Header{"Origin": []string{"https://evil.example"}}
	if _, _, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatal("expected foreign origin to be rejected")
	}

	header = http.Header{"Origin": []string{"https://dmp.example.fr"}}
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount("patient:42") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := hub.Publish(context.Background(), Event{Type: "notification", Topic: "patient:42", Timestamp: time.Now()}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Topic != "patient:42" || received.Type != "notification" {
		t.Fatalf("unexpected event %+v", received)
	}

	conn.Close()
	deadline = time.Now().Add(time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Error("expected client to be unregistered after close")
	}
}
