package nats

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/types"
)

func startTestServer(t *testing.T, port int) *EmbeddedServer {
	t.Helper()
	srv, err := NewEmbeddedServer(EmbeddedServerConfig{Port: port})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestBridgeForwardsBusEvents(t *testing.T) {
	srv := startTestServer(t, 14291)

	client, err := NewClient(srv.URL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	received := make(chan *Message, 4)
	sub, err := client.Subscribe(SubjectPrefix+">", func(msg *Message) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	b := bus.New()
	bridge := NewBridge(client, b)
	defer bridge.Stop()

	ev := types.NewEvent(types.EventContextWarning)
	ev.SessionName = "dev-1"
	b.Publish(ev)

	select {
	case msg := <-received:
		if msg.Subject != SubjectPrefix+"context_warning" {
			t.Errorf("subject = %s", msg.Subject)
		}
		var got types.Event
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.SessionName != "dev-1" || got.Type != types.EventContextWarning {
			t.Errorf("event = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message forwarded")
	}
}

func TestBridgeStopDetaches(t *testing.T) {
	srv := startTestServer(t, 14292)

	client, err := NewClient(srv.URL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	received := make(chan *Message, 4)
	sub, err := client.Subscribe(SubjectPrefix+">", func(msg *Message) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	b := bus.New()
	bridge := NewBridge(client, b)
	bridge.Stop()

	b.Publish(types.NewEvent(types.EventAgentIdle))

	select {
	case msg := <-received:
		t.Fatalf("unexpected message after stop: %s", msg.Subject)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestEmbeddedServerLifecycle(t *testing.T) {
	srv := startTestServer(t, 14293)

	if !srv.IsRunning() {
		t.Fatal("server should be running")
	}
	if srv.URL() != "nats://127.0.0.1:14293" {
		t.Errorf("url = %s", srv.URL())
	}

	if err := srv.Start(); err == nil {
		t.Error("double start should fail")
	}

	srv.Shutdown()
	if srv.IsRunning() {
		t.Error("server should be stopped")
	}
	srv.Shutdown() // idempotent
}
