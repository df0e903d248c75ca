package nats

import (
	"log"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/types"
)

// SubjectPrefix roots every bridged event subject
const SubjectPrefix = "agentmux.event."

// Bridge republishes every bus event to NATS under
// agentmux.event.<type>, so external consumers can subscribe with
// wildcards.
type Bridge struct {
	client *Client
	bus    *bus.Bus
}

// NewBridge attaches to the bus and starts forwarding immediately
func NewBridge(client *Client, eventBus *bus.Bus) *Bridge {
	b := &Bridge{client: client, bus: eventBus}
	eventBus.SubscribeAll("nats-bridge", b.forward)
	return b
}

// Stop detaches the bridge from the bus
func (b *Bridge) Stop() {
	b.bus.Unsubscribe("nats-bridge")
}

func (b *Bridge) forward(ev types.Event) error {
	subject := SubjectPrefix + string(ev.Type)
	if err := b.client.PublishJSON(subject, ev); err != nil {
		// Forwarding is best effort; the in-process bus stays authoritative
		log.Printf("[NATS] Failed to forward %s: %v", ev.Type, err)
	}
	return nil
}
