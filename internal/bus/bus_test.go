package bus

import (
	"errors"
	"testing"

	"github.com/agentmux/agentmux/internal/types"
)

func TestPublishDeliversToTopicSubscribers(t *testing.T) {
	b := New()
	var got []types.EventType

	b.Subscribe("s1", types.EventTaskAssigned, func(ev types.Event) error {
		got = append(got, ev.Type)
		return nil
	})

	b.Publish(types.NewEvent(types.EventTaskAssigned))
	b.Publish(types.NewEvent(types.EventNoTasks)) // no subscriber

	if len(got) != 1 || got[0] != types.EventTaskAssigned {
		t.Errorf("expected one task_assigned delivery, got %v", got)
	}
}

func TestSubscribeAllSeesEveryTopic(t *testing.T) {
	b := New()
	count := 0
	b.SubscribeAll("all", func(ev types.Event) error {
		count++
		return nil
	})

	b.Publish(types.NewEvent(types.EventTaskAssigned))
	b.Publish(types.NewEvent(types.EventBudgetWarning))

	if count != 2 {
		t.Errorf("expected 2 deliveries, got %d", count)
	}
}

func TestFailingSubscriberIsDropped(t *testing.T) {
	b := New()
	calls := 0
	b.Subscribe("bad", types.EventSessionExited, func(ev types.Event) error {
		calls++
		return errors.New("sink closed")
	})

	b.Publish(types.NewEvent(types.EventSessionExited))
	b.Publish(types.NewEvent(types.EventSessionExited))

	if calls != 1 {
		t.Errorf("failing subscriber should receive exactly one event, got %d", calls)
	}
	if b.SubscriberCount(types.EventSessionExited) != 0 {
		t.Error("failing subscriber should have been removed")
	}
}

func TestUnsubscribeRemovesAllRegistrations(t *testing.T) {
	b := New()
	b.Subscribe("x", types.EventTaskAssigned, func(types.Event) error { return nil })
	b.Subscribe("x", types.EventTaskCompleted, func(types.Event) error { return nil })
	b.SubscribeAll("x", func(types.Event) error { return nil })

	b.Unsubscribe("x")

	if b.SubscriberCount(types.EventTaskAssigned) != 0 {
		t.Error("expected no subscribers after unsubscribe")
	}
}
