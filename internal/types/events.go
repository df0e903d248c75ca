package types

import (
	"time"

	"github.com/google/uuid"
)

// EventType names the topics published on the event bus
type EventType string

const (
	EventContextWarning     EventType = "context_warning"
	EventContextCritical    EventType = "context_critical"
	EventSessionExited      EventType = "session_exited"
	EventTaskAssigned       EventType = "task_assigned"
	EventTaskCompleted      EventType = "task_completed"
	EventTaskFailed         EventType = "task_failed"
	EventNoTasks            EventType = "no_tasks"
	EventAgentIdle          EventType = "agent_idle"
	EventBudgetWarning      EventType = "budget_warning"
	EventBudgetExceeded     EventType = "budget_exceeded"
	EventRecoverySuppressed EventType = "recovery_suppressed"
	EventDailyLimit         EventType = "daily_limit"
	EventBufferCapped       EventType = "buffer_capped"
	EventAssignmentError    EventType = "assignment_error"
	EventSessionMissing     EventType = "session_missing"
)

// Event is the flat envelope published on the bus
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	Timestamp     time.Time         `json:"timestamp"`
	AgentID       string            `json:"agentId,omitempty"`
	SessionName   string            `json:"sessionName,omitempty"`
	TeamID        string            `json:"teamId,omitempty"`
	MemberID      string            `json:"memberId,omitempty"`
	TaskID        string            `json:"taskId,omitempty"`
	ChangedField  string            `json:"changedField,omitempty"`
	PreviousValue string            `json:"previousValue,omitempty"`
	NewValue      string            `json:"newValue,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates an event with a fresh id and current timestamp
func NewEvent(eventType EventType) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}
