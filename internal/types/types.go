package types

import (
	"fmt"
	"time"
)

// SessionStatus represents the lifecycle state of an agent session
type SessionStatus string

const (
	StatusInactive SessionStatus = "inactive"
	StatusStarting SessionStatus = "starting"
	StatusStarted  SessionStatus = "started"
	StatusActive   SessionStatus = "active"
)

// statusRank orders statuses for monotonic progression checks
var statusRank = map[SessionStatus]int{
	StatusInactive: 0,
	StatusStarting: 1,
	StatusStarted:  2,
	StatusActive:   3,
}

// CanProgressTo reports whether moving from s to next is a forward
// transition. Recovery back to starting is always allowed.
func (s SessionStatus) CanProgressTo(next SessionStatus) bool {
	if next == StatusStarting {
		return true
	}
	return statusRank[next] >= statusRank[s]
}

// WorkingStatus indicates whether a session is busy with a task
type WorkingStatus string

const (
	WorkingIdle       WorkingStatus = "idle"
	WorkingInProgress WorkingStatus = "in_progress"
)

// RuntimeKind identifies which agent CLI runs inside a session
type RuntimeKind string

const (
	RuntimeClaudeCode RuntimeKind = "claude-code"
	RuntimeCodex      RuntimeKind = "codex"
	RuntimeGemini     RuntimeKind = "gemini"
)

// Session is a PTY-backed agent session tracked by the kernel
type Session struct {
	SessionName    string        `json:"session_name"`
	AgentID        string        `json:"agent_id"`
	Role           string        `json:"role"`
	TeamID         string        `json:"team_id"`
	MemberID       string        `json:"member_id"`
	ProjectPath    string        `json:"project_path"`
	RuntimeKind    RuntimeKind   `json:"runtime_kind"`
	Status         SessionStatus `json:"status"`
	WorkingStatus  WorkingStatus `json:"working_status"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
}

// Validate checks required session fields
func (s *Session) Validate() error {
	if s.SessionName == "" {
		return fmt.Errorf("session_name is required")
	}
	if s.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if s.RuntimeKind == "" {
		return fmt.Errorf("runtime_kind is required")
	}
	return nil
}

// ContextLevel classifies context-window pressure
type ContextLevel string

const (
	ContextNormal   ContextLevel = "normal"
	ContextYellow   ContextLevel = "yellow"
	ContextRed      ContextLevel = "red"
	ContextCritical ContextLevel = "critical"
)

// ContextThresholds holds the percent boundaries for each level
type ContextThresholds struct {
	Yellow   int `json:"yellow"`
	Red      int `json:"red"`
	Critical int `json:"critical"`
}

// DefaultContextThresholds returns the standard 70/85/95 boundaries
func DefaultContextThresholds() ContextThresholds {
	return ContextThresholds{Yellow: 70, Red: 85, Critical: 95}
}

// Validate checks threshold ordering
func (t ContextThresholds) Validate() error {
	if t.Yellow <= 0 || t.Yellow >= t.Red || t.Red >= t.Critical || t.Critical > 100 {
		return fmt.Errorf("thresholds must satisfy 0 < yellow < red < critical <= 100")
	}
	return nil
}

// LevelFor maps a context percentage to its level
func (t ContextThresholds) LevelFor(percent int) ContextLevel {
	switch {
	case percent >= t.Critical:
		return ContextCritical
	case percent >= t.Red:
		return ContextRed
	case percent >= t.Yellow:
		return ContextYellow
	default:
		return ContextNormal
	}
}

// ContextState tracks per-session context-window pressure
type ContextState struct {
	Level              ContextLevel `json:"level"`
	ContextPercent     int          `json:"context_percent"`
	LastDetectedAt     time.Time    `json:"last_detected_at"`
	RecoveryTriggered  bool         `json:"recovery_triggered"`
	RecoveryTimestamps []time.Time  `json:"recovery_timestamps"`
}

// TaskStatus is the lifecycle state of a task record
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
)

// TaskPriority names map to numeric urgency, lower = more urgent
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityMedium   TaskPriority = "medium"
	PriorityLow      TaskPriority = "low"
	PriorityBacklog  TaskPriority = "backlog"
)

// priorityRank converts named priorities to numbers
var priorityRank = map[TaskPriority]int{
	PriorityCritical: 1,
	PriorityHigh:     2,
	PriorityMedium:   3,
	PriorityLow:      4,
	PriorityBacklog:  5,
}

// Numeric returns the priority number; unknown priorities sort last
func (p TaskPriority) Numeric() int {
	if n, ok := priorityRank[p]; ok {
		return n
	}
	return 5
}

// TaskRecord is a task as supplied by the task store collaborator
type TaskRecord struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	Status         TaskStatus   `json:"status"`
	Priority       TaskPriority `json:"priority"`
	Assignee       string       `json:"assignee,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	Dependencies   []string     `json:"dependencies,omitempty"`
	Labels         []string     `json:"labels,omitempty"`
	EstimatedHours float64      `json:"estimated_hours,omitempty"`
}

// QueuedTask is the assignment-queue projection over an open task
type QueuedTask struct {
	TaskID         string    `json:"task_id"`
	RequiredRole   string    `json:"required_role,omitempty"`
	TaskType       string    `json:"task_type,omitempty"`
	Dependencies   []string  `json:"dependencies,omitempty"`
	BlockedBy      []string  `json:"blocked_by,omitempty"`
	Priority       int       `json:"priority"`
	CreatedAt      time.Time `json:"created_at"`
	EstimatedHours float64   `json:"estimated_hours,omitempty"`
}

// AssignmentStatus is the state of a task assignment
type AssignmentStatus string

const (
	AssignmentActive    AssignmentStatus = "active"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentFailed    AssignmentStatus = "failed"
)

// Assignment binds a task to an agent session
type Assignment struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	AgentID     string           `json:"agent_id"`
	SessionName string           `json:"session_name"`
	AssignedAt  time.Time        `json:"assigned_at"`
	Status      AssignmentStatus `json:"status"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// UsageRecord is a single token-usage observation, append-only per UTC day
type UsageRecord struct {
	AgentID       string    `json:"agent_id"`
	SessionName   string    `json:"session_name"`
	ProjectPath   string    `json:"project_path"`
	Timestamp     time.Time `json:"timestamp"`
	InputTokens   int64     `json:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens"`
	Model         string    `json:"model"`
	Operation     string    `json:"operation"`
	TaskID        string    `json:"task_id,omitempty"`
	EstimatedCost float64   `json:"estimated_cost"`
}

// BudgetScope is the granularity a budget applies at
type BudgetScope string

const (
	ScopeGlobal  BudgetScope = "global"
	ScopeProject BudgetScope = "project"
	ScopeAgent   BudgetScope = "agent"
)

// BudgetConfig limits spend for one scope
type BudgetConfig struct {
	Scope            BudgetScope `json:"scope" yaml:"scope"`
	ScopeID          string      `json:"scope_id" yaml:"scope_id"`
	DailyLimit       float64     `json:"daily_limit,omitempty" yaml:"daily_limit,omitempty"`
	WeeklyLimit      float64     `json:"weekly_limit,omitempty" yaml:"weekly_limit,omitempty"`
	MonthlyLimit     float64     `json:"monthly_limit,omitempty" yaml:"monthly_limit,omitempty"`
	MaxTokensPerTask int64       `json:"max_tokens_per_task,omitempty" yaml:"max_tokens_per_task,omitempty"`
	WarningThreshold float64     `json:"warning_threshold" yaml:"warning_threshold"`
}

// DefaultBudgetConfig is returned when no configured scope matches
func DefaultBudgetConfig(scopeID string) BudgetConfig {
	return BudgetConfig{
		Scope:            ScopeGlobal,
		ScopeID:          scopeID,
		WarningThreshold: 0.8,
	}
}

// Validate checks the warning threshold range
func (b BudgetConfig) Validate() error {
	if b.WarningThreshold < 0 || b.WarningThreshold > 1 {
		return fmt.Errorf("warning_threshold must be in [0,1]")
	}
	return nil
}

// FleetAgent is one agent's row in a fleet snapshot
type FleetAgent struct {
	ID            string  `json:"id"`
	SessionName   string  `json:"session_name"`
	Role          string  `json:"role"`
	ProjectName   string  `json:"project_name,omitempty"`
	Status        string  `json:"status"`
	CPUPercent    float64 `json:"cpu_percent"`
	SessionTokens int64   `json:"session_tokens"`
	Activity      string  `json:"activity,omitempty"`
}

// FleetStats aggregates fleet-wide counters
type FleetStats struct {
	ActiveCount  int   `json:"active_count"`
	IdleCount    int   `json:"idle_count"`
	DormantCount int   `json:"dormant_count"`
	TotalTokens  int64 `json:"total_tokens"`
}

// FleetSnapshot is an immutable view of the whole fleet
type FleetSnapshot struct {
	Timestamp time.Time    `json:"timestamp"`
	Agents    []FleetAgent `json:"agents"`
	Projects  []string     `json:"projects"`
	Stats     FleetStats   `json:"stats"`
}
