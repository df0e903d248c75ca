package assign

import (
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/backend"
	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/types"
)

// Reason explains why assignNextTask produced no assignment
type Reason string

const (
	ReasonAssigned      Reason = ""
	ReasonNoTasks       Reason = "no_tasks"
	ReasonAllBlocked    Reason = "all_blocked"
	ReasonRoleMismatch  Reason = "role_mismatch"
	ReasonRateLimited   Reason = "rate_limited"
	ReasonCooldown      Reason = "cooldown"
	ReasonDailyLimit    Reason = "daily_limit"
	ReasonMaxConcurrent Reason = "max_concurrent"
	ReasonDisabled      Reason = "disabled"
)

// roleSubstitutes declares which roles may take another role's tasks.
// The graph is closed; roles not listed substitute for nothing.
var roleSubstitutes = map[string]string{
	"frontend-developer": "developer",
	"backend-developer":  "developer",
	"qa":                 "tester",
}

// TaskStore is the task persistence collaborator
type TaskStore interface {
	GetAll() ([]types.TaskRecord, error)
	GetByID(id string) (types.TaskRecord, error)
	UpdateStatus(id string, status types.TaskStatus, changedBy, reason string) error
}

// Deliverer pushes an assigned task to the agent's session. The
// delivery command shape is the collaborator's contract.
type Deliverer func(sessionName string, task types.TaskRecord) error

// FindRequest selects tasks for one session
type FindRequest struct {
	SessionName        string
	Role               string
	ProjectPath        string
	PreferredTaskTypes []string
}

// FindResult is the outcome of a queue search
type FindResult struct {
	Found  bool
	Task   types.QueuedTask
	Reason Reason
}

type projectState struct {
	config      types.AutoAssignConfig
	queue       []types.QueuedTask
	assignments []types.Assignment
	paused      bool
	recentAt    []time.Time // project-wide assignment times, for the per-minute guard
}

type agentState struct {
	agentID            string
	role               string
	preferredTaskTypes []string
	workload           int
	lastAssignment     time.Time
	dailyCount         int
	dailyCountDay      string
}

// Assigner matches queued tasks to idle agents. All state is guarded
// by one mutex; queue rebuilds swap the slice in atomically.
type Assigner struct {
	store   TaskStore
	bus     *bus.Bus
	backend backend.SessionBackend

	mu            sync.Mutex
	projects      map[string]*projectState
	agents        map[string]*agentState
	agentProjects map[string]string

	deliver Deliverer
	now     func() time.Time
}

// NewAssigner creates an assigner over the given task store. The
// default deliverer types the task into the session followed by Enter.
func NewAssigner(store TaskStore, eventBus *bus.Bus, b backend.SessionBackend) *Assigner {
	a := &Assigner{
		store:         store,
		bus:           eventBus,
		backend:       b,
		projects:      make(map[string]*projectState),
		agents:        make(map[string]*agentState),
		agentProjects: make(map[string]string),
		now:           time.Now,
	}
	a.deliver = a.defaultDeliver

	eventBus.Subscribe("assigner", types.EventTaskCompleted, a.onTaskCompleted)
	eventBus.Subscribe("assigner", types.EventAgentIdle, a.onAgentIdle)
	return a
}

// SetClock overrides the time source, for tests
func (a *Assigner) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// SetDeliverer replaces the task delivery collaborator
func (a *Assigner) SetDeliverer(d Deliverer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deliver = d
}

// RegisterProject installs a project's auto-assign config and builds
// its first queue.
func (a *Assigner) RegisterProject(projectPath string, cfg types.AutoAssignConfig) error {
	a.mu.Lock()
	a.projects[projectPath] = &projectState{config: cfg}
	a.mu.Unlock()
	return a.RefreshQueue(projectPath)
}

// SetConfig replaces a registered project's config, preserving queue
// and assignment history.
func (a *Assigner) SetConfig(projectPath string, cfg types.AutoAssignConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.projects[projectPath]; ok {
		p.config = cfg
	}
}

// SetPaused pauses or resumes assignment for a project
func (a *Assigner) SetPaused(projectPath string, paused bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.projects[projectPath]; ok {
		p.paused = paused
	}
}

// RegisterAgent binds a session to an agent identity, role, and project
func (a *Assigner) RegisterAgent(sessionName, agentID, role, projectPath string, preferredTaskTypes ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agents[sessionName] = &agentState{agentID: agentID, role: role, preferredTaskTypes: preferredTaskTypes}
	a.agentProjects[sessionName] = projectPath
}

// UnregisterAgent forgets a session
func (a *Assigner) UnregisterAgent(sessionName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.agents, sessionName)
	delete(a.agentProjects, sessionName)
}

// RefreshQueue rebuilds a project's queue from the task store and
// swaps it in.
func (a *Assigner) RefreshQueue(projectPath string) error {
	all, err := a.store.GetAll()
	if err != nil {
		return fmt.Errorf("failed to refresh task queue: %w", err)
	}
	queue := BuildQueue(all)

	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.projects[projectPath]
	if !ok {
		return fmt.Errorf("project %s is not registered", projectPath)
	}
	p.queue = queue
	return nil
}

// Queue returns a copy of a project's current queue
func (a *Assigner) Queue(projectPath string) []types.QueuedTask {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.projects[projectPath]
	if !ok {
		return nil
	}
	out := make([]types.QueuedTask, len(p.queue))
	copy(out, p.queue)
	return out
}

// Assignments returns a copy of a project's assignment history
func (a *Assigner) Assignments(projectPath string) []types.Assignment {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.projects[projectPath]
	if !ok {
		return nil
	}
	out := make([]types.Assignment, len(p.assignments))
	copy(out, p.assignments)
	return out
}

// FindNextTask returns the best eligible task for a session, or the
// reason none qualified.
func (a *Assigner) FindNextTask(req FindRequest) FindResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.projects[req.ProjectPath]
	if !ok {
		return FindResult{Reason: ReasonNoTasks}
	}
	return a.findNextLocked(p, req)
}

func (a *Assigner) findNextLocked(p *projectState, req FindRequest) FindResult {
	if len(p.queue) == 0 {
		return FindResult{Reason: ReasonNoTasks}
	}

	exclusiveTypes := make(map[string]string) // taskType -> owning role
	ruleByRole := make(map[string]types.RoleRule)
	for _, rule := range p.config.Strategy.RoleMatching {
		ruleByRole[rule.Role] = rule
		if rule.Exclusive {
			for _, tt := range rule.TaskTypes {
				exclusiveTypes[tt] = rule.Role
			}
		}
	}

	var eligible []types.QueuedTask
	roleRejected := 0
	blockedRejected := 0

	for _, task := range p.queue {
		if task.RequiredRole != "" && req.Role != task.RequiredRole && roleSubstitutes[req.Role] != task.RequiredRole {
			roleRejected++
			continue
		}
		if task.TaskType != "" {
			if rule, ok := ruleByRole[req.Role]; ok && !containsString(rule.TaskTypes, task.TaskType) {
				roleRejected++
				continue
			}
			if owner, ok := exclusiveTypes[task.TaskType]; ok && owner != req.Role {
				roleRejected++
				continue
			}
		}
		if p.config.Strategy.Dependencies.RespectBlocking && len(task.BlockedBy) > 0 {
			blockedRejected++
			continue
		}
		eligible = append(eligible, task)
	}

	if len(eligible) == 0 {
		if blockedRejected > 0 {
			return FindResult{Reason: ReasonAllBlocked}
		}
		if roleRejected > 0 {
			return FindResult{Reason: ReasonRoleMismatch}
		}
		return FindResult{Reason: ReasonNoTasks}
	}

	sortEligible(eligible, p.config.Strategy.Prioritization, req.PreferredTaskTypes)
	return FindResult{Found: true, Task: eligible[0]}
}

func sortEligible(tasks []types.QueuedTask, strategy types.PrioritizationStrategy, preferred []string) {
	pref := func(t types.QueuedTask) int {
		if t.TaskType != "" && containsString(preferred, t.TaskType) {
			return 0
		}
		return 1
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if pi, pj := pref(tasks[i]), pref(tasks[j]); pi != pj {
			return pi < pj
		}
		switch strategy {
		case types.PrioritizeFIFO:
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		case types.PrioritizeByDeadline:
			return deadlineKey(tasks[i]) < deadlineKey(tasks[j])
		default:
			return tasks[i].Priority < tasks[j].Priority
		}
	})
}

func deadlineKey(t types.QueuedTask) float64 {
	if t.EstimatedHours <= 0 {
		return math.Inf(1)
	}
	return t.EstimatedHours
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// AssignNextTask walks the precondition chain for a session and, when
// everything clears, assigns the best eligible task.
func (a *Assigner) AssignNextTask(sessionName string) (*types.Assignment, Reason) {
	a.mu.Lock()

	projectPath, ok := a.agentProjects[sessionName]
	if !ok {
		a.mu.Unlock()
		return nil, ReasonDisabled
	}
	p, ok := a.projects[projectPath]
	if !ok {
		a.mu.Unlock()
		return nil, ReasonDisabled
	}
	if !p.config.Enabled || p.paused {
		a.mu.Unlock()
		return nil, ReasonDisabled
	}

	agent, ok := a.agents[sessionName]
	if !ok {
		a.mu.Unlock()
		return nil, ReasonDisabled
	}

	now := a.now()

	if maxConcurrent := p.config.Strategy.LoadBalancing.MaxConcurrentTasks; maxConcurrent > 0 && agent.workload >= maxConcurrent {
		a.mu.Unlock()
		return nil, ReasonMaxConcurrent
	}

	if cooldown := time.Duration(p.config.Limits.CooldownBetweenTasks) * time.Second; cooldown > 0 &&
		!agent.lastAssignment.IsZero() && now.Sub(agent.lastAssignment) < cooldown {
		a.mu.Unlock()
		return nil, ReasonCooldown
	}

	today := now.UTC().Format("2006-01-02")
	if agent.dailyCountDay != today {
		agent.dailyCountDay = today
		agent.dailyCount = 0
	}
	if maxDaily := p.config.Limits.MaxAssignmentsPerDay; maxDaily > 0 && agent.dailyCount >= maxDaily {
		a.mu.Unlock()
		a.publishNoAssignment(sessionName, types.EventDailyLimit, ReasonDailyLimit)
		return nil, ReasonDailyLimit
	}

	if perMinute := p.config.Limits.MaxAssignmentsPerMinute; perMinute > 0 {
		cutoff := now.Add(-time.Minute)
		recent := p.recentAt[:0]
		for _, at := range p.recentAt {
			if at.After(cutoff) {
				recent = append(recent, at)
			}
		}
		p.recentAt = recent
		if len(recent) >= perMinute {
			a.mu.Unlock()
			return nil, ReasonRateLimited
		}
	}

	result := a.findNextLocked(p, FindRequest{
		SessionName:        sessionName,
		Role:               agent.role,
		ProjectPath:        projectPath,
		PreferredTaskTypes: agent.preferredTaskTypes,
	})
	if !result.Found {
		a.mu.Unlock()
		a.publishNoAssignment(sessionName, types.EventNoTasks, result.Reason)
		return nil, result.Reason
	}

	assignment := types.Assignment{
		ID:          uuid.New().String(),
		TaskID:      result.Task.TaskID,
		AgentID:     agent.agentID,
		SessionName: sessionName,
		AssignedAt:  now,
		Status:      types.AssignmentActive,
	}
	p.assignments = append(p.assignments, assignment)
	p.recentAt = append(p.recentAt, now)
	agent.workload++
	agent.dailyCount++
	agent.lastAssignment = now
	deliver := a.deliver
	a.mu.Unlock()

	log.Printf("[ASSIGN] Task %s assigned to %s", assignment.TaskID, sessionName)

	if err := a.store.UpdateStatus(assignment.TaskID, types.TaskInProgress, "assigner", "assigned to "+sessionName); err != nil {
		log.Printf("[ASSIGN] Failed to mark task %s in progress: %v", assignment.TaskID, err)
		a.publishError(sessionName, assignment.TaskID, err)
	}

	ev := types.NewEvent(types.EventTaskAssigned)
	ev.SessionName = sessionName
	ev.TaskID = assignment.TaskID
	ev.Metadata = map[string]string{"assignment_id": assignment.ID, "source": "assigner"}
	a.bus.Publish(ev)

	if err := a.RefreshQueue(projectPath); err != nil {
		log.Printf("[ASSIGN] Queue refresh after assignment failed: %v", err)
	}

	task, err := a.store.GetByID(assignment.TaskID)
	if err == nil && deliver != nil {
		if err := deliver(sessionName, task); err != nil {
			log.Printf("[ASSIGN] Delivery of task %s to %s failed: %v", assignment.TaskID, sessionName, err)
			a.publishError(sessionName, assignment.TaskID, err)
		}
	}

	return &assignment, ReasonAssigned
}

// defaultDeliver types the task into the session's prompt
func (a *Assigner) defaultDeliver(sessionName string, task types.TaskRecord) error {
	if a.backend == nil {
		return nil
	}
	if !a.backend.SessionExists(sessionName) {
		ev := types.NewEvent(types.EventSessionMissing)
		ev.SessionName = sessionName
		ev.TaskID = task.ID
		a.bus.Publish(ev)
		return fmt.Errorf("session %s does not exist", sessionName)
	}
	message := fmt.Sprintf("Please work on task %s: %s\n%s", task.ID, task.Title, task.Description)
	if err := a.backend.Write(sessionName, []byte(message)); err != nil {
		return err
	}
	return a.backend.SendKey(sessionName, backend.KeyEnter)
}

// CompleteTask marks the task's active assignment completed, emits
// task_completed, and immediately tries to hand the session its next
// task.
func (a *Assigner) CompleteTask(taskID string) {
	sessionName, projectPath, ok := a.closeAssignment(taskID, types.AssignmentCompleted)
	if !ok {
		log.Printf("[ASSIGN] task_completed for %s with no active assignment", taskID)
		return
	}

	if err := a.store.UpdateStatus(taskID, types.TaskDone, "assigner", "completed by "+sessionName); err != nil {
		log.Printf("[ASSIGN] Failed to mark task %s done: %v", taskID, err)
	}

	ev := types.NewEvent(types.EventTaskCompleted)
	ev.SessionName = sessionName
	ev.TaskID = taskID
	ev.Metadata = map[string]string{"source": "assigner"}
	a.bus.Publish(ev)

	// Rebuild the queue first so tasks blocked only on this one become
	// eligible for the follow-up assignment.
	if err := a.RefreshQueue(projectPath); err != nil {
		log.Printf("[ASSIGN] Queue refresh after completion failed: %v", err)
	}

	a.AssignNextTask(sessionName)
}

// MarkTaskFailed transitions the assignment to failed and emits
// task_failed. There is no automatic retry.
func (a *Assigner) MarkTaskFailed(taskID, sessionName, reason string) {
	_, projectPath, closed := a.closeAssignment(taskID, types.AssignmentFailed)

	if err := a.store.UpdateStatus(taskID, types.TaskFailed, "assigner", reason); err != nil {
		log.Printf("[ASSIGN] Failed to mark task %s failed: %v", taskID, err)
	}

	if closed {
		if err := a.RefreshQueue(projectPath); err != nil {
			log.Printf("[ASSIGN] Queue refresh after failure failed: %v", err)
		}
	}

	ev := types.NewEvent(types.EventTaskFailed)
	ev.SessionName = sessionName
	ev.TaskID = taskID
	ev.Metadata = map[string]string{"reason": reason, "source": "assigner"}
	a.bus.Publish(ev)
}

// closeAssignment finds the active assignment for a task and
// transitions it, releasing the agent's workload slot. It returns the
// session and project the assignment belonged to.
func (a *Assigner) closeAssignment(taskID string, status types.AssignmentStatus) (string, string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	for projectPath, p := range a.projects {
		for i := range p.assignments {
			assignment := &p.assignments[i]
			if assignment.TaskID != taskID || assignment.Status != types.AssignmentActive {
				continue
			}
			assignment.Status = status
			assignment.CompletedAt = &now
			if agent, ok := a.agents[assignment.SessionName]; ok && agent.workload > 0 {
				agent.workload--
			}
			return assignment.SessionName, projectPath, true
		}
	}
	return "", "", false
}

// onTaskCompleted handles external completion signals from the bus.
// Events the assigner published itself are skipped.
func (a *Assigner) onTaskCompleted(ev types.Event) error {
	if ev.Metadata["source"] == "assigner" {
		return nil
	}
	if ev.TaskID != "" {
		a.CompleteTask(ev.TaskID)
	}
	return nil
}

// onAgentIdle tries to hand an idle session new work
func (a *Assigner) onAgentIdle(ev types.Event) error {
	if ev.SessionName != "" {
		a.AssignNextTask(ev.SessionName)
	}
	return nil
}

func (a *Assigner) publishNoAssignment(sessionName string, eventType types.EventType, reason Reason) {
	ev := types.NewEvent(eventType)
	ev.SessionName = sessionName
	ev.Metadata = map[string]string{"reason": string(reason)}
	a.bus.Publish(ev)
}

func (a *Assigner) publishError(sessionName, taskID string, err error) {
	ev := types.NewEvent(types.EventAssignmentError)
	ev.SessionName = sessionName
	ev.TaskID = taskID
	ev.Metadata = map[string]string{"error": err.Error()}
	a.bus.Publish(ev)
}
