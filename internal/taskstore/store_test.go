package taskstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmux/agentmux/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	task := types.TaskRecord{
		ID:             "T1",
		Title:          "Implement login",
		Description:    "depends on: T0",
		Status:         types.TaskOpen,
		Priority:       types.PriorityHigh,
		Assignee:       "developer",
		Dependencies:   []string{"T0"},
		Labels:         []string{"feature", "auth"},
		EstimatedHours: 4,
		CreatedAt:      time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	if err := s.Save(task); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetByID("T1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != task.Title || got.Priority != types.PriorityHigh || got.Assignee != "developer" {
		t.Errorf("got %+v", got)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != "T0" {
		t.Errorf("dependencies = %v", got.Dependencies)
	}
	if len(got.Labels) != 2 || got.Labels[0] != "feature" {
		t.Errorf("labels = %v", got.Labels)
	}
	if got.EstimatedHours != 4 {
		t.Errorf("estimated hours = %f", got.EstimatedHours)
	}
}

func TestSaveUpserts(t *testing.T) {
	s := openTestStore(t)

	task := types.TaskRecord{ID: "T1", Title: "First", Status: types.TaskOpen, Priority: types.PriorityLow}
	if err := s.Save(task); err != nil {
		t.Fatal(err)
	}
	task.Title = "Second"
	task.Priority = types.PriorityCritical
	if err := s.Save(task); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetByID("T1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Second" || got.Priority != types.PriorityCritical {
		t.Errorf("got %+v", got)
	}

	all, err := s.GetAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("tasks = %d, want 1", len(all))
	}
}

func TestGetByStatus(t *testing.T) {
	s := openTestStore(t)

	for _, task := range []types.TaskRecord{
		{ID: "T1", Title: "a", Status: types.TaskOpen, Priority: types.PriorityMedium},
		{ID: "T2", Title: "b", Status: types.TaskInProgress, Priority: types.PriorityMedium},
		{ID: "T3", Title: "c", Status: types.TaskOpen, Priority: types.PriorityMedium},
	} {
		if err := s.Save(task); err != nil {
			t.Fatal(err)
		}
	}

	open, err := s.GetByStatus(types.TaskOpen)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Errorf("open tasks = %d, want 2", len(open))
	}

	inProgress, err := s.GetInProgress()
	if err != nil {
		t.Fatal(err)
	}
	if len(inProgress) != 1 || inProgress[0].ID != "T2" {
		t.Errorf("in-progress tasks = %+v, want T2", inProgress)
	}
}

func TestGetByAssignee(t *testing.T) {
	s := openTestStore(t)

	for _, task := range []types.TaskRecord{
		{ID: "T1", Title: "a", Status: types.TaskOpen, Priority: types.PriorityMedium, Assignee: "developer"},
		{ID: "T2", Title: "b", Status: types.TaskOpen, Priority: types.PriorityMedium, Assignee: "tester"},
	} {
		if err := s.Save(task); err != nil {
			t.Fatal(err)
		}
	}

	tasks, err := s.GetByAssignee("developer")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != "T1" {
		t.Errorf("tasks = %+v, want T1", tasks)
	}
}

func TestUpdateStatusRecordsHistory(t *testing.T) {
	s := openTestStore(t)

	if err := s.Save(types.TaskRecord{ID: "T1", Title: "a", Status: types.TaskOpen, Priority: types.PriorityMedium}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus("T1", types.TaskInProgress, "assigner", "assigned to dev-1"); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetByID("T1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.TaskInProgress {
		t.Errorf("status = %s", got.Status)
	}

	if err := s.UpdateStatus("missing", types.TaskDone, "assigner", ""); err == nil {
		t.Error("updating a missing task should fail")
	}
}
