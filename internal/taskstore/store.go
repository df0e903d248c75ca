// Package taskstore persists task records to SQLite and serves the
// assignment queue's reads.
package taskstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentmux/agentmux/internal/types"
)

// Store persists tasks to SQLite
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the task database at path and runs migrations
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task database: %w", err)
	}
	s := NewStore(db)
	if err := s.Init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore creates a store over an existing database handle
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the tasks table
func (s *Store) Init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL DEFAULT 'open',
			priority TEXT NOT NULL DEFAULT 'medium',
			assignee TEXT,
			dependencies TEXT,
			labels TEXT,
			estimated_hours REAL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create tasks table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			task_id TEXT NOT NULL,
			from_status TEXT,
			to_status TEXT NOT NULL,
			changed_by TEXT,
			reason TEXT,
			changed_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create task_history table: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Save creates or updates a task
func (s *Store) Save(task types.TaskRecord) error {
	deps, _ := json.Marshal(task.Dependencies)
	labels, _ := json.Marshal(task.Labels)

	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO tasks (id, title, description, status, priority, assignee, dependencies, labels, estimated_hours, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title,
			description=excluded.description,
			status=excluded.status,
			priority=excluded.priority,
			assignee=excluded.assignee,
			dependencies=excluded.dependencies,
			labels=excluded.labels,
			estimated_hours=excluded.estimated_hours,
			updated_at=excluded.updated_at
	`,
		task.ID, task.Title, task.Description, string(task.Status),
		string(task.Priority), task.Assignee, string(deps), string(labels),
		task.EstimatedHours, task.CreatedAt, time.Now().UTC(),
	)
	return err
}

// GetByID retrieves a task by id
func (s *Store) GetByID(id string) (types.TaskRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, title, description, status, priority, assignee, dependencies, labels, estimated_hours, created_at
		FROM tasks WHERE id = ?
	`, id)
	return scanTask(row.Scan)
}

// GetByStatus retrieves all tasks with a given status
func (s *Store) GetByStatus(status types.TaskStatus) ([]types.TaskRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, title, description, status, priority, assignee, dependencies, labels, estimated_hours, created_at
		FROM tasks WHERE status = ? ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetInProgress retrieves every task currently being worked
func (s *Store) GetInProgress() ([]types.TaskRecord, error) {
	return s.GetByStatus(types.TaskInProgress)
}

// GetByAssignee retrieves tasks assigned to one team member or role
func (s *Store) GetByAssignee(assignee string) ([]types.TaskRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, title, description, status, priority, assignee, dependencies, labels, estimated_hours, created_at
		FROM tasks WHERE assignee = ? ORDER BY created_at
	`, assignee)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetAll retrieves every task
func (s *Store) GetAll() ([]types.TaskRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, title, description, status, priority, assignee, dependencies, labels, estimated_hours, created_at
		FROM tasks ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateStatus transitions a task and records the change
func (s *Store) UpdateStatus(id string, status types.TaskStatus, changedBy, reason string) error {
	var previous string
	err := s.db.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&previous)
	if err != nil {
		return fmt.Errorf("task %s not found: %w", id, err)
	}

	if _, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id); err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO task_history (task_id, from_status, to_status, changed_by, reason, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, previous, string(status), changedBy, reason, time.Now().UTC())
	return err
}

// Delete removes a task
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	return err
}

func scanTask(scan func(dest ...any) error) (types.TaskRecord, error) {
	var task types.TaskRecord
	var status, priority string
	var assignee, deps, labels sql.NullString
	var estimated sql.NullFloat64

	err := scan(
		&task.ID, &task.Title, &task.Description, &status, &priority,
		&assignee, &deps, &labels, &estimated, &task.CreatedAt,
	)
	if err != nil {
		return types.TaskRecord{}, err
	}

	task.Status = types.TaskStatus(status)
	task.Priority = types.TaskPriority(priority)
	if assignee.Valid {
		task.Assignee = assignee.String
	}
	if estimated.Valid {
		task.EstimatedHours = estimated.Float64
	}
	if deps.Valid && deps.String != "" {
		// Bad JSON leaves the field empty rather than failing the read
		if err := json.Unmarshal([]byte(deps.String), &task.Dependencies); err != nil {
			task.Dependencies = nil
		}
	}
	if labels.Valid && labels.String != "" {
		if err := json.Unmarshal([]byte(labels.String), &task.Labels); err != nil {
			task.Labels = nil
		}
	}
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]types.TaskRecord, error) {
	var tasks []types.TaskRecord
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
