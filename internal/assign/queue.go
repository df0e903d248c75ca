// Package assign builds per-project queues of open tasks and matches
// them to idle agent sessions under role rules and rate limits.
package assign

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/agentmux/agentmux/internal/types"
)

var (
	dependsHint   = regexp.MustCompile(`(?im)^\s*depends on:\s*(.+)$`)
	estimatedHint = regexp.MustCompile(`(?im)^\s*estimated:\s*(\d+(?:\.\d+)?)\s*h`)
	labelsHint    = regexp.MustCompile(`(?im)^\s*labels:\s*(.+)$`)
)

// descriptionHints are the optional structured fields a task author can
// embed in free text.
type descriptionHints struct {
	dependencies   []string
	estimatedHours float64
	labels         []string
}

func parseDescriptionHints(description string) descriptionHints {
	var h descriptionHints
	if m := dependsHint.FindStringSubmatch(description); m != nil {
		h.dependencies = splitCSV(m[1])
	}
	if m := estimatedHint.FindStringSubmatch(description); m != nil {
		h.estimatedHours, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := labelsHint.FindStringSubmatch(description); m != nil {
		h.labels = splitCSV(m[1])
	}
	return h
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// BuildQueue projects the store's open tasks into queued tasks. A
// task's blockedBy is the subset of its dependencies whose status is
// still open or in progress; done and failed dependencies never block.
func BuildQueue(all []types.TaskRecord) []types.QueuedTask {
	unresolved := make(map[string]bool, len(all))
	for _, task := range all {
		if task.Status == types.TaskOpen || task.Status == types.TaskInProgress {
			unresolved[task.ID] = true
		}
	}

	var queue []types.QueuedTask
	for _, task := range all {
		if task.Status != types.TaskOpen {
			continue
		}
		queue = append(queue, projectTask(task, unresolved))
	}
	return queue
}

func projectTask(task types.TaskRecord, unresolved map[string]bool) types.QueuedTask {
	hints := parseDescriptionHints(task.Description)

	deps := mergeUnique(task.Dependencies, hints.dependencies)
	labels := mergeUnique(task.Labels, hints.labels)

	estimated := task.EstimatedHours
	if estimated == 0 {
		estimated = hints.estimatedHours
	}

	var blockedBy []string
	for _, dep := range deps {
		if unresolved[dep] {
			blockedBy = append(blockedBy, dep)
		}
	}

	q := types.QueuedTask{
		TaskID:         task.ID,
		RequiredRole:   task.Assignee,
		Dependencies:   deps,
		BlockedBy:      blockedBy,
		Priority:       task.Priority.Numeric(),
		CreatedAt:      task.CreatedAt,
		EstimatedHours: estimated,
	}
	if len(labels) > 0 {
		q.TaskType = labels[0]
	}
	return q
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
