package types

import "fmt"

// AgentmuxHomeDir is the per-project directory holding agentmux config
const AgentmuxHomeDir = ".agentmux"

// PrioritizationStrategy orders eligible tasks during assignment
type PrioritizationStrategy string

const (
	PrioritizeByPriority PrioritizationStrategy = "priority"
	PrioritizeFIFO       PrioritizationStrategy = "fifo"
	PrioritizeByDeadline PrioritizationStrategy = "deadline"
)

// RoleRule maps a role to the task types it may take
type RoleRule struct {
	Role      string   `yaml:"role" json:"role"`
	TaskTypes []string `yaml:"taskTypes" json:"taskTypes"`
	Exclusive bool     `yaml:"exclusive,omitempty" json:"exclusive,omitempty"`
}

// AutoAssignStrategy configures how tasks are matched to agents
type AutoAssignStrategy struct {
	Prioritization PrioritizationStrategy `yaml:"prioritization" json:"prioritization"`
	RoleMatching   []RoleRule             `yaml:"roleMatching" json:"roleMatching"`
	LoadBalancing  struct {
		MaxConcurrentTasks int `yaml:"maxConcurrentTasks" json:"maxConcurrentTasks"`
	} `yaml:"loadBalancing" json:"loadBalancing"`
	Dependencies struct {
		RespectBlocking bool `yaml:"respectBlocking" json:"respectBlocking"`
	} `yaml:"dependencies" json:"dependencies"`
}

// AutoAssignLimits rate-limits assignment per agent and per project.
// CooldownBetweenTasks is in seconds. MaxAssignmentsPerMinute is
// project-wide; zero means unlimited.
type AutoAssignLimits struct {
	MaxAssignmentsPerDay    int `yaml:"maxAssignmentsPerDay" json:"maxAssignmentsPerDay"`
	CooldownBetweenTasks    int `yaml:"cooldownBetweenTasks" json:"cooldownBetweenTasks"`
	MaxAssignmentsPerMinute int `yaml:"maxAssignmentsPerMinute,omitempty" json:"maxAssignmentsPerMinute,omitempty"`
}

// AutoAssignConfig is loaded from <project>/.agentmux/auto-assign.yaml
type AutoAssignConfig struct {
	Enabled  bool               `yaml:"enabled" json:"enabled"`
	Strategy AutoAssignStrategy `yaml:"strategy" json:"strategy"`
	Limits   AutoAssignLimits   `yaml:"limits" json:"limits"`
}

// DefaultAutoAssignConfig returns the safe defaults used when the
// config file is missing or malformed
func DefaultAutoAssignConfig() AutoAssignConfig {
	cfg := AutoAssignConfig{Enabled: false}
	cfg.Strategy.Prioritization = PrioritizeByPriority
	cfg.Strategy.LoadBalancing.MaxConcurrentTasks = 1
	cfg.Strategy.Dependencies.RespectBlocking = true
	cfg.Limits.MaxAssignmentsPerDay = 20
	cfg.Limits.CooldownBetweenTasks = 60
	return cfg
}

// Validate checks strategy and limit values
func (c AutoAssignConfig) Validate() error {
	switch c.Strategy.Prioritization {
	case PrioritizeByPriority, PrioritizeFIFO, PrioritizeByDeadline, "":
	default:
		return fmt.Errorf("unknown prioritization strategy: %s", c.Strategy.Prioritization)
	}
	if c.Strategy.LoadBalancing.MaxConcurrentTasks < 0 {
		return fmt.Errorf("maxConcurrentTasks must not be negative")
	}
	if c.Limits.MaxAssignmentsPerDay < 0 {
		return fmt.Errorf("maxAssignmentsPerDay must not be negative")
	}
	if c.Limits.CooldownBetweenTasks < 0 {
		return fmt.Errorf("cooldownBetweenTasks must not be negative")
	}
	return nil
}

// RuntimeEntry describes one runtime variant in runtime-config.json
type RuntimeEntry struct {
	DisplayName    string `json:"displayName"`
	InitScript     string `json:"initScript"`
	WelcomeMessage string `json:"welcomeMessage"`
	Timeout        int    `json:"timeout"` // milliseconds
	Description    string `json:"description,omitempty"`
}

// RuntimeConfig maps runtime kinds to their variant descriptions
type RuntimeConfig struct {
	Runtimes map[RuntimeKind]RuntimeEntry `json:"runtimes"`
}

// BudgetFile is the on-disk shape of budgets.json / budgets.yaml
type BudgetFile struct {
	Global   *BudgetConfig           `json:"global,omitempty" yaml:"global,omitempty"`
	Projects map[string]BudgetConfig `json:"projects,omitempty" yaml:"projects,omitempty"`
	Agents   map[string]BudgetConfig `json:"agents,omitempty" yaml:"agents,omitempty"`
}
