package budget

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/types"
)

// Period is a rolling budget window, bucketed on UTC boundaries
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// Validate rejects unknown periods
func (p Period) Validate() error {
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth:
		return nil
	}
	return fmt.Errorf("unknown budget period: %q", p)
}

// Bounds returns the [from, to) UTC bucket containing at. Weeks start
// on Monday.
func (p Period) Bounds(at time.Time) (time.Time, time.Time) {
	at = at.UTC()
	switch p {
	case PeriodWeek:
		day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		from := day.AddDate(0, 0, -offset)
		return from, from.AddDate(0, 0, 7)
	case PeriodMonth:
		from := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(0, 1, 0)
	default:
		from := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(0, 0, 1)
	}
}

// UsageTotals sums one slice of the usage log
type UsageTotals struct {
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
	Records       int     `json:"records"`
}

func (t *UsageTotals) add(r types.UsageRecord) {
	t.InputTokens += r.InputTokens
	t.OutputTokens += r.OutputTokens
	t.EstimatedCost += r.EstimatedCost
	t.Records++
}

// UsageSummary is the answer to a usage query for one scope id
type UsageSummary struct {
	ScopeID     string                 `json:"scope_id"`
	Period      Period                 `json:"period"`
	From        time.Time              `json:"from"`
	To          time.Time              `json:"to"`
	Totals      UsageTotals            `json:"totals"`
	ByOperation map[string]UsageTotals `json:"by_operation"`
	ByModel     map[string]UsageTotals `json:"by_model"`
}

// ReportRequest selects the slice a usage report covers. Empty filters
// match everything.
type ReportRequest struct {
	Period      Period `json:"period"`
	ProjectPath string `json:"project_path,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
}

// Report groups period spend by agent
type Report struct {
	Period  Period                 `json:"period"`
	From    time.Time              `json:"from"`
	To      time.Time              `json:"to"`
	Totals  UsageTotals            `json:"totals"`
	ByAgent map[string]UsageTotals `json:"by_agent"`
	Agents  []string               `json:"agents"`
}

// AlertFunc observes a budget crossing
type AlertFunc func(cfg types.BudgetConfig, period Period, spend float64)

// Meter prices usage records, persists them, and raises edge-triggered
// alerts per (scope, scope id, period, bucket). An alert fires once
// when a bucket's spend first crosses its line and stays silent until
// the bucket rolls over.
type Meter struct {
	log    *UsageLog
	config *ConfigStore
	bus    *bus.Bus

	mu      sync.Mutex
	alerted map[string]int // 0 quiet, 1 warned, 2 exceeded

	onWarning  AlertFunc
	onExceeded AlertFunc

	now func() time.Time
}

// NewMeter creates a meter over the given usage log and budget config
func NewMeter(usageLog *UsageLog, config *ConfigStore, eventBus *bus.Bus) *Meter {
	return &Meter{
		log:     usageLog,
		config:  config,
		bus:     eventBus,
		alerted: make(map[string]int),
		now:     time.Now,
	}
}

// SetClock overrides the time source, for tests
func (m *Meter) SetClock(now func() time.Time) {
	m.now = now
}

// OnBudgetWarning registers the warning callback
func (m *Meter) OnBudgetWarning(fn AlertFunc) { m.onWarning = fn }

// OnBudgetExceeded registers the exceeded callback
func (m *Meter) OnBudgetExceeded(fn AlertFunc) { m.onExceeded = fn }

// RecordUsage prices the record, appends it to the per-day log, and
// evaluates every budget the record counts against. The append is
// durable before any alert fires.
func (m *Meter) RecordUsage(r types.UsageRecord) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = m.now().UTC()
	}
	if r.EstimatedCost == 0 {
		r.EstimatedCost = CalculateCost(r)
	}

	if err := m.log.Append(r); err != nil {
		return err
	}

	if r.AgentID != "" {
		if cfg, ok := m.config.AgentBudget(r.AgentID); ok {
			m.checkBudget(cfg, r.Timestamp)
		}
	}
	if r.ProjectPath != "" {
		if cfg, ok := m.config.ProjectBudget(r.ProjectPath); ok {
			m.checkBudget(cfg, r.Timestamp)
		}
	}
	if cfg, ok := m.config.GlobalBudget(); ok {
		m.checkBudget(cfg, r.Timestamp)
	}
	return nil
}

// checkBudget evaluates each configured period limit for one scope
func (m *Meter) checkBudget(cfg types.BudgetConfig, at time.Time) {
	limits := []struct {
		period Period
		limit  float64
	}{
		{PeriodDay, cfg.DailyLimit},
		{PeriodWeek, cfg.WeeklyLimit},
		{PeriodMonth, cfg.MonthlyLimit},
	}

	for _, l := range limits {
		if l.limit <= 0 {
			continue
		}
		spend, err := m.spendFor(cfg.Scope, cfg.ScopeID, l.period, at)
		if err != nil {
			log.Printf("[BUDGET] Failed to compute %s spend for %s %s: %v", l.period, cfg.Scope, cfg.ScopeID, err)
			continue
		}
		m.evaluate(cfg, l.period, l.limit, spend, at)
	}
}

// evaluate fires at most one alert per call and latches the level
// until the bucket rolls over.
func (m *Meter) evaluate(cfg types.BudgetConfig, period Period, limit, spend float64, at time.Time) {
	from, _ := period.Bounds(at)
	key := string(cfg.Scope) + "|" + cfg.ScopeID + "|" + string(period) + "|" + from.Format(time.RFC3339)

	m.mu.Lock()
	level := m.alerted[key]
	var fire int
	switch {
	case spend >= limit && level < 2:
		m.alerted[key] = 2
		fire = 2
	case spend >= cfg.WarningThreshold*limit && level < 1:
		m.alerted[key] = 1
		fire = 1
	}
	m.mu.Unlock()

	if fire == 0 {
		return
	}

	eventType := types.EventBudgetWarning
	callback := m.onWarning
	if fire == 2 {
		eventType = types.EventBudgetExceeded
		callback = m.onExceeded
	}

	log.Printf("[BUDGET] %s: %s %s spent $%.2f of $%.2f (%s)",
		eventType, cfg.Scope, cfg.ScopeID, spend, limit, period)

	ev := types.NewEvent(eventType)
	if cfg.Scope == types.ScopeAgent {
		ev.AgentID = cfg.ScopeID
	}
	ev.Metadata = map[string]string{
		"scope":    string(cfg.Scope),
		"scope_id": cfg.ScopeID,
		"period":   string(period),
		"limit":    strconv.FormatFloat(limit, 'f', 2, 64),
		"spend":    strconv.FormatFloat(spend, 'f', 4, 64),
	}
	m.bus.Publish(ev)

	if callback != nil {
		callback(cfg, period, spend)
	}
}

// spendFor sums the bucket's cost for one scope
func (m *Meter) spendFor(scope types.BudgetScope, scopeID string, period Period, at time.Time) (float64, error) {
	from, to := period.Bounds(at)
	records, err := m.log.Range(from, to)
	if err != nil {
		return 0, err
	}
	var spend float64
	for _, r := range records {
		if matchesScope(r, scope, scopeID) {
			spend += r.EstimatedCost
		}
	}
	return spend, nil
}

func matchesScope(r types.UsageRecord, scope types.BudgetScope, scopeID string) bool {
	switch scope {
	case types.ScopeAgent:
		return r.AgentID == scopeID
	case types.ScopeProject:
		return r.ProjectPath == scopeID
	default:
		return true
	}
}

// GetBudget resolves the effective budget for a scope id: agent config
// first, then project, then global, then the default.
func (m *Meter) GetBudget(scopeID string) types.BudgetConfig {
	return m.config.Lookup(scopeID)
}

// GetUsage sums the current bucket for a scope id. Records count when
// their agent id or project path matches; an empty scope id matches
// everything.
func (m *Meter) GetUsage(scopeID string, period Period) (UsageSummary, error) {
	if err := period.Validate(); err != nil {
		return UsageSummary{}, err
	}

	from, to := period.Bounds(m.now())
	records, err := m.log.Range(from, to)
	if err != nil {
		return UsageSummary{}, err
	}

	summary := UsageSummary{
		ScopeID:     scopeID,
		Period:      period,
		From:        from,
		To:          to,
		ByOperation: make(map[string]UsageTotals),
		ByModel:     make(map[string]UsageTotals),
	}
	for _, r := range records {
		if scopeID != "" && r.AgentID != scopeID && r.ProjectPath != scopeID {
			continue
		}
		summary.Totals.add(r)

		op := summary.ByOperation[r.Operation]
		op.add(r)
		summary.ByOperation[r.Operation] = op

		model := summary.ByModel[r.Model]
		model.add(r)
		summary.ByModel[r.Model] = model
	}
	return summary, nil
}

// GenerateReport sums the current bucket grouped by agent, optionally
// filtered by project path or agent id.
func (m *Meter) GenerateReport(req ReportRequest) (Report, error) {
	if err := req.Period.Validate(); err != nil {
		return Report{}, err
	}

	from, to := req.Period.Bounds(m.now())
	records, err := m.log.Range(from, to)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		Period:  req.Period,
		From:    from,
		To:      to,
		ByAgent: make(map[string]UsageTotals),
	}
	for _, r := range records {
		if req.ProjectPath != "" && r.ProjectPath != req.ProjectPath {
			continue
		}
		if req.AgentID != "" && r.AgentID != req.AgentID {
			continue
		}
		report.Totals.add(r)

		agent := report.ByAgent[r.AgentID]
		agent.add(r)
		report.ByAgent[r.AgentID] = agent
	}

	report.Agents = make([]string, 0, len(report.ByAgent))
	for id := range report.ByAgent {
		report.Agents = append(report.Agents, id)
	}
	sort.Strings(report.Agents)
	return report, nil
}
