// Package budget meters token spend per agent, project, and fleet,
// persists usage to per-day logs, and raises edge-triggered alerts
// when a budget window crosses its warning or hard limit.
package budget

import "github.com/agentmux/agentmux/internal/types"

// ModelRate prices one model per input/output token, in USD.
type ModelRate struct {
	Input  float64
	Output float64
}

// DefaultRateKey prices models missing from the table. The rate map is
// closed; unknown model names always fall back here and are never
// added as new keys.
const DefaultRateKey = "default"

// modelRates is the closed pricing table, USD per token.
var modelRates = map[string]ModelRate{
	"claude-opus":   {Input: 15.0 / 1e6, Output: 75.0 / 1e6},
	"claude-sonnet": {Input: 3.0 / 1e6, Output: 15.0 / 1e6},
	"claude-haiku":  {Input: 0.8 / 1e6, Output: 4.0 / 1e6},
	"gpt-5-codex":   {Input: 1.25 / 1e6, Output: 10.0 / 1e6},
	"gemini-pro":    {Input: 1.25 / 1e6, Output: 10.0 / 1e6},
	"gemini-flash":  {Input: 0.15 / 1e6, Output: 0.6 / 1e6},
	DefaultRateKey:  {Input: 3.0 / 1e6, Output: 15.0 / 1e6},
}

// RateFor returns the rate for a model, falling back to the default
// entry for unknown names.
func RateFor(model string) ModelRate {
	if r, ok := modelRates[model]; ok {
		return r
	}
	return modelRates[DefaultRateKey]
}

// CalculateCost prices a usage record
func CalculateCost(r types.UsageRecord) float64 {
	rate := RateFor(r.Model)
	return float64(r.InputTokens)*rate.Input + float64(r.OutputTokens)*rate.Output
}
