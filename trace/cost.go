package trace

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentrt/agentrt/internal/pricing"
)

// Pricing holds per-million-token rates for a model. It is an alias of
// internal/pricing.Rate so CostTracker and the llm node handler price
// tokens against the same table without either package importing the
// other.
type Pricing = pricing.Rate

// Call is one recorded LLM invocation.
type Call struct {
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	NodeID       string
	Timestamp    time.Time
}

// CostSummary is the persisted, read-only view of a CostTracker for a Trace.
type CostSummary struct {
	Currency     string             `json:"currency"`
	TotalCostUSD float64            `json:"total_cost_usd"`
	ByModel      map[string]float64 `json:"by_model"`
	InputTokens  int                `json:"input_tokens"`
	OutputTokens int                `json:"output_tokens"`
	Calls        []Call             `json:"calls"`
}

// CostTracker accumulates LLM spend for one execution, ported from the
// underlying execution core's cost accounting and adapted to back
// nodekind.CostSink.
type CostTracker struct {
	mu           sync.RWMutex
	executionID  string
	currency     string
	pricing      map[string]Pricing
	calls        []Call
	totalCost    float64
	modelCosts   map[string]float64
	inputTokens  int
	outputTokens int
	enabled      bool
}

// NewCostTracker builds an enabled CostTracker using pricing.Default.
func NewCostTracker(executionID, currency string) *CostTracker {
	if currency == "" {
		currency = "USD"
	}
	table := make(map[string]Pricing, len(pricing.Default))
	for k, v := range pricing.Default {
		table[k] = v
	}
	return &CostTracker{
		executionID: executionID,
		currency:    currency,
		pricing:     table,
		modelCosts:  make(map[string]float64),
		enabled:     true,
	}
}

// RecordLLMCall implements nodekind.CostSink.
func (t *CostTracker) RecordLLMCall(model string, inputTokens, outputTokens int, nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}

	cost := pricing.Cost(t.pricing, model, inputTokens, outputTokens)

	t.calls = append(t.calls, Call{
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		NodeID:       nodeID,
		Timestamp:    time.Now(),
	})
	t.totalCost += cost
	t.modelCosts[model] += cost
	t.inputTokens += inputTokens
	t.outputTokens += outputTokens
}

// SetCustomPricing overrides the rate for model.
func (t *CostTracker) SetCustomPricing(model string, inputPer1M, outputPer1M float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[model] = Pricing{InputPer1M: inputPer1M, OutputPer1M: outputPer1M}
}

// Disable stops further cost accrual without losing history already
// recorded.
func (t *CostTracker) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = false
}

// Enable resumes cost accrual.
func (t *CostTracker) Enable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = true
}

// Summary returns a defensive-copy snapshot suitable for embedding in a
// Trace.
func (t *CostTracker) Summary() *CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byModel := make(map[string]float64, len(t.modelCosts))
	for k, v := range t.modelCosts {
		byModel[k] = v
	}
	calls := append([]Call(nil), t.calls...)

	return &CostSummary{
		Currency:     t.currency,
		TotalCostUSD: t.totalCost,
		ByModel:      byModel,
		InputTokens:  t.inputTokens,
		OutputTokens: t.outputTokens,
		Calls:        calls,
	}
}

// String renders a short human-readable summary, handy for CLI output.
func (t *CostTracker) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fmt.Sprintf("execution %s: %.4f %s across %d calls (%d in / %d out tokens)",
		t.executionID, t.totalCost, t.currency, len(t.calls), t.inputTokens, t.outputTokens)
}
