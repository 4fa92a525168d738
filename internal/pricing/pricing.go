// Package pricing holds the per-model token rates shared by the llm node
// handler (which needs a per-attempt cost figure for its Outcome) and the
// trace package's CostTracker (which needs the same rates for its
// per-execution spend summary), so the two stay in agreement without
// nodekind importing trace or vice versa.
package pricing

// Rate holds per-million-token input/output rates for one model.
type Rate struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Default carries published per-1M-token rates for the models the
// llmprovider adapters target. Unknown models are looked up with Cost,
// which falls back to zero rather than erroring, since pricing catalogs
// go stale faster than code.
var Default = map[string]Rate{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":              {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-sonnet-4-5-20250929": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-2.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// Cost looks up model in table (falling back to Default when table is
// nil) and prices inputTokens/outputTokens against it, returning 0 for an
// unrecognized model.
func Cost(table map[string]Rate, model string, inputTokens, outputTokens int) float64 {
	if table == nil {
		table = Default
	}
	rate, ok := table[model]
	if !ok {
		return 0
	}
	return (float64(inputTokens)/1_000_000)*rate.InputPer1M + (float64(outputTokens)/1_000_000)*rate.OutputPer1M
}
