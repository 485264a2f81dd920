// Package tokens turns raw driver token counts into priced
// store.TokenUsageRecord rows (spec §3's Token-usage record), generalizing
// the teacher's CostTracker's static per-model pricing table to the
// non-generic Store/Driver boundary.
package tokens

// ModelPricing is the USD cost per 1M input/output tokens for one model.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// DefaultPricing is a static table for major LLM providers (as of
// 2025-01-01). Prices are USD per 1M tokens and are approximate; callers
// needing exact or enterprise pricing should use Pricer.SetCustomPricing.
var DefaultPricing = map[string]ModelPricing{
	"gpt-4o":                 {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-2024-08-06":      {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":            {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":            {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-4-turbo-2024-04-09": {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":          {InputPer1M: 0.50, OutputPer1M: 1.50},

	"claude-sonnet-4-5-20250929": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3.5-sonnet":          {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-opus":              {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-sonnet-20240229":   {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-sonnet":            {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"claude-3-haiku":             {InputPer1M: 0.25, OutputPer1M: 1.25},

	"gemini-1.5-pro":       {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-pro-001":   {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":     {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-1.5-flash-001": {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-1.0-pro":       {InputPer1M: 0.50, OutputPer1M: 1.50},
}

// Cost computes the USD cost of inputTokens and outputTokens for model
// using pricing. Cache-read/creation token counts are not inputs here, so
// they are not priced separately. Returns nil
// if model is unknown to pricing, signalling "unpriced" rather than
// silently charging zero.
func Cost(pricing map[string]ModelPricing, model string, inputTokens, outputTokens int64) *float64 {
	p, ok := pricing[model]
	if !ok {
		return nil
	}
	cost := (float64(inputTokens)/1_000_000.0)*p.InputPer1M + (float64(outputTokens)/1_000_000.0)*p.OutputPer1M
	return &cost
}
