package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/existential-birds/amelia/pkg/collaborators"
	"github.com/existential-birds/amelia/pkg/ids"
	"github.com/existential-birds/amelia/pkg/store"
)

// Tracker prices a Driver call's Usage and persists it via store.Store,
// generalizing the teacher's CostTracker from an in-process rollup to a
// durable, per-workflow record written through the Store boundary
// ("not on the hot path" per spec §3).
type Tracker struct {
	db      store.Store
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

// New creates a Tracker backed by db, seeded with DefaultPricing.
func New(db store.Store) *Tracker {
	pricing := make(map[string]ModelPricing, len(DefaultPricing))
	for k, v := range DefaultPricing {
		pricing[k] = v
	}
	return &Tracker{db: db, pricing: pricing}
}

// SetCustomPricing overrides the per-1M-token price for model.
func (t *Tracker) SetCustomPricing(model string, inputPer1M, outputPer1M float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[model] = ModelPricing{InputPer1M: inputPer1M, OutputPer1M: outputPer1M}
}

// Record prices usage for model and appends a TokenUsageRecord to
// workflowID's ledger via the Store.
func (t *Tracker) Record(ctx context.Context, workflowID string, agent store.Agent, model string, usage collaborators.Usage) (store.TokenUsageRecord, error) {
	t.mu.RLock()
	cost := Cost(t.pricing, model, usage.InputTokens, usage.OutputTokens)
	t.mu.RUnlock()

	return t.db.RecordTokenUsage(ctx, store.TokenUsageRecord{
		ID:                  ids.New(),
		WorkflowID:          workflowID,
		Agent:               agent,
		Model:               model,
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		Cost:                cost,
		Timestamp:           time.Now(),
	})
}
