package tokens

import (
	"context"
	"testing"

	"github.com/existential-birds/amelia/pkg/collaborators"
	"github.com/existential-birds/amelia/pkg/store"
	"github.com/existential-birds/amelia/pkg/store/memory"
)

func TestCostKnownModel(t *testing.T) {
	cost := Cost(DefaultPricing, "gpt-4o", 1_000_000, 1_000_000)
	if cost == nil {
		t.Fatal("expected a cost")
	}
	want := 2.50 + 10.00
	if *cost != want {
		t.Errorf("got %v, want %v", *cost, want)
	}
}

func TestCostUnknownModelIsNil(t *testing.T) {
	if cost := Cost(DefaultPricing, "not-a-real-model", 100, 100); cost != nil {
		t.Errorf("expected nil cost for unpriced model, got %v", *cost)
	}
}

func TestTrackerRecordPersistsThroughStore(t *testing.T) {
	db := memory.New()
	t.Cleanup(func() { _ = db.Close() })

	wf, err := db.CreateWorkflow(context.Background(), "issue-1", "/tmp/wt", "default", 10)
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	tr := New(db)
	rec, err := tr.Record(context.Background(), wf.ID, store.AgentDeveloper, "gpt-4o", collaborators.Usage{
		InputTokens:  1000,
		OutputTokens: 500,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.Cost == nil || *rec.Cost <= 0 {
		t.Errorf("expected a positive cost, got %v", rec.Cost)
	}
	if rec.WorkflowID != wf.ID {
		t.Errorf("expected workflow id %s, got %s", wf.ID, rec.WorkflowID)
	}
}

func TestTrackerCustomPricingOverridesDefault(t *testing.T) {
	db := memory.New()
	t.Cleanup(func() { _ = db.Close() })

	wf, err := db.CreateWorkflow(context.Background(), "issue-1", "/tmp/wt", "default", 10)
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	tr := New(db)
	tr.SetCustomPricing("house-model", 1.0, 1.0)
	rec, err := tr.Record(context.Background(), wf.ID, store.AgentDeveloper, "house-model", collaborators.Usage{
		InputTokens:  1_000_000,
		OutputTokens: 0,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.Cost == nil || *rec.Cost != 1.0 {
		t.Errorf("expected cost 1.0, got %v", rec.Cost)
	}
}
