// Package lifecycle is the Workflow Lifecycle Service (spec §4.2): the
// single orchestration entry point that admits workflow requests, enforces
// the concurrency/isolation invariants, mediates human approval, and owns
// the status DFA (node retries run inside pkg/orchestrator's Engine, per
// each node's NodePolicy). It is the only caller that may
// invoke pkg/orchestrator's Engine, and the only code that mutates
// workflows.status — the Engine itself only ever returns an Outcome (spec
// §7: "the runner's only mutation points are status transitions through the
// Lifecycle Service's DFA").
//
// The teacher repo has no equivalent component: its Engine[S].Run is called
// directly by whoever wants a run, with no admission, approval mediation, or
// crash-recovery layer above it. This package is this system's own addition,
// grounded on the spec's prose description of C6 and built in the style of
// the rest of this codebase (explicit error types, context-cancellation-
// driven cooperative concurrency, structured events through the Store).
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/existential-birds/amelia/pkg/checkpoint"
	"github.com/existential-birds/amelia/pkg/eventbus"
	"github.com/existential-birds/amelia/pkg/ids"
	"github.com/existential-birds/amelia/pkg/orchestrator"
	"github.com/existential-birds/amelia/pkg/store"
)

// ErrInvalidWorktree is returned by Start when worktreePath does not exist,
// is not a directory, or has no .git marker.
var ErrInvalidWorktree = errors.New("invalid worktree path")

// Config carries the closed option set of spec §6.5 relevant to the
// Lifecycle Service.
type Config struct {
	MaxConcurrent       int
	StartTimeout        time.Duration
	MaxRetries          int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	MaxReviewIterations int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:       5,
		StartTimeout:        60 * time.Second,
		MaxRetries:          3,
		RetryBaseDelay:      time.Second,
		RetryMaxDelay:       60 * time.Second,
		MaxReviewIterations: 3,
	}
}

// Decision is the external approval/rejection payload that resumes a
// blocked workflow (spec §4.3 "Interrupts").
type Decision struct {
	Approved bool
	Feedback string
	Reason   string
}

// Service is the Lifecycle Service. One Service instance owns every active
// workflow's runner goroutine.
type Service struct {
	store      store.Store
	bus        *eventbus.Bus
	checkpoint *checkpoint.Checkpointer
	engine     *orchestrator.Engine
	config     Config
	log        *zap.Logger

	mu            sync.Mutex
	cancels       map[string]context.CancelFunc
	resumeCh      map[string]chan Decision
	correlationID map[string]string
	wg            sync.WaitGroup
	shuttingDown  bool
}

// Option configures optional Service behavior, matching the functional-
// option shape pkg/eventbus.Option already uses in this codebase.
type Option func(*Service)

// WithLogger attaches a structured logger (internal/obslog). Without it,
// Service logs nothing.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New creates a Service. engine must already have plan/await_approval/
// resume_approval/execute/review nodes registered (see cmd/ameliad for the
// wiring); Service only drives it, it does not configure its node set.
func New(db store.Store, bus *eventbus.Bus, cp *checkpoint.Checkpointer, engine *orchestrator.Engine, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:         db,
		bus:           bus,
		checkpoint:    cp,
		engine:        engine,
		config:        cfg,
		log:           zap.NewNop(),
		cancels:       make(map[string]context.CancelFunc),
		resumeCh:      make(map[string]chan Decision),
		correlationID: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start admits a new workflow (spec §4.2 "Admission"): validates the
// worktree, asks the Store to create the row (which enforces the
// one-active-workflow-per-worktree and max_concurrent invariants), and
// launches its background runner. Returns synchronously once the row
// exists; the runner proceeds independently.
func (s *Service) Start(ctx context.Context, issueID, worktreePath, profileID string) (store.Workflow, error) {
	s.mu.Lock()
	shuttingDown := s.shuttingDown
	s.mu.Unlock()
	if shuttingDown {
		return store.Workflow{}, fmt.Errorf("lifecycle: not admitting new workflows, shutting down")
	}

	if err := validateWorktree(worktreePath); err != nil {
		return store.Workflow{}, err
	}

	wf, err := s.store.CreateWorkflow(ctx, issueID, worktreePath, profileID, s.config.MaxConcurrent)
	if err != nil {
		return store.Workflow{}, err
	}

	s.mu.Lock()
	s.resumeCh[wf.ID] = make(chan Decision, 1)
	s.mu.Unlock()

	s.log.Info("workflow admitted", zap.String("workflow_id", wf.ID), zap.String("issue_id", issueID), zap.String("worktree_path", worktreePath))

	s.wg.Add(1)
	go s.runWorkflow(wf.ID, issueID, worktreePath, profileID)
	go s.watchStartTimeout(wf.ID)

	return wf, nil
}

func validateWorktree(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorktree, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidWorktree, path)
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return fmt.Errorf("%w: %s has no .git marker", ErrInvalidWorktree, path)
	}
	return nil
}

// watchStartTimeout marks a workflow failed if its runner has not left
// `pending` within config.StartTimeout (spec §4.2 "Start timeout").
func (s *Service) watchStartTimeout(workflowID string) {
	if s.config.StartTimeout <= 0 {
		return
	}
	timer := time.NewTimer(s.config.StartTimeout)
	defer timer.Stop()
	<-timer.C

	ctx := context.Background()
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil || wf.Status != store.StatusPending {
		return
	}
	if _, err := s.store.UpdateStatus(ctx, workflowID, store.StatusPending, store.StatusFailed, "start-timeout"); err != nil {
		return
	}
	s.appendAndPublish(ctx, workflowID, store.AgentSystem, store.EventSystemError, "workflow did not start within workflow_start_timeout_seconds", nil, "")
}

// runWorkflow is the per-workflow runner goroutine: transitions
// pending->running, drives the Engine through plan/await_approval, and
// upon suspension waits for Approve/Reject to deliver a Decision before
// resuming at resume_approval. It is the sole caller of Engine.Run for its
// workflow and the sole source of status transitions for it.
func (s *Service) runWorkflow(workflowID, issueID, worktreePath, profileID string) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[workflowID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, workflowID)
		delete(s.resumeCh, workflowID)
		delete(s.correlationID, workflowID)
		s.mu.Unlock()
		cancel()
	}()

	if _, err := s.store.UpdateStatus(ctx, workflowID, store.StatusPending, store.StatusRunning, ""); err != nil {
		return
	}
	s.appendAndPublish(ctx, workflowID, store.AgentSystem, store.EventWorkflowStarted, "workflow started", nil, "")

	snap := orchestrator.Snapshot{IssueID: issueID, ProfileID: profileID, WorktreePath: worktreePath, AgenticStatus: orchestrator.AgenticStatusRunning}
	node := "plan"

	for {
		outcome, err := s.engine.Run(ctx, workflowID, node, snap)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				s.finalizeCancelled(workflowID)
			} else {
				s.finalizeFailed(workflowID, err.Error())
			}
			return
		}

		if outcome.Suspended {
			if _, err := s.store.UpdateStatus(ctx, workflowID, store.StatusRunning, store.StatusBlocked, ""); err != nil {
				s.finalizeFailed(workflowID, err.Error())
				return
			}
			s.mu.Lock()
			s.correlationID[workflowID] = outcome.Interrupt.CorrelationID
			ch := s.resumeCh[workflowID]
			s.mu.Unlock()

			select {
			case dec := <-ch:
				if _, err := s.store.UpdateStatus(ctx, workflowID, store.StatusBlocked, store.StatusRunning, ""); err != nil {
					s.finalizeFailed(workflowID, err.Error())
					return
				}
				approved := dec.Approved
				snap = outcome.Snapshot
				snap.HumanApproved = &approved
				snap.ApprovalFeedback = dec.Feedback
				snap.RejectionReason = dec.Reason
				node = "resume_approval"
				continue
			case <-ctx.Done():
				s.finalizeCancelled(workflowID)
				return
			}
		}

		if outcome.Failed {
			s.finalizeFailed(workflowID, outcome.FailureReason)
			return
		}

		// Terminal, non-failed: the review/resume_approval node already
		// recorded the WORKFLOW_COMPLETED event (or, when review hit its
		// iteration bound, WORKFLOW_FAILED); only the status transition
		// remains the Lifecycle Service's job.
		finalStatus := store.StatusCompleted
		if outcome.Snapshot.AgenticStatus == orchestrator.AgenticStatusFailed {
			finalStatus = store.StatusFailed
		}
		reason := ""
		if finalStatus == store.StatusFailed {
			reason = "max-iterations"
		}
		if _, err := s.store.UpdateStatus(ctx, workflowID, store.StatusRunning, finalStatus, reason); err != nil {
			return
		}
		return
	}
}

func (s *Service) finalizeFailed(workflowID, reason string) {
	ctx := context.Background()
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return
	}
	if wf.Status.Terminal() {
		return
	}
	if _, err := s.store.UpdateStatus(ctx, workflowID, wf.Status, store.StatusFailed, reason); err != nil {
		return
	}
	s.log.Warn("workflow failed", zap.String("workflow_id", workflowID), zap.String("reason", reason))
	s.appendAndPublish(ctx, workflowID, store.AgentSystem, store.EventWorkflowFailed, "workflow failed: "+reason, nil, "")
}

func (s *Service) finalizeCancelled(workflowID string) {
	ctx := context.Background()
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return
	}
	if wf.Status.Terminal() {
		return
	}
	if _, err := s.store.UpdateStatus(ctx, workflowID, wf.Status, store.StatusCancelled, ""); err != nil {
		return
	}
	s.log.Info("workflow cancelled", zap.String("workflow_id", workflowID))
	s.appendAndPublish(ctx, workflowID, store.AgentSystem, store.EventWorkflowCancelled, "workflow cancelled", nil, "")
}

// Approve resumes a blocked workflow with a positive decision (spec §4.2
// "Approval mediation"). The underlying UpdateStatus compare-and-set means
// a duplicate Approve/Reject call always fails with *store.InvalidStateError
// (spec §8 invariant 5: at most one of GRANTED/REJECTED per correlation id).
func (s *Service) Approve(ctx context.Context, workflowID, feedback string) error {
	return s.resolve(ctx, workflowID, Decision{Approved: true, Feedback: feedback})
}

// Reject resumes a blocked workflow with a rejection.
func (s *Service) Reject(ctx context.Context, workflowID, reason string) error {
	return s.resolve(ctx, workflowID, Decision{Approved: false, Reason: reason})
}

func (s *Service) resolve(ctx context.Context, workflowID string, dec Decision) error {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status != store.StatusBlocked {
		return &store.InvalidStateError{WorkflowID: workflowID, From: wf.Status, To: store.StatusRunning, Reason: "workflow is not blocked"}
	}

	s.mu.Lock()
	ch, ok := s.resumeCh[workflowID]
	s.mu.Unlock()
	if !ok {
		return &store.InvalidStateError{WorkflowID: workflowID, Reason: "no pending approval for workflow"}
	}

	// APPROVAL_GRANTED/REJECTED is recorded exactly once, by
	// ResumeApprovalNode once the decision re-enters the engine (it already
	// has snap.ApprovalCorrelationID); resolve itself only hands off the
	// Decision (spec §8 invariant 5: at most one such event per correlation
	// id).
	s.log.Info("approval resolved", zap.String("workflow_id", workflowID), zap.Bool("approved", dec.Approved))

	select {
	case ch <- dec:
		return nil
	default:
		return &store.InvalidStateError{WorkflowID: workflowID, Reason: "approval already resolved"}
	}
}

// Cancel requests cooperative cancellation (spec §4.2 "Cancellation"). The
// runner notices at its next suspension point — node entry, post-checkpoint,
// or while waiting on an approval decision — never mid-node.
func (s *Service) Cancel(ctx context.Context, workflowID string) error {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return &store.InvalidStateError{WorkflowID: workflowID, From: wf.Status, To: store.StatusCancelled, Reason: "workflow already terminal"}
	}

	if wf.Status == store.StatusPending {
		if _, err := s.store.UpdateStatus(ctx, workflowID, store.StatusPending, store.StatusCancelled, ""); err != nil {
			return err
		}
		s.appendAndPublish(ctx, workflowID, store.AgentSystem, store.EventWorkflowCancelled, "workflow cancelled before start", nil, "")
		return nil
	}

	s.mu.Lock()
	cancel, ok := s.cancels[workflowID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Ready reports whether the Service is accepting new workflows and its
// Store is reachable, for GET /health/ready (spec §6.1).
func (s *Service) Ready(ctx context.Context) bool {
	s.mu.Lock()
	shuttingDown := s.shuttingDown
	s.mu.Unlock()
	if shuttingDown {
		return false
	}
	if _, err := s.store.ActiveCount(ctx); err != nil {
		return false
	}
	return true
}

// Shutdown stops admitting new workflows and waits (up to ctx's deadline)
// for every runner goroutine to return (spec §4.2 "Graceful shutdown"). It
// does not cancel or signal in-flight runs: a runner waiting on an approval
// decision keeps waiting, and ctx ending only stops this wait early, with
// ctx.Err() returned.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover implements crash recovery (spec §4.2): on startup, scan for
// workflows left `running` or `blocked` by a prior process.
//
// Only `blocked` workflows are resumed: the state machine's single
// interrupt point is always `await_approval`, so a blocked workflow's next
// node is unambiguously `resume_approval` and its checkpoint is guaranteed
// current. A `running` workflow's checkpoint reflects its state as of its
// last completed node, but this system does not separately persist which
// node is next (spec §9 leaves checkpoint shape otherwise unspecified), so
// there is no safe way to tell "crashed between nodes" from "crashed mid
// node" for the running case — both are treated as the spec's conservative
// fallback and marked `failed` with failure_reason="crash-recovery".
func (s *Service) Recover(ctx context.Context) error {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return err
	}
	s.log.Info("crash-recovery rescan starting", zap.Int("active_count", len(active)))

	for _, wf := range active {
		switch wf.Status {
		case store.StatusBlocked:
			has, err := s.checkpoint.HasSnapshot(ctx, wf.ID)
			if err != nil || !has {
				s.finalizeFailed(wf.ID, "crash-recovery")
				continue
			}
			s.resumeBlocked(wf)
		default:
			s.finalizeFailed(wf.ID, "crash-recovery")
		}
	}
	return nil
}

func (s *Service) resumeBlocked(wf store.Workflow) {
	var snap orchestrator.Snapshot
	ctx := context.Background()
	if err := s.checkpoint.Resume(ctx, wf.ID, &snap); err != nil {
		if errors.Is(err, checkpoint.ErrCorrupt) {
			s.finalizeFailed(wf.ID, "checkpoint-corrupt")
			s.appendAndPublish(ctx, wf.ID, store.AgentSystem, store.EventSystemError, "checkpoint corrupt: "+err.Error(), nil, "")
			return
		}
		s.finalizeFailed(wf.ID, "crash-recovery")
		return
	}

	s.mu.Lock()
	s.resumeCh[wf.ID] = make(chan Decision, 1)
	s.correlationID[wf.ID] = snap.ApprovalCorrelationID
	s.mu.Unlock()

	s.wg.Add(1)
	go s.waitForApprovalAfterRecovery(wf.ID, snap)
}

func (s *Service) waitForApprovalAfterRecovery(workflowID string, snap orchestrator.Snapshot) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[workflowID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, workflowID)
		delete(s.resumeCh, workflowID)
		delete(s.correlationID, workflowID)
		s.mu.Unlock()
		cancel()
	}()

	s.mu.Lock()
	ch := s.resumeCh[workflowID]
	s.mu.Unlock()

	select {
	case dec := <-ch:
		if _, err := s.store.UpdateStatus(ctx, workflowID, store.StatusBlocked, store.StatusRunning, ""); err != nil {
			s.finalizeFailed(workflowID, err.Error())
			return
		}
		approved := dec.Approved
		snap.HumanApproved = &approved
		snap.ApprovalFeedback = dec.Feedback
		snap.RejectionReason = dec.Reason

		outcome, err := s.engine.Run(ctx, workflowID, "resume_approval", snap)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				s.finalizeCancelled(workflowID)
			} else {
				s.finalizeFailed(workflowID, err.Error())
			}
			return
		}
		if outcome.Failed {
			s.finalizeFailed(workflowID, outcome.FailureReason)
			return
		}
		finalStatus := store.StatusCompleted
		if outcome.Snapshot.AgenticStatus == orchestrator.AgenticStatusFailed {
			finalStatus = store.StatusFailed
		}
		_, _ = s.store.UpdateStatus(ctx, workflowID, store.StatusRunning, finalStatus, "")
	case <-ctx.Done():
		s.finalizeCancelled(workflowID)
	}
}

func (s *Service) appendAndPublish(ctx context.Context, workflowID string, agent store.Agent, eventType store.EventType, message string, data map[string]any, correlationID string) {
	var raw []byte
	if data != nil {
		raw = mustMarshal(data)
	}
	ev, err := s.store.AppendEvent(ctx, store.Event{
		ID:            ids.New(),
		WorkflowID:    workflowID,
		Timestamp:     time.Now(),
		Agent:         agent,
		EventType:     eventType,
		Message:       message,
		Data:          raw,
		CorrelationID: correlationID,
	})
	if err != nil {
		return
	}
	s.bus.Publish(ev)
}

func mustMarshal(v map[string]any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
