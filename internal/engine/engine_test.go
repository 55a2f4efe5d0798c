package engine_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"execops/internal/config"
	"execops/internal/db"
	"execops/internal/domain"
	"execops/internal/engine"
	"execops/internal/executor"
	"execops/internal/migrate"
	"execops/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Slack  *httptest.Server
	Calls  *atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	calls := &atomic.Int32{}
	slack := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("ok"))
	}))
	t.Cleanup(slack.Close)

	cfg := config.Default("test")
	cfg.Integrations.Slack.WebhookURL = slack.URL
	cfg.Integrations.Email.Endpoint = slack.URL
	cfg.Execution.MaxAttempts = 1

	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Ctx: context.Background(), Slack: slack, Calls: calls}
}

func (env *testEnv) proposeSentry(t *testing.T, externalID string, rate float64) domain.ActionProposal {
	t.Helper()
	ev, dup, err := env.Engine.IngestEvent(env.Ctx, engine.IngestOptions{
		Source: "sentry", Type: "error", ExternalID: externalID,
		Payload: map[string]any{"service": "api", "version": "1.2.0", "error_rate": rate, "baseline_rate": 0.001},
	})
	if err != nil || dup {
		t.Fatalf("ingest: dup=%v err=%v", dup, err)
	}
	res, err := env.Engine.Propose(env.Ctx, ev.ID, "tester")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if res.Outcome != "proposed" || res.Proposal == nil {
		t.Fatalf("expected proposal, got %+v", res)
	}
	return *res.Proposal
}

func TestIngestProposeApprove(t *testing.T) {
	env := newTestEnv(t)
	p := env.proposeSentry(t, "evt-1", 0.06)
	if p.Status != "pending_approval" {
		t.Fatalf("new proposals await approval, got %s", p.Status)
	}
	if p.ActionType != "command" || p.Urgency != "critical" {
		t.Fatalf("expected critical rollback draft: %+v", p)
	}

	ev, err := env.Engine.Repo.GetEvent(env.Ctx, p.EventID)
	if err != nil || !ev.Processed {
		t.Fatalf("event should be marked processed: %+v %v", ev, err)
	}

	p, err = env.Engine.Decide(env.Ctx, p.ID, true, "alice", "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if p.Status != "approved" || p.DecidedBy == nil || *p.DecidedBy != "alice" {
		t.Fatalf("approve result: %+v", p)
	}
	if p.ApprovedAt == nil {
		t.Fatal("approval must stamp approved_at")
	}
}

func TestDuplicateEventDelivery(t *testing.T) {
	env := newTestEnv(t)
	first, dup, err := env.Engine.IngestEvent(env.Ctx, engine.IngestOptions{
		Source: "stripe", Type: "invoice", ExternalID: "inv-9",
		Payload: map[string]any{"vendor": "acme", "amount": 2400.0},
	})
	if err != nil || dup {
		t.Fatalf("first delivery: %v", err)
	}
	second, dup, err := env.Engine.IngestEvent(env.Ctx, engine.IngestOptions{
		Source: "stripe", Type: "invoice", ExternalID: "inv-9",
		Payload: map[string]any{"vendor": "acme", "amount": 2400.0},
	})
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !dup || second.ID != first.ID {
		t.Fatalf("redelivery should return the stored event: dup=%v id=%s want %s", dup, second.ID, first.ID)
	}
}

func TestProposalDedupWindow(t *testing.T) {
	env := newTestEnv(t)
	first := env.proposeSentry(t, "evt-1", 0.06)

	ev, _, err := env.Engine.IngestEvent(env.Ctx, engine.IngestOptions{
		Source: "sentry", Type: "error", ExternalID: "evt-2",
		Payload: map[string]any{"service": "api", "version": "1.2.0", "error_rate": 0.06, "baseline_rate": 0.001},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Propose(env.Ctx, ev.ID, "tester")
	var dupErr engine.DuplicateError
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected DuplicateError, got %v", err)
	}
	if dupErr.ExistingID != first.ID || res.Outcome != "duplicate" {
		t.Fatalf("suppression should reference the live proposal: %+v %+v", dupErr, res)
	}

	// outside the window the same natural key produces a fresh proposal
	env.Engine.Now = func() time.Time { return time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC) }
	fresh := env.proposeSentry(t, "evt-3", 0.06)
	if fresh.ID == first.ID {
		t.Fatal("expected a new proposal outside the dedup window")
	}
}

func TestRejectIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	p := env.proposeSentry(t, "evt-1", 0.06)

	if _, err := env.Engine.Decide(env.Ctx, p.ID, false, "bob", ""); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("rejection without reason must fail validation: %v", err)
	}
	rejected, err := env.Engine.Decide(env.Ctx, p.ID, false, "bob", "not needed")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != "rejected" || rejected.DecisionNote == nil {
		t.Fatalf("reject result: %+v", rejected)
	}

	_, err = env.Engine.Decide(env.Ctx, p.ID, true, "alice", "")
	var invalid engine.InvalidTransitionError
	if !errors.As(err, &invalid) || invalid.From != "rejected" {
		t.Fatalf("expected invalid transition from rejected: %v", err)
	}

	if _, err := env.Engine.Execute(env.Ctx, p.ID, "alice", false); !errors.As(err, &invalid) {
		t.Fatalf("rejected proposals must not execute: %v", err)
	}
}

func TestSecondApproveConflicts(t *testing.T) {
	env := newTestEnv(t)
	p := env.proposeSentry(t, "evt-1", 0.015)
	if _, err := env.Engine.Decide(env.Ctx, p.ID, true, "alice", ""); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.Decide(env.Ctx, p.ID, true, "bob", "")
	var invalid engine.InvalidTransitionError
	if !errors.As(err, &invalid) || invalid.From != "approved" {
		t.Fatalf("second approval must report the approved state: %v", err)
	}
	got, _ := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	if got.DecidedBy == nil || *got.DecidedBy != "alice" {
		t.Fatalf("losing approval must not overwrite the decision: %+v", got)
	}

	if _, err := env.Engine.Execute(env.Ctx, p.ID, "alice", false); err != nil {
		t.Fatal(err)
	}
	execs, err := env.Engine.Repo.ListExecutions(env.Ctx, p.ID)
	if err != nil || len(execs) != 1 {
		t.Fatalf("double approval must not add executions: %d %v", len(execs), err)
	}
	if env.Calls.Load() != 1 {
		t.Fatalf("expected one side effect, got %d", env.Calls.Load())
	}
}

func TestExecuteIdempotency(t *testing.T) {
	env := newTestEnv(t)
	p := env.proposeSentry(t, "evt-1", 0.015) // slack alert, not command
	if _, err := env.Engine.Decide(env.Ctx, p.ID, true, "alice", ""); err != nil {
		t.Fatal(err)
	}

	exec, err := env.Engine.Execute(env.Ctx, p.ID, "alice", false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != "succeeded" || env.Calls.Load() != 1 {
		t.Fatalf("expected one successful side effect: %+v calls=%d", exec, env.Calls.Load())
	}
	got, err := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	if err != nil || got.Status != "executed" {
		t.Fatalf("proposal should be executed: %+v %v", got, err)
	}
	if got.ApprovedAt == nil || got.ExecutedAt == nil || *got.ExecutedAt < *got.ApprovedAt {
		t.Fatalf("executed_at must be stamped at or after approved_at: %+v", got)
	}

	again, err := env.Engine.Execute(env.Ctx, p.ID, "alice", false)
	if err != nil {
		t.Fatalf("repeat execute: %v", err)
	}
	if again.ID != exec.ID || env.Calls.Load() != 1 {
		t.Fatalf("repeat execute must not fire the adapter again: %+v calls=%d", again, env.Calls.Load())
	}
}

func TestFailedExecutionRetries(t *testing.T) {
	env := newTestEnv(t)

	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()
	env.Engine.Config.Integrations.Slack.WebhookURL = srv.URL
	env.Engine.Executors = executor.NewRegistry(env.Engine.Config)

	p := env.proposeSentry(t, "evt-1", 0.015)
	if _, err := env.Engine.Decide(env.Ctx, p.ID, true, "alice", ""); err != nil {
		t.Fatal(err)
	}

	exec, err := env.Engine.Execute(env.Ctx, p.ID, "alice", false)
	var execErr engine.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError: %v", err)
	}
	if exec.Status != "failed" {
		t.Fatalf("execution should be failed: %+v", exec)
	}
	got, _ := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	if got.Status != "approved" {
		t.Fatalf("failed execution must leave proposal approved, got %s", got.Status)
	}

	fail.Store(false)
	retry, err := env.Engine.Execute(env.Ctx, p.ID, "alice", false)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.ID != exec.ID || retry.Attempt != 2 || retry.Status != "succeeded" {
		t.Fatalf("retry should reclaim the failed record: %+v", retry)
	}
	execs, err := env.Engine.Repo.ListExecutions(env.Ctx, p.ID)
	if err != nil || len(execs) != 1 {
		t.Fatalf("retry without new_attempt keeps one record: %d %v", len(execs), err)
	}
}

func TestLowConfidenceStillPersisted(t *testing.T) {
	env := newTestEnv(t)
	ev, _, err := env.Engine.IngestEvent(env.Ctx, engine.IngestOptions{
		Source: "pagerduty", Type: "incident", Payload: map[string]any{"summary": "disk full"},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Propose(env.Ctx, ev.ID, "tester")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	p := res.Proposal
	if p == nil || !p.LowConfidence || p.Status != "pending_approval" {
		t.Fatalf("low-confidence draft must persist flagged: %+v", p)
	}
	if p.Urgency != "low" {
		t.Fatalf("low-confidence drafts are demoted to low urgency, got %s", p.Urgency)
	}
}

func TestNoActionOutcome(t *testing.T) {
	env := newTestEnv(t)
	ev, _, err := env.Engine.IngestEvent(env.Ctx, engine.IngestOptions{
		Source: "sentry", Type: "error",
		Payload: map[string]any{"service": "api", "version": "1.2.0", "error_rate": 0.001, "baseline_rate": 0.001},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Propose(env.Ctx, ev.ID, "tester")
	if err != nil || res.Outcome != "no_action" {
		t.Fatalf("healthy error rate should draft nothing: %+v %v", res, err)
	}
	got, _ := env.Engine.Repo.GetEvent(env.Ctx, ev.ID)
	if !got.Processed {
		t.Fatal("no-action events are still marked processed")
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	p := env.proposeSentry(t, "evt-1", 0.015)
	if _, err := env.Engine.Decide(env.Ctx, p.ID, true, "alice", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Execute(env.Ctx, p.ID, "alice", false); err != nil {
		t.Fatal(err)
	}
	entries, err := env.Engine.Repo.ListAudit(env.Ctx, repo.AuditFilters{})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		"event.ingested": false, "proposal.created": false, "proposal.approved": false,
		"execution.started": false, "execution.finished": false, "proposal.executed": false,
	}
	for _, a := range entries {
		if _, ok := want[a.Action]; ok {
			want[a.Action] = true
		}
	}
	for action, seen := range want {
		if !seen {
			t.Errorf("missing audit action %s", action)
		}
	}
}

func TestManualProposal(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateManualProposal(env.Ctx, engine.ManualProposalOptions{
		ActionType: "slack_dm", Target: "oncall", Title: "manual nudge", ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("manual proposal: %v", err)
	}
	if p.Status != "pending_approval" || p.Vertical != "general" {
		t.Fatalf("manual proposal state: %+v", p)
	}
	if _, err := env.Engine.CreateManualProposal(env.Ctx, engine.ManualProposalOptions{ActionType: "slack_dm"}); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("title required: %v", err)
	}
}
