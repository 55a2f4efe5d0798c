package worker_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"execops/internal/config"
	"execops/internal/db"
	"execops/internal/engine"
	"execops/internal/migrate"
	"execops/internal/repo"
	"execops/internal/worker"
)

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	cfg := config.Default("test")
	cfg.Integrations.Slack.WebhookURL = srv.URL
	return engine.New(conn, cfg)
}

func waitFor(t *testing.T, timeout time.Duration, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestProposeJobsDrainAsync(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	d := worker.New(eng, 2, slog.Default())
	d.Start(ctx)

	for i := 0; i < 5; i++ {
		ev, _, err := eng.IngestEvent(ctx, engine.IngestOptions{
			Source: "github", Type: "activity",
			Payload: map[string]any{"team": "core", "commit_drop": 0.6, "pto_ratio": 0.1},
		})
		if err != nil {
			t.Fatal(err)
		}
		if !d.Enqueue(worker.Job{Kind: worker.JobPropose, ID: ev.ID, ActorID: "worker"}) {
			t.Fatal("queue full")
		}
	}
	d.Stop()

	// five events, one shared natural key: exactly one proposal survives
	proposals, err := eng.Repo.ListProposals(ctx, repo.ProposalFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(proposals) != 1 {
		t.Fatalf("dedup under concurrency: expected 1 proposal, got %d", len(proposals))
	}
	events, err := eng.Repo.ListEvents(ctx, repo.EventFilters{})
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range events {
		if !ev.Processed {
			t.Fatalf("event %s left unprocessed", ev.ID)
		}
	}
}

func TestEnqueueAfterStopIsRejected(t *testing.T) {
	eng := newEngine(t)
	d := worker.New(eng, 1, slog.Default())
	d.Start(context.Background())
	d.Stop()
	if d.Enqueue(worker.Job{Kind: worker.JobPropose, ID: "evt", ActorID: "worker"}) {
		t.Fatal("enqueue after stop must be rejected")
	}
	d.Stop()
}

func TestExecuteJob(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	ev, _, err := eng.IngestEvent(ctx, engine.IngestOptions{
		Source: "github", Type: "activity",
		Payload: map[string]any{"team": "core", "commit_drop": 0.35, "pto_ratio": 0.0},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := eng.Propose(ctx, ev.ID, "worker")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Decide(ctx, res.Proposal.ID, true, "alice", ""); err != nil {
		t.Fatal(err)
	}

	d := worker.New(eng, 1, slog.Default())
	d.Start(ctx)
	if !d.Enqueue(worker.Job{Kind: worker.JobExecute, ID: res.Proposal.ID, ActorID: "alice"}) {
		t.Fatal("queue full")
	}
	waitFor(t, 5*time.Second, func() bool {
		p, err := eng.Repo.GetProposal(ctx, res.Proposal.ID)
		return err == nil && p.Status == "executed"
	})
	d.Stop()
}
