package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"execops/internal/engine"
)

const (
	JobPropose = "propose"
	JobExecute = "execute"
)

// Job asks a worker to run one engine operation asynchronously.
type Job struct {
	Kind    string // JobPropose or JobExecute
	ID      string // event id or proposal id
	ActorID string
}

// Dispatcher fans jobs out to a fixed pool of workers. Ingestion stays fast
// by enqueueing only; pipelines and adapters run here.
type Dispatcher struct {
	Engine engine.Engine
	Log    *slog.Logger

	concurrency int
	jobs        chan Job
	wg          sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func New(eng engine.Engine, concurrency int, log *slog.Logger) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		Engine:      eng,
		Log:         log,
		concurrency: concurrency,
		jobs:        make(chan Job, concurrency*16),
	}
	d.wg.Add(concurrency)
	return d
}

// Start launches the workers. They drain the queue until Stop is called or
// the context ends.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.concurrency; i++ {
		go d.work(ctx)
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-d.jobs:
			if !ok {
				return
			}
			d.run(ctx, job)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, job Job) {
	switch job.Kind {
	case JobPropose:
		res, err := d.Engine.Propose(ctx, job.ID, job.ActorID)
		var dup engine.DuplicateError
		if errors.As(err, &dup) {
			d.Log.Info("proposal suppressed", "event", job.ID, "existing", dup.ExistingID)
			return
		}
		if err != nil {
			d.Log.Error("propose failed", "event", job.ID, "error", err)
			return
		}
		d.Log.Info("propose finished", "event", job.ID, "outcome", res.Outcome)
	case JobExecute:
		exec, err := d.Engine.Execute(ctx, job.ID, job.ActorID, false)
		if err != nil {
			d.Log.Error("execute failed", "proposal", job.ID, "error", err)
			return
		}
		d.Log.Info("execute finished", "proposal", job.ID, "execution", exec.ID, "status", exec.Status)
	default:
		d.Log.Error("unknown job kind", "kind", job.Kind)
	}
}

// Enqueue hands a job to the pool. Returns false when the queue is full or
// already closed, so callers can fall back to synchronous handling. The
// closed check and the send share one lock so a request draining through
// shutdown cannot hit a closed channel.
func (d *Dispatcher) Enqueue(job Job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop closes the queue and waits for in-flight jobs to finish. Safe to
// call more than once.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
