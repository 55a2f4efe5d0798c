package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"execops/internal/audit"
	"execops/internal/config"
	"execops/internal/domain"
	"execops/internal/executor"
	"execops/internal/policy"
	"execops/internal/repo"
	"execops/internal/vertical"
)

// idempotency key namespace, fixed so keys are stable across restarts
var keyNamespace = uuid.MustParse("8e7f3f5a-1d0e-4c76-9c39-52b2f4a6d911")

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Audit     audit.Writer
	Config    *config.Config
	Rules     *policy.Set
	Router    *vertical.Router
	Executors *executor.Registry
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Audit:     audit.Writer{DB: db},
		Config:    cfg,
		Rules:     &policy.Set{},
		Router:    vertical.NewRouter(cfg),
		Executors: executor.NewRegistry(cfg),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339)
}

// IngestOptions are parameters for recording an inbound event.
type IngestOptions struct {
	Source     string
	Type       string
	ExternalID string
	Payload    map[string]any
	ActorID    string
}

// IngestEvent persists an event. A redelivery with a known (source,
// external_id) pair returns the stored event with duplicate set.
func (e Engine) IngestEvent(ctx context.Context, opts IngestOptions) (domain.Event, bool, error) {
	if opts.Source == "" {
		return domain.Event{}, false, validationErr("source is required")
	}
	if opts.Type == "" {
		return domain.Event{}, false, validationErr("type is required")
	}
	payload := opts.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, false, validationErr("payload not serializable: %v", err)
	}

	ev := domain.Event{
		ID:          uuid.New().String(),
		Source:      opts.Source,
		Type:        opts.Type,
		PayloadJSON: string(data),
		ReceivedAt:  e.nowRFC(),
	}
	if opts.ExternalID != "" {
		ev.ExternalID = &opts.ExternalID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, false, err
	}
	defer tx.Rollback()

	inserted, err := e.Repo.InsertEventTx(ctx, tx, ev)
	if err != nil {
		return domain.Event{}, false, err
	}
	if !inserted {
		existing, err := e.Repo.GetEventByExternalIDTx(ctx, tx, ev.Source, opts.ExternalID)
		if err != nil {
			return domain.Event{}, false, err
		}
		if err := e.Audit.Append(ctx, tx, "event.duplicate", "event", existing.ID, opts.ActorID, audit.Payload{"external_id": opts.ExternalID}); err != nil {
			return domain.Event{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Event{}, false, err
		}
		return existing, true, nil
	}
	if err := e.Audit.Append(ctx, tx, "event.ingested", "event", ev.ID, opts.ActorID, audit.Payload{"source": ev.Source, "type": ev.Type}); err != nil {
		return domain.Event{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, false, err
	}
	return ev, false, nil
}

// ProposeResult is the pipeline outcome for one event.
type ProposeResult struct {
	Outcome  string // proposed, no_action, duplicate
	Proposal *domain.ActionProposal
}

// Propose routes an event through its vertical and persists the drafted
// proposal. A draft whose natural key matches a live proposal inside the
// dedup window is suppressed and reported as DuplicateError.
func (e Engine) Propose(ctx context.Context, eventID, actorID string) (ProposeResult, error) {
	ev, err := e.Repo.GetEvent(ctx, eventID)
	if err != nil {
		return ProposeResult{}, err
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(ev.PayloadJSON), &payload); err != nil {
		return ProposeResult{}, validationErr("event payload: %v", err)
	}

	state := e.Router.Run(ev.ID, ev.Source, ev.Type, payload)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ProposeResult{}, err
	}
	defer tx.Rollback()

	if state.Draft == nil {
		if err := e.Repo.MarkEventProcessedTx(ctx, tx, ev.ID); err != nil && err != repo.ErrNotFound {
			return ProposeResult{}, err
		}
		if err := e.Audit.Append(ctx, tx, "event.no_action", "event", ev.ID, actorID, audit.Payload{"vertical": state.Vertical}); err != nil {
			return ProposeResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return ProposeResult{}, err
		}
		return ProposeResult{Outcome: "no_action"}, nil
	}

	window := time.Duration(e.Config.Dedup.WindowSeconds) * time.Second
	since := e.now().UTC().Add(-window).Format(time.RFC3339)
	existing, err := e.Repo.FindActiveProposalTx(ctx, tx, state.Vertical, state.Draft.NaturalKey, since)
	if err != nil && err != repo.ErrNotFound {
		return ProposeResult{}, err
	}
	if err == nil {
		if err := e.Repo.MarkEventProcessedTx(ctx, tx, ev.ID); err != nil && err != repo.ErrNotFound {
			return ProposeResult{}, err
		}
		if err := e.Audit.Append(ctx, tx, "proposal.suppressed", "proposal", existing.ID, actorID, audit.Payload{
			"event_id": ev.ID, "natural_key": state.Draft.NaturalKey,
		}); err != nil {
			return ProposeResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return ProposeResult{}, err
		}
		return ProposeResult{Outcome: "duplicate", Proposal: &existing}, DuplicateError{Kind: "proposal", ExistingID: existing.ID}
	}

	p, err := e.buildProposal(ev, state)
	if err != nil {
		return ProposeResult{}, err
	}
	if err := e.Repo.InsertProposalTx(ctx, tx, p); err != nil {
		return ProposeResult{}, err
	}
	if err := e.Repo.MarkEventProcessedTx(ctx, tx, ev.ID); err != nil && err != repo.ErrNotFound {
		return ProposeResult{}, err
	}
	if err := e.Audit.Append(ctx, tx, "proposal.created", "proposal", p.ID, actorID, audit.Payload{
		"event_id": ev.ID, "vertical": p.Vertical, "action_type": p.ActionType,
		"urgency": p.Urgency, "confidence": p.Confidence, "low_confidence": p.LowConfidence,
	}); err != nil {
		return ProposeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ProposeResult{}, err
	}
	return ProposeResult{Outcome: "proposed", Proposal: &p}, nil
}

func (e Engine) buildProposal(ev domain.Event, state *vertical.State) (domain.ActionProposal, error) {
	d := state.Draft
	now := e.nowRFC()

	reasoning := d.Reasoning
	urgency := d.Urgency
	low := d.Confidence < e.Config.Confidence.Floor
	if low {
		urgency = "low"
		reasoning += "; low confidence, needs review"
	}

	params := map[string]any{}
	if d.Params != nil {
		params = d.Params
	}
	params["reasoning"] = reasoning
	if len(state.MissingFields) > 0 {
		params["defaulted_fields"] = state.MissingFields
	}
	if rule, blocked := e.Rules.Blocking(ev.Source, ev.Type); blocked {
		params["policy_rule"] = rule.ID
		reasoning += fmt.Sprintf("; policy %s requires explicit approval", rule.ID)
		params["reasoning"] = reasoning
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return domain.ActionProposal{}, err
	}

	return domain.ActionProposal{
		ID:            uuid.New().String(),
		EventID:       ev.ID,
		Vertical:      state.Vertical,
		ActionType:    d.ActionType,
		Target:        d.Target,
		Title:         d.Title,
		Body:          d.Body,
		ParamsJSON:    string(paramsJSON),
		Urgency:       urgency,
		Confidence:    d.Confidence,
		LowConfidence: low,
		MissingFields: state.MissingFields,
		NaturalKey:    d.NaturalKey,
		Status:        domain.ProposalPendingApproval,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Decide approves or rejects a pending proposal. The transition is a single
// conditional update so concurrent decisions cannot both win.
func (e Engine) Decide(ctx context.Context, id string, approve bool, actorID, note string) (domain.ActionProposal, error) {
	if actorID == "" {
		return domain.ActionProposal{}, validationErr("approver identity is required")
	}
	if !approve && note == "" {
		return domain.ActionProposal{}, validationErr("rejection requires a reason")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActionProposal{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetProposalTx(ctx, tx, id)
	if err != nil {
		return domain.ActionProposal{}, err
	}
	to := domain.ProposalRejected
	action := "proposal.rejected"
	if approve {
		to = domain.ProposalApproved
		action = "proposal.approved"
	}
	var notePtr *string
	if note != "" {
		notePtr = &note
	}
	ok, err := e.Repo.TransitionProposalTx(ctx, tx, id,
		[]string{domain.ProposalPending, domain.ProposalPendingApproval}, to, &actorID, notePtr, e.nowRFC())
	if err != nil {
		return domain.ActionProposal{}, err
	}
	if !ok {
		return domain.ActionProposal{}, InvalidTransitionError{From: current.Status, To: to}
	}
	if err := e.Audit.Append(ctx, tx, action, "proposal", id, actorID, audit.Payload{"note": note}); err != nil {
		return domain.ActionProposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ActionProposal{}, err
	}
	return e.Repo.GetProposal(ctx, id)
}

// Execute runs an approved proposal through its adapter exactly once per
// idempotency key. A succeeded execution is returned as-is on repeat calls;
// a failed one is reclaimed for retry, or given a fresh key when newAttempt
// is set.
func (e Engine) Execute(ctx context.Context, id, actorID string, newAttempt bool) (domain.Execution, error) {
	claimed, exec, err := e.claimExecution(ctx, id, actorID, newAttempt)
	if err != nil || !claimed {
		return exec, err
	}

	p, err := e.Repo.GetProposal(ctx, id)
	if err != nil {
		return domain.Execution{}, err
	}
	res, execErr := e.Executors.Dispatch(ctx, p)
	return e.finishExecution(ctx, exec, actorID, res, execErr)
}

func idempotencyKey(proposalID string, attempt int) string {
	return uuid.NewSHA1(keyNamespace, []byte(fmt.Sprintf("%s|%d", proposalID, attempt))).String()
}

// claimExecution transactionally owns the idempotency key before any side
// effect happens. claimed=false with nil error means the previous success is
// being returned.
func (e Engine) claimExecution(ctx context.Context, id, actorID string, newAttempt bool) (bool, domain.Execution, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, domain.Execution{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, id)
	if err != nil {
		return false, domain.Execution{}, err
	}
	if p.Status == domain.ProposalExecuted {
		execs, err := e.Repo.ListExecutions(ctx, p.ID)
		if err != nil {
			return false, domain.Execution{}, err
		}
		for _, ex := range execs {
			if ex.Status == domain.ExecutionSucceeded {
				return false, ex, nil
			}
		}
		return false, domain.Execution{}, repo.ErrNotFound
	}
	if p.Status != domain.ProposalApproved {
		return false, domain.Execution{}, InvalidTransitionError{From: p.Status, To: domain.ProposalExecuted}
	}

	now := e.nowRFC()
	exec := domain.Execution{
		ID:             uuid.New().String(),
		ProposalID:     p.ID,
		IdempotencyKey: idempotencyKey(p.ID, 1),
		Attempt:        1,
		Status:         domain.ExecutionRunning,
		StartedAt:      now,
	}
	inserted, err := e.Repo.InsertExecutionTx(ctx, tx, exec)
	if err != nil {
		return false, domain.Execution{}, err
	}
	if !inserted {
		prev, err := e.Repo.GetExecutionByKeyTx(ctx, tx, exec.IdempotencyKey)
		if err != nil {
			return false, domain.Execution{}, err
		}
		switch prev.Status {
		case domain.ExecutionSucceeded:
			return false, prev, nil
		case domain.ExecutionRunning:
			return false, domain.Execution{}, ErrExecutionRunning
		}
		if newAttempt {
			exec.IdempotencyKey = idempotencyKey(p.ID, prev.Attempt+1)
			exec.Attempt = prev.Attempt + 1
			inserted, err = e.Repo.InsertExecutionTx(ctx, tx, exec)
			if err != nil {
				return false, domain.Execution{}, err
			}
			if !inserted {
				return false, domain.Execution{}, ErrExecutionRunning
			}
		} else {
			reclaimed, err := e.Repo.ReclaimExecutionTx(ctx, tx, prev.ID, now)
			if err != nil {
				return false, domain.Execution{}, err
			}
			if !reclaimed {
				return false, domain.Execution{}, ErrExecutionRunning
			}
			exec = prev
			exec.Status = domain.ExecutionRunning
			exec.Attempt = prev.Attempt + 1
			exec.StartedAt = now
			exec.FinishedAt = nil
			exec.Error = ""
			exec.ResultJSON = ""
		}
	}
	if err := e.Audit.Append(ctx, tx, "execution.started", "execution", exec.ID, actorID, audit.Payload{
		"proposal_id": p.ID, "attempt": exec.Attempt, "idempotency_key": exec.IdempotencyKey,
	}); err != nil {
		return false, domain.Execution{}, err
	}
	if err := tx.Commit(); err != nil {
		return false, domain.Execution{}, err
	}
	return true, exec, nil
}

func (e Engine) finishExecution(ctx context.Context, exec domain.Execution, actorID string, res executor.Result, execErr error) (domain.Execution, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC()
	if execErr != nil {
		if err := e.Repo.FinishExecutionTx(ctx, tx, exec.ID, domain.ExecutionFailed, "", execErr.Error(), now); err != nil {
			return domain.Execution{}, err
		}
		if err := e.Audit.Append(ctx, tx, "execution.finished", "execution", exec.ID, actorID, audit.Payload{
			"proposal_id": exec.ProposalID, "status": domain.ExecutionFailed, "error": execErr.Error(),
		}); err != nil {
			return domain.Execution{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Execution{}, err
		}
		exec.Status = domain.ExecutionFailed
		exec.Error = execErr.Error()
		exec.FinishedAt = &now
		return exec, ExecutionError{ExecutionID: exec.ID, Err: execErr}
	}

	resultJSON := res.JSON()
	if err := e.Repo.FinishExecutionTx(ctx, tx, exec.ID, domain.ExecutionSucceeded, resultJSON, "", now); err != nil {
		return domain.Execution{}, err
	}
	ok, err := e.Repo.TransitionProposalTx(ctx, tx, exec.ProposalID,
		[]string{domain.ProposalApproved}, domain.ProposalExecuted, nil, nil, now)
	if err != nil {
		return domain.Execution{}, err
	}
	if !ok {
		return domain.Execution{}, errors.New("proposal left approved state during execution")
	}
	if err := e.Audit.Append(ctx, tx, "execution.finished", "execution", exec.ID, actorID, audit.Payload{
		"proposal_id": exec.ProposalID, "status": domain.ExecutionSucceeded,
	}); err != nil {
		return domain.Execution{}, err
	}
	if err := e.Audit.Append(ctx, tx, "proposal.executed", "proposal", exec.ProposalID, actorID, nil); err != nil {
		return domain.Execution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Execution{}, err
	}
	exec.Status = domain.ExecutionSucceeded
	exec.ResultJSON = resultJSON
	exec.FinishedAt = &now
	return exec, nil
}

// CreateManualProposal records a hand-written draft that is not derived from
// an ingested event.
type ManualProposalOptions struct {
	ActionType string
	Target     string
	Title      string
	Body       string
	Params     map[string]any
	Urgency    string
	ActorID    string
}

func (e Engine) CreateManualProposal(ctx context.Context, opts ManualProposalOptions) (domain.ActionProposal, error) {
	if opts.ActionType == "" {
		return domain.ActionProposal{}, validationErr("action_type is required")
	}
	if opts.Title == "" {
		return domain.ActionProposal{}, validationErr("title is required")
	}
	if opts.Urgency == "" {
		opts.Urgency = "medium"
	}
	now := e.nowRFC()
	params := opts.Params
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return domain.ActionProposal{}, validationErr("params not serializable: %v", err)
	}

	ev := domain.Event{
		ID:          uuid.New().String(),
		Source:      "manual",
		Type:        "proposal",
		PayloadJSON: "{}",
		ReceivedAt:  now,
		Processed:   true,
	}
	p := domain.ActionProposal{
		ID:         uuid.New().String(),
		EventID:    ev.ID,
		Vertical:   "general",
		ActionType: opts.ActionType,
		Target:     opts.Target,
		Title:      opts.Title,
		Body:       opts.Body,
		ParamsJSON: string(paramsJSON),
		Urgency:    opts.Urgency,
		Confidence: 1,
		NaturalKey: "manual|" + manualKey(opts.Title),
		Status:     domain.ProposalPendingApproval,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActionProposal{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.InsertEventTx(ctx, tx, ev); err != nil {
		return domain.ActionProposal{}, err
	}
	if err := e.Repo.InsertProposalTx(ctx, tx, p); err != nil {
		return domain.ActionProposal{}, err
	}
	if err := e.Audit.Append(ctx, tx, "proposal.created", "proposal", p.ID, opts.ActorID, audit.Payload{
		"manual": true, "action_type": p.ActionType,
	}); err != nil {
		return domain.ActionProposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ActionProposal{}, err
	}
	return p, nil
}

func manualKey(title string) string {
	return uuid.NewSHA1(keyNamespace, []byte(title)).String()
}
