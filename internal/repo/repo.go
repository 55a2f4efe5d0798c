package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"execops/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const eventColumns = `id,source,type,external_id,payload_json,received_at,processed`

func scanEvent(row *sql.Row) (domain.Event, error) {
	var e domain.Event
	var external sql.NullString
	err := row.Scan(&e.ID, &e.Source, &e.Type, &external, &e.PayloadJSON, &e.ReceivedAt, &e.Processed)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if external.Valid {
		e.ExternalID = &external.String
	}
	return e, err
}

// InsertEvent stores an event, ignoring duplicates on (source, external_id).
// Returns false when an event with the same external id already exists.
func (r Repo) InsertEvent(ctx context.Context, e domain.Event) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO events(id,source,type,external_id,payload_json,received_at,processed) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.Source, e.Type, nullablePtr(e.ExternalID), e.PayloadJSON, e.ReceivedAt, e.Processed)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) InsertEventTx(ctx context.Context, tx *sql.Tx, e domain.Event) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO events(id,source,type,external_id,payload_json,received_at,processed) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.Source, e.Type, nullablePtr(e.ExternalID), e.PayloadJSON, e.ReceivedAt, e.Processed)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	return scanEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id))
}

func (r Repo) GetEventByExternalID(ctx context.Context, source, externalID string) (domain.Event, error) {
	return scanEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE source=? AND external_id=?`, source, externalID))
}

func (r Repo) GetEventByExternalIDTx(ctx context.Context, tx *sql.Tx, source, externalID string) (domain.Event, error) {
	return scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE source=? AND external_id=?`, source, externalID))
}

type EventFilters struct {
	Source    string
	Type      string
	Processed *bool
	Limit     int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, f.Source)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Processed != nil {
		clauses = append(clauses, "processed=?")
		args = append(args, *f.Processed)
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY received_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var external sql.NullString
		if err := rows.Scan(&e.ID, &e.Source, &e.Type, &external, &e.PayloadJSON, &e.ReceivedAt, &e.Processed); err != nil {
			return nil, err
		}
		if external.Valid {
			e.ExternalID = &external.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) MarkEventProcessedTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE events SET processed=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const proposalColumns = `id,event_id,vertical,action_type,target,title,body,params_json,urgency,confidence,low_confidence,missing_fields_json,natural_key,status,decided_by,decision_note,created_at,updated_at,decided_at,approved_at,executed_at`

type proposalScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row proposalScanner) (domain.ActionProposal, error) {
	var p domain.ActionProposal
	var missing string
	var decidedBy, note, decidedAt, approvedAt, executedAt sql.NullString
	err := row.Scan(&p.ID, &p.EventID, &p.Vertical, &p.ActionType, &p.Target, &p.Title, &p.Body, &p.ParamsJSON,
		&p.Urgency, &p.Confidence, &p.LowConfidence, &missing, &p.NaturalKey, &p.Status,
		&decidedBy, &note, &p.CreatedAt, &p.UpdatedAt, &decidedAt, &approvedAt, &executedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if decidedBy.Valid {
		p.DecidedBy = &decidedBy.String
	}
	if note.Valid {
		p.DecisionNote = &note.String
	}
	if decidedAt.Valid {
		p.DecidedAt = &decidedAt.String
	}
	if approvedAt.Valid {
		p.ApprovedAt = &approvedAt.String
	}
	if executedAt.Valid {
		p.ExecutedAt = &executedAt.String
	}
	if missing != "" {
		if err := json.Unmarshal([]byte(missing), &p.MissingFields); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (r Repo) InsertProposalTx(ctx context.Context, tx *sql.Tx, p domain.ActionProposal) error {
	missing, err := json.Marshal(p.MissingFields)
	if err != nil {
		return err
	}
	if p.MissingFields == nil {
		missing = []byte("[]")
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO action_proposals(id,event_id,vertical,action_type,target,title,body,params_json,urgency,confidence,low_confidence,missing_fields_json,natural_key,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.EventID, p.Vertical, p.ActionType, p.Target, p.Title, p.Body, p.ParamsJSON,
		p.Urgency, p.Confidence, p.LowConfidence, string(missing), p.NaturalKey, p.Status, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.ActionProposal, error) {
	return scanProposal(r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM action_proposals WHERE id=?`, id))
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.ActionProposal, error) {
	return scanProposal(tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM action_proposals WHERE id=?`, id))
}

type ProposalFilters struct {
	Status   string
	Vertical string
	Urgency  string
	EventID  string
	Limit    int
}

// ListProposals orders by urgency first, most urgent on top, then recency.
func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.ActionProposal, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Vertical != "" {
		clauses = append(clauses, "vertical=?")
		args = append(args, f.Vertical)
	}
	if f.Urgency != "" {
		clauses = append(clauses, "urgency=?")
		args = append(args, f.Urgency)
	}
	if f.EventID != "" {
		clauses = append(clauses, "event_id=?")
		args = append(args, f.EventID)
	}
	query := `SELECT ` + proposalColumns + ` FROM action_proposals WHERE ` + strings.Join(clauses, " AND ") + `
ORDER BY CASE urgency WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// FindActiveProposalTx looks for a non-rejected proposal with the same
// natural key created at or after since.
func (r Repo) FindActiveProposalTx(ctx context.Context, tx *sql.Tx, vertical, naturalKey, since string) (domain.ActionProposal, error) {
	return scanProposal(tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM action_proposals
WHERE vertical=? AND natural_key=? AND status!='rejected' AND created_at>=?
ORDER BY created_at DESC LIMIT 1`, vertical, naturalKey, since))
}

// TransitionProposalTx moves a proposal from one of the given statuses to the
// target status. Returns false when the proposal was in none of them, which
// callers surface as an invalid transition.
func (r Repo) TransitionProposalTx(ctx context.Context, tx *sql.Tx, id string, from []string, to string, decidedBy, note *string, now string) (bool, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, now}
	query := `UPDATE action_proposals SET status=?, updated_at=?`
	if decidedBy != nil {
		query += `, decided_by=?, decision_note=?, decided_at=?`
		args = append(args, *decidedBy, nullablePtr(note), now)
	}
	switch to {
	case domain.ProposalApproved:
		query += `, approved_at=?`
		args = append(args, now)
	case domain.ProposalExecuted:
		query += `, executed_at=?`
		args = append(args, now)
	}
	query += ` WHERE id=? AND status IN (` + placeholders + `)`
	args = append(args, id)
	for _, s := range from {
		args = append(args, s)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const executionColumns = `id,proposal_id,idempotency_key,attempt,status,result_json,error,started_at,finished_at`

func scanExecution(row *sql.Row) (domain.Execution, error) {
	var e domain.Execution
	var finished sql.NullString
	err := row.Scan(&e.ID, &e.ProposalID, &e.IdempotencyKey, &e.Attempt, &e.Status, &e.ResultJSON, &e.Error, &e.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if finished.Valid {
		e.FinishedAt = &finished.String
	}
	return e, err
}

// InsertExecutionTx claims an idempotency key. Returns false when a record
// with the same key already exists.
func (r Repo) InsertExecutionTx(ctx context.Context, tx *sql.Tx, e domain.Execution) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO executions(id,proposal_id,idempotency_key,attempt,status,result_json,error,started_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.ProposalID, e.IdempotencyKey, e.Attempt, e.Status, e.ResultJSON, e.Error, e.StartedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetExecutionByKeyTx(ctx context.Context, tx *sql.Tx, key string) (domain.Execution, error) {
	return scanExecution(tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE idempotency_key=?`, key))
}

// ReclaimExecutionTx restarts a failed execution record for a retry. Only
// failed records may be reclaimed.
func (r Repo) ReclaimExecutionTx(ctx context.Context, tx *sql.Tx, id, startedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE executions SET status='running', attempt=attempt+1, error='', result_json='', started_at=?, finished_at=NULL WHERE id=? AND status='failed'`,
		startedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) FinishExecution(ctx context.Context, id, status, resultJSON, errMsg, finishedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE executions SET status=?, result_json=?, error=?, finished_at=? WHERE id=? AND status='running'`,
		status, resultJSON, errMsg, finishedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) FinishExecutionTx(ctx context.Context, tx *sql.Tx, id, status, resultJSON, errMsg, finishedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE executions SET status=?, result_json=?, error=?, finished_at=? WHERE id=? AND status='running'`,
		status, resultJSON, errMsg, finishedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListExecutions(ctx context.Context, proposalID string) ([]domain.Execution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE proposal_id=? ORDER BY started_at DESC, id DESC`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		var e domain.Execution
		var finished sql.NullString
		if err := rows.Scan(&e.ID, &e.ProposalID, &e.IdempotencyKey, &e.Attempt, &e.Status, &e.ResultJSON, &e.Error, &e.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			e.FinishedAt = &finished.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

type AuditFilters struct {
	Action     string
	EntityKind string
	EntityID   string
	Limit      int
}

func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditLogEntry, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	query := `SELECT id,ts,action,entity_kind,entity_id,actor_id,payload_json FROM audit_log WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditLogEntry
	for rows.Next() {
		var a domain.AuditLogEntry
		if err := rows.Scan(&a.ID, &a.TS, &a.Action, &a.EntityKind, &a.EntityID, &a.ActorID, &a.Payload); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) AuditAfter(ctx context.Context, limit int, afterID int64) ([]domain.AuditLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,action,entity_kind,entity_id,actor_id,payload_json FROM audit_log WHERE id>? ORDER BY id ASC LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditLogEntry
	for rows.Next() {
		var a domain.AuditLogEntry
		if err := rows.Scan(&a.ID, &a.TS, &a.Action, &a.EntityKind, &a.EntityID, &a.ActorID, &a.Payload); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) LatestAuditID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM audit_log`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
