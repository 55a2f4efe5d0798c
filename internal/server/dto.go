package server

import (
	"encoding/json"

	"execops/internal/domain"
)

// Request payloads

type IngestEventRequest struct {
	Source     string         `json:"source"`
	Type       string         `json:"type"`
	ExternalID *string        `json:"external_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type CreateProposalRequest struct {
	ActionType string         `json:"action_type" enum:"slack_dm,email,webhook,command,api_call"`
	Target     string         `json:"target,omitempty"`
	Title      string         `json:"title"`
	Body       string         `json:"body,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Urgency    string         `json:"urgency,omitempty" enum:"low,medium,high,critical"`
}

type RejectProposalRequest struct {
	Reason string `json:"reason"`
}

type ExecuteProposalRequest struct {
	NewAttempt bool `json:"new_attempt,omitempty"`
}

// Responses

type EventResponse struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	Type       string          `json:"type"`
	ExternalID *string         `json:"external_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt string          `json:"received_at"`
	Processed  bool            `json:"processed"`
	Duplicate  bool            `json:"duplicate,omitempty"`
}

type ProposalResponse struct {
	ID            string          `json:"id"`
	EventID       string          `json:"event_id"`
	Vertical      string          `json:"vertical"`
	ActionType    string          `json:"action_type"`
	Target        string          `json:"target"`
	Title         string          `json:"title"`
	Body          string          `json:"body,omitempty"`
	Params        json.RawMessage `json:"params"`
	Urgency       string          `json:"urgency"`
	Confidence    float64         `json:"confidence"`
	LowConfidence bool            `json:"low_confidence"`
	MissingFields []string        `json:"missing_fields,omitempty"`
	Status        string          `json:"status"`
	DecidedBy     *string         `json:"decided_by,omitempty"`
	DecisionNote  *string         `json:"decision_note,omitempty"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
	DecidedAt     *string         `json:"decided_at,omitempty"`
	ApprovedAt    *string         `json:"approved_at,omitempty"`
	ExecutedAt    *string         `json:"executed_at,omitempty"`
}

type ProposeResponse struct {
	Outcome  string            `json:"outcome" enum:"proposed,no_action,duplicate"`
	Proposal *ProposalResponse `json:"proposal,omitempty"`
}

type ExecutionResponse struct {
	ID             string          `json:"id"`
	ProposalID     string          `json:"proposal_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Attempt        int             `json:"attempt"`
	Status         string          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      string          `json:"started_at"`
	FinishedAt     *string         `json:"finished_at,omitempty"`
}

type AuditEntryResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Action     string          `json:"action"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type PolicyRuleResponse struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Trigger   string `json:"trigger"`
	Condition string `json:"condition,omitempty"`
	Action    string `json:"action"`
	Severity  string `json:"severity"`
}

func eventResponse(e domain.Event, duplicate bool) EventResponse {
	return EventResponse{
		ID:         e.ID,
		Source:     e.Source,
		Type:       e.Type,
		ExternalID: e.ExternalID,
		Payload:    rawOrEmpty(e.PayloadJSON),
		ReceivedAt: e.ReceivedAt,
		Processed:  e.Processed,
		Duplicate:  duplicate,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e, false))
	}
	return res
}

func proposalResponse(p domain.ActionProposal) ProposalResponse {
	return ProposalResponse{
		ID:            p.ID,
		EventID:       p.EventID,
		Vertical:      p.Vertical,
		ActionType:    p.ActionType,
		Target:        p.Target,
		Title:         p.Title,
		Body:          p.Body,
		Params:        rawOrEmpty(p.ParamsJSON),
		Urgency:       p.Urgency,
		Confidence:    p.Confidence,
		LowConfidence: p.LowConfidence,
		MissingFields: p.MissingFields,
		Status:        p.Status,
		DecidedBy:     p.DecidedBy,
		DecisionNote:  p.DecisionNote,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
		DecidedAt:     p.DecidedAt,
		ApprovedAt:    p.ApprovedAt,
		ExecutedAt:    p.ExecutedAt,
	}
}

func mapProposals(items []domain.ActionProposal) []ProposalResponse {
	res := make([]ProposalResponse, 0, len(items))
	for _, p := range items {
		res = append(res, proposalResponse(p))
	}
	return res
}

func executionResponse(e domain.Execution) ExecutionResponse {
	resp := ExecutionResponse{
		ID:             e.ID,
		ProposalID:     e.ProposalID,
		IdempotencyKey: e.IdempotencyKey,
		Attempt:        e.Attempt,
		Status:         e.Status,
		Error:          e.Error,
		StartedAt:      e.StartedAt,
		FinishedAt:     e.FinishedAt,
	}
	if e.ResultJSON != "" {
		resp.Result = json.RawMessage(e.ResultJSON)
	}
	return resp
}

func mapExecutions(items []domain.Execution) []ExecutionResponse {
	res := make([]ExecutionResponse, 0, len(items))
	for _, e := range items {
		res = append(res, executionResponse(e))
	}
	return res
}

func mapAudit(items []domain.AuditLogEntry) []AuditEntryResponse {
	res := make([]AuditEntryResponse, 0, len(items))
	for _, a := range items {
		res = append(res, AuditEntryResponse{
			ID:         a.ID,
			TS:         a.TS,
			Action:     a.Action,
			EntityKind: a.EntityKind,
			EntityID:   a.EntityID,
			ActorID:    a.ActorID,
			Payload:    rawOrEmpty(a.Payload),
		})
	}
	return res
}

func mapPolicyRules(items []domain.PolicyRule) []PolicyRuleResponse {
	res := make([]PolicyRuleResponse, 0, len(items))
	for _, r := range items {
		res = append(res, PolicyRuleResponse{
			ID:        r.ID,
			Source:    r.Source,
			Trigger:   r.Trigger,
			Condition: r.Condition,
			Action:    r.Action,
			Severity:  r.Severity,
		})
	}
	return res
}

func rawOrEmpty(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}
