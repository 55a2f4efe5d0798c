package domain

// Proposal lifecycle statuses.
const (
	ProposalPending         = "pending"
	ProposalPendingApproval = "pending_approval"
	ProposalApproved        = "approved"
	ProposalRejected        = "rejected"
	ProposalExecuted        = "executed"
)

// Execution statuses.
const (
	ExecutionRunning   = "running"
	ExecutionSucceeded = "succeeded"
	ExecutionFailed    = "failed"
)

type Event struct {
	ID          string  `json:"id"`
	Source      string  `json:"source" enum:"sentry,github,stripe,intercom,zendesk,manual"`
	Type        string  `json:"type"`
	ExternalID  *string `json:"external_id,omitempty"`
	PayloadJSON string  `json:"payload_json"`
	ReceivedAt  string  `json:"received_at" format:"date-time"`
	Processed   bool    `json:"processed"`
}

type ActionProposal struct {
	ID            string   `json:"id"`
	EventID       string   `json:"event_id"`
	Vertical      string   `json:"vertical"`
	ActionType    string   `json:"action_type" enum:"slack_dm,email,webhook,command,api_call"`
	Target        string   `json:"target"`
	Title         string   `json:"title"`
	Body          string   `json:"body,omitempty"`
	ParamsJSON    string   `json:"params_json,omitempty"`
	Urgency       string   `json:"urgency" enum:"low,medium,high,critical"`
	Confidence    float64  `json:"confidence"`
	LowConfidence bool     `json:"low_confidence"`
	MissingFields []string `json:"missing_fields,omitempty"`
	NaturalKey    string   `json:"natural_key"`
	Status        string   `json:"status" enum:"pending,pending_approval,approved,rejected,executed"`
	DecidedBy     *string  `json:"decided_by,omitempty"`
	DecisionNote  *string  `json:"decision_note,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
	DecidedAt     *string  `json:"decided_at,omitempty" format:"date-time"`
	ApprovedAt    *string  `json:"approved_at,omitempty" format:"date-time"`
	ExecutedAt    *string  `json:"executed_at,omitempty" format:"date-time"`
}

type Execution struct {
	ID             string  `json:"id"`
	ProposalID     string  `json:"proposal_id"`
	IdempotencyKey string  `json:"idempotency_key"`
	Attempt        int     `json:"attempt"`
	Status         string  `json:"status" enum:"running,succeeded,failed"`
	ResultJSON     string  `json:"result_json,omitempty"`
	Error          string  `json:"error,omitempty"`
	StartedAt      string  `json:"started_at" format:"date-time"`
	FinishedAt     *string `json:"finished_at,omitempty" format:"date-time"`
}

type AuditLogEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Action     string `json:"action"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type PolicyRule struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Trigger   string `json:"trigger"`
	Condition string `json:"condition"`
	Action    string `json:"action"`
	Severity  string `json:"severity" enum:"info,warn,block"`
}

type APIKey struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"key_hash"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}
