package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"execops/internal/config"
	"execops/internal/domain"
)

// Result is the outcome snapshot stored on the execution record.
type Result struct {
	StatusCode int    `json:"status_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func (r Result) JSON() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// Handler performs one action type against the outside world.
type Handler interface {
	Execute(ctx context.Context, p domain.ActionProposal) (Result, error)
}

// Registry dispatches proposals to handlers with bounded retry and a
// per-attempt timeout.
type Registry struct {
	handlers    map[string]Handler
	MaxAttempts int
	Timeout     time.Duration
	Log         *slog.Logger
}

func NewRegistry(cfg *config.Config) *Registry {
	client := &http.Client{}
	r := &Registry{
		handlers:    map[string]Handler{},
		MaxAttempts: cfg.Execution.MaxAttempts,
		Timeout:     time.Duration(cfg.Execution.TimeoutSeconds) * time.Second,
		Log:         slog.Default(),
	}
	r.Register("slack_dm", &HTTPHandler{Client: client, URL: cfg.Integrations.Slack.WebhookURL, Name: "slack"})
	r.Register("email", &HTTPHandler{Client: client, URL: cfg.Integrations.Email.Endpoint, Name: "email"})
	r.Register("webhook", &HTTPHandler{Client: client, Name: "webhook", TargetIsURL: true})
	r.Register("api_call", &HTTPHandler{Client: client, Name: "api_call", TargetIsURL: true})
	r.Register("command", &CommandHandler{AllowList: cfg.Integrations.Commands.AllowList})
	return r
}

func (r *Registry) Register(actionType string, h Handler) {
	r.handlers[actionType] = h
}

// Dispatch runs the handler for the proposal's action type, retrying with
// doubling backoff up to MaxAttempts.
func (r *Registry) Dispatch(ctx context.Context, p domain.ActionProposal) (Result, error) {
	h, ok := r.handlers[p.ActionType]
	if !ok {
		return Result{}, fmt.Errorf("no handler for action type %s", p.ActionType)
	}
	backoff := 250 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.Timeout)
		res, err := h.Execute(attemptCtx, p)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
		r.Log.Warn("execution attempt failed", "proposal", p.ID, "action_type", p.ActionType, "attempt", attempt, "error", err)
		if attempt == r.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return Result{}, lastErr
}

// HTTPHandler posts the proposal as JSON to a fixed URL, or to the
// proposal's target when TargetIsURL is set.
type HTTPHandler struct {
	Client      *http.Client
	URL         string
	Name        string
	TargetIsURL bool
}

func (h *HTTPHandler) Execute(ctx context.Context, p domain.ActionProposal) (Result, error) {
	url := h.URL
	if h.TargetIsURL {
		url = p.Target
	}
	if url == "" {
		return Result{}, fmt.Errorf("%s endpoint not configured", h.Name)
	}
	body := map[string]any{
		"proposal_id": p.ID,
		"target":      p.Target,
		"title":       p.Title,
		"body":        p.Body,
		"params":      json.RawMessage(paramsOrEmpty(p.ParamsJSON)),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("%s returned %d: %s", h.Name, resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	return Result{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(excerpt))}, nil
}

// CommandHandler runs a local command named in the proposal params. Only
// commands on the allow list may run.
type CommandHandler struct {
	AllowList []string
}

func (h *CommandHandler) Execute(ctx context.Context, p domain.ActionProposal) (Result, error) {
	var params struct {
		Command string   `json:"command"`
		Args    []string `json:"args"`
	}
	if err := json.Unmarshal([]byte(paramsOrEmpty(p.ParamsJSON)), &params); err != nil {
		return Result{}, fmt.Errorf("invalid command params: %w", err)
	}
	if params.Command == "" {
		return Result{}, fmt.Errorf("command param required")
	}
	if !h.allowed(params.Command) {
		return Result{}, fmt.Errorf("command %q not on allow list", params.Command)
	}
	out, err := exec.CommandContext(ctx, params.Command, params.Args...).CombinedOutput()
	excerpt := strings.TrimSpace(string(out))
	if len(excerpt) > 512 {
		excerpt = excerpt[:512]
	}
	if err != nil {
		return Result{}, fmt.Errorf("command %s: %w: %s", params.Command, err, excerpt)
	}
	return Result{Detail: excerpt}, nil
}

func (h *CommandHandler) allowed(cmd string) bool {
	for _, a := range h.AllowList {
		if a == cmd {
			return true
		}
	}
	return false
}

func paramsOrEmpty(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "{}"
	}
	return raw
}
