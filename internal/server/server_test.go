package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"execops/internal/config"
	"execops/internal/db"
	"execops/internal/engine"
	"execops/internal/migrate"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	Token  string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	action := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	cfg := config.Default("execops-test")
	cfg.Integrations.Slack.WebhookURL = action.URL
	cfg.Integrations.Email.Endpoint = action.URL
	cfg.Execution.MaxAttempts = 1

	e := engine.New(conn, cfg)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "tester",
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Token:  token,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
			action.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func (s *testServer) doJSON(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if _, ok := headers["Authorization"]; !ok {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func ingestPayload(externalID string) map[string]any {
	return map[string]any{
		"source":      "sentry",
		"type":        "error",
		"external_id": externalID,
		"payload": map[string]any{
			"service":       "api",
			"version":       "1.2.0",
			"error_rate":    0.015,
			"baseline_rate": 0.001,
		},
	}
}

func TestIngestProposeApproveExecuteFlow(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.doJSON(t, http.MethodPost, "/v0/events", ingestPayload("flow-1"), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status %d: %s", res.StatusCode, string(data))
	}
	var ev EventResponse
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}

	res, data = srv.doJSON(t, http.MethodPost, "/v0/events/"+ev.ID+"/propose", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("propose status %d: %s", res.StatusCode, string(data))
	}
	var proposed ProposeResponse
	if err := json.Unmarshal(data, &proposed); err != nil {
		t.Fatalf("unmarshal propose: %v", err)
	}
	if proposed.Outcome != "proposed" || proposed.Proposal == nil {
		t.Fatalf("expected proposed outcome: %s", string(data))
	}
	if proposed.Proposal.Status != "pending_approval" {
		t.Fatalf("expected pending_approval, got %s", proposed.Proposal.Status)
	}
	id := proposed.Proposal.ID

	res, data = srv.doJSON(t, http.MethodPost, "/v0/proposals/"+id+"/approve", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved ProposalResponse
	_ = json.Unmarshal(data, &approved)
	if approved.Status != "approved" {
		t.Fatalf("expected approved, got %s", approved.Status)
	}
	if approved.DecidedBy == nil || *approved.DecidedBy != "tester" {
		t.Fatalf("expected decided_by tester: %s", string(data))
	}

	res, data = srv.doJSON(t, http.MethodPost, "/v0/proposals/"+id+"/execute", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}
	var exec ExecutionResponse
	if err := json.Unmarshal(data, &exec); err != nil {
		t.Fatalf("unmarshal execution: %v", err)
	}
	if exec.Status != "succeeded" || exec.Attempt != 1 {
		t.Fatalf("expected succeeded first attempt: %s", string(data))
	}

	res, data = srv.doJSON(t, http.MethodGet, "/v0/proposals/"+id+"/executions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list executions status %d: %s", res.StatusCode, string(data))
	}
	var execs []ExecutionResponse
	_ = json.Unmarshal(data, &execs)
	if len(execs) != 1 {
		t.Fatalf("expected one execution, got %d", len(execs))
	}
}

func TestDuplicateIngestReturnsExisting(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.doJSON(t, http.MethodPost, "/v0/events", ingestPayload("dup-1"), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first ingest status %d: %s", res.StatusCode, string(data))
	}
	var first EventResponse
	_ = json.Unmarshal(data, &first)

	res, data = srv.doJSON(t, http.MethodPost, "/v0/events", ingestPayload("dup-1"), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("redelivery should be 200, got %d: %s", res.StatusCode, string(data))
	}
	var second EventResponse
	_ = json.Unmarshal(data, &second)
	if !second.Duplicate {
		t.Fatalf("expected duplicate flag: %s", string(data))
	}
	if second.ID != first.ID {
		t.Fatalf("redelivery should return original event: %s vs %s", second.ID, first.ID)
	}
}

func TestDecisionConflicts(t *testing.T) {
	srv := newTestServer(t)

	_, data := srv.doJSON(t, http.MethodPost, "/v0/events", ingestPayload("conflict-1"), nil)
	var ev EventResponse
	_ = json.Unmarshal(data, &ev)
	_, data = srv.doJSON(t, http.MethodPost, "/v0/events/"+ev.ID+"/propose", nil, nil)
	var proposed ProposeResponse
	_ = json.Unmarshal(data, &proposed)
	id := proposed.Proposal.ID

	res, data := srv.doJSON(t, http.MethodPost, "/v0/proposals/"+id+"/reject", map[string]any{"reason": "not now"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", res.StatusCode, string(data))
	}

	res, data = srv.doJSON(t, http.MethodPost, "/v0/proposals/"+id+"/approve", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("approving rejected proposal should conflict, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition code, got %q", envelope.Error.Code)
	}

	res, data = srv.doJSON(t, http.MethodPost, "/v0/proposals/"+id+"/execute", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("executing rejected proposal should conflict, got %d: %s", res.StatusCode, string(data))
	}
}

func TestRejectRequiresReason(t *testing.T) {
	srv := newTestServer(t)

	_, data := srv.doJSON(t, http.MethodPost, "/v0/events", ingestPayload("reason-1"), nil)
	var ev EventResponse
	_ = json.Unmarshal(data, &ev)
	_, data = srv.doJSON(t, http.MethodPost, "/v0/events/"+ev.ID+"/propose", nil, nil)
	var proposed ProposeResponse
	_ = json.Unmarshal(data, &proposed)

	res, data := srv.doJSON(t, http.MethodPost, "/v0/proposals/"+proposed.Proposal.ID+"/reject", map[string]any{"reason": ""}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty reason should be 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestManualProposalEndpoint(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.doJSON(t, http.MethodPost, "/v0/proposals", map[string]any{
		"action_type": "slack_dm",
		"target":      "oncall",
		"title":       "Check backup job",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create manual proposal status %d: %s", res.StatusCode, string(data))
	}
	var p ProposalResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal proposal: %v", err)
	}
	if p.Vertical != "general" || p.Status != "pending_approval" {
		t.Fatalf("unexpected manual proposal: %s", string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.doJSON(t, http.MethodGet, "/v0/proposals", nil, map[string]string{"Authorization": ""})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = srv.doJSON(t, http.MethodGet, "/v0/health", nil, map[string]string{"Authorization": ""})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
}

func TestAuditEndpoint(t *testing.T) {
	srv := newTestServer(t)

	_, data := srv.doJSON(t, http.MethodPost, "/v0/events", ingestPayload("audit-1"), nil)
	var ev EventResponse
	_ = json.Unmarshal(data, &ev)
	_, _ = srv.doJSON(t, http.MethodPost, "/v0/events/"+ev.ID+"/propose", nil, nil)

	res, data := srv.doJSON(t, http.MethodGet, "/v0/audit?action=proposal.created", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}
	var entries []AuditEntryResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one proposal.created entry, got %d", len(entries))
	}
	if entries[0].ActorID != "tester" {
		t.Fatalf("audit entry should carry the authenticated actor, got %q", entries[0].ActorID)
	}
}
