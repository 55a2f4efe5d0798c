package vertical_test

import (
	"testing"

	"execops/internal/config"
	"execops/internal/vertical"
)

func newRouter() *vertical.Router {
	return vertical.NewRouter(config.Default("test"))
}

func TestRoutingTable(t *testing.T) {
	r := newRouter()
	cases := map[string]string{
		"sentry.error":          "release_hygiene",
		"github.deploy":         "release_hygiene",
		"stripe.invoice":        "runway_money",
		"stripe.payment_failed": "runway_money",
		"intercom.ticket":       "customer_fire",
		"zendesk.ticket":        "customer_fire",
		"github.activity":       "team_pulse",
		"pagerduty.incident":    "general",
	}
	for key, want := range cases {
		source, typ := split(key)
		if got := r.Route(source, typ).Name(); got != want {
			t.Errorf("%s routed to %s, want %s", key, got, want)
		}
	}
}

func split(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func TestReleaseThresholds(t *testing.T) {
	r := newRouter()

	s := r.Run("evt-1", "sentry", "error", map[string]any{"service": "api", "version": "1.2.0", "error_rate": 0.06, "baseline_rate": 0.002})
	if s.Draft == nil || s.Draft.ActionType != "command" || s.Draft.Urgency != "critical" {
		t.Fatalf("6%% error rate should draft critical rollback: %+v", s.Draft)
	}

	s = r.Run("evt-2", "sentry", "error", map[string]any{"service": "api", "version": "1.2.0", "error_rate": 0.03, "baseline_rate": 0.002})
	if s.Draft == nil || s.Draft.ActionType != "command" || s.Draft.Urgency != "high" {
		t.Fatalf("3%% error rate should draft high rollback: %+v", s.Draft)
	}

	s = r.Run("evt-3", "sentry", "error", map[string]any{"service": "api", "version": "1.2.0", "error_rate": 0.015, "baseline_rate": 0.002})
	if s.Draft == nil || s.Draft.ActionType != "slack_dm" || s.Draft.Urgency != "medium" {
		t.Fatalf("1.5%% error rate should draft alert: %+v", s.Draft)
	}

	s = r.Run("evt-4", "sentry", "error", map[string]any{"service": "api", "version": "1.2.0", "error_rate": 0.005, "baseline_rate": 0.002})
	if s.Draft != nil {
		t.Fatalf("0.5%% error rate should be no action, got %+v", s.Draft)
	}
}

func TestReleaseBoundaryPrefersAlert(t *testing.T) {
	r := newRouter()
	s := r.Run("evt-1", "sentry", "error", map[string]any{"service": "api", "version": "1.2.0", "error_rate": 0.02, "baseline_rate": 0.002})
	if s.Draft == nil || s.Draft.ActionType != "slack_dm" {
		t.Fatalf("exact rollback threshold should prefer alert: %+v", s.Draft)
	}
	full := r.Run("evt-2", "sentry", "error", map[string]any{"service": "api", "version": "1.2.0", "error_rate": 0.015, "baseline_rate": 0.002})
	if s.Draft.Confidence >= full.Draft.Confidence {
		t.Fatalf("boundary draft should carry a confidence penalty: %v vs %v", s.Draft.Confidence, full.Draft.Confidence)
	}
}

func TestMissingFieldsCapConfidence(t *testing.T) {
	r := newRouter()
	s := r.Run("evt-1", "sentry", "error", map[string]any{"error_rate": 0.06})
	if s.Draft == nil {
		t.Fatal("expected a draft")
	}
	if len(s.MissingFields) == 0 {
		t.Fatal("service and version were defaulted, expected missing fields")
	}
	if s.Draft.Confidence >= 0.85 {
		t.Fatalf("defaulted fields must keep confidence below 0.85, got %v", s.Draft.Confidence)
	}
}

func TestRunwayPaymentFailed(t *testing.T) {
	r := newRouter()
	s := r.Run("evt-1", "stripe", "payment_failed", map[string]any{"vendor": "acme", "amount": 49.0, "customer_email": "ops@acme.test"})
	if s.Draft == nil || s.Draft.ActionType != "email" || s.Draft.Urgency != "high" {
		t.Fatalf("payment_failed should draft a card update email: %+v", s.Draft)
	}
	if s.Draft.Target != "ops@acme.test" {
		t.Fatalf("target should be the customer email, got %s", s.Draft.Target)
	}
}

func TestRunwayPaymentFailedAmountOnly(t *testing.T) {
	r := newRouter()
	s := r.Run("evt-1", "stripe", "payment_failed", map[string]any{"amount": 5000.0, "customer_tier": "enterprise"})
	if s.Draft == nil || s.Draft.ActionType != "email" || s.Draft.Urgency != "high" {
		t.Fatalf("payment_failed should draft a card update email: %+v", s.Draft)
	}
	if s.Draft.Confidence < 0.85 {
		t.Fatalf("amount plus tier is a complete payload, confidence must be at least 0.85, got %v", s.Draft.Confidence)
	}
	if len(s.MissingFields) != 0 {
		t.Fatalf("vendor and recipient default without penalty, got missing %v", s.MissingFields)
	}
	if s.Draft.Target != "billing" {
		t.Fatalf("missing recipient falls back to the billing queue, got %s", s.Draft.Target)
	}
}

func TestRunwayDuplicateInvoice(t *testing.T) {
	r := newRouter()
	payload := map[string]any{
		"vendor": "acme", "amount": 500.0,
		"recent_invoices": []any{map[string]any{"vendor": "acme", "amount": 500.5}},
	}
	s := r.Run("evt-1", "stripe", "invoice", payload)
	if s.Draft == nil || s.Draft.ActionType != "webhook" {
		t.Fatalf("near-identical vendor amount should draft investigation: %+v", s.Draft)
	}
}

func TestRunwayLargeInvoice(t *testing.T) {
	r := newRouter()
	s := r.Run("evt-1", "stripe", "invoice", map[string]any{"vendor": "acme", "amount": 2500.0})
	if s.Draft == nil || s.Draft.ActionType != "api_call" || s.Draft.Urgency != "high" {
		t.Fatalf("invoice over limit should draft approval escalation: %+v", s.Draft)
	}
	s = r.Run("evt-2", "stripe", "invoice", map[string]any{"vendor": "acme", "amount": 250.0})
	if s.Draft != nil {
		t.Fatalf("small invoice should be no action, got %+v", s.Draft)
	}
}

func TestCustomerVIPChurn(t *testing.T) {
	r := newRouter()
	s := r.Run("evt-1", "zendesk", "ticket", map[string]any{
		"customer": "bigco", "tier": "enterprise", "mrr": 5000.0, "churn_risk": 0.8, "urgent": true,
	})
	if s.Draft == nil || s.Draft.ActionType != "slack_dm" || s.Draft.Urgency != "critical" {
		t.Fatalf("VIP at churn risk should draft critical senior assignment: %+v", s.Draft)
	}

	s = r.Run("evt-2", "intercom", "ticket", map[string]any{
		"customer": "smallco", "tier": "standard", "mrr": 50.0, "churn_risk": 0.1, "urgent": false,
	})
	if s.Draft != nil {
		t.Fatalf("non-VIP quiet ticket should be no action, got %+v", s.Draft)
	}

	s = r.Run("evt-3", "intercom", "ticket", map[string]any{
		"customer": "midco", "tier": "standard", "mrr": 1500.0, "churn_risk": 0.2, "urgent": false,
	})
	if s.Draft == nil || s.Draft.ActionType != "email" {
		t.Fatalf("high-MRR VIP should draft apology email: %+v", s.Draft)
	}
}

func TestTeamPulseLadder(t *testing.T) {
	r := newRouter()
	cases := []struct {
		drop, pto float64
		action    string
	}{
		{0.6, 0.6, "email"},
		{0.6, 0.1, "webhook"},
		{0.35, 0.0, "slack_dm"},
		{0.1, 0.0, ""},
	}
	for _, c := range cases {
		s := r.Run("evt", "github", "activity", map[string]any{"team": "core", "commit_drop": c.drop, "pto_ratio": c.pto})
		if c.action == "" {
			if s.Draft != nil {
				t.Errorf("drop=%v pto=%v expected no action, got %+v", c.drop, c.pto, s.Draft)
			}
			continue
		}
		if s.Draft == nil || s.Draft.ActionType != c.action {
			t.Errorf("drop=%v pto=%v expected %s, got %+v", c.drop, c.pto, c.action, s.Draft)
		}
	}
}

func TestGeneralAlwaysEscalates(t *testing.T) {
	r := newRouter()
	s := r.Run("evt-1", "pagerduty", "incident", map[string]any{"summary": "disk full"})
	if s.Draft == nil || s.Draft.ActionType != "slack_dm" {
		t.Fatalf("general pipeline must always draft a triage note: %+v", s.Draft)
	}
	if s.Draft.Confidence >= 0.5 {
		t.Fatalf("general drafts must stay below the confidence floor, got %v", s.Draft.Confidence)
	}
}
