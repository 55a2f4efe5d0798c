package vertical

import (
	"fmt"
	"math"

	"execops/internal/config"
)

// Runway watches billing events: failed payments, duplicate vendor charges
// and unusually large invoices.
type Runway struct {
	Cfg config.RunwayThresholds
}

func (p *Runway) Name() string { return "runway_money" }

func (p *Runway) GatherContext(s *State) {
	s.set("amount", s.num("amount", 0))
	if s.Type == "payment_failed" {
		// The card update email needs only the amount; vendor, recipient
		// and tier default without a confidence penalty.
		s.set("vendor", s.optStr("vendor", "unknown"))
		s.set("customer_email", s.optStr("customer_email", ""))
		s.set("customer_tier", s.optStr("customer_tier", ""))
		return
	}
	s.set("vendor", s.str("vendor", "unknown"))
	if recent, ok := s.Payload["recent_invoices"].([]any); ok {
		s.set("recent_invoices", recent)
	}
}

func (p *Runway) DraftAction(s *State) {
	vendor := s.Context["vendor"].(string)
	amount := s.Context["amount"].(float64)
	key := fmt.Sprintf("runway|%s|%.0f", vendor, amount)

	if s.Type == "payment_failed" {
		email, _ := s.Context["customer_email"].(string)
		tier, _ := s.Context["customer_tier"].(string)
		target := email
		if target == "" {
			target = "billing"
		}
		s.Draft = &Draft{
			ActionType: "email",
			Target:     target,
			Title:      fmt.Sprintf("Payment failed for %s", vendor),
			Body:       "Ask the customer to update their card on file.",
			Params:     map[string]any{"template": "card_update", "vendor": vendor, "amount": amount, "customer_tier": tier},
			Urgency:    "high",
			Confidence: score(0.92, s.MissingFields),
			NaturalKey: fmt.Sprintf("payment|%s", vendor),
			Reasoning:  "failed payment, card update request",
		}
		return
	}

	if dup, dupAmount := p.duplicate(s, vendor, amount); dup {
		s.Draft = &Draft{
			ActionType: "webhook",
			Target:     "finance-investigations",
			Title:      fmt.Sprintf("Possible duplicate charge from %s", vendor),
			Body:       fmt.Sprintf("Invoice for %.2f is within %.2f of a recent %.2f charge from the same vendor.", amount, p.Cfg.DuplicateEpsilon, dupAmount),
			Params:     map[string]any{"vendor": vendor, "amount": amount, "matched_amount": dupAmount},
			Urgency:    "medium",
			Confidence: score(0.7, s.MissingFields),
			NaturalKey: key,
			Reasoning:  "recent invoice from same vendor with near-identical amount",
		}
		return
	}

	if amount > p.Cfg.ApprovalAmount {
		s.Draft = &Draft{
			ActionType: "api_call",
			Target:     "spend-approvals",
			Title:      fmt.Sprintf("Invoice %.2f from %s needs approval", amount, vendor),
			Body:       fmt.Sprintf("Amount exceeds the %.0f auto-approval limit.", p.Cfg.ApprovalAmount),
			Params:     map[string]any{"vendor": vendor, "amount": amount},
			Urgency:    "high",
			Confidence: score(0.75, s.MissingFields),
			NaturalKey: key,
			Reasoning:  fmt.Sprintf("amount=%.2f limit=%.2f", amount, p.Cfg.ApprovalAmount),
		}
	}
}

func (p *Runway) duplicate(s *State, vendor string, amount float64) (bool, float64) {
	recent, _ := s.Context["recent_invoices"].([]any)
	for _, raw := range recent {
		inv, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		v, _ := inv["vendor"].(string)
		a, ok := inv["amount"].(float64)
		if !ok || v != vendor {
			continue
		}
		if math.Abs(a-amount) <= p.Cfg.DuplicateEpsilon {
			return true, a
		}
	}
	return false, 0
}

var _ Pipeline = (*Runway)(nil)
