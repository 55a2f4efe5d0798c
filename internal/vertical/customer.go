package vertical

import (
	"fmt"

	"execops/internal/config"
)

// Customer triages support tickets, fast-tracking VIP accounts at churn risk.
type Customer struct {
	Cfg config.CustomerThresholds
}

func (p *Customer) Name() string { return "customer_fire" }

func (p *Customer) GatherContext(s *State) {
	s.set("customer", s.str("customer", "unknown"))
	s.set("tier", s.str("tier", "standard"))
	s.set("mrr", s.num("mrr", 0))
	s.set("churn_risk", s.num("churn_risk", 0))
	s.set("urgent", s.boolean("urgent"))
}

func (p *Customer) DraftAction(s *State) {
	customer := s.Context["customer"].(string)
	tier := s.Context["tier"].(string)
	mrr := s.Context["mrr"].(float64)
	churn := s.Context["churn_risk"].(float64)
	urgent := s.Context["urgent"].(bool)
	key := fmt.Sprintf("customer|%s", customer)

	vip := tier == "enterprise" || mrr >= p.Cfg.VIPMRR || (churn >= p.Cfg.ChurnThreshold && urgent)

	switch {
	case vip && churn >= p.Cfg.ChurnThreshold:
		s.Draft = &Draft{
			ActionType: "slack_dm",
			Target:     "senior-support",
			Title:      fmt.Sprintf("VIP %s at churn risk, assign a senior", customer),
			Body:       fmt.Sprintf("Churn risk %.2f with tier=%s mrr=%.0f. Route to a senior agent now.", churn, tier, mrr),
			Params:     map[string]any{"customer": customer, "assignment": "senior"},
			Urgency:    "critical",
			Confidence: score(0.85, s.MissingFields),
			NaturalKey: key,
			Reasoning:  fmt.Sprintf("vip churn_risk=%.2f threshold=%.2f", churn, p.Cfg.ChurnThreshold),
		}
	case vip || urgent:
		s.Draft = &Draft{
			ActionType: "email",
			Target:     customer,
			Title:      fmt.Sprintf("Apology and status update for %s", customer),
			Body:       "Acknowledge the issue and commit to a follow-up.",
			Params:     map[string]any{"template": "apology", "customer": customer},
			Urgency:    "high",
			Confidence: score(0.7, s.MissingFields),
			NaturalKey: key,
			Reasoning:  fmt.Sprintf("vip=%t urgent=%t", vip, urgent),
		}
	}
}

var _ Pipeline = (*Customer)(nil)
