package vertical

import (
	"fmt"

	"execops/internal/config"
)

// Release watches error rates after deploys and drafts rollbacks or alerts.
type Release struct {
	Cfg config.ReleaseThresholds
}

func (p *Release) Name() string { return "release_hygiene" }

func (p *Release) GatherContext(s *State) {
	s.set("service", s.str("service", "unknown"))
	s.set("version", s.str("version", "unknown"))
	s.set("error_rate", s.num("error_rate", 0))
	s.set("baseline_rate", s.num("baseline_rate", 0))
}

func (p *Release) DraftAction(s *State) {
	rate := s.Context["error_rate"].(float64)
	service := s.Context["service"].(string)
	version := s.Context["version"].(string)
	key := fmt.Sprintf("release|%s|%s", service, version)

	switch {
	case rate > p.Cfg.RollbackErrorRate:
		urgency := "high"
		if rate >= p.Cfg.CriticalErrorRate {
			urgency = "critical"
		}
		s.Draft = &Draft{
			ActionType: "command",
			Target:     service,
			Title:      fmt.Sprintf("Roll back %s %s", service, version),
			Body:       fmt.Sprintf("Error rate %s exceeds rollback threshold %s.", pct(rate), pct(p.Cfg.RollbackErrorRate)),
			Params:     map[string]any{"command": "rollback", "service": service, "version": version},
			Urgency:    urgency,
			Confidence: score(0.9, s.MissingFields),
			NaturalKey: key,
			Reasoning:  fmt.Sprintf("error_rate=%s rollback_threshold=%s", pct(rate), pct(p.Cfg.RollbackErrorRate)),
		}
	case rate == p.Cfg.RollbackErrorRate:
		// exactly on the boundary: prefer the non-destructive action
		s.Draft = p.alert(s, rate, service, version, key)
		s.Draft.Confidence = score(0.65, s.MissingFields)
		s.Draft.Reasoning += " (boundary, alert preferred over rollback)"
	case rate >= p.Cfg.AlertErrorRate:
		s.Draft = p.alert(s, rate, service, version, key)
	}
}

func (p *Release) alert(s *State, rate float64, service, version, key string) *Draft {
	return &Draft{
		ActionType: "slack_dm",
		Target:     "oncall",
		Title:      fmt.Sprintf("Elevated errors on %s %s", service, version),
		Body:       fmt.Sprintf("Error rate %s is above the alert threshold %s but below rollback.", pct(rate), pct(p.Cfg.AlertErrorRate)),
		Params:     map[string]any{"service": service, "version": version},
		Urgency:    "medium",
		Confidence: score(0.75, s.MissingFields),
		NaturalKey: key,
		Reasoning:  fmt.Sprintf("error_rate=%s alert_threshold=%s", pct(rate), pct(p.Cfg.AlertErrorRate)),
	}
}

var _ Pipeline = (*Release)(nil)
