package vertical

import "fmt"

// General is the fail-open fallback for event types no vertical claims. It
// always drafts a low-confidence triage note so nothing silently disappears.
type General struct{}

func (p *General) Name() string { return "general" }

func (p *General) GatherContext(s *State) {
	s.set("summary", s.str("summary", ""))
}

func (p *General) DraftAction(s *State) {
	summary, _ := s.Context["summary"].(string)
	if summary == "" {
		summary = "no summary provided"
	}
	s.Draft = &Draft{
		ActionType: "slack_dm",
		Target:     "ops-triage",
		Title:      fmt.Sprintf("Unrecognized event %s.%s", s.Source, s.Type),
		Body:       fmt.Sprintf("No vertical claims this event. Summary: %s", summary),
		Params:     map[string]any{"source": s.Source, "type": s.Type},
		Urgency:    "low",
		Confidence: 0.4,
		NaturalKey: fmt.Sprintf("general|%s.%s", s.Source, s.Type),
		Reasoning:  "catch-all triage, no routing rule matched",
	}
}

var _ Pipeline = (*General)(nil)
