package vertical

import (
	"fmt"

	"execops/internal/config"
)

// TeamPulse watches commit activity for sustained drops that are not
// explained by time off.
type TeamPulse struct {
	Cfg config.TeamPulseThresholds
}

func (p *TeamPulse) Name() string { return "team_pulse" }

func (p *TeamPulse) GatherContext(s *State) {
	s.set("team", s.str("team", "unknown"))
	s.set("commit_drop", s.num("commit_drop", 0))
	s.set("pto_ratio", s.num("pto_ratio", 0))
}

func (p *TeamPulse) DraftAction(s *State) {
	team := s.Context["team"].(string)
	drop := s.Context["commit_drop"].(float64)
	pto := s.Context["pto_ratio"].(float64)
	key := fmt.Sprintf("team_pulse|%s", team)

	switch {
	case drop >= p.Cfg.AlertDrop && pto >= p.Cfg.PTORatio:
		s.Draft = &Draft{
			ActionType: "email",
			Target:     team,
			Title:      fmt.Sprintf("Plan a sync for %s after the PTO wave", team),
			Body:       fmt.Sprintf("Commit volume down %s with %s of the team on PTO. Schedule a catch-up when people are back.", pct(drop), pct(pto)),
			Params:     map[string]any{"template": "calendar_invite", "team": team},
			Urgency:    "high",
			Confidence: score(0.75, s.MissingFields),
			NaturalKey: key,
			Reasoning:  fmt.Sprintf("commit_drop=%s pto_ratio=%s", pct(drop), pct(pto)),
		}
	case drop >= p.Cfg.AlertDrop:
		s.Draft = &Draft{
			ActionType: "webhook",
			Target:     "sentiment-survey",
			Title:      fmt.Sprintf("Sentiment check for %s", team),
			Body:       fmt.Sprintf("Commit volume down %s without matching PTO. Trigger a pulse survey.", pct(drop)),
			Params:     map[string]any{"team": team},
			Urgency:    "medium",
			Confidence: score(0.7, s.MissingFields),
			NaturalKey: key,
			Reasoning:  fmt.Sprintf("commit_drop=%s pto_ratio=%s", pct(drop), pct(pto)),
		}
	case drop >= p.Cfg.ReminderDrop:
		s.Draft = &Draft{
			ActionType: "slack_dm",
			Target:     "manager:" + team,
			Title:      fmt.Sprintf("Consider 1:1s with %s", team),
			Body:       fmt.Sprintf("Commit volume down %s over the window. A round of 1:1s may surface blockers.", pct(drop)),
			Params:     map[string]any{"team": team},
			Urgency:    "low",
			Confidence: score(0.65, s.MissingFields),
			NaturalKey: key,
			Reasoning:  fmt.Sprintf("commit_drop=%s", pct(drop)),
		}
	}
}

var _ Pipeline = (*TeamPulse)(nil)
