package vertical

import (
	"fmt"
	"strconv"
)

// State threads one event through a pipeline. GatherContext fills Context and
// MissingFields from the raw payload, DraftAction sets Draft or leaves it nil
// for a no-action outcome.
type State struct {
	EventID       string
	Source        string
	Type          string
	Vertical      string
	Payload       map[string]any
	Context       map[string]any
	MissingFields []string
	Draft         *Draft
}

type Draft struct {
	ActionType string
	Target     string
	Title      string
	Body       string
	Params     map[string]any
	Urgency    string
	Confidence float64
	NaturalKey string
	Reasoning  string
}

// Pipeline is one vertical's two analysis stages. Human approval, the third
// stage, belongs to the engine and is shared by every vertical.
type Pipeline interface {
	Name() string
	GatherContext(s *State)
	DraftAction(s *State)
}

const missingPenalty = 0.15

// score derates a base confidence for every payload field that had to be
// defaulted. A draft built on defaults never scores 0.85 or higher.
func score(base float64, missing []string) float64 {
	conf := base - missingPenalty*float64(len(missing))
	if conf < 0.1 {
		conf = 0.1
	}
	if len(missing) > 0 && conf > 0.8 {
		conf = 0.8
	}
	return conf
}

func (s *State) num(key string, def float64) float64 {
	v, ok := s.Payload[key]
	if !ok {
		s.miss(key)
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err == nil {
			return f
		}
	}
	s.miss(key)
	return def
}

// optStr reads an optional field. A missing value defaults without being
// recorded in MissingFields, so it carries no confidence penalty.
func (s *State) optStr(key, def string) string {
	if v, ok := s.Payload[key].(string); ok && v != "" {
		return v
	}
	return def
}

func (s *State) str(key, def string) string {
	if v, ok := s.Payload[key].(string); ok && v != "" {
		return v
	}
	s.miss(key)
	return def
}

func (s *State) boolean(key string) bool {
	v, ok := s.Payload[key].(bool)
	return ok && v
}

func (s *State) miss(key string) {
	for _, m := range s.MissingFields {
		if m == key {
			return
		}
	}
	s.MissingFields = append(s.MissingFields, key)
}

func (s *State) set(key string, v any) {
	if s.Context == nil {
		s.Context = map[string]any{}
	}
	s.Context[key] = v
}

func pct(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}
