package vertical

import (
	"fmt"

	"execops/internal/config"
)

// Router maps source.type pairs to pipelines. The table is fixed at
// construction; unknown pairs fall through to the general pipeline, routing
// never fails.
type Router struct {
	table    map[string]Pipeline
	fallback Pipeline
}

func NewRouter(cfg *config.Config) *Router {
	release := &Release{Cfg: cfg.Verticals.Release}
	runway := &Runway{Cfg: cfg.Verticals.Runway}
	customer := &Customer{Cfg: cfg.Verticals.Customer}
	pulse := &TeamPulse{Cfg: cfg.Verticals.TeamPulse}

	r := &Router{table: map[string]Pipeline{}, fallback: &General{}}
	r.register("sentry.error", release)
	r.register("github.deploy", release)
	r.register("stripe.invoice", runway)
	r.register("stripe.payment_failed", runway)
	r.register("intercom.ticket", customer)
	r.register("zendesk.ticket", customer)
	r.register("github.activity", pulse)
	return r
}

func (r *Router) register(key string, p Pipeline) {
	if _, exists := r.table[key]; exists {
		panic(fmt.Sprintf("vertical: duplicate route %s", key))
	}
	r.table[key] = p
}

// Route returns the pipeline for a source and event type.
func (r *Router) Route(source, eventType string) Pipeline {
	if p, ok := r.table[source+"."+eventType]; ok {
		return p
	}
	return r.fallback
}

// Run drives both analysis stages over a fresh state.
func (r *Router) Run(eventID, source, eventType string, payload map[string]any) *State {
	p := r.Route(source, eventType)
	s := &State{
		EventID:  eventID,
		Source:   source,
		Type:     eventType,
		Vertical: p.Name(),
		Payload:  payload,
	}
	p.GatherContext(s)
	p.DraftAction(s)
	return s
}
