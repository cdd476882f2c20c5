package dispatch

import (
	"errors"
	"log/slog"

	"dingbridge/internal/domain"
)

// ErrNoRoute is wrapped in the DispatchError returned when nothing matches.
var ErrNoRoute = errors.New("no agent matched and no default configured")

// Route pairs a predicate with the agent it selects.
type Route struct {
	Predicate domain.Predicate
	Agent     domain.AgentDefinition
}

// Router selects the agent for a message. Routes are evaluated in order and
// the first match wins; the default agent catches everything else.
type Router struct {
	routes []Route
	def    *domain.AgentDefinition
	logger *slog.Logger
}

// NewRouter builds a router from agent definitions in priority order. Each
// definition's Match is used as its predicate; definitions without one are
// only reachable as def.
func NewRouter(defs []domain.AgentDefinition, def *domain.AgentDefinition, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	routes := make([]Route, 0, len(defs))
	for _, d := range defs {
		if d.Match == nil {
			continue
		}
		routes = append(routes, Route{Predicate: d.Match, Agent: d})
	}
	return &Router{routes: routes, def: def, logger: logger}
}

// Route returns the selected agent or a *domain.DispatchError.
func (r *Router) Route(msg domain.InboundMessage) (domain.AgentDefinition, error) {
	for _, rt := range r.routes {
		if rt.Predicate(msg) {
			r.logger.Debug("router matched agent", "agent", rt.Agent.Name, "msg_id", msg.ID)
			return rt.Agent, nil
		}
	}
	if r.def != nil {
		return *r.def, nil
	}
	return domain.AgentDefinition{}, &domain.DispatchError{Op: "route", Err: ErrNoRoute}
}

// Agents lists routed agent names in evaluation order, then the default.
func (r *Router) Agents() []string {
	names := make([]string, 0, len(r.routes)+1)
	for _, rt := range r.routes {
		names = append(names, rt.Agent.Name)
	}
	if r.def != nil {
		names = append(names, r.def.Name)
	}
	return names
}
