// Package delegate resolves an opaque agent id to the behaviour that performs
// a step's work.
//
// The built-in behaviours simulate the sub-agents with fixed output shapes
// and artificial latency. Production deployments register real behaviours
// per category (or per agent id) on the Registry.
package delegate

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/djb258/garage-mcp/internal/model"
)

// Category names a family of agent behaviour.
type Category string

const (
	CategoryOrchestrator Category = "orchestrator"
	CategoryMapper       Category = "mapper"
	CategoryValidator    Category = "validator"
	CategoryDB           Category = "db"
	CategoryEnforcer     Category = "enforcer"
	CategoryNotifier     Category = "notifier"
	CategoryReporter     Category = "reporter"
	CategoryGeneric      Category = "generic"
)

// Request is one delegated invocation.
type Request struct {
	AgentID    string
	Action     string
	Parameters map[string]any
	// HDO is a snapshot; behaviours describe mutations through Result.Update
	// and never modify it.
	HDO model.HDO
}

// Result is the envelope a behaviour returns.
type Result struct {
	Status string
	Fields map[string]any
	Update model.StepUpdate
}

// Map renders the result in its wire shape: the behaviour's fields plus
// status and hdo_updates.
func (r Result) Map() map[string]any {
	out := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["status"] = r.Status
	if !r.Update.IsZero() {
		out["hdo_updates"] = UpdateMap(r.Update)
	}
	return out
}

const summaryLimit = 200

// Summary renders the result for a log entry's result_summary, truncated to
// 200 bytes on a rune boundary.
func (r Result) Summary() string {
	b, err := json.Marshal(r.Map())
	if err != nil {
		return r.Status
	}
	s := string(b)
	if len(s) <= summaryLimit {
		return s
	}
	cut := summaryLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// UpdateMap renders a StepUpdate as the hdo_updates mapping.
func UpdateMap(u model.StepUpdate) map[string]any {
	m := make(map[string]any, 5)
	if len(u.Payload) > 0 {
		m["payload"] = u.Payload
	}
	if len(u.Meta) > 0 {
		m["meta"] = u.Meta
	}
	if u.Stage != nil {
		m["stage"] = *u.Stage
	}
	if u.Validated != nil {
		m["validated"] = *u.Validated
	}
	if u.PromotedTo != nil {
		if *u.PromotedTo == nil {
			m["promoted_to"] = nil
		} else {
			m["promoted_to"] = **u.PromotedTo
		}
	}
	return m
}

// Behavior performs the work for one category of agent.
type Behavior interface {
	Category() Category
	Execute(ctx context.Context, req Request) (Result, error)
}

// Route maps an agent id keyword to a category.
type Route struct {
	Keyword  string   `json:"keyword"`
	Category Category `json:"category"`
}

// defaultRoutes is checked in order; the first keyword contained in the
// lowercased agent id wins. "db" precedes "enforcer", so "feedback-enforcer"
// classifies as CategoryDB; promotion gating matches "enforcer" on the id.
var defaultRoutes = []Route{
	{Keyword: "orchestrator", Category: CategoryOrchestrator},
	{Keyword: "mapper", Category: CategoryMapper},
	{Keyword: "validator", Category: CategoryValidator},
	{Keyword: "db", Category: CategoryDB},
	{Keyword: "enforcer", Category: CategoryEnforcer},
	{Keyword: "notifier", Category: CategoryNotifier},
	{Keyword: "reporter", Category: CategoryReporter},
}

// Registry resolves agent ids to behaviours. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	routes    []Route
	behaviors map[Category]Behavior
	agents    map[string]Behavior
}

// NewRegistry returns a registry populated with the simulated behaviours.
// latencyScale multiplies each behaviour's simulated latency; 0 disables it.
func NewRegistry(latencyScale float64) *Registry {
	r := &Registry{
		routes:    append([]Route(nil), defaultRoutes...),
		behaviors: make(map[Category]Behavior, 8),
		agents:    make(map[string]Behavior),
	}
	for _, b := range Simulated(latencyScale) {
		r.behaviors[b.Category()] = b
	}
	return r
}

// Register replaces the behaviour for b's category.
func (r *Registry) Register(b Behavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviors[b.Category()] = b
}

// RegisterAgent binds a behaviour to one exact agent id (case-insensitive),
// taking precedence over keyword routing.
func (r *Registry) RegisterAgent(agentID string, b Behavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[strings.ToLower(agentID)] = b
}

// Classify returns the category an agent id routes to.
func (r *Registry) Classify(agentID string) Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.classify(strings.ToLower(agentID))
}

func (r *Registry) classify(lowerID string) Category {
	for _, rt := range r.routes {
		if strings.Contains(lowerID, rt.Keyword) {
			return rt.Category
		}
	}
	return CategoryGeneric
}

// Resolve returns the behaviour for an agent id. It always returns a
// behaviour: unmatched ids get the generic one.
func (r *Registry) Resolve(agentID string) Behavior {
	lower := strings.ToLower(agentID)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.agents[lower]; ok {
		return b
	}
	if b, ok := r.behaviors[r.classify(lower)]; ok {
		return b
	}
	return r.behaviors[CategoryGeneric]
}

// Routes returns the keyword table in match order.
func (r *Registry) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Route(nil), r.routes...)
}

// Agents returns the agent ids with an explicit binding, sorted.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
