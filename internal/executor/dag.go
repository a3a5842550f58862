package executor

import (
	"github.com/llmos/llmosd/pkg/iml"
)

// dag is the dependency view of one plan, precomputed at submission so the
// supervisor loop never re-walks the action list.
type dag struct {
	order      []string
	deps       map[string][]string
	dependents map[string][]string
}

func newDAG(plan *iml.Plan) *dag {
	g := &dag{
		order:      make([]string, 0, len(plan.Actions)),
		deps:       make(map[string][]string, len(plan.Actions)),
		dependents: make(map[string][]string, len(plan.Actions)),
	}
	for i := range plan.Actions {
		a := &plan.Actions[i]
		g.order = append(g.order, a.ID)
		g.deps[a.ID] = a.DependsOn
		for _, dep := range a.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], a.ID)
		}
	}
	return g
}

// ready returns, in plan order, the pending actions whose dependencies have
// all settled in completed or skipped.
func (g *dag) ready(statuses map[string]iml.ActionStatus) []string {
	var out []string
	for _, id := range g.order {
		if statuses[id] != iml.ActionPending {
			continue
		}
		ok := true
		for _, dep := range g.deps[id] {
			s := statuses[dep]
			if s != iml.ActionCompleted && s != iml.ActionSkipped {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, id)
		}
	}
	return out
}

// descendants returns every action transitively depending on id, in plan
// order.
func (g *dag) descendants(id string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(cur string) {
		for _, next := range g.dependents[cur] {
			if !seen[next] {
				seen[next] = true
				walk(next)
			}
		}
	}
	walk(id)

	var out []string
	for _, candidate := range g.order {
		if seen[candidate] {
			out = append(out, candidate)
		}
	}
	return out
}
