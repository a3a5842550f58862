package protocol

import (
	"fmt"
	"sort"
	"strings"

	"github.com/llmos/llmosd/internal/errdefs"
	"github.com/llmos/llmosd/internal/template"
	"github.com/llmos/llmosd/pkg/iml"
)

// Issue is one validation violation, addressed by a JSON-path-like string.
type Issue struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// ParamChecker validates an action's params against the declared schema of
// its capability. Implemented by the capability registry; nil disables the
// schema stage (unknown modules are still caught at dispatch).
type ParamChecker interface {
	ValidateParams(module, action string, params map[string]any) error
}

// Validate enforces the structural invariants of a plan: identifier grammar,
// unique action ids, resolvable and acyclic dependencies, well-formed
// rollback references, and (when a checker is supplied) param schemas.
// It accumulates every violation rather than stopping at the first.
func Validate(plan *iml.Plan, checker ParamChecker) error {
	var issues []Issue
	add := func(path, format string, args ...any) {
		issues = append(issues, Issue{Path: path, Reason: fmt.Sprintf(format, args...)})
	}

	if plan.PlanID != "" && !iml.IDPattern.MatchString(plan.PlanID) {
		add("plan_id", "must match %s", iml.IDPattern.String())
	}
	if len(plan.Actions) == 0 {
		add("actions", "plan must contain at least one action")
	}

	seen := map[string]bool{}
	for i := range plan.Actions {
		a := &plan.Actions[i]
		path := fmt.Sprintf("actions[%d]", i)

		if !iml.IDPattern.MatchString(a.ID) {
			add(path+".id", "id %q must match %s", a.ID, iml.IDPattern.String())
		} else if seen[a.ID] {
			add(path+".id", "duplicate action id %q", a.ID)
		}
		seen[a.ID] = true

		if !iml.NamePattern.MatchString(a.Module) {
			add(path+".module", "module %q must match %s", a.Module, iml.NamePattern.String())
		}
		if !iml.NamePattern.MatchString(a.Action) {
			add(path+".action", "action name %q must match %s", a.Action, iml.NamePattern.String())
		}

		switch a.OnError {
		case "", iml.OnErrorAbort, iml.OnErrorContinue, iml.OnErrorRetry,
			iml.OnErrorRollback, iml.OnErrorSkip:
		default:
			add(path+".on_error", "unknown policy %q", a.OnError)
		}
		if a.OnError == iml.OnErrorRollback && a.Rollback == nil {
			add(path+".rollback", "on_error=rollback requires a rollback reference")
		}
		if a.TargetNode != "" && a.TargetNode != "local" {
			add(path+".target_node", "must be empty or \"local\"; cross-node dispatch is not supported")
		}
	}

	// Dependency and rollback references are checked only after ids are
	// collected so forward references resolve.
	for i := range plan.Actions {
		a := &plan.Actions[i]
		path := fmt.Sprintf("actions[%d]", i)
		for _, dep := range a.DependsOn {
			if dep == a.ID {
				add(path+".depends_on", "action %q depends on itself", a.ID)
			} else if !seen[dep] {
				add(path+".depends_on", "unknown dependency %q", dep)
			}
		}
		if a.Rollback != nil {
			if !seen[a.Rollback.Action] {
				add(path+".rollback.action", "rollback references unknown action %q", a.Rollback.Action)
			} else if a.Rollback.Action == a.ID {
				add(path+".rollback.action", "action %q cannot be its own rollback", a.ID)
			}
		}
	}

	if cycle := findCycle(plan); len(cycle) > 0 {
		add("actions", "dependency cycle: %s", strings.Join(cycle, " -> "))
	}

	if checker != nil {
		for i := range plan.Actions {
			a := &plan.Actions[i]
			// Templated params are checked at dispatch, after resolution;
			// an expression may stand in for any value type.
			if template.HasExpressions(a.Params) {
				continue
			}
			if err := checker.ValidateParams(a.Module, a.Action, a.Params); err != nil {
				add(fmt.Sprintf("actions[%d].params", i), "%v", err)
			}
		}
	}

	if len(issues) == 0 {
		return nil
	}
	return errdefs.Protocol(errdefs.CodeValidationFailed,
		"plan failed validation with %d issue(s)", len(issues)).
		WithDetail("issues", issues)
}

// IssuesOf extracts the accumulated issues from a validation error.
func IssuesOf(err error) []Issue {
	e := errdefs.AsError(err)
	if e == nil {
		return nil
	}
	issues, _ := e.Details["issues"].([]Issue)
	return issues
}

// findCycle returns the action ids forming a dependency cycle, with the
// starting node repeated at the end, or nil for an acyclic plan. Iterative
// DFS with a three-color marking; deterministic over sorted ids.
func findCycle(plan *iml.Plan) []string {
	deps := make(map[string][]string, len(plan.Actions))
	ids := make([]string, 0, len(plan.Actions))
	for i := range plan.Actions {
		a := &plan.Actions[i]
		ids = append(ids, a.ID)
		deps[a.ID] = a.DependsOn
	}
	sort.Strings(ids)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(ids))
	parent := map[string]string{}

	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			switch color[dep] {
			case white:
				parent[dep] = id
				if visit(dep) {
					return true
				}
			case gray:
				// Walk parents back from id up to dep to name every node
				// on the cycle, then close the loop.
				path := []string{}
				for cur := id; cur != dep; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, dep)
				cycle = make([]string, 0, len(path)+1)
				for j := len(path) - 1; j >= 0; j-- {
					cycle = append(cycle, path[j])
				}
				cycle = append(cycle, dep)
				return true
			}
		}
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
