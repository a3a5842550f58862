package executor

import (
	"reflect"
	"testing"

	"github.com/llmos/llmosd/pkg/iml"
)

func diamondPlan() *iml.Plan {
	return &iml.Plan{
		PlanID: "diamond",
		Actions: []iml.Action{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"a"}},
			{ID: "d", DependsOn: []string{"b", "c"}},
		},
	}
}

func TestReadyFollowsSettledDependencies(t *testing.T) {
	g := newDAG(diamondPlan())

	statuses := map[string]iml.ActionStatus{
		"a": iml.ActionPending,
		"b": iml.ActionPending,
		"c": iml.ActionPending,
		"d": iml.ActionPending,
	}
	if got := g.ready(statuses); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("Expected only the root ready, got %v", got)
	}

	statuses["a"] = iml.ActionCompleted
	if got := g.ready(statuses); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("Expected both branches ready in plan order, got %v", got)
	}

	// One settled branch is not enough for the join node.
	statuses["b"] = iml.ActionCompleted
	if got := g.ready(statuses); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("Expected only c ready, got %v", got)
	}

	// A skipped dependency still satisfies the join.
	statuses["c"] = iml.ActionSkipped
	if got := g.ready(statuses); !reflect.DeepEqual(got, []string{"d"}) {
		t.Fatalf("Expected d ready after skip, got %v", got)
	}
}

func TestReadyExcludesFailedDependencies(t *testing.T) {
	g := newDAG(diamondPlan())

	statuses := map[string]iml.ActionStatus{
		"a": iml.ActionCompleted,
		"b": iml.ActionFailed,
		"c": iml.ActionCompleted,
		"d": iml.ActionPending,
	}
	if got := g.ready(statuses); got != nil {
		t.Fatalf("Expected nothing ready behind a failed dependency, got %v", got)
	}
}

func TestReadyIgnoresNonPendingActions(t *testing.T) {
	g := newDAG(diamondPlan())

	statuses := map[string]iml.ActionStatus{
		"a": iml.ActionCompleted,
		"b": iml.ActionRunning,
		"c": iml.ActionCompleted,
		"d": iml.ActionPending,
	}
	// b is already in flight and must not be handed out again.
	if got := g.ready(statuses); got != nil {
		t.Fatalf("Expected nothing ready, got %v", got)
	}
}

func TestDescendantsAreTransitiveAndOrdered(t *testing.T) {
	g := newDAG(&iml.Plan{
		PlanID: "chain",
		Actions: []iml.Action{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"b"}},
			{ID: "d", DependsOn: []string{"a"}},
			{ID: "e"},
		},
	})

	if got := g.descendants("a"); !reflect.DeepEqual(got, []string{"b", "c", "d"}) {
		t.Errorf("Expected transitive descendants in plan order, got %v", got)
	}
	if got := g.descendants("b"); !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("Expected single descendant, got %v", got)
	}
	if got := g.descendants("e"); got != nil {
		t.Errorf("Expected no descendants for a leaf, got %v", got)
	}
}
