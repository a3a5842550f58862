// Package approval coordinates human-in-the-loop decisions. An action that
// requires approval suspends on the Gate until a decision arrives over the
// API or the request times out; the configured timeout behavior then
// resolves it to a synthetic reject or skip.
package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/llmos/llmosd/pkg/iml"
)

// Decision is a human (or policy) verdict on one pending action.
type Decision string

const (
	DecisionApprove       Decision = "approve"
	DecisionReject        Decision = "reject"
	DecisionSkip          Decision = "skip"
	DecisionModify        Decision = "modify"
	DecisionApproveAlways Decision = "approve_always"
)

// Valid reports whether the decision string is known.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionSkip, DecisionModify, DecisionApproveAlways:
		return true
	}
	return false
}

// Request describes one action blocked on approval.
type Request struct {
	PlanID          string         `json:"plan_id"`
	ActionID        string         `json:"action_id"`
	Module          string         `json:"module"`
	ActionName      string         `json:"action_name"`
	Params          map[string]any `json:"params,omitempty"`
	RiskLevel       iml.RiskLevel  `json:"risk_level"`
	Description     string         `json:"description,omitempty"`
	// Reason is "action_flag" when the action set requires_approval itself
	// and "config_rule" when a global or risk-derived rule forced it.
	Reason               string    `json:"requires_approval_reason"`
	ClarificationOptions []string  `json:"clarification_options,omitempty"`
	RequestedAt          time.Time `json:"requested_at"`
}

// Response resolves a Request.
type Response struct {
	Decision       Decision       `json:"decision"`
	ModifiedParams map[string]any `json:"modified_params,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

type key struct{ planID, actionID string }

type pendingEntry struct {
	request Request
	done    chan Response // buffered(1); closed never, sent exactly once
	settled bool
}

// Gate is the per-daemon approval coordination point.
type Gate struct {
	mu          sync.Mutex
	pending     map[key]*pendingEntry
	autoApprove map[string]bool // "module.action"
}

// NewGate returns an empty gate.
func NewGate() *Gate {
	return &Gate{
		pending:     map[key]*pendingEntry{},
		autoApprove: map[string]bool{},
	}
}

// RequestApproval blocks until a decision arrives, the timeout elapses, or
// ctx is cancelled. On timeout it resolves to the configured behavior with
// a reason naming the timeout. On ctx cancellation it returns ctx.Err().
func (g *Gate) RequestApproval(ctx context.Context, req Request, timeout time.Duration, behavior iml.TimeoutBehavior) (Response, error) {
	k := key{req.PlanID, req.ActionID}
	entry := &pendingEntry{request: req, done: make(chan Response, 1)}

	g.mu.Lock()
	if _, exists := g.pending[k]; exists {
		g.mu.Unlock()
		return Response{}, fmt.Errorf("approval already pending for %s/%s", req.PlanID, req.ActionID)
	}
	g.pending[k] = entry
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, k)
		g.mu.Unlock()
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-entry.done:
		return resp, nil
	case <-timeoutCh:
		synthetic := Response{
			Decision:  DecisionReject,
			Reason:    fmt.Sprintf("Approval timed out after %gs", timeout.Seconds()),
			Timestamp: time.Now().UTC(),
		}
		if behavior == iml.TimeoutSkip {
			synthetic.Decision = DecisionSkip
		}
		// The synthetic decision must win the same race a real one would:
		// settle the entry so a late SubmitDecision returns false.
		g.mu.Lock()
		if entry.settled {
			g.mu.Unlock()
			return <-entry.done, nil
		}
		entry.settled = true
		g.mu.Unlock()
		return synthetic, nil
	case <-ctx.Done():
		g.mu.Lock()
		entry.settled = true
		g.mu.Unlock()
		return Response{}, ctx.Err()
	}
}

// SubmitDecision resolves a pending request. The first submission wins;
// later submissions for the same key (or for unknown keys) return false.
// approve_always additionally registers module.action for auto-approval.
func (g *Gate) SubmitDecision(planID, actionID string, resp Response) bool {
	k := key{planID, actionID}

	g.mu.Lock()
	entry, ok := g.pending[k]
	if !ok || entry.settled {
		g.mu.Unlock()
		return false
	}
	entry.settled = true
	if resp.Decision == DecisionApproveAlways {
		g.autoApprove[entry.request.Module+"."+entry.request.ActionName] = true
	}
	g.mu.Unlock()

	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}
	entry.done <- resp
	return true
}

// GetPending snapshots the pending requests, optionally filtered by plan.
func (g *Gate) GetPending(planID string) []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.pending))
	for k, entry := range g.pending {
		if entry.settled {
			continue
		}
		if planID != "" && k.planID != planID {
			continue
		}
		out = append(out, entry.request)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlanID != out[j].PlanID {
			return out[i].PlanID < out[j].PlanID
		}
		return out[i].ActionID < out[j].ActionID
	})
	return out
}

// IsAutoApproved reports whether module.action was approve_always'd this
// daemon lifetime.
func (g *Gate) IsAutoApproved(module, action string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.autoApprove[module+"."+action]
}

// ClearAutoApprovals empties the auto-approve set.
func (g *Gate) ClearAutoApprovals() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.autoApprove = map[string]bool{}
}
