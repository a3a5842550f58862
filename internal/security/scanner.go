package security

import (
	"encoding/json"
	"regexp"

	"github.com/llmos/llmosd/pkg/iml"
)

// ScanVerdict is the outcome of one scanner or of the whole chain.
type ScanVerdict string

const (
	ScanAccept ScanVerdict = "accept"
	ScanWarn   ScanVerdict = "warn"
	ScanReject ScanVerdict = "reject"
)

// ScanResult is one scanner's judgment of a plan.
type ScanResult struct {
	Verdict   ScanVerdict `json:"verdict"`
	RiskScore float64     `json:"risk_score"`
	Labels    []string    `json:"labels,omitempty"`
	Scanner   string      `json:"scanner"`
}

// Scanner inspects a plan before execution. Scanners must be pure and
// fast; anything requiring external calls belongs in the intent verifier.
type Scanner interface {
	Name() string
	Scan(plan *iml.Plan) ScanResult
}

// ChainResult aggregates the chain: any reject wins; otherwise the maximum
// score and the union of labels are reported.
type ChainResult struct {
	Verdict    ScanVerdict `json:"verdict"`
	RiskScore  float64     `json:"risk_score"`
	Labels     []string    `json:"labels,omitempty"`
	RejectedBy string      `json:"rejected_by,omitempty"`
}

// Chain runs scanners in order and aggregates their verdicts.
type Chain struct {
	scanners []Scanner
}

// NewChain builds a scanner chain.
func NewChain(scanners ...Scanner) *Chain {
	return &Chain{scanners: scanners}
}

// Scan runs the chain. Warnings accumulate across all scanners; the first
// reject stops the chain and names the rejecting scanner.
func (c *Chain) Scan(plan *iml.Plan) ChainResult {
	out := ChainResult{Verdict: ScanAccept}
	seen := map[string]bool{}
	for _, s := range c.scanners {
		r := s.Scan(plan)
		if r.RiskScore > out.RiskScore {
			out.RiskScore = r.RiskScore
		}
		for _, l := range r.Labels {
			if !seen[l] {
				seen[l] = true
				out.Labels = append(out.Labels, l)
			}
		}
		switch r.Verdict {
		case ScanReject:
			out.Verdict = ScanReject
			out.RejectedBy = s.Name()
			return out
		case ScanWarn:
			if out.Verdict == ScanAccept {
				out.Verdict = ScanWarn
			}
		}
	}
	return out
}

// ─── Pattern scanner ─────────────────────────────────────────────────────────

// patternRule pairs a compiled pattern with its label and severity.
type patternRule struct {
	re     *regexp.Regexp
	label  string
	score  float64
	reject bool
}

// injectionRules are the built-in prompt-injection patterns. The flagged
// content itself is never echoed back to the caller, only the label.
var injectionRules = []patternRule{
	{regexp.MustCompile(`(?i)ignore\s+(?:all\s+)?(?:previous|prior|earlier)\s+instructions?`), "injection.override", 0.9, true},
	{regexp.MustCompile(`(?i)system\s*:\s*you\s+are\s+now`), "injection.role_swap", 0.9, true},
	{regexp.MustCompile(`(?i)<\s*INST\s*>`), "injection.inst_tag", 0.8, true},
	{regexp.MustCompile(`(?i)\[SYSTEM\]`), "injection.system_tag", 0.8, true},
	{regexp.MustCompile(`(?i)disregard\s+your\s+(previous|prior|earlier)\s+instructions?`), "injection.override", 0.9, true},
	{regexp.MustCompile(`(?i)your\s+new\s+instructions?\s+are`), "injection.override", 0.9, true},
	{regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+(are|were)`), "injection.role_swap", 0.5, false},
}

// PatternScanner matches known injection patterns against the plan's
// description, labels, metadata, and every string parameter.
type PatternScanner struct {
	rules []patternRule
}

// NewPatternScanner returns the built-in pattern scanner.
func NewPatternScanner() *PatternScanner {
	return &PatternScanner{rules: injectionRules}
}

// Name implements Scanner.
func (s *PatternScanner) Name() string { return "pattern_scanner" }

// Scan implements Scanner.
func (s *PatternScanner) Scan(plan *iml.Plan) ScanResult {
	out := ScanResult{Verdict: ScanAccept, Scanner: s.Name()}
	text := planText(plan)
	for _, rule := range s.rules {
		if !rule.re.MatchString(text) {
			continue
		}
		out.Labels = append(out.Labels, rule.label)
		if rule.score > out.RiskScore {
			out.RiskScore = rule.score
		}
		if rule.reject {
			out.Verdict = ScanReject
		} else if out.Verdict == ScanAccept {
			out.Verdict = ScanWarn
		}
	}
	return out
}

// planText flattens the scannable surface of a plan into one string. The
// JSON rendering covers nested params without a bespoke tree walk.
func planText(plan *iml.Plan) string {
	parts := plan.Description
	for i := range plan.Actions {
		a := &plan.Actions[i]
		if a.Label != "" {
			parts += "\n" + a.Label
		}
		if len(a.Params) > 0 {
			if raw, err := json.Marshal(a.Params); err == nil {
				parts += "\n" + string(raw)
			}
		}
	}
	if len(plan.Metadata) > 0 {
		if raw, err := json.Marshal(plan.Metadata); err == nil {
			parts += "\n" + string(raw)
		}
	}
	return parts
}
