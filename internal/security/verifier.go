package security

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/llmos/llmosd/internal/cache"
	"github.com/llmos/llmosd/internal/errdefs"
	"github.com/llmos/llmosd/pkg/iml"
)

// VerifierVerdict is the intent verifier's judgment of a plan.
type VerifierVerdict string

const (
	VerdictApprove VerifierVerdict = "approve"
	VerdictWarn    VerifierVerdict = "warn"
	VerdictReject  VerifierVerdict = "reject"
	VerdictClarify VerifierVerdict = "clarify"
)

// VerificationResult is the structured outcome of intent verification.
type VerificationResult struct {
	Verdict         VerifierVerdict `json:"verdict"`
	Reasoning       string          `json:"reasoning,omitempty"`
	AffectedActions []string        `json:"affected_actions,omitempty"`
	RiskLevel       iml.RiskLevel   `json:"risk_level,omitempty"`
	Categories      []string        `json:"categories,omitempty"`
}

// VerifierClient is the functional contract to the external reasoner: it
// takes the composed system prompt and the serialized plan and returns a
// structured result. Any LLM client can sit behind it; tests use a fake.
type VerifierClient interface {
	Verify(ctx context.Context, systemPrompt, planJSON string) (VerificationResult, error)
}

const promptCacheKey = "intent_verifier.system_prompt"

// Verifier runs the optional LLM-backed intent verification stage. The
// system prompt is composed from the enabled threat categories and cached
// until the registry changes.
type Verifier struct {
	client     VerifierClient
	categories *CategoryRegistry
	prompts    *cache.Cache
	log        *zap.Logger
	strict     bool
	timeout    time.Duration
}

// NewVerifier wires the verifier to its client and category registry.
// client may be nil, which disables verification entirely.
func NewVerifier(client VerifierClient, categories *CategoryRegistry, prompts *cache.Cache, log *zap.Logger, strict bool, timeout time.Duration) *Verifier {
	v := &Verifier{
		client:     client,
		categories: categories,
		prompts:    prompts,
		log:        log,
		strict:     strict,
		timeout:    timeout,
	}
	categories.SetOnChange(func() { prompts.Delete(promptCacheKey) })
	return v
}

// Enabled reports whether a client is configured.
func (v *Verifier) Enabled() bool { return v != nil && v.client != nil }

// Strict reports whether the verifier runs in strict mode, where clarify
// verdicts and client failures abort the plan.
func (v *Verifier) Strict() bool { return v.strict }

// Verify classifies the plan. Client failures return an approve result
// with a warning in permissive mode and an error in strict mode.
func (v *Verifier) Verify(ctx context.Context, plan *iml.Plan) (VerificationResult, error) {
	if !v.Enabled() {
		return VerificationResult{Verdict: VerdictApprove}, nil
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return VerificationResult{}, errdefs.Protocol(errdefs.CodeParseError,
			"plan not serializable for verification").WithCause(err)
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	result, err := v.client.Verify(ctx, v.systemPrompt(), string(planJSON))
	if err != nil {
		if v.strict {
			return VerificationResult{}, errdefs.Security(errdefs.CodeIntentRejected,
				"intent verification unavailable in strict mode").WithCause(err)
		}
		v.log.Warn("intent verifier unavailable, continuing in permissive mode", zap.Error(err))
		return VerificationResult{Verdict: VerdictApprove, Reasoning: "verifier unavailable"}, nil
	}

	switch result.Verdict {
	case VerdictApprove, VerdictWarn, VerdictReject, VerdictClarify:
	default:
		if v.strict {
			return VerificationResult{}, errdefs.Security(errdefs.CodeIntentRejected,
				"intent verifier returned unknown verdict %q", result.Verdict)
		}
		v.log.Warn("intent verifier returned unknown verdict, treating as warn",
			zap.String("verdict", string(result.Verdict)))
		result.Verdict = VerdictWarn
	}
	return result, nil
}

// systemPrompt composes (or reuses) the verification prompt from the
// enabled threat categories.
func (v *Verifier) systemPrompt() string {
	if cached, ok := v.prompts.Get(promptCacheKey); ok {
		return cached.(string)
	}
	var b strings.Builder
	b.WriteString(`You are a security analyst for a local automation daemon. You receive a
JSON plan that an LLM agent wants to execute on a user's machine. Classify
it against the threat categories below and answer with a JSON object:
{"verdict": "approve"|"warn"|"reject"|"clarify", "reasoning": "...",
"affected_actions": ["id", ...], "risk_level": "low"|"medium"|"high"|"critical",
"categories": ["id", ...]}

THREAT CATEGORIES:
`)
	for i, c := range v.categories.ListEnabled() {
		fmt.Fprintf(&b, "\n%d. %s (%s)\n%s\n", i+1, c.Name, c.ID, c.Description)
	}
	b.WriteString(`
Reject only when the plan is clearly malicious. Use clarify when the intent
is ambiguous and a human should look. Use warn for low-confidence signals.`)
	prompt := b.String()
	v.prompts.Set(promptCacheKey, prompt, 0)
	return prompt
}
