// Package protocol turns raw bytes from an agent into a validated iml.Plan.
//
// The pipeline is repair -> migrate -> decode -> validate. Repair applies a
// fixed cascade of syntax-only fixes to malformed JSON; migration brings
// legacy protocol versions forward through a BFS over registered migration
// edges; validation enforces the structural invariants of the plan model
// and, when a capability registry is supplied, per-action param schemas.
// On failure the parser attaches a correction block that callers can feed
// back to the LLM for one corrected attempt.
package protocol

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/llmos/llmosd/internal/errdefs"
	"github.com/llmos/llmosd/internal/metrics"
	"github.com/llmos/llmosd/pkg/iml"
)

// Parser is the protocol front door. Safe for concurrent use.
type Parser struct {
	migrations *MigrationRegistry
	checker    ParamChecker
}

// NewParser builds a parser with the built-in migrations. checker may be
// nil to skip param schema validation.
func NewParser(checker ParamChecker) *Parser {
	return &Parser{migrations: NewMigrationRegistry(), checker: checker}
}

// Migrations exposes the registry so additional edges can be registered
// during initialization.
func (p *Parser) Migrations() *MigrationRegistry { return p.migrations }

// Parse decodes, repairs, migrates, and validates a raw plan document.
// The returned RepairResult is non-nil whenever the input needed repair.
func (p *Parser) Parse(raw []byte) (*iml.Plan, *RepairResult, error) {
	repair := Repair(string(raw))
	if !repair.Ok() {
		metrics.ParseRepairsTotal.WithLabelValues("failed").Inc()
		err := errdefs.Protocol(errdefs.CodeParseError, "plan is not valid JSON").
			WithDetail("transformations_attempted", repair.Transformations).
			WithDetail("correction", FormatParseCorrection(repair, nil))
		return nil, repair, err
	}
	if repair.WasModified {
		metrics.ParseRepairsTotal.WithLabelValues("repaired").Inc()
	} else {
		metrics.ParseRepairsTotal.WithLabelValues("clean").Inc()
	}
	plan, err := p.ParseDocument(repair.Parsed)
	if err != nil {
		return nil, repair, err
	}
	return plan, repair, nil
}

// ParseDocument migrates and validates an already-decoded plan document.
func (p *Parser) ParseDocument(doc map[string]any) (*iml.Plan, error) {
	from, _ := doc["protocol_version"].(string)
	if from == "" {
		from = "1.0"
	}
	doc, err := p.migrations.Migrate(doc, iml.CurrentProtocolVersion)
	if err != nil {
		return nil, err
	}
	if from != iml.CurrentProtocolVersion {
		metrics.MigrationsTotal.WithLabelValues(from, iml.CurrentProtocolVersion).Inc()
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errdefs.Protocol(errdefs.CodeParseError, "plan document not serializable").WithCause(err)
	}
	var plan iml.Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, errdefs.Protocol(errdefs.CodeParseError, "plan does not match the protocol shape").
			WithCause(err).
			WithDetail("correction", FormatParseCorrection(nil, err))
	}

	if plan.PlanID == "" {
		plan.PlanID = uuid.NewString()
	}
	if plan.ProtocolVersion == "" {
		plan.ProtocolVersion = iml.CurrentProtocolVersion
	}

	if err := Validate(&plan, p.checker); err != nil {
		if e := errdefs.AsError(err); e != nil {
			e.WithDetail("correction", FormatValidationCorrection(IssuesOf(err)))
		}
		return nil, err
	}
	return &plan, nil
}
