package protocol

import (
	"fmt"
	"strings"
)

// Correction feedback: when a plan fails to parse or validate, the daemon
// returns a suggestion block that a caller can prepend to a re-prompt so
// the LLM produces a single corrected attempt.

const correctionHeader = `The previous plan was rejected. Fix the problems listed below and
resubmit the complete corrected plan as a single JSON object. Do not wrap
the JSON in markdown fences and do not include commentary.`

const correctionFooter = `Return only the corrected JSON document.`

var commonParseFixes = []string{
	"Use double quotes for all strings and object keys.",
	"Remove trailing commas before } and ].",
	"Use true/false/null, not True/False/None.",
	"Close every opened { and [.",
	"Do not include // or /* */ comments.",
}

var commonValidationFixes = []string{
	`Every action needs a unique "id" matching [a-zA-Z0-9_-]{1,64}.`,
	`"module" and "action" must be lowercase identifiers like "filesystem" / "read_file".`,
	`Each "depends_on" entry must name another action id in the same plan.`,
	`"on_error": "rollback" requires a "rollback": {"action": "<id>"} reference.`,
	`Dependencies must not form a cycle.`,
}

// FormatParseCorrection builds the correction block for a decode failure,
// including which automatic repairs were attempted.
func FormatParseCorrection(result *RepairResult, cause error) string {
	var b strings.Builder
	b.WriteString(correctionHeader)
	b.WriteString("\n\nPROBLEM: the document is not valid JSON")
	if cause != nil {
		fmt.Fprintf(&b, " (%v)", cause)
	}
	b.WriteString(".\n")
	if result != nil && len(result.Transformations) > 0 {
		b.WriteString("Automatic repairs attempted without success: ")
		b.WriteString(strings.Join(result.Transformations, ", "))
		b.WriteString(".\n")
	}
	b.WriteString("\nCOMMON FIXES:\n")
	for _, fix := range commonParseFixes {
		b.WriteString("- " + fix + "\n")
	}
	b.WriteString("\n" + correctionFooter)
	return b.String()
}

// FormatValidationCorrection builds the correction block for validation
// failures, enumerating every (path, reason) issue.
func FormatValidationCorrection(issues []Issue) string {
	var b strings.Builder
	b.WriteString(correctionHeader)
	b.WriteString("\n\nPROBLEMS:\n")
	for _, issue := range issues {
		fmt.Fprintf(&b, "- %s: %s\n", issue.Path, issue.Reason)
	}
	b.WriteString("\nCOMMON FIXES:\n")
	for _, fix := range commonValidationFixes {
		b.WriteString("- " + fix + "\n")
	}
	b.WriteString("\n" + correctionFooter)
	return b.String()
}
