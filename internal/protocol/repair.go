package protocol

import (
	"encoding/json"
	"regexp"
	"strings"
)

// RepairResult records what the best-effort JSON repair did to the input.
type RepairResult struct {
	OriginalText    string         `json:"original_text"`
	RepairedText    string         `json:"repaired_text"`
	Parsed          map[string]any `json:"parsed,omitempty"`
	Transformations []string       `json:"transformations_applied"`
	WasModified     bool           `json:"was_modified"`
}

// Ok reports whether the text decoded, before or after repair.
func (r *RepairResult) Ok() bool { return r.Parsed != nil }

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	blockCommentRe  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineCommentRe   = regexp.MustCompile(`(?m)^\s*//[^\n]*$`)
	inlineCommentRe = regexp.MustCompile(`([}\]",\d])\s*//[^\n"]*$`)
	trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyRe   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
)

// repairStep is one syntax-only transformation in the cascade.
type repairStep struct {
	name  string
	apply func(string) string
}

// The cascade order is fixed: earlier steps remove noise that would
// confuse later ones. Every step is semantics-preserving on valid JSON.
var repairSteps = []repairStep{
	{"remove_comments", removeComments},
	{"remove_trailing_commas", removeTrailingCommas},
	{"convert_python_literals", convertPythonLiterals},
	{"quote_unquoted_keys", quoteUnquotedKeys},
	{"single_to_double_quotes", singleToDoubleQuotes},
	{"close_open_structures", closeOpenStructures},
}

// Repair attempts to decode text as a JSON object, applying a fixed cascade
// of best-effort syntax fixes after each failed decode. The first successful
// decode wins. Valid input is returned untouched with WasModified=false.
func Repair(text string) *RepairResult {
	result := &RepairResult{OriginalText: text, RepairedText: text}

	if parsed, ok := tryDecode(text); ok {
		result.Parsed = parsed
		return result
	}

	// Markdown fences are stripped before anything else; LLM output is
	// routinely wrapped in them.
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = m[1]
		result.markApplied("strip_markdown_fences", text)
		if parsed, ok := tryDecode(text); ok {
			result.Parsed = parsed
			return result
		}
	}

	for _, step := range repairSteps {
		changed := step.apply(text)
		if changed == text {
			continue
		}
		text = changed
		result.markApplied(step.name, text)
		if parsed, ok := tryDecode(text); ok {
			result.Parsed = parsed
			return result
		}
	}
	return result
}

func (r *RepairResult) markApplied(name, text string) {
	r.Transformations = append(r.Transformations, name)
	r.RepairedText = text
	r.WasModified = true
}

func tryDecode(text string) (map[string]any, bool) {
	var out map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err != nil {
		return nil, false
	}
	return out, true
}

func removeComments(text string) string {
	text = blockCommentRe.ReplaceAllString(text, "")
	text = lineCommentRe.ReplaceAllString(text, "")
	return inlineCommentRe.ReplaceAllString(text, "$1")
}

func removeTrailingCommas(text string) string {
	return trailingCommaRe.ReplaceAllString(text, "$1")
}

func convertPythonLiterals(text string) string {
	replacer := strings.NewReplacer(
		": True", ": true",
		": False", ": false",
		": None", ": null",
		":True", ":true",
		":False", ":false",
		":None", ":null",
		"[True", "[true",
		"[False", "[false",
		"[None", "[null",
		" True,", " true,",
		" False,", " false,",
		" None,", " null,",
	)
	return replacer.Replace(text)
}

func quoteUnquotedKeys(text string) string {
	return unquotedKeyRe.ReplaceAllString(text, `$1"$2"$3`)
}

// singleToDoubleQuotes converts single-quoted strings to double-quoted,
// skipping apostrophes inside already double-quoted strings.
func singleToDoubleQuotes(text string) string {
	var out strings.Builder
	out.Grow(len(text))
	inDouble := false
	inSingle := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		escaped := i > 0 && text[i-1] == '\\'
		switch {
		case c == '"' && !inSingle && !escaped:
			inDouble = !inDouble
			out.WriteByte(c)
		case c == '\'' && !inDouble && !escaped:
			inSingle = !inSingle
			out.WriteByte('"')
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}

// closeOpenStructures appends the closers needed to balance unclosed
// braces and brackets, in last-opened-first-closed order.
func closeOpenStructures(text string) string {
	var stack []byte
	inString := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '"' && (i == 0 || text[i-1] != '\\') {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		text += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			text += "}"
		} else {
			text += "]"
		}
	}
	return text
}
