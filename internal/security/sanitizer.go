package security

import (
	"fmt"
	"regexp"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultMaxStringLen = 50_000
	defaultMaxDepth     = 10
	defaultMaxListItems = 1_000
)

// sanitizeInjectionRes are the injection patterns neutralised in outputs.
// The match is replaced with a placeholder rather than dropping the whole
// value, so the LLM still learns the content existed.
var sanitizeInjectionRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(?:all\s+)?(?:previous|prior|earlier)\s+instructions?`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are\s+now`),
	regexp.MustCompile(`(?i)<\s*INST\s*>`),
	regexp.MustCompile(`(?i)\[SYSTEM\]`),
	regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+(are|were)`),
	regexp.MustCompile(`(?i)disregard\s+your\s+(previous|prior|earlier)\s+instructions?`),
	regexp.MustCompile(`(?i)your\s+new\s+instructions?\s+are`),
}

// binaryKeys hold base64 payloads; truncating or rewriting them would
// corrupt the encoding.
var binaryKeys = map[string]bool{
	"screenshot_b64":      true,
	"labeled_image_b64":   true,
	"image_b64":           true,
	"annotated_image_b64": true,
	"image_base64":        true,
	"data_b64":            true,
}

// Sanitizer cleans action outputs before they are stored, templated into
// later actions, or returned to the LLM.
type Sanitizer struct {
	maxStringLen  int
	maxDepth      int
	maxListItems  int
	injectionScan bool
	log           *zap.Logger
}

// NewSanitizer builds a sanitizer; zero limits select the defaults.
func NewSanitizer(maxStringLen, maxDepth, maxListItems int, injectionScan bool, log *zap.Logger) *Sanitizer {
	if maxStringLen <= 0 {
		maxStringLen = defaultMaxStringLen
	}
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	if maxListItems <= 0 {
		maxListItems = defaultMaxListItems
	}
	return &Sanitizer{
		maxStringLen:  maxStringLen,
		maxDepth:      maxDepth,
		maxListItems:  maxListItems,
		injectionScan: injectionScan,
		log:           log,
	}
}

// Sanitize returns the cleaned value. module and action are for logging.
func (s *Sanitizer) Sanitize(output any, module, action string) any {
	return s.clean(output, 0, module, action)
}

func (s *Sanitizer) clean(value any, depth int, module, action string) any {
	if depth > s.maxDepth {
		s.log.Warn("sanitizer depth exceeded",
			zap.String("module", module),
			zap.String("action", action),
			zap.Int("max_depth", s.maxDepth))
		return "[TRUNCATED: max depth exceeded]"
	}
	switch v := value.(type) {
	case string:
		return s.cleanString(v, module, action)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			if str, isStr := item.(string); binaryKeys[k] && isStr {
				out[k] = str
				continue
			}
			out[k] = s.clean(item, depth+1, module, action)
		}
		return out
	case []any:
		if len(v) > s.maxListItems {
			s.log.Warn("sanitizer list truncated",
				zap.Int("original_len", len(v)),
				zap.Int("max_len", s.maxListItems))
			v = v[:s.maxListItems]
		}
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = s.clean(item, depth+1, module, action)
		}
		return out
	default:
		return value
	}
}

func (s *Sanitizer) cleanString(value, module, action string) string {
	// NFKC collapses compatibility characters and homoglyph tricks.
	value = norm.NFKC.String(value)

	if s.injectionScan {
		for _, re := range sanitizeInjectionRes {
			if re.MatchString(value) {
				s.log.Warn("injection pattern in module output",
					zap.String("module", module),
					zap.String("action", action),
					zap.String("pattern", re.String()))
				value = re.ReplaceAllString(value, "[REDACTED:injection-pattern]")
			}
		}
	}

	if len(value) > s.maxStringLen {
		omitted := len(value) - s.maxStringLen
		s.log.Warn("module output string truncated",
			zap.Int("original_len", len(value)),
			zap.Int("max_len", s.maxStringLen))
		value = value[:s.maxStringLen] + fmt.Sprintf("\n[TRUNCATED: %d chars omitted]", omitted)
	}
	return value
}
