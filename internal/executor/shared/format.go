package shared

import (
	"fmt"
	"strings"
)

const errorSummaryMaxLen = 300

// FormatTokens renders a token count compactly: values of 1000 and above
// become "12.5k", smaller values stay plain digits.
func FormatTokens(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	s := fmt.Sprintf("%.1f", float64(n)/1000)
	s = strings.TrimSuffix(s, ".0")
	return s + "k"
}

// FormatUsage renders the standard turn usage summary, e.g.
// "12.5k input · 3.4k output".
func FormatUsage(inputTokens, outputTokens int64) string {
	return FormatTokens(inputTokens) + " input · " + FormatTokens(outputTokens) + " output"
}

// FormatDurationMS renders a millisecond duration as seconds with one
// decimal, e.g. "12.3s".
func FormatDurationMS(ms int64) string {
	s := fmt.Sprintf("%.1f", float64(ms)/1000)
	s = strings.TrimSuffix(s, ".0")
	return s + "s"
}

// FormatCost renders a dollar cost with four decimals.
func FormatCost(usd float64) string {
	return fmt.Sprintf("$%.4f", usd)
}

// Stable error kinds attached to normalized engine errors.
const (
	ErrorKindEngine      = "engine-error"
	ErrorKindLSPPoisoned = "lsp-poisoned"
)

// crashSignatures maps substrings of known engine crash output to a stable
// kind and a recovery hint appended to the summary.
var crashSignatures = []struct {
	substr string
	kind   string
	hint   string
}{
	{"rust-analyzer", ErrorKindLSPPoisoned, "restart the session to recover the language server"},
	{"PoisonError", ErrorKindLSPPoisoned, "restart the session to recover the language server"},
}

// SummarizeError normalizes a raw engine error string to a stable kind and
// a bounded summary. Known crash signatures get their kind and a recovery
// hint; everything else is a generic engine error.
func SummarizeError(raw string) (kind, summary string) {
	kind = ErrorKindEngine
	summary = strings.TrimSpace(raw)

	hint := ""
	for _, sig := range crashSignatures {
		if strings.Contains(summary, sig.substr) {
			kind = sig.kind
			hint = sig.hint
			break
		}
	}

	if len(summary) > errorSummaryMaxLen {
		summary = summary[:errorSummaryMaxLen]
	}
	if hint != "" {
		summary += " (" + hint + ")"
	}
	return kind, summary
}
