package agent

import (
	"strings"
	"unicode/utf8"

	"omnichat/internal/domain"
)

const (
	// ApologyText is sent when generation produced nothing usable.
	ApologyText = "Sorry, I couldn't put together a reply just now. Please try again in a moment."

	fallbackOutputLimit = 500
)

// ComposeFallback summarizes tool results when the model produced no text.
// The output is deterministic for the same results.
func ComposeFallback(results []domain.ToolResult, streamFailed bool) string {
	var b strings.Builder
	b.WriteString("Here is what I found:")
	for _, r := range results {
		b.WriteString("\n- ")
		b.WriteString(r.Name)
		b.WriteString(": ")
		switch {
		case r.Error != "":
			b.WriteString("failed (" + truncateRunes(oneLine(r.Error), fallbackOutputLimit) + ")")
		case strings.TrimSpace(r.Output) == "":
			b.WriteString("no output")
		default:
			b.WriteString(truncateRunes(oneLine(r.Output), fallbackOutputLimit))
		}
	}
	if streamFailed {
		b.WriteString("\n\n(The full reply was interrupted, so this is a summary of the results gathered so far.)")
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
