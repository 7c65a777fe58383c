// Package humanize rewrites generated replies so they read less like a
// model wrote them. Rules are grouped by category and each rule has the
// lowest intensity at which it applies.
package humanize

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"omnichat/internal/domain"
)

const (
	CategoryFiller      = "filler"
	CategoryFormality   = "formality"
	CategoryPunctuation = "punctuation"
	CategoryEmoji       = "emoji"
)

var AllCategories = []string{CategoryFiller, CategoryFormality, CategoryPunctuation, CategoryEmoji}

var ErrEmptyResult = errors.New("humanized reply is empty")

type rule struct {
	level int
	re    *regexp.Regexp
	repl  string
	// keepCase copies the capitalisation of the match's first letter.
	keepCase bool
}

func level(i domain.HumanizerIntensity) int {
	switch i {
	case domain.HumanizeLow:
		return 1
	case domain.HumanizeMedium:
		return 2
	case domain.HumanizeHigh:
		return 3
	}
	return 0
}

var (
	fencedCodeRegex = regexp.MustCompile("```[\\s\\S]*?```")
	inlineCodeRegex = regexp.MustCompile("`[^`\n]+`")
	multiSpaceRegex = regexp.MustCompile(`[ \t]{2,}`)
	blankLinesRegex = regexp.MustCompile(`\n{3,}`)
	spaceBeforePunc = regexp.MustCompile(` +([,.!?])`)
)

var fillerRules = []rule{
	{1, regexp.MustCompile(`(?i)^\s*(certainly|absolutely|of course|sure thing|great question|good question)[!.,]*\s*`), "", false},
	{1, regexp.MustCompile(`(?i)\bas an ai( language model)?,?\s*`), "", false},
	{2, regexp.MustCompile(`(?i)\s*(i hope (this|that) helps|let me know if you (have any (other|more|further) questions|need anything else))[^\n]*$`), "", false},
	{2, regexp.MustCompile(`(?i)\s*feel free to (ask|reach out)[^\n]*$`), "", false},
	{2, regexp.MustCompile(`(?i)^\s*i('d| would) be (happy|glad) to help( with that)?[!.,]*\s*`), "", false},
	{3, regexp.MustCompile(`(?i)\b(in conclusion|in summary|to summarize|overall),\s*`), "", false},
	{3, regexp.MustCompile(`(?i)\b(it('s| is) (important|worth) (to note|noting) that)\s*`), "", false},
}

var formalityRules = []rule{
	{1, regexp.MustCompile(`(?i)\bdo not\b`), "don't", true},
	{1, regexp.MustCompile(`(?i)\bcannot\b`), "can't", true},
	{1, regexp.MustCompile(`(?i)\bi am\b`), "I'm", false},
	{1, regexp.MustCompile(`(?i)\bit is\b`), "it's", true},
	{2, regexp.MustCompile(`(?i)\bdoes not\b`), "doesn't", true},
	{2, regexp.MustCompile(`(?i)\bwill not\b`), "won't", true},
	{2, regexp.MustCompile(`(?i)\byou are\b`), "you're", true},
	{2, regexp.MustCompile(`(?i)\bthat is\b`), "that's", true},
	{2, regexp.MustCompile(`(?i)\bwe are\b`), "we're", true},
	{3, regexp.MustCompile(`(?i)\butili[sz]e\b`), "use", true},
	{3, regexp.MustCompile(`(?i)\bin order to\b`), "to", true},
	{3, regexp.MustCompile(`(?i)\bhowever,\s*`), "but ", true},
	{3, regexp.MustCompile(`(?i)\btherefore,?\s*`), "so ", true},
	{3, regexp.MustCompile(`(?i)\badditionally,\s*`), "also, ", true},
}

var punctuationRules = []rule{
	{1, regexp.MustCompile(`!{2,}`), "!", false},
	{1, regexp.MustCompile(`\?{2,}`), "?", false},
	{1, regexp.MustCompile(`\s*[\x{2014}\x{2013}]\s*`), ", ", false},
	{2, regexp.MustCompile(`\*\*([^*\n]+)\*\*`), "$1", false},
	{2, regexp.MustCompile(`(?m)^#{1,6}\s+`), "", false},
	{3, regexp.MustCompile(`;\s+`), ". ", false},
	{3, regexp.MustCompile(`\.{3,}|\x{2026}`), ".", false},
}

// Humanizer is the rule-based implementation of domain.Humanizer.
type Humanizer struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Humanizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Humanizer{logger: logger}
}

// Humanize rewrites text per settings. Code spans are never touched. An
// empty category list enables every category.
func (h *Humanizer) Humanize(ctx context.Context, text string, settings domain.HumanizerSettings) (string, error) {
	lvl := level(settings.Intensity)
	if lvl == 0 || strings.TrimSpace(text) == "" {
		return text, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cats := settings.Categories
	if len(cats) == 0 {
		cats = AllCategories
	}
	enabled := make(map[string]bool, len(cats))
	for _, c := range cats {
		enabled[strings.ToLower(c)] = true
	}

	out, codes := maskCode(text)
	if enabled[CategoryFiller] {
		out = applyRules(out, fillerRules, lvl)
	}
	if enabled[CategoryFormality] {
		out = applyRules(out, formalityRules, lvl)
	}
	if enabled[CategoryPunctuation] {
		out = applyRules(out, punctuationRules, lvl)
	}
	if enabled[CategoryEmoji] {
		out = limitEmoji(out, lvl)
	}
	out = tidy(out)
	out = capitalizeFirst(out)
	out = unmaskCode(out, codes)

	if strings.TrimSpace(out) == "" {
		return "", ErrEmptyResult
	}
	h.logger.Debug("reply humanized", "intensity", settings.Intensity, "before", len(text), "after", len(out))
	return out, nil
}

func applyRules(s string, rules []rule, lvl int) string {
	for _, r := range rules {
		if r.level > lvl {
			continue
		}
		if !r.keepCase {
			s = r.re.ReplaceAllString(s, r.repl)
			continue
		}
		repl := r.repl
		s = r.re.ReplaceAllStringFunc(s, func(m string) string {
			first, _ := utf8.DecodeRuneInString(m)
			if unicode.IsUpper(first) {
				return capitalizeFirst(repl)
			}
			return repl
		})
	}
	return s
}

// limitEmoji collapses runs of the same emoji at low intensity, keeps only
// the first emoji at medium and drops all of them at high.
func limitEmoji(s string, lvl int) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	seen := 0
	for _, r := range s {
		if !isEmoji(r) {
			b.WriteRune(r)
			prev = r
			continue
		}
		seen++
		switch {
		case lvl >= 3:
		case lvl == 2 && seen > 1:
		case lvl == 1 && r == prev:
		default:
			b.WriteRune(r)
		}
		prev = r
	}
	return b.String()
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r == 0xFE0F || r == 0x200D:
		return true
	}
	return false
}

func tidy(s string) string {
	s = multiSpaceRegex.ReplaceAllString(s, " ")
	s = spaceBeforePunc.ReplaceAllString(s, "$1")
	s = blankLinesRegex.ReplaceAllString(s, "\n\n")
	s = strings.ReplaceAll(s, ",,", ",")
	s = strings.ReplaceAll(s, ", .", ".")
	return strings.TrimSpace(s)
}

func capitalizeFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || !unicode.IsLower(r) {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// maskCode swaps code spans for private-use placeholders.
func maskCode(s string) (string, []string) {
	var codes []string
	mask := func(m string) string {
		codes = append(codes, m)
		return string(rune(0xE000 + len(codes) - 1))
	}
	s = fencedCodeRegex.ReplaceAllStringFunc(s, mask)
	s = inlineCodeRegex.ReplaceAllStringFunc(s, mask)
	return s, codes
}

func unmaskCode(s string, codes []string) string {
	if len(codes) == 0 {
		return s
	}
	pairs := make([]string, 0, len(codes)*2)
	for i, c := range codes {
		pairs = append(pairs, string(rune(0xE000+i)), c)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
