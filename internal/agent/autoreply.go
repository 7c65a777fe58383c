package agent

import (
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"omnichat/internal/domain"
)

// shortKeyword is the length at or below which a keyword must match a whole
// word; "hi" should not fire on "this".
const shortKeyword = 3

const regexCacheSize = 256

// RuleMatcher evaluates auto-reply rules. Compiled regexes are cached by
// pattern; invalid patterns are remembered as non-matching.
type RuleMatcher struct {
	regexes *lru.Cache[string, *regexp.Regexp]
}

func NewRuleMatcher() *RuleMatcher {
	regexes, _ := lru.New[string, *regexp.Regexp](regexCacheSize)
	return &RuleMatcher{regexes: regexes}
}

// Match returns the first enabled rule, in descending priority, that applies
// to acct and matches msg at now. Rules created earlier win ties.
func (m *RuleMatcher) Match(rules []domain.AutoReplyRule, acct domain.ChannelAccount, msg domain.NormalizedMessage, now time.Time) *domain.AutoReplyRule {
	candidates := make([]domain.AutoReplyRule, 0, len(rules))
	for _, r := range rules {
		if !r.IsEnabled {
			continue
		}
		if r.ChannelAccountID != "" && r.ChannelAccountID != acct.ID {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	for i := range candidates {
		if m.matches(candidates[i], msg, now) {
			return &candidates[i]
		}
	}
	return nil
}

func (m *RuleMatcher) matches(r domain.AutoReplyRule, msg domain.NormalizedMessage, now time.Time) bool {
	switch r.TriggerType {
	case domain.TriggerAll:
		return true
	case domain.TriggerKeyword:
		return matchKeywords(r.TriggerPattern, msg.Content)
	case domain.TriggerRegex:
		re := m.compile(r.TriggerPattern)
		return re != nil && re.MatchString(msg.Content)
	case domain.TriggerSender:
		return matchSender(r, msg.Sender)
	case domain.TriggerTime:
		return inWindow(r.TriggerConfig, now)
	}
	return false
}

func (m *RuleMatcher) compile(pattern string) *regexp.Regexp {
	if re, ok := m.regexes.Get(pattern); ok {
		return re
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil || pattern == "" {
		re = nil
	}
	m.regexes.Add(pattern, re)
	return re
}

// matchKeywords checks a comma-separated keyword list case-insensitively.
func matchKeywords(pattern, content string) bool {
	text := strings.ToLower(content)
	for _, kw := range strings.Split(pattern, ",") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if utf8.RuneCountInString(kw) > shortKeyword {
			if strings.Contains(text, kw) {
				return true
			}
			continue
		}
		if containsWord(text, kw) {
			return true
		}
	}
	return false
}

func containsWord(text, word string) bool {
	for start := 0; start < len(text); {
		i := strings.Index(text[start:], word)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(word)
		if !isWordRune(lastRune(text[:i])) && !isWordRune(firstRune(text[end:])) {
			return true
		}
		start = i + 1
	}
	return false
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func firstRune(s string) rune {
	if s == "" {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

func lastRune(s string) rune {
	if s == "" {
		return 0
	}
	r, _ := utf8.DecodeLastRuneInString(s)
	return r
}

// matchSender accepts the sender when its id or display name is listed in
// TriggerConfig.Senders or in the comma-separated TriggerPattern.
func matchSender(r domain.AutoReplyRule, s domain.Sender) bool {
	allowed := append([]string(nil), r.TriggerConfig.Senders...)
	if r.TriggerPattern != "" {
		allowed = append(allowed, strings.Split(r.TriggerPattern, ",")...)
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == s.ID || (s.DisplayName != "" && strings.EqualFold(a, s.DisplayName)) {
			return true
		}
	}
	return false
}

// inWindow reports whether now falls in [StartHour, EndHour) in the
// configured timezone. Windows may wrap midnight (22 -> 6). A missing bound
// or equal bounds mean the whole day.
func inWindow(tc domain.TriggerConfig, now time.Time) bool {
	if tc.StartHour == nil || tc.EndHour == nil {
		return true
	}
	start, end := *tc.StartHour, *tc.EndHour
	if start == end {
		return true
	}
	loc := time.UTC
	if tc.Timezone != "" {
		if l, err := time.LoadLocation(tc.Timezone); err == nil {
			loc = l
		}
	}
	h := now.In(loc).Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// RenderTemplate fills {sender}, {content} and {platform} in a reply template.
func RenderTemplate(tmpl string, msg domain.NormalizedMessage) string {
	sender := msg.Sender.DisplayName
	if sender == "" {
		sender = msg.Sender.ID
	}
	return strings.NewReplacer(
		"{sender}", sender,
		"{content}", msg.Content,
		"{platform}", string(msg.Platform),
	).Replace(tmpl)
}
