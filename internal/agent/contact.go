package agent

import (
	"sort"
	"strings"

	"omnichat/internal/domain"
)

// DefaultDisplayNameFallback lists platforms whose sender ids are not stable
// enough to key contact rules on, so rules may be written by display name.
var DefaultDisplayNameFallback = []domain.Platform{domain.PlatformWhatsApp}

// ResolveContactRule looks up the contact rule for sender.
//
// The sender id is always tried first. The display name is consulted only
// when the id is empty or the platform is listed in fallbackPlatforms, since
// display names are user-controlled. Display-name matching is
// case-insensitive.
func ResolveContactRule(rules map[string]domain.ContactRule, sender domain.Sender, p domain.Platform, fallbackPlatforms []domain.Platform) (domain.ContactRule, bool) {
	if len(rules) == 0 {
		return domain.ContactRule{}, false
	}
	if sender.ID != "" {
		if r, ok := rules[sender.ID]; ok {
			return r, true
		}
	}
	if sender.DisplayName == "" || (sender.ID != "" && !platformListed(p, fallbackPlatforms)) {
		return domain.ContactRule{}, false
	}
	if r, ok := rules[sender.DisplayName]; ok {
		return r, true
	}
	for _, key := range sortedKeys(rules) {
		if strings.EqualFold(key, sender.DisplayName) {
			return rules[key], true
		}
	}
	return domain.ContactRule{}, false
}

func platformListed(p domain.Platform, list []domain.Platform) bool {
	for _, q := range list {
		if q == p {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]domain.ContactRule) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
