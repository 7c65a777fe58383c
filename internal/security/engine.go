package security

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

type Decision string

const (
	Allow Decision = "allow"
	Block Decision = "block"
)

type PolicyConfig struct {
	Blacklist     []string
	Whitelist     []string
	DefaultPolicy string // allow | deny
	Logger        *slog.Logger
}

// CommandPolicy decides whether the shell tool may run a command. There is
// no interactive confirmation on chat channels, so anything that is neither
// black- nor whitelisted falls to DefaultPolicy.
type CommandPolicy struct {
	blacklist     []*regexp.Regexp
	whitelist     []*regexp.Regexp
	defaultPolicy Decision
	logger        *slog.Logger
}

func NewCommandPolicy(cfg PolicyConfig) (*CommandPolicy, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &CommandPolicy{logger: cfg.Logger, defaultPolicy: Block}
	if cfg.DefaultPolicy == "allow" {
		p.defaultPolicy = Allow
	}

	var err error
	if p.blacklist, err = compilePatterns(cfg.Blacklist); err != nil {
		return nil, fmt.Errorf("invalid blacklist pattern: %w", err)
	}
	if p.whitelist, err = compilePatterns(cfg.Whitelist); err != nil {
		return nil, fmt.Errorf("invalid whitelist pattern: %w", err)
	}
	return p, nil
}

// Check returns the decision and the reason for it.
func (p *CommandPolicy) Check(command string) (Decision, string) {
	cmd := strings.TrimSpace(command)

	for _, re := range p.blacklist {
		if re.MatchString(cmd) {
			p.logger.Warn("command blocked by blacklist", "command", cmd, "pattern", re.String())
			return Block, "blacklist match: " + re.String()
		}
	}
	for _, re := range p.whitelist {
		if re.MatchString(cmd) {
			return Allow, "whitelist match: " + re.String()
		}
	}
	if p.defaultPolicy == Block {
		p.logger.Info("command blocked by default policy", "command", cmd)
	}
	return p.defaultPolicy, "default policy"
}

// compilePatterns treats plain strings as case-insensitive substrings and
// anything containing regex metacharacters as a regular expression.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		expr := `(?i)` + regexp.QuoteMeta(p)
		if isRegex(p) {
			expr = p
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	return strings.ContainsAny(s, `()[]{}|^$.*+?\`)
}
