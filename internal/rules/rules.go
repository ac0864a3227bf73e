// Package rules compiles the collector's block and allow patterns.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/goodtune/tabtrack/internal/remote"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// Action is the effect of a matching rule.
type Action string

const (
	ActionNone  Action = ""
	ActionBlock Action = "block"
	ActionAllow Action = "allow"
)

// DefaultCacheSize bounds the compiled pattern cache.
const DefaultCacheSize = 512

// Rule is a validated, compiled blocking rule.
type Rule struct {
	Action  Action
	Pattern string
	re      *regexp.Regexp
}

// Matches reports whether the rule pattern matches rawURL.
func (r Rule) Matches(rawURL string) bool {
	return r.re.MatchString(rawURL)
}

// Set is an ordered collection of compiled rules.
type Set struct {
	rules []Rule
}

// Len returns the number of valid rules.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Rules returns the valid rules in their wire form.
func (s *Set) Rules() []remote.BlockingRule {
	if s == nil {
		return nil
	}
	out := make([]remote.BlockingRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, remote.BlockingRule{Action: string(r.Action), Pattern: r.Pattern})
	}
	return out
}

// Decide evaluates rawURL. An allow rule overrides any block rule.
func (s *Set) Decide(rawURL string) (Action, *Rule) {
	if s == nil {
		return ActionNone, nil
	}
	var blocked *Rule
	for i := range s.rules {
		r := &s.rules[i]
		if !r.Matches(rawURL) {
			continue
		}
		if r.Action == ActionAllow {
			return ActionAllow, r
		}
		if blocked == nil {
			blocked = r
		}
	}
	if blocked != nil {
		return ActionBlock, blocked
	}
	return ActionNone, nil
}

// Compiler turns wire rules into a Set, reusing compiled patterns across
// config refreshes.
type Compiler struct {
	cache  *lru.Cache[string, *regexp.Regexp]
	logger zerolog.Logger
}

// NewCompiler creates a compiler with a pattern cache of size entries.
func NewCompiler(size int, logger zerolog.Logger) (*Compiler, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *regexp.Regexp](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern cache: %w", err)
	}
	return &Compiler{
		cache:  cache,
		logger: logger.With().Str("component", "rules").Logger(),
	}, nil
}

// Compile validates every rule. Invalid rules are logged and skipped; the
// returned errors describe each skipped rule.
func (c *Compiler) Compile(in []remote.BlockingRule) (*Set, []error) {
	set := &Set{rules: make([]Rule, 0, len(in))}
	var errs []error

	for i, raw := range in {
		action := Action(strings.ToLower(strings.TrimSpace(raw.Action)))
		if action != ActionBlock && action != ActionAllow {
			err := fmt.Errorf("rule %d: unknown action %q", i, raw.Action)
			c.logger.Warn().Err(err).Msg("Skipping blocking rule")
			errs = append(errs, err)
			continue
		}
		if raw.Pattern == "" {
			err := fmt.Errorf("rule %d: empty pattern", i)
			c.logger.Warn().Err(err).Msg("Skipping blocking rule")
			errs = append(errs, err)
			continue
		}

		re, err := c.compile(raw.Pattern)
		if err != nil {
			err = fmt.Errorf("rule %d: invalid pattern %q: %w", i, raw.Pattern, err)
			c.logger.Warn().Err(err).Msg("Skipping blocking rule")
			errs = append(errs, err)
			continue
		}
		set.rules = append(set.rules, Rule{Action: action, Pattern: raw.Pattern, re: re})
	}

	c.logger.Debug().Int("valid", set.Len()).Int("skipped", len(errs)).Msg("Compiled blocking rules")
	return set, errs
}

func (c *Compiler) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := c.cache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.cache.Add(pattern, re)
	return re, nil
}

// CacheLen returns the number of cached patterns.
func (c *Compiler) CacheLen() int {
	return c.cache.Len()
}
