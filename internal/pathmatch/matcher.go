package pathmatch

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// MatchType selects the comparison semantics applied to a single pattern.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchPrefix   MatchType = "prefix"
	MatchRegex    MatchType = "regex"
	MatchWildcard MatchType = "wildcard"
)

// RuleSet pairs inclusion and exclusion patterns sharing one match type.
// Exclusions are evaluated first and win; an empty inclusion list never
// matches anything.
type RuleSet struct {
	Include   []string
	Exclude   []string
	MatchType MatchType
}

// Matcher evaluates request paths against configured patterns. Compiled
// regex and wildcard patterns are memoized because rule sets are static
// between configuration reloads while requests arrive continuously.
type Matcher struct {
	logger *slog.Logger

	mu        sync.RWMutex
	regexes   map[string]*regexp.Regexp
	wildcards map[string]glob.Glob
	broken    map[string]struct{}
}

func New(logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		logger:    logger.With(slog.String("agent", "path_matcher")),
		regexes:   make(map[string]*regexp.Regexp),
		wildcards: make(map[string]glob.Glob),
		broken:    make(map[string]struct{}),
	}
}

// Matches reports whether path satisfies pattern under the given match type.
// Invalid patterns and unknown match types fail closed: the result is false
// and a warning is logged once per pattern.
func (m *Matcher) Matches(path, pattern string, matchType MatchType) bool {
	switch matchType {
	case MatchExact:
		return path == pattern
	case MatchPrefix:
		return strings.HasPrefix(path, pattern)
	case MatchRegex:
		re := m.compiledRegex(pattern)
		if re == nil {
			return false
		}
		return re.MatchString(path)
	case MatchWildcard:
		g := m.compiledWildcard(pattern)
		if g == nil {
			return false
		}
		return g.Match(path)
	default:
		m.logger.Warn("unknown match type", slog.String("match_type", string(matchType)), slog.String("pattern", pattern))
		return false
	}
}

// MatchesRuleSet applies exclusion-before-inclusion evaluation over a rule
// set. A path matching any exclusion is rejected regardless of inclusions.
func (m *Matcher) MatchesRuleSet(path string, rules RuleSet) bool {
	matchType := rules.MatchType
	if matchType == "" {
		matchType = MatchWildcard
	}
	for _, pattern := range rules.Exclude {
		if m.Matches(path, pattern, matchType) {
			return false
		}
	}
	for _, pattern := range rules.Include {
		if m.Matches(path, pattern, matchType) {
			return true
		}
	}
	return false
}

func (m *Matcher) compiledRegex(pattern string) *regexp.Regexp {
	m.mu.RLock()
	re, ok := m.regexes[pattern]
	_, bad := m.broken["re:"+pattern]
	m.mu.RUnlock()
	if ok {
		return re
	}
	if bad {
		return nil
	}

	re, err := regexp.Compile(pattern)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.broken["re:"+pattern] = struct{}{}
		m.logger.Warn("invalid regex pattern", slog.String("pattern", pattern), slog.Any("error", err))
		return nil
	}
	m.regexes[pattern] = re
	return re
}

// compiledWildcard compiles a wildcard pattern with '/' as separator so '*'
// stays within one path segment while '**' crosses segments. The compiled
// glob is anchored over the whole path.
func (m *Matcher) compiledWildcard(pattern string) glob.Glob {
	m.mu.RLock()
	g, ok := m.wildcards[pattern]
	_, bad := m.broken["wc:"+pattern]
	m.mu.RUnlock()
	if ok {
		return g
	}
	if bad {
		return nil
	}

	g, err := glob.Compile(pattern, '/')
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.broken["wc:"+pattern] = struct{}{}
		m.logger.Warn("invalid wildcard pattern", slog.String("pattern", pattern), slog.Any("error", err))
		return nil
	}
	m.wildcards[pattern] = g
	return g
}
