// Package rules implements the rule compiler and matcher.
package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Definition is a declarative rule as it appears in configuration.
type Definition struct {
	Name            string
	Keywords        []string
	ExcludeKeywords []string
	Regex           []string
	Enabled         bool
}

// Rule is the compiled, immutable form shared read-only across all
// pipeline invocations.
type Rule struct {
	Name            string
	Keywords        []string // lowercased
	ExcludeKeywords []string // lowercased
	Patterns        []*regexp.Regexp
}

// Match is a single rule hit with a human-readable reason listing the
// keywords and regex patterns that fired.
type Match struct {
	RuleName string
	Reason   string
}

// Compile normalizes rule definitions and compiles their regex patterns.
// Disabled rules are skipped. A malformed pattern is a configuration
// error reported here so bad rules never degrade silently mid-run.
func Compile(defs []Definition) ([]Rule, error) {
	var compiled []Rule
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		if strings.TrimSpace(def.Name) == "" {
			return nil, fmt.Errorf("rule with empty name")
		}

		rule := Rule{
			Name:            def.Name,
			Keywords:        lowerAll(def.Keywords),
			ExcludeKeywords: lowerAll(def.ExcludeKeywords),
		}
		for _, pattern := range def.Regex {
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid regex %q: %w", def.Name, pattern, err)
			}
			rule.Patterns = append(rule.Patterns, re)
		}
		compiled = append(compiled, rule)
	}
	return compiled, nil
}

// Evaluate returns all rule matches for the given text.
//
// Any exclude keyword present in the text vetoes its rule entirely.
// Otherwise one keyword hit or one regex hit is sufficient. Keyword
// checks run on the lowercased text; regex patterns are compiled
// case-insensitive and search the original text, so literal class
// ranges behave as written.
func Evaluate(text string, rules []Rule) []Match {
	lowered := strings.ToLower(text)

	var matches []Match
	for _, rule := range rules {
		if excluded(lowered, rule.ExcludeKeywords) {
			continue
		}

		var keywordHits []string
		for _, kw := range rule.Keywords {
			if strings.Contains(lowered, kw) {
				keywordHits = append(keywordHits, kw)
			}
		}
		var regexHits []string
		for _, re := range rule.Patterns {
			if re.MatchString(text) {
				// Strip the (?i) prefix added at compile time so the
				// reason shows the pattern as the user wrote it.
				regexHits = append(regexHits, strings.TrimPrefix(re.String(), "(?i)"))
			}
		}

		if len(keywordHits) == 0 && len(regexHits) == 0 {
			continue
		}
		matches = append(matches, Match{RuleName: rule.Name, Reason: buildReason(keywordHits, regexHits)})
	}
	return matches
}

func excluded(lowered string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// buildReason lists sorted, de-duplicated hits with fixed separators so
// notifications are reproducible.
func buildReason(keywordHits, regexHits []string) string {
	var parts []string
	if len(keywordHits) > 0 {
		parts = append(parts, "keyword(s): "+strings.Join(sortedUnique(keywordHits), ", "))
	}
	if len(regexHits) > 0 {
		parts = append(parts, "regex: "+strings.Join(sortedUnique(regexHits), ", "))
	}
	return strings.Join(parts, "\n")
}

func sortedUnique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func lowerAll(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}
