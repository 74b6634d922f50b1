package reconcile

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// LinkStyle is how a bare URL in message text is written to the page.
type LinkStyle string

const (
	// LinkStyleInline keeps the URL as a link inside the surrounding text.
	LinkStyleInline LinkStyle = "link"
	// LinkStyleBookmark splits the paragraph and writes the URL as a link unit.
	LinkStyleBookmark LinkStyle = "bookmark"
)

// ErrInvalidLinkRule reports a link rule that cannot be compiled or whose
// expectations do not hold.
var ErrInvalidLinkRule = errors.New("invalid link rule")

// LinkRule maps URLs matching one of Glob, Regex or Prefix to the styles in
// ConvertTo. ExpectMatches and ExpectNoMatches are checked at compile time.
type LinkRule struct {
	Glob            string
	Regex           string
	Prefix          string
	ConvertTo       []string
	ExpectMatches   []string
	ExpectNoMatches []string
}

// LinkRulesConfig describes the rule set applied to bare URLs.
type LinkRulesConfig struct {
	Rules []LinkRule
	// DefaultConvertTo applies to URLs no rule matches. Empty leaves them
	// as plain text.
	DefaultConvertTo []string
	// BookmarkStandalone turns a paragraph holding only an unmatched URL
	// into a link unit regardless of DefaultConvertTo.
	BookmarkStandalone bool
	Logger             *zap.Logger
}

// LinkRules classifies bare URLs. The first matching rule wins.
type LinkRules struct {
	rules              []compiledLinkRule
	defaults           []LinkStyle
	bookmarkStandalone bool
}

type compiledLinkRule struct {
	pattern string
	match   func(string) bool
	styles  []LinkStyle
}

var legacyLinkRules = &LinkRules{
	defaults:           []LinkStyle{LinkStyleInline},
	bookmarkStandalone: true,
}

// CompileLinkRules validates every rule and returns the compiled set.
// Unknown styles are skipped with a warning; a rule left without styles is
// an error.
func CompileLinkRules(cfg LinkRulesConfig) (*LinkRules, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	compiled := &LinkRules{
		defaults:           parseLinkStyles(cfg.DefaultConvertTo, "default", logger),
		bookmarkStandalone: cfg.BookmarkStandalone,
	}
	for index, rule := range cfg.Rules {
		entry, err := compileLinkRule(rule, logger)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", index, err)
		}
		compiled.rules = append(compiled.rules, entry)
	}
	return compiled, nil
}

func compileLinkRule(rule LinkRule, logger *zap.Logger) (compiledLinkRule, error) {
	var entry compiledLinkRule
	patterns := 0
	if rule.Glob != "" {
		patterns++
		if !doublestar.ValidatePattern(rule.Glob) {
			return entry, fmt.Errorf("%w: bad glob %q", ErrInvalidLinkRule, rule.Glob)
		}
		glob := rule.Glob
		entry.pattern = glob
		entry.match = func(target string) bool {
			return doublestar.MatchUnvalidated(glob, target)
		}
	}
	if rule.Regex != "" {
		patterns++
		expression, err := regexp.Compile(rule.Regex)
		if err != nil {
			return entry, fmt.Errorf("%w: bad regex %q: %v", ErrInvalidLinkRule, rule.Regex, err)
		}
		entry.pattern = rule.Regex
		entry.match = expression.MatchString
	}
	if rule.Prefix != "" {
		patterns++
		prefix := rule.Prefix
		entry.pattern = prefix
		entry.match = func(target string) bool {
			return strings.HasPrefix(target, prefix)
		}
	}
	if patterns != 1 {
		return entry, fmt.Errorf("%w: exactly one of glob, regex or prefix is required", ErrInvalidLinkRule)
	}

	entry.styles = parseLinkStyles(rule.ConvertTo, entry.pattern, logger)
	if len(entry.styles) == 0 {
		return entry, fmt.Errorf("%w: %q has no supported convert_to", ErrInvalidLinkRule, entry.pattern)
	}
	for _, sample := range rule.ExpectMatches {
		if !entry.match(sample) {
			return entry, fmt.Errorf("%w: %q does not match %q", ErrInvalidLinkRule, entry.pattern, sample)
		}
	}
	for _, sample := range rule.ExpectNoMatches {
		if entry.match(sample) {
			return entry, fmt.Errorf("%w: %q matches %q", ErrInvalidLinkRule, entry.pattern, sample)
		}
	}
	return entry, nil
}

func parseLinkStyles(values []string, pattern string, logger *zap.Logger) []LinkStyle {
	var styles []LinkStyle
	for _, value := range values {
		style := LinkStyle(strings.ToLower(strings.TrimSpace(value)))
		switch style {
		case LinkStyleInline, LinkStyleBookmark:
			if !containsStyle(styles, style) {
				styles = append(styles, style)
			}
		default:
			logger.Warn("skipping unsupported link style",
				zap.String("pattern", pattern),
				zap.String("style", value))
		}
	}
	return styles
}

// Classify returns the styles for a bare URL found inside a paragraph.
func (r *LinkRules) Classify(target string) []LinkStyle {
	if styles, ok := r.matchRule(target); ok {
		return styles
	}
	return r.defaults
}

func (r *LinkRules) classifyStandalone(target string) []LinkStyle {
	if styles, ok := r.matchRule(target); ok {
		return styles
	}
	if r.bookmarkStandalone {
		return []LinkStyle{LinkStyleBookmark}
	}
	return r.defaults
}

func (r *LinkRules) matchRule(target string) ([]LinkStyle, bool) {
	for _, rule := range r.rules {
		if rule.match(target) {
			return rule.styles, true
		}
	}
	return nil, false
}

func containsStyle(styles []LinkStyle, style LinkStyle) bool {
	for _, candidate := range styles {
		if candidate == style {
			return true
		}
	}
	return false
}
