package autoreply

import (
	"regexp"
	"strings"
	"sync"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/apperr"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
)

// Normalize lower-cases s, trims it and collapses inner whitespace runs.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Matcher evaluates rule patterns against inbound text. Compiled regular
// expressions are cached by pattern.
type Matcher struct {
	maxPatternLength int
	cache            sync.Map // pattern -> *regexp.Regexp
}

func NewMatcher(maxPatternLength int) *Matcher {
	return &Matcher{maxPatternLength: maxPatternLength}
}

// Match reports whether text satisfies the rule's pattern. Oversized or
// invalid regular expressions return an INVALID_PATTERN error.
func (m *Matcher) Match(rule *store.AutoReplyRule, text string) (bool, error) {
	switch rule.PatternType {
	case store.PatternKeyword:
		want := Normalize(rule.PatternValue)
		return want != "" && Normalize(text) == want, nil
	case store.PatternContains:
		want := Normalize(rule.PatternValue)
		return want != "" && strings.Contains(Normalize(text), want), nil
	case store.PatternRegex:
		re, err := m.compile(rule.PatternValue)
		if err != nil {
			return false, err
		}
		return re.MatchString(text), nil
	default:
		return false, apperr.Newf(apperr.CodeInvalidPattern, "unknown pattern type %q", rule.PatternType)
	}
}

func (m *Matcher) compile(pattern string) (*regexp.Regexp, error) {
	if len(pattern) > m.maxPatternLength {
		return nil, apperr.Newf(apperr.CodeInvalidPattern, "pattern longer than %d bytes", m.maxPatternLength)
	}
	if cached, ok := m.cache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInvalidPattern, "invalid pattern")
	}
	m.cache.Store(pattern, re)
	return re, nil
}
