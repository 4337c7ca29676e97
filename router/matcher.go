package router

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/dlclark/regexp2"
)

type matcherKind int

const (
	kindGlob matcherKind = iota
	kindRegex
	kindPredicate
)

// URLMatcher decides whether a request URL is interesting to a handler.
// Matchers are built from a glob, a regular expression or a predicate.
type URLMatcher struct {
	kind    matcherKind
	source  string
	options regexp2.RegexOptions
	re      *regexp2.Regexp
	pred    func(string) bool
}

// Glob returns a matcher for a URL glob. In the glob, "*" matches any
// characters but "/", "**" matches any characters, "?" matches a single
// character and "{a,b}" matches either alternative. A relative glob is
// resolved against baseURL when baseURL isn't empty.
func Glob(baseURL, pattern string) (*URLMatcher, error) {
	if baseURL != "" && !strings.HasPrefix(pattern, "*") {
		if base, err := url.Parse(baseURL); err == nil {
			if ref, err := url.Parse(pattern); err == nil {
				pattern = base.ResolveReference(ref).String()
			}
		}
	}
	re, err := regexp2.Compile(globToRegex(pattern), regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("compiling glob %q: %w", pattern, err)
	}

	return &URLMatcher{kind: kindGlob, source: pattern, re: re}, nil
}

// Regex returns a matcher for a regular expression, e.g. with
// regexp2.ECMAScript for JavaScript-compatible semantics.
func Regex(pattern string, opts regexp2.RegexOptions) (*URLMatcher, error) {
	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return nil, fmt.Errorf("compiling regex %q: %w", pattern, err)
	}

	return &URLMatcher{kind: kindRegex, source: pattern, options: opts, re: re}, nil
}

// Predicate returns a matcher that delegates to fn.
func Predicate(fn func(url string) bool) *URLMatcher {
	return &URLMatcher{kind: kindPredicate, pred: fn}
}

// Any returns a matcher that accepts every URL.
func Any() *URLMatcher {
	m, _ := Glob("", "**")
	return m
}

// Match reports whether u is accepted.
func (m *URLMatcher) Match(u string) bool {
	if m.kind == kindPredicate {
		return m.pred(u)
	}
	ok, err := m.re.MatchString(u)
	return err == nil && ok
}

// Equal reports whether m and o match the same way. Globs and regexes
// are compared by source. A predicate matcher only equals itself.
func (m *URLMatcher) Equal(o *URLMatcher) bool {
	if m == o {
		return true
	}
	if m == nil || o == nil || m.kind != o.kind {
		return false
	}
	switch m.kind {
	case kindPredicate:
		return false
	case kindRegex:
		return m.source == o.source && m.options == o.options
	default:
		return m.source == o.source
	}
}

func (m *URLMatcher) String() string {
	switch m.kind {
	case kindPredicate:
		return "predicate"
	case kindRegex:
		return "/" + m.source + "/"
	default:
		return m.source
	}
}

const escapedGlobChars = `$^+.*()|\?{}[]`

func globToRegex(glob string) string {
	var sb strings.Builder
	sb.WriteByte('^')

	inGroup := false
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch {
		case c == '\\' && i+1 < len(glob):
			i++
			if strings.IndexByte(escapedGlobChars, glob[i]) >= 0 {
				sb.WriteByte('\\')
			}
			sb.WriteByte(glob[i])
		case c == '*':
			before := byte('/')
			if i > 0 {
				before = glob[i-1]
			}
			stars := 1
			for i+1 < len(glob) && glob[i+1] == '*' {
				stars++
				i++
			}
			after := byte('/')
			if i+1 < len(glob) {
				after = glob[i+1]
			}
			if stars > 1 && before == '/' && after == '/' {
				sb.WriteString(`((?:[^/]*(?:/|$))*)`)
				i++
			} else if stars > 1 {
				sb.WriteString(`(.*)`)
			} else {
				sb.WriteString(`([^/]*)`)
			}
		case c == '?':
			sb.WriteByte('.')
		case c == '{':
			inGroup = true
			sb.WriteByte('(')
		case c == '}':
			inGroup = false
			sb.WriteByte(')')
		case c == ',':
			if inGroup {
				sb.WriteByte('|')
			} else {
				sb.WriteString(`\,`)
			}
		case strings.IndexByte(escapedGlobChars, c) >= 0:
			sb.WriteByte('\\')
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}

	sb.WriteByte('$')
	return sb.String()
}
