package sharding

import (
	"reflect"
	"regexp"
)

// Matcher decides whether a connection identifier belongs to a bind key.
type Matcher interface {
	// Matches never panics; candidates that are not strings never match.
	Matches(candidate any) bool
	String() string
}

// Exact matches one literal connection identifier.
type Exact string

func (e Exact) Matches(candidate any) bool {
	s, ok := asString(candidate)
	return ok && s == string(e)
}

func (e Exact) String() string { return string(e) }

// PatternMatcher matches connection identifiers against a regular expression
// anchored at the start. The end is only anchored if the expression says so.
type PatternMatcher struct {
	expr string
	re   *regexp.Regexp
}

// Pattern compiles expr into a start-anchored matcher.
func Pattern(expr string) (*PatternMatcher, error) {
	re, err := regexp.Compile(`^(?:` + expr + `)`)
	if err != nil {
		return nil, err
	}
	return &PatternMatcher{expr: expr, re: re}, nil
}

// MustPattern is like Pattern but panics on an invalid expression. Use it
// for entity types declared at package level.
func MustPattern(expr string) *PatternMatcher {
	p, err := Pattern(expr)
	if err != nil {
		panic("sharding: bad bind key pattern " + expr + ": " + err.Error())
	}
	return p
}

func (p *PatternMatcher) Matches(candidate any) bool {
	if p == nil || p.re == nil {
		return false
	}
	s, ok := asString(candidate)
	return ok && p.re.MatchString(s)
}

func (p *PatternMatcher) String() string { return p.expr }

// asString accepts string and named string kinds.
func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case nil:
		return "", false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.String {
		return rv.String(), true
	}
	return "", false
}
