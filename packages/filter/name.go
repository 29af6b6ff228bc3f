package filter

import (
	"path"
	"regexp"
	"strings"
)

// NameFilter matches test identifiers against the rules of one -k
// argument. Rules are whitespace-separated and compose as OR.
type NameFilter struct {
	pattern string
	rules   []nameRule
}

type nameRule interface {
	matches(id string) bool
}

// ParseName compiles a -k argument. An empty pattern matches everything.
func ParseName(pattern string) (*NameFilter, error) {
	f := &NameFilter{pattern: pattern}
	for _, field := range strings.Fields(pattern) {
		rule, err := compileRule(field)
		if err != nil {
			return nil, err
		}
		f.rules = append(f.rules, rule)
	}
	return f, nil
}

// Pattern returns the original -k argument.
func (f *NameFilter) Pattern() string { return f.pattern }

// Matches reports whether any rule accepts the identifier.
func (f *NameFilter) Matches(id string) bool {
	if len(f.rules) == 0 {
		return true
	}
	for _, r := range f.rules {
		if r.matches(id) {
			return true
		}
	}
	return false
}

func compileRule(pattern string) (nameRule, error) {
	hasGlob := strings.ContainsAny(pattern, "*?")

	switch {
	case hasGlob:
		re, err := globToRegexp(pattern)
		if err != nil {
			return nil, err
		}
		return globRule{re: re}, nil
	case strings.Contains(pattern, "::"):
		file, name, _ := strings.Cut(pattern, "::")
		return fileRule{file: file, name: name}, nil
	case strings.Contains(pattern, "/"):
		class, method, _ := strings.Cut(pattern, "/")
		return classRule{class: class, method: method}, nil
	default:
		return substrRule{needle: pattern}, nil
	}
}

// substrRule: bare string, substring match on the callable name.
type substrRule struct{ needle string }

func (r substrRule) matches(id string) bool {
	return strings.Contains(callableOf(id), r.needle)
}

// fileRule: "file.py::name", exact basename plus exact test name.
type fileRule struct{ file, name string }

func (r fileRule) matches(id string) bool {
	file, rest, ok := strings.Cut(id, "::")
	if !ok {
		return false
	}
	if path.Base(file) != r.file {
		return false
	}
	return callableOf(rest) == r.name
}

// classRule: "Class/method", exact class and method.
type classRule struct{ class, method string }

func (r classRule) matches(id string) bool {
	parts := strings.Split(id, "::")
	if len(parts) != 3 {
		return false
	}
	return parts[1] == r.class && parts[2] == r.method
}

// globRule: patterns with * or ? match against the full identifier.
type globRule struct{ re *regexp.Regexp }

func (r globRule) matches(id string) bool {
	return r.re.MatchString(id)
}

// callableOf returns the final component of an identifier (or of an
// identifier suffix).
func callableOf(id string) string {
	if idx := strings.LastIndex(id, "::"); idx >= 0 {
		return id[idx+2:]
	}
	return id
}

// globToRegexp compiles a glob into an unanchored case-sensitive regexp:
// * matches any run outside separators, ? a single character, / stands for
// the :: separator.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	for _, c := range pattern {
		switch c {
		case '*':
			b.WriteString("[^:]*")
		case '?':
			b.WriteString("[^:]")
		case '/':
			b.WriteString("::")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return regexp.Compile(b.String())
}
