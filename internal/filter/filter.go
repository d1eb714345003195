// Package filter translates attribute filters into a store-queryable
// predicate.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricing-cli/internal/model"
)

// TranslationError reports a filter that cannot be turned into a predicate.
type TranslationError struct {
	Key    string
	Value  string
	Reason string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("filter: %s: %s (value %q)", e.Key, e.Reason, e.Value)
}

// IsTranslation reports whether err is or wraps a *TranslationError.
func IsTranslation(err error) bool {
	var te *TranslationError
	return errors.As(err, &te)
}

// Matcher holds the per-operation constraints on a single key. Both slots are
// optional; when both are set a value must satisfy both.
type Matcher struct {
	Eq    *string
	Match *Pattern
}

// Matches reports whether value satisfies every set slot.
func (m *Matcher) Matches(value string) bool {
	if m.Eq != nil && value != *m.Eq {
		return false
	}
	if m.Match != nil && !m.Match.MatchString(value) {
		return false
	}
	return true
}

// Predicate maps an attribute key to its matcher. All keys must match.
type Predicate map[string]*Matcher

// Matches evaluates the predicate against a flat product. A key absent from
// the product never matches.
func (p Predicate) Matches(fp model.FlatProduct) bool {
	for key, m := range p {
		v, ok := fp.Get(key)
		if !ok || !m.Matches(v) {
			return false
		}
	}
	return true
}

// Translate builds a predicate from filters in input order. A filter with the
// same key and operation as an earlier one replaces it.
func Translate(filters []model.AttributeFilter) (Predicate, error) {
	pred := make(Predicate, len(filters))
	for _, f := range filters {
		m, ok := pred[f.Key]
		if !ok {
			m = &Matcher{}
			pred[f.Key] = m
		}

		op := f.Operation
		if op == "" {
			op = model.OperationEquals
		}

		switch op {
		case model.OperationEquals:
			v := f.Value
			m.Eq = &v
		case model.OperationRegex:
			pat, err := ParsePattern(f.Value)
			if err != nil {
				return nil, &TranslationError{Key: f.Key, Value: f.Value, Reason: err.Error()}
			}
			m.Match = pat
		default:
			return nil, &TranslationError{Key: f.Key, Value: f.Value, Reason: fmt.Sprintf("unknown operation %s", op)}
		}
	}
	return pred, nil
}

// Pattern is a parsed /body/flags regular expression.
type Pattern struct {
	Body  string
	Flags string
	re    *regexp.Regexp
}

// ParsePattern parses a slash-delimited pattern such as /^m5\./i.
// Flags i, m and s are honored; g, u and y are accepted and ignored.
func ParsePattern(s string) (*Pattern, error) {
	end := strings.LastIndex(s, "/")
	if !strings.HasPrefix(s, "/") || end < 1 {
		return nil, eris.New("pattern must be of the form /pattern/flags")
	}
	body, flags := s[1:end], s[end+1:]
	if body == "" {
		return nil, eris.New("empty pattern")
	}

	var goFlags strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			if !strings.ContainsRune(goFlags.String(), f) {
				goFlags.WriteRune(f)
			}
		case 'g', 'u', 'y':
		default:
			return nil, eris.Errorf("unsupported pattern flag %q", f)
		}
	}

	expr := body
	if goFlags.Len() > 0 {
		expr = "(?" + goFlags.String() + ")" + body
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, eris.Wrap(err, "invalid pattern")
	}
	return &Pattern{Body: body, Flags: flags, re: re}, nil
}

// MatchString reports whether s contains a match of the pattern.
func (p *Pattern) MatchString(s string) bool { return p.re.MatchString(s) }

// String returns the pattern in its /body/flags form.
func (p *Pattern) String() string { return "/" + p.Body + "/" + p.Flags }

// Postgres renders the pattern for PostgreSQL's ~ operator. ARE escapes that
// differ from Go are rewritten (\b, \B and \z become \y, \Y and \Z) and the
// embedded options reproduce Go's newline handling:
//
//	no m, no s  p  dot excludes newline, anchors at the ends
//	m           n  dot excludes newline, anchors at each line
//	s           -  dot matches newline, anchors at the ends
//	m and s     w  dot matches newline, anchors at each line
func (p *Pattern) Postgres() string {
	multiline := strings.ContainsRune(p.Flags, 'm')
	dotAll := strings.ContainsRune(p.Flags, 's')

	var opts strings.Builder
	if strings.ContainsRune(p.Flags, 'i') {
		opts.WriteRune('i')
	}
	switch {
	case multiline && dotAll:
		opts.WriteRune('w')
	case multiline:
		opts.WriteRune('n')
	case !dotAll:
		opts.WriteRune('p')
	}

	body := areEscapes(p.Body)
	if opts.Len() == 0 {
		return body
	}
	return "(?" + opts.String() + ")" + body
}

var areEscape = map[byte]byte{'b': 'y', 'B': 'Y', 'z': 'Z'}

// areEscapes rewrites Go escapes whose letter means something else in ARE.
// Bracket expressions are copied as is.
func areEscapes(body string) string {
	var b strings.Builder
	b.Grow(len(body))
	inClass := false
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\' && i+1 < len(body):
			next := body[i+1]
			if r, ok := areEscape[next]; ok && !inClass {
				next = r
			}
			b.WriteByte(c)
			b.WriteByte(next)
			i++
			continue
		case c == '[' && !inClass:
			inClass = true
			b.WriteByte(c)
			// A leading ] or ^] is a literal member of the class.
			if i+1 < len(body) && body[i+1] == '^' {
				b.WriteByte('^')
				i++
			}
			if i+1 < len(body) && body[i+1] == ']' {
				b.WriteByte(']')
				i++
			}
			continue
		case c == ']' && inClass:
			inClass = false
		}
		b.WriteByte(c)
	}
	return b.String()
}
