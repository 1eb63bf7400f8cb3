package timefork

import (
	"errors"
	"fmt"
	"strings"

	"github.com/timefork/timefork/timefork_errors"
)

type Condition byte

const (
	Equals         Condition = '='
	NotEquals      Condition = '!'
	LessThan       Condition = '<'
	LessOrEqual    Condition = 'l'
	GreaterThan    Condition = '>'
	GreaterOrEqual Condition = 'g'
	Contains       Condition = 'c'
	StartsWith     Condition = 'p'
)

type MatchMode byte

const (
	MatchStrict          MatchMode = 's'
	MatchCaseInsensitive MatchMode = 'i'
)

// SearchSpec is a predicate over one index's values. It is a plain
// comparable struct so it can key the query-result cache. Construct through
// NewTextSearch / NewLongSearch / NewDoubleSearch; an inconsistent spec is
// rejected there, never at query time.
type SearchSpec struct {
	Index     string
	Condition Condition
	Mode      MatchMode
	Value     IndexedValue
}

func knownCondition(c Condition) bool {
	switch c {
	case Equals, NotEquals, LessThan, LessOrEqual, GreaterThan, GreaterOrEqual, Contains, StartsWith:
		return true
	}
	return false
}

func textOnly(c Condition) bool {
	return c == Contains || c == StartsWith
}

// Specs end up NUL-delimited inside singleflight keys, so a NUL inside a
// field would let distinct specs render identically.
func newSearchSpec(index string, cond Condition, mode MatchMode, value IndexedValue) (SearchSpec, error) {
	if index == "" {
		return SearchSpec{}, errors.Join(timefork_errors.ErrBadSearchSpec, errors.New("empty index name"))
	}
	if strings.ContainsRune(index, 0) {
		return SearchSpec{}, errors.Join(timefork_errors.ErrBadSearchSpec, errors.New("index name contains a NUL byte"))
	}
	if value.Kind == ValueText && strings.ContainsRune(value.Text, 0) {
		return SearchSpec{}, errors.Join(timefork_errors.ErrBadSearchSpec, errors.New("text value contains a NUL byte"))
	}
	if !knownCondition(cond) {
		return SearchSpec{}, errors.Join(timefork_errors.ErrBadSearchSpec, fmt.Errorf("unknown condition %q", cond))
	}
	if textOnly(cond) && value.Kind != ValueText {
		return SearchSpec{}, errors.Join(timefork_errors.ErrBadSearchSpec,
			fmt.Errorf("condition %q applies to text values only", cond))
	}
	return SearchSpec{Index: index, Condition: cond, Mode: mode, Value: value}, nil
}

func NewTextSearch(index string, cond Condition, mode MatchMode, text string) (SearchSpec, error) {
	if mode != MatchStrict && mode != MatchCaseInsensitive {
		return SearchSpec{}, errors.Join(timefork_errors.ErrBadSearchSpec, fmt.Errorf("unknown match mode %q", mode))
	}
	return newSearchSpec(index, cond, mode, TextValue(text))
}

func NewLongSearch(index string, cond Condition, value int64) (SearchSpec, error) {
	return newSearchSpec(index, cond, MatchStrict, LongValue(value))
}

func NewDoubleSearch(index string, cond Condition, value float64) (SearchSpec, error) {
	return newSearchSpec(index, cond, MatchStrict, DoubleValue(value))
}

// Matches evaluates the predicate. A value of a different kind than the
// spec's never matches.
func (s SearchSpec) Matches(v IndexedValue) bool {
	if v.Kind != s.Value.Kind {
		return false
	}
	switch v.Kind {
	case ValueText:
		return s.matchText(v.Text)
	case ValueLong:
		return matchOrdered(s.Condition, v.Long, s.Value.Long)
	case ValueDouble:
		return matchOrdered(s.Condition, v.Double, s.Value.Double)
	}
	return false
}

func (s SearchSpec) matchText(text string) bool {
	want := s.Value.Text
	if s.Mode == MatchCaseInsensitive {
		text = strings.ToLower(text)
		want = strings.ToLower(want)
	}
	switch s.Condition {
	case Contains:
		return strings.Contains(text, want)
	case StartsWith:
		return strings.HasPrefix(text, want)
	default:
		return matchOrdered(s.Condition, text, want)
	}
}

func matchOrdered[T int64 | float64 | string](cond Condition, got, want T) bool {
	switch cond {
	case Equals:
		return got == want
	case NotEquals:
		return got != want
	case LessThan:
		return got < want
	case LessOrEqual:
		return got <= want
	case GreaterThan:
		return got > want
	case GreaterOrEqual:
		return got >= want
	}
	return false
}

func (s SearchSpec) String() string {
	return fmt.Sprintf("%s %c %s (%c%c)", s.Index, s.Condition, s.Value.String(), s.Value.Kind, s.Mode)
}
