package timefork

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timefork/timefork/timefork_errors"
)

func TestSearchSpecValidation(t *testing.T) {
	_, err := NewLongSearch("", Equals, 30)
	assert.ErrorIs(t, err, timefork_errors.ErrBadSearchSpec)

	_, err = NewLongSearch("age", Contains, 30)
	assert.ErrorIs(t, err, timefork_errors.ErrBadSearchSpec, "contains is a text-only condition")

	_, err = NewDoubleSearch("score", StartsWith, 1.5)
	assert.ErrorIs(t, err, timefork_errors.ErrBadSearchSpec)

	_, err = NewTextSearch("name", Condition('?'), MatchStrict, "x")
	assert.ErrorIs(t, err, timefork_errors.ErrBadSearchSpec)

	_, err = NewTextSearch("name", Equals, MatchMode('?'), "x")
	assert.ErrorIs(t, err, timefork_errors.ErrBadSearchSpec)

	_, err = NewLongSearch("na\x00me", Equals, 30)
	assert.ErrorIs(t, err, timefork_errors.ErrBadSearchSpec)

	_, err = NewTextSearch("name", Equals, MatchStrict, "x\x00y")
	assert.ErrorIs(t, err, timefork_errors.ErrBadSearchSpec)
}

func TestLongMatching(t *testing.T) {
	eq, err := NewLongSearch("age", Equals, 30)
	require.NoError(t, err)
	assert.True(t, eq.Matches(LongValue(30)))
	assert.False(t, eq.Matches(LongValue(31)))
	assert.False(t, eq.Matches(TextValue("30")), "kind mismatch never matches")
	assert.False(t, eq.Matches(DoubleValue(30)))

	ge, err := NewLongSearch("age", GreaterOrEqual, 30)
	require.NoError(t, err)
	assert.True(t, ge.Matches(LongValue(30)))
	assert.True(t, ge.Matches(LongValue(99)))
	assert.False(t, ge.Matches(LongValue(29)))

	lt, err := NewLongSearch("age", LessThan, 30)
	require.NoError(t, err)
	assert.True(t, lt.Matches(LongValue(29)))
	assert.False(t, lt.Matches(LongValue(30)))
}

func TestTextMatching(t *testing.T) {
	strict, err := NewTextSearch("name", Equals, MatchStrict, "Alice")
	require.NoError(t, err)
	assert.True(t, strict.Matches(TextValue("Alice")))
	assert.False(t, strict.Matches(TextValue("alice")))

	ci, err := NewTextSearch("name", Equals, MatchCaseInsensitive, "ALICE")
	require.NoError(t, err)
	assert.True(t, ci.Matches(TextValue("alice")))
	assert.True(t, ci.Matches(TextValue("Alice")))
	assert.False(t, ci.Matches(TextValue("bob")))

	contains, err := NewTextSearch("name", Contains, MatchCaseInsensitive, "LIC")
	require.NoError(t, err)
	assert.True(t, contains.Matches(TextValue("alice")))
	assert.False(t, contains.Matches(TextValue("bob")))

	prefix, err := NewTextSearch("name", StartsWith, MatchStrict, "al")
	require.NoError(t, err)
	assert.True(t, prefix.Matches(TextValue("alice")))
	assert.False(t, prefix.Matches(TextValue("Alice")))

	ne, err := NewTextSearch("name", NotEquals, MatchStrict, "alice")
	require.NoError(t, err)
	assert.False(t, ne.Matches(TextValue("alice")))
	assert.True(t, ne.Matches(TextValue("bob")))
}

func TestDoubleMatching(t *testing.T) {
	le, err := NewDoubleSearch("score", LessOrEqual, 1.5)
	require.NoError(t, err)
	assert.True(t, le.Matches(DoubleValue(1.5)))
	assert.True(t, le.Matches(DoubleValue(0.1)))
	assert.False(t, le.Matches(DoubleValue(1.51)))
}

func TestSearchSpecIsComparable(t *testing.T) {
	a, err := NewLongSearch("age", Equals, 30)
	require.NoError(t, err)
	b, err := NewLongSearch("age", Equals, 30)
	require.NoError(t, err)
	assert.True(t, a == b, "specs are cache keys and must compare equal structurally")

	c, err := NewLongSearch("age", Equals, 31)
	require.NoError(t, err)
	assert.False(t, a == c)
}
