package timefork

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timefork/timefork/timefork_errors"
)

func TestNewIndexDocumentValidation(t *testing.T) {
	doc, err := NewIndexDocument("age", "master", "default", "alice", LongValue(30), 100, ValidToInfinity)
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.True(t, doc.Open())

	_, err = NewIndexDocument("", "master", "default", "alice", LongValue(30), 100, ValidToInfinity)
	assert.ErrorIs(t, err, timefork_errors.ErrBadDocument)

	_, err = NewIndexDocument("age", "master", "default", "alice", LongValue(30), 200, 100)
	assert.ErrorIs(t, err, timefork_errors.ErrBadDocument)

	_, err = NewIndexDocument("age", "master", "default", "alice", LongValue(30), 100, 100)
	assert.ErrorIs(t, err, timefork_errors.ErrBadDocument)

	_, err = NewIndexDocument("age", "master", "default", "alice", IndexedValue{}, 100, ValidToInfinity)
	assert.ErrorIs(t, err, timefork_errors.ErrBadDocument)

	_, err = NewIndexDocument("age", "mas\x00ter", "default", "alice", LongValue(30), 100, ValidToInfinity)
	assert.ErrorIs(t, err, timefork_errors.ErrBadDocument)
}

func TestValidityInterval(t *testing.T) {
	doc, err := NewIndexDocument("age", "master", "default", "alice", LongValue(30), 100, 200)
	require.NoError(t, err)

	assert.False(t, doc.ValidAt(99))
	assert.True(t, doc.ValidAt(100))
	assert.True(t, doc.ValidAt(199))
	assert.False(t, doc.ValidAt(200), "validity interval is half-open")
	assert.False(t, doc.Open())
}

func TestClosedAt(t *testing.T) {
	doc, err := NewIndexDocument("age", "master", "default", "alice", LongValue(30), 100, ValidToInfinity)
	require.NoError(t, err)

	closed, err := doc.ClosedAt(200)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), closed.ValidTo)
	assert.Equal(t, ValidToInfinity, doc.ValidTo, "closing produces a new value")
	assert.Equal(t, doc.ID, closed.ID)

	_, err = closed.ClosedAt(300)
	assert.ErrorIs(t, err, timefork_errors.ErrBadDocument, "already closed")

	_, err = doc.ClosedAt(100)
	assert.ErrorIs(t, err, timefork_errors.ErrBadDocument, "close must land after validFrom")

	reopened := closed.Reopened()
	assert.True(t, reopened.Open())
	assert.Equal(t, closed.ValidFrom, reopened.ValidFrom)
}

func TestStructuralEquality(t *testing.T) {
	a, err := NewIndexDocument("age", "master", "default", "alice", LongValue(30), 100, ValidToInfinity)
	require.NoError(t, err)
	b := *a
	assert.Equal(t, *a, b)

	b.Value = LongValue(31)
	assert.NotEqual(t, *a, b)
}

func TestIdentifier(t *testing.T) {
	doc, err := NewIndexDocument("age", "feature", "default", "alice", LongValue(30), 100, ValidToInfinity)
	require.NoError(t, err)
	assert.Equal(t, LogicalIdentifier{
		Branch:    "feature",
		Keyspace:  "default",
		Key:       "alice",
		Timestamp: 100,
	}, doc.Identifier())
}

func TestIndexedValueLexical(t *testing.T) {
	assert.Equal(t, "hello", TextValue("hello").String())
	assert.Equal(t, "-42", LongValue(-42).String())
	assert.Equal(t, "2.5", DoubleValue(2.5).String())
}
