package timefork

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/timefork/timefork/timefork_errors"
)

// MainBranch is the root of every origin chain. Records written before
// branch support existed belong to it implicitly.
const MainBranch = "master"

// ValidToInfinity marks a document that is still valid as of the most
// recent commit.
const ValidToInfinity = uint64(math.MaxUint64)

type ValueKind byte

const (
	ValueText   ValueKind = 'S'
	ValueLong   ValueKind = 'L'
	ValueDouble ValueKind = 'D'
)

// IndexedValue is a closed tagged union: exactly one of text, integer or
// floating-point. Zero value is invalid.
type IndexedValue struct {
	Kind   ValueKind
	Text   string
	Long   int64
	Double float64
}

func TextValue(s string) IndexedValue {
	return IndexedValue{Kind: ValueText, Text: s}
}

func LongValue(v int64) IndexedValue {
	return IndexedValue{Kind: ValueLong, Long: v}
}

func DoubleValue(v float64) IndexedValue {
	return IndexedValue{Kind: ValueDouble, Double: v}
}

func (v IndexedValue) Valid() bool {
	switch v.Kind {
	case ValueText, ValueLong, ValueDouble:
		return true
	}
	return false
}

// String returns the lexical representation, the same one the codec stores.
func (v IndexedValue) String() string {
	switch v.Kind {
	case ValueText:
		return v.Text
	case ValueLong:
		return strconv.FormatInt(v.Long, 10)
	case ValueDouble:
		return strconv.FormatFloat(v.Double, 'g', -1, 64)
	}
	return ""
}

// QualifiedKey locates a key/value pair in the primary store.
type QualifiedKey struct {
	Keyspace string
	Key      string
}

// LogicalIdentifier names one committed version of a key.
type LogicalIdentifier struct {
	Branch    string
	Keyspace  string
	Key       string
	Timestamp uint64
}

// IdentifierSet is a query result. Sets handed out by the query cache are
// shared and must not be mutated by callers.
type IdentifierSet map[LogicalIdentifier]struct{}

// IndexDocument is an immutable fact: within Branch, the pair
// (Keyspace, Key) had Value under index IndexName over [ValidFrom, ValidTo).
// Closing produces a new document value; nothing is mutated in place.
type IndexDocument struct {
	ID        string
	IndexName string
	Branch    string
	Keyspace  string
	Key       string
	Value     IndexedValue
	ValidFrom uint64
	ValidTo   uint64
}

// Identifier fields end up NUL-delimited inside pebble keys, so a NUL
// inside one would corrupt the key layout.
func checkName(field, name string) error {
	if name == "" {
		return errors.Join(timefork_errors.ErrBadDocument, fmt.Errorf("empty %s", field))
	}
	if strings.ContainsRune(name, 0) {
		return errors.Join(timefork_errors.ErrBadDocument, fmt.Errorf("%s contains a NUL byte", field))
	}
	return nil
}

// NewIndexDocument assigns a fresh document id and validates every field.
func NewIndexDocument(indexName, branch, keyspace, key string, value IndexedValue, validFrom, validTo uint64) (*IndexDocument, error) {
	doc := &IndexDocument{
		ID:        uuid.NewString(),
		IndexName: indexName,
		Branch:    branch,
		Keyspace:  keyspace,
		Key:       key,
		Value:     value,
		ValidFrom: validFrom,
		ValidTo:   validTo,
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *IndexDocument) Validate() error {
	if err := checkName("document id", d.ID); err != nil {
		return err
	}
	if err := checkName("index name", d.IndexName); err != nil {
		return err
	}
	if err := checkName("branch", d.Branch); err != nil {
		return err
	}
	if err := checkName("keyspace", d.Keyspace); err != nil {
		return err
	}
	if err := checkName("key", d.Key); err != nil {
		return err
	}
	if !d.Value.Valid() {
		return errors.Join(timefork_errors.ErrBadDocument, fmt.Errorf("unknown value kind %q", d.Value.Kind))
	}
	if d.ValidFrom >= d.ValidTo {
		return errors.Join(timefork_errors.ErrBadDocument,
			fmt.Errorf("validity interval [%d, %d) is empty", d.ValidFrom, d.ValidTo))
	}
	return nil
}

// Open reports whether the document is still valid as of the latest commit.
func (d *IndexDocument) Open() bool {
	return d.ValidTo == ValidToInfinity
}

// ValidAt reports whether ts falls into the half-open validity interval.
func (d *IndexDocument) ValidAt(ts uint64) bool {
	return d.ValidFrom <= ts && ts < d.ValidTo
}

// ClosedAt returns a copy with the validity interval terminated at ts.
func (d *IndexDocument) ClosedAt(ts uint64) (*IndexDocument, error) {
	if !d.Open() {
		return nil, errors.Join(timefork_errors.ErrBadDocument,
			fmt.Errorf("document %s is already closed at %d", d.ID, d.ValidTo))
	}
	if ts <= d.ValidFrom {
		return nil, errors.Join(timefork_errors.ErrBadDocument,
			fmt.Errorf("close at %d is not after validFrom %d", ts, d.ValidFrom))
	}
	closed := *d
	closed.ValidTo = ts
	return &closed, nil
}

// Reopened returns a copy with an open-ended validity interval, used by
// time-travel rollback.
func (d *IndexDocument) Reopened() *IndexDocument {
	open := *d
	open.ValidTo = ValidToInfinity
	return &open
}

// Identifier returns the committed version this document belongs to. The
// commit timestamp of a version is the validFrom of its index documents.
func (d *IndexDocument) Identifier() LogicalIdentifier {
	return LogicalIdentifier{
		Branch:    d.Branch,
		Keyspace:  d.Keyspace,
		Key:       d.Key,
		Timestamp: d.ValidFrom,
	}
}

func (d *IndexDocument) String() string {
	return fmt.Sprintf("%s/%s/%s %s=%s [%d, %d)",
		d.Branch, d.Keyspace, d.Key, d.IndexName, d.Value.String(), d.ValidFrom, d.ValidTo)
}
