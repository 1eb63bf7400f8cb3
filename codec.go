package timefork

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/learn-decentralized-systems/toytlv"
	"github.com/timefork/timefork/timefork_errors"
)

// Field names of the flat document record, shared with any pluggable
// physical store (search engine, column store, the pebble backend here).
const (
	FieldID                 = "id"
	FieldBranch             = "branch"
	FieldKeyspace           = "keyspace"
	FieldKey                = "key"
	FieldIndexName          = "indexName"
	FieldIndexedValue       = "indexedValue"
	FieldIndexedValueCI     = "indexedValueCI"
	FieldIndexedValueLong   = "indexedValueLong"
	FieldIndexedValueDouble = "indexedValueDouble"
	FieldValidFrom          = "validFrom"
	FieldValidTo            = "validTo"
)

type FieldKind byte

const (
	TextField   FieldKind = 'S'
	LongField   FieldKind = 'L'
	DoubleField FieldKind = 'D'
)

// FieldValue carries the lexical representation of a field next to its
// declared kind. Some physical stores only hand back the lexical form of
// numeric fields, so decoding always parses from Raw.
type FieldValue struct {
	Kind FieldKind
	Raw  string
}

// FieldRecord is the flat, typed form of an IndexDocument.
type FieldRecord map[string]FieldValue

func textField(s string) FieldValue {
	return FieldValue{Kind: TextField, Raw: s}
}

func longField(v uint64) FieldValue {
	return FieldValue{Kind: LongField, Raw: strconv.FormatUint(v, 10)}
}

// EncodeDocument flattens a document. Exactly one of the three value fields
// is populated; the CI twin accompanies text values only.
func EncodeDocument(d *IndexDocument) (FieldRecord, error) {
	rec := FieldRecord{
		FieldID:        textField(d.ID),
		FieldBranch:    textField(d.Branch),
		FieldKeyspace:  textField(d.Keyspace),
		FieldKey:       textField(d.Key),
		FieldIndexName: textField(d.IndexName),
		FieldValidFrom: longField(d.ValidFrom),
		FieldValidTo:   longField(d.ValidTo),
	}
	switch d.Value.Kind {
	case ValueText:
		rec[FieldIndexedValue] = textField(d.Value.Text)
		rec[FieldIndexedValueCI] = textField(strings.ToLower(d.Value.Text))
	case ValueLong:
		rec[FieldIndexedValueLong] = FieldValue{Kind: LongField, Raw: strconv.FormatInt(d.Value.Long, 10)}
	case ValueDouble:
		rec[FieldIndexedValueDouble] = FieldValue{Kind: DoubleField, Raw: strconv.FormatFloat(d.Value.Double, 'g', -1, 64)}
	default:
		return nil, errors.Join(timefork_errors.ErrBadDocument, fmt.Errorf("unknown value kind %q", d.Value.Kind))
	}
	return rec, nil
}

func corrupt(format string, args ...any) error {
	return errors.Join(timefork_errors.ErrCorruptDocument, fmt.Errorf(format, args...))
}

func (rec FieldRecord) text(name string) string {
	return rec[name].Raw
}

func (rec FieldRecord) long(name string) (uint64, error) {
	fv, ok := rec[name]
	if !ok {
		return 0, corrupt("missing field %q", name)
	}
	v, err := strconv.ParseUint(fv.Raw, 10, 64)
	if err != nil {
		return 0, corrupt("field %q: %s", name, err)
	}
	return v, nil
}

// decodeValue probes the three value fields in order text, long, double.
// Numerics are parsed from their stored lexical form.
func (rec FieldRecord) decodeValue() (IndexedValue, error) {
	if fv, ok := rec[FieldIndexedValue]; ok {
		return TextValue(fv.Raw), nil
	}
	if fv, ok := rec[FieldIndexedValueLong]; ok {
		v, err := strconv.ParseInt(fv.Raw, 10, 64)
		if err != nil {
			return IndexedValue{}, corrupt("field %q: %s", FieldIndexedValueLong, err)
		}
		return LongValue(v), nil
	}
	if fv, ok := rec[FieldIndexedValueDouble]; ok {
		v, err := strconv.ParseFloat(fv.Raw, 64)
		if err != nil {
			return IndexedValue{}, corrupt("field %q: %s", FieldIndexedValueDouble, err)
		}
		return DoubleValue(v), nil
	}
	return IndexedValue{}, corrupt("no indexed value field populated")
}

// DecodeDocument rebuilds a document from its flat record. A record with no
// recognizable value field is corrupt. A record without a branch field
// predates branch support and belongs to MainBranch.
func DecodeDocument(rec FieldRecord) (*IndexDocument, error) {
	value, err := rec.decodeValue()
	if err != nil {
		return nil, err
	}
	branch := rec.text(FieldBranch)
	if branch == "" {
		branch = MainBranch
	}
	validFrom, err := rec.long(FieldValidFrom)
	if err != nil {
		return nil, err
	}
	validTo, err := rec.long(FieldValidTo)
	if err != nil {
		return nil, err
	}
	doc := &IndexDocument{
		ID:        rec.text(FieldID),
		IndexName: rec.text(FieldIndexName),
		Branch:    branch,
		Keyspace:  rec.text(FieldKeyspace),
		Key:       rec.text(FieldKey),
		Value:     value,
		ValidFrom: validFrom,
		ValidTo:   validTo,
	}
	if err := doc.Validate(); err != nil {
		return nil, errors.Join(timefork_errors.ErrCorruptDocument, err)
	}
	return doc, nil
}

// Tlv serializes the record as a sequence of F records, each holding the
// field name (N), kind (K) and lexical value (V). Field order is sorted so
// equal records serialize identically.
func (rec FieldRecord) Tlv() []byte {
	names := make([]string, 0, len(rec))
	for name := range rec {
		names = append(names, name)
	}
	sort.Strings(names)
	var ret []byte
	for _, name := range names {
		fv := rec[name]
		ret = append(ret, toytlv.Record('F',
			toytlv.Record('N', []byte(name)),
			toytlv.Record('K', []byte{byte(fv.Kind)}),
			toytlv.Record('V', []byte(fv.Raw)),
		)...)
	}
	return ret
}

// ParseFieldRecord is the inverse of Tlv.
func ParseFieldRecord(tlv []byte) (FieldRecord, error) {
	rec := FieldRecord{}
	rest := tlv
	for len(rest) > 0 {
		body, r, err := toytlv.TakeWary('F', rest)
		if err != nil {
			return nil, corrupt("bad field framing: %s", err)
		}
		rest = r
		name, body, err := toytlv.TakeWary('N', body)
		if err != nil {
			return nil, corrupt("bad field name: %s", err)
		}
		kind, body, err := toytlv.TakeWary('K', body)
		if err != nil || len(kind) != 1 {
			return nil, corrupt("bad field kind for %q", name)
		}
		value, _, err := toytlv.TakeWary('V', body)
		if err != nil {
			return nil, corrupt("bad field value for %q", name)
		}
		rec[string(name)] = FieldValue{Kind: FieldKind(kind[0]), Raw: string(value)}
	}
	return rec, nil
}
