package timefork

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/timefork/timefork/timefork_errors"
	"github.com/timefork/timefork/utils"
)

var BackendQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "timefork",
	Subsystem: "backend",
	Name:      "queries",
}, []string{"branch"})

var BackendQueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "timefork",
	Subsystem: "backend",
	Name:      "query_duration",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
}, []string{"branch"})

var BackendMutations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "timefork",
	Subsystem: "backend",
	Name:      "mutations",
}, []string{"op"})

// Pebble key prefixes: 'B' branch table, 'D' index documents, 'R' indexer
// registry, 'F' per-index dirty flags. Identifier fields inside keys are
// NUL-delimited; document validation forbids NUL bytes in them.
func docKey(branch, keyspace, key, indexName string, validFrom uint64) []byte {
	k := make([]byte, 0, 5+len(branch)+len(keyspace)+len(key)+len(indexName)+8)
	k = append(k, 'D')
	k = append(k, branch...)
	k = append(k, 0)
	k = append(k, keyspace...)
	k = append(k, 0)
	k = append(k, key...)
	k = append(k, 0)
	k = append(k, indexName...)
	k = append(k, 0)
	k = binary.BigEndian.AppendUint64(k, validFrom)
	return k
}

type docTuple struct {
	Branch    string
	Keyspace  string
	Key       string
	IndexName string
	ValidFrom uint64
}

func parseDocKey(k []byte) (docTuple, bool) {
	var t docTuple
	if len(k) < 14 || k[0] != 'D' {
		return t, false
	}
	body := k[1 : len(k)-8]
	parts := bytes.Split(body, []byte{0})
	if len(parts) != 5 || len(parts[4]) != 0 {
		return t, false
	}
	t.Branch = string(parts[0])
	t.Keyspace = string(parts[1])
	t.Key = string(parts[2])
	t.IndexName = string(parts[3])
	t.ValidFrom = binary.BigEndian.Uint64(k[len(k)-8:])
	return t, true
}

// prefixBounds returns iterator bounds for all keys sharing the given
// NUL-terminated prefix.
func prefixBounds(prefix []byte) (lower, upper []byte) {
	lower = prefix
	upper = make([]byte, len(prefix))
	copy(upper, prefix)
	upper[len(upper)-1] = 1
	return
}

func branchBounds(branch string) ([]byte, []byte) {
	return prefixBounds(append(append([]byte{'D'}, branch...), 0))
}

func keyBounds(branch, keyspace, key string) ([]byte, []byte) {
	p := append(append([]byte{'D'}, branch...), 0)
	p = append(append(p, keyspace...), 0)
	p = append(append(p, key...), 0)
	return prefixBounds(p)
}

func indexerKey(index, id string) []byte {
	k := append(append([]byte{'R'}, index...), 0)
	return append(k, id...)
}

func dirtyKey(index string) []byte {
	return append([]byte{'F'}, index...)
}

// IndexerDefinition is a declarative indexer record: which index it
// populates and what kind of extractor fills it. Behavior lives with the
// caller; only the definition is persisted.
type IndexerDefinition struct {
	ID    string
	Index string
	Kind  string
}

func (d IndexerDefinition) tlv() []byte {
	return toytlv.Concat(
		toytlv.Record('I', []byte(d.ID)),
		toytlv.Record('X', []byte(d.Index)),
		toytlv.Record('K', []byte(d.Kind)),
	)
}

func parseIndexerDefinition(tlv []byte) (IndexerDefinition, error) {
	id, rest, err := toytlv.TakeWary('I', tlv)
	if err != nil {
		return IndexerDefinition{}, corrupt("bad indexer id: %s", err)
	}
	index, rest, err := toytlv.TakeWary('X', rest)
	if err != nil {
		return IndexerDefinition{}, corrupt("bad indexer index name: %s", err)
	}
	kind, _, err := toytlv.TakeWary('K', rest)
	if err != nil {
		return IndexerDefinition{}, corrupt("bad indexer kind: %s", err)
	}
	return IndexerDefinition{ID: string(id), Index: string(index), Kind: string(kind)}, nil
}

// DocumentTermination closes an open validity interval at ValidTo.
type DocumentTermination struct {
	Document *IndexDocument
	ValidTo  uint64
}

// IndexModifications is one atomic batch of index mutations: either the
// whole batch lands or none of it does.
type IndexModifications struct {
	Additions    []*IndexDocument
	Terminations []DocumentTermination
	Deletions    []*IndexDocument
}

func (m *IndexModifications) Empty() bool {
	return len(m.Additions) == 0 && len(m.Terminations) == 0 && len(m.Deletions) == 0
}

// Backend is the index manager backend: indexer registry, dirty-state
// tracking, atomic mutation application, time-travel rollback and
// branch-recursive point-in-time matching, all over one pebble store.
//
// Mutations take the write lock and reads the read lock, so a reader sees
// either the pre- or post-batch state, never a half-applied one. Reads run
// on a pebble snapshot on top of that.
type Backend struct {
	db       *pebble.DB
	opts     *Options
	log      utils.Logger
	lock     sync.RWMutex
	branches *branchRegistry
	docCache *lru.Cache[uint64, *IndexDocument]
}

func NewBackend(db *pebble.DB, opts *Options) *Backend {
	b := &Backend{
		db:       db,
		opts:     opts,
		log:      opts.Logger,
		branches: newBranchRegistry(db, opts.PebbleWriteOptions),
	}
	if opts.CacheEnabled {
		size := opts.CacheMaxSize
		if size <= 0 {
			size = 100_000
		}
		b.docCache, _ = lru.New[uint64, *IndexDocument](size)
	}
	return b
}

func storage(err error) error {
	return errors.Join(timefork_errors.ErrStorage, err)
}

// decodeDoc turns a stored TLV value into a document, through the
// content-addressed entry cache when enabled. Safe for transient iterator
// buffers: the hash is taken before the buffer is released and decoded
// documents own their strings.
func (b *Backend) decodeDoc(value []byte) (*IndexDocument, error) {
	var h uint64
	if b.docCache != nil {
		h = xxhash.Sum64(value)
		if doc, ok := b.docCache.Get(h); ok {
			return doc, nil
		}
	}
	rec, err := ParseFieldRecord(value)
	if err != nil {
		return nil, err
	}
	doc, err := DecodeDocument(rec)
	if err != nil {
		return nil, err
	}
	if b.docCache != nil {
		b.docCache.Add(h, doc)
	}
	return doc, nil
}

// ---------------------------------------------------------------- registry

func (b *Backend) LoadIndexers() (map[string][]IndexerDefinition, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'R'},
		UpperBound: []byte{'S'},
	})
	if err != nil {
		return nil, storage(err)
	}
	defer iter.Close()
	ret := make(map[string][]IndexerDefinition)
	for valid := iter.First(); valid; valid = iter.Next() {
		def, err := parseIndexerDefinition(iter.Value())
		if err != nil {
			return nil, err
		}
		ret[def.Index] = append(ret[def.Index], def)
	}
	if err := iter.Error(); err != nil {
		return nil, storage(err)
	}
	return ret, nil
}

func (b *Backend) PersistIndexer(def IndexerDefinition) (IndexerDefinition, error) {
	if def.Index == "" || def.Kind == "" {
		return def, errors.Join(timefork_errors.ErrBadIndexer,
			fmt.Errorf("definition needs an index name and a kind"))
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	if err := b.db.Set(indexerKey(def.Index, def.ID), def.tlv(), b.opts.PebbleWriteOptions); err != nil {
		return def, storage(err)
	}
	return def, nil
}

// PersistIndexers replaces the whole registry atomically.
func (b *Backend) PersistIndexers(indexers map[string][]IndexerDefinition) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange([]byte{'R'}, []byte{'S'}, b.opts.PebbleWriteOptions); err != nil {
		return storage(err)
	}
	for index, defs := range indexers {
		for _, def := range defs {
			if def.ID == "" {
				def.ID = uuid.NewString()
			}
			def.Index = index
			if err := batch.Set(indexerKey(index, def.ID), def.tlv(), b.opts.PebbleWriteOptions); err != nil {
				return storage(err)
			}
		}
	}
	if err := b.db.Apply(batch, b.opts.PebbleWriteOptions); err != nil {
		return storage(err)
	}
	return nil
}

// deleteIndexDocuments stages deletion of every document of one index into
// the batch. Documents are keyed branch-first, so this walks all branches.
func (b *Backend) deleteIndexDocuments(batch *pebble.Batch, index string) error {
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'D'},
		UpperBound: []byte{'E'},
	})
	if err != nil {
		return storage(err)
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		t, ok := parseDocKey(iter.Key())
		if !ok {
			return corrupt("unparsable document key %q", iter.Key())
		}
		if t.IndexName != index {
			continue
		}
		if err := batch.Delete(iter.Key(), b.opts.PebbleWriteOptions); err != nil {
			return storage(err)
		}
	}
	return storage0(iter.Error())
}

func storage0(err error) error {
	if err == nil {
		return nil
	}
	return storage(err)
}

// DeleteIndexAndIndexers drops one index: its documents, its indexer
// definitions and its dirty flag.
func (b *Backend) DeleteIndexAndIndexers(index string) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	batch := b.db.NewBatch()
	defer batch.Close()
	lower, upper := prefixBounds(append(append([]byte{'R'}, index...), 0))
	if err := batch.DeleteRange(lower, upper, b.opts.PebbleWriteOptions); err != nil {
		return storage(err)
	}
	if err := batch.Delete(dirtyKey(index), b.opts.PebbleWriteOptions); err != nil {
		return storage(err)
	}
	if err := b.deleteIndexDocuments(batch, index); err != nil {
		return err
	}
	if err := b.db.Apply(batch, b.opts.PebbleWriteOptions); err != nil {
		return storage(err)
	}
	BackendMutations.WithLabelValues("delete_index").Inc()
	return nil
}

// DeleteAllIndices drops every document, indexer definition and dirty flag.
func (b *Backend) DeleteAllIndices() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	batch := b.db.NewBatch()
	defer batch.Close()
	for _, bounds := range [][2]byte{{'D', 'E'}, {'F', 'G'}, {'R', 'S'}} {
		if err := batch.DeleteRange([]byte{bounds[0]}, []byte{bounds[1]}, b.opts.PebbleWriteOptions); err != nil {
			return storage(err)
		}
	}
	if err := b.db.Apply(batch, b.opts.PebbleWriteOptions); err != nil {
		return storage(err)
	}
	BackendMutations.WithLabelValues("delete_all").Inc()
	return nil
}

// DeleteIndexContents clears an index's documents but keeps its indexer
// definitions, for a rebuild after reconfiguration.
func (b *Backend) DeleteIndexContents(index string) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	batch := b.db.NewBatch()
	defer batch.Close()
	if err := b.deleteIndexDocuments(batch, index); err != nil {
		return err
	}
	if err := b.db.Apply(batch, b.opts.PebbleWriteOptions); err != nil {
		return storage(err)
	}
	BackendMutations.WithLabelValues("clear_index").Inc()
	return nil
}

// ------------------------------------------------------------- dirty flags

func (b *Backend) LoadIndexStates() (map[string]bool, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'F'},
		UpperBound: []byte{'G'},
	})
	if err != nil {
		return nil, storage(err)
	}
	defer iter.Close()
	ret := make(map[string]bool)
	for valid := iter.First(); valid; valid = iter.Next() {
		v := iter.Value()
		ret[string(iter.Key()[1:])] = len(v) == 1 && v[0] == 1
	}
	if err := iter.Error(); err != nil {
		return nil, storage(err)
	}
	return ret, nil
}

func (b *Backend) PersistIndexDirtyStates(states map[string]bool) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	batch := b.db.NewBatch()
	defer batch.Close()
	for index, dirty := range states {
		v := []byte{0}
		if dirty {
			v[0] = 1
		}
		if err := batch.Set(dirtyKey(index), v, b.opts.PebbleWriteOptions); err != nil {
			return storage(err)
		}
	}
	if err := b.db.Apply(batch, b.opts.PebbleWriteOptions); err != nil {
		return storage(err)
	}
	return nil
}

func (b *Backend) SetIndexDirty(index string, dirty bool) error {
	return b.PersistIndexDirtyStates(map[string]bool{index: dirty})
}

// ---------------------------------------------------------------- mutation

// ApplyModifications applies one batch atomically. On any failure the
// store keeps its prior state; no partial application is observable.
func (b *Backend) ApplyModifications(mods IndexModifications) error {
	if mods.Empty() {
		return nil
	}
	for _, doc := range mods.Additions {
		if err := doc.Validate(); err != nil {
			return err
		}
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	batch := b.db.NewBatch()
	defer batch.Close()
	staged := make(map[string]struct{}, len(mods.Additions))
	for _, doc := range mods.Additions {
		key := docKey(doc.Branch, doc.Keyspace, doc.Key, doc.IndexName, doc.ValidFrom)
		if _, ok := staged[string(key)]; ok {
			return errors.Join(timefork_errors.ErrDocumentExists, fmt.Errorf("document %s staged twice", doc))
		}
		staged[string(key)] = struct{}{}
		_, closer, err := b.db.Get(key)
		if err == nil {
			closer.Close()
			return errors.Join(timefork_errors.ErrDocumentExists, fmt.Errorf("document %s", doc))
		}
		if err != pebble.ErrNotFound {
			return storage(err)
		}
		rec, err := EncodeDocument(doc)
		if err != nil {
			return err
		}
		if err := batch.Set(key, rec.Tlv(), b.opts.PebbleWriteOptions); err != nil {
			return storage(err)
		}
	}
	for _, term := range mods.Terminations {
		doc := term.Document
		key := docKey(doc.Branch, doc.Keyspace, doc.Key, doc.IndexName, doc.ValidFrom)
		cur, err := b.getDoc(key)
		if err != nil {
			return err
		}
		closed, err := cur.ClosedAt(term.ValidTo)
		if err != nil {
			return err
		}
		rec, err := EncodeDocument(closed)
		if err != nil {
			return err
		}
		if err := batch.Set(key, rec.Tlv(), b.opts.PebbleWriteOptions); err != nil {
			return storage(err)
		}
	}
	for _, doc := range mods.Deletions {
		key := docKey(doc.Branch, doc.Keyspace, doc.Key, doc.IndexName, doc.ValidFrom)
		if err := batch.Delete(key, b.opts.PebbleWriteOptions); err != nil {
			return storage(err)
		}
	}
	if err := b.db.Apply(batch, b.opts.PebbleWriteOptions); err != nil {
		return storage(err)
	}
	BackendMutations.WithLabelValues("apply").Inc()
	return nil
}

func (b *Backend) getDoc(key []byte) (*IndexDocument, error) {
	value, closer, err := b.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, errors.Join(timefork_errors.ErrDocumentUnknown, fmt.Errorf("key %q", key))
	}
	if err != nil {
		return nil, storage(err)
	}
	defer closer.Close()
	return b.decodeDoc(value)
}

// ---------------------------------------------------------------- rollback

// Rollback discards every document of the given branches whose validFrom is
// past the timestamp and re-opens documents that were closed past it, so
// the index again describes the state visible at the timestamp.
func (b *Backend) Rollback(branches []string, timestamp uint64) error {
	return b.rollback(branches, timestamp, nil)
}

// RollbackKeys is Rollback restricted to the given (keyspace, key) pairs.
func (b *Backend) RollbackKeys(branches []string, timestamp uint64, keys []QualifiedKey) error {
	if len(keys) == 0 {
		return nil
	}
	return b.rollback(branches, timestamp, keys)
}

func (b *Backend) rollback(branches []string, timestamp uint64, keys []QualifiedKey) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	batch := b.db.NewBatch()
	defer batch.Close()
	for _, branch := range branches {
		if _, ok := b.branches.get(branch); !ok {
			return errors.Join(timefork_errors.ErrBranchUnknown, fmt.Errorf("branch %q", branch))
		}
		if keys == nil {
			lower, upper := branchBounds(branch)
			if err := b.rollbackRange(batch, lower, upper, timestamp); err != nil {
				return err
			}
			continue
		}
		for _, qk := range keys {
			lower, upper := keyBounds(branch, qk.Keyspace, qk.Key)
			if err := b.rollbackRange(batch, lower, upper, timestamp); err != nil {
				return err
			}
		}
	}
	if err := b.db.Apply(batch, b.opts.PebbleWriteOptions); err != nil {
		return storage(err)
	}
	BackendMutations.WithLabelValues("rollback").Inc()
	return nil
}

func (b *Backend) rollbackRange(batch *pebble.Batch, lower, upper []byte, timestamp uint64) error {
	iter, err := b.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return storage(err)
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		t, ok := parseDocKey(iter.Key())
		if !ok {
			return corrupt("unparsable document key %q", iter.Key())
		}
		if t.ValidFrom > timestamp {
			if err := batch.Delete(iter.Key(), b.opts.PebbleWriteOptions); err != nil {
				return storage(err)
			}
			continue
		}
		doc, err := b.decodeDoc(iter.Value())
		if err != nil {
			return err
		}
		if !doc.Open() && doc.ValidTo > timestamp {
			rec, err := EncodeDocument(doc.Reopened())
			if err != nil {
				return err
			}
			if err := batch.Set(iter.Key(), rec.Tlv(), b.opts.PebbleWriteOptions); err != nil {
				return storage(err)
			}
		}
	}
	return storage0(iter.Error())
}

// ---------------------------------------------------------------- querying

type shadowKey struct {
	Keyspace  string
	Key       string
	IndexName string
}

// GetMatchingDocuments returns every document of the branch whose validity
// interval contains the timestamp and whose value satisfies the spec, plus
// qualifying documents inherited from the origin chain. Inherited entries
// are resolved at min(timestamp, fork point) of each hop, and an entry
// present in a nearer branch shadows the inherited one, matching or not.
func (b *Backend) GetMatchingDocuments(ctx context.Context, timestamp uint64, branch string, spec SearchSpec) ([]*IndexDocument, error) {
	start := time.Now()
	BackendQueries.WithLabelValues(branch).Inc()
	defer func() {
		BackendQueryDuration.WithLabelValues(branch).Observe(time.Since(start).Seconds())
	}()

	b.lock.RLock()
	defer b.lock.RUnlock()
	snap := b.db.NewSnapshot()
	defer snap.Close()

	shadowed := make(map[shadowKey]bool)
	results := make([]*IndexDocument, 0)
	cur, ts := branch, timestamp
	for {
		br, ok := b.branches.get(cur)
		if !ok {
			return nil, errors.Join(timefork_errors.ErrBranchUnknown, fmt.Errorf("branch %q", cur))
		}
		matches, err := b.scanBranch(ctx, snap, cur, ts, spec, shadowed)
		if err != nil {
			return nil, err
		}
		results = append(results, matches...)
		if br.Root() {
			return results, nil
		}
		if br.Creation < ts {
			ts = br.Creation
		}
		cur = br.Origin
	}
}

func (b *Backend) scanBranch(ctx context.Context, snap *pebble.Snapshot, branch string, ts uint64, spec SearchSpec, shadowed map[shadowKey]bool) ([]*IndexDocument, error) {
	lower, upper := branchBounds(branch)
	iter, err := snap.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, storage(err)
	}
	defer iter.Close()
	var matches []*IndexDocument
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, ok := parseDocKey(iter.Key())
		if !ok {
			return nil, corrupt("unparsable document key %q", iter.Key())
		}
		if t.IndexName != spec.Index {
			continue
		}
		sk := shadowKey{Keyspace: t.Keyspace, Key: t.Key, IndexName: t.IndexName}
		if shadowed[sk] {
			continue
		}
		doc, err := b.decodeDoc(iter.Value())
		if err != nil {
			return nil, err
		}
		if !doc.ValidAt(ts) {
			continue
		}
		// any entry valid here supersedes inherited ones, matching or not
		shadowed[sk] = true
		if spec.Matches(doc.Value) {
			matches = append(matches, doc)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, storage(err)
	}
	return matches, nil
}

// GetMatchingBranchLocalDocuments reconstructs, for one committed version,
// the index facts it satisfies on its own branch: index name to indexed
// value representation to document. No origin-chain recursion.
func (b *Backend) GetMatchingBranchLocalDocuments(ctx context.Context, id LogicalIdentifier) (map[string]map[string]*IndexDocument, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	snap := b.db.NewSnapshot()
	defer snap.Close()

	lower, upper := keyBounds(id.Branch, id.Keyspace, id.Key)
	iter, err := snap.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, storage(err)
	}
	defer iter.Close()
	ret := make(map[string]map[string]*IndexDocument)
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := b.decodeDoc(iter.Value())
		if err != nil {
			return nil, err
		}
		if !doc.ValidAt(id.Timestamp) {
			continue
		}
		byValue, ok := ret[doc.IndexName]
		if !ok {
			byValue = make(map[string]*IndexDocument)
			ret[doc.IndexName] = byValue
		}
		byValue[doc.Value.String()] = doc
	}
	if err := iter.Error(); err != nil {
		return nil, storage(err)
	}
	return ret, nil
}
