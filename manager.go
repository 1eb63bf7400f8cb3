package timefork

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	pkgerrors "github.com/pkg/errors"
	"github.com/timefork/timefork/timefork_errors"
	"github.com/timefork/timefork/utils"
)

// IndexManager composes the query-result cache in front of the backend and
// carries the cache-coherence obligation: every successful mutation clears
// the cache.
type IndexManager struct {
	db       *pebble.DB
	dir      string
	opts     Options
	log      utils.Logger
	backend  *Backend
	cache    *QueryCache // nil when disabled
	rebuilds utils.CMap[string, *sync.Mutex]
	closed   atomic.Bool
}

func Open(dir string, opts Options) (*IndexManager, error) {
	opts.SetDefaults()
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "timefork: open index store")
	}
	backend := NewBackend(db, &opts)
	if err := backend.branches.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	m := &IndexManager{
		db:      db,
		dir:     dir,
		opts:    opts,
		log:     opts.Logger,
		backend: backend,
	}
	if opts.QueryCacheEnabled {
		m.cache = NewQueryCache(opts.QueryCacheMaxSize, opts.QueryCacheStatistics)
	}
	m.log.Debug("index store open", "dir", dir)
	return m, nil
}

func (m *IndexManager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return m.db.Close()
}

// Backend exposes the raw backend for the commit-path collaborator.
func (m *IndexManager) Backend() *Backend {
	return m.backend
}

func (m *IndexManager) QueryCache() *QueryCache {
	return m.cache
}

func (m *IndexManager) guard() error {
	if m.closed.Load() {
		return timefork_errors.ErrClosed
	}
	return nil
}

func (m *IndexManager) CreateBranch(name, origin string, at uint64) (Branch, error) {
	if err := m.guard(); err != nil {
		return Branch{}, err
	}
	return m.backend.branches.create(name, origin, at)
}

func (m *IndexManager) Branches() []Branch {
	return m.backend.branches.all()
}

// Query resolves the spec at the timestamp on the branch, through the
// query-result cache when one is configured, and normalizes matches to the
// set of logical identifiers. A dirty index cannot be trusted and is
// refused outright.
func (m *IndexManager) Query(ctx context.Context, timestamp uint64, branch string, spec SearchSpec) (IdentifierSet, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	states, err := m.backend.LoadIndexStates()
	if err != nil {
		return nil, err
	}
	if states[spec.Index] {
		return nil, errors.Join(timefork_errors.ErrIndexDirty, fmt.Errorf("index %q", spec.Index))
	}
	compute := func() (IdentifierSet, error) {
		docs, err := m.backend.GetMatchingDocuments(ctx, timestamp, branch, spec)
		if err != nil {
			return nil, err
		}
		set := make(IdentifierSet, len(docs))
		for _, doc := range docs {
			set[doc.Identifier()] = struct{}{}
		}
		return set, nil
	}
	if m.cache == nil {
		return compute()
	}
	return m.cache.GetOrCompute(timestamp, branch, spec, compute)
}

func (m *IndexManager) clearCache() {
	if m.cache != nil {
		m.cache.Clear()
	}
}

// ApplyModifications applies the batch and clears the query cache on
// success; cached open-ended results do not survive a mutation.
func (m *IndexManager) ApplyModifications(mods IndexModifications) error {
	if err := m.guard(); err != nil {
		return err
	}
	if err := m.backend.ApplyModifications(mods); err != nil {
		return err
	}
	m.clearCache()
	return nil
}

func (m *IndexManager) Rollback(branches []string, timestamp uint64) error {
	if err := m.guard(); err != nil {
		return err
	}
	if err := m.backend.Rollback(branches, timestamp); err != nil {
		return err
	}
	m.clearCache()
	return nil
}

func (m *IndexManager) RollbackKeys(branches []string, timestamp uint64, keys []QualifiedKey) error {
	if err := m.guard(); err != nil {
		return err
	}
	if err := m.backend.RollbackKeys(branches, timestamp, keys); err != nil {
		return err
	}
	m.clearCache()
	return nil
}

// RegisterIndexer persists the definition and marks its index dirty:
// already-committed data is not reflected until the index is rebuilt.
func (m *IndexManager) RegisterIndexer(def IndexerDefinition) (IndexerDefinition, error) {
	if err := m.guard(); err != nil {
		return def, err
	}
	def, err := m.backend.PersistIndexer(def)
	if err != nil {
		return def, err
	}
	if err := m.backend.SetIndexDirty(def.Index, true); err != nil {
		return def, err
	}
	m.log.Info("indexer registered, index needs a rebuild", "index", def.Index, "kind", def.Kind)
	return def, nil
}

func (m *IndexManager) DirtyIndices() (map[string]bool, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	return m.backend.LoadIndexStates()
}

func (m *IndexManager) DeleteIndex(index string) error {
	if err := m.guard(); err != nil {
		return err
	}
	if err := m.backend.DeleteIndexAndIndexers(index); err != nil {
		return err
	}
	m.clearCache()
	return nil
}

func (m *IndexManager) DeleteAllIndices() error {
	if err := m.guard(); err != nil {
		return err
	}
	if err := m.backend.DeleteAllIndices(); err != nil {
		return err
	}
	m.clearCache()
	return nil
}

// RebuildIndex replaces an index's contents with documents produced by the
// caller from committed data, then clears the dirty flag. One rebuild per
// index at a time; concurrent rebuilds of distinct indices may proceed.
func (m *IndexManager) RebuildIndex(ctx context.Context, index string, docs []*IndexDocument) error {
	if err := m.guard(); err != nil {
		return err
	}
	lock, _ := m.rebuilds.LoadOrStore(index, &sync.Mutex{})
	lock.Lock()
	defer lock.Unlock()
	ctx = m.log.WithDefaultArgs(ctx, "index", index, "process", "rebuild")
	for _, doc := range docs {
		if doc.IndexName != index {
			return errors.Join(timefork_errors.ErrBadDocument,
				fmt.Errorf("document %s does not belong to index %q", doc, index))
		}
	}
	if err := m.backend.DeleteIndexContents(index); err != nil {
		m.log.ErrorCtx(ctx, "failed to clear index contents", "err", err)
		return err
	}
	if err := m.backend.ApplyModifications(IndexModifications{Additions: docs}); err != nil {
		m.log.ErrorCtx(ctx, "failed to repopulate index", "err", err)
		return err
	}
	if err := m.backend.SetIndexDirty(index, false); err != nil {
		return err
	}
	m.clearCache()
	m.log.InfoCtx(ctx, "index rebuilt", "documents", len(docs))
	return nil
}
