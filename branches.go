package timefork

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/timefork/timefork/timefork_errors"
)

// Branch is a line of history. Every branch except the root forks off an
// origin at a creation timestamp; a branch never sees origin changes made
// after that point. Origins are created strictly before their children, so
// the origin chain is finite and acyclic.
type Branch struct {
	Name     string
	Origin   string // empty for the root branch
	Creation uint64
}

func (b Branch) Root() bool {
	return b.Origin == ""
}

func branchKey(name string) []byte {
	return append([]byte{'B'}, name...)
}

func (b Branch) tlv() []byte {
	var at [8]byte
	binary.BigEndian.PutUint64(at[:], b.Creation)
	return toytlv.Concat(
		toytlv.Record('O', []byte(b.Origin)),
		toytlv.Record('T', at[:]),
	)
}

func parseBranch(key, value []byte) (Branch, error) {
	b := Branch{Name: string(key[1:])}
	origin, rest, err := toytlv.TakeWary('O', value)
	if err != nil {
		return Branch{}, errors.Join(timefork_errors.ErrCorruptDocument, fmt.Errorf("branch %q: %s", b.Name, err))
	}
	at, _, err := toytlv.TakeWary('T', rest)
	if err != nil || len(at) != 8 {
		return Branch{}, errors.Join(timefork_errors.ErrCorruptDocument, fmt.Errorf("branch %q: bad creation stamp", b.Name))
	}
	b.Origin = string(origin)
	b.Creation = binary.BigEndian.Uint64(at)
	return b, nil
}

// branchRegistry keeps the origin chain as a lookup table keyed by branch
// name, persisted under the 'B' key prefix and mirrored in memory.
type branchRegistry struct {
	db    *pebble.DB
	wo    *pebble.WriteOptions
	table *xsync.MapOf[string, Branch]
}

func newBranchRegistry(db *pebble.DB, wo *pebble.WriteOptions) *branchRegistry {
	return &branchRegistry{
		db:    db,
		wo:    wo,
		table: xsync.NewMapOf[string, Branch](),
	}
}

// load reads the persisted branch table and makes sure the root exists.
func (r *branchRegistry) load() error {
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'B'},
		UpperBound: []byte{'C'},
	})
	if err != nil {
		return errors.Join(timefork_errors.ErrStorage, err)
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		b, err := parseBranch(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		r.table.Store(b.Name, b)
	}
	if _, ok := r.table.Load(MainBranch); !ok {
		root := Branch{Name: MainBranch}
		if err := r.db.Set(branchKey(MainBranch), root.tlv(), r.wo); err != nil {
			return errors.Join(timefork_errors.ErrStorage, err)
		}
		r.table.Store(MainBranch, root)
	}
	return nil
}

func (r *branchRegistry) get(name string) (Branch, bool) {
	return r.table.Load(name)
}

func (r *branchRegistry) all() []Branch {
	ret := make([]Branch, 0)
	r.table.Range(func(_ string, b Branch) bool {
		ret = append(ret, b)
		return true
	})
	return ret
}

// create forks a new branch off origin at the given timestamp.
func (r *branchRegistry) create(name, origin string, at uint64) (Branch, error) {
	if err := checkName("branch", name); err != nil {
		return Branch{}, err
	}
	if _, ok := r.table.Load(name); ok {
		return Branch{}, errors.Join(timefork_errors.ErrBranchExists, fmt.Errorf("branch %q", name))
	}
	ob, ok := r.table.Load(origin)
	if !ok {
		return Branch{}, errors.Join(timefork_errors.ErrBranchUnknown, fmt.Errorf("origin %q", origin))
	}
	if !ob.Root() && at <= ob.Creation {
		return Branch{}, errors.Join(timefork_errors.ErrBadDocument,
			fmt.Errorf("branch %q forked at %d, before its origin %q existed", name, at, origin))
	}
	b := Branch{Name: name, Origin: origin, Creation: at}
	if err := r.db.Set(branchKey(name), b.tlv(), r.wo); err != nil {
		return Branch{}, errors.Join(timefork_errors.ErrStorage, err)
	}
	r.table.Store(name, b)
	return b, nil
}
