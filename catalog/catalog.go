// Package catalog implements the backup-range catalog: the mapping from
// (owner NodeID, RangeID) to a backup range's bookkeeping record. Lookups
// must be wait-free for readers; insertion and removal are serialized by
// the catalog (spec.md §3).
//
// Grounded on the teacher's keydir/btree.go Item/Less ordering pattern,
// but where the teacher takes an RWMutex around every read, this package
// exploits google/btree's copy-on-write BTree.Clone: a writer clones the
// current tree (O(1), nodes shared until touched), mutates the clone, and
// publishes it with a single atomic.Pointer swap. A reader that loaded the
// old pointer keeps working against a frozen, never-mutated tree, so reads
// never take a lock and never block behind a writer.
package catalog

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cqkv/chunkstore/model"
	"github.com/google/btree"
)

var (
	ErrExists   = errors.New("catalog: range already exists")
	ErrNotFound = errors.New("catalog: range not found")
)

// State is the lifecycle state of a backup range.
type State int

const (
	Active State = iota
	Draining
)

// Entry is a backup range's catalog record.
type Entry struct {
	Owner   model.NodeID
	RangeID model.RangeID

	// Set when this range was created via init_recovered_backup_range with
	// isNew false; identifies the range whose chunks were transferred into
	// this one. A range created with isNew true leaves them zero.
	OrigOwner   model.NodeID
	OrigRangeID model.RangeID
	IsRecovered bool

	// Resources holds the range's concrete on-disk/runtime state (secondary
	// log, version store, secondary buffer, ...). Opaque to this package by
	// design: catalog only orders and gates entries, it never needs to know
	// what a range owns.
	Resources any

	state    int32 // atomic State
	inflight int32 // atomic count of in-progress writes, for drain
}

func (e *Entry) State() State {
	return State(atomic.LoadInt32(&e.state))
}

func (e *Entry) setState(s State) {
	atomic.StoreInt32(&e.state, int32(s))
}

// BeginDrain marks the range as draining: new writes are rejected from
// this point on, but existing in-flight writes are left to finish
// (spec.md §5 remove_backup_range).
func (e *Entry) BeginDrain() {
	e.setState(Draining)
}

// BeginWrite records an in-flight write against the range, rejecting it if
// the range is draining or removed.
func (e *Entry) BeginWrite() bool {
	if e.State() != Active {
		return false
	}
	atomic.AddInt32(&e.inflight, 1)
	if e.State() != Active {
		atomic.AddInt32(&e.inflight, -1)
		return false
	}
	return true
}

// EndWrite marks an in-flight write as finished.
func (e *Entry) EndWrite() {
	atomic.AddInt32(&e.inflight, -1)
}

// Inflight returns the number of in-progress writes.
func (e *Entry) Inflight() int32 {
	return atomic.LoadInt32(&e.inflight)
}

type rangeKey struct {
	owner model.NodeID
	rng   model.RangeID
}

func (k rangeKey) bytes() []byte {
	return []byte{byte(k.owner >> 8), byte(k.owner), byte(k.rng >> 8), byte(k.rng)}
}

type item struct {
	key   rangeKey
	entry *Entry
}

func (i *item) Less(than btree.Item) bool {
	return bytes.Compare(i.key.bytes(), than.(*item).key.bytes()) < 0
}

// Catalog is the backup-range catalog.
type Catalog struct {
	mu   sync.Mutex // serializes writers only
	tree atomic.Pointer[btree.BTree]
}

// New creates an empty catalog.
func New() *Catalog {
	c := &Catalog{}
	c.tree.Store(btree.New(32))
	return c
}

// Lookup is wait-free: it never takes a lock and never blocks behind a
// concurrent Insert/Remove.
func (c *Catalog) Lookup(owner model.NodeID, rng model.RangeID) (*Entry, bool) {
	tree := c.tree.Load()
	found := tree.Get(&item{key: rangeKey{owner, rng}})
	if found == nil {
		return nil, false
	}
	return found.(*item).entry, true
}

// Insert adds a new range, failing if one is already registered for the
// same (owner, rangeID).
func (c *Catalog) Insert(e *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.tree.Load()
	key := rangeKey{e.Owner, e.RangeID}
	if cur.Has(&item{key: key}) {
		return ErrExists
	}
	clone := cur.Clone()
	clone.ReplaceOrInsert(&item{key: key, entry: e})
	c.tree.Store(clone)
	return nil
}

// Remove deletes the range's catalog entry, returning it. Callers are
// responsible for draining in-flight writes and freeing on-disk state
// before calling Remove.
func (c *Catalog) Remove(owner model.NodeID, rng model.RangeID) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.tree.Load()
	key := rangeKey{owner, rng}
	removed := cur.Get(&item{key: key})
	if removed == nil {
		return nil, ErrNotFound
	}
	clone := cur.Clone()
	clone.Delete(&item{key: key})
	c.tree.Store(clone)
	return removed.(*item).entry, nil
}

// Range calls fn for every entry in ascending (owner, rangeID) order,
// stopping early if fn returns false. The iteration runs against a single
// frozen snapshot of the catalog.
func (c *Catalog) Range(fn func(*Entry) bool) {
	tree := c.tree.Load()
	tree.Ascend(func(i btree.Item) bool {
		return fn(i.(*item).entry)
	})
}

// Len returns the number of registered ranges.
func (c *Catalog) Len() int {
	return c.tree.Load().Len()
}
