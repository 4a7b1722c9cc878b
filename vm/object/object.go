// Package object implements MemoryObject and ObjectIndex (spec.md
// §3, §4.4): the per-object container of resident pages keyed by
// logical offset, with O(log n) expected point/predecessor/successor
// lookup via a parallel treap and doubly-linked list.
package object

import (
	"container/list"
	"errors"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/google/uuid"

	"github.com/vmkernel/pagecore/vm/page"
	"github.com/vmkernel/pagecore/vm/pmap"
)

// ErrOffsetCollision is returned by Insert/InsertAfter when another
// page already occupies the requested offset.
var ErrOffsetCollision = errors.New("object: offset already occupied")

// ErrPageOnQueue is returned by Replace when the outgoing page is
// still on a placement queue.
var ErrPageOnQueue = errors.New("object: outgoing page must not be queued")

// ErrNotResident is returned by Replace when no page is resident at
// the requested offset.
var ErrNotResident = errors.New("object: no page resident at offset")

// Type distinguishes the four object kinds spec.md §3 names.
type Type uint8

const (
	TypeVnode Type = iota
	TypeAnonymous
	TypePhysical
	TypeFictitious
)

// VnodeHandle is the external collaborator contract for a
// vnode-backed object's hold/drop dance (spec.md §3, §4.4).
type VnodeHandle interface {
	Hold()
	Drop()
}

// Object is a MemoryObject: the external owner of a set of resident
// pages keyed by non-negative offset. Its write lock is rank #1 in
// the lock universe (spec.md §5), taken before the address-lock
// bucket and either master queue lock.
type Object struct {
	id uuid.UUID
	mu sync.RWMutex

	Type Type

	Index *Index

	// MightBeDirty is set by the core (never cleared by it) the first
	// time a page is inserted while write-mapped.
	MightBeDirty bool

	HasMemAttr bool
	MemAttr    page.MemAttr

	Vnode     VnodeHandle
	vnodeHeld bool
}

// New creates an empty object of the given type.
func New(typ Type, vnode VnodeHandle) *Object {
	return &Object{
		id:    uuid.New(),
		Type:  typ,
		Index: NewIndex(),
		Vnode: vnode,
	}
}

// Lock and Unlock acquire/release the object's write lock.
func (o *Object) Lock()   { o.mu.Lock() }
func (o *Object) Unlock() { o.mu.Unlock() }

// RLock and RUnlock acquire/release a read lock.
func (o *Object) RLock()   { o.mu.RLock() }
func (o *Object) RUnlock() { o.mu.RUnlock() }

// TryLock and TryRLock attempt to acquire without blocking.
func (o *Object) TryLock() bool  { return o.mu.TryLock() }
func (o *Object) TryRLock() bool { return o.mu.TryRLock() }

// ObjectID satisfies page.ObjectRef with a stable, comparable
// identifier distinct from the pointer, for debug output and logging.
func (o *Object) ObjectID() uint64 {
	h := xxhash.New64()
	b := o.id[:]
	h.Write(b)
	return h.Sum64()
}

// Index is the per-object ordered container (spec.md §4.4).
type Index struct {
	root          *treapNode
	order         *list.List // ascending by offset; Value is *page.Page
	elems         map[uint64]*list.Element
	residentCount int
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{order: list.New(), elems: make(map[uint64]*list.Element)}
}

// ResidentCount returns the number of resident pages.
func (idx *Index) ResidentCount() int { return idx.residentCount }

// Lookup is point lookup by offset.
func (idx *Index) Lookup(offset uint64) (*page.Page, bool) {
	n := treapLookup(idx.root, offset)
	if n == nil {
		return nil, false
	}
	return n.pg, true
}

// LookupLE returns the resident page with the greatest offset <= k.
func (idx *Index) LookupLE(k uint64) (*page.Page, bool) {
	n := treapLookupLE(idx.root, k)
	if n == nil {
		return nil, false
	}
	return n.pg, true
}

// LookupGE returns the resident page with the least offset >= k
// (vm_page_find_least in the original).
func (idx *Index) LookupGE(k uint64) (*page.Page, bool) {
	n := treapLookupGE(idx.root, k)
	if n == nil {
		return nil, false
	}
	return n.pg, true
}

// Next and Prev are O(1) via the parallel list.
func (idx *Index) Next(p *page.Page) (*page.Page, bool) {
	e, ok := idx.elems[p.Offset]
	if !ok || e.Next() == nil {
		return nil, false
	}
	return e.Next().Value.(*page.Page), true
}

func (idx *Index) Prev(p *page.Page) (*page.Page, bool) {
	e, ok := idx.elems[p.Offset]
	if !ok || e.Prev() == nil {
		return nil, false
	}
	return e.Prev().Value.(*page.Page), true
}

// InsertAfter implements spec.md §4.4's insertion protocol. pred must
// be whatever LookupLE(offset) returned before the caller decided to
// insert (nil if absent). The caller holds the object's write lock.
func (o *Object) InsertAfter(p *page.Page, offset uint64, pred *page.Page, pm pmap.Hooks) error {
	idx := o.Index
	p.Object = o
	p.Offset = offset

	node := &treapNode{offset: offset, pg: p, priority: newPriority()}
	newRoot, ok := treapInsert(idx.root, node)
	if !ok {
		p.Object = nil
		p.Offset = 0
		return ErrOffsetCollision
	}
	idx.root = newRoot

	var elem *list.Element
	if pred == nil {
		elem = idx.order.PushFront(p)
	} else {
		predElem, found := idx.elems[pred.Offset]
		if !found {
			elem = idx.order.PushFront(p)
		} else {
			elem = idx.order.InsertAfter(p, predElem)
		}
	}
	idx.elems[offset] = elem
	idx.residentCount++

	if idx.residentCount == 1 && o.Type == TypeVnode && o.Vnode != nil && !o.vnodeHeld {
		o.Vnode.Hold()
		o.vnodeHeld = true
	}
	if pm != nil && pm.IsWriteMapped(p.PhysAddr) {
		o.MightBeDirty = true
	}
	return nil
}

// Insert is InsertAfter with the predecessor looked up internally.
func (o *Object) Insert(p *page.Page, offset uint64, pm pmap.Hooks) error {
	pred, _ := o.Index.LookupLE(offset)
	if pred != nil && pred.Offset == offset {
		pred, _ = o.Index.Prev(pred)
	}
	return o.InsertAfter(p, offset, pred, pm)
}

// Remove reverses InsertAfter. Dropping the vnode hold happens the
// instant resident_count reaches zero for a vnode-backed object.
func (o *Object) Remove(p *page.Page) {
	idx := o.Index
	elem, ok := idx.elems[p.Offset]
	if !ok {
		return
	}
	idx.order.Remove(elem)
	delete(idx.elems, p.Offset)
	newRoot, _ := treapRemove(idx.root, p.Offset)
	idx.root = newRoot
	idx.residentCount--

	p.Object = nil
	p.Offset = 0

	if idx.residentCount == 0 && o.Type == TypeVnode && o.Vnode != nil && o.vnodeHeld {
		o.Vnode.Drop()
		o.vnodeHeld = false
	}
}

// Replace swaps newPage in for the page currently at offset without
// touching resident_count or the vnode hold. It returns ErrNotResident
// when no page is at offset, and ErrPageOnQueue when the outgoing page
// is on a placement queue.
func (o *Object) Replace(newPage *page.Page, offset uint64) (*page.Page, error) {
	idx := o.Index
	elem, ok := idx.elems[offset]
	if !ok {
		return nil, ErrNotResident
	}
	oldPage := elem.Value.(*page.Page)
	if oldPage.Queue != page.QueueNone {
		return nil, ErrPageOnQueue
	}

	n := treapLookup(idx.root, offset)
	n.pg = newPage
	elem.Value = newPage

	newPage.Object = o
	newPage.Offset = offset
	oldPage.Object = nil
	oldPage.Offset = 0

	return oldPage, nil
}

// Rename moves p from its current object to dst at newOffset,
// unconditionally dirtying it (the backing swap, if any, becomes
// stale). Callers own deactivating the page afterward (spec.md
// §4.4); that is a PageLifecycle concern layered on top since it
// touches PageQueues, not just the index.
func Rename(src *Object, dst *Object, p *page.Page, newOffset uint64, pm pmap.Hooks) error {
	pred, _ := dst.Index.LookupLE(newOffset)
	if pred != nil && pred.Offset == newOffset {
		return ErrOffsetCollision
	}
	src.Remove(p)
	if err := dst.InsertAfter(p, newOffset, pred, pm); err != nil {
		// Roll back: put p back where it was is not generally
		// possible without the original predecessor, so surface the
		// failure and leave p detached, matching InsertAfter's own
		// failure contract (caller must treat the page as
		// unassociated and retry or free it).
		return err
	}
	p.ForceDirtyAll()
	return nil
}
