package page

// Queue identifies which placement queue, if any, a page currently
// lives on (spec.md §3 "queue" attribute).
type Queue uint8

const (
	QueueNone Queue = iota
	QueueActive
	QueueInactive
)

func (q Queue) String() string {
	switch q {
	case QueueActive:
		return "active"
	case QueueInactive:
		return "inactive"
	default:
		return "none"
	}
}

// QueueFlags are bits protected by the page lock that describe how a
// page relates to its queue, independent of which queue it is on.
type QueueFlags uint32

const (
	// OnDeferredInactive marks a page living in an INACTIVE deferred
	// shard rather than the INACTIVE master list (spec.md §4.5).
	OnDeferredInactive QueueFlags = 1 << iota
)

// Flags are sticky attributes set at allocation time and cleared only
// by an explicit operation (spec.md §3 "flags").
type Flags uint32

const (
	PGZero Flags = 1 << iota
	PGFictitious
	PGUnholdFree
	PGNoDump
	PGWinAtCfls
)

// AtomicFlags are flipped with atomic read-modify-write and may be
// read lock-free (spec.md §5).
type AtomicFlags uint32

const (
	PGAReferenced AtomicFlags = 1 << iota
	PGAWriteable
)

// ObjectFlags mirror attributes of the owning object that are cached
// on the page itself so queue and pager code need not dereference the
// object on every check.
type ObjectFlags uint32

const (
	OFUnmanaged ObjectFlags = 1 << iota
	OFNoSync
)

// MemAttr is the cacheability attribute applied to a page's physical
// mapping (spec.md §3 "mem_attr"); the concrete encoding is owned by
// the pmap hook contract, this is just the value carried alongside
// the page.
type MemAttr uint8

const (
	MemAttrDefault MemAttr = iota
	MemAttrWriteBack
	MemAttrWriteThrough
	MemAttrUncacheable
	MemAttrWriteCombining
)

// Class selects an allocation-class / privilege tier at Alloc time
// (spec.md §4.1).
type Class uint8

const (
	ClassNormal Class = iota
	ClassSystem
	ClassInterrupt
)

// ReqFlags are the caller-supplied request flags for Alloc (spec.md
// §4.6).
type ReqFlags uint32

const (
	ReqNoObj ReqFlags = 1 << iota
	ReqExclBusy
	ReqSBusy
	ReqNoBusy
	ReqWire
	ReqZero
	ReqNoDump
	ReqNoWait
)

// Advice selects the behavior of PageLifecycle.Advise (spec.md §4.6).
type Advice uint8

const (
	AdviceNormal Advice = iota
	AdviceFree
	AdviceDontNeed
)
