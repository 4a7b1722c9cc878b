// Package debug implements the stable debug-command surface named in
// spec.md §6: `show page`, `show pageq`, and `show pginfo`. Since this
// port has no kernel debugger console to hang commands off of, each
// command is a pure function returning the formatted string a real
// debugger front-end would print, grounded on the teacher's own
// preference for plain formatted diagnostic output over a structured
// dump type.
package debug

import (
	"fmt"
	"strings"

	"github.com/vmkernel/pagecore/vm/domain"
	"github.com/vmkernel/pagecore/vm/page"
)

// ShowPage renders one page's full state, the `show page` /
// `show pginfo [address | p address]` command.
func ShowPage(p *page.Page) string {
	var b strings.Builder
	fmt.Fprintf(&b, "page %#x\n", p.PhysAddr)
	if p.Object != nil {
		fmt.Fprintf(&b, "  object=%#x offset=%#x\n", p.Object.ObjectID(), p.Offset)
	} else {
		fmt.Fprintf(&b, "  object=<none>\n")
	}
	fmt.Fprintf(&b, "  queue=%s queue_flags=%#x\n", p.Queue, p.QueueFlags)
	fmt.Fprintf(&b, "  wire_count=%d hold_count=%d act_count=%d\n", p.WireCount(), p.HoldCount, p.ActCount)
	fmt.Fprintf(&b, "  busy: exclusive=%t shared=%t\n", p.IsExclusiveBusy(), p.IsSharedBusy())
	fmt.Fprintf(&b, "  valid=%#02x dirty=%#02x\n", p.ValidMask(), p.DirtyMask())
	fmt.Fprintf(&b, "  flags=%#x object_flags=%#x mem_attr=%d\n", p.Flags, p.ObjectFlags, p.MemAttr)
	fmt.Fprintf(&b, "  referenced=%t writeable=%t\n", p.TestAtomicFlag(page.PGAReferenced), p.TestAtomicFlag(page.PGAWriteable))
	return b.String()
}

// ShowPageQueue renders every domain's queue lengths, the `show
// pageq` command.
func ShowPageQueue(sys *domain.System) string {
	var b strings.Builder
	fmt.Fprintf(&b, "free=%d\n", sys.TotalFreeCount())
	for i := 0; i < sys.NumDomains(); i++ {
		d := sys.Domain(i)
		fmt.Fprintf(&b, "domain %d: active=%d inactive=%d deferred=%d wired=%d\n",
			d.ID, d.Queues.ActiveLen(), d.Queues.InactiveLen(), d.Queues.DeferredTotal(), d.WireCount())
	}
	return b.String()
}

// ShowPageInfo renders a compact one-line summary of p, suitable for
// `show pginfo` when called with a bare address rather than the `p`
// (pointer) form, which uses ShowPage's fuller dump.
func ShowPageInfo(p *page.Page) string {
	return fmt.Sprintf("%#x q=%s w=%d h=%d a=%d v=%#02x d=%#02x",
		p.PhysAddr, p.Queue, p.WireCount(), p.HoldCount, p.ActCount, p.ValidMask(), p.DirtyMask())
}
