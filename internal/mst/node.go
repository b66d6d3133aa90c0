package mst

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/ipfs/go-cid"
)

// node is an in-memory MST node. Entries interleave leaves and subtree
// pointers in key order: a subtree entry holds the keys strictly between its
// neighbouring leaves (or beyond the first/last leaf). No two subtree
// entries are ever adjacent.
//
// Nodes are mutated in place during tree operations; the dirty flag marks
// nodes whose serialization (and therefore cached CID) is stale.
type node struct {
	layer   int
	entries []entry

	// cid caches the node's serialized identity. Valid only when dirty is
	// false.
	cid   cid.Cid
	dirty bool
}

// entry is either a leaf (key non-nil) or a subtree pointer (child non-nil).
type entry struct {
	key   []byte
	val   cid.Cid
	child *node
}

func (e *entry) isLeaf() bool {
	return e.key != nil
}

func leafEntry(key []byte, val cid.Cid) entry {
	return entry{key: slices.Clone(key), val: val}
}

func childEntry(n *node) entry {
	return entry{child: n}
}

func (n *node) markDirty() {
	n.dirty = true
	n.cid = cid.Undef
}

func (n *node) empty() bool {
	return len(n.entries) == 0
}

// findGtOrEqualLeafIndex returns the entry index of the first leaf whose key
// is greater than or equal to key, or len(entries) if no such leaf exists.
func (n *node) findGtOrEqualLeafIndex(key []byte) int {
	for i := range n.entries {
		e := &n.entries[i]
		if e.isLeaf() && bytes.Compare(e.key, key) >= 0 {
			return i
		}
	}
	return len(n.entries)
}

// leafIndex returns the entry index of the leaf with exactly this key, or -1.
func (n *node) leafIndex(key []byte) int {
	i := n.findGtOrEqualLeafIndex(key)
	if i < len(n.entries) && bytes.Equal(n.entries[i].key, key) {
		return i
	}
	return -1
}

// splice replaces entries[i:i+drop] with repl.
func (n *node) splice(i, drop int, repl ...entry) {
	out := make([]entry, 0, len(n.entries)-drop+len(repl))
	out = append(out, n.entries[:i]...)
	out = append(out, repl...)
	out = append(out, n.entries[i+drop:]...)
	n.entries = out
}

// insert places a new key (known to be absent) into the subtree rooted at n.
// The key's layer must be at most n.layer; growing the tree above the root is
// handled by Tree.Insert.
func (n *node) insert(key []byte, layer int, val cid.Cid) error {
	i := n.findGtOrEqualLeafIndex(key)

	if layer == n.layer {
		// the key lives in this node; if a subtree straddles the insertion
		// point, split it around the key
		if i > 0 && n.entries[i-1].child != nil {
			left, right := n.entries[i-1].child.splitAround(key)
			repl := make([]entry, 0, 3)
			if left != nil {
				repl = append(repl, childEntry(left))
			}
			repl = append(repl, leafEntry(key, val))
			if right != nil {
				repl = append(repl, childEntry(right))
			}
			n.splice(i-1, 1, repl...)
		} else {
			n.splice(i, 0, leafEntry(key, val))
		}
		n.markDirty()
		return nil
	}

	if layer > n.layer {
		return fmt.Errorf("cannot insert layer %d key below a layer %d node", layer, n.layer)
	}

	// the key lives lower down: descend into the covering subtree, creating
	// one (and any intermediate single-child nodes) if absent
	if i > 0 && n.entries[i-1].child != nil {
		if err := n.entries[i-1].child.insert(key, layer, val); err != nil {
			return err
		}
		n.markDirty()
		return nil
	}

	child := &node{layer: layer, dirty: true, entries: []entry{leafEntry(key, val)}}
	for l := layer + 1; l < n.layer; l++ {
		child = &node{layer: l, dirty: true, entries: []entry{childEntry(child)}}
	}
	n.splice(i, 0, childEntry(child))
	n.markDirty()
	return nil
}

// update replaces the value of an existing key.
func (n *node) update(key []byte, layer int, val cid.Cid) error {
	if layer == n.layer {
		i := n.leafIndex(key)
		if i < 0 {
			return fmt.Errorf("key %q not found at layer %d", key, layer)
		}
		n.entries[i].val = val
		n.markDirty()
		return nil
	}

	i := n.findGtOrEqualLeafIndex(key)
	if i == 0 || n.entries[i-1].child == nil {
		return fmt.Errorf("key %q has no covering subtree at layer %d", key, n.layer)
	}
	if err := n.entries[i-1].child.update(key, layer, val); err != nil {
		return err
	}
	n.markDirty()
	return nil
}

// remove deletes an existing key from the subtree rooted at n. Subtrees left
// empty by the removal are collapsed into their parent; neighbouring subtrees
// of a removed leaf are merged.
func (n *node) remove(key []byte, layer int) error {
	if layer == n.layer {
		i := n.leafIndex(key)
		if i < 0 {
			return fmt.Errorf("key %q not found at layer %d", key, layer)
		}

		// merging is legal because both subtrees hold keys in the open
		// interval between the same two surviving neighbour keys
		if i > 0 && i+1 < len(n.entries) && n.entries[i-1].child != nil && n.entries[i+1].child != nil {
			merged := mergeNodes(n.entries[i-1].child, n.entries[i+1].child)
			n.splice(i-1, 3, childEntry(merged))
		} else {
			n.splice(i, 1)
		}
		n.markDirty()
		return nil
	}

	i := n.findGtOrEqualLeafIndex(key)
	if i == 0 || n.entries[i-1].child == nil {
		return fmt.Errorf("key %q has no covering subtree at layer %d", key, n.layer)
	}

	child := n.entries[i-1].child
	if err := child.remove(key, layer); err != nil {
		return err
	}
	if child.empty() {
		n.splice(i-1, 1)
	}
	n.markDirty()
	return nil
}

// splitAround splits the subtree rooted at n into the parts strictly less
// than and strictly greater than key. Either side may be nil when empty. The
// key itself must not be present in the subtree.
func (n *node) splitAround(key []byte) (*node, *node) {
	i := n.findGtOrEqualLeafIndex(key)
	leftEnts := slices.Clone(n.entries[:i])
	rightEnts := slices.Clone(n.entries[i:])

	// a subtree at the boundary straddles the key and must itself be split
	if len(leftEnts) > 0 && leftEnts[len(leftEnts)-1].child != nil {
		sub := leftEnts[len(leftEnts)-1].child
		leftEnts = leftEnts[:len(leftEnts)-1]

		subLeft, subRight := sub.splitAround(key)
		if subLeft != nil {
			leftEnts = append(leftEnts, childEntry(subLeft))
		}
		if subRight != nil {
			rightEnts = append([]entry{childEntry(subRight)}, rightEnts...)
		}
	}

	var left, right *node
	if len(leftEnts) > 0 {
		left = &node{layer: n.layer, dirty: true, entries: leftEnts}
	}
	if len(rightEnts) > 0 {
		right = &node{layer: n.layer, dirty: true, entries: rightEnts}
	}
	return left, right
}

// mergeNodes combines two same-layer subtrees whose key ranges are adjacent.
func mergeNodes(a, b *node) *node {
	ents := slices.Clone(a.entries)
	rest := b.entries

	if len(ents) > 0 && ents[len(ents)-1].child != nil && len(rest) > 0 && rest[0].child != nil {
		m := mergeNodes(ents[len(ents)-1].child, rest[0].child)
		ents = append(ents[:len(ents)-1], childEntry(m))
		rest = rest[1:]
	}

	ents = append(ents, slices.Clone(rest)...)
	return &node{layer: a.layer, dirty: true, entries: ents}
}

// walk visits all leaves of the subtree in ascending key order.
func (n *node) walk(fn func(key []byte, val cid.Cid) error) error {
	for i := range n.entries {
		e := &n.entries[i]
		if e.child != nil {
			if err := e.child.walk(fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(e.key, e.val); err != nil {
			return err
		}
	}
	return nil
}
