package mst

import (
	"bytes"

	"github.com/ipfs/go-cid"
)

// Diff describes the difference between two trees, keyed by key string.
type Diff struct {
	// Adds holds keys present in the new tree but not the old, with their
	// new value CIDs.
	Adds map[string]cid.Cid

	// Updates holds keys present in both trees with differing values.
	Updates map[string]DiffUpdate

	// Deletes holds keys present in the old tree but not the new, with the
	// value CIDs they had.
	Deletes map[string]cid.Cid
}

// DiffUpdate carries both sides of a changed value.
type DiffUpdate struct {
	Old cid.Cid
	New cid.Cid
}

// DiffTrees walks the old and new trees in parallel and reports their
// differences. Subtrees whose CIDs match on both sides are skipped without
// being visited, so the cost is proportional to the size of the symmetric
// difference rather than the tree size.
func DiffTrees(old, new *Tree) (*Diff, error) {
	d := &Diff{
		Adds:    make(map[string]cid.Cid),
		Updates: make(map[string]DiffUpdate),
		Deletes: make(map[string]cid.Cid),
	}

	oc := newDiffCursor(old.root)
	nc := newDiffCursor(new.root)

	for {
		oe := oc.cur()
		ne := nc.cur()

		switch {
		case oe == nil && ne == nil:
			return d, nil

		case oe == nil:
			if ne.child != nil {
				nc.descend()
				continue
			}
			d.Adds[string(ne.key)] = ne.val
			nc.advance()

		case ne == nil:
			if oe.child != nil {
				oc.descend()
				continue
			}
			d.Deletes[string(oe.key)] = oe.val
			oc.advance()

		case oe.child != nil && ne.child != nil &&
			!oe.child.dirty && !ne.child.dirty &&
			oe.child.cid.Defined() && oe.child.cid.Equals(ne.child.cid):
			// identical subtrees: known-equal, skip both entirely
			oc.advance()
			nc.advance()

		case oe.child != nil:
			oc.descend()

		case ne.child != nil:
			nc.descend()

		default:
			// two leaves
			switch cmp := bytes.Compare(oe.key, ne.key); {
			case cmp < 0:
				d.Deletes[string(oe.key)] = oe.val
				oc.advance()
			case cmp > 0:
				d.Adds[string(ne.key)] = ne.val
				nc.advance()
			default:
				if !oe.val.Equals(ne.val) {
					d.Updates[string(oe.key)] = DiffUpdate{Old: oe.val, New: ne.val}
				}
				oc.advance()
				nc.advance()
			}
		}
	}
}

// diffCursor iterates a tree's entries in order, with explicit control over
// whether a subtree entry is descended into or skipped wholesale.
type diffCursor struct {
	stack []diffFrame
}

type diffFrame struct {
	n   *node
	idx int
}

func newDiffCursor(root *node) *diffCursor {
	c := &diffCursor{}
	if root != nil && !root.empty() {
		c.stack = append(c.stack, diffFrame{n: root})
	}
	c.norm()
	return c
}

// cur returns the entry the cursor points at, or nil when exhausted.
func (c *diffCursor) cur() *entry {
	if len(c.stack) == 0 {
		return nil
	}
	f := &c.stack[len(c.stack)-1]
	return &f.n.entries[f.idx]
}

// advance moves past the current entry without entering it.
func (c *diffCursor) advance() {
	if len(c.stack) == 0 {
		return
	}
	c.stack[len(c.stack)-1].idx++
	c.norm()
}

// descend enters the current subtree entry.
func (c *diffCursor) descend() {
	e := c.cur()
	if e == nil || e.child == nil {
		return
	}
	c.stack[len(c.stack)-1].idx++
	if !e.child.empty() {
		c.stack = append(c.stack, diffFrame{n: e.child})
	}
	c.norm()
}

// norm pops exhausted frames.
func (c *diffCursor) norm() {
	for len(c.stack) > 0 {
		f := &c.stack[len(c.stack)-1]
		if f.idx < len(f.n.entries) {
			return
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
}
