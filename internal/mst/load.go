package mst

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/arborpds/arbor/internal/blockstore"
)

// ErrMalformedTree is returned when a stored tree violates the structural
// invariants: entry ordering, prefix-compression canonicity, or layer
// consistency.
var ErrMalformedTree = errors.New("malformed tree")

// LoadTree reconstructs a tree from the block store starting at the root
// CID. The whole tree is materialized eagerly, verifying entry ordering and
// layer placement as it goes, and the key→value index is built to back O(1)
// lookups.
func LoadTree(ctx context.Context, bs blockstore.Blockstore, root cid.Cid) (*Tree, error) {
	t := &Tree{index: make(map[string]cid.Cid)}

	n, err := loadNode(ctx, bs, root, nil, nil, true, t.index)
	if err != nil {
		return nil, err
	}
	t.root = n
	return t, nil
}

// loadNode fetches and validates a single node, recursing into its subtrees.
// lo and hi bound the keys the node may contain (exclusive, nil for
// unbounded); isRoot permits the canonical empty node.
func loadNode(ctx context.Context, bs blockstore.Blockstore, c cid.Cid, lo, hi []byte, isRoot bool, index map[string]cid.Cid) (*node, error) {
	blk, err := bs.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to get tree node %s: %w", c, err)
	}

	var nd nodeData
	if err := nd.UnmarshalCBOR(bytes.NewReader(blk.RawData())); err != nil {
		return nil, fmt.Errorf("%w: failed to decode node %s: %v", ErrMalformedTree, c, err)
	}

	// reconstruct full keys from the prefix compression, checking that the
	// encoding is canonical and the ordering strictly ascending
	keys := make([][]byte, len(nd.Entries))
	var prev []byte
	for i, ed := range nd.Entries {
		if ed.PrefixLen < 0 || int(ed.PrefixLen) > len(prev) {
			return nil, fmt.Errorf("%w: node %s entry %d has prefix length %d beyond previous key", ErrMalformedTree, c, i, ed.PrefixLen)
		}

		key := make([]byte, 0, int(ed.PrefixLen)+len(ed.KeySuffix))
		key = append(key, prev[:ed.PrefixLen]...)
		key = append(key, ed.KeySuffix...)

		if i > 0 {
			if !keyLess(prev, key) {
				return nil, fmt.Errorf("%w: node %s entries out of order at index %d", ErrMalformedTree, c, i)
			}
			if commonPrefixLen(prev, key) != int(ed.PrefixLen) {
				return nil, fmt.Errorf("%w: node %s entry %d prefix compression is not maximal", ErrMalformedTree, c, i)
			}
		} else if ed.PrefixLen != 0 {
			return nil, fmt.Errorf("%w: node %s first entry has non-zero prefix length", ErrMalformedTree, c)
		}

		if lo != nil && !keyLess(lo, key) {
			return nil, fmt.Errorf("%w: node %s key %q below subtree bound", ErrMalformedTree, c, key)
		}
		if hi != nil && !keyLess(key, hi) {
			return nil, fmt.Errorf("%w: node %s key %q above subtree bound", ErrMalformedTree, c, key)
		}

		keys[i] = key
		prev = key
	}

	// all entry keys in one node must share a single layer
	layer := -1
	for i, key := range keys {
		kl := keyLayer(key)
		if layer == -1 {
			layer = kl
		} else if kl != layer {
			return nil, fmt.Errorf("%w: node %s mixes layer %d and layer %d keys", ErrMalformedTree, c, layer, kl)
		}
		if _, dup := index[string(key)]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrMalformedTree, key)
		}
		index[string(key)] = nd.Entries[i].Value
	}

	n := &node{cid: c}

	// load subtrees, bounding each by its neighbouring keys
	if nd.Left != nil {
		var firstHi []byte
		if len(keys) > 0 {
			firstHi = keys[0]
		} else {
			firstHi = hi
		}
		child, err := loadNode(ctx, bs, *nd.Left, lo, firstHi, false, index)
		if err != nil {
			return nil, err
		}
		n.entries = append(n.entries, childEntry(child))
	}

	for i, ed := range nd.Entries {
		n.entries = append(n.entries, entry{key: keys[i], val: ed.Value})
		if ed.Tree != nil {
			childHi := hi
			if i+1 < len(keys) {
				childHi = keys[i+1]
			}
			child, err := loadNode(ctx, bs, *ed.Tree, keys[i], childHi, false, index)
			if err != nil {
				return nil, err
			}
			n.entries = append(n.entries, childEntry(child))
		}
	}

	// derive the node's layer and check subtree placement: every subtree
	// pointer must lead exactly one layer down
	switch {
	case layer >= 0:
		n.layer = layer
	case len(n.entries) > 0:
		// no direct entries: a pass-through node sits one above its child
		n.layer = n.entries[0].child.layer + 1
	case !isRoot:
		return nil, fmt.Errorf("%w: interior node %s is empty", ErrMalformedTree, c)
	default:
		n.layer = 0
	}

	for i := range n.entries {
		if child := n.entries[i].child; child != nil && child.layer != n.layer-1 {
			return nil, fmt.Errorf("%w: node %s at layer %d points at subtree %s at layer %d", ErrMalformedTree, c, n.layer, child.cid, child.layer)
		}
	}

	return n, nil
}
