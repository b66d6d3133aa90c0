package mst

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/arborpds/arbor/internal/blockstore"
)

// cidBuilder computes CIDs for DAG-CBOR encoded blocks.
var cidBuilder = cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256)

// Tree is a Merkle Search Tree: a deterministic, content-addressed key/value
// index whose root CID commits to the full key→value mapping. Two trees
// holding the same mapping serialize to byte-identical nodes regardless of
// the order operations were applied in.
//
// A Tree is owned by a single writer; concurrent readers must work from
// their own loaded instance or an immutable snapshot.
type Tree struct {
	root *node

	// index maps key → value CID for O(1) Get/Has and duplicate detection.
	index map[string]cid.Cid
}

// Entry is a single key/value pair stored in the tree.
type Entry struct {
	Key   []byte
	Value cid.Cid
}

// NewEmptyTree creates a tree holding zero keys. Its root serializes to the
// canonical empty-node block.
func NewEmptyTree() *Tree {
	return &Tree{
		root:  &node{layer: 0, dirty: true},
		index: make(map[string]cid.Cid),
	}
}

// NewTreeFromEntries bulk-builds a tree from a set of entries. The resulting
// root CID is identical to inserting the same entries one at a time, in any
// order.
func NewTreeFromEntries(entries []Entry) (*Tree, error) {
	sorted := slices.Clone(entries)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i].Key, sorted[j].Key) < 0 })

	t := NewEmptyTree()
	for _, e := range sorted {
		if _, err := t.Insert(e.Key, e.Value); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Count returns the number of keys in the tree.
func (t *Tree) Count() int {
	return len(t.index)
}

// Get returns the value CID stored under key, or nil when absent.
func (t *Tree) Get(key []byte) (*cid.Cid, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if v, ok := t.index[string(key)]; ok {
		c := v
		return &c, nil
	}
	return nil, nil
}

// Has reports whether key is present.
func (t *Tree) Has(key []byte) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	_, ok := t.index[string(key)]
	return ok, nil
}

// Insert adds or replaces a key. It returns the previous value CID when the
// key was already present, or nil for a fresh insertion. Re-inserting the
// same value is a no-op at the content level: the root CID is unchanged.
func (t *Tree) Insert(key []byte, val cid.Cid) (*cid.Cid, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if !val.Defined() {
		return nil, fmt.Errorf("undefined value CID for key %q", key)
	}

	layer := keyLayer(key)
	ks := string(key)

	if prev, ok := t.index[ks]; ok {
		if prev.Equals(val) {
			p := prev
			return &p, nil
		}
		if err := t.root.update(key, layer, val); err != nil {
			return nil, err
		}
		t.index[ks] = val
		p := prev
		return &p, nil
	}

	switch {
	case t.root.empty():
		t.root = &node{layer: layer, dirty: true, entries: []entry{leafEntry(key, val)}}

	case layer > t.root.layer:
		// the key outranks the current root: split the tree around the key
		// and grow a new root at the key's layer
		left, right := t.root.splitAround(key)
		for l := t.root.layer + 1; l < layer; l++ {
			if left != nil {
				left = &node{layer: l, dirty: true, entries: []entry{childEntry(left)}}
			}
			if right != nil {
				right = &node{layer: l, dirty: true, entries: []entry{childEntry(right)}}
			}
		}

		ents := make([]entry, 0, 3)
		if left != nil {
			ents = append(ents, childEntry(left))
		}
		ents = append(ents, leafEntry(key, val))
		if right != nil {
			ents = append(ents, childEntry(right))
		}
		t.root = &node{layer: layer, dirty: true, entries: ents}

	default:
		if err := t.root.insert(key, layer, val); err != nil {
			return nil, err
		}
	}

	t.index[ks] = val
	return nil, nil
}

// Remove deletes a key, returning its previous value CID. Removing an absent
// key is a success with no change and a nil previous value.
func (t *Tree) Remove(key []byte) (*cid.Cid, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	ks := string(key)
	prev, ok := t.index[ks]
	if !ok {
		return nil, nil
	}

	if err := t.root.remove(key, keyLayer(key)); err != nil {
		return nil, err
	}
	delete(t.index, ks)

	// trim the top: while the root holds nothing but a single subtree
	// pointer, promote that subtree
	for len(t.root.entries) == 1 && t.root.entries[0].child != nil {
		t.root = t.root.entries[0].child
	}
	if t.root.empty() && t.root.layer != 0 {
		t.root = &node{layer: 0, dirty: true}
	}

	p := prev
	return &p, nil
}

// Walk visits every key/value pair in ascending key order. The callback's
// key slice must not be retained or mutated.
func (t *Tree) Walk(fn func(key []byte, val cid.Cid) error) error {
	return t.root.walk(fn)
}

// Keys returns all keys in ascending order.
func (t *Tree) Keys() []string {
	out := make([]string, 0, len(t.index))
	_ = t.root.walk(func(key []byte, _ cid.Cid) error {
		out = append(out, string(key))
		return nil
	})
	return out
}

// Entries returns all key/value pairs in ascending key order.
func (t *Tree) Entries() []Entry {
	out := make([]Entry, 0, len(t.index))
	_ = t.root.walk(func(key []byte, val cid.Cid) error {
		out = append(out, Entry{Key: slices.Clone(key), Value: val})
		return nil
	})
	return out
}

// WriteDiffBlocks serializes all dirty nodes bottom-up, writing each block
// to the store and caching the resulting CIDs, then returns the root CID.
// Clean subtrees keep their cached CIDs and are not re-serialized.
func (t *Tree) WriteDiffBlocks(ctx context.Context, bs blockstore.Blockstore) (*cid.Cid, error) {
	c, err := writeNode(ctx, bs, t.root)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func writeNode(ctx context.Context, bs blockstore.Blockstore, n *node) (cid.Cid, error) {
	if !n.dirty && n.cid.Defined() {
		return n.cid, nil
	}

	// children first: the parent's serialization embeds their CIDs
	for i := range n.entries {
		if child := n.entries[i].child; child != nil {
			if _, err := writeNode(ctx, bs, child); err != nil {
				return cid.Undef, err
			}
		}
	}

	data, err := n.data()
	if err != nil {
		return cid.Undef, err
	}

	buf := new(bytes.Buffer)
	if err := data.MarshalCBOR(buf); err != nil {
		return cid.Undef, fmt.Errorf("failed to marshal tree node: %w", err)
	}

	c, err := cidBuilder.Sum(buf.Bytes())
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to compute tree node CID: %w", err)
	}

	blk, err := blocks.NewBlockWithCid(buf.Bytes(), c)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to create tree node block: %w", err)
	}
	if err := bs.Put(ctx, blk); err != nil {
		return cid.Undef, fmt.Errorf("failed to store tree node: %w", err)
	}

	n.cid = c
	n.dirty = false
	return c, nil
}

// data converts the in-memory node into its prefix-compressed wire form. All
// child nodes must already carry valid cached CIDs.
func (n *node) data() (*nodeData, error) {
	nd := &nodeData{}

	i := 0
	if len(n.entries) > 0 && n.entries[0].child != nil {
		c, err := n.entries[0].child.cachedCID()
		if err != nil {
			return nil, err
		}
		nd.Left = c
		i = 1
	}

	var prev []byte
	for ; i < len(n.entries); i++ {
		e := &n.entries[i]
		if !e.isLeaf() {
			return nil, fmt.Errorf("subtree entry without a preceding leaf at index %d", i)
		}

		p := commonPrefixLen(prev, e.key)
		ed := entryData{
			PrefixLen: int64(p),
			KeySuffix: slices.Clone(e.key[p:]),
			Value:     e.val,
		}

		if i+1 < len(n.entries) && n.entries[i+1].child != nil {
			c, err := n.entries[i+1].child.cachedCID()
			if err != nil {
				return nil, err
			}
			ed.Tree = c
			i++
		}

		nd.Entries = append(nd.Entries, ed)
		prev = e.key
	}

	return nd, nil
}

func (n *node) cachedCID() (*cid.Cid, error) {
	if n.dirty || !n.cid.Defined() {
		return nil, fmt.Errorf("dirty subtree has no cached CID")
	}
	c := n.cid
	return &c, nil
}

var (
	emptyRootOnce sync.Once
	emptyRootCID  cid.Cid
)

// EmptyTreeRootCID returns the CID of the canonical empty node, the root of
// every repository that holds zero records.
func EmptyTreeRootCID() cid.Cid {
	emptyRootOnce.Do(func() {
		buf := new(bytes.Buffer)
		nd := &nodeData{}
		if err := nd.MarshalCBOR(buf); err != nil {
			panic(fmt.Sprintf("failed to marshal empty tree node: %v", err))
		}
		c, err := cidBuilder.Sum(buf.Bytes())
		if err != nil {
			panic(fmt.Sprintf("failed to hash empty tree node: %v", err))
		}
		emptyRootCID = c
	})
	return emptyRootCID
}
