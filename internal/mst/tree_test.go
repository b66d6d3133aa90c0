package mst

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/arborpds/arbor/internal/blockstore"
	"github.com/arborpds/arbor/internal/testutil"
)

// writeRoot flushes the tree and returns its root CID.
func writeRoot(t *testing.T, tree *Tree, bs blockstore.Blockstore) cid.Cid {
	t.Helper()

	root, err := tree.WriteDiffBlocks(t.Context(), bs)
	require.NoError(t, err)
	require.NotNil(t, root)
	return *root
}

// randEntries builds a deterministic pseudo-random corpus with unique keys.
func randEntries(rng *rand.Rand, n int) []Entry {
	seen := make(map[string]bool, n)
	entries := make([]Entry, 0, n)
	for len(entries) < n {
		key := fmt.Sprintf("app.bsky.feed.post/%s", testutil.RandString(rng, 12))
		if seen[key] {
			continue
		}
		seen[key] = true
		entries = append(entries, Entry{Key: []byte(key), Value: testutil.RandCid(rng)})
	}
	return entries
}

func TestEmptyTree(t *testing.T) {
	t.Parallel()

	tree := NewEmptyTree()
	require.Equal(t, 0, tree.Count())

	bs := blockstore.NewMemBlockstore()
	root := writeRoot(t, tree, bs)

	// the canonical empty-node CID is shared across implementations of the
	// protocol
	require.Equal(t, "bafyreie5737gdxlw5i64vzichcalba3z2v5n6icifvx5xytvske7mr3hpm", root.String())
	require.Equal(t, EmptyTreeRootCID(), root)
}

func TestSingleKey(t *testing.T) {
	t.Parallel()

	bs := blockstore.NewMemBlockstore()
	valA := testutil.RandCid(testutil.Rng(1))

	tree := NewEmptyTree()
	prev, err := tree.Insert([]byte("app.bsky.feed.post/a"), valA)
	require.NoError(t, err)
	require.Nil(t, prev)
	require.Equal(t, 1, tree.Count())

	got, err := tree.Get([]byte("app.bsky.feed.post/a"))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, valA, *got)

	has, err := tree.Has([]byte("app.bsky.feed.post/a"))
	require.NoError(t, err)
	require.True(t, has)

	// deleting the only key returns to the canonical empty root
	removed, err := tree.Remove([]byte("app.bsky.feed.post/a"))
	require.NoError(t, err)
	require.NotNil(t, removed)
	require.Equal(t, valA, *removed)
	require.Equal(t, 0, tree.Count())

	root := writeRoot(t, tree, bs)
	require.Equal(t, EmptyTreeRootCID(), root)
}

func TestInsertInvalidKey(t *testing.T) {
	t.Parallel()

	tree := NewEmptyTree()
	val := testutil.RandCid(testutil.Rng(2))

	for _, key := range []string{"", "noSlash", "a/b/c", "/rkey", "coll/"} {
		_, err := tree.Insert([]byte(key), val)
		require.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}

func TestOrderIndependence(t *testing.T) {
	t.Parallel()

	rng := testutil.Rng(42)
	entries := randEntries(rng, 1000)

	build := func(order []Entry) cid.Cid {
		bs := blockstore.NewMemBlockstore()
		tree := NewEmptyTree()
		for _, e := range order {
			_, err := tree.Insert(e.Key, e.Value)
			require.NoError(t, err)
		}
		return writeRoot(t, tree, bs)
	}

	root1 := build(entries)

	shuffled := slices.Clone(entries)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	root2 := build(shuffled)

	reversed := slices.Clone(entries)
	slices.Reverse(reversed)
	root3 := build(reversed)

	require.Equal(t, root1, root2)
	require.Equal(t, root1, root3)
}

func TestBulkBuildMatchesSequentialInsert(t *testing.T) {
	t.Parallel()

	rng := testutil.Rng(7)
	entries := randEntries(rng, 250)

	sequential := NewEmptyTree()
	for _, e := range entries {
		_, err := sequential.Insert(e.Key, e.Value)
		require.NoError(t, err)
	}

	bulk, err := NewTreeFromEntries(entries)
	require.NoError(t, err)

	bs1 := blockstore.NewMemBlockstore()
	bs2 := blockstore.NewMemBlockstore()
	require.Equal(t, writeRoot(t, sequential, bs1), writeRoot(t, bulk, bs2))
}

func TestUpdateSemantics(t *testing.T) {
	t.Parallel()

	rng := testutil.Rng(11)
	entries := randEntries(rng, 100)
	key := entries[0].Key
	v1 := testutil.RandCid(rng)
	v2 := testutil.RandCid(rng)

	// add(k, v1); add(k, v2) must equal a single add(k, v2)
	tree1, err := NewTreeFromEntries(entries[1:])
	require.NoError(t, err)
	_, err = tree1.Insert(key, v1)
	require.NoError(t, err)
	prev, err := tree1.Insert(key, v2)
	require.NoError(t, err)
	require.NotNil(t, prev)
	require.Equal(t, v1, *prev)

	tree2, err := NewTreeFromEntries(entries[1:])
	require.NoError(t, err)
	_, err = tree2.Insert(key, v2)
	require.NoError(t, err)

	bs1 := blockstore.NewMemBlockstore()
	bs2 := blockstore.NewMemBlockstore()
	require.Equal(t, writeRoot(t, tree1, bs1), writeRoot(t, tree2, bs2))
}

func TestReinsertSameValueIsNoop(t *testing.T) {
	t.Parallel()

	rng := testutil.Rng(13)
	entries := randEntries(rng, 50)

	tree, err := NewTreeFromEntries(entries)
	require.NoError(t, err)
	bs := blockstore.NewMemBlockstore()
	before := writeRoot(t, tree, bs)

	prev, err := tree.Insert(entries[10].Key, entries[10].Value)
	require.NoError(t, err)
	require.NotNil(t, prev)
	require.Equal(t, before, writeRoot(t, tree, bs))
}

func TestIdempotentDelete(t *testing.T) {
	t.Parallel()

	rng := testutil.Rng(17)
	entries := randEntries(rng, 100)

	tree, err := NewTreeFromEntries(entries)
	require.NoError(t, err)
	bs := blockstore.NewMemBlockstore()

	prev, err := tree.Remove(entries[42].Key)
	require.NoError(t, err)
	require.NotNil(t, prev)
	afterFirst := writeRoot(t, tree, bs)

	// a second delete of the same key succeeds and changes nothing
	prev, err = tree.Remove(entries[42].Key)
	require.NoError(t, err)
	require.Nil(t, prev)
	require.Equal(t, afterFirst, writeRoot(t, tree, bs))
	require.Equal(t, len(entries)-1, tree.Count())
}

func TestDeleteMatchesFreshBuild(t *testing.T) {
	t.Parallel()

	rng := testutil.Rng(19)
	entries := randEntries(rng, 300)

	tree, err := NewTreeFromEntries(entries)
	require.NoError(t, err)

	// delete every third key and compare against a tree built without them
	var kept []Entry
	for i, e := range entries {
		if i%3 == 0 {
			_, err := tree.Remove(e.Key)
			require.NoError(t, err)
			continue
		}
		kept = append(kept, e)
	}

	fresh, err := NewTreeFromEntries(kept)
	require.NoError(t, err)

	bs1 := blockstore.NewMemBlockstore()
	bs2 := blockstore.NewMemBlockstore()
	require.Equal(t, writeRoot(t, fresh, bs2), writeRoot(t, tree, bs1))
	require.Equal(t, len(kept), tree.Count())
}

func TestTrimTop(t *testing.T) {
	t.Parallel()

	// c/4 sits at layer 3, c/35 at layer 2, c/0 at layer 0: deleting the
	// high keys must lower the root to the remaining highest layer
	rng := testutil.Rng(23)
	high := Entry{Key: []byte("c/4"), Value: testutil.RandCid(rng)}
	mid := Entry{Key: []byte("c/35"), Value: testutil.RandCid(rng)}
	low := Entry{Key: []byte("c/0"), Value: testutil.RandCid(rng)}

	tree, err := NewTreeFromEntries([]Entry{high, mid, low})
	require.NoError(t, err)
	require.Equal(t, 3, tree.root.layer)

	_, err = tree.Remove(high.Key)
	require.NoError(t, err)
	require.Equal(t, 2, tree.root.layer)

	_, err = tree.Remove(mid.Key)
	require.NoError(t, err)
	require.Equal(t, 0, tree.root.layer)

	// and the root matches a fresh single-key build
	fresh, err := NewTreeFromEntries([]Entry{low})
	require.NoError(t, err)
	bs1 := blockstore.NewMemBlockstore()
	bs2 := blockstore.NewMemBlockstore()
	require.Equal(t, writeRoot(t, fresh, bs2), writeRoot(t, tree, bs1))
}

func TestWalkAscending(t *testing.T) {
	t.Parallel()

	rng := testutil.Rng(29)
	entries := randEntries(rng, 500)

	tree, err := NewTreeFromEntries(entries)
	require.NoError(t, err)

	var keys []string
	err = tree.Walk(func(key []byte, _ cid.Cid) error {
		keys = append(keys, string(key))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, keys, len(entries))
	require.True(t, slices.IsSorted(keys))

	// no duplicates
	require.Len(t, slices.Compact(slices.Clone(keys)), len(keys))
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()

	rng := testutil.Rng(31)
	entries := randEntries(rng, 50)

	tree, err := NewTreeFromEntries(entries)
	require.NoError(t, err)

	bs := blockstore.NewMemBlockstore()
	root := writeRoot(t, tree, bs)

	loaded, err := LoadTree(t.Context(), bs, root)
	require.NoError(t, err)
	require.Equal(t, 50, loaded.Count())

	for _, e := range entries {
		got, err := loaded.Get(e.Key)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, e.Value, *got)
	}

	// a re-serialized loaded tree produces the identical root
	bs2 := blockstore.NewMemBlockstore()
	require.Equal(t, root, writeRoot(t, loaded, bs2))
}

func TestLoadedTreeMutation(t *testing.T) {
	t.Parallel()

	rng := testutil.Rng(37)
	entries := randEntries(rng, 120)

	tree, err := NewTreeFromEntries(entries)
	require.NoError(t, err)
	bs := blockstore.NewMemBlockstore()
	root := writeRoot(t, tree, bs)

	// mutate a loaded tree and compare against the same mutation applied to
	// the in-memory original
	loaded, err := LoadTree(t.Context(), bs, root)
	require.NoError(t, err)

	extra := Entry{Key: []byte("app.bsky.graph.follow/extra1"), Value: testutil.RandCid(rng)}
	_, err = loaded.Insert(extra.Key, extra.Value)
	require.NoError(t, err)
	_, err = loaded.Remove(entries[7].Key)
	require.NoError(t, err)

	_, err = tree.Insert(extra.Key, extra.Value)
	require.NoError(t, err)
	_, err = tree.Remove(entries[7].Key)
	require.NoError(t, err)

	bs2 := blockstore.NewMemBlockstore()
	require.Equal(t, writeRoot(t, tree, bs2), writeRoot(t, loaded, bs))
}

func TestLayerDistribution(t *testing.T) {
	t.Parallel()

	rng := testutil.Rng(41)
	seen := make(map[string]bool)
	entries := make([]Entry, 0, 10_000)
	layers := make(map[int]int)
	for len(entries) < 10_000 {
		key := fmt.Sprintf("c/%s", testutil.RandString(rng, 12))
		if seen[key] {
			continue
		}
		seen[key] = true
		entries = append(entries, Entry{Key: []byte(key), Value: testutil.RandCid(rng)})
		layers[keyLayer([]byte(key))]++
	}

	tree, err := NewTreeFromEntries(entries)
	require.NoError(t, err)
	require.Equal(t, 10_000, tree.Count())

	// the layer distribution is geometric with parameter 3/4: layer 0 holds
	// roughly three quarters of the keys
	require.Greater(t, layers[0], 7000)
	require.Less(t, layers[0], 8000)
	require.Greater(t, layers[1], 1500)
	require.Less(t, layers[1], 2300)

	// iteration is strictly ascending with no duplicates
	var prev []byte
	err = tree.Walk(func(key []byte, _ cid.Cid) error {
		if prev != nil {
			require.True(t, keyLess(prev, key))
		}
		prev = slices.Clone(key)
		return nil
	})
	require.NoError(t, err)
}

func TestCountAndKeys(t *testing.T) {
	t.Parallel()

	rng := testutil.Rng(43)
	entries := randEntries(rng, 64)

	tree, err := NewTreeFromEntries(entries)
	require.NoError(t, err)
	require.Equal(t, 64, tree.Count())

	keys := tree.Keys()
	require.Len(t, keys, 64)
	require.True(t, slices.IsSorted(keys))

	all := tree.Entries()
	require.Len(t, all, 64)
}

func TestLoadMissingBlock(t *testing.T) {
	t.Parallel()

	bs := blockstore.NewMemBlockstore()
	_, err := LoadTree(context.Background(), bs, EmptyTreeRootCID())
	require.ErrorIs(t, err, blockstore.ErrNotFound)
}
