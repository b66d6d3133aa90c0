package mst

import (
	"bytes"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/arborpds/arbor/internal/blockstore"
	"github.com/arborpds/arbor/internal/testutil"
)

func TestEmptyNodeEncoding(t *testing.T) {
	t.Parallel()

	// {"e": [], "l": null}, canonical DAG-CBOR
	want := []byte{0xa2, 0x61, 'e', 0x80, 0x61, 'l', 0xf6}

	buf := new(bytes.Buffer)
	nd := &nodeData{}
	require.NoError(t, nd.MarshalCBOR(buf))
	require.Equal(t, want, buf.Bytes())
}

func TestNodeDataRoundTrip(t *testing.T) {
	t.Parallel()

	rng := testutil.Rng(71)
	sub := testutil.RandCid(rng)

	nd := &nodeData{
		Left: &sub,
		Entries: []entryData{
			{PrefixLen: 0, KeySuffix: []byte("app.bsky.feed.post/aaa"), Value: testutil.RandCid(rng)},
			{PrefixLen: 19, KeySuffix: []byte("bbb"), Value: testutil.RandCid(rng), Tree: &sub},
			{PrefixLen: 20, KeySuffix: []byte("c"), Value: testutil.RandCid(rng)},
		},
	}

	buf := new(bytes.Buffer)
	require.NoError(t, nd.MarshalCBOR(buf))

	var got nodeData
	require.NoError(t, got.UnmarshalCBOR(bytes.NewReader(buf.Bytes())))
	require.Equal(t, nd.Left, got.Left)
	require.Equal(t, nd.Entries, got.Entries)

	// deterministic: re-encoding yields the same bytes
	buf2 := new(bytes.Buffer)
	require.NoError(t, got.MarshalCBOR(buf2))
	require.Equal(t, buf.Bytes(), buf2.Bytes())
}

func TestLoadRejectsNonCanonicalPrefix(t *testing.T) {
	t.Parallel()

	rng := testutil.Rng(73)

	// c/aaa and c/aab share a four-byte prefix; encoding the second entry
	// with p=2 is valid CBOR but not the canonical compression
	nd := &nodeData{
		Entries: []entryData{
			{PrefixLen: 0, KeySuffix: []byte("c/aaa"), Value: testutil.RandCid(rng)},
			{PrefixLen: 2, KeySuffix: []byte("aab"), Value: testutil.RandCid(rng)},
		},
	}

	bs := blockstore.NewMemBlockstore()
	root := storeNodeData(t, bs, nd)

	_, err := LoadTree(t.Context(), bs, root)
	require.ErrorIs(t, err, ErrMalformedTree)
}

func TestLoadRejectsUnorderedEntries(t *testing.T) {
	t.Parallel()

	rng := testutil.Rng(79)

	nd := &nodeData{
		Entries: []entryData{
			{PrefixLen: 0, KeySuffix: []byte("c/zzz"), Value: testutil.RandCid(rng)},
			{PrefixLen: 0, KeySuffix: []byte("c/aaa"), Value: testutil.RandCid(rng)},
		},
	}

	bs := blockstore.NewMemBlockstore()
	root := storeNodeData(t, bs, nd)

	_, err := LoadTree(t.Context(), bs, root)
	require.ErrorIs(t, err, ErrMalformedTree)
}

func TestLoadRejectsMixedLayers(t *testing.T) {
	t.Parallel()

	rng := testutil.Rng(83)

	// c/0 is layer 0 and c/5 is layer 1: they may never share a node
	nd := &nodeData{
		Entries: []entryData{
			{PrefixLen: 0, KeySuffix: []byte("c/0"), Value: testutil.RandCid(rng)},
			{PrefixLen: 2, KeySuffix: []byte("5"), Value: testutil.RandCid(rng)},
		},
	}

	bs := blockstore.NewMemBlockstore()
	root := storeNodeData(t, bs, nd)

	_, err := LoadTree(t.Context(), bs, root)
	require.ErrorIs(t, err, ErrMalformedTree)
}

// storeNodeData serializes a raw node payload straight into the store,
// bypassing the tree invariants.
func storeNodeData(t *testing.T, bs blockstore.Blockstore, nd *nodeData) cid.Cid {
	t.Helper()

	buf := new(bytes.Buffer)
	require.NoError(t, nd.MarshalCBOR(buf))

	c, err := cidBuilder.Sum(buf.Bytes())
	require.NoError(t, err)

	blk, err := blocks.NewBlockWithCid(buf.Bytes(), c)
	require.NoError(t, err)
	require.NoError(t, bs.Put(t.Context(), blk))
	return c
}
