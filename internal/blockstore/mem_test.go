package blockstore

import (
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

var testPrefix = cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256)

func testBlock(t *testing.T, data []byte) blocks.Block {
	t.Helper()

	c, err := testPrefix.Sum(data)
	require.NoError(t, err)
	blk, err := blocks.NewBlockWithCid(data, c)
	require.NoError(t, err)
	return blk
}

func TestMemBlockstorePutGet(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	bs := NewMemBlockstore()
	blk := testBlock(t, []byte("hello world"))

	require.NoError(t, bs.Put(ctx, blk))

	got, err := bs.Get(ctx, blk.Cid())
	require.NoError(t, err)
	require.Equal(t, blk.RawData(), got.RawData())

	has, err := bs.Has(ctx, blk.Cid())
	require.NoError(t, err)
	require.True(t, has)

	size, err := bs.GetSize(ctx, blk.Cid())
	require.NoError(t, err)
	require.Equal(t, len(blk.RawData()), size)
}

func TestMemBlockstoreGetMissing(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	bs := NewMemBlockstore()
	blk := testBlock(t, []byte("absent"))

	_, err := bs.Get(ctx, blk.Cid())
	require.ErrorIs(t, err, ErrNotFound)

	has, err := bs.Has(ctx, blk.Cid())
	require.NoError(t, err)
	require.False(t, has)
}

func TestMemBlockstoreRejectsCorruptBlock(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	// claim the CID of one payload for different bytes
	honest := testBlock(t, []byte("real payload"))
	corrupt, err := blocks.NewBlockWithCid([]byte("forged payload"), honest.Cid())
	require.NoError(t, err)

	bs := NewMemBlockstore()
	require.ErrorIs(t, bs.Put(ctx, corrupt), ErrCorruptBlock)

	has, err := bs.Has(ctx, honest.Cid())
	require.NoError(t, err)
	require.False(t, has)
}

func TestMemBlockstorePutIdempotent(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	bs := NewMemBlockstore()
	blk := testBlock(t, []byte("again"))

	require.NoError(t, bs.Put(ctx, blk))
	require.NoError(t, bs.Put(ctx, blk))
	require.Equal(t, 1, bs.Len())
}

func TestMemBlockstoreDelete(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	bs := NewMemBlockstore()
	blk := testBlock(t, []byte("transient"))

	require.NoError(t, bs.Put(ctx, blk))
	require.NoError(t, bs.DeleteBlock(ctx, blk.Cid()))

	_, err := bs.Get(ctx, blk.Cid())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTrackingBlockstore(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	base := NewMemBlockstore()
	pre := testBlock(t, []byte("preexisting"))
	require.NoError(t, base.Put(ctx, pre))

	tbs := NewTracking(base)
	b1 := testBlock(t, []byte("first"))
	b2 := testBlock(t, []byte("second"))
	require.NoError(t, tbs.Put(ctx, b1))
	require.NoError(t, tbs.PutMany(ctx, []blocks.Block{b2, b1}))

	added := tbs.NewBlocks()
	require.Len(t, added, 2)
	require.Equal(t, b1.Cid(), added[0].Cid())
	require.Equal(t, b2.Cid(), added[1].Cid())

	// writes land in the underlying store as well
	got, err := base.Get(ctx, b1.Cid())
	require.NoError(t, err)
	require.Equal(t, b1.RawData(), got.RawData())
}
