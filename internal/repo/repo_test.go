package repo

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/stretchr/testify/require"

	"github.com/arborpds/arbor/internal/blockstore"
	"github.com/arborpds/arbor/internal/mst"
	"github.com/arborpds/arbor/internal/testutil"
)

const testDID = "did:plc:arbortest123"

func testKey(t *testing.T) atcrypto.PrivateKey {
	t.Helper()

	key, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)
	return key
}

// testRecord builds a small deterministic DAG-CBOR payload. A canonical map
// with a single text field is enough for repo-level tests.
func testRecord(text string) []byte {
	// {"text": <text>}
	var buf bytes.Buffer
	buf.WriteByte(0xa1)
	buf.WriteByte(0x64)
	buf.WriteString("text")
	if len(text) > 23 {
		panic("test record text too long for tiny encoder")
	}
	buf.WriteByte(0x60 | byte(len(text)))
	buf.WriteString(text)
	return buf.Bytes()
}

func TestInitRepo(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	bs := blockstore.NewMemBlockstore()
	key := testKey(t)

	r, res, err := InitRepo(ctx, bs, testDID, key)
	require.NoError(t, err)
	require.Equal(t, testDID, r.DID())
	require.Equal(t, 0, r.RecordCount())
	require.Equal(t, mst.EmptyTreeRootCID(), r.DataCID())
	require.Equal(t, res.CommitCID, r.Head())
	require.NotEmpty(t, res.Rev)

	pub, err := key.PublicKey()
	require.NoError(t, err)
	require.NoError(t, r.VerifySignature(pub))

	// the head is loadable from the store
	opened, err := OpenRepo(ctx, bs, r.Head())
	require.NoError(t, err)
	require.Equal(t, testDID, opened.DID())
	require.Equal(t, r.Rev(), opened.Rev())
}

func TestApplyWritesCreateGetDelete(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	bs := blockstore.NewMemBlockstore()
	key := testKey(t)
	r, _, err := InitRepo(ctx, bs, testDID, key)
	require.NoError(t, err)

	res, err := r.ApplyWrites(ctx, []Write{{
		Action:     WriteCreate,
		Collection: "app.bsky.feed.post",
		Rkey:       "3jabc",
		Record:     testRecord("hello"),
	}}, key, nil)
	require.NoError(t, err)
	require.Len(t, res.Ops, 1)
	require.Equal(t, "create", res.Ops[0].Action)
	require.Equal(t, "app.bsky.feed.post/3jabc", res.Ops[0].Path)
	require.NotNil(t, res.Ops[0].Cid)
	require.Nil(t, res.Ops[0].Prev)
	require.Equal(t, 1, r.RecordCount())

	rc, data, err := r.GetRecord(ctx, "app.bsky.feed.post", "3jabc")
	require.NoError(t, err)
	require.True(t, rc.Defined())
	require.Equal(t, testRecord("hello"), data)

	// rev advances strictly along the chain
	res2, err := r.ApplyWrites(ctx, []Write{{
		Action:     WriteDelete,
		Collection: "app.bsky.feed.post",
		Rkey:       "3jabc",
	}}, key, nil)
	require.NoError(t, err)
	require.Greater(t, res2.Rev, res.Rev)
	require.Equal(t, res.Rev, res2.PrevRev)
	require.Equal(t, 0, r.RecordCount())
}

func TestApplyWritesCreateOnlyConflict(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	bs := blockstore.NewMemBlockstore()
	key := testKey(t)
	r, _, err := InitRepo(ctx, bs, testDID, key)
	require.NoError(t, err)

	write := Write{
		Action:     WriteCreate,
		Collection: "app.bsky.feed.post",
		Rkey:       "3jdup",
		Record:     testRecord("one"),
	}
	_, err = r.ApplyWrites(ctx, []Write{write}, key, nil)
	require.NoError(t, err)

	headBefore := r.Head()
	countBefore := r.RecordCount()

	write.Record = testRecord("two")
	_, err = r.ApplyWrites(ctx, []Write{write}, key, nil)
	require.ErrorIs(t, err, ErrRecordExists)

	// the failed batch left the repository untouched
	require.Equal(t, headBefore, r.Head())
	require.Equal(t, countBefore, r.RecordCount())
}

func TestApplyWritesUpdateMissing(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	bs := blockstore.NewMemBlockstore()
	key := testKey(t)
	r, _, err := InitRepo(ctx, bs, testDID, key)
	require.NoError(t, err)

	_, err = r.ApplyWrites(ctx, []Write{{
		Action:     WriteUpdate,
		Collection: "app.bsky.feed.post",
		Rkey:       "3jmissing",
		Record:     testRecord("x"),
	}}, key, nil)
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestApplyWritesSwapCommit(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	bs := blockstore.NewMemBlockstore()
	key := testKey(t)
	r, _, err := InitRepo(ctx, bs, testDID, key)
	require.NoError(t, err)

	stale := testutil.RandCid(testutil.Rng(201))
	_, err = r.ApplyWrites(ctx, []Write{{
		Action:     WriteCreate,
		Collection: "app.bsky.feed.post",
		Rkey:       "3jswap",
		Record:     testRecord("x"),
	}}, key, &stale)
	require.ErrorIs(t, err, ErrConcurrentModification)

	head := r.Head()
	_, err = r.ApplyWrites(ctx, []Write{{
		Action:     WriteCreate,
		Collection: "app.bsky.feed.post",
		Rkey:       "3jswap",
		Record:     testRecord("x"),
	}}, key, &head)
	require.NoError(t, err)
}

func TestApplyWritesSwapRecord(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	bs := blockstore.NewMemBlockstore()
	key := testKey(t)
	r, _, err := InitRepo(ctx, bs, testDID, key)
	require.NoError(t, err)

	res, err := r.ApplyWrites(ctx, []Write{{
		Action:     WriteCreate,
		Collection: "app.bsky.feed.post",
		Rkey:       "3jsr",
		Record:     testRecord("v1"),
	}}, key, nil)
	require.NoError(t, err)
	current := *res.Ops[0].Cid

	wrong := testutil.RandCid(testutil.Rng(203))
	_, err = r.ApplyWrites(ctx, []Write{{
		Action:     WriteUpdate,
		Collection: "app.bsky.feed.post",
		Rkey:       "3jsr",
		Record:     testRecord("v2"),
		SwapRecord: &wrong,
	}}, key, nil)
	require.ErrorIs(t, err, ErrConcurrentModification)

	_, err = r.ApplyWrites(ctx, []Write{{
		Action:     WriteUpdate,
		Collection: "app.bsky.feed.post",
		Rkey:       "3jsr",
		Record:     testRecord("v2"),
		SwapRecord: &current,
	}}, key, nil)
	require.NoError(t, err)
}

func TestApplyWritesDeleteAbsentIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	bs := blockstore.NewMemBlockstore()
	key := testKey(t)
	r, _, err := InitRepo(ctx, bs, testDID, key)
	require.NoError(t, err)

	res, err := r.ApplyWrites(ctx, []Write{{
		Action:     WriteDelete,
		Collection: "app.bsky.feed.post",
		Rkey:       "3jnothere",
	}}, key, nil)
	require.NoError(t, err)
	require.Len(t, res.Ops, 1)
	require.Nil(t, res.Ops[0].Cid)
	require.Nil(t, res.Ops[0].Prev)
	require.Equal(t, mst.EmptyTreeRootCID(), r.DataCID())
}

func TestApplyWritesBatchAtomic(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	bs := blockstore.NewMemBlockstore()
	key := testKey(t)
	r, _, err := InitRepo(ctx, bs, testDID, key)
	require.NoError(t, err)

	headBefore := r.Head()
	rootBefore := r.DataCID()

	// the second op fails after the first already mutated the tree
	_, err = r.ApplyWrites(ctx, []Write{
		{Action: WriteCreate, Collection: "app.bsky.feed.post", Rkey: "3ja", Record: testRecord("a")},
		{Action: WriteUpdate, Collection: "app.bsky.feed.post", Rkey: "3jzz", Record: testRecord("b")},
	}, key, nil)
	require.ErrorIs(t, err, ErrRecordNotFound)

	require.Equal(t, headBefore, r.Head())
	require.Equal(t, rootBefore, r.DataCID())
	require.Equal(t, 0, r.RecordCount())

	has, err := r.tree.Has([]byte("app.bsky.feed.post/3ja"))
	require.NoError(t, err)
	require.False(t, has)
}

func TestListRecordsAndCollections(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	bs := blockstore.NewMemBlockstore()
	key := testKey(t)
	r, _, err := InitRepo(ctx, bs, testDID, key)
	require.NoError(t, err)

	var writes []Write
	for i := range 5 {
		writes = append(writes, Write{
			Action:     WriteCreate,
			Collection: "app.bsky.feed.post",
			Rkey:       fmt.Sprintf("3jpost%02d", i),
			Record:     testRecord(fmt.Sprintf("p%d", i)),
		})
	}
	writes = append(writes, Write{
		Action:     WriteCreate,
		Collection: "app.bsky.feed.like",
		Rkey:       "3jlike01",
		Record:     testRecord("l"),
	})

	_, err = r.ApplyWrites(ctx, writes, key, nil)
	require.NoError(t, err)

	posts := r.ListRecords("app.bsky.feed.post")
	require.Len(t, posts, 5)

	all := r.ListRecords("")
	require.Len(t, all, 6)

	colls := r.Collections()
	require.ElementsMatch(t, []string{"app.bsky.feed.post", "app.bsky.feed.like"}, colls)
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	bs := blockstore.NewMemBlockstore()
	key := testKey(t)
	r, _, err := InitRepo(ctx, bs, testDID, key)
	require.NoError(t, err)

	var writes []Write
	for i := range 25 {
		writes = append(writes, Write{
			Action:     WriteCreate,
			Collection: "app.bsky.feed.post",
			Rkey:       fmt.Sprintf("3jexp%04d", i),
			Record:     testRecord(fmt.Sprintf("r%d", i)),
		})
	}
	_, err = r.ApplyWrites(ctx, writes, key, nil)
	require.NoError(t, err)

	buf := new(bytes.Buffer)
	require.NoError(t, r.ExportCAR(ctx, buf))

	// import into a fresh store: same head, same records, same root
	fresh := blockstore.NewMemBlockstore()
	imported, err := ImportCAR(ctx, bytes.NewReader(buf.Bytes()), fresh)
	require.NoError(t, err)
	require.Equal(t, r.Head(), imported.Head())
	require.Equal(t, r.DataCID(), imported.DataCID())
	require.Equal(t, 25, imported.RecordCount())

	rc, data, err := imported.GetRecord(ctx, "app.bsky.feed.post", "3jexp0007")
	require.NoError(t, err)
	require.True(t, rc.Defined())
	require.Equal(t, testRecord("r7"), data)
}

func TestDiffCARContainsCommit(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	bs := blockstore.NewMemBlockstore()
	key := testKey(t)
	r, _, err := InitRepo(ctx, bs, testDID, key)
	require.NoError(t, err)

	res, err := r.ApplyWrites(ctx, []Write{{
		Action:     WriteCreate,
		Collection: "app.bsky.feed.post",
		Rkey:       "3jdiff",
		Record:     testRecord("d"),
	}}, key, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.DiffCAR)

	// the diff archive is a valid CAR rooted at the new commit, holding the
	// commit, the changed tree nodes, and the new record block
	staging := blockstore.NewMemBlockstore()
	imported, err := ImportCAR(ctx, bytes.NewReader(res.DiffCAR), staging)
	require.NoError(t, err)
	require.Equal(t, res.CommitCID, imported.Head())

	has, err := staging.Has(ctx, *res.Ops[0].Cid)
	require.NoError(t, err)
	require.True(t, has)
}
