// Package repo implements the signed, chained repository layer: commits
// anchoring an MST root, atomic multi-write application, and CAR diff
// generation for downstream consumers.
package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/arborpds/arbor/internal/blockstore"
	"github.com/arborpds/arbor/internal/car"
	"github.com/arborpds/arbor/internal/mst"
)

// ErrConcurrentModification is returned when an optimistic-concurrency check
// fails: the caller's expected head commit or record CID no longer matches
// the repository's current state.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// ErrNotInitialized is returned when operating on a repository that has no
// head commit yet.
var ErrNotInitialized = errors.New("repository not initialized")

// ErrRecordExists is returned by create-only writes when the key is already
// present.
var ErrRecordExists = errors.New("record already exists")

// ErrRecordNotFound is returned by update writes against an absent key.
var ErrRecordNotFound = errors.New("record not found")

// cidBuilder computes CIDs for DAG-CBOR encoded blocks.
var cidBuilder = cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256)

// WriteAction identifies the kind of a single repository mutation.
type WriteAction string

const (
	WriteCreate WriteAction = "create"
	WriteUpdate WriteAction = "update"
	WriteDelete WriteAction = "delete"
)

// Write is a single operation within an atomic batch. Record carries the
// DAG-CBOR encoded payload for creates and updates and is ignored for
// deletes. SwapRecord optionally pins the expected current record CID.
type Write struct {
	Action     WriteAction
	Collection string
	Rkey       string
	Record     []byte
	SwapRecord *cid.Cid
}

// Op describes one applied write, in the shape firehose consumers expect.
type Op struct {
	Action string
	Path   string
	Cid    *cid.Cid
	Prev   *cid.Cid
}

// CommitResult captures everything about a commit that downstream consumers
// need to build event payloads.
type CommitResult struct {
	CommitCID cid.Cid
	Rev       string
	PrevRev   string
	PrevData  *cid.Cid
	Ops       []Op
	DiffCAR   []byte
}

// Repo is a single repository: a DID, its head commit, and the MST holding
// its records. All mutations go through ApplyWrites. A Repo holds no lock:
// concurrent ApplyWrites calls on one instance are not serialized, and reads
// that overlap a write are not isolated from it.
type Repo struct {
	did    string
	bs     blockstore.Blockstore
	clk    *Clock
	head   cid.Cid
	commit *Commit
	tree   *mst.Tree
}

// InitRepo creates an empty repository: an empty MST and an initial signed
// commit with a nil prev pointer.
func InitRepo(ctx context.Context, bs blockstore.Blockstore, did string, key atcrypto.PrivateKey) (*Repo, *CommitResult, error) {
	tbs := blockstore.NewTracking(bs)
	tree := mst.NewEmptyTree()

	root, err := tree.WriteDiffBlocks(ctx, tbs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to write empty tree: %w", err)
	}

	clk := NewClock()
	commit := &Commit{
		DID:     did,
		Version: Version,
		Data:    *root,
		Rev:     clk.Next().String(),
		Prev:    nil,
	}
	if err := commit.Sign(key); err != nil {
		return nil, nil, err
	}

	commitCID, err := storeCommit(ctx, tbs, commit)
	if err != nil {
		return nil, nil, err
	}

	diffCAR, err := diffCARBytes(commitCID, tbs.NewBlocks())
	if err != nil {
		return nil, nil, err
	}

	r := &Repo{
		did:    did,
		bs:     bs,
		clk:    clk,
		head:   commitCID,
		commit: commit,
		tree:   tree,
	}
	res := &CommitResult{
		CommitCID: commitCID,
		Rev:       commit.Rev,
		DiffCAR:   diffCAR,
	}
	return r, res, nil
}

// OpenRepo loads a repository from its head commit CID. The MST is verified
// and indexed eagerly; the clock resumes from the head's rev.
func OpenRepo(ctx context.Context, bs blockstore.Blockstore, head cid.Cid) (*Repo, error) {
	blk, err := bs.Get(ctx, head)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit block: %w", err)
	}
	if err := blockstore.VerifyBytes(head, blk.RawData()); err != nil {
		return nil, err
	}

	var commit Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(blk.RawData())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal commit: %w", err)
	}
	if commit.Version != Version {
		return nil, fmt.Errorf("unsupported repo version %d", commit.Version)
	}

	tree, err := mst.LoadTree(ctx, bs, commit.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to load tree: %w", err)
	}

	rev, err := ParseTID(commit.Rev)
	if err != nil {
		return nil, fmt.Errorf("commit has invalid rev: %w", err)
	}

	return &Repo{
		did:    commit.DID,
		bs:     bs,
		clk:    ClockAt(rev),
		head:   head,
		commit: &commit,
		tree:   tree,
	}, nil
}

// DID returns the repository's account identifier.
func (r *Repo) DID() string { return r.did }

// Head returns the current head commit CID.
func (r *Repo) Head() cid.Cid { return r.head }

// Rev returns the current head commit rev.
func (r *Repo) Rev() string { return r.commit.Rev }

// DataCID returns the MST root referenced by the head commit.
func (r *Repo) DataCID() cid.Cid { return r.commit.Data }

// RecordCount returns the number of records held.
func (r *Repo) RecordCount() int { return r.tree.Count() }

// VerifySignature checks the head commit's signature.
func (r *Repo) VerifySignature(pub atcrypto.PublicKey) error {
	return r.commit.VerifySignature(pub)
}

// GetRecord returns the CID and raw bytes of a record, or (Undef, nil, nil)
// when absent.
func (r *Repo) GetRecord(ctx context.Context, collection, rkey string) (cid.Cid, []byte, error) {
	key := []byte(collection + "/" + rkey)
	rc, err := r.tree.Get(key)
	if err != nil {
		return cid.Undef, nil, err
	}
	if rc == nil {
		return cid.Undef, nil, nil
	}

	blk, err := r.bs.Get(ctx, *rc)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("failed to get record block: %w", err)
	}
	return *rc, blk.RawData(), nil
}

// ListRecords returns the entries of one collection, in ascending rkey
// order. An empty collection returns every record in the repository.
func (r *Repo) ListRecords(collection string) []mst.Entry {
	prefix := ""
	if collection != "" {
		prefix = collection + "/"
	}

	var out []mst.Entry
	_ = r.tree.Walk(func(key []byte, val cid.Cid) error {
		if prefix != "" && !bytes.HasPrefix(key, []byte(prefix)) {
			return nil
		}
		out = append(out, mst.Entry{Key: bytes.Clone(key), Value: val})
		return nil
	})
	return out
}

// Collections returns the distinct collection names present.
func (r *Repo) Collections() []string {
	seen := make(map[string]bool)
	var out []string
	_ = r.tree.Walk(func(key []byte, _ cid.Cid) error {
		if i := bytes.IndexByte(key, '/'); i > 0 {
			coll := string(key[:i])
			if !seen[coll] {
				seen[coll] = true
				out = append(out, coll)
			}
		}
		return nil
	})
	return out
}

// ApplyWrites applies a batch of writes atomically: record blocks and tree
// nodes are staged, a new commit is signed and stored, and only then does
// the in-memory head advance. On any failure the head is unchanged; staged
// blocks are unreachable and harmless.
//
// swapCommit, when non-nil, pins the expected current head; a mismatch fails
// with ErrConcurrentModification before any mutation.
func (r *Repo) ApplyWrites(ctx context.Context, writes []Write, key atcrypto.PrivateKey, swapCommit *cid.Cid) (*CommitResult, error) {
	if !r.head.Defined() {
		return nil, ErrNotInitialized
	}
	if swapCommit != nil && !swapCommit.Equals(r.head) {
		return nil, fmt.Errorf("%w: head is %s, expected %s", ErrConcurrentModification, r.head, swapCommit)
	}
	if len(writes) == 0 {
		return nil, fmt.Errorf("empty write batch")
	}

	res, err := r.applyWrites(ctx, writes, key)
	if err != nil {
		// roll the in-memory tree back to the head state; every block the
		// head references is already durable in the store
		if tree, lerr := mst.LoadTree(ctx, r.bs, r.commit.Data); lerr == nil {
			r.tree = tree
		}
		return nil, err
	}
	return res, nil
}

func (r *Repo) applyWrites(ctx context.Context, writes []Write, key atcrypto.PrivateKey) (*CommitResult, error) {
	tbs := blockstore.NewTracking(r.bs)
	ops := make([]Op, 0, len(writes))

	for _, w := range writes {
		path := w.Collection + "/" + w.Rkey

		prev, err := r.tree.Get([]byte(path))
		if err != nil {
			return nil, err
		}
		if w.SwapRecord != nil && (prev == nil || !prev.Equals(*w.SwapRecord)) {
			return nil, fmt.Errorf("%w: record %s does not match swap", ErrConcurrentModification, path)
		}

		switch w.Action {
		case WriteCreate, WriteUpdate:
			if w.Action == WriteCreate && prev != nil {
				return nil, fmt.Errorf("%w: %s", ErrRecordExists, path)
			}
			if w.Action == WriteUpdate && prev == nil {
				return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, path)
			}

			recordCID, err := storeRecord(ctx, tbs, w.Record)
			if err != nil {
				return nil, err
			}
			if _, err := r.tree.Insert([]byte(path), recordCID); err != nil {
				return nil, fmt.Errorf("failed to insert record into tree: %w", err)
			}

			rc := recordCID
			ops = append(ops, Op{Action: string(w.Action), Path: path, Cid: &rc, Prev: prev})

		case WriteDelete:
			// deleting an absent record is a success with no change
			if _, err := r.tree.Remove([]byte(path)); err != nil {
				return nil, fmt.Errorf("failed to remove record from tree: %w", err)
			}
			ops = append(ops, Op{Action: string(w.Action), Path: path, Prev: prev})

		default:
			return nil, fmt.Errorf("unknown write action %q", w.Action)
		}
	}

	root, err := r.tree.WriteDiffBlocks(ctx, tbs)
	if err != nil {
		return nil, fmt.Errorf("failed to write tree blocks: %w", err)
	}

	prevHead := r.head
	commit := &Commit{
		DID:     r.did,
		Version: Version,
		Data:    *root,
		Rev:     r.clk.Next().String(),
		Prev:    &prevHead,
	}
	if err := commit.Sign(key); err != nil {
		return nil, err
	}

	commitCID, err := storeCommit(ctx, tbs, commit)
	if err != nil {
		return nil, err
	}

	diffCAR, err := diffCARBytes(commitCID, tbs.NewBlocks())
	if err != nil {
		return nil, err
	}

	res := &CommitResult{
		CommitCID: commitCID,
		Rev:       commit.Rev,
		PrevRev:   r.commit.Rev,
		PrevData:  &r.commit.Data,
		Ops:       ops,
		DiffCAR:   diffCAR,
	}

	// the head pointer moves only after every block is stored
	r.head = commitCID
	r.commit = commit
	return res, nil
}

// ExportCAR writes the full repository (head commit plus every reachable
// block) as a CAR v1 archive.
func (r *Repo) ExportCAR(ctx context.Context, w io.Writer) error {
	if !r.head.Defined() {
		return ErrNotInitialized
	}

	var blks []blocks.Block

	headBlk, err := r.bs.Get(ctx, r.head)
	if err != nil {
		return fmt.Errorf("failed to get commit block: %w", err)
	}
	blks = append(blks, headBlk)

	// walk the tree's nodes and records through a fresh load so only blocks
	// reachable from the head land in the archive
	seen := map[string]bool{r.head.KeyString(): true}
	if err := collectTree(ctx, r.bs, r.commit.Data, seen, &blks); err != nil {
		return err
	}
	err = r.tree.Walk(func(_ []byte, val cid.Cid) error {
		if seen[val.KeyString()] {
			return nil
		}
		seen[val.KeyString()] = true
		blk, err := r.bs.Get(ctx, val)
		if err != nil {
			return fmt.Errorf("failed to get record block %s: %w", val, err)
		}
		blks = append(blks, blk)
		return nil
	})
	if err != nil {
		return err
	}

	return car.WriteRepo(w, r.head, blks)
}

// collectTree gathers the blocks of every tree node reachable from root.
func collectTree(ctx context.Context, bs blockstore.Blockstore, root cid.Cid, seen map[string]bool, out *[]blocks.Block) error {
	side := blockstore.NewMemBlockstore()
	if _, err := mst.LoadTree(ctx, newRecordingStore(bs, side), root); err != nil {
		return fmt.Errorf("failed to walk tree for export: %w", err)
	}
	for _, blk := range side.AllBlocks() {
		if seen[blk.Cid().KeyString()] {
			continue
		}
		seen[blk.Cid().KeyString()] = true
		*out = append(*out, blk)
	}
	return nil
}

// recordingStore forwards reads to the primary store while copying every
// fetched block into a side store.
type recordingStore struct {
	blockstore.Blockstore
	side blockstore.Blockstore
}

func newRecordingStore(primary, side blockstore.Blockstore) *recordingStore {
	return &recordingStore{Blockstore: primary, side: side}
}

func (r *recordingStore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	blk, err := r.Blockstore.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := r.side.Put(ctx, blk); err != nil {
		return nil, err
	}
	return blk, nil
}

// ImportCAR loads a repository archive into the block store, hash-checking
// every block, and opens the repository at the archive's root commit.
func ImportCAR(ctx context.Context, rd io.Reader, bs blockstore.Blockstore) (*Repo, error) {
	roots, err := car.Read(ctx, rd, bs)
	if err != nil {
		return nil, err
	}
	if len(roots) != 1 {
		return nil, fmt.Errorf("expected a single root in repo archive, got %d", len(roots))
	}
	return OpenRepo(ctx, bs, roots[0])
}

// storeRecord encodes nothing: record payloads arrive as opaque DAG-CBOR
// bytes. It computes the record CID, stores the block, and returns the CID.
func storeRecord(ctx context.Context, bs blockstore.Blockstore, data []byte) (cid.Cid, error) {
	if len(data) == 0 {
		return cid.Undef, fmt.Errorf("empty record payload")
	}

	c, err := cidBuilder.Sum(data)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to compute record CID: %w", err)
	}

	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to create record block: %w", err)
	}
	if err := bs.Put(ctx, blk); err != nil {
		return cid.Undef, fmt.Errorf("failed to store record block: %w", err)
	}
	return c, nil
}

// storeCommit serializes and stores a commit block, returning its CID.
func storeCommit(ctx context.Context, bs blockstore.Blockstore, commit *Commit) (cid.Cid, error) {
	buf := new(bytes.Buffer)
	if err := commit.MarshalCBOR(buf); err != nil {
		return cid.Undef, fmt.Errorf("failed to marshal commit: %w", err)
	}

	c, err := cidBuilder.Sum(buf.Bytes())
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to compute commit CID: %w", err)
	}

	blk, err := blocks.NewBlockWithCid(buf.Bytes(), c)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to create commit block: %w", err)
	}
	if err := bs.Put(ctx, blk); err != nil {
		return cid.Undef, fmt.Errorf("failed to store commit block: %w", err)
	}
	return c, nil
}

// diffCARBytes builds the CAR payload carrying only the blocks created by
// one commit, the commit block first.
func diffCARBytes(commitCID cid.Cid, blks []blocks.Block) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := car.WriteRepo(buf, commitCID, blks); err != nil {
		return nil, fmt.Errorf("failed to build diff car: %w", err)
	}
	return buf.Bytes(), nil
}
