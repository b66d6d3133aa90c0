package foundation

import (
	"context"
	"fmt"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arborpds/arbor/internal/blockstore"
	"github.com/arborpds/arbor/internal/metrics"
)

// Blockstore implements a per-DID block store backed by FoundationDB.
//
// The blockstore uses a write buffer (pending) to provide read-your-writes
// semantics within a request. This is necessary because tree operations
// create blocks and then immediately read them back. The pending map allows
// Get to return blocks that haven't been flushed to FDB yet.
//
// Typical flow:
//  1. Tree operations call Put() → blocks go to pending map
//  2. Tree operations call Get() → checks pending first, then FDB
//  3. At commit time, FlushTx() writes all pending blocks to FDB atomically
//  4. ClearPending() is called after successful transaction commit
//
// A Blockstore is not safe for concurrent use: the pending map is accessed
// without a lock.
type Blockstore struct {
	db     *DB
	tracer trace.Tracer
	did    string

	// rev is the revision being written. When set, flushed blocks also
	// populate the blocks_by_rev index used for incremental sync.
	rev string

	// pending holds blocks that have been Put but not yet flushed to FDB.
	pending map[string]blocks.Block
}

// NewBlockstore creates a new blockstore for the given DID.
func (db *DB) NewBlockstore(did string) *Blockstore {
	return &Blockstore{
		db:      db,
		tracer:  db.tracer,
		did:     did,
		pending: make(map[string]blocks.Block),
	}
}

// SetRev sets the revision under which flushed blocks are indexed.
func (bs *Blockstore) SetRev(rev string) {
	bs.rev = rev
}

// Get retrieves a block by its CID.
func (bs *Blockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	_, span := bs.tracer.Start(ctx, "Blockstore.Get")
	defer span.End()

	span.SetAttributes(
		attribute.String("did", bs.did),
		attribute.String("cid", c.String()),
	)

	// check pending first
	if blk, ok := bs.pending[c.KeyString()]; ok {
		return blk, nil
	}

	key := pack(bs.db.blocks, bs.did, c.Bytes())

	val, err := readTransaction(bs.db.db, func(tx fdb.ReadTransaction) ([]byte, error) {
		return tx.Get(key).Get()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get block: %w", err)
	}
	if val == nil {
		return nil, fmt.Errorf("%w: %s", blockstore.ErrNotFound, c)
	}

	return blocks.NewBlockWithCid(val, c)
}

// Has returns whether the blockstore contains a block with the given CID.
func (bs *Blockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	_, span := bs.tracer.Start(ctx, "Blockstore.Has")
	defer span.End()

	span.SetAttributes(
		attribute.String("did", bs.did),
		attribute.String("cid", c.String()),
	)

	// check pending first
	if _, ok := bs.pending[c.KeyString()]; ok {
		return true, nil
	}

	key := pack(bs.db.blocks, bs.did, c.Bytes())

	val, err := readTransaction(bs.db.db, func(tx fdb.ReadTransaction) ([]byte, error) {
		return tx.Get(key).Get()
	})
	if err != nil {
		return false, fmt.Errorf("failed to check block: %w", err)
	}

	return val != nil, nil
}

// GetSize returns the size of a block.
func (bs *Blockstore) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	blk, err := bs.Get(ctx, c)
	if err != nil {
		return 0, err
	}
	return len(blk.RawData()), nil
}

// Put buffers a block after verifying its bytes hash back to its CID. The
// block is held in memory until Flush or FlushTx is called.
func (bs *Blockstore) Put(ctx context.Context, blk blocks.Block) error {
	_, span := bs.tracer.Start(ctx, "Blockstore.Put")
	defer span.End()

	span.SetAttributes(
		attribute.String("did", bs.did),
		attribute.String("cid", blk.Cid().String()),
		attribute.Int("size", len(blk.RawData())),
	)

	if err := blockstore.Verify(blk); err != nil {
		return err
	}

	bs.pending[blk.Cid().KeyString()] = blk
	return nil
}

// PutMany buffers multiple blocks.
func (bs *Blockstore) PutMany(ctx context.Context, blks []blocks.Block) error {
	_, span := bs.tracer.Start(ctx, "Blockstore.PutMany")
	defer span.End()

	span.SetAttributes(
		attribute.String("did", bs.did),
		attribute.Int("count", len(blks)),
	)

	for _, blk := range blks {
		if err := blockstore.Verify(blk); err != nil {
			return err
		}
		bs.pending[blk.Cid().KeyString()] = blk
	}
	return nil
}

// Flush writes all pending blocks to FoundationDB.
func (bs *Blockstore) Flush(ctx context.Context) error {
	_, span := bs.tracer.Start(ctx, "Blockstore.Flush")
	defer span.End()

	span.SetAttributes(
		attribute.String("did", bs.did),
		attribute.Int("pending_count", len(bs.pending)),
	)

	if len(bs.pending) == 0 {
		return nil
	}

	err := bs.db.Transact(func(tx fdb.Transaction) error {
		bs.FlushTx(tx)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to flush blocks: %w", err)
	}

	// clear pending after successful flush
	bs.ClearPending()
	return nil
}

// FlushTx writes all pending blocks within an existing transaction.
// Call ClearPending after the transaction commits successfully.
func (bs *Blockstore) FlushTx(tx fdb.Transaction) {
	for _, blk := range bs.pending {
		key := pack(bs.db.blocks, bs.did, blk.Cid().Bytes())
		tx.Set(key, blk.RawData())

		if bs.rev != "" {
			revKey := pack(bs.db.blocksByRev, bs.did, bs.rev, blk.Cid().Bytes())
			tx.Set(revKey, nil)
		}
	}
	metrics.BlocksWritten.Add(float64(len(bs.pending)))
}

// ClearPending clears the pending blocks map after a successful transaction.
func (bs *Blockstore) ClearPending() {
	bs.pending = make(map[string]blocks.Block)
}

// DeleteBlock removes a block from the store.
func (bs *Blockstore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	_, span := bs.tracer.Start(ctx, "Blockstore.DeleteBlock")
	defer span.End()

	span.SetAttributes(
		attribute.String("did", bs.did),
		attribute.String("cid", c.String()),
	)

	// remove from pending if present
	delete(bs.pending, c.KeyString())

	key := pack(bs.db.blocks, bs.did, c.Bytes())

	return bs.db.Transact(func(tx fdb.Transaction) error {
		tx.Clear(key)
		return nil
	})
}

// GetBlocks retrieves multiple blocks by their CIDs for a given DID.
// Returns the blocks that were found. Missing blocks are silently skipped.
func (db *DB) GetBlocks(ctx context.Context, did string, cids []cid.Cid) (result []blocks.Block, err error) {
	_, span, done := db.observe(ctx, "GetBlocks")
	defer func() { done(err) }()

	span.SetAttributes(
		attribute.String("did", did),
		attribute.Int("num_cids", len(cids)),
	)

	result, err = readTransaction(db.db, func(tx fdb.ReadTransaction) ([]blocks.Block, error) {
		blks := make([]blocks.Block, 0, len(cids))
		for _, c := range cids {
			val, err := tx.Get(pack(db.blocks, did, c.Bytes())).Get()
			if err != nil {
				return nil, fmt.Errorf("failed to get block: %w", err)
			}
			if val == nil {
				continue
			}

			blk, err := blocks.NewBlockWithCid(val, c)
			if err != nil {
				return nil, fmt.Errorf("failed to create block: %w", err)
			}
			blks = append(blks, blk)
		}
		return blks, nil
	})

	return
}

// GetAllBlocks retrieves all blocks for a given DID.
func (db *DB) GetAllBlocks(ctx context.Context, did string) (result []blocks.Block, err error) {
	_, span, done := db.observe(ctx, "GetAllBlocks")
	defer func() { done(err) }()

	span.SetAttributes(attribute.String("did", did))

	result, err = readTransaction(db.db, func(tx fdb.ReadTransaction) ([]blocks.Block, error) {
		rangeBegin := pack(db.blocks, did)
		rangeEnd := pack(db.blocks, did+"\xff")

		kr := fdb.KeyRange{Begin: rangeBegin, End: rangeEnd}

		var blks []blocks.Block
		iter := tx.GetRange(kr, fdb.RangeOptions{}).Iterator()
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, fmt.Errorf("failed to iterate blocks: %w", err)
			}

			// extract CID bytes from the key tuple (did, cid_bytes)
			tup, err := db.blocks.Unpack(kv.Key)
			if err != nil {
				return nil, fmt.Errorf("failed to unpack block key: %w", err)
			}
			if len(tup) < 2 {
				continue
			}

			cidBytes, ok := tup[1].([]byte)
			if !ok {
				continue
			}

			_, c, err := cid.CidFromBytes(cidBytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse cid from key: %w", err)
			}

			blk, err := blocks.NewBlockWithCid(kv.Value, c)
			if err != nil {
				return nil, fmt.Errorf("failed to create block: %w", err)
			}

			blks = append(blks, blk)
		}

		return blks, nil
	})

	return
}

// GetBlocksSince retrieves all blocks added after the given revision.
// Used for incremental sync via the `since` parameter.
func (db *DB) GetBlocksSince(ctx context.Context, did string, sinceRev string) (result []blocks.Block, err error) {
	_, span, done := db.observe(ctx, "GetBlocksSince")
	defer func() { done(err) }()

	span.SetAttributes(
		attribute.String("did", did),
		attribute.String("since", sinceRev),
	)

	result, err = readTransaction(db.db, func(tx fdb.ReadTransaction) ([]blocks.Block, error) {
		// query the secondary index for all revisions after sinceRev
		// use sinceRev + "\x00" to exclude the exact sinceRev
		rangeBegin := pack(db.blocksByRev, did, sinceRev+"\x00")
		rangeEnd := pack(db.blocksByRev, did+"\xff")

		kr := fdb.KeyRange{Begin: rangeBegin, End: rangeEnd}

		// collect all CIDs from the secondary index
		var cids []cid.Cid
		iter := tx.GetRange(kr, fdb.RangeOptions{}).Iterator()
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, fmt.Errorf("failed to iterate blocks_by_rev: %w", err)
			}

			// extract CID bytes from the key tuple (did, rev, cid_bytes)
			tup, err := db.blocksByRev.Unpack(kv.Key)
			if err != nil {
				return nil, fmt.Errorf("failed to unpack blocks_by_rev key: %w", err)
			}
			if len(tup) < 3 {
				continue
			}

			cidBytes, ok := tup[2].([]byte)
			if !ok {
				continue
			}

			_, c, err := cid.CidFromBytes(cidBytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse cid from key: %w", err)
			}

			cids = append(cids, c)
		}

		// fetch the actual block data from the primary index
		blks := make([]blocks.Block, 0, len(cids))
		for _, c := range cids {
			key := pack(db.blocks, did, c.Bytes())
			val, err := tx.Get(key).Get()
			if err != nil {
				return nil, fmt.Errorf("failed to get block: %w", err)
			}
			if val == nil {
				// block was deleted, skip
				continue
			}

			blk, err := blocks.NewBlockWithCid(val, c)
			if err != nil {
				return nil, fmt.Errorf("failed to create block: %w", err)
			}
			blks = append(blks, blk)
		}

		return blks, nil
	})

	return
}
