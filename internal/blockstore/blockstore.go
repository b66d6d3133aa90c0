package blockstore

import (
	"context"
	"errors"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// ErrNotFound is returned when a requested block does not exist in the store.
var ErrNotFound = errors.New("block not found")

// ErrCorruptBlock is returned when a block's bytes do not hash back to its
// claimed CID.
var ErrCorruptBlock = errors.New("corrupt block")

// Blockstore is a content-addressed mapping from CID to raw bytes. It is the
// minimal interface required by the MST and repo packages, and matches the
// shape of the go-ipfs-blockstore interface so implementations are
// interchangeable with the wider IPLD ecosystem.
//
// MemBlockstore is safe for concurrent use. The FoundationDB-backed
// foundation.Blockstore is not: its pending buffer has no lock.
type Blockstore interface {
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
	Has(ctx context.Context, c cid.Cid) (bool, error)
	GetSize(ctx context.Context, c cid.Cid) (int, error)
	Put(ctx context.Context, blk blocks.Block) error
	PutMany(ctx context.Context, blks []blocks.Block) error
	DeleteBlock(ctx context.Context, c cid.Cid) error
}

// Verify recomputes the hash of the block's payload using the CID's own
// prefix and compares it against the claimed CID. Returns ErrCorruptBlock on
// mismatch.
func Verify(blk blocks.Block) error {
	return VerifyBytes(blk.Cid(), blk.RawData())
}

// VerifyBytes checks that data hashes to the given CID.
func VerifyBytes(c cid.Cid, data []byte) error {
	sum, err := c.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("failed to hash block data: %w", err)
	}
	if !sum.Equals(c) {
		return fmt.Errorf("%w: claimed %s, computed %s", ErrCorruptBlock, c, sum)
	}
	return nil
}
