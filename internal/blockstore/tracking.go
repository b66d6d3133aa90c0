package blockstore

import (
	"context"
	"sync"

	blocks "github.com/ipfs/go-block-format"
)

// TrackingBlockstore wraps another blockstore and records every block written
// through it. After a repo mutation, NewBlocks returns only the blocks added
// during that mutation (the diff), which is what the firehose CAR payload
// carries.
type TrackingBlockstore struct {
	Blockstore

	mu    sync.Mutex
	order []string
	added map[string]blocks.Block
}

// NewTracking wraps bs, recording all subsequent writes.
func NewTracking(bs Blockstore) *TrackingBlockstore {
	return &TrackingBlockstore{
		Blockstore: bs,
		added:      make(map[string]blocks.Block),
	}
}

// Put stores a block in the underlying store and records it as new.
func (t *TrackingBlockstore) Put(ctx context.Context, blk blocks.Block) error {
	if err := t.Blockstore.Put(ctx, blk); err != nil {
		return err
	}
	t.record(blk)
	return nil
}

// PutMany stores multiple blocks, recording each as new.
func (t *TrackingBlockstore) PutMany(ctx context.Context, blks []blocks.Block) error {
	for _, blk := range blks {
		if err := t.Put(ctx, blk); err != nil {
			return err
		}
	}
	return nil
}

func (t *TrackingBlockstore) record(blk blocks.Block) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := blk.Cid().KeyString()
	if _, ok := t.added[key]; !ok {
		t.order = append(t.order, key)
	}
	t.added[key] = blk
}

// NewBlocks returns the blocks written through this wrapper, in first-write
// order.
func (t *TrackingBlockstore) NewBlocks() []blocks.Block {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]blocks.Block, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, t.added[key])
	}
	return out
}
