package blockstore

import (
	"context"
	"fmt"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// MemBlockstore is an in-memory blockstore backed by a map. It is used for
// tests, CAR import staging, and as the working set of an in-memory repo.
type MemBlockstore struct {
	mu     sync.RWMutex
	blocks map[string]blocks.Block
}

// NewMemBlockstore creates an empty in-memory blockstore.
func NewMemBlockstore() *MemBlockstore {
	return &MemBlockstore{blocks: make(map[string]blocks.Block, 64)}
}

// Get retrieves a block by CID.
func (m *MemBlockstore) Get(_ context.Context, c cid.Cid) (blocks.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blk, ok := m.blocks[c.KeyString()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, c)
	}
	return blk, nil
}

// Has reports whether a block exists.
func (m *MemBlockstore) Has(_ context.Context, c cid.Cid) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.blocks[c.KeyString()]
	return ok, nil
}

// GetSize returns the size of a block.
func (m *MemBlockstore) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	blk, err := m.Get(ctx, c)
	if err != nil {
		return 0, err
	}
	return len(blk.RawData()), nil
}

// Put stores a block after verifying that its bytes hash back to its CID.
// Re-putting an identical block is a no-op.
func (m *MemBlockstore) Put(_ context.Context, blk blocks.Block) error {
	if err := Verify(blk); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocks[blk.Cid().KeyString()] = blk
	return nil
}

// PutMany stores multiple blocks. Each block is verified and persisted
// independently; a failure leaves earlier blocks stored.
func (m *MemBlockstore) PutMany(ctx context.Context, blks []blocks.Block) error {
	for _, blk := range blks {
		if err := m.Put(ctx, blk); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBlock removes a block by CID. The caller is responsible for
// guaranteeing the block is unreachable.
func (m *MemBlockstore) DeleteBlock(_ context.Context, c cid.Cid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blocks, c.KeyString())
	return nil
}

// Len returns the number of stored blocks.
func (m *MemBlockstore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.blocks)
}

// AllBlocks returns every stored block in arbitrary order.
func (m *MemBlockstore) AllBlocks() []blocks.Block {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]blocks.Block, 0, len(m.blocks))
	for _, blk := range m.blocks {
		out = append(out, blk)
	}
	return out
}
