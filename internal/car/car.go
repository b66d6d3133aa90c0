// Package car reads and writes repositories as CAR v1 archives: a
// varint-framed header carrying the root CIDs followed by a sequence of
// (cid, bytes) block records.
package car

import (
	"context"
	"errors"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"

	"github.com/arborpds/arbor/internal/blockstore"
)

// WriteHeader writes a CAR v1 header with the given roots.
func WriteHeader(w io.Writer, roots ...cid.Cid) error {
	hb, err := cbor.DumpObject(&car.CarHeader{
		Roots:   roots,
		Version: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to encode car header: %w", err)
	}

	if err := carutil.LdWrite(w, hb); err != nil {
		return fmt.Errorf("failed to write car header: %w", err)
	}
	return nil
}

// WriteBlock appends a single block record.
func WriteBlock(w io.Writer, blk blocks.Block) error {
	if err := carutil.LdWrite(w, blk.Cid().Bytes(), blk.RawData()); err != nil {
		return fmt.Errorf("failed to write block %s: %w", blk.Cid(), err)
	}
	return nil
}

// WriteRepo writes a full repository archive: header with the commit as the
// single root, the commit block first, then the remaining blocks.
func WriteRepo(w io.Writer, root cid.Cid, blks []blocks.Block) error {
	if err := WriteHeader(w, root); err != nil {
		return err
	}

	// the root commit block leads so readers can parse the head eagerly
	var rest []blocks.Block
	var rootBlk blocks.Block
	for _, blk := range blks {
		if blk.Cid().Equals(root) && rootBlk == nil {
			rootBlk = blk
			continue
		}
		rest = append(rest, blk)
	}
	if rootBlk == nil {
		return fmt.Errorf("root block %s not present in block set", root)
	}

	if err := WriteBlock(w, rootBlk); err != nil {
		return err
	}
	for _, blk := range rest {
		if err := WriteBlock(w, blk); err != nil {
			return err
		}
	}
	return nil
}

// Read imports an archive into the block store, hash-checking every
// contained block, and returns the root CIDs from the header.
func Read(ctx context.Context, r io.Reader, bs blockstore.Blockstore) ([]cid.Cid, error) {
	cr, err := car.NewCarReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read car header: %w", err)
	}

	for {
		blk, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read car block: %w", err)
		}

		if err := blockstore.Verify(blk); err != nil {
			return nil, err
		}
		if err := bs.Put(ctx, blk); err != nil {
			return nil, fmt.Errorf("failed to store car block %s: %w", blk.Cid(), err)
		}
	}

	return cr.Header.Roots, nil
}
