package foundation

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"go.opentelemetry.io/otel/attribute"

	"github.com/arborpds/arbor/internal/firehose"
)

// RepoHead is the durable per-repository record: the DID, head commit CID,
// head rev, MST root CID, and the account's signing key bytes.
type RepoHead struct {
	Did        string
	Rev        string
	Head       cid.Cid
	Root       cid.Cid
	SigningKey []byte
}

// GetRepoHead returns the head record for a DID, or nil when the repository
// does not exist.
func (db *DB) GetRepoHead(ctx context.Context, did string) (head *RepoHead, err error) {
	_, span, done := db.observe(ctx, "GetRepoHead")
	defer func() { done(err) }()

	span.SetAttributes(attribute.String("did", did))

	head, err = readTransaction(db.db, func(tx fdb.ReadTransaction) (*RepoHead, error) {
		return db.getRepoHeadTx(tx, did)
	})
	return
}

func (db *DB) getRepoHeadTx(tx fdb.ReadTransaction, did string) (*RepoHead, error) {
	val, err := tx.Get(pack(db.repos, did)).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get repo head: %w", err)
	}
	if len(val) == 0 {
		return nil, nil
	}

	var head RepoHead
	if err := head.UnmarshalCBOR(bytes.NewReader(val)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal repo head: %w", err)
	}
	return &head, nil
}

// SaveRepoHeadTx writes a head record within an existing transaction.
func (db *DB) SaveRepoHeadTx(tx fdb.Transaction, head *RepoHead) error {
	buf := new(bytes.Buffer)
	if err := head.MarshalCBOR(buf); err != nil {
		return fmt.Errorf("failed to marshal repo head: %w", err)
	}

	tx.Set(pack(db.repos, head.Did), buf.Bytes())
	return nil
}

// CommitWrites atomically applies one commit's durable effects: pending
// blocks flush, the head record swaps from expectHead to head, and the event
// is appended to the firehose log. When the stored head no longer matches
// expectHead another writer won the race and ErrConcurrentModification is
// returned with nothing written.
//
// expectHead is the head commit CID string observed when the repository was
// opened; empty means the repository must not exist yet.
func (db *DB) CommitWrites(ctx context.Context, bs *Blockstore, head *RepoHead, expectHead string, event *firehose.Event) (err error) {
	_, span, done := db.observe(ctx, "CommitWrites")
	defer func() { done(err) }()

	span.SetAttributes(
		attribute.String("did", head.Did),
		attribute.String("rev", head.Rev),
		attribute.String("head", head.Head.String()),
	)

	err = db.Transact(func(tx fdb.Transaction) error {
		current, err := db.getRepoHeadTx(tx, head.Did)
		if err != nil {
			return err
		}

		switch {
		case current == nil && expectHead != "":
			return ErrConcurrentModification
		case current != nil && current.Head.String() != expectHead:
			return ErrConcurrentModification
		}

		bs.FlushTx(tx)

		if err := db.SaveRepoHeadTx(tx, head); err != nil {
			return err
		}

		if event != nil {
			if err := db.WriteEventTx(tx, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	bs.ClearPending()
	return nil
}

// ListRepos returns the head records of every repository, in DID order.
func (db *DB) ListRepos(ctx context.Context) (heads []*RepoHead, err error) {
	_, _, done := db.observe(ctx, "ListRepos")
	defer func() { done(err) }()

	heads, err = readTransaction(db.db, func(tx fdb.ReadTransaction) ([]*RepoHead, error) {
		rangeBegin := db.repos.FDBKey()
		rangeEnd := fdb.Key(append(db.repos.Bytes(), 0xFF))

		var out []*RepoHead
		iter := tx.GetRange(fdb.KeyRange{Begin: rangeBegin, End: rangeEnd}, fdb.RangeOptions{}).Iterator()
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, fmt.Errorf("failed to iterate repos: %w", err)
			}

			var head RepoHead
			if err := head.UnmarshalCBOR(bytes.NewReader(kv.Value)); err != nil {
				return nil, fmt.Errorf("failed to unmarshal repo head: %w", err)
			}
			out = append(out, &head)
		}
		return out, nil
	})
	return
}

// MarshalCBOR writes the head record with map keys in canonical order.
func (h *RepoHead) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)

	if err := cw.WriteMajorTypeHeader(cbg.MajMap, 5); err != nil {
		return err
	}

	// "did"
	if err := writeHeadKey(cw, "did"); err != nil {
		return err
	}
	if err := writeHeadString(cw, h.Did); err != nil {
		return err
	}

	// "key"
	if err := writeHeadKey(cw, "key"); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(h.SigningKey))); err != nil {
		return err
	}
	if _, err := cw.Write(h.SigningKey); err != nil {
		return err
	}

	// "rev"
	if err := writeHeadKey(cw, "rev"); err != nil {
		return err
	}
	if err := writeHeadString(cw, h.Rev); err != nil {
		return err
	}

	// "head"
	if err := writeHeadKey(cw, "head"); err != nil {
		return err
	}
	if err := cbg.WriteCid(cw, h.Head); err != nil {
		return err
	}

	// "root"
	if err := writeHeadKey(cw, "root"); err != nil {
		return err
	}
	return cbg.WriteCid(cw, h.Root)
}

func (h *RepoHead) UnmarshalCBOR(r io.Reader) error {
	*h = RepoHead{}
	cr := cbg.NewCborReader(r)

	maj, n, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajMap {
		return fmt.Errorf("repo head must be a map, got major type %d", maj)
	}

	keyBuf := make([]byte, 8)
	for range n {
		maj, klen, err := cr.ReadHeader()
		if err != nil {
			return err
		}
		if maj != cbg.MajTextString || klen > uint64(len(keyBuf)) {
			return fmt.Errorf("bad repo head map key")
		}
		if _, err := io.ReadFull(cr, keyBuf[:klen]); err != nil {
			return err
		}

		switch string(keyBuf[:klen]) {
		case "did":
			h.Did, err = readHeadString(cr)
		case "rev":
			h.Rev, err = readHeadString(cr)
		case "head":
			h.Head, err = cbg.ReadCid(cr)
		case "root":
			h.Root, err = cbg.ReadCid(cr)
		case "key":
			var maj byte
			var blen uint64
			maj, blen, err = cr.ReadHeader()
			if err != nil {
				return err
			}
			if maj != cbg.MajByteString || blen > 256 {
				return fmt.Errorf("bad repo head signing key")
			}
			h.SigningKey = make([]byte, blen)
			_, err = io.ReadFull(cr, h.SigningKey)
		default:
			return fmt.Errorf("unknown repo head field %q", keyBuf[:klen])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeHeadKey(cw *cbg.CborWriter, key string) error {
	return writeHeadString(cw, key)
}

func writeHeadString(cw *cbg.CborWriter, s string) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(s))); err != nil {
		return err
	}
	_, err := cw.Write([]byte(s))
	return err
}

func readHeadString(cr *cbg.CborReader) (string, error) {
	maj, n, err := cr.ReadHeader()
	if err != nil {
		return "", err
	}
	if maj != cbg.MajTextString || n > 8192 {
		return "", fmt.Errorf("bad repo head string")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(cr, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
