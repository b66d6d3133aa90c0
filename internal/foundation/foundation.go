// Package foundation persists repository state in FoundationDB: blocks, head
// records, the firehose event log, and monotonic record-key TIDs.
package foundation

import (
	"context"
	"errors"
	"fmt"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/directory"
	"github.com/apple/foundationdb/bindings/go/src/fdb/tuple"
	"go.opentelemetry.io/otel/trace"

	"github.com/arborpds/arbor/internal/metrics"
)

// ErrConcurrentModification is returned when a head compare-and-swap fails,
// indicating another writer moved the repository head concurrently.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// Options for configuring the FDB client
type Config struct {
	ClusterFile string
	APIVersion  int
}

// DB allows the caller to query FDB for saving and retrieving data
type DB struct {
	tracer trace.Tracer
	db     *fdb.Database

	// IPLD blocks keyed by (did, cid), plus a (did, rev, cid) secondary
	// index for incremental sync
	blocks      directory.DirectorySubspace
	blocksByRev directory.DirectorySubspace

	// Repository head records keyed by DID
	repos directory.DirectorySubspace

	// Firehose events keyed by versionstamp, plus the latest-seq marker
	// used for watch notifications
	events    directory.DirectorySubspace
	latestSeq directory.DirectorySubspace

	// Last TID integer per repo for monotonic record-key generation
	tidsByDID directory.DirectorySubspace
}

func New(tracer trace.Tracer, cfg Config) (*DB, error) {
	if err := fdb.APIVersion(cfg.APIVersion); err != nil {
		return nil, fmt.Errorf("failed to set fdb client api version: %w", err)
	}

	d, err := fdb.OpenDatabase(cfg.ClusterFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize fdb client from cluster file %q: %w", cfg.ClusterFile, err)
	}

	db := &DB{tracer: tracer, db: &d}

	if err := db.db.Options().SetTransactionTimeout(5000); err != nil { // milliseconds
		return nil, fmt.Errorf("failed to set fdb transaction timeout: %w", err)
	}

	if err := db.db.Options().SetTransactionRetryLimit(100); err != nil {
		return nil, fmt.Errorf("failed to set fdb transaction retry limit: %w", err)
	}

	_, err = db.db.ReadTransact(func(tx fdb.ReadTransaction) (any, error) {
		return tx.Get(fdb.Key("PING")).Get()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dirs := []struct {
		name string
		dst  *directory.DirectorySubspace
	}{
		{"blocks", &db.blocks},
		{"blocks_by_rev", &db.blocksByRev},
		{"repos", &db.repos},
		{"events", &db.events},
		{"latest_seq", &db.latestSeq},
		{"tids_by_did", &db.tidsByDID},
	}
	for _, d := range dirs {
		*d.dst, err = directory.CreateOrOpen(db.db, []string{d.name}, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", d.name, err)
		}
	}

	return db, nil
}

// Pings the database to ensure we have connectivity
func (db *DB) Ping(ctx context.Context) error {
	_, span := db.tracer.Start(ctx, "Ping")
	defer span.End()

	_, err := readTransaction(db.db, func(tx fdb.ReadTransaction) ([]byte, error) {
		return tx.Get(fdb.Key("PING")).Get()
	})

	return err
}

// Transact executes the anonymous function as a write transaction
func (db *DB) Transact(fn func(tx fdb.Transaction) error) error {
	_, err := db.db.Transact(func(tx fdb.Transaction) (any, error) {
		return nil, fn(tx)
	})
	return err
}

// observe starts a span for a DB operation and returns a completion callback
// that records the error status.
func (db *DB) observe(ctx context.Context, name string) (context.Context, trace.Span, func(error)) {
	ctx, span := db.tracer.Start(ctx, name)
	return ctx, span, func(err error) {
		metrics.SpanEnd(span, err)
	}
}

// Executes the anonymous function as a write transaction, then attempts to cast the return type
func transaction[T any](db *fdb.Database, fn func(tx fdb.Transaction) (T, error)) (T, error) {
	var t T

	resI, err := db.Transact(func(tx fdb.Transaction) (any, error) {
		return fn(tx)
	})
	if err != nil {
		return t, err
	}

	res, ok := resI.(T)
	if !ok {
		return t, fmt.Errorf("failed to cast transaction result %T to %T", resI, t)
	}

	return res, nil
}

// Executes the anonymous function as a read transaction, then attempts to cast the return type
func readTransaction[T any](db *fdb.Database, fn func(tx fdb.ReadTransaction) (T, error)) (T, error) {
	var t T

	resI, err := db.ReadTransact(func(tx fdb.ReadTransaction) (any, error) {
		return fn(tx)
	})
	if err != nil {
		return t, err
	}

	res, ok := resI.(T)
	if !ok {
		return t, fmt.Errorf("failed to cast read transaction result %T to %T", resI, t)
	}

	return res, nil
}

func pack(dir directory.DirectorySubspace, keys ...tuple.TupleElement) fdb.Key {
	tup := tuple.Tuple(keys)
	if dir == nil {
		return fdb.Key(tup.Pack())
	}
	return dir.Pack(tup)
}
