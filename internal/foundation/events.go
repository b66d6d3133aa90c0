package foundation

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/tuple"
	"go.opentelemetry.io/otel/attribute"

	"github.com/arborpds/arbor/internal/firehose"
)

const (
	// versionstampLength is the length of an FDB versionstamp (10 bytes)
	// 8 bytes for commit version + 2 bytes for batch order
	versionstampLength = 10

	// latestSeqKey is the key used to store the latest sequence marker
	latestSeqKey = "latest"
)

// WriteEventTx appends a firehose event to the event log within an existing
// transaction. The event's sequence number is assigned by FDB's versionstamp
// at commit time; readers recover it from the key.
func (db *DB) WriteEventTx(tx fdb.Transaction, event *firehose.Event) error {
	buf := new(bytes.Buffer)
	if err := event.MarshalCBOR(buf); err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// create a key with versionstamp placeholder
	// the format for SetVersionstampedKey is: prefix + placeholder + suffix
	// where placeholder is 14 bytes (10 byte versionstamp + 4 byte offset)
	prefix := db.events.Bytes()

	placeholder := make([]byte, 14)
	binary.LittleEndian.PutUint32(placeholder[10:], uint32(len(prefix)))

	key := append([]byte(nil), prefix...)
	key = append(key, placeholder...)
	tx.SetVersionstampedKey(fdb.Key(key), buf.Bytes())

	// update the latest sequence marker so watchers can detect new events
	latestKey := db.latestSeq.Pack(tuple.Tuple{latestSeqKey})
	latestPlaceholder := make([]byte, 14)
	tx.SetVersionstampedValue(latestKey, latestPlaceholder)

	return nil
}

// EventsSince retrieves events with a sequence number strictly greater than
// seq, up to limit. It implements the firehose.Backfill interface.
func (db *DB) EventsSince(ctx context.Context, seq int64, limit int) (events []*firehose.Event, err error) {
	_, span, done := db.observe(ctx, "EventsSince")
	defer func() { done(err) }()

	span.SetAttributes(
		attribute.Int64("seq", seq),
		attribute.Int("limit", limit),
	)

	events, err = readTransaction(db.db, func(tx fdb.ReadTransaction) ([]*firehose.Event, error) {
		prefix := db.events.Bytes()

		// start just past the cursor's versionstamp
		cursor := make([]byte, versionstampLength)
		binary.BigEndian.PutUint64(cursor[:8], uint64(seq))
		startKey := append(append([]byte(nil), prefix...), cursor...)
		startKey = append(startKey, 0x00)

		endKey := append(append([]byte(nil), prefix...), 0xFF)

		rng := fdb.KeyRange{Begin: fdb.Key(startKey), End: fdb.Key(endKey)}
		iter := tx.GetRange(rng, fdb.RangeOptions{Limit: limit}).Iterator()

		var out []*firehose.Event
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, fmt.Errorf("failed to get event: %w", err)
			}

			// extract versionstamp from key (after prefix)
			if len(kv.Key) < len(prefix)+versionstampLength {
				continue
			}
			versionstamp := kv.Key[len(prefix) : len(prefix)+versionstampLength]

			var event firehose.Event
			if err := event.UnmarshalCBOR(bytes.NewReader(kv.Value)); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event: %w", err)
			}

			// the sequence is the versionstamp's commit version
			event.Seq = int64(binary.BigEndian.Uint64(versionstamp[:8]))
			out = append(out, &event)
		}
		return out, nil
	})
	return
}

// LatestSeq returns the sequence number of the most recent event, or zero
// when the log is empty.
func (db *DB) LatestSeq(ctx context.Context) (seq int64, err error) {
	_, span, done := db.observe(ctx, "LatestSeq")
	defer func() { done(err) }()

	seq, err = readTransaction(db.db, func(tx fdb.ReadTransaction) (int64, error) {
		latestKey := db.latestSeq.Pack(tuple.Tuple{latestSeqKey})
		val, err := tx.Get(latestKey).Get()
		if err != nil {
			return 0, err
		}
		if len(val) < 8 {
			return 0, nil // no events yet
		}
		return int64(binary.BigEndian.Uint64(val[:8])), nil
	})

	span.SetAttributes(attribute.Int64("latest", seq))
	return
}

// WatchLatestSeq returns a future that becomes ready when a new event is
// appended. Use this to wait for new events without polling.
func (db *DB) WatchLatestSeq(ctx context.Context) (fdb.FutureNil, error) {
	var watch fdb.FutureNil

	err := db.Transact(func(tx fdb.Transaction) error {
		latestKey := db.latestSeq.Pack(tuple.Tuple{latestSeqKey})
		watch = tx.Watch(latestKey)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return watch, nil
}
