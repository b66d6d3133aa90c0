// Package firehose assigns sequence numbers to repository events and fans
// them out to websocket subscribers.
package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arborpds/arbor/internal/metrics"
	"github.com/arborpds/arbor/internal/repo"
)

const (
	// maxEventBatchSize is the maximum number of events to replay per fetch
	maxEventBatchSize = 100

	// subscriberBufferSize is the size of each subscriber's event channel
	subscriberBufferSize = 1000

	// writeTimeout is the timeout for writing a single message to a websocket
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for pong response
	pongWait = 60 * time.Second

	// pingInterval is how often to send ping frames to keep connection alive
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the firehose is a public read-only stream
	},
}

// Backfill retrieves persisted events after a sequence number, for
// subscribers reconnecting with a cursor.
type Backfill interface {
	EventsSince(ctx context.Context, seq int64, limit int) ([]*Event, error)
}

// Firehose sequences events and distributes them to subscribers. Sequence
// numbers are assigned at publish time, after the repository head has moved.
type Firehose struct {
	log      *slog.Logger
	backfill Backfill

	mu          sync.RWMutex
	seq         int64
	subscribers map[*subscriber]struct{}
}

// subscriber represents a connected websocket client
type subscriber struct {
	id       string
	conn     *websocket.Conn
	connMu   sync.Mutex // protects writes to conn
	events   chan *Event
	cancelFn context.CancelFunc
}

// New creates a firehose. backfill may be nil, in which case cursors are
// rejected. lastSeq seeds the sequence counter, typically from the most
// recent persisted event.
func New(log *slog.Logger, backfill Backfill, lastSeq int64) *Firehose {
	return &Firehose{
		log:         log.With("component", "firehose"),
		backfill:    backfill,
		seq:         lastSeq,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// EventFromCommit builds the wire event for one applied commit.
func EventFromCommit(did string, res *repo.CommitResult) *Event {
	ops := make([]EventOp, len(res.Ops))
	for i, op := range res.Ops {
		ops[i] = EventOp{
			Action: op.Action,
			Path:   op.Path,
			Cid:    op.Cid,
		}
	}

	return &Event{
		Did:    did,
		Commit: res.CommitCID,
		Rev:    res.Rev,
		Since:  res.PrevRev,
		Ops:    ops,
		Blocks: res.DiffCAR,
		Time:   time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Publish assigns the next sequence number to the event and delivers it to
// every subscriber. Slow subscribers whose buffers are full have the event
// dropped; they are expected to reconnect with a cursor.
func (f *Firehose) Publish(event *Event) int64 {
	f.mu.Lock()
	f.seq++
	event.Seq = f.seq
	subs := make([]*subscriber, 0, len(f.subscribers))
	for sub := range f.subscribers {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.events <- event:
			metrics.FirehoseEventsSent.Inc()
		default:
			metrics.FirehoseEventsDropped.Inc()
			f.log.Warn("dropping event for slow subscriber", "sub_id", sub.id, "seq", event.Seq)
		}
	}
	return event.Seq
}

// Broadcast delivers an already-sequenced event, read back from the durable
// log, to subscribers without assigning a new sequence number.
func (f *Firehose) Broadcast(event *Event) {
	f.mu.Lock()
	if event.Seq > f.seq {
		f.seq = event.Seq
	}
	subs := make([]*subscriber, 0, len(f.subscribers))
	for sub := range f.subscribers {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.events <- event:
			metrics.FirehoseEventsSent.Inc()
		default:
			metrics.FirehoseEventsDropped.Inc()
			f.log.Warn("dropping event for slow subscriber", "sub_id", sub.id, "seq", event.Seq)
		}
	}
}

// Subscribe upgrades the request to a websocket, optionally replays from a
// cursor, and streams events until the client disconnects.
func (f *Firehose) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	// parse cursor parameter
	cursorParam := r.URL.Query().Get("cursor")
	var cursor int64 = -1
	if cursorParam != "" {
		seq, err := strconv.ParseInt(cursorParam, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid cursor: %w", err)
		}
		if f.backfill == nil {
			return fmt.Errorf("cursor replay is not available")
		}
		cursor = seq
	}

	// upgrade to websocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to accept websocket: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := &subscriber{
		id:       uuid.NewString(),
		conn:     conn,
		events:   make(chan *Event, subscriberBufferSize),
		cancelFn: cancel,
	}

	f.log.Info("new subscriber connected", "id", sub.id, "remote", r.RemoteAddr, "cursor", cursorParam)
	metrics.FirehoseSubscribers.Inc()
	defer func() {
		metrics.FirehoseSubscribers.Dec()
		f.log.Info("subscriber disconnected", "id", sub.id)
	}()

	// replay events from cursor if specified
	if cursor >= 0 {
		if err := f.replayEvents(subCtx, sub, cursor); err != nil {
			f.log.Error("failed to replay events", "err", err, "id", sub.id)
			return err
		}
	}

	// register subscriber for live events
	f.mu.Lock()
	f.subscribers[sub] = struct{}{}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.subscribers, sub)
		f.mu.Unlock()
	}()

	// configure connection for detecting disconnects
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		return nil
	})

	// read loop detects client disconnects
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	// periodic pings keep intermediaries from closing the connection
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
				sub.connMu.Lock()
				sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
				err := sub.conn.WriteMessage(websocket.PingMessage, nil)
				sub.connMu.Unlock()
				if err != nil {
					f.log.Debug("failed to send ping", "err", err, "id", sub.id)
					cancel()
					return
				}
			}
		}
	}()

	// main loop: send events to subscriber
	for {
		select {
		case <-subCtx.Done():
			return nil
		case event := <-sub.events:
			if err := f.sendEvent(sub, event); err != nil {
				f.log.Error("failed to send event", "err", err, "id", sub.id)
				return err
			}
		}
	}
}

// replayEvents sends historical events to a subscriber starting after the cursor
func (f *Firehose) replayEvents(ctx context.Context, sub *subscriber, cursor int64) error {
	for {
		events, err := f.backfill.EventsSince(ctx, cursor, maxEventBatchSize)
		if err != nil {
			return fmt.Errorf("failed to get events for replay: %w", err)
		}

		for _, event := range events {
			if err := f.sendEvent(sub, event); err != nil {
				return err
			}
			cursor = event.Seq
		}

		if len(events) < maxEventBatchSize {
			// caught up
			return nil
		}
	}
}

// sendEvent encodes and sends a single event to a subscriber
func (f *Firehose) sendEvent(sub *subscriber, event *Event) error {
	msg, err := EncodeFrame(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	sub.connMu.Lock()
	defer sub.connMu.Unlock()
	sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	return sub.conn.WriteMessage(websocket.BinaryMessage, msg)
}
