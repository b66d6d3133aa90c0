package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/arborpds/arbor/internal/firehose"
	"github.com/arborpds/arbor/internal/foundation"
	"github.com/arborpds/arbor/internal/metrics"
)

const distributorPollInterval = 50 * time.Millisecond

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:        "serve",
		Description: "Run the firehose websocket server",
		Flags: append(fdbFlags,
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Bind address of the firehose websocket server",
				Value: "0.0.0.0:2470",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Bind address of the metrics/pprof HTTP server (empty string to disable)",
				Value: "0.0.0.0:6060",
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			db, cfg, err := openDB(ctx, c)
			if err != nil {
				return err
			}

			addr := c.String("addr")
			if c.String("config") != "" && cfg.Firehose.Addr != "" {
				addr = cfg.Firehose.Addr
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			lastSeq, err := db.LatestSeq(ctx)
			if err != nil {
				return fmt.Errorf("failed to read latest seq: %w", err)
			}

			log := slog.Default()
			f := firehose.New(log, db, lastSeq)

			go metrics.RunServer(ctx, cancel, c.String("metrics-addr"))
			go distribute(ctx, log, db, f, lastSeq)

			mux := http.NewServeMux()
			mux.HandleFunc("/xrpc/com.atproto.sync.subscribeRepos", func(w http.ResponseWriter, r *http.Request) {
				if err := f.Subscribe(r.Context(), w, r); err != nil {
					log.Error("subscribeRepos error", "err", err)
				}
			})

			srv := &http.Server{
				Addr:        addr,
				Handler:     mux,
				ReadTimeout: time.Minute,
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			log.Info("firehose server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

// distribute watches the durable event log and broadcasts new events to
// connected subscribers.
func distribute(ctx context.Context, log *slog.Logger, db *foundation.DB, f *firehose.Firehose, cursor int64) {
	log.Info("starting firehose event loop", "cursor", cursor)

	for {
		select {
		case <-ctx.Done():
			log.Info("firehose event loop shutting down")
			return
		default:
		}

		// wait for the latest-seq marker to change
		watch, err := db.WatchLatestSeq(ctx)
		if err != nil {
			log.Warn("failed to set up watch, falling back to polling", "err", err)
			time.Sleep(distributorPollInterval)
		} else {
			watchDone := make(chan struct{})
			go func() {
				watch.BlockUntilReady()
				close(watchDone)
			}()

			select {
			case <-ctx.Done():
				watch.Cancel()
				return
			case <-watchDone:
			}
		}

		for {
			events, err := db.EventsSince(ctx, cursor, 100)
			if err != nil {
				log.Error("failed to fetch events", "err", err)
				time.Sleep(distributorPollInterval)
				break
			}
			if len(events) == 0 {
				break
			}

			for _, event := range events {
				f.Broadcast(event)
				cursor = event.Seq
			}
		}
	}
}
