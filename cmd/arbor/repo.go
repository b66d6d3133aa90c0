package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/atdata"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
	"github.com/urfave/cli/v3"

	"github.com/arborpds/arbor/internal/at"
	"github.com/arborpds/arbor/internal/firehose"
	"github.com/arborpds/arbor/internal/foundation"
	"github.com/arborpds/arbor/internal/metrics"
	"github.com/arborpds/arbor/internal/repo"
)

var didFlag = &cli.StringFlag{
	Name:     "did",
	Usage:    "DID of the repository",
	Required: true,
}

// openRepo loads a repository for the given DID from its durable head.
func openRepo(ctx context.Context, db *foundation.DB, did string) (*repo.Repo, *foundation.Blockstore, *foundation.RepoHead, error) {
	head, err := db.GetRepoHead(ctx, did)
	if err != nil {
		return nil, nil, nil, err
	}
	if head == nil {
		return nil, nil, nil, fmt.Errorf("no repository for %s", did)
	}

	bs := db.NewBlockstore(did)
	r, err := repo.OpenRepo(ctx, bs, head.Head)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open repo: %w", err)
	}
	return r, bs, head, nil
}

// commitRepo makes one commit's effects durable: blocks, the head swap, and
// the event-log append happen in a single FDB transaction.
func commitRepo(ctx context.Context, db *foundation.DB, bs *foundation.Blockstore, r *repo.Repo, prev *foundation.RepoHead, res *repo.CommitResult) error {
	bs.SetRev(res.Rev)

	head := &foundation.RepoHead{
		Did:  r.DID(),
		Rev:  res.Rev,
		Head: res.CommitCID,
		Root: r.DataCID(),
	}
	expectHead := ""
	if prev != nil {
		head.SigningKey = prev.SigningKey
		expectHead = prev.Head.String()
	}

	start := time.Now()
	err := db.CommitWrites(ctx, bs, head, expectHead, firehose.EventFromCommit(r.DID(), res))

	status := metrics.StatusOK
	if err != nil {
		status = metrics.StatusError
	}
	metrics.CommitsApplied.WithLabelValues(status).Inc()
	metrics.CommitDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	return err
}

func parseDIDFlag(c *cli.Command) (string, error) {
	did := c.String("did")
	if _, err := syntax.ParseDID(did); err != nil {
		return "", fmt.Errorf("invalid did %q: %w", did, err)
	}
	return did, nil
}

func initCmd() *cli.Command {
	return &cli.Command{
		Name:        "init",
		Description: "Create an empty repository with a fresh signing key",
		Flags:       append(fdbFlags, didFlag),
		Action: func(ctx context.Context, c *cli.Command) error {
			did, err := parseDIDFlag(c)
			if err != nil {
				return err
			}

			db, _, err := openDB(ctx, c)
			if err != nil {
				return err
			}

			if existing, err := db.GetRepoHead(ctx, did); err != nil {
				return err
			} else if existing != nil {
				return fmt.Errorf("repository already exists at %s", existing.Head)
			}

			key, err := atcrypto.GeneratePrivateKeyK256()
			if err != nil {
				return fmt.Errorf("failed to generate signing key: %w", err)
			}

			bs := db.NewBlockstore(did)
			r, res, err := repo.InitRepo(ctx, bs, did, key)
			if err != nil {
				return fmt.Errorf("failed to init repo: %w", err)
			}

			bs.SetRev(res.Rev)
			head := &foundation.RepoHead{
				Did:        did,
				Rev:        res.Rev,
				Head:       res.CommitCID,
				Root:       r.DataCID(),
				SigningKey: key.Bytes(),
			}
			if err := db.CommitWrites(ctx, bs, head, "", firehose.EventFromCommit(did, res)); err != nil {
				return fmt.Errorf("failed to commit: %w", err)
			}

			fmt.Printf("initialized %s\n  head: %s\n  rev:  %s\n", did, res.CommitCID, res.Rev)
			return nil
		},
	}
}

func putCmd() *cli.Command {
	return &cli.Command{
		Name:        "put",
		Description: "Create or update a record from a JSON payload",
		Flags: append(fdbFlags,
			didFlag,
			&cli.StringFlag{Name: "collection", Usage: "Collection NSID", Required: true},
			&cli.StringFlag{Name: "rkey", Usage: "Record key (a TID is generated when omitted)"},
			&cli.StringFlag{Name: "record", Usage: "Record body as JSON", Required: true},
			&cli.StringFlag{Name: "swap-commit", Usage: "Fail unless the current head commit CID matches"},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			did, err := parseDIDFlag(c)
			if err != nil {
				return err
			}

			collection := c.String("collection")
			if _, err := syntax.ParseNSID(collection); err != nil {
				return fmt.Errorf("invalid collection NSID: %w", err)
			}

			db, _, err := openDB(ctx, c)
			if err != nil {
				return err
			}

			rkey := c.String("rkey")
			if rkey != "" {
				if _, err := syntax.ParseRecordKey(rkey); err != nil {
					return fmt.Errorf("invalid rkey: %w", err)
				}
			} else {
				tid, err := db.NextTID(ctx, did)
				if err != nil {
					return fmt.Errorf("failed to generate tid: %w", err)
				}
				rkey = tid.String()
			}

			// parse the record JSON and convert to canonical CBOR
			recordData, err := atdata.UnmarshalJSON([]byte(c.String("record")))
			if err != nil {
				return fmt.Errorf("invalid record data: %w", err)
			}
			if recordData["$type"] == nil || recordData["$type"] == "" {
				recordData["$type"] = collection
			}
			cborBytes, err := atdata.MarshalCBOR(recordData)
			if err != nil {
				return fmt.Errorf("failed to marshal record to CBOR: %w", err)
			}

			r, bs, head, err := openRepo(ctx, db, did)
			if err != nil {
				return err
			}

			key, err := atcrypto.ParsePrivateBytesK256(head.SigningKey)
			if err != nil {
				return fmt.Errorf("failed to parse signing key: %w", err)
			}

			var swapCommit *cid.Cid
			if s := c.String("swap-commit"); s != "" {
				sc, err := cid.Decode(s)
				if err != nil {
					return fmt.Errorf("invalid swap-commit cid: %w", err)
				}
				swapCommit = &sc
			}

			action := repo.WriteCreate
			if existing, _, err := r.GetRecord(ctx, collection, rkey); err != nil {
				return err
			} else if existing.Defined() {
				action = repo.WriteUpdate
			}

			res, err := r.ApplyWrites(ctx, []repo.Write{{
				Action:     action,
				Collection: collection,
				Rkey:       rkey,
				Record:     cborBytes,
			}}, key, swapCommit)
			if err != nil {
				return fmt.Errorf("failed to apply write: %w", err)
			}

			if err := commitRepo(ctx, db, bs, r, head, res); err != nil {
				return fmt.Errorf("failed to commit: %w", err)
			}

			fmt.Printf("%s %s\n  record: %s\n  commit: %s\n  rev:    %s\n",
				action, at.FormatURI(did, collection, rkey), res.Ops[0].Cid, res.CommitCID, res.Rev)
			return nil
		},
	}
}

func getCmd() *cli.Command {
	return &cli.Command{
		Name:        "get",
		Description: "Print a record as JSON",
		Flags: append(fdbFlags,
			didFlag,
			&cli.StringFlag{Name: "collection", Usage: "Collection NSID", Required: true},
			&cli.StringFlag{Name: "rkey", Usage: "Record key", Required: true},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			did, err := parseDIDFlag(c)
			if err != nil {
				return err
			}

			db, _, err := openDB(ctx, c)
			if err != nil {
				return err
			}

			r, _, _, err := openRepo(ctx, db, did)
			if err != nil {
				return err
			}

			rc, data, err := r.GetRecord(ctx, c.String("collection"), c.String("rkey"))
			if err != nil {
				return err
			}
			if !rc.Defined() {
				return fmt.Errorf("record not found")
			}

			val, err := atdata.UnmarshalCBOR(data)
			if err != nil {
				return fmt.Errorf("failed to decode record value: %w", err)
			}
			out, err := json.MarshalIndent(map[string]any{
				"uri":   at.FormatURI(did, c.String("collection"), c.String("rkey")),
				"cid":   rc.String(),
				"value": val,
			}, "", "  ")
			if err != nil {
				return err
			}

			fmt.Println(string(out))
			return nil
		},
	}
}

func rmCmd() *cli.Command {
	return &cli.Command{
		Name:        "rm",
		Description: "Delete a record",
		Flags: append(fdbFlags,
			didFlag,
			&cli.StringFlag{Name: "collection", Usage: "Collection NSID", Required: true},
			&cli.StringFlag{Name: "rkey", Usage: "Record key", Required: true},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			did, err := parseDIDFlag(c)
			if err != nil {
				return err
			}

			db, _, err := openDB(ctx, c)
			if err != nil {
				return err
			}

			r, bs, head, err := openRepo(ctx, db, did)
			if err != nil {
				return err
			}

			key, err := atcrypto.ParsePrivateBytesK256(head.SigningKey)
			if err != nil {
				return fmt.Errorf("failed to parse signing key: %w", err)
			}

			res, err := r.ApplyWrites(ctx, []repo.Write{{
				Action:     repo.WriteDelete,
				Collection: c.String("collection"),
				Rkey:       c.String("rkey"),
			}}, key, nil)
			if err != nil {
				return fmt.Errorf("failed to apply delete: %w", err)
			}

			if err := commitRepo(ctx, db, bs, r, head, res); err != nil {
				return fmt.Errorf("failed to commit: %w", err)
			}

			fmt.Printf("deleted %s\n  commit: %s\n  rev:    %s\n",
				at.FormatURI(did, c.String("collection"), c.String("rkey")), res.CommitCID, res.Rev)
			return nil
		},
	}
}

func lsCmd() *cli.Command {
	return &cli.Command{
		Name:        "ls",
		Description: "List records, optionally scoped to one collection",
		Flags: append(fdbFlags,
			didFlag,
			&cli.StringFlag{Name: "collection", Usage: "Collection NSID (all collections when omitted)"},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			did, err := parseDIDFlag(c)
			if err != nil {
				return err
			}

			db, _, err := openDB(ctx, c)
			if err != nil {
				return err
			}

			r, _, _, err := openRepo(ctx, db, did)
			if err != nil {
				return err
			}

			for _, e := range r.ListRecords(c.String("collection")) {
				fmt.Printf("%s\t%s\n", e.Key, e.Value)
			}
			return nil
		},
	}
}

func exportCmd() *cli.Command {
	return &cli.Command{
		Name:        "export",
		Description: "Export a repository as a CAR archive",
		Flags: append(fdbFlags,
			didFlag,
			&cli.StringFlag{Name: "out", Usage: "Output file path", Required: true},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			did, err := parseDIDFlag(c)
			if err != nil {
				return err
			}

			db, _, err := openDB(ctx, c)
			if err != nil {
				return err
			}

			r, _, _, err := openRepo(ctx, db, did)
			if err != nil {
				return err
			}

			f, err := os.Create(c.String("out"))
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer f.Close() //nolint:errcheck

			if err := r.ExportCAR(ctx, f); err != nil {
				return fmt.Errorf("failed to export repo: %w", err)
			}

			fmt.Printf("exported %s at %s to %s\n", did, r.Rev(), c.String("out"))
			return nil
		},
	}
}

func importCmd() *cli.Command {
	return &cli.Command{
		Name:        "import",
		Description: "Import a repository CAR archive and set the head",
		Flags: append(fdbFlags,
			didFlag,
			&cli.StringFlag{Name: "in", Usage: "Input file path", Required: true},
			&cli.StringFlag{Name: "signing-key", Usage: "Raw signing key file to attach to the imported repo (optional)"},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			did, err := parseDIDFlag(c)
			if err != nil {
				return err
			}

			db, _, err := openDB(ctx, c)
			if err != nil {
				return err
			}

			f, err := os.Open(c.String("in"))
			if err != nil {
				return fmt.Errorf("failed to open input file: %w", err)
			}
			defer f.Close() //nolint:errcheck

			bs := db.NewBlockstore(did)
			r, err := repo.ImportCAR(ctx, f, bs)
			if err != nil {
				return fmt.Errorf("failed to import archive: %w", err)
			}
			if r.DID() != did {
				return fmt.Errorf("archive is for %s, not %s", r.DID(), did)
			}

			var signingKey []byte
			if path := c.String("signing-key"); path != "" {
				signingKey, err = os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read signing key: %w", err)
				}
				if _, err := atcrypto.ParsePrivateBytesK256(signingKey); err != nil {
					return fmt.Errorf("failed to parse signing key: %w", err)
				}
			}

			expectHead := ""
			if existing, err := db.GetRepoHead(ctx, did); err != nil {
				return err
			} else if existing != nil {
				expectHead = existing.Head.String()
				if signingKey == nil {
					signingKey = existing.SigningKey
				}
			}

			bs.SetRev(r.Rev())
			head := &foundation.RepoHead{
				Did:        did,
				Rev:        r.Rev(),
				Head:       r.Head(),
				Root:       r.DataCID(),
				SigningKey: signingKey,
			}
			if err := db.CommitWrites(ctx, bs, head, expectHead, nil); err != nil {
				return fmt.Errorf("failed to commit import: %w", err)
			}

			fmt.Printf("imported %s\n  head: %s\n  rev:  %s\n  records: %d\n", did, r.Head(), r.Rev(), r.RecordCount())
			return nil
		},
	}
}

func snapshotCmd() *cli.Command {
	return &cli.Command{
		Name:        "snapshot",
		Description: "Upload a repository CAR snapshot to the configured object store",
		Flags:       append(fdbFlags, didFlag),
		Action: func(ctx context.Context, c *cli.Command) error {
			did, err := parseDIDFlag(c)
			if err != nil {
				return err
			}

			db, cfg, err := openDB(ctx, c)
			if err != nil {
				return err
			}
			if cfg.Snapshots == nil {
				return fmt.Errorf("snapshots are not configured")
			}

			r, _, _, err := openRepo(ctx, db, did)
			if err != nil {
				return err
			}

			store := repo.NewSnapshotStore(&repo.SnapshotConfig{
				Endpoint:  cfg.Snapshots.Endpoint,
				Bucket:    cfg.Snapshots.Bucket,
				Region:    cfg.Snapshots.Region,
				AccessKey: cfg.Snapshots.AccessKey,
				SecretKey: cfg.Snapshots.SecretKey,
			})
			if err := store.Ping(ctx); err != nil {
				return err
			}

			objKey, err := store.Upload(ctx, r)
			if err != nil {
				return err
			}

			fmt.Printf("uploaded %s\n", objKey)
			return nil
		},
	}
}
