package firehose

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arborpds/arbor/internal/testutil"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	rng := testutil.Rng(301)
	recordCID := testutil.RandCid(rng)

	event := &Event{
		Seq:    42,
		Did:    "did:plc:firehose1",
		Commit: testutil.RandCid(rng),
		Rev:    "3jzfcijpj2z2a",
		Since:  "3jzfcijpj2y2a",
		Ops: []EventOp{
			{Action: "create", Path: "app.bsky.feed.post/3jabc", Cid: &recordCID},
			{Action: "delete", Path: "app.bsky.feed.like/3jdef"},
		},
		Blocks: []byte{0x01, 0x02, 0x03, 0x04},
		Time:   time.Now().UTC().Format(time.RFC3339Nano),
	}

	frame, err := EncodeFrame(event)
	require.NoError(t, err)

	got, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, event, got)
}

func TestFrameRoundTripEmptySince(t *testing.T) {
	t.Parallel()

	rng := testutil.Rng(303)

	// the first commit of a repo has no prior rev: since is null on the wire
	event := &Event{
		Seq:    1,
		Did:    "did:plc:firehose2",
		Commit: testutil.RandCid(rng),
		Rev:    "3jzfcijpj2z2a",
		Ops:    []EventOp{},
		Blocks: []byte{},
		Time:   time.Now().UTC().Format(time.RFC3339Nano),
	}

	frame, err := EncodeFrame(event)
	require.NoError(t, err)

	got, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, event, got)
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := DecodeFrame([]byte{0xff, 0x00, 0x01})
	require.Error(t, err)
}
