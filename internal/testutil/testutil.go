package testutil

import (
	"fmt"
	"math/rand/v2"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var cidBuilder = cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256)

// Rng returns a deterministic PRNG so tests produce the same corpora on
// every run.
func Rng(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 0))
}

// RandString generates a random lowercase alphanumeric string.
func RandString(rng *rand.Rand, length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"

	buf := make([]byte, length)
	for i := range buf {
		buf[i] = charset[rng.IntN(len(charset))]
	}
	return string(buf)
}

// RandCid derives a valid DAG-CBOR CID from random bytes.
func RandCid(rng *rand.Rand) cid.Cid {
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = byte(rng.IntN(256))
	}

	c, err := cidBuilder.Sum(buf)
	if err != nil {
		panic(fmt.Sprintf("failed to build test cid: %v", err))
	}
	return c
}
