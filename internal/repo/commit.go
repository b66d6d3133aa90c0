package repo

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// Version is the repository format version carried by every commit.
const Version = 3

// ErrBadSignature is returned when a commit's signature does not verify
// against the repository's signing key.
var ErrBadSignature = errors.New("invalid commit signature")

// Commit is the signed object anchoring an MST root as a repository head.
// Commits chain through Prev and carry a strictly increasing Rev.
type Commit struct {
	DID     string
	Version int64
	Data    cid.Cid
	Rev     string
	Prev    *cid.Cid
	Sig     []byte
}

// Sign computes the commit signature over the canonical encoding of the
// unsigned commit.
func (c *Commit) Sign(key atcrypto.PrivateKey) error {
	unsigned, err := c.unsignedBytes()
	if err != nil {
		return err
	}

	sig, err := key.HashAndSign(unsigned)
	if err != nil {
		return fmt.Errorf("failed to sign commit: %w", err)
	}
	c.Sig = sig
	return nil
}

// VerifySignature checks the commit signature against a public key.
func (c *Commit) VerifySignature(pub atcrypto.PublicKey) error {
	if len(c.Sig) == 0 {
		return fmt.Errorf("%w: commit is unsigned", ErrBadSignature)
	}

	unsigned, err := c.unsignedBytes()
	if err != nil {
		return err
	}

	if err := pub.HashAndVerify(unsigned, c.Sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

func (c *Commit) unsignedBytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := c.marshalCBOR(buf, false); err != nil {
		return nil, fmt.Errorf("failed to marshal unsigned commit: %w", err)
	}
	return buf.Bytes(), nil
}

// MarshalCBOR writes the canonical encoding of the commit, including the
// signature when present.
func (c *Commit) MarshalCBOR(w io.Writer) error {
	return c.marshalCBOR(w, len(c.Sig) > 0)
}

// marshalCBOR emits the commit map with keys in canonical order (shortest
// first, then bytewise): did, rev, sig, data, prev, version.
func (c *Commit) marshalCBOR(w io.Writer, withSig bool) error {
	cw := cbg.NewCborWriter(w)

	fields := uint64(5)
	if withSig {
		fields = 6
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajMap, fields); err != nil {
		return err
	}

	// "did"
	if err := writeMapKey(cw, "did"); err != nil {
		return err
	}
	if err := writeTextString(cw, c.DID); err != nil {
		return err
	}

	// "rev"
	if err := writeMapKey(cw, "rev"); err != nil {
		return err
	}
	if err := writeTextString(cw, c.Rev); err != nil {
		return err
	}

	// "sig"
	if withSig {
		if err := writeMapKey(cw, "sig"); err != nil {
			return err
		}
		if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(c.Sig))); err != nil {
			return err
		}
		if _, err := cw.Write(c.Sig); err != nil {
			return err
		}
	}

	// "data"
	if err := writeMapKey(cw, "data"); err != nil {
		return err
	}
	if err := cbg.WriteCid(cw, c.Data); err != nil {
		return err
	}

	// "prev"
	if err := writeMapKey(cw, "prev"); err != nil {
		return err
	}
	if c.Prev == nil {
		if _, err := cw.Write(cbg.CborNull); err != nil {
			return err
		}
	} else if err := cbg.WriteCid(cw, *c.Prev); err != nil {
		return err
	}

	// "version"
	if err := writeMapKey(cw, "version"); err != nil {
		return err
	}
	if c.Version < 0 {
		return fmt.Errorf("negative commit version %d", c.Version)
	}
	return cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(c.Version))
}

// UnmarshalCBOR decodes a commit from its canonical encoding.
func (c *Commit) UnmarshalCBOR(r io.Reader) error {
	*c = Commit{}
	cr := cbg.NewCborReader(r)

	maj, n, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajMap {
		return fmt.Errorf("commit must be a map, got major type %d", maj)
	}
	if n > 6 {
		return fmt.Errorf("commit map too large (%d fields)", n)
	}

	keyBuf := make([]byte, 8)
	for range n {
		key, err := readMapKey(cr, keyBuf)
		if err != nil {
			return err
		}

		switch key {
		case "did":
			s, err := readTextString(cr)
			if err != nil {
				return err
			}
			c.DID = s

		case "rev":
			s, err := readTextString(cr)
			if err != nil {
				return err
			}
			c.Rev = s

		case "sig":
			maj, slen, err := cr.ReadHeader()
			if err != nil {
				return err
			}
			if maj != cbg.MajByteString {
				return fmt.Errorf("commit sig must be a byte string, got major type %d", maj)
			}
			if slen > 512 {
				return fmt.Errorf("commit sig too long (%d bytes)", slen)
			}
			c.Sig = make([]byte, slen)
			if _, err := io.ReadFull(cr, c.Sig); err != nil {
				return err
			}

		case "data":
			dc, err := cbg.ReadCid(cr)
			if err != nil {
				return err
			}
			c.Data = dc

		case "prev":
			pc, err := readNullableCid(cr)
			if err != nil {
				return err
			}
			c.Prev = pc

		case "version":
			maj, v, err := cr.ReadHeader()
			if err != nil {
				return err
			}
			if maj != cbg.MajUnsignedInt {
				return fmt.Errorf("commit version must be an unsigned int, got major type %d", maj)
			}
			c.Version = int64(v)

		default:
			return fmt.Errorf("unknown commit field %q", key)
		}
	}

	return nil
}

const maxStringLen = 8192

func writeMapKey(cw *cbg.CborWriter, key string) error {
	return writeTextString(cw, key)
}

func writeTextString(cw *cbg.CborWriter, s string) error {
	if len(s) > maxStringLen {
		return fmt.Errorf("string too long (%d bytes)", len(s))
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(s))); err != nil {
		return err
	}
	_, err := cw.Write([]byte(s))
	return err
}

func readTextString(cr *cbg.CborReader) (string, error) {
	maj, n, err := cr.ReadHeader()
	if err != nil {
		return "", err
	}
	if maj != cbg.MajTextString {
		return "", fmt.Errorf("expected text string, got major type %d", maj)
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string too long (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(cr, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readMapKey(cr *cbg.CborReader, buf []byte) (string, error) {
	maj, n, err := cr.ReadHeader()
	if err != nil {
		return "", err
	}
	if maj != cbg.MajTextString {
		return "", fmt.Errorf("expected text string map key, got major type %d", maj)
	}
	if n > uint64(len(buf)) {
		return "", fmt.Errorf("map key too long (%d bytes)", n)
	}
	if _, err := io.ReadFull(cr, buf[:n]); err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func readNullableCid(cr *cbg.CborReader) (*cid.Cid, error) {
	b, err := cr.ReadByte()
	if err != nil {
		return nil, err
	}
	if b == cbg.CborNull[0] {
		return nil, nil
	}
	if err := cr.UnreadByte(); err != nil {
		return nil, err
	}

	c, err := cbg.ReadCid(cr)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
