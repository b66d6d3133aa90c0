package mst

import (
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// nodeData is the wire form of an MST node: an optional left-subtree link
// plus a prefix-compressed entry list. The encoding is canonical DAG-CBOR
// with map keys in canonical order, so two nodes holding the same content
// always serialize to identical bytes.
type nodeData struct {
	Left    *cid.Cid    // "l"
	Entries []entryData // "e"
}

// entryData is a single prefix-compressed node entry.
type entryData struct {
	KeySuffix []byte   // "k": key bytes after the shared prefix
	PrefixLen int64    // "p": bytes shared with the previous entry's key
	Tree      *cid.Cid // "t": optional right-subtree link
	Value     cid.Cid  // "v": record link
}

const maxEntryKeyLen = 8192

func writeMapKey(cw *cbg.CborWriter, key string) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(key))); err != nil {
		return err
	}
	_, err := cw.Write([]byte(key))
	return err
}

func writeNullableCid(cw *cbg.CborWriter, c *cid.Cid) error {
	if c == nil {
		_, err := cw.Write(cbg.CborNull)
		return err
	}
	return cbg.WriteCid(cw, *c)
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

func (nd *nodeData) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)

	if err := cw.WriteMajorTypeHeader(cbg.MajMap, 2); err != nil {
		return err
	}

	// "e": the entry list
	if err := writeMapKey(cw, "e"); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(nd.Entries))); err != nil {
		return err
	}
	for i := range nd.Entries {
		if err := nd.Entries[i].marshalCBOR(cw); err != nil {
			return fmt.Errorf("failed to marshal entry %d: %w", i, err)
		}
	}

	// "l": the left-subtree link
	if err := writeMapKey(cw, "l"); err != nil {
		return err
	}
	return writeNullableCid(cw, nd.Left)
}

func (ed *entryData) marshalCBOR(cw *cbg.CborWriter) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajMap, 4); err != nil {
		return err
	}

	// "k": key suffix bytes
	if err := writeMapKey(cw, "k"); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(ed.KeySuffix))); err != nil {
		return err
	}
	if _, err := cw.Write(ed.KeySuffix); err != nil {
		return err
	}

	// "p": shared prefix length
	if err := writeMapKey(cw, "p"); err != nil {
		return err
	}
	if ed.PrefixLen < 0 {
		return fmt.Errorf("negative prefix length %d", ed.PrefixLen)
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(ed.PrefixLen)); err != nil {
		return err
	}

	// "t": right-subtree link
	if err := writeMapKey(cw, "t"); err != nil {
		return err
	}
	if err := writeNullableCid(cw, ed.Tree); err != nil {
		return err
	}

	// "v": record link
	if err := writeMapKey(cw, "v"); err != nil {
		return err
	}
	return cbg.WriteCid(cw, ed.Value)
}

func (nd *nodeData) UnmarshalCBOR(r io.Reader) error {
	*nd = nodeData{}
	cr := cbg.NewCborReader(r)

	maj, n, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajMap {
		return fmt.Errorf("node must be a map, got major type %d", maj)
	}

	keyBuf := make([]byte, 8)
	for range n {
		key, err := readMapKey(cr, keyBuf)
		if err != nil {
			return err
		}

		switch key {
		case "e":
			maj, count, err := cr.ReadHeader()
			if err != nil {
				return err
			}
			if maj != cbg.MajArray {
				return fmt.Errorf("entry list must be an array, got major type %d", maj)
			}
			if count > cbg.MaxLength {
				return fmt.Errorf("entry list too large (%d)", count)
			}
			nd.Entries = make([]entryData, count)
			for i := range nd.Entries {
				if err := nd.Entries[i].unmarshalCBOR(cr); err != nil {
					return fmt.Errorf("failed to unmarshal entry %d: %w", i, err)
				}
			}

		case "l":
			c, err := readNullableCid(cr)
			if err != nil {
				return err
			}
			nd.Left = c

		default:
			return fmt.Errorf("unknown node field %q", key)
		}
	}

	return nil
}

func (ed *entryData) unmarshalCBOR(cr *cbg.CborReader) error {
	maj, n, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajMap {
		return fmt.Errorf("entry must be a map, got major type %d", maj)
	}

	keyBuf := make([]byte, 8)
	for range n {
		key, err := readMapKey(cr, keyBuf)
		if err != nil {
			return err
		}

		switch key {
		case "k":
			maj, slen, err := cr.ReadHeader()
			if err != nil {
				return err
			}
			if maj != cbg.MajByteString {
				return fmt.Errorf("key suffix must be a byte string, got major type %d", maj)
			}
			if slen > maxEntryKeyLen {
				return fmt.Errorf("key suffix too long (%d bytes)", slen)
			}
			ed.KeySuffix = make([]byte, slen)
			if _, err := io.ReadFull(cr, ed.KeySuffix); err != nil {
				return err
			}

		case "p":
			maj, v, err := cr.ReadHeader()
			if err != nil {
				return err
			}
			if maj != cbg.MajUnsignedInt {
				return fmt.Errorf("prefix length must be an unsigned int, got major type %d", maj)
			}
			ed.PrefixLen = int64(v)

		case "t":
			c, err := readNullableCid(cr)
			if err != nil {
				return err
			}
			ed.Tree = c

		case "v":
			c, err := cbg.ReadCid(cr)
			if err != nil {
				return err
			}
			ed.Value = c

		default:
			return fmt.Errorf("unknown entry field %q", key)
		}
	}

	return nil
}
