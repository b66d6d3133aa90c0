package firehose

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// Frame kinds carried in the event header's "op" field.
const (
	frameMessage = 1
	frameError   = -1
)

// commitMsgType identifies a repo commit frame.
const commitMsgType = "#commit"

// Event describes one applied commit for downstream consumers. Seq is
// assigned by the sequencer at publish time.
type Event struct {
	Seq    int64
	Did    string
	Commit cid.Cid
	Rev    string
	Since  string // rev of the previous commit; empty for the first
	Ops    []EventOp
	Blocks []byte // CAR bundle with the commit's new blocks
	Time   string // RFC3339Nano
}

// EventOp is one record mutation within a commit.
type EventOp struct {
	Action string
	Path   string
	Cid    *cid.Cid // nil for deletes
}

// header is the frame envelope preceding every event body on the wire.
type header struct {
	Op      int64  // "op"
	MsgType string // "t"
}

func (h *header) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)

	if err := cw.WriteMajorTypeHeader(cbg.MajMap, 2); err != nil {
		return err
	}

	// "t"
	if err := writeMapKey(cw, "t"); err != nil {
		return err
	}
	if err := writeTextString(cw, h.MsgType); err != nil {
		return err
	}

	// "op"
	if err := writeMapKey(cw, "op"); err != nil {
		return err
	}
	return writeInt(cw, h.Op)
}

func (h *header) UnmarshalCBOR(r io.Reader) error {
	*h = header{}
	cr := cbg.NewCborReader(r)

	maj, n, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajMap {
		return fmt.Errorf("event header must be a map, got major type %d", maj)
	}

	keyBuf := make([]byte, 8)
	for range n {
		key, err := readMapKey(cr, keyBuf)
		if err != nil {
			return err
		}

		switch key {
		case "t":
			s, err := readTextString(cr)
			if err != nil {
				return err
			}
			h.MsgType = s
		case "op":
			v, err := readInt(cr)
			if err != nil {
				return err
			}
			h.Op = v
		default:
			return fmt.Errorf("unknown event header field %q", key)
		}
	}
	return nil
}

// MarshalCBOR writes the commit event body. Map keys are emitted in
// canonical order.
func (e *Event) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)

	if err := cw.WriteMajorTypeHeader(cbg.MajMap, 8); err != nil {
		return err
	}

	// "did"
	if err := writeMapKey(cw, "did"); err != nil {
		return err
	}
	if err := writeTextString(cw, e.Did); err != nil {
		return err
	}

	// "ops"
	if err := writeMapKey(cw, "ops"); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(e.Ops))); err != nil {
		return err
	}
	for i := range e.Ops {
		if err := e.Ops[i].marshalCBOR(cw); err != nil {
			return fmt.Errorf("failed to marshal op %d: %w", i, err)
		}
	}

	// "rev"
	if err := writeMapKey(cw, "rev"); err != nil {
		return err
	}
	if err := writeTextString(cw, e.Rev); err != nil {
		return err
	}

	// "seq"
	if err := writeMapKey(cw, "seq"); err != nil {
		return err
	}
	if err := writeInt(cw, e.Seq); err != nil {
		return err
	}

	// "time"
	if err := writeMapKey(cw, "time"); err != nil {
		return err
	}
	if err := writeTextString(cw, e.Time); err != nil {
		return err
	}

	// "since"
	if err := writeMapKey(cw, "since"); err != nil {
		return err
	}
	if e.Since == "" {
		if _, err := cw.Write(cbg.CborNull); err != nil {
			return err
		}
	} else if err := writeTextString(cw, e.Since); err != nil {
		return err
	}

	// "blocks"
	if err := writeMapKey(cw, "blocks"); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(e.Blocks))); err != nil {
		return err
	}
	if _, err := cw.Write(e.Blocks); err != nil {
		return err
	}

	// "commit"
	if err := writeMapKey(cw, "commit"); err != nil {
		return err
	}
	return cbg.WriteCid(cw, e.Commit)
}

func (e *Event) UnmarshalCBOR(r io.Reader) error {
	*e = Event{}
	cr := cbg.NewCborReader(r)

	maj, n, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajMap {
		return fmt.Errorf("event must be a map, got major type %d", maj)
	}

	keyBuf := make([]byte, 8)
	for range n {
		key, err := readMapKey(cr, keyBuf)
		if err != nil {
			return err
		}

		switch key {
		case "did":
			e.Did, err = readTextString(cr)
		case "rev":
			e.Rev, err = readTextString(cr)
		case "time":
			e.Time, err = readTextString(cr)
		case "seq":
			e.Seq, err = readInt(cr)
		case "since":
			var s *string
			s, err = readNullableTextString(cr)
			if err == nil && s != nil {
				e.Since = *s
			}
		case "blocks":
			var maj byte
			var blen uint64
			maj, blen, err = cr.ReadHeader()
			if err != nil {
				return err
			}
			if maj != cbg.MajByteString {
				return fmt.Errorf("event blocks must be a byte string, got major type %d", maj)
			}
			if blen > cbg.ByteArrayMaxLen {
				return fmt.Errorf("event blocks too large (%d bytes)", blen)
			}
			e.Blocks = make([]byte, blen)
			_, err = io.ReadFull(cr, e.Blocks)
		case "commit":
			e.Commit, err = cbg.ReadCid(cr)
		case "ops":
			var maj byte
			var count uint64
			maj, count, err = cr.ReadHeader()
			if err != nil {
				return err
			}
			if maj != cbg.MajArray {
				return fmt.Errorf("event ops must be an array, got major type %d", maj)
			}
			if count > cbg.MaxLength {
				return fmt.Errorf("event ops too large (%d)", count)
			}
			e.Ops = make([]EventOp, count)
			for i := range e.Ops {
				if err = e.Ops[i].unmarshalCBOR(cr); err != nil {
					return fmt.Errorf("failed to unmarshal op %d: %w", i, err)
				}
			}
		default:
			return fmt.Errorf("unknown event field %q", key)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (op *EventOp) marshalCBOR(cw *cbg.CborWriter) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajMap, 3); err != nil {
		return err
	}

	// "cid"
	if err := writeMapKey(cw, "cid"); err != nil {
		return err
	}
	if op.Cid == nil {
		if _, err := cw.Write(cbg.CborNull); err != nil {
			return err
		}
	} else if err := cbg.WriteCid(cw, *op.Cid); err != nil {
		return err
	}

	// "path"
	if err := writeMapKey(cw, "path"); err != nil {
		return err
	}
	if err := writeTextString(cw, op.Path); err != nil {
		return err
	}

	// "action"
	if err := writeMapKey(cw, "action"); err != nil {
		return err
	}
	return writeTextString(cw, op.Action)
}

func (op *EventOp) unmarshalCBOR(cr *cbg.CborReader) error {
	maj, n, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajMap {
		return fmt.Errorf("op must be a map, got major type %d", maj)
	}

	keyBuf := make([]byte, 8)
	for range n {
		key, err := readMapKey(cr, keyBuf)
		if err != nil {
			return err
		}

		switch key {
		case "cid":
			b, err := cr.ReadByte()
			if err != nil {
				return err
			}
			if b == cbg.CborNull[0] {
				op.Cid = nil
				continue
			}
			if err := cr.UnreadByte(); err != nil {
				return err
			}
			c, err := cbg.ReadCid(cr)
			if err != nil {
				return err
			}
			op.Cid = &c
		case "path":
			op.Path, err = readTextString(cr)
			if err != nil {
				return err
			}
		case "action":
			op.Action, err = readTextString(cr)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown op field %q", key)
		}
	}
	return nil
}

// EncodeFrame serializes the header+body wire frame for one event.
func EncodeFrame(e *Event) ([]byte, error) {
	var buf bytes.Buffer

	h := header{Op: frameMessage, MsgType: commitMsgType}
	if err := h.MarshalCBOR(&buf); err != nil {
		return nil, fmt.Errorf("failed to marshal frame header: %w", err)
	}
	if err := e.MarshalCBOR(&buf); err != nil {
		return nil, fmt.Errorf("failed to marshal frame body: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeFrame parses a wire frame back into an event.
func DecodeFrame(data []byte) (*Event, error) {
	r := bytes.NewReader(data)

	var h header
	if err := h.UnmarshalCBOR(r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame header: %w", err)
	}
	if h.Op != frameMessage || h.MsgType != commitMsgType {
		return nil, fmt.Errorf("unexpected frame kind op=%d t=%q", h.Op, h.MsgType)
	}

	var e Event
	if err := e.UnmarshalCBOR(r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame body: %w", err)
	}
	return &e, nil
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

func writeInt(cw *cbg.CborWriter, v int64) error {
	if v >= 0 {
		return cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(v))
	}
	return cw.WriteMajorTypeHeader(cbg.MajNegativeInt, uint64(-v-1))
}

func readInt(cr *cbg.CborReader) (int64, error) {
	maj, v, err := cr.ReadHeader()
	if err != nil {
		return 0, err
	}
	switch maj {
	case cbg.MajUnsignedInt:
		return int64(v), nil
	case cbg.MajNegativeInt:
		return -int64(v) - 1, nil
	default:
		return 0, fmt.Errorf("expected integer, got major type %d", maj)
	}
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

func readNullableTextString(cr *cbg.CborReader) (*string, error) {
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

	s, err := readTextString(cr)
	if err != nil {
		return nil, err
	}
	return &s, nil
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
