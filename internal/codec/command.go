package codec

import (
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrCorruptRecord is returned when bytes read from a segment do not form a
// valid command frame.
var ErrCorruptRecord = errors.New("corrupt record")

const (
	// HeaderSize is the size of the frame header preceding every payload.
	HeaderSize = 12

	// MaxPayloadSize bounds the payload length accepted by the decoder so a
	// garbage header cannot trigger a huge allocation.
	MaxPayloadSize = 64 << 20
)

// Kind identifies a log command.
type Kind uint8

const (
	// KindSet records a key being assigned a value.
	KindSet Kind = iota + 1
	// KindRemove is a tombstone recording a key being deleted.
	KindRemove
)

// String returns the lower-case name of k, as used in log fields.
func (k Kind) String() string {
	switch k {
	case KindSet:
		return "set"
	case KindRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Command is one entry of the append-only log.
type Command struct {
	Kind  Kind
	Key   string
	Value string
}

// Set builds a Set command.
func Set(key, value string) Command {
	return Command{Kind: KindSet, Key: key, Value: value}
}

// Remove builds a Remove command (tombstone).
func Remove(key string) Command {
	return Command{Kind: KindRemove, Key: key}
}

type commandDoc struct {
	Op    string `json:"op"`
	Key   []byte `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// EncodeCommand returns the framed form of c.
func EncodeCommand(c Command) ([]byte, error) {
	doc := commandDoc{Op: c.Kind.String(), Key: []byte(c.Key)}
	switch c.Kind {
	case KindSet:
		doc.Value = []byte(c.Value)
	case KindRemove:
	default:
		return nil, errors.Newf("codec: cannot encode command kind %d", c.Kind)
	}

	payload, err := json.Marshal(&doc)
	if err != nil {
		return nil, errors.Wrap(err, "codec: encode command")
	}
	if len(payload) > MaxPayloadSize {
		return nil, errors.Newf("codec: command payload of %d bytes exceeds limit", len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], xxhash.Sum64(payload))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodeCommand decodes exactly one frame. b must hold the whole frame and
// nothing else.
func DecodeCommand(b []byte) (Command, error) {
	if len(b) < HeaderSize {
		return Command{}, errors.Wrapf(ErrCorruptRecord, "record of %d bytes is shorter than its header", len(b))
	}
	length := binary.LittleEndian.Uint32(b[8:12])
	if int64(length) != int64(len(b)-HeaderSize) {
		return Command{}, errors.Wrapf(ErrCorruptRecord, "header length %d does not match %d payload bytes", length, len(b)-HeaderSize)
	}
	return decodePayload(binary.LittleEndian.Uint64(b[0:8]), b[HeaderSize:])
}

// ReadCommand reads the next frame from r. It returns the command and the
// number of bytes the frame occupied. io.EOF is returned only when r ends
// exactly on a frame boundary; a partial frame yields ErrCorruptRecord.
func ReadCommand(r io.Reader) (Command, int64, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return Command{}, 0, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return Command{}, 0, errors.Mark(errors.Wrap(err, "truncated record header"), ErrCorruptRecord)
		}
		return Command{}, 0, errors.Wrap(err, "codec: read record header")
	}

	length := binary.LittleEndian.Uint32(hdr[8:12])
	if length > MaxPayloadSize {
		return Command{}, 0, errors.Wrapf(ErrCorruptRecord, "payload length %d exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Command{}, 0, errors.Mark(errors.Wrap(io.ErrUnexpectedEOF, "truncated record payload"), ErrCorruptRecord)
		}
		return Command{}, 0, errors.Wrap(err, "codec: read record payload")
	}

	cmd, err := decodePayload(binary.LittleEndian.Uint64(hdr[0:8]), payload)
	if err != nil {
		return Command{}, 0, err
	}
	return cmd, int64(HeaderSize) + int64(length), nil
}

func decodePayload(sum uint64, payload []byte) (Command, error) {
	if xxhash.Sum64(payload) != sum {
		return Command{}, errors.Wrap(ErrCorruptRecord, "checksum mismatch")
	}

	var doc commandDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Command{}, errors.Mark(errors.Wrap(err, "decode record payload"), ErrCorruptRecord)
	}

	switch doc.Op {
	case "set":
		return Set(string(doc.Key), string(doc.Value)), nil
	case "remove":
		if len(doc.Value) != 0 {
			return Command{}, errors.Wrap(ErrCorruptRecord, "remove record carries a value")
		}
		return Remove(string(doc.Key)), nil
	default:
		return Command{}, errors.Wrapf(ErrCorruptRecord, "unknown op %q", doc.Op)
	}
}
