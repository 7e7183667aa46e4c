package codec

import (
	"io"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
)

// KeyNotFound is the Err message sent when a removed key does not exist.
const KeyNotFound = "Key not found"

// ErrProtocol is returned when a peer sends something that is not a valid
// message. The connection it came from cannot be trusted any further.
var ErrProtocol = errors.New("protocol error")

// Op is the operation a Request asks for.
type Op string

// Request operations. Key is always sent; Value only with OpSet.
const (
	// OpGet reads the value of Key.
	OpGet Op = "get"
	// OpSet stores Value under Key.
	OpSet Op = "set"
	// OpRemove deletes Key.
	OpRemove Op = "remove"
)

func (o Op) valid() bool {
	return o == OpGet || o == OpSet || o == OpRemove
}

// Request is a client message.
type Request struct {
	Op    Op
	Key   string
	Value string
}

// GetRequest builds a request for the value of key.
func GetRequest(key string) Request { return Request{Op: OpGet, Key: key} }

// SetRequest builds a request storing value under key.
func SetRequest(key, value string) Request { return Request{Op: OpSet, Key: key, Value: value} }

// RemoveRequest builds a request deleting key.
func RemoveRequest(key string) Request { return Request{Op: OpRemove, Key: key} }

// Status tells an Ok response from an Err response.
type Status string

// Response statuses.
const (
	// StatusOK answers a request that succeeded. Found and Value carry
	// the result of a get.
	StatusOK Status = "ok"
	// StatusErr answers a request that failed. Message carries the
	// reason, for example KeyNotFound.
	StatusErr Status = "err"
)

// Response is a server message. For StatusOK, Found reports whether Value
// holds a value (only meaningful for get). For StatusErr, Message explains
// the failure.
type Response struct {
	Status  Status
	Found   bool
	Value   string
	Message string
}

// OK builds a successful response.
func OK(value string, found bool) Response {
	return Response{Status: StatusOK, Found: found, Value: value}
}

// Err builds a failure response.
func Err(message string) Response {
	return Response{Status: StatusErr, Message: message}
}

type requestDoc struct {
	Op    Op     `json:"op"`
	Key   []byte `json:"key"`
	Value []byte `json:"value,omitempty"`
}

type responseDoc struct {
	Status  Status `json:"status"`
	Found   bool   `json:"found,omitempty"`
	Value   []byte `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Encoder writes messages to a stream, one Write call per message.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w. Writes are not buffered, so
// every message reaches w as soon as it is encoded.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// EncodeRequest writes r as a single newline-terminated JSON object.
//
// Behavior:
//   - keys and values are sent as byte strings, so any content is preserved
//   - Value is omitted unless r.Op is OpSet
//   - an unknown Op is rejected before anything is written
func (e *Encoder) EncodeRequest(r Request) error {
	if !r.Op.valid() {
		return errors.Newf("codec: cannot encode request op %q", r.Op)
	}
	doc := requestDoc{Op: r.Op, Key: []byte(r.Key)}
	if r.Op == OpSet {
		doc.Value = []byte(r.Value)
	}
	return e.write(&doc)
}

// EncodeResponse writes r as a single newline-terminated JSON object.
//
// Behavior:
//   - for StatusOK, Value is sent only when Found is true
//   - for StatusErr, only Message is sent
//   - an unknown Status is rejected before anything is written
func (e *Encoder) EncodeResponse(r Response) error {
	doc := responseDoc{Status: r.Status}
	switch r.Status {
	case StatusOK:
		doc.Found = r.Found
		if r.Found {
			doc.Value = []byte(r.Value)
		}
	case StatusErr:
		doc.Message = r.Message
	default:
		return errors.Newf("codec: cannot encode response status %q", r.Status)
	}
	return e.write(&doc)
}

func (e *Encoder) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "codec: encode message")
	}
	b = append(b, '\n')
	if _, err := e.w.Write(b); err != nil {
		return errors.Wrap(err, "codec: write message")
	}
	return nil
}

// Decoder reads messages from a stream. It buffers internally, so a stream
// must be read through a single Decoder.
type Decoder struct {
	iter *jsoniter.Iterator
}

// NewDecoder returns a Decoder reading from r. It reads ahead in 4 KiB
// chunks, so bytes past the current message may already be consumed from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{iter: jsoniter.Parse(json, r, 4096)}
}

// DecodeRequest returns io.EOF when the peer closed the stream between
// messages.
func (d *Decoder) DecodeRequest() (Request, error) {
	var doc requestDoc
	if err := d.next(&doc); err != nil {
		return Request{}, err
	}
	if !doc.Op.valid() {
		return Request{}, errors.Wrapf(ErrProtocol, "unknown request op %q", doc.Op)
	}
	req := Request{Op: doc.Op, Key: string(doc.Key)}
	if doc.Op == OpSet {
		req.Value = string(doc.Value)
	}
	return req, nil
}

// DecodeResponse returns io.EOF when the peer closed the stream between
// messages.
func (d *Decoder) DecodeResponse() (Response, error) {
	var doc responseDoc
	if err := d.next(&doc); err != nil {
		return Response{}, err
	}
	switch doc.Status {
	case StatusOK:
		return OK(string(doc.Value), doc.Found), nil
	case StatusErr:
		return Err(doc.Message), nil
	default:
		return Response{}, errors.Wrapf(ErrProtocol, "unknown response status %q", doc.Status)
	}
}

func (d *Decoder) next(v any) error {
	// WhatIsNext skips whitespace and pulls more input, which is where a
	// clean end of stream shows up.
	if d.iter.WhatIsNext() != jsoniter.ObjectValue {
		switch err := d.iter.Error; {
		case err == io.EOF:
			return io.EOF
		case err != nil:
			return errors.Wrap(err, "codec: read message")
		default:
			return errors.Wrap(ErrProtocol, "message is not a JSON object")
		}
	}

	d.iter.ReadVal(v)
	if err := d.iter.Error; err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return errors.Mark(errors.Wrap(err, "codec: decode message"), ErrProtocol)
	}
	return nil
}
