package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"wrpc/message"
)

// BinaryCodec lays a message out as length-prefixed fields:
//
//	kind(1) | idLen(2) id | pathLen(2) path | payloadLen(4) payload | errLen(4) err
//
// payload is Input for requests and Result for successes.
type BinaryCodec struct{}

var errShortBuffer = errors.New("BinaryCodec: truncated payload")

var kindBytes = map[message.Kind]byte{
	message.KindRequest: 1,
	message.KindSuccess: 2,
	message.KindError:   3,
}

var byteKinds = map[byte]message.Kind{
	1: message.KindRequest,
	2: message.KindSuccess,
	3: message.KindError,
}

func (c *BinaryCodec) Encode(msg *message.Message) ([]byte, error) {
	kind, ok := kindBytes[msg.Kind]
	if !ok {
		return nil, fmt.Errorf("BinaryCodec: unsupported kind %q", msg.Kind)
	}
	if len(msg.ID) > 0xffff || len(msg.Path) > 0xffff {
		return nil, errors.New("BinaryCodec: id or path too long")
	}

	payload := msg.Input
	if msg.Kind == message.KindSuccess {
		payload = msg.Result
	}
	errText := msg.ErrorMessage()

	total := 1 + 2 + len(msg.ID) + 2 + len(msg.Path) + 4 + len(payload) + 4 + len(errText)
	buf := make([]byte, total)

	offset := 0
	buf[offset] = kind
	offset++

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.ID)))
	offset += 2
	offset += copy(buf[offset:], msg.ID)

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.Path)))
	offset += 2
	offset += copy(buf[offset:], msg.Path)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(payload)))
	offset += 4
	offset += copy(buf[offset:], payload)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(errText)))
	offset += 4
	copy(buf[offset:], errText)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, msg *message.Message) error {
	if len(data) == 0 {
		return message.ErrNotMessage
	}
	kind, ok := byteKinds[data[0]]
	if !ok {
		return message.ErrNotMessage
	}

	r := reader{data: data, offset: 1}
	id := r.next(r.uint16())
	path := r.next(r.uint16())
	payload := r.next(r.uint32())
	errText := r.next(r.uint32())
	if r.err != nil {
		return r.err
	}

	*msg = message.Message{Kind: kind, ID: string(id), Path: string(path)}
	switch kind {
	case message.KindRequest:
		if len(payload) > 0 {
			msg.Input = append([]byte(nil), payload...)
		}
	case message.KindSuccess:
		msg.Result = append([]byte(nil), payload...)
	case message.KindError:
		msg.Error = &message.ErrorBody{Message: string(errText)}
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks data and remembers the first bounds violation.
type reader struct {
	data   []byte
	offset int
	err    error
}

func (r *reader) uint16() int {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return int(binary.BigEndian.Uint16(b))
}

func (r *reader) uint32() int {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return int(binary.BigEndian.Uint32(b))
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.offset+n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b
}
