// Package protocol implements the frame format used when messages travel over a byte
// stream (TCP connection, stdio pipes) instead of a message-oriented channel.
//
// A stream has no message boundaries, so every payload is prefixed with a fixed-size
// 9-byte header carrying its length. The receiver reads the header first, then exactly
// that many bytes.
//
// Frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │ft│ bodyLen │    body ...    │
//	│ wrp  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
//
// Request/response correlation is not the frame's job: the id lives inside the message.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "wrp".
// Rejects peers that are not speaking this protocol (e.g., an HTTP client on the port).
const (
	MagicNumber byte = 0x77 // 'w'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 9 // 3 (magic) + 1 (version) + 1 (frameType) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame so a corrupt length cannot make Decode allocate
	// gigabytes.
	MaxBodyLen uint32 = 16 << 20
)

// FrameType distinguishes payload frames from keepalive frames.
type FrameType byte

const (
	FrameTypeData      FrameType = 0 // Carries one encoded message
	FrameTypeHeartbeat FrameType = 1 // KeepAlive probe (no body)
)

// Header represents the fixed 9-byte frame header.
type Header struct {
	FrameType FrameType
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w.
// The caller must serialize concurrent writers on the same w.
func Encode(w io.Writer, h *Header, body []byte) error {
	if h.BodyLen != uint32(len(body)) {
		return fmt.Errorf("body length mismatch: header %d, body %d", h.BodyLen, len(body))
	}
	if h.BodyLen > MaxBodyLen {
		return fmt.Errorf("body too large: %d bytes", h.BodyLen)
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.FrameType)
	binary.BigEndian.PutUint32(buf[5:9], h.BodyLen)

	// One Write per frame keeps the frame contiguous even on writers that are not buffered
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	frameType := FrameType(headerBuf[4])
	if frameType != FrameTypeData && frameType != FrameTypeHeartbeat {
		return nil, nil, fmt.Errorf("unsupported frame type: %d", frameType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[5:9])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{FrameType: frameType, BodyLen: bodyLen}, body, nil
}
