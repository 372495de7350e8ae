package protocol

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	body := []byte(`{"kind":"rpc/request","id":"1","path":"math.add"}`)
	header := Header{
		FrameType: FrameTypeData,
		BodyLen:   uint32(len(body)),
	}

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decodedHeader.FrameType != header.FrameType {
		t.Errorf("FrameType mismatch: got %d, want %d", decodedHeader.FrameType, header.FrameType)
	}
	if decodedHeader.BodyLen != header.BodyLen {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, header.BodyLen)
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeConsecutiveFrames(t *testing.T) {
	var buf bytes.Buffer
	bodies := []string{"first", "", "third"}
	for _, b := range bodies {
		ft := FrameTypeData
		if b == "" {
			ft = FrameTypeHeartbeat
		}
		if err := Encode(&buf, &Header{FrameType: ft, BodyLen: uint32(len(b))}, []byte(b)); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
	}

	for _, want := range bodies {
		_, body, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if string(body) != want {
			t.Fatalf("expect %q, got %q", want, body)
		}
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, Version, byte(FrameTypeData), 0x00, 0x00, 0x00, 0x0B})
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("Expected error for invalid magic number, but got nil")
	}
	if !strings.Contains(err.Error(), "invalid magic number") {
		t.Errorf("Error message should contain 'invalid magic number', instead: %v", err)
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{MagicNumber, MagicByte2, MagicByte3, 0xFF, byte(FrameTypeData), 0, 0, 0, 0})

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expect error for bad version")
	}
	if !strings.Contains(err.Error(), "unsupported version") {
		t.Errorf("Error message should contain 'unsupported version', instead: %v", err)
	}
}

func TestDecodeInvalidFrameType(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{MagicNumber, MagicByte2, MagicByte3, Version, 0x7F, 0, 0, 0, 0})

	if _, _, err := Decode(&buf); err == nil || !strings.Contains(err.Error(), "unsupported frame type") {
		t.Fatalf("expect frame type error, got %v", err)
	}
}

func TestDecodeOversizedBody(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, Version, byte(FrameTypeData), 0, 0, 0, 0}
	binary.BigEndian.PutUint32(frame[5:9], MaxBodyLen+1)

	if _, _, err := Decode(bytes.NewReader(frame)); err == nil || !strings.Contains(err.Error(), "body too large") {
		t.Fatalf("expect size error, got %v", err)
	}
}

func TestEncodeLengthMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{BodyLen: 3}, []byte("hello")); err == nil {
		t.Fatal("expect error when header length disagrees with body")
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{FrameType: FrameTypeData, BodyLen: uint32(len(largeBody))}
	if err := Encode(&buf, header, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
}
