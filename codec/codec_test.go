package codec

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"wrpc/message"
)

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}

	originalMsg := message.NewRequest("abc", "math.add", json.RawMessage(`{"a":1,"b":2}`))

	data, err := jsonCodec.Encode(originalMsg)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	var decodedMsg message.Message
	if err := jsonCodec.Decode(data, &decodedMsg); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}

	if decodedMsg.Kind != message.KindRequest {
		t.Errorf("Kind mismatch: got %s, want %s", decodedMsg.Kind, message.KindRequest)
	}
	if decodedMsg.Path != originalMsg.Path {
		t.Errorf("Path mismatch: got %s, want %s", decodedMsg.Path, originalMsg.Path)
	}
	if string(decodedMsg.Input) != string(originalMsg.Input) {
		t.Errorf("Input mismatch: got %s, want %s", decodedMsg.Input, originalMsg.Input)
	}

	// Traffic that is not ours must be refused before unmarshalling
	if err := jsonCodec.Decode([]byte(`{"kind":"ui/resize"}`), &decodedMsg); !errors.Is(err, message.ErrNotMessage) {
		t.Fatalf("expect ErrNotMessage, got %v", err)
	}
}

func TestBinaryCodec(t *testing.T) {
	binaryCodec := &BinaryCodec{}

	cases := []*message.Message{
		message.NewRequest("id-1", "math.add", json.RawMessage(`{"a":1,"b":2}`)),
		message.NewRequest("id-2", "system.ping", nil),
		message.NewSuccess("id-3", json.RawMessage(`3`)),
		message.NewError("id-4", "Invalid input: a: expected int, got string"),
	}

	for _, originalMsg := range cases {
		data, err := binaryCodec.Encode(originalMsg)
		if err != nil {
			t.Fatalf("BinaryCodec Encode failed: %v", err)
		}

		var decodedMsg message.Message
		if err := binaryCodec.Decode(data, &decodedMsg); err != nil {
			t.Fatalf("BinaryCodec Decode failed: %v", err)
		}

		if decodedMsg.Kind != originalMsg.Kind || decodedMsg.ID != originalMsg.ID || decodedMsg.Path != originalMsg.Path {
			t.Errorf("header mismatch: got %+v, want %+v", decodedMsg, *originalMsg)
		}
		if string(decodedMsg.Input) != string(originalMsg.Input) {
			t.Errorf("Input mismatch: got %s, want %s", decodedMsg.Input, originalMsg.Input)
		}
		if string(decodedMsg.Result) != string(originalMsg.Result) {
			t.Errorf("Result mismatch: got %s, want %s", decodedMsg.Result, originalMsg.Result)
		}
		if decodedMsg.ErrorMessage() != originalMsg.ErrorMessage() {
			t.Errorf("Error mismatch: got %q, want %q", decodedMsg.ErrorMessage(), originalMsg.ErrorMessage())
		}
	}
}

func TestBinaryCodecRejects(t *testing.T) {
	binaryCodec := &BinaryCodec{}
	var msg message.Message

	if err := binaryCodec.Decode([]byte{9, 0, 0}, &msg); !errors.Is(err, message.ErrNotMessage) {
		t.Fatalf("unknown kind byte: expect ErrNotMessage, got %v", err)
	}
	if err := binaryCodec.Decode([]byte{1, 0, 10, 'x'}, &msg); err == nil {
		t.Fatal("expect error for truncated payload")
	}
	if _, err := binaryCodec.Encode(&message.Message{Kind: "rpc/other"}); err == nil {
		t.Fatal("expect error for unsupported kind")
	}
}

func TestGetCodec(t *testing.T) {
	if GetCodec(CodecTypeJSON).Type() != CodecTypeJSON {
		t.Fatal("expect JSON codec")
	}
	if GetCodec(CodecTypeBinary).Type() != CodecTypeBinary {
		t.Fatal("expect binary codec")
	}
}

// Both codecs must reproduce the same Message, so a host and client may pick either.
func TestCodecsAgree(t *testing.T) {
	cases := []*message.Message{
		message.NewRequest("id-1", "math.add", json.RawMessage(`{"a":1,"b":2}`)),
		message.NewRequest("id-2", "system.ping", nil),
		message.NewSuccess("id-3", json.RawMessage(`{"total":3}`)),
		message.NewSuccess("id-4", nil),
		message.NewError("id-5", "Unknown error"),
	}

	for _, c := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		for _, want := range cases {
			data, err := c.Encode(want)
			if err != nil {
				t.Fatalf("codec %d: encode %s: %v", c.Type(), want.ID, err)
			}
			var got message.Message
			if err := c.Decode(data, &got); err != nil {
				t.Fatalf("codec %d: decode %s: %v", c.Type(), want.ID, err)
			}
			if diff := cmp.Diff(*want, got); diff != "" {
				t.Errorf("codec %d: %s mismatch (-want +got):\n%s", c.Type(), want.ID, diff)
			}
		}
	}
}
