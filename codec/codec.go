// Package codec turns messages into transport payloads and back.
//
// JSONCodec produces the interoperable wire format and is the default on both sides.
// BinaryCodec is a compact alternative for Go-to-Go links where both ends agree on it.
package codec

import "wrpc/message"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(msg *message.Message) ([]byte, error)
	// Decode must reject payloads that are not rpc messages with message.ErrNotMessage.
	Decode(data []byte, msg *message.Message) error
	Type() CodecType
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeBinary {
		return &BinaryCodec{}
	}

	return &JSONCodec{}
}

// Default is the codec used when none is configured.
func Default() Codec {
	return &JSONCodec{}
}
