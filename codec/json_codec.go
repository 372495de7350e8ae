package codec

import (
	"encoding/json"
	"wrpc/message"
)

// JSONCodec encodes messages exactly as they appear on the wire.
// Admission runs on the raw payload before unmarshalling, so unrelated JSON traffic on the
// same channel is rejected without being parsed into a Message.
type JSONCodec struct{}

func (c *JSONCodec) Encode(msg *message.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *JSONCodec) Decode(data []byte, msg *message.Message) error {
	if !message.IsMessage(data) {
		return message.ErrNotMessage
	}
	return json.Unmarshal(data, msg)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
