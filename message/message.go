// Package message defines the RPC messages exchanged between a client and a host.
//
// Every message is a JSON object discriminated by its "kind" field:
//
//	{"kind":"rpc/request","id":"…","path":"math.add","input":{"a":2,"b":3}}
//	{"kind":"rpc/success","id":"…","result":5}
//	{"kind":"rpc/error","id":"…","error":{"message":"Path not found: math.sub"}}
//
// The id is generated by the client that issues the call. The host never creates ids,
// it only echoes them back on the response.
package message

import (
	"encoding/json"
	"errors"
	"strings"
)

// KindPrefix is reserved for RPC traffic. Payloads whose kind does not start with it
// belong to somebody else sharing the channel.
const KindPrefix = "rpc/"

// Kind discriminates the three message shapes.
type Kind string

const (
	KindRequest Kind = "rpc/request" // Client → Host
	KindSuccess Kind = "rpc/success" // Host → Client, procedure returned
	KindError   Kind = "rpc/error"   // Host → Client, procedure failed
)

// ErrNotMessage is returned by Decode for payloads that fail admission.
var ErrNotMessage = errors.New("message: not an rpc message")

var nullResult = json.RawMessage("null")

// ErrorBody is the "error" object of an rpc/error message.
type ErrorBody struct {
	Message string `json:"message"`
}

// Message carries a single request or response.
//
//   - Request: Path is set, Input holds the raw argument (nil when absent).
//   - Success: Result holds the raw return value.
//   - Error:   Error holds the failure description.
type Message struct {
	Kind   Kind            `json:"kind"`
	ID     string          `json:"id"`
	Path   string          `json:"path,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// NewRequest builds an rpc/request. A nil input is sent as absent.
func NewRequest(id, path string, input json.RawMessage) *Message {
	return &Message{Kind: KindRequest, ID: id, Path: path, Input: input}
}

// NewSuccess builds an rpc/success. A nil result is sent as JSON null so the field is
// always present on the wire.
func NewSuccess(id string, result json.RawMessage) *Message {
	if len(result) == 0 {
		result = nullResult
	}
	return &Message{Kind: KindSuccess, ID: id, Result: result}
}

// NewError builds an rpc/error carrying msg.
func NewError(id, msg string) *Message {
	return &Message{Kind: KindError, ID: id, Error: &ErrorBody{Message: msg}}
}

// IsRequest reports whether m is an rpc/request.
func (m *Message) IsRequest() bool { return m != nil && m.Kind == KindRequest }

// IsResponse reports whether m settles a call.
func (m *Message) IsResponse() bool {
	return m != nil && (m.Kind == KindSuccess || m.Kind == KindError)
}

// ErrorMessage returns the error text of an rpc/error, or "" for other kinds.
func (m *Message) ErrorMessage() string {
	if m == nil || m.Error == nil {
		return ""
	}
	return m.Error.Message
}

// IsMessage reports whether v is a non-null object whose "kind" field is a string
// beginning with KindPrefix. It accepts raw JSON, a decoded JSON object, or a Message.
// No other structural check is performed.
func IsMessage(v any) bool {
	switch m := v.(type) {
	case *Message:
		return m != nil && strings.HasPrefix(string(m.Kind), KindPrefix)
	case Message:
		return strings.HasPrefix(string(m.Kind), KindPrefix)
	case map[string]any:
		kind, ok := m["kind"].(string)
		return ok && strings.HasPrefix(kind, KindPrefix)
	case json.RawMessage:
		return isMessageJSON(m)
	case []byte:
		return isMessageJSON(m)
	}
	return false
}

func isMessageJSON(data []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil || probe == nil {
		return false
	}
	var kind string
	if err := json.Unmarshal(probe["kind"], &kind); err != nil {
		return false
	}
	return strings.HasPrefix(kind, KindPrefix)
}

// Decode admits and unmarshals a JSON payload. Payloads that are not rpc messages yield
// ErrNotMessage.
func Decode(payload []byte) (*Message, error) {
	if !isMessageJSON(payload) {
		return nil, ErrNotMessage
	}
	msg := new(Message)
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
