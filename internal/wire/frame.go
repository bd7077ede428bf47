// ABOUTME: JSON frame codec for the dm-gateway WebSocket protocol
// ABOUTME: Defines commands, well-known headers and frame constructors

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Command is the verb of a frame.
type Command string

// Client -> server commands.
const (
	CmdConnect     Command = "CONNECT"
	CmdSubscribe   Command = "SUBSCRIBE"
	CmdUnsubscribe Command = "UNSUBSCRIBE"
	CmdSend        Command = "SEND"
	CmdDisconnect  Command = "DISCONNECT"
)

// Server -> client commands.
const (
	CmdConnected Command = "CONNECTED"
	CmdMessage   Command = "MESSAGE"
	CmdError     Command = "ERROR"
	CmdReceipt   Command = "RECEIPT"
)

// Well-known header names. Lookups through Frame.Header are case-insensitive.
const (
	HeaderAuthorization = "authorization"
	HeaderClientID      = "x-client-id"
	HeaderMessageID     = "message-id"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderSubscription  = "id"
	HeaderUserName      = "user-name"
	HeaderSession       = "session"
	HeaderMessage       = "message"
)

var (
	// ErrMalformedFrame is returned when a frame cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownCommand is returned for commands outside the protocol.
	ErrUnknownCommand = errors.New("unknown command")
)

var clientCommands = map[Command]bool{
	CmdConnect:     true,
	CmdSubscribe:   true,
	CmdUnsubscribe: true,
	CmdSend:        true,
	CmdDisconnect:  true,
}

// Frame is one protocol unit. Body is raw JSON interpreted per destination.
type Frame struct {
	Command     Command           `json:"command"`
	Destination string            `json:"destination,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
}

// Header returns the value of the named header, matching names case-insensitively.
func (f *Frame) Header(name string) string {
	if f == nil {
		return ""
	}
	if v, ok := f.Headers[name]; ok {
		return v
	}
	for k, v := range f.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// SetHeader sets a header, allocating the map if needed.
func (f *Frame) SetHeader(name, value string) {
	if f.Headers == nil {
		f.Headers = make(map[string]string)
	}
	f.Headers[name] = value
}

// DecodeBody unmarshals the frame body into v. An empty body leaves v untouched.
func (f *Frame) DecodeBody(v any) error {
	if len(f.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("%w: body: %w", ErrMalformedFrame, err)
	}
	return nil
}

// Decode parses a client frame and checks that its command is one a client may send.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	f.Command = Command(strings.ToUpper(string(f.Command)))
	if !clientCommands[f.Command] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, f.Command)
	}
	return &f, nil
}

// Encode serializes a frame.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// NewMessage builds a MESSAGE frame for destination carrying payload as JSON.
func NewMessage(destination string, payload any) (*Frame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload for %s: %w", destination, err)
	}
	return &Frame{
		Command:     CmdMessage,
		Destination: destination,
		Body:        body,
	}, nil
}

// NewConnected builds the CONNECTED reply reporting the bound user and session.
func NewConnected(username, sessionID string) *Frame {
	return &Frame{
		Command: CmdConnected,
		Headers: map[string]string{
			HeaderUserName: username,
			HeaderSession:  sessionID,
		},
	}
}

// NewError builds an ERROR frame with a short message header and a detail body.
func NewError(message, detail string) *Frame {
	body, _ := json.Marshal(map[string]string{"message": message, "detail": detail})
	return &Frame{
		Command: CmdError,
		Headers: map[string]string{HeaderMessage: message},
		Body:    body,
	}
}

// NewReceipt acknowledges a frame that carried a receipt header.
func NewReceipt(receiptID string) *Frame {
	return &Frame{
		Command: CmdReceipt,
		Headers: map[string]string{HeaderReceiptID: receiptID},
	}
}
