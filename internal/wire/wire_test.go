// ABOUTME: Tests for the frame codec and destination routing
// ABOUTME: Covers decode validation, header lookup, route parsing and wildcard matching

package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	f, err := Decode([]byte(`{"command":"send","destination":"/app/dm/bob/send","headers":{"Message-Id":"m1"},"body":{"content":"hi"}}`))
	require.NoError(t, err)

	assert.Equal(t, CmdSend, f.Command, "commands are upper-cased")
	assert.Equal(t, "/app/dm/bob/send", f.Destination)
	assert.Equal(t, "m1", f.Header(HeaderMessageID), "header names match case-insensitively")

	var body struct {
		Content string `json:"content"`
	}
	require.NoError(t, f.DecodeBody(&body))
	assert.Equal(t, "hi", body.Content)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Decode([]byte(`{"command":"MESSAGE"}`))
	assert.ErrorIs(t, err, ErrUnknownCommand, "server commands are not accepted from clients")

	_, err = Decode([]byte(`{"command":""}`))
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestDecodeBody_Malformed(t *testing.T) {
	f := &Frame{Command: CmdSend, Body: json.RawMessage(`"just a string"`)}
	var body struct{ Content string }
	assert.ErrorIs(t, f.DecodeBody(&body), ErrMalformedFrame)

	empty := &Frame{Command: CmdSend}
	assert.NoError(t, empty.DecodeBody(&body))
}

func TestHeader_NilFrame(t *testing.T) {
	var f *Frame
	assert.Equal(t, "", f.Header(HeaderAuthorization))
}

func TestNewMessage_RoundTrip(t *testing.T) {
	f, err := NewMessage(DestNotify, map[string]any{"unreadCount": 1})
	require.NoError(t, err)

	data, err := Encode(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"MESSAGE","destination":"/user/queue/dm/notify","body":{"unreadCount":1}}`, string(data))
}

func TestServerFrames(t *testing.T) {
	c := NewConnected("alice", "sess-1")
	assert.Equal(t, CmdConnected, c.Command)
	assert.Equal(t, "alice", c.Header(HeaderUserName))
	assert.Equal(t, "sess-1", c.Header(HeaderSession))

	e := NewError("unauthorized", "missing bearer token")
	assert.Equal(t, CmdError, e.Command)
	assert.Equal(t, "unauthorized", e.Header(HeaderMessage))

	r := NewReceipt("r-7")
	assert.Equal(t, "r-7", r.Header(HeaderReceiptID))
}

func TestParseAppDestination(t *testing.T) {
	tests := []struct {
		dest    string
		want    Route
		wantErr bool
	}{
		{"/app/dm/bob/send", Route{Target: "bob", Action: ActionSend}, false},
		{"/app/dm/bob/open", Route{Target: "bob", Action: ActionOpen}, false},
		{"/app/dm/42/read", Route{Target: "42", Action: ActionRead}, false},
		{"/app/dm/jane%20doe/send", Route{Target: "jane doe", Action: ActionSend}, false},
		{"/app/dm//send", Route{}, true},
		{"/app/dm/bob", Route{}, true},
		{"/app/dm/bob/delete", Route{}, true},
		{"/app/dm/bob/send/extra", Route{}, true},
		{"/topic/public", Route{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.dest, func(t *testing.T) {
			got, err := ParseAppDestination(tt.dest)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownDestination)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoute_ConversationID(t *testing.T) {
	id, err := Route{Target: "42", Action: ActionRead}.ConversationID()
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = Route{Target: "bob"}.ConversationID()
	assert.ErrorIs(t, err, ErrUnknownDestination)

	_, err = Route{Target: "0"}.ConversationID()
	assert.ErrorIs(t, err, ErrUnknownDestination)
}

func TestMatchDestination(t *testing.T) {
	assert.True(t, MatchDestination("/user/queue/dm/*", "/user/queue/dm/7"))
	assert.True(t, MatchDestination("/user/queue/dm/*", DestNotify))
	assert.True(t, MatchDestination("/user/queue/dm/7", "/user/queue/dm/7"))
	assert.False(t, MatchDestination("/user/queue/dm/7", "/user/queue/dm/8"))
	assert.False(t, MatchDestination("/user/queue/dm/*", DestErrors))

	assert.Equal(t, "/user/queue/dm/7", ConversationDestination(7))
	assert.True(t, AlwaysDelivered(DestOpen))
	assert.True(t, AlwaysDelivered(DestErrors))
	assert.False(t, AlwaysDelivered(DestNotify))
}
