// ABOUTME: Tests for the WebSocket frame protocol against a live httptest server
// ABOUTME: Covers CONNECT auth, subscriptions, send/open/read routing, dedupe and disconnect

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/dm-gateway/internal/dispatch"
	"github.com/2389/dm-gateway/internal/wire"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(t.Context(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, f *wire.Frame) {
	t.Helper()
	data, err := wire.Encode(f)
	require.NoError(t, err)
	require.NoError(t, conn.Write(t.Context(), websocket.MessageText, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) *wire.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var f wire.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return &f
}

// readUntil reads frames until match returns true, skipping everything else.
func readUntil(t *testing.T, conn *websocket.Conn, match func(*wire.Frame) bool) *wire.Frame {
	t.Helper()
	for range 20 {
		f := readFrame(t, conn)
		if match(f) {
			return f
		}
	}
	t.Fatal("expected frame never arrived")
	return nil
}

func messageOn(dest string) func(*wire.Frame) bool {
	return func(f *wire.Frame) bool {
		return f.Command == wire.CmdMessage && f.Destination == dest
	}
}

func receiptFor(id string) func(*wire.Frame) bool {
	return func(f *wire.Frame) bool {
		return f.Command == wire.CmdReceipt && f.Header(wire.HeaderReceiptID) == id
	}
}

func sendFrame(dest string, body any, headers map[string]string) *wire.Frame {
	raw, _ := json.Marshal(body)
	return &wire.Frame{Command: wire.CmdSend, Destination: dest, Headers: headers, Body: raw}
}

// connectAs opens a connection, authenticates it and subscribes to every DM queue.
func connectAs(t *testing.T, gw *Gateway, srv *httptest.Server, username string) *websocket.Conn {
	t.Helper()
	conn := dial(t, srv)
	writeFrame(t, conn, &wire.Frame{
		Command: wire.CmdConnect,
		Headers: map[string]string{
			"Authorization": "Bearer " + tokenFor(t, gw, username),
			"x-client-id":   "test-" + username,
		},
	})
	connected := readFrame(t, conn)
	require.Equal(t, wire.CmdConnected, connected.Command)
	require.Equal(t, username, connected.Header(wire.HeaderUserName))

	writeFrame(t, conn, &wire.Frame{
		Command:     wire.CmdSubscribe,
		Destination: "/user/queue/dm/*",
		Headers:     map[string]string{"id": "sub-0", "receipt": "sub-0"},
	})
	readUntil(t, conn, receiptFor("sub-0"))
	return conn
}

func TestWS_ConnectRejected(t *testing.T) {
	_, srv := newTestGateway(t)

	tests := []struct {
		name  string
		frame *wire.Frame
	}{
		{"no token", &wire.Frame{Command: wire.CmdConnect}},
		{"bad token", &wire.Frame{Command: wire.CmdConnect, Headers: map[string]string{"authorization": "Bearer nope"}}},
		{"not connect", sendFrame("/app/dm/bob/send", map[string]string{"content": "hi"}, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, srv)
			writeFrame(t, conn, tt.frame)

			errFrame := readFrame(t, conn)
			assert.Equal(t, wire.CmdError, errFrame.Command)
			assert.Equal(t, "unauthorized", errFrame.Header(wire.HeaderMessage))

			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()
			_, _, err := conn.Read(ctx)
			require.Error(t, err)
			assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
		})
	}
}

func TestWS_ConnectMarksPresence(t *testing.T) {
	gw, srv := newTestGateway(t)

	conn := connectAs(t, gw, srv, "alice")
	assert.True(t, gw.presence.IsOnline("alice"))

	writeFrame(t, conn, &wire.Frame{Command: wire.CmdDisconnect, Headers: map[string]string{"receipt": "bye"}})
	readUntil(t, conn, receiptFor("bye"))

	require.Eventually(t, func() bool { return !gw.presence.IsOnline("alice") }, time.Second, 10*time.Millisecond)
}

func TestWS_SendDeliversAndNotifies(t *testing.T) {
	gw, srv := newTestGateway(t)
	alice := connectAs(t, gw, srv, "alice")
	bob := connectAs(t, gw, srv, "bob")

	content := "This message is definitely longer than forty runes of text"
	writeFrame(t, alice, sendFrame("/app/dm/bob/send", map[string]string{"content": content}, nil))

	bobMsg := readUntil(t, bob, func(f *wire.Frame) bool {
		return f.Command == wire.CmdMessage && f.Destination != wire.DestNotify
	})
	var dto dispatch.MessageDTO
	require.NoError(t, bobMsg.DecodeBody(&dto))
	assert.Equal(t, "alice", dto.Sender)
	assert.Equal(t, content, dto.Content)
	assert.Equal(t, wire.ConversationDestination(dto.ConversationID), bobMsg.Destination)

	notify := readUntil(t, bob, messageOn(wire.DestNotify))
	var n dispatch.Notification
	require.NoError(t, notify.DecodeBody(&n))
	assert.Equal(t, "alice", n.From)
	assert.Equal(t, dto.ConversationID, n.ConversationID)
	assert.Equal(t, "This message is definitely longer tha...", n.Preview)
	assert.Equal(t, int64(1), n.UnreadCount)

	aliceMsg := readUntil(t, alice, messageOn(wire.ConversationDestination(dto.ConversationID)))
	var echo dispatch.MessageDTO
	require.NoError(t, aliceMsg.DecodeBody(&echo))
	assert.Equal(t, dto.ID, echo.ID)
}

func TestWS_OnlySubscribedDestinationsDelivered(t *testing.T) {
	gw, srv := newTestGateway(t)
	alice := connectAs(t, gw, srv, "alice")

	bob := dial(t, srv)
	writeFrame(t, bob, &wire.Frame{
		Command: wire.CmdConnect,
		Headers: map[string]string{"Authorization": "Bearer " + tokenFor(t, gw, "bob")},
	})
	require.Equal(t, wire.CmdConnected, readFrame(t, bob).Command)
	writeFrame(t, bob, &wire.Frame{
		Command:     wire.CmdSubscribe,
		Destination: wire.DestNotify,
		Headers:     map[string]string{"id": "n", "receipt": "n"},
	})
	readUntil(t, bob, receiptFor("n"))

	writeFrame(t, alice, sendFrame("/app/dm/bob/send", map[string]string{"content": "ping"}, nil))

	// Bob only subscribed to notify, so the first MESSAGE he sees is the notification.
	first := readUntil(t, bob, func(f *wire.Frame) bool { return f.Command == wire.CmdMessage })
	assert.Equal(t, wire.DestNotify, first.Destination)
}

func TestWS_PersistsWhenRecipientOffline(t *testing.T) {
	gw, srv := newTestGateway(t)
	alice := connectAs(t, gw, srv, "alice")

	writeFrame(t, alice, sendFrame("/app/dm/bob/send", map[string]string{"content": "while you were out"}, nil))
	echo := readUntil(t, alice, func(f *wire.Frame) bool {
		return f.Command == wire.CmdMessage && strings.HasPrefix(f.Destination, "/user/queue/dm/")
	})
	var dto dispatch.MessageDTO
	require.NoError(t, echo.DecodeBody(&dto))

	msgs, err := gw.store.ListRecentMessages(t.Context(), dto.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "while you were out", msgs[0].Content)
}

func TestWS_SendErrorsGoToErrorQueue(t *testing.T) {
	gw, srv := newTestGateway(t)
	alice := connectAs(t, gw, srv, "alice")

	tests := []struct {
		name string
		dest string
		body any
		code string
	}{
		{"too long", "/app/dm/bob/send", map[string]string{"content": strings.Repeat("x", 501)}, dispatch.CodeInvalidArgument},
		{"blank", "/app/dm/bob/send", map[string]string{"content": "   "}, dispatch.CodeInvalidArgument},
		{"self", "/app/dm/alice/send", map[string]string{"content": "me"}, dispatch.CodeInvalidArgument},
		{"unknown route", "/app/dm/bob/shout", map[string]string{"content": "hi"}, dispatch.CodeInvalidArgument},
		{"bad read id", "/app/dm/abc/read", map[string]int{"messageId": 1}, dispatch.CodeInvalidArgument},
		{"read not member", "/app/dm/9999/read", map[string]int{"messageId": 1}, dispatch.CodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeFrame(t, alice, sendFrame(tt.dest, tt.body, nil))
			f := readUntil(t, alice, messageOn(wire.DestErrors))
			var payload dispatch.ErrorPayload
			require.NoError(t, f.DecodeBody(&payload))
			assert.Equal(t, tt.code, payload.ErrorCode)
			assert.NotEmpty(t, payload.Message)
		})
	}

	assert.Zero(t, gw.presence.Sessions("bob"))
}

func TestWS_Open(t *testing.T) {
	gw, srv := newTestGateway(t)
	alice := connectAs(t, gw, srv, "alice")
	connectAs(t, gw, srv, "bob")

	writeFrame(t, alice, &wire.Frame{Command: wire.CmdSend, Destination: "/app/dm/nobody/open"})
	f := readUntil(t, alice, messageOn(wire.DestOpen))
	var openErr dispatch.OpenErr
	require.NoError(t, f.DecodeBody(&openErr))
	assert.Equal(t, dispatch.CodeUserNotFound, openErr.ErrorCode)
	assert.Equal(t, "No user with that username.", openErr.Message)
	assert.Equal(t, "nobody", openErr.OtherUsername)

	writeFrame(t, alice, &wire.Frame{Command: wire.CmdSend, Destination: "/app/dm/bob/open"})
	f = readUntil(t, alice, messageOn(wire.DestOpen))
	var ok dispatch.OpenOk
	require.NoError(t, f.DecodeBody(&ok))
	assert.Positive(t, ok.ConversationID)
	assert.Equal(t, "bob", ok.OtherUsername)
}

func TestWS_OpenAnsweredOnRequestingConnectionOnly(t *testing.T) {
	gw, srv := newTestGateway(t)
	first := connectAs(t, gw, srv, "alice")
	second := connectAs(t, gw, srv, "alice")
	connectAs(t, gw, srv, "bob")

	writeFrame(t, first, &wire.Frame{Command: wire.CmdSend, Destination: "/app/dm/bob/open"})
	readUntil(t, first, messageOn(wire.DestOpen))

	// A receipt on the other connection proves nothing was queued before it.
	writeFrame(t, second, &wire.Frame{Command: wire.CmdSubscribe, Destination: "/user/queue/dm/*",
		Headers: map[string]string{"id": "again", "receipt": "sync"}})
	f := readFrame(t, second)
	assert.Equal(t, wire.CmdReceipt, f.Command, "got %s %s", f.Command, f.Destination)
}

func TestWS_DuplicateMessageIDNotRedispatched(t *testing.T) {
	gw, srv := newTestGateway(t)
	alice := connectAs(t, gw, srv, "alice")

	for i := range 2 {
		receipt := fmt.Sprintf("r-%d", i)
		writeFrame(t, alice, sendFrame("/app/dm/bob/send", map[string]string{"content": "once"},
			map[string]string{"message-id": "m-1", "receipt": receipt}))
		readUntil(t, alice, receiptFor(receipt))
	}

	conv, err := gw.store.GetConversationByKey(t.Context(), "alice:bob")
	require.NoError(t, err)
	msgs, err := gw.store.ListRecentMessages(t.Context(), conv.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestWS_FailedSendCanBeRetriedWithSameMessageID(t *testing.T) {
	gw, srv := newTestGateway(t)
	alice := connectAs(t, gw, srv, "alice")

	writeFrame(t, alice, sendFrame("/app/dm/bob/send", map[string]string{"content": "   "},
		map[string]string{"message-id": "m-1", "receipt": "r-0"}))
	errFrame := readUntil(t, alice, messageOn(wire.DestErrors))
	var p dispatch.ErrorPayload
	require.NoError(t, errFrame.DecodeBody(&p))
	assert.Equal(t, dispatch.CodeInvalidArgument, p.ErrorCode)

	writeFrame(t, alice, sendFrame("/app/dm/bob/send", map[string]string{"content": "hello"},
		map[string]string{"message-id": "m-1", "receipt": "r-1"}))
	readUntil(t, alice, receiptFor("r-1"))

	conv, err := gw.store.GetConversationByKey(t.Context(), "alice:bob")
	require.NoError(t, err)
	msgs, err := gw.store.ListRecentMessages(t.Context(), conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestWS_ReadAdvancesMarker(t *testing.T) {
	gw, srv := newTestGateway(t)
	convID := seedDM(t, gw, "alice", "bob", "one", "two")
	bob := connectAs(t, gw, srv, "bob")

	msgs, err := gw.store.ListRecentMessages(t.Context(), convID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	writeFrame(t, bob, sendFrame(fmt.Sprintf("/app/dm/%d/read", convID),
		map[string]int64{"messageId": msgs[1].ID}, map[string]string{"receipt": "read"}))
	readUntil(t, bob, receiptFor("read"))

	unread, err := gw.store.CountUnread(t.Context(), convID, "bob")
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestWS_MalformedAndRepeatedConnect(t *testing.T) {
	gw, srv := newTestGateway(t)
	alice := connectAs(t, gw, srv, "alice")

	require.NoError(t, alice.Write(t.Context(), websocket.MessageText, []byte("{nope")))
	f := readUntil(t, alice, func(f *wire.Frame) bool { return f.Command == wire.CmdError })
	assert.Equal(t, "malformed frame", f.Header(wire.HeaderMessage))

	writeFrame(t, alice, &wire.Frame{Command: wire.CmdConnect})
	f = readUntil(t, alice, func(f *wire.Frame) bool { return f.Command == wire.CmdError })
	assert.Equal(t, "already connected", f.Header(wire.HeaderMessage))

	assert.True(t, gw.presence.IsOnline("alice"), "errors keep the connection open")
}

func TestWS_ShutdownClosesSessions(t *testing.T) {
	gw, srv := newTestGateway(t)
	alice := connectAs(t, gw, srv, "alice")

	gw.hub.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := alice.Read(ctx); err != nil {
			break
		}
	}
	require.Eventually(t, func() bool { return !gw.presence.IsOnline("alice") }, 5*time.Second, 10*time.Millisecond)
}
