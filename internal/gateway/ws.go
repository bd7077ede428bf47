// ABOUTME: WebSocket endpoint speaking the JSON frame protocol
// ABOUTME: One reader goroutine handles frames in order; one writer drains the session's hub channel

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/dm-gateway/internal/conversation"
	"github.com/2389/dm-gateway/internal/dispatch"
	"github.com/2389/dm-gateway/internal/session"
	"github.com/2389/dm-gateway/internal/wire"
)

const (
	// connectTimeout bounds the wait for the first frame.
	connectTimeout = 10 * time.Second

	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second

	// maxFrameBytes caps an inbound frame.
	maxFrameBytes = 64 << 10
)

// sendBody is the body of SEND to /app/dm/{user}/send.
type sendBody struct {
	Content string `json:"content"`
}

// readBody is the body of SEND to /app/dm/{conversationId}/read.
type readBody struct {
	MessageID int64 `json:"messageId"`
}

// wsConn is the per-connection state of one WebSocket session.
type wsConn struct {
	g      *Gateway
	ws     *websocket.Conn
	sess   *session.Session
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]string // subscription id -> destination pattern
}

// handleWebSocket upgrades the request and runs the connection until either
// side closes it.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Error("failed to accept websocket", "error", err, "remote", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := g.awaitConnect(ctx, ws)
	if err != nil {
		g.logger.Warn("websocket connect failed", "error", err, "remote", r.RemoteAddr)
		_ = g.writeFrame(ctx, ws, wire.NewError("unauthorized", err.Error()))
		_ = ws.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}
	defer g.binder.Disconnect(sess)

	c := &wsConn{
		g:      g,
		ws:     ws,
		sess:   sess,
		logger: g.logger.With(sess.LogAttrs()...),
		subs:   make(map[string]string),
	}

	envelopes, _ := g.hub.Subscribe(ctx, sess.Identity())

	if err := g.writeFrame(ctx, ws, wire.NewConnected(sess.Identity(), sess.ID)); err != nil {
		c.logger.Debug("writing CONNECTED failed", "error", err)
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		c.writeLoop(ctx, envelopes)
	}()

	status, reason := c.readLoop(ctx)
	// Presence must not outlive the read side; the close handshake can take seconds.
	g.binder.Disconnect(sess)
	cancel()
	<-writerDone
	_ = ws.Close(status, reason)
}

// awaitConnect reads the first frame and binds an identity from it.
func (g *Gateway) awaitConnect(ctx context.Context, ws *websocket.Conn) (*session.Session, error) {
	readCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	_, data, err := ws.Read(readCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: reading CONNECT: %w", session.ErrUnauthorized, err)
	}
	frame, err := wire.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", session.ErrUnauthorized, err)
	}
	return g.binder.Connect(ctx, frame)
}

// writeFrame encodes and writes one frame with a bounded deadline.
func (g *Gateway) writeFrame(ctx context.Context, ws *websocket.Conn, f *wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

func (c *wsConn) write(ctx context.Context, f *wire.Frame) {
	if err := c.g.writeFrame(ctx, c.ws, f); err != nil {
		c.logger.Debug("websocket write failed", "command", f.Command, "error", err)
	}
}

// writeMessage sends a MESSAGE frame directly to this connection.
func (c *wsConn) writeMessage(ctx context.Context, destination string, payload any) {
	f, err := wire.NewMessage(destination, payload)
	if err != nil {
		c.logger.Error("encoding message failed", "destination", destination, "error", err)
		return
	}
	c.write(ctx, f)
}

// writeLoop forwards hub envelopes this connection subscribed to.
// Returns when ctx ends or the hub closes the channel.
func (c *wsConn) writeLoop(ctx context.Context, envelopes <-chan conversation.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envelopes:
			if !ok {
				c.logger.Debug("hub channel closed")
				return
			}
			if !c.subscribed(env.Destination) {
				continue
			}
			c.writeMessage(ctx, env.Destination, env.Payload)
		}
	}
}

// subscribed reports whether an outbound destination should reach this connection.
func (c *wsConn) subscribed(dest string) bool {
	if wire.AlwaysDelivered(dest) {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, pattern := range c.subs {
		if wire.MatchDestination(pattern, dest) {
			return true
		}
	}
	return false
}

// readLoop handles inbound frames in order until the client disconnects.
// Returns the close status to send.
func (c *wsConn) readLoop(ctx context.Context) (websocket.StatusCode, string) {
	ctx = session.WithSession(ctx, c.sess)
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return websocket.StatusGoingAway, "server shutting down"
			}
			if websocket.CloseStatus(err) == -1 {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return websocket.StatusNormalClosure, ""
		}
		if done := c.handleFrame(ctx, data); done {
			return websocket.StatusNormalClosure, "disconnect"
		}
	}
}

// handleFrame processes one frame. A panic is logged and reported as an ERROR
// frame; the connection stays open. Returns true on DISCONNECT.
func (c *wsConn) handleFrame(ctx context.Context, data []byte) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("frame handler panicked", "panic", r)
			c.write(ctx, wire.NewError("internal error", "frame could not be processed"))
			done = false
		}
	}()

	frame, err := wire.Decode(data)
	if err != nil {
		c.write(ctx, wire.NewError("malformed frame", err.Error()))
		return false
	}

	identity, err := c.g.binder.Stamp(c.sess)
	if err != nil {
		c.write(ctx, wire.NewError("unauthenticated", err.Error()))
		return false
	}

	switch frame.Command {
	case wire.CmdConnect:
		c.write(ctx, wire.NewError("already connected", "CONNECT is only valid as the first frame"))
		return false
	case wire.CmdSubscribe:
		c.handleSubscribe(ctx, frame)
	case wire.CmdUnsubscribe:
		c.handleUnsubscribe(ctx, frame)
	case wire.CmdSend:
		c.handleSend(ctx, identity, frame)
	case wire.CmdDisconnect:
		c.receipt(ctx, frame)
		return true
	}
	return false
}

// receipt answers a frame's receipt header, if it has one.
func (c *wsConn) receipt(ctx context.Context, frame *wire.Frame) {
	if id := frame.Header(wire.HeaderReceipt); id != "" {
		c.write(ctx, wire.NewReceipt(id))
	}
}

func (c *wsConn) handleSubscribe(ctx context.Context, frame *wire.Frame) {
	id := frame.Header(wire.HeaderSubscription)
	if id == "" || frame.Destination == "" {
		c.write(ctx, wire.NewError("invalid subscribe", "SUBSCRIBE requires an id header and a destination"))
		return
	}
	c.mu.Lock()
	c.subs[id] = frame.Destination
	c.mu.Unlock()
	c.logger.Debug("subscribed", "sub_id", id, "destination", frame.Destination)
	c.receipt(ctx, frame)
}

func (c *wsConn) handleUnsubscribe(ctx context.Context, frame *wire.Frame) {
	id := frame.Header(wire.HeaderSubscription)
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
	c.receipt(ctx, frame)
}

// handleSend routes a SEND frame to the dispatch engine. Failures are reported
// on /user/queue/errors to this connection only.
func (c *wsConn) handleSend(ctx context.Context, identity string, frame *wire.Frame) {
	route, err := wire.ParseAppDestination(frame.Destination)
	if err != nil {
		c.sendError(ctx, dispatch.CodeInvalidArgument, err.Error())
		return
	}

	messageID := frame.Header(wire.HeaderMessageID)
	if c.g.dedupe.Seen(identity, messageID) {
		c.logger.Debug("duplicate frame ignored", "message_id", messageID)
		c.receipt(ctx, frame)
		return
	}
	// Only a frame that was fully handled stays recorded; failed ones may be retried.
	handled := false
	defer func() {
		if !handled {
			c.g.dedupe.Forget(identity, messageID)
		}
	}()

	switch route.Action {
	case wire.ActionSend:
		var body sendBody
		if err := frame.DecodeBody(&body); err != nil {
			c.sendError(ctx, dispatch.CodeInvalidArgument, "body must be {\"content\": string}")
			return
		}
		if _, err := c.g.engine.Send(ctx, identity, route.Target, body.Content); err != nil {
			c.sendFailure(ctx, err, dispatch.CodeSendFailed)
			return
		}
	case wire.ActionOpen:
		c.writeMessage(ctx, wire.DestOpen, c.g.engine.Open(ctx, identity, route.Target))
	case wire.ActionRead:
		convID, err := route.ConversationID()
		if err != nil {
			c.sendError(ctx, dispatch.CodeInvalidArgument, err.Error())
			return
		}
		var body readBody
		if err := frame.DecodeBody(&body); err != nil {
			c.sendError(ctx, dispatch.CodeInvalidArgument, "body must be {\"messageId\": int}")
			return
		}
		if err := c.g.engine.MarkRead(ctx, identity, convID, body.MessageID); err != nil {
			c.sendFailure(ctx, err, dispatch.CodeSendFailed)
			return
		}
	}

	handled = true
	c.receipt(ctx, frame)
}

func (c *wsConn) sendFailure(ctx context.Context, err error, fallback string) {
	code := dispatch.ErrorCode(err, fallback)
	if code == fallback {
		c.logger.Error("send failed", "error", err)
	}
	c.sendError(ctx, code, dispatch.ErrorMessage(err))
}

func (c *wsConn) sendError(ctx context.Context, code, message string) {
	c.writeMessage(ctx, wire.DestErrors, dispatch.ErrorPayload{ErrorCode: code, Message: message})
}
