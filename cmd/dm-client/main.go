// ABOUTME: Minimal command-line client for dm-gateway speaking the JSON frame protocol
// ABOUTME: listen prints incoming DMs; send and open issue one request and print the reply

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/2389/dm-gateway/internal/dispatch"
	"github.com/2389/dm-gateway/internal/wire"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: dm-client [flags] <command>")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  listen              Print incoming messages and notifications")
	fmt.Fprintln(os.Stderr, "  send USER TEXT...   Send a direct message")
	fmt.Fprintln(os.Stderr, "  open USER           Open (or create) the conversation with USER")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}

func main() {
	_ = godotenv.Load()

	server := flag.String("server", envOr("DM_SERVER", "ws://localhost:8080/ws"), "gateway WebSocket URL")
	token := flag.String("token", os.Getenv("DM_TOKEN"), "bearer token (or DM_TOKEN)")
	clientID := flag.String("client-id", "dm-client", "x-client-id header value")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 || *token == "" {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := dial(ctx, *server, *token, *clientID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer c.close()

	args := flag.Args()
	switch args[0] {
	case "listen":
		err = c.listen(ctx)
	case "send":
		if len(args) < 3 {
			err = errors.New("send requires USER and TEXT")
			break
		}
		err = c.send(ctx, args[1], strings.Join(args[2:], " "))
	case "open":
		if len(args) != 2 {
			err = errors.New("open requires USER")
			break
		}
		err = c.open(ctx, args[1])
	default:
		err = fmt.Errorf("unknown command: %s", args[0])
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type client struct {
	conn     *websocket.Conn
	username string
}

// dial connects, sends CONNECT and waits for CONNECTED.
func dial(ctx context.Context, server, token, clientID string) (*client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, server, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", server, err)
	}

	c := &client{conn: conn}
	if err := c.write(dialCtx, &wire.Frame{
		Command: wire.CmdConnect,
		Headers: map[string]string{
			wire.HeaderAuthorization: "Bearer " + token,
			wire.HeaderClientID:      clientID,
		},
	}); err != nil {
		_ = conn.CloseNow()
		return nil, err
	}

	f, err := c.read(dialCtx)
	if err != nil {
		_ = conn.CloseNow()
		return nil, err
	}
	if f.Command != wire.CmdConnected {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("connect rejected: %s", f.Header(wire.HeaderMessage))
	}
	c.username = f.Header(wire.HeaderUserName)
	return c, nil
}

func (c *client) write(ctx context.Context, f *wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *client) read(ctx context.Context) (*wire.Frame, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", wire.ErrMalformedFrame, err)
	}
	return &f, nil
}

func (c *client) close() {
	_ = c.write(context.Background(), &wire.Frame{Command: wire.CmdDisconnect})
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *client) subscribe(ctx context.Context, dest string) error {
	return c.write(ctx, &wire.Frame{
		Command:     wire.CmdSubscribe,
		Destination: dest,
		Headers:     map[string]string{wire.HeaderSubscription: uuid.NewString()},
	})
}

func (c *client) listen(ctx context.Context) error {
	if err := c.subscribe(ctx, "/user/queue/dm/*"); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("listening as %s\n", c.username)

	for {
		f, err := c.read(ctx)
		if err != nil {
			return err
		}
		printFrame(f)
	}
}

// send issues a SEND with a receipt and waits for the receipt or an error.
func (c *client) send(ctx context.Context, to, text string) error {
	body, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return err
	}
	receipt := uuid.NewString()
	dest := "/app/dm/" + url.PathEscape(to) + "/send"
	if err := c.write(ctx, &wire.Frame{
		Command:     wire.CmdSend,
		Destination: dest,
		Headers: map[string]string{
			wire.HeaderMessageID: uuid.NewString(),
			wire.HeaderReceipt:   receipt,
		},
		Body: body,
	}); err != nil {
		return err
	}

	return c.await(ctx, func(f *wire.Frame) (bool, error) {
		switch {
		case f.Command == wire.CmdReceipt && f.Header(wire.HeaderReceiptID) == receipt:
			color.New(color.FgGreen).Printf("sent to %s\n", to)
			return true, nil
		case f.Command == wire.CmdMessage && f.Destination == wire.DestErrors:
			var p dispatch.ErrorPayload
			_ = f.DecodeBody(&p)
			return true, fmt.Errorf("%s: %s", p.ErrorCode, p.Message)
		}
		return false, nil
	})
}

func (c *client) open(ctx context.Context, with string) error {
	if err := c.write(ctx, &wire.Frame{
		Command:     wire.CmdSend,
		Destination: "/app/dm/" + url.PathEscape(with) + "/open",
	}); err != nil {
		return err
	}

	return c.await(ctx, func(f *wire.Frame) (bool, error) {
		if f.Command != wire.CmdMessage || f.Destination != wire.DestOpen {
			return false, nil
		}
		var raw map[string]any
		if err := f.DecodeBody(&raw); err != nil {
			return true, err
		}
		if code, ok := raw["errorCode"].(string); ok {
			return true, fmt.Errorf("%s: %v", code, raw["message"])
		}
		fmt.Printf("conversation %v with %v\n", raw["conversationId"], raw["otherUsername"])
		return true, nil
	})
}

// await reads frames until done reports completion or 10 seconds pass.
func (c *client) await(ctx context.Context, done func(*wire.Frame) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for {
		f, err := c.read(ctx)
		if err != nil {
			return err
		}
		if f.Command == wire.CmdError {
			return fmt.Errorf("server error: %s", f.Header(wire.HeaderMessage))
		}
		if ok, err := done(f); ok {
			return err
		}
	}
}

func printFrame(f *wire.Frame) {
	gray := color.New(color.FgHiBlack)
	switch {
	case f.Command == wire.CmdMessage && f.Destination == wire.DestNotify:
		var n dispatch.Notification
		if err := f.DecodeBody(&n); err == nil {
			color.New(color.FgYellow).Printf("● %s: %s (%d unread)\n", n.From, n.Preview, n.UnreadCount)
		}
	case f.Command == wire.CmdMessage && f.Destination == wire.DestErrors:
		var p dispatch.ErrorPayload
		if err := f.DecodeBody(&p); err == nil {
			color.New(color.FgRed).Printf("! %s: %s\n", p.ErrorCode, p.Message)
		}
	case f.Command == wire.CmdMessage:
		var m dispatch.MessageDTO
		if err := f.DecodeBody(&m); err == nil {
			gray.Printf("[%d %s] ", m.ConversationID, m.SentAt.Local().Format("15:04:05"))
			color.New(color.FgCyan).Print(m.Sender)
			fmt.Printf(": %s\n", m.Content)
		}
	default:
		gray.Printf("%s %s\n", f.Command, f.Destination)
	}
}
