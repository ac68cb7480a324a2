// Command wsprobe is a dev smoke client for the chat gateway: it performs
// the hello handshake, joins the global room, sends one message, and prints
// every envelope it receives until the window echoes the send.
//
// Usage:
//
//	wsprobe -addr ws://localhost:8080/ws -user alice -text "hello"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"

	v1 "nexuspc/shared/contracts/chat/v1"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "gateway URL")
	user := flag.String("user", "probe", "user id for the hello handshake")
	name := flag.String("name", "", "display name (defaults to user id)")
	text := flag.String("text", "wsprobe says hi", "message text to send")
	origin := flag.String("origin", "http://localhost", "Origin header value")
	timeout := flag.Duration("timeout", 15*time.Second, "overall deadline")
	flag.Parse()

	if *name == "" {
		*name = *user
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *addr, *origin, *user, *name, *text); err != nil {
		fmt.Fprintln(os.Stderr, "wsprobe:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, origin, user, name, text string) error {
	conn, _, err := websocket.Dial(ctx, addr, &websocket.DialOptions{
		Subprotocols: []string{"nexuspc.chat.v1"},
		HTTPHeader:   http.Header{"Origin": []string{origin}},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	send := func(typ string, payload any) error {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env := v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: raw}
		b, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return conn.Write(ctx, websocket.MessageText, b)
	}

	if err := send(v1.TypeHello, v1.HelloPayload{UserID: user, DisplayName: name}); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if err := send(v1.TypeConversationJoin, v1.ConversationJoinPayload{Kind: "global"}); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	tempID := fmt.Sprintf("probe-%d", time.Now().UnixNano())
	if err := send(v1.TypeMessageSend, v1.MessageSendPayload{TempID: tempID, Text: text}); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	var acked string
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		fmt.Printf("<- %s conv=%s %s\n", env.Type, env.ConvID, string(env.Payload))

		switch env.Type {
		case v1.TypeMessageAck:
			var p v1.MessageAckPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return fmt.Errorf("decode ack: %w", err)
			}
			if p.TempID == tempID {
				acked = p.MessageID
			}
		case v1.TypeWindow:
			if acked == "" {
				continue
			}
			var p v1.WindowPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return fmt.Errorf("decode window: %w", err)
			}
			for _, m := range p.Messages {
				if m.ID == acked {
					fmt.Printf("ok: message %s confirmed in window\n", acked)
					return nil
				}
			}
		case v1.TypeError:
			return fmt.Errorf("gateway error: %s", string(env.Payload))
		}
	}
}
