// ABOUTME: Scripted browser agent for E2E testing; connects over WebSocket and answers every method.
// ABOUTME: Usage: fake-agent [--url ws://localhost:8765] [--secret S] [--delay 50ms] [--silent getDOM]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/2389/puppet-gateway/internal/protocol"
)

type options struct {
	URL     string
	Secret  string
	AgentID string
	Name    string
	Version string
	Delay   time.Duration
	// Silent methods are never answered, to exercise gateway timeouts.
	Silent []string
	// Fail methods are answered with success false.
	Fail []string
}

func main() {
	var opts options
	fs := pflag.NewFlagSet("fake-agent", pflag.ExitOnError)
	fs.StringVar(&opts.URL, "url", "ws://localhost:8765/", "gateway WebSocket URL")
	fs.StringVar(&opts.Secret, "secret", os.Getenv("PUPPET_AGENT_SECRET"), "agent secret")
	fs.StringVar(&opts.AgentID, "id", "e2e-fake-agent", "agent ID")
	fs.StringVar(&opts.Name, "name", "Fake Browser", "agent display name")
	fs.StringVar(&opts.Version, "version", "0.0.1", "agent version")
	fs.DurationVar(&opts.Delay, "delay", 0, "delay before each response")
	fs.StringSliceVar(&opts.Silent, "silent", nil, "methods to leave unanswered")
	fs.StringSliceVar(&opts.Fail, "fail", nil, "methods to answer with an error")
	_ = fs.Parse(os.Args[1:])

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, opts options) error {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer ws.Close()

	// Unblock ReadMessage on interrupt.
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	if err := ws.WriteJSON(protocol.Identify{
		Type:    protocol.TypeIdentify,
		Role:    protocol.RoleAgent,
		Secret:  opts.Secret,
		AgentID: opts.AgentID,
		Name:    opts.Name,
		Version: opts.Version,
	}); err != nil {
		return fmt.Errorf("failed to identify: %w", err)
	}

	_, data, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to receive ready: %w", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("decoding ready: %w", err)
	}
	switch m := msg.(type) {
	case protocol.Ready:
		fmt.Fprintf(os.Stderr, "registered as %s\n", m.AgentID)
	case protocol.Error:
		return fmt.Errorf("gateway refused agent: %s", m.Error)
	default:
		return fmt.Errorf("expected ready, got: %s", data)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("gateway closed connection: %s", ce.Text)
			}
			return fmt.Errorf("recv error: %w", err)
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("ignoring frame: %v", err)
			continue
		}
		cmd, ok := msg.(protocol.Command)
		if !ok {
			continue
		}

		log.Printf("received command [%s]: %s %s", cmd.ID, cmd.Method, cmd.Params)
		if slices.Contains(opts.Silent, cmd.Method) {
			continue
		}
		if opts.Delay > 0 {
			time.Sleep(opts.Delay)
		}

		if err := ws.WriteJSON(answer(cmd, opts.Fail)); err != nil {
			return fmt.Errorf("send error: %w", err)
		}

		if cmd.Method == protocol.MethodNavigate && !slices.Contains(opts.Fail, cmd.Method) {
			var p struct {
				URL string `json:"url"`
			}
			_ = json.Unmarshal(cmd.Params, &p)
			if err := ws.WriteJSON(pageLoaded(p.URL)); err != nil {
				log.Printf("send event error: %v", err)
			}
		}
	}
}

// answer builds the scripted response for cmd.
func answer(cmd protocol.Command, fail []string) protocol.Response {
	if slices.Contains(fail, cmd.Method) {
		return protocol.Failure(cmd.ID, fmt.Sprintf("%s failed in fake agent", cmd.Method))
	}
	data, err := json.Marshal(replyData(cmd))
	if err != nil {
		return protocol.Failure(cmd.ID, err.Error())
	}
	return protocol.Response{Type: protocol.TypeResponse, ID: cmd.ID, Success: true, Data: data}
}

// 1x1 transparent PNG.
const blankPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

func replyData(cmd protocol.Command) any {
	var p map[string]any
	_ = json.Unmarshal(cmd.Params, &p)
	str := func(k string) string {
		s, _ := p[k].(string)
		return s
	}

	switch cmd.Method {
	case protocol.MethodNavigate:
		return map[string]any{"url": str("url"), "title": titleFor(str("url"))}
	case protocol.MethodGetDOM:
		return []map[string]any{{"tagName": strings.ToUpper(str("selector")), "text": "Example Domain"}}
	case protocol.MethodGetAllText:
		return "Example Domain\nThis domain is for use in illustrative examples."
	case protocol.MethodTakeScreenshot:
		return "data:image/png;base64," + blankPNG
	case protocol.MethodInjectScript:
		return map[string]any{"result": nil, "timing": str("timing")}
	case protocol.MethodGetStorage:
		return map[string]any{"storageType": str("storageType"), "data": map[string]any{}}
	case protocol.MethodGetCookies:
		return []map[string]any{{"name": "session", "value": uuid.NewString(), "domain": "example.com"}}
	case protocol.MethodGetNetworkLog:
		return []map[string]any{{"method": "GET", "url": "https://example.com/", "status": 200}}
	case protocol.MethodGetAllTabs:
		return []map[string]any{{"id": 1, "url": "https://example.com/", "title": "Example Domain", "active": true}}
	default:
		return map[string]any{"ok": true}
	}
}

func titleFor(url string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	host, _, _ = strings.Cut(host, "/")
	if host == "" {
		return "Untitled"
	}
	return host
}

func pageLoaded(url string) protocol.Event {
	data, _ := json.Marshal(map[string]any{"url": url, "title": titleFor(url)})
	return protocol.Event{Type: protocol.TypeEvent, Event: "pageLoaded", Data: data}
}
