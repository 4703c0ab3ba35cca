// ABOUTME: Parses puppet-cli subcommands into a method name plus params.
// ABOUTME: Each command gets its own pflag set carrying the shared connection flags.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/2389/puppet-gateway/internal/client"
	"github.com/2389/puppet-gateway/internal/protocol"
)

const defaultURL = "ws://localhost:8765/"

type connFlags struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Tab     string
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newFlagSet(name string, conn *connFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVar(&conn.URL, "url", getEnv("PUPPET_URL", defaultURL), "gateway WebSocket URL")
	fs.StringVar(&conn.APIKey, "api-key", os.Getenv("PUPPET_API_KEY"), "client API key or token")
	fs.DurationVar(&conn.Timeout, "timeout", client.DefaultTimeout, "command timeout")
	fs.StringVar(&conn.Tab, "tab", "", "target tab id")
	return fs
}

// invocation is one command ready to send.
type invocation struct {
	Method string
	Params any
	// Out receives the decoded screenshot instead of printing the result.
	Out string
}

// withTab adds tabId to params when a tab was chosen.
func withTab(params map[string]any, tab string) map[string]any {
	if tab != "" {
		params["tabId"] = tab
	}
	return params
}

func wantArgs(fs *pflag.FlagSet, n int, usage string) error {
	if fs.NArg() != n {
		return fmt.Errorf("usage: puppet-cli %s", usage)
	}
	return nil
}

// parseKV turns k=v pairs into a map; values that parse as JSON keep their type.
func parseKV(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}

// parseInvocation maps a subcommand and its arguments to a command.
func parseInvocation(name string, args []string) (invocation, connFlags, error) {
	var conn connFlags
	fs := newFlagSet(name, &conn)

	var inv invocation
	var build func() error

	switch name {
	case "navigate":
		build = func() error {
			if err := wantArgs(fs, 1, "navigate <url>"); err != nil {
				return err
			}
			inv = invocation{Method: protocol.MethodNavigate, Params: withTab(map[string]any{"url": fs.Arg(0)}, conn.Tab)}
			return nil
		}

	case "back":
		build = func() error {
			inv = invocation{Method: protocol.MethodNavigateBack, Params: withTab(map[string]any{}, conn.Tab)}
			return nil
		}

	case "scroll":
		behavior := fs.String("behavior", "auto", "auto or smooth")
		build = func() error {
			if err := wantArgs(fs, 2, "scroll <x> <y>"); err != nil {
				return err
			}
			x, errX := strconv.Atoi(fs.Arg(0))
			y, errY := strconv.Atoi(fs.Arg(1))
			if err := errors.Join(errX, errY); err != nil {
				return fmt.Errorf("scroll position: %w", err)
			}
			inv = invocation{Method: protocol.MethodScroll, Params: client.ScrollParams{X: x, Y: y, Behavior: *behavior, TabID: conn.Tab}}
			return nil
		}

	case "dom":
		build = func() error {
			if err := wantArgs(fs, 1, "dom <selector>"); err != nil {
				return err
			}
			inv = invocation{Method: protocol.MethodGetDOM, Params: withTab(map[string]any{"selector": fs.Arg(0)}, conn.Tab)}
			return nil
		}

	case "text":
		build = func() error {
			inv = invocation{Method: protocol.MethodGetAllText, Params: withTab(map[string]any{}, conn.Tab)}
			return nil
		}

	case "screenshot":
		format := fs.String("format", "png", "png or jpeg")
		quality := fs.Int("quality", 0, "jpeg quality 0-100")
		out := fs.StringP("out", "o", "", "write the image to this file")
		build = func() error {
			p := client.ScreenshotParams{Format: *format, TabID: conn.Tab}
			if fs.Changed("quality") {
				p.Quality = quality
			}
			inv = invocation{Method: protocol.MethodTakeScreenshot, Params: p, Out: *out}
			return nil
		}

	case "script":
		timing := fs.String("timing", "immediate", "immediate, domReady or load")
		waitFor := fs.String("wait-for", "", "selector to wait for before running")
		build = func() error {
			if err := wantArgs(fs, 1, "script <code>"); err != nil {
				return err
			}
			inv = invocation{Method: protocol.MethodInjectScript, Params: client.ScriptParams{
				Code: fs.Arg(0), Timing: *timing, WaitForSelector: *waitFor, TabID: conn.Tab,
			}}
			return nil
		}

	case "storage":
		storageType := fs.String("type", "local", "local or session")
		build = func() error {
			if fs.NArg() < 1 {
				return errors.New("usage: puppet-cli storage get [keys...] | set key=value...")
			}
			p := client.StorageParams{StorageType: *storageType, TabID: conn.Tab}
			switch fs.Arg(0) {
			case "get":
				p.Keys = fs.Args()[1:]
				inv = invocation{Method: protocol.MethodGetStorage, Params: p}
			case "set":
				data, err := parseKV(fs.Args()[1:])
				if err != nil {
					return err
				}
				if len(data) == 0 {
					return errors.New("storage set needs at least one key=value")
				}
				p.Data = data
				inv = invocation{Method: protocol.MethodSetStorage, Params: p}
			default:
				return fmt.Errorf("unknown storage action: %s", fs.Arg(0))
			}
			return nil
		}

	case "cookies":
		// --url is the gateway address, so the page filter is --for.
		url := fs.String("for", "", "only cookies for this page URL")
		cookieName := fs.String("name", "", "only cookies with this name")
		build = func() error {
			params := map[string]any{}
			if *url != "" {
				params["url"] = *url
			}
			if *cookieName != "" {
				params["name"] = *cookieName
			}
			inv = invocation{Method: protocol.MethodGetCookies, Params: params}
			return nil
		}

	case "cookie":
		build = func() error {
			if fs.NArg() < 1 {
				return errors.New("usage: puppet-cli cookie set key=value... | delete <url> <name>")
			}
			switch fs.Arg(0) {
			case "set":
				cookie, err := parseKV(fs.Args()[1:])
				if err != nil {
					return err
				}
				if cookie["name"] == nil || cookie["url"] == nil {
					return errors.New("cookie set needs url= and name=")
				}
				inv = invocation{Method: protocol.MethodSetCookie, Params: cookie}
			case "delete":
				if fs.NArg() != 3 {
					return errors.New("usage: puppet-cli cookie delete <url> <name>")
				}
				inv = invocation{Method: protocol.MethodDeleteCookie, Params: map[string]any{"url": fs.Arg(1), "name": fs.Arg(2)}}
			default:
				return fmt.Errorf("unknown cookie action: %s", fs.Arg(0))
			}
			return nil
		}

	case "network":
		build = func() error {
			if err := wantArgs(fs, 1, "network start|stop|log|clear"); err != nil {
				return err
			}
			methods := map[string]string{
				"start": protocol.MethodStartNetworkCapture,
				"stop":  protocol.MethodStopNetworkCapture,
				"log":   protocol.MethodGetNetworkLog,
				"clear": protocol.MethodClearNetworkLog,
			}
			method, ok := methods[fs.Arg(0)]
			if !ok {
				return fmt.Errorf("unknown network action: %s", fs.Arg(0))
			}
			inv = invocation{Method: method}
			return nil
		}

	case "tabs":
		build = func() error {
			inv = invocation{Method: protocol.MethodGetAllTabs}
			return nil
		}

	case "call":
		build = func() error {
			if fs.NArg() < 1 || fs.NArg() > 2 {
				return errors.New("usage: puppet-cli call <method> [json-params]")
			}
			inv = invocation{Method: fs.Arg(0)}
			if fs.NArg() == 2 {
				raw := json.RawMessage(fs.Arg(1))
				if !json.Valid(raw) {
					return errors.New("params must be valid JSON")
				}
				inv.Params = raw
			}
			return nil
		}

	default:
		return invocation{}, conn, fmt.Errorf("unknown command: %s (see puppet-cli help)", name)
	}

	if err := fs.Parse(args); err != nil {
		return invocation{}, conn, err
	}
	if err := build(); err != nil {
		return invocation{}, conn, err
	}
	return inv, conn, nil
}
