// ABOUTME: Connects to the gateway and runs parsed commands, status checks and event watches.
// ABOUTME: Results print as indented JSON; screenshots can be written straight to a file.

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/puppet-gateway/internal/client"
	"github.com/2389/puppet-gateway/internal/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(conn connFlags, opts client.Options) *client.Client {
	opts.URL = conn.URL
	opts.APIKey = conn.APIKey
	opts.Name = "puppet-cli"
	opts.Timeout = conn.Timeout
	opts.Logger = quietLogger()
	return client.New(opts)
}

func execute(ctx context.Context, out io.Writer, conn connFlags, inv invocation) error {
	c := newClient(conn, client.Options{})
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", conn.URL, err)
	}
	defer c.Close()

	res, err := c.SendCommand(ctx, inv.Method, inv.Params)
	if err != nil {
		return err
	}
	if err := res.Err(inv.Method); err != nil {
		return err
	}
	if inv.Out != "" {
		n, err := saveDataURL(res, inv.Out)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %d bytes to %s\n", n, inv.Out)
		return nil
	}
	return writeData(out, res.Data)
}

func writeData(out io.Writer, data json.RawMessage) error {
	if len(data) == 0 {
		fmt.Fprintln(out, "ok")
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return fmt.Errorf("formatting result: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}

// saveDataURL decodes a "data:<mime>;base64,<payload>" result into path.
func saveDataURL(res *client.Result, path string) (int, error) {
	var dataURL string
	if err := res.Decode(&dataURL); err != nil {
		return 0, fmt.Errorf("screenshot result is not a data URL: %w", err)
	}
	_, payload, ok := strings.Cut(dataURL, ";base64,")
	if !ok || !strings.HasPrefix(dataURL, "data:") {
		return 0, errors.New("screenshot result is not a base64 data URL")
	}
	img, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return 0, fmt.Errorf("decoding screenshot: %w", err)
	}
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return 0, fmt.Errorf("writing screenshot: %w", err)
	}
	return len(img), nil
}

func runStatus(ctx context.Context, out io.Writer, args []string) error {
	var conn connFlags
	fs := newFlagSet("status", &conn)
	if err := fs.Parse(args); err != nil {
		return err
	}

	statuses := make(chan protocol.AgentStatus, 1)
	c := newClient(conn, client.Options{
		OnAgentStatus: func(s protocol.AgentStatus) {
			select {
			case statuses <- s:
			default:
			}
		},
	})
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", conn.URL, err)
	}
	defer c.Close()

	select {
	case s := <-statuses:
		writeStatus(out, s)
		return nil
	case <-time.After(client.DefaultIdentifyTimeout):
		return errors.New("gateway sent no agent status")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeStatus(out io.Writer, s protocol.AgentStatus) {
	if s.Status != protocol.StatusOnline || s.Info == nil {
		fmt.Fprintln(out, color.YellowString("agent offline"))
		return
	}
	fmt.Fprintln(out, color.GreenString("agent online"))
	fmt.Fprintf(out, "  ID:        %s\n", s.Info.AgentID)
	if s.Info.Name != "" {
		fmt.Fprintf(out, "  Name:      %s\n", s.Info.Name)
	}
	if s.Info.Version != "" {
		fmt.Fprintf(out, "  Version:   %s\n", s.Info.Version)
	}
	if !s.Info.ConnectedAt.IsZero() {
		fmt.Fprintf(out, "  Connected: %s\n", s.Info.ConnectedAt.Local().Format(time.RFC3339))
	}
}

// runWatch prints agent status changes and events until ctx ends, reconnecting on loss.
func runWatch(ctx context.Context, out io.Writer, args []string) error {
	var conn connFlags
	fs := newFlagSet("watch", &conn)
	if err := fs.Parse(args); err != nil {
		return err
	}

	lines := make(chan string, 64)
	push := func(line string) {
		select {
		case lines <- line:
		default:
		}
	}
	c := newClient(conn, client.Options{
		Reconnect: true,
		OnAgentStatus: func(s protocol.AgentStatus) {
			push(fmt.Sprintf("%s agent %s", time.Now().Format(time.TimeOnly), s.Status))
		},
		OnEvent: func(e protocol.Event) {
			push(fmt.Sprintf("%s %s %s", time.Now().Format(time.TimeOnly), color.CyanString(e.Event), e.Data))
		},
	})
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", conn.URL, err)
	}
	defer c.Close()

	for {
		select {
		case line := <-lines:
			fmt.Fprintln(out, line)
		case <-ctx.Done():
			return nil
		}
	}
}

func runMethods(out io.Writer) error {
	for _, m := range protocol.Methods() {
		fmt.Fprintln(out, m)
	}
	return nil
}
