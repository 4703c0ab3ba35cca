// ABOUTME: Tests for puppet-cli argument parsing and its gateway session.
// ABOUTME: Session tests run an in-process gateway with a scripted agent goroutine.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/puppet-gateway/internal/client"
	"github.com/2389/puppet-gateway/internal/coordinator"
	"github.com/2389/puppet-gateway/internal/protocol"
	"github.com/2389/puppet-gateway/internal/transport"
)

func paramsJSON(t *testing.T, p any) string {
	t.Helper()
	if p == nil {
		return ""
	}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	return string(b)
}

func TestParseInvocation(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantMethod string
		wantParams string
		wantOut    string
	}{
		{"navigate", []string{"navigate", "https://example.com"}, "navigate", `{"url":"https://example.com"}`, ""},
		{"navigate with tab", []string{"navigate", "https://example.com", "--tab", "42"}, "navigate", `{"url":"https://example.com","tabId":"42"}`, ""},
		{"back", []string{"back"}, "navigateBack", `{}`, ""},
		{"scroll", []string{"scroll", "0", "800", "--behavior", "smooth"}, "scroll", `{"x":0,"y":800,"behavior":"smooth"}`, ""},
		{"dom", []string{"dom", "h1"}, "getDOM", `{"selector":"h1"}`, ""},
		{"text", []string{"text", "--tab=7"}, "getAllText", `{"tabId":"7"}`, ""},
		{"screenshot defaults", []string{"screenshot"}, "takeScreenshot", `{"format":"png"}`, ""},
		{"screenshot jpeg", []string{"screenshot", "--format", "jpeg", "--quality", "0", "-o", "shot.jpg"}, "takeScreenshot", `{"format":"jpeg","quality":0}`, "shot.jpg"},
		{"script", []string{"script", "document.title", "--timing", "load"}, "injectScript", `{"code":"document.title","timing":"load"}`, ""},
		{"storage get", []string{"storage", "get", "a", "b", "--type", "session"}, "getStorage", `{"storageType":"session","keys":["a","b"]}`, ""},
		{"storage set", []string{"storage", "set", "n=3", "s=hi"}, "setStorage", `{"storageType":"local","data":{"n":3,"s":"hi"}}`, ""},
		{"cookies", []string{"cookies", "--for", "https://example.com", "--name", "sid"}, "getCookies", `{"url":"https://example.com","name":"sid"}`, ""},
		{"cookie set", []string{"cookie", "set", "url=https://example.com", "name=sid", "value=x"}, "setCookie", `{"name":"sid","url":"https://example.com","value":"x"}`, ""},
		{"cookie delete", []string{"cookie", "delete", "https://example.com", "sid"}, "deleteCookie", `{"name":"sid","url":"https://example.com"}`, ""},
		{"network start", []string{"network", "start"}, "startNetworkCapture", "", ""},
		{"network log", []string{"network", "log"}, "getNetworkLog", "", ""},
		{"tabs", []string{"tabs"}, "getAllTabs", "", ""},
		{"call raw", []string{"call", "getDOM", `{"selector":"a"}`}, "getDOM", `{"selector":"a"}`, ""},
		{"call without params", []string{"call", "getAllTabs"}, "getAllTabs", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, _, err := parseInvocation(tt.args[0], tt.args[1:])
			require.NoError(t, err)
			assert.Equal(t, tt.wantMethod, inv.Method)
			if tt.wantParams == "" {
				assert.Nil(t, inv.Params)
			} else {
				assert.JSONEq(t, tt.wantParams, paramsJSON(t, inv.Params))
			}
			assert.Equal(t, tt.wantOut, inv.Out)
		})
	}
}

func TestParseInvocation_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown command", []string{"fly"}, "unknown command: fly"},
		{"navigate needs url", []string{"navigate"}, "usage: puppet-cli navigate <url>"},
		{"scroll needs numbers", []string{"scroll", "a", "1"}, "scroll position"},
		{"storage bad action", []string{"storage", "wipe"}, "unknown storage action"},
		{"storage set empty", []string{"storage", "set"}, "at least one key=value"},
		{"bad pair", []string{"storage", "set", "novalue"}, "expected key=value"},
		{"cookie set incomplete", []string{"cookie", "set", "name=sid"}, "needs url= and name="},
		{"cookie delete arity", []string{"cookie", "delete", "https://example.com"}, "cookie delete <url> <name>"},
		{"network bad action", []string{"network", "pause"}, "unknown network action"},
		{"call invalid json", []string{"call", "getDOM", "{nope"}, "valid JSON"},
		{"unknown flag", []string{"tabs", "--bogus"}, "unknown flag"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseInvocation(tt.args[0], tt.args[1:])
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConnFlags_Env(t *testing.T) {
	t.Setenv("PUPPET_URL", "ws://gw.example:9000/ws")
	t.Setenv("PUPPET_API_KEY", "env-key")

	_, conn, err := parseInvocation("tabs", nil)
	require.NoError(t, err)
	assert.Equal(t, "ws://gw.example:9000/ws", conn.URL)
	assert.Equal(t, "env-key", conn.APIKey)
	assert.Equal(t, client.DefaultTimeout, conn.Timeout)

	_, conn, err = parseInvocation("tabs", []string{"--url", "ws://other/", "--api-key", "flag-key", "--timeout", "2s"})
	require.NoError(t, err)
	assert.Equal(t, "ws://other/", conn.URL)
	assert.Equal(t, "flag-key", conn.APIKey)
	assert.Equal(t, 2*time.Second, conn.Timeout)
}

func TestWriteData(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeData(&out, json.RawMessage(`{"a":[1,2]}`)))
	assert.Equal(t, "{\n  \"a\": [\n    1,\n    2\n  ]\n}\n", out.String())

	out.Reset()
	require.NoError(t, writeData(&out, nil))
	assert.Equal(t, "ok\n", out.String())
}

func TestSaveDataURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shot.png")

	n, err := saveDataURL(&client.Result{Success: true, Data: json.RawMessage(`"data:image/png;base64,aGVsbG8="`)}, path)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	_, err = saveDataURL(&client.Result{Success: true, Data: json.RawMessage(`{"x":1}`)}, path)
	assert.Error(t, err)
	_, err = saveDataURL(&client.Result{Success: true, Data: json.RawMessage(`"plain text"`)}, path)
	assert.Error(t, err)
}

// startGateway runs an in-process gateway and returns its WebSocket URL.
func startGateway(t *testing.T) string {
	t.Helper()
	coord := coordinator.New(coordinator.Options{Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = coord.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(transport.NewServer(coord, transport.Options{}, quietLogger()))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startAgent connects an agent that answers every command with data[method].
func startAgent(t *testing.T, url string, data map[string]string) {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"identify","role":"agent","agentId":"cli-agent","name":"Test Browser"}`)))
	_, ready, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(ready), `"ready"`)

	go func() {
		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Decode(frame)
			if err != nil {
				continue
			}
			cmd, ok := msg.(protocol.Command)
			if !ok {
				continue
			}
			resp := protocol.Response{Type: protocol.TypeResponse, ID: cmd.ID, Success: true}
			if d, ok := data[cmd.Method]; ok {
				resp.Data = json.RawMessage(d)
			} else {
				resp = protocol.Failure(cmd.ID, "unsupported")
			}
			if err := ws.WriteJSON(resp); err != nil {
				return
			}
		}
	}()
}

func TestRun_Commands(t *testing.T) {
	color.NoColor = true
	url := startGateway(t)

	t.Run("no agent", func(t *testing.T) {
		var out bytes.Buffer
		err := run(t.Context(), []string{"tabs", "--url", url}, &out, &out)
		require.Error(t, err)
		assert.Equal(t, "getAllTabs failed: No agent connected", err.Error())
	})

	t.Run("status offline", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, run(t.Context(), []string{"status", "--url", url}, &out, &out))
		assert.Equal(t, "agent offline\n", out.String())
	})

	startAgent(t, url, map[string]string{
		protocol.MethodGetAllTabs:     `[{"id":1}]`,
		protocol.MethodTakeScreenshot: `"data:image/png;base64,aGVsbG8="`,
	})

	t.Run("status online", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, run(t.Context(), []string{"status", "--url", url}, &out, &out))
		assert.Contains(t, out.String(), "agent online")
		assert.Contains(t, out.String(), "cli-agent")
		assert.Contains(t, out.String(), "Test Browser")
	})

	t.Run("result printed", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, run(t.Context(), []string{"tabs", "--url", url}, &out, &out))
		assert.JSONEq(t, `[{"id":1}]`, out.String())
	})

	t.Run("screenshot saved", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "page.png")
		var out bytes.Buffer
		require.NoError(t, run(t.Context(), []string{"screenshot", "--url", url, "--out", path}, &out, &out))
		assert.Equal(t, "wrote 5 bytes to "+path+"\n", out.String())
	})

	t.Run("agent failure", func(t *testing.T) {
		var out bytes.Buffer
		err := run(t.Context(), []string{"text", "--url", url}, &out, &out)
		require.Error(t, err)
		assert.Equal(t, "getAllText failed: unsupported", err.Error())
	})

	t.Run("unknown method rejected by gateway", func(t *testing.T) {
		var out bytes.Buffer
		err := run(t.Context(), []string{"call", "fly", "--url", url}, &out, &out)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Unknown method: fly")
	})
}

func TestRun_Methods(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(t.Context(), []string{"methods"}, &out, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, protocol.Methods(), lines)
}

func TestRun_NoCommand(t *testing.T) {
	color.NoColor = true
	var out, errOut bytes.Buffer
	err := run(t.Context(), nil, &out, &errOut)
	require.Error(t, err)
	assert.Contains(t, errOut.String(), "Usage: puppet-cli")
}

func TestRun_WatchStopsOnCancel(t *testing.T) {
	url := startGateway(t)
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan error, 1)
	var out bytes.Buffer
	go func() { done <- run(ctx, []string{"watch", "--url", url}, &out, &out) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Contains(t, out.String(), "agent offline")
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop")
	}
}
