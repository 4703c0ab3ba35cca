// ABOUTME: Command-line client for puppet-gateway; sends one browser command and prints the result.
// ABOUTME: Connection settings come from flags or PUPPET_URL and PUPPET_API_KEY.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
)

const banner = `
                              _              _ _
 _ __  _   _ _ __  _ __   ___| |_       ___| (_)
| '_ \| | | | '_ \| '_ \ / _ \ __|____ / __| | |
| |_) | |_| | |_) | |_) |  __/ ||_____| (__| | |
| .__/ \__,_| .__/| .__/ \___|\__|     \___|_|_|
|_|         |_|   |_|
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out, errOut io.Writer) error {
	if len(args) == 0 {
		printUsage(errOut)
		return errors.New("no command given")
	}

	name, rest := args[0], args[1:]
	switch name {
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	case "status":
		return runStatus(ctx, out, rest)
	case "watch":
		return runWatch(ctx, out, rest)
	case "methods":
		return runMethods(out)
	}

	inv, conn, err := parseInvocation(name, rest)
	if err != nil {
		return err
	}
	return execute(ctx, out, conn, inv)
}

func printUsage(w io.Writer) {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(w, banner)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: puppet-cli <command> [args] [flags]")
	fmt.Fprintln(w)
	yellow.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  status                     Show whether a browser agent is connected")
	fmt.Fprintln(w, "  watch                      Print agent events until interrupted")
	fmt.Fprintln(w, "  methods                    List the command vocabulary")
	fmt.Fprintln(w, "  navigate <url>             Open a URL")
	fmt.Fprintln(w, "  back                       Go back in history")
	fmt.Fprintln(w, "  scroll <x> <y>             Scroll to a position")
	fmt.Fprintln(w, "  dom <selector>             Return matching elements")
	fmt.Fprintln(w, "  text                       Return the page text")
	fmt.Fprintln(w, "  screenshot [--out file]    Capture the visible tab")
	fmt.Fprintln(w, "  script <code>              Run JavaScript in the page")
	fmt.Fprintln(w, "  storage get|set [k=v...]   Read or write web storage")
	fmt.Fprintln(w, "  cookies [--for url]        List cookies")
	fmt.Fprintln(w, "  cookie set|delete ...      Change cookies")
	fmt.Fprintln(w, "  network start|stop|log|clear")
	fmt.Fprintln(w, "  tabs                       List open tabs")
	fmt.Fprintln(w, "  call <method> [json]       Send any method with raw JSON params")
	fmt.Fprintln(w)
	yellow.Fprintln(w, "Connection flags (every command):")
	fmt.Fprintln(w, "  --url       Gateway WebSocket URL (env PUPPET_URL, default ws://localhost:8765/)")
	fmt.Fprintln(w, "  --api-key   Client API key or token (env PUPPET_API_KEY)")
	fmt.Fprintln(w, "  --timeout   Command timeout (default 30s)")
	fmt.Fprintln(w, "  --tab       Target tab id")
	fmt.Fprintln(w)
	yellow.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  puppet-cli navigate https://example.com")
	fmt.Fprintln(w, "  puppet-cli dom 'h1' --tab 42")
	fmt.Fprintln(w, "  puppet-cli screenshot --format jpeg --quality 80 --out page.jpg")
	fmt.Fprintln(w, "  puppet-cli call getCookies '{\"url\":\"https://example.com\"}'")
	fmt.Fprintln(w)
}
