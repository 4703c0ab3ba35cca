// ABOUTME: Entry point for puppet-gateway, the browser automation relay
// ABOUTME: Subcommands serve, init, health, token and history

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/puppet-gateway/internal/auth"
	"github.com/2389/puppet-gateway/internal/config"
	"github.com/2389/puppet-gateway/internal/gateway"
	"github.com/2389/puppet-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                 _
  _ __  _   _ _ __  _ __   ___| |_
 | '_ \| | | | '_ \| '_ \ / _ \ __|
 | |_) | |_| | |_) | |_) |  __/ |_
 | .__/ \__,_| .__/| .__/ \___|\__|
 |_|         |_|   |_|      gateway
`

const usage = `Usage: puppet-gateway <command> [flags]

Commands:
  serve                  Start the gateway server
  init                   Create a new config file interactively
  health [--ready]       Check gateway health
  token --name NAME      Mint a client JWT (requires auth.jwt_secret)
  history [--limit N]    Show recent commands from the ledger

Every command accepts --config PATH (default: $PUPPET_CONFIG or
$XDG_CONFIG_HOME/puppet/gateway.yaml).
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(os.Stdin, os.Stdout, args)
	case "health":
		err = runHealth(ctx, os.Stdout, args)
	case "token":
		err = runToken(os.Stdout, args)
	case "history":
		err = runHistory(ctx, os.Stdout, args)
	case "version", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet creates a subcommand flag set carrying --config.
func newFlagSet(name string, configPath *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(configPath, "config", "c", config.DefaultPath(), "config file path")
	return fs
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("serve", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	if cfg.Source != "" {
		fmt.Printf("Config:    %s\n", cfg.Source)
	} else {
		fmt.Printf("Config:    %s ", configPath)
		gray.Println("(not found, using defaults)")
	}
	green.Print("    ▶ ")
	fmt.Printf("WebSocket: ws://%s/\n", cfg.Server.Addr())
	green.Print("    ▶ ")
	switch {
	case !cfg.HTTP.Enabled:
		fmt.Print("Health:    ")
		gray.Println("disabled")
	default:
		fmt.Printf("Health:    http://%s/health\n", cfg.HTTPAddr())
	}
	green.Print("    ▶ ")
	fmt.Printf("Agent:     on_conflict=%s, command timeout %s\n", cfg.Agent.OnConflict, cfg.Commands.Timeout)
	if cfg.Database.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Ledger:    %s\n", cfg.Database.Path)
	}
	if cfg.Auth.APIKey == "" && cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Clients:   no api_key or jwt_secret, anyone can connect")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting puppet-gateway",
		"config", configPath,
		"ws_addr", cfg.Server.Addr(),
		"health_addr", cfg.HTTPAddr(),
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// healthURL points at the health endpoint for cfg, dialing localhost for wildcard hosts.
func healthURL(cfg *config.Config, ready bool) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	port := cfg.HTTP.Port
	path := "/health"
	if ready {
		path = "/health/ready"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
}

func runHealth(ctx context.Context, out io.Writer, args []string) error {
	var configPath string
	var ready bool
	fs := newFlagSet("health", &configPath)
	fs.BoolVar(&ready, "ready", false, "require a connected agent and print the full snapshot")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.HTTP.Enabled {
		return errors.New("health endpoints are disabled (http.enabled: false)")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(cfg, ready), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	fmt.Fprintln(out, strings.TrimSpace(string(body)))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func runToken(out io.Writer, args []string) error {
	var configPath, name string
	var ttl time.Duration
	fs := newFlagSet("token", &configPath)
	fs.StringVarP(&name, "name", "n", "", "client name carried as the token subject")
	fs.DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("--name flag is required")
	}
	if len(name) > 100 {
		return errors.New("name exceeds maximum length of 100 characters")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(name, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Fprintln(out, token)
	return nil
}

func runHistory(ctx context.Context, out io.Writer, args []string) error {
	var configPath, method, outcome string
	var limit int
	var sessions bool
	fs := newFlagSet("history", &configPath)
	fs.IntVarP(&limit, "limit", "l", 20, "number of rows")
	fs.StringVar(&method, "method", "", "only commands for this method")
	fs.StringVar(&outcome, "outcome", "", "only commands with this outcome")
	fs.BoolVar(&sessions, "sessions", false, "list connection sessions instead of commands")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.Path == "" || cfg.Database.Path == ":memory:" {
		return errors.New("no ledger: database.path is not set")
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	if sessions {
		list, err := s.ListSessions(ctx, limit)
		if err != nil {
			return err
		}
		return writeSessions(out, list)
	}

	recs, err := s.ListCommands(ctx, store.CommandFilter{
		Method:  method,
		Outcome: store.Outcome(outcome),
		Limit:   limit,
	})
	if err != nil {
		return err
	}
	return writeCommands(out, recs)
}

func outcomeColor(o store.Outcome) *color.Color {
	switch o {
	case store.OutcomeSucceeded:
		return color.New(color.FgGreen)
	case store.OutcomeForwarded:
		return color.New(color.FgCyan)
	case store.OutcomeClientGone:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.FgRed)
	}
}

func writeCommands(out io.Writer, recs []*store.CommandRecord) error {
	if len(recs) == 0 {
		fmt.Fprintln(out, "no commands recorded")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tCLIENT\tID\tMETHOD\tOUTCOME\tDURATION\tERROR")
	for _, r := range recs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.Duration().Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			orDash(r.ClientName),
			r.CommandID,
			r.Method,
			outcomeColor(r.Outcome).Sprint(r.Outcome),
			duration,
			orDash(r.Error),
		)
	}
	return tw.Flush()
}

func writeSessions(out io.Writer, list []*store.Session) error {
	if len(list) == 0 {
		fmt.Fprintln(out, "no sessions recorded")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONNECTED\tROLE\tNAME\tREMOTE\tDISCONNECTED\tREASON")
	for _, s := range list {
		disconnected := "live"
		if s.DisconnectedAt != nil {
			disconnected = s.DisconnectedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ConnectedAt.Local().Format("2006-01-02 15:04:05"),
			s.Role,
			orDash(s.Name),
			s.RemoteAddr,
			disconnected,
			orDash(s.CloseReason),
		)
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// initAnswers holds what runInit collected.
type initAnswers struct {
	Host        string
	Port        string
	HTTPPort    string
	APIKey      string
	AgentSecret string
	JWTSecret   string
	OnConflict  string
	DBPath      string
	Tailscale   bool
	TSHostname  string
	TSAuthKey   string
	TSEphemeral bool
	LogLevel    string
	LogFormat   string
}

// randomSecret returns n random bytes, URL-safe base64 encoded.
func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// defaultDataPath returns the puppet data directory.
// Priority: XDG_DATA_HOME/puppet > ~/.local/share/puppet
func defaultDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "puppet")
}

func renderConfig(a initAnswers) string {
	var b strings.Builder
	b.WriteString("# puppet-gateway configuration\n")
	b.WriteString("# Generated by puppet-gateway init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  host: %q\n", a.Host)
	fmt.Fprintf(&b, "  port: %s\n\n", a.Port)

	b.WriteString("http:\n")
	b.WriteString("  enabled: true\n")
	fmt.Fprintf(&b, "  port: %s\n\n", a.HTTPPort)

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  api_key: %q\n", a.APIKey)
	fmt.Fprintf(&b, "  agent_secret: %q\n", a.AgentSecret)
	if a.JWTSecret != "" {
		fmt.Fprintf(&b, "  jwt_secret: %q\n", a.JWTSecret)
	}
	b.WriteString("\n")

	b.WriteString("agent:\n")
	fmt.Fprintf(&b, "  on_conflict: %q\n\n", a.OnConflict)

	b.WriteString("commands:\n")
	b.WriteString("  timeout: \"30s\"\n")
	b.WriteString("  identify_timeout: \"10s\"\n\n")

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  path: %q\n\n", a.DBPath)

	b.WriteString("tailscale:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.Tailscale)
	if a.Tailscale {
		fmt.Fprintf(&b, "  hostname: %q\n", a.TSHostname)
		if a.TSAuthKey != "" {
			fmt.Fprintf(&b, "  auth_key: %q\n", a.TSAuthKey)
		}
		fmt.Fprintf(&b, "  ephemeral: %t\n", a.TSEphemeral)
	}
	b.WriteString("\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n", a.LogFormat)
	return b.String()
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func runInit(in io.Reader, out io.Writer, args []string) error {
	var configPath string
	fs := newFlagSet("init", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}
	reader := bufio.NewReader(in)
	ask := func(q, def string) string { return prompt(reader, out, q, def) }

	fmt.Fprintln(out, "puppet-gateway configuration setup")
	fmt.Fprintln(out, "==================================")
	fmt.Fprintln(out)

	outputFile := ask("Config file path", configPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(ask("File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	apiKey, err := randomSecret(24)
	if err != nil {
		return err
	}
	agentSecret, err := randomSecret(24)
	if err != nil {
		return err
	}

	var a initAnswers
	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.Host = ask("Listen host", "0.0.0.0")
	a.Port = ask("WebSocket port", "8765")
	a.HTTPPort = ask("Health port", "8766")

	fmt.Fprintln(out, "\n--- Auth Configuration ---")
	a.APIKey = ask("Client API key", apiKey)
	a.AgentSecret = ask("Agent secret", agentSecret)
	if yes(ask("Enable client JWTs?", "no")) {
		if a.JWTSecret, err = randomSecret(32); err != nil {
			return err
		}
	}
	a.OnConflict = ask("Second agent policy (replace/reject)", config.OnConflictReplace)

	fmt.Fprintln(out, "\n--- Ledger Configuration ---")
	a.DBPath = ask(`SQLite database path ("none" disables)`, filepath.Join(defaultDataPath(), "gateway.db"))
	if strings.EqualFold(a.DBPath, "none") {
		a.DBPath = ""
	}

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.Tailscale = yes(ask("Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = ask("Tailscale hostname", "puppet-gateway")
		a.TSAuthKey = ask("Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		a.TSEphemeral = yes(ask("Ephemeral node?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.LogLevel = ask("Log level (debug/info/warn/error)", "info")
	a.LogFormat = ask("Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// Secrets inside, owner-only.
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if _, err := config.Load(outputFile); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintf(out, "  puppet-gateway serve --config %s\n", outputFile)
	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
