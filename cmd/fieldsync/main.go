package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/clawinfra/fieldsync/internal/api"
	"github.com/clawinfra/fieldsync/internal/config"
	"github.com/clawinfra/fieldsync/internal/outbox"
	"github.com/clawinfra/fieldsync/internal/security"
	"github.com/clawinfra/fieldsync/internal/submit"
	"github.com/clawinfra/fieldsync/internal/syncer"
	"github.com/clawinfra/fieldsync/internal/tui"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

const defaultConfigPath = "fieldsync.json"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// No subcommand, or a leading flag, means serve
	subCmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		subCmd, args = args[0], args[1:]
	}

	var err error
	switch subCmd {
	case "serve", "start":
		return serveCommand(args, stderr)
	case "pending":
		err = pendingCommand(args, stdout)
	case "submit":
		err = submitCommand(args, stdout)
	case "purge":
		err = purgeCommand(args, stdout)
	case "watch":
		err = watchCommand(args)
	case "token":
		err = tokenCommand(args, stdout)
	case "unit":
		err = unitCommand(args, stdout)
	case "version", "--version", "-version":
		fmt.Fprintf(stdout, "fieldsync v%s (built %s)\n", version, buildTime)
		return 0
	case "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", subCmd)
		printUsage(stderr)
		return 1
	}

	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: fieldsync <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     run the outbox daemon (default)")
	fmt.Fprintln(w, "  pending   list queued submissions")
	fmt.Fprintln(w, "  submit    send or queue one operation")
	fmt.Fprintln(w, "  purge     remove failed entries past retention (daemon stopped)")
	fmt.Fprintln(w, "  watch     terminal dashboard")
	fmt.Fprintln(w, "  token     mint an API token")
	fmt.Fprintln(w, "  unit      print a systemd unit or launchd plist")
	fmt.Fprintln(w, "  version   print version")
}

// clientFlags registers the flags shared by the commands that talk to a
// running daemon.
func clientFlags(fs *flag.FlagSet) (apiURL, token *string) {
	apiURL = fs.String("api", "http://localhost:8430", "fieldsync API URL")
	token = fs.String("token", os.Getenv("FIELDSYNC_TOKEN"), "API bearer token")
	return apiURL, token
}

func pendingCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	apiURL, token := clientFlags(fs)
	asJSON := fs.Bool("json", false, "print raw JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := tui.NewClient(*apiURL, *token).Outbox(ctx)
	if err != nil {
		return fmt.Errorf("list outbox: %w", err)
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	printEntries(stdout, entries, time.Now())
	return nil
}

func printEntries(w io.Writer, entries []outbox.Entry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Outbox is empty")
		return
	}
	fmt.Fprintf(w, "%-36s  %-6s  %-8s  %-5s  %-8s  %s\n", "ID", "METHOD", "STATUS", "TRIES", "AGE", "ENDPOINT")
	for _, e := range entries {
		age := now.Sub(time.UnixMilli(e.CreatedAt)).Round(time.Second)
		fmt.Fprintf(w, "%-36s  %-6s  %-8s  %-5s  %-8s  %s\n",
			e.ID, e.Method, e.Status,
			fmt.Sprintf("%d/%d", e.RetryCount, syncer.MaxRetries),
			age, e.Endpoint)
		if e.LastError != "" {
			fmt.Fprintf(w, "    last error: %s\n", e.LastError)
		}
	}
}

func submitCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	apiURL, token := clientFlags(fs)
	endpoint := fs.String("endpoint", "", "endpoint path or URL (required)")
	method := fs.String("method", "POST", "POST, PUT or DELETE")
	data := fs.String("data", "", "JSON payload, or @file to read it from a file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *endpoint == "" {
		return fmt.Errorf("-endpoint is required")
	}

	payload, err := readPayload(*data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := tui.NewClient(*apiURL, *token).Submit(ctx, api.SubmitRequest{
		Endpoint: *endpoint,
		Method:   *method,
		Payload:  payload,
	})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	switch {
	case !res.Queued:
		fmt.Fprintf(stdout, "✓ delivered (localId %s)\n", res.LocalID)
	case res.Success:
		fmt.Fprintf(stdout, "⏳ queued for sync (localId %s)\n", res.LocalID)
	default:
		fmt.Fprintf(stdout, "⚠ delivery failed, queued for retry (localId %s)\n", res.LocalID)
	}
	return nil
}

func readPayload(data string) (json.RawMessage, error) {
	if data == "" {
		return nil, nil
	}
	raw := []byte(data)
	if path, ok := strings.CutPrefix(data, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// purgeCommand works on the store directly, so the daemon must not be
// running against the same data directory.
func purgeCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	olderThan := fs.Duration("older-than", 0, "retention (default: outbox.retentionHours)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	retention := *olderThan
	if retention == 0 {
		retention = time.Duration(cfg.Outbox.RetentionHours) * time.Hour
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := outbox.Open(cfg.Outbox.Backend, cfg.Server.DataDir, "", logger)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer store.Close() //nolint:errcheck

	svc := submit.NewService(store, nil, nil, nil, submit.Options{}, logger)
	n, err := svc.PurgeTerminal(context.Background(), retention)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Purged %d failed entries older than %s\n", n, retention)
	return nil
}

func watchCommand(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL, token := clientFlags(fs)
	logPath := fs.String("log", "fieldsync-watch.log", "log file (stdout is owned by the dashboard)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close() //nolint:errcheck

	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), getShutdownSignals()...)
	defer stop()

	return tui.Run(ctx, tui.NewClient(*apiURL, *token), logger)
}

func tokenCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	subject := fs.String("subject", "", "token subject, e.g. a device or user id (required)")
	role := fs.String("role", security.RoleInspector, "owner, inspector or readonly")
	expiry := fs.Duration("expiry", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("-subject is required")
	}
	if !slices.Contains(security.ValidRoles, *role) {
		return fmt.Errorf("unknown role %q (use %s)", *role, strings.Join(security.ValidRoles, ", "))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwtSecret is not set; the API runs without authentication")
	}

	tok, err := security.GenerateToken(*subject, *role, []byte(cfg.Auth.JWTSecret), *expiry)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, tok)
	return nil
}
