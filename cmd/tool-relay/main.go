// ABOUTME: Entry point for the tool-relay gateway
// ABOUTME: Serves the tool registry over websocket and MCP, and offers tools/health/seed helpers

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/tool-relay/internal/config"
	"github.com/2389/tool-relay/internal/gateway"
	"github.com/2389/tool-relay/internal/logging"
	"github.com/2389/tool-relay/internal/registry"
	"github.com/2389/tool-relay/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
 _              _                 _
| |_ ___   ___ | |      _ __ ___ | | __ _ _   _
| __/ _ \ / _ \| |_____| '__/ _ \| |/ _' | | | |
| || (_) | (_) | |_____| | |  __/| | (_| | |_| |
 \__\___/ \___/|_|     |_|  \___||_|\__,_|\__, |
                                          |___/
`

// errNoSpec is returned when neither --spec nor the config names a tool document.
var errNoSpec = errors.New("no tool document: pass --spec or set spec in the config file")

func usage() {
	fmt.Println("Usage: tool-relay <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the gateway")
	fmt.Println("  tools    Print the normalized tool registry")
	fmt.Println("  health   Check gateway health")
	fmt.Println("  seed     Populate the school records store")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "tools":
		err = runTools(args)
	case "health":
		err = runHealth(ctx, args)
	case "seed":
		err = runSeed(ctx, args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags registers the flags every subcommand accepts.
func commonFlags(name string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "gateway config file (default $TOOL_RELAY_CONFIG or $XDG_CONFIG_HOME/tool-relay/gateway.yaml)")
	specPath := fs.String("spec", "", "tool document (.json, .yaml, or .toml)")
	return fs, configPath, specPath
}

// loadAll loads the gateway config and the tool document, letting the
// document fill the listen address and upstream URL.
func loadAll(configPath, specPath string) (*config.Config, *config.Spec, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if specPath != "" {
		cfg.Spec = specPath
	}
	if cfg.Spec == "" {
		return nil, nil, errNoSpec
	}
	spec, err := config.LoadSpec(cfg.Spec)
	if err != nil {
		return nil, nil, fmt.Errorf("loading spec: %w", err)
	}
	cfg.ApplySpec(spec)
	return cfg, spec, nil
}

func runServe(ctx context.Context, args []string) error {
	fs, configPath, specPath := commonFlags("serve")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, spec, err := loadAll(*configPath, *specPath)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Spec:      %s\n", cfg.Spec)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.Addr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Upstream:  %s\n", cfg.Upstream.URL)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Dispatch.RedactListing {
		yellow.Println("    ! list_tools is redacted")
	}
	fmt.Println()

	gateway.Version = version
	gw, err := gateway.New(cfg, spec, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	go reloadOnHangup(ctx, gw, cfg.Spec, logger)

	return gw.Run(ctx)
}

// reloadOnHangup re-reads the tool document on SIGHUP. A document that fails
// to load leaves the running registry in place.
func reloadOnHangup(ctx context.Context, gw *gateway.Gateway, specPath string, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			spec, err := config.LoadSpec(specPath)
			if err != nil {
				logger.Error("reload failed", "spec", specPath, "error", err)
				continue
			}
			if err := gw.Reload(spec); err != nil {
				logger.Error("reload failed", "spec", specPath, "error", err)
			}
		}
	}
}

func runTools(args []string) error {
	fs, configPath, specPath := commonFlags("tools")
	redacted := fs.Bool("redacted", false, "print only name, description, and params")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, spec, err := loadAll(*configPath, *specPath)
	if err != nil {
		return err
	}
	logger := logging.New("warn", cfg.Logging.Format, os.Stderr)

	reg, err := registry.Build(spec.Tools, logger)
	if err != nil {
		return err
	}

	var out any = reg.Mapping()
	if *redacted || cfg.Dispatch.RedactListing {
		out = reg.Redacted()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runHealth(ctx context.Context, args []string) error {
	fs, configPath, specPath := commonFlags("health")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *specPath != "" {
		spec, err := config.LoadSpec(*specPath)
		if err != nil {
			return fmt.Errorf("loading spec: %w", err)
		}
		cfg.ApplySpec(spec)
	}

	url := fmt.Sprintf("http://%s/health", dialableAddr(cfg.Server.Addr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	var body struct {
		Upstream string `json:"upstream"`
		Tools    int    `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	fmt.Print("healthy")
	if body.Upstream == "connected" {
		color.New(color.FgGreen).Printf(" upstream=%s", body.Upstream)
	} else {
		color.New(color.FgYellow).Printf(" upstream=%s", body.Upstream)
	}
	fmt.Printf(" tools=%d\n", body.Tools)
	return nil
}

// dialableAddr turns a wildcard listen address into a loopback one.
func dialableAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func runSeed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	configPath := fs.String("config", "", "gateway config file")
	dbPath := fs.String("db", "", "database path (default database.path from the config)")
	students := fs.Int("students", 200, "students to create")
	teachers := fs.Int("teachers", 12, "teachers to create")
	seed := fs.Uint64("seed", 42, "random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := *dbPath
	if path == "" {
		cfg, err := config.LoadOrDefault(*configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		path = cfg.Database.Path
	}

	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	if err := s.Seed(ctx, store.SeedOptions{Students: *students, Teachers: *teachers, RandSeed: *seed}); err != nil {
		return fmt.Errorf("seeding: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Seeded %d students and %d teachers into %s\n", *students, *teachers, path)
	return nil
}
