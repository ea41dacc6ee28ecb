// ABOUTME: Planning client that answers natural-language questions through a relay gateway
// ABOUTME: Plans with an LLM or the rule-based planner, then runs the plan over one websocket

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/tool-relay/internal/client"
	"github.com/2389/tool-relay/internal/config"
	"github.com/2389/tool-relay/internal/logging"
	"github.com/2389/tool-relay/internal/plan"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tool-relay-plan", flag.ContinueOnError)
	configPath := fs.String("config", "", "gateway config file")
	url := fs.String("url", "", "gateway websocket URL (default derived from server.addr)")
	provider := fs.String("provider", "", "planner provider: rule, anthropic, or openai (default planner.provider)")
	model := fs.String("model", "", "model name (default planner.model)")
	list := fs.Bool("list", false, "list the gateway's tools and exit")
	asJSON := fs.Bool("json", false, "print the plan and result as JSON")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: tool-relay-plan [flags] <question>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	gatewayURL := *url
	if gatewayURL == "" {
		gatewayURL = "ws://" + loopback(cfg.Server.Addr) + "/ws"
	}
	c := client.New(ctx, client.Config{
		URL:         gatewayURL,
		DialTimeout: cfg.Upstream.DialTimeout,
		Timeout:     cfg.Upstream.CallTimeout,
		IdentityKey: cfg.Planner.IdentityKey,
		Logger:      logger,
	})
	defer c.Close()

	if *list {
		tools, err := c.Tools(ctx)
		if err != nil {
			return err
		}
		cyan := color.New(color.FgCyan)
		for _, t := range tools {
			cyan.Printf("%-28s", t.Name)
			fmt.Printf(" %s", t.Description)
			if len(t.Params) > 0 {
				color.New(color.FgHiBlack).Printf(" (%s)", strings.Join(t.Params, ", "))
			}
			fmt.Println()
		}
		return nil
	}

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		fs.Usage()
		return fmt.Errorf("a question is required")
	}

	name := cfg.Planner.Provider
	if *provider != "" {
		name = *provider
	}
	opts := plan.ModelOptions{Model: cfg.Planner.Model, APIKey: cfg.Planner.APIKey, MaxRetries: 2}
	if *model != "" {
		opts.Model = *model
	}
	planner, err := plan.NewPlanner(name, opts, logger)
	if err != nil {
		return err
	}

	answer, err := c.Ask(ctx, planner, query)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(answer)
	}
	return printAnswer(answer)
}

func printAnswer(answer *client.Answer) error {
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	planJSON, err := json.Marshal(answer.Plan)
	if err != nil {
		return err
	}
	gray.Printf("plan: %s\n", planJSON)
	for _, op := range answer.Result.Dropped {
		color.New(color.FgYellow).Printf("dropped merge: %s (fewer than two operands)\n", op)
	}

	switch final := answer.Result.Final.(type) {
	case []any:
		green.Printf("%d record(s)\n", len(final))
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(final)
	default:
		green.Print("answer: ")
		fmt.Println(final)
	}
	return nil
}

func loopback(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
