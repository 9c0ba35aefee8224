// ABOUTME: Entry point for clinic-gateway, the conversation lifecycle and transfer server
// ABOUTME: Subcommands: serve, init, token, health

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/clinic-gateway/internal/auth"
	"github.com/2389/clinic-gateway/internal/config"
	"github.com/2389/clinic-gateway/internal/conversation"
	"github.com/2389/clinic-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
      _ _       _                       _
  ___| (_)_ __ (_) ___    __ _  __ _| |_ _____      ____ _ _   _
 / __| | | '_ \| |/ __|  / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (__| | | | | | | (__  | (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \___|_|_|_| |_|_|\___|  \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                         |___/                             |___/
`

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: clinic-gateway <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve    Start the gateway server")
	fmt.Fprintln(w, "  init     Write a starter config file")
	fmt.Fprintln(w, "  token    Issue a signed actor token")
	fmt.Fprintln(w, "  health   Check a running gateway")
	fmt.Fprintln(w, "  version  Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
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
		err = runInit(args, os.Stdout)
	case "token":
		err = runToken(args, os.Stdout)
	case "health":
		err = runHealth(ctx, args, os.Stdout)
	case "version", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses the shared --config flag and loads the file it names.
func loadConfig(fs *pflag.FlagSet, args []string) (*config.Config, string, error) {
	configPath := fs.StringP("config", "c", config.DefaultPath(), "config file (yaml or toml)")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, *configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, *configPath, nil
}

func runServe(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	quiet := fs.Bool("no-banner", false, "skip the startup banner")
	cfg, configPath, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	if !*quiet {
		cyan := color.New(color.FgCyan)
		gray := color.New(color.FgHiBlack)
		green := color.New(color.FgGreen)
		yellow := color.New(color.FgYellow)

		cyan.Print(banner)
		gray.Printf("    version: %s\n\n", version)

		green.Print("    ▶ ")
		fmt.Printf("Config:    %s\n", configPath)
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
		if cfg.Server.GRPCAddr != "" {
			green.Print("    ▶ ")
			fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
		}
		green.Print("    ▶ ")
		fmt.Printf("Store:     %s\n", cfg.Database.Driver)
		if cfg.Auth.JWTSecret == "" {
			yellow.Print("    ! ")
			fmt.Println("Auth:      dev mode (X-Agent-* headers)")
		}
		fmt.Println()
	}

	logger.Info("starting clinic-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runInit(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("init", pflag.ContinueOnError)
	path := fs.StringP("output", "o", config.DefaultPath(), "where to write the config file")
	force := fs.BoolP("force", "f", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", *path)
	}
	if err := os.MkdirAll(filepath.Dir(*path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(*path, []byte(config.Template), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "Config written to %s\n", *path)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  clinic-gateway serve")
	return nil
}

// runToken signs a token for an agent or supervisor with the configured
// secret. The secret may also come from --secret for use without a config.
func runToken(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", config.DefaultPath(), "config file (yaml or toml)")
	secret := fs.String("secret", "", "signing secret (overrides auth.jwt_secret)")
	id := fs.String("id", "", "actor id (required)")
	name := fs.String("name", "", "display name")
	role := fs.String("role", "agent", "agent, supervisor or admin")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *id == "" {
		return errors.New("--id is required")
	}
	r, err := conversation.ParseRole(*role)
	if err != nil {
		return err
	}

	key := *secret
	if key == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		key = cfg.Auth.JWTSecret
	}
	if key == "" {
		return errors.New("no signing secret: set auth.jwt_secret or pass --secret")
	}

	verifier, err := auth.NewJWTVerifier([]byte(key))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(conversation.Actor{ID: *id, Name: *name, Role: r}, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

func runHealth(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("health", pflag.ContinueOnError)
	ready := fs.Bool("ready", false, "query /health/ready instead of /health")
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	path := "/health"
	if *ready {
		path = "/health/ready"
	}
	return checkHealth(ctx, "http://"+cfg.Server.HTTPAddr+path, out)
}

func checkHealth(ctx context.Context, url string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}
	fmt.Fprintln(out, string(body))
	return nil
}
