// ABOUTME: Entry point for the management server
// ABOUTME: Serves hypervisor agents and offers init, token and inspection subcommands

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/apache/cloudstack-sub185/internal/auth"
	"github.com/apache/cloudstack-sub185/internal/config"
	"github.com/apache/cloudstack-sub185/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
                       _
  _ __ ___   __ _ _ __ | |_       ___  ___ _ ____   _____ _ __
 | '_ ' _ \ / _' | '_ \| __|_____/ __|/ _ \ '__\ \ / / _ \ '__|
 | | | | | | (_| | | | | ||_____\__ \  __/ |   \ V /  __/ |
 |_| |_| |_|\__, |_| |_|\__|    |___/\___|_|    \_/ \___|_|
            |___/
`

// getConfigPath returns the path to the server config file.
// Priority: CLOUDSTACK_CONFIG env var > XDG_CONFIG_HOME/cloudstack/mgmt-server.yaml > ~/.config/cloudstack/mgmt-server.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CLOUDSTACK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "mgmt-server.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "cloudstack", "mgmt-server.yaml")
}

// tokenPath is where the token command saves operator tokens for the other subcommands.
func tokenPath() string {
	return filepath.Join(filepath.Dir(getConfigPath()), "token")
}

func usage() {
	fmt.Println("Usage: mgmt-server <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                        Start the management server")
	fmt.Println("  init                         Write a starter config file")
	fmt.Println("  token --agent ID | --admin   Issue an agent or operator token")
	fmt.Println("  health                       Check server health")
	fmt.Println("  agents                       List connected agents")
	fmt.Println("  leftovers                    List pending StackMaid cleanup entries")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "leftovers":
		err = runLeftovers(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("MSID:      %d\n", cfg.Cluster.MSID)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}

	if cfg.Auth.JWTSecret == "" {
		green.Print("    ▶ ")
		yellow.Println("Auth:      disabled")
	}
	fmt.Println()

	logger.Info("starting management server",
		"config", configPath,
		"msid", cfg.Cluster.MSID,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating management server: %w", err)
	}

	return gw.Run(ctx)
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(config.Sample), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	fmt.Println("  Set CLOUDSTACK_JWT_SECRET (32+ bytes) to enable auth, then:")
	fmt.Println("    mgmt-server serve")
	return nil
}

// runToken issues a token. Supports "--agent ID", "--agent=ID", "--admin" and "--ttl DURATION".
func runToken(args []string) error {
	var (
		agentID string
		admin   bool
		ttl     = 30 * 24 * time.Hour
	)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--agent":
			if i+1 >= len(args) {
				return errors.New("--agent requires a value")
			}
			agentID = args[i+1]
			i++
		case strings.HasPrefix(arg, "--agent="):
			agentID = strings.TrimPrefix(arg, "--agent=")
		case arg == "--admin":
			admin = true
		case arg == "--ttl":
			if i+1 >= len(args) {
				return errors.New("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("invalid --ttl: %w", err)
			}
			ttl = d
			i++
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	if admin == (agentID != "") {
		return errors.New("exactly one of --agent ID or --admin is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	subject, role := agentID, auth.RoleAgent
	if admin {
		subject, role = "operator", auth.RoleAdmin
	}
	token, err := verifier.Generate(subject, role, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if admin {
		if err := os.WriteFile(tokenPath(), []byte(token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Saved token: %s\n", tokenPath())
	}
	fmt.Println(token)
	return nil
}

// apiGet calls the HTTP API with the saved operator token, if any.
func apiGet(ctx context.Context, path string) ([]byte, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if token, err := os.ReadFile(tokenPath()); err == nil {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(token)))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func runHealth(ctx context.Context) error {
	if _, err := apiGet(ctx, "/health"); err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}
	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	body, err := apiGet(ctx, "/api/agents")
	if err != nil {
		return err
	}

	var agents []struct {
		ID         string    `json:"id"`
		Name       string    `json:"name"`
		Hypervisor string    `json:"hypervisor"`
		LastSeen   time.Time `json:"last_seen"`
		Pending    int       `json:"pending"`
	}
	if err := json.Unmarshal(body, &agents); err != nil {
		return fmt.Errorf("decoding agents: %w", err)
	}
	if len(agents) == 0 {
		fmt.Println("no agents connected")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tHYPERVISOR\tLAST SEEN\tPENDING")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", a.ID, a.Name, a.Hypervisor, a.LastSeen.Format(time.Kitchen), a.Pending)
	}
	return tw.Flush()
}

func runLeftovers(ctx context.Context) error {
	body, err := apiGet(ctx, "/api/stackmaid/leftovers")
	if err != nil {
		return err
	}

	var entries []struct {
		ContextID string         `json:"context_id"`
		Seq       int64          `json:"seq"`
		Delegate  string         `json:"delegate"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return fmt.Errorf("decoding leftovers: %w", err)
	}
	if len(entries) == 0 {
		color.New(color.FgGreen).Println("no pending cleanup")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTEXT\tSEQ\tDELEGATE\tDATA")
	for _, e := range entries {
		data, _ := json.Marshal(e.Data)
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.ContextID, e.Seq, e.Delegate, data)
	}
	return tw.Flush()
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = newColorHandler(os.Stdout, level)
	}

	return slog.New(handler)
}
