// ABOUTME: Entry point for the dm-gateway direct-message router
// ABOUTME: Subcommands serve the gateway, write a config, mint tokens and check health

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/2389/dm-gateway/internal/auth"
	"github.com/2389/dm-gateway/internal/config"
	"github.com/2389/dm-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _                                  _
  __| |_ __ ___         __ _  __ _| |_ _____      ____ _ _   _
 / _' | '_ ' _ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| | | | | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__,_|_| |_| |_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                       |___/                             |___/
`

// getDataPath returns the dm-gateway data directory.
// Priority: XDG_DATA_HOME/dm-gateway > ~/.local/share/dm-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "dm-gateway")
}

func usage() {
	fmt.Println("Usage: dm-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                         Start the gateway server")
	fmt.Println("  init                          Create a new config file interactively")
	fmt.Println("  token --user NAME [--ttl D]   Mint a bearer token for NAME")
	fmt.Println("  hash-password                 Read a password and print its bcrypt hash")
	fmt.Println("  health                        Check gateway health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A missing .env is fine
	_ = godotenv.Load()

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
	case "hash-password":
		err = runHashPassword(os.Stdin)
	case "health":
		err = runHealth(ctx)
	case "-h", "--help", "help":
		usage()
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
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Unread:    %s\n", cfg.Dispatch.UnreadStrategy)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.DevLogin {
		yellow.Println("    ! dev login enabled")
	}

	fmt.Println()

	logger.Info("starting dm-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runToken mints a bearer token with the configured secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	user := fs.String("user", "", "username to put in the sub claim")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	username := strings.TrimSpace(*user)
	if username == "" {
		return errors.New("--user is required")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	lifetime := cfg.Auth.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(username, lifetime)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// runHashPassword prints a bcrypt hash for auth.login_password_hash. The
// password is read without echo from a terminal, or as one line from a pipe.
func runHashPassword(in *os.File) error {
	var password string
	if term.IsTerminal(int(in.Fd())) {
		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		password = string(raw)
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	if password == "" {
		return errors.New("password cannot be empty")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
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

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// runInit writes a config file with a fresh random JWT secret.
func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("dm-gateway configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "dm.db")

	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Dispatch Configuration ---")
	unread := prompt(reader, "Unread counter (fixed/store)", "fixed")
	journal := isYes(prompt(reader, "Enable delivery journal?", "no"))
	devLogin := isYes(prompt(reader, "Enable dev login (any username gets a token)?", "no"))

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	var cfg strings.Builder
	cfg.WriteString("# dm-gateway configuration\n")
	cfg.WriteString("# Generated by dm-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	if grpcAddr != "" {
		fmt.Fprintf(&cfg, "  grpc_addr: %q\n", grpcAddr)
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n", dbPath)
	cfg.WriteString("  driver: \"sqlite\"\n\n")

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n", jwtSecret)
	cfg.WriteString("  token_ttl: \"12h\"\n")
	fmt.Fprintf(&cfg, "  dev_login: %t\n\n", devLogin)

	cfg.WriteString("dispatch:\n")
	cfg.WriteString("  max_content_length: 500\n")
	fmt.Fprintf(&cfg, "  unread_strategy: %q\n", unread)
	cfg.WriteString("  dedupe_ttl: \"5m\"\n\n")

	cfg.WriteString("journal:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n\n", journal)

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Println("  dm-gateway serve")
	fmt.Println("  dm-gateway token --user alice   # mint a token for a client")

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
