// ABOUTME: Entry point for stillsafe-gateway
// ABOUTME: serve runs the gateway; health, init and hash-secret are operator helpers

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/stillsafe-gateway/internal/config"
	"github.com/2389/stillsafe-gateway/internal/gateway"
	"github.com/2389/stillsafe-gateway/internal/monitor"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _   _ _ _                 __
 ___| |_(_) | |___ __ _ / _|___
(_-<  _| | | (_-</ _' |  _/ -_)
/__/\__|_|_|_/__/\__,_|_| \___|  gateway
`

func usage() {
	fmt.Println("Usage: stillsafe-gateway <command> [--config PATH]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the gateway server")
	fmt.Println("  init          Write a starter config with fresh secrets")
	fmt.Println("  health        Check gateway readiness (--device also asks whether the device is alive)")
	fmt.Println("  hash-secret   Read a device secret on stdin and print its bcrypt hash")
}

// getDataPath returns the stillsafe data directory.
// Priority: XDG_DATA_HOME/stillsafe > ~/.local/share/stillsafe
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "stillsafe")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	command, args := os.Args[1], os.Args[2:]
	var err error
	switch command {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "health":
		err = runHealth(ctx, args)
	case "hash-secret":
		err = runHashSecret(os.Stdin, os.Stdout)
	case "-h", "--help", "help":
		usage()
		return
	case "--version", "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commandFlags is the flag set every subcommand shares.
type commandFlags struct {
	configPath string
	device     bool
}

func parseFlags(name string, args []string) (*commandFlags, error) {
	var f commandFlags
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.StringVarP(&f.configPath, "config", "c", "", "config file (default: $STILLSAFE_CONFIG or $XDG_CONFIG_HOME/stillsafe/gateway.yaml)")
	if name == "health" {
		flagSet.BoolVar(&f.device, "device", false, "also query the device liveness over gRPC")
	}
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	f.configPath = config.ResolvePath(f.configPath)
	return &f, nil
}

func runServe(ctx context.Context, args []string) error {
	flags, err := parseFlags("serve", args)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", flags.configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("RP ID:     %s\n", cfg.WebAuthn.RPID)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if !cfg.Notifications.APNs.Enabled && !cfg.Notifications.Matrix.Enabled {
		yellow.Println("    ! no notification channel enabled")
	}
	fmt.Println()

	logger.Info("starting stillsafe-gateway",
		"config", flags.configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runInit(args []string) error {
	flags, err := parseFlags("init", args)
	if err != nil {
		return err
	}
	if err := config.WriteStarter(flags.configPath, getDataPath()); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", flags.configPath)
	fmt.Println("    Set webauthn.rp_id and webauthn.origins to the name the phone will use,")
	fmt.Println("    then copy device.secret onto the device.")
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	flags, err := parseFlags("health", args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(flags.configPath)
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
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Println("gateway: healthy")

	if !flags.device {
		return nil
	}
	status, err := deviceStatus(ctx, cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}
	fmt.Printf("device:  %s\n", status)
	if status != healthpb.HealthCheckResponse_SERVING {
		return errors.New("device is not sending heartbeats")
	}
	return nil
}

// deviceStatus asks the gateway's gRPC health service about the device.
func deviceStatus(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: monitor.HealthService})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("device health check: %w", err)
	}
	return resp.GetStatus(), nil
}

// runHashSecret prints a bcrypt hash of the first line of in, suitable for
// device.secret.
func runHashSecret(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return errors.New("empty secret")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing secret: %w", err)
	}
	_, err = fmt.Fprintln(out, string(hash))
	return err
}
