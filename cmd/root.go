// Package cmd wires the valet CLI: config loading, component
// construction, and the serve command that runs the rpcserver until
// interrupted.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/plyght/valet/internal/config"
	"github.com/plyght/valet/internal/confine"
	"github.com/plyght/valet/internal/ratelimit"
	"github.com/plyght/valet/internal/rpcserver"
	"github.com/plyght/valet/internal/supervisor"
	"github.com/plyght/valet/internal/telemetry"
	"github.com/plyght/valet/internal/tool"
	"github.com/plyght/valet/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/plyght/valet/cmd.Version=v1.0.0"
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "valet",
	Short: "valet — sandboxed capability broker",
	Long:  "valet exposes a confined filesystem and a fixed set of allow-listed commands to a single bearer-authenticated caller over JSON-RPC 2.0.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: valet.toml or $VALET_CONFIG)")
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(serveCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("valet %s (protocol %s)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admission chain and JSON-RPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("VALET_CONFIG"); v != "" {
		return v
	}
	return "valet.toml"
}

// runServe loads config, builds every component, and blocks until
// SIGINT/SIGTERM, mirroring the teacher's (now-removed) cmd/gateway.go
// signal-to-context-cancellation pattern.
func runServe() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	root, err := confine.NewRoot(cfg.Root.RootDir)
	if err != nil {
		return fmt.Errorf("confine root: %w", err)
	}

	tools := []tool.Tool{tool.NewFSReadTool(root), tool.NewFSWriteTool(root)}
	if len(cfg.Exec.AllowedCmds) > 0 {
		allow, err := supervisor.NewAllowSet(cfg.Exec.AllowedCmds)
		if err != nil {
			return fmt.Errorf("exec allow set: %w", err)
		}
		sup := supervisor.New(allow, cfg.Limits.ExecTimeoutS)
		tools = append(tools, tool.NewExecTool(sup, cfg.Exec.PassEnv, int64(cfg.Limits.MaxStdoutKB)*1024))
	}
	registry := tool.NewRegistry(tools...)

	limiter := ratelimit.New(ratelimit.Config{
		GlobalRPS:      cfg.RateLimit.GlobalRPS,
		GlobalBurst:    cfg.RateLimit.GlobalBurst,
		PrincipalRPS:   cfg.RateLimit.PrincipalRPS,
		PrincipalBurst: cfg.RateLimit.PrincipalBurst,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry.Endpoint, protocol.ServerName)
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := rpcserver.New(cfg, registry, limiter)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
	return nil
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
