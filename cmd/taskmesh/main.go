package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nexweave/taskmesh"
	"github.com/nexweave/taskmesh/config"
	"github.com/nexweave/taskmesh/internal/telemetry"
	"github.com/nexweave/taskmesh/mesh"
)

// Build information, injected via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting taskmesh",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	node, err := taskmesh.NewNode(cfg, logger,
		taskmesh.WithConnectionFactory(wsFactory(cfg, logger)))
	if err != nil {
		logger.Fatal("failed to build node", zap.Error(err))
	}

	ctx := context.Background()
	if err := node.Start(ctx); err != nil {
		logger.Fatal("failed to start node", zap.Error(err))
	}

	server := NewServer(cfg, node, logger)
	if err := server.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	server.WaitForShutdown()

	if err := node.Stop(); err != nil {
		logger.Error("node shutdown error", zap.Error(err))
	}
	if otelProviders != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", zap.Error(err))
		}
		cancel()
	}

	logger.Info("taskmesh stopped")
}

// peerURL maps a remote node id to a dialable websocket URL. Ids that
// already look like URLs pass through unchanged.
func peerURL(remoteID string) string {
	if strings.HasPrefix(remoteID, "ws://") || strings.HasPrefix(remoteID, "wss://") {
		return remoteID
	}
	return fmt.Sprintf("ws://%s/mesh", remoteID)
}

// wsFactory dials peers over websocket. Peer addresses come from the
// "ws_url" metadata of routing announcements; a remote id that already
// looks like a URL is dialed as-is.
func wsFactory(cfg *config.Config, logger *zap.Logger) mesh.ConnectionFactory {
	return func(remoteID string) (mesh.Connection, error) {
		url := peerURL(remoteID)
		wsCfg := mesh.DefaultWSConfig()
		wsCfg.SendRateLimit = cfg.Mesh.SendRateLimit
		conn := mesh.NewWSConnection(remoteID, url, wsCfg, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("taskmesh %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`taskmesh - distributed agent task dispatch

Usage:
  taskmesh <command> [options]

Commands:
  serve     Start a taskmesh node
  version   Show version information
  health    Check node health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Examples:
  taskmesh serve
  taskmesh serve --config /etc/taskmesh/config.yaml
  taskmesh health --addr http://localhost:8080
  taskmesh version`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
