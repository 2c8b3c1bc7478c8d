// Package cli provides the command-line interface for chatproxy.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/zot/chatproxy/internal/config"
	"github.com/zot/chatproxy/internal/server"
)

// Version is the release reported by the version command.
var Version = "v0.1.0"

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// BeforeDispatch is called before command dispatch.
	// Return (handled=true, exitCode) to skip normal dispatch.
	BeforeDispatch func(command string, args []string) (handled bool, exitCode int)

	// CustomHelp returns additional help text to append.
	CustomHelp func() string

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// stdout and stderr are swapped in tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	if len(args) < 1 {
		return runServe(args)
	}

	command := args[0]
	cmdArgs := args[1:]

	// Let hooks intercept first
	if hooks != nil && hooks.BeforeDispatch != nil {
		if handled, code := hooks.BeforeDispatch(command, cmdArgs); handled {
			return code
		}
	}

	switch command {
	case "serve":
		return runServe(cmdArgs)
	case "check":
		return runCheck(cmdArgs)
	case "help", "-h", "--help":
		printHelp(hooks)
		return 0
	case "version", "--version":
		printVersion(hooks)
		return 0
	default:
		// Flags alone mean serve
		if len(command) > 0 && command[0] == '-' {
			return runServe(args)
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printHelp(hooks)
		return 1
	}
}

func runServe(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if err := cfg.InitLogger(); err != nil {
		fmt.Fprintf(stderr, "Failed to start logger: %v\n", err)
		return 1
	}
	defer cfg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg)
	if err := srv.Serve(ctx); err != nil {
		cfg.Logger().Sugar().Errorf("Server error: %v", err)
		return 1
	}
	return 0
}

// runCheck loads and validates the configuration and prints what it declares.
func runCheck(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid config: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Config %s is valid\n", cfg.Path)
	fmt.Fprintf(stdout, "  listen: %s\n", cfg.Server.Listen)
	for _, name := range config.SortedKeys(cfg.SessionPools) {
		p := cfg.SessionPools[name]
		fmt.Fprintf(stdout, "  session pool %s: max_connections=%d listen=%v\n", name, p.MaxConnections, p.Listen)
	}
	for _, name := range config.SortedKeys(cfg.HTTPDestinations) {
		fmt.Fprintf(stdout, "  http destination %s: %v\n", name, cfg.HTTPDestinations[name].Addresses)
	}
	for _, name := range config.SortedKeys(cfg.Chat) {
		ch := cfg.Chat[name]
		fmt.Fprintf(stdout, "  chat %s: route=%s pool=%s\n", name, ch.Route, ch.SessionPool)
	}
	return 0
}

func printHelp(hooks *Hooks) {
	fmt.Fprintln(stdout, `Chat Proxy

Usage: chatproxy [command] [options]

Commands:
  serve           Start the proxy (default)
  check           Validate the config file and print a summary
  help            Show this help
  version         Show the version

Options:
  --config        Path to the TOML config (default: config/chatproxy.toml)
  --listen        Public listen address (default: 0.0.0.0:8080)
  --log-level     Log level: debug, info, warn, error
  -v, -vv, -vvv   Log connections, messages, payloads

Environment:
  CHATPROXY_CONFIG, CHATPROXY_LISTEN, CHATPROXY_LOG_LEVEL, CHATPROXY_VERBOSITY

Examples:
  chatproxy serve --config /etc/chatproxy.toml -vv
  chatproxy check --config /etc/chatproxy.toml`)

	if hooks != nil && hooks.CustomHelp != nil {
		fmt.Fprintln(stdout, hooks.CustomHelp())
	}
}

func printVersion(hooks *Hooks) {
	fmt.Fprintf(stdout, "Chat Proxy %s\n", Version)
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Fprintln(stdout, hooks.CustomVersion())
	}
}
