package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/agentmux/agentmux/internal/assign"
	"github.com/agentmux/agentmux/internal/backend"
	"github.com/agentmux/agentmux/internal/budget"
	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/contextmon"
	"github.com/agentmux/agentmux/internal/fleet"
	"github.com/agentmux/agentmux/internal/kernel"
	"github.com/agentmux/agentmux/internal/nats"
	"github.com/agentmux/agentmux/internal/runtime"
	"github.com/agentmux/agentmux/internal/server"
	"github.com/agentmux/agentmux/internal/taskstore"
	"github.com/agentmux/agentmux/internal/types"
)

func main() {
	// Parse command line flags; env vars supply defaults so the binary
	// drops into containers without a wrapper script
	port := flag.Int("port", envInt("API_PORT", 8787), "HTTP server port")
	homeDir := flag.String("home", defaultHomeDir(), "AgentMux home directory (state, budgets, usage logs)")
	projectPath := flag.String("project", os.Getenv("PROJECT_PATH"), "Project to register for task assignment")
	natsPort := flag.Int("nats-port", envInt("AGENTMUX_NATS_PORT", 0), "Embedded NATS port (0 disables)")
	flag.Parse()

	if err := os.MkdirAll(*homeDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create home directory: %v\n", err)
		os.Exit(1)
	}

	printBanner()

	// Runtime adapters
	runtimeCfg, err := runtime.LoadConfig(*homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load runtime config: %v\n", err)
		os.Exit(1)
	}
	sessionBackend := backend.NewTmuxBackend()
	registry := runtime.NewRegistry()
	for _, capability := range []runtime.Capability{
		runtime.ClaudeCodeCapability(),
		runtime.CodexCapability(),
		runtime.GeminiCapability(),
	} {
		if err := registry.Register(runtime.NewAdapter(capability, sessionBackend, runtimeCfg)); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to register runtime %s: %v\n", capability.Kind, err)
			os.Exit(1)
		}
	}

	eventBus := bus.New()

	// Control kernel, with the WebSocket hub as status broadcaster
	hub := server.NewHub()
	kernelCfg := kernel.DefaultConfig(filepath.Join(*homeDir, "sessions.json"))
	k := kernel.New(kernelCfg, sessionBackend, eventBus, registry, contextmon.DefaultMonitorConfig(), hub)

	// Budget metering
	budgetConfig := budget.LoadConfigStore(*homeDir)
	if err := budgetConfig.Watch(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: budget config watch failed: %v\n", err)
	}
	meter := budget.NewMeter(budget.NewUsageLog(*homeDir), budgetConfig, eventBus)
	k.SetMeter(meter)
	fmt.Println("  Budget meter initialized")

	// Task store and auto-assigner
	taskDB, err := taskstore.Open(filepath.Join(*homeDir, "tasks.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open task store: %v\n", err)
		os.Exit(1)
	}
	assigner := assign.NewAssigner(taskDB, eventBus, sessionBackend)

	var assignWatcher *assign.ConfigWatcher
	if *projectPath != "" {
		if err := assigner.RegisterProject(*projectPath, assign.LoadConfig(*projectPath)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: project registration failed: %v\n", err)
		}
		assignWatcher, err = assign.WatchConfig(*projectPath, func(cfg types.AutoAssignConfig) {
			assigner.SetConfig(*projectPath, cfg)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: auto-assign config watch failed: %v\n", err)
		}
		fmt.Printf("  Project registered: %s\n", *projectPath)
	}

	// Fleet publisher
	publisher := fleet.NewPublisher(k)
	k.SetPublisher(publisher)

	// Optional embedded NATS bridge. Failure is a warning, not fatal.
	var (
		natsServer *nats.EmbeddedServer
		natsClient *nats.Client
		bridge     *nats.Bridge
	)
	if *natsPort > 0 {
		natsServer, natsClient, bridge = startNATS(*natsPort, eventBus)
	}

	if err := k.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start kernel: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("  Kernel started")

	srv := server.NewServer(hub, k, assigner, meter, publisher, eventBus)

	// Setup graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(fmt.Sprintf(":%d", *port))
	}()

	fmt.Println()
	fmt.Printf("  Dashboard API on http://localhost:%d\n", *port)
	fmt.Println("  Press Ctrl+C to shutdown")
	fmt.Println()

	select {
	case err := <-serverErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		}
	case <-shutdown:
		fmt.Println()
		fmt.Println("Shutting down...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
	}

	// Kernel stop ends monitors, flushes state, and kills sessions
	k.Stop()

	if assignWatcher != nil {
		assignWatcher.Close()
	}
	budgetConfig.Close()
	if err := taskDB.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Task store close error: %v\n", err)
	}

	if bridge != nil {
		bridge.Stop()
	}
	if natsClient != nil {
		natsClient.Close()
	}
	if natsServer != nil {
		natsServer.Shutdown()
	}

	fmt.Println("Goodbye!")
}

// startNATS brings up the embedded broker and bus bridge. Any failure
// returns nils so the control plane runs without external messaging.
func startNATS(port int, eventBus *bus.Bus) (*nats.EmbeddedServer, *nats.Client, *nats.Bridge) {
	srv, err := nats.NewEmbeddedServer(nats.EmbeddedServerConfig{Port: port})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: NATS server config: %v\n", err)
		return nil, nil, nil
	}
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: NATS server start: %v\n", err)
		return nil, nil, nil
	}
	client, err := nats.NewClient(srv.URL())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: NATS connect: %v\n", err)
		srv.Shutdown()
		return nil, nil, nil
	}
	fmt.Printf("  NATS bridge on %s\n", srv.URL())
	return srv, client, nats.NewBridge(client, eventBus)
}

func defaultHomeDir() string {
	if env := os.Getenv("AGENTMUX_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentmux"
	}
	return filepath.Join(home, ".agentmux")
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func printBanner() {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════╗")
	fmt.Println("  ║                                               ║")
	fmt.Println("  ║              AgentMux v1.0.0                  ║")
	fmt.Println("  ║       AI Agent Runtime Control Plane          ║")
	fmt.Println("  ║                                               ║")
	fmt.Println("  ╚═══════════════════════════════════════════════╝")
	fmt.Println()
}
