package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lobby-ws/gamedev-sub000/internal/config"
	"github.com/lobby-ws/gamedev-sub000/internal/workspace"
)

// EnvProjectDir overrides the project directory, which defaults to the
// working directory.
const EnvProjectDir = "LOBBY_PROJECT_DIR"

func main() {
	// 1. Resolve the project directory
	root := os.Getenv(EnvProjectDir)
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot determine project directory: %v\n", err)
			os.Exit(1)
		}
		root = wd
	}

	// 2. Load configuration from targets and environment
	cfg, err := config.Load(root, "", os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg.ConfirmRequired {
		fmt.Fprintf(os.Stderr, "Error: target %s requires confirmation; set %s=1 to run unattended\n", cfg.TargetName, config.EnvTargetConfirm)
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	// 3. Connect and build the session
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := workspace.Open(runCtx, cfg, workspace.Options{
		Connect:     true,
		LogActivity: true,
		Owner:       "app-server",
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	session, err := w.Session()
	if err != nil {
		w.Close()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// 4. Startup handshake
	report, err := session.Start(runCtx)
	if err != nil {
		w.Close()
		fmt.Fprintf(os.Stderr, "Error: startup sync failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("App server syncing %s with %s (cursor %d)\n", root, cfg.Describe(), report.Cursor)

	// 5. Wait for a shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)
	cancel()

	if err := w.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("App server stopped")
}
