package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aceup-app/syncengine/internal/config"
	"github.com/aceup-app/syncengine/internal/dashboard"
	"github.com/aceup-app/syncengine/internal/engine"
	"github.com/aceup-app/syncengine/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the sync daemon in foreground mode.

The daemon will:
  1. Probe backend reachability on an interval
  2. Replay queued offline writes when connectivity returns
  3. Pull remote changes and merge them into the local store
  4. Serve sync status over HTTP and WebSocket

Press Ctrl+C to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		logger := buildLogger(cfg)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		eng, err := engine.New(ctx, cfg, &engine.Options{Logger: logger})
		if err != nil {
			return err
		}
		defer eng.Close()

		var server *dashboard.Server
		if cfg.Dashboard.Enabled {
			server = dashboard.NewServer(eng.Coordinator, eng.Monitor, &dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: logger,
			})
			eng.Coordinator.SetOnEvent(server.Broadcast)
			if err := server.Start(); err != nil {
				return err
			}
			defer func() {
				if err := server.Stop(); err != nil {
					logger.Printf("Dashboard shutdown error: %v", err)
				}
			}()
		}

		eng.Start(ctx)

		fmt.Printf("%s Sync daemon started\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Local store: %s\n", cfg.Database.Path)
		fmt.Printf("   Remote: %s/%s\n", cfg.Remote.URL, cfg.Remote.Name)
		if cfg.Dashboard.Enabled {
			fmt.Printf("   Status: http://localhost:%d/status\n", cfg.Dashboard.Port)
			fmt.Printf("   WebSocket: ws://localhost:%d/ws\n", cfg.Dashboard.Port)
		}
		fmt.Println("\nPress Ctrl+C to stop")

		<-ctx.Done()

		fmt.Println("\nShutting down sync daemon...")
		return nil
	},
}

// buildLogger returns the daemon logger, rotating through lumberjack
// when a log file is configured.
func buildLogger(cfg *config.Config) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   true,
		})
	}
	return log.New(out, "[aceup-sync] ", log.LstdFlags)
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
