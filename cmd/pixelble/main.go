package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/pixelble/cmd/pixelble/interactive"
	"github.com/chaz8081/pixelble/internal/ble"
	"github.com/chaz8081/pixelble/internal/config"
	"github.com/chaz8081/pixelble/internal/link"
	"github.com/chaz8081/pixelble/internal/presence"
	"github.com/chaz8081/pixelble/internal/server"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/pixelble/config.yaml)")
	initConfig := flag.Bool("init-config", false, "write the default config file and exit")
	sim := flag.Bool("sim", false, "use a simulated peripheral instead of the radio")
	headless := flag.Bool("headless", false, "run without the interactive shell")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	printBanner(cfg, *sim)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var adapter ble.Adapter
	if *sim {
		adapter = ble.NewSimAdapter(cfg.Device.Name)
	} else {
		adapter = ble.NewTinygoAdapter()
	}

	opts := link.DefaultOptions()
	opts.Filter = ble.NameFilter{Name: cfg.Device.Name}
	opts.Session = ble.SessionOptions{
		ServiceUUID:        cfg.Device.ServiceUUID,
		CharacteristicUUID: cfg.Device.CharacteristicUUID,
		MTU:                cfg.Session.MTU,
		SettleDelay:        cfg.Session.SettleDelay,
	}
	opts.ReconnectDelay = cfg.ReconnectDelay
	opts.DisconnectTimeout = cfg.DisconnectTimeout

	switch cfg.Presence.Backend {
	case "dbus":
		notifier, err := presence.NewDBusNotifier("pixelble", cfg.Device.Name)
		if err != nil {
			log.Printf("Presence notifications unavailable, logging instead: %v", err)
			opts.Presence = presence.Log{}
			break
		}
		defer notifier.Close()
		go notifier.Run(ctx)
		opts.Presence = notifier
	case "log":
		opts.Presence = presence.Log{}
	}

	ctrl := link.NewController(adapter, opts)

	var logOut io.Writer = os.Stderr
	var shell *interactive.Shell
	if !*headless {
		shell, err = interactive.New(ctrl)
		if err != nil {
			log.Fatalf("shell: %v", err)
		}
		logOut = shell.Stdout()
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	ctrlDone := make(chan error, 1)
	go func() { ctrlDone <- ctrl.Run(ctx) }()

	if cfg.Server.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Server.Listen,
			Handler:           server.NewRouter(ctrl),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("[API] listening", "addr", cfg.Server.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("[API] server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
			defer stop()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()
	}

	if cfg.Device.Address != "" {
		if err := ctrl.Connect(cfg.Device.Address); err != nil {
			slog.Error("[LINK] startup connect", "address", cfg.Device.Address, "error", err)
		}
	}

	if shell != nil {
		shell.Run(ctx, cancel)
	} else {
		<-ctx.Done()
	}

	cancel()
	if err := <-ctrlDone; err != nil {
		slog.Error("[LINK] controller", "error", err)
	}
	fmt.Println("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, sim bool) {
	radio := "bluetooth"
	if sim {
		radio = "simulated"
	}
	listen := cfg.Server.Listen
	if listen == "" {
		listen = "disabled"
	}
	fmt.Println("=== pixelble ===")
	fmt.Printf("  Device:    %s\n", cfg.Device.Name)
	fmt.Printf("  Radio:     %s\n", radio)
	fmt.Printf("  MTU:       %d (settle %s)\n", cfg.Session.MTU, cfg.Session.SettleDelay)
	fmt.Printf("  Reconnect: every %s\n", cfg.ReconnectDelay)
	fmt.Printf("  API:       %s\n", listen)
	fmt.Printf("  Presence:  %s\n", cfg.Presence.Backend)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("================")
}
