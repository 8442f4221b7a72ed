package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/chaz8081/sousvide-ble/internal/ble"
	"github.com/chaz8081/sousvide-ble/internal/config"
	"github.com/chaz8081/sousvide-ble/internal/cooker"
	"github.com/chaz8081/sousvide-ble/internal/identity"
	"github.com/chaz8081/sousvide-ble/internal/metrics"
	"github.com/chaz8081/sousvide-ble/internal/publish"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/sousvide-ble/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Println("Config file already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote default config to", path)
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

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	store, err := identity.NewFileStore(cfg.Identity.Path, cfg.Identity.KeyPath)
	if err != nil {
		log.Fatalf("Failed to open identity store: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewBuildInfoCollector())
	m := metrics.New(reg)

	syncOpts := cfg.SyncOptions()
	syncOpts.Observer = m
	syncer := cooker.New(syncOpts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pub *publish.StatePublisher
	if cfg.MQTT.Broker != "" {
		client, err := publish.DialMQTT(publish.MQTTOptions{
			Broker:    cfg.MQTT.Broker,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			WillTopic: publish.AvailabilityTopic(cfg.MQTT.Topic),
		})
		if err != nil {
			log.Fatalf("Failed to connect to MQTT broker: %v", err)
		}
		defer client.Close()

		pub = publish.NewStatePublisher(client, cfg.MQTT.Topic)
		if err := pub.Online(); err != nil {
			slog.Warn("[MQTT] publish availability", "error", err)
		}
		if cfg.MQTT.CommandTopic != "" {
			if err := publish.HandleCommands(ctx, client, cfg.MQTT.CommandTopic, syncer, 3*cfg.Sync.CommandTimeout+time.Second); err != nil {
				log.Fatalf("Failed to subscribe to %s: %v", cfg.MQTT.CommandTopic, err)
			}
		}
	}

	mgrOpts := cfg.ManagerOptions()
	mgrOpts.OnStateChange = func(s ble.State) {
		syncer.ObserveConnection(s)
		m.ConnectionState(s)
		if pub != nil {
			if err := pub.PublishConnection(s); err != nil {
				slog.Warn("[MQTT] publish connection state", "error", err)
			}
		}
	}
	mgr, err := ble.NewManager(ble.NewRadioAdapter(), store, syncer, mgrOpts)
	if err != nil {
		log.Fatalf("Failed to create connection manager: %v", err)
	}

	if cfg.Metrics.Listen != "" {
		srv := newMetricsServer(cfg.Metrics.Listen, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		slog.Info("Metrics listening", "addr", cfg.Metrics.Listen)
	}

	updates := syncer.Updates()
	if pub != nil {
		go pub.Run(ctx, updates)
	} else {
		go logUpdates(ctx, updates)
	}

	if err := mgr.Connect(ctx); err != nil {
		slog.Error("Not connected, send SIGHUP to retry", "error", err)
	}

	// SIGHUP retries after a connection error.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	slog.Info("Ready! Ctrl+C to quit.")
	for {
		select {
		case <-hupCh:
			slog.Info("Retrying connection...")
			if err := mgr.Retry(ctx); err != nil {
				slog.Error("Retry failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("Shutting down...")
			if err := mgr.Close(); err != nil {
				slog.Warn("disconnect", "error", err)
			}
			slog.Info("Goodbye!")
			return
		}
	}
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

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// logUpdates logs each complete snapshot when no MQTT broker consumes them.
func logUpdates(ctx context.Context, updates <-chan cooker.CookingState) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-updates:
			if !st.Synced() {
				continue
			}
			display, _ := cooker.DisplayCookingTime(st.Timer)
			slog.Info("[SYNC] state",
				"status", st.Status,
				"temperature", st.Temperature,
				"target", st.TargetTemperature,
				"timer", display)
		}
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	mqtt := "disabled"
	if cfg.MQTT.Broker != "" {
		mqtt = cfg.MQTT.Broker + " (topic " + cfg.MQTT.Topic + ")"
	}
	metricsAddr := "disabled"
	if cfg.Metrics.Listen != "" {
		metricsAddr = cfg.Metrics.Listen
	}

	fmt.Println("=== sousvide-ble ===")
	fmt.Printf("  Device:   %q (service %s, char %s, %s)\n", cfg.Device.NameFilter, cfg.Device.ServiceUUID, cfg.Device.CharacteristicUUID, cfg.Device.Encoding)
	fmt.Printf("  Poll:     every %s, timeout %s, await reply %v\n", cfg.Sync.PollInterval, cfg.Sync.CommandTimeout, cfg.Sync.AwaitReply)
	fmt.Printf("  Reconnect: %v\n", cfg.Connection.Reconnect)
	fmt.Printf("  Metrics:  %s\n", metricsAddr)
	fmt.Printf("  MQTT:     %s\n", mqtt)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("====================")
}
