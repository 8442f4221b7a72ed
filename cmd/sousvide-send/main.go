// Command sousvide-send is a manual test for the cooker link.
// It connects, waits for the first poll, sends one command and prints the
// resulting cooking state as JSON.
//
// Usage:
//
//	go run ./cmd/sousvide-send [--config path] [--command read_temp] [--value 60]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/sousvide-ble/internal/ble"
	"github.com/chaz8081/sousvide-ble/internal/ble/protocol"
	"github.com/chaz8081/sousvide-ble/internal/config"
	"github.com/chaz8081/sousvide-ble/internal/cooker"
	"github.com/chaz8081/sousvide-ble/internal/identity"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/sousvide-ble/config.yaml)")
	command := flag.String("command", string(protocol.ReadStatus), "command key: "+keyList())
	value := flag.String("value", "", "argument for set_target_temp (°C) or set_timer (minutes)")
	forget := flag.Bool("forget", false, "forget the stored device and scan again")
	flag.Parse()

	if err := run(*configPath, *command, *value, *forget); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, key, value string, forget bool) error {
	cmd, err := buildCommand(protocol.CommandKey(key), value)
	if err != nil {
		return err
	}

	cfg := config.Default()
	if configPath == "" {
		if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
			configPath = config.DefaultConfigPath()
		}
	}
	if configPath != "" {
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	store, err := identity.NewFileStore(cfg.Identity.Path, cfg.Identity.KeyPath)
	if err != nil {
		return err
	}
	if forget {
		if err := store.Delete(ble.DeviceIDKey); err != nil {
			return err
		}
	}

	opts := cfg.SyncOptions()
	opts.PollInterval = time.Hour // one poll on attach is enough here
	opts.AwaitReply = true
	syncer := cooker.New(opts)

	mgr, err := ble.NewManager(ble.NewRadioAdapter(), store, syncer, cfg.ManagerOptions())
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Connecting to %q...\n", cfg.Device.NameFilter)
	if err := mgr.Connect(ctx); err != nil {
		return err
	}

	// Let the initial poll settle so the command is not interleaved with it.
	waitCtx, cancel := context.WithTimeout(ctx, 4*cfg.Sync.CommandTimeout)
	defer cancel()
	waitSynced(waitCtx, syncer)

	fmt.Printf("Sending %q\n", cmd.String())
	start := time.Now()
	if err := syncer.Send(ctx, cmd); err != nil {
		return err
	}
	fmt.Printf("Reply applied in %s\n", time.Since(start).Round(time.Millisecond))

	out, err := json.MarshalIndent(syncer.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func buildCommand(key protocol.CommandKey, value string) (protocol.Command, error) {
	switch key {
	case protocol.SetTargetTemperature:
		celsius, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return protocol.Command{}, fmt.Errorf("--value must be a temperature for %s", key)
		}
		return protocol.SetTargetTemperatureCommand(celsius), nil
	case protocol.SetTimer:
		minutes, err := strconv.Atoi(value)
		if err != nil {
			return protocol.Command{}, fmt.Errorf("--value must be whole minutes for %s", key)
		}
		return protocol.SetTimerCommand(minutes), nil
	default:
		return protocol.NewCommand(key)
	}
}

func waitSynced(ctx context.Context, syncer *cooker.Synchronizer) {
	for !syncer.Snapshot().Synced() {
		select {
		case <-ctx.Done():
			return
		case <-syncer.Updates():
		}
	}
}

func keyList() string {
	keys := protocol.Keys()
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}
