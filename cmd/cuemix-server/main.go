package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/astromechza/cuemix/pkg/config"
	"github.com/astromechza/cuemix/pkg/console"
	"github.com/astromechza/cuemix/pkg/hub"
	"github.com/astromechza/cuemix/pkg/midibridge"
	"github.com/astromechza/cuemix/pkg/preset"
	"github.com/astromechza/cuemix/pkg/server"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "path to a yaml config file")
	addrVar := flag.String("addr", "", "the address to listen on, overrides the config file")
	dbVar := flag.String("db", "", "the preset storage path, overrides the config file")
	flag.Parse()

	cfg := config.Default()
	if *configVar != "" {
		c, err := config.Load(*configVar)
		if err != nil {
			return err
		}
		cfg = c
	}
	if *addrVar != "" {
		cfg.ListenAddr = *addrVar
	}
	if *dbVar != "" {
		cfg.Presets.Path = *dbVar
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, _ := cfg.Level()
	persistTimeout, _ := cfg.PersistTimeout()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("Opening preset store", "driver", cfg.Presets.Driver, "path", cfg.Presets.Path)
	presets, err := preset.Open(cfg.Presets.Driver, cfg.Presets.Path)
	if err != nil {
		return fmt.Errorf("failed to open preset store: %w", err)
	}
	defer presets.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initial, err := initialState(ctx, cfg, presets)
	if err != nil {
		return err
	}

	var observers []hub.Observer
	if cfg.MIDI.Enabled {
		defer midi.CloseDriver()
		if bridge, err := openBridge(cfg.MIDI.Port); err != nil {
			slog.Warn("midi disabled", "err", err)
		} else {
			bridge.StateReplaced(initial.Clone())
			observers = append(observers, bridge)
		}
	}

	h, err := hub.New(initial, presets, hub.Options{
		Mixes:          cfg.Console.Mixes,
		PersistTimeout: persistTimeout,
		OutboxSize:     cfg.OutboxSize,
		Observers:      observers,
	})
	if err != nil {
		return err
	}

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := h.Run(ctx); err != nil {
			slog.Error("hub failed", "err", err)
		}
	}()

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server.New(h).Handler()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	// stopping the hub closes every session outbox, which ends the websocket handlers
	cancel()
	_ = httpServer.Close()

	wg.Wait()
	return nil
}

// initialState restores the startup preset when one is configured and usable, and falls back to a fresh console.
func initialState(ctx context.Context, cfg config.Config, presets preset.Store) (console.State, error) {
	fresh, err := console.NewState(cfg.Console.Mixes, cfg.Console.Channels)
	if err != nil {
		return nil, err
	}
	if cfg.Console.StartupPreset == "" {
		return fresh, nil
	}
	restored, err := presets.Load(ctx, cfg.Console.StartupPreset)
	if errors.Is(err, preset.ErrNotFound) {
		slog.Info("startup preset not found", "name", cfg.Console.StartupPreset)
		return fresh, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load startup preset: %w", err)
	}
	if err := restored.Validate(); err != nil {
		slog.Warn("startup preset unusable", "name", cfg.Console.StartupPreset, "err", err)
		return fresh, nil
	}
	slog.Info("restored startup preset", "name", cfg.Console.StartupPreset, "mixes", len(restored), "channels", restored.ChannelCount())
	return restored, nil
}

// openBridge prefers a port matching name and falls back to the first output port.
func openBridge(name string) (*midibridge.Bridge, error) {
	port, err := midibridge.FindOutPort(name)
	if err != nil {
		slog.Warn("no matching midi port, using first", "port", name)
		if port, err = midibridge.FindOutPort(""); err != nil {
			return nil, err
		}
	}
	slog.Info("midi output", "port", port.String())
	return midibridge.Open(port)
}
