package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/cuemix/pkg/client"
	"github.com/astromechza/cuemix/pkg/mirror"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:5050", "the server address")
	mixVar := flag.Int("mix", 0, "the mix this musician listens to")
	intervalVar := flag.Duration("interval", 2*time.Second, "the base time between edits")
	seedVar := flag.Int64("seed", time.Now().UnixNano(), "random seed for edits")
	debugVar := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *intervalVar <= 0 {
		return fmt.Errorf("-interval must be positive, got %s", *intervalVar)
	}

	level := slog.LevelInfo
	if *debugVar {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	c, err := client.New("http://"+*addrVar, client.DefaultRetryInterval)
	if err != nil {
		return err
	}
	m := c.Mirror()
	selectWhenLoaded(m, *mixVar)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := client.Wander(ctx, m, *seedVar, *intervalVar); err != nil {
			slog.Error("failed to start edits", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	// the mirror resets once the connection closes
	final := m.Channels()
	cancel()

	wg.Wait()

	for _, v := range final {
		fmt.Printf("%2d %-8s fader=%5.1f pan=%5.1f muted=%t\n", v.Index, v.Name, v.FaderValue, v.PanValue, v.IsMuted)
	}
	return nil
}

// selectWhenLoaded re-applies the chosen mix after every snapshot since a smaller console may reset the selection.
func selectWhenLoaded(m *mirror.Mirror, mix int) {
	m.OnChange(func() {
		if m.Loading() || m.SelectedMix() == mix {
			return
		}
		if err := m.SelectMix(mix); err != nil {
			slog.Warn("cannot select mix", "mix", mix, "err", err)
		}
	})
}
