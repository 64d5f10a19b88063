// Command bss2kd emulates bss2k cards and serves each one on a socket.
//
// The cards have no instruction set. A device's cpu setting picks between an
// idle CPU, which runs until it is reset, and a halt CPU, which stops as soon
// as it is started. Under bss2k-run the first times out and reports FAIL and
// the second reports PASS, so only the harness plumbing is exercised.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/c35s/bss2k/dma"
	"github.com/c35s/bss2k/driver"
	"github.com/c35s/bss2k/hw"
	"github.com/c35s/bss2k/remote"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "/etc/bss2kd.yaml", "read configuration from this file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.level()})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("bss2kd", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	topo, err := buildTopology(cfg.Topology)
	if err != nil {
		return err
	}

	bus := &dma.Allocator{Limit: cfg.MemoryLimit}

	if err := driver.Register(); err != nil {
		return err
	}

	var cards []*hw.Card

	defer func() {
		driver.Unregister()

		for _, c := range cards {
			c.Close()
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	// stop the servers started so far if setup fails
	fail := func(err error) error {
		cancel()
		g.Wait()
		return err
	}

	for _, dc := range cfg.Devices {
		card, err := hw.New(hw.Config{
			Name:         dc.Name,
			Bus:          bus,
			Topology:     topo,
			TextModeAddr: dc.TextModeAddr,
			Refresh:      cfg.Refresh.Duration(),
			CPU:          dc.cpu(),
		})

		if err != nil {
			return fail(fmt.Errorf("card %s: %w", dc.Name, err))
		}

		cards = append(cards, card)

		dev, err := driver.Probe(card, driver.Config{
			Alloc:    bus,
			Topology: topo,
		})

		if err != nil {
			return fail(fmt.Errorf("probe %s: %w", dc.Name, err))
		}

		l, err := remote.Listen(dc.Listen)
		if err != nil {
			return fail(fmt.Errorf("listen %s: %w", dc.Listen, err))
		}

		srv := &remote.Server{
			Device: dev.Name(),
			Logger: slog.With("dev", dev.Name()),
		}

		slog.Info("serving", "dev", dev.Name(), "card", dc.Name, "addr", dc.Listen)

		g.Go(func() error {
			return srv.Serve(ctx, l)
		})
	}

	return g.Wait()
}

func buildTopology(roots []RootConfig) (*dma.Topology, error) {
	if len(roots) == 0 {
		return nil, nil
	}

	topo := dma.NewTopology()

	for _, rc := range roots {
		topo.AddRoot(rc.Root, rc.P2P)

		for _, dev := range rc.Devices {
			if err := topo.Attach(dev, rc.Root); err != nil {
				return nil, err
			}
		}
	}

	return topo, nil
}
