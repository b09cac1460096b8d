package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/trymwestin/eufyws/internal/core/driver"
	"github.com/trymwestin/eufyws/internal/core/state"
	"github.com/trymwestin/eufyws/internal/httpapi"
	"github.com/trymwestin/eufyws/internal/journal"
	"github.com/trymwestin/eufyws/internal/mqtt"
	"github.com/trymwestin/eufyws/internal/tracer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the server and run the MQTT bridge, HTTP API and journal",
	Long: `Connect to the eufy-security-ws server, start listening and keep the
configured outputs in sync until interrupted. The process exits when the
server connection drops; restart it with your service manager.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	cfg, log, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	bus := state.NewEventBus(log)
	store := state.NewStore(bus, log)

	var events httpapi.EventLister
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, log)
		if err != nil {
			return err
		}
		defer j.Close()

		ch, unsub := bus.Subscribe(256)
		defer unsub()
		go j.Run(ctx, ch, cfg.Journal.Keep)
		events = j
		log.Info("event journal enabled", "path", cfg.Journal.Path, "keep", cfg.Journal.Keep)
	}

	c := newClient(cfg.Server, log)

	var pub mqtt.Publisher = mqtt.NewStubPublisher(log)
	if cfg.MQTT.Enabled {
		pub = mqtt.NewBridge(cfg.MQTT, c, store, bus, log)
	}
	if err := pub.Start(ctx); err != nil {
		return err
	}
	defer pub.Stop(context.Background())

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect()

	drv := driver.New(c, store, bus, log)
	if err := drv.Start(ctx); err != nil {
		return err
	}
	defer drv.Stop()

	httpErr := make(chan error, 1)
	if cfg.HTTP.Enabled {
		srv := httpapi.NewServer(cfg.HTTP, c, store, events, log)
		go func() { httpErr <- srv.Start(ctx) }()
	}

	log.Info("eufyd running", "url", cfg.Server.URL, "version", version)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		return nil
	case <-c.Done():
		if err := c.Err(); err != nil {
			return fmt.Errorf("server connection lost: %w", err)
		}
		return errors.New("server connection closed")
	case err := <-httpErr:
		if err != nil {
			return err
		}
		return nil
	}
}
