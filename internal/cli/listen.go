package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/trymwestin/eufyws/internal/core/protocol"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print server events as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListen(cmd.Context(), cmd.OutOrStdout())
	},
}

func runListen(parent context.Context, out io.Writer) error {
	cfg, log, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newClient(cfg.Server, log)

	enc := json.NewEncoder(out)
	c.Subscribe(func(evt protocol.Event) {
		if err := enc.Encode(evt); err != nil {
			log.Error("failed to write event", "error", err)
		}
	})

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect()

	if err := c.SetAPISchema(ctx); err != nil {
		return err
	}
	raw, err := c.SendCommand(ctx, protocol.CommandStartListening, nil)
	if err != nil {
		return err
	}

	var res protocol.ListeningResult
	if err := json.Unmarshal(raw, &res); err == nil {
		log.Info("listening for events",
			"stations", len(res.State.Stations),
			"devices", len(res.State.Devices),
			"driver_connected", res.State.Driver.Connected,
		)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		if err := c.Err(); err != nil {
			return fmt.Errorf("server connection lost: %w", err)
		}
		return nil
	}
}
