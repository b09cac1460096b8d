package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trymwestin/eufyws/internal/core/client"
)

var serverVersionCmd = &cobra.Command{
	Use:   "server-version",
	Short: "Print the version greeting of the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServerVersion(cmd.Context(), cmd.OutOrStdout())
	},
}

var commandCmd = &cobra.Command{
	Use:   "command NAME [key=value ...]",
	Short: "Send a single command and print its result",
	Long: `Send a single command and print the JSON result.

Values that parse as JSON are sent as such (numbers, booleans, objects);
anything else is sent as a string:

  eufyd command station.set_guard_mode serialNumber=T8010N 'mode=1'
  eufyd command device.get_properties serialNumber=T8113N`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmdArgs, err := parseArgs(args[1:])
		if err != nil {
			return err
		}
		return runCommand(cmd.Context(), cmd.OutOrStdout(), args[0], cmdArgs)
	},
}

func runCommand(ctx context.Context, out io.Writer, name string, args map[string]any) error {
	cfg, log, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	c := newClient(cfg.Server, log)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect()

	if err := c.SetAPISchema(ctx); err != nil {
		return err
	}
	result, err := c.SendCommand(ctx, name, args)
	if err != nil {
		return err
	}
	return writeIndented(out, result)
}

func runServerVersion(ctx context.Context, out io.Writer) error {
	cfg, log, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	v, err := client.ServerVersion(ctx, cfg.Server.URL, newDialer(cfg.Server, log))
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeIndented(out, data)
}

// parseArgs turns key=value pairs into command arguments.
func parseArgs(pairs []string) (map[string]any, error) {
	args := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument %q: want key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		args[key] = v
	}
	return args, nil
}

func writeIndented(out io.Writer, data []byte) error {
	if len(data) == 0 {
		_, err := fmt.Fprintln(out, "null")
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		buf.Reset()
		buf.Write(data)
	}
	buf.WriteByte('\n')
	_, err := out.Write(buf.Bytes())
	return err
}
