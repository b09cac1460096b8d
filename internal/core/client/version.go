package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trymwestin/eufyws/internal/core/protocol"
	"github.com/trymwestin/eufyws/internal/core/transport"
)

// ServerVersion connects to uri, reads the server's version greeting and
// closes the connection again. A nil dialer uses the default WebSocket dialer.
func ServerVersion(ctx context.Context, uri string, dialer transport.Dialer) (protocol.Version, error) {
	if dialer == nil {
		dialer = transport.NewWSDialer(slog.Default())
	}

	conn, err := dialer.Dial(ctx, uri)
	if err != nil {
		return protocol.Version{}, fmt.Errorf("%w: %w", ErrCannotConnect, err)
	}
	defer conn.Close()

	return readVersion(ctx, conn)
}
