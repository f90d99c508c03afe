// Package notify provides an optional post-archival announcement
// fan-out, grounded on the teacher's
// backends/multicast_registry/backends/nats_messaging.go NATS adapter.
// It is never on the archival correctness path: a nil or failing
// Notifier cannot block or fail an archival.
package notify

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSNotifier announces "<registry.id>.archived" once a machine is
// durably moved to history.
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSNotifier connects to the first of the given NATS server URLs
// (nats.DefaultURL when none is given) and scopes announcements under
// registryID. Any further URLs are ignored.
func NewNATSNotifier(registryID string, servers []string) (*NATSNotifier, error) {
	if len(servers) == 0 {
		servers = []string{nats.DefaultURL}
	}

	conn, err := nats.Connect(servers[0], nats.MaxReconnects(10), nats.ReconnectWait(nats.DefaultReconnectWait))
	if err != nil {
		return nil, fmt.Errorf("notify: nats connect: %w", err)
	}

	return &NATSNotifier{conn: conn, prefix: registryID + ".archived"}, nil
}

// Announce publishes the archived machine id to the registry's
// archival subject and flushes before returning.
func (n *NATSNotifier) Announce(ctx context.Context, machineID string) error {
	if err := n.conn.Publish(n.prefix, []byte(machineID)); err != nil {
		return fmt.Errorf("notify: nats publish: %w", err)
	}
	return n.conn.FlushWithContext(ctx)
}

// Close closes the underlying connection without draining it.
func (n *NATSNotifier) Close() error {
	n.conn.Close()
	return nil
}
