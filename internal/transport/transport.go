// Package transport abstracts the delivery channel a connection pushes
// events over. The gateway only ever writes frames; reading is handled by
// whoever owns the underlying socket.
package transport

import "context"

// Transport is one outbound message channel, exclusively owned by a single
// connection. Send must respect ctx deadlines; Close must be safe to call
// more than once.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}
