// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package eventbus

import "context"

// Logger is the narrow logging surface this package depends on,
// satisfied by internal/logging.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Forward runs the bus's single permitted subscriber: it drains events
// until ctx is canceled, writing each one through log. External log
// collectors that want these events subscribe to log's output, not to
// the bus.
func Forward(ctx context.Context, b *Bus, log Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.Events():
			log.Info("audit event", "kind", e.Kind.String(), "reactor_id", e.ReactorID, "detail", e.Detail)
			if b.Dropped() {
				log.Warn("audit bus dropped events", "capacity_exceeded", true)
			}
		}
	}
}
