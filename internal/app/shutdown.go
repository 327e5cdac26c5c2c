package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RelayCloser stops the shared sources once no session uses them.
type RelayCloser interface {
	CloseAll()
}

// ShutdownCoordinator drains the sessions and then the relays, exactly once.
type ShutdownCoordinator struct {
	manager *SessionManager
	relays  RelayCloser
	timeout time.Duration

	once sync.Once
	err  error
}

func NewShutdownCoordinator(manager *SessionManager, relays RelayCloser, timeout time.Duration) *ShutdownCoordinator {
	return &ShutdownCoordinator{manager: manager, relays: relays, timeout: timeout}
}

// Shutdown returns the teardown error of the first call to every caller.
func (c *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		start := time.Now()
		if c.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		c.err = c.manager.CloseAll(ctx)
		if c.relays != nil {
			c.relays.CloseAll()
		}
		ev := log.Info()
		if c.err != nil {
			ev = log.Warn().Err(c.err)
		}
		ev.Str("module", "app.shutdown").Dur("took", time.Since(start)).Msg("shutdown complete")
	})
	return c.err
}
