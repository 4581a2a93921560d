package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"
)

// PGListener bridges Postgres LISTEN/NOTIFY into the bus. The blocks table
// trigger is the only thing that ever NOTIFYs, so every payload is the hash
// of a freshly committed block.
type PGListener struct {
	listener *pq.Listener
	bus      *Bus
	logger   *slog.Logger
}

const (
	listenMinReconnect = time.Second
	listenMaxReconnect = 30 * time.Second
	listenPingInterval = 90 * time.Second
)

func NewPGListener(dsn string, bus *Bus, logger *slog.Logger) *PGListener {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "pg-listener")
	l := pq.NewListener(dsn, listenMinReconnect, listenMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventConnected:
				log.Info("listen connection established")
			case pq.ListenerEventReconnected:
				log.Info("listen connection re-established")
			case pq.ListenerEventDisconnected:
				log.Warn("listen connection lost", "error", err)
			case pq.ListenerEventConnectionAttemptFailed:
				log.Warn("listen reconnect attempt failed", "error", err)
			}
		})
	return &PGListener{listener: l, bus: bus, logger: log}
}

// Run blocks until ctx ends, forwarding notification payloads to the bus.
// A nil notification marks a reconnect; missed blocks during the gap are
// caught up by federation pulls, not replayed here.
func (l *PGListener) Run(ctx context.Context) error {
	if err := l.listener.Listen(store.NotifyChannel); err != nil {
		return fmt.Errorf("listen on %s: %w", store.NotifyChannel, err)
	}
	l.logger.Info("listening for new blocks", "channel", store.NotifyChannel)

	ping := time.NewTicker(listenPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return l.listener.Close()
		case n := <-l.listener.Notify:
			if n == nil {
				continue
			}
			l.bus.Publish(n.Extra)
		case <-ping.C:
			go func() {
				if err := l.listener.Ping(); err != nil {
					l.logger.Warn("listen ping failed", "error", err)
				}
			}()
		}
	}
}
