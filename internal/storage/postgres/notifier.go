package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joshu-sajeev/parsemd/internal/queue"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// DefaultNotifyChannel is the LISTEN/NOTIFY channel used for queue wake-ups.
const DefaultNotifyChannel = "parsemd_queue"

// PGNotifier carries queue wake-ups between processes over LISTEN/NOTIFY.
type PGNotifier struct {
	db       *gorm.DB
	channel  string
	listener *pq.Listener
	local    *queue.LocalNotifier
	logger   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

var _ queue.Notifier = (*PGNotifier)(nil)

func NewPGNotifier(db *gorm.DB, dsn, channel string, logger *slog.Logger) (*PGNotifier, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("subsystem", "notifier", "channel", channel)

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("listener event", "event", ev, "error", err)
		}
	})
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	n := &PGNotifier{
		db:       db,
		channel:  channel,
		listener: listener,
		local:    queue.NewLocalNotifier(),
		logger:   logger,
		done:     make(chan struct{}),
	}
	go n.loop()
	return n, nil
}

func (n *PGNotifier) loop() {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-n.done:
			return
		case _, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			// A nil notification follows a reconnect; wake anyway since
			// signals may have been missed.
			n.local.Broadcast()
		case <-ping.C:
			if err := n.listener.Ping(); err != nil {
				n.logger.Warn("listener ping failed", "error", err)
			}
		}
	}
}

func (n *PGNotifier) Notify(ctx context.Context) error {
	if err := n.db.WithContext(ctx).Exec("SELECT pg_notify(?, '')", n.channel).Error; err != nil {
		return fmt.Errorf("notify %s: %w", n.channel, err)
	}
	return nil
}

func (n *PGNotifier) Wait() <-chan struct{} {
	return n.local.Wait()
}

func (n *PGNotifier) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		err = n.listener.Close()
	})
	return err
}
