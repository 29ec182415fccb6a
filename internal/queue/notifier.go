package queue

import (
	"context"
	"sync"
)

// Notifier wakes blocked deliverers when new work may be ready.
// Wait returns a channel that is closed on the next Notify.
type Notifier interface {
	Notify(ctx context.Context) error
	Wait() <-chan struct{}
}

// LocalNotifier broadcasts within one process.
type LocalNotifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{ch: make(chan struct{})}
}

func (n *LocalNotifier) Notify(context.Context) error {
	n.Broadcast()
	return nil
}

func (n *LocalNotifier) Broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}

func (n *LocalNotifier) Wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}
