package monitor

import (
	"context"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/events"
)

// MessageProcessor consumes the sharing messages of a user.
// *fs.UserFS implements it.
type MessageProcessor interface {
	ProcessLastMessages(ctx context.Context) (int, error)
}

// Messages processes incoming sharing messages: once at start, on every
// backend notification and after each reconnection.
type Messages struct {
	user    MessageProcessor
	bus     *events.Bus
	backoff Backoff
}

// NewMessages returns a message monitor.
func NewMessages(user MessageProcessor, bus *events.Bus, backoff Backoff) *Messages {
	return &Messages{user: user, bus: bus, backoff: backoff}
}

func (m *Messages) Name() string { return "messages" }

// Run processes messages until ctx is cancelled.
func (m *Messages) Run(ctx context.Context) error {
	sub := m.bus.Subscribe(events.BackendMessageReceived, events.ConnectionStateChanged)
	defer sub.Close()

	wake := newTrigger()
	wake.fire()
	b := m.backoff.generator()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			if e.Type == events.BackendMessageReceived || becameReady(e) {
				wake.fire()
			}
		case <-wake:
			n, err := m.user.ProcessLastMessages(ctx)
			if n > 0 {
				logger.Info("Processed %d sharing message(s)", n)
			}
			if err == nil {
				b = m.backoff.generator()
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if !retryable(err) {
				logger.Error("Message processing stopped: %v", err)
				continue
			}
			delay, _ := b.Next()
			logger.Debug("Message processing retries in %s: %v", delay, err)
			if !sleep(ctx, delay) {
				return nil
			}
			wake.fire()
		}
	}
}
