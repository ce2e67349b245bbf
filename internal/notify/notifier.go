// Package notify delivers operator alerts (settlements, liquidity failures)
// to chat webhooks. Alerts are queued and sent from a background loop so a
// slow webhook never delays a wager operation.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrQueueFull is returned when the alert queue cannot accept more messages.
var ErrQueueFull = errors.New("notify: queue full")

// Message is one alert.
type Message struct {
	Event string
	Title string
	Body  string
}

// Sender delivers a message to one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier filters alerts by event name and dispatches them to every sender.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	queue   chan Message
	timeout time.Duration
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Only events listed in events are
// forwarded; an empty list forwards everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan Message, 64),
		timeout: 15 * time.Second,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify queues an alert for event. Filtered events and notifiers without
// senders return nil.
func (n *Notifier) Notify(ctx context.Context, event, title, body string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	select {
	case n.queue <- Message{Event: event, Title: title, Body: body}:
		return nil
	default:
		n.logger.WarnContext(ctx, "notification dropped", slog.String("event", event))
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-n.queue:
			sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
			if err := n.Dispatch(sendCtx, msg); err != nil {
				n.logger.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

// Dispatch sends msg synchronously to every sender. One failing sender does
// not stop the others.
func (n *Notifier) Dispatch(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("event", msg.Event),
		)
	}
	return errors.Join(errs...)
}
