package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xrin1/flippening/internal/domain"
)

// Bus channel and stream names for wager events.
const (
	EventsChannel = "flippening:events"
	EventsStream  = "flippening:events:log"
)

// EventMessage is the JSON wire form of domain.Event. Amounts are decimal
// strings of base units.
type EventMessage struct {
	Kind                 string    `json:"kind"`
	WagerID              uint64    `json:"wager_id"`
	Creator              string    `json:"creator,omitempty"`
	Guesser              string    `json:"guesser,omitempty"`
	Asset                string    `json:"asset,omitempty"`
	Amount               string    `json:"amount,omitempty"`
	RawChoice            string    `json:"raw_choice,omitempty"`
	NormalizedChoice     *bool     `json:"normalized_choice,omitempty"`
	CreatorRetainedStake *bool     `json:"creator_retained_stake,omitempty"`
	Error                string    `json:"error,omitempty"`
	At                   time.Time `json:"at"`
}

// NewEventMessage converts ev to its wire form.
func NewEventMessage(ev domain.Event) EventMessage {
	msg := EventMessage{
		Kind:    string(ev.Kind),
		WagerID: ev.WagerID,
		Error:   ev.Error,
		At:      ev.At,
	}
	var zero common.Address
	if ev.Creator != zero {
		msg.Creator = ev.Creator.Hex()
	}
	if ev.Guesser != zero {
		msg.Guesser = ev.Guesser.Hex()
	}
	if ev.Asset != zero {
		msg.Asset = ev.Asset.Hex()
	}
	if ev.Amount != nil {
		msg.Amount = ev.Amount.String()
	}
	switch ev.Kind {
	case domain.EventGuess:
		msg.RawChoice = ev.RawChoice
		v := ev.NormalizedChoice
		msg.NormalizedChoice = &v
	case domain.EventSettled:
		v := ev.CreatorRetainedStake
		msg.CreatorRetainedStake = &v
	}
	return msg
}

// Detail flattens the message for the audit log.
func (m EventMessage) Detail() map[string]any {
	b, _ := json.Marshal(m)
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}

// Notifier is the subset of notify.Notifier used for events.
type Notifier interface {
	Notify(ctx context.Context, event, title, body string) error
}

// EventPublisher fans lifecycle events out to the audit log, the signal bus
// (live channel plus durable stream) and the operator notifier. Delivery is
// best effort: the transition has already committed.
type EventPublisher struct {
	audit    domain.AuditStore
	bus      domain.SignalBus
	notifier Notifier
	logger   *slog.Logger
}

// NewEventPublisher creates an EventPublisher. Any collaborator may be nil.
func NewEventPublisher(audit domain.AuditStore, bus domain.SignalBus, notifier Notifier, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		audit:    audit,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "events")),
	}
}

// Emit implements domain.EventSink.
func (p *EventPublisher) Emit(ctx context.Context, ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	msg := NewEventMessage(ev)

	if p.audit != nil {
		if err := p.audit.Log(ctx, "wager."+strings.ToLower(msg.Kind), msg.Detail()); err != nil {
			p.logger.WarnContext(ctx, "audit log failed",
				slog.String("kind", msg.Kind),
				slog.Uint64("wager_id", msg.WagerID),
				slog.String("error", err.Error()),
			)
		}
	}

	if p.bus != nil {
		payload, err := json.Marshal(msg)
		if err == nil {
			if err := p.bus.Publish(ctx, EventsChannel, payload); err != nil {
				p.logger.WarnContext(ctx, "event publish failed", slog.String("error", err.Error()))
			}
			if err := p.bus.StreamAppend(ctx, EventsStream, payload); err != nil {
				p.logger.WarnContext(ctx, "event stream append failed", slog.String("error", err.Error()))
			}
		}
	}

	if p.notifier != nil {
		if name, title, body := notification(ev); name != "" {
			if err := p.notifier.Notify(ctx, name, title, body); err != nil {
				p.logger.WarnContext(ctx, "notify failed", slog.String("event", name), slog.String("error", err.Error()))
			}
		}
	}

	p.logger.DebugContext(ctx, "event emitted",
		slog.String("kind", msg.Kind),
		slog.Uint64("wager_id", msg.WagerID),
	)
}

func notification(ev domain.Event) (name, title, body string) {
	id := u64(ev.WagerID)
	switch ev.Kind {
	case domain.EventSettled:
		winner := "guesser"
		if ev.CreatorRetainedStake {
			winner = "creator"
		}
		return "settled", "Wager " + id + " settled", winner + " wins"
	case domain.EventLiquidity:
		if ev.Error != "" {
			return "liquidity_failed", "Fee processing failed", "wager " + id + ": " + ev.Error
		}
		return "liquidity_provided", "Liquidity provided", "wager " + id + " fee added to pool (" + amount(ev.Amount) + " LP)"
	}
	return "", "", ""
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
