package wager

import (
	"strconv"

	"wagerchain/core/types"
)

const (
	EventTypeWagerOpened    = "wager.opened"
	EventTypeWagerJoined    = "wager.joined"
	EventTypeWagerResolved  = "wager.resolved"
	EventTypeWagerCancelled = "wager.cancelled"
)

type wagerEvent struct {
	evt *types.Event
}

func (e wagerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e wagerEvent) Event() *types.Event { return e.evt }

// NewOpenedEvent returns the canonical event payload for a newly opened wager.
func NewOpenedEvent(w *Wager) *types.Event {
	return newWagerEvent(EventTypeWagerOpened, w, nil)
}

// NewJoinedEvent returns the canonical event payload emitted when the
// counterparty locks their stake.
func NewJoinedEvent(w *Wager) *types.Event {
	return newWagerEvent(EventTypeWagerJoined, w, nil)
}

// NewResolvedEvent returns the payload for a resolution. payout is the pot
// credited to the winner.
func NewResolvedEvent(w *Wager, payout uint64) *types.Event {
	return newWagerEvent(EventTypeWagerResolved, w, map[string]string{
		"payout": strconv.FormatUint(payout, 10),
	})
}

// NewCancelledEvent returns the payload for a cancellation with the amount
// refunded to each participant.
func NewCancelledEvent(w *Wager, initiatorRefund, counterpartyRefund uint64) *types.Event {
	return newWagerEvent(EventTypeWagerCancelled, w, map[string]string{
		"initiatorRefund":    strconv.FormatUint(initiatorRefund, 10),
		"counterpartyRefund": strconv.FormatUint(counterpartyRefund, 10),
	})
}

func newWagerEvent(eventType string, w *Wager, extra map[string]string) *types.Event {
	attrs := make(map[string]string)
	if w == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = w.ID
	attrs["initiator"] = w.Initiator.String()
	attrs["arbiter"] = w.Arbiter.String()
	attrs["stake"] = strconv.FormatUint(w.Stake, 10)
	attrs["pot"] = strconv.FormatUint(w.Pot, 10)
	attrs["status"] = w.Status.String()
	if !w.Counterparty.IsZero() {
		attrs["counterparty"] = w.Counterparty.String()
	}
	if winner, ok := w.Status.Winner(); ok {
		attrs["winner"] = winner.String()
	}
	if w.Deposit > 0 {
		attrs["deposit"] = strconv.FormatUint(w.Deposit, 10)
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
