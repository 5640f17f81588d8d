package notifier

import (
	"context"

	"onpatrol/internal/event"
)

// Kind tags the payload of an Item.
type Kind uint8

const (
	KindEvent Kind = iota + 1
	KindDelivery
	KindStop
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindDelivery:
		return "delivery"
	case KindStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Item is the only value carried by pipeline queues. Exactly one payload is
// set, selected by Kind; a stop Item carries none.
type Item struct {
	Kind     Kind
	Event    event.Event
	Delivery *DeliveryMessage
}

func EventItem(ev event.Event) Item { return Item{Kind: KindEvent, Event: ev} }

func DeliveryItem(m *DeliveryMessage) Item { return Item{Kind: KindDelivery, Delivery: m} }

func StopItem() Item { return Item{Kind: KindStop} }

func (it Item) IsStop() bool { return it.Kind == KindStop }

// Push blocks until q accepts it or ctx ends.
func Push(ctx context.Context, q chan<- Item, it Item) error {
	select {
	case q <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forward pushes one stop Item to each queue in outs.
func Forward(ctx context.Context, outs ...chan<- Item) error {
	for _, q := range outs {
		if q == nil {
			continue
		}
		if err := Push(ctx, q, StopItem()); err != nil {
			return err
		}
	}
	return nil
}
