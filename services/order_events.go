package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	pubnub "github.com/pubnub/go/v7"

	"capacity-system/config"
)

// orderEvent is the payload published by the order pipeline when an
// order settles or unwinds.
type orderEvent struct {
	Event    string `json:"event"`
	OrderID  string `json:"orderId"`
	PlanType string `json:"planType"`
	UserID   string `json:"userId"`
	EntryID  string `json:"entryId"`
}

const (
	eventOrderCompleted = "order_completed"
	eventOrderRefunded  = "order_refunded"
)

// OrderEventsListener subscribes to the order pipeline channel and feeds
// settlement events back into capacity and queue state: a completed
// order converts its queue entry, a refunded one releases its weight.
type OrderEventsListener struct {
	capacity *CapacityService
	queue    *QueueService

	pn       *pubnub.PubNub
	listener *pubnub.Listener
	channel  string
}

func NewOrderEventsListener(capacity *CapacityService, queue *QueueService, cfg *config.Config) (*OrderEventsListener, error) {
	if cfg.OrderEventsSubKey == "" {
		return nil, fmt.Errorf("order events subscribe key is not configured")
	}

	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.OrderEventsUUID))
	pnCfg.SubscribeKey = cfg.OrderEventsSubKey

	l := &OrderEventsListener{
		capacity: capacity,
		queue:    queue,
		pn:       pubnub.NewPubNub(pnCfg),
		listener: pubnub.NewListener(),
		channel:  cfg.OrderEventsChannel,
	}
	l.pn.AddListener(l.listener)

	return l, nil
}

// Start subscribes and processes events until the context ends.
func (l *OrderEventsListener) Start(ctx context.Context) {
	l.pn.Subscribe().Channels([]string{l.channel}).Execute()

	go l.processSubscription(ctx)
}

func (l *OrderEventsListener) Stop() {
	l.pn.Unsubscribe().Channels([]string{l.channel}).Execute()
}

func (l *OrderEventsListener) processSubscription(ctx context.Context) {
	for {
		select {
		case st := <-l.listener.Status:
			switch st.Category {
			case pubnub.PNConnectedCategory:
				log.Println("connected to order events channel")

			case pubnub.PNReconnectedCategory:
				log.Println("reconnected to order events channel")

			case pubnub.PNDisconnectedCategory:
				log.Println("disconnected from order events channel")

			case pubnub.PNAccessDeniedCategory:
				log.Println("access denied on order events channel")

			case pubnub.PNTimeoutCategory:
				log.Println("timeout on order events channel")

			default:
				log.Printf("order events status: %v", st.Category)
			}

		case message := <-l.listener.Message:
			raw, ok := message.Message.(string)
			if !ok {
				data, err := json.Marshal(message.Message)
				if err != nil {
					log.Printf("order event with unusable payload: %v", err)
					continue
				}
				raw = string(data)
			}

			var event orderEvent
			dec := json.NewDecoder(strings.NewReader(raw))
			if err := dec.Decode(&event); err != nil {
				log.Printf("order event decode failed: %v", err)
				continue
			}

			l.handle(ctx, event)

		case <-ctx.Done():
			log.Println("order events listener stopping")
			l.Stop()
			return
		}
	}
}

func (l *OrderEventsListener) handle(ctx context.Context, event orderEvent) {
	switch event.Event {
	case eventOrderCompleted:
		if event.EntryID == "" {
			return
		}
		if _, err := l.queue.MarkConverted(ctx, event.EntryID); err != nil {
			log.Printf("convert queue entry %s failed: %v", event.EntryID, err)
			return
		}
		log.Printf("queue entry %s converted by order %s", event.EntryID, event.OrderID)

	case eventOrderRefunded:
		if event.OrderID == "" || event.PlanType == "" {
			return
		}
		if _, err := l.capacity.Release(ctx, event.PlanType, event.OrderID, "", "order refunded"); err != nil {
			log.Printf("release for refunded order %s failed: %v", event.OrderID, err)
			return
		}
		log.Printf("capacity released for refunded order %s", event.OrderID)

	default:
		log.Printf("ignoring unknown order event %q", event.Event)
	}
}
