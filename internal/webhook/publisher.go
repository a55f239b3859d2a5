package webhook

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/internal/store"
)

// Publisher persists one pending delivery per interested subscription and
// nudges the delivery workers. It never blocks the caller: persistence is a
// single insert and the nudge is a non-blocking channel send.
type Publisher struct {
	store store.Store
	subs  []model.WebhookSubscription
	log   *zap.Logger
	nudge chan struct{}
}

// NewPublisher creates a publisher over the configured subscriptions.
func NewPublisher(st store.Store, subs []model.WebhookSubscription) *Publisher {
	return &Publisher{
		store: st,
		subs:  subs,
		log:   zap.L().With(zap.String("component", "webhook.publisher")),
		nudge: make(chan struct{}, 1),
	}
}

// NudgeCh exposes the wake channel the delivery workers select on.
func (p *Publisher) NudgeCh() <-chan struct{} {
	return p.nudge
}

// Publish fans the event out to every active subscription that wants its
// type. Failures are logged, not returned: event delivery must never stall
// the dispatcher.
func (p *Publisher) Publish(ctx context.Context, ev model.Event) {
	if len(p.subs) == 0 {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("marshal event", zap.String("event_type", string(ev.Type)), zap.Error(err))
		return
	}

	jobRef := ev.ItemRef
	if jobRef == "" {
		jobRef = ev.RunID
	}

	var entries []model.DeliveryLogEntry
	for _, sub := range p.subs {
		if !sub.Wants(ev.Type) {
			continue
		}
		entries = append(entries, model.DeliveryLogEntry{
			SubscriptionID: sub.ID,
			EventType:      ev.Type,
			JobRef:         jobRef,
			Payload:        payload,
		})
	}
	if len(entries) == 0 {
		return
	}

	if err := p.store.CreateDeliveries(ctx, entries); err != nil {
		p.log.Error("persist deliveries",
			zap.String("event_type", string(ev.Type)),
			zap.Int("subscriptions", len(entries)),
			zap.Error(err),
		)
		return
	}

	select {
	case p.nudge <- struct{}{}:
	default:
	}
}
