package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/internal/resilience"
	"github.com/parcelgrid/enrich-cli/internal/store"
)

// DeliveryConfig tunes the delivery workers.
type DeliveryConfig struct {
	Workers       int           // concurrent deliverers (default 2)
	MaxAttempts   int           // attempt ceiling before a permanent fail (default 5)
	BaseDelay     time.Duration // exponential backoff base (default 2s)
	MaxDelay      time.Duration // backoff ceiling (default 5m)
	Lease         time.Duration // claim lease; a crashed worker's claim resurfaces after this (default 30s)
	ClaimInterval time.Duration // poll interval when no delivery is due (default 1s)
	Timeout       time.Duration // per HTTP POST (default 10s)
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Deliverer drains pending delivery log entries: claim, POST, settle.
// Delivery is at-least-once; subscribers dedupe on the X-Enrich-Delivery
// header.
type Deliverer struct {
	store   store.Store
	targets map[string]string // subscription id -> target URL
	http    *http.Client
	nudge   <-chan struct{}
	cfg     DeliveryConfig
	log     *zap.Logger
}

// NewDeliverer creates delivery workers for the given subscriptions. nudge
// may be nil; the claim tick still drives progress.
func NewDeliverer(st store.Store, subs []model.WebhookSubscription, nudge <-chan struct{}, cfg DeliveryConfig) *Deliverer {
	cfg = cfg.withDefaults()
	targets := make(map[string]string, len(subs))
	for _, sub := range subs {
		targets[sub.ID] = sub.TargetURL
	}
	return &Deliverer{
		store:   st,
		targets: targets,
		http:    &http.Client{Timeout: cfg.Timeout},
		nudge:   nudge,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "webhook.deliverer")),
	}
}

// Run processes deliveries until ctx is cancelled.
func (d *Deliverer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			return d.worker(ctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (d *Deliverer) worker(ctx context.Context) error {
	tick := time.NewTicker(d.cfg.ClaimInterval)
	defer tick.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		entry, err := d.store.ClaimDueDelivery(ctx, time.Now().UTC(), d.cfg.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Warn("claim delivery failed", zap.Error(err))
			entry = nil
		}

		if entry != nil {
			d.attempt(ctx, entry)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.nudge:
		case <-tick.C:
		}
	}
}

// attempt performs one POST and settles the entry: delivered, rescheduled
// with backoff, or permanently failed at the attempt ceiling.
func (d *Deliverer) attempt(ctx context.Context, entry *model.DeliveryLogEntry) {
	now := time.Now().UTC()
	attemptsMade := entry.AttemptsMade + 1
	log := d.log.With(
		zap.String("delivery_id", entry.ID),
		zap.String("subscription_id", entry.SubscriptionID),
		zap.String("event_type", string(entry.EventType)),
		zap.Int("attempt", attemptsMade),
	)

	postErr := d.post(ctx, entry)
	if postErr == nil {
		if err := d.store.MarkDeliveryDelivered(ctx, entry.ID, attemptsMade, now); err != nil {
			log.Error("mark delivered failed", zap.Error(err))
			return
		}
		log.Info("delivered")
		return
	}

	if attemptsMade >= d.cfg.MaxAttempts {
		if err := d.store.MarkDeliveryFailed(ctx, entry.ID, attemptsMade, postErr.Error(), now); err != nil {
			log.Error("mark failed failed", zap.Error(err))
			return
		}
		log.Warn("delivery abandoned", zap.Error(postErr))
		return
	}

	backoff := resilience.Exponential(d.cfg.BaseDelay, d.cfg.MaxDelay, 2, 0.2, attemptsMade)
	next := now.Add(backoff)
	if err := d.store.RescheduleDelivery(ctx, entry.ID, attemptsMade, next, postErr.Error(), now); err != nil {
		log.Error("reschedule failed", zap.Error(err))
		return
	}
	log.Info("delivery rescheduled", zap.Time("next_attempt_at", next), zap.Error(postErr))
}

func (d *Deliverer) post(ctx context.Context, entry *model.DeliveryLogEntry) error {
	target, ok := d.targets[entry.SubscriptionID]
	if !ok {
		return fmt.Errorf("subscription %s is no longer configured", entry.SubscriptionID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(entry.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Enrich-Event", string(entry.EventType))
	req.Header.Set("X-Enrich-Delivery", entry.ID)

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("subscriber returned status %d", resp.StatusCode)
	}
	return nil
}
