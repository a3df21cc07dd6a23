// Package fanout implements C8: routing each Noise Event to every live
// control session whose peer has a subscription and to every stored
// subscription without a live session, applying threshold filtering and
// per-subscriber cooldowns (spec §4.8).
package fanout

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cribcall/cribcall/internal/canonjson"
	"github.com/cribcall/cribcall/internal/cerr"
	"github.com/cribcall/cribcall/internal/ports"
	"github.com/cribcall/cribcall/internal/session"
	"github.com/cribcall/cribcall/internal/subscription"
)

// DefaultThreshold and DefaultCooldownSeconds are the engine-wide filter
// defaults; a subscription's *Override fields take precedence when set
// (spec §4.8, §8 scenario 3).
const (
	DefaultThreshold       = 60
	DefaultCooldownSeconds = 5
)

// webhookTimeout bounds a stored webhook delivery (spec §4.8: "HTTPS only,
// 10 s timeout").
const webhookTimeout = 10 * time.Second

// NoiseEvent is the in-flight event handed to Dispatch (spec §3).
type NoiseEvent struct {
	SourceDeviceID     string
	MonitorDisplayName string
	PeakLevel          int
	TimestampMs        int64
}

// LiveSender enqueues a noise event payload on the live session for a
// fingerprint, if one exists. session.Manager satisfies this.
type LiveSender interface {
	SendNoiseEvent(fingerprint string, payload []byte) (delivered bool, err error)
}

// SubscriberView is the read side of the subscription registry this engine
// needs: a snapshot of not-lazily-expired subscriptions plus the mutators
// for recording delivery outcomes. subscription.Registry satisfies this.
type SubscriberView interface {
	Snapshot() []*subscription.Subscription
	MarkDelivered(subscriptionID string, timestampMs int64)
	RecordFailure(subscriptionID string, permanent bool)
}

// Engine is the fan-out engine (C8). It is invoked synchronously from the
// detector thread (spec §5); long-running stored deliveries are handed to a
// bounded worker pool so that thread is never blocked on a slow webhook or
// push send.
type Engine struct {
	sessions SubscriberView
	live     LiveSender
	push     ports.PushGateway
	clock    ports.Clock
	work     chan func()

	httpClient *http.Client
}

// New constructs an Engine. workers bounds the delivery worker pool (spec
// §4.8: "long-running deliveries MUST be handed to a bounded worker pool").
func New(sessions SubscriberView, live LiveSender, push ports.PushGateway, clock ports.Clock, workers int) *Engine {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if workers <= 0 {
		workers = 8
	}
	e := &Engine{
		sessions:   sessions,
		live:       live,
		push:       push,
		clock:      clock,
		work:       make(chan func(), 256),
		httpClient: &http.Client{Timeout: webhookTimeout},
	}
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

func (e *Engine) worker() {
	for job := range e.work {
		job()
	}
}

// Dispatch routes evt to every eligible subscriber (spec §4.8 steps 1-4).
// It never blocks on a stored delivery; those are queued to the worker
// pool. It returns quickly once the live-delivery pass and queueing are
// done, matching the "preserve detector-thread responsiveness" requirement.
func (e *Engine) Dispatch(evt NoiseEvent) {
	payload, err := json.Marshal(map[string]any{
		"type":        session.TypeNoiseEvent,
		"monitorId":   evt.SourceDeviceID,
		"monitorName": evt.MonitorDisplayName,
		"peakLevel":   evt.PeakLevel,
		"timestamp":   evt.TimestampMs,
	})
	if err != nil {
		slog.Error("fanout: marshal noise event", "err", err)
		return
	}

	for _, sub := range e.sessions.Snapshot() {
		sub := sub
		if evt.PeakLevel < effectiveThreshold(sub) {
			continue
		}
		if !cooldownElapsed(sub, evt.TimestampMs) {
			continue
		}

		if delivered, err := e.live.SendNoiseEvent(sub.CertificateFingerprint, payload); delivered {
			if err != nil {
				slog.Warn("fanout: live delivery failed", "subscription_id", sub.SubscriptionID, "err", err)
				continue
			}
			e.sessions.MarkDelivered(sub.SubscriptionID, evt.TimestampMs)
			continue
		}

		// No live session: dispatch via the subscriber's stored delivery
		// path on the worker pool, never on the detector thread.
		e.enqueueStoredDelivery(sub, payload, evt.TimestampMs)
	}
}

// effectiveThreshold resolves spec §4.8 step 1 / §3's ThresholdOverride.
func effectiveThreshold(sub *subscription.Subscription) int {
	if sub.ThresholdOverride != nil {
		return *sub.ThresholdOverride
	}
	return DefaultThreshold
}

// effectiveCooldownSeconds resolves spec §4.8 step 2 / §3's
// CooldownSecondsOverride.
func effectiveCooldownSeconds(sub *subscription.Subscription) int {
	if sub.CooldownSecondsOverride != nil {
		return *sub.CooldownSecondsOverride
	}
	return DefaultCooldownSeconds
}

// cooldownElapsed implements invariant 4 (spec §8): next delivery time must
// be >= t + effective_cooldown_seconds(N) since the last delivery.
func cooldownElapsed(sub *subscription.Subscription, timestampMs int64) bool {
	if sub.LastDeliveredAt == 0 {
		return true
	}
	cooldownMs := int64(effectiveCooldownSeconds(sub)) * 1000
	return timestampMs-sub.LastDeliveredAt >= cooldownMs
}

func (e *Engine) enqueueStoredDelivery(sub *subscription.Subscription, payload []byte, timestampMs int64) {
	job := func() { e.deliverStored(sub, payload, timestampMs) }
	select {
	case e.work <- job:
	default:
		// Worker pool is saturated; this event is simply not retried for
		// this subscriber (spec §4.8: "deliveries that fail transiently
		// are not retried, the next noise event will re-attempt").
		slog.Warn("fanout: worker pool saturated, dropping stored delivery", "subscription_id", sub.SubscriptionID)
	}
}

func (e *Engine) deliverStored(sub *subscription.Subscription, payload []byte, timestampMs int64) {
	switch sub.DeliveryKind {
	case subscription.DeliveryLiveOnly:
		return
	case subscription.DeliveryGatewayPush:
		e.deliverPush(sub, payload, timestampMs)
	case subscription.DeliveryWebhook:
		e.deliverWebhook(sub, payload, timestampMs)
	}
}

func (e *Engine) deliverPush(sub *subscription.Subscription, payload []byte, timestampMs int64) {
	if e.push == nil {
		return
	}
	err := e.push.Send(sub.DeliveryToken, sub.PlatformTag, payload)
	if err == nil {
		e.sessions.MarkDelivered(sub.SubscriptionID, timestampMs)
		return
	}
	var perr *ports.PushError
	permanent := false
	if ok := asPushError(err, &perr); ok {
		permanent = perr.Permanent()
	}
	slog.Warn("fanout: push delivery failed", "subscription_id", sub.SubscriptionID, "err", deliveryFailure(permanent, "push delivery failed", err))
	e.sessions.RecordFailure(sub.SubscriptionID, permanent)
}

// deliveryFailure wraps a stored-delivery failure in the shared taxonomy
// (spec §7: "DeliveryFailedTransient, DeliveryFailedPermanent — fan-out;
// permanent removes subscription"). It is only ever logged, never returned
// to a caller: fan-out errors never fail the detector thread.
func deliveryFailure(permanent bool, message string, cause error) *cerr.Error {
	code := cerr.DeliveryFailedTransient
	if permanent {
		code = cerr.DeliveryFailedPermanent
	}
	return cerr.Wrap(code, message, cause)
}

func asPushError(err error, target **ports.PushError) bool {
	pe, ok := err.(*ports.PushError)
	if ok {
		*target = pe
	}
	return ok
}

func (e *Engine) deliverWebhook(sub *subscription.Subscription, payload []byte, timestampMs int64) {
	if sub.WebhookURL == "" {
		slog.Warn("fanout: webhook delivery failed", "subscription_id", sub.SubscriptionID, "err", deliveryFailure(true, "no webhook_url configured", nil))
		e.sessions.RecordFailure(sub.SubscriptionID, true)
		return
	}
	if err := validateHTTPSURL(sub.WebhookURL); err != nil {
		slog.Warn("fanout: rejecting non-https webhook", "subscription_id", sub.SubscriptionID, "err", deliveryFailure(true, "rejecting non-https webhook", err))
		e.sessions.RecordFailure(sub.SubscriptionID, true)
		return
	}

	// Spec §4.8 step 3: webhook delivery posts the canonical JSON (C2,
	// RFC 8785), unlike the live-session path's transport-internal framing.
	canonPayload, err := canonjson.Canonicalize(payload)
	if err != nil {
		slog.Warn("fanout: webhook delivery failed", "subscription_id", sub.SubscriptionID, "err", deliveryFailure(true, "canonicalize webhook payload", err))
		e.sessions.RecordFailure(sub.SubscriptionID, true)
		return
	}

	req, err := http.NewRequest(http.MethodPost, sub.WebhookURL, bytes.NewReader(canonPayload))
	if err != nil {
		slog.Warn("fanout: webhook delivery failed", "subscription_id", sub.SubscriptionID, "err", deliveryFailure(true, "build webhook request", err))
		e.sessions.RecordFailure(sub.SubscriptionID, true)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		slog.Warn("fanout: webhook delivery failed", "subscription_id", sub.SubscriptionID, "err", deliveryFailure(false, "webhook POST failed", err))
		e.sessions.RecordFailure(sub.SubscriptionID, false)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.sessions.MarkDelivered(sub.SubscriptionID, timestampMs)
		return
	}
	permanent := resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound
	slog.Warn("fanout: webhook delivery failed", "subscription_id", sub.SubscriptionID, "err", deliveryFailure(permanent, fmt.Sprintf("webhook returned status %d", resp.StatusCode), nil))
	e.sessions.RecordFailure(sub.SubscriptionID, permanent)
}

func validateHTTPSURL(raw string) error {
	if len(raw) < 8 || raw[:8] != "https://" {
		return fmt.Errorf("webhook url must use https")
	}
	return nil
}

// Close stops the worker pool. Not required for correctness (the process
// exits with it); provided for test teardown symmetry.
func (e *Engine) Close() {
	close(e.work)
}
