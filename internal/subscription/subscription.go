// Package subscription implements C7: the registry of stored
// out-of-band delivery subscriptions that lets the fan-out engine (C8)
// reach a peer that has no live control session.
package subscription

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/cribcall/cribcall/internal/cerr"
	"github.com/cribcall/cribcall/internal/ports"
)

// DeliveryKind is the stored-delivery transport a subscription requests.
type DeliveryKind string

const (
	DeliveryGatewayPush DeliveryKind = "gateway-push"
	DeliveryWebhook     DeliveryKind = "webhook"
	DeliveryLiveOnly    DeliveryKind = "live-only"
)

// DefaultLeaseSeconds and MaxLeaseSeconds implement spec §4.7's lease
// clamp: "[1 s, MAX_LEASE] (default 24 h, hard cap 7 d)". SPEC_FULL.md
// Open Question 2 resolves the source's inconsistent defaults this way.
const (
	DefaultLeaseSeconds = 24 * 60 * 60
	MaxLeaseSeconds     = 7 * 24 * 60 * 60
	MinLeaseSeconds     = 1
)

// sweepInterval is how often lazily-expired subscriptions are physically
// removed in the background (spec §4.7).
const sweepInterval = 5 * time.Minute

// Subscription is a stored Noise Subscription (spec §3).
type Subscription struct {
	SubscriptionID             string
	DeviceID                   string
	CertificateFingerprint     string
	DeliveryToken              string
	PlatformTag                string
	DeliveryKind               DeliveryKind
	WebhookURL                 string
	ExpiresAt                  time.Time
	ThresholdOverride          *int
	CooldownSecondsOverride    *int
	AutoStreamTypeOverride     *string
	AutoStreamDurationOverride *int
	LastDeliveredAt            int64 // Unix ms, 0 = never

	consecutiveFailures int
}

// Repository is the injected persistence adapter (spec §6's SubscriptionRepository).
type Repository interface {
	List() ([]Subscription, error)
	Put(Subscription) error
	Delete(subscriptionID string) error
}

// SubscribeRequest is the body of POST /noise/subscribe. DeviceID and
// CertificateFingerprint are never taken from the request body: spec §4.7
// mandates the authenticated peer fingerprint is the sole authority over
// them, so those two fields of Subscription are filled in by Registry from
// the authenticated caller, not from this struct.
type SubscribeRequest struct {
	DeliveryToken         string
	PlatformTag           string
	DeliveryKind          DeliveryKind
	WebhookURL            string
	Threshold             *int
	CooldownSeconds       *int
	AutoStreamType        *string
	AutoStreamDuration    *int
	LeaseSeconds          *int
}

// SubscribeResult is returned from a successful subscribe.
type SubscribeResult struct {
	SubscriptionID       string
	DeviceID             string
	ExpiresAt            time.Time
	AcceptedLeaseSeconds int
}

// ID deterministically derives a subscription_id from (device_id, token)
// (spec §3): sha256("device_id|token") hex.
func ID(deviceID, token string) string {
	sum := sha256.Sum256([]byte(deviceID + "|" + token))
	return hex.EncodeToString(sum[:])
}

// Registry is the guarded-by-a-single-writer-lock in-memory view over
// Repository (spec §5's "Subscription Registry is guarded by a single
// writer lock; reads for fan-out take a cheap snapshot").
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Subscription
	repo  Repository
	clock ports.Clock
}

// New constructs a Registry and loads its initial membership from repo.
func New(repo Repository, clock ports.Clock) (*Registry, error) {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	reg := &Registry{
		byID:  make(map[string]*Subscription),
		repo:  repo,
		clock: clock,
	}
	subs, err := repo.List()
	if err != nil {
		return nil, cerr.Wrap(cerr.RepositoryUnavailable, "load subscriptions", err)
	}
	for i := range subs {
		s := subs[i]
		reg.byID[s.SubscriptionID] = &s
	}
	return reg, nil
}

// Subscribe handles POST /noise/subscribe for the authenticated peer
// (deviceID, certFingerprint). Idempotent: the same (deviceID, token)
// replaces the previous record in place and keeps the same subscription_id
// (spec §4.7 scenario "Subscription overwrite"); a new token recomputes the
// subscription_id.
func (r *Registry) Subscribe(deviceID, certFingerprint string, req SubscribeRequest) (*SubscribeResult, error) {
	if req.DeliveryToken == "" {
		return nil, cerr.New(cerr.SubscriptionRejected, "delivery_token is required")
	}

	leaseSeconds := DefaultLeaseSeconds
	if req.LeaseSeconds != nil {
		leaseSeconds = *req.LeaseSeconds
	}
	if leaseSeconds < MinLeaseSeconds {
		leaseSeconds = MinLeaseSeconds
	}
	if leaseSeconds > MaxLeaseSeconds {
		leaseSeconds = MaxLeaseSeconds
	}

	kind := req.DeliveryKind
	if kind == "" {
		kind = DeliveryLiveOnly
	}
	if kind == DeliveryWebhook && req.WebhookURL == "" {
		return nil, cerr.New(cerr.SubscriptionRejected, "webhook_url is required for delivery_kind=webhook")
	}

	subID := ID(deviceID, req.DeliveryToken)
	now := r.clock.Now()
	expiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)

	r.mu.Lock()
	// At most one active registration per (device_id, certificate
	// fingerprint): if this peer previously subscribed under a different
	// token, that old record's subscription_id differs and must be
	// removed outright, not just left to expire on its own lease (spec
	// §4.7 scenario "Subscription overwrite": "record's token changes to
	// T2, subscription_id recomputed").
	var superseded []string
	for id, existing := range r.byID {
		if id != subID && existing.CertificateFingerprint == certFingerprint && existing.DeviceID == deviceID {
			superseded = append(superseded, id)
			delete(r.byID, id)
		}
	}

	sub := &Subscription{
		SubscriptionID:             subID,
		DeviceID:                   deviceID,
		CertificateFingerprint:     certFingerprint,
		DeliveryToken:              req.DeliveryToken,
		PlatformTag:                req.PlatformTag,
		DeliveryKind:               kind,
		WebhookURL:                 req.WebhookURL,
		ExpiresAt:                  expiresAt,
		ThresholdOverride:          req.Threshold,
		CooldownSecondsOverride:    req.CooldownSeconds,
		AutoStreamTypeOverride:     req.AutoStreamType,
		AutoStreamDurationOverride: req.AutoStreamDuration,
	}
	if existing, ok := r.byID[subID]; ok {
		sub.LastDeliveredAt = existing.LastDeliveredAt
	}
	r.byID[subID] = sub
	r.mu.Unlock()

	for _, id := range superseded {
		if err := r.repo.Delete(id); err != nil {
			return nil, cerr.Wrap(cerr.RepositoryUnavailable, "delete superseded subscription", err)
		}
	}

	if err := r.repo.Put(*sub); err != nil {
		return nil, cerr.Wrap(cerr.RepositoryUnavailable, "persist subscription", err)
	}

	return &SubscribeResult{
		SubscriptionID:       subID,
		DeviceID:             deviceID,
		ExpiresAt:            expiresAt,
		AcceptedLeaseSeconds: leaseSeconds,
	}, nil
}

// UnsubscribeResult is returned from Unsubscribe; Unsubscribed is always
// true in the response per spec §4.7 (idempotent regardless of whether a
// record was actually present).
type UnsubscribeResult struct {
	DeviceID       string
	SubscriptionID string
	ExpiresAt      *time.Time
	Unsubscribed   bool
}

// Unsubscribe handles POST /noise/unsubscribe for the authenticated peer.
// Exactly one of token/subscriptionID should be non-empty; if both are,
// subscriptionID wins.
func (r *Registry) Unsubscribe(deviceID, certFingerprint, token, subscriptionID string) (*UnsubscribeResult, error) {
	id := subscriptionID
	if id == "" {
		id = ID(deviceID, token)
	}

	r.mu.Lock()
	sub, ok := r.byID[id]
	if ok && sub.CertificateFingerprint != certFingerprint {
		// A subscription owned by a different peer is not this caller's to
		// remove; report as if it weren't found (idempotent, no leak of
		// whether someone else's subscription exists).
		ok = false
	}
	expired := ok && !r.clock.Now().Before(sub.ExpiresAt)
	var expiresAt *time.Time
	if ok {
		e := sub.ExpiresAt
		expiresAt = &e
		delete(r.byID, id)
	}
	r.mu.Unlock()

	if ok {
		if err := r.repo.Delete(id); err != nil {
			return nil, cerr.Wrap(cerr.RepositoryUnavailable, "delete subscription", err)
		}
	}
	if expired {
		// The record was already past its lease when this request arrived,
		// just not yet swept; report the registry-level condition rather
		// than a successful live unsubscribe (spec §7: "SubscriptionExpired
		// ... registry-level").
		return nil, cerr.New(cerr.SubscriptionExpired, "subscription already expired")
	}

	return &UnsubscribeResult{
		DeviceID:       deviceID,
		SubscriptionID: id,
		ExpiresAt:      expiresAt,
		Unsubscribed:   true,
	}, nil
}

// CancelAllForPeer removes every subscription owned by certFingerprint,
// used by /unpair (spec §4.7, §4.9 note 3: eviction + cancellation must be
// atomic with respect to the caller's view, even though persistence calls
// happen outside the lock).
func (r *Registry) CancelAllForPeer(certFingerprint string) error {
	r.mu.Lock()
	var toDelete []string
	for id, sub := range r.byID {
		if sub.CertificateFingerprint == certFingerprint {
			toDelete = append(toDelete, id)
			delete(r.byID, id)
		}
	}
	r.mu.Unlock()

	for _, id := range toDelete {
		if err := r.repo.Delete(id); err != nil {
			return cerr.Wrap(cerr.RepositoryUnavailable, "delete subscription during unpair", err)
		}
	}
	return nil
}

// Snapshot returns subscriptions that are not lazily expired as of now,
// for the fan-out engine's stored-delivery pass (spec §4.7's "lazy expiry:
// an expired subscription is skipped during fan-out").
func (r *Registry) Snapshot() []*Subscription {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, 0, len(r.byID))
	for _, s := range r.byID {
		if now.Before(s.ExpiresAt) {
			out = append(out, s)
		}
	}
	return out
}

// MarkDelivered atomically records a successful delivery's timestamp. The
// update happens-before the decision for the next event to the same
// subscriber (spec §5 ordering guarantee).
func (r *Registry) MarkDelivered(subscriptionID string, timestampMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[subscriptionID]; ok {
		s.LastDeliveredAt = timestampMs
		s.consecutiveFailures = 0
		_ = r.repo.Put(*s)
	}
}

// deliveryFailureThreshold is how many consecutive stored-delivery
// failures remove a subscription outright, generalizing the teacher's
// per-client circuit breaker (server/room.go's sendHealth) to per-subscriber
// fan-out delivery.
const deliveryFailureThreshold = 5

// RecordFailure tracks a failed stored delivery. permanent forces immediate
// removal (PushGateway reported NotRegistered/InvalidRegistration); a
// transient failure only removes the subscription after
// deliveryFailureThreshold consecutive failures.
func (r *Registry) RecordFailure(subscriptionID string, permanent bool) {
	r.mu.Lock()
	sub, ok := r.byID[subscriptionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	remove := permanent
	if !remove {
		sub.consecutiveFailures++
		remove = sub.consecutiveFailures >= deliveryFailureThreshold
	}
	if remove {
		delete(r.byID, subscriptionID)
	}
	r.mu.Unlock()

	if remove {
		_ = r.repo.Delete(subscriptionID)
	}
}

// Sweep physically removes subscriptions expired as of now. Intended to be
// called periodically (spec §4.7: "or on a periodic sweep (every 5 min)").
func (r *Registry) Sweep() {
	now := r.clock.Now()
	r.mu.Lock()
	var expired []string
	for id, s := range r.byID {
		if !now.Before(s.ExpiresAt) {
			expired = append(expired, id)
			delete(r.byID, id)
		}
	}
	r.mu.Unlock()
	for _, id := range expired {
		_ = r.repo.Delete(id)
	}
}

// SweepInterval exposes the periodic sweep cadence for callers wiring a
// ticker.
func SweepInterval() time.Duration { return sweepInterval }
