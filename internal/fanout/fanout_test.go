package fanout

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cribcall/cribcall/internal/subscription"
)

var errBoom = errors.New("boom")

type fakeLiveSender struct {
	mu        sync.Mutex
	delivered []string
	present   map[string]bool
	failFor   map[string]bool
}

func (f *fakeLiveSender) SendNoiseEvent(fingerprint string, payload []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.present[fingerprint] {
		return false, nil
	}
	if f.failFor[fingerprint] {
		return true, errBoom
	}
	f.delivered = append(f.delivered, fingerprint)
	return true, nil
}

type fakeSubView struct {
	mu   sync.Mutex
	subs []*subscription.Subscription
}

func (f *fakeSubView) Snapshot() []*subscription.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*subscription.Subscription, len(f.subs))
	copy(out, f.subs)
	return out
}

func (f *fakeSubView) MarkDelivered(subscriptionID string, timestampMs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.SubscriptionID == subscriptionID {
			s.LastDeliveredAt = timestampMs
		}
	}
}

func (f *fakeSubView) RecordFailure(subscriptionID string, permanent bool) {}

func TestDispatchAppliesThresholdAndCooldown(t *testing.T) {
	override := 70
	cooldown := 5
	sub := &subscription.Subscription{
		SubscriptionID:          "sub-1",
		DeviceID:                "dev-B",
		CertificateFingerprint:  "bbbb",
		DeliveryKind:            subscription.DeliveryLiveOnly,
		ThresholdOverride:       &override,
		CooldownSecondsOverride: &cooldown,
	}
	subs := &fakeSubView{subs: []*subscription.Subscription{sub}}
	live := &fakeLiveSender{present: map[string]bool{"bbbb": true}}
	eng := New(subs, live, nil, nil, 2)
	defer eng.Close()

	// t=1000ms peak 65 -> below override threshold 70, dropped.
	eng.Dispatch(NoiseEvent{SourceDeviceID: "dev-A", PeakLevel: 65, TimestampMs: 1000})
	time.Sleep(10 * time.Millisecond)
	if sub.LastDeliveredAt != 0 {
		t.Fatalf("expected no delivery below threshold, got LastDeliveredAt=%d", sub.LastDeliveredAt)
	}

	// t=2000ms peak 80 -> delivered, LastDeliveredAt := 2000.
	eng.Dispatch(NoiseEvent{SourceDeviceID: "dev-A", PeakLevel: 80, TimestampMs: 2000})
	time.Sleep(10 * time.Millisecond)
	if sub.LastDeliveredAt != 2000 {
		t.Fatalf("expected delivery at t=2000, got %d", sub.LastDeliveredAt)
	}

	// t=4000ms peak 90 -> within 5s cooldown of 2000, dropped.
	eng.Dispatch(NoiseEvent{SourceDeviceID: "dev-A", PeakLevel: 90, TimestampMs: 4000})
	time.Sleep(10 * time.Millisecond)
	if sub.LastDeliveredAt != 2000 {
		t.Fatalf("expected cooldown to suppress delivery, LastDeliveredAt changed to %d", sub.LastDeliveredAt)
	}

	// t=7500ms peak 75 -> cooldown elapsed (>= 2000+5000), delivered.
	eng.Dispatch(NoiseEvent{SourceDeviceID: "dev-A", PeakLevel: 75, TimestampMs: 7500})
	time.Sleep(10 * time.Millisecond)
	if sub.LastDeliveredAt != 7500 {
		t.Fatalf("expected delivery at t=7500, got %d", sub.LastDeliveredAt)
	}
}

func TestDispatchFallsBackToStoredWhenNoLiveSession(t *testing.T) {
	sub := &subscription.Subscription{
		SubscriptionID:         "sub-2",
		DeviceID:               "dev-C",
		CertificateFingerprint: "cccc",
		DeliveryKind:           subscription.DeliveryLiveOnly,
	}
	subs := &fakeSubView{subs: []*subscription.Subscription{sub}}
	live := &fakeLiveSender{present: map[string]bool{}}
	eng := New(subs, live, nil, nil, 2)
	defer eng.Close()

	eng.Dispatch(NoiseEvent{SourceDeviceID: "dev-A", PeakLevel: 90, TimestampMs: 1000})
	time.Sleep(10 * time.Millisecond)

	// live-only with no live session: dropped, never marked delivered.
	if sub.LastDeliveredAt != 0 {
		t.Fatalf("expected live-only drop with no session, got LastDeliveredAt=%d", sub.LastDeliveredAt)
	}
}
