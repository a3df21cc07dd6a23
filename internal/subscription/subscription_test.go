package subscription

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memRepo struct {
	mu   sync.Mutex
	subs map[string]Subscription
}

func newMemRepo() *memRepo { return &memRepo{subs: make(map[string]Subscription)} }

func (r *memRepo) List() ([]Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out, nil
}

func (r *memRepo) Put(s Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[s.SubscriptionID] = s
	return nil
}

func (r *memRepo) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
	return nil
}

func TestSubscribeOverwriteSameTokenAdvancesLease(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	reg, err := New(newMemRepo(), clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lease1 := 3600
	res1, err := reg.Subscribe("dev1", "fp1", SubscribeRequest{DeliveryToken: "T1", LeaseSeconds: &lease1})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	lease2 := 7200
	res2, err := reg.Subscribe("dev1", "fp1", SubscribeRequest{DeliveryToken: "T1", LeaseSeconds: &lease2})
	if err != nil {
		t.Fatalf("Subscribe (overwrite): %v", err)
	}

	if res1.SubscriptionID != res2.SubscriptionID {
		t.Errorf("expected stable subscription_id across overwrite, got %s then %s", res1.SubscriptionID, res2.SubscriptionID)
	}
	if !res2.ExpiresAt.After(res1.ExpiresAt) {
		t.Error("expected expires_at to advance with the longer lease")
	}
}

func TestSubscribeNewTokenChangesSubscriptionID(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	reg, _ := New(newMemRepo(), clock)

	res1, _ := reg.Subscribe("dev1", "fp1", SubscribeRequest{DeliveryToken: "T1"})
	res2, err := reg.Subscribe("dev1", "fp1", SubscribeRequest{DeliveryToken: "T2"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if res1.SubscriptionID == res2.SubscriptionID {
		t.Error("expected a new token to produce a different subscription_id")
	}
	if snap := reg.Snapshot(); len(snap) != 1 {
		t.Errorf("expected the old token's record to be superseded, got %d live subscriptions", len(snap))
	}
}

func TestSubscribeClampsLease(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	reg, _ := New(newMemRepo(), clock)

	tooLong := MaxLeaseSeconds * 2
	res, err := reg.Subscribe("dev1", "fp1", SubscribeRequest{DeliveryToken: "T1", LeaseSeconds: &tooLong})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if res.AcceptedLeaseSeconds != MaxLeaseSeconds {
		t.Errorf("accepted lease = %d, want clamp to %d", res.AcceptedLeaseSeconds, MaxLeaseSeconds)
	}

	tooShort := -5
	res2, err := reg.Subscribe("dev1", "fp1", SubscribeRequest{DeliveryToken: "T2", LeaseSeconds: &tooShort})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if res2.AcceptedLeaseSeconds != MinLeaseSeconds {
		t.Errorf("accepted lease = %d, want clamp to %d", res2.AcceptedLeaseSeconds, MinLeaseSeconds)
	}
}

func TestSubscribeDefaultLeaseIs24Hours(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	reg, _ := New(newMemRepo(), clock)

	res, err := reg.Subscribe("dev1", "fp1", SubscribeRequest{DeliveryToken: "T1"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if res.AcceptedLeaseSeconds != DefaultLeaseSeconds {
		t.Errorf("default lease = %d, want %d", res.AcceptedLeaseSeconds, DefaultLeaseSeconds)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	reg, _ := New(newMemRepo(), clock)

	reg.Subscribe("dev1", "fp1", SubscribeRequest{DeliveryToken: "T1"})

	res, err := reg.Unsubscribe("dev1", "fp1", "T1", "")
	if err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if !res.Unsubscribed {
		t.Error("expected Unsubscribed=true")
	}

	// Second call for an already-removed subscription is still a success.
	res2, err := reg.Unsubscribe("dev1", "fp1", "T1", "")
	if err != nil {
		t.Fatalf("Unsubscribe (again): %v", err)
	}
	if !res2.Unsubscribed {
		t.Error("expected idempotent Unsubscribed=true")
	}
}

func TestUnsubscribeCannotRemoveAnotherPeersSubscription(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	reg, _ := New(newMemRepo(), clock)

	sub, _ := reg.Subscribe("dev1", "fp1", SubscribeRequest{DeliveryToken: "T1"})

	reg.Unsubscribe("dev2", "fp2", "", sub.SubscriptionID)

	snap := reg.Snapshot()
	found := false
	for _, s := range snap {
		if s.SubscriptionID == sub.SubscriptionID {
			found = true
		}
	}
	if !found {
		t.Error("expected another peer's unsubscribe attempt to leave the subscription intact")
	}
}

func TestSnapshotSkipsExpired(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	reg, _ := New(newMemRepo(), clock)

	lease := 1
	reg.Subscribe("dev1", "fp1", SubscribeRequest{DeliveryToken: "T1", LeaseSeconds: &lease})

	clock.advance(2 * time.Second)

	snap := reg.Snapshot()
	if len(snap) != 0 {
		t.Errorf("expected expired subscription to be skipped, got %d entries", len(snap))
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	repo := newMemRepo()
	reg, _ := New(repo, clock)

	lease := 1
	reg.Subscribe("dev1", "fp1", SubscribeRequest{DeliveryToken: "T1", LeaseSeconds: &lease})
	clock.advance(2 * time.Second)

	reg.Sweep()

	all, _ := repo.List()
	if len(all) != 0 {
		t.Errorf("expected sweep to physically remove expired subscription, repo still has %d", len(all))
	}
}

func TestSubscribeRejectsMissingToken(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	reg, _ := New(newMemRepo(), clock)
	_, err := reg.Subscribe("dev1", "fp1", SubscribeRequest{})
	if err == nil {
		t.Fatal("expected error for missing delivery_token")
	}
}

func TestRecordFailureRemovesAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	reg, _ := New(newMemRepo(), clock)
	res, _ := reg.Subscribe("dev1", "fp1", SubscribeRequest{DeliveryToken: "T1"})

	for i := 0; i < deliveryFailureThreshold-1; i++ {
		reg.RecordFailure(res.SubscriptionID, false)
	}
	if len(reg.Snapshot()) != 1 {
		t.Fatal("expected subscription to survive below the failure threshold")
	}
	reg.RecordFailure(res.SubscriptionID, false)
	if len(reg.Snapshot()) != 0 {
		t.Error("expected subscription removed after reaching the failure threshold")
	}
}

func TestRecordFailurePermanentRemovesImmediately(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	reg, _ := New(newMemRepo(), clock)
	res, _ := reg.Subscribe("dev1", "fp1", SubscribeRequest{DeliveryToken: "T1"})

	reg.RecordFailure(res.SubscriptionID, true)
	if len(reg.Snapshot()) != 0 {
		t.Error("expected permanent failure to remove subscription immediately")
	}
}

func TestNewPropagatesRepositoryListError(t *testing.T) {
	// A repository whose List fails must surface RepositoryUnavailable.
	repo := &failingListRepo{err: errors.New("db down")}
	_, err := New(repo, &fakeClock{now: time.Now()})
	if err == nil {
		t.Fatal("expected error from failing repository")
	}
}

type failingListRepo struct{ err error }

func (r *failingListRepo) List() ([]Subscription, error) { return nil, r.err }
func (r *failingListRepo) Put(Subscription) error         { return nil }
func (r *failingListRepo) Delete(string) error             { return nil }
