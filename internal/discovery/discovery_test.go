package discovery

import "testing"

type fakeHandle struct{ stopped bool }

func (h *fakeHandle) Stop() { h.stopped = true }

type fakeOracle struct {
	advertised []ServiceDescriptor
	events     chan Event
}

func (o *fakeOracle) Advertise(desc ServiceDescriptor) (Handle, error) {
	o.advertised = append(o.advertised, desc)
	return &fakeHandle{}, nil
}

func (o *fakeOracle) Browse() (<-chan Event, func(), error) {
	closed := false
	return o.events, func() {
		if !closed {
			closed = true
			close(o.events)
		}
	}, nil
}

func TestConsumerAdvertisePassesThrough(t *testing.T) {
	oracle := &fakeOracle{events: make(chan Event, 1)}
	c := NewConsumer(oracle)

	desc := ServiceDescriptor{RemoteDeviceID: "dev-1", CertificateFingerprint: "aabb"}
	h, err := c.Advertise(desc)
	if err != nil {
		t.Fatalf("Advertise: %v", err)
	}
	if len(oracle.advertised) != 1 || oracle.advertised[0].RemoteDeviceID != "dev-1" {
		t.Fatalf("expected descriptor to reach oracle, got %+v", oracle.advertised)
	}
	h.Stop()
}

func TestConsumerCandidatesDeliversEvents(t *testing.T) {
	oracle := &fakeOracle{events: make(chan Event, 1)}
	c := NewConsumer(oracle)

	ch, closeFn, err := c.Candidates()
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	defer closeFn()

	want := ServiceDescriptor{RemoteDeviceID: "dev-2", CertificateFingerprint: "ccdd"}
	oracle.events <- Event{Descriptor: want, Presence: Present}

	got := <-ch
	if got.Descriptor.RemoteDeviceID != "dev-2" || got.Presence != Present {
		t.Fatalf("unexpected event: %+v", got)
	}
}
