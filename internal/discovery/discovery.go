// Package discovery implements C9: a thin adapter over an injected
// local-network advertise/browse oracle. The core attaches no trust to
// browse output (spec §4.9) — it only supplies candidate addresses and
// certificate fingerprints for a human to pin before pairing.
package discovery

// ServiceDescriptor is the discovery-plane record a Monitor advertises and
// a Listener browses (spec §3, §6). Trust is never derived from it.
type ServiceDescriptor struct {
	RemoteDeviceID         string
	DisplayName            string
	CertificateFingerprint string
	ControlPort            int
	PairingPort            int
	Version                string
	TransportTag           string
	Addresses              []string
}

// Presence tags a browse event as the descriptor appearing or disappearing.
type Presence int

const (
	Present Presence = iota
	Absent
)

// Event is one entry in a browse stream.
type Event struct {
	Descriptor ServiceDescriptor
	Presence   Presence
}

// Handle represents an active advertisement; Stop withdraws it.
type Handle interface {
	Stop()
}

// Oracle is the injected local-network advertise/browse capability (spec
// §4.9, §6's DiscoveryOracle). Implementations typically wrap mDNS/DNS-SD
// or a platform-specific equivalent; this package never implements one
// itself, only consumes it.
type Oracle interface {
	Advertise(desc ServiceDescriptor) (Handle, error)
	Browse() (<-chan Event, func(), error)
}

// Consumer is the adapter the Listener side uses to collect pairing
// candidates from an Oracle. It keeps no state of its own beyond what the
// Oracle reports; callers pin a fingerprint themselves before acting on any
// candidate (spec §4.9's trust boundary).
type Consumer struct {
	oracle Oracle
}

// NewConsumer wraps oracle.
func NewConsumer(oracle Oracle) *Consumer {
	return &Consumer{oracle: oracle}
}

// Advertise publishes desc (Monitor side).
func (c *Consumer) Advertise(desc ServiceDescriptor) (Handle, error) {
	return c.oracle.Advertise(desc)
}

// Candidates returns a channel of browse events and a close function the
// caller must invoke when no longer interested (Listener side).
func (c *Consumer) Candidates() (<-chan Event, func(), error) {
	return c.oracle.Browse()
}
