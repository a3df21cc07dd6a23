// Package ports collects the small injected interfaces that spec §6 names
// but that don't belong to any single owning component: Clock (so pairing
// expiry, heartbeats, and lease sweeps are deterministically testable) and
// PushGateway (the external notification sender for stored noise
// delivery). Spec §6's MediaSignalHandler is session.MessageHandler: the
// control session already hands relayed SDP/ICE bytes to that interface,
// so it is not duplicated here.
package ports

import "time"

// Clock abstracts time.Now so pairing-session expiry, heartbeat cadence,
// and subscription lease sweeps can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// PushGateway is the injected external notification sender used by C8 for
// delivery_kind == "gateway-push" stored deliveries. A push failure
// reported as NotRegistered/InvalidRegistration signals the fan-out engine
// to remove the subscription (spec §4.8).
type PushGateway interface {
	// Send delivers a noise alert to the device identified by token,
	// tagged for the given platform (e.g. "ios", "android"). payload is
	// the noise event's encoding/json bytes (the same bytes the live path
	// sends); it is not canonicalized.
	Send(token, platformTag string, payload []byte) error
}

// PushError classifies a PushGateway failure so the fan-out engine can
// decide between a transient retry-next-time and a permanent removal.
type PushError struct {
	Code string // "NotRegistered", "InvalidRegistration", or "" for transient
	Err  error
}

func (e *PushError) Error() string { return e.Err.Error() }
func (e *PushError) Unwrap() error { return e.Err }

// Permanent reports whether this push failure means the registration will
// never succeed again and the subscription should be dropped.
func (e *PushError) Permanent() bool {
	return e.Code == "NotRegistered" || e.Code == "InvalidRegistration"
}
