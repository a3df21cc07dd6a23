// Package trust implements C4: the authoritative set of trusted peer
// fingerprints a device will admit as mTLS clients (and dial as a server),
// with an observer stream so the transport (C5) can rebuild TLS trust
// anchors and the session manager (C6) can evict connections live.
package trust

import (
	"log/slog"
	"sync"
	"time"
)

// Peer is a trusted peer record (spec §3's "Trusted Peer"). Fingerprint is
// the primary key; duplicate Add calls by fingerprint are idempotent
// replacements, never duplicates.
type Peer struct {
	RemoteDeviceID        string
	DisplayName           string
	CertificateFingerprint string
	CertificateDER        []byte
	LastKnownAddress       string
	OutOfBandDeliveryToken string
	AddedAt                time.Time
}

// ChangeKind identifies the direction of a trust-store mutation delivered
// to observers.
type ChangeKind int

const (
	Added ChangeKind = iota
	Removed
	Replaced
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Replaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Change is delivered to observers on every mutation. Snapshot is the full
// membership after the mutation, so a subscriber never needs to reconstruct
// state from a sequence of deltas.
type Change struct {
	Kind      ChangeKind
	Peer      Peer
	Snapshot  []Peer
}

// Repository is the injected persistence adapter (spec §6's PeerRepository).
type Repository interface {
	List() ([]Peer, error)
	Put(Peer) error
	Delete(fingerprint string) error
}

// observer is a registered change subscription; Close stops delivery.
type observer struct {
	ch     chan Change
	closed bool
}

// Store is the in-memory trust store, read-write-locked so reads (every
// mTLS handshake and every request) are cheap and contention-free. It is
// reloaded from Repository at startup and is the runtime source of truth
// thereafter; Repository is updated on every mutation.
type Store struct {
	mu        sync.RWMutex
	peers     map[string]Peer // keyed by lowercase fingerprint
	repo      Repository
	observers map[int]*observer
	nextObsID int
}

// New constructs a Store and loads its initial membership from repo.
func New(repo Repository) (*Store, error) {
	s := &Store{
		peers:     make(map[string]Peer),
		repo:      repo,
		observers: make(map[int]*observer),
	}
	peers, err := repo.List()
	if err != nil {
		return nil, err
	}
	for _, p := range peers {
		s.peers[normalize(p.CertificateFingerprint)] = p
	}
	return s, nil
}

func normalize(fp string) string {
	out := make([]byte, len(fp))
	for i := 0; i < len(fp); i++ {
		c := fp[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// Contains reports whether fingerprint (compared case-insensitively) is
// currently trusted.
func (s *Store) Contains(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[normalize(fingerprint)]
	return ok
}

// Get returns the trusted peer record for fingerprint, if any.
func (s *Store) Get(fingerprint string) (Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[normalize(fingerprint)]
	return p, ok
}

// Add admits peer, replacing any existing record with the same fingerprint.
// A replacement keeps the newer AddedAt (spec §4.3's pairing re-init merge
// rule) by always taking the incoming value — callers that want to
// preserve the original AddedAt should read it first and set it on peer.
func (s *Store) Add(peer Peer) error {
	key := normalize(peer.CertificateFingerprint)
	peer.CertificateFingerprint = key

	if err := s.repo.Put(peer); err != nil {
		return err
	}

	s.mu.Lock()
	_, existed := s.peers[key]
	s.peers[key] = peer
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	kind := Added
	if existed {
		kind = Replaced
	}
	s.notify(Change{Kind: kind, Peer: peer, Snapshot: snapshot})
	return nil
}

// Remove evicts fingerprint, returning whether it was present.
func (s *Store) Remove(fingerprint string) (bool, error) {
	key := normalize(fingerprint)

	s.mu.Lock()
	peer, ok := s.peers[key]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.peers, key)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.repo.Delete(key); err != nil {
		// Persistence failed; restore the in-memory view so the two stay
		// consistent rather than silently drifting.
		s.mu.Lock()
		s.peers[key] = peer
		s.mu.Unlock()
		return false, err
	}

	s.notify(Change{Kind: Removed, Peer: peer, Snapshot: snapshot})
	return true, nil
}

// Snapshot returns the current membership.
func (s *Store) Snapshot() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []Peer {
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Observe registers a new change subscriber. The caller must call the
// returned close function when done, or the channel leaks (spec §9's
// "consumers subscribe with a handle that they must close").
func (s *Store) Observe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s.mu.Lock()
	id := s.nextObsID
	s.nextObsID++
	obs := &observer{ch: make(chan Change, buffer)}
	s.observers[id] = obs
	s.mu.Unlock()

	closeFn := func() {
		s.mu.Lock()
		if o, ok := s.observers[id]; ok && !o.closed {
			o.closed = true
			close(o.ch)
			delete(s.observers, id)
		}
		s.mu.Unlock()
	}
	return obs.ch, closeFn
}

func (s *Store) notify(change Change) {
	s.mu.RLock()
	obs := make([]*observer, 0, len(s.observers))
	for _, o := range s.observers {
		obs = append(obs, o)
	}
	s.mu.RUnlock()

	for _, o := range obs {
		select {
		case o.ch <- change:
		default:
			slog.Warn("trust store observer channel full, dropping change notification", "kind", change.Kind.String())
		}
	}
}
