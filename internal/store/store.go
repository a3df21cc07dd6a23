// Package store implements the concrete persisted-state layer spec §6
// calls for: SecureIdentityStore, PeerRepository, SubscriptionRepository,
// and an opaque application-settings key-value store, all backed by one
// migrate-on-open SQLite database, following the teacher's
// server/internal/store/store.go (migrate-on-open, %w-wrapped errors).
// Migrations run through ExecContext; the repository methods use plain
// Exec/Query, and only identity and trusted-peer writes are logged.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cribcall/cribcall/internal/subscription"
	"github.com/cribcall/cribcall/internal/trust"
)

// Store wraps the single SQLite connection shared by every repository
// adapter this package exposes. Each of spec §6's abstract stores is owned
// exclusively by its corresponding component (C1 owns identity bytes, C4
// owns trust, C7 owns subscriptions) even though they share one physical
// database file, matching the teacher's single-file SQLite layout.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs migrations.
// SQLite commits are atomic by construction, satisfying spec §6's "atomic
// write (write-to-temp-then-rename)" requirement for the identity and trust
// tables without a separate file-rename dance (see DESIGN.md).
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer simplicity over a LAN device store

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS identity (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	device_id TEXT NOT NULL,
	certificate_der BLOB NOT NULL,
	private_key_der BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS trusted_peers (
	fingerprint TEXT PRIMARY KEY,
	remote_device_id TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	certificate_der BLOB,
	last_known_address TEXT NOT NULL DEFAULT '',
	out_of_band_delivery_token TEXT NOT NULL DEFAULT '',
	added_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	subscription_id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	certificate_fingerprint TEXT NOT NULL,
	delivery_token TEXT NOT NULL,
	platform_tag TEXT NOT NULL DEFAULT '',
	delivery_kind TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	expires_at_unix_ms INTEGER NOT NULL,
	threshold_override INTEGER,
	cooldown_seconds_override INTEGER,
	auto_stream_type_override TEXT,
	auto_stream_duration_override INTEGER,
	last_delivered_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_device ON subscriptions(device_id);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// --- identity.Store adapter (C1) ---

// IdentityStore adapts Store to identity.Store. A device has exactly one
// identity row (spec §3: "Immutable after first creation").
type IdentityStore struct{ s *Store }

// Identity returns the identity.Store adapter over s.
func (s *Store) Identity() *IdentityStore { return &IdentityStore{s: s} }

func (i *IdentityStore) Get() (der, keyDER []byte, deviceID string, ok bool, err error) {
	row := i.s.db.QueryRow(`SELECT device_id, certificate_der, private_key_der FROM identity WHERE id = 1`)
	err = row.Scan(&deviceID, &der, &keyDER)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, "", false, nil
	}
	if err != nil {
		return nil, nil, "", false, fmt.Errorf("store: query identity: %w", err)
	}
	return der, keyDER, deviceID, true, nil
}

func (i *IdentityStore) Put(der, keyDER []byte, deviceID string) error {
	const q = `INSERT INTO identity (id, device_id, certificate_der, private_key_der) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET device_id = excluded.device_id, certificate_der = excluded.certificate_der, private_key_der = excluded.private_key_der`
	if _, err := i.s.db.Exec(q, deviceID, der, keyDER); err != nil {
		return fmt.Errorf("store: persist identity: %w", err)
	}
	slog.Info("identity persisted", "device_id", deviceID)
	return nil
}

// --- trust.Repository adapter (C4) ---

// PeerRepository adapts Store to trust.Repository.
type PeerRepository struct{ s *Store }

func (s *Store) Peers() *PeerRepository { return &PeerRepository{s: s} }

func (p *PeerRepository) List() ([]trust.Peer, error) {
	rows, err := p.s.db.Query(`SELECT fingerprint, remote_device_id, display_name, certificate_der, last_known_address, out_of_band_delivery_token, added_at_unix_ms FROM trusted_peers`)
	if err != nil {
		return nil, fmt.Errorf("store: query trusted peers: %w", err)
	}
	defer rows.Close()

	var out []trust.Peer
	for rows.Next() {
		var (
			peer      trust.Peer
			certDER   []byte
			addedUnix int64
		)
		if err := rows.Scan(&peer.CertificateFingerprint, &peer.RemoteDeviceID, &peer.DisplayName, &certDER, &peer.LastKnownAddress, &peer.OutOfBandDeliveryToken, &addedUnix); err != nil {
			return nil, fmt.Errorf("store: scan trusted peer: %w", err)
		}
		if len(certDER) > 0 {
			peer.CertificateDER = certDER
		}
		peer.AddedAt = time.UnixMilli(addedUnix).UTC()
		out = append(out, peer)
	}
	return out, rows.Err()
}

func (p *PeerRepository) Put(peer trust.Peer) error {
	const q = `INSERT INTO trusted_peers (fingerprint, remote_device_id, display_name, certificate_der, last_known_address, out_of_band_delivery_token, added_at_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			remote_device_id = excluded.remote_device_id,
			display_name = excluded.display_name,
			certificate_der = excluded.certificate_der,
			last_known_address = excluded.last_known_address,
			out_of_band_delivery_token = excluded.out_of_band_delivery_token,
			added_at_unix_ms = excluded.added_at_unix_ms`
	_, err := p.s.db.Exec(q, peer.CertificateFingerprint, peer.RemoteDeviceID, peer.DisplayName, peer.CertificateDER, peer.LastKnownAddress, peer.OutOfBandDeliveryToken, peer.AddedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: persist trusted peer: %w", err)
	}
	slog.Debug("trusted peer persisted", "fingerprint", peer.CertificateFingerprint)
	return nil
}

func (p *PeerRepository) Delete(fingerprint string) error {
	if _, err := p.s.db.Exec(`DELETE FROM trusted_peers WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("store: delete trusted peer: %w", err)
	}
	return nil
}

// --- subscription.Repository adapter (C7) ---

// SubscriptionRepository adapts Store to subscription.Repository.
type SubscriptionRepository struct{ s *Store }

func (s *Store) Subscriptions() *SubscriptionRepository { return &SubscriptionRepository{s: s} }

func (r *SubscriptionRepository) List() ([]subscription.Subscription, error) {
	rows, err := r.s.db.Query(`SELECT subscription_id, device_id, certificate_fingerprint, delivery_token, platform_tag, delivery_kind, webhook_url, expires_at_unix_ms, threshold_override, cooldown_seconds_override, auto_stream_type_override, auto_stream_duration_override, last_delivered_at_unix_ms FROM subscriptions`)
	if err != nil {
		return nil, fmt.Errorf("store: query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []subscription.Subscription
	for rows.Next() {
		var (
			sub        subscription.Subscription
			kind       string
			expiresAt  int64
			threshold  sql.NullInt64
			cooldown   sql.NullInt64
			streamType sql.NullString
			streamDur  sql.NullInt64
		)
		if err := rows.Scan(&sub.SubscriptionID, &sub.DeviceID, &sub.CertificateFingerprint, &sub.DeliveryToken, &sub.PlatformTag, &kind, &sub.WebhookURL, &expiresAt, &threshold, &cooldown, &streamType, &streamDur, &sub.LastDeliveredAt); err != nil {
			return nil, fmt.Errorf("store: scan subscription: %w", err)
		}
		sub.DeliveryKind = subscription.DeliveryKind(kind)
		sub.ExpiresAt = time.UnixMilli(expiresAt).UTC()
		if threshold.Valid {
			v := int(threshold.Int64)
			sub.ThresholdOverride = &v
		}
		if cooldown.Valid {
			v := int(cooldown.Int64)
			sub.CooldownSecondsOverride = &v
		}
		if streamType.Valid {
			v := streamType.String
			sub.AutoStreamTypeOverride = &v
		}
		if streamDur.Valid {
			v := int(streamDur.Int64)
			sub.AutoStreamDurationOverride = &v
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (r *SubscriptionRepository) Put(sub subscription.Subscription) error {
	const q = `INSERT INTO subscriptions (subscription_id, device_id, certificate_fingerprint, delivery_token, platform_tag, delivery_kind, webhook_url, expires_at_unix_ms, threshold_override, cooldown_seconds_override, auto_stream_type_override, auto_stream_duration_override, last_delivered_at_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subscription_id) DO UPDATE SET
			device_id = excluded.device_id,
			certificate_fingerprint = excluded.certificate_fingerprint,
			delivery_token = excluded.delivery_token,
			platform_tag = excluded.platform_tag,
			delivery_kind = excluded.delivery_kind,
			webhook_url = excluded.webhook_url,
			expires_at_unix_ms = excluded.expires_at_unix_ms,
			threshold_override = excluded.threshold_override,
			cooldown_seconds_override = excluded.cooldown_seconds_override,
			auto_stream_type_override = excluded.auto_stream_type_override,
			auto_stream_duration_override = excluded.auto_stream_duration_override,
			last_delivered_at_unix_ms = excluded.last_delivered_at_unix_ms`
	_, err := r.s.db.Exec(q,
		sub.SubscriptionID, sub.DeviceID, sub.CertificateFingerprint, sub.DeliveryToken, sub.PlatformTag,
		string(sub.DeliveryKind), sub.WebhookURL, sub.ExpiresAt.UnixMilli(),
		nullableInt(sub.ThresholdOverride), nullableInt(sub.CooldownSecondsOverride),
		nullableString(sub.AutoStreamTypeOverride), nullableInt(sub.AutoStreamDurationOverride),
		sub.LastDeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("store: persist subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) Delete(subscriptionID string) error {
	if _, err := r.s.db.Exec(`DELETE FROM subscriptions WHERE subscription_id = ?`, subscriptionID); err != nil {
		return fmt.Errorf("store: delete subscription: %w", err)
	}
	return nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// --- application settings KV (spec §6's "opaque key-value interface") ---

// Settings adapts Store to a simple opaque key-value store for application
// settings (spec §6's "Persisted state layout ... application settings").
type Settings struct{ s *Store }

func (s *Store) SettingsKV() *Settings { return &Settings{s: s} }

func (kv *Settings) Get(key string) (value string, ok bool, err error) {
	row := kv.s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key)
	err = row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get setting %q: %w", key, err)
	}
	return value, true, nil
}

func (kv *Settings) Put(key, value string) error {
	const q = `INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := kv.s.db.Exec(q, key, value); err != nil {
		return fmt.Errorf("store: put setting %q: %w", key, err)
	}
	return nil
}

func (kv *Settings) Delete(key string) error {
	if _, err := kv.s.db.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store: delete setting %q: %w", key, err)
	}
	return nil
}

func (kv *Settings) List() (map[string]string, error) {
	rows, err := kv.s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("store: list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
