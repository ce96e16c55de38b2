// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists the authoritative verification state across
// process restarts.
//
// There is exactly one snapshot and one write path: the engine saves
// after every transition and loads once at construction. Any other
// copy of the flags elsewhere in the application is a cache rebuilt
// from this record, never an independent source of truth.
//
// Snapshots are signed with HMAC-SHA256 under a key derived from a
// locally stored random secret. A snapshot that fails verification is
// reported as tampered and treated by callers as absent (fail closed):
// a principal can lose a session to tampering, never gain one.
package store

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/pbkdf2"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/vaultfs/trustgate/internal/identity"
	"github.com/vaultfs/trustgate/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrTampered indicates the persisted snapshot failed integrity
	// verification. Callers must treat the state as absent.
	ErrTampered = errors.New("store: snapshot integrity check failed")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store: closed")
)

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is the persisted form of one principal's verification state.
type Snapshot struct {
	State                string             `json:"state"`
	SessionID            string             `json:"session_id"`
	CredentialVerified   bool               `json:"credential_verified"`
	SecondFactorVerified bool               `json:"second_factor_verified"`
	ChallengeVerified    bool               `json:"challenge_verified"`
	Principal            identity.Principal `json:"principal"`
	SessionExpiresAt     time.Time          `json:"session_expires_at"`
	LastActivityAt       time.Time          `json:"last_activity_at"`
}

// =============================================================================
// STORE
// =============================================================================

const (
	keyFileName = "state.key"
	saltSize    = 16
	secretSize  = 32
	pbkdf2Iters = 4096
	keySize     = 32
)

// Store is a SQLite-backed snapshot store. One row holds the single
// authoritative snapshot; saving replaces it.
type Store struct {
	db      *sql.DB
	hmacKey []byte
	closed  bool
}

// Open creates or opens a snapshot store rooted at dir. The directory
// holds the database and the integrity key material, both 0600.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	key, err := loadOrCreateKey(filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "trustgate.db"))
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS verification_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		payload BLOB NOT NULL,
		signature BLOB NOT NULL,
		saved_at TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db, hmacKey: key}, nil
}

// Save replaces the persisted snapshot.
func (s *Store) Save(snap Snapshot) error {
	if s.closed {
		return ErrClosed
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	sig := s.sign(payload)

	_, err = s.db.Exec(
		`INSERT INTO verification_state (id, payload, signature, saved_at)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload,
		   signature = excluded.signature, saved_at = excluded.saved_at`,
		payload, sig, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	return nil
}

// Load returns the persisted snapshot. The second return is false when
// no snapshot exists. A snapshot that fails integrity verification
// returns ErrTampered and is deleted.
func (s *Store) Load() (Snapshot, bool, error) {
	if s.closed {
		return Snapshot{}, false, ErrClosed
	}
	var payload, sig []byte
	err := s.db.QueryRow(
		`SELECT payload, signature FROM verification_state WHERE id = 1`,
	).Scan(&payload, &sig)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("store: load snapshot: %w", err)
	}

	if !hmac.Equal(sig, s.sign(payload)) {
		_ = s.Clear()
		return Snapshot{}, false, ErrTampered
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		_ = s.Clear()
		return Snapshot{}, false, fmt.Errorf("store: decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Clear removes the persisted snapshot.
func (s *Store) Clear() error {
	if s.closed {
		return ErrClosed
	}
	if _, err := s.db.Exec(`DELETE FROM verification_state WHERE id = 1`); err != nil {
		return fmt.Errorf("store: clear snapshot: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write(payload)
	return mac.Sum(nil)
}

// =============================================================================
// KEY MATERIAL
// =============================================================================

// loadOrCreateKey loads the integrity key material or generates it on
// first use. The file holds a random secret and salt; the HMAC key is
// derived with PBKDF2 so the on-disk secret is never used directly.
func loadOrCreateKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil && len(raw) == secretSize+saltSize {
		return deriveKey(raw[:secretSize], raw[secretSize:]), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("store: read key material: %w", err)
	}

	raw = make([]byte, secretSize+saltSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("store: generate key material: %w", err)
	}
	// A torn key file would orphan every future snapshot.
	if err := util.AtomicWriteFile(path, raw, 0600); err != nil {
		return nil, fmt.Errorf("store: write key material: %w", err)
	}
	return deriveKey(raw[:secretSize], raw[secretSize:]), nil
}

func deriveKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, pbkdf2Iters, keySize, sha256.New)
}
