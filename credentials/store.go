// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound reports that the store has no record for the requested
// serial. Testable with errors.Is.
var ErrNotFound = errors.New("credentials: no stored identity for serial")

// Identity is one robot's stored credentials. Serial is the stable
// primary key; the remaining fields are what a session needs to reach
// and authenticate to the robot.
type Identity struct {
	// Serial is the robot's serial number (e.g., "00e20100"),
	// lowercase. Printed on the robot's underside and shown on its
	// debug screen.
	Serial string `yaml:"-"`

	// Name is the robot's advertised name (e.g., "Vector-A1B2"). The
	// robot's TLS certificate is issued to this name, so it doubles
	// as the expected server name during the handshake.
	Name string `yaml:"name"`

	// Address is the last-known "host:port" of the robot. Refreshed
	// by discovery when stale.
	Address string `yaml:"ip"`

	// Token is the opaque access token issued at pairing, presented
	// with every call.
	Token string `yaml:"guid"`

	// Cert is the robot's self-signed certificate, PEM-encoded. It is
	// pinned as the sole trust root when dialing.
	Cert []byte `yaml:"cert"`
}

// Validate reports whether the identity carries everything a session
// needs to open a connection.
func (id Identity) Validate() error {
	if id.Serial == "" {
		return fmt.Errorf("credentials: identity missing serial")
	}
	if id.Address == "" {
		return fmt.Errorf("credentials: identity %s missing address", id.Serial)
	}
	if id.Token == "" {
		return fmt.Errorf("credentials: identity %s missing access token", id.Serial)
	}
	if len(id.Cert) == 0 {
		return fmt.Errorf("credentials: identity %s missing certificate", id.Serial)
	}
	return nil
}

// Store reads and writes identities in a YAML file, one record per
// serial. Concurrent reads are safe; writes are serialized by an
// internal mutex (the store is never on a hot path).
type Store struct {
	path string

	mu sync.Mutex
}

// DefaultPath returns the per-user credential file location,
// ~/.anki_vector/sdk_config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("credentials: resolving home directory: %w", err)
	}
	return filepath.Join(home, ".anki_vector", "sdk_config.yaml"), nil
}

// NewStore returns a Store backed by the file at path. The file need
// not exist yet; the first Save creates it (and its parent directory)
// with owner-only permissions.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the identity stored for serial. Returns ErrNotFound
// when the file does not exist or has no record for the serial.
func (s *Store) Load(serial string) (Identity, error) {
	serial = strings.ToLower(serial)

	records, err := s.readAll()
	if err != nil {
		return Identity{}, err
	}
	record, ok := records[serial]
	if !ok {
		return Identity{}, fmt.Errorf("%w: %s", ErrNotFound, serial)
	}
	record.Serial = serial
	return record, nil
}

// Save upserts the identity's record, keyed by its serial. The file is
// written atomically (temporary file, fsync, rename) so a concurrent
// reader never sees a partial file.
func (s *Store) Save(identity Identity) error {
	if identity.Serial == "" {
		return fmt.Errorf("credentials: cannot save identity without serial")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if records == nil {
		records = make(map[string]Identity)
	}
	records[strings.ToLower(identity.Serial)] = identity

	return s.writeAll(records)
}

// readAll parses the whole credential file. A missing file reads as an
// empty store (callers distinguish via the serial lookup); any other
// I/O or parse failure is returned as-is.
func (s *Store) readAll() (map[string]Identity, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("credentials: reading %s: %w", s.path, err)
	}

	var records map[string]Identity
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("credentials: parsing %s: %w", s.path, err)
	}
	return records, nil
}

// writeAll atomically replaces the credential file. Mode 0600 — the
// file holds access tokens.
func (s *Store) writeAll(records map[string]Identity) error {
	data, err := yaml.Marshal(records)
	if err != nil {
		return fmt.Errorf("credentials: encoding records: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("credentials: creating config directory: %w", err)
	}

	temporaryPath := s.path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("credentials: creating temporary file: %w", err)
	}

	// Write, sync, close — in that order, removing the temporary file
	// on the first failure.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("credentials: writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("credentials: syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("credentials: closing temporary file: %w", err)
	}

	if err := os.Rename(temporaryPath, s.path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("credentials: renaming into place: %w", err)
	}
	return nil
}

// List returns the serials with stored identities, in no particular
// order. A missing file lists as empty.
func (s *Store) List() ([]string, error) {
	records, err := s.readAll()
	if err != nil {
		return nil, err
	}
	serials := make([]string, 0, len(records))
	for serial := range records {
		serials = append(serials, serial)
	}
	return serials, nil
}
