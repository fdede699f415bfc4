// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/gatehouse-dev/gatehouse/lib/clock"
)

// ErrNotFound is returned when a record id does not exist in the store.
var ErrNotFound = errors.New("sandbox record not found")

// Store is the durable sandbox record store. Every mutation rewrites
// the full record set to the snapshot file before returning, using a
// write-to-temporary-then-rename pattern so a crash mid-write never
// corrupts the previous valid snapshot.
//
// The mutex serializes the whole read-merge-write cycle. Orchestration
// goroutines each mutate their own record, but they share the one
// snapshot file.
type Store struct {
	mu      sync.Mutex
	path    string
	records []*Record
	clock   clock.Clock
	logger  *slog.Logger
}

// NewStore opens the store backed by the snapshot file at path. A
// missing snapshot starts the store empty (first run). A corrupt or
// unreadable snapshot also starts empty, with a logged warning —
// availability after operator error beats refusing to start.
func NewStore(path string, clk clock.Clock, logger *slog.Logger) (*Store, error) {
	store := &Store{
		path:   path,
		clock:  clk,
		logger: logger,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("sandbox snapshot unreadable, starting empty",
				"path", path, "error", err)
		}
		return store, nil
	}

	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		logger.Warn("sandbox snapshot corrupt, starting empty",
			"path", path, "error", err)
		return store, nil
	}

	store.records = records
	logger.Info("sandbox snapshot loaded", "path", path, "records", len(records))
	return store, nil
}

// Create adds a new record in state creating with a freshly generated
// id and persists the snapshot. agent, branch, and networkPolicy may
// be empty.
func (s *Store) Create(repo, agent, branch, networkPolicy string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := &Record{
		ID:            uuid.NewString(),
		Repo:          repo,
		Agent:         agent,
		Branch:        branch,
		State:         StateCreating,
		NetworkPolicy: networkPolicy,
		CreatedAt:     s.clock.Now().UTC(),
	}

	next := append(append([]*Record(nil), s.records...), record)
	if err := s.persist(next); err != nil {
		return nil, err
	}
	s.records = next
	return record.clone(), nil
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(id string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.records {
		if record.ID == id {
			return record.clone(), true
		}
	}
	return nil, false
}

// List returns copies of all records in creation order.
func (s *Store) List() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]*Record, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record.clone())
	}
	return records
}

// Update merges the partial update into the record with the given id
// and persists the snapshot. The merge is all-or-nothing: when
// persistence fails, the in-memory record is left untouched and the
// error is returned. Returns ErrNotFound for an unknown id.
func (s *Store) Update(id string, update Update) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := -1
	for i, record := range s.records {
		if record.ID == id {
			index = i
			break
		}
	}
	if index == -1 {
		return nil, fmt.Errorf("updating %s: %w", id, ErrNotFound)
	}

	merged := update.apply(s.records[index])
	next := append([]*Record(nil), s.records...)
	next[index] = merged

	if err := s.persist(next); err != nil {
		return nil, err
	}
	s.records = next
	return merged.clone(), nil
}

// Remove deletes the record with the given id and persists the
// snapshot. Returns false when the id is unknown.
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := -1
	for i, record := range s.records {
		if record.ID == id {
			index = i
			break
		}
	}
	if index == -1 {
		return false, nil
	}

	next := append(append([]*Record(nil), s.records[:index]...), s.records[index+1:]...)
	if err := s.persist(next); err != nil {
		return false, err
	}
	s.records = next
	return true, nil
}

// persist atomically rewrites the snapshot file with the given record
// set. The data is written to a temporary file in the same directory,
// fsynced, and renamed into place, then the parent directory is synced
// so the rename survives power loss.
func (s *Store) persist(records []*Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling sandbox snapshot: %w", err)
	}
	data = append(data, '\n')

	temporaryPath := s.path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary snapshot: %w", err)
	}

	// Write, sync, close — in that order. If any step fails, remove
	// the temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary snapshot: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary snapshot: %w", err)
	}

	if err := os.Rename(temporaryPath, s.path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}

	if parent, err := os.Open(filepath.Dir(s.path)); err == nil {
		parent.Sync()
		parent.Close()
	}

	return nil
}
