// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"encoding/json"
	"fmt"
	"iter"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
)

// League groups teams and games under one season with shared membership.
type League struct {
	ID            string `json:"id"`
	SchemaVersion int    `json:"schemaVersion"`
	Name          string `json:"name,omitempty"`
	ShortName     string `json:"shortName,omitempty"`
	Season        string `json:"season,omitempty"`
	Description   string `json:"description,omitempty"`
	OwnerID       string `json:"ownerId"`

	// Members maps email to role ("admin", "scorekeeper", "viewer").
	// The owner is implicitly an admin and need not appear here.
	Members map[string]string `json:"members,omitempty"`

	// Public can be "read" to expose the league, its standings and its
	// final games to anonymous viewers.
	Public string `json:"public,omitempty"`

	CreatedAt int64 `json:"createdAt,omitempty"`
	UpdatedAt int64 `json:"updatedAt,omitempty"`

	// Status can be "active" (default/empty) or "deleted"
	Status string `json:"status,omitempty"`
	// DeletedAt is the timestamp (Unix Nano) when the league was deleted.
	DeletedAt int64 `json:"deletedAt,omitempty"`

	// LastRaftIndex tracks the index of the last Raft log entry applied to
	// this league. Used for idempotency during log replay.
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (l *League) normalize() {
	if l.SchemaVersion == 0 {
		l.SchemaVersion = CurrentSchemaVersion
	}
	if l.Members == nil {
		l.Members = make(map[string]string)
	}
}

// Role returns the league role of userId, or "" when not a member.
func (l *League) Role(userId string) string {
	if userId == l.OwnerID {
		return RoleAdmin
	}
	return l.Members[userId]
}

// LeagueMetadata contains only the fields needed for indexing.
type LeagueMetadata struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	Season    string            `json:"season,omitempty"`
	OwnerID   string            `json:"ownerId"`
	Members   map[string]string `json:"members,omitempty"`
	Public    string            `json:"public,omitempty"`
	UpdatedAt int64             `json:"updatedAt"`
	Status    string            `json:"status"`
	DeletedAt int64             `json:"deletedAt"`
}

// Metadata extracts the index-relevant fields.
func (l *League) Metadata() *LeagueMetadata {
	return &LeagueMetadata{
		ID:        l.ID,
		Name:      l.Name,
		Season:    l.Season,
		OwnerID:   l.OwnerID,
		Members:   l.Members,
		Public:    l.Public,
		UpdatedAt: l.UpdatedAt,
		Status:    l.Status,
		DeletedAt: l.DeletedAt,
	}
}

// LeagueStore manages league persistence to disk.
type LeagueStore struct {
	DataDir string
	storage *storage.Storage
	mu      sync.Map // Stores *sync.Mutex for each leagueId to protect writes
}

// NewLeagueStore creates a new LeagueStore.
func NewLeagueStore(dataDir string, s *storage.Storage) *LeagueStore {
	return &LeagueStore{
		DataDir: dataDir,
		storage: s,
		mu:      sync.Map{},
	}
}

// SaveLeague saves the league data atomically.
func (ls *LeagueStore) SaveLeague(league *League) error {
	leagueId := league.ID
	m, _ := ls.mu.LoadOrStore(leagueId, &sync.Mutex{})
	mutex := m.(*sync.Mutex)

	mutex.Lock()
	defer mutex.Unlock()

	encodedLeagueId := url.PathEscape(leagueId)
	filename := filepath.Join("leagues", fmt.Sprintf("%s.json", encodedLeagueId))

	if err := ls.storage.SaveDataFile(filename, league); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	return nil
}

// RestoreLeague writes a league unconditionally. Used by snapshot restore.
func (ls *LeagueStore) RestoreLeague(league *League) error {
	league.normalize()
	return ls.SaveLeague(league)
}

// LoadLeague loads the league data by ID.
func (ls *LeagueStore) LoadLeague(leagueId string) (*League, error) {
	encodedLeagueId := url.PathEscape(leagueId)
	filename := filepath.Join("leagues", fmt.Sprintf("%s.json", encodedLeagueId))

	var l League
	err := ls.storage.ReadDataFile(filename, &l)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	if l.SchemaVersion < SchemaVersionV2 {
		return nil, fmt.Errorf("legacy schema version %d no longer supported", l.SchemaVersion)
	}
	l.normalize()

	return &l, nil
}

// LoadLeagueAsJSON is a helper for API handlers that just want bytes.
func (ls *LeagueStore) LoadLeagueAsJSON(leagueId string) ([]byte, error) {
	l, err := ls.LoadLeague(leagueId)
	if err != nil {
		return nil, err
	}
	return json.Marshal(l)
}

// ListAllLeagueIDs returns the IDs of all leagues found on disk.
func (ls *LeagueStore) ListAllLeagueIDs() ([]string, error) {
	leaguesDir := filepath.Join(ls.DataDir, "leagues")
	files, err := os.ReadDir(leaguesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read leagues directory: %w", err)
	}

	var ids []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".json") {
			encodedLeagueId := strings.TrimSuffix(file.Name(), ".json")
			leagueId, err := url.PathUnescape(encodedLeagueId)
			if err != nil {
				continue
			}
			ids = append(ids, leagueId)
		}
	}
	return ids, nil
}

// ListAllLeagueMetadata returns an iterator over metadata for all leagues.
func (ls *LeagueStore) ListAllLeagueMetadata() iter.Seq2[LeagueMetadata, error] {
	return func(yield func(LeagueMetadata, error) bool) {
		leaguesDir := filepath.Join(ls.DataDir, "leagues")
		files, err := os.ReadDir(leaguesDir)
		if err != nil {
			if !os.IsNotExist(err) {
				yield(LeagueMetadata{}, fmt.Errorf("could not read leagues directory: %w", err))
			}
			return
		}

		for _, file := range files {
			if !file.IsDir() && strings.HasSuffix(file.Name(), ".json") {
				encodedLeagueId := strings.TrimSuffix(file.Name(), ".json")
				leagueId, err := url.PathUnescape(encodedLeagueId)
				if err != nil {
					continue
				}

				l, err := ls.LoadLeague(leagueId)
				if err != nil {
					continue
				}

				if !yield(*l.Metadata(), nil) {
					return
				}
			}
		}
	}
}

// ListAllLeagues returns an iterator over all leagues found in the flat leagues directory.
func (ls *LeagueStore) ListAllLeagues() iter.Seq2[*League, error] {
	return func(yield func(*League, error) bool) {
		leaguesDir := filepath.Join(ls.DataDir, "leagues")
		files, err := os.ReadDir(leaguesDir)
		if err != nil {
			if !os.IsNotExist(err) {
				yield(nil, fmt.Errorf("could not read leagues directory: %w", err))
			}
			return
		}

		for _, file := range files {
			if !file.IsDir() && strings.HasSuffix(file.Name(), ".json") {
				encodedLeagueId := strings.TrimSuffix(file.Name(), ".json")
				leagueId, err := url.PathUnescape(encodedLeagueId)
				if err != nil {
					continue
				}

				l, err := ls.LoadLeague(leagueId)
				if err != nil {
					log.Printf("Warning: could not load league '%s': %v", leagueId, err)
					continue
				}
				l.normalize()
				if !yield(l, nil) {
					return
				}
			}
		}
	}
}

// DeleteLeague deletes a specific league by overwriting it with a tombstone.
func (ls *LeagueStore) DeleteLeague(leagueId string) error {
	// Load first to get OwnerID
	l, err := ls.LoadLeague(leagueId)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	m, _ := ls.mu.LoadOrStore(leagueId, &sync.Mutex{})
	mutex := m.(*sync.Mutex)

	mutex.Lock()
	defer mutex.Unlock()

	// Create Tombstone
	tombstone := &League{
		ID:            leagueId,
		SchemaVersion: CurrentSchemaVersion,
		OwnerID:       l.OwnerID,
		Status:        "deleted",
		DeletedAt:     time.Now().UnixNano(),
	}

	encodedLeagueId := url.PathEscape(leagueId)
	filename := filepath.Join("leagues", fmt.Sprintf("%s.json", encodedLeagueId))

	if err := ls.storage.SaveDataFile(filename, tombstone); err != nil {
		return fmt.Errorf("storage.SaveDataFile (tombstone): %w", err)
	}
	return nil
}

// PurgeLeague permanently deletes the league file.
func (ls *LeagueStore) PurgeLeague(leagueId string) error {
	m, _ := ls.mu.LoadOrStore(leagueId, &sync.Mutex{})
	mutex := m.(*sync.Mutex)

	mutex.Lock()
	defer mutex.Unlock()

	encodedLeagueId := url.PathEscape(leagueId)
	filename := filepath.Join("leagues", fmt.Sprintf("%s.json", encodedLeagueId))
	fullPath := filepath.Join(ls.DataDir, filename)

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil // Already gone
		}
		return fmt.Errorf("could not purge league file: %w", err)
	}
	return nil
}
