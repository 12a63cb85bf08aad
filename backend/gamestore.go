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

// Player represents a rostered player.
type Player struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Number string `json:"number"`
	Pos    string `json:"pos,omitempty"`
	Height string `json:"height,omitempty"`
}

// RosterSlot tracks who occupies a lineup spot over the course of a game.
type RosterSlot struct {
	Slot    int      `json:"slot"`
	Starter Player   `json:"starter"`
	Current Player   `json:"current"`
	History []Player `json:"history,omitempty"`
}

// Permissions defines access control for a game.
type Permissions struct {
	Public string            `json:"public"` // "none", "read"
	Users  map[string]string `json:"users"`  // "email": "read"|"write"|"admin"
}

// DerivedState is the server-computed live view of the action log.
// It is rebuilt incrementally as actions apply and fully by
// RecomputeDerived; it is never edited directly by clients.
type DerivedState struct {
	AwayScore int `json:"awayScore"`
	HomeScore int `json:"homeScore"`
	Period    int `json:"period"`

	// TeamFouls holds per-period foul counts, index period-1.
	TeamFouls map[string][]int `json:"teamFouls,omitempty"`

	PlayerFouls  map[string]int      `json:"playerFouls,omitempty"`
	FouledOut    []string            `json:"fouledOut,omitempty"`
	OnCourt      map[string][]string `json:"onCourt,omitempty"`
	TimeoutsUsed map[string]int      `json:"timeoutsUsed,omitempty"`
}

func newDerivedState() *DerivedState {
	return &DerivedState{
		Period:       1,
		TeamFouls:    map[string][]int{SideAway: {0}, SideHome: {0}},
		PlayerFouls:  make(map[string]int),
		OnCourt:      make(map[string][]string),
		TimeoutsUsed: make(map[string]int),
	}
}

// Game represents the full game state as stored on disk.
type Game struct {
	ID            string            `json:"id"`
	SchemaVersion int               `json:"schemaVersion"`
	LeagueID      string            `json:"leagueId,omitempty"`
	Date          string            `json:"date,omitempty"`
	Location      string            `json:"location,omitempty"`
	Event         string            `json:"event,omitempty"`
	Away          string            `json:"away,omitempty"`
	Home          string            `json:"home,omitempty"`
	Status        string            `json:"status"`
	OwnerID       string            `json:"ownerId"`
	Permissions   Permissions       `json:"permissions,omitempty"`
	AwayTeamID    string            `json:"awayTeamId,omitempty"`
	HomeTeamID    string            `json:"homeTeamId,omitempty"`
	FoulLimit     int               `json:"foulLimit,omitempty"`
	ActionLog     []json.RawMessage `json:"actionLog,omitempty"`

	// LastActionID is the ID of the most recently appended action. It is
	// the revision clients sync against.
	LastActionID string `json:"lastActionId,omitempty"`

	// Derived is the authoritative score/foul/lineup state computed from
	// the action log.
	Derived *DerivedState `json:"derived,omitempty"`

	// Roster maps side ("away"/"home") to lineup slots.
	Roster map[string][]RosterSlot `json:"roster,omitempty"`

	// DeletedAt is the timestamp (Unix Nano) when the game was deleted.
	DeletedAt int64 `json:"deletedAt,omitempty"`

	// LastRaftIndex tracks the index of the last Raft log entry applied to this game.
	// Used for idempotency during log replay.
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (g *Game) normalize() {
	if g.SchemaVersion == 0 {
		g.SchemaVersion = CurrentSchemaVersion
	}
	if g.Permissions.Users == nil {
		g.Permissions.Users = make(map[string]string)
	}
	if g.ActionLog == nil {
		g.ActionLog = make([]json.RawMessage, 0)
	}
	if g.Roster == nil {
		g.Roster = make(map[string][]RosterSlot)
	}
	if g.Derived == nil {
		g.Derived = newDerivedState()
	}
}

// Metadata extracts the index-relevant fields.
func (g *Game) Metadata() *GameMetadata {
	m := &GameMetadata{
		ID:            g.ID,
		SchemaVersion: g.SchemaVersion,
		LeagueID:      g.LeagueID,
		OwnerID:       g.OwnerID,
		Permissions:   g.Permissions,
		AwayTeamID:    g.AwayTeamID,
		HomeTeamID:    g.HomeTeamID,
		Date:          g.Date,
		Location:      g.Location,
		Event:         g.Event,
		Away:          g.Away,
		Home:          g.Home,
		Status:        g.Status,
		DeletedAt:     g.DeletedAt,
	}
	if g.Derived != nil {
		m.AwayScore = g.Derived.AwayScore
		m.HomeScore = g.Derived.HomeScore
	}
	return m
}

// GameStore manages game persistence to disk.
type GameStore struct {
	DataDir string
	Debug   bool
	storage *storage.Storage
	mu      sync.Map // Stores *sync.RWMutex for each gameId to protect writes and reads
	cache   sync.Map // Stores the latest []byte (JSON) for each gameId

	dirtyMu sync.Mutex
	dirty   map[string]bool
}

// NewGameStore creates a new GameStore.
func NewGameStore(dataDir string, s *storage.Storage) *GameStore {
	return &GameStore{
		DataDir: dataDir,
		storage: s,
		mu:      sync.Map{},
		cache:   sync.Map{},
		dirty:   make(map[string]bool),
	}
}

// SaveGame saves the game data atomically.
func (gs *GameStore) SaveGame(game *Game) error {
	gameId := game.ID
	// Get or create a mutex for this specific game
	m, _ := gs.mu.LoadOrStore(gameId, &sync.RWMutex{})
	mutex := m.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	encodedGameId := url.PathEscape(gameId)
	filename := filepath.Join("games", fmt.Sprintf("%s.json", encodedGameId))
	metaFilename := filepath.Join("games", fmt.Sprintf("%s.meta.json", encodedGameId))

	if len(game.ActionLog) == 0 && game.Status != "deleted" {
		log.Printf("SaveGame WARNING: Saving game %s with 0 actions!", gameId)
	}

	if err := gs.storage.SaveDataFile(filename, game); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}

	// Save Metadata Sidecar
	if err := gs.storage.SaveDataFile(metaFilename, game.Metadata()); err != nil {
		log.Printf("Warning: Failed to save metadata sidecar for game %s: %v", gameId, err)
		// Non-fatal, we can fall back to main file
	}

	// Keep the cache warm for LoadGame callers.
	if jsonBytes, err := json.Marshal(game); err == nil {
		gs.cache.Store(gameId, jsonBytes)
	}

	gs.dirtyMu.Lock()
	delete(gs.dirty, gameId)
	gs.dirtyMu.Unlock()

	return nil
}

// SaveGameInMemory updates the in-memory cache and marks the game as dirty.
// If forceSync is true, it writes to disk immediately (behaving like SaveGame).
func (gs *GameStore) SaveGameInMemory(game *Game, forceSync bool) error {
	// 1. Update Cache (Authoritative)
	jsonBytes, err := json.Marshal(game)
	if err != nil {
		return err
	}
	gs.cache.Store(game.ID, jsonBytes)

	// 2. Handle Persistence
	if forceSync {
		return gs.SaveGame(game)
	}

	// 3. Mark as Dirty
	gs.dirtyMu.Lock()
	gs.dirty[game.ID] = true
	gs.dirtyMu.Unlock()

	return nil
}

// Flush persists a specific game to disk if it is dirty.
func (gs *GameStore) Flush(gameId string) error {
	gs.dirtyMu.Lock()
	if !gs.dirty[gameId] {
		gs.dirtyMu.Unlock()
		return nil
	}
	gs.dirtyMu.Unlock()

	// The cache holds the authoritative copy for dirty games.
	val, ok := gs.cache.Load(gameId)
	if !ok {
		gs.dirtyMu.Lock()
		delete(gs.dirty, gameId)
		gs.dirtyMu.Unlock()
		return fmt.Errorf("game %s marked dirty but not found in cache", gameId)
	}

	var g Game
	if err := json.Unmarshal(val.([]byte), &g); err != nil {
		return fmt.Errorf("failed to unmarshal game from cache for flush: %w", err)
	}

	// SaveGame will clear the dirty flag
	return gs.SaveGame(&g)
}

// FlushAll persists all dirty games to disk.
func (gs *GameStore) FlushAll() error {
	gs.dirtyMu.Lock()
	// Copy dirty keys to slice to release lock while flushing
	dirtyIds := make([]string, 0, len(gs.dirty))
	for id := range gs.dirty {
		dirtyIds = append(dirtyIds, id)
	}
	gs.dirtyMu.Unlock()

	for _, id := range dirtyIds {
		if err := gs.Flush(id); err != nil {
			return fmt.Errorf("failed to flush game %s: %w", id, err)
		}
	}
	return nil
}

// LoadGame loads the game data by game ID.
func (gs *GameStore) LoadGame(gameId string) (*Game, error) {
	if val, ok := gs.cache.Load(gameId); ok {
		var g Game
		if err := json.Unmarshal(val.([]byte), &g); err == nil {
			if gs.Debug {
				log.Printf("[CACHE] Hit for game %s", gameId)
			}
			g.normalize()
			return &g, nil
		}
		// If unmarshal fails, proceed to load from disk
		gs.cache.Delete(gameId)
	}
	if gs.Debug {
		log.Printf("[CACHE] Miss for game %s", gameId)
	}

	m, _ := gs.mu.LoadOrStore(gameId, &sync.RWMutex{})
	mutex := m.(*sync.RWMutex)

	mutex.RLock()
	defer mutex.RUnlock()

	encodedGameId := url.PathEscape(gameId)
	filename := filepath.Join("games", fmt.Sprintf("%s.json", encodedGameId))

	var g Game
	err := gs.storage.ReadDataFile(filename, &g)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	if g.SchemaVersion < SchemaVersionV2 {
		return nil, fmt.Errorf("legacy schema version %d no longer supported", g.SchemaVersion)
	}
	g.normalize()

	// Update cache
	if jsonBytes, err := json.Marshal(&g); err == nil {
		gs.cache.Store(gameId, jsonBytes)
	}

	return &g, nil
}

// LoadGameAsJSON is a helper for API handlers that just want bytes.
func (gs *GameStore) LoadGameAsJSON(gameId string) ([]byte, error) {
	g, err := gs.LoadGame(gameId)
	if err != nil {
		return nil, err
	}
	return json.Marshal(g)
}

// RestoreGame writes a game unconditionally, bypassing the dirty tracking.
// Used by snapshot restore.
func (gs *GameStore) RestoreGame(g *Game) error {
	g.normalize()
	return gs.SaveGame(g)
}

// DeleteGame deletes a specific game by overwriting it with a tombstone.
func (gs *GameStore) DeleteGame(gameId string) error {
	// Load first to get OwnerID
	g, err := gs.LoadGame(gameId)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	m, _ := gs.mu.LoadOrStore(gameId, &sync.RWMutex{})
	mutex := m.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	// Create tombstone
	tombstone := &Game{
		ID:            gameId,
		SchemaVersion: CurrentSchemaVersion,
		LeagueID:      g.LeagueID,
		Status:        "deleted",
		OwnerID:       g.OwnerID,
		DeletedAt:     time.Now().UnixNano(),
	}

	encodedGameId := url.PathEscape(gameId)
	filename := filepath.Join("games", fmt.Sprintf("%s.json", encodedGameId))
	metaFilename := filepath.Join("games", fmt.Sprintf("%s.meta.json", encodedGameId))

	if err := gs.storage.SaveDataFile(filename, tombstone); err != nil {
		return fmt.Errorf("storage.SaveDataFile (tombstone): %w", err)
	}

	// Save Metadata Tombstone
	if err := gs.storage.SaveDataFile(metaFilename, tombstone.Metadata()); err != nil {
		log.Printf("Warning: Failed to save metadata tombstone for game %s: %v", gameId, err)
	}

	// Update cache with tombstone
	if jsonBytes, err := json.Marshal(tombstone); err == nil {
		gs.cache.Store(gameId, jsonBytes)
	}

	return nil
}

// PurgeGame permanently deletes the game file.
func (gs *GameStore) PurgeGame(gameId string) error {
	m, _ := gs.mu.LoadOrStore(gameId, &sync.RWMutex{})
	mutex := m.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	gs.cache.Delete(gameId)

	encodedGameId := url.PathEscape(gameId)
	filename := filepath.Join("games", fmt.Sprintf("%s.json", encodedGameId))
	metaFilename := filepath.Join("games", fmt.Sprintf("%s.meta.json", encodedGameId))
	fullPath := filepath.Join(gs.DataDir, filename)
	fullMetaPath := filepath.Join(gs.DataDir, metaFilename)

	if err := os.Remove(fullPath); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("could not purge game file: %w", err)
		}
	}
	if err := os.Remove(fullMetaPath); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Warning: could not purge meta file for game %s: %v", gameId, err)
		}
	}
	return nil
}

// GameSummary represents a summary of a game for list views.
type GameSummary struct {
	ID        string `json:"id"`
	LeagueID  string `json:"leagueId,omitempty"`
	Date      string `json:"date"`
	Location  string `json:"location"`
	Event     string `json:"event"`
	Away      string `json:"away"`
	Home      string `json:"home"`
	AwayScore int    `json:"awayScore"`
	HomeScore int    `json:"homeScore"`
	Revision  string `json:"revision"`
	Status    string `json:"status"`
	OwnerID   string `json:"ownerId"`
}

// GameMetadata contains only the fields needed for indexing and standings.
type GameMetadata struct {
	ID            string      `json:"id"`
	SchemaVersion int         `json:"schemaVersion,omitempty"`
	LeagueID      string      `json:"leagueId,omitempty"`
	OwnerID       string      `json:"ownerId"`
	Permissions   Permissions `json:"permissions"`
	AwayTeamID    string      `json:"awayTeamId"`
	HomeTeamID    string      `json:"homeTeamId"`
	Date          string      `json:"date,omitempty"`
	Location      string      `json:"location,omitempty"`
	Event         string      `json:"event,omitempty"`
	Away          string      `json:"away,omitempty"`
	Home          string      `json:"home,omitempty"`
	AwayScore     int         `json:"awayScore,omitempty"`
	HomeScore     int         `json:"homeScore,omitempty"`
	Status        string      `json:"status"`
	DeletedAt     int64       `json:"deletedAt"`
}

// ListAllGameIDs returns the IDs of all games found on disk or dirty in memory.
func (gs *GameStore) ListAllGameIDs() ([]string, error) {
	gamesDir := filepath.Join(gs.DataDir, "games")
	files, err := os.ReadDir(gamesDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not read games directory: %w", err)
	}

	seen := make(map[string]bool)
	var ids []string
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || strings.HasSuffix(name, ".meta.json") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	gs.dirtyMu.Lock()
	for id := range gs.dirty {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	gs.dirtyMu.Unlock()

	return ids, nil
}

// ListAllGameMetadata returns metadata for all games without loading full action logs.
func (gs *GameStore) ListAllGameMetadata() iter.Seq2[GameMetadata, error] {
	return func(yield func(GameMetadata, error) bool) {
		// 1. Scan Disk
		gamesDir := filepath.Join(gs.DataDir, "games")
		files, err := os.ReadDir(gamesDir)
		if err != nil && !os.IsNotExist(err) {
			yield(GameMetadata{}, fmt.Errorf("could not read games directory: %w", err))
			return
		}

		hasMeta := make(map[string]bool)
		hasGame := make(map[string]bool)

		for _, file := range files {
			if file.IsDir() {
				continue
			}
			name := file.Name()
			if strings.HasSuffix(name, ".meta.json") {
				encodedId := strings.TrimSuffix(name, ".meta.json")
				if id, err := url.PathUnescape(encodedId); err == nil {
					hasMeta[id] = true
				}
			} else if strings.HasSuffix(name, ".json") {
				encodedId := strings.TrimSuffix(name, ".json")
				if id, err := url.PathUnescape(encodedId); err == nil {
					hasGame[id] = true
				}
			}
		}

		processed := make(map[string]bool)

		// 2. Metadata sidecars (fast path)
		for id := range hasMeta {
			processed[id] = true

			encodedGameId := url.PathEscape(id)
			metaFilename := filepath.Join("games", fmt.Sprintf("%s.meta.json", encodedGameId))

			var meta GameMetadata
			if err := gs.storage.ReadDataFile(metaFilename, &meta); err != nil {
				log.Printf("Registry Warning: failed to load metadata for %s: %v. Falling back to main file.", id, err)
				hasGame[id] = true
				processed[id] = false
				continue
			}

			if !yield(meta, nil) {
				return
			}
		}

		// 3. Remaining game files (fallback path)
		for id := range hasGame {
			if processed[id] {
				continue
			}
			processed[id] = true

			g, err := gs.LoadGame(id)
			if err != nil {
				log.Printf("Registry Warning: failed to load game %s from disk: %v", id, err)
				continue
			}

			if !yield(*g.Metadata(), nil) {
				return
			}
		}

		// 4. Dirty cache (games created in memory but not yet flushed).
		// The dirty copy is authoritative; skip IDs already yielded since
		// rebuilds run mostly on startup when the dirty set is empty.
		gs.dirtyMu.Lock()
		dirtyIds := make([]string, 0, len(gs.dirty))
		for id := range gs.dirty {
			dirtyIds = append(dirtyIds, id)
		}
		gs.dirtyMu.Unlock()

		for _, id := range dirtyIds {
			if processed[id] {
				continue
			}

			g, err := gs.LoadGame(id)
			if err != nil {
				log.Printf("Error: Failed to load dirty game %s: %v", id, err)
				continue
			}

			if !yield(*g.Metadata(), nil) {
				return
			}
		}
	}
}

// ListAllGames returns an iterator over all games found in the flat games directory.
func (gs *GameStore) ListAllGames() iter.Seq2[*Game, error] {
	return func(yield func(*Game, error) bool) {
		// 1. Scan Disk
		gamesDir := filepath.Join(gs.DataDir, "games")
		files, err := os.ReadDir(gamesDir)
		if err != nil && !os.IsNotExist(err) {
			yield(nil, fmt.Errorf("could not read games directory: %w", err))
			return
		}

		seen := make(map[string]bool)

		for _, file := range files {
			name := file.Name()
			if file.IsDir() || strings.HasSuffix(name, ".meta.json") || !strings.HasSuffix(name, ".json") {
				continue
			}
			gameId, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
			if err != nil {
				continue
			}

			seen[gameId] = true

			g, err := gs.LoadGame(gameId)
			if err != nil {
				log.Printf("Warning: could not load game '%s': %v", gameId, err)
				continue
			}
			g.normalize()
			if !yield(g, nil) {
				return
			}
		}

		// 2. Scan Dirty Cache (New games not yet on disk)
		gs.dirtyMu.Lock()
		dirtyIds := make([]string, 0, len(gs.dirty))
		for id := range gs.dirty {
			dirtyIds = append(dirtyIds, id)
		}
		gs.dirtyMu.Unlock()

		for _, id := range dirtyIds {
			if seen[id] {
				continue
			}

			g, err := gs.LoadGame(id)
			if err != nil {
				log.Printf("Error: Failed to load dirty game %s: %v", id, err)
				continue
			}
			g.normalize()
			if !yield(g, nil) {
				return
			}
		}
	}
}
