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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
)

// indexPrefixes lists the on-disk directory of every index family.
var indexPrefixes = []string{
	"users",
	"team_games",
	"game_users",
	"team_users",
	"league_users",
	"league_games",
	"league_teams",
}

// UserIndex records every entity a user can reach and the strongest
// access level they hold on it.
type UserIndex struct {
	UserID       string                 `json:"userId"`
	GameAccess   map[string]AccessLevel `json:"gameAccess"`   // GameID -> AccessLevel
	TeamAccess   map[string]AccessLevel `json:"teamAccess"`   // TeamID -> AccessLevel
	LeagueAccess map[string]AccessLevel `json:"leagueAccess"` // LeagueID -> AccessLevel
	LastUpdated  int64                  `json:"lastUpdated"`
}

// TeamGamesIndex records the games a team appears in.
type TeamGamesIndex struct {
	TeamID      string          `json:"teamId"`
	GameIDs     map[string]bool `json:"gameIds"`
	LastUpdated int64           `json:"lastUpdated"`
}

// GameUsersIndex records the users with direct access to a game.
type GameUsersIndex struct {
	GameID      string          `json:"gameId"`
	UserIDs     map[string]bool `json:"userIds"`
	LastUpdated int64           `json:"lastUpdated"`
}

// TeamUsersIndex records the users who are members of a team.
type TeamUsersIndex struct {
	TeamID      string          `json:"teamId"`
	UserIDs     map[string]bool `json:"userIds"`
	LastUpdated int64           `json:"lastUpdated"`
}

// LeagueUsersIndex records the users who are members of a league.
type LeagueUsersIndex struct {
	LeagueID    string          `json:"leagueId"`
	UserIDs     map[string]bool `json:"userIds"`
	LastUpdated int64           `json:"lastUpdated"`
}

// LeagueGamesIndex records the games scheduled in a league.
type LeagueGamesIndex struct {
	LeagueID    string          `json:"leagueId"`
	GameIDs     map[string]bool `json:"gameIds"`
	LastUpdated int64           `json:"lastUpdated"`
}

// LeagueTeamsIndex records the teams registered in a league.
type LeagueTeamsIndex struct {
	LeagueID    string          `json:"leagueId"`
	TeamIDs     map[string]bool `json:"teamIds"`
	LastUpdated int64           `json:"lastUpdated"`
}

// indexCache is one cached, dirty-tracked index family. Entries are
// written to disk on explicit flush and on LRU eviction.
type indexCache[V any] struct {
	prefix   string
	dataDir  string
	storage  *storage.Storage
	hashPath func(key, prefix string) string
	keyOf    func(*V) string
	fresh    func(key string) *V
	decoded  func(*V) // fixes nil maps after JSON decode

	cache *lru.Cache[string, *V]
	locks sync.Map // per-path write locks

	dirtyMu sync.Mutex
	dirty   map[string]bool
}

func newIndexCache[V any](size int, c *indexCache[V]) *indexCache[V] {
	c.dirty = make(map[string]bool)
	onEvict := func(key string, value *V) {
		c.dirtyMu.Lock()
		isDirty := c.dirty[key]
		if isDirty {
			delete(c.dirty, key)
		}
		c.dirtyMu.Unlock()

		if isDirty {
			c.persist(value)
		}
	}
	c.cache, _ = lru.NewWithEvict[string, *V](size, onEvict)
	return c
}

func (c *indexCache[V]) pathLock(path string) *sync.Mutex {
	m, _ := c.locks.LoadOrStore(path, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// get returns the cached entry, falling back to disk. A missing file
// yields a fresh empty index.
func (c *indexCache[V]) get(key string) (*V, error) {
	if idx, ok := c.cache.Get(key); ok {
		return idx, nil
	}
	idx, err := c.loadFromDisk(key)
	if err != nil {
		if os.IsNotExist(err) {
			return c.fresh(key), nil
		}
		return nil, err
	}
	c.cache.Add(key, idx)
	return idx, nil
}

func (c *indexCache[V]) set(idx *V) {
	key := c.keyOf(idx)
	c.cache.Add(key, idx)
	c.dirtyMu.Lock()
	c.dirty[key] = true
	c.dirtyMu.Unlock()
}

func (c *indexCache[V]) remove(key string) error {
	c.dirtyMu.Lock()
	delete(c.dirty, key)
	c.dirtyMu.Unlock()
	c.cache.Remove(key)

	path := c.hashPath(key, c.prefix)
	mutex := c.pathLock(path)
	mutex.Lock()
	defer mutex.Unlock()

	err := os.Remove(filepath.Join(c.dataDir, path))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (c *indexCache[V]) loadFromDisk(key string) (*V, error) {
	path := c.hashPath(key, c.prefix)
	mutex := c.pathLock(path)
	mutex.Lock()
	defer mutex.Unlock()

	idx := new(V)
	if err := c.storage.ReadDataFile(path, idx); err != nil {
		return nil, err
	}
	c.decoded(idx)
	return idx, nil
}

func (c *indexCache[V]) persist(idx *V) error {
	path := c.hashPath(c.keyOf(idx), c.prefix)
	mutex := c.pathLock(path)
	mutex.Lock()
	defer mutex.Unlock()
	return c.storage.SaveDataFile(path, idx)
}

// flush writes one dirty entry to disk. Evicted entries were already
// persisted by the eviction callback.
func (c *indexCache[V]) flush(key string) error {
	c.dirtyMu.Lock()
	if !c.dirty[key] {
		c.dirtyMu.Unlock()
		return nil
	}
	idx, ok := c.cache.Get(key)
	if !ok {
		c.dirtyMu.Unlock()
		return nil
	}
	delete(c.dirty, key)
	c.dirtyMu.Unlock()

	return c.persist(idx)
}

func (c *indexCache[V]) flushAll() {
	c.dirtyMu.Lock()
	keys := make([]string, 0, len(c.dirty))
	for k := range c.dirty {
		keys = append(keys, k)
	}
	c.dirtyMu.Unlock()

	for _, k := range keys {
		c.flush(k)
	}
}

// listAll merges the on-disk entries with dirty cached ones.
func (c *indexCache[V]) listAll() ([]*V, error) {
	c.dirtyMu.Lock()
	dirtySet := make(map[string]bool, len(c.dirty))
	for k := range c.dirty {
		dirtySet[k] = true
	}
	c.dirtyMu.Unlock()

	dir := filepath.Join(c.dataDir, c.prefix)
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	resMap := make(map[string]*V)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
				continue
			}
			idx := new(V)
			if err := c.storage.ReadDataFile(filepath.Join(c.prefix, e.Name()), idx); err == nil {
				c.decoded(idx)
				resMap[c.keyOf(idx)] = idx
			}
		}
	}

	for key := range dirtySet {
		if val, ok := c.cache.Peek(key); ok {
			resMap[key] = val
		}
	}

	res := make([]*V, 0, len(resMap))
	for _, v := range resMap {
		res = append(res, v)
	}
	return res, nil
}

func (c *indexCache[V]) restore(idx *V) error {
	c.cache.Remove(c.keyOf(idx))
	return c.persist(idx)
}

// UserIndexStore manages persistence and caching of the Registry's
// access and membership indices.
type UserIndexStore struct {
	DataDir   string
	storage   *storage.Storage
	masterKey crypto.MasterKey

	users       *indexCache[UserIndex]        // Key: UserID
	teamGames   *indexCache[TeamGamesIndex]   // Key: TeamID
	gameUsers   *indexCache[GameUsersIndex]   // Key: GameID
	teamUsers   *indexCache[TeamUsersIndex]   // Key: TeamID
	leagueUsers *indexCache[LeagueUsersIndex] // Key: LeagueID
	leagueGames *indexCache[LeagueGamesIndex] // Key: LeagueID
	leagueTeams *indexCache[LeagueTeamsIndex] // Key: LeagueID
}

// NewUserIndexStore creates a new store for registry indices.
func NewUserIndexStore(dataDir string, s *storage.Storage, mk crypto.MasterKey) *UserIndexStore {
	store := &UserIndexStore{
		DataDir:   dataDir,
		storage:   s,
		masterKey: mk,
	}

	store.users = newIndexCache(1000, &indexCache[UserIndex]{
		prefix:   "users",
		dataDir:  dataDir,
		storage:  s,
		hashPath: store.getHashPath,
		keyOf:    func(v *UserIndex) string { return v.UserID },
		fresh: func(key string) *UserIndex {
			return &UserIndex{
				UserID:       key,
				GameAccess:   make(map[string]AccessLevel),
				TeamAccess:   make(map[string]AccessLevel),
				LeagueAccess: make(map[string]AccessLevel),
			}
		},
		decoded: func(v *UserIndex) {
			if v.GameAccess == nil {
				v.GameAccess = make(map[string]AccessLevel)
			}
			if v.TeamAccess == nil {
				v.TeamAccess = make(map[string]AccessLevel)
			}
			if v.LeagueAccess == nil {
				v.LeagueAccess = make(map[string]AccessLevel)
			}
		},
	})

	store.teamGames = newIndexCache(500, &indexCache[TeamGamesIndex]{
		prefix:   "team_games",
		dataDir:  dataDir,
		storage:  s,
		hashPath: store.getHashPath,
		keyOf:    func(v *TeamGamesIndex) string { return v.TeamID },
		fresh: func(key string) *TeamGamesIndex {
			return &TeamGamesIndex{TeamID: key, GameIDs: make(map[string]bool)}
		},
		decoded: func(v *TeamGamesIndex) {
			if v.GameIDs == nil {
				v.GameIDs = make(map[string]bool)
			}
		},
	})

	store.gameUsers = newIndexCache(1000, &indexCache[GameUsersIndex]{
		prefix:   "game_users",
		dataDir:  dataDir,
		storage:  s,
		hashPath: store.getHashPath,
		keyOf:    func(v *GameUsersIndex) string { return v.GameID },
		fresh: func(key string) *GameUsersIndex {
			return &GameUsersIndex{GameID: key, UserIDs: make(map[string]bool)}
		},
		decoded: func(v *GameUsersIndex) {
			if v.UserIDs == nil {
				v.UserIDs = make(map[string]bool)
			}
		},
	})

	store.teamUsers = newIndexCache(500, &indexCache[TeamUsersIndex]{
		prefix:   "team_users",
		dataDir:  dataDir,
		storage:  s,
		hashPath: store.getHashPath,
		keyOf:    func(v *TeamUsersIndex) string { return v.TeamID },
		fresh: func(key string) *TeamUsersIndex {
			return &TeamUsersIndex{TeamID: key, UserIDs: make(map[string]bool)}
		},
		decoded: func(v *TeamUsersIndex) {
			if v.UserIDs == nil {
				v.UserIDs = make(map[string]bool)
			}
		},
	})

	store.leagueUsers = newIndexCache(500, &indexCache[LeagueUsersIndex]{
		prefix:   "league_users",
		dataDir:  dataDir,
		storage:  s,
		hashPath: store.getHashPath,
		keyOf:    func(v *LeagueUsersIndex) string { return v.LeagueID },
		fresh: func(key string) *LeagueUsersIndex {
			return &LeagueUsersIndex{LeagueID: key, UserIDs: make(map[string]bool)}
		},
		decoded: func(v *LeagueUsersIndex) {
			if v.UserIDs == nil {
				v.UserIDs = make(map[string]bool)
			}
		},
	})

	store.leagueGames = newIndexCache(500, &indexCache[LeagueGamesIndex]{
		prefix:   "league_games",
		dataDir:  dataDir,
		storage:  s,
		hashPath: store.getHashPath,
		keyOf:    func(v *LeagueGamesIndex) string { return v.LeagueID },
		fresh: func(key string) *LeagueGamesIndex {
			return &LeagueGamesIndex{LeagueID: key, GameIDs: make(map[string]bool)}
		},
		decoded: func(v *LeagueGamesIndex) {
			if v.GameIDs == nil {
				v.GameIDs = make(map[string]bool)
			}
		},
	})

	store.leagueTeams = newIndexCache(500, &indexCache[LeagueTeamsIndex]{
		prefix:   "league_teams",
		dataDir:  dataDir,
		storage:  s,
		hashPath: store.getHashPath,
		keyOf:    func(v *LeagueTeamsIndex) string { return v.LeagueID },
		fresh: func(key string) *LeagueTeamsIndex {
			return &LeagueTeamsIndex{LeagueID: key, TeamIDs: make(map[string]bool)}
		},
		decoded: func(v *LeagueTeamsIndex) {
			if v.TeamIDs == nil {
				v.TeamIDs = make(map[string]bool)
			}
		},
	})

	return store
}

// getHashPath calculates the storage path for a given index key and type.
func (s *UserIndexStore) getHashPath(key, prefix string) string {
	var hash string
	if s.masterKey != nil {
		hash = hex.EncodeToString(s.masterKey.Hash([]byte(key)))
	} else {
		h := sha256.Sum256([]byte(key))
		hash = hex.EncodeToString(h[:])
	}
	return filepath.Join(prefix, fmt.Sprintf("%s.json", hash))
}

// --- User Index ---

func (s *UserIndexStore) GetUserIndex(userId string) (*UserIndex, error) {
	return s.users.get(userId)
}

func (s *UserIndexStore) SetUserIndex(idx *UserIndex) {
	s.users.set(idx)
}

func (s *UserIndexStore) DeleteUserIndex(userId string) error {
	return s.users.remove(userId)
}

// --- Team Games Index ---

func (s *UserIndexStore) GetTeamGames(teamId string) (*TeamGamesIndex, error) {
	return s.teamGames.get(teamId)
}

func (s *UserIndexStore) SetTeamGames(idx *TeamGamesIndex) {
	s.teamGames.set(idx)
}

func (s *UserIndexStore) DeleteTeamGames(teamId string) error {
	return s.teamGames.remove(teamId)
}

// --- Game Users Index ---

func (s *UserIndexStore) GetGameUsers(gameId string) (*GameUsersIndex, error) {
	return s.gameUsers.get(gameId)
}

func (s *UserIndexStore) SetGameUsers(idx *GameUsersIndex) {
	s.gameUsers.set(idx)
}

func (s *UserIndexStore) DeleteGameUsers(gameId string) error {
	return s.gameUsers.remove(gameId)
}

// --- Team Users Index ---

func (s *UserIndexStore) GetTeamUsers(teamId string) (*TeamUsersIndex, error) {
	return s.teamUsers.get(teamId)
}

func (s *UserIndexStore) SetTeamUsers(idx *TeamUsersIndex) {
	s.teamUsers.set(idx)
}

func (s *UserIndexStore) DeleteTeamUsers(teamId string) error {
	return s.teamUsers.remove(teamId)
}

// --- League Users Index ---

func (s *UserIndexStore) GetLeagueUsers(leagueId string) (*LeagueUsersIndex, error) {
	return s.leagueUsers.get(leagueId)
}

func (s *UserIndexStore) SetLeagueUsers(idx *LeagueUsersIndex) {
	s.leagueUsers.set(idx)
}

func (s *UserIndexStore) DeleteLeagueUsers(leagueId string) error {
	return s.leagueUsers.remove(leagueId)
}

// --- League Games Index ---

func (s *UserIndexStore) GetLeagueGames(leagueId string) (*LeagueGamesIndex, error) {
	return s.leagueGames.get(leagueId)
}

func (s *UserIndexStore) SetLeagueGames(idx *LeagueGamesIndex) {
	s.leagueGames.set(idx)
}

func (s *UserIndexStore) DeleteLeagueGames(leagueId string) error {
	return s.leagueGames.remove(leagueId)
}

// --- League Teams Index ---

func (s *UserIndexStore) GetLeagueTeams(leagueId string) (*LeagueTeamsIndex, error) {
	return s.leagueTeams.get(leagueId)
}

func (s *UserIndexStore) SetLeagueTeams(idx *LeagueTeamsIndex) {
	s.leagueTeams.set(idx)
}

func (s *UserIndexStore) DeleteLeagueTeams(leagueId string) error {
	return s.leagueTeams.remove(leagueId)
}

// --- Persistence ---

func (s *UserIndexStore) FlushAll() error {
	s.users.flushAll()
	s.teamGames.flushAll()
	s.gameUsers.flushAll()
	s.teamUsers.flushAll()
	s.leagueUsers.flushAll()
	s.leagueGames.flushAll()
	s.leagueTeams.flushAll()
	return nil
}

// SnapshotPaths returns the relative path of every persisted index
// file across all families. Index files are stored under hashed
// names, so snapshot linking must go through this rather than
// escaping logical IDs. Callers flush first so dirty entries are on
// disk.
func (s *UserIndexStore) SnapshotPaths() ([]string, error) {
	var paths []string
	for _, prefix := range indexPrefixes {
		files, err := os.ReadDir(filepath.Join(s.DataDir, prefix))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
				continue
			}
			paths = append(paths, prefix+"/"+file.Name())
		}
	}
	return paths, nil
}

// --- Snapshot Helpers ---

func (s *UserIndexStore) ListAllUserIndices() ([]*UserIndex, error) {
	return s.users.listAll()
}

func (s *UserIndexStore) ListAllTeamGames() ([]*TeamGamesIndex, error) {
	return s.teamGames.listAll()
}

func (s *UserIndexStore) ListAllGameUsers() ([]*GameUsersIndex, error) {
	return s.gameUsers.listAll()
}

func (s *UserIndexStore) ListAllTeamUsers() ([]*TeamUsersIndex, error) {
	return s.teamUsers.listAll()
}

func (s *UserIndexStore) ListAllLeagueUsers() ([]*LeagueUsersIndex, error) {
	return s.leagueUsers.listAll()
}

func (s *UserIndexStore) ListAllLeagueGames() ([]*LeagueGamesIndex, error) {
	return s.leagueGames.listAll()
}

func (s *UserIndexStore) ListAllLeagueTeams() ([]*LeagueTeamsIndex, error) {
	return s.leagueTeams.listAll()
}

func (s *UserIndexStore) RestoreUserIndex(idx *UserIndex) error {
	return s.users.restore(idx)
}

func (s *UserIndexStore) RestoreTeamGames(idx *TeamGamesIndex) error {
	return s.teamGames.restore(idx)
}

func (s *UserIndexStore) RestoreGameUsers(idx *GameUsersIndex) error {
	return s.gameUsers.restore(idx)
}

func (s *UserIndexStore) RestoreTeamUsers(idx *TeamUsersIndex) error {
	return s.teamUsers.restore(idx)
}

func (s *UserIndexStore) RestoreLeagueUsers(idx *LeagueUsersIndex) error {
	return s.leagueUsers.restore(idx)
}

func (s *UserIndexStore) RestoreLeagueGames(idx *LeagueGamesIndex) error {
	return s.leagueGames.restore(idx)
}

func (s *UserIndexStore) RestoreLeagueTeams(idx *LeagueTeamsIndex) error {
	return s.leagueTeams.restore(idx)
}

// Invalidation
func (s *UserIndexStore) InvalidateUser(id string)        { s.users.cache.Remove(id) }
func (s *UserIndexStore) InvalidateTeamGames(id string)   { s.teamGames.cache.Remove(id) }
func (s *UserIndexStore) InvalidateGameUsers(id string)   { s.gameUsers.cache.Remove(id) }
func (s *UserIndexStore) InvalidateTeamUsers(id string)   { s.teamUsers.cache.Remove(id) }
func (s *UserIndexStore) InvalidateLeagueUsers(id string) { s.leagueUsers.cache.Remove(id) }
func (s *UserIndexStore) InvalidateLeagueGames(id string) { s.leagueGames.cache.Remove(id) }
func (s *UserIndexStore) InvalidateLeagueTeams(id string) { s.leagueTeams.cache.Remove(id) }
