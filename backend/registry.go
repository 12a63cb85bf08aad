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
	"log"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ttbt-io/courtkeeper/backend/search"
)

const tombstoneTTL = 30 * 24 * time.Hour
const gcInterval = 12 * time.Hour

// Registry manages the global index of leagues, teams and games for all
// users. It allows efficient lookup of accessible entities without
// scanning all files. It relies on UserIndexStore for persistent,
// map-free indexing.
type Registry struct {
	gameStore   *GameStore
	teamStore   *TeamStore
	leagueStore *LeagueStore
	userStore   *UserIndexStore

	mu sync.RWMutex

	// Metadata Cache for Sorting/Filtering (LRU)
	// Also acts as Tombstone cache (Status="deleted")
	gameMetadata   *lru.Cache[string, GameMetadata]
	teamMetadata   *lru.Cache[string, TeamMetadata]
	leagueMetadata *lru.Cache[string, LeagueMetadata]

	// Global Counts
	gameCount   int
	teamCount   int
	leagueCount int

	// Access Policy Cache
	accessPolicy *UserAccessPolicy

	// GC
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a new Registry.
// If forceRebuild is true, it scans all files to rebuild indices.
// Otherwise, it trusts the persisted indices and just counts files for stats.
func NewRegistry(gs *GameStore, ts *TeamStore, ls *LeagueStore, us *UserIndexStore, forceRebuild bool) *Registry {
	gmCache, _ := lru.New[string, GameMetadata](5000)
	tmCache, _ := lru.New[string, TeamMetadata](2000)
	lmCache, _ := lru.New[string, LeagueMetadata](1000)

	r := &Registry{
		gameStore:      gs,
		teamStore:      ts,
		leagueStore:    ls,
		userStore:      us,
		gameMetadata:   gmCache,
		teamMetadata:   tmCache,
		leagueMetadata: lmCache,
		stopChan:       make(chan struct{}),
	}

	if forceRebuild {
		r.Rebuild()
	} else {
		// Fast Path: Count files (Total Objects)
		r.RefreshCounts()
		log.Printf("Registry: Fast startup. Found %d leagues, %d teams, %d games.", r.leagueCount, r.teamCount, r.gameCount)
	}

	r.StartGC()

	return r
}

// StartGC starts the background tombstone garbage collector.
func (r *Registry) StartGC() {
	go func() {
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.PurgeOldTombstones()
			case <-r.stopChan:
				return
			}
		}
	}()
}

// StopGC stops the background tombstone garbage collector.
func (r *Registry) StopGC() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
}

// PurgeOldTombstones permanently deletes expired tombstones from disk.
func (r *Registry) PurgeOldTombstones() {
	log.Println("Registry: Garbage collection of expired tombstones started...")
	now := time.Now().UnixNano()
	cutoff := now - tombstoneTTL.Nanoseconds()

	var purgedLeagues int
	var purgedTeams int
	var purgedGames int

	// 1. GC Leagues
	for l, err := range r.leagueStore.ListAllLeagueMetadata() {
		if err == nil && l.Status == "deleted" && l.DeletedAt > 0 && l.DeletedAt < cutoff {
			if err := r.leagueStore.PurgeLeague(l.ID); err == nil {
				purgedLeagues++
			}
		}
	}

	// 2. GC Teams
	for t, err := range r.teamStore.ListAllTeamMetadata() {
		if err == nil && t.Status == "deleted" && t.DeletedAt > 0 && t.DeletedAt < cutoff {
			if err := r.teamStore.PurgeTeam(t.ID); err == nil {
				purgedTeams++
			}
		}
	}

	// 3. GC Games
	for g, err := range r.gameStore.ListAllGameMetadata() {
		if err == nil && g.Status == "deleted" && g.DeletedAt > 0 && g.DeletedAt < cutoff {
			if err := r.gameStore.PurgeGame(g.ID); err == nil {
				purgedGames++
			}
		}
	}

	if purgedLeagues > 0 || purgedTeams > 0 || purgedGames > 0 {
		log.Printf("Registry: GC complete. Purged %d games, %d teams, %d leagues.", purgedGames, purgedTeams, purgedLeagues)
	}
}

// RefreshCounts updates the global counts by listing files.
// This is a fast operation that avoids full scanning.
func (r *Registry) RefreshCounts() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ids, err := r.gameStore.ListAllGameIDs(); err == nil {
		r.gameCount = len(ids)
	}
	if ids, err := r.teamStore.ListAllTeamIDs(); err == nil {
		r.teamCount = len(ids)
	}
	if ids, err := r.leagueStore.ListAllLeagueIDs(); err == nil {
		r.leagueCount = len(ids)
	}
}

// UpdateAccessPolicy updates the cached access policy.
func (r *Registry) UpdateAccessPolicy(policy *UserAccessPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accessPolicy = policy
}

// GetAccessPolicy returns the current access policy.
func (r *Registry) GetAccessPolicy() *UserAccessPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accessPolicy
}

// Flush persists the registry state (indices).
func (r *Registry) Flush() error {
	return r.userStore.FlushAll()
}

// Rebuild reconstructs the entire index by scanning the underlying stores.
func (r *Registry) Rebuild() {
	log.Println("Registry: Rebuild started...")

	var localLeagueCount int
	var localTeamCount int
	var localGameCount int

	now := time.Now().UnixNano()
	cutoff := now - tombstoneTTL.Nanoseconds()

	// 1. Index Leagues (teams and games hang off them)
	for l, err := range r.leagueStore.ListAllLeagueMetadata() {
		if err != nil {
			log.Printf("Registry: Error listing leagues: %v", err)
			break
		}
		if l.Status == "deleted" && l.DeletedAt > 0 && l.DeletedAt < cutoff {
			r.leagueStore.PurgeLeague(l.ID)
			continue
		}
		if r.indexLeague(l.ID, l, true) {
			localLeagueCount++
		}
	}

	// 2. Index Teams
	for t, err := range r.teamStore.ListAllTeamMetadata() {
		if err != nil {
			log.Printf("Registry: Error listing teams: %v", err)
			break
		}
		if t.Status == "deleted" && t.DeletedAt > 0 && t.DeletedAt < cutoff {
			r.teamStore.PurgeTeam(t.ID)
			continue
		}
		if r.indexTeam(t.ID, t, true) {
			localTeamCount++
		}
	}

	// 3. Index Games
	for g, err := range r.gameStore.ListAllGameMetadata() {
		if err != nil {
			log.Printf("Registry: Error listing games: %v", err)
			break
		}
		if g.Status == "deleted" && g.DeletedAt > 0 && g.DeletedAt < cutoff {
			r.gameStore.PurgeGame(g.ID)
			continue
		}
		if r.indexGame(g.ID, g, true) {
			localGameCount++
		}
	}

	// 4. Update Global Counts
	r.mu.Lock()
	r.leagueCount = localLeagueCount
	r.teamCount = localTeamCount
	r.gameCount = localGameCount
	r.mu.Unlock()

	// 5. Persist
	if err := r.userStore.FlushAll(); err != nil {
		log.Printf("Registry: Warning: failed to flush user indices: %v", err)
	}

	r.mu.RLock()
	log.Printf("Registry: Rebuild complete. Indexed %d leagues, %d teams, %d games.", r.leagueCount, r.teamCount, r.gameCount)
	r.mu.RUnlock()
}

// --- Metadata Cache Helpers ---

func (r *Registry) getGameMeta(id string) (GameMetadata, bool) {
	if m, ok := r.gameMetadata.Get(id); ok {
		return m, true
	}
	g, err := r.gameStore.LoadGame(id)
	if err != nil {
		return GameMetadata{}, false
	}
	m := *g.Metadata()
	r.gameMetadata.Add(id, m)
	return m, true
}

func (r *Registry) getTeamMeta(id string) (TeamMetadata, bool) {
	if m, ok := r.teamMetadata.Get(id); ok {
		return m, true
	}
	t, err := r.teamStore.LoadTeam(id)
	if err != nil {
		return TeamMetadata{}, false
	}
	m := *t.Metadata()
	r.teamMetadata.Add(id, m)
	return m, true
}

func (r *Registry) getLeagueMeta(id string) (LeagueMetadata, bool) {
	if m, ok := r.leagueMetadata.Get(id); ok {
		return m, true
	}
	l, err := r.leagueStore.LoadLeague(id)
	if err != nil {
		return LeagueMetadata{}, false
	}
	m := *l.Metadata()
	r.leagueMetadata.Add(id, m)
	return m, true
}

// --- Indexing ---

// indexLeague processes a league for indexing (Rebuild/Update).
// Returns true if the league was indexed (i.e. not deleted).
func (r *Registry) indexLeague(leagueId string, l LeagueMetadata, isRebuild bool) bool {
	// Cache metadata (even if deleted)
	r.leagueMetadata.Add(leagueId, l)

	if l.Status == "deleted" {
		oldIdx, _ := r.userStore.GetLeagueUsers(leagueId)
		for u := range oldIdx.UserIDs {
			r.updateUserLeagueAccess(u, leagueId, AccessNone)
		}
		r.userStore.DeleteLeagueUsers(leagueId)
		r.userStore.DeleteLeagueGames(leagueId)
		r.userStore.DeleteLeagueTeams(leagueId)
		return false
	}

	// Update LeagueUsersIndex
	newMembers := make(map[string]bool)
	newMembers[l.OwnerID] = true
	for u := range l.Members {
		newMembers[u] = true
	}
	if l.Public != "" {
		newMembers[""] = true
	}

	oldIdx, _ := r.userStore.GetLeagueUsers(leagueId)
	isNew := len(oldIdx.UserIDs) == 0

	// Identify Removed
	for u := range oldIdx.UserIDs {
		if !newMembers[u] {
			r.updateUserLeagueAccess(u, leagueId, AccessNone)
		}
	}

	// Identify Added/Updated
	getLevel := func(u string) AccessLevel {
		if u == l.OwnerID {
			return AccessAdmin
		}
		if role, ok := l.Members[u]; ok {
			if level := leagueRoleLevel(role); level > AccessNone {
				return level
			}
		}
		if l.Public == "read" {
			return AccessRead
		}
		return AccessNone
	}

	for u := range newMembers {
		r.updateUserLeagueAccess(u, leagueId, getLevel(u))
	}

	if !maps.Equal(oldIdx.UserIDs, newMembers) {
		oldIdx.UserIDs = newMembers
		r.userStore.SetLeagueUsers(oldIdx)
	}

	if isNew && !isRebuild {
		r.mu.Lock()
		r.leagueCount++
		r.mu.Unlock()
	}
	return true
}

// indexTeam processes a team for indexing (Rebuild/Update).
// Returns true if the team was indexed (i.e. not deleted).
func (r *Registry) indexTeam(teamId string, t TeamMetadata, isRebuild bool) bool {
	// Cache metadata (even if deleted)
	r.teamMetadata.Add(teamId, t)

	if t.Status == "deleted" {
		// Ensure user indices are cleaned up
		oldIdx, _ := r.userStore.GetTeamUsers(teamId)
		for u := range oldIdx.UserIDs {
			r.updateUserTeamAccess(u, teamId, AccessNone)
		}
		r.userStore.DeleteTeamUsers(teamId)
		r.userStore.DeleteTeamGames(teamId)
		return false
	}

	// Update TeamUsersIndex
	newMembers := make(map[string]bool)
	newMembers[t.OwnerID] = true
	for _, u := range t.Roles.Admins {
		newMembers[u] = true
	}
	for _, u := range t.Roles.Scorekeepers {
		newMembers[u] = true
	}
	for _, u := range t.Roles.Spectators {
		newMembers[u] = true
	}

	oldIdx, _ := r.userStore.GetTeamUsers(teamId)
	isNew := len(oldIdx.UserIDs) == 0

	// Identify Removed
	for u := range oldIdx.UserIDs {
		if !newMembers[u] {
			r.updateUserTeamAccess(u, teamId, AccessNone)
		}
	}

	// Identify Added/Updated
	getLevel := func(u string) AccessLevel {
		if u == t.OwnerID {
			return AccessAdmin
		}
		for _, a := range t.Roles.Admins {
			if a == u {
				return AccessAdmin
			}
		}
		for _, a := range t.Roles.Scorekeepers {
			if a == u {
				return AccessWrite
			}
		}
		for _, a := range t.Roles.Spectators {
			if a == u {
				return AccessRead
			}
		}
		return AccessNone
	}

	for u := range newMembers {
		r.updateUserTeamAccess(u, teamId, getLevel(u))
	}

	if !maps.Equal(oldIdx.UserIDs, newMembers) {
		oldIdx.UserIDs = newMembers
		r.userStore.SetTeamUsers(oldIdx)
	}

	// Update LeagueTeamsIndex
	r.addLeagueTeam(t.LeagueID, teamId)

	if isNew && !isRebuild {
		r.mu.Lock()
		r.teamCount++
		r.mu.Unlock()
	}
	return true
}

// indexGame processes a game for indexing (Rebuild/Update).
// Returns true if the game was indexed (i.e. not deleted).
func (r *Registry) indexGame(gameId string, g GameMetadata, isRebuild bool) bool {
	// Cache metadata (even if deleted)
	r.gameMetadata.Add(gameId, g)

	if g.Status == "deleted" {
		// Ensure user indices are cleaned up
		oldIdx, _ := r.userStore.GetGameUsers(gameId)
		for u := range oldIdx.UserIDs {
			r.updateUserGameAccess(u, gameId, AccessNone)
		}
		r.userStore.DeleteGameUsers(gameId)
		return false
	}

	// Update GameUsersIndex (Direct Access Only)
	newUsers := make(map[string]bool)
	newUsers[g.OwnerID] = true
	for u := range g.Permissions.Users {
		newUsers[u] = true
	}
	if g.Permissions.Public != "" {
		newUsers[""] = true
	}

	oldIdx, _ := r.userStore.GetGameUsers(gameId)
	isNew := len(oldIdx.UserIDs) == 0

	// Removed (Direct)
	for u := range oldIdx.UserIDs {
		if !newUsers[u] {
			r.updateUserGameAccess(u, gameId, AccessNone)
		}
	}

	// Added/Updated (Direct)
	getLevel := func(u string) AccessLevel {
		if u == g.OwnerID {
			return AccessAdmin
		}
		if role, ok := g.Permissions.Users[u]; ok {
			switch role {
			case "admin":
				return AccessAdmin
			case "write":
				return AccessWrite
			case "read":
				return AccessRead
			}
		}
		switch g.Permissions.Public {
		case "write":
			return AccessWrite
		case "read":
			return AccessRead
		}
		return AccessNone
	}

	for u := range newUsers {
		r.updateUserGameAccess(u, gameId, getLevel(u))
	}

	if !maps.Equal(oldIdx.UserIDs, newUsers) {
		oldIdx.UserIDs = newUsers
		r.userStore.SetGameUsers(oldIdx)
	}

	// Update TeamGamesIndex and LeagueGamesIndex
	r.addTeamGame(g.AwayTeamID, gameId)
	r.addTeamGame(g.HomeTeamID, gameId)
	r.addLeagueGame(g.LeagueID, gameId)

	if isNew && !isRebuild {
		r.mu.Lock()
		r.gameCount++
		r.mu.Unlock()
	}
	return true
}

func (r *Registry) updateUserTeamAccess(userId, teamId string, level AccessLevel) {
	idx, _ := r.userStore.GetUserIndex(userId)
	changed := false
	if level == AccessNone {
		if _, ok := idx.TeamAccess[teamId]; ok {
			delete(idx.TeamAccess, teamId)
			changed = true
		}
	} else {
		if idx.TeamAccess[teamId] != level {
			idx.TeamAccess[teamId] = level
			changed = true
		}
	}
	if changed {
		r.userStore.SetUserIndex(idx)
	}
}

func (r *Registry) updateUserGameAccess(userId, gameId string, level AccessLevel) {
	idx, _ := r.userStore.GetUserIndex(userId)
	changed := false
	if level == AccessNone {
		if _, ok := idx.GameAccess[gameId]; ok {
			delete(idx.GameAccess, gameId)
			changed = true
		}
	} else {
		if idx.GameAccess[gameId] != level {
			idx.GameAccess[gameId] = level
			changed = true
		}
	}
	if changed {
		r.userStore.SetUserIndex(idx)
	}
}

func (r *Registry) updateUserLeagueAccess(userId, leagueId string, level AccessLevel) {
	idx, _ := r.userStore.GetUserIndex(userId)
	changed := false
	if level == AccessNone {
		if _, ok := idx.LeagueAccess[leagueId]; ok {
			delete(idx.LeagueAccess, leagueId)
			changed = true
		}
	} else {
		if idx.LeagueAccess[leagueId] != level {
			idx.LeagueAccess[leagueId] = level
			changed = true
		}
	}
	if changed {
		r.userStore.SetUserIndex(idx)
	}
}

func (r *Registry) addTeamGame(teamId, gameId string) {
	if teamId == "" {
		return
	}
	idx, _ := r.userStore.GetTeamGames(teamId)
	if !idx.GameIDs[gameId] {
		idx.GameIDs[gameId] = true
		r.userStore.SetTeamGames(idx)
	}
}

func (r *Registry) addLeagueGame(leagueId, gameId string) {
	if leagueId == "" {
		return
	}
	idx, _ := r.userStore.GetLeagueGames(leagueId)
	if !idx.GameIDs[gameId] {
		idx.GameIDs[gameId] = true
		r.userStore.SetLeagueGames(idx)
	}
}

func (r *Registry) addLeagueTeam(leagueId, teamId string) {
	if leagueId == "" {
		return
	}
	idx, _ := r.userStore.GetLeagueTeams(leagueId)
	if !idx.TeamIDs[teamId] {
		idx.TeamIDs[teamId] = true
		r.userStore.SetLeagueTeams(idx)
	}
}

// --- Update / Delete ---

func (r *Registry) UpdateLeague(l League) {
	r.indexLeague(l.ID, *l.Metadata(), false)
}

func (r *Registry) UpdateTeam(t Team) {
	r.indexTeam(t.ID, *t.Metadata(), false)
}

func (r *Registry) UpdateGame(g Game) {
	r.indexGame(g.ID, *g.Metadata(), false)
}

func (r *Registry) DeleteGame(gameId string) {
	r.markGameDeleted(gameId, time.Now().UnixNano())
	guIdx, _ := r.userStore.GetGameUsers(gameId)
	for u := range guIdx.UserIDs {
		r.updateUserGameAccess(u, gameId, AccessNone)
	}
	r.userStore.DeleteGameUsers(gameId)
}

func (r *Registry) DeleteTeam(teamId string) {
	r.markTeamDeleted(teamId, time.Now().UnixNano())
	tuIdx, _ := r.userStore.GetTeamUsers(teamId)
	for u := range tuIdx.UserIDs {
		r.updateUserTeamAccess(u, teamId, AccessNone)
	}
	r.userStore.DeleteTeamUsers(teamId)
	r.userStore.DeleteTeamGames(teamId)
}

func (r *Registry) DeleteLeague(leagueId string) {
	r.markLeagueDeleted(leagueId, time.Now().UnixNano())
	luIdx, _ := r.userStore.GetLeagueUsers(leagueId)
	for u := range luIdx.UserIDs {
		r.updateUserLeagueAccess(u, leagueId, AccessNone)
	}
	r.userStore.DeleteLeagueUsers(leagueId)
	r.userStore.DeleteLeagueGames(leagueId)
	r.userStore.DeleteLeagueTeams(leagueId)
}

func (r *Registry) markGameDeleted(id string, ts int64) {
	// Use Peek to check cache without updating LRU order or hitting disk.
	if m, ok := r.gameMetadata.Peek(id); ok && m.Status == "deleted" {
		return
	}

	r.mu.Lock()
	r.gameCount--
	r.mu.Unlock()

	// Cache tombstone
	r.gameMetadata.Add(id, GameMetadata{
		ID: id, Status: "deleted", DeletedAt: ts,
	})
}

func (r *Registry) markTeamDeleted(id string, ts int64) {
	if m, ok := r.teamMetadata.Peek(id); ok && m.Status == "deleted" {
		return
	}

	r.mu.Lock()
	r.teamCount--
	r.mu.Unlock()

	r.teamMetadata.Add(id, TeamMetadata{
		ID: id, Status: "deleted", DeletedAt: ts,
	})
}

func (r *Registry) markLeagueDeleted(id string, ts int64) {
	if m, ok := r.leagueMetadata.Peek(id); ok && m.Status == "deleted" {
		return
	}

	r.mu.Lock()
	r.leagueCount--
	r.mu.Unlock()

	r.leagueMetadata.Add(id, LeagueMetadata{
		ID: id, Status: "deleted", DeletedAt: ts,
	})
}

func (r *Registry) IsGameDeleted(id string) bool {
	if m, ok := r.gameMetadata.Get(id); ok {
		return m.Status == "deleted"
	}
	g, err := r.gameStore.LoadGame(id)
	if err == nil {
		r.gameMetadata.Add(id, *g.Metadata())
		return g.Status == "deleted"
	}
	return false
}

func (r *Registry) IsTeamDeleted(id string) bool {
	if m, ok := r.getTeamMeta(id); ok {
		return m.Status == "deleted"
	}
	return false
}

func (r *Registry) IsLeagueDeleted(id string) bool {
	if m, ok := r.getLeagueMeta(id); ok {
		return m.Status == "deleted"
	}
	return false
}

// --- Access Checks ---

func (r *Registry) HasGameAccess(userId, gameId string) bool {
	return r.GetAccessLevel(userId, gameId) >= AccessRead
}

// GetAccessLevel calculates the effective access level for a user on a
// game using indexed metadata without loading the full game object.
func (r *Registry) GetAccessLevel(userId, gameId string) AccessLevel {
	if r.IsGameDeleted(gameId) {
		return AccessNone
	}

	idx, err := r.userStore.GetUserIndex(userId)
	if err != nil {
		return AccessNone
	}

	level := AccessNone
	if l, ok := idx.GameAccess[gameId]; ok {
		level = l
	}

	// Team inheritance
	for teamId, teamLevel := range idx.TeamAccess {
		if teamLevel <= level {
			continue
		}
		tg, _ := r.userStore.GetTeamGames(teamId)
		if tg.GameIDs[gameId] {
			level = teamLevel
		}
	}

	// League inheritance
	if level < AccessAdmin && len(idx.LeagueAccess) > 0 {
		if meta, ok := r.getGameMeta(gameId); ok && meta.LeagueID != "" {
			if l, ok := idx.LeagueAccess[meta.LeagueID]; ok && l > level {
				level = l
			}
		}
	}

	// Public access fallback
	if level < AccessRead {
		pIdx, err := r.userStore.GetUserIndex("")
		if err == nil {
			if l, ok := pIdx.GameAccess[gameId]; ok && l > level {
				level = l
			}
		}
	}

	return level
}

func (r *Registry) HasTeamAccess(userId, teamId string) bool {
	return r.GetTeamAccessLevel(userId, teamId) >= AccessRead
}

// GetTeamAccessLevel calculates the effective access level for a user
// on a team, including league inheritance.
func (r *Registry) GetTeamAccessLevel(userId, teamId string) AccessLevel {
	idx, err := r.userStore.GetUserIndex(userId)
	if err != nil {
		return AccessNone
	}

	level := AccessNone
	if l, ok := idx.TeamAccess[teamId]; ok {
		level = l
	}

	if level < AccessAdmin && len(idx.LeagueAccess) > 0 {
		if meta, ok := r.getTeamMeta(teamId); ok && meta.LeagueID != "" {
			if l, ok := idx.LeagueAccess[meta.LeagueID]; ok && l > level {
				level = l
			}
		}
	}

	return level
}

// GetLeagueAccessLevel returns the indexed access level for a user on a
// league.
func (r *Registry) GetLeagueAccessLevel(userId, leagueId string) AccessLevel {
	if r.IsLeagueDeleted(leagueId) {
		return AccessNone
	}

	idx, err := r.userStore.GetUserIndex(userId)
	if err != nil {
		return AccessNone
	}

	level := AccessNone
	if l, ok := idx.LeagueAccess[leagueId]; ok {
		level = l
	}

	if level < AccessRead {
		pIdx, err := r.userStore.GetUserIndex("")
		if err == nil {
			if l, ok := pIdx.LeagueAccess[leagueId]; ok && l > level {
				level = l
			}
		}
	}

	return level
}

// --- Existence and Counts ---

func (r *Registry) GameExists(id string) bool {
	if m, ok := r.gameMetadata.Get(id); ok {
		return m.Status != "deleted"
	}
	g, err := r.gameStore.LoadGame(id)
	return err == nil && g.Status != "deleted"
}

func (r *Registry) TeamExists(id string) bool {
	if m, ok := r.teamMetadata.Get(id); ok {
		return m.Status != "deleted"
	}
	t, err := r.teamStore.LoadTeam(id)
	return err == nil && t.Status != "deleted"
}

func (r *Registry) LeagueExists(id string) bool {
	if m, ok := r.leagueMetadata.Get(id); ok {
		return m.Status != "deleted"
	}
	l, err := r.leagueStore.LoadLeague(id)
	return err == nil && l.Status != "deleted"
}

func (r *Registry) CountOwnedGames(userId string) int {
	idx, err := r.userStore.GetUserIndex(userId)
	if err != nil {
		return 0
	}
	count := 0
	for gId, level := range idx.GameAccess {
		if level < AccessAdmin {
			continue
		}
		if m, ok := r.getGameMeta(gId); ok {
			if m.OwnerID == userId && m.Status != "deleted" {
				count++
			}
		}
	}
	return count
}

func (r *Registry) CountOwnedTeams(userId string) int {
	idx, err := r.userStore.GetUserIndex(userId)
	if err != nil {
		return 0
	}
	count := 0
	for tId, level := range idx.TeamAccess {
		if level < AccessAdmin {
			continue
		}
		if m, ok := r.getTeamMeta(tId); ok {
			if m.OwnerID == userId && m.Status != "deleted" {
				count++
			}
		}
	}
	return count
}

func (r *Registry) CountOwnedLeagues(userId string) int {
	idx, err := r.userStore.GetUserIndex(userId)
	if err != nil {
		return 0
	}
	count := 0
	for lId, level := range idx.LeagueAccess {
		if level < AccessAdmin {
			continue
		}
		if m, ok := r.getLeagueMeta(lId); ok {
			if m.OwnerID == userId && m.Status != "deleted" {
				count++
			}
		}
	}
	return count
}

func (r *Registry) CountTotalGames() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gameCount
}

func (r *Registry) CountTotalTeams() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.teamCount
}

func (r *Registry) CountTotalLeagues() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leagueCount
}

// --- League Lookups ---

// LeagueGameIDs returns the IDs of all games indexed under a league.
func (r *Registry) LeagueGameIDs(leagueId string) []string {
	idx, err := r.userStore.GetLeagueGames(leagueId)
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(idx.GameIDs))
	for id := range idx.GameIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LeagueGameMetadata returns metadata for all undeleted games of a league.
func (r *Registry) LeagueGameMetadata(leagueId string) []GameMetadata {
	var metas []GameMetadata
	for _, id := range r.LeagueGameIDs(leagueId) {
		if m, ok := r.getGameMeta(id); ok && m.Status != "deleted" {
			metas = append(metas, m)
		}
	}
	return metas
}

// LeagueTeamIDs returns the IDs of all undeleted teams of a league.
func (r *Registry) LeagueTeamIDs(leagueId string) []string {
	idx, err := r.userStore.GetLeagueTeams(leagueId)
	if err != nil {
		return nil
	}
	var ids []string
	for id := range idx.TeamIDs {
		if m, ok := r.getTeamMeta(id); ok && m.Status != "deleted" && m.LeagueID == leagueId {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// LeagueTeamNames maps team ID to display name for all teams of a league.
func (r *Registry) LeagueTeamNames(leagueId string) map[string]string {
	names := make(map[string]string)
	for _, id := range r.LeagueTeamIDs(leagueId) {
		if m, ok := r.getTeamMeta(id); ok {
			names[id] = m.Name
		}
	}
	return names
}

// --- Listing ---

// sortByOrder sorts ids with less, reversing for descending order.
// less must impose a strict total order (callers tie-break on id).
func sortByOrder(ids []string, order string, less func(a, b string) bool) {
	sort.Slice(ids, func(i, j int) bool {
		if order == "desc" {
			return less(ids[j], ids[i])
		}
		return less(ids[i], ids[j])
	})
}

func (r *Registry) ListGames(userId, sortBy, order, query string) []string {
	// Defaults
	if sortBy == "" {
		sortBy = "date"
	}
	if order == "" {
		if sortBy == "date" {
			order = "desc"
		} else {
			order = "asc"
		}
	}

	q := normalizeQuery(search.Parse(query))

	idx, err := r.userStore.GetUserIndex(userId)
	if err != nil {
		return []string{}
	}

	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		meta, ok := r.getGameMeta(id)
		if !ok || meta.Status == "deleted" || !matchesGame(meta, q) {
			return
		}
		ids = append(ids, id)
	}

	// Direct access
	for id := range idx.GameAccess {
		add(id)
	}

	// Team games
	for teamId := range idx.TeamAccess {
		tg, _ := r.userStore.GetTeamGames(teamId)
		for id := range tg.GameIDs {
			add(id)
		}
	}

	// League games
	for leagueId := range idx.LeagueAccess {
		lg, _ := r.userStore.GetLeagueGames(leagueId)
		for id := range lg.GameIDs {
			add(id)
		}
	}

	// Public games
	if userId != "" {
		pIdx, err := r.userStore.GetUserIndex("")
		if err == nil {
			for id := range pIdx.GameAccess {
				add(id)
			}
		}
	}

	sortByOrder(ids, order, func(a, b string) bool {
		m1, ok1 := r.getGameMeta(a)
		m2, ok2 := r.getGameMeta(b)
		if ok1 && ok2 {
			switch sortBy {
			case "date":
				if m1.Date != m2.Date {
					return m1.Date < m2.Date
				}
			case "event":
				if m1.Event != m2.Event {
					return m1.Event < m2.Event
				}
			case "location":
				if m1.Location != m2.Location {
					return m1.Location < m2.Location
				}
			}
		}
		return a < b
	})
	return ids
}

func (r *Registry) ListTeams(userId, sortBy, order, query string) []string {
	// Defaults
	if sortBy == "" {
		sortBy = "name"
	}
	if order == "" {
		order = "asc"
	}

	q := normalizeQuery(search.Parse(query))

	idx, err := r.userStore.GetUserIndex(userId)
	if err != nil {
		return []string{}
	}

	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		meta, ok := r.getTeamMeta(id)
		if !ok || meta.Status == "deleted" || !matchesTeam(meta, q) {
			return
		}
		ids = append(ids, id)
	}

	for id := range idx.TeamAccess {
		add(id)
	}

	// League teams
	for leagueId := range idx.LeagueAccess {
		lt, _ := r.userStore.GetLeagueTeams(leagueId)
		for id := range lt.TeamIDs {
			add(id)
		}
	}

	sortByOrder(ids, order, func(a, b string) bool {
		m1, ok1 := r.getTeamMeta(a)
		m2, ok2 := r.getTeamMeta(b)
		if ok1 && ok2 {
			switch sortBy {
			case "name":
				if m1.Name != m2.Name {
					return m1.Name < m2.Name
				}
			case "updated":
				if m1.UpdatedAt != m2.UpdatedAt {
					return m1.UpdatedAt < m2.UpdatedAt
				}
			}
		}
		return a < b
	})
	return ids
}

func (r *Registry) ListLeagues(userId, sortBy, order, query string) []string {
	// Defaults
	if sortBy == "" {
		sortBy = "name"
	}
	if order == "" {
		order = "asc"
	}

	q := normalizeQuery(search.Parse(query))

	idx, err := r.userStore.GetUserIndex(userId)
	if err != nil {
		return []string{}
	}

	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		meta, ok := r.getLeagueMeta(id)
		if !ok || meta.Status == "deleted" || !matchesLeague(meta, q) {
			return
		}
		ids = append(ids, id)
	}

	for id := range idx.LeagueAccess {
		add(id)
	}

	// Public leagues
	if userId != "" {
		pIdx, err := r.userStore.GetUserIndex("")
		if err == nil {
			for id := range pIdx.LeagueAccess {
				add(id)
			}
		}
	}

	sortByOrder(ids, order, func(a, b string) bool {
		m1, ok1 := r.getLeagueMeta(a)
		m2, ok2 := r.getLeagueMeta(b)
		if ok1 && ok2 {
			switch sortBy {
			case "name":
				if m1.Name != m2.Name {
					return m1.Name < m2.Name
				}
			case "season":
				if m1.Season != m2.Season {
					return m1.Season < m2.Season
				}
			case "updated":
				if m1.UpdatedAt != m2.UpdatedAt {
					return m1.UpdatedAt < m2.UpdatedAt
				}
			}
		}
		return a < b
	})
	return ids
}

// --- Search Helpers ---

// normalizeQuery lowercases free text and filter values. Date filter
// values keep their case for lexicographic comparison.
func normalizeQuery(q search.Query) search.Query {
	for i, t := range q.FreeText {
		q.FreeText[i] = strings.ToLower(t)
	}
	for i, f := range q.Filters {
		if f.Key != "date" {
			q.Filters[i].Value = strings.ToLower(f.Value)
		}
	}
	return q
}

func containsLower(s, substrLower string) bool {
	return strings.Contains(strings.ToLower(s), substrLower)
}

func matchesGame(m GameMetadata, q search.Query) bool {
	for _, token := range q.FreeText {
		match := containsLower(m.Event, token) ||
			containsLower(m.Location, token) ||
			containsLower(m.Away, token) ||
			containsLower(m.Home, token)
		if !match {
			return false
		}
	}
	for _, f := range q.Filters {
		switch f.Key {
		case "event":
			if !containsLower(m.Event, f.Value) {
				return false
			}
		case "location":
			if !containsLower(m.Location, f.Value) {
				return false
			}
		case "away":
			if !containsLower(m.Away, f.Value) {
				return false
			}
		case "home":
			if !containsLower(m.Home, f.Value) {
				return false
			}
		case "status":
			if !strings.EqualFold(m.Status, f.Value) {
				return false
			}
		case "league":
			if !strings.EqualFold(m.LeagueID, f.Value) {
				return false
			}
		case "date":
			if !checkDateFilter(m.Date, f) {
				return false
			}
		}
	}
	return true
}

func matchesTeam(m TeamMetadata, q search.Query) bool {
	for _, token := range q.FreeText {
		if !containsLower(m.Name, token) {
			return false
		}
	}
	for _, f := range q.Filters {
		switch f.Key {
		case "name":
			if !containsLower(m.Name, f.Value) {
				return false
			}
		case "league":
			if !strings.EqualFold(m.LeagueID, f.Value) {
				return false
			}
		}
	}
	return true
}

func matchesLeague(m LeagueMetadata, q search.Query) bool {
	for _, token := range q.FreeText {
		if !containsLower(m.Name, token) && !containsLower(m.Season, token) {
			return false
		}
	}
	for _, f := range q.Filters {
		switch f.Key {
		case "name":
			if !containsLower(m.Name, f.Value) {
				return false
			}
		case "season":
			if !containsLower(m.Season, f.Value) {
				return false
			}
		}
	}
	return true
}

func checkDateFilter(dateVal string, f search.Filter) bool {
	switch f.Operator {
	case search.OpEqual:
		return strings.HasPrefix(dateVal, f.Value)
	case search.OpGreater:
		return dateVal > f.Value
	case search.OpGreaterOrEqual:
		return dateVal >= f.Value
	case search.OpLess:
		return dateVal < f.Value
	case search.OpLessOrEqual:
		return dateVal <= f.Value
	case search.OpRange:
		maxVal := f.MaxValue + "~"
		return dateVal >= f.Value && dateVal <= maxVal
	}
	return true
}
