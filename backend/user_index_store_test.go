package backend

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
)

func TestUserIndexStore(t *testing.T) {
	// Setup
	tmpDir, err := os.MkdirTemp("", "userindex_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	os.MkdirAll(filepath.Join(tmpDir, "users"), 0755)

	masterKey, _ := crypto.CreateAESMasterKeyForTest()
	s := storage.New(tmpDir, masterKey)
	store := NewUserIndexStore(tmpDir, s, masterKey)

	// 1. Get New User (Should be empty)
	userId := "user@example.com"
	idx, err := store.GetUserIndex(userId)
	if err != nil {
		t.Fatalf("Get new user failed: %v", err)
	}
	if len(idx.GameAccess) != 0 || len(idx.TeamAccess) != 0 || len(idx.LeagueAccess) != 0 {
		t.Errorf("Expected empty index, got: %+v", idx)
	}

	// 2. Modify and Flush
	gameId := "game-123"
	leagueId := "league-456"
	idx.GameAccess[gameId] = AccessRead
	idx.LeagueAccess[leagueId] = AccessWrite
	store.SetUserIndex(idx)

	// Verify Dirty
	store.users.dirtyMu.Lock()
	if !store.users.dirty[userId] {
		t.Error("User should be marked dirty")
	}
	store.users.dirtyMu.Unlock()

	// Flush
	if err := store.FlushAll(); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}

	// Verify Dirty cleared
	store.users.dirtyMu.Lock()
	if store.users.dirty[userId] {
		t.Error("User should not be dirty after flush")
	}
	store.users.dirtyMu.Unlock()

	// Verify persisted file exists and path is hashed
	hashBytes := masterKey.Hash([]byte(userId))
	hash := hex.EncodeToString(hashBytes)
	expectedPath := filepath.Join(tmpDir, "users", hash+".json")
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Errorf("Expected persisted file at %s", expectedPath)
	}

	// 3. Drop from cache and Reload from disk
	store.users.cache.Remove(userId)

	if _, ok := store.users.cache.Get(userId); ok {
		t.Error("Cache should be empty after remove")
	}

	loadedIdx, err := store.GetUserIndex(userId)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if loadedIdx.GameAccess[gameId] != AccessRead {
		t.Error("Expected game access to be persisted")
	}
	if loadedIdx.LeagueAccess[leagueId] != AccessWrite {
		t.Error("Expected league access to be persisted")
	}
}

func TestUserIndexStore_NoMasterKey(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "userindex_nomk_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)
	os.MkdirAll(filepath.Join(tmpDir, "users"), 0755)

	s := storage.New(tmpDir, nil)
	store := NewUserIndexStore(tmpDir, s, nil)

	userId := "plain@example.com"
	idx, _ := store.GetUserIndex(userId)
	idx.TeamAccess["team-1"] = AccessRead
	store.SetUserIndex(idx)
	if err := store.FlushAll(); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}

	// Verify SHA256 fallback
	h := sha256.Sum256([]byte(userId))
	hash := hex.EncodeToString(h[:])
	expectedPath := filepath.Join(tmpDir, "users", hash+".json")
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Errorf("Expected persisted file at %s (sha256 fallback)", expectedPath)
	}
}

func TestIndexCacheEvictPersists(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "userindex_evict_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)
	os.MkdirAll(filepath.Join(tmpDir, "users"), 0755)

	s := storage.New(tmpDir, nil)
	store := NewUserIndexStore(tmpDir, s, nil)

	// A single-slot cache forces eviction on the second insert.
	c := newIndexCache(1, &indexCache[UserIndex]{
		prefix:   "users",
		dataDir:  tmpDir,
		storage:  s,
		hashPath: store.getHashPath,
		keyOf:    func(v *UserIndex) string { return v.UserID },
		fresh: func(key string) *UserIndex {
			return &UserIndex{UserID: key, GameAccess: make(map[string]AccessLevel)}
		},
		decoded: func(v *UserIndex) {
			if v.GameAccess == nil {
				v.GameAccess = make(map[string]AccessLevel)
			}
		},
	})

	first := "first@example.com"
	c.set(&UserIndex{UserID: first, GameAccess: map[string]AccessLevel{"g1": AccessRead}})
	c.set(&UserIndex{UserID: "second@example.com"})

	// The evicted dirty entry must have been written to disk.
	h := sha256.Sum256([]byte(first))
	expectedPath := filepath.Join(tmpDir, "users", hex.EncodeToString(h[:])+".json")
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Fatalf("Evicted entry was not persisted at %s", expectedPath)
	}

	// And its dirty flag must be cleared.
	c.dirtyMu.Lock()
	if c.dirty[first] {
		t.Error("Evicted entry should no longer be dirty")
	}
	c.dirtyMu.Unlock()

	// A disk reload sees the evicted data.
	reloaded, err := c.get(first)
	if err != nil {
		t.Fatalf("Reload after evict failed: %v", err)
	}
	if reloaded.GameAccess["g1"] != AccessRead {
		t.Error("Expected evicted game access to survive the round trip")
	}
}
