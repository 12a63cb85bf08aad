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
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/hashicorp/raft"
)

// SnapshotLinker is the interface that FSM.Persist uses to link files.
type SnapshotLinker interface {
	LinkFile(srcRelPath string, dstRelPath string) error
	// WriteManifest writes the manifest data to the snapshot state file.
	// This is equivalent to Write() but explicitly named for clarity in the mixed mode.
	WriteManifest(p []byte) (int, error)
}

// LinkSnapshotStore implements raft.SnapshotStore using hardlinks for data files.
type LinkSnapshotStore struct {
	baseDir   string // where the inner FileSnapshotStore keeps snapshots
	dataDir   string // source directory the data files are linked from
	inner     *raft.FileSnapshotStore
	ring      *KeyRing
	masterKey crypto.MasterKey
}

// NewLinkSnapshotStore creates a new LinkSnapshotStore. Hardlinks only
// work when baseDir and dataDir are on the same filesystem.
func NewLinkSnapshotStore(baseDir, dataDir string, inner *raft.FileSnapshotStore, ring *KeyRing, masterKey crypto.MasterKey) *LinkSnapshotStore {
	return &LinkSnapshotStore{
		baseDir:   baseDir,
		dataDir:   dataDir,
		inner:     inner,
		ring:      ring,
		masterKey: masterKey,
	}
}

func (s *LinkSnapshotStore) Create(version raft.SnapshotVersion, index, term uint64, configuration raft.Configuration, snapshotSize uint64, trans raft.Transport) (raft.SnapshotSink, error) {
	sink, err := s.inner.Create(version, index, term, configuration, snapshotSize, trans)
	if err != nil {
		return nil, err
	}

	// FileSnapshotStore typically puts snapshots in baseDir/snapshots/ID.tmp during creation
	snapDir := filepath.Join(s.baseDir, "snapshots", sink.ID())
	if _, err := os.Stat(snapDir); os.IsNotExist(err) {
		snapDir += ".tmp"
	}

	if _, err := os.Stat(snapDir); os.IsNotExist(err) {
		// Try without "snapshots" subdir as well (depending on raft version/config)
		altDir := filepath.Join(s.baseDir, sink.ID())
		if _, err := os.Stat(altDir); os.IsNotExist(err) {
			altDir += ".tmp"
		}
		if _, err := os.Stat(altDir); err == nil {
			snapDir = altDir
		} else {
			sink.Cancel()
			return nil, fmt.Errorf("snapshot directory not found for ID %s in %s", sink.ID(), s.baseDir)
		}
	}

	var stream crypto.StreamWriter
	if s.ring != nil && s.ring.Active != nil {
		stream, err = s.ring.Active.Key.StartWriter([]byte(snapshotCryptoCtx), sink)
		if err != nil {
			sink.Cancel()
			return nil, err
		}
	}

	return &LinkSnapshotSink{
		inner:   sink,
		snapDir: snapDir,
		dataDir: s.dataDir,
		stream:  stream,
	}, nil
}

func (s *LinkSnapshotStore) List() ([]*raft.SnapshotMeta, error) {
	return s.inner.List()
}

// GetSnapshotKeyID attempts to identify which key ID decrypts the snapshot.
func (s *LinkSnapshotStore) GetSnapshotKeyID(id string) (string, error) {
	if s.ring == nil {
		return "", nil
	}
	s.ring.mu.RLock()
	keys := make([]*KeyInfo, 0, 1+len(s.ring.Old))
	if s.ring.Active != nil {
		keys = append(keys, s.ring.Active)
	}
	keys = append(keys, s.ring.Old...)
	s.ring.mu.RUnlock()

	for _, info := range keys {
		if info == nil {
			continue
		}
		_, rc, err := s.inner.Open(id)
		if err != nil {
			return "", err
		}
		_, err = info.Key.StartReader([]byte(snapshotCryptoCtx), rc)
		rc.Close()
		if err == nil {
			return info.ID, nil
		}
	}
	return "", fmt.Errorf("no key found for snapshot %s", id)
}

// reencodeEntry decrypts one linked data file and returns it as plain
// JSON for the snapshot tar stream.
func reencodeEntry[T any](s *storage.Storage, relPath string) ([]byte, error) {
	var v T
	if err := s.ReadDataFile(relPath, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// snapshotEntryData dispatches on the directory prefix of a linked
// file. Unknown paths return (nil, nil) and are skipped.
func snapshotEntryData(tempStore *storage.Storage, relPath string) ([]byte, error) {
	switch {
	case strings.HasPrefix(relPath, "games/"):
		return reencodeEntry[Game](tempStore, relPath)
	case strings.HasPrefix(relPath, "teams/"):
		return reencodeEntry[Team](tempStore, relPath)
	case strings.HasPrefix(relPath, "leagues/"):
		return reencodeEntry[League](tempStore, relPath)
	case strings.HasPrefix(relPath, "notifications/"):
		return reencodeEntry[UserNotifications](tempStore, relPath)
	case strings.HasPrefix(relPath, "subscriptions/"):
		return reencodeEntry[UserSubscriptions](tempStore, relPath)
	case strings.HasPrefix(relPath, "users/"):
		return reencodeEntry[UserIndex](tempStore, relPath)
	case strings.HasPrefix(relPath, "team_games/"):
		return reencodeEntry[TeamGamesIndex](tempStore, relPath)
	case strings.HasPrefix(relPath, "game_users/"):
		return reencodeEntry[GameUsersIndex](tempStore, relPath)
	case strings.HasPrefix(relPath, "team_users/"):
		return reencodeEntry[TeamUsersIndex](tempStore, relPath)
	case strings.HasPrefix(relPath, "league_users/"):
		return reencodeEntry[LeagueUsersIndex](tempStore, relPath)
	case strings.HasPrefix(relPath, "league_games/"):
		return reencodeEntry[LeagueGamesIndex](tempStore, relPath)
	case strings.HasPrefix(relPath, "league_teams/"):
		return reencodeEntry[LeagueTeamsIndex](tempStore, relPath)
	default:
		return nil, nil
	}
}

func (s *LinkSnapshotStore) Open(id string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	meta, rc, err := s.inner.Open(id)
	if err != nil {
		return nil, nil, err
	}

	// 1. Decrypt Manifest Stream (state.bin)
	var decryptedRC io.ReadCloser = rc
	if s.ring != nil {
		decryptedRC, err = s.decryptManifestStream(id)
		if err != nil {
			rc.Close()
			return nil, nil, err
		}
		rc.Close()
	}

	// 2. Return a reader that streams the TAR (Manifest + Files)
	pr, pw := io.Pipe()

	go func() {
		defer decryptedRC.Close()
		defer pw.Close()

		gz := gzip.NewWriter(pw)
		defer gz.Close()

		tw := tar.NewWriter(gz)
		defer tw.Close()

		manifestBytes, err := io.ReadAll(decryptedRC)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("failed to read manifest: %w", err))
			return
		}

		if err := writeFileToTar(tw, "manifest.json", manifestBytes); err != nil {
			pw.CloseWithError(err)
			return
		}

		// FileSnapshotStore moves the directory to its final name (without .tmp) once closed.
		// Since we are Opening it, it should be in the final location.
		snapDir := filepath.Join(s.baseDir, "snapshots", id)
		if _, err := os.Stat(snapDir); os.IsNotExist(err) {
			snapDir = filepath.Join(s.baseDir, id)
		}

		tempStore := storage.New(snapDir, s.masterKey)

		filepath.Walk(snapDir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			relPath, err := filepath.Rel(snapDir, path)
			if err != nil {
				return err
			}

			if relPath == "meta.json" || relPath == "state.bin" {
				return nil
			}

			data, err := snapshotEntryData(tempStore, relPath)
			if err != nil {
				log.Printf("Snapshot Open Warning: failed to read %s: %v", relPath, err)
				return nil
			}
			if data == nil {
				return nil
			}
			writeFileToTar(tw, relPath, data)
			return nil
		})
	}()

	return meta, pr, nil
}

func (s *LinkSnapshotStore) decryptManifestStream(id string) (io.ReadCloser, error) {
	s.ring.mu.RLock()
	keys := make([]*KeyInfo, 0, 1+len(s.ring.Old))
	if s.ring.Active != nil {
		keys = append(keys, s.ring.Active)
	}
	keys = append(keys, s.ring.Old...)
	s.ring.mu.RUnlock()

	var lastErr error
	for _, info := range keys {
		if info == nil {
			continue
		}
		_, rc, err := s.inner.Open(id)
		if err != nil {
			return nil, err
		}

		decryptedReader, err := info.Key.StartReader([]byte(snapshotCryptoCtx), rc)
		if err == nil {
			return &DecryptedReadCloser{
				inner:  rc,
				stream: decryptedReader,
			}, nil
		}
		rc.Close()
		lastErr = err
	}
	return nil, fmt.Errorf("failed to open snapshot with any key: %w", lastErr)
}

// LinkSnapshotSink implements raft.SnapshotSink
type LinkSnapshotSink struct {
	inner   raft.SnapshotSink
	snapDir string
	dataDir string
	stream  crypto.StreamWriter
}

func (s *LinkSnapshotSink) Write(p []byte) (n int, err error) {
	if s.stream != nil {
		return s.stream.Write(p)
	}
	return s.inner.Write(p)
}

func (s *LinkSnapshotSink) Close() error {
	if s.stream != nil {
		s.stream.Close()
	}
	return s.inner.Close()
}

func (s *LinkSnapshotSink) ID() string {
	return s.inner.ID()
}

func (s *LinkSnapshotSink) Cancel() error {
	if s.stream != nil {
		s.stream.Close()
	}
	return s.inner.Cancel()
}

func (s *LinkSnapshotSink) LinkFile(srcRelPath string, dstRelPath string) error {
	src := filepath.Join(s.dataDir, srcRelPath)
	dst := filepath.Join(s.snapDir, dstRelPath)

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	return os.Link(src, dst)
}

func (s *LinkSnapshotSink) WriteManifest(p []byte) (int, error) {
	return s.Write(p)
}
