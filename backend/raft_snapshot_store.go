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
	"fmt"
	"io"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/hashicorp/raft"
)

const snapshotCryptoCtx = "raft-snapshot"

// EncryptedSnapshotStore wraps a raft.SnapshotStore to encrypt snapshots on disk
// but serve them as plaintext (decrypted) via Open() for streaming/restore.
// It is the fallback when hardlink snapshots are disabled, e.g. when the
// data directory and the raft directory sit on different filesystems.
type EncryptedSnapshotStore struct {
	inner raft.SnapshotStore
	ring  *KeyRing
}

func NewEncryptedSnapshotStore(inner raft.SnapshotStore, ring *KeyRing) *EncryptedSnapshotStore {
	return &EncryptedSnapshotStore{
		inner: inner,
		ring:  ring,
	}
}

func (e *EncryptedSnapshotStore) Create(version raft.SnapshotVersion, index, term uint64, configuration raft.Configuration, snapshotSize uint64, trans raft.Transport) (raft.SnapshotSink, error) {
	sink, err := e.inner.Create(version, index, term, configuration, snapshotSize, trans)
	if err != nil {
		return nil, err
	}

	if e.ring == nil || e.ring.Active == nil {
		return sink, nil
	}

	// Writing to the wrapper encrypts with the active key and writes
	// to the underlying sink.
	encryptedWriter, err := e.ring.Active.Key.StartWriter([]byte(snapshotCryptoCtx), sink)
	if err != nil {
		sink.Cancel()
		return nil, err
	}

	return &EncryptedSnapshotSink{
		inner:  sink,
		stream: encryptedWriter,
	}, nil
}

func (e *EncryptedSnapshotStore) List() ([]*raft.SnapshotMeta, error) {
	return e.inner.List()
}

func (e *EncryptedSnapshotStore) Open(id string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	meta, rc, err := e.inner.Open(id)
	if err != nil {
		return nil, nil, err
	}

	if e.ring == nil {
		return meta, rc, nil
	}
	rc.Close()

	// Snapshots written before a key rotation need an old key, so try
	// every key in the ring.
	e.ring.mu.RLock()
	keys := make([]*KeyInfo, 0, 1+len(e.ring.Old))
	if e.ring.Active != nil {
		keys = append(keys, e.ring.Active)
	}
	keys = append(keys, e.ring.Old...)
	e.ring.mu.RUnlock()

	var lastErr error
	for _, info := range keys {
		if info == nil {
			continue
		}
		_, rc, err := e.inner.Open(id)
		if err != nil {
			return nil, nil, err
		}
		decryptedReader, err := info.Key.StartReader([]byte(snapshotCryptoCtx), rc)
		if err == nil {
			return meta, &DecryptedReadCloser{
				inner:  rc,
				stream: decryptedReader,
			}, nil
		}
		rc.Close()
		lastErr = err
	}
	return nil, nil, fmt.Errorf("failed to open snapshot %s with any key: %w", id, lastErr)
}

// EncryptedSnapshotSink wraps the underlying sink.
type EncryptedSnapshotSink struct {
	inner  raft.SnapshotSink
	stream crypto.StreamWriter // io.Writer + io.Closer
}

func (s *EncryptedSnapshotSink) Write(p []byte) (n int, err error) {
	return s.stream.Write(p)
}

func (s *EncryptedSnapshotSink) Close() error {
	// Close encryption stream first to flush tag
	if err := s.stream.Close(); err != nil {
		s.inner.Cancel()
		return err
	}
	// Then close underlying sink to commit file
	return s.inner.Close()
}

func (s *EncryptedSnapshotSink) ID() string {
	return s.inner.ID()
}

func (s *EncryptedSnapshotSink) Cancel() error {
	s.stream.Close()
	return s.inner.Cancel()
}

// DecryptedReadCloser wraps the underlying reader.
type DecryptedReadCloser struct {
	inner  io.ReadCloser
	stream crypto.StreamReader // io.Reader + io.Seeker + io.Closer
}

func (r *DecryptedReadCloser) Read(p []byte) (n int, err error) {
	return r.stream.Read(p)
}

func (r *DecryptedReadCloser) Close() error {
	// Close stream first
	r.stream.Close()
	// Then close underlying file
	return r.inner.Close()
}
