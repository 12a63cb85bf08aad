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

package e2e

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/ttbt-io/courtkeeper/backend"
)

// TestSyncConflicts exercises the optimistic concurrency protocol on
// /api/action: idempotent retries are absorbed, forks are rejected with
// the server head so the client can rebase.
func TestSyncConflicts(t *testing.T) {
	baseURL := startTestServer(t)
	alice := newClient(t, baseURL, "alice@example.com")

	g := alice.startGame(gameOpts{Away: "Cats", Home: "Dogs"})
	baseAfterStart := g.rev

	first := shotAction(sideAway, playerA1, 4, 4, true, 2, "")
	g.apply(first)
	serverHead := g.rev

	// Retrying the exact same action at the old base is idempotent.
	resp := g.sendAt(baseAfterStart, first)
	if resp.Type != backend.MsgTypeAck {
		t.Errorf("idempotent retry: got %s (%s), want ACK", resp.Type, resp.Error)
	}

	// A different action at the old base is a fork.
	fork := shotAction(sideAway, playerA2, 6, 6, true, 2, "")
	resp = g.sendAt(baseAfterStart, fork)
	if resp.Type != backend.MsgTypeConflict {
		t.Fatalf("forked action: got %s (%s), want CONFLICT", resp.Type, resp.Error)
	}
	if resp.BaseRevision != serverHead {
		t.Errorf("conflict head = %q, want %q", resp.BaseRevision, serverHead)
	}

	// A base revision the server has never seen is also a conflict.
	resp = g.sendAt(uuid.NewString(), shotAction(sideAway, playerA1, 2, 2, true, 2, ""))
	if resp.Type != backend.MsgTypeConflict {
		t.Errorf("unknown base: got %s (%s), want CONFLICT", resp.Type, resp.Error)
	}

	// After rebasing onto the server head the fork applies cleanly.
	resp = g.sendAt(serverHead, fork)
	if resp.Type != backend.MsgTypeAck {
		t.Errorf("rebased action: got %s (%s), want ACK", resp.Type, resp.Error)
	}

	// The log holds each action exactly once, never duplicated.
	game := g.load()
	if len(game.ActionLog) != 3 {
		t.Errorf("action log length = %d, want 3", len(game.ActionLog))
	}
	if game.Derived.AwayScore != 4 {
		t.Errorf("away score = %d, want 4", game.Derived.AwayScore)
	}
}

// TestActionOnMissingGame checks the pre-creation conflict answer.
func TestActionOnMissingGame(t *testing.T) {
	baseURL := startTestServer(t)
	alice := newClient(t, baseURL, "alice@example.com")

	g := &gameSession{c: alice, ID: uuid.NewString()}
	resp := g.send(shotAction(sideAway, playerA1, 4, 4, true, 2, ""))
	if resp.Type != backend.MsgTypeConflict {
		t.Errorf("action on missing game: got %s (%s), want CONFLICT", resp.Type, resp.Error)
	}
}

// TestBatchActions posts a multi-action batch and an oversized one.
func TestBatchActions(t *testing.T) {
	baseURL := startTestServer(t)
	alice := newClient(t, baseURL, "alice@example.com")

	g := alice.startGame(gameOpts{Away: "Cats", Home: "Dogs"})

	batch := []json.RawMessage{
		shotAction(sideAway, playerA1, 4, 4, true, 2, ""),
		freeThrowAction(sideHome, playerH1, true),
		reboundAction(sideHome, playerH1, backend.ReboundDefensive),
	}
	var resp backend.Message
	alice.mustPost("/api/action", backend.Message{
		GameId:       g.ID,
		Actions:      batch,
		BaseRevision: g.rev,
	}, &resp)
	if resp.Type != backend.MsgTypeAck {
		t.Fatalf("batch: got %s (%s), want ACK", resp.Type, resp.Error)
	}

	game := g.load()
	if len(game.ActionLog) != 4 {
		t.Errorf("action log length = %d, want 4", len(game.ActionLog))
	}
	if game.Derived.AwayScore != 2 || game.Derived.HomeScore != 1 {
		t.Errorf("score = %d-%d, want 2-1", game.Derived.AwayScore, game.Derived.HomeScore)
	}

	oversized := make([]json.RawMessage, 101)
	for i := range oversized {
		oversized[i] = timeoutAction(sideAway)
	}
	alice.mustPost("/api/action", backend.Message{
		GameId:       g.ID,
		Actions:      oversized,
		BaseRevision: actionID(batch[2]),
	}, &resp)
	if resp.Type != backend.MsgTypeError {
		t.Errorf("oversized batch: got %s, want ERROR", resp.Type)
	}
}
