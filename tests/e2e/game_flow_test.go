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
	"fmt"
	"net/http"
	"testing"

	"github.com/ttbt-io/courtkeeper/backend"
)

// TestLiveGameFlow records a full small game through /api/action and
// verifies the server-derived state and box score at each stage.
func TestLiveGameFlow(t *testing.T) {
	baseURL := startTestServer(t)
	alice := newClient(t, baseURL, "alice@example.com")

	g := recordSampleGame(alice, gameOpts{})

	game := g.load()
	if game.Derived == nil {
		t.Fatal("derived state missing after actions")
	}
	if game.Derived.AwayScore != 6 || game.Derived.HomeScore != 2 {
		t.Errorf("score = %d-%d, want 6-2", game.Derived.AwayScore, game.Derived.HomeScore)
	}
	if game.Derived.Period != 1 {
		t.Errorf("period = %d, want 1", game.Derived.Period)
	}
	if got := len(game.ActionLog); got != 13 {
		t.Errorf("action log length = %d, want 13", got)
	}
	if game.Derived.PlayerFouls[playerH1] != 1 {
		t.Errorf("player fouls for H1 = %d, want 1", game.Derived.PlayerFouls[playerH1])
	}
	if fouls := game.Derived.TeamFouls[sideHome]; len(fouls) == 0 || fouls[0] != 1 {
		t.Errorf("home team fouls = %v, want [1]", fouls)
	}

	var box backend.BoxScore
	alice.mustGet("/api/stats/game/"+g.ID, &box)
	if box.Away.Name != "Hawks" || box.Home.Name != "Wolves" {
		t.Errorf("box teams = %q vs %q, want Hawks vs Wolves", box.Away.Name, box.Home.Name)
	}
	if box.Away.Score != 6 || box.Home.Score != 2 {
		t.Errorf("box score = %d-%d, want 6-2", box.Away.Score, box.Home.Score)
	}
	var a1 *backend.PlayerStat
	for i := range box.Away.Players {
		if box.Away.Players[i].PlayerID == playerA1 {
			a1 = &box.Away.Players[i]
		}
	}
	if a1 == nil {
		t.Fatal("player A1 missing from away box score")
	}
	if a1.PTS != 5 || a1.FGM != 2 || a1.FGA != 3 || a1.TPM != 1 || a1.TPA != 1 {
		t.Errorf("A1 shooting line = pts %d fg %d/%d 3p %d/%d, want pts 5 fg 2/3 3p 1/1",
			a1.PTS, a1.FGM, a1.FGA, a1.TPM, a1.TPA)
	}
	if a1.OREB != 1 || a1.REB != 1 {
		t.Errorf("A1 rebounds = oreb %d reb %d, want 1/1", a1.OREB, a1.REB)
	}
	if box.Away.Totals.PTS != 6 || box.Away.Totals.FTA != 2 {
		t.Errorf("away totals = pts %d fta %d, want pts 6 fta 2", box.Away.Totals.PTS, box.Away.Totals.FTA)
	}
	if box.Home.Totals.AST != 1 || box.Home.Totals.STL != 1 || box.Home.Totals.BLK != 1 {
		t.Errorf("home totals ast/stl/blk = %d/%d/%d, want 1/1/1",
			box.Home.Totals.AST, box.Home.Totals.STL, box.Home.Totals.BLK)
	}

	// Lineup update fills in names and jersey numbers.
	g.apply(lineupAction(sideAway, "", []backend.Player{
		{ID: playerA1, Name: "Dana West", Number: "4", Pos: "PG"},
		{ID: playerA2, Name: "Lee Okafor", Number: "23", Pos: "C"},
	}, []string{playerA1, playerA2}))

	alice.mustGet("/api/stats/game/"+g.ID, &box)
	if len(box.Away.Players) < 2 || box.Away.Players[0].Name != "Dana West" {
		t.Errorf("away box after lineup = %+v, want roster names first", box.Away.Players)
	}

	// Undo voids the referenced action and the derived score rewinds.
	extra := shotAction(sideAway, playerA1, 12, 10, true, 2, "")
	g.apply(extra)
	if game = g.load(); game.Derived.AwayScore != 8 {
		t.Fatalf("away score after extra shot = %d, want 8", game.Derived.AwayScore)
	}
	g.apply(undoAction(actionID(extra)))
	if game = g.load(); game.Derived.AwayScore != 6 {
		t.Errorf("away score after undo = %d, want 6", game.Derived.AwayScore)
	}

	// Period advance and timeout bookkeeping.
	g.apply(periodAdvanceAction())
	g.apply(timeoutAction(sideAway))
	game = g.load()
	if game.Derived.Period != 2 {
		t.Errorf("period = %d, want 2", game.Derived.Period)
	}
	if game.Derived.TimeoutsUsed[sideAway] != 1 {
		t.Errorf("away timeouts = %d, want 1", game.Derived.TimeoutsUsed[sideAway])
	}

	// Finalize locks in the status.
	g.finalize()
	if game = g.load(); game.Status != "final" {
		t.Errorf("status = %q, want final", game.Status)
	}
}

// TestScoreOverride checks that a manual correction replaces the
// computed score rather than adding to it.
func TestScoreOverride(t *testing.T) {
	baseURL := startTestServer(t)
	alice := newClient(t, baseURL, "alice@example.com")

	g := alice.startGame(gameOpts{Away: "Cats", Home: "Dogs"})
	g.apply(shotAction(sideAway, playerA1, 3, 4, true, 2, ""))

	g.apply(newAction(backend.ActionScoreOverride, map[string]any{
		"team": sideAway, "period": 1, "score": 11,
	}))

	game := g.load()
	if game.Derived.AwayScore != 11 {
		t.Errorf("away score after override = %d, want 11", game.Derived.AwayScore)
	}
	if game.Derived.HomeScore != 0 {
		t.Errorf("home score after override = %d, want 0", game.Derived.HomeScore)
	}
}

// TestFouledOutSubstitution verifies that a player over the foul limit
// cannot be substituted back onto the court.
func TestFouledOutSubstitution(t *testing.T) {
	baseURL := startTestServer(t)
	alice := newClient(t, baseURL, "alice@example.com")

	g := alice.startGame(gameOpts{Away: "Cats", Home: "Dogs", FoulLimit: 5})
	for i := 0; i < 5; i++ {
		g.apply(foulAction(sideHome, playerH1, backend.FoulPersonal))
	}

	game := g.load()
	found := false
	for _, id := range game.Derived.FouledOut {
		if id == playerH1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("fouledOut = %v, want it to contain %s", game.Derived.FouledOut, playerH1)
	}

	// The rejection surfaces as an apply error, never as an ACK.
	var resp backend.Message
	status, _ := alice.postJSON("/api/action", backend.Message{
		GameId:       g.ID,
		Action:       substitutionAction(sideHome, playerH2, playerH1),
		BaseRevision: g.rev,
	}, &resp)
	if status == http.StatusOK && resp.Type == backend.MsgTypeAck {
		t.Error("substituting a fouled-out player was acknowledged, want rejection")
	}
}

// TestGameReplay walks the time-shifted replay endpoint across the log.
func TestGameReplay(t *testing.T) {
	baseURL := startTestServer(t)
	alice := newClient(t, baseURL, "alice@example.com")
	g := recordSampleGame(alice, gameOpts{})

	var full backend.ReplayState
	alice.mustGet(fmt.Sprintf("/api/replay/%s?elapsedMs=%d", g.ID, 1<<62), &full)
	if full.Total != 13 {
		t.Fatalf("replay total = %d, want 13", full.Total)
	}
	if len(full.Actions) != full.Total {
		t.Errorf("full replay actions = %d, want %d", len(full.Actions), full.Total)
	}
	if full.Derived == nil || full.Derived.AwayScore != 6 {
		t.Errorf("full replay derived = %+v, want away score 6", full.Derived)
	}

	var zero backend.ReplayState
	alice.mustGet(fmt.Sprintf("/api/replay/%s?elapsedMs=0", g.ID), &zero)
	if len(zero.Actions) >= full.Total {
		t.Errorf("zero-elapsed replay returned %d actions, want a strict prefix of %d",
			len(zero.Actions), full.Total)
	}

	// Omitting elapsedMs replays the whole log.
	var whole backend.ReplayState
	alice.mustGet("/api/replay/"+g.ID, &whole)
	if len(whole.Actions) != full.Total {
		t.Errorf("default replay actions = %d, want %d", len(whole.Actions), full.Total)
	}

	status := alice.getJSON("/api/replay/"+g.ID+"?elapsedMs=abc", nil)
	if status != http.StatusBadRequest {
		t.Errorf("replay with bad elapsedMs: status %d, want %d", status, http.StatusBadRequest)
	}
}
