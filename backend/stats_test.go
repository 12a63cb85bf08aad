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
	"testing"
)

func TestComputeBoxScore(t *testing.T) {
	p1 := "11111111-1111-4111-8111-111111111111"
	p2 := "22222222-2222-4222-8222-222222222222"
	p3 := "33333333-3333-4333-8333-333333333333"

	g := &Game{
		ID:   "g-box",
		Away: "Hawks",
		Home: "Wolves",
		Roster: map[string][]RosterSlot{
			"away": {
				{Slot: 0, Current: Player{ID: p1, Name: "Ann Archer", Number: "23"}},
				{Slot: 1, Current: Player{ID: p2, Name: "Bo Brand", Number: "7"}},
			},
			"home": {
				{Slot: 0, Current: Player{ID: p3, Name: "Cal Cole", Number: "11"}},
			},
		},
		ActionLog: []json.RawMessage{},
	}

	actions := []json.RawMessage{
		// p1: 2+3 with an assist from p2, one miss, 1/2 from the line.
		makeStatAction(makeUUID(1), ActionShot, fmt.Sprintf(`{"team": "away", "playerId": "%s", "x": 0, "y": 6, "made": true, "points": 2, "assistPlayerId": "%s"}`, p1, p2)),
		makeStatAction(makeUUID(2), ActionShot, fmt.Sprintf(`{"team": "away", "playerId": "%s", "x": 0, "y": 30, "made": true, "points": 3}`, p1)),
		makeStatAction(makeUUID(3), ActionShot, fmt.Sprintf(`{"team": "away", "playerId": "%s", "x": 10, "y": 10, "made": false, "points": 2}`, p1)),
		makeStatAction(makeUUID(4), ActionFreeThrow, fmt.Sprintf(`{"team": "away", "playerId": "%s", "made": true}`, p1)),
		makeStatAction(makeUUID(5), ActionFreeThrow, fmt.Sprintf(`{"team": "away", "playerId": "%s", "made": false}`, p1)),
		// p3: rebounds both ends, a steal, a block, a turnover, two fouls.
		makeStatAction(makeUUID(6), ActionRebound, fmt.Sprintf(`{"team": "home", "playerId": "%s", "kind": "defensive"}`, p3)),
		makeStatAction(makeUUID(7), ActionRebound, fmt.Sprintf(`{"team": "home", "playerId": "%s", "kind": "offensive"}`, p3)),
		makeStatAction(makeUUID(8), ActionSteal, fmt.Sprintf(`{"team": "home", "playerId": "%s"}`, p3)),
		makeStatAction(makeUUID(9), ActionBlock, fmt.Sprintf(`{"team": "home", "playerId": "%s"}`, p3)),
		makeStatAction(makeUUID(10), ActionTurnover, fmt.Sprintf(`{"team": "home", "playerId": "%s"}`, p3)),
		makeStatAction(makeUUID(11), ActionFoul, fmt.Sprintf(`{"team": "home", "playerId": "%s", "kind": "personal"}`, p3)),
		makeStatAction(makeUUID(12), ActionFoul, fmt.Sprintf(`{"team": "home", "playerId": "%s", "kind": "technical"}`, p3)),
		// Team turnover with no player attached.
		makeStatAction(makeUUID(13), ActionTurnover, `{"team": "home"}`),
	}
	if _, err := ApplyActions(g, actions); err != nil {
		t.Fatalf("ApplyActions failed: %v", err)
	}

	box := ComputeBoxScore(g)

	if box.Away.Name != "Hawks" || box.Home.Name != "Wolves" {
		t.Errorf("Team names: %s / %s", box.Away.Name, box.Home.Name)
	}
	if box.Away.Score != 6 || box.Home.Score != 0 {
		t.Errorf("Score %d-%d, want 6-0", box.Away.Score, box.Home.Score)
	}

	lines := make(map[string]PlayerStat)
	for _, l := range append(box.Away.Players, box.Home.Players...) {
		lines[l.PlayerID] = l
	}

	l1 := lines[p1]
	if l1.PTS != 6 || l1.FGM != 2 || l1.FGA != 3 || l1.TPM != 1 || l1.TPA != 1 || l1.FTM != 1 || l1.FTA != 2 {
		t.Errorf("p1 line = %+v", l1)
	}
	if l1.Name != "Ann Archer" || l1.Number != "23" {
		t.Errorf("p1 identity not resolved from roster: %+v", l1)
	}

	l2 := lines[p2]
	if l2.AST != 1 {
		t.Errorf("p2 assists = %d, want 1", l2.AST)
	}

	l3 := lines[p3]
	if l3.OREB != 1 || l3.DREB != 1 || l3.REB != 2 {
		t.Errorf("p3 rebounds = %+v", l3)
	}
	if l3.STL != 1 || l3.BLK != 1 || l3.TOV != 1 || l3.PF != 2 {
		t.Errorf("p3 defense line = %+v", l3)
	}

	// Team-only turnover appears in the totals, not in any player line.
	if box.Home.Totals.TOV != 2 {
		t.Errorf("Home total TOV = %d, want 2", box.Home.Totals.TOV)
	}
	if box.Away.Totals.PTS != 6 {
		t.Errorf("Away total PTS = %d, want 6", box.Away.Totals.PTS)
	}
}

func TestComputeBoxScoreSkipsUndone(t *testing.T) {
	p1 := "11111111-1111-4111-8111-111111111111"
	g := &Game{ID: "g-box-undo", ActionLog: []json.RawMessage{}}

	shotID := makeUUID(1)
	actions := []json.RawMessage{
		makeStatAction(shotID, ActionShot, fmt.Sprintf(`{"team": "away", "playerId": "%s", "x": 0, "y": 6, "made": true, "points": 2}`, p1)),
		makeStatAction(makeUUID(2), ActionUndo, fmt.Sprintf(`{"refId": "%s"}`, shotID)),
	}
	if _, err := ApplyActions(g, actions); err != nil {
		t.Fatalf("ApplyActions failed: %v", err)
	}

	box := ComputeBoxScore(g)
	for _, l := range box.Away.Players {
		if l.PlayerID == p1 && l.FGA != 0 {
			t.Errorf("Undone shot still in box score: %+v", l)
		}
	}
	if box.Away.Totals.PTS != 0 {
		t.Errorf("Away totals include undone shot: %+v", box.Away.Totals)
	}
}

func TestComputeSeasonStats(t *testing.T) {
	p1 := "11111111-1111-4111-8111-111111111111"

	makeGame := func(id string, pts2, pts3 int) *Game {
		g := &Game{ID: id, Status: "final", ActionLog: []json.RawMessage{}}
		n := 0
		for i := 0; i < pts2; i++ {
			n++
			a := makeStatAction(fmt.Sprintf("%08x-0000-0000-0000-00000000%04x", n, n), ActionShot,
				fmt.Sprintf(`{"team": "away", "playerId": "%s", "x": 0, "y": 6, "made": true, "points": 2}`, p1))
			if _, err := ApplyAction(g, a); err != nil {
				t.Fatalf("apply: %v", err)
			}
		}
		for i := 0; i < pts3; i++ {
			n++
			a := makeStatAction(fmt.Sprintf("%08x-0000-0000-0000-00000000%04x", n, n), ActionShot,
				fmt.Sprintf(`{"team": "away", "playerId": "%s", "x": 0, "y": 30, "made": true, "points": 3}`, p1))
			if _, err := ApplyAction(g, a); err != nil {
				t.Fatalf("apply: %v", err)
			}
		}
		return g
	}

	games := []*Game{
		makeGame("s1", 5, 0), // 10 points
		makeGame("s2", 2, 2), // 10 points
	}

	season := ComputeSeasonStats(games, p1)
	if season.Games != 2 {
		t.Fatalf("Games = %d, want 2", season.Games)
	}
	if season.Totals.PTS != 20 {
		t.Errorf("Total PTS = %d, want 20", season.Totals.PTS)
	}
	if season.PPG != 10.0 {
		t.Errorf("PPG = %v, want 10.0", season.PPG)
	}
	if season.FGPct != 1.0 {
		t.Errorf("FGPct = %v, want 1.0", season.FGPct)
	}
	if season.Totals.TPM != 2 {
		t.Errorf("TPM = %d, want 2", season.Totals.TPM)
	}
}

func TestComputeStandings(t *testing.T) {
	tA := "aaaaaaaa-aaaa-4aaa-aaaa-aaaaaaaaaaaa"
	tB := "bbbbbbbb-bbbb-4bbb-bbbb-bbbbbbbbbbbb"
	tC := "cccccccc-cccc-4ccc-cccc-cccccccccccc"

	metas := []GameMetadata{
		{ID: "g1", Date: "2026-01-05", Status: "final", AwayTeamID: tA, HomeTeamID: tB, Away: "Hawks", Home: "Wolves", AwayScore: 80, HomeScore: 70},
		{ID: "g2", Date: "2026-01-12", Status: "final", AwayTeamID: tB, HomeTeamID: tC, Away: "Wolves", Home: "Comets", AwayScore: 66, HomeScore: 90},
		{ID: "g3", Date: "2026-01-19", Status: "final", AwayTeamID: tC, HomeTeamID: tA, Away: "Comets", Home: "Hawks", AwayScore: 75, HomeScore: 88},
		// Live game must not count.
		{ID: "g4", Date: "2026-01-26", Status: "live", AwayTeamID: tA, HomeTeamID: tB, AwayScore: 10, HomeScore: 8},
		// Deleted game must not count.
		{ID: "g5", Date: "2026-01-26", Status: "final", DeletedAt: 123, AwayTeamID: tA, HomeTeamID: tB, AwayScore: 99, HomeScore: 0},
		// Game without team IDs must not count.
		{ID: "g6", Date: "2026-01-26", Status: "final", Away: "Pickup A", Home: "Pickup B", AwayScore: 21, HomeScore: 15},
	}

	names := map[string]string{tA: "Hawks", tB: "Wolves", tC: "Comets"}
	rows := ComputeStandings(metas, names)

	if len(rows) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(rows))
	}
	if rows[0].TeamID != tA {
		t.Errorf("First place = %s, want Hawks", rows[0].Name)
	}
	if rows[0].W != 2 || rows[0].L != 0 || rows[0].GP != 2 {
		t.Errorf("Hawks record = %+v", rows[0])
	}
	if rows[0].Pct != 1.0 {
		t.Errorf("Hawks Pct = %v", rows[0].Pct)
	}
	if rows[0].Streak != "W2" {
		t.Errorf("Hawks streak = %q, want W2", rows[0].Streak)
	}

	// Comets beat Wolves and lost to Hawks: 1-1 beats Wolves' 0-2.
	if rows[1].TeamID != tC {
		t.Errorf("Second place = %s, want Comets", rows[1].Name)
	}
	if rows[2].TeamID != tB {
		t.Errorf("Third place = %s, want Wolves", rows[2].Name)
	}
	if rows[2].Streak != "L2" {
		t.Errorf("Wolves streak = %q, want L2", rows[2].Streak)
	}

	// Points for/against accumulate only over counted games.
	if rows[0].PF != 168 || rows[0].PA != 145 {
		t.Errorf("Hawks PF/PA = %d/%d, want 168/145", rows[0].PF, rows[0].PA)
	}
}

func TestStreak(t *testing.T) {
	tests := []struct {
		name    string
		results []bool
		want    string
	}{
		{"Empty", nil, ""},
		{"SingleWin", []bool{true}, "W1"},
		{"RunOfLosses", []bool{true, false, false, false}, "L3"},
		{"BrokenRun", []bool{false, true, true}, "W2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := streak(tt.results); got != tt.want {
				t.Errorf("streak() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReplaySliceClockAnchor(t *testing.T) {
	p1 := "11111111-1111-4111-8111-111111111111"

	timed := func(id string, ts int64, typ, payload string) json.RawMessage {
		return json.RawMessage(fmt.Sprintf(`{"id": "%s", "timestamp": %d, "type": "%s", "payload": %s}`, id, ts, typ, payload))
	}
	shot := func(id string, ts int64) json.RawMessage {
		return timed(id, ts, ActionShot, fmt.Sprintf(`{"team": "away", "playerId": "%s", "x": 2, "y": 7, "made": true, "points": 2}`, p1))
	}

	// GAME_START is recorded well before live play begins; the replay
	// clock starts with the first action that follows it.
	g := &Game{
		ID: "g-replay",
		ActionLog: []json.RawMessage{
			timed(makeUUID(1), 1000, ActionGameStart, `{"id": "g-replay", "away": "Hawks", "home": "Wolves", "date": "2026-01-01T00:00:00Z"}`),
			shot(makeUUID(2), 5000),
			shot(makeUUID(3), 6000),
		},
	}

	rs := ReplaySlice(g, 500)
	if len(rs.Actions) != 2 {
		t.Fatalf("replay at 500ms has %d actions, want 2 (start + first live action)", len(rs.Actions))
	}
	if rs.Derived.AwayScore != 2 {
		t.Errorf("replay at 500ms away score = %d, want 2", rs.Derived.AwayScore)
	}

	rs = ReplaySlice(g, 1000)
	if len(rs.Actions) != 3 {
		t.Errorf("replay at 1000ms has %d actions, want 3", len(rs.Actions))
	}

	rs = ReplaySlice(g, -1)
	if len(rs.Actions) != 3 {
		t.Errorf("full replay has %d actions, want 3", len(rs.Actions))
	}
}
