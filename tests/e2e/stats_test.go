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
	"testing"
	"time"

	"github.com/ttbt-io/courtkeeper/backend"
)

// seedSeason creates a league with two teams and two finalized games:
// Hawks win the opener 6-2, Wolves take the rematch 4-2.
func seedSeason(t *testing.T, c *apiClient) (leagueId, hawksId, wolvesId string) {
	t.Helper()

	leagueId = c.createLeague("City League", "2026", nil)
	hawksId = c.createTeam("Hawks", leagueId, []backend.Player{
		{ID: playerA1, Name: "Dana West", Number: "4", Pos: "PG"},
		{ID: playerA2, Name: "Lee Okafor", Number: "23", Pos: "C"},
	})
	wolvesId = c.createTeam("Wolves", leagueId, []backend.Player{
		{ID: playerH1, Name: "Sam Reyes", Number: "7", Pos: "SG"},
		{ID: playerH2, Name: "Kit Moran", Number: "11", Pos: "PF"},
	})

	g1 := recordSampleGame(c, gameOpts{
		LeagueID:   leagueId,
		AwayTeamID: hawksId,
		HomeTeamID: wolvesId,
		Date:       "2026-03-01T19:00:00Z",
	})
	g1.apply(lineupAction(sideAway, "", []backend.Player{
		{ID: playerA1, Name: "Dana West", Number: "4", Pos: "PG"},
		{ID: playerA2, Name: "Lee Okafor", Number: "23", Pos: "C"},
	}, nil))
	g1.apply(lineupAction(sideHome, "", []backend.Player{
		{ID: playerH1, Name: "Sam Reyes", Number: "7", Pos: "SG"},
		{ID: playerH2, Name: "Kit Moran", Number: "11", Pos: "PF"},
	}, nil))
	g1.finalize()

	g2 := c.startGame(gameOpts{
		Away:       "Hawks",
		Home:       "Wolves",
		LeagueID:   leagueId,
		AwayTeamID: hawksId,
		HomeTeamID: wolvesId,
		Date:       "2026-03-08T19:00:00Z",
	})
	g2.apply(shotAction(sideAway, playerA1, 6, 4, true, 2, ""))
	g2.apply(shotAction(sideHome, playerH1, -4, 7, true, 2, ""))
	g2.apply(shotAction(sideHome, playerH1, 3, 9, true, 2, ""))
	g2.finalize()

	return leagueId, hawksId, wolvesId
}

func TestSeasonStats(t *testing.T) {
	baseURL := startTestServer(t)
	alice := newClient(t, baseURL, "alice@example.com")
	leagueId, _, _ := seedSeason(t, alice)

	var stats backend.PlayerSeasonStats
	waitFor(t, "season stats to include both games", 5*time.Second, func() bool {
		stats = backend.PlayerSeasonStats{}
		st := alice.getJSON(fmt.Sprintf("/api/stats/player/%s?leagueId=%s", playerA1, leagueId), &stats)
		return st == 200 && stats.Games == 2
	})

	if stats.Totals.PTS != 7 {
		t.Errorf("total points = %d, want 7", stats.Totals.PTS)
	}
	if stats.Totals.FGM != 3 || stats.Totals.FGA != 4 {
		t.Errorf("field goals = %d/%d, want 3/4", stats.Totals.FGM, stats.Totals.FGA)
	}
	if stats.PPG != 3.5 {
		t.Errorf("ppg = %v, want 3.5", stats.PPG)
	}
	if stats.RPG != 0.5 {
		t.Errorf("rpg = %v, want 0.5", stats.RPG)
	}
	if stats.FGPct != 0.75 {
		t.Errorf("fg%% = %v, want 0.75", stats.FGPct)
	}
	if stats.TPPct != 1.0 {
		t.Errorf("3p%% = %v, want 1.0", stats.TPPct)
	}
	if stats.Name != "Dana West" || stats.Number != "4" {
		t.Errorf("identity = %q #%s, want Dana West #4", stats.Name, stats.Number)
	}
}

func TestStandings(t *testing.T) {
	baseURL := startTestServer(t)
	alice := newClient(t, baseURL, "alice@example.com")
	leagueId, hawksId, wolvesId := seedSeason(t, alice)

	var resp struct {
		Data []backend.StandingRow `json:"data"`
	}
	waitFor(t, "standings to include both teams", 5*time.Second, func() bool {
		resp.Data = nil
		st := alice.getJSON("/api/standings/"+leagueId, &resp)
		return st == 200 && len(resp.Data) == 2 && resp.Data[0].GP == 2
	})

	// Both 1-1; Hawks lead on point differential (+2 vs -2).
	hawks, wolves := resp.Data[0], resp.Data[1]
	if hawks.TeamID != hawksId || wolves.TeamID != wolvesId {
		t.Fatalf("standings order = %s, %s; want Hawks then Wolves", resp.Data[0].Name, resp.Data[1].Name)
	}
	if hawks.W != 1 || hawks.L != 1 || hawks.Pct != 0.5 {
		t.Errorf("hawks record = %d-%d (%.3f), want 1-1 (0.500)", hawks.W, hawks.L, hawks.Pct)
	}
	if hawks.PF != 8 || hawks.PA != 6 {
		t.Errorf("hawks points = %d for / %d against, want 8/6", hawks.PF, hawks.PA)
	}
	// Wolves won the most recent game, Hawks lost it.
	if hawks.Streak != "L1" {
		t.Errorf("hawks streak = %q, want L1", hawks.Streak)
	}
	if wolves.Streak != "W1" {
		t.Errorf("wolves streak = %q, want W1", wolves.Streak)
	}
}

func TestShotChart(t *testing.T) {
	baseURL := startTestServer(t)
	alice := newClient(t, baseURL, "alice@example.com")
	g := recordSampleGame(alice, gameOpts{})

	var chart struct {
		GameID string              `json:"gameId"`
		Zones  []backend.ZoneStat  `json:"zones"`
		Shots  []backend.ShotEvent `json:"shots"`
	}
	alice.mustGet("/api/shotchart/"+g.ID, &chart)

	if chart.GameID != g.ID {
		t.Errorf("gameId = %q, want %q", chart.GameID, g.ID)
	}
	if len(chart.Zones) != 9 {
		t.Fatalf("zones = %d, want all 9", len(chart.Zones))
	}
	if len(chart.Shots) != 4 {
		t.Fatalf("shots = %d, want 4", len(chart.Shots))
	}
	zones := make(map[string]backend.ZoneStat)
	for _, z := range chart.Zones {
		zones[z.Zone] = z
	}
	if z := zones[backend.ZonePaint]; z.Attempts != 2 || z.Made != 1 || z.Pct != 0.5 {
		t.Errorf("paint = %d/%d (%.3f), want 1/2 (0.500)", z.Made, z.Attempts, z.Pct)
	}
	if z := zones[backend.ZoneCorner3Left]; z.Attempts != 1 || z.Made != 1 {
		t.Errorf("left corner three = %d/%d, want 1/1", z.Made, z.Attempts)
	}

	// Filtered by player: only A1's three attempts remain.
	alice.mustGet("/api/shotchart/"+g.ID+"?playerId="+playerA1, &chart)
	if len(chart.Shots) != 3 {
		t.Errorf("A1 shots = %d, want 3", len(chart.Shots))
	}

	// Filtered by team.
	alice.mustGet("/api/shotchart/"+g.ID+"?team=home", &chart)
	if len(chart.Shots) != 1 {
		t.Errorf("home shots = %d, want 1", len(chart.Shots))
	}

	if st := alice.getJSON("/api/shotchart/"+g.ID+"?team=sideways", nil); st != 400 {
		t.Errorf("invalid team filter: status %d, want 400", st)
	}
}

func TestLeaguePlayers(t *testing.T) {
	baseURL := startTestServer(t)
	alice := newClient(t, baseURL, "alice@example.com")
	leagueId, hawksId, _ := seedSeason(t, alice)

	var resp struct {
		Data []struct {
			backend.Player
			TeamID   string `json:"teamId"`
			TeamName string `json:"teamName"`
		} `json:"data"`
	}
	waitFor(t, "league players listing", 5*time.Second, func() bool {
		resp.Data = nil
		st := alice.getJSON("/api/players?leagueId="+leagueId, &resp)
		return st == 200 && len(resp.Data) == 4
	})

	for _, p := range resp.Data {
		if p.ID == playerA1 {
			if p.TeamID != hawksId || p.TeamName != "Hawks" {
				t.Errorf("A1 team = %s (%s), want Hawks (%s)", p.TeamName, p.TeamID, hawksId)
			}
			return
		}
	}
	t.Error("player A1 missing from league players listing")
}
