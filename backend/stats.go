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
	"math"
	"sort"
)

// PlayerStat is one box score line. Computed from the action log, never
// stored.
type PlayerStat struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name,omitempty"`
	Number   string `json:"number,omitempty"`
	PTS      int    `json:"pts"`
	FGM      int    `json:"fgm"`
	FGA      int    `json:"fga"`
	TPM      int    `json:"tpm"`
	TPA      int    `json:"tpa"`
	FTM      int    `json:"ftm"`
	FTA      int    `json:"fta"`
	OREB     int    `json:"oreb"`
	DREB     int    `json:"dreb"`
	REB      int    `json:"reb"`
	AST      int    `json:"ast"`
	STL      int    `json:"stl"`
	BLK      int    `json:"blk"`
	TOV      int    `json:"tov"`
	PF       int    `json:"pf"`
}

func (s *PlayerStat) add(o *PlayerStat) {
	s.PTS += o.PTS
	s.FGM += o.FGM
	s.FGA += o.FGA
	s.TPM += o.TPM
	s.TPA += o.TPA
	s.FTM += o.FTM
	s.FTA += o.FTA
	s.OREB += o.OREB
	s.DREB += o.DREB
	s.REB += o.REB
	s.AST += o.AST
	s.STL += o.STL
	s.BLK += o.BLK
	s.TOV += o.TOV
	s.PF += o.PF
}

// TeamBoxScore is one side of a box score.
type TeamBoxScore struct {
	TeamID  string       `json:"teamId,omitempty"`
	Name    string       `json:"name"`
	Score   int          `json:"score"`
	Players []PlayerStat `json:"players"`
	Totals  PlayerStat   `json:"totals"`
}

// BoxScore is the full computed box score for a game.
type BoxScore struct {
	GameID string       `json:"gameId"`
	Status string       `json:"status"`
	Away   TeamBoxScore `json:"away"`
	Home   TeamBoxScore `json:"home"`
}

// boxAccumulator folds actions into per-player lines for one side.
type boxAccumulator struct {
	lines map[string]*PlayerStat
	order []string // first-seen order for players not on the roster

	// Team-only events (empty playerId) count toward totals.
	teamOnly PlayerStat
}

func newBoxAccumulator() *boxAccumulator {
	return &boxAccumulator{lines: make(map[string]*PlayerStat)}
}

func (b *boxAccumulator) line(playerId string) *PlayerStat {
	if playerId == "" {
		return &b.teamOnly
	}
	if l, ok := b.lines[playerId]; ok {
		return l
	}
	l := &PlayerStat{PlayerID: playerId}
	b.lines[playerId] = l
	b.order = append(b.order, playerId)
	return l
}

// ComputeBoxScore walks the action log and produces both box score
// sides, skipping undone actions. Names and numbers are resolved from
// the game roster; players recorded without a roster entry still get a
// line keyed by ID.
func ComputeBoxScore(g *Game) *BoxScore {
	acc := map[string]*boxAccumulator{
		SideAway: newBoxAccumulator(),
		SideHome: newBoxAccumulator(),
	}

	voided := voidedActionIDs(g.ActionLog)
	for _, raw := range g.ActionLog {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		if voided[a.ID] || a.Type == ActionUndo {
			continue
		}
		foldBoxAction(acc, &a)
	}

	box := &BoxScore{GameID: g.ID, Status: g.Status}
	box.Away = buildTeamBox(g, SideAway, acc[SideAway])
	box.Home = buildTeamBox(g, SideHome, acc[SideHome])
	return box
}

func foldBoxAction(acc map[string]*boxAccumulator, a *BaseAction) {
	side := func(team string) *boxAccumulator {
		if b, ok := acc[team]; ok {
			return b
		}
		return nil
	}

	switch a.Type {
	case ActionShot:
		var p ShotPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return
		}
		b := side(p.Team)
		if b == nil {
			return
		}
		l := b.line(p.PlayerID)
		l.FGA++
		if p.Points == ShotValueThree {
			l.TPA++
		}
		if p.Made {
			l.FGM++
			l.PTS += p.Points
			if p.Points == ShotValueThree {
				l.TPM++
			}
			if p.AssistPlayerID != "" {
				b.line(p.AssistPlayerID).AST++
			}
		}
	case ActionFreeThrow:
		var p FreeThrowPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return
		}
		b := side(p.Team)
		if b == nil {
			return
		}
		l := b.line(p.PlayerID)
		l.FTA++
		if p.Made {
			l.FTM++
			l.PTS++
		}
	case ActionRebound:
		var p ReboundPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return
		}
		b := side(p.Team)
		if b == nil {
			return
		}
		l := b.line(p.PlayerID)
		if p.Kind == ReboundOffensive {
			l.OREB++
		} else {
			l.DREB++
		}
		l.REB++
	case ActionAssist, ActionSteal, ActionBlock:
		var p StatPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return
		}
		b := side(p.Team)
		if b == nil {
			return
		}
		l := b.line(p.PlayerID)
		switch a.Type {
		case ActionAssist:
			l.AST++
		case ActionSteal:
			l.STL++
		case ActionBlock:
			l.BLK++
		}
	case ActionTurnover:
		var p TurnoverPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return
		}
		if b := side(p.Team); b != nil {
			b.line(p.PlayerID).TOV++
		}
	case ActionFoul:
		var p FoulPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return
		}
		if b := side(p.Team); b != nil {
			b.line(p.PlayerID).PF++
		}
	}
}

func buildTeamBox(g *Game, side string, b *boxAccumulator) TeamBoxScore {
	box := TeamBoxScore{}
	if side == SideAway {
		box.TeamID = g.AwayTeamID
		box.Name = g.Away
		if g.Derived != nil {
			box.Score = g.Derived.AwayScore
		}
	} else {
		box.TeamID = g.HomeTeamID
		box.Name = g.Home
		if g.Derived != nil {
			box.Score = g.Derived.HomeScore
		}
	}

	// Roster order first, ad-hoc players after in first-seen order.
	seen := make(map[string]bool)
	for _, slot := range g.Roster[side] {
		id := slot.Current.ID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		l, ok := b.lines[id]
		if !ok {
			l = &PlayerStat{PlayerID: id}
		}
		l.Name = slot.Current.Name
		l.Number = slot.Current.Number
		box.Players = append(box.Players, *l)
	}
	for _, id := range b.order {
		if seen[id] {
			continue
		}
		seen[id] = true
		box.Players = append(box.Players, *b.lines[id])
	}

	for i := range box.Players {
		box.Totals.add(&box.Players[i])
	}
	box.Totals.add(&b.teamOnly)
	box.Totals.PlayerID = ""
	box.Totals.Name = "Totals"
	return box
}

// PlayerSeasonStats aggregates a player's lines across final games.
type PlayerSeasonStats struct {
	PlayerID string     `json:"playerId"`
	Name     string     `json:"name,omitempty"`
	Number   string     `json:"number,omitempty"`
	Games    int        `json:"games"`
	Totals   PlayerStat `json:"totals"`

	PPG float64 `json:"ppg"`
	RPG float64 `json:"rpg"`
	APG float64 `json:"apg"`
	SPG float64 `json:"spg"`
	BPG float64 `json:"bpg"`

	FGPct float64 `json:"fgPct"`
	TPPct float64 `json:"tpPct"`
	FTPct float64 `json:"ftPct"`
}

// ComputeSeasonStats folds a player's box score lines over the given
// games. Games where the player never appears do not count toward the
// games-played denominator.
func ComputeSeasonStats(games []*Game, playerId string) *PlayerSeasonStats {
	out := &PlayerSeasonStats{PlayerID: playerId}
	for _, g := range games {
		box := ComputeBoxScore(g)
		for _, side := range []TeamBoxScore{box.Away, box.Home} {
			for i := range side.Players {
				l := &side.Players[i]
				if l.PlayerID != playerId {
					continue
				}
				out.Games++
				out.Totals.add(l)
				if l.Name != "" {
					out.Name = l.Name
				}
				if l.Number != "" {
					out.Number = l.Number
				}
			}
		}
	}
	out.Totals.PlayerID = playerId

	if out.Games > 0 {
		n := float64(out.Games)
		out.PPG = round1(float64(out.Totals.PTS) / n)
		out.RPG = round1(float64(out.Totals.REB) / n)
		out.APG = round1(float64(out.Totals.AST) / n)
		out.SPG = round1(float64(out.Totals.STL) / n)
		out.BPG = round1(float64(out.Totals.BLK) / n)
	}
	out.FGPct = pct(out.Totals.FGM, out.Totals.FGA)
	out.TPPct = pct(out.Totals.TPM, out.Totals.TPA)
	out.FTPct = pct(out.Totals.FTM, out.Totals.FTA)
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func pct(made, attempts int) float64 {
	if attempts == 0 {
		return 0
	}
	return math.Round(float64(made)/float64(attempts)*1000) / 1000
}

// StandingRow is one line of the league standings.
type StandingRow struct {
	TeamID string  `json:"teamId"`
	Name   string  `json:"name"`
	GP     int     `json:"gp"`
	W      int     `json:"w"`
	L      int     `json:"l"`
	Pct    float64 `json:"pct"`
	PF     int     `json:"pf"`
	PA     int     `json:"pa"`
	Streak string  `json:"streak"`
}

type standingAcc struct {
	row     StandingRow
	results []bool // chronological, true = win
}

// ComputeStandings builds the standings table from final game metadata.
// teamNames overrides the display name per team ID; games without team
// IDs on both sides are skipped. Ordered by win percentage, then point
// differential, then name.
func ComputeStandings(metas []GameMetadata, teamNames map[string]string) []StandingRow {
	finals := make([]GameMetadata, 0, len(metas))
	for _, m := range metas {
		if m.Status != "final" || m.DeletedAt != 0 {
			continue
		}
		if m.AwayTeamID == "" || m.HomeTeamID == "" {
			continue
		}
		finals = append(finals, m)
	}
	// Chronological for streaks.
	sort.Slice(finals, func(i, j int) bool {
		if finals[i].Date != finals[j].Date {
			return finals[i].Date < finals[j].Date
		}
		return finals[i].ID < finals[j].ID
	})

	table := make(map[string]*standingAcc)
	team := func(id, name string) *standingAcc {
		acc, ok := table[id]
		if !ok {
			acc = &standingAcc{row: StandingRow{TeamID: id}}
			table[id] = acc
		}
		if n, ok := teamNames[id]; ok && n != "" {
			acc.row.Name = n
		} else if acc.row.Name == "" {
			acc.row.Name = name
		}
		return acc
	}

	for _, m := range finals {
		away := team(m.AwayTeamID, m.Away)
		home := team(m.HomeTeamID, m.Home)

		away.row.GP++
		home.row.GP++
		away.row.PF += m.AwayScore
		away.row.PA += m.HomeScore
		home.row.PF += m.HomeScore
		home.row.PA += m.AwayScore

		// Basketball games do not end tied; a tied score means bad
		// data, so it counts as played without a result.
		switch {
		case m.AwayScore > m.HomeScore:
			away.row.W++
			home.row.L++
			away.results = append(away.results, true)
			home.results = append(home.results, false)
		case m.HomeScore > m.AwayScore:
			home.row.W++
			away.row.L++
			home.results = append(home.results, true)
			away.results = append(away.results, false)
		}
	}

	rows := make([]StandingRow, 0, len(table))
	for _, acc := range table {
		if acc.row.W+acc.row.L > 0 {
			acc.row.Pct = math.Round(float64(acc.row.W)/float64(acc.row.W+acc.row.L)*1000) / 1000
		}
		acc.row.Streak = streak(acc.results)
		rows = append(rows, acc.row)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Pct != rows[j].Pct {
			return rows[i].Pct > rows[j].Pct
		}
		di := rows[i].PF - rows[i].PA
		dj := rows[j].PF - rows[j].PA
		if di != dj {
			return di > dj
		}
		if rows[i].Name != rows[j].Name {
			return rows[i].Name < rows[j].Name
		}
		return rows[i].TeamID < rows[j].TeamID
	})
	return rows
}

// streak renders the trailing run of results, e.g. "W3" or "L1".
func streak(results []bool) string {
	if len(results) == 0 {
		return ""
	}
	last := results[len(results)-1]
	n := 0
	for i := len(results) - 1; i >= 0 && results[i] == last; i-- {
		n++
	}
	if last {
		return fmt.Sprintf("W%d", n)
	}
	return fmt.Sprintf("L%d", n)
}

// ReplayState is a game reconstructed at a point in recording time: the
// prefix of the action log within the elapsed window and the derived
// state that prefix produces.
type ReplayState struct {
	GameID    string            `json:"gameId"`
	ElapsedMs int64             `json:"elapsedMs"`
	Total     int               `json:"total"`
	Actions   []json.RawMessage `json:"actions"`
	Derived   *DerivedState     `json:"derived"`
}

// ReplaySlice returns the actions recorded within elapsedMs of the
// first action after GAME_START, plus the derived state recomputed
// from that prefix. GAME_START is metadata bootstrap, not live play,
// so it never anchors the clock and is always included. elapsedMs < 0
// replays the whole log. Actions without a parseable timestamp stay
// with their neighbors so the prefix never has holes.
func ReplaySlice(g *Game, elapsedMs int64) *ReplayState {
	rs := &ReplayState{
		GameID:    g.ID,
		ElapsedMs: elapsedMs,
		Total:     len(g.ActionLog),
		Actions:   []json.RawMessage{},
	}

	var start int64
	started := false
	cut := len(g.ActionLog)
	for i, raw := range g.ActionLog {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil || a.Timestamp == 0 {
			continue
		}
		if a.Type == ActionGameStart {
			continue
		}
		if !started {
			start = a.Timestamp
			started = true
		}
		if elapsedMs >= 0 && a.Timestamp-start > elapsedMs {
			cut = i
			break
		}
	}
	rs.Actions = append(rs.Actions, g.ActionLog[:cut]...)

	replay := Game{
		ID:        g.ID,
		FoulLimit: g.FoulLimit,
		ActionLog: rs.Actions,
	}
	RecomputeDerived(&replay)
	rs.Derived = replay.Derived
	return rs
}
