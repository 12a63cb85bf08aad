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
	"bytes"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ttbt-io/courtkeeper/backend"
)

const (
	sideAway = "away"
	sideHome = "home"
)

// Fixed player IDs reused across scenarios so goldens stay stable.
const (
	playerA1 = "11111111-1111-4111-8111-111111111111"
	playerA2 = "11111111-1111-4111-8111-111111111112"
	playerH1 = "22222222-2222-4222-8222-222222222221"
	playerH2 = "22222222-2222-4222-8222-222222222222"
)

// apiClient talks to one node of the test cluster as a fixed user.
// Mock auth identifies the user by cookie, so no session state is kept.
type apiClient struct {
	t       *testing.T
	baseURL string
	user    string
	hc      *http.Client
}

func newClient(t *testing.T, baseURL, user string) *apiClient {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	return &apiClient{
		t:       t,
		baseURL: baseURL,
		user:    user,
		hc:      &http.Client{Transport: tr, Timeout: 30 * time.Second},
	}
}

// forNode returns a client for the same user pointed at another node.
func (c *apiClient) forNode(baseURL string) *apiClient {
	return &apiClient{t: c.t, baseURL: baseURL, user: c.user, hc: c.hc}
}

func (c *apiClient) do(method, path string, body any) (int, []byte) {
	c.t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rdr = bytes.NewReader(b)
	case string:
		rdr = strings.NewReader(b)
	default:
		buf, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal request body: %v", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, c.baseURL+path, rdr)
	if err != nil {
		c.t.Fatalf("build request %s %s: %v", method, path, err)
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.AddCookie(&http.Cookie{Name: "mock_auth_user", Value: c.user})
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("%s %s: read body: %v", method, path, err)
	}
	return resp.StatusCode, data
}

func (c *apiClient) getJSON(path string, out any) int {
	c.t.Helper()
	status, data := c.do(http.MethodGet, path, nil)
	if out != nil && status == http.StatusOK {
		if err := json.Unmarshal(data, out); err != nil {
			c.t.Fatalf("GET %s: unmarshal %q: %v", path, data, err)
		}
	}
	return status
}

func (c *apiClient) postJSON(path string, body, out any) (int, []byte) {
	c.t.Helper()
	status, data := c.do(http.MethodPost, path, body)
	if out != nil && status == http.StatusOK {
		if err := json.Unmarshal(data, out); err != nil {
			c.t.Fatalf("POST %s: unmarshal %q: %v", path, data, err)
		}
	}
	return status, data
}

func (c *apiClient) mustGet(path string, out any) {
	c.t.Helper()
	if status := c.getJSON(path, out); status != http.StatusOK {
		c.t.Fatalf("GET %s: status %d", path, status)
	}
}

func (c *apiClient) mustPost(path string, body, out any) {
	c.t.Helper()
	if status, data := c.postJSON(path, body, out); status != http.StatusOK {
		c.t.Fatalf("POST %s: status %d: %s", path, status, data)
	}
}

// --- Leagues and teams ---

func (c *apiClient) createLeague(name, season string, members map[string]string) string {
	c.t.Helper()
	var resp struct {
		ID string `json:"id"`
	}
	c.mustPost("/api/leagues/save", map[string]any{
		"name":    name,
		"season":  season,
		"members": members,
	}, &resp)
	return resp.ID
}

func (c *apiClient) createTeam(name, leagueId string, roster []backend.Player) string {
	c.t.Helper()
	var resp struct {
		ID string `json:"id"`
	}
	c.mustPost("/api/teams/save", map[string]any{
		"name":     name,
		"leagueId": leagueId,
		"roster":   roster,
	}, &resp)
	return resp.ID
}

// --- Games ---

type gameOpts struct {
	ID         string
	Away       string
	Home       string
	LeagueID   string
	AwayTeamID string
	HomeTeamID string
	Date       string
	Location   string
	Event      string
	FoulLimit  int
}

// gameSession drives one game's action log through /api/action,
// tracking the revision the way a live scorekeeper client would.
type gameSession struct {
	c   *apiClient
	ID  string
	rev string
}

func (c *apiClient) startGame(o gameOpts) *gameSession {
	c.t.Helper()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Date == "" {
		o.Date = "2026-03-01T19:00:00Z"
	}
	payload := map[string]any{
		"id":      o.ID,
		"ownerId": c.user,
		"date":    o.Date,
		"away":    o.Away,
		"home":    o.Home,
	}
	if o.LeagueID != "" {
		payload["leagueId"] = o.LeagueID
	}
	if o.AwayTeamID != "" {
		payload["awayTeamId"] = o.AwayTeamID
	}
	if o.HomeTeamID != "" {
		payload["homeTeamId"] = o.HomeTeamID
	}
	if o.Location != "" {
		payload["location"] = o.Location
	}
	if o.Event != "" {
		payload["event"] = o.Event
	}
	if o.FoulLimit != 0 {
		payload["foulLimit"] = o.FoulLimit
	}
	g := &gameSession{c: c, ID: o.ID}
	g.apply(newAction(backend.ActionGameStart, payload))
	return g
}

// apply posts a single action and fails the test unless it is ACKed.
func (g *gameSession) apply(action json.RawMessage) {
	g.c.t.Helper()
	resp := g.send(action)
	if resp.Type != backend.MsgTypeAck {
		g.c.t.Fatalf("action not acknowledged: type=%s error=%s", resp.Type, resp.Error)
	}
}

// send posts a single action and returns the hub's reply without
// judging it, so conflict tests can inspect rejections.
func (g *gameSession) send(action json.RawMessage) backend.Message {
	g.c.t.Helper()
	var meta struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(action, &meta); err != nil {
		g.c.t.Fatalf("malformed test action: %v", err)
	}

	var resp backend.Message
	g.c.mustPost("/api/action", backend.Message{
		GameId:       g.ID,
		Action:       action,
		BaseRevision: g.rev,
	}, &resp)
	if resp.Type == backend.MsgTypeAck {
		g.rev = meta.ID
	}
	return resp
}

// sendAt posts an action with an explicit base revision, bypassing the
// session's tracked head.
func (g *gameSession) sendAt(baseRevision string, action json.RawMessage) backend.Message {
	g.c.t.Helper()
	var resp backend.Message
	g.c.mustPost("/api/action", backend.Message{
		GameId:       g.ID,
		Action:       action,
		BaseRevision: baseRevision,
	}, &resp)
	return resp
}

func (g *gameSession) load() *backend.Game {
	g.c.t.Helper()
	var game backend.Game
	g.c.mustGet("/api/load/"+g.ID, &game)
	return &game
}

func (g *gameSession) finalize() {
	g.c.t.Helper()
	g.apply(newAction(backend.ActionGameFinalize, nil))
}

// --- Action builders ---

func newAction(typ string, payload any) json.RawMessage {
	a := map[string]any{
		"id":        uuid.NewString(),
		"type":      typ,
		"timestamp": time.Now().UnixMilli(),
	}
	if payload != nil {
		a["payload"] = payload
	}
	b, err := json.Marshal(a)
	if err != nil {
		panic(err)
	}
	return b
}

func shotAction(team, playerId string, x, y float64, made bool, points int, assistId string) json.RawMessage {
	p := map[string]any{
		"team":     team,
		"playerId": playerId,
		"x":        x,
		"y":        y,
		"made":     made,
		"points":   points,
	}
	if assistId != "" {
		p["assistPlayerId"] = assistId
	}
	return newAction(backend.ActionShot, p)
}

func freeThrowAction(team, playerId string, made bool) json.RawMessage {
	return newAction(backend.ActionFreeThrow, map[string]any{
		"team": team, "playerId": playerId, "made": made,
	})
}

func reboundAction(team, playerId, kind string) json.RawMessage {
	p := map[string]any{"team": team, "kind": kind}
	if playerId != "" {
		p["playerId"] = playerId
	}
	return newAction(backend.ActionRebound, p)
}

func statAction(typ, team, playerId string) json.RawMessage {
	return newAction(typ, map[string]any{"team": team, "playerId": playerId})
}

func turnoverAction(team, playerId string) json.RawMessage {
	p := map[string]any{"team": team}
	if playerId != "" {
		p["playerId"] = playerId
	}
	return newAction(backend.ActionTurnover, p)
}

func foulAction(team, playerId, kind string) json.RawMessage {
	p := map[string]any{"team": team, "kind": kind}
	if playerId != "" {
		p["playerId"] = playerId
	}
	return newAction(backend.ActionFoul, p)
}

func timeoutAction(team string) json.RawMessage {
	return newAction(backend.ActionTimeout, map[string]any{"team": team})
}

func periodAdvanceAction() json.RawMessage {
	return newAction(backend.ActionPeriodAdvance, nil)
}

func substitutionAction(team, playerOutId, playerInId string) json.RawMessage {
	return newAction(backend.ActionSubstitution, map[string]any{
		"team": team, "playerOutId": playerOutId, "playerInId": playerInId,
	})
}

func lineupAction(team, teamName string, roster []backend.Player, onCourt []string) json.RawMessage {
	return newAction(backend.ActionLineupUpdate, map[string]any{
		"team": team, "teamName": teamName, "roster": roster, "onCourt": onCourt,
	})
}

func undoAction(refId string) json.RawMessage {
	return newAction(backend.ActionUndo, map[string]any{"refId": refId})
}

// actionID extracts the id of a raw action.
func actionID(action json.RawMessage) string {
	var meta struct {
		ID string `json:"id"`
	}
	json.Unmarshal(action, &meta)
	return meta.ID
}

// --- Shared scenario ---

// recordSampleGame plays a small deterministic game: Hawks (away) and
// Wolves (home), six points to two. The export golden and the box score
// assertions are both derived from this exact sequence.
func recordSampleGame(c *apiClient, o gameOpts) *gameSession {
	c.t.Helper()
	if o.Away == "" {
		o.Away = "Hawks"
	}
	if o.Home == "" {
		o.Home = "Wolves"
	}
	g := c.startGame(o)
	g.apply(shotAction(sideAway, playerA1, 10, 5, true, 2, ""))
	g.apply(shotAction(sideAway, playerA1, -22, 8, true, 3, ""))
	g.apply(shotAction(sideAway, playerA1, 5, 3, false, 2, ""))
	g.apply(freeThrowAction(sideAway, playerA2, true))
	g.apply(freeThrowAction(sideAway, playerA2, false))
	g.apply(reboundAction(sideAway, playerA2, backend.ReboundDefensive))
	g.apply(shotAction(sideHome, playerH1, 8, 6, true, 2, playerH2))
	g.apply(statAction(backend.ActionSteal, sideHome, playerH2))
	g.apply(statAction(backend.ActionBlock, sideHome, playerH2))
	g.apply(turnoverAction(sideHome, playerH1))
	g.apply(foulAction(sideHome, playerH1, backend.FoulPersonal))
	g.apply(reboundAction(sideAway, playerA1, backend.ReboundOffensive))
	return g
}

// waitFor polls cond until it returns true or the timeout elapses.
// Registry and notification updates propagate asynchronously after a
// Raft apply, so reads that depend on them go through here.
func waitFor(t *testing.T, desc string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}
