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
	"net/mail"
	"net/url"
	"regexp"
	"time"
)

// uuidRegex is a regex for standard UUIDs (8-4-4-4-12 hex digits)
var uuidRegex = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

// isValidUUID checks if the string is a valid UUID.
func isValidUUID(id string) bool {
	return uuidRegex.MatchString(id)
}

// isValidEmail checks if the string is a valid email address.
func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

// isValidJerseyNumber accepts "0".."99" including the double-zero "00".
// Empty is allowed; rosters can be filled in before numbers are assigned.
func isValidJerseyNumber(num string) bool {
	if num == "" {
		return true
	}
	if len(num) > 2 {
		return false
	}
	for _, r := range num {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isValidHTTPURL checks that the string parses as an absolute http(s) URL.
func isValidHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

const (
	CurrentSchemaVersion   = 2
	CurrentProtocolVersion = 1
	CurrentAppVersion      = "0.3.1"
)

// ActionTypes constants
const (
	ActionGameStart          = "GAME_START"
	ActionLineupUpdate       = "LINEUP_UPDATE"
	ActionShot               = "SHOT"
	ActionFreeThrow          = "FREE_THROW"
	ActionRebound            = "REBOUND"
	ActionAssist             = "ASSIST"
	ActionSteal              = "STEAL"
	ActionBlock              = "BLOCK"
	ActionTurnover           = "TURNOVER"
	ActionFoul               = "FOUL"
	ActionSubstitution       = "SUBSTITUTION"
	ActionTimeout            = "TIMEOUT"
	ActionPeriodAdvance      = "PERIOD_ADVANCE"
	ActionScoreOverride      = "SCORE_OVERRIDE"
	ActionUndo               = "UNDO"
	ActionGameMetadataUpdate = "GAME_METADATA_UPDATE"
	ActionGameFinalize       = "GAME_FINALIZE"
)

// BaseAction represents the common fields of an action.
type BaseAction struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     int64           `json:"timestamp"`
	Actor         string          `json:"actor,omitempty"`
	SchemaVersion int             `json:"schemaVersion,omitempty"`
}

// ShotPayload records a field goal attempt. Coordinates are in feet on
// the half court: x in [-25, 25], y in [0, 47], hoop at (0, 5.25).
// Points is what the scorer entered; it wins over the coordinates.
type ShotPayload struct {
	Team           string  `json:"team"`
	PlayerID       string  `json:"playerId"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Made           bool    `json:"made"`
	Points         int     `json:"points"`
	AssistPlayerID string  `json:"assistPlayerId,omitempty"`
}

// FreeThrowPayload records a single free throw attempt.
type FreeThrowPayload struct {
	Team     string `json:"team"`
	PlayerID string `json:"playerId"`
	Made     bool   `json:"made"`
}

// ReboundPayload records a rebound. PlayerID may be empty for a team
// rebound (dead ball).
type ReboundPayload struct {
	Team     string `json:"team"`
	PlayerID string `json:"playerId,omitempty"`
	Kind     string `json:"kind"` // "offensive" | "defensive"
}

// StatPayload covers assists, steals and blocks.
type StatPayload struct {
	Team     string `json:"team"`
	PlayerID string `json:"playerId"`
}

// TurnoverPayload records a turnover. PlayerID may be empty for a team
// turnover (shot clock, 8 seconds).
type TurnoverPayload struct {
	Team     string `json:"team"`
	PlayerID string `json:"playerId,omitempty"`
}

// FoulPayload records a foul. PlayerID may be empty for a bench
// technical charged to the team only.
type FoulPayload struct {
	Team     string `json:"team"`
	PlayerID string `json:"playerId,omitempty"`
	Kind     string `json:"kind"`
}

// SubstitutionPayload swaps playerOut for playerIn on the floor.
type SubstitutionPayload struct {
	Team        string `json:"team"`
	PlayerOutID string `json:"playerOutId"`
	PlayerInID  string `json:"playerInId"`
}

// TimeoutPayload charges a timeout to a team.
type TimeoutPayload struct {
	Team string `json:"team"`
}

// ScoreOverridePayload is a manual correction entered by the scorer.
// It sets the team's running total; later makes add on top of it.
type ScoreOverridePayload struct {
	Team   string `json:"team"`
	Period int    `json:"period"`
	Score  int    `json:"score"`
}

// GameStartPayload bootstraps the game metadata.
type GameStartPayload struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"ownerId"`
	LeagueID    string      `json:"leagueId,omitempty"`
	Date        string      `json:"date"`
	Location    string      `json:"location"`
	Event       string      `json:"event"`
	Away        string      `json:"away"`
	Home        string      `json:"home"`
	AwayTeamID  string      `json:"awayTeamId"`
	HomeTeamID  string      `json:"homeTeamId"`
	FoulLimit   int         `json:"foulLimit,omitempty"`
	Permissions Permissions `json:"permissions"`
}

// ValidateGameData validates the entire game data structure including the action log.
func ValidateGameData(data []byte) error {
	var game struct {
		ID        string            `json:"id"`
		ActionLog []json.RawMessage `json:"actionLog"`
	}
	if err := json.Unmarshal(data, &game); err != nil {
		return fmt.Errorf("invalid game JSON: %w", err)
	}

	if !isValidUUID(game.ID) {
		return fmt.Errorf("invalid game ID format: %s", game.ID)
	}

	for i, rawAction := range game.ActionLog {
		if err := ValidateAction(rawAction); err != nil {
			return fmt.Errorf("invalid action at index %d: %w", i, err)
		}
	}

	return nil
}

// ValidateAction validates a single action from raw JSON.
func ValidateAction(raw json.RawMessage) error {
	var action BaseAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return fmt.Errorf("malformed action JSON")
	}

	if !isValidUUID(action.ID) {
		return fmt.Errorf("invalid action ID: %s", action.ID)
	}
	if action.Type == "" {
		return fmt.Errorf("missing action type")
	}

	return validateActionPayload(action.Type, action.Payload)
}

// validateActionPayload validates the payload based on the action type.
func validateActionPayload(actionType string, payload json.RawMessage) error {
	switch actionType {
	case ActionGameStart:
		return validateGameStart(payload)
	case ActionLineupUpdate:
		return validateLineupUpdate(payload)
	case ActionShot:
		return validateShot(payload)
	case ActionFreeThrow:
		return validateFreeThrow(payload)
	case ActionRebound:
		return validateRebound(payload)
	case ActionAssist, ActionSteal, ActionBlock:
		return validateStat(payload)
	case ActionTurnover:
		return validateTurnover(payload)
	case ActionFoul:
		return validateFoul(payload)
	case ActionSubstitution:
		return validateSubstitution(payload)
	case ActionTimeout:
		return validateTimeout(payload)
	case ActionPeriodAdvance:
		return nil // No payload
	case ActionScoreOverride:
		return validateScoreOverride(payload)
	case ActionGameMetadataUpdate:
		return validateGameMetadataUpdate(payload)
	case ActionGameFinalize:
		return validateGameFinalize(payload)
	case ActionUndo:
		return validateUndo(payload)
	default:
		return fmt.Errorf("unknown action type: %s", actionType)
	}
}

// validateStringLen checks if the string length is within the limit.
func validateStringLen(s string, max int, name string) error {
	if len(s) > max {
		return fmt.Errorf("%s too long (max %d chars)", name, max)
	}
	return nil
}

// validateSide checks the team designator.
func validateSide(side string) error {
	if side != SideAway && side != SideHome {
		return fmt.Errorf("invalid team: %q", side)
	}
	return nil
}

// validatePlayerRef checks a player reference, optionally allowing empty.
func validatePlayerRef(id string, required bool) error {
	if id == "" {
		if required {
			return fmt.Errorf("missing player ID")
		}
		return nil
	}
	if !isValidUUID(id) {
		return fmt.Errorf("invalid player ID: %s", id)
	}
	return nil
}

// --- Specific Payload Validators ---

func validateGameStart(payload json.RawMessage) error {
	var p GameStartPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if !isValidUUID(p.ID) {
		return fmt.Errorf("invalid game ID in payload")
	}
	if p.Away == "" || p.Home == "" {
		return fmt.Errorf("missing team names")
	}
	if err := validateStringLen(p.Away, 50, "away team"); err != nil {
		return err
	}
	if err := validateStringLen(p.Home, 50, "home team"); err != nil {
		return err
	}
	if err := validateStringLen(p.Event, 100, "event"); err != nil {
		return err
	}
	if err := validateStringLen(p.Location, 100, "location"); err != nil {
		return err
	}
	if p.LeagueID != "" && !isValidUUID(p.LeagueID) {
		return fmt.Errorf("invalid league ID")
	}
	if p.FoulLimit != 0 && p.FoulLimit != 5 && p.FoulLimit != 6 {
		return fmt.Errorf("invalid foul limit: %d", p.FoulLimit)
	}
	if _, err := time.Parse(time.RFC3339, p.Date); err != nil {
		return fmt.Errorf("invalid date format: %v", err)
	}
	return nil
}

func validateLineupUpdate(payload json.RawMessage) error {
	var p struct {
		Team     string   `json:"team"`
		TeamName string   `json:"teamName"`
		Roster   []Player `json:"roster"`
		OnCourt  []string `json:"onCourt"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if err := validateSide(p.Team); err != nil {
		return err
	}
	if err := validateStringLen(p.TeamName, 50, "team name"); err != nil {
		return err
	}
	if len(p.Roster) > 20 {
		return fmt.Errorf("roster too large: %d", len(p.Roster))
	}
	for _, pl := range p.Roster {
		if !isValidUUID(pl.ID) {
			return fmt.Errorf("invalid roster player ID")
		}
		if err := validateStringLen(pl.Name, 100, "player name"); err != nil {
			return err
		}
		if !isValidJerseyNumber(pl.Number) {
			return fmt.Errorf("invalid jersey number: %q", pl.Number)
		}
		if !validPositions[pl.Pos] {
			return fmt.Errorf("invalid position: %q", pl.Pos)
		}
		if err := validateStringLen(pl.Height, 10, "height"); err != nil {
			return err
		}
	}
	if len(p.OnCourt) > 5 {
		return fmt.Errorf("too many players on court: %d", len(p.OnCourt))
	}
	for _, id := range p.OnCourt {
		if !isValidUUID(id) {
			return fmt.Errorf("invalid on-court player ID")
		}
	}
	return nil
}

func validateShot(payload json.RawMessage) error {
	var p ShotPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if err := validateSide(p.Team); err != nil {
		return err
	}
	if err := validatePlayerRef(p.PlayerID, true); err != nil {
		return err
	}
	if p.Points != ShotValueTwo && p.Points != ShotValueThree {
		return fmt.Errorf("invalid shot value: %d", p.Points)
	}
	if p.X < -courtHalfWidth || p.X > courtHalfWidth {
		return fmt.Errorf("shot x out of bounds: %.1f", p.X)
	}
	if p.Y < 0 || p.Y > courtLength {
		return fmt.Errorf("shot y out of bounds: %.1f", p.Y)
	}
	if p.AssistPlayerID != "" {
		if !isValidUUID(p.AssistPlayerID) {
			return fmt.Errorf("invalid assist player ID")
		}
		if !p.Made {
			return fmt.Errorf("assist on a missed shot")
		}
	}
	return nil
}

func validateFreeThrow(payload json.RawMessage) error {
	var p FreeThrowPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if err := validateSide(p.Team); err != nil {
		return err
	}
	return validatePlayerRef(p.PlayerID, true)
}

func validateRebound(payload json.RawMessage) error {
	var p ReboundPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if err := validateSide(p.Team); err != nil {
		return err
	}
	if p.Kind != ReboundOffensive && p.Kind != ReboundDefensive {
		return fmt.Errorf("invalid rebound kind: %q", p.Kind)
	}
	return validatePlayerRef(p.PlayerID, false)
}

func validateStat(payload json.RawMessage) error {
	var p StatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if err := validateSide(p.Team); err != nil {
		return err
	}
	return validatePlayerRef(p.PlayerID, true)
}

func validateTurnover(payload json.RawMessage) error {
	var p TurnoverPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if err := validateSide(p.Team); err != nil {
		return err
	}
	return validatePlayerRef(p.PlayerID, false)
}

func validateFoul(payload json.RawMessage) error {
	var p FoulPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if err := validateSide(p.Team); err != nil {
		return err
	}
	switch p.Kind {
	case FoulPersonal, FoulTechnical, FoulOffensive, FoulUnsporting:
	default:
		return fmt.Errorf("invalid foul kind: %q", p.Kind)
	}
	required := p.Kind != FoulTechnical
	return validatePlayerRef(p.PlayerID, required)
}

func validateSubstitution(payload json.RawMessage) error {
	var p SubstitutionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if err := validateSide(p.Team); err != nil {
		return err
	}
	if !isValidUUID(p.PlayerOutID) {
		return fmt.Errorf("invalid outgoing player ID")
	}
	if !isValidUUID(p.PlayerInID) {
		return fmt.Errorf("invalid incoming player ID")
	}
	if p.PlayerOutID == p.PlayerInID {
		return fmt.Errorf("substitution with identical players")
	}
	return nil
}

func validateTimeout(payload json.RawMessage) error {
	var p TimeoutPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	return validateSide(p.Team)
}

func validateScoreOverride(payload json.RawMessage) error {
	var p ScoreOverridePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if err := validateSide(p.Team); err != nil {
		return err
	}
	if p.Period < 1 {
		return fmt.Errorf("invalid period")
	}
	if p.Score < 0 || p.Score > 999 {
		return fmt.Errorf("invalid score: %d", p.Score)
	}
	return nil
}

func validateGameMetadataUpdate(payload json.RawMessage) error {
	var p struct {
		ID          string       `json:"id"`
		Date        string       `json:"date"`
		Event       string       `json:"event"`
		Location    string       `json:"location"`
		Away        string       `json:"away"`
		Home        string       `json:"home"`
		AwayTeamID  string       `json:"awayTeamId"`
		HomeTeamID  string       `json:"homeTeamId"`
		FoulLimit   *int         `json:"foulLimit"`
		Permissions *Permissions `json:"permissions"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if !isValidUUID(p.ID) {
		return fmt.Errorf("invalid game ID")
	}
	if err := validateStringLen(p.Date, 50, "date"); err != nil {
		return err
	}
	if err := validateStringLen(p.Event, 100, "event"); err != nil {
		return err
	}
	if err := validateStringLen(p.Location, 100, "location"); err != nil {
		return err
	}
	if err := validateStringLen(p.Away, 50, "away team"); err != nil {
		return err
	}
	if err := validateStringLen(p.Home, 50, "home team"); err != nil {
		return err
	}
	if p.FoulLimit != nil && *p.FoulLimit != 5 && *p.FoulLimit != 6 {
		return fmt.Errorf("invalid foul limit: %d", *p.FoulLimit)
	}
	// We allow non-UUID values for team IDs to accommodate existing data with UI-placeholder values.
	return nil
}

func validateGameFinalize(payload json.RawMessage) error {
	if len(payload) == 0 {
		return nil
	}
	var p struct {
		FinalScore *struct {
			Away int `json:"away"`
			Home int `json:"home"`
		} `json:"finalScore"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if p.FinalScore != nil && (p.FinalScore.Away < 0 || p.FinalScore.Home < 0) {
		return fmt.Errorf("invalid final score")
	}
	return nil
}

func validateUndo(payload json.RawMessage) error {
	var p struct {
		RefId string `json:"refId"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if !isValidUUID(p.RefId) {
		return fmt.Errorf("invalid refId")
	}
	return nil
}

// ValidateTeamData checks the client-supplied fields of a team.
func ValidateTeamData(t *Team) error {
	if !isValidUUID(t.ID) {
		return fmt.Errorf("invalid team ID")
	}
	if t.LeagueID != "" && !isValidUUID(t.LeagueID) {
		return fmt.Errorf("invalid league ID")
	}
	if err := validateStringLen(t.Name, 50, "team name"); err != nil {
		return err
	}
	if err := validateStringLen(t.ShortName, 10, "short name"); err != nil {
		return err
	}
	if err := validateStringLen(t.Color, 20, "color"); err != nil {
		return err
	}
	if t.LogoURL != "" && !isValidHTTPURL(t.LogoURL) {
		return fmt.Errorf("invalid logo URL")
	}
	if len(t.Roster) > 30 {
		return fmt.Errorf("roster too large: %d", len(t.Roster))
	}
	for _, p := range t.Roster {
		if !isValidUUID(p.ID) {
			return fmt.Errorf("invalid roster player ID")
		}
		if err := validateStringLen(p.Name, 100, "player name"); err != nil {
			return err
		}
		if !isValidJerseyNumber(p.Number) {
			return fmt.Errorf("invalid jersey number: %q", p.Number)
		}
		if !validPositions[p.Pos] {
			return fmt.Errorf("invalid position: %q", p.Pos)
		}
		if err := validateStringLen(p.Height, 10, "height"); err != nil {
			return err
		}
	}
	for _, group := range [][]string{t.Roles.Admins, t.Roles.Scorekeepers, t.Roles.Spectators} {
		for _, email := range group {
			if !isValidEmail(email) {
				return fmt.Errorf("invalid member email: %q", email)
			}
		}
	}
	return nil
}

// ValidateLeagueData checks the client-supplied fields of a league.
func ValidateLeagueData(l *League) error {
	if !isValidUUID(l.ID) {
		return fmt.Errorf("invalid league ID")
	}
	if l.Name == "" {
		return fmt.Errorf("missing league name")
	}
	if err := validateStringLen(l.Name, 50, "league name"); err != nil {
		return err
	}
	if err := validateStringLen(l.ShortName, 10, "short name"); err != nil {
		return err
	}
	if err := validateStringLen(l.Season, 50, "season"); err != nil {
		return err
	}
	if err := validateStringLen(l.Description, 500, "description"); err != nil {
		return err
	}
	for email, role := range l.Members {
		if !isValidEmail(email) {
			return fmt.Errorf("invalid member email: %q", email)
		}
		switch role {
		case RoleAdmin, RoleScorekeeper, RoleViewer:
		default:
			return fmt.Errorf("invalid member role: %q", role)
		}
	}
	return nil
}

// ValidateActions validates a list of actions.
func ValidateActions(actions []json.RawMessage) error {
	for i, raw := range actions {
		if err := ValidateAction(raw); err != nil {
			return fmt.Errorf("invalid action at index %d: %w", i, err)
		}
	}
	return nil
}

// ApplyActions appends multiple actions to the game state.
func ApplyActions(g *Game, actions []json.RawMessage) (bool, error) {
	anyChanged := false
	for _, raw := range actions {
		changed, err := ApplyAction(g, raw)
		if err != nil {
			return anyChanged, err
		}
		if changed {
			anyChanged = true
		}
	}
	return anyChanged, nil
}

// ApplyAction appends an action to the game state and updates the game
// metadata and derived state. It assumes payload validation and
// authorization have already been performed; it still rejects actions
// that are illegal against the current game state (double-undo,
// substituting a fouled-out player).
// Returns true if the action was applied, false if it was a duplicate.
func ApplyAction(g *Game, raw json.RawMessage) (bool, error) {
	var action BaseAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return false, fmt.Errorf("failed to unmarshal action for apply: %w", err)
	}

	// Idempotency check: check if this action is already in the log.
	// We scan backwards through the action log to find duplicates.
	// A limit of 100 actions is used to maintain performance (O(K) where K=100) while effectively
	// catching duplicates from transient network retries or client double-submissions.
	// For massive logs, an O(N) scan would become a bottleneck.
	const maxScan = 100
	for i, count := len(g.ActionLog)-1, 0; i >= 0 && count < maxScan; i, count = i-1, count+1 {
		var existing BaseAction
		if err := json.Unmarshal(g.ActionLog[i], &existing); err == nil {
			if existing.ID == action.ID {
				return false, nil // Already applied
			}
		}
	}

	if g.Derived == nil {
		g.Derived = newDerivedState()
	}

	// Apply Metadata Updates
	switch action.Type {
	case ActionGameStart:
		g.SchemaVersion = action.SchemaVersion
		if g.SchemaVersion == 0 {
			g.SchemaVersion = CurrentSchemaVersion
		}
		var p GameStartPayload
		if err := json.Unmarshal(action.Payload, &p); err == nil {
			g.ID = p.ID
			g.OwnerID = p.OwnerID
			g.LeagueID = p.LeagueID
			g.Date = p.Date
			g.Location = p.Location
			g.Event = p.Event
			g.Away = p.Away
			g.Home = p.Home
			g.AwayTeamID = p.AwayTeamID
			g.HomeTeamID = p.HomeTeamID
			g.FoulLimit = p.FoulLimit
			g.Permissions = p.Permissions
		}
		g.Status = "live"
	case ActionGameMetadataUpdate:
		var p struct {
			LeagueID    *string      `json:"leagueId"`
			AwayTeamID  *string      `json:"awayTeamId"`
			HomeTeamID  *string      `json:"homeTeamId"`
			Permissions *Permissions `json:"permissions"`
			Date        *string      `json:"date"`
			Location    *string      `json:"location"`
			Event       *string      `json:"event"`
			Away        *string      `json:"away"`
			Home        *string      `json:"home"`
			FoulLimit   *int         `json:"foulLimit"`
		}
		if err := json.Unmarshal(action.Payload, &p); err == nil {
			if p.LeagueID != nil {
				g.LeagueID = *p.LeagueID
			}
			if p.AwayTeamID != nil {
				g.AwayTeamID = *p.AwayTeamID
			}
			if p.HomeTeamID != nil {
				g.HomeTeamID = *p.HomeTeamID
			}
			if p.Permissions != nil {
				g.Permissions = *p.Permissions
			}
			if p.Date != nil {
				g.Date = *p.Date
			}
			if p.Location != nil {
				g.Location = *p.Location
			}
			if p.Event != nil {
				g.Event = *p.Event
			}
			if p.Away != nil {
				g.Away = *p.Away
			}
			if p.Home != nil {
				g.Home = *p.Home
			}
			if p.FoulLimit != nil {
				g.FoulLimit = *p.FoulLimit
			}
		}
	case ActionGameFinalize:
		g.Status = "final"
	case ActionLineupUpdate:
		var p struct {
			Team     string   `json:"team"`
			TeamName string   `json:"teamName"`
			Roster   []Player `json:"roster"`
		}
		if err := json.Unmarshal(action.Payload, &p); err == nil {
			if p.TeamName != "" {
				if p.Team == SideAway {
					g.Away = p.TeamName
				} else if p.Team == SideHome {
					g.Home = p.TeamName
				}
			}
			if len(p.Roster) > 0 {
				updateGameRoster(g, p.Team, p.Roster)
			}
		}
	case ActionSubstitution:
		var p SubstitutionPayload
		if err := json.Unmarshal(action.Payload, &p); err == nil {
			if containsID(g.Derived.FouledOut, p.PlayerInID) {
				return false, fmt.Errorf("player %s has fouled out", p.PlayerInID)
			}
		}
	case ActionUndo:
		var p struct {
			RefId string `json:"refId"`
		}
		if err := json.Unmarshal(action.Payload, &p); err == nil {
			if err := checkUndoRef(g, p.RefId); err != nil {
				return false, err
			}
		}
	}

	// Append to log
	g.ActionLog = append(g.ActionLog, raw)
	g.LastActionID = action.ID

	if action.Type == ActionUndo {
		// Incremental reversal of an arbitrary action is fragile;
		// replay the whole log instead.
		RecomputeDerived(g)
	} else {
		applyActionToDerived(g, g.Derived, &action)
	}
	return true, nil
}

// checkUndoRef rejects undos of unknown actions, undos of undos, and
// double-undos of the same action.
func checkUndoRef(g *Game, refId string) error {
	found := false
	for _, raw := range g.ActionLog {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		if a.ID == refId {
			if a.Type == ActionUndo {
				return fmt.Errorf("cannot undo an undo action")
			}
			found = true
			continue
		}
		if a.Type == ActionUndo {
			var p struct {
				RefId string `json:"refId"`
			}
			if err := json.Unmarshal(a.Payload, &p); err == nil && p.RefId == refId {
				return fmt.Errorf("action %s already undone", refId)
			}
		}
	}
	if !found {
		return fmt.Errorf("undo target %s not found", refId)
	}
	return nil
}

// foulLimit returns the effective foul-out limit for this game.
func (g *Game) foulLimit() int {
	if g.FoulLimit > 0 {
		return g.FoulLimit
	}
	return DefaultFoulLimit
}

// updateGameRoster replaces the lineup slots for a side. A player change
// in an existing slot pushes the previous occupant to the slot history.
func updateGameRoster(g *Game, side string, players []Player) {
	if g.Roster == nil {
		g.Roster = make(map[string][]RosterSlot)
	}
	slots := g.Roster[side]
	for i, p := range players {
		if i < len(slots) {
			cur := slots[i].Current
			if cur.ID != "" && cur.ID != p.ID {
				slots[i].History = append(slots[i].History, cur)
			}
			slots[i].Current = p
			if slots[i].Starter.ID == "" {
				slots[i].Starter = p
			}
		} else {
			slots = append(slots, RosterSlot{Slot: i, Starter: p, Current: p})
		}
	}
	if len(players) < len(slots) {
		slots = slots[:len(players)]
	}
	g.Roster[side] = slots
}

// RecomputeDerived rebuilds the derived state from the full action log,
// skipping actions voided by UNDO. Metadata effects (names, roster,
// permissions) are not replayed; only the live counters are.
func RecomputeDerived(g *Game) {
	d := newDerivedState()
	voided := voidedActionIDs(g.ActionLog)
	for _, raw := range g.ActionLog {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		if a.Type == ActionUndo || voided[a.ID] {
			continue
		}
		applyActionToDerived(g, d, &a)
	}
	g.Derived = d
}

// voidedActionIDs collects the refIds of all UNDO actions in the log.
func voidedActionIDs(log []json.RawMessage) map[string]bool {
	voided := make(map[string]bool)
	for _, raw := range log {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil || a.Type != ActionUndo {
			continue
		}
		var p struct {
			RefId string `json:"refId"`
		}
		if err := json.Unmarshal(a.Payload, &p); err == nil && p.RefId != "" {
			voided[p.RefId] = true
		}
	}
	return voided
}

// applyActionToDerived folds one action into the derived state.
func applyActionToDerived(g *Game, d *DerivedState, a *BaseAction) {
	switch a.Type {
	case ActionShot:
		var p ShotPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return
		}
		if p.Made {
			d.addPoints(p.Team, p.Points)
		}
	case ActionFreeThrow:
		var p FreeThrowPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return
		}
		if p.Made {
			d.addPoints(p.Team, 1)
		}
	case ActionFoul:
		var p FoulPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return
		}
		d.addTeamFoul(p.Team)
		if p.PlayerID != "" {
			d.PlayerFouls[p.PlayerID]++
			if d.PlayerFouls[p.PlayerID] >= g.foulLimit() && !containsID(d.FouledOut, p.PlayerID) {
				d.FouledOut = append(d.FouledOut, p.PlayerID)
				d.OnCourt[p.Team] = removeID(d.OnCourt[p.Team], p.PlayerID)
			}
		}
	case ActionSubstitution:
		var p SubstitutionPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return
		}
		if containsID(d.FouledOut, p.PlayerInID) {
			return
		}
		oc := removeID(d.OnCourt[p.Team], p.PlayerOutID)
		if !containsID(oc, p.PlayerInID) {
			oc = append(oc, p.PlayerInID)
		}
		d.OnCourt[p.Team] = oc
	case ActionLineupUpdate:
		var p struct {
			Team    string   `json:"team"`
			OnCourt []string `json:"onCourt"`
		}
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return
		}
		if p.OnCourt != nil {
			oc := make([]string, 0, len(p.OnCourt))
			for _, id := range p.OnCourt {
				if !containsID(d.FouledOut, id) {
					oc = append(oc, id)
				}
			}
			d.OnCourt[p.Team] = oc
		}
	case ActionTimeout:
		var p TimeoutPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return
		}
		d.TimeoutsUsed[p.Team]++
	case ActionPeriodAdvance:
		d.Period++
		for _, side := range []string{SideAway, SideHome} {
			for len(d.TeamFouls[side]) < d.Period {
				d.TeamFouls[side] = append(d.TeamFouls[side], 0)
			}
		}
	case ActionScoreOverride:
		var p ScoreOverridePayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return
		}
		d.setScore(p.Team, p.Score)
	case ActionGameFinalize:
		var p struct {
			FinalScore *struct {
				Away int `json:"away"`
				Home int `json:"home"`
			} `json:"finalScore"`
		}
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return
		}
		if p.FinalScore != nil {
			d.AwayScore = p.FinalScore.Away
			d.HomeScore = p.FinalScore.Home
		}
	}
}

func (d *DerivedState) addPoints(side string, n int) {
	if side == SideAway {
		d.AwayScore += n
	} else if side == SideHome {
		d.HomeScore += n
	}
}

func (d *DerivedState) setScore(side string, n int) {
	if side == SideAway {
		d.AwayScore = n
	} else if side == SideHome {
		d.HomeScore = n
	}
}

func (d *DerivedState) addTeamFoul(side string) {
	for len(d.TeamFouls[side]) < d.Period {
		d.TeamFouls[side] = append(d.TeamFouls[side], 0)
	}
	d.TeamFouls[side][d.Period-1]++
}

func containsID(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
