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
	"math"
)

// Half-court geometry in feet. Origin is the middle of the baseline,
// x grows to the right, y toward half court.
const (
	courtHalfWidth = 25.0
	courtLength    = 47.0
	hoopY          = 5.25
	threePointArc  = 23.75
	cornerLineX    = 22.0
	cornerBreakY   = 14.0
	paintHalfWidth = 8.0
	paintDepth     = 19.0
	wingAngleDeg   = 30.0
)

// Shot chart zone names.
const (
	ZonePaint        = "paint"
	ZoneMidLeft      = "midLeft"
	ZoneMidCenter    = "midCenter"
	ZoneMidRight     = "midRight"
	ZoneCorner3Left  = "corner3Left"
	ZoneCorner3Right = "corner3Right"
	ZoneWing3Left    = "wing3Left"
	ZoneTop3         = "top3"
	ZoneWing3Right   = "wing3Right"
)

// ShotZones lists the nine chart zones in display order, left to right,
// twos before threes.
var ShotZones = []string{
	ZonePaint,
	ZoneMidLeft,
	ZoneMidCenter,
	ZoneMidRight,
	ZoneCorner3Left,
	ZoneWing3Left,
	ZoneTop3,
	ZoneWing3Right,
	ZoneCorner3Right,
}

// ZoneFor classifies a court position into one of the nine zones.
// Corner threes are the strips |x| >= 22 below y = 14; everything else
// at arc distance >= 23.75 from the hoop is an above-the-break three,
// split at +-30 degrees from the vertical through the hoop. Inside the
// arc, the paint rectangle (|x| <= 8, y <= 19) wins, and the remaining
// mid-range area splits at the same angles.
func ZoneFor(x, y float64) string {
	dx := x
	dy := y - hoopY

	if y < cornerBreakY && math.Abs(x) >= cornerLineX {
		if x < 0 {
			return ZoneCorner3Left
		}
		return ZoneCorner3Right
	}

	if math.Hypot(dx, dy) >= threePointArc {
		theta := math.Atan2(dx, dy) * 180 / math.Pi
		switch {
		case theta < -wingAngleDeg:
			return ZoneWing3Left
		case theta > wingAngleDeg:
			return ZoneWing3Right
		default:
			return ZoneTop3
		}
	}

	if math.Abs(x) <= paintHalfWidth && y <= paintDepth {
		return ZonePaint
	}

	theta := math.Atan2(dx, dy) * 180 / math.Pi
	switch {
	case theta < -wingAngleDeg:
		return ZoneMidLeft
	case theta > wingAngleDeg:
		return ZoneMidRight
	default:
		return ZoneMidCenter
	}
}

// ShotEvent is one field goal attempt extracted from the action log.
type ShotEvent struct {
	PlayerID  string  `json:"playerId"`
	Team      string  `json:"team"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Made      bool    `json:"made"`
	Points    int     `json:"points"`
	Zone      string  `json:"zone"`
	Period    int     `json:"period"`
	Timestamp int64   `json:"timestamp"`
}

// CollectShots walks the action log and returns the shot attempts in
// order, skipping undone actions. Empty playerId or team matches all.
func CollectShots(g *Game, playerId, team string) []ShotEvent {
	voided := voidedActionIDs(g.ActionLog)
	period := 1
	var shots []ShotEvent
	for _, raw := range g.ActionLog {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		if voided[a.ID] {
			continue
		}
		if a.Type == ActionPeriodAdvance {
			period++
			continue
		}
		if a.Type != ActionShot {
			continue
		}
		var p ShotPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			continue
		}
		if playerId != "" && p.PlayerID != playerId {
			continue
		}
		if team != "" && p.Team != team {
			continue
		}
		shots = append(shots, ShotEvent{
			PlayerID:  p.PlayerID,
			Team:      p.Team,
			X:         p.X,
			Y:         p.Y,
			Made:      p.Made,
			Points:    p.Points,
			Zone:      ZoneFor(p.X, p.Y),
			Period:    period,
			Timestamp: a.Timestamp,
		})
	}
	return shots
}

// ZoneStat aggregates attempts for one zone of the chart.
type ZoneStat struct {
	Zone     string  `json:"zone"`
	Attempts int     `json:"attempts"`
	Made     int     `json:"made"`
	Pct      float64 `json:"pct"`
}

// BuildShotChart aggregates the shot log into the nine zones. All nine
// zones are always present, in ShotZones order.
func BuildShotChart(g *Game, playerId, team string) []ZoneStat {
	attempts := make(map[string]int)
	made := make(map[string]int)
	for _, s := range CollectShots(g, playerId, team) {
		attempts[s.Zone]++
		if s.Made {
			made[s.Zone]++
		}
	}

	chart := make([]ZoneStat, 0, len(ShotZones))
	for _, zone := range ShotZones {
		zs := ZoneStat{Zone: zone, Attempts: attempts[zone], Made: made[zone]}
		if zs.Attempts > 0 {
			zs.Pct = math.Round(float64(zs.Made)/float64(zs.Attempts)*1000) / 1000
		}
		chart = append(chart, zs)
	}
	return chart
}
