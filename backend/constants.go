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

// Schema Versions
const (
	SchemaVersionV1 = 1
	SchemaVersionV2 = 2
)

// Sides
const (
	SideAway = "away"
	SideHome = "home"
)

// Shot Values
const (
	ShotValueTwo   = 2
	ShotValueThree = 3
)

// Foul Kinds
const (
	FoulPersonal   = "personal"
	FoulTechnical  = "technical"
	FoulOffensive  = "offensive"
	FoulUnsporting = "unsporting"
)

// Rebound Kinds
const (
	ReboundOffensive = "offensive"
	ReboundDefensive = "defensive"
)

// DefaultFoulLimit is the number of personal fouls before a player fouls
// out. Games can raise it to 6 via metadata (foulLimit).
const DefaultFoulLimit = 5

// RegulationPeriods is the number of periods in a regulation game.
// Periods beyond it are overtime.
const RegulationPeriods = 4

// Player positions. An empty position is allowed.
var validPositions = map[string]bool{
	"":   true,
	"PG": true,
	"SG": true,
	"SF": true,
	"PF": true,
	"C":  true,
}

// League member roles.
const (
	RoleAdmin       = "admin"
	RoleScorekeeper = "scorekeeper"
	RoleViewer      = "viewer"
)
