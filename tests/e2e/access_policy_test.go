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
	"net/http"
	"testing"
	"time"

	"github.com/ttbt-io/courtkeeper/backend"
)

// TestAccessPolicy flips the server to deny-by-default and checks that the
// bootstrap admin, per-user overrides and quotas all behave.
func TestAccessPolicy(t *testing.T) {
	baseURL := startTestClusterWithFlags(t, []string{"--admin", "admin@example.com"})
	admin := newClient(t, baseURL, "admin@example.com")
	alice := newClient(t, baseURL, "alice@example.com")
	bob := newClient(t, baseURL, "bob@example.com")

	// Only admins may read or write the policy.
	if st := alice.getJSON("/api/policy", nil); st != http.StatusForbidden {
		t.Errorf("non-admin policy read: status %d, want 403", st)
	}

	// Without a stored policy the server reports the open default.
	var policy backend.UserAccessPolicy
	admin.mustGet("/api/policy", &policy)
	if policy.DefaultPolicy != "allow" {
		t.Errorf("initial default policy %q, want allow", policy.DefaultPolicy)
	}

	// A policy with an unknown default is rejected.
	if st, _ := admin.postJSON("/api/policy", backend.UserAccessPolicy{
		DefaultPolicy: "maybe",
	}, nil); st != http.StatusBadRequest {
		t.Errorf("bad default policy: status %d, want 400", st)
	}

	admin.mustPost("/api/policy", backend.UserAccessPolicy{
		DefaultPolicy:      "deny",
		DefaultDenyMessage: "invite only",
		Users: map[string]backend.UserOverride{
			"Alice@example.com": {Access: "allow", MaxTeams: 1},
		},
	}, nil)

	// Denied users learn why through the quotas endpoint.
	type quotaStatus struct {
		ID      string `json:"id"`
		Allowed bool   `json:"allowed"`
		Message string `json:"message"`
		Admin   bool   `json:"admin"`
		Quotas  struct {
			MaxTeams  int `json:"maxTeams"`
			TeamsUsed int `json:"teamsUsed"`
		} `json:"quotas"`
	}
	var quotas quotaStatus
	waitFor(t, "policy to take effect", 5*time.Second, func() bool {
		quotas = quotaStatus{}
		bob.mustGet("/api/quotas", &quotas)
		return !quotas.Allowed
	})
	if quotas.Message != "invite only" {
		t.Errorf("deny message %q, want %q", quotas.Message, "invite only")
	}
	if st := bob.getJSON("/api/games", nil); st != http.StatusForbidden {
		t.Errorf("denied user listing games: status %d, want 403", st)
	}

	// The bootstrap admin is exempt from the deny default.
	admin.mustGet("/api/quotas", &quotas)
	if !quotas.Allowed || !quotas.Admin {
		t.Errorf("bootstrap admin: allowed=%v admin=%v, want true/true", quotas.Allowed, quotas.Admin)
	}

	// Alice's override lets her in, capped at one team. The email in the
	// policy was mixed-case; matching is case-insensitive.
	alice.mustGet("/api/quotas", &quotas)
	if !quotas.Allowed {
		t.Fatal("overridden user still denied")
	}
	if quotas.Quotas.MaxTeams != 1 {
		t.Errorf("maxTeams = %d, want 1", quotas.Quotas.MaxTeams)
	}

	teamId := alice.createTeam("Hawks", "", nil)
	waitFor(t, "team quota usage", 5*time.Second, func() bool {
		alice.mustGet("/api/quotas", &quotas)
		return quotas.Quotas.TeamsUsed == 1
	})
	if st, body := alice.postJSON("/api/teams/save", map[string]any{"name": "Wolves"}, nil); st != http.StatusForbidden {
		t.Errorf("over-quota team save: status %d: %s", st, body)
	}

	// Updating an existing team does not count against the quota.
	alice.mustPost("/api/teams/save", map[string]any{"id": teamId, "name": "Hawks Renamed"}, nil)

	// Reopening the policy restores access for everyone.
	admin.mustPost("/api/policy", backend.UserAccessPolicy{DefaultPolicy: "allow"}, nil)
	waitFor(t, "policy reopening", 5*time.Second, func() bool {
		return bob.getJSON("/api/games", nil) == http.StatusOK
	})
}
