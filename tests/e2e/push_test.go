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

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/ttbt-io/courtkeeper/backend"
)

// TestPushSubscriptions covers the VAPID key endpoint and the
// subscribe/unsubscribe lifecycle.
func TestPushSubscriptions(t *testing.T) {
	privKey, pubKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate VAPID keys: %v", err)
	}
	t.Setenv("VAPID_PUBLIC_KEY", pubKey)
	t.Setenv("VAPID_PRIVATE_KEY", privKey)

	baseURL := startTestServer(t)
	alice := newClient(t, baseURL, "alice@example.com")

	var keyResp struct {
		Enabled   bool   `json:"enabled"`
		PublicKey string `json:"publicKey"`
	}
	alice.mustGet("/api/push/vapidkey", &keyResp)
	if !keyResp.Enabled || keyResp.PublicKey != pubKey {
		t.Fatalf("vapidkey = %+v, want enabled with %s", keyResp, pubKey)
	}

	endpoint := "https://push.example.com/send/abc123"
	alice.mustPost("/api/push/subscribe", map[string]any{
		"endpoint": endpoint,
		"keys":     map[string]string{"p256dh": "BPdh", "auth": "a1"},
	}, nil)

	// Non-HTTPS endpoints and incomplete keys are rejected.
	if st, _ := alice.postJSON("/api/push/subscribe", map[string]any{
		"endpoint": "http://plain.example.com/send",
		"keys":     map[string]string{"p256dh": "BPdh", "auth": "a1"},
	}, nil); st != http.StatusBadRequest {
		t.Errorf("plain-http endpoint: status %d, want 400", st)
	}
	if st, _ := alice.postJSON("/api/push/subscribe", map[string]any{
		"endpoint": endpoint,
		"keys":     map[string]string{"p256dh": "BPdh"},
	}, nil); st != http.StatusBadRequest {
		t.Errorf("missing auth key: status %d, want 400", st)
	}

	alice.mustPost("/api/push/unsubscribe", map[string]string{"endpoint": endpoint}, nil)
}

// TestPushDisabled checks the endpoint reports a missing configuration
// honestly instead of failing.
func TestPushDisabled(t *testing.T) {
	t.Setenv("VAPID_PUBLIC_KEY", "")
	t.Setenv("VAPID_PRIVATE_KEY", "")

	baseURL := startTestServer(t)
	alice := newClient(t, baseURL, "alice@example.com")

	var keyResp struct {
		Enabled   bool   `json:"enabled"`
		PublicKey string `json:"publicKey"`
	}
	alice.mustGet("/api/push/vapidkey", &keyResp)
	if keyResp.Enabled {
		t.Error("push reported enabled without VAPID keys")
	}

	// Subscriptions are still accepted so clients can register before
	// the operator configures keys.
	alice.mustPost("/api/push/subscribe", map[string]any{
		"endpoint": "https://push.example.com/send/abc123",
		"keys":     map[string]string{"p256dh": "BPdh", "auth": "a1"},
	}, nil)
}

// TestNotifications drives the in-app notification feed end to end:
// membership grants and game lifecycle events.
func TestNotifications(t *testing.T) {
	baseURL := startTestServer(t)
	alice := newClient(t, baseURL, "alice@example.com")
	bob := newClient(t, baseURL, "bob@example.com")

	leagueId := alice.createLeague("City League", "2026", map[string]string{
		"bob@example.com": backend.RoleViewer,
	})

	type feed struct {
		Data []backend.Notification `json:"data"`
		Meta struct {
			Total  int `json:"total"`
			Unread int `json:"unread"`
		} `json:"meta"`
	}
	var f feed

	// Member addition notifications are dispatched asynchronously.
	waitFor(t, "membership notification", 5*time.Second, func() bool {
		f = feed{}
		bob.mustGet("/api/notifications", &f)
		return f.Meta.Total >= 1
	})
	granted := f.Data[0]
	if granted.Kind != backend.NotifyMembershipGranted {
		t.Errorf("kind %q, want %q", granted.Kind, backend.NotifyMembershipGranted)
	}
	if granted.LeagueID != leagueId || granted.Read {
		t.Errorf("notification %+v, want unread for league %s", granted, leagueId)
	}
	if f.Meta.Unread != f.Meta.Total {
		t.Errorf("unread %d, want %d", f.Meta.Unread, f.Meta.Total)
	}

	// Finalizing a league game notifies the other members with the score.
	g := alice.startGame(gameOpts{Away: "Cats", Home: "Dogs", LeagueID: leagueId})
	g.apply(shotAction(sideAway, playerA1, 4, 4, true, 2, ""))
	g.finalize()

	waitFor(t, "final score notification", 5*time.Second, func() bool {
		f = feed{}
		bob.mustGet("/api/notifications", &f)
		for _, n := range f.Data {
			if n.Kind == backend.NotifyGameFinal && n.GameID == g.ID {
				return n.Body == "Cats 2, Dogs 0"
			}
		}
		return false
	})

	// Mark one read, then the rest.
	bob.mustPost("/api/notifications/read", map[string]string{"id": granted.ID}, nil)
	waitFor(t, "single read mark", 5*time.Second, func() bool {
		f = feed{}
		bob.mustGet("/api/notifications", &f)
		return f.Meta.Unread == f.Meta.Total-1
	})

	bob.mustPost("/api/notifications/read", map[string]any{"all": true}, nil)
	waitFor(t, "read-all mark", 5*time.Second, func() bool {
		f = feed{}
		bob.mustGet("/api/notifications", &f)
		return f.Meta.Unread == 0
	})

	// The actor does not get notified about their own finalize.
	var af feed
	alice.mustGet("/api/notifications", &af)
	for _, n := range af.Data {
		if n.GameID == g.ID {
			t.Errorf("actor received own game notification: %+v", n)
		}
	}
}
