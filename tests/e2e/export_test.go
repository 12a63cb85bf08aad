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
	"encoding/csv"
	"net/http"
	"strings"
	"testing"
)

// TestExportCSV downloads the CSV exports of the sample game and checks
// them against goldens. The sample scenario uses fixed coordinates and
// player IDs, so box and shots output are byte-stable; play-by-play
// carries wall-clock timestamps and is checked structurally instead.
func TestExportCSV(t *testing.T) {
	baseURL := startTestServer(t)
	alice := newClient(t, baseURL, "alice@example.com")
	g := recordSampleGame(alice, gameOpts{})

	status, body := alice.do(http.MethodGet, "/api/export/csv/"+g.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("box export: status %d: %s", status, body)
	}
	VerifyGolden(t, "box_score.csv", string(body))

	status, body = alice.do(http.MethodGet, "/api/export/csv/"+g.ID+"?kind=shots", nil)
	if status != http.StatusOK {
		t.Fatalf("shots export: status %d: %s", status, body)
	}
	VerifyGolden(t, "shots.csv", string(body))

	status, body = alice.do(http.MethodGet, "/api/export/csv/"+g.ID+"?kind=plays", nil)
	if status != http.StatusOK {
		t.Fatalf("plays export: status %d: %s", status, body)
	}
	records, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	if err != nil {
		t.Fatalf("plays export is not valid CSV: %v", err)
	}
	wantHeader := []string{"seq", "period", "timestamp", "type", "team", "player", "detail"}
	if len(records) == 0 || strings.Join(records[0], ",") != strings.Join(wantHeader, ",") {
		t.Fatalf("plays header = %v, want %v", records[0], wantHeader)
	}
	// 13 actions, none voided.
	if got := len(records) - 1; got != 13 {
		t.Errorf("plays rows = %d, want 13", got)
	}
	first := records[1]
	if first[3] != "GAME_START" || first[6] != "game start" {
		t.Errorf("first play = %v, want the game start row", first)
	}

	status, body = alice.do(http.MethodGet, "/api/export/csv/"+g.ID+"?kind=bogus", nil)
	if status != http.StatusBadRequest {
		t.Errorf("bogus export kind: status %d, want %d: %s", status, http.StatusBadRequest, body)
	}
}

// TestExportPDF exercises the report endpoint. Without a headless
// browser on the test host the server must answer 503 rather than hang
// or return garbage; with one it must produce a PDF.
func TestExportPDF(t *testing.T) {
	baseURL := startTestServer(t)
	alice := newClient(t, baseURL, "alice@example.com")
	g := recordSampleGame(alice, gameOpts{})

	status, body := alice.do(http.MethodGet, "/api/export/pdf/"+g.ID, nil)
	switch status {
	case http.StatusOK:
		if !bytes.HasPrefix(body, []byte("%PDF")) {
			t.Errorf("PDF export returned 200 without a PDF header: %q", body[:min(len(body), 16)])
		}
	case http.StatusServiceUnavailable:
		t.Log("no headless browser available, got 503 as expected")
	default:
		t.Errorf("PDF export: status %d, want 200 or 503: %s", status, body)
	}
}
