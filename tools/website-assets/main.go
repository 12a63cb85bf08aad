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

// Website asset generator: builds a deterministic demo game, verifies
// the server derives the expected score from it, and captures the
// dashboard screenshots used on the project website.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/ttbt-io/courtkeeper/backend"
	"github.com/ttbt-io/courtkeeper/tools/e2ehelpers"
)

var (
	chromeURL    = flag.String("chrome-url", "", "The url of the remote debugging port")
	outputDir    = flag.String("output-dir", "tools/website-assets/output", "Directory to save screenshots")
	generateOnly = flag.Bool("generate-only", false, "Only generate the demo game JSON and exit")
)

const (
	demoGameID = "d9a7b3c1-0000-4000-8000-0000000000d1"
	demoOwner  = "test@example.com"
	demoAway   = "Riverside Hawks"
	demoHome   = "Harbor Wolves"

	// Demo score derived from the action list in constructDemoGame.
	demoAwayScore = 12
	demoHomeScore = 9
)

func main() {
	flag.Parse()

	if *generateOnly {
		if err := os.MkdirAll(*outputDir, 0755); err != nil {
			log.Fatalf("Failed to create output dir: %v", err)
		}
		gameJSON, err := constructDemoGame()
		if err != nil {
			log.Fatalf("Failed to construct demo game: %v", err)
		}
		jsonPath := filepath.Join(*outputDir, "demo-game.json")
		if err := os.WriteFile(jsonPath, gameJSON, 0644); err != nil {
			log.Fatalf("Failed to write demo-game.json: %v", err)
		}
		log.Printf("Generated demo-game.json (%d bytes)", len(gameJSON))
		return
	}

	if *chromeURL == "" {
		log.Fatal("--chrome-url must be set")
	}

	baseURL := startServer()
	log.Printf("Server started at %s", baseURL)

	ctx, cancel := chromedp.NewRemoteAllocator(context.Background(), *chromeURL)
	defer cancel()

	ctx, cancel = chromedp.NewContext(ctx, chromedp.WithLogf(log.Printf))
	defer cancel()

	ctx, cancel = context.WithTimeout(ctx, 55*time.Second)
	defer cancel()

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output dir: %v", err)
	}

	log.Println("Starting generation...")

	gameJSON, err := constructDemoGame()
	if err != nil {
		log.Fatalf("Failed to construct demo game: %v", err)
	}

	jsonPath := filepath.Join(*outputDir, "demo-game.json")
	if err := os.WriteFile(jsonPath, gameJSON, 0644); err != nil {
		log.Fatalf("Failed to write demo-game.json: %v", err)
	}
	log.Printf("Generated demo-game.json (%d bytes)", len(gameJSON))

	if err := seedServer(baseURL, gameJSON); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}

	if err := verifyDemoGame(baseURL); err != nil {
		log.Fatalf("Verification FAILED: %v", err)
	}
	log.Println("Verification PASSED.")

	if err := e2ehelpers.Login(ctx, baseURL); err != nil {
		log.Fatalf("Login failed: %v", err)
	}
	if err := chromedp.Run(ctx, e2ehelpers.DisableCSSAnimations()); err != nil {
		log.Fatalf("Failed to disable animations: %v", err)
	}

	if err := captureScreenshots(ctx, baseURL); err != nil {
		log.Fatalf("Screenshot capture failed: %v", err)
	}

	log.Println("Asset generation complete.")
}

// Fixed player IDs keep the demo game deterministic across runs.
var demoPlayers = map[string]string{
	"a1": "aa000000-0000-4000-8000-000000000001",
	"a2": "aa000000-0000-4000-8000-000000000002",
	"a3": "aa000000-0000-4000-8000-000000000003",
	"a4": "aa000000-0000-4000-8000-000000000004",
	"a5": "aa000000-0000-4000-8000-000000000005",
	"h1": "bb000000-0000-4000-8000-000000000001",
	"h2": "bb000000-0000-4000-8000-000000000002",
	"h3": "bb000000-0000-4000-8000-000000000003",
	"h4": "bb000000-0000-4000-8000-000000000004",
	"h5": "bb000000-0000-4000-8000-000000000005",
}

func pid(key string) string { return demoPlayers[key] }

// constructDemoGame builds the full action log of a short demo game.
// The resulting score must match demoAwayScore/demoHomeScore; the
// generator verifies that against the server before any screenshot is
// taken.
func constructDemoGame() ([]byte, error) {
	rosters := demoRosters()

	var actions []map[string]any

	addAction := func(aType string, payload map[string]any) {
		actions = append(actions, map[string]any{
			"id":        uuid.New().String(),
			"type":      aType,
			"timestamp": time.Now().UnixMilli(),
			"payload":   payload,
		})
	}

	addShot := func(team, player string, x, y float64, made bool, points int, assist string) {
		payload := map[string]any{
			"team": team, "playerId": pid(player),
			"x": x, "y": y, "made": made, "points": points,
		}
		if assist != "" {
			payload["assistPlayerId"] = pid(assist)
		}
		addAction(backend.ActionShot, payload)
	}

	addFT := func(team, player string, made bool) {
		addAction(backend.ActionFreeThrow, map[string]any{
			"team": team, "playerId": pid(player), "made": made,
		})
	}

	addRebound := func(team, player, kind string) {
		addAction(backend.ActionRebound, map[string]any{
			"team": team, "playerId": pid(player), "kind": kind,
		})
	}

	addAction(backend.ActionGameStart, map[string]any{
		"id":        demoGameID,
		"away":      demoAway,
		"home":      demoHome,
		"date":      "2026-03-14T19:00:00-08:00",
		"location":  "Riverside Fieldhouse",
		"event":     "DEMO",
		"ownerId":   demoOwner,
		"foulLimit": backend.DefaultFoulLimit,
	})
	for _, side := range []string{backend.SideAway, backend.SideHome} {
		roster := rosters[side]
		onCourt := make([]string, 0, 5)
		for i := 0; i < 5 && i < len(roster); i++ {
			onCourt = append(onCourt, roster[i].ID)
		}
		addAction(backend.ActionLineupUpdate, map[string]any{
			"team":    side,
			"roster":  roster,
			"onCourt": onCourt,
		})
	}

	// First quarter: away 12, home 9.
	addShot("away", "a1", 2, 4, true, 2, "a2")   // away 2-0
	addShot("home", "h1", -22.5, 6, true, 3, "") // 2-3
	addRebound("away", "a3", backend.ReboundDefensive)
	addShot("away", "a2", -18, 12, true, 2, "a1") // 4-3
	addShot("home", "h2", 5, 3, false, 2, "")
	addRebound("away", "a4", backend.ReboundDefensive)
	addShot("away", "a4", 1, 23, true, 3, "a1") // 7-3
	addAction(backend.ActionSteal, map[string]any{"team": "home", "playerId": pid("h3")})
	addShot("home", "h3", 3, 2, true, 2, "") // 7-5
	addAction(backend.ActionFoul, map[string]any{"team": "home", "playerId": pid("h4"), "kind": backend.FoulPersonal})
	addFT("away", "a1", true)  // 8-5
	addFT("away", "a1", false) // still 8-5
	addRebound("home", "h5", backend.ReboundDefensive)
	addShot("home", "h5", 22.5, 8, true, 2, "h1") // 8-7
	addAction(backend.ActionBlock, map[string]any{"team": "away", "playerId": pid("a5")})
	addShot("away", "a3", -8, 14, true, 2, "") // 10-7
	addAction(backend.ActionTurnover, map[string]any{"team": "home", "playerId": pid("h2")})
	addShot("away", "a5", 6, 5, true, 2, "a3") // 12-7
	addShot("home", "h1", 10, 8, true, 2, "")  // 12-9
	addAction(backend.ActionTimeout, map[string]any{"team": "away"})
	addAction(backend.ActionPeriodAdvance, nil)

	return json.MarshalIndent(map[string]any{
		"id":        demoGameID,
		"away":      demoAway,
		"home":      demoHome,
		"date":      "2026-03-14T19:00:00-08:00",
		"location":  "Riverside Fieldhouse",
		"event":     "DEMO",
		"ownerId":   demoOwner,
		"actionLog": actions,
	}, "", "  ")
}

func demoRosters() map[string][]backend.Player {
	return map[string][]backend.Player{
		backend.SideAway: {
			{ID: pid("a1"), Name: "Dana West", Number: "4", Pos: "PG"},
			{ID: pid("a2"), Name: "Lee Okafor", Number: "23", Pos: "SG"},
			{ID: pid("a3"), Name: "Remy Cole", Number: "12", Pos: "SF"},
			{ID: pid("a4"), Name: "Jo Tanaka", Number: "30", Pos: "PF"},
			{ID: pid("a5"), Name: "Max Duval", Number: "55", Pos: "C"},
		},
		backend.SideHome: {
			{ID: pid("h1"), Name: "Sam Reyes", Number: "7", Pos: "PG"},
			{ID: pid("h2"), Name: "Kit Moran", Number: "11", Pos: "SG"},
			{ID: pid("h3"), Name: "Ira Blum", Number: "21", Pos: "SF"},
			{ID: pid("h4"), Name: "Nia Kerr", Number: "33", Pos: "PF"},
			{ID: pid("h5"), Name: "Ash Voss", Number: "42", Pos: "C"},
		},
	}
}

func apiDo(baseURL, method, path string, body []byte) ([]byte, error) {
	tr := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	client := &http.Client{Transport: tr, Timeout: 30 * time.Second}

	req, err := http.NewRequest(method, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.AddCookie(&http.Cookie{Name: "mock_auth_user", Value: demoOwner})

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, data)
	}
	return data, nil
}

// seedServer uploads the demo game and a league so the dashboard lists
// are populated.
func seedServer(baseURL string, gameJSON []byte) error {
	leagueBody, _ := json.Marshal(map[string]string{
		"name":   "City League",
		"season": "2026",
	})
	if _, err := apiDo(baseURL, http.MethodPost, "/api/leagues/save", leagueBody); err != nil {
		return err
	}
	_, err := apiDo(baseURL, http.MethodPost, "/api/save", gameJSON)
	return err
}

// verifyDemoGame checks the server's derived state against the score
// the generator promises.
func verifyDemoGame(baseURL string) error {
	log.Println("Verifying generated demo game...")
	data, err := apiDo(baseURL, http.MethodGet, "/api/load/"+demoGameID, nil)
	if err != nil {
		return err
	}
	var g backend.Game
	if err := json.Unmarshal(data, &g); err != nil {
		return err
	}
	if g.Derived == nil {
		return fmt.Errorf("server returned no derived state")
	}
	if g.Derived.AwayScore != demoAwayScore || g.Derived.HomeScore != demoHomeScore {
		return fmt.Errorf("score mismatch: expected %d-%d, got %d-%d",
			demoAwayScore, demoHomeScore, g.Derived.AwayScore, g.Derived.HomeScore)
	}
	if g.Derived.Period != 2 {
		return fmt.Errorf("period mismatch: expected 2, got %d", g.Derived.Period)
	}
	return nil
}

func captureScreenshots(ctx context.Context, baseURL string) error {
	log.Println("Capturing screenshots...")

	// Hero shot, tablet viewport.
	err := chromedp.Run(ctx, chromedp.Tasks{
		chromedp.EmulateViewport(768, 1024),
		chromedp.Navigate(baseURL + "/"),
		e2ehelpers.WaitListItems(`#games`, 1, 10*time.Second),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return e2ehelpers.AssertListContains(ctx, `#games`, demoAway)
		}),
		captureScreenshot("website-hero-dashboard.png"),
	})
	if err != nil {
		return err
	}

	// Mobile dashboard.
	return chromedp.Run(ctx, chromedp.Tasks{
		chromedp.EmulateViewport(390, 844),
		chromedp.Navigate(baseURL + "/"),
		e2ehelpers.WaitListItems(`#games`, 1, 10*time.Second),
		captureScreenshot("website-mobile-dashboard.png"),
	})
}

func startServer() string {
	cert, err := generateSelfSignedCert()
	if err != nil {
		log.Fatalf("Failed to generate cert: %v", err)
	}
	dataDir, err := os.MkdirTemp("", "website-assets")
	if err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	s := storage.New(dataDir, nil)
	gStore := backend.NewGameStore(dataDir, s)
	tStore := backend.NewTeamStore(dataDir, s)
	lStore := backend.NewLeagueStore(dataDir, s)
	uStore := backend.NewUserIndexStore(dataDir, s, nil)
	reg := backend.NewRegistry(gStore, tStore, lStore, uStore, true)

	l, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	go backend.StartServer(backend.Options{
		Listener:    l,
		Cert:        cert,
		UseMockAuth: true,
		Debug:       false,
		GameStore:   gStore,
		TeamStore:   tStore,
		LeagueStore: lStore,
		Storage:     s,
		Registry:    reg,
		DataDir:     dataDir,
	})
	_, port, _ := net.SplitHostPort(l.Addr().String())
	return fmt.Sprintf("https://devtest.local:%s", port)
}

func generateSelfSignedCert() (*tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Test Org"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour * 24),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", "devtest", "devtest.local"},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	crtPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	cert, err := tls.X509KeyPair(crtPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func captureScreenshot(filename string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		var buf []byte
		if err := chromedp.CaptureScreenshot(&buf).Do(ctx); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(*outputDir, filename), buf, 0644)
	}
}
