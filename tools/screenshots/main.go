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

// Screenshot generator for the user manual. It starts an in-process
// server with mock auth, seeds leagues, games and notifications over
// the HTTP API, and drives the dashboard through a remote Chrome
// instance.
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
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/ttbt-io/courtkeeper/backend"
	"github.com/ttbt-io/courtkeeper/tools/e2ehelpers"
)

var (
	chromeURL = flag.String("chrome-url", "", "The url of the remote debugging port")
	outputDir = flag.String("output-dir", "/screenshots", "Directory to save screenshots")
)

const (
	manualUser = "test@example.com"
	coachUser  = "coach@example.com"
)

func main() {
	flag.Parse()

	if *chromeURL == "" {
		log.Fatal("--chrome-url must be set")
	}

	baseURL := startServer()
	log.Printf("Server started at %s", baseURL)

	ctx, cancel := chromedp.NewRemoteAllocator(context.Background(), *chromeURL)
	defer cancel()

	ctx, cancel = chromedp.NewContext(ctx, chromedp.WithLogf(log.Printf))
	defer cancel()

	ctx, cancel = context.WithTimeout(ctx, 180*time.Second) // very generous timeout
	defer cancel()

	// Ensure output dir exists
	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output dir: %v", err)
	}

	if err := seedData(baseURL); err != nil {
		log.Fatalf("Failed to seed data: %v", err)
	}

	log.Println("Starting screenshot generation...")

	if err := generateScreenshots(ctx, baseURL); err != nil {
		log.Fatalf("Failed to generate screenshots: %v", err)
	}

	if err := generateManualImages(ctx, baseURL); err != nil {
		log.Fatalf("Failed to generate manual images: %v", err)
	}

	log.Println("Screenshots generated successfully.")
}

func debugFailure(ctx context.Context, name string) {
	log.Printf("DEBUG: capturing failure info for %s", name)
	var htmlContent string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &htmlContent)); err != nil {
		log.Printf("DEBUG: Failed to capture HTML: %v", err)
	} else {
		log.Printf("DEBUG: HTML Dump for %s:\n%s", name, htmlContent)
	}

	var buf []byte
	if err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf)); err == nil {
		os.WriteFile(filepath.Join(*outputDir, fmt.Sprintf("debug-%s.png", name)), buf, 0644)
		log.Printf("DEBUG: Saved screenshot to debug-%s.png", name)
	} else {
		log.Printf("DEBUG: Failed to capture screenshot: %v", err)
	}
}

// runAction executes a chromedp action with a timeout and debug capture on failure.
func runAction(ctx context.Context, name string, action chromedp.Action, timeout time.Duration) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- chromedp.Run(stepCtx, action)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			log.Printf("Action '%s' failed: %v", name, err)
			debugFailure(ctx, name+"-failed")
			return err
		}
		return nil
	case <-stepCtx.Done():
		log.Printf("Action '%s' timed out", name)
		debugFailure(ctx, name+"-timeout")
		return stepCtx.Err()
	}
}

func generateScreenshots(ctx context.Context, baseURL string) error {
	if err := e2ehelpers.Login(ctx, baseURL); err != nil {
		return err
	}
	if err := chromedp.Run(ctx, e2ehelpers.DisableCSSAnimations()); err != nil {
		return err
	}

	log.Println("Screenshots: Dashboard")
	if err := runAction(ctx, "dashboard", chromedp.Tasks{
		chromedp.EmulateViewport(1280, 800),
		chromedp.Navigate(baseURL + "/"),
		e2ehelpers.WaitListItems(`#leagues`, 1, 15*time.Second),
		e2ehelpers.WaitListItems(`#games`, 2, 15*time.Second),
	}, 30*time.Second); err != nil {
		return err
	}
	if err := e2ehelpers.CaptureScreenshot(ctx, filepath.Join(*outputDir, "dashboard.png")); err != nil {
		return err
	}

	log.Println("Screenshots: Leagues panel")
	if err := capturePanel(ctx, `#leagues`, "panel-leagues.png"); err != nil {
		return err
	}

	log.Println("Screenshots: Games panel")
	return capturePanel(ctx, `#games`, "panel-games.png")
}

func generateManualImages(ctx context.Context, baseURL string) error {
	// 1. Signed-out landing page.
	log.Println("Manual: Signed out")
	if err := runAction(ctx, "signed-out", chromedp.Tasks{
		network.ClearBrowserCookies(),
		chromedp.Navigate(baseURL + "/"),
		chromedp.WaitVisible(`#user`),
	}, 20*time.Second); err != nil {
		return err
	}
	if err := e2ehelpers.CaptureScreenshot(ctx, filepath.Join(*outputDir, "manual-signin.png")); err != nil {
		return err
	}

	// 2. Notification feed with the unread membership notice.
	log.Println("Manual: Notifications")
	if err := e2ehelpers.LoginWithUser(ctx, baseURL, manualUser); err != nil {
		return err
	}
	if err := runAction(ctx, "notifications", chromedp.Tasks{
		chromedp.Navigate(baseURL + "/"),
		e2ehelpers.WaitListItems(`#notifications`, 1, 15*time.Second),
	}, 30*time.Second); err != nil {
		return err
	}
	if err := e2ehelpers.CaptureScreenshot(ctx, filepath.Join(*outputDir, "manual-notifications.png")); err != nil {
		return err
	}

	// 3. Same feed after mark-all-read.
	log.Println("Manual: Notifications read")
	if err := e2ehelpers.MarkAllRead(ctx); err != nil {
		return err
	}
	return e2ehelpers.CaptureScreenshot(ctx, filepath.Join(*outputDir, "manual-notifications-read.png"))
}

func capturePanel(ctx context.Context, selector, filename string) error {
	var buf []byte
	if err := chromedp.Run(ctx,
		chromedp.WaitVisible(selector),
		chromedp.ScrollIntoView(selector),
		chromedp.Sleep(200*time.Millisecond), // Wait for scroll to settle
		chromedp.Screenshot(selector, &buf),
	); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(*outputDir, filename), buf, 0644)
}

func apiDo(baseURL, user, method, path string, body []byte) ([]byte, error) {
	tr := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	client := &http.Client{Transport: tr, Timeout: 30 * time.Second}

	req, err := http.NewRequest(method, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.AddCookie(&http.Cookie{Name: "mock_auth_user", Value: user})

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

// seedData fills the server with enough content for every screenshot:
// a league and two live games owned by the manual user, plus a league
// owned by another user that grants the manual user membership (which
// produces the unread notification).
func seedData(baseURL string) error {
	league, _ := json.Marshal(map[string]any{
		"name":   "City League",
		"season": "2026",
	})
	if _, err := apiDo(baseURL, manualUser, http.MethodPost, "/api/leagues/save", league); err != nil {
		return err
	}

	g1, err := sampleGame("Riverside Hawks", "Harbor Wolves")
	if err != nil {
		return err
	}
	if _, err := apiDo(baseURL, manualUser, http.MethodPost, "/api/save", g1); err != nil {
		return err
	}
	g2, err := sampleGame("Bayview Comets", "North End Foxes")
	if err != nil {
		return err
	}
	if _, err := apiDo(baseURL, manualUser, http.MethodPost, "/api/save", g2); err != nil {
		return err
	}

	// Membership grant from another account produces the notification.
	shared, _ := json.Marshal(map[string]any{
		"name":   "Rec Division",
		"season": "2026",
		"members": map[string]string{
			manualUser: backend.RoleViewer,
		},
	})
	if _, err := apiDo(baseURL, coachUser, http.MethodPost, "/api/leagues/save", shared); err != nil {
		return err
	}

	// The membership notification is written asynchronously.
	deadline := time.Now().Add(10 * time.Second)
	for {
		data, err := apiDo(baseURL, manualUser, http.MethodGet, "/api/notifications", nil)
		if err != nil {
			return err
		}
		var feed struct {
			Meta struct {
				Unread int `json:"unread"`
			} `json:"meta"`
		}
		if err := json.Unmarshal(data, &feed); err != nil {
			return err
		}
		if feed.Meta.Unread > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("membership notification never arrived")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// sampleGame builds a minimal live game: metadata, five-player lineups
// and an opening bucket for each side.
func sampleGame(away, home string) ([]byte, error) {
	gameID := uuid.NewString()

	var actions []map[string]any
	addAction := func(aType string, payload map[string]any) {
		actions = append(actions, map[string]any{
			"id":        uuid.New().String(),
			"type":      aType,
			"timestamp": time.Now().UnixMilli(),
			"payload":   payload,
		})
	}

	addAction(backend.ActionGameStart, map[string]any{
		"id":       gameID,
		"away":     away,
		"home":     home,
		"date":     time.Now().Format(time.RFC3339),
		"location": "Community Gym",
		"event":    "Season",
	})

	shooters := map[string]string{}
	for _, side := range []string{backend.SideAway, backend.SideHome} {
		roster := make([]map[string]string, 5)
		onCourt := make([]string, 5)
		for i := range roster {
			id := uuid.NewString()
			roster[i] = map[string]string{
				"id":     id,
				"name":   fmt.Sprintf("Player %d", i+1),
				"number": fmt.Sprintf("%d", 10+i),
			}
			onCourt[i] = id
		}
		shooters[side] = onCourt[0]
		addAction(backend.ActionLineupUpdate, map[string]any{
			"team":    side,
			"roster":  roster,
			"onCourt": onCourt,
		})
	}

	addAction(backend.ActionShot, map[string]any{
		"team": backend.SideAway, "playerId": shooters[backend.SideAway],
		"x": 2.0, "y": 4.0, "made": true, "points": 2,
	})
	addAction(backend.ActionShot, map[string]any{
		"team": backend.SideHome, "playerId": shooters[backend.SideHome],
		"x": -20.0, "y": 18.0, "made": true, "points": 3,
	})

	return json.Marshal(map[string]any{
		"id":        gameID,
		"away":      away,
		"home":      home,
		"date":      time.Now().Format(time.RFC3339),
		"location":  "Community Gym",
		"event":     "Season",
		"ownerId":   manualUser,
		"actionLog": actions,
	})
}

func startServer() string {
	cert, err := generateSelfSignedCert()
	if err != nil {
		log.Fatalf("Failed to generate cert: %v", err)
	}
	dataDir, err := os.MkdirTemp("", "screenshots")
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
