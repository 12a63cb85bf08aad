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

// Package e2ehelpers contains chromedp helpers shared by the browser
// tests and the screenshot tools. They drive the dashboard that the
// server embeds: the header with the signed-in user and the league,
// game and notification lists.
package e2ehelpers

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Logger interface allows passing *testing.T or log.Printf
type Logger interface {
	Logf(format string, args ...any)
}

// CaptureScreenshot captures a screenshot and saves it to the specified filename.
func CaptureScreenshot(ctx context.Context, filename string) error {
	var buf []byte
	if err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return fmt.Errorf("failed to capture screenshot: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create directory for screenshot: %w", err)
	}

	if err := os.WriteFile(filename, buf, 0644); err != nil {
		return fmt.Errorf("failed to write screenshot to file: %w", err)
	}
	log.Printf("Saved screenshot to %s", filename)
	return nil
}

func DisableCSSAnimations() chromedp.ActionFunc {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		return chromedp.Evaluate(`
                        const style = document.createElement('style');
                        style.innerHTML = '*{-webkit-transition-duration:0s!important;transition-duration:0s!important;-webkit-animation-duration:0s!important;animation-duration:0s!important;}';
                        document.head.appendChild(style);
                `, nil).Do(ctx)
	})
}

// --- Navigation & Auth ---

// Login runs the mock login flow: /api/login sets the session cookie
// and redirects back to the dashboard.
func Login(ctx context.Context, baseURL string) error {
	log.Print("Login: clearing cookies")
	if err := chromedp.Run(ctx, network.ClearBrowserCookies()); err != nil {
		return err
	}
	log.Printf("Login: opening %s/api/login", baseURL)
	return chromedp.Run(ctx,
		chromedp.Navigate(baseURL+"/api/login"),
		chromedp.Navigate(baseURL+"/"),
		WaitUserHeader(10*time.Second),
	)
}

// LoginWithUser sets the mock user cookie directly and reloads the
// dashboard, so tools can act as any user without a login round trip.
func LoginWithUser(ctx context.Context, baseURL, email string) error {
	// baseURL format: https://devtest.local:port or https://localhost:port
	parts := strings.Split(baseURL, "//")
	if len(parts) < 2 {
		return fmt.Errorf("invalid baseURL format: %s", baseURL)
	}
	host := strings.Split(parts[1], ":")[0]

	return chromedp.Run(ctx,
		network.ClearBrowserCookies(),
		network.SetCookie("mock_auth_user", email).
			WithDomain(host).
			WithPath("/").
			WithSecure(true),
		chromedp.Navigate(baseURL+"/"),
		WaitUserHeader(10*time.Second),
	)
}

// WaitUserHeader waits until the #user header element shows a signed-in
// address instead of the anonymous placeholder.
func WaitUserHeader(timeout time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

		timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		for {
			select {
			case <-ticker.C:
				var text string
				err := chromedp.Evaluate(
					`(document.getElementById('user') || {}).textContent || ''`, &text).Do(ctx)
				if err == nil && text != "" && text != "anonymous" {
					return nil
				}
			case <-timeoutCtx.Done():
				return fmt.Errorf("timeout waiting for signed-in header: %w", timeoutCtx.Err())
			}
		}
	})
}

// --- Dashboard lists ---

// WaitListItems polls until the list identified by selector holds at
// least min <li> entries.
func WaitListItems(selector string, min int, timeout time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

		timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		for {
			select {
			case <-ticker.C:
				var count int
				err := chromedp.Evaluate(fmt.Sprintf(
					`document.querySelectorAll('%s > li').length`, selector), &count).Do(ctx)
				if err == nil && count >= min {
					return nil
				}
			case <-timeoutCtx.Done():
				return fmt.Errorf("timeout waiting for %d items in %s: %w", min, selector, timeoutCtx.Err())
			}
		}
	})
}

// ListTexts returns the text content of every <li> in the list.
func ListTexts(ctx context.Context, selector string) ([]string, error) {
	var texts []string
	err := chromedp.Evaluate(fmt.Sprintf(
		`Array.from(document.querySelectorAll('%s > li')).map(el => el.textContent)`,
		selector), &texts).Do(ctx)
	return texts, err
}

// AssertListContains checks that some entry of the list contains want.
func AssertListContains(ctx context.Context, selector, want string) error {
	texts, err := ListTexts(ctx, selector)
	if err != nil {
		return err
	}
	for _, text := range texts {
		if strings.Contains(text, want) {
			return nil
		}
	}
	return fmt.Errorf("no entry of %s contains %q (got %v)", selector, want, texts)
}

// MarkAllRead clicks the notifications button and waits for the unread
// highlight to clear.
func MarkAllRead(ctx context.Context) error {
	return chromedp.Run(ctx,
		chromedp.Click(`#mark-read`, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			ticker := time.NewTicker(200 * time.Millisecond)
			defer ticker.Stop()
			timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			for {
				select {
				case <-ticker.C:
					var unread int
					err := chromedp.Evaluate(
						`document.querySelectorAll('#notifications > li.unread').length`, &unread).Do(ctx)
					if err == nil && unread == 0 {
						return nil
					}
				case <-timeoutCtx.Done():
					return fmt.Errorf("timeout waiting for notifications to clear: %w", timeoutCtx.Err())
				}
			}
		}),
	)
}

// JSClick clicks an element using JavaScript. Useful for SVGs.
func JSClick(selector string) chromedp.Action {
	return chromedp.Evaluate(fmt.Sprintf(`
		(() => {
			const el = document.querySelector('%s');
			if (el) {
				el.dispatchEvent(new MouseEvent('click', {bubbles: true}));
			} else {
				throw new Error("JSClick: Element not found: " + '%s');
			}
		})()
	`, selector, selector), nil)
}
