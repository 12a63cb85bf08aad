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
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// jwksCache holds the fetched JWKS and refreshes it on demand, at most
// once a minute to keep random probes from hammering the endpoint.
type jwksCache struct {
	url string

	mu          sync.RWMutex
	keys        jwk.Set
	lastRefresh time.Time
}

func newJWKSCache(url string) *jwksCache {
	c := &jwksCache{url: url}
	if url == "" {
		log.Println("Warning: No AuthJWKSURL provided. JWT validation will fail unless MockAuth is used.")
		return c
	}
	// Initial fetch attempt (non-fatal if it fails, will retry on request)
	if err := c.refresh(); err != nil {
		log.Printf("Warning: Failed to fetch JWKS on startup: %v", err)
	}
	return c
}

func (c *jwksCache) refresh() error {
	if c.url == "" {
		return fmt.Errorf("no JWKS URL provided")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	set, err := jwk.Fetch(ctx, c.url)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}

	c.mu.Lock()
	c.keys = set
	c.lastRefresh = time.Now()
	c.mu.Unlock()
	return nil
}

// lookup returns the raw verification key for kid, refreshing the set
// once when the key is unknown and the cache is stale.
func (c *jwksCache) lookup(kid string) (interface{}, error) {
	c.mu.RLock()
	keys := c.keys
	lastRefresh := c.lastRefresh
	c.mu.RUnlock()

	key, err := findKey(keys, kid)
	if err == nil {
		return key, nil
	}

	if time.Since(lastRefresh) > 1*time.Minute {
		if err := c.refresh(); err != nil {
			log.Printf("Error refreshing JWKS: %v", err)
			return nil, err
		}
		c.mu.RLock()
		keys = c.keys
		c.mu.RUnlock()
		return findKey(keys, kid)
	}

	return nil, err
}

func findKey(set jwk.Set, id string) (interface{}, error) {
	if set == nil {
		return nil, fmt.Errorf("JWKS not initialized")
	}
	key, ok := set.LookupKeyID(id)
	if !ok {
		return nil, fmt.Errorf("key %s not found in JWKS", id)
	}
	var raw interface{}
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to materialize key: %w", err)
	}
	return raw, nil
}

// jwtAuthMiddleware handles JWT authentication using JWKS. Requests
// without a valid token proceed as anonymous; handlers decide what
// anonymous users may see.
func jwtAuthMiddleware(opts Options, next http.Handler) http.Handler {
	cache := newJWKSCache(opts.AuthJWKSURL)

	cookieName := opts.AuthCookieName
	if cookieName == "" {
		cookieName = "courtkeeper_auth"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(cookieName)
		if err != nil || cookie.Value == "" {
			// No token provided, proceed as anonymous
			next.ServeHTTP(w, r)
			return
		}

		token, err := jwt.Parse(cookie.Value, func(token *jwt.Token) (interface{}, error) {
			// Validate algorithm
			switch token.Method.(type) {
			case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA, *jwt.SigningMethodEd25519:
				// Allowed
			default:
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}

			kid, ok := token.Header["kid"].(string)
			if !ok {
				return nil, fmt.Errorf("token missing 'kid' header")
			}
			return cache.lookup(kid)
		})

		if err != nil {
			// Invalid token (expired, bad sig, etc.) -> Anonymous
			// We log generic validation errors at debug level to avoid log spam from random probes
			if opts.Debug {
				log.Printf("JWT Validation failed: %v", err)
			}
			next.ServeHTTP(w, r)
			return
		}

		if !token.Valid {
			next.ServeHTTP(w, r)
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if email, ok := claims["email"].(string); ok && email != "" {
				ctx := context.WithValue(r.Context(), userIDKey, normalizeEmail(email))
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}
