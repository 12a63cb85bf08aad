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
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/google/uuid"
	"github.com/ttbt-io/courtkeeper/frontend"
)

func generateETag(data []byte) string {
	return fmt.Sprintf("\"%x\"", sha256.Sum256(data))
}

func hubBusyResponse(w http.ResponseWriter, retryAfter string) {
	w.Header().Set("Retry-After", retryAfter)
	http.Error(w, "Too Many Requests: Server is busy", http.StatusTooManyRequests)
}

func parsePagination(r *http.Request) (int, int, string, string, string) {
	limit := 50
	offset := 0
	sortBy := r.URL.Query().Get("sortBy")
	order := r.URL.Query().Get("order")
	query := r.URL.Query().Get("q")

	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil {
			offset = val
		}
	}

	if limit < 1 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	return limit, offset, sortBy, order, query
}

// Options represent server options.
type Options struct {
	Addr             string
	ClusterAdvertise string
	ClusterAddr      string
	Cert             *tls.Certificate
	DataDir          string
	UseMockAuth      bool
	Debug            bool
	GameStore        *GameStore
	TeamStore        *TeamStore
	LeagueStore      *LeagueStore
	Storage          *storage.Storage
	MasterKey        crypto.MasterKey
	Registry         *Registry
	Listener         net.Listener
	RebuildIndex     bool

	// Raft Options
	RaftEnabled            bool
	RaftBind               string
	RaftAdvertise          string
	RaftSecret             string
	RaftJoin               string // Address of leader to join
	RaftBootstrap          bool
	RaftManager            *RaftManager      // Allow injecting pre-configured RaftManager
	RaftManagerChan        chan *RaftManager // For testing: receive the created RaftManager
	UseProductionTimeouts  bool              // Set to true to use longer timeouts (e.g. for production)
	DisableSnapshotLinking bool              // Stream re-encrypted snapshots instead of hardlinking

	// Auth Options
	AuthCookieName string
	AuthJWKSURL    string

	// Access Control Options
	BootstrapAdmin string
}

//go:embed cluster_dashboard.html
var clusterDashboardHTML []byte

//go:embed cluster_dashboard.js
var clusterDashboardJS []byte

//go:embed admin_dashboard.html
var adminDashboardHTML []byte

//go:embed admin_dashboard.js
var adminDashboardJS []byte

const (
	retryAfterLoad   = "2"
	retryAfterSave   = "10"
	retryAfterAction = "5"
)

// Server represents the running server instance.
type Server struct {
	httpServer *http.Server
	raftMgr    *RaftManager
}

// Shutdown gracefully shuts down the server and Raft node.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []string

	flush := func() {
		if s.raftMgr != nil {
			if err := s.raftMgr.Shutdown(); err != nil {
				errs = append(errs, fmt.Sprintf("raft: %v", err))
			}
			// Ensure any dirty FSM state is flushed to disk on shutdown
			if s.raftMgr.FSM != nil {
				if err := s.raftMgr.FSM.FlushAll(); err != nil {
					errs = append(errs, fmt.Sprintf("fsm flush: %v", err))
				}
			}
		}
	}
	flush()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("http: %v", err))
	}
	flush()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %s", strings.Join(errs, ", "))
	}
	return nil
}

// StartServer starts the web server and registers the API handlers.
func StartServer(opts Options) (*Server, error) {
	raftMgr, handler := NewServerHandler(opts)

	if raftMgr != nil {
		// Wait for Raft to replay log and catch up to ensure data consistency
		// before starting the public HTTP server.
		if err := raftMgr.WaitForSync(30 * time.Second); err != nil {
			log.Printf("Warning: Raft sync timed out: %v", err)
		}
	}

	httpServer := &http.Server{
		Addr:    opts.Addr,
		Handler: handler,
	}

	// TLS Config
	if opts.Cert != nil {
		httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*opts.Cert},
		}
	} else if _, err := os.Stat("certs/cert.pem"); err == nil {
		// Only load certs if not provided in opts and files exist
		httpServer.TLSConfig = &tls.Config{
			// Certificates will be loaded by ListenAndServeTLS
		}
	}

	// Start Server
	go func() {
		var err error
		if opts.Listener != nil {
			if httpServer.TLSConfig != nil {
				log.Printf("Starting HTTPS server on provided listener %s...", opts.Listener.Addr())
				err = httpServer.ServeTLS(opts.Listener, "", "")
			} else {
				log.Printf("Starting HTTP server on provided listener %s...", opts.Listener.Addr())
				err = httpServer.Serve(opts.Listener)
			}
		} else {
			// Legacy/Default path
			log.Printf("Server starting on port %s...\n", opts.Addr)
			if opts.Cert != nil {
				err = httpServer.ListenAndServeTLS("", "")
			} else if _, statErr := os.Stat("certs/cert.pem"); statErr == nil {
				log.Println("Starting HTTPS server using certs/cert.pem...")
				err = httpServer.ListenAndServeTLS("certs/cert.pem", "certs/key.pem")
			} else {
				log.Println("Starting HTTP server...")
				err = httpServer.ListenAndServe()
			}
		}

		if err != nil && !errors.Is(err, net.ErrClosed) && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	return &Server{
			httpServer: httpServer,
			raftMgr:    raftMgr,
		},
		nil
}

// NewServerHandler creates and configures the HTTP handler for the server.
func NewServerHandler(opts Options) (*RaftManager, http.Handler) {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}

	if opts.Storage == nil {
		opts.Storage = storage.New(opts.DataDir, nil)
	}

	store := opts.GameStore
	if store == nil {
		store = NewGameStore(opts.DataDir, opts.Storage)
	}
	tStore := opts.TeamStore
	if tStore == nil {
		tStore = NewTeamStore(opts.DataDir, opts.Storage)
	}
	lStore := opts.LeagueStore
	if lStore == nil {
		lStore = NewLeagueStore(opts.DataDir, opts.Storage)
	}
	idxStore := NewUserIndexStore(opts.DataDir, opts.Storage, opts.MasterKey)
	ns := NewNotificationStore(opts.DataDir, opts.Storage)
	subStore := NewSubscriptionStore(opts.DataDir, opts.Storage)

	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry(store, tStore, lStore, idxStore, opts.RebuildIndex)
	}

	accessControl := NewAccessControl(registry, opts.BootstrapAdmin)

	// In Raft mode the policy is replayed from the log; standalone
	// mode reads the last saved copy.
	if !opts.RaftEnabled {
		var policy UserAccessPolicy
		if err := opts.Storage.ReadDataFile("sys_access_policy", &policy); err == nil {
			registry.UpdateAccessPolicy(&policy)
		}
	}

	var raftMgr *RaftManager
	hm := NewHubManager()

	if opts.RaftEnabled {
		if opts.RaftManager != nil {
			raftMgr = opts.RaftManager
		} else {
			raftDataDir := filepath.Join(opts.DataDir, "raft")
			if err := os.MkdirAll(raftDataDir, 0755); err != nil {
				log.Fatalf("Failed to create Raft data directory: %v", err)
			}
			raftStorage := storage.New(raftDataDir, opts.MasterKey)
			fsm := NewFSM(store, tStore, lStore, registry, hm, raftStorage, idxStore, ns, subStore)

			raftMgr = NewRaftManager(raftDataDir, opts.RaftBind, opts.RaftAdvertise, opts.ClusterAdvertise, opts.ClusterAddr, opts.RaftSecret, opts.MasterKey, fsm)
			raftMgr.UseProductionTimeouts = opts.UseProductionTimeouts
			raftMgr.DisableSnapshotLinking = opts.DisableSnapshotLinking

			if opts.UseMockAuth {
				raftMgr.AuthMiddleware = func(next http.Handler) http.Handler {
					return mockAuthMiddleware(opts, next)
				}
			} else {
				raftMgr.AuthMiddleware = func(next http.Handler) http.Handler {
					return jwtAuthMiddleware(opts, next)
				}
			}
		}

		if opts.RaftManagerChan != nil {
			go func() { opts.RaftManagerChan <- raftMgr }()
		}
		hm.SetRaftManager(raftMgr)
	}

	// Web Push. Disabled, not fatal, when VAPID keys are absent.
	pushCfg, err := LoadPushConfig()
	if err != nil {
		log.Printf("Push config error: %v", err)
	}
	pusher := NewPusher(pushCfg, subStore, func(userId, endpoint string) {
		// The push service says the subscription is gone.
		if raftMgr != nil {
			cmd := RaftCommand{
				Type:         CmdDeleteSubscription,
				Subscription: &PushSubscription{UserID: userId, Endpoint: endpoint},
			}
			if _, err := raftMgr.Propose(cmd); err != nil {
				log.Printf("Failed to propose subscription removal for %s: %v", maskEmail(userId), err)
			}
			return
		}
		if err := subStore.DeleteSubscription(userId, endpoint); err != nil {
			log.Printf("Failed to remove subscription for %s: %v", maskEmail(userId), err)
		}
	})

	// notifyUsers replicates an in-app notification per recipient, then
	// pushes. Push dispatch stays on the node that handled the trigger
	// so followers replaying the log never duplicate sends.
	notifyUsers := func(userIds []string, template Notification, push *PushMessage) {
		for _, uid := range userIds {
			n := template
			n.ID = uuid.NewString()
			n.UserID = uid
			n.CreatedAt = time.Now().UnixMilli()
			if raftMgr != nil {
				cmd := RaftCommand{
					Type:         CmdAddNotification,
					Notification: &n,
				}
				if _, err := raftMgr.Propose(cmd); err != nil {
					log.Printf("Failed to propose notification for %s: %v", maskEmail(uid), err)
				}
				continue
			}
			if err := ns.AddNotification(&n); err != nil {
				log.Printf("Failed to store notification for %s: %v", maskEmail(uid), err)
			}
		}
		if push != nil {
			pusher.Notify(userIds, push)
		}
	}

	// Game lifecycle events arrive from the hub goroutine after the
	// action is durably accepted. Fan-out must not block it.
	hm.SetGameEventHandler(func(gameId, actionType, actorId string) {
		go func() {
			g, err := store.LoadGame(gameId)
			if err != nil || g.LeagueID == "" {
				return
			}
			l, err := lStore.LoadLeague(g.LeagueID)
			if err != nil {
				return
			}
			recipients := leagueAudience(l, actorId)
			if len(recipients) == 0 {
				return
			}

			matchup := fmt.Sprintf("%s at %s", g.Away, g.Home)
			n := Notification{
				LeagueID: l.ID,
				GameID:   g.ID,
			}
			switch actionType {
			case ActionGameStart:
				n.Kind = NotifyGameStarted
				n.Title = "Game started"
				n.Body = matchup
			case ActionGameFinalize:
				n.Kind = NotifyGameFinal
				n.Title = "Final score"
				if g.Derived != nil {
					n.Body = fmt.Sprintf("%s %d, %s %d", g.Away, g.Derived.AwayScore, g.Home, g.Derived.HomeScore)
				} else {
					n.Body = matchup
				}
			default:
				return
			}
			notifyUsers(recipients, n, &PushMessage{
				Title:    n.Title,
				Body:     n.Body,
				GameID:   g.ID,
				LeagueID: l.ID,
				Kind:     n.Kind,
			})
		}()
	})

	mux := http.NewServeMux()

	// Cluster Dashboard
	mux.HandleFunc("/api/cluster", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write(clusterDashboardHTML)
	})

	mux.HandleFunc("/api/cluster/script.js", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/javascript")
		w.Write(clusterDashboardJS)
	})

	// Admin Dashboard
	mux.HandleFunc("/admin", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if !accessControl.IsAdmin(userId) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write(adminDashboardHTML)
	})

	mux.HandleFunc("/api/admin/script.js", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if !accessControl.IsAdmin(userId) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/javascript")
		w.Write(adminDashboardJS)
	})

	// Cluster Join Handler (Public API - Secured by Secret)
	mux.HandleFunc("/api/cluster/join", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		raftMgr.handleJoin(w, r)
	})
	// Cluster Leave/Remove Handler (Public API - Secured by Secret)
	mux.HandleFunc("/api/cluster/remove", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		raftMgr.handleRemove(w, r)
	})
	// Cluster Status Handler (Public/Protected)
	mux.HandleFunc("/api/cluster/status", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil || !opts.RaftEnabled {
			http.Error(w, "Raft is not enabled on this node", http.StatusNotImplemented)
			return
		}
		raftMgr.handleStatus(w, r)
	})
	// Cluster Metrics: nodes report here (POST, secret-checked inside),
	// the dashboard reads here (GET, any authenticated user).
	mux.HandleFunc("/api/cluster/metrics", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusNotImplemented)
			return
		}
		switch r.Method {
		case http.MethodPost:
			raftMgr.handleMetricsReport(w, r)
		case http.MethodGet:
			raftMgr.handleMetricsQuery(w, r)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})

	// Admin API - Get/Update Policy
	mux.HandleFunc("/api/policy", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if !accessControl.IsAdmin(userId) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if r.Method == http.MethodGet {
			policy := registry.GetAccessPolicy()
			if policy == nil {
				policy = &UserAccessPolicy{
					DefaultPolicy:     "allow",
					DefaultMaxLeagues: 0,
					DefaultMaxTeams:   0,
					DefaultMaxGames:   0,
					Admins:            []string{},
					Users:             make(map[string]UserOverride),
				}
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(policy)
			return
		}

		if r.Method == http.MethodPost {
			var newPolicy UserAccessPolicy
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&newPolicy); err != nil {
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}

			// Normalize user emails to lowercase to ensure case-insensitive matching
			normalizedUsers := make(map[string]UserOverride)
			for email, override := range newPolicy.Users {
				normalizedUsers[strings.ToLower(email)] = override
			}
			newPolicy.Users = normalizedUsers

			if newPolicy.DefaultPolicy != "allow" && newPolicy.DefaultPolicy != "deny" {
				http.Error(w, "Invalid default policy", http.StatusBadRequest)
				return
			}

			if raftMgr != nil {
				cmd := RaftCommand{
					Type:       CmdUpdateAccessPolicy,
					PolicyData: &newPolicy,
				}
				if _, err := raftMgr.Propose(cmd); err != nil {
					if errors.Is(err, ErrNotLeader) {
						// Re-marshal body to forward
						body, _ := json.Marshal(newPolicy)
						r.Body = io.NopCloser(bytes.NewReader(body))
						raftMgr.forwardRequestToLeader(w, r)
						return
					}
					log.Printf("Raft Propose Error: %v", err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
			} else {
				// Standalone mode
				if opts.Storage != nil {
					if err := opts.Storage.SaveDataFile("sys_access_policy", &newPolicy); err != nil {
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
						return
					}
				}
				registry.UpdateAccessPolicy(&newPolicy)
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	})

	// User Status & Quota Endpoint
	mux.HandleFunc("/api/quotas", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Unauthenticated", http.StatusForbidden)
			return
		}

		allowed, msg := accessControl.IsAllowed(userId)
		maxLeagues, maxGames, maxTeams := accessControl.GetUserQuotas(userId)

		resp := map[string]interface{}{
			"id":      userId,
			"allowed": allowed,
			"message": msg,
			"admin":   accessControl.IsAdmin(userId),
			"quotas": map[string]int{
				"maxLeagues":  maxLeagues,
				"maxGames":    maxGames,
				"maxTeams":    maxTeams,
				"leaguesUsed": registry.CountOwnedLeagues(userId),
				"gamesUsed":   registry.CountOwnedGames(userId),
				"teamsUsed":   registry.CountOwnedTeams(userId),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/api/action", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Unauthenticated", http.StatusForbidden)
			return
		}
		if allowed, msg := accessControl.IsAllowed(userId); !allowed {
			http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
			return
		}

		var msg Message
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&msg); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}

		gameId := msg.GameId
		if gameId == "" || !isValidUUID(gameId) {
			// Fallback: check query param (though typically payload should have it)
			gameId = r.URL.Query().Get("gameId")
			if gameId == "" || !isValidUUID(gameId) {
				http.Error(w, "Bad Request: gameId is missing or invalid", http.StatusBadRequest)
				return
			}
			msg.GameId = gameId // Ensure it's in the message
		}

		// Serialize through Hub
		hub := hm.GetHub(gameId, false, store, tStore, lStore, registry)
		reply := make(chan HubResponse, 1)
		select {
		case hub.requests <- HubRequest{
			Type:    ReqTypeHTTPAction,
			UserId:  userId,
			Headers: r.Header,
			Message: msg,
			Reply:   reply,
		}:
			select {
			case resp := <-reply:
				if resp.Error != nil {
					log.Printf("Internal Server Error during Hub Action: %v", resp.Error)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Write(resp.Data)
			case <-r.Context().Done():
				return
			}
		default:
			hubBusyResponse(w, retryAfterAction)
		}
	})

	mux.HandleFunc("/api/save", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		if allowed, msg := accessControl.IsAllowed(userId); !allowed {
			http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
			return
		}

		var g Game
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 20*1048576)).Decode(&g); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}

		gameId := g.ID
		if gameId == "" || !isValidUUID(gameId) {
			http.Error(w, "Bad Request: gameId is missing or invalid", http.StatusBadRequest)
			return
		}

		// Authorization Check
		existingGame, err := store.LoadGame(gameId)
		if err == nil {
			// Updating existing game
			level := GetGameAccess(userId, *existingGame, tStore, lStore)
			if level < AccessWrite {
				http.Error(w, "Forbidden: You do not have write access to this game", http.StatusForbidden)
				return
			}
			// Enforce existing ownership
			g.OwnerID = existingGame.OwnerID
		} else if errors.Is(err, os.ErrNotExist) {
			// New game: Set owner to current user
			g.OwnerID = userId

			// Attaching a new game to a league requires write access there.
			if g.LeagueID != "" {
				l, err := lStore.LoadLeague(g.LeagueID)
				if err != nil {
					http.Error(w, "Bad Request: league not found", http.StatusBadRequest)
					return
				}
				if GetLeagueAccess(userId, *l) < AccessWrite {
					http.Error(w, "Forbidden: You do not have write access to this league", http.StatusForbidden)
					return
				}
			}

			// Quota Check
			ownedCount := registry.CountOwnedGames(userId)
			if err := accessControl.CheckGameQuota(userId, ownedCount); err != nil {
				http.Error(w, "Forbidden: "+err.Error(), http.StatusForbidden)
				return
			}
		} else {
			log.Printf("Error checking existing game %s: %v", gameId, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		// Enforce Schema Version
		g.SchemaVersion = SchemaVersionV2

		// Re-marshal to bytes for validation and storage
		body, err := json.Marshal(g)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		// Validate the entire game data structure
		if err := ValidateGameData(body); err != nil {
			log.Printf("Validation error for game %s: %v", gameId, err)
			http.Error(w, fmt.Sprintf("Bad Request: Data validation failed: %v", err), http.StatusBadRequest)
			return
		}

		// Serialize through Hub
		force := r.URL.Query().Get("force") == "true"
		hub := hm.GetHub(gameId, false, store, tStore, lStore, registry)
		reply := make(chan HubResponse, 1)
		select {
		case hub.requests <- HubRequest{
			Type:    ReqTypeHTTPSave,
			Payload: body,
			Reply:   reply,
			Force:   force,
		}:
			select {
			case resp := <-reply:
				if resp.Error != nil {
					if errors.Is(resp.Error, ErrNotLeader) && raftMgr != nil {
						r.Body = io.NopCloser(bytes.NewReader(body))
						raftMgr.forwardRequestToLeader(w, r)
						return
					}
					if errors.Is(resp.Error, ErrConflict) {
						http.Error(w, "Conflict: Game was modified concurrently", http.StatusConflict)
						return
					}
					log.Printf("Internal Server Error during Hub Save: %v", resp.Error)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}

				w.WriteHeader(http.StatusOK)
				fmt.Fprintf(w, "Game %s saved successfully", gameId)
			case <-r.Context().Done():
				return
			}
		default:
			hubBusyResponse(w, retryAfterSave)
		}
	})

	mux.HandleFunc("/api/load/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)

		if userId != "" {
			if allowed, msg := accessControl.IsAllowed(userId); !allowed {
				http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
				return
			}
		}

		gameId := strings.TrimPrefix(r.URL.Path, "/api/load/")
		if gameId == "" || !isValidUUID(gameId) {
			http.Error(w, "Bad Request: gameId is missing or invalid", http.StatusBadRequest)
			return
		}

		// Serialize through Hub
		hub := hm.GetHub(gameId, false, store, tStore, lStore, registry)
		reply := make(chan HubResponse, 1)
		select {
		case hub.requests <- HubRequest{
			Type:  ReqTypeHTTPLoad,
			Reply: reply,
		}:
			select {
			case resp := <-reply:
				if resp.Error != nil {
					if os.IsNotExist(resp.Error) {
						http.Error(w, "Not Found: Game not found", http.StatusNotFound)
					} else {
						log.Printf("Internal Server Error during Hub Load: %v", resp.Error)
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
					return
				}
				data := resp.Data

				// Authorization Check
				var g Game
				if err := json.Unmarshal(data, &g); err != nil {
					log.Printf("Error unmarshaling game data for auth check: %v", err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				if GetGameAccess(userId, g, tStore, lStore) < AccessRead {
					http.Error(w, "Forbidden: You do not have access to this game", http.StatusForbidden)
					return
				}

				etag := generateETag(data)
				if r.Header.Get("If-None-Match") == etag {
					w.WriteHeader(http.StatusNotModified)
					return
				}

				w.Header().Set("ETag", etag)
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
			case <-r.Context().Done():
				return
			}
		default:
			hubBusyResponse(w, retryAfterLoad)
		}
	})

	// loadGameView fetches a game through its hub and runs the read
	// access check. It writes the error response itself; callers only
	// proceed when ok.
	loadGameView := func(w http.ResponseWriter, r *http.Request, gameId string) (*Game, bool) {
		userId := getUserID(r)
		if userId != "" {
			if allowed, msg := accessControl.IsAllowed(userId); !allowed {
				http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
				return nil, false
			}
		}
		if gameId == "" || !isValidUUID(gameId) {
			http.Error(w, "Bad Request: gameId is missing or invalid", http.StatusBadRequest)
			return nil, false
		}

		hub := hm.GetHub(gameId, false, store, tStore, lStore, registry)
		reply := make(chan HubResponse, 1)
		select {
		case hub.requests <- HubRequest{
			Type:  ReqTypeHTTPLoad,
			Reply: reply,
		}:
			select {
			case resp := <-reply:
				if resp.Error != nil {
					if os.IsNotExist(resp.Error) {
						http.Error(w, "Not Found: Game not found", http.StatusNotFound)
					} else {
						log.Printf("Internal Server Error during Hub Load: %v", resp.Error)
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
					return nil, false
				}
				var g Game
				if err := json.Unmarshal(resp.Data, &g); err != nil {
					log.Printf("Error unmarshaling game data for auth check: %v", err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return nil, false
				}
				if GetGameAccess(userId, g, tStore, lStore) < AccessRead {
					http.Error(w, "Forbidden: You do not have access to this game", http.StatusForbidden)
					return nil, false
				}
				return &g, true
			case <-r.Context().Done():
				return nil, false
			}
		default:
			hubBusyResponse(w, retryAfterLoad)
			return nil, false
		}
	}

	// writeJSONWithETag marshals v and answers If-None-Match.
	writeJSONWithETag := func(w http.ResponseWriter, r *http.Request, v any) {
		response, err := json.Marshal(v)
		if err != nil {
			log.Printf("Internal Server Error during JSON Marshal: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		etag := generateETag(response)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/json")
		w.Write(response)
	}

	mux.HandleFunc("/api/replay/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		gameId := strings.TrimPrefix(r.URL.Path, "/api/replay/")
		g, ok := loadGameView(w, r, gameId)
		if !ok {
			return
		}

		elapsedMs := int64(-1)
		if e := r.URL.Query().Get("elapsedMs"); e != "" {
			val, err := strconv.ParseInt(e, 10, 64)
			if err != nil || val < 0 {
				http.Error(w, "Bad Request: elapsedMs must be a non-negative integer", http.StatusBadRequest)
				return
			}
			elapsedMs = val
		}

		writeJSONWithETag(w, r, ReplaySlice(g, elapsedMs))
	})

	mux.HandleFunc("/api/games", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		if allowed, msg := accessControl.IsAllowed(userId); !allowed {
			http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
			return
		}

		var knownIds []string
		if r.Method == http.MethodPost {
			var body struct {
				KnownIds []string `json:"knownIds"`
			}
			// Ignore error on decode if body empty, just treat as empty list
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&body); err == nil {
				knownIds = body.KnownIds
			}
		} else if r.Method != http.MethodGet {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		limit, offset, sortBy, order, query := parsePagination(r)
		accessibleIds := registry.ListGames(userId, sortBy, order, query)

		// Optional league filter
		if leagueId := r.URL.Query().Get("leagueId"); leagueId != "" && isValidUUID(leagueId) {
			inLeague := make(map[string]bool)
			for _, gid := range registry.LeagueGameIDs(leagueId) {
				inLeague[gid] = true
			}
			filtered := accessibleIds[:0]
			for _, gid := range accessibleIds {
				if inLeague[gid] {
					filtered = append(filtered, gid)
				}
			}
			accessibleIds = filtered
		}
		total := len(accessibleIds)

		// Pagination Logic
		var pageIds []string
		if offset < total {
			end := offset + limit
			if end > total {
				end = total
			}
			pageIds = accessibleIds[offset:end]
		}

		games := make([]GameSummary, 0)

		for _, gid := range pageIds {
			gf, err := store.LoadGame(gid)
			if err != nil {
				continue
			}

			revision := ""
			if len(gf.ActionLog) > 0 {
				var lastAction struct {
					ID string `json:"id"`
				}
				if err := json.Unmarshal(gf.ActionLog[len(gf.ActionLog)-1], &lastAction); err == nil {
					revision = lastAction.ID
				}
			}

			summary := GameSummary{
				ID:       gf.ID,
				LeagueID: gf.LeagueID,
				Date:     gf.Date,
				Location: gf.Location,
				Event:    gf.Event,
				Away:     gf.Away,
				Home:     gf.Home,
				Revision: revision,
				Status:   gf.Status,
				OwnerID:  gf.OwnerID,
			}
			if gf.Derived != nil {
				summary.AwayScore = gf.Derived.AwayScore
				summary.HomeScore = gf.Derived.HomeScore
			}
			games = append(games, summary)
		}

		// Check for deleted games among known IDs
		for _, kid := range knownIds {
			if registry.IsGameDeleted(kid) {
				// Add tombstone summary
				games = append(games, GameSummary{
					ID:     kid,
					Status: "deleted",
				})
			}
		}

		respData := struct {
			Data []GameSummary `json:"data"`
			Meta struct {
				Total  int `json:"total"`
				Offset int `json:"offset"`
				Limit  int `json:"limit"`
			} `json:"meta"`
		}{
			Data: games,
		}
		respData.Meta.Total = total
		respData.Meta.Offset = offset
		respData.Meta.Limit = limit

		writeJSONWithETag(w, r, respData)
	})

	mux.HandleFunc("/api/delete", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		var data struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&data); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}

		gameId := data.ID
		if gameId == "" || !isValidUUID(gameId) {
			http.Error(w, "Bad Request: gameId is missing or invalid", http.StatusBadRequest)
			return
		}

		// Authorization Check
		g, err := store.LoadGame(gameId)
		if err == nil {
			if GetGameAccess(userId, *g, tStore, lStore) < AccessAdmin {
				http.Error(w, "Forbidden: Only the owner can delete this game", http.StatusForbidden)
				return
			}
		}

		if raftMgr != nil {
			cmd := RaftCommand{Type: CmdDeleteGame, ID: gameId}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					body, _ := json.Marshal(data)
					r.Body = io.NopCloser(bytes.NewReader(body))
					raftMgr.forwardRequestToLeader(w, r)
					return
				}
				log.Printf("Raft Propose Error: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else {
			if err := store.DeleteGame(gameId); err != nil {
				log.Printf("Internal Server Error during DeleteGame: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			registry.DeleteGame(gameId)
			hm.RemoveHub(gameId, false)
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Game %s deleted successfully", gameId)
	})

	mux.HandleFunc("/api/teams/save", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		if allowed, msg := accessControl.IsAllowed(userId); !allowed {
			http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
			return
		}

		var t Team
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&t); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}

		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		teamId := t.ID
		if !isValidUUID(teamId) {
			http.Error(w, "Bad Request: teamId is missing or invalid", http.StatusBadRequest)
			return
		}

		// Authorization Check
		existingTeam, err := tStore.LoadTeam(teamId)
		if err == nil {
			if GetTeamAccess(userId, *existingTeam, lStore) < AccessWrite {
				http.Error(w, "Forbidden: You do not have permission to manage this team", http.StatusForbidden)
				return
			}
			// Enforce existing ownership
			t.OwnerID = existingTeam.OwnerID
		} else if errors.Is(err, os.ErrNotExist) {
			// New team: set owner to current user
			t.OwnerID = userId

			if t.LeagueID != "" {
				l, err := lStore.LoadLeague(t.LeagueID)
				if err != nil {
					http.Error(w, "Bad Request: league not found", http.StatusBadRequest)
					return
				}
				if GetLeagueAccess(userId, *l) < AccessWrite {
					http.Error(w, "Forbidden: You do not have write access to this league", http.StatusForbidden)
					return
				}
			}

			// Quota Check
			ownedCount := registry.CountOwnedTeams(userId)
			if err := accessControl.CheckTeamQuota(userId, ownedCount); err != nil {
				http.Error(w, "Forbidden: "+err.Error(), http.StatusForbidden)
				return
			}
		}

		// Enforce Schema Version
		t.SchemaVersion = SchemaVersionV2

		if err := ValidateTeamData(&t); err != nil {
			http.Error(w, fmt.Sprintf("Bad Request: Data validation failed: %v", err), http.StatusBadRequest)
			return
		}

		// Re-marshal to enforce server-side fields
		body, err := json.Marshal(t)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		// Serialize through Hub
		hub := hm.GetHub(teamId, true, store, tStore, lStore, registry)
		reply := make(chan HubResponse, 1)
		select {
		case hub.requests <- HubRequest{
			Type:    ReqTypeHTTPSave,
			Payload: body,
			Reply:   reply,
		}:
			select {
			case resp := <-reply:
				if resp.Error != nil {
					if errors.Is(resp.Error, ErrNotLeader) && raftMgr != nil {
						r.Body = io.NopCloser(bytes.NewReader(body))
						raftMgr.forwardRequestToLeader(w, r)
						return
					}
					log.Printf("Internal Server Error during Hub SaveTeam: %v", resp.Error)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}

				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(map[string]string{"id": teamId})
			case <-r.Context().Done():
				return
			}
		default:
			hubBusyResponse(w, retryAfterSave)
		}
	})

	mux.HandleFunc("/api/teams", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		if allowed, msg := accessControl.IsAllowed(userId); !allowed {
			http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
			return
		}

		var knownIds []string
		if r.Method == http.MethodPost {
			var body struct {
				KnownIds []string `json:"knownIds"`
			}
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&body); err == nil {
				knownIds = body.KnownIds
			}
		} else if r.Method != http.MethodGet {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		limit, offset, sortBy, order, query := parsePagination(r)
		accessibleIds := registry.ListTeams(userId, sortBy, order, query)

		if leagueId := r.URL.Query().Get("leagueId"); leagueId != "" && isValidUUID(leagueId) {
			inLeague := make(map[string]bool)
			for _, tid := range registry.LeagueTeamIDs(leagueId) {
				inLeague[tid] = true
			}
			filtered := accessibleIds[:0]
			for _, tid := range accessibleIds {
				if inLeague[tid] {
					filtered = append(filtered, tid)
				}
			}
			accessibleIds = filtered
		}
		total := len(accessibleIds)

		// Pagination Logic
		var pageIds []string
		if offset < total {
			end := offset + limit
			if end > total {
				end = total
			}
			pageIds = accessibleIds[offset:end]
		}

		teams := make([]json.RawMessage, 0)

		for _, tid := range pageIds {
			t, err := tStore.LoadTeam(tid)
			if err != nil {
				continue
			}
			// Marshalling struct to JSON for list response
			data, _ := json.Marshal(t)
			teams = append(teams, json.RawMessage(data))
		}

		// Check for deleted teams
		for _, kid := range knownIds {
			if registry.IsTeamDeleted(kid) {
				// Minimal tombstone json
				tombstone := map[string]string{
					"id":     kid,
					"status": "deleted",
				}
				data, _ := json.Marshal(tombstone)
				teams = append(teams, json.RawMessage(data))
			}
		}

		respData := struct {
			Data []json.RawMessage `json:"data"`
			Meta struct {
				Total  int `json:"total"`
				Offset int `json:"offset"`
				Limit  int `json:"limit"`
			} `json:"meta"`
		}{
			Data: teams,
		}
		respData.Meta.Total = total
		respData.Meta.Offset = offset
		respData.Meta.Limit = limit

		writeJSONWithETag(w, r, respData)
	})

	mux.HandleFunc("/api/teams/load/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)
		if allowed, msg := accessControl.IsAllowed(userId); !allowed {
			http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
			return
		}

		teamId := strings.TrimPrefix(r.URL.Path, "/api/teams/load/")
		if teamId == "" || !isValidUUID(teamId) {
			http.Error(w, "Bad Request: teamId is missing or invalid", http.StatusBadRequest)
			return
		}

		// Serialize through Hub
		hub := hm.GetHub(teamId, true, store, tStore, lStore, registry)
		reply := make(chan HubResponse, 1)
		select {
		case hub.requests <- HubRequest{
			Type:  ReqTypeHTTPLoad,
			Reply: reply,
		}:
			select {
			case resp := <-reply:
				if resp.Error != nil {
					if os.IsNotExist(resp.Error) {
						http.Error(w, "Not Found: Team not found", http.StatusNotFound)
					} else {
						log.Printf("Internal Server Error during Hub LoadTeam: %v", resp.Error)
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
					return
				}
				data := resp.Data

				// Authorization Check
				var t Team
				if err := json.Unmarshal(data, &t); err != nil {
					log.Printf("Error unmarshaling team data for auth check: %v", err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				if GetTeamAccess(userId, t, lStore) < AccessRead {
					http.Error(w, "Forbidden: You do not have access to this team", http.StatusForbidden)
					return
				}

				etag := generateETag(data)
				if r.Header.Get("If-None-Match") == etag {
					w.WriteHeader(http.StatusNotModified)
					return
				}

				w.Header().Set("ETag", etag)
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
			case <-r.Context().Done():
				return
			}
		default:
			hubBusyResponse(w, retryAfterLoad)
		}
	})

	mux.HandleFunc("/api/teams/delete", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		var data struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&data); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}

		teamId := data.ID
		if teamId == "" || !isValidUUID(teamId) {
			http.Error(w, "Bad Request: teamId is missing or invalid", http.StatusBadRequest)
			return
		}

		// Authorization Check
		existingTeam, err := tStore.LoadTeam(teamId)
		if err == nil {
			if GetTeamAccess(userId, *existingTeam, lStore) < AccessAdmin {
				http.Error(w, "Forbidden: You do not have permission to delete this team", http.StatusForbidden)
				return
			}
		}

		if raftMgr != nil {
			cmd := RaftCommand{Type: CmdDeleteTeam, ID: teamId}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					body, _ := json.Marshal(data)
					r.Body = io.NopCloser(bytes.NewReader(body))
					raftMgr.forwardRequestToLeader(w, r)
					return
				}
				log.Printf("Raft Propose Error: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else {
			if err := tStore.DeleteTeam(teamId); err != nil {
				log.Printf("Internal Server Error during DeleteTeam: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			registry.DeleteTeam(teamId)
			hm.RemoveHub(teamId, true)
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Team %s deleted successfully", teamId)
	})

	mux.HandleFunc("/api/teams/members", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		var req struct {
			TeamId string    `json:"teamId"`
			Roles  TeamRoles `json:"roles"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&req); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		// Serialize through Hub
		hub := hm.GetHub(req.TeamId, true, store, tStore, lStore, registry)
		reply := make(chan HubResponse, 1)
		select {
		case hub.requests <- HubRequest{
			Type:  ReqTypeHTTPLoad,
			Reply: reply,
		}:
			select {
			case resp := <-reply:
				if resp.Error != nil {
					if os.IsNotExist(resp.Error) {
						http.Error(w, "Not Found", http.StatusNotFound)
					} else {
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
					return
				}

				var t Team
				if err := json.Unmarshal(resp.Data, &t); err != nil {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}

				if GetTeamAccess(userId, t, lStore) < AccessAdmin {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}

				// Update Roles
				t.Roles = req.Roles
				updatedBytes, _ := json.Marshal(t)

				replySave := make(chan HubResponse, 1)
				select {
				case hub.requests <- HubRequest{
					Type:    ReqTypeHTTPSave,
					Payload: updatedBytes,
					Reply:   replySave,
				}:
					select {
					case respSave := <-replySave:
						if respSave.Error != nil {
							if errors.Is(respSave.Error, ErrNotLeader) && raftMgr != nil {
								body, _ := json.Marshal(req)
								r.Body = io.NopCloser(bytes.NewReader(body))
								raftMgr.forwardRequestToLeader(w, r)
								return
							}
							http.Error(w, "Internal Server Error", http.StatusInternalServerError)
							return
						}

						w.WriteHeader(http.StatusOK)
					case <-r.Context().Done():
						return
					}
				default:
					hubBusyResponse(w, retryAfterSave)
				}
			case <-r.Context().Done():
				return
			}
		default:
			hubBusyResponse(w, retryAfterLoad)
		}
	})

	// saveLeague persists a validated league through Raft or directly in
	// standalone mode. It writes the error response itself.
	saveLeague := func(w http.ResponseWriter, r *http.Request, l *League) bool {
		body, err := json.Marshal(l)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return false
		}
		if raftMgr != nil {
			raw := json.RawMessage(body)
			cmd := RaftCommand{
				Type:       CmdSaveLeague,
				ID:         l.ID,
				LeagueData: &raw,
			}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					r.Body = io.NopCloser(bytes.NewReader(body))
					raftMgr.forwardRequestToLeader(w, r)
					return false
				}
				log.Printf("Raft Propose Error: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return false
			}
			return true
		}
		if err := lStore.SaveLeague(l); err != nil {
			log.Printf("Internal Server Error during SaveLeague: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return false
		}
		registry.UpdateLeague(*l)
		return true
	}

	mux.HandleFunc("/api/leagues/save", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		if allowed, msg := accessControl.IsAllowed(userId); !allowed {
			http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
			return
		}

		var l League
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&l); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}

		// Leagues are created from a plain form; the server assigns
		// the ID when the client did not.
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		if !isValidUUID(l.ID) {
			http.Error(w, "Bad Request: leagueId is invalid", http.StatusBadRequest)
			return
		}

		var newMembers []string

		// Authorization Check
		existing, err := lStore.LoadLeague(l.ID)
		if err == nil {
			if GetLeagueAccess(userId, *existing) < AccessAdmin {
				http.Error(w, "Forbidden: You do not have permission to manage this league", http.StatusForbidden)
				return
			}
			// Enforce existing ownership
			l.OwnerID = existing.OwnerID
			l.CreatedAt = existing.CreatedAt
			newMembers = addedMembers(existing.Members, l.Members)
		} else if errors.Is(err, os.ErrNotExist) {
			l.OwnerID = userId
			if l.CreatedAt == 0 {
				l.CreatedAt = time.Now().UnixMilli()
			}
			newMembers = addedMembers(nil, l.Members)

			// Quota Check
			ownedCount := registry.CountOwnedLeagues(userId)
			if err := accessControl.CheckLeagueQuota(userId, ownedCount); err != nil {
				http.Error(w, "Forbidden: "+err.Error(), http.StatusForbidden)
				return
			}
		} else {
			log.Printf("Error checking existing league %s: %v", l.ID, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		// Enforce Schema Version
		l.SchemaVersion = SchemaVersionV2
		l.UpdatedAt = time.Now().UnixMilli()

		if err := ValidateLeagueData(&l); err != nil {
			http.Error(w, fmt.Sprintf("Bad Request: Data validation failed: %v", err), http.StatusBadRequest)
			return
		}

		if !saveLeague(w, r, &l) {
			return
		}

		if len(newMembers) > 0 {
			go notifyUsers(newMembers, Notification{
				LeagueID: l.ID,
				Kind:     NotifyMembershipGranted,
				Title:    "Added to league",
				Body:     l.Name,
			}, &PushMessage{
				Title:    "Added to league",
				Body:     l.Name,
				LeagueID: l.ID,
				Kind:     NotifyMembershipGranted,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": l.ID})
	})

	mux.HandleFunc("/api/leagues", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		if allowed, msg := accessControl.IsAllowed(userId); !allowed {
			http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
			return
		}

		var knownIds []string
		if r.Method == http.MethodPost {
			var body struct {
				KnownIds []string `json:"knownIds"`
			}
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&body); err == nil {
				knownIds = body.KnownIds
			}
		} else if r.Method != http.MethodGet {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		limit, offset, sortBy, order, query := parsePagination(r)
		accessibleIds := registry.ListLeagues(userId, sortBy, order, query)
		total := len(accessibleIds)

		// Pagination Logic
		var pageIds []string
		if offset < total {
			end := offset + limit
			if end > total {
				end = total
			}
			pageIds = accessibleIds[offset:end]
		}

		leagues := make([]json.RawMessage, 0)

		for _, lid := range pageIds {
			l, err := lStore.LoadLeague(lid)
			if err != nil {
				continue
			}
			data, _ := json.Marshal(l.Metadata())
			leagues = append(leagues, json.RawMessage(data))
		}

		// Check for deleted leagues
		for _, kid := range knownIds {
			if registry.IsLeagueDeleted(kid) {
				tombstone := map[string]string{
					"id":     kid,
					"status": "deleted",
				}
				data, _ := json.Marshal(tombstone)
				leagues = append(leagues, json.RawMessage(data))
			}
		}

		respData := struct {
			Data []json.RawMessage `json:"data"`
			Meta struct {
				Total  int `json:"total"`
				Offset int `json:"offset"`
				Limit  int `json:"limit"`
			} `json:"meta"`
		}{
			Data: leagues,
		}
		respData.Meta.Total = total
		respData.Meta.Offset = offset
		respData.Meta.Limit = limit

		writeJSONWithETag(w, r, respData)
	})

	mux.HandleFunc("/api/leagues/load/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)
		if userId != "" {
			if allowed, msg := accessControl.IsAllowed(userId); !allowed {
				http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
				return
			}
		}

		leagueId := strings.TrimPrefix(r.URL.Path, "/api/leagues/load/")
		if leagueId == "" || !isValidUUID(leagueId) {
			http.Error(w, "Bad Request: leagueId is missing or invalid", http.StatusBadRequest)
			return
		}

		l, err := lStore.LoadLeague(leagueId)
		if err != nil {
			if os.IsNotExist(err) {
				http.Error(w, "Not Found: League not found", http.StatusNotFound)
			} else {
				log.Printf("Internal Server Error during LoadLeague: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
			return
		}

		// Authorization Check
		if GetLeagueAccess(userId, *l) < AccessRead {
			http.Error(w, "Forbidden: You do not have access to this league", http.StatusForbidden)
			return
		}

		data, err := json.Marshal(l)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		etag := generateETag(data)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	mux.HandleFunc("/api/leagues/delete", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		var data struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&data); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}

		leagueId := data.ID
		if leagueId == "" || !isValidUUID(leagueId) {
			http.Error(w, "Bad Request: leagueId is missing or invalid", http.StatusBadRequest)
			return
		}

		// Authorization Check
		existing, err := lStore.LoadLeague(leagueId)
		if err == nil {
			if GetLeagueAccess(userId, *existing) < AccessAdmin {
				http.Error(w, "Forbidden: You do not have permission to delete this league", http.StatusForbidden)
				return
			}
		}

		if raftMgr != nil {
			cmd := RaftCommand{Type: CmdDeleteLeague, ID: leagueId}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					body, _ := json.Marshal(data)
					r.Body = io.NopCloser(bytes.NewReader(body))
					raftMgr.forwardRequestToLeader(w, r)
					return
				}
				log.Printf("Raft Propose Error: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else {
			if err := lStore.DeleteLeague(leagueId); err != nil {
				log.Printf("Internal Server Error during DeleteLeague: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			registry.DeleteLeague(leagueId)
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "League %s deleted successfully", leagueId)
	})

	mux.HandleFunc("/api/leagues/members", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		var req struct {
			LeagueId string            `json:"leagueId"`
			Members  map[string]string `json:"members"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&req); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		if req.LeagueId == "" || !isValidUUID(req.LeagueId) {
			http.Error(w, "Bad Request: leagueId is missing or invalid", http.StatusBadRequest)
			return
		}

		l, err := lStore.LoadLeague(req.LeagueId)
		if err != nil {
			if os.IsNotExist(err) {
				http.Error(w, "Not Found", http.StatusNotFound)
			} else {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
			return
		}

		if GetLeagueAccess(userId, *l) < AccessAdmin {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		// Normalize member emails, validate roles.
		members := make(map[string]string, len(req.Members))
		for email, role := range req.Members {
			email = normalizeEmail(email)
			if !isValidEmail(email) {
				http.Error(w, "Bad Request: invalid member email", http.StatusBadRequest)
				return
			}
			switch role {
			case RoleAdmin, RoleScorekeeper, RoleViewer:
			default:
				http.Error(w, "Bad Request: invalid member role", http.StatusBadRequest)
				return
			}
			members[email] = role
		}

		newMembers := addedMembers(l.Members, members)
		l.Members = members
		l.UpdatedAt = time.Now().UnixMilli()

		if !saveLeague(w, r, l) {
			return
		}

		if len(newMembers) > 0 {
			go notifyUsers(newMembers, Notification{
				LeagueID: l.ID,
				Kind:     NotifyMembershipGranted,
				Title:    "Added to league",
				Body:     l.Name,
			}, &PushMessage{
				Title:    "Added to league",
				Body:     l.Name,
				LeagueID: l.ID,
				Kind:     NotifyMembershipGranted,
			})
		}

		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/players", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)
		if userId != "" {
			if allowed, msg := accessControl.IsAllowed(userId); !allowed {
				http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
				return
			}
		}

		leagueId := r.URL.Query().Get("leagueId")
		if leagueId == "" || !isValidUUID(leagueId) {
			http.Error(w, "Bad Request: leagueId is missing or invalid", http.StatusBadRequest)
			return
		}

		l, err := lStore.LoadLeague(leagueId)
		if err != nil {
			if os.IsNotExist(err) {
				http.Error(w, "Not Found: League not found", http.StatusNotFound)
			} else {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
			return
		}
		if GetLeagueAccess(userId, *l) < AccessRead {
			http.Error(w, "Forbidden: You do not have access to this league", http.StatusForbidden)
			return
		}

		type directoryEntry struct {
			Player
			TeamID   string `json:"teamId"`
			TeamName string `json:"teamName"`
		}
		players := make([]directoryEntry, 0)
		for _, tid := range registry.LeagueTeamIDs(leagueId) {
			t, err := tStore.LoadTeam(tid)
			if err != nil {
				continue
			}
			for _, p := range t.Roster {
				players = append(players, directoryEntry{
					Player:   p,
					TeamID:   t.ID,
					TeamName: t.Name,
				})
			}
		}

		writeJSONWithETag(w, r, map[string]any{"data": players})
	})

	mux.HandleFunc("/api/stats/player/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)
		if userId != "" {
			if allowed, msg := accessControl.IsAllowed(userId); !allowed {
				http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
				return
			}
		}

		playerId := strings.TrimPrefix(r.URL.Path, "/api/stats/player/")
		if playerId == "" || !isValidUUID(playerId) {
			http.Error(w, "Bad Request: playerId is missing or invalid", http.StatusBadRequest)
			return
		}
		leagueId := r.URL.Query().Get("leagueId")
		if leagueId == "" || !isValidUUID(leagueId) {
			http.Error(w, "Bad Request: leagueId is missing or invalid", http.StatusBadRequest)
			return
		}

		l, err := lStore.LoadLeague(leagueId)
		if err != nil {
			if os.IsNotExist(err) {
				http.Error(w, "Not Found: League not found", http.StatusNotFound)
			} else {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
			return
		}
		if GetLeagueAccess(userId, *l) < AccessRead {
			http.Error(w, "Forbidden: You do not have access to this league", http.StatusForbidden)
			return
		}

		var games []*Game
		for _, m := range registry.LeagueGameMetadata(leagueId) {
			if m.Status != "final" || m.DeletedAt != 0 {
				continue
			}
			g, err := store.LoadGame(m.ID)
			if err != nil {
				continue
			}
			games = append(games, g)
		}

		writeJSONWithETag(w, r, ComputeSeasonStats(games, playerId))
	})

	mux.HandleFunc("/api/stats/game/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		gameId := strings.TrimPrefix(r.URL.Path, "/api/stats/game/")
		g, ok := loadGameView(w, r, gameId)
		if !ok {
			return
		}
		writeJSONWithETag(w, r, ComputeBoxScore(g))
	})

	mux.HandleFunc("/api/standings/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)
		if userId != "" {
			if allowed, msg := accessControl.IsAllowed(userId); !allowed {
				http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
				return
			}
		}

		leagueId := strings.TrimPrefix(r.URL.Path, "/api/standings/")
		if leagueId == "" || !isValidUUID(leagueId) {
			http.Error(w, "Bad Request: leagueId is missing or invalid", http.StatusBadRequest)
			return
		}

		l, err := lStore.LoadLeague(leagueId)
		if err != nil {
			if os.IsNotExist(err) {
				http.Error(w, "Not Found: League not found", http.StatusNotFound)
			} else {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
			return
		}
		if GetLeagueAccess(userId, *l) < AccessRead {
			http.Error(w, "Forbidden: You do not have access to this league", http.StatusForbidden)
			return
		}

		rows := ComputeStandings(registry.LeagueGameMetadata(leagueId), registry.LeagueTeamNames(leagueId))
		writeJSONWithETag(w, r, map[string]any{"data": rows})
	})

	mux.HandleFunc("/api/shotchart/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		gameId := strings.TrimPrefix(r.URL.Path, "/api/shotchart/")
		g, ok := loadGameView(w, r, gameId)
		if !ok {
			return
		}

		playerId := r.URL.Query().Get("playerId")
		team := r.URL.Query().Get("team")
		if team != "" && team != SideAway && team != SideHome {
			http.Error(w, "Bad Request: team must be away or home", http.StatusBadRequest)
			return
		}

		resp := struct {
			GameID string      `json:"gameId"`
			Zones  []ZoneStat  `json:"zones"`
			Shots  []ShotEvent `json:"shots"`
		}{
			GameID: g.ID,
			Zones:  BuildShotChart(g, playerId, team),
			Shots:  CollectShots(g, playerId, team),
		}
		writeJSONWithETag(w, r, resp)
	})

	mux.HandleFunc("/api/export/csv/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		gameId := strings.TrimPrefix(r.URL.Path, "/api/export/csv/")
		g, ok := loadGameView(w, r, gameId)
		if !ok {
			return
		}

		kind := r.URL.Query().Get("kind")
		if kind == "" {
			kind = ExportKindBox
		}

		var buf bytes.Buffer
		if err := WriteGameCSV(&buf, g, kind); err != nil {
			if errors.Is(err, ErrUnknownExportKind) {
				http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
				return
			}
			log.Printf("CSV export error for game %s: %v", g.ID, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportFileName(g, kind)+".csv"))
		w.Write(buf.Bytes())
	})

	mux.HandleFunc("/api/export/pdf/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		gameId := strings.TrimPrefix(r.URL.Path, "/api/export/pdf/")
		g, ok := loadGameView(w, r, gameId)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		pdf, err := RenderGamePDF(ctx, g)
		if err != nil {
			if errors.Is(err, ErrNoBrowser) {
				http.Error(w, "Service Unavailable: PDF rendering requires a headless browser on the server", http.StatusServiceUnavailable)
				return
			}
			log.Printf("PDF export error for game %s: %v", g.ID, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportFileName(g, "report")+".pdf"))
		w.Write(pdf)
	})

	mux.HandleFunc("/api/push/vapidkey", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"enabled":   pusher.Enabled(),
			"publicKey": pusher.PublicKey(),
		})
	})

	mux.HandleFunc("/api/push/subscribe", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		// The body is the subscription object the browser hands back
		// from PushManager.subscribe().
		var req struct {
			Endpoint string           `json:"endpoint"`
			Keys     SubscriptionKeys `json:"keys"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 65536)).Decode(&req); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}
		if req.Endpoint == "" || !strings.HasPrefix(req.Endpoint, "https://") {
			http.Error(w, "Bad Request: endpoint is missing or invalid", http.StatusBadRequest)
			return
		}
		if req.Keys.P256dh == "" || req.Keys.Auth == "" {
			http.Error(w, "Bad Request: subscription keys are missing", http.StatusBadRequest)
			return
		}

		sub := &PushSubscription{
			ID:        uuid.NewString(),
			UserID:    userId,
			Endpoint:  req.Endpoint,
			Keys:      req.Keys,
			CreatedAt: time.Now().UnixMilli(),
		}

		if raftMgr != nil {
			cmd := RaftCommand{
				Type:         CmdSaveSubscription,
				Subscription: sub,
			}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					body, _ := json.Marshal(req)
					r.Body = io.NopCloser(bytes.NewReader(body))
					raftMgr.forwardRequestToLeader(w, r)
					return
				}
				log.Printf("Raft Propose Error: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else if err := subStore.SaveSubscription(sub); err != nil {
			log.Printf("Internal Server Error during SaveSubscription: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/push/unsubscribe", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		var req struct {
			Endpoint string `json:"endpoint"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 65536)).Decode(&req); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}
		if req.Endpoint == "" {
			http.Error(w, "Bad Request: endpoint is missing", http.StatusBadRequest)
			return
		}

		if raftMgr != nil {
			cmd := RaftCommand{
				Type:         CmdDeleteSubscription,
				Subscription: &PushSubscription{UserID: userId, Endpoint: req.Endpoint},
			}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					body, _ := json.Marshal(req)
					r.Body = io.NopCloser(bytes.NewReader(body))
					raftMgr.forwardRequestToLeader(w, r)
					return
				}
				log.Printf("Raft Propose Error: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else if err := subStore.DeleteSubscription(userId, req.Endpoint); err != nil {
			log.Printf("Internal Server Error during DeleteSubscription: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/notifications", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		items, err := ns.ListNotifications(userId)
		if err != nil {
			log.Printf("Internal Server Error during ListNotifications: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		unread, err := ns.UnreadCount(userId)
		if err != nil {
			log.Printf("Internal Server Error during UnreadCount: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		limit, offset, _, _, _ := parsePagination(r)
		total := len(items)
		var page []Notification
		if offset < total {
			end := offset + limit
			if end > total {
				end = total
			}
			page = items[offset:end]
		}
		if page == nil {
			page = []Notification{}
		}

		respData := struct {
			Data []Notification `json:"data"`
			Meta struct {
				Total  int `json:"total"`
				Offset int `json:"offset"`
				Limit  int `json:"limit"`
				Unread int `json:"unread"`
			} `json:"meta"`
		}{
			Data: page,
		}
		respData.Meta.Total = total
		respData.Meta.Offset = offset
		respData.Meta.Limit = limit
		respData.Meta.Unread = unread

		writeJSONWithETag(w, r, respData)
	})

	mux.HandleFunc("/api/notifications/read", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		var req struct {
			ID  string `json:"id"`
			All bool   `json:"all"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 65536)).Decode(&req); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}
		if req.ID == "" && !req.All {
			http.Error(w, "Bad Request: id or all is required", http.StatusBadRequest)
			return
		}
		notificationId := req.ID
		if req.All {
			notificationId = ""
		}

		if raftMgr != nil {
			cmd := RaftCommand{
				Type:     CmdMarkNotifications,
				ReadMark: &ReadMark{UserID: userId, NotificationID: notificationId},
			}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					body, _ := json.Marshal(req)
					r.Body = io.NopCloser(bytes.NewReader(body))
					raftMgr.forwardRequestToLeader(w, r)
					return
				}
				log.Printf("Raft Propose Error: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else if err := ns.MarkRead(userId, notificationId); err != nil {
			log.Printf("Internal Server Error during MarkRead: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/profile/delete", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		if raftMgr != nil {
			cmd := RaftCommand{
				Type:   CmdDeleteAllUser,
				Action: &ActionPayload{UserID: userId},
			}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					raftMgr.forwardRequestToLeader(w, r)
					return
				}
				log.Printf("Raft Propose Error: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else {
			// Standalone mode: same order as the replicated path.
			for _, id := range registry.ListGames(userId, "", "", "") {
				if g, err := store.LoadGame(id); err == nil && g.OwnerID == userId {
					store.DeleteGame(id)
					registry.DeleteGame(id)
					hm.RemoveHub(id, false)
				}
			}
			for _, id := range registry.ListTeams(userId, "", "", "") {
				if t, err := tStore.LoadTeam(id); err == nil && t.OwnerID == userId {
					tStore.DeleteTeam(id)
					registry.DeleteTeam(id)
					hm.RemoveHub(id, true)
				}
			}
			for _, id := range registry.ListLeagues(userId, "", "", "") {
				if l, err := lStore.LoadLeague(id); err == nil && l.OwnerID == userId {
					lStore.DeleteLeague(id)
					registry.DeleteLeague(id)
				}
			}
			if err := ns.DeleteUserNotifications(userId); err != nil {
				log.Printf("Failed to delete notifications for %s: %v", maskEmail(userId), err)
			}
			if err := subStore.DeleteUserSubscriptions(userId); err != nil {
				log.Printf("Failed to delete subscriptions for %s: %v", maskEmail(userId), err)
			}
			if err := idxStore.DeleteUserIndex(userId); err != nil {
				log.Printf("Failed to delete user index for %s: %v", maskEmail(userId), err)
			}
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "All user data deleted")
	})

	mux.HandleFunc("/api/check-deletions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		if allowed, msg := accessControl.IsAllowed(userId); !allowed {
			http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
			return
		}

		var req struct {
			GameIDs   []string `json:"gameIds"`
			TeamIDs   []string `json:"teamIds"`
			LeagueIDs []string `json:"leagueIds"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&req); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		var resp struct {
			DeletedGameIDs   []string `json:"deletedGameIds"`
			DeletedTeamIDs   []string `json:"deletedTeamIds"`
			DeletedLeagueIDs []string `json:"deletedLeagueIds"`
		}
		resp.DeletedGameIDs = make([]string, 0)
		resp.DeletedTeamIDs = make([]string, 0)
		resp.DeletedLeagueIDs = make([]string, 0)

		for _, gid := range req.GameIDs {
			// Report as deleted if explicitly tombstoned OR if it exists but is no longer accessible
			if registry.IsGameDeleted(gid) || (registry.GameExists(gid) && !registry.HasGameAccess(userId, gid)) {
				resp.DeletedGameIDs = append(resp.DeletedGameIDs, gid)
			}
		}
		for _, tid := range req.TeamIDs {
			if registry.IsTeamDeleted(tid) || (registry.TeamExists(tid) && !registry.HasTeamAccess(userId, tid)) {
				resp.DeletedTeamIDs = append(resp.DeletedTeamIDs, tid)
			}
		}
		for _, lid := range req.LeagueIDs {
			if registry.IsLeagueDeleted(lid) || (registry.LeagueExists(lid) && registry.GetLeagueAccessLevel(userId, lid) < AccessRead) {
				resp.DeletedLeagueIDs = append(resp.DeletedLeagueIDs, lid)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/api/ws", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId != "" {
			if allowed, msg := accessControl.IsAllowed(userId); !allowed {
				http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
				return
			}
		}
		ServeWS(store, tStore, lStore, registry, hm, w, r)
	})

	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		if opts.UseMockAuth {
			http.SetCookie(w, &http.Cookie{
				Name:  "mock_auth_user",
				Value: "test@example.com",
				Path:  "/",
			})
		} else if userId := getUserID(r); userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><head><script src='/login-success.js'></script></head><body>Login successful. Closing window...</body></html>"))
	})

	// Mock SSO endpoints for local development
	if opts.UseMockAuth {
		mux.HandleFunc("/api/sso/status", ssoStatusHandler)
		mux.HandleFunc("/api/sso/logout", ssoLogoutHandler)
	}

	// Serve embedded frontend
	mux.Handle("/", contentTypeMiddleware(http.FileServerFS(frontend.FS)))

	handler := http.Handler(mux)
	if opts.UseMockAuth {
		handler = mockAuthMiddleware(opts, handler)
	} else {
		handler = jwtAuthMiddleware(opts, handler)
	}
	handler = loggingMiddleware(raftMgr, handler)
	handler = securityMiddleware(handler)
	handler = cacheControlMiddleware(handler)

	if raftMgr != nil {
		raftMgr.AppHandler = handler
		if err := raftMgr.Start(opts.RaftBootstrap); err != nil {
			log.Fatalf("Failed to start Raft: %v", err)
		}
	}

	return raftMgr, handler
}

// leagueAudience collects the member emails of a league, owner
// included, excluding the actor.
func leagueAudience(l *League, actorId string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(email string) {
		if email == "" || email == actorId || seen[email] {
			return
		}
		seen[email] = true
		out = append(out, email)
	}
	add(l.OwnerID)
	for email := range l.Members {
		add(email)
	}
	return out
}

// addedMembers returns the emails present in next but not in prev.
func addedMembers(prev, next map[string]string) []string {
	var out []string
	for email := range next {
		if _, ok := prev[email]; !ok {
			out = append(out, email)
		}
	}
	return out
}

// cacheControlMiddleware adds Cache-Control headers optimized for PWA reliability behind a proxy.
func cacheControlMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Cache-Control", "private, no-cache, no-transform")
		} else {
			w.Header().Set("Cache-Control", "public, max-age=300, proxy-revalidate, no-transform")
		}
		next.ServeHTTP(w, r)
	})
}

// securityMiddleware adds HTTP security headers to responses.
func securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Inline styles stay allowed; the frontend sets element styles directly.
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data: blob:")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// mockAuthMiddleware simulates TLSProxy by checking for a cookie and setting the UserID context.
func mockAuthMiddleware(opts Options, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookieName := "mock_auth_user"
		cookie, err := r.Cookie(cookieName)
		if err == nil && cookie.Value != "" {
			// Simulate TLSProxy adding the UserID from a cookie
			ctx := context.WithValue(r.Context(), userIDKey, normalizeEmail(cookie.Value))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ssoStatusHandler returns the current user status.
func ssoStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	userId := getUserID(r)
	if userId == "" {
		w.Write([]byte("null\n"))
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"email": userId,
		"name":  "Test User",
	})
}

// ssoLogoutHandler logs the user out (clears cookie).
func ssoLogoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:    "mock_auth_user",
		Value:   "",
		Path:    "/",
		Expires: time.Unix(0, 0),
		MaxAge:  -1,
	})
	w.WriteHeader(http.StatusOK)
}

// contentTypeMiddleware ensures that files are served with the correct MIME type.
func contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ext := filepath.Ext(r.URL.Path)
		switch ext {
		case ".js", ".mjs":
			w.Header().Set("Content-Type", "application/javascript")
		case ".css":
			w.Header().Set("Content-Type", "text/css; charset=utf-8")
		case ".html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		case ".png":
			w.Header().Set("Content-Type", "image/png")
		case ".json":
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		case ".svg":
			w.Header().Set("Content-Type", "image/svg+xml")
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs every request and feeds the per-minute
// request and latency series reported to the cluster leader.
func loggingMiddleware(rm *RaftManager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Received request: %s %s", r.Method, r.URL.Path)
		GlobalRequestCounter.Add(1)
		start := time.Now()
		next.ServeHTTP(w, r)
		if rm != nil {
			rm.RecordLatency(time.Since(start))
		}
	})
}
