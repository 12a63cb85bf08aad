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
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/c2FmZQ/storage"
	"github.com/kelseyhightower/envconfig"
)

// SubscriptionKeys are the client keys of a Web Push subscription.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription is one browser's push endpoint for a user.
type PushSubscription struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Endpoint  string           `json:"endpoint"`
	Keys      SubscriptionKeys `json:"keys"`
	CreatedAt int64            `json:"createdAt"`
}

// UserSubscriptions is the on-disk record holding one user's
// subscriptions.
type UserSubscriptions struct {
	UserID string             `json:"userId"`
	Items  []PushSubscription `json:"items"`
}

// SubscriptionStore persists per-user push subscription lists.
type SubscriptionStore struct {
	DataDir string
	storage *storage.Storage
	mu      sync.Map // Stores *sync.Mutex per userId
}

// NewSubscriptionStore creates a new SubscriptionStore.
func NewSubscriptionStore(dataDir string, s *storage.Storage) *SubscriptionStore {
	return &SubscriptionStore{
		DataDir: dataDir,
		storage: s,
		mu:      sync.Map{},
	}
}

func (ss *SubscriptionStore) lock(userId string) *sync.Mutex {
	m, _ := ss.mu.LoadOrStore(userId, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func subscriptionFile(userId string) string {
	return filepath.Join("subscriptions", fmt.Sprintf("%s.json", url.PathEscape(userId)))
}

func (ss *SubscriptionStore) load(userId string) (*UserSubscriptions, error) {
	var list UserSubscriptions
	err := ss.storage.ReadDataFile(subscriptionFile(userId), &list)
	if err != nil {
		if os.IsNotExist(err) {
			return &UserSubscriptions{UserID: userId, Items: []PushSubscription{}}, nil
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	if list.Items == nil {
		list.Items = []PushSubscription{}
	}
	return &list, nil
}

// SaveSubscription stores a subscription, replacing any existing entry
// with the same endpoint.
func (ss *SubscriptionStore) SaveSubscription(sub *PushSubscription) error {
	mutex := ss.lock(sub.UserID)
	mutex.Lock()
	defer mutex.Unlock()

	list, err := ss.load(sub.UserID)
	if err != nil {
		return err
	}
	replaced := false
	for i := range list.Items {
		if list.Items[i].Endpoint == sub.Endpoint {
			list.Items[i] = *sub
			replaced = true
			break
		}
	}
	if !replaced {
		list.Items = append(list.Items, *sub)
	}
	if err := ss.storage.SaveDataFile(subscriptionFile(sub.UserID), list); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	return nil
}

// DeleteSubscription removes the subscription with the given endpoint.
func (ss *SubscriptionStore) DeleteSubscription(userId, endpoint string) error {
	mutex := ss.lock(userId)
	mutex.Lock()
	defer mutex.Unlock()

	list, err := ss.load(userId)
	if err != nil {
		return err
	}
	kept := list.Items[:0]
	for _, sub := range list.Items {
		if sub.Endpoint != endpoint {
			kept = append(kept, sub)
		}
	}
	if len(kept) == len(list.Items) {
		return nil
	}
	list.Items = kept
	if err := ss.storage.SaveDataFile(subscriptionFile(userId), list); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	return nil
}

// ListSubscriptions returns a user's push subscriptions.
func (ss *SubscriptionStore) ListSubscriptions(userId string) ([]PushSubscription, error) {
	mutex := ss.lock(userId)
	mutex.Lock()
	defer mutex.Unlock()

	list, err := ss.load(userId)
	if err != nil {
		return nil, err
	}
	out := make([]PushSubscription, len(list.Items))
	copy(out, list.Items)
	return out, nil
}

// RestoreUserSubscriptions writes a user's list unconditionally. Used
// by snapshot restore.
func (ss *SubscriptionStore) RestoreUserSubscriptions(list *UserSubscriptions) error {
	mutex := ss.lock(list.UserID)
	mutex.Lock()
	defer mutex.Unlock()

	if list.Items == nil {
		list.Items = []PushSubscription{}
	}
	if err := ss.storage.SaveDataFile(subscriptionFile(list.UserID), list); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	return nil
}

// ListAllUserSubscriptions loads every per-user list on disk. Used by
// snapshot persist.
func (ss *SubscriptionStore) ListAllUserSubscriptions() ([]*UserSubscriptions, error) {
	dir := filepath.Join(ss.DataDir, "subscriptions")
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read subscriptions directory: %w", err)
	}

	var lists []*UserSubscriptions
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		userId, err := url.PathUnescape(strings.TrimSuffix(file.Name(), ".json"))
		if err != nil {
			continue
		}
		list, err := ss.load(userId)
		if err != nil {
			continue
		}
		lists = append(lists, list)
	}
	return lists, nil
}

// DeleteUserSubscriptions removes a user's subscription file. Used by
// profile deletion.
func (ss *SubscriptionStore) DeleteUserSubscriptions(userId string) error {
	mutex := ss.lock(userId)
	mutex.Lock()
	defer mutex.Unlock()

	fullPath := filepath.Join(ss.DataDir, subscriptionFile(userId))
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("could not remove subscriptions file: %w", err)
	}
	return nil
}

// PushConfig holds the VAPID credentials, read from the environment.
type PushConfig struct {
	PublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	PrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	Subject    string `envconfig:"VAPID_SUBJECT" default:"mailto:admin@courtkeeper.io"`
}

// LoadPushConfig reads the VAPID settings from the environment.
func LoadPushConfig() (PushConfig, error) {
	var cfg PushConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to load push config: %w", err)
	}
	return cfg, nil
}

// PushMessage is the JSON payload delivered to the service worker.
type PushMessage struct {
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
	GameID   string `json:"gameId,omitempty"`
	LeagueID string `json:"leagueId,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// Pusher delivers Web Push messages. When no VAPID keys are configured
// it stays quietly disabled.
type Pusher struct {
	cfg    PushConfig
	store  *SubscriptionStore
	client *http.Client

	// onGone is called when the push service reports a subscription
	// permanently gone (404/410) so the owner can remove it.
	onGone func(userId, endpoint string)
}

// NewPusher creates a Pusher backed by the given subscription store.
func NewPusher(cfg PushConfig, store *SubscriptionStore, onGone func(userId, endpoint string)) *Pusher {
	p := &Pusher{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		onGone: onGone,
	}
	if !p.Enabled() {
		log.Println("Web push disabled: VAPID keys not configured")
	}
	return p
}

// Enabled reports whether push delivery is configured.
func (p *Pusher) Enabled() bool {
	return p != nil && p.cfg.PublicKey != "" && p.cfg.PrivateKey != ""
}

// PublicKey returns the VAPID public key clients subscribe with.
func (p *Pusher) PublicKey() string {
	return p.cfg.PublicKey
}

// Notify fans the message out to every subscription of every listed
// user and waits for delivery to finish. Callers run it off the
// request path.
func (p *Pusher) Notify(userIds []string, msg *PushMessage) {
	if !p.Enabled() || len(userIds) == 0 {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Push payload marshal failed: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, userId := range userIds {
		subs, err := p.store.ListSubscriptions(userId)
		if err != nil {
			log.Printf("Push: could not list subscriptions for %s: %v", maskEmail(userId), err)
			continue
		}
		for _, sub := range subs {
			wg.Add(1)
			go func(userId string, sub PushSubscription) {
				defer wg.Done()
				p.send(userId, sub, payload)
			}(userId, sub)
		}
	}
	wg.Wait()
}

func (p *Pusher) send(userId string, sub PushSubscription, payload []byte) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Keys.Auth,
			P256dh: sub.Keys.P256dh,
		},
	}
	resp, err := webpush.SendNotification(payload, s, &webpush.Options{
		HTTPClient:      p.client,
		Subscriber:      p.cfg.Subject,
		VAPIDPublicKey:  p.cfg.PublicKey,
		VAPIDPrivateKey: p.cfg.PrivateKey,
		TTL:             30,
	})
	if err != nil {
		log.Printf("Push delivery for %s failed: %v", maskEmail(userId), err)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// The push service dropped the subscription.
		if p.onGone != nil {
			p.onGone(userId, sub.Endpoint)
		}
	case resp.StatusCode >= 400:
		log.Printf("Push service returned %d for %s", resp.StatusCode, maskEmail(userId))
	}
}
