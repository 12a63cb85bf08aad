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
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/c2FmZQ/storage"
)

// maxNotificationsKept bounds the per-user notification history. Older
// entries are dropped when new ones arrive.
const maxNotificationsKept = 200

// Notification kinds.
const (
	NotifyGameStarted       = "game_started"
	NotifyGameFinal         = "game_final"
	NotifyMembershipGranted = "membership_granted"
)

// Notification is a single in-app notification for one user.
type Notification struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	LeagueID  string `json:"leagueId,omitempty"`
	GameID    string `json:"gameId,omitempty"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	Read      bool   `json:"read"`
}

// UserNotifications is the on-disk record holding one user's
// notifications in arrival order.
type UserNotifications struct {
	UserID string         `json:"userId"`
	Items  []Notification `json:"items"`
}

// NotificationStore persists per-user notification lists.
type NotificationStore struct {
	DataDir string
	storage *storage.Storage
	mu      sync.Map // Stores *sync.Mutex per userId
}

// NewNotificationStore creates a new NotificationStore.
func NewNotificationStore(dataDir string, s *storage.Storage) *NotificationStore {
	return &NotificationStore{
		DataDir: dataDir,
		storage: s,
		mu:      sync.Map{},
	}
}

func (ns *NotificationStore) lock(userId string) *sync.Mutex {
	m, _ := ns.mu.LoadOrStore(userId, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func notificationFile(userId string) string {
	return filepath.Join("notifications", fmt.Sprintf("%s.json", url.PathEscape(userId)))
}

func (ns *NotificationStore) load(userId string) (*UserNotifications, error) {
	var list UserNotifications
	err := ns.storage.ReadDataFile(notificationFile(userId), &list)
	if err != nil {
		if os.IsNotExist(err) {
			return &UserNotifications{UserID: userId, Items: []Notification{}}, nil
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	if list.Items == nil {
		list.Items = []Notification{}
	}
	return &list, nil
}

// AddNotification appends a notification to the target user's list,
// dropping the oldest entries beyond maxNotificationsKept.
func (ns *NotificationStore) AddNotification(n *Notification) error {
	mutex := ns.lock(n.UserID)
	mutex.Lock()
	defer mutex.Unlock()

	list, err := ns.load(n.UserID)
	if err != nil {
		return err
	}
	// Idempotent under Raft replay
	for _, existing := range list.Items {
		if existing.ID == n.ID {
			return nil
		}
	}
	list.Items = append(list.Items, *n)
	if len(list.Items) > maxNotificationsKept {
		list.Items = list.Items[len(list.Items)-maxNotificationsKept:]
	}
	if err := ns.storage.SaveDataFile(notificationFile(n.UserID), list); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	return nil
}

// ListNotifications returns a user's notifications, newest first.
func (ns *NotificationStore) ListNotifications(userId string) ([]Notification, error) {
	mutex := ns.lock(userId)
	mutex.Lock()
	defer mutex.Unlock()

	list, err := ns.load(userId)
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(list.Items))
	for i := len(list.Items) - 1; i >= 0; i-- {
		out = append(out, list.Items[i])
	}
	return out, nil
}

// UnreadCount returns the number of unread notifications for a user.
func (ns *NotificationStore) UnreadCount(userId string) (int, error) {
	mutex := ns.lock(userId)
	mutex.Lock()
	defer mutex.Unlock()

	list, err := ns.load(userId)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, n := range list.Items {
		if !n.Read {
			count++
		}
	}
	return count, nil
}

// MarkRead marks one notification read, or all of them when
// notificationId is empty.
func (ns *NotificationStore) MarkRead(userId, notificationId string) error {
	mutex := ns.lock(userId)
	mutex.Lock()
	defer mutex.Unlock()

	list, err := ns.load(userId)
	if err != nil {
		return err
	}
	changed := false
	for i := range list.Items {
		if notificationId != "" && list.Items[i].ID != notificationId {
			continue
		}
		if !list.Items[i].Read {
			list.Items[i].Read = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := ns.storage.SaveDataFile(notificationFile(userId), list); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	return nil
}

// RestoreUserNotifications writes a user's list unconditionally. Used
// by snapshot restore.
func (ns *NotificationStore) RestoreUserNotifications(list *UserNotifications) error {
	mutex := ns.lock(list.UserID)
	mutex.Lock()
	defer mutex.Unlock()

	if list.Items == nil {
		list.Items = []Notification{}
	}
	if err := ns.storage.SaveDataFile(notificationFile(list.UserID), list); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	return nil
}

// ListAllUserNotifications loads every per-user list on disk. Used by
// snapshot persist.
func (ns *NotificationStore) ListAllUserNotifications() ([]*UserNotifications, error) {
	dir := filepath.Join(ns.DataDir, "notifications")
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read notifications directory: %w", err)
	}

	var lists []*UserNotifications
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		userId, err := url.PathUnescape(strings.TrimSuffix(file.Name(), ".json"))
		if err != nil {
			continue
		}
		list, err := ns.load(userId)
		if err != nil {
			continue
		}
		lists = append(lists, list)
	}
	return lists, nil
}

// DeleteUserNotifications removes a user's notification file. Used by
// profile deletion.
func (ns *NotificationStore) DeleteUserNotifications(userId string) error {
	mutex := ns.lock(userId)
	mutex.Lock()
	defer mutex.Unlock()

	fullPath := filepath.Join(ns.DataDir, notificationFile(userId))
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("could not remove notifications file: %w", err)
	}
	return nil
}
