// Package authstore manages persisted browser identities. Each identity is
// one user account on the upstream web app, stored as auth-<i>.json in the
// auth directory: a browser-context export (cookies plus per-origin storage)
// with an optional account name and the deep link of a previously
// initialized upstream app.
package authstore

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

var authFilePattern = regexp.MustCompile(`^auth-(\d+)\.json$`)

// Cookie mirrors one entry of a browser context export.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// StorageItem is one localStorage key/value pair.
type StorageItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Origin carries the persisted localStorage of one origin.
type Origin struct {
	Origin       string        `json:"origin"`
	LocalStorage []StorageItem `json:"localStorage"`
}

// State is the identity state object persisted to auth-<i>.json.
type State struct {
	Cookies     []Cookie `json:"cookies"`
	Origins     []Origin `json:"origins"`
	AccountName string   `json:"accountName,omitempty"`

	// AppURL is the deep link of the upstream app learned after a
	// successful activation. Cleared when the link 404s.
	AppURL string `json:"appUrl,omitempty"`
}

// Identity names one persisted browser state plus its index in the store.
type Identity struct {
	Index int
	State *State
	path  string
}

// Email returns the identity's normalized account email, or "" if unknown.
func (id *Identity) Email() string {
	if id.State == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(id.State.AccountName))
}

// Seed derives the stable fingerprint seed for this identity. The seed is a
// string hash of the email so one account always presents one browser
// profile across restarts; identities without an email fall back to their
// index, which is equally stable.
func (id *Identity) Seed() uint32 {
	email := id.Email()
	if email == "" {
		return uint32(id.Index)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(email))
	return h.Sum32()
}

// Store enumerates and persists identities under a single directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create auth directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string {
	return s.dir
}

// List enumerates all identities, ordered by index. Unreadable files are
// logged and skipped.
func (s *Store) List() ([]*Identity, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read auth directory: %w", err)
	}

	identities := make([]*Identity, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := authFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		index, _ := strconv.Atoi(m[1])
		id, errLoad := s.Load(index)
		if errLoad != nil {
			log.Warnf("skipping unreadable identity file %s: %v", entry.Name(), errLoad)
			continue
		}
		identities = append(identities, id)
	}
	sort.Slice(identities, func(i, j int) bool { return identities[i].Index < identities[j].Index })
	return identities, nil
}

// Load reads one identity by index.
func (s *Store) Load(index int) (*Identity, error) {
	path := s.filePath(index)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state State
	if err = json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return &Identity{Index: index, State: &state, path: path}, nil
}

// Save writes an identity's state back to its file. The write goes through a
// temp file so a crash cannot leave a truncated state behind.
func (s *Store) Save(id *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(id.State, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode identity state: %w", err)
	}
	path := s.filePath(id.Index)
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity state: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace identity state: %w", err)
	}
	return nil
}

// ClearAppURL removes the saved deep link (it 404ed) and persists the state.
func (s *Store) ClearAppURL(id *Identity) error {
	id.State.AppURL = ""
	return s.Save(id)
}

func (s *Store) filePath(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("auth-%d.json", index))
}

// Watch invokes onChange whenever an auth file is created, rewritten or
// removed, until stop is closed. Used to refresh the rotation pool when the
// operator edits the directory.
func (s *Store) Watch(onChange func(), stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err = watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !authFilePattern.MatchString(filepath.Base(event.Name)) {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Debugf("auth directory change: %s %s", event.Op, filepath.Base(event.Name))
					onChange()
				}
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("auth directory watcher error: %v", errWatch)
			case <-stop:
				return
			}
		}
	}()
	return nil
}
