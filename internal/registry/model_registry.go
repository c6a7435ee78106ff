// Package registry serves the model lists exposed by the OpenAI- and
// Gemini-shaped listing endpoints. Models come from a JSON file edited by the
// operator; a filesystem watcher picks up changes without a restart.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// ModelInfo is one entry of the models file.
type ModelInfo struct {
	// ID is the model identifier clients send in requests.
	ID string `json:"id"`

	// Created is the announcement date as a Unix timestamp.
	Created int64 `json:"created"`

	// OwnedBy is the owner reported on the OpenAI-shaped listing.
	OwnedBy string `json:"owned_by"`

	// DisplayName is the human-readable name on the Gemini-shaped listing.
	DisplayName string `json:"display_name"`

	// Description is an optional blurb on the Gemini-shaped listing.
	Description string `json:"description,omitempty"`

	// Version is the model version string on the Gemini-shaped listing.
	Version string `json:"version,omitempty"`

	// InputTokenLimit and OutputTokenLimit describe the context window.
	InputTokenLimit  int `json:"input_token_limit,omitempty"`
	OutputTokenLimit int `json:"output_token_limit,omitempty"`

	// SupportedGenerationMethods lists the actions the model accepts.
	SupportedGenerationMethods []string `json:"supported_generation_methods,omitempty"`
}

// ModelRegistry holds the currently loaded model list.
type ModelRegistry struct {
	mu     sync.RWMutex
	path   string
	models []*ModelInfo
}

// Load reads the models file into a new registry. A missing file yields an
// empty registry rather than an error so the server can start before the
// operator writes one.
func Load(path string) (*ModelRegistry, error) {
	r := &ModelRegistry{path: path}
	if err := r.reload(); err != nil {
		if os.IsNotExist(err) {
			log.Warnf("models file %s not found, serving an empty model list", path)
			return r, nil
		}
		return nil, err
	}
	return r, nil
}

// reload re-reads the models file.
func (r *ModelRegistry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	var models []*ModelInfo
	if err = json.Unmarshal(data, &models); err != nil {
		return fmt.Errorf("failed to parse models file %s: %w", r.path, err)
	}
	r.mu.Lock()
	r.models = models
	r.mu.Unlock()
	log.Debugf("loaded %d models from %s", len(models), r.path)
	return nil
}

// Models returns the current model list.
func (r *ModelRegistry) Models() []*ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ModelInfo, len(r.models))
	copy(out, r.models)
	return out
}

// Lookup finds a model by id. The "models/" prefix of Gemini-style names is
// accepted.
func (r *ModelRegistry) Lookup(id string) (*ModelInfo, bool) {
	if len(id) > 7 && id[:7] == "models/" {
		id = id[7:]
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// OpenAIList renders the list in the OpenAI models shape.
func (r *ModelRegistry) OpenAIList() map[string]any {
	models := r.Models()
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{
			"id":       m.ID,
			"object":   "model",
			"created":  m.Created,
			"owned_by": m.OwnedBy,
		})
	}
	return map[string]any{"object": "list", "data": data}
}

// GeminiList renders the list in the Gemini models shape.
func (r *ModelRegistry) GeminiList() map[string]any {
	models := r.Models()
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, r.geminiModel(m))
	}
	return map[string]any{"models": data}
}

// GeminiModel renders one model in the Gemini metadata shape.
func (r *ModelRegistry) GeminiModel(m *ModelInfo) map[string]any {
	return r.geminiModel(m)
}

func (r *ModelRegistry) geminiModel(m *ModelInfo) map[string]any {
	methods := m.SupportedGenerationMethods
	if len(methods) == 0 {
		methods = []string{"generateContent", "streamGenerateContent", "countTokens"}
	}
	return map[string]any{
		"name":                       "models/" + m.ID,
		"version":                    m.Version,
		"displayName":                m.DisplayName,
		"description":                m.Description,
		"inputTokenLimit":            m.InputTokenLimit,
		"outputTokenLimit":           m.OutputTokenLimit,
		"supportedGenerationMethods": methods,
	}
}

// Watch reloads the registry whenever the models file changes. Blocks until
// stop closes; callers run it in a goroutine.
func (r *ModelRegistry) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create models watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors replace the file, which would drop a
	// watch on the file itself.
	if err = watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("failed to watch models dir: %w", err)
	}

	target := filepath.Clean(r.path)
	for {
		select {
		case <-stop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err = r.reload(); err != nil {
				log.Warnf("models reload failed: %v", err)
			} else {
				log.Infof("models file reloaded")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("models watcher error: %v", err)
		}
	}
}
