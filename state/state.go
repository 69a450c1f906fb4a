// Package state persists small pieces of CLI state between runs, such as the
// projects that were opened most recently.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/grovetools/pipewatch/pkg/paths"
	"gopkg.in/yaml.v3"
)

// maxRecent bounds the recent project list.
const maxRecent = 10

// RecentProject is one entry of the recently opened list.
type RecentProject struct {
	ID       string    `yaml:"id"`
	Name     string    `yaml:"name,omitempty"`
	OpenedAt time.Time `yaml:"opened_at"`
}

// State is the persisted CLI state.
type State struct {
	Recent []RecentProject `yaml:"recent,omitempty"`
}

// Path returns the state file location, $XDG_STATE_HOME/pipewatch/state.yml.
func Path() string {
	return filepath.Join(paths.StateDir(), "state.yml")
}

// Load loads the state from the state file.
// Returns an empty state if the file doesn't exist.
func Load() (*State, error) {
	data, err := os.ReadFile(Path())
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var s State
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &s, nil
}

// Save writes the state file, creating its directory if needed.
func (s *State) Save() error {
	path := Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	// Write then rename so a concurrent reader never sees a partial file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// Touch moves a project to the front of the recent list.
func (s *State) Touch(id, name string, at time.Time) {
	entry := RecentProject{ID: id, Name: name, OpenedAt: at}
	recent := []RecentProject{entry}
	for _, r := range s.Recent {
		if r.ID != id {
			recent = append(recent, r)
		}
	}
	if len(recent) > maxRecent {
		recent = recent[:maxRecent]
	}
	s.Recent = recent
}

// Forget removes a project from the recent list.
func (s *State) Forget(id string) {
	recent := s.Recent[:0]
	for _, r := range s.Recent {
		if r.ID != id {
			recent = append(recent, r)
		}
	}
	s.Recent = recent
}

// LastProject returns the most recently opened project id, if any.
func (s *State) LastProject() (string, bool) {
	if len(s.Recent) == 0 {
		return "", false
	}
	return s.Recent[0].ID, true
}

// RecordOpen loads the state, touches id and saves it.
func RecordOpen(id, name string) error {
	s, err := Load()
	if err != nil {
		return err
	}
	s.Touch(id, name, time.Now().UTC())
	return s.Save()
}
