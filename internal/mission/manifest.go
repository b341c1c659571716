package mission

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadManifest parses a mission manifest. Entries missing an id get a stable
// generated one (task-001, task-002, ...), entries missing a status start as
// todo. The normalized mission is validated before being returned.
func LoadManifest(path string) (*Mission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Mission
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	if m.Name == "" {
		m.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if m.ProjectPath == "" {
		m.ProjectPath = filepath.Dir(path)
	}
	if m.Persona == "" {
		m.Persona = "general"
	}

	normalizeTasks(&m)

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

// normalizeTasks assigns missing ids and default statuses. Generated ids
// skip any already-claimed task-NNN value so reloading stays stable.
func normalizeTasks(m *Mission) {
	claimed := make(map[string]struct{}, len(m.Tasks))
	for _, t := range m.Tasks {
		if t.ID != "" {
			claimed[t.ID] = struct{}{}
		}
	}
	next := 1
	for _, t := range m.Tasks {
		if t.ID == "" {
			for {
				candidate := "task-" + pad3(next)
				next++
				if _, taken := claimed[candidate]; !taken {
					t.ID = candidate
					claimed[candidate] = struct{}{}
					break
				}
			}
		}
		if t.Status == "" {
			t.Status = StatusTodo
		}
	}
}

func pad3(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}

// SaveManifest writes the mission back to disk atomically (write to a temp
// file in the same directory, then rename). The engine is the single writer
// while a mission is active.
func SaveManifest(path string, m *Mission) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}
