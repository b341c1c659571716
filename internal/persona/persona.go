// Package persona resolves which persona instructions apply to a task.
//
// Resolution is a pure function of the task and the configured rule list:
// an explicit task persona wins, then the first matching rule over the
// task text, then the mission default, then "general".
package persona

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/appff/nightshift/internal/config"
	"github.com/appff/nightshift/internal/mission"
)

// Default is the persona every mission falls back to.
const Default = "general"

type rule struct {
	re      *regexp.Regexp
	persona string
}

// Selector maps tasks to persona ids and instruction text.
type Selector struct {
	instructions map[string]string
	rules        []rule
}

// NewSelector compiles the rule list. Rules referencing a persona that is
// not defined are a configuration error.
func NewSelector(personas map[string]string, rules []config.PersonaRule) (*Selector, error) {
	s := &Selector{
		instructions: make(map[string]string, len(personas)+1),
	}
	for id, text := range personas {
		s.instructions[id] = text
	}
	if _, ok := s.instructions[Default]; !ok {
		s.instructions[Default] = ""
	}

	for i, r := range rules {
		pattern := r.Pattern
		if strings.Contains(strings.ToLower(r.Flags), "i") {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("persona rule %d: %w", i, err)
		}
		if _, ok := s.instructions[r.Persona]; !ok {
			return nil, fmt.Errorf("persona rule %d references undefined persona %q", i, r.Persona)
		}
		s.rules = append(s.rules, rule{re: re, persona: r.Persona})
	}
	return s, nil
}

// Select returns the persona id for a task. missionDefault is the
// mission-level persona field, which may be empty.
func (s *Selector) Select(t *mission.Task, missionDefault string) string {
	if t.Persona != "" {
		if _, ok := s.instructions[t.Persona]; ok {
			return t.Persona
		}
	}
	text := t.Title + " " + strings.Join(t.SubTasks, " ")
	for _, r := range s.rules {
		if r.re.MatchString(text) {
			return r.persona
		}
	}
	if missionDefault != "" {
		if _, ok := s.instructions[missionDefault]; ok {
			return missionDefault
		}
	}
	return Default
}

// Instructions returns the instruction text for a persona id, falling back
// to the default persona's text for unknown ids.
func (s *Selector) Instructions(id string) string {
	if text, ok := s.instructions[id]; ok {
		return text
	}
	return s.instructions[Default]
}

// Known reports whether the persona id is defined.
func (s *Selector) Known(id string) bool {
	_, ok := s.instructions[id]
	return ok
}
