// Package parser extracts a structured planner decision from free-form
// agent output. Agents are unreliable emitters: the parser tries strict
// JSON first, then a fenced JSON block, then completion markers, and
// finally treats the whole text as a plain command. Ambiguity always
// resolves to "continue", never to an error.
package parser

import (
	"encoding/json"
	"regexp"
	"strings"
)

// TaskStatus is the planner's verdict on the current task.
type TaskStatus string

const (
	StatusContinue  TaskStatus = "continue"
	StatusCompleted TaskStatus = "completed"
	StatusBlocked   TaskStatus = "blocked"
)

// Decision is one parsed planner response.
type Decision struct {
	// Command is the instruction to hand to the worker. Empty when the
	// planner declared the task finished.
	Command string `json:"command"`

	// Status is the planner's task verdict.
	Status TaskStatus `json:"status"`

	// Strategy names which extraction stage produced the decision.
	Strategy string `json:"-"`
}

var (
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

	completionMarkers = []string{
		"MISSION_COMPLETED",
		"TASK_COMPLETED",
		"task status: completed",
		"status: completed",
	}
	blockedMarkers = []string{
		"TASK_BLOCKED",
		"task status: blocked",
		"status: blocked",
	}
)

// Parse extracts a Decision from raw agent output.
func Parse(raw string) Decision {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Decision{Status: StatusContinue, Strategy: "empty"}
	}

	if d, ok := parseStrictJSON(text); ok {
		d.Strategy = "strict_json"
		return d
	}
	if d, ok := parseFencedJSON(text); ok {
		d.Strategy = "fenced_json"
		return d
	}
	if d, ok := parseMarkers(text); ok {
		d.Strategy = "marker"
		return d
	}

	// Plain text is a command to keep going with.
	return Decision{Command: text, Status: StatusContinue, Strategy: "plain_text"}
}

func parseStrictJSON(text string) (Decision, bool) {
	if !strings.HasPrefix(text, "{") {
		return Decision{}, false
	}
	return decodeDecision(text)
}

func parseFencedJSON(text string) (Decision, bool) {
	m := fencedJSONRe.FindStringSubmatch(text)
	if m == nil {
		return Decision{}, false
	}
	return decodeDecision(m[1])
}

func decodeDecision(blob string) (Decision, bool) {
	var d Decision
	if err := json.Unmarshal([]byte(blob), &d); err != nil {
		return Decision{}, false
	}
	switch d.Status {
	case StatusContinue, StatusCompleted, StatusBlocked:
	case "":
		d.Status = StatusContinue
	default:
		// Unknown status values are not a reason to stall the mission.
		d.Status = StatusContinue
	}
	if d.Status == StatusContinue && strings.TrimSpace(d.Command) == "" {
		return Decision{}, false
	}
	return d, true
}

func parseMarkers(text string) (Decision, bool) {
	lower := strings.ToLower(text)
	for _, marker := range completionMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return Decision{Status: StatusCompleted}, true
		}
	}
	for _, marker := range blockedMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return Decision{Status: StatusBlocked}, true
		}
	}
	return Decision{}, false
}
