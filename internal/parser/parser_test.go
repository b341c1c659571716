package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		want     Decision
		strategy string
	}{
		{
			name:     "strict json",
			raw:      `{"command": "run the linter", "status": "continue"}`,
			want:     Decision{Command: "run the linter", Status: StatusContinue},
			strategy: "strict_json",
		},
		{
			name:     "strict json completed",
			raw:      `{"command": "", "status": "completed"}`,
			want:     Decision{Status: StatusCompleted},
			strategy: "strict_json",
		},
		{
			name: "fenced json with prose around it",
			raw: "Here is my decision:\n```json\n" +
				`{"command": "add the missing test", "status": "continue"}` +
				"\n```\nLet me know.",
			want:     Decision{Command: "add the missing test", Status: StatusContinue},
			strategy: "fenced_json",
		},
		{
			name:     "fence without language tag",
			raw:      "```\n{\"command\": \"fix imports\", \"status\": \"continue\"}\n```",
			want:     Decision{Command: "fix imports", Status: StatusContinue},
			strategy: "fenced_json",
		},
		{
			name:     "mission completed marker",
			raw:      "Everything checks out. MISSION_COMPLETED",
			want:     Decision{Status: StatusCompleted},
			strategy: "marker",
		},
		{
			name:     "prose status marker",
			raw:      "After reviewing the diff, task status: completed.",
			want:     Decision{Status: StatusCompleted},
			strategy: "marker",
		},
		{
			name:     "blocked marker",
			raw:      "Cannot proceed without credentials. TASK_BLOCKED",
			want:     Decision{Status: StatusBlocked},
			strategy: "marker",
		},
		{
			name:     "plain text becomes a continue command",
			raw:      "Refactor the config loader to collect all errors.",
			want:     Decision{Command: "Refactor the config loader to collect all errors.", Status: StatusContinue},
			strategy: "plain_text",
		},
		{
			name:     "malformed json falls through to plain text",
			raw:      `{"command": "oops`,
			want:     Decision{Command: `{"command": "oops`, Status: StatusContinue},
			strategy: "plain_text",
		},
		{
			name:     "unknown status value degrades to continue",
			raw:      `{"command": "keep going", "status": "maybe"}`,
			want:     Decision{Command: "keep going", Status: StatusContinue},
			strategy: "strict_json",
		},
		{
			name:     "empty input continues",
			raw:      "   \n  ",
			want:     Decision{Status: StatusContinue},
			strategy: "empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.raw)
			assert.Equal(t, tt.want.Command, got.Command)
			assert.Equal(t, tt.want.Status, got.Status)
			assert.Equal(t, tt.strategy, got.Strategy)
		})
	}
}
