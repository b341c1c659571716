package completion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGateVerify(t *testing.T) {
	g := NewGate(true, nil, nil)

	tests := []struct {
		name     string
		persona  string
		evidence string
		accepted bool
		missing  string
	}{
		{
			name:     "clean evidence accepted",
			persona:  "general",
			evidence: "Implemented the handler and ran the suite: 42 passed.",
			accepted: true,
		},
		{
			name:     "literal error rejects",
			persona:  "general",
			evidence: "build finished but got error: undefined symbol",
			accepted: false,
			missing:  "output reports a failure (error); a clean run with the issue resolved",
		},
		{
			name:     "failed keyword rejects",
			persona:  "general",
			evidence: "3 tests FAILED",
			accepted: false,
		},
		{
			name:     "traceback rejects",
			persona:  "general",
			evidence: "Traceback (most recent call last):",
			accepted: false,
		},
		{
			name:     "negated form does not reject",
			persona:  "general",
			evidence: "suite finished with no errors, all green",
			accepted: true,
		},
		{
			name:     "zero-count form does not reject",
			persona:  "general",
			evidence: "lint: 0 errors, 2 warnings",
			accepted: true,
		},
		{
			name:     "without error does not reject",
			persona:  "general",
			evidence: "migration completed without error",
			accepted: true,
		},
		{
			name:     "negation does not shield a second real failure",
			persona:  "general",
			evidence: "unit tests: no errors. integration run failed on teardown",
			accepted: false,
		},
		{
			name:     "docwriter needs document evidence",
			persona:  "docwriter",
			evidence: "I finished the task as requested.",
			accepted: false,
			missing:  "the path or content of the document that was produced",
		},
		{
			name:     "docwriter with produced file accepted",
			persona:  "docwriter",
			evidence: "Wrote the guide to docs/operations.md covering rollback.",
			accepted: true,
		},
		{
			name:     "researcher needs cited sources",
			persona:  "researcher",
			evidence: "Summary: the approach is feasible.",
			accepted: false,
			missing:  "cited sources for the research findings",
		},
		{
			name:     "researcher with sources accepted",
			persona:  "researcher",
			evidence: "Feasible per the upstream design notes, sources: https://example.com/rfc",
			accepted: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := g.Verify("task-001", tt.persona, tt.evidence)
			assert.Equal(t, tt.accepted, v.Accepted)
			if tt.missing != "" {
				assert.Equal(t, tt.missing, v.Missing)
			}
			if !tt.accepted {
				assert.NotEmpty(t, v.Missing, "rejection must carry a missing-evidence description")
			}
		})
	}
}

func TestGateExtraKeywords(t *testing.T) {
	g := NewGate(true, []string{"kaput"}, nil)
	v := g.Verify("task-001", "general", "the deploy went kaput halfway through")
	assert.False(t, v.Accepted)
}

func TestGateDisabledAcceptsEverything(t *testing.T) {
	g := NewGate(false, nil, nil)
	v := g.Verify("task-001", "general", "fatal error everywhere")
	assert.True(t, v.Accepted)
}
