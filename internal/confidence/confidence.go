// Package confidence scores how well-posed a task is before any executor
// work is spent on it. The score is advisory: a low score downgrades the
// first turn to a clarifying plan step, it never blocks the task.
package confidence

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/appff/nightshift/internal/mission"
)

const baseline = 0.5

// Signal weights. Each signal fires at most once per assessment.
const (
	weightDuplicate    = -0.20
	weightReferenceDoc = 0.10
	weightTooShort     = -0.15
	weightPathMention  = 0.10
	weightVagueVerb    = -0.10
)

var vagueVerbs = []string{
	"improve", "enhance", "optimize", "cleanup", "clean up",
	"refactor stuff", "make better", "fix things", "polish",
}

var referenceDocNames = []string{
	"README.md", "ARCHITECTURE.md", "CONTRIBUTING.md", "docs",
}

// Assessment is the gate's output for one task.
type Assessment struct {
	Score   float64
	Signals []string
}

// Confident reports whether the score meets the threshold.
func (a Assessment) Confident(threshold float64) bool {
	return a.Score >= threshold
}

// Gate scores tasks against the workspace and mission history.
type Gate struct {
	logger *zap.Logger
}

// NewGate returns a confidence gate. A nil logger is replaced with a no-op.
func NewGate(logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{logger: logger}
}

// Assess computes the bounded [0,1] score for a task. done holds the tasks
// already completed this mission, workspace is the project root.
func (g *Gate) Assess(task *mission.Task, done []*mission.Task, workspace string) Assessment {
	a := Assessment{Score: baseline}
	title := strings.TrimSpace(task.Title)
	lower := strings.ToLower(title)

	for _, d := range done {
		if strings.EqualFold(strings.TrimSpace(d.Title), title) {
			a.add("duplicate_of_done_task", weightDuplicate)
			break
		}
	}

	if hasReferenceDocs(workspace) {
		a.add("reference_docs_present", weightReferenceDoc)
	}

	if len(strings.Fields(title)) < 4 {
		a.add("title_too_short", weightTooShort)
	}

	if mentionsPath(title) {
		a.add("concrete_path_mention", weightPathMention)
	}

	for _, verb := range vagueVerbs {
		if strings.Contains(lower, verb) {
			a.add("vague_verb", weightVagueVerb)
			break
		}
	}

	if a.Score < 0 {
		a.Score = 0
	}
	if a.Score > 1 {
		a.Score = 1
	}

	g.logger.Debug("confidence assessment",
		zap.String("task_id", task.ID),
		zap.Float64("score", a.Score),
		zap.Strings("signals", a.Signals),
	)
	return a
}

func (a *Assessment) add(signal string, weight float64) {
	a.Score += weight
	a.Signals = append(a.Signals, signal)
}

func hasReferenceDocs(workspace string) bool {
	if workspace == "" {
		return false
	}
	for _, name := range referenceDocNames {
		if _, err := os.Stat(filepath.Join(workspace, name)); err == nil {
			return true
		}
	}
	return false
}

// mentionsPath detects a concrete file or directory reference in the title:
// a token with a path separator or a file extension.
func mentionsPath(title string) bool {
	for _, tok := range strings.Fields(title) {
		tok = strings.Trim(tok, ".,;:()'\"`")
		if strings.ContainsRune(tok, '/') {
			return true
		}
		if ext := filepath.Ext(tok); len(ext) > 1 && len(ext) <= 6 && !strings.ContainsAny(ext, "0123456789") {
			return true
		}
	}
	return false
}
