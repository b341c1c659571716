// Package completion implements the post-flight acceptance check for a
// task's evidence. The policy is soft-pass: evidence is accepted unless it
// contains explicit negative signals or a persona-required artifact is
// missing. A rejection carries the exact missing-evidence description so the
// engine can synthesize a corrective instruction.
package completion

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// failureKeywords are matched case-insensitively as whole words.
var failureKeywords = []string{
	"error", "failed", "fatal", "exception", "traceback", "denied",
}

// negatedForms are phrases whose presence of a keyword does not indicate
// failure ("no errors", "0 errors", "without error").
var negatedForms = regexp.MustCompile(`(?i)\b(no|zero|0|without|free of)\s+(known\s+)?(errors?|failures?|exceptions?)\b`)

// Verdict is the gate's decision for one evidence snapshot.
type Verdict struct {
	Accepted bool

	// Missing describes what the evidence lacks. Only set on rejection.
	Missing string
}

// Gate verifies task evidence against the soft-pass policy.
type Gate struct {
	logger    *zap.Logger
	enabled   bool
	keywordRe *regexp.Regexp
}

// NewGate returns a completion gate. extraKeywords extend the built-in
// failure keyword set. When disabled, every verdict accepts.
func NewGate(enabled bool, extraKeywords []string, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	keywords := append([]string{}, failureKeywords...)
	for _, kw := range extraKeywords {
		kw = strings.TrimSpace(kw)
		if kw != "" {
			keywords = append(keywords, regexp.QuoteMeta(strings.ToLower(kw)))
		}
	}
	return &Gate{
		logger:    logger,
		enabled:   enabled,
		keywordRe: regexp.MustCompile(`(?i)\b(` + strings.Join(keywords, "|") + `)\b`),
	}
}

// Verify checks the latest output and evidence text for a task run under the
// given persona.
func (g *Gate) Verify(taskID, personaID, evidence string) Verdict {
	if !g.enabled {
		return Verdict{Accepted: true}
	}

	if kw := g.findFailureKeyword(evidence); kw != "" {
		v := Verdict{Missing: "output reports a failure (" + strings.ToLower(kw) + "); a clean run with the issue resolved"}
		g.logger.Info("completion gate rejected",
			zap.String("task_id", taskID),
			zap.String("keyword", kw),
		)
		return v
	}

	if missing := missingArtifact(personaID, evidence); missing != "" {
		g.logger.Info("completion gate rejected",
			zap.String("task_id", taskID),
			zap.String("missing", missing),
		)
		return Verdict{Missing: missing}
	}

	return Verdict{Accepted: true}
}

// findFailureKeyword returns the first failure keyword present in text that
// is not part of a negated form.
func (g *Gate) findFailureKeyword(text string) string {
	scrubbed := negatedForms.ReplaceAllString(text, "")
	return g.keywordRe.FindString(scrubbed)
}

// missingArtifact applies persona core-artifact checks. Unknown personas get
// the general (empty) check.
func missingArtifact(personaID, evidence string) string {
	lower := strings.ToLower(evidence)
	switch personaID {
	case "docwriter":
		if strings.TrimSpace(evidence) == "" {
			return "the path or content of the document that was produced"
		}
		if !strings.Contains(lower, ".md") && !strings.Contains(lower, "doc") && !strings.Contains(lower, "readme") {
			return "the path or content of the document that was produced"
		}
	case "researcher":
		if !strings.Contains(lower, "source") && !strings.Contains(lower, "http") && !strings.Contains(lower, "reference") {
			return "cited sources for the research findings"
		}
	}
	return ""
}
