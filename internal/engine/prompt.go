package engine

import (
	"fmt"
	"strings"

	"github.com/appff/nightshift/internal/mission"
	"github.com/appff/nightshift/internal/reflexion"
)

// responseContract tells the planner how to answer. Kept terse: long format
// lectures get ignored by the weaker drivers.
const responseContract = `Respond with a single JSON object: {"command": "<next instruction for the worker>", "status": "continue"|"completed"|"blocked"}.
Set status to "completed" only when the task is verifiably done, "blocked" when it cannot proceed.`

// buildPlanPrompt assembles the planner prompt for one turn.
func (e *Engine) buildPlanPrompt(m *mission.Mission, task *mission.Task, personaID string, records []*reflexion.Record, st *taskState, lowConfidence bool) string {
	var b strings.Builder

	if inst := e.deps.Selector.Instructions(personaID); inst != "" {
		b.WriteString(inst)
		b.WriteString("\n\n")
	}

	b.WriteString("You are planning the next step of an autonomous coding session.\n\n")
	b.WriteString(task.Block())
	b.WriteString("\n")

	if len(m.Constraints) > 0 {
		b.WriteString("\nConstraints:\n")
		for _, c := range m.Constraints {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
	}

	if len(records) > 0 {
		b.WriteString("\nKnown failures from earlier runs:\n")
		for _, r := range records {
			fmt.Fprintf(&b, "  - failure: %s\n", r.ErrorSignature)
			if r.RootCause != "" {
				fmt.Fprintf(&b, "    root cause: %s\n", r.RootCause)
			}
			if r.Fix != "" {
				status := "attempted"
				if r.Status == reflexion.StatusAdopted {
					status = "confirmed"
				}
				fmt.Fprintf(&b, "    %s fix: %s\n", status, r.Fix)
			}
		}
	}

	if st.lastOutput != "" {
		b.WriteString("\nLatest worker output:\n")
		b.WriteString(head(st.lastOutput, 2000))
		b.WriteString("\n")
	}

	if st.corrective != "" {
		fmt.Fprintf(&b, "\nThe previous completion attempt was rejected. Missing: %s. Address this specifically before declaring the task complete.\n", st.corrective)
	}

	if st.antiLoopWarning {
		b.WriteString("\nWarning: the last command repeated an earlier one and produced identical output. Choose a different approach instead of re-checking.\n")
	}

	if lowConfidence {
		b.WriteString("\nThe task description is vague or possibly redundant. If anything is ambiguous, state your interpretation in the command you issue.\n")
	}

	b.WriteString("\n")
	b.WriteString(responseContract)
	return b.String()
}
