package mission

import (
	"errors"
	"fmt"
	"time"
)

// Common errors for mission operations.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrDependencyNotDone = errors.New("task has unfinished dependencies")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrManifestLocked    = errors.New("manifest is locked by another process")
	ErrEmptyMission      = errors.New("mission has no tasks")
	ErrUnknownDependency = errors.New("dependency references unknown task id")
	ErrDuplicateTaskID   = errors.New("duplicate task id")
	ErrTerminalStatus    = errors.New("task is already terminal")
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusBlocked
}

// Task is one unit of work tracked through the mission lifecycle.
// Tasks are created when the manifest loads (or when a planning step expands
// the mission), mutated only through the ledger, and never deleted.
type Task struct {
	ID        string   `yaml:"id" json:"id"`
	Title     string   `yaml:"title" json:"title"`
	Persona   string   `yaml:"persona,omitempty" json:"persona,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	SubTasks  []string `yaml:"sub_tasks,omitempty" json:"sub_tasks,omitempty"`
	Status    Status   `yaml:"status" json:"status"`

	// Retries counts Retrying transitions for this task.
	Retries int `yaml:"retries,omitempty" json:"retries,omitempty"`

	// Evidence is the last evidence snapshot accepted or rejected by the
	// completion gate.
	Evidence string `yaml:"evidence,omitempty" json:"evidence,omitempty"`

	// Reason records the human-readable explanation for a terminal status
	// or a forced accept.
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Block renders the task and its sub-tasks as the text block handed to the
// planning agent.
func (t *Task) Block() string {
	if len(t.SubTasks) == 0 {
		return fmt.Sprintf("Task: %s", t.Title)
	}
	block := fmt.Sprintf("MAIN TASK: %s\nSUB-TASKS:\n", t.Title)
	for _, sub := range t.SubTasks {
		block += fmt.Sprintf("  - %s\n", sub)
	}
	return block
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.SubTasks = append([]string(nil), t.SubTasks...)
	return &cp
}

// Mission is the full set of tasks plus global constraints for one run.
// One mission is active at a time per workspace.
type Mission struct {
	Name        string   `yaml:"mission,omitempty" json:"mission,omitempty"`
	ProjectPath string   `yaml:"project_path,omitempty" json:"project_path,omitempty"`
	Persona     string   `yaml:"persona,omitempty" json:"persona,omitempty"`
	Parallel    bool     `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Constraints []string `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	Tasks       []*Task  `yaml:"tasks" json:"tasks"`
}

// Validate checks structural invariants: non-empty task list, unique ids,
// dependencies resolving to known ids, known statuses.
func (m *Mission) Validate() error {
	if len(m.Tasks) == 0 {
		return ErrEmptyMission
	}
	ids := make(map[string]struct{}, len(m.Tasks))
	for _, t := range m.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task %q: id must not be empty", t.Title)
		}
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTaskID, t.ID)
		}
		ids[t.ID] = struct{}{}
		if !t.Status.Valid() {
			return fmt.Errorf("task %s: unknown status %q", t.ID, t.Status)
		}
	}
	for _, t := range m.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, t.ID, dep)
			}
			if dep == t.ID {
				return fmt.Errorf("task %s depends on itself", t.ID)
			}
		}
	}
	return nil
}

// RunState is the small durable record enabling crash-safe resume. It is
// rewritten synchronously after every accepted, forced-accept, or failed
// transition; its absence means "no mission in progress".
type RunState struct {
	MissionName string    `json:"mission"`
	TaskID      string    `json:"task_id"`
	Turn        int       `json:"turn"`
	UpdatedAt   time.Time `json:"updated_at"`
}
