// Package guard provides checkpoint and rollback for the mission workspace.
// A checkpoint is the HEAD commit hash at the moment a task starts; restore
// hard-resets the worktree back to it. Nothing is ever silently discarded:
// modified and untracked files are copied to a side archive before a reset
// touches them.
package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/appff/nightshift/internal/guard"

// stateDirName holds engine state (run state, evidence store, archives).
// Restore never touches it.
const stateDirName = ".nightshift"

// archiveDirName is where pre-restore snapshots land, relative to the
// workspace root.
const archiveDirName = stateDirName + "/archive"

var (
	// ErrNotRepository means the workspace is not a git repository. Guard
	// protection requires one; the engine treats this as fatal.
	ErrNotRepository = errors.New("workspace is not a git repository")

	// ErrUnbornHead means the repository has no commits yet.
	ErrUnbornHead = errors.New("repository has no commits to checkpoint")
)

// Handle identifies a checkpoint. It is plain data so callers can persist it
// in task state and restore after a crash.
type Handle struct {
	TaskID    string    `json:"task_id"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// Guard wraps one workspace repository.
type Guard struct {
	root   string
	repo   *git.Repository
	logger *zap.Logger
	tracer trace.Tracer
}

// NewGuard opens the repository at root. The workspace must already be a
// git repository with at least one commit.
func NewGuard(root string, logger *zap.Logger) (*Guard, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	repo, err := git.PlainOpen(root)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotRepository, root)
		}
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	return &Guard{
		root:   root,
		repo:   repo,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Checkpoint records the current HEAD hash for a task.
func (g *Guard) Checkpoint(ctx context.Context, taskID string) (Handle, error) {
	_, span := g.tracer.Start(ctx, "guard.checkpoint")
	defer span.End()

	head, err := g.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return Handle{}, ErrUnbornHead
		}
		return Handle{}, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	h := Handle{
		TaskID:    taskID,
		Hash:      head.Hash().String(),
		CreatedAt: time.Now().UTC(),
	}
	span.SetAttributes(attribute.String("hash", h.Hash))
	g.logger.Debug("workspace checkpoint",
		zap.String("task_id", taskID),
		zap.String("hash", h.Hash),
	)
	return h, nil
}

// Restore hard-resets the worktree to the handle's commit. Restoring an
// already-clean workspace at that commit is a no-op. Any modified or
// untracked files are archived first; the archive path is returned when one
// was written.
func (g *Guard) Restore(ctx context.Context, h Handle) (string, error) {
	_, span := g.tracer.Start(ctx, "guard.restore")
	defer span.End()
	span.SetAttributes(attribute.String("hash", h.Hash))

	wt, err := g.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("failed to read worktree status: %w", err)
	}

	head, err := g.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	dirty := effectiveDirty(status)
	if head.Hash().String() == h.Hash && !dirty {
		return "", nil
	}

	archive := ""
	if dirty {
		archive, err = g.archiveDirty(status)
		if err != nil {
			return "", err
		}
	}

	if err := wt.Reset(&git.ResetOptions{
		Mode:   git.HardReset,
		Commit: plumbing.NewHash(h.Hash),
	}); err != nil {
		return archive, fmt.Errorf("failed to reset worktree to %s: %w", h.Hash, err)
	}
	if err := g.removeUntracked(status); err != nil {
		return archive, err
	}

	g.logger.Info("workspace restored",
		zap.String("task_id", h.TaskID),
		zap.String("hash", h.Hash),
		zap.String("archive", archive),
	)
	return archive, nil
}

// archiveDirty copies every modified or untracked file into a timestamped
// archive directory and returns its path.
func (g *Guard) archiveDirty(status git.Status) (string, error) {
	dir := filepath.Join(g.root, archiveDirName, time.Now().UTC().Format("20060102-150405.000"))
	archived := 0
	for path, fs := range status {
		if fs.Worktree == git.Unmodified && fs.Staging == git.Unmodified {
			continue
		}
		// Engine state is not part of the workspace under guard.
		if strings.HasPrefix(path, stateDirName) {
			continue
		}
		src := filepath.Join(g.root, path)
		info, err := os.Stat(src)
		if err != nil || info.IsDir() {
			continue // deleted files have nothing to copy
		}
		dst := filepath.Join(dir, path)
		if err := copyFile(src, dst, info.Mode()); err != nil {
			return "", fmt.Errorf("failed to archive %s: %w", path, err)
		}
		archived++
	}
	if archived == 0 {
		return "", nil
	}
	return dir, nil
}

// removeUntracked deletes the untracked files recorded in status. The hard
// reset only covers tracked paths. The archive tree is left alone.
func (g *Guard) removeUntracked(status git.Status) error {
	for path, fs := range status {
		if fs.Worktree != git.Untracked {
			continue
		}
		if strings.HasPrefix(path, stateDirName) {
			continue
		}
		if err := os.Remove(filepath.Join(g.root, path)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove untracked %s: %w", path, err)
		}
	}
	return nil
}

// BackupBranch creates a branch at the current HEAD so the whole mission can
// be unwound by hand if needed. Returns the branch name.
func (g *Guard) BackupBranch(ctx context.Context) (string, error) {
	_, span := g.tracer.Start(ctx, "guard.backup_branch")
	defer span.End()

	head, err := g.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	name := "nightshift-backup-" + time.Now().UTC().Format("20060102-150405")
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), head.Hash())
	if err := g.repo.Storer.SetReference(ref); err != nil {
		return "", fmt.Errorf("failed to create backup branch: %w", err)
	}
	g.logger.Info("created backup branch", zap.String("branch", name))
	return name, nil
}

// Dirty reports whether the worktree has uncommitted changes.
func (g *Guard) Dirty() (bool, error) {
	wt, err := g.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("failed to read worktree status: %w", err)
	}
	return effectiveDirty(status), nil
}

// effectiveDirty reports whether the worktree has changes outside the engine
// state directory.
func effectiveDirty(status git.Status) bool {
	for path, fs := range status {
		if strings.HasPrefix(path, stateDirName) {
			continue
		}
		if fs.Worktree != git.Unmodified || fs.Staging != git.Unmodified {
			return true
		}
	}
	return false
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
