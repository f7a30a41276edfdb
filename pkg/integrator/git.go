package integrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mfrederico/voidlux/pkg/log"
)

// conflictExcerptLimit bounds how much conflict output is fed back to
// requeued subtasks.
const conflictExcerptLimit = 2048

// GitWorkspace abstracts the git operations the integrator needs.
// Tests substitute a fake; production uses the git binary.
type GitWorkspace interface {
	// Prepare creates or resets the integration worktree for a parent
	// and checks out a fresh integration branch off the default branch.
	Prepare(ctx context.Context, parentID string) (dir, branch string, err error)
	// Merge merges one branch into the current branch. A conflict
	// returns ErrMergeConflict with the conflict output attached.
	Merge(ctx context.Context, dir, branch string) (output string, err error)
	// RunTests runs the test command in dir; non-nil error means failure
	RunTests(ctx context.Context, dir, command string) (output string, err error)
	// Push publishes the integration branch
	Push(ctx context.Context, dir, branch string) error
	// OpenPR opens a pull request for the branch, returning its URL.
	// Best effort; "" with nil error means the remote has no PR surface.
	OpenPR(ctx context.Context, dir, branch, title string) (string, error)
	// Cleanup removes the integration worktree
	Cleanup(parentID string)
}

// ErrMergeConflict marks a merge that stopped on conflicting hunks
var ErrMergeConflict = fmt.Errorf("merge conflict")

// GitCLI drives the git binary under a workbench root. Subprocesses
// get SIGTERM first, then SIGKILL after 500 ms.
type GitCLI struct {
	RepoPath  string // clone the integration worktrees are created from
	Workbench string // root for worktrees, default "workbench"
	PRCommand string // optional external PR opener, e.g. "gh pr create"
}

func (g *GitCLI) workdir(parentID string) string {
	root := g.Workbench
	if root == "" {
		root = "workbench"
	}
	return filepath.Join(root, ".merge", "integrate", shortID(parentID))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Prepare resets the worktree and integration branch for a parent
func (g *GitCLI) Prepare(ctx context.Context, parentID string) (string, string, error) {
	dir := g.workdir(parentID)
	branch := "integrate/" + shortID(parentID)

	// a leftover worktree from a crashed attempt is removed first
	_, _ = g.git(ctx, g.RepoPath, "worktree", "remove", "--force", dir)
	_ = os.RemoveAll(dir)
	_, _ = g.git(ctx, g.RepoPath, "branch", "-D", branch)

	def, err := g.defaultBranch(ctx)
	if err != nil {
		return "", "", err
	}
	if _, err := g.git(ctx, g.RepoPath, "worktree", "add", "-b", branch, dir, def); err != nil {
		return "", "", fmt.Errorf("failed to create integration worktree: %w", err)
	}
	return dir, branch, nil
}

func (g *GitCLI) defaultBranch(ctx context.Context) (string, error) {
	out, err := g.git(ctx, g.RepoPath, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err == nil && out != "" {
		return strings.TrimPrefix(strings.TrimSpace(out), "origin/"), nil
	}
	for _, candidate := range []string{"main", "master"} {
		if _, err := g.git(ctx, g.RepoPath, "rev-parse", "--verify", candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("cannot determine default branch")
}

// Merge merges branch into the worktree's current branch
func (g *GitCLI) Merge(ctx context.Context, dir, branch string) (string, error) {
	out, err := g.git(ctx, dir, "merge", "--no-ff", "--no-edit", branch)
	if err == nil {
		return out, nil
	}
	if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
		_, _ = g.git(ctx, dir, "merge", "--abort")
		return truncate(out, conflictExcerptLimit), ErrMergeConflict
	}
	return out, err
}

// RunTests runs the configured test command via the shell
func (g *GitCLI) RunTests(ctx context.Context, dir, command string) (string, error) {
	if command == "" {
		return "", nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	softKill(cmd)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// Push publishes the integration branch to origin
func (g *GitCLI) Push(ctx context.Context, dir, branch string) error {
	_, err := g.git(ctx, dir, "push", "-u", "origin", branch)
	return err
}

// OpenPR shells out to the configured PR command, if any
func (g *GitCLI) OpenPR(ctx context.Context, dir, branch, title string) (string, error) {
	if g.PRCommand == "" {
		return "", nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", g.PRCommand)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "VOIDLUX_BRANCH="+branch, "VOIDLUX_TITLE="+title)
	softKill(cmd)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Cleanup removes the worktree after a successful integration
func (g *GitCLI) Cleanup(parentID string) {
	dir := g.workdir(parentID)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := g.git(ctx, g.RepoPath, "worktree", "remove", "--force", dir); err != nil {
		log.WithComponent("integrator").Debug().Err(err).Str("dir", dir).Msg("worktree cleanup failed")
	}
}

func (g *GitCLI) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	softKill(cmd)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// softKill configures SIGTERM-then-SIGKILL with a 500 ms gap
func softKill(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 500 * time.Millisecond
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
