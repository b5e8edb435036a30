// Package gitutil shells out to the git binary for the small set of
// operations worktree provisioning needs. It never mutates repo config.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func runGit(ctx context.Context, dir string, args ...string) (string, string, error) {
	// Background auto-maintenance would spawn helper processes that outlive
	// the command and race concurrent worktree operations.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.CommandContext(ctx, "git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(ctx context.Context, dir string) bool {
	out, _, err := runGit(ctx, dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(ctx context.Context, dir string) (string, error) {
	out, _, err := runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func IsClean(ctx context.Context, dir string) (bool, error) {
	out, _, err := runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// CreateBranchAt creates or resets branch to baseSHA.
func CreateBranchAt(ctx context.Context, dir, branch, baseSHA string) error {
	_, _, err := runGit(ctx, dir, "branch", "--force", branch, baseSHA)
	return err
}

func DeleteBranch(ctx context.Context, dir, branch string) error {
	_, _, err := runGit(ctx, dir, "branch", "-D", branch)
	return err
}

func AddWorktree(ctx context.Context, repoDir, worktreeDir, branch string) error {
	_, _, err := runGit(ctx, repoDir, "worktree", "add", worktreeDir, branch)
	return err
}

func RemoveWorktree(ctx context.Context, repoDir, worktreeDir string) error {
	_, _, err := runGit(ctx, repoDir, "worktree", "remove", "--force", worktreeDir)
	return err
}

// BranchExists reports whether branch resolves to a local ref.
func BranchExists(ctx context.Context, dir, branch string) bool {
	_, _, err := runGit(ctx, dir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}
