// Package git is the GitPort: branches, commits and merges over the git binary.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sgttomas/chirality-runtime/internal/domain"
)

// ErrNothingToCommit is returned by Commit when none of the paths changed.
var ErrNothingToCommit = errors.New("git: nothing to commit")

// ConflictError reports a merge that stopped on conflicting paths. The merge
// has been aborted when it is returned.
type ConflictError struct {
	Branch string
	Into   string
	Paths  []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("git merge %s into %s: conflicts in %s", e.Branch, e.Into, strings.Join(e.Paths, ", "))
}

// Repo runs git in Dir, which may be the main checkout or a linked worktree.
type Repo struct {
	Dir string
}

// Open returns a Repo for an existing work tree.
func Open(ctx context.Context, dir string) (*Repo, error) {
	r := &Repo{Dir: dir}
	out, err := r.run(ctx, nil, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return nil, err
	}
	if out != "true" {
		return nil, fmt.Errorf("%s is not a git work tree", dir)
	}
	return r, nil
}

// Init creates a repository at dir with one empty commit on baseBranch.
func Init(ctx context.Context, dir, baseBranch string) (*Repo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	r := &Repo{Dir: dir}
	if _, err := r.run(ctx, nil, "init", "--quiet"); err != nil {
		return nil, err
	}
	if _, err := r.run(ctx, nil, "symbolic-ref", "HEAD", "refs/heads/"+baseBranch); err != nil {
		return nil, err
	}
	env := authorEnv(domain.System("runtime"))
	if _, err := r.run(ctx, env, "commit", "--allow-empty", "--quiet", "-m", "Initialize workspace"); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repo) run(ctx context.Context, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	cmd.Env = append(cmd.Env, env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()+" "+stdout.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// authorEnv makes the actor the author and committer so commits do not
// depend on the host git identity.
func authorEnv(actor domain.ActorID) []string {
	name := actor.String()
	email := strings.ToLower(string(actor.Kind)) + "+" + sanitizeEmail(actor.ID) + "@chirality.local"
	return []string{
		"GIT_AUTHOR_NAME=" + name, "GIT_AUTHOR_EMAIL=" + email,
		"GIT_COMMITTER_NAME=" + name, "GIT_COMMITTER_EMAIL=" + email,
	}
}

func sanitizeEmail(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// Head resolves ref (default HEAD) to a full commit hash.
func (r *Repo) Head(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	return r.run(ctx, nil, "rev-parse", "--verify", ref+"^{commit}")
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, nil, "symbolic-ref", "--short", "HEAD")
}

// CreateBranch creates name at fromRef and returns its full ref name.
func (r *Repo) CreateBranch(ctx context.Context, name, fromRef string) (string, error) {
	if name == "" || fromRef == "" {
		return "", errors.New("branch name and base ref required")
	}
	if _, err := r.run(ctx, nil, "check-ref-format", "--branch", name); err != nil {
		return "", err
	}
	if _, err := r.run(ctx, nil, "branch", name, fromRef); err != nil {
		return "", err
	}
	return "refs/heads/" + name, nil
}

// WorktreePath returns where a session's checkout lives under home.
func WorktreePath(home string, id domain.SessionID) string {
	return filepath.Join(home, "worktrees", id.Short())
}

// AddWorktree checks out branch in a linked worktree at path. An existing
// worktree at path is reused when it already has branch checked out.
func (r *Repo) AddWorktree(ctx context.Context, path, branch string) (*Repo, error) {
	if _, err := os.Stat(path); err == nil {
		wt := &Repo{Dir: path}
		cur, err := wt.CurrentBranch(ctx)
		if err != nil {
			return nil, err
		}
		if cur != branch {
			return nil, fmt.Errorf("worktree %s has %s checked out, want %s", path, cur, branch)
		}
		return wt, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if _, err := r.run(ctx, nil, "worktree", "add", "--quiet", path, branch); err != nil {
		return nil, err
	}
	return &Repo{Dir: path}, nil
}

// RemoveWorktree deletes a linked worktree. Missing worktrees are ignored.
func (r *Repo) RemoveWorktree(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_, _ = r.run(ctx, nil, "worktree", "prune")
		return nil
	}
	_, err := r.run(ctx, nil, "worktree", "remove", "--force", path)
	return err
}

// Commit records exactly paths on branch, which must be checked out in r.
// Deleted paths are committed as deletions.
func (r *Repo) Commit(ctx context.Context, branch string, paths []string, message string, actor domain.ActorID) (string, error) {
	if len(paths) == 0 {
		return "", ErrNothingToCommit
	}
	cur, err := r.CurrentBranch(ctx)
	if err != nil {
		return "", err
	}
	if cur != branch {
		return "", domain.BranchMismatch(branch, cur)
	}
	var specs []string
	for _, p := range paths {
		if _, err := os.Stat(filepath.Join(r.Dir, filepath.FromSlash(p))); err == nil {
			specs = append(specs, p)
			continue
		}
		// created and removed inside the turn: git has never seen it
		if _, err := r.run(ctx, nil, "ls-files", "--error-unmatch", "--", p); err == nil {
			specs = append(specs, p)
		}
	}
	if len(specs) == 0 {
		return "", ErrNothingToCommit
	}
	if _, err := r.run(ctx, nil, append([]string{"add", "--all", "--"}, specs...)...); err != nil {
		return "", err
	}
	if _, err := r.run(ctx, nil, append([]string{"diff", "--cached", "--quiet", "--"}, specs...)...); err == nil {
		return "", ErrNothingToCommit
	}
	args := append([]string{"commit", "--quiet", "--no-verify", "-m", message, "--"}, specs...)
	if _, err := r.run(ctx, authorEnv(actor), args...); err != nil {
		return "", err
	}
	return r.Head(ctx, "HEAD")
}

// CommitEmpty records a commit with no file changes on branch. Turns that only
// move entity states are sealed against one.
func (r *Repo) CommitEmpty(ctx context.Context, branch, message string, actor domain.ActorID) (string, error) {
	cur, err := r.CurrentBranch(ctx)
	if err != nil {
		return "", err
	}
	if cur != branch {
		return "", domain.BranchMismatch(branch, cur)
	}
	if _, err := r.run(ctx, authorEnv(actor), "commit", "--quiet", "--no-verify", "--allow-empty", "--only", "-m", message); err != nil {
		return "", err
	}
	return r.Head(ctx, "HEAD")
}

// ResetHard moves the checked-out branch to ref (default HEAD) and drops every
// uncommitted change in the work tree.
func (r *Repo) ResetHard(ctx context.Context, ref string) error {
	if ref == "" {
		ref = "HEAD"
	}
	if _, err := r.run(ctx, nil, "reset", "--hard", "--quiet", ref); err != nil {
		return err
	}
	_, err := r.run(ctx, nil, "clean", "-fdq")
	return err
}

// ChangedPaths lists the paths a commit touched relative to its first parent.
func (r *Repo) ChangedPaths(ctx context.Context, commit string) ([]string, error) {
	out, err := r.run(ctx, nil, "diff-tree", "--no-commit-id", "--name-only", "-r", "-z", "--root", commit)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, p := range strings.Split(out, "\x00") {
		if p != "" {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Merge merges branch into intoRef with a merge commit and returns its hash.
// intoRef is checked out in r afterwards. Conflicts abort the merge and
// return a *ConflictError.
func (r *Repo) Merge(ctx context.Context, branch, intoRef string, actor domain.ActorID) (string, error) {
	if branch == "" || intoRef == "" {
		return "", errors.New("branch and target ref required")
	}
	if _, err := r.run(ctx, nil, "checkout", "--quiet", intoRef); err != nil {
		return "", err
	}
	msg := fmt.Sprintf("Merge %s into %s", branch, intoRef)
	if _, err := r.run(ctx, authorEnv(actor), "merge", "--no-ff", "--no-edit", "-m", msg, branch); err != nil {
		out, _ := r.run(ctx, nil, "diff", "--name-only", "--diff-filter=U")
		if out == "" {
			_, _ = r.run(ctx, nil, "merge", "--abort")
			return "", err
		}
		_, _ = r.run(ctx, nil, "merge", "--abort")
		return "", &ConflictError{Branch: branch, Into: intoRef, Paths: strings.Split(out, "\n")}
	}
	return r.Head(ctx, "HEAD")
}

// Diff returns git diff baseRef..headRef for review.
func (r *Repo) Diff(ctx context.Context, baseRef, headRef string) (string, error) {
	if headRef == "" {
		headRef = "HEAD"
	}
	if baseRef == "" {
		baseRef = headRef + "~1"
	}
	cmd := exec.CommandContext(ctx, "git", "diff", baseRef+".."+headRef)
	cmd.Dir = r.Dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git diff: %w", err)
	}
	return string(out), nil
}
