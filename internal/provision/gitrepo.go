package provision

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-wos/internal/core"
)

// git runs a git subcommand and returns combined output.
func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func cloneRepo(ctx context.Context, url, branch, dst string, timeout time.Duration, log *zap.Logger) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--single-branch", "-b", branch)
	}
	args = append(args, url, dst)

	start := time.Now()
	log.Info("git clone starting", zap.String("url", url), zap.String("branch", branch))
	out, err := git(ctx, "", args...)
	if err != nil {
		return core.NewAppError(core.ErrGitError, fmt.Sprintf("git clone failed: %v: %s", err, tail(out, 500)))
	}
	log.Info("git clone completed", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// verifyHead confirms the clone produced a checkout with a resolvable HEAD
// commit. An empty clone passes `git clone` but is unusable.
func verifyHead(ctx context.Context, dir string) error {
	out, err := git(ctx, dir, "rev-parse", "--verify", "HEAD")
	if err != nil {
		return core.NewAppError(core.ErrGitError, fmt.Sprintf("HEAD does not resolve: %s", tail(out, 200)))
	}
	return nil
}

func initRepo(ctx context.Context, dir string) error {
	if out, err := git(ctx, dir, "init"); err != nil {
		return core.NewAppError(core.ErrGitError, fmt.Sprintf("git init failed: %v: %s", err, tail(out, 200)))
	}
	return nil
}

// ensureBaseBranch makes a local tracking ref for the base branch when it
// differs from the checked-out branch. Downstream diff tooling wants the
// ref but can live without it, so failures are logged and swallowed.
func ensureBaseBranch(ctx context.Context, dir, base string, log *zap.Logger) {
	if base == "" {
		return
	}
	current, err := git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil || current == base {
		return
	}
	if _, err := git(ctx, dir, "show-ref", "--verify", "--quiet", "refs/heads/"+base); err == nil {
		return
	}
	if out, err := git(ctx, dir, "fetch", "origin", base); err != nil {
		log.Warn("base branch fetch failed", zap.String("base", base), zap.String("output", tail(out, 200)))
		return
	}
	if out, err := git(ctx, dir, "branch", "--track", base, "origin/"+base); err != nil {
		log.Warn("base branch track failed", zap.String("base", base), zap.String("output", tail(out, 200)))
	}
}

// tail returns at most the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
