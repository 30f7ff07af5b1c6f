// Package mutation provides the production adapter for the engine's
// Mutation Transaction Client: a git-backed committer that classifies
// out-of-scope side effects into tracked (push-blocking) and untracked
// (warning-only) anomalies.
package mutation

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mwynne/switchyard/internal/kernel/engine"
	"github.com/mwynne/switchyard/internal/kernel/runtime"
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

// GitClient commits the work tree under RepoDir. Scope lists the path
// prefixes a flow is allowed to touch; changes outside it are anomalies.
type GitClient struct {
	RepoDir string
	Scope   []string
}

func (c *GitClient) Commit(ctx context.Context, req engine.TxnRequest) (*runtime.TxnResult, error) {
	if !c.isRepo(ctx) {
		return nil, fmt.Errorf("not a git repo: %s", c.RepoDir)
	}

	tracked, untracked, err := c.classifyAnomalies(ctx)
	if err != nil {
		return nil, err
	}

	if _, _, err := c.run(ctx, "add", "-A"); err != nil {
		return nil, err
	}
	_, _, err = c.run(ctx, "commit", "--allow-empty", "-m", req.Message)
	if err != nil && missingIdentity(err) {
		// Retry once with a fallback committer identity, without mutating
		// repo config.
		_, _, err = c.run(ctx,
			"-c", "user.name=switchyard",
			"-c", "user.email=switchyard@local",
			"commit", "--allow-empty", "-m", req.Message,
		)
	}
	if err != nil {
		return nil, err
	}

	sha, err := c.headSHA(ctx)
	if err != nil {
		return nil, err
	}

	return &runtime.TxnResult{
		Status:           "committed",
		ProceedToPublish: len(tracked) == 0,
		CommitID:         sha,
		Anomalies: runtime.AnomalyClassification{
			Tracked:   tracked,
			Untracked: untracked,
		},
	}, nil
}

// classifyAnomalies parses `git status --porcelain` and splits out-of-scope
// paths: already-tracked modifications are push-blocking, untracked files are
// recorded but non-blocking.
func (c *GitClient) classifyAnomalies(ctx context.Context) (tracked, untracked []string, err error) {
	out, _, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, nil, err
	}
	tracked = []string{}
	untracked = []string{}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		code := line[:2]
		path := strings.TrimSpace(line[3:])
		if path == "" || c.inScope(path) {
			continue
		}
		if code == "??" {
			untracked = append(untracked, path)
		} else {
			tracked = append(tracked, path)
		}
	}
	return tracked, untracked, nil
}

func (c *GitClient) inScope(path string) bool {
	if len(c.Scope) == 0 {
		return true
	}
	for _, prefix := range c.Scope {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (c *GitClient) isRepo(ctx context.Context) bool {
	out, _, err := c.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

func (c *GitClient) headSHA(ctx context.Context) (string, error) {
	out, _, err := c.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *GitClient) run(ctx context.Context, args ...string) (string, string, error) {
	// Disable git's background auto-maintenance so frequent commits never
	// spawn long-running helper processes mid-run.
	base := []string{
		"-C", c.RepoDir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.CommandContext(ctx, "git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.String(), stderr.String(), &CommandError{
			Args: args, Stdout: stdout.String(), Stderr: stderr.String(), Err: err,
		}
	}
	return stdout.String(), stderr.String(), nil
}

func missingIdentity(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Author identity unknown") ||
		strings.Contains(msg, "Please tell me who you are") ||
		strings.Contains(msg, "unable to auto-detect email address")
}
