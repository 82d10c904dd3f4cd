package watcher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/cuemby/docsrs-core/pkg/ctlerr"
)

// gitRepo shells out to the git binary rather than a Go git library: of the
// whole example pack, only one repo imports go-git
// (sourcegraph/internal/gitserver), and even it uses go-git's high-level API
// for almost nothing, shelling out to git for the actual work — the same
// idiom used here.
type gitRepo struct {
	path string
	url  string
}

func newGitRepo(path, url string) *gitRepo {
	return &gitRepo{path: path, url: url}
}

func (g *gitRepo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.path
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// ensureCloned clones the registry index if path doesn't exist yet.
func (g *gitRepo) ensureCloned(ctx context.Context) error {
	if _, err := os.Stat(g.path); err == nil {
		return nil
	}
	cmd := exec.CommandContext(ctx, "git", "clone", g.url, g.path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("cloning registry index from %s: %w: %s", g.url, err, stderr.String())
	}
	return nil
}

// fetch updates the remote-tracking refs without touching any working tree
// checkout — every read below resolves content via `git show`, so the
// checkout never needs to move.
func (g *gitRepo) fetch(ctx context.Context) error {
	return ctlerr.Retry(ctx, func() error {
		if _, err := g.run(ctx, "fetch", "--quiet", "origin"); err != nil {
			return ctlerr.New(ctlerr.RegistryAPI, "fetching registry index", err)
		}
		return nil
	})
}

// remoteHead resolves the tip of the fetched default branch.
func (g *gitRepo) remoteHead(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "origin/HEAD")
	if err != nil {
		// Some bare index mirrors don't set up a symbolic origin/HEAD;
		// fall back to whatever fetch just pulled in.
		out, err = g.run(ctx, "rev-parse", "FETCH_HEAD")
		if err != nil {
			return "", fmt.Errorf("resolving registry index HEAD: %w", err)
		}
	}
	return strings.TrimSpace(out), nil
}

// commitsChronological lists commits in (from, to] in chronological order.
// If from is empty, the full history reachable from to is returned.
func (g *gitRepo) commitsChronological(ctx context.Context, from, to string) ([]string, error) {
	rangeArg := to
	if from != "" {
		rangeArg = from + ".." + to
	}
	out, err := g.run(ctx, "log", "--reverse", "--pretty=%H", rangeArg)
	if err != nil {
		return nil, fmt.Errorf("listing registry index commits: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// fileChange is one entry of a commit's name-status diff against its parent.
type fileChange struct {
	Status byte // 'A', 'M', or 'D'
	Path   string
}

// fileChanges returns the files a commit touched relative to its parent
// (or the empty tree, for a root commit).
func (g *gitRepo) fileChanges(ctx context.Context, commit string) ([]fileChange, error) {
	out, err := g.run(ctx, "diff-tree", "-r", "--no-commit-id", "--name-status", "--root", commit)
	if err != nil {
		return nil, fmt.Errorf("diffing registry index commit %s: %w", commit, err)
	}
	var changes []fileChange
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 || len(fields[0]) == 0 {
			continue
		}
		changes = append(changes, fileChange{Status: fields[0][0], Path: fields[1]})
	}
	return changes, nil
}

// showFile returns a path's content at rev, and whether it existed there at
// all (false distinguishes "empty file" from "file did not exist").
func (g *gitRepo) showFile(ctx context.Context, rev, path string) (string, bool, error) {
	var out string
	var missing bool
	err := ctlerr.Retry(ctx, func() error {
		var runErr error
		out, runErr = g.run(ctx, "show", rev+":"+path)
		if runErr == nil {
			return nil
		}
		if strings.Contains(runErr.Error(), "does not exist") || strings.Contains(runErr.Error(), "exists on disk, but not in") {
			missing = true
			return nil
		}
		return ctlerr.New(ctlerr.RegistryAPI, fmt.Sprintf("reading %s at %s", path, rev), runErr)
	})
	if err != nil {
		return "", false, err
	}
	if missing {
		return "", false, nil
	}
	return out, true, nil
}

// listFiles lists every regular file tracked at rev, used by Synchronize
// to enumerate the full index rather than just a commit range's diff.
func (g *gitRepo) listFiles(ctx context.Context, rev string) ([]string, error) {
	out, err := g.run(ctx, "ls-tree", "-r", "--name-only", rev)
	if err != nil {
		return nil, fmt.Errorf("listing registry index files at %s: %w", rev, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// gc runs incremental garbage collection on the checkout.
func (g *gitRepo) gc(ctx context.Context) error {
	_, err := g.run(ctx, "gc", "--auto")
	if err != nil {
		return fmt.Errorf("running git gc on registry index: %w", err)
	}
	return nil
}
