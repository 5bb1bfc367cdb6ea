package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"crewctl/internal/logging"
	"crewctl/internal/model"
	"crewctl/internal/policy"
)

// Worktree is one crew-owned checkout as reported by git.
type Worktree struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	Head   string `json:"head"`
}

// Provisioner creates one git worktree and branch per worker under BaseDir.
type Provisioner struct {
	RepoPath     string
	BaseDir      string
	BranchPrefix string

	mu  sync.Mutex
	now func() time.Time
}

func NewProvisioner(repoPath string, baseDir string, branchPrefix string) *Provisioner {
	if strings.TrimSpace(repoPath) == "" {
		repoPath = "."
	}
	if strings.TrimSpace(branchPrefix) == "" {
		branchPrefix = "crew"
	}
	return &Provisioner{
		RepoPath:     repoPath,
		BaseDir:      baseDir,
		BranchPrefix: branchPrefix,
		now:          time.Now,
	}
}

func FromPolicy(cfg policy.Config) *Provisioner {
	return NewProvisioner(cfg.Workspace.RepoPath, cfg.Workspace.BaseDir, cfg.Workspace.BranchPrefix)
}

// CreateWorkspace returns the absolute workspace path, or "" and false when
// any git step fails.
func (p *Provisioner) CreateWorkspace(ctx context.Context, role model.Role) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.EnsureBaseCommit(ctx); err != nil {
		logging.Error(ctx, err, "workspace base commit failed", "kind", string(model.FailureWorkspaceCreation))
		return "", false
	}
	at := p.uniqueInstant(role)
	branch := policy.RenderBranchName(p.BranchPrefix, role, at)
	path, err := filepath.Abs(filepath.Join(p.baseDir(), policy.RenderWorkspaceName(role, at)))
	if err != nil {
		logging.Error(ctx, err, "workspace path failed", "kind", string(model.FailureWorkspaceCreation))
		return "", false
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logging.Error(ctx, err, "workspace base dir failed", "kind", string(model.FailureWorkspaceCreation))
		return "", false
	}
	if _, err := runGit(ctx, p.RepoPath, "worktree", "add", "-b", branch, path); err != nil {
		logging.Error(ctx, err, "worktree add failed", "kind", string(model.FailureWorkspaceCreation), "branch", branch)
		return "", false
	}
	logging.Info(ctx, "workspace created", "role", string(role), "path", path, "branch", branch)
	return path, true
}

// DestroyWorkspace removes the worktree and deletes its branch. Missing
// pieces are not errors.
func (p *Provisioner) DestroyWorkspace(ctx context.Context, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	branch := ""
	if trees, err := p.listAll(ctx); err == nil {
		for _, tree := range trees {
			if samePath(tree.Path, path) {
				branch = tree.Branch
				break
			}
		}
	}

	var firstErr error
	if _, err := runGit(ctx, p.RepoPath, "worktree", "remove", "--force", path); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			firstErr = errors.Wrapf(rmErr, "remove workspace %s", path)
		}
		_, _ = runGit(ctx, p.RepoPath, "worktree", "prune")
	}
	if branch != "" && p.owns(branch) {
		if _, err := runGit(ctx, p.RepoPath, "branch", "-D", branch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	logging.Info(ctx, "workspace destroyed", "path", path, "branch", branch)
	return firstErr
}

// EnsureBaseCommit creates an empty initial commit in a repository with no
// history.
func (p *Provisioner) EnsureBaseCommit(ctx context.Context) error {
	if _, err := runGit(ctx, p.RepoPath, "rev-parse", "--verify", "HEAD"); err == nil {
		return nil
	}
	if _, err := runGit(ctx, p.RepoPath, "rev-parse", "--git-dir"); err != nil {
		return errors.Wrap(err, "not a git repository")
	}
	_, err := runGit(ctx, p.RepoPath,
		"-c", "user.name=crewctl", "-c", "user.email=crewctl@localhost",
		"commit", "--allow-empty", "-m", "Initial commit")
	if err != nil {
		return errors.Wrap(err, "create initial commit")
	}
	logging.Info(ctx, "created initial commit", "repo", p.RepoPath)
	return nil
}

// List returns worktrees whose branch carries the crew prefix.
func (p *Provisioner) List(ctx context.Context) ([]Worktree, error) {
	trees, err := p.listAll(ctx)
	if err != nil {
		return nil, err
	}
	owned := []Worktree{}
	for _, tree := range trees {
		if p.owns(tree.Branch) {
			owned = append(owned, tree)
		}
	}
	return owned, nil
}

// Prune destroys every crew worktree not in keep, then deletes crew branches
// left without a worktree. It returns the removed paths.
func (p *Provisioner) Prune(ctx context.Context, keep []string) ([]string, error) {
	trees, err := p.List(ctx)
	if err != nil {
		return nil, err
	}
	removed := []string{}
	var errs []string
	for _, tree := range trees {
		if containsPath(keep, tree.Path) {
			continue
		}
		if err := p.DestroyWorkspace(ctx, tree.Path); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		removed = append(removed, tree.Path)
	}

	out, err := runGit(ctx, p.RepoPath, "branch", "--list", p.BranchPrefix+"/*", "--format", "%(refname:short)")
	if err == nil {
		live, _ := p.List(ctx)
		for _, line := range strings.Split(out, "\n") {
			branch := strings.TrimSpace(line)
			if branch == "" || branchInUse(live, branch) {
				continue
			}
			if _, err := runGit(ctx, p.RepoPath, "branch", "-D", branch); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}
	_, _ = runGit(ctx, p.RepoPath, "worktree", "prune")
	if len(errs) > 0 {
		return removed, errors.Errorf("prune errors: %s", strings.Join(errs, "; "))
	}
	return removed, nil
}

func (p *Provisioner) listAll(ctx context.Context) ([]Worktree, error) {
	out, err := runGit(ctx, p.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

func (p *Provisioner) owns(branch string) bool {
	return strings.HasPrefix(branch, p.BranchPrefix+"/")
}

func (p *Provisioner) baseDir() string {
	if filepath.IsAbs(p.BaseDir) {
		return p.BaseDir
	}
	return filepath.Join(p.RepoPath, p.BaseDir)
}

// uniqueInstant returns a millisecond-distinct timestamp so two workers of
// the same role never collide on branch or directory name.
func (p *Provisioner) uniqueInstant(role model.Role) time.Time {
	at := p.now()
	for {
		name := policy.RenderWorkspaceName(role, at)
		if _, err := os.Stat(filepath.Join(p.baseDir(), name)); os.IsNotExist(err) {
			break
		}
		at = at.Add(time.Millisecond)
	}
	return at
}

func parsePorcelain(out string) []Worktree {
	trees := []Worktree{}
	var current *Worktree
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				trees = append(trees, *current)
			}
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case current == nil:
			continue
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if current != nil {
		trees = append(trees, *current)
	}
	return trees
}

func runGit(ctx context.Context, repoPath string, args ...string) (string, error) {
	cmdArgs := append([]string{"-C", repoPath}, args...)
	cmd := exec.CommandContext(ctx, "git", cmdArgs...)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text == "" {
			text = err.Error()
		}
		return "", errors.Errorf("git %s failed in %s: %s", strings.Join(args, " "), repoPath, text)
	}
	return text, nil
}

func samePath(a string, b string) bool {
	return canonical(a) == canonical(b)
}

func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func containsPath(paths []string, path string) bool {
	for _, candidate := range paths {
		if samePath(candidate, path) {
			return true
		}
	}
	return false
}

func branchInUse(trees []Worktree, branch string) bool {
	for _, tree := range trees {
		if tree.Branch == branch {
			return true
		}
	}
	return false
}
