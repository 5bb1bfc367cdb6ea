package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewctl/internal/model"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	gitIn(t, repo, "init", "-q")
	return repo
}

func gitIn(t *testing.T, path string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = path
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out))
}

func TestEnsureBaseCommitOnEmptyRepo(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	p := NewProvisioner(repo, ".worktrees", "crew")

	require.NoError(t, p.EnsureBaseCommit(context.Background()))
	head := gitIn(t, repo, "rev-parse", "HEAD")
	assert.NotEmpty(t, head)

	// second call keeps the existing history
	require.NoError(t, p.EnsureBaseCommit(context.Background()))
	assert.Equal(t, head, gitIn(t, repo, "rev-parse", "HEAD"))
}

func TestCreateAndDestroyWorkspace(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	p := NewProvisioner(repo, ".worktrees", "crew")
	p.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 8_000_000, time.UTC) }
	ctx := context.Background()

	path, ok := p.CreateWorkspace(ctx, model.RoleBackend)
	require.True(t, ok)
	assert.DirExists(t, path)
	assert.True(t, strings.HasSuffix(path, "backend-20260304-050607-008"), path)

	trees, err := p.List(ctx)
	require.NoError(t, err)
	require.Len(t, trees, 1)
	assert.Equal(t, "crew/backend-20260304-050607.008", trees[0].Branch)

	require.NoError(t, p.DestroyWorkspace(ctx, path))
	assert.NoDirExists(t, path)
	branches := gitIn(t, repo, "branch", "--list", "crew/*")
	assert.Empty(t, branches)
}

func TestCreateWorkspaceSameInstantGetsDistinctNames(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	p := NewProvisioner(repo, ".worktrees", "crew")
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	p.now = func() time.Time { return fixed }
	ctx := context.Background()

	first, ok := p.CreateWorkspace(ctx, model.RoleQA)
	require.True(t, ok)
	second, ok := p.CreateWorkspace(ctx, model.RoleQA)
	require.True(t, ok)
	assert.NotEqual(t, first, second)
}

func TestCreateWorkspaceOutsideRepoFails(t *testing.T) {
	requireGit(t)
	p := NewProvisioner(t.TempDir(), ".worktrees", "crew")
	path, ok := p.CreateWorkspace(context.Background(), model.RoleFrontend)
	assert.False(t, ok)
	assert.Empty(t, path)
}

func TestPruneKeepsListedWorkspaces(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	p := NewProvisioner(repo, ".worktrees", "crew")
	ctx := context.Background()

	keep, ok := p.CreateWorkspace(ctx, model.RoleBackend)
	require.True(t, ok)
	drop, ok := p.CreateWorkspace(ctx, model.RoleQA)
	require.True(t, ok)

	removed, err := p.Prune(ctx, []string{keep})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.True(t, samePath(removed[0], drop))
	assert.DirExists(t, keep)
	assert.NoDirExists(t, drop)
}

func TestParsePorcelain(t *testing.T) {
	out := strings.Join([]string{
		"worktree /repo",
		"HEAD abc",
		"branch refs/heads/main",
		"",
		"worktree " + filepath.Join("/repo", ".worktrees", "qa-1"),
		"HEAD def",
		"branch refs/heads/crew/qa-1",
		"",
		"worktree /detached",
		"HEAD 123",
		"detached",
	}, "\n")
	trees := parsePorcelain(out)
	require.Len(t, trees, 3)
	assert.Equal(t, "main", trees[0].Branch)
	assert.Equal(t, "crew/qa-1", trees[1].Branch)
	assert.Equal(t, "def", trees[1].Head)
	assert.Empty(t, trees[2].Branch)
}
