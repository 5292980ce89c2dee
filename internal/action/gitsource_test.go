package action

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMemoryRepo creates a committed in-memory repository.
func newMemoryRepo(t *testing.T, files map[string]string) (billy.Filesystem, plumbing.Hash) {
	t.Helper()

	fs := memfs.New()
	repo, err := git.Init(memory.NewStorage(), fs)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	for name, content := range files {
		f, err := fs.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, f.Close())
		_, err = wt.Add(name)
		require.NoError(t, err)
	}

	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Unix(1700000000, 0)},
	})
	require.NoError(t, err)
	return fs, hash
}

func TestGitSource_EmitsWorktreeArchiveAndRevision(t *testing.T) {
	fs, head := newMemoryRepo(t, map[string]string{
		"cdk.json":     `{"app":"npx ts-node bin/app.ts"}`,
		"bin/app.ts":   "new App()",
		"package.json": "{}",
	})

	var seen *git.CloneOptions
	clone := func(ctx context.Context, opts *git.CloneOptions) (billy.Filesystem, plumbing.Hash, error) {
		seen = opts
		return fs, head, nil
	}

	p, err := NewGitSource(map[string]any{
		"url":      "https://github.com/example/cicd-cdk-pipeline.git",
		"branch":   "main",
		"archive":  "source_output",
		"revision": "source_revision",
	}, clone)
	require.NoError(t, err)

	out, err := p.Execute(context.Background(), nil)
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.Equal(t, "https://github.com/example/cicd-cdk-pipeline.git", seen.URL)
	assert.Equal(t, plumbing.NewBranchReferenceName("main"), seen.ReferenceName)
	assert.True(t, seen.SingleBranch)
	assert.Equal(t, 1, seen.Depth)
	assert.Nil(t, seen.Auth)

	assert.Equal(t, head.String(), string(out["source_revision"]))

	dest := t.TempDir()
	require.NoError(t, Unpack(out["source_output"], dest))
	data, err := os.ReadFile(filepath.Join(dest, "bin", "app.ts"))
	require.NoError(t, err)
	assert.Equal(t, "new App()", string(data))
}

func TestGitSource_ArchiveIsStableAcrossClones(t *testing.T) {
	fs, head := newMemoryRepo(t, map[string]string{"a.txt": "a", "b/c.txt": "c"})
	clone := func(context.Context, *git.CloneOptions) (billy.Filesystem, plumbing.Hash, error) {
		return fs, head, nil
	}
	p, err := NewGitSource(map[string]any{"url": "https://example.com/r.git"}, clone)
	require.NoError(t, err)

	first, err := p.Execute(context.Background(), nil)
	require.NoError(t, err)
	second, err := p.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, first["source"], second["source"])
	assert.NotContains(t, first, "revision")
}

func TestGitSource_TokenAuth(t *testing.T) {
	t.Setenv("STAGEFLOW_TEST_TOKEN", "s3cret")
	fs, head := newMemoryRepo(t, map[string]string{"a": "a"})

	var auth any
	clone := func(_ context.Context, opts *git.CloneOptions) (billy.Filesystem, plumbing.Hash, error) {
		auth = opts.Auth
		return fs, head, nil
	}
	p, err := NewGitSource(map[string]any{"url": "https://example.com/r.git", "token_env": "STAGEFLOW_TEST_TOKEN"}, clone)
	require.NoError(t, err)
	_, err = p.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, &githttp.BasicAuth{Username: "x-access-token", Password: "s3cret"}, auth)
}

func TestGitSource_CloneFailureIsReturned(t *testing.T) {
	clone := func(context.Context, *git.CloneOptions) (billy.Filesystem, plumbing.Hash, error) {
		return nil, plumbing.ZeroHash, errors.New("repository not found")
	}
	p, err := NewGitSource(map[string]any{"url": "https://example.com/missing.git"}, clone)
	require.NoError(t, err)
	_, err = p.Execute(context.Background(), nil)
	assert.ErrorContains(t, err, "repository not found")
}

func TestNewGitSource_Validation(t *testing.T) {
	_, err := NewGitSource(map[string]any{}, nil)
	assert.Error(t, err)
	_, err = NewGitSource(map[string]any{"url": "u", "depth": -1}, nil)
	assert.Error(t, err)
}
