package action

import (
	"context"
	"fmt"
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

// Cloner fetches a repository and returns its checked-out worktree and the
// commit at HEAD.
type Cloner func(ctx context.Context, opts *git.CloneOptions) (billy.Filesystem, plumbing.Hash, error)

// MemoryCloner clones into memory; nothing touches the local disk.
func MemoryCloner(ctx context.Context, opts *git.CloneOptions) (billy.Filesystem, plumbing.Hash, error) {
	worktree := memfs.New()
	repo, err := git.CloneContext(ctx, memory.NewStorage(), worktree, opts)
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("cloning %s: %w", opts.URL, err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("resolving HEAD of %s: %w", opts.URL, err)
	}
	return worktree, head.Hash(), nil
}

// GitSource is the source collaborator: it fetches one branch of a
// repository and emits the worktree as a tar.gz artifact.
//
//	procedure: git-source
//	with:
//	  url: https://github.com/example/app.git
//	  branch: main
//	  archive: source_output
//	  revision: source_revision
//	  token_env: GITHUB_TOKEN
type GitSource struct {
	URL    string
	Branch string
	Depth  int

	// Archive names the artifact holding the worktree.
	Archive string

	// Revision, when set, names an artifact holding the HEAD commit hash.
	Revision string

	// TokenEnv names a host variable holding an HTTPS token.
	TokenEnv string
	Username string

	clone Cloner
}

// NewGitSource builds a GitSource from its parameters.
func NewGitSource(with map[string]any, clone Cloner) (Procedure, error) {
	url, err := stringParam(with, "url", true)
	if err != nil {
		return nil, err
	}
	branch, err := stringParam(with, "branch", false)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = "main"
	}
	depth, err := intParam(with, "depth", 1)
	if err != nil {
		return nil, err
	}
	if depth < 0 {
		return nil, fmt.Errorf("parameter %q must not be negative", "depth")
	}
	archive, err := stringParam(with, "archive", false)
	if err != nil {
		return nil, err
	}
	if archive == "" {
		archive = "source"
	}
	revision, err := stringParam(with, "revision", false)
	if err != nil {
		return nil, err
	}
	tokenEnv, err := stringParam(with, "token_env", false)
	if err != nil {
		return nil, err
	}
	username, err := stringParam(with, "username", false)
	if err != nil {
		return nil, err
	}
	if username == "" {
		username = "x-access-token"
	}
	if clone == nil {
		clone = MemoryCloner
	}
	return &GitSource{
		URL:      url,
		Branch:   branch,
		Depth:    depth,
		Archive:  archive,
		Revision: revision,
		TokenEnv: tokenEnv,
		Username: username,
		clone:    clone,
	}, nil
}

func (g *GitSource) cloneOptions() (*git.CloneOptions, error) {
	opts := &git.CloneOptions{
		URL:           g.URL,
		ReferenceName: plumbing.NewBranchReferenceName(g.Branch),
		SingleBranch:  true,
		Depth:         g.Depth,
	}
	if g.TokenEnv != "" {
		token := os.Getenv(g.TokenEnv)
		if token == "" {
			return nil, fmt.Errorf("token variable %s is not set", g.TokenEnv)
		}
		opts.Auth = &githttp.BasicAuth{Username: g.Username, Password: token}
	}
	return opts, nil
}

func (g *GitSource) Execute(ctx context.Context, _ map[string][]byte) (map[string][]byte, error) {
	opts, err := g.cloneOptions()
	if err != nil {
		return nil, err
	}
	worktree, head, err := g.clone(ctx, opts)
	if err != nil {
		return nil, err
	}
	archive, err := PackFS(worktree)
	if err != nil {
		return nil, err
	}
	out := map[string][]byte{g.Archive: archive}
	if g.Revision != "" {
		out[g.Revision] = []byte(head.String())
	}
	return out, nil
}
