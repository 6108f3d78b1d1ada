// Package git implements the vcs boundary on top of go-git. Repositories are
// cloned bare into memory per Open call; version discovery reads the package
// manifest out of each tag and branch.
package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/lodestone-registry/lodestone/internal/vcs"
)

const remoteBranchPrefix = "refs/remotes/origin/"

// CredentialsFunc resolves stored credentials by id into basic-auth material.
type CredentialsFunc func(ctx context.Context, id int64) (username, password string, err error)

// FactoryOptions configures the git driver factory.
type FactoryOptions struct {
	Logger      *slog.Logger
	Credentials CredentialsFunc
}

// Factory opens git repositories as vcs.TreeRepository views.
type Factory struct {
	logger      *slog.Logger
	credentials CredentialsFunc
}

var _ vcs.Factory = (*Factory)(nil)

// NewFactory creates a git driver factory.
func NewFactory(opts FactoryOptions) *Factory {
	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "vcs_git")
	}
	return &Factory{
		logger:      logger,
		credentials: opts.Credentials,
	}
}

// Open clones the repository bare into memory and returns a tree view over it.
func (f *Factory) Open(ctx context.Context, repositoryURL string, credentialsID *int64) (vcs.TreeRepository, error) {
	url := cloneURL(repositoryURL)
	cloneOpts := &gogit.CloneOptions{
		URL:        url,
		NoCheckout: true,
		Tags:       gogit.AllTags,
	}

	if credentialsID != nil && f.credentials != nil {
		username, password, err := f.credentials(ctx, *credentialsID)
		if err != nil {
			return nil, fmt.Errorf("resolve repository credentials: %w", err)
		}
		cloneOpts.Auth = &githttp.BasicAuth{
			Username: username,
			Password: password,
		}
	}

	repo, err := gogit.CloneContext(ctx, memory.NewStorage(), nil, cloneOpts)
	if err != nil {
		return nil, classifyCloneError(url, err)
	}

	if f.logger != nil {
		f.logger.DebugContext(ctx, "repository cloned", "url", url)
	}

	return &Repo{
		repo:   repo,
		url:    url,
		logger: f.logger,
	}, nil
}

// cloneURL strips a routing fragment (the mono-repo marker) from a stored
// repository URL. Git transports and recorded source URLs never carry it.
func cloneURL(repositoryURL string) string {
	if i := strings.IndexByte(repositoryURL, '#'); i >= 0 {
		return repositoryURL[:i]
	}
	return repositoryURL
}

// classifyCloneError maps go-git transport failures onto the vcs sentinels so
// the sync engine can tell a vanished repository from a flaky network.
func classifyCloneError(repositoryURL string, err error) error {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrEmptyRemoteRepository):
		return fmt.Errorf("%w: clone %s: %v", vcs.ErrRemoteGone, repositoryURL, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: clone %s: %v", vcs.ErrTransport, repositoryURL, err)
	}
}

// Repo is a tree view over a cloned git repository, optionally scoped to a
// subdirectory for mono-repository sub-packages.
type Repo struct {
	repo   *gogit.Repository
	url    string
	subDir string
	logger *slog.Logger
}

var _ vcs.TreeRepository = (*Repo)(nil)

// RootIdentifier names the default branch the clone's HEAD points at.
func (r *Repo) RootIdentifier(_ context.Context) (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if name := head.Name().Short(); name != "" && name != "HEAD" {
		return name, nil
	}
	return head.Hash().String(), nil
}

// Metadata is not available from a plain git transport.
func (r *Repo) Metadata(_ context.Context) (*vcs.RepoMetadata, error) {
	return nil, nil
}

// ScopedTo returns a view of the same clone restricted to a subdirectory.
func (r *Repo) ScopedTo(subDirectory string) vcs.TreeRepository {
	scoped := *r
	scoped.subDir = strings.Trim(subDirectory, "/")
	return &scoped
}

// ListTreeFiles lists every file path in the tree at HEAD.
func (r *Repo) ListTreeFiles(_ context.Context) ([]string, error) {
	commit, err := r.headCommit()
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("read HEAD tree: %w", err)
	}

	var paths []string
	err = tree.Files().ForEach(func(f *object.File) error {
		paths = append(paths, f.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk HEAD tree: %w", err)
	}
	return paths, nil
}

// DiffBetween lists the paths changed between two commit references.
func (r *Repo) DiffBetween(ctx context.Context, refA, refB string) ([]string, error) {
	treeA, err := r.treeAt(refA)
	if err != nil {
		return nil, err
	}
	treeB, err := r.treeAt(refB)
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTreeWithOptions(ctx, treeA, treeB, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", refA, refB, err)
	}

	paths := make([]string, 0, len(changes))
	seen := make(map[string]struct{}, len(changes))
	for _, change := range changes {
		for _, name := range []string{change.From.Name, change.To.Name} {
			if name == "" {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			paths = append(paths, name)
		}
	}
	return paths, nil
}

func (r *Repo) headCommit() (*object.Commit, error) {
	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	commit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("read HEAD commit: %w", err)
	}
	return commit, nil
}

func (r *Repo) treeAt(ref string) (*object.Tree, error) {
	hash := plumbing.NewHash(ref)
	if hash.IsZero() {
		resolved, err := r.repo.ResolveRevision(plumbing.Revision(ref))
		if err != nil {
			return nil, fmt.Errorf("resolve revision %s: %w", ref, err)
		}
		hash = *resolved
	}

	commit, err := r.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", ref, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree %s: %w", ref, err)
	}
	return tree, nil
}

// manifestPath is the manifest location for the current scope.
func (r *Repo) manifestPath() string {
	if r.subDir == "" {
		return vcs.ManifestFileName
	}
	return path.Join(r.subDir, vcs.ManifestFileName)
}
