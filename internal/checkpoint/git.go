package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

const snapshotAuthor = "streamagent"

// GitSnapshotter 维护一个影子仓库：git 目录在项目临时目录下，工作树是 workspace 根目录，
// 不会触碰用户自己的 .git。
// GitSnapshotter keeps a shadow repository whose git dir lives under the
// project temp dir and whose worktree is the workspace root. The user's own
// .git is never touched.
type GitSnapshotter struct {
	gitDir   string
	worktree string
	now      func() time.Time

	mu   sync.Mutex
	repo *git.Repository
}

func NewGitSnapshotter(gitDir, worktree string) *GitSnapshotter {
	return &GitSnapshotter{gitDir: gitDir, worktree: worktree, now: time.Now}
}

func (g *GitSnapshotter) open() (*git.Repository, error) {
	if g.repo != nil {
		return g.repo, nil
	}
	storer := filesystem.NewStorage(osfs.New(g.gitDir), cache.NewObjectLRUDefault())
	wt := osfs.New(g.worktree)
	repo, err := git.Open(storer, wt)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		slog.Debug("initializing checkpoint repository", "git_dir", g.gitDir)
		repo, err = git.Init(storer, wt)
	}
	if err != nil {
		return nil, fmt.Errorf("open checkpoint repository: %w", err)
	}
	g.repo = repo
	return repo, nil
}

// CreateSnapshot stages every file and commits when the tree is dirty.
// A clean tree reports the current HEAD.
func (g *GitSnapshotter) CreateSnapshot(ctx context.Context, label string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	repo, err := g.open()
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("checkpoint worktree: %w", err)
	}
	// Add 不读取 .gitignore，需要手动带上。
	if patterns, err := gitignore.ReadPatterns(wt.Filesystem, nil); err == nil {
		wt.Excludes = append(wt.Excludes, patterns...)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage snapshot: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("snapshot status: %w", err)
	}
	if status.IsClean() {
		return headHash(repo)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash, err := wt.Commit(label, &git.CommitOptions{
		Author: &object.Signature{Name: snapshotAuthor, Email: snapshotAuthor + "@localhost", When: g.now()},
	})
	if err != nil {
		return "", fmt.Errorf("commit snapshot: %w", err)
	}
	return hash.String(), nil
}

func (g *GitSnapshotter) CurrentCommitHash(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	repo, err := g.open()
	if err != nil {
		return "", err
	}
	return headHash(repo)
}

func headHash(repo *git.Repository) (string, error) {
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}
