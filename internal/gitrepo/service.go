// Package gitrepo mirrors each session's versions into a git repository:
// one commit of draft.md per version on main, tagged v<N>.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	draftFile   = "draft.md"
	mainBranch  = "main"
	authorName  = "draftdesk"
	authorEmail = "draftdesk@localhost"
)

var (
	ErrNoRepository = errors.New("session has no mirror repository")
	ErrNoTag        = errors.New("version is not tagged in the mirror")
)

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Version   int       `json:"version,omitempty"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitVersion records content as version number on main. The repository
// is created on first use. An existing tag for the same number is moved.
func (s *Service) CommitVersion(sessionID string, number int, content, message string) (CommitInfo, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(sessionID)
	if err != nil {
		return CommitInfo{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, draftFile), []byte(content), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write %s: %w", draftFile, err)
	}
	if _, err := worktree.Add(draftFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add draft: %w", err)
	}

	hash, err := worktree.Commit(fmt.Sprintf("v%d: %s", number, message), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  authorName,
			Email: authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit draft: %w", err)
	}

	tag := tagName(number)
	if _, err := repo.Tag(tag); err == nil {
		if err := repo.DeleteTag(tag); err != nil {
			return CommitInfo{}, fmt.Errorf("replace tag %s: %w", tag, err)
		}
	}
	if _, err := repo.CreateTag(tag, hash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  authorName,
			Email: authorEmail,
			When:  time.Now(),
		},
		Message: tag,
	}); err != nil {
		return CommitInfo{}, fmt.Errorf("create tag: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	info := toCommitInfo(commitObj)
	info.Version = number
	return info, nil
}

// History walks main from its head, newest first.
func (s *Service) History(sessionID string, limit int) ([]CommitInfo, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(sessionID)
	if err != nil {
		return nil, err
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt returns draft.md as committed for the version.
func (s *Service) ContentAt(sessionID string, number int) (string, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(sessionID)
	if err != nil {
		return "", err
	}
	commitObj, err := taggedCommit(repo, number)
	if err != nil {
		return "", err
	}
	file, err := commitObj.File(draftFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", draftFile, err)
	}
	return file.Contents()
}

// ResetTo moves main back to version number and drops tags above it.
func (s *Service) ResetTo(sessionID string, number int) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(sessionID)
	if err != nil {
		return err
	}
	commitObj, err := taggedCommit(repo, number)
	if err != nil {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Reset(&git.ResetOptions{Commit: commitObj.Hash, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("reset main to %s: %w", tagName(number), err)
	}

	tags, err := repo.Tags()
	if err != nil {
		return fmt.Errorf("list tags: %w", err)
	}
	var stale []string
	err = tags.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if n, ok := parseTag(name); ok && n > number {
			stale = append(stale, name)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterate tags: %w", err)
	}
	for _, name := range stale {
		if err := repo.DeleteTag(name); err != nil {
			return fmt.Errorf("delete tag %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) repoPath(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[sessionID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[sessionID] = lock
	return lock
}

func (s *Service) open(sessionID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(sessionID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoRepository
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(sessionID string) (*git.Repository, error) {
	repo, err := s.open(sessionID)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNoRepository) {
		return nil, err
	}

	path := s.repoPath(sessionID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func taggedCommit(repo *git.Repository, number int) (*object.Commit, error) {
	ref, err := repo.Tag(tagName(number))
	if errors.Is(err, git.ErrTagNotFound) {
		return nil, fmt.Errorf("%s: %w", tagName(number), ErrNoTag)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve tag %s: %w", tagName(number), err)
	}
	if tagObj, err := repo.TagObject(ref.Hash()); err == nil {
		commitObj, err := tagObj.Commit()
		if err != nil {
			return nil, fmt.Errorf("peel tag %s: %w", tagName(number), err)
		}
		return commitObj, nil
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read commit for %s: %w", tagName(number), err)
	}
	return commitObj, nil
}

func tagName(number int) string {
	return "v" + strconv.Itoa(number)
}

func parseTag(name string) (int, bool) {
	if !strings.HasPrefix(name, "v") {
		return 0, false
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	info := CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	if head, _, ok := strings.Cut(info.Message, ":"); ok {
		if n, ok := parseTag(head); ok {
			info.Version = n
		}
	}
	return info
}
