// Package history mirrors applied entity text into one git repository per
// novel, one file per field, one commit per applied proposal.
package history

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"wikinovel/api/internal/store"
	"wikinovel/api/internal/voting"
)

const mainBranch = "main"

// ErrRevisionNotFound is returned by TextAt when the hash names no commit in
// the novel's repository.
var ErrRevisionNotFound = errors.New("revision not found")

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

// EnsureNovelRepo creates the novel repository with a baseline commit of the
// given field texts. It is a no-op when the repository exists.
func (s *Service) EnsureNovelRepo(novelID string, initial map[voting.Field]string, author string) error {
	lock := s.novelLock(novelID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.openOrInit(novelID, initial, author)
	return err
}

// RecordText commits the new text of one field. Recording text identical to
// the current head returns the head commit.
func (s *Service) RecordText(novelID string, field voting.Field, text, author, message string) (store.CommitInfo, error) {
	lock := s.novelLock(novelID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(novelID, nil, author)
	if err != nil {
		return store.CommitInfo{}, err
	}

	previous := ""
	if head, err := headCommit(repo); err == nil {
		previous, _ = readField(head, field)
		if previous == text {
			info := toCommitInfo(head)
			return info, nil
		}
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return store.CommitInfo{}, err
	}

	hash, err := commitFields(repo, map[voting.Field]string{field: text}, author, message)
	if err != nil {
		return store.CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	info := toCommitInfo(commitObj)
	stats := voting.Diff(previous, text)
	info.Added, info.Removed = stats.Added, stats.Removed
	return info, nil
}

// History lists commits touching one field, newest first. A novel without a
// repository has no history.
func (s *Service) History(novelID string, field voting.Field, limit int) ([]store.CommitInfo, error) {
	lock := s.novelLock(novelID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(novelID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return []store.CommitInfo{}, nil
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := headCommit(repo)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return []store.CommitInfo{}, nil
		}
		return nil, err
	}

	fileName := fieldFile(field)
	iter, err := repo.Log(&git.LogOptions{From: head.Hash, FileName: &fileName})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		info := toCommitInfo(commitObj)
		current, _ := readField(commitObj, field)
		before := ""
		if parent, err := commitObj.Parent(0); err == nil {
			before, _ = readField(parent, field)
		}
		stats := voting.Diff(before, current)
		info.Added, info.Removed = stats.Added, stats.Removed
		items = append(items, info)
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// TextAt returns a field's text as of a commit (full or abbreviated hash).
func (s *Service) TextAt(novelID string, field voting.Field, hash string) (string, error) {
	lock := s.novelLock(novelID)
	lock.Lock()
	defer lock.Unlock()

	if !isHexHash(hash) {
		return "", fmt.Errorf("%w: %q", ErrRevisionNotFound, hash)
	}
	repo, err := git.PlainOpen(s.repoPath(novelID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return "", fmt.Errorf("%w: %s", ErrRevisionNotFound, hash)
		}
		return "", fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRevisionNotFound, err)
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return "", fmt.Errorf("%w: %s", ErrRevisionNotFound, hash)
		}
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readField(commitObj, field)
}

func (s *Service) repoPath(novelID string) string {
	return filepath.Join(s.baseDir, sanitizePath(novelID))
}

func (s *Service) novelLock(novelID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[novelID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[novelID] = lock
	return lock
}

func (s *Service) openOrInit(novelID string, initial map[voting.Field]string, author string) (*git.Repository, error) {
	path := s.repoPath(novelID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

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
	if len(initial) > 0 {
		if _, err := commitFields(repo, initial, author, "Import novel baseline"); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

func commitFields(repo *git.Repository, texts map[voting.Field]string, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()
	for field, text := range texts {
		name := fieldFile(field)
		if err := os.WriteFile(filepath.Join(root, name), []byte(text), 0o644); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("write %s: %w", name, err)
		}
		if _, err := worktree.Add(name); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@users.wikinovel.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit text: %w", err)
	}
	return hash, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func readField(commitObj *object.Commit, field voting.Field) (string, error) {
	file, err := commitObj.File(fieldFile(field))
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", fieldFile(field), err)
	}
	return file.Contents()
}

func fieldFile(field voting.Field) string {
	return string(field) + ".txt"
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

// sanitizePath keeps novel ids from escaping the history directory.
func sanitizePath(input string) string {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, input)
	if cleaned == "" {
		return "_"
	}
	return cleaned
}

func isHexHash(hash string) bool {
	if len(hash) < 4 || len(hash) > 40 {
		return false
	}
	for _, r := range hash {
		if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') && !(r >= 'A' && r <= 'F') {
			return false
		}
	}
	return true
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
