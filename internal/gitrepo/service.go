// Package gitrepo keeps the save history of each document's comments as commits
// of a comments.json snapshot in a per-document git repository.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chronicle/comments/internal/persist"
	"chronicle/comments/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const snapshotFile = "comments.json"

// ErrNoHistory is returned when a document has never been saved.
var ErrNoHistory = errors.New("document has no comment history")

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

// CommitSnapshot records a save. A snapshot whose records match the current
// head returns that head without creating a commit.
func (s *Service) CommitSnapshot(snapshot persist.Snapshot, author, message string) (store.CommitInfo, error) {
	lock := s.documentLock(snapshot.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(snapshot.DocumentID)
	if err != nil {
		return store.CommitInfo{}, err
	}
	if head, err := repo.Head(); err == nil {
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return store.CommitInfo{}, fmt.Errorf("load head commit: %w", err)
		}
		if current, err := readSnapshotFromCommit(commitObj); err == nil && current.Checksum == snapshot.Checksum {
			return toCommitInfo(commitObj, len(current.Records)), nil
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := persist.Encode(snapshot)
	if err != nil {
		return store.CommitInfo{}, err
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, snapshotFile), payload, 0o644); err != nil {
		return store.CommitInfo{}, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return store.CommitInfo{}, fmt.Errorf("git add snapshot: %w", err)
	}

	when := snapshot.SavedAt
	if when.IsZero() {
		when = time.Now()
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.chronicle.dev", sanitizeEmail(author)),
			When:  when,
		},
	})
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj, len(snapshot.Records)), nil
}

// Head returns the most recently committed snapshot.
func (s *Service) Head(documentID string) (persist.Snapshot, store.CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return persist.Snapshot{}, store.CommitInfo{}, err
	}
	head, err := repo.Head()
	if err != nil {
		return persist.Snapshot{}, store.CommitInfo{}, fmt.Errorf("%w: %v", ErrNoHistory, err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return persist.Snapshot{}, store.CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	snapshot, err := readSnapshotFromCommit(commitObj)
	if err != nil {
		return persist.Snapshot{}, store.CommitInfo{}, err
	}
	return snapshot, toCommitInfo(commitObj, len(snapshot.Records)), nil
}

// SnapshotAt returns the snapshot saved by the given commit (full or short hash).
func (s *Service) SnapshotAt(documentID, hash string) (persist.Snapshot, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return persist.Snapshot{}, err
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return persist.Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return persist.Snapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readSnapshotFromCommit(commitObj)
}

// History lists saves newest first. A limit of 0 returns everything.
func (s *Service) History(documentID string, limit int) ([]store.CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoHistory, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		count := -1
		if snapshot, err := readSnapshotFromCommit(commitObj); err == nil {
			count = len(snapshot.Records)
		}
		items = append(items, toCommitInfo(commitObj, count))
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

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
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
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func readSnapshotFromCommit(commitObj *object.Commit) (persist.Snapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return persist.Snapshot{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return persist.Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return persist.Snapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}
	return persist.Decode(payload)
}

func toCommitInfo(commitObj *object.Commit, comments int) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
		Comments:  comments,
	}
}

func sanitizeEmail(input string) string {
	bytes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			bytes = append(bytes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			bytes = append(bytes, '.')
		}
	}
	if len(bytes) == 0 {
		return "user"
	}
	return string(bytes)
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
