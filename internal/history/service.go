// Package history keeps article revisions in one git repository per article.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"marginalia/api/internal/store"
)

const snapshotFile = "article.json"

// ErrNotFound is returned for an article without history or an unknown hash.
var ErrNotFound = errors.New("revision not found")

// Snapshot is what one revision records.
type Snapshot struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	ParentID string   `json:"parentId"`
	TagIDs   []string `json:"tagIds"`
}

func SnapshotOf(a store.Article) Snapshot {
	tags := slices.Clone(a.TagIDs)
	if tags == nil {
		tags = []string{}
	}
	return Snapshot{Title: a.Title, Content: a.Content, ParentID: a.ParentID(), TagIDs: tags}
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// Record commits snap as the newest revision of the article, creating the
// repository on first use. An unchanged snapshot is not committed and the
// current head is returned with committed=false.
func (s *Service) Record(articleID string, snap Snapshot, author, message string) (store.CommitInfo, bool, error) {
	lock := s.articleLock(articleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(articleID)
	if err != nil {
		return store.CommitInfo{}, false, err
	}

	if head, err := repo.Head(); err == nil {
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return store.CommitInfo{}, false, fmt.Errorf("load head commit: %w", err)
		}
		current, err := readSnapshot(commitObj)
		if err != nil {
			return store.CommitInfo{}, false, err
		}
		if !HasChanges(current, snap) {
			return toCommitInfo(commitObj), false, nil
		}
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return store.CommitInfo{}, false, fmt.Errorf("resolve head: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("git add snapshot: %w", err)
	}

	if message == "" {
		message = "Update article"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@marginalia.local", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), true, nil
}

// History lists revisions newest first. An article that was never recorded
// has an empty history.
func (s *Service) History(articleID string, limit int) ([]store.CommitInfo, error) {
	lock := s.articleLock(articleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(articleID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []store.CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []store.CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
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

// Version returns the snapshot stored at hash (full or abbreviated).
func (s *Service) Version(articleID, hash string) (Snapshot, store.CommitInfo, error) {
	lock := s.articleLock(articleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(articleID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Snapshot{}, store.CommitInfo{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, ErrNotFound
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, ErrNotFound
	}
	snap, err := readSnapshot(commitObj)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, err
	}
	return snap, toCommitInfo(commitObj), nil
}

// Remove deletes the article's repository. Missing repositories are ignored.
func (s *Service) Remove(articleID string) error {
	lock := s.articleLock(articleID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(articleID)); err != nil {
		return fmt.Errorf("remove history: %w", err)
	}
	s.lockMu.Lock()
	delete(s.locks, articleID)
	s.lockMu.Unlock()
	return nil
}

func (s *Service) openOrInit(articleID string) (*git.Repository, error) {
	path := s.repoPath(articleID)
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
	return repo, nil
}

func (s *Service) repoPath(articleID string) string {
	return filepath.Join(s.baseDir, filepath.Base(articleID))
}

func (s *Service) articleLock(articleID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[articleID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[articleID] = lock
	return lock
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(contents), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// Change is one field that differs between two snapshots.
type Change struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// DiffFields lists changed fields sorted by name. Content is reported as
// changed without its text.
func DiffFields(from, to Snapshot) []Change {
	result := make([]Change, 0)
	if from.Content != to.Content {
		result = append(result, Change{Field: "content", Before: "[content]", After: "[content]"})
	}
	if from.ParentID != to.ParentID {
		result = append(result, Change{Field: "parentId", Before: from.ParentID, After: to.ParentID})
	}
	if !slices.Equal(from.TagIDs, to.TagIDs) {
		result = append(result, Change{Field: "tagIds", Before: fmt.Sprint(from.TagIDs), After: fmt.Sprint(to.TagIDs)})
	}
	if from.Title != to.Title {
		result = append(result, Change{Field: "title", Before: from.Title, After: to.Title})
	}
	return result
}

func HasChanges(from, to Snapshot) bool {
	return len(DiffFields(from, to)) > 0
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
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
