// Package gitrepo keeps one git repository per form and records a commit
// of form.json every time the form is published.
package gitrepo

import (
	"bytes"
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

	"formpilot/api/internal/form"
)

const (
	contentFile = "form.json"
	mainBranch  = "main"
)

var ErrNoVersions = errors.New("form has no published versions")

type Version struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

type Service struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit records snapshot as the newest published version of formID,
// creating the repository on first use.
func (s *Service) Commit(formID string, snapshot form.Form, author, message string) (Version, error) {
	lock := s.formLock(formID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(formID)
	if err != nil {
		return Version{}, err
	}
	hash, err := s.commit(repo, snapshot, author, message)
	if err != nil {
		return Version{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Version{}, fmt.Errorf("read commit object: %w", err)
	}
	return toVersion(commitObj), nil
}

// Head returns the latest published snapshot.
func (s *Service) Head(formID string) (form.Form, Version, error) {
	lock := s.formLock(formID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(formID)
	if err != nil {
		return form.Form{}, Version{}, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return form.Form{}, Version{}, fmt.Errorf("resolve %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return form.Form{}, Version{}, fmt.Errorf("load commit object: %w", err)
	}
	snapshot, err := readSnapshot(commitObj)
	if err != nil {
		return form.Form{}, Version{}, err
	}
	return snapshot, toVersion(commitObj), nil
}

// ContentAt returns the snapshot stored at hash (full or abbreviated).
func (s *Service) ContentAt(formID, hash string) (form.Form, error) {
	lock := s.formLock(formID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(formID)
	if err != nil {
		return form.Form{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return form.Form{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return form.Form{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readSnapshot(commitObj)
}

// History lists published versions, newest first. A form that was never
// published has an empty history.
func (s *Service) History(formID string, limit int) ([]Version, error) {
	lock := s.formLock(formID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(formID)
	if errors.Is(err, ErrNoVersions) {
		return []Version{}, nil
	}
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", mainBranch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Version, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toVersion(commitObj))
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

// Remove deletes the repository of formID.
func (s *Service) Remove(formID string) error {
	lock := s.formLock(formID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(formID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) repoPath(formID string) string {
	return filepath.Join(s.baseDir, filepath.Base(formID))
}

func (s *Service) formLock(formID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[formID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[formID] = lock
	return lock
}

func (s *Service) open(formID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(formID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoVersions
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(formID string) (*git.Repository, error) {
	repo, err := s.open(formID)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNoVersions) {
		return nil, err
	}

	path := s.repoPath(formID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", mainBranch, err)
	}
	return repo, nil
}

func (s *Service) commit(repo *git.Repository, snapshot form.Form, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal form: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), contentFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add form: %w", err)
	}

	if author == "" {
		author = "FormPilot"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@users.formpilot.local", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit form: %w", err)
	}
	return hash, nil
}

func readSnapshot(commitObj *object.Commit) (form.Form, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return form.Form{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return form.Form{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return form.Form{}, fmt.Errorf("read content bytes: %w", err)
	}
	var snapshot form.Form
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return form.Form{}, fmt.Errorf("decode commit content: %w", err)
	}
	return snapshot, nil
}

// DiffFields lists the user-visible fields that differ between two
// snapshots, in field order.
func DiffFields(from, to form.Form) []FieldChange {
	changes := make([]FieldChange, 0)
	add := func(field, before, after string) {
		if before != after {
			changes = append(changes, FieldChange{Field: field, Before: before, After: after})
		}
	}
	add("description", from.Description, to.Description)
	if !bytes.Equal(normalizeJSON(from.Design), normalizeJSON(to.Design)) {
		changes = append(changes, FieldChange{Field: "design", Before: "[design]", After: "[design]"})
	}
	add("intro", pageText(from.Intro), pageText(to.Intro))
	add("outro", pageText(from.Outro), pageText(to.Outro))
	if !slices.EqualFunc(from.Questions, to.Questions, sameQuestion) {
		changes = append(changes, FieldChange{
			Field:  "questions",
			Before: fmt.Sprintf("%d questions", len(from.Questions)),
			After:  fmt.Sprintf("%d questions", len(to.Questions)),
		})
	}
	if !bytes.Equal(normalizeJSON(from.Settings), normalizeJSON(to.Settings)) {
		changes = append(changes, FieldChange{Field: "settings", Before: "[settings]", After: "[settings]"})
	}
	add("title", from.Title, to.Title)
	return changes
}

func pageText(p form.PageContent) string {
	return p.Title + " | " + p.Description + " | " + p.ButtonText
}

func sameQuestion(a, b form.Question) bool {
	left, errA := json.Marshal(a)
	right, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(left, right)
}

func toVersion(commitObj *object.Commit) Version {
	return Version{
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

func normalizeJSON(doc json.RawMessage) []byte {
	if len(doc) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
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
