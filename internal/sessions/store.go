// Package sessions persists session manifests and their asset trees on disk.
package sessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/autosage/internal/jobs"
)

const (
	manifestFile = "manifest.json"
	assetsDir    = "assets"
	inputDir     = "input"
)

var (
	// ErrNotFound is returned for unknown sessions.
	ErrNotFound = errors.New("session not found")
	// ErrUploadTooLarge is returned when an upload exceeds the configured size.
	ErrUploadTooLarge = errors.New("upload too large")
)

// CleanupReport summarizes a bulk session cleanup.
type CleanupReport struct {
	DeletedSessions int   `json:"deletedSessions"`
	ReclaimedBytes  int64 `json:"reclaimedBytes"`
}

// Store keeps manifests in memory and mirrors every change to
// <root>/<id>/manifest.json.
type Store struct {
	mu        sync.RWMutex
	manifests map[string]*Manifest
	root      string

	now   func() time.Time
	newID func() string
}

// NewStore opens the session root, loading manifests left by a previous run.
func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("sessions root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sessions root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions root: %w", err)
	}
	s := &Store{
		manifests: make(map[string]*Manifest),
		root:      abs,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read sessions root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, e.Name(), manifestFile))
		if err != nil {
			continue
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil || m.ID != e.Name() {
			continue
		}
		s.manifests[m.ID] = &m
	}
	return nil
}

// Root returns the directory holding every session directory.
func (s *Store) Root() string {
	return s.root
}

// Create stores an uploaded file as the input of a new session. At most
// maxBytes are accepted; a larger body fails with ErrUploadTooLarge.
func (s *Store) Create(ctx context.Context, filename, contentType string, body io.Reader, maxBytes int64) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := sanitizeFilename(filename)
	id := s.newID()
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(filepath.Join(dir, assetsDir, inputDir), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	size, sum, err := writeUpload(filepath.Join(dir, assetsDir, inputDir, name), body, maxBytes)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	if contentType == "" {
		contentType = jobs.DetectMimeType(name)
	}
	rel := path.Join(inputDir, name)
	now := s.now().UTC()
	m := &Manifest{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Input: Input{
			Filename:    name,
			Size:        size,
			ContentType: contentType,
			SHA256:      sum,
			Path:        rel,
			URI:         assetURI(id, rel),
		},
		History: []HistoryEntry{},
		Assets:  []Asset{},
	}
	if err := s.persist(m); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	s.mu.Lock()
	s.manifests[id] = m
	s.mu.Unlock()
	return m.Clone(), nil
}

func writeUpload(dst string, body io.Reader, maxBytes int64) (int64, string, error) {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, "", fmt.Errorf("create upload file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	reader := body
	if maxBytes > 0 {
		reader = io.LimitReader(body, maxBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(f, h), reader)
	if err != nil {
		return 0, "", fmt.Errorf("write upload: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		return 0, "", ErrUploadTooLarge
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// Get returns a copy of the manifest.
func (s *Store) Get(id string) (*Manifest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// List returns every manifest ordered by creation time.
func (s *Store) List() []*Manifest {
	s.mu.RLock()
	out := make([]*Manifest, 0, len(s.manifests))
	for _, m := range s.manifests {
		out = append(out, m.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Update applies fn to the manifest and persists the result. The manifest is
// left unchanged when fn or persisting fails.
func (s *Store) Update(id string, fn func(*Manifest) error) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.manifests[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.UpdatedAt = s.now().UTC()
	if err := s.persist(next); err != nil {
		return nil, err
	}
	s.manifests[id] = next
	return next.Clone(), nil
}

// persist writes the manifest through a temp file and rename.
func (s *Store) persist(m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	dir := filepath.Join(s.root, m.ID)
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, manifestFile)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// AssetPath resolves a slash-separated asset path of a session.
func (s *Store) AssetPath(id, name string) (string, bool) {
	s.mu.RLock()
	_, ok := s.manifests[id]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	return jobs.ResolveFile(filepath.Join(s.root, id, assetsDir), name)
}

// ImportJobFiles copies the named files from a job directory into
// assets/<jobID>/ and records them in the manifest.
func (s *Store) ImportJobFiles(id, jobID, jobDir string, names []string) ([]Asset, error) {
	if _, ok := s.Get(id); !ok {
		return nil, ErrNotFound
	}
	destRoot := filepath.Join(s.root, id, assetsDir, jobID)
	var imported []Asset
	var errs []error
	for _, name := range names {
		src, ok := jobs.ResolveFile(jobDir, name)
		if !ok {
			continue
		}
		dst := filepath.Join(destRoot, filepath.FromSlash(name))
		n, err := copyFile(src, dst)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rel := path.Join(jobID, name)
		imported = append(imported, Asset{
			Path:     rel,
			Size:     n,
			JobID:    jobID,
			URI:      assetURI(id, rel),
			MimeType: jobs.DetectMimeType(name),
		})
	}
	if len(imported) > 0 {
		_, err := s.Update(id, func(m *Manifest) error {
			m.Assets = append(m.Assets, imported...)
			return nil
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return imported, errors.Join(errs...)
}

func copyFile(src, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create asset directory: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", filepath.Base(dst), err)
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	return n, nil
}

// Cleanup removes every session.
func (s *Store) Cleanup(ctx context.Context) (CleanupReport, error) {
	return s.removeWhere(ctx, func(*Manifest) bool { return true })
}

// Prune removes sessions idle for longer than olderThan.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	cutoff := s.now().Add(-olderThan)
	return s.removeWhere(ctx, func(m *Manifest) bool { return m.UpdatedAt.Before(cutoff) })
}

// removeWhere deletes matching sessions one at a time. The manifest leaves
// the index before its directory is removed so no turn can persist into a
// half-deleted session; it is restored if the removal fails.
func (s *Store) removeWhere(ctx context.Context, match func(*Manifest) bool) (CleanupReport, error) {
	s.mu.RLock()
	var candidates []string
	for id, m := range s.manifests {
		if match(m) {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(candidates)

	var report CleanupReport
	var errs []error
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		s.mu.Lock()
		m, ok := s.manifests[id]
		matched := ok && match(m)
		if matched {
			delete(s.manifests, id)
		}
		s.mu.Unlock()
		if !matched {
			continue
		}

		dir := filepath.Join(s.root, id)
		size := jobs.DirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			s.mu.Lock()
			s.manifests[id] = m
			s.mu.Unlock()
			errs = append(errs, fmt.Errorf("remove %s: %w", id, err))
			continue
		}
		report.DeletedSessions++
		report.ReclaimedBytes += size
	}
	return report, errors.Join(errs...)
}

func assetURI(id, rel string) string {
	return "/v1/sessions/" + id + "/assets/" + rel
}

// sanitizeFilename keeps the base name of an uploaded file and makes sure
// it is a visible, single path segment.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "/" {
		return "upload.bin"
	}
	return name
}
