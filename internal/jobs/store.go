package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/autosage/pkg/models"
)

// Status represents the state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

var (
	// ErrNotFound is returned by transitions on an unknown job.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a transition does not apply to the job's status.
	ErrInvalidTransition = errors.New("invalid job transition")
)

// inputFile holds the input snapshot inside each job directory.
// Dotfiles are never listed as artifacts.
const inputFile = ".input.json"

// Job represents one tracked execution of a tool.
type Job struct {
	ID         string             `json:"id"`
	ToolName   string             `json:"tool_name"`
	Input      json.RawMessage    `json:"input,omitempty"`
	Status     Status             `json:"status"`
	Summary    string             `json:"summary,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	StartedAt  time.Time          `json:"started_at,omitempty"`
	FinishedAt time.Time          `json:"finished_at,omitempty"`
	Result     *models.ToolResult `json:"result,omitempty"`
	Error      *models.ErrorInfo  `json:"error,omitempty"`

	// WorkDir is owned exclusively by this job.
	WorkDir string `json:"-"`
}

// CleanupReport summarizes a bulk cleanup.
type CleanupReport struct {
	DeletedJobs    int   `json:"deletedJobs"`
	ReclaimedBytes int64 `json:"reclaimedBytes"`
}

// Store is the process-wide table of jobs. Every mutation of a job goes
// through its transition methods.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	keys []string
	root string

	now   func() time.Time
	newID func() string
}

// NewStore returns a store that provisions job directories under root.
func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("jobs root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve jobs root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs root: %w", err)
	}
	return &Store{
		jobs:  make(map[string]*Job),
		root:  abs,
		now:   time.Now,
		newID: uuid.NewString,
	}, nil
}

// Root returns the directory holding every job directory.
func (s *Store) Root() string {
	return s.root
}

// Create allocates a job in the queued state with its own working directory.
func (s *Store) Create(ctx context.Context, toolName string, input json.RawMessage) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := s.newID()
	dir := filepath.Join(s.root, id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job directory: %w", err)
	}
	snapshot := input
	if len(snapshot) == 0 {
		snapshot = json.RawMessage("null")
	}
	if err := os.WriteFile(filepath.Join(dir, inputFile), snapshot, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("write job input: %w", err)
	}

	job := &Job{
		ID:        id,
		ToolName:  toolName,
		Input:     append(json.RawMessage(nil), input...),
		Status:    StatusQueued,
		CreatedAt: s.now(),
		WorkDir:   dir,
	}

	s.mu.Lock()
	s.jobs[id] = job
	s.keys = append(s.keys, id)
	s.mu.Unlock()

	return cloneJob(job), nil
}

// Start moves a queued job to running.
func (s *Store) Start(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusQueued {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, job.Status)
	}
	job.Status = StatusRunning
	job.StartedAt = s.now()
	return nil
}

// Complete moves a running job to succeeded and stores its result.
func (s *Store) Complete(id string, result *models.ToolResult, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusRunning {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, job.Status)
	}
	job.Status = StatusSucceeded
	job.Result = result.Clone()
	job.Summary = summary
	job.FinishedAt = s.now()
	return nil
}

// Fail moves a queued or running job to failed. The error-shaped result is
// kept alongside the error when the failure came from an execution.
func (s *Store) Fail(id string, info *models.ErrorInfo, result *models.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, job.Status)
	}
	if info == nil {
		info = &models.ErrorInfo{Code: models.ErrSolverFailed, Message: "job failed"}
	}
	job.Status = StatusFailed
	job.Error = info.Clone()
	job.Result = result.Clone()
	job.Summary = info.Message
	job.FinishedAt = s.now()
	return nil
}

// Get returns a snapshot of the job.
func (s *Store) Get(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

// List returns jobs in insertion order.
func (s *Store) List(limit, offset int) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.keys) {
		return nil
	}
	end := len(s.keys)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	result := make([]*Job, 0, end-offset)
	for _, id := range s.keys[offset:end] {
		if job, ok := s.jobs[id]; ok {
			result = append(result, cloneJob(job))
		}
	}
	return result
}

// Counts returns the number of jobs in each status.
func (s *Store) Counts() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[Status]int{
		StatusQueued:    0,
		StatusRunning:   0,
		StatusSucceeded: 0,
		StatusFailed:    0,
	}
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts
}

// Dir returns the job's working directory.
func (s *Store) Dir(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return "", false
	}
	return job.WorkDir, true
}

// ListArtifacts returns the files in the job directory sorted by name.
func (s *Store) ListArtifacts(id string) ([]models.Artifact, bool) {
	dir, ok := s.Dir(id)
	if !ok {
		return nil, false
	}
	artifacts, err := scanArtifacts(dir, "/v1/jobs/"+id+"/artifacts/")
	if err != nil {
		return []models.Artifact{}, true
	}
	return artifacts, true
}

// ReadArtifact returns the contents of a file in the job directory.
// Names that escape the directory are treated as missing.
func (s *Store) ReadArtifact(id, name string) ([]byte, bool) {
	p, ok := s.ArtifactPath(id, name)
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	return data, true
}

// ArtifactPath resolves name inside the job directory to a regular file.
func (s *Store) ArtifactPath(id, name string) (string, bool) {
	dir, ok := s.Dir(id)
	if !ok {
		return "", false
	}
	return ResolveFile(dir, name)
}

// Cleanup removes every terminal job and its directory.
func (s *Store) Cleanup(ctx context.Context) (CleanupReport, error) {
	return s.removeWhere(ctx, func(job *Job) bool {
		return job.Status.Terminal()
	})
}

// Prune removes terminal jobs that finished more than olderThan ago.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	cutoff := s.now().Add(-olderThan)
	return s.removeWhere(ctx, func(job *Job) bool {
		return job.Status.Terminal() && job.FinishedAt.Before(cutoff)
	})
}

// removeWhere deletes matching jobs one at a time, directory first. A record
// is dropped only once its directory is gone, so a failed or cancelled
// cleanup leaves every remaining job intact and retryable.
func (s *Store) removeWhere(ctx context.Context, match func(*Job) bool) (CleanupReport, error) {
	s.mu.RLock()
	var candidates []string
	for _, id := range s.keys {
		if job, ok := s.jobs[id]; ok && match(job) {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()

	var report CleanupReport
	var errs []error
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		dir, ok := s.Dir(id)
		if !ok {
			continue
		}
		size := DirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", id, err))
			continue
		}
		s.drop(id)
		report.DeletedJobs++
		report.ReclaimedBytes += size
	}
	return report, errors.Join(errs...)
}

func (s *Store) drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	for i, key := range s.keys {
		if key == id {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	if job.Input != nil {
		clone.Input = append(json.RawMessage(nil), job.Input...)
	}
	clone.Result = job.Result.Clone()
	clone.Error = job.Error.Clone()
	return &clone
}

// ResolveFile joins a slash-separated relative name onto dir and returns the
// path when it names a regular file inside dir.
func ResolveFile(dir, name string) (string, bool) {
	if name == "" || strings.Contains(name, "\\") || strings.HasPrefix(name, "/") {
		return "", false
	}
	cleaned := path.Clean(name)
	if cleaned != name || cleaned == "." || strings.HasPrefix(cleaned, "../") || cleaned == ".." {
		return "", false
	}
	for _, part := range strings.Split(cleaned, "/") {
		if strings.HasPrefix(part, ".") {
			return "", false
		}
	}
	full := filepath.Join(dir, filepath.FromSlash(cleaned))
	info, err := os.Lstat(full)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return full, true
}

// DirSize returns the total size of regular files under dir.
func DirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

func scanArtifacts(dir, uriPrefix string) ([]models.Artifact, error) {
	artifacts := []models.Artifact{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil
		}
		name := filepath.ToSlash(rel)
		artifacts = append(artifacts, models.Artifact{
			Name:     name,
			Size:     info.Size(),
			URI:      uriPrefix + name,
			MimeType: DetectMimeType(name),
		})
		return nil
	})
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Name < artifacts[j].Name })
	return artifacts, err
}

// DetectMimeType guesses a content type from the file extension.
func DetectMimeType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cir", ".log", ".txt", ".csv":
		return "text/plain; charset=utf-8"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
