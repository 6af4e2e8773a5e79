package mailjobs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
)

// ArtifactSpec describes a file produced by a finished export.
type ArtifactSpec struct {
	FilePath    string
	ContentType string
	FileName    string
}

func (s *ArtifactSpec) size() (int64, error) {
	info, err := os.Stat(s.FilePath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// discard removes the file of an artifact that will never be registered.
func (s *ArtifactSpec) discard(logger *slog.Logger) {
	if s == nil || s.FilePath == "" {
		return
	}
	if err := os.Remove(s.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("discard artifact failed", "path", s.FilePath, "error", err)
	}
}

// Artifact is a generated file tied to a completed export job.
type Artifact struct {
	JobID       string
	OwnerID     string
	FilePath    string
	ContentType string
	FileName    string
	Size        int64
	CreatedAt   time.Time
	Downloaded  bool
}

// ArtifactManager owns export files. Each file can be downloaded at most once
// and is deleted after the download or after the retention window.
type ArtifactManager struct {
	retention time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	artifacts map[string]*Artifact
}

// NewArtifactManager creates a manager that sweeps files older than retention.
func NewArtifactManager(retention time.Duration, logger *slog.Logger) *ArtifactManager {
	return &ArtifactManager{
		retention: retention,
		logger:    logger,
		artifacts: make(map[string]*Artifact),
	}
}

// Register records the file of a completed job.
func (m *ArtifactManager) Register(jobID, ownerID string, spec ArtifactSpec) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	info, err := os.Stat(spec.FilePath)
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.artifacts[jobID]; exists {
		return fmt.Errorf("artifact already registered for job %s", jobID)
	}
	m.artifacts[jobID] = &Artifact{
		JobID:       jobID,
		OwnerID:     ownerID,
		FilePath:    spec.FilePath,
		ContentType: spec.ContentType,
		FileName:    spec.FileName,
		Size:        info.Size(),
		CreatedAt:   time.Now(),
	}
	m.logger.Info("artifact registered", "jobID", jobID, "file", spec.FileName, "size", humanize.Bytes(uint64(info.Size())))
	return nil
}

// Fetch returns a copy of the artifact of jobID.
func (m *ArtifactManager) Fetch(jobID string) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrGone, jobID)
	}
	clone := *a
	return &clone, nil
}

// Claim marks the artifact as downloaded and returns it. Only the first
// caller succeeds; later callers get ErrGone.
func (m *ArtifactManager) Claim(jobID string) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[jobID]
	if !ok || a.Downloaded {
		return nil, fmt.Errorf("%w: job %s", ErrGone, jobID)
	}
	a.Downloaded = true
	clone := *a
	return &clone, nil
}

// Open claims the artifact and opens its file. Closing the returned reader
// deletes the file.
func (m *ArtifactManager) Open(jobID string) (*Artifact, io.ReadCloser, error) {
	a, err := m.Claim(jobID)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(a.FilePath)
	if err != nil {
		m.MarkDownloaded(jobID)
		return nil, nil, fmt.Errorf("%w: %v", ErrGone, err)
	}
	return a, &artifactReader{File: f, release: func() { m.MarkDownloaded(jobID) }}, nil
}

// MarkDownloaded forgets the artifact and deletes its file.
func (m *ArtifactManager) MarkDownloaded(jobID string) {
	m.mu.Lock()
	a, ok := m.artifacts[jobID]
	if ok {
		a.Downloaded = true
		delete(m.artifacts, jobID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := os.Remove(a.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("remove downloaded artifact failed", "jobID", jobID, "error", err)
		return
	}
	m.logger.Debug("MarkDownloaded", "jobID", jobID)
}

// Sweep deletes artifacts older than the retention window, downloaded or
// not. Deletion continues past individual failures; they are returned together.
func (m *ArtifactManager) Sweep(now time.Time) (int, error) {
	if m.retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-m.retention)

	m.mu.Lock()
	expired := make([]*Artifact, 0)
	for id, a := range m.artifacts {
		if a.CreatedAt.Before(cutoff) {
			expired = append(expired, a)
			delete(m.artifacts, id)
		}
	}
	m.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].CreatedAt.Before(expired[j].CreatedAt)
	})

	var result *multierror.Error
	var freed uint64
	for _, a := range expired {
		if err := os.Remove(a.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result = multierror.Append(result, fmt.Errorf("remove artifact of job %s: %w", a.JobID, err))
			continue
		}
		freed += uint64(a.Size)
	}
	if len(expired) > 0 {
		m.logger.Info("artifacts swept", "count", len(expired), "freed", humanize.Bytes(freed))
	}
	return len(expired), result.ErrorOrNil()
}

// Len returns the number of artifacts currently held.
func (m *ArtifactManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.artifacts)
}

type artifactReader struct {
	*os.File
	once    sync.Once
	release func()
}

func (r *artifactReader) Close() error {
	err := r.File.Close()
	r.once.Do(r.release)
	return err
}
