// Package mailjobs runs the long operations of a mail archive (restoring
// archived messages into a mailbox, synchronizing accounts, importing mbox
// files, exporting accounts or selections, deleting accounts) as tracked
// background jobs.
//
// The package provides:
//   - One in-memory job store per job kind with bounded retention
//   - A router that chooses between inline and deferred execution
//   - A bounded worker pool and an executor with per-item failure isolation
//   - Cooperative cancellation through per-job contexts
//   - An identifier handoff channel (in-memory, BadgerDB, Redis, SQLite)
//   - Single-use export artifacts with retention sweeping
//
// Example usage:
//
//	engine, _ := mailjobs.NewEngine(mailjobs.DefaultConfig(), deps, logger)
//	defer engine.Close()
//
//	outcome, _ := engine.Submit(ctx, mailjobs.Identity{UserID: "u1"}, &mailjobs.RestorePayload{
//	    AccountID:  "acc-1",
//	    Folder:     "INBOX",
//	    MessageIDs: ids,
//	})
//	if outcome.Decision == mailjobs.DecisionEnqueue {
//	    view, _ := engine.Status(ctx, mailjobs.Identity{UserID: "u1"}, outcome.JobID)
//	    fmt.Println(view.ProgressPercent)
//	}
package mailjobs

import (
	"time"
)

// JobKind identifies the operation a job performs.
type JobKind string

const (
	KindRestore         JobKind = "restore"
	KindSync            JobKind = "sync"
	KindImport          JobKind = "import"
	KindExport          JobKind = "export"
	KindSelectionExport JobKind = "selection_export"
	KindDeletion        JobKind = "deletion"
)

// AllKinds lists every job kind in display order.
var AllKinds = []JobKind{
	KindRestore,
	KindSync,
	KindImport,
	KindExport,
	KindSelectionExport,
	KindDeletion,
}

// ParseKind converts a string into a JobKind.
func ParseKind(s string) (JobKind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", ErrUnknownKind
}

// ProducesArtifact reports whether completed jobs of this kind leave a file to download.
func (k JobKind) ProducesArtifact() bool {
	return k == KindExport || k == KindSelectionExport
}

// JobStatus represents the status of a job.
type JobStatus string

const (
	// JobStatusQueued indicates the job is waiting for a worker.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates a worker is processing the job's items.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the loop ran to the end. Some items may have failed.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a fatal, non-item error stopped the job.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the owner cancelled the job.
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further mutation can happen in this status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is the common envelope shared by all job kinds.
type Job struct {
	ID             string     // Unique job identifier (UUID)
	Kind           JobKind    // Which payload variant this job carries
	Status         JobStatus  // Current job status
	OwnerID        string     // Requester, checked on status, cancel and download
	Payload        Payload    // Kind-specific input
	Detail         Detail     // Kind-specific live progress (sync folders etc.), may be nil
	CreatedAt      time.Time  // When the job was created
	StartedAt      *time.Time // When a worker picked the job up
	CompletedAt    *time.Time // When the job reached a terminal status
	Total          int        // Number of work items
	TotalEstimated bool       // Total came from a cheap pre-scan and may be off
	Processed      int        // Succeeded + Failed
	Succeeded      int
	Failed         int
	ErrorMessage   string // Set only on JobStatusFailed
}

// Detail is kind-specific progress layered over the envelope counters.
type Detail interface {
	detail()
}

// SyncDetail is the live detail of a sync job, whose items are folders.
type SyncDetail struct {
	CurrentFolder  string `json:"current_folder,omitempty"`
	MessagesSynced int    `json:"messages_synced"`
}

func (SyncDetail) detail() {}

// ArtifactDetail is attached to export jobs once their file is available.
type ArtifactDetail struct {
	FileName string `json:"file_name"`
	Size     int64  `json:"size"`
}

func (ArtifactDetail) detail() {}

// Result is the summary handed back for inline runs, where no job record is kept.
type Result struct {
	Kind         JobKind   `json:"kind"`
	Status       JobStatus `json:"status"`
	Total        int       `json:"total"`
	Processed    int       `json:"processed"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

func resultOf(job *Job) *Result {
	return &Result{
		Kind:         job.Kind,
		Status:       job.Status,
		Total:        job.Total,
		Processed:    job.Processed,
		Succeeded:    job.Succeeded,
		Failed:       job.Failed,
		ErrorMessage: job.ErrorMessage,
	}
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	clone.StartedAt = copyTimePtr(job.StartedAt)
	clone.CompletedAt = copyTimePtr(job.CompletedAt)
	return &clone
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	val := *t
	return &val
}

func copyStringSlice(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}
