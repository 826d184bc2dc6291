package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"asyncdb/internal/exporter"
	"asyncdb/internal/future"
)

type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// ExportJob is one query to be streamed into storage.
type ExportJob struct {
	// ID is the unique UUID v4 for the job.
	ID string
	// Query is the statement to export. It may carry ? or @name placeholders.
	Query string
	// Args are bound to the query's placeholders.
	Args []any
	// Format is the requested output format.
	Format exporter.Format
	// Submitted is when the job was created.
	Submitted time.Time
	// Notify is an optional address told when the job finishes.
	Notify string

	mu       sync.Mutex
	status   JobStatus
	key      string
	started  time.Time
	finished time.Time
	err      error
	stats    *exporter.ExportResult

	ctx    context.Context
	cancel context.CancelFunc
	result *future.Future[*exporter.ExportResult]
}

// JobSnapshot is a point-in-time copy of a job's progress.
type JobSnapshot struct {
	ID        string          `json:"id"`
	Status    JobStatus       `json:"status"`
	Format    exporter.Format `json:"format"`
	Key       string          `json:"key,omitempty"`
	Rows      int64           `json:"rows"`
	Error     string          `json:"error,omitempty"`
	Submitted time.Time       `json:"submitted"`
	Started   time.Time       `json:"started,omitzero"`
	Finished  time.Time       `json:"finished,omitzero"`
}

func NewExportJob(query string, format exporter.Format, timeout time.Duration, args ...any) *ExportJob {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	if format == "" {
		format = exporter.FormatCSV
	}
	j := &ExportJob{
		ID:        uuid.New().String(),
		Query:     query,
		Args:      args,
		Format:    format,
		Submitted: time.Now(),
		status:    StatusPending,
		ctx:       ctx,
		cancel:    cancel,
		result:    future.New[*exporter.ExportResult](),
	}
	j.result.RegisterOnDispose(func(*future.Future[*exporter.ExportResult]) { cancel() })
	return j
}

// Result settles when the job finishes. Disposing it cancels the job.
func (j *ExportJob) Result() *future.Future[*exporter.ExportResult] {
	return j.result
}

// Wait blocks until the job finishes or ctx is done.
func (j *ExportJob) Wait(ctx context.Context) (*exporter.ExportResult, error) {
	return j.result.Wait(ctx)
}

// Cancel aborts the job. A job still queued fails as soon as a worker picks it up.
func (j *ExportJob) Cancel() {
	j.cancel()
}

func (j *ExportJob) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Key is the storage key of the export, set once processing starts.
func (j *ExportJob) Key() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.key
}

func (j *ExportJob) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := JobSnapshot{
		ID:        j.ID,
		Status:    j.status,
		Format:    j.Format,
		Key:       j.key,
		Submitted: j.Submitted,
		Started:   j.started,
		Finished:  j.finished,
	}
	if j.stats != nil {
		s.Rows = j.stats.RowsProcessed
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	return s
}

func (j *ExportJob) begin(key string) time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = StatusProcessing
	j.key = key
	j.started = time.Now()
	return j.started.Sub(j.Submitted)
}

func (j *ExportJob) finish(stats *exporter.ExportResult, err error) {
	j.mu.Lock()
	j.finished = time.Now()
	j.stats = stats
	j.err = err
	if err != nil {
		j.status = StatusFailed
	} else {
		j.status = StatusCompleted
	}
	j.mu.Unlock()

	j.cancel()
	j.result.SetResult(stats, err)
}
