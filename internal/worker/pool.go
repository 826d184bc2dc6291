package worker

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"asyncdb/internal/asyncdb"
	"asyncdb/internal/email"
	"asyncdb/internal/exporter"
	"asyncdb/internal/storage"
)

const notifyTimeout = 30 * time.Second

var (
	ErrPoolStopped = errors.New("worker pool is stopped")
	ErrQueueFull   = errors.New("job queue is full")
)

// Options tunes a Pool.
type Options struct {
	// Workers is the number of jobs processed concurrently.
	Workers int
	// Clone gives each job its own connection cloned from the primary one.
	// Without it every job queues on the primary connection.
	Clone bool
	// MaxClones restricts the number of cloned connections open at once.
	MaxClones int64
	// CloneParams are appended to the primary connection string for clones.
	CloneParams string
	// Compress gzips the export before it reaches storage.
	Compress bool
	// QueueSize bounds the number of jobs waiting for a worker.
	QueueSize int
	// Notifier is told about every finished job that has a Notify address.
	Notifier email.Sender
}

// Pool runs export jobs against a primary connection and streams each
// result into a storage provider.
type Pool struct {
	jobQueue chan *ExportJob
	opts     Options
	// cloneSem restricts the number of concurrently open clones.
	cloneSem *semaphore.Weighted
	wg       sync.WaitGroup
	notifyWG sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once

	primary *asyncdb.Connection
	storage storage.Provider

	mu   sync.Mutex
	jobs map[string]*ExportJob
}

// NewPool initializes a worker pool. Call Start to begin processing.
func NewPool(primary *asyncdb.Connection, store storage.Provider, opts Options) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxClones < 1 {
		opts.MaxClones = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 100
	}
	return &Pool{
		jobQueue: make(chan *ExportJob, opts.QueueSize),
		opts:     opts,
		cloneSem: semaphore.NewWeighted(opts.MaxClones),
		quit:     make(chan struct{}),
		primary:  primary,
		storage:  store,
		jobs:     make(map[string]*ExportJob),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	slog.Info("Worker pool started", "workers", p.opts.Workers, "clone", p.opts.Clone)
}

// Submit queues job. It fails when the pool is stopped or the queue is full.
func (p *Pool) Submit(job *ExportJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.quit:
		return ErrPoolStopped
	default:
	}

	select {
	case p.jobQueue <- job:
	default:
		return ErrQueueFull
	}
	p.jobs[job.ID] = job
	return nil
}

// Job looks up a submitted job by ID.
func (p *Pool) Job(id string) (*ExportJob, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	return job, ok
}

// Stop waits for running jobs to finish and fails the ones still queued.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		close(p.quit)
		p.mu.Unlock()
		p.wg.Wait()
		p.notifyWG.Wait()
		for {
			select {
			case job := <-p.jobQueue:
				job.finish(nil, ErrPoolStopped)
			default:
				slog.Info("Worker pool stopped")
				return
			}
		}
	})
}

func (p *Pool) workerLoop(id int) {
	defer p.wg.Done()
	slog.Debug("Worker started", "worker_id", id)

	for {
		select {
		case <-p.quit:
			return
		default:
		}
		select {
		case job := <-p.jobQueue:
			p.processJob(id, job)
		case <-p.quit:
			return
		}
	}
}

func (p *Pool) processJob(workerID int, job *ExportJob) {
	key := fmt.Sprintf("exports/%s.%s", job.ID, job.Format.Extension())
	if p.opts.Compress {
		key += ".gz"
	}
	wait := job.begin(key)
	slog.Info("Processing job", "worker_id", workerID, "job_id", job.ID, "wait", wait)

	stats, err := p.run(job, key)
	if err != nil {
		slog.Error("Job failed", "job_id", job.ID, "error", err)
	} else {
		slog.Info("Job completed", "job_id", job.ID, "rows", stats.RowsProcessed, "duration", stats.Duration)
	}
	job.finish(stats, err)
	p.notify(job, stats, err)
}

// notify sends the job's notification in the background. Stop waits for it.
func (p *Pool) notify(job *ExportJob, stats *exporter.ExportResult, err error) {
	if p.opts.Notifier == nil || job.Notify == "" {
		return
	}
	n := email.Notification{To: job.Notify, JobID: job.ID, Err: err}
	if err == nil {
		n.URL = p.storage.GetDownloadURL(job.Key())
		n.Rows, n.Duration = stats.RowsProcessed, stats.Duration
	}

	p.notifyWG.Add(1)
	go func() {
		defer p.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := p.opts.Notifier.SendExportNotification(ctx, n); err != nil {
			slog.Error("Failed to send notification", "job_id", job.ID, "to", job.Notify, "error", err)
		}
	}()
}

func (p *Pool) run(job *ExportJob, key string) (*exporter.ExportResult, error) {
	if err := job.ctx.Err(); err != nil {
		return nil, err
	}

	conn := p.primary
	if p.opts.Clone {
		if err := p.cloneSem.Acquire(job.ctx, 1); err != nil {
			return nil, fmt.Errorf("failed to acquire db connection: %w", err)
		}
		defer p.cloneSem.Release(1)

		clone, err := p.openClone(job.ctx)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := clone.Close(); err != nil {
				slog.Warn("Failed to close cloned connection", "job_id", job.ID, "error", err)
			}
		}()
		conn = clone
	}

	q := conn.BuildQuery(job.Query)
	defer q.Close()

	return p.export(job, q, key)
}

func (p *Pool) openClone(ctx context.Context) (*asyncdb.Connection, error) {
	f := p.primary.Clone(p.opts.CloneParams)
	clone, err := f.Wait(ctx)
	if err != nil {
		f.Dispose()
		return nil, fmt.Errorf("failed to clone connection: %w", err)
	}
	return clone, nil
}

// export streams q through an encoder, an optional gzip layer and into storage.
func (p *Pool) export(job *ExportJob, q *asyncdb.Query, key string) (*exporter.ExportResult, error) {
	storageWriter, errChan := p.storage.StreamToFile(job.ctx, key)
	if storageWriter == nil {
		return nil, fmt.Errorf("storage open failed: %w", <-errChan)
	}

	var out io.Writer = storageWriter
	var gz *gzip.Writer
	if p.opts.Compress {
		gz = gzip.NewWriter(storageWriter)
		out = gz
	}

	encoder, err := exporter.NewEncoder(job.Format, out)
	if err != nil {
		storageWriter.Close()
		<-errChan
		return nil, err
	}

	start := time.Now()
	stats, exportErr := exporter.StreamQuery(job.ctx, q, encoder, job.Args...)
	if exportErr != nil {
		// Discards the partial file instead of publishing it.
		job.cancel()
	}
	encoderCloseErr := encoder.Close()

	var gzipCloseErr error
	if gz != nil {
		gzipCloseErr = gz.Close()
	}
	storageCloseErr := storageWriter.Close()
	uploadErr := <-errChan

	switch {
	case exportErr != nil:
		return nil, fmt.Errorf("export failed: %w", exportErr)
	case encoderCloseErr != nil:
		return nil, fmt.Errorf("encoder close failed: %w", encoderCloseErr)
	case gzipCloseErr != nil:
		return nil, fmt.Errorf("gzip close failed: %w", gzipCloseErr)
	case storageCloseErr != nil:
		return nil, fmt.Errorf("storage close failed: %w", storageCloseErr)
	case uploadErr != nil:
		return nil, fmt.Errorf("upload failed: %w", uploadErr)
	}
	stats.Duration = time.Since(start)
	return stats, nil
}
