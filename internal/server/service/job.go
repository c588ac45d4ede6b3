package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"squeeze/internal/core"
	"squeeze/internal/protocol"
	"squeeze/internal/server/database"
	"squeeze/internal/server/notify"
	"squeeze/internal/server/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Publisher delivers events to the Progress Channel of a job.
type Publisher interface {
	Publish(jobID string, ev protocol.Event) error
	Subscribed(jobID string) bool
}

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobStopped   JobStatus = "stopped"
)

// SubmitRequest is one upload to compress. Body is read to EOF before
// Submit returns.
type SubmitRequest struct {
	JobID         string
	Algorithm     string
	Encrypt       bool
	EncryptionKey string
	Filename      string
	Body          io.Reader
}

type JobOptions struct {
	MaxConcurrent    int64
	MaxFileSize      int64
	ProgressInterval time.Duration
	// Retention is how long finished jobs stay queryable and their ids
	// stay reserved.
	Retention time.Duration
	// AbortGrace is how long a broken upload waits for a stop request
	// before the job is reported failed.
	AbortGrace time.Duration
	// MemoryLimit caps the size of a compressed artifact that is encrypted.
	MemoryLimit int64
	Logger      *slog.Logger
}

func (o JobOptions) withDefaults() JobOptions {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 4
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = 1024 * 1024 * 1024
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 100 * time.Millisecond
	}
	if o.Retention <= 0 {
		o.Retention = 10 * time.Minute
	}
	if o.AbortGrace <= 0 {
		o.AbortGrace = 2 * time.Second
	}
	if o.MemoryLimit <= 0 {
		o.MemoryLimit = DefaultMemoryLimit
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type job struct {
	id        string
	algorithm protocol.Algorithm
	filename  string
	encrypt   bool
	key       string

	ctx    context.Context
	cancel context.CancelFunc

	// guarded by JobService.mu
	status        JobStatus
	progress      int
	message       string
	stopRequested bool
	finishedAt    time.Time
}

// JobService accepts uploads, runs the codec and reports progress on the
// job's Progress Channel. Every job gets exactly one terminal event.
type JobService struct {
	repo     database.ArtifactRepository
	store    storage.Store
	events   Publisher
	notifier notify.Notifier
	sem      *semaphore.Weighted
	opts     JobOptions
	log      *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	jobs  map[string]*job
	names map[string]bool // artifact names being written
}

func NewJobService(repo database.ArtifactRepository, store storage.Store, events Publisher, notifier notify.Notifier, opts JobOptions) *JobService {
	opts = opts.withDefaults()
	if notifier == nil {
		notifier = notify.Noop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &JobService{
		repo:     repo,
		store:    store,
		events:   events,
		notifier: notifier,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		opts:     opts,
		log:      opts.Logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*job),
		names:    make(map[string]bool),
	}
}

// Submit reserves the job id, spools the upload and starts the runner. The
// job is stoppable from the moment its id is reserved.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*protocol.JobAccepted, error) {
	if err := protocol.ValidateJobID(req.JobID); err != nil {
		return nil, err
	}
	alg, err := protocol.ParseAlgorithm(req.Algorithm)
	if err != nil {
		return nil, err
	}

	j, err := s.reserve(req, alg)
	if err != nil {
		return nil, err
	}
	if !s.sem.TryAcquire(1) {
		s.release(j.id)
		return nil, ErrTooManyJobs
	}

	spoolPath, size, err := s.spool(j, req.Body)
	if err != nil {
		s.sem.Release(1)
		if errors.Is(err, ErrFileTooLarge) {
			s.release(j.id)
			return nil, err
		}
		if s.awaitStop(j) {
			s.finish(j, JobStopped, &protocol.Stopped{}, "")
			return nil, ErrJobStopped
		}
		s.finish(j, JobFailed, &protocol.Error{Message: "upload failed"}, err.Error())
		return nil, err
	}

	s.log.InfoContext(ctx, "job accepted",
		"job_id", j.id,
		"algorithm", alg,
		"filename", j.filename,
		"size", size,
		"encrypt", j.encrypt,
	)

	s.wg.Add(1)
	go s.run(j, spoolPath, size)

	return &protocol.JobAccepted{JobID: j.id, Algorithm: alg, OriginalSize: size}, nil
}

func (s *JobService) reserve(req SubmitRequest, alg protocol.Algorithm) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	if _, ok := s.jobs[req.JobID]; ok {
		return nil, ErrJobExists
	}
	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{
		id:        req.JobID,
		algorithm: alg,
		filename:  sanitizeFilename(req.Filename),
		encrypt:   req.Encrypt,
		key:       req.EncryptionKey,
		ctx:       ctx,
		cancel:    cancel,
		status:    JobRunning,
	}
	s.jobs[j.id] = j
	return j, nil
}

func (s *JobService) release(id string) {
	s.mu.Lock()
	if j, ok := s.jobs[id]; ok {
		j.cancel()
		delete(s.jobs, id)
	}
	s.mu.Unlock()
}

func (s *JobService) pruneLocked() {
	cutoff := s.now().Add(-s.opts.Retention)
	for id, j := range s.jobs {
		if j.status != JobRunning && j.finishedAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}

// spool copies the upload to a temporary file so the runner can outlive the
// request.
func (s *JobService) spool(j *job, body io.Reader) (string, int64, error) {
	f, err := os.CreateTemp("", "squeeze-in-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create spool file: %w", err)
	}
	src := core.NewMeteredReader(j.ctx, body)
	n, err := io.Copy(f, io.LimitReader(src, s.opts.MaxFileSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > s.opts.MaxFileSize {
		err = ErrFileTooLarge
	}
	if err != nil {
		os.Remove(f.Name())
		return "", 0, err
	}
	return f.Name(), n, nil
}

// awaitStop reports whether a broken upload was stopped. A client that
// aborts its upload to stop a job may be read as a truncated body before its
// stop request lands, so the job waits AbortGrace for one.
func (s *JobService) awaitStop(j *job) bool {
	if j.ctx.Err() == nil {
		t := time.NewTimer(s.opts.AbortGrace)
		defer t.Stop()
		select {
		case <-j.ctx.Done():
		case <-t.C:
		}
	}
	return j.ctx.Err() != nil && s.stopRequested(j)
}

func (s *JobService) stopRequested(j *job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return j.stopRequested
}

type outcome struct {
	artifact     *database.Artifact
	generatedKey string
}

func (s *JobService) run(j *job, spoolPath string, size int64) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer os.Remove(spoolPath)

	started := time.Now()
	out, err := s.compress(j, spoolPath, size, started)
	elapsed := time.Since(started).Seconds()

	switch {
	case err == nil:
		a := out.artifact
		s.finish(j, JobCompleted, &protocol.Completed{
			OriginalSize:     a.OriginalSize,
			CompressedSize:   a.CompressedSize,
			CompressionRatio: a.CompressionRatio,
			TimeElapsed:      elapsed,
			ArtifactName:     a.Filename,
			EncryptionKey:    out.generatedKey,
		}, a.Filename)
	case j.ctx.Err() != nil:
		if s.stopRequested(j) {
			s.finish(j, JobStopped, &protocol.Stopped{}, "")
			return
		}
		s.finish(j, JobFailed, &protocol.Error{Message: "server shutting down"}, "server shutting down")
	default:
		s.log.Error("job failed", "job_id", j.id, "error", err)
		s.finish(j, JobFailed, &protocol.Error{Message: err.Error()}, err.Error())
	}
}

func (s *JobService) compress(j *job, spoolPath string, size int64, started time.Time) (*outcome, error) {
	codec, err := core.New(j.algorithm)
	if err != nil {
		return nil, err
	}

	in, err := os.Open(spoolPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool file: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp("", "squeeze-out-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	src := core.NewMeteredReader(j.ctx, in)
	dst := core.NewMeteredWriter(tmp)

	stopReporting := s.reportProgress(j, src, dst, size)
	err = codec.Compress(dst, src, j.filename)
	stopReporting()
	if err != nil {
		if ctxErr := j.ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	s.publishProgress(j, 100, &protocol.ProgressDetails{
		OriginalSize: size,
		CurrentSize:  dst.Count(),
		TimeElapsed:  time.Since(started).Seconds(),
	})

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var body io.Reader = tmp
	res := &outcome{}
	if j.encrypt {
		key := j.key
		if key == "" {
			if key, err = core.GenerateKey(); err != nil {
				return nil, err
			}
			res.generatedKey = key
		}
		plain, err := readAllLimited(tmp, s.opts.MemoryLimit)
		if err != nil {
			return nil, fmt.Errorf("encryption failed: %w", err)
		}
		sealed, err := core.Encrypt(plain, key)
		if err != nil {
			return nil, fmt.Errorf("encryption failed: %w", err)
		}
		body = bytes.NewReader(sealed)
	}

	if err := j.ctx.Err(); err != nil {
		return nil, err
	}

	name, err := s.claimName(j)
	if err != nil {
		return nil, err
	}
	defer s.releaseName(name)

	stored, err := s.store.Save(j.ctx, name, body)
	if err != nil {
		if ctxErr := j.ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to store artifact: %w", err)
	}
	if err := j.ctx.Err(); err != nil {
		s.discard(name)
		return nil, err
	}

	a := &database.Artifact{
		ID:               uuid.NewString(),
		JobID:            j.id,
		Filename:         name,
		OriginalName:     j.filename,
		Algorithm:        string(j.algorithm),
		OriginalSize:     size,
		CompressedSize:   stored,
		CompressionRatio: protocol.Ratio(size, stored),
		IsEncrypted:      j.encrypt,
		CreatedAt:        s.now().UTC(),
	}
	// Once the record exists the job completes even if a stop arrives.
	if err := s.repo.CreateArtifact(context.WithoutCancel(j.ctx), a); err != nil {
		s.discard(name)
		return nil, fmt.Errorf("failed to record artifact: %w", err)
	}
	res.artifact = a
	return res, nil
}

// claimName picks <original>.<algorithm>[.enc], falling back to a name
// carrying the job id when that one is taken.
func (s *JobService) claimName(j *job) (string, error) {
	suffix := "." + string(j.algorithm)
	if j.encrypt {
		suffix += ".enc"
	}
	candidates := []string{
		j.filename + suffix,
		j.filename + "-" + j.id + suffix,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range candidates {
		if s.names[name] {
			continue
		}
		_, err := s.repo.GetArtifactByFilename(j.ctx, name)
		if errors.Is(err, database.ErrArtifactNotFound) {
			s.names[name] = true
			return name, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to check artifact name: %w", err)
		}
	}
	return "", fmt.Errorf("%w: artifact name for job %s", database.ErrDuplicate, j.id)
}

func (s *JobService) releaseName(name string) {
	s.mu.Lock()
	delete(s.names, name)
	s.mu.Unlock()
}

func (s *JobService) discard(name string) {
	if err := s.store.Delete(context.Background(), name); err != nil {
		s.log.Error("failed to remove partial artifact", "name", name, "error", err)
	}
}

// reportProgress publishes a progress event on each whole-percent change,
// at most once per ProgressInterval, until the returned func is called.
func (s *JobService) reportProgress(j *job, src *core.MeteredReader, dst *core.MeteredWriter, size int64) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	started := time.Now()

	go func() {
		defer close(finished)
		ticker := time.NewTicker(s.opts.ProgressInterval)
		defer ticker.Stop()

		last := -1
		var lastRead int64
		lastAt := started
		for {
			select {
			case <-done:
				return
			case <-j.ctx.Done():
				return
			case now := <-ticker.C:
				read := src.Count()
				pct := percent(read, size)
				if pct == last {
					continue
				}
				details := &protocol.ProgressDetails{
					OriginalSize: size,
					CurrentSize:  dst.Count(),
					TimeElapsed:  now.Sub(started).Seconds(),
				}
				if dt := now.Sub(lastAt).Seconds(); dt > 0 {
					speed := float64(read-lastRead) / dt
					details.Speed = &speed
				}
				s.publishProgress(j, pct, details)
				last, lastRead, lastAt = pct, read, now
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

// percent caps at 99 while input remains; 100 is sent once the codec is done.
func percent(read, size int64) int {
	if size <= 0 {
		return 0
	}
	p := int(read * 100 / size)
	if p > 99 {
		p = 99
	}
	return p
}

func (s *JobService) publishProgress(j *job, pct int, details *protocol.ProgressDetails) {
	s.mu.Lock()
	j.progress = pct
	s.mu.Unlock()

	if err := s.events.Publish(j.id, &protocol.Progress{Progress: pct, Details: details}); err != nil {
		s.log.Debug("progress not delivered", "job_id", j.id, "error", err)
	}
}

// finish records the terminal state and emits the terminal event. Only the
// first call per job has any effect.
func (s *JobService) finish(j *job, status JobStatus, ev protocol.Event, message string) {
	s.mu.Lock()
	if j.status != JobRunning {
		s.mu.Unlock()
		return
	}
	j.status = status
	j.message = message
	j.finishedAt = s.now()
	if status == JobCompleted {
		j.progress = 100
	}
	s.mu.Unlock()
	j.cancel()

	if err := s.events.Publish(j.id, ev); err != nil {
		s.log.Warn("terminal event not delivered", "job_id", j.id, "error", err)
	}
	s.log.Info("job finished", "job_id", j.id, "status", status)
	s.announce(j, status, message)
}

func (s *JobService) announce(j *job, status JobStatus, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev := notify.JobEvent{
		JobID:     j.id,
		Type:      string(status),
		Algorithm: string(j.algorithm),
		At:        s.now().UTC(),
	}
	if status == JobCompleted {
		ev.ArtifactName = message
	} else {
		ev.Message = message
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.log.Warn("failed to announce job", "job_id", j.id, "error", err)
	}
}

// Stop cancels a job. Stopping a finished job is a no-op. A job the server
// has not seen yet is stopped only when its Progress Channel is open, which
// means the upload is still in flight; its id stays reserved.
func (s *JobService) Stop(ctx context.Context, id string) error {
	if err := protocol.ValidateJobID(id); err != nil {
		return err
	}

	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		running := j.status == JobRunning
		if running {
			j.stopRequested = true
		}
		s.mu.Unlock()
		if running {
			s.log.InfoContext(ctx, "stop requested", "job_id", id)
			j.cancel()
		}
		return nil
	}
	if !s.events.Subscribed(id) {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	jctx, cancel := context.WithCancel(s.ctx)
	j = &job{id: id, ctx: jctx, cancel: cancel, status: JobRunning, stopRequested: true}
	s.jobs[id] = j
	s.mu.Unlock()

	s.log.InfoContext(ctx, "stop requested before upload arrived", "job_id", id)
	s.finish(j, JobStopped, &protocol.Stopped{}, "")
	return nil
}

func (s *JobService) Status(id string) (*protocol.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &protocol.JobState{
		JobID:     j.id,
		Status:    string(j.status),
		Algorithm: j.algorithm,
		Progress:  j.progress,
		Message:   j.message,
	}, nil
}

// Shutdown stops every running job and waits for the runners to exit.
func (s *JobService) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
