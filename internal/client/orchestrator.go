package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"squeeze/internal/client/keystore"
	"squeeze/internal/protocol"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultStopGrace      = 10 * time.Second
)

// Source is the file submitted for compression.
type Source struct {
	Name   string
	Size   int64
	Reader io.Reader
}

// UploadRequest is the transfer that starts a job on the server, correlated
// with its Progress Channel by JobID.
type UploadRequest struct {
	JobID         string
	Algorithm     protocol.Algorithm
	Encrypt       bool
	EncryptionKey string
	Filename      string
	Size          int64
	Body          io.Reader
}

// Transport carries the out-of-band requests of a job.
type Transport interface {
	// Upload sends the source file and reports transfer progress as a
	// percentage. It returns once the server has accepted the job.
	Upload(ctx context.Context, req UploadRequest, progress func(percent int)) error
	// Stop asks the server to cancel a job. Confirmation arrives as a
	// stopped event on the channel.
	Stop(ctx context.Context, jobID string) error
}

// Options tunes an Orchestrator. Zero values select the defaults.
type Options struct {
	ConnectTimeout    time.Duration
	StopGrace         time.Duration
	WindowCapacity    int
	HeartbeatInterval time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration

	Logger *slog.Logger

	// OnUpdate is called after every applied change. It runs on the job's
	// event loop and must not block.
	OnUpdate func(Job)
	// OnTerminal is called exactly once per job, after its terminal
	// transition.
	OnTerminal func(Job)

	Now      func() time.Time
	NewJobID func() string
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.WindowCapacity <= 0 {
		o.WindowCapacity = DefaultWindowCapacity
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewJobID == nil {
		o.NewJobID = protocol.NewJobID
	}
	return o
}

// Orchestrator drives compression jobs through their lifecycle. One job may
// be active at a time; finished jobs stay readable.
type Orchestrator struct {
	transport  Transport
	dialer     Dialer
	keys       *keystore.Registry
	supervisor *Supervisor
	opts       Options
	log        *slog.Logger

	mu     sync.Mutex
	runs   map[string]*run
	active *run
}

// New creates an Orchestrator. keys may be nil when encryption keys need not
// be remembered.
func New(transport Transport, dialer Dialer, keys *keystore.Registry, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		transport: transport,
		dialer:    dialer,
		keys:      keys,
		supervisor: &Supervisor{
			Interval:    opts.HeartbeatInterval,
			MaxAttempts: opts.ReconnectAttempts,
			Backoff:     opts.ReconnectBackoff,
			Logger:      opts.Logger,
		},
		opts: opts,
		log:  opts.Logger,
		runs: make(map[string]*run),
	}
}

// Start allocates a job id, opens the job's Progress Channel and begins the
// upload. It returns once the upload is under way; the outcome is observed
// through Wait or OnTerminal. The job id is returned even when Start fails so
// the failed job can be inspected.
func (o *Orchestrator) Start(ctx context.Context, src Source, algorithm protocol.Algorithm, encrypt bool, key string) (string, error) {
	if !algorithm.Valid() {
		return "", fmt.Errorf("%w: %q", protocol.ErrUnknownAlgorithm, algorithm)
	}
	if src.Reader == nil {
		return "", errors.New("source reader is required")
	}
	if !encrypt {
		key = ""
	}

	o.mu.Lock()
	if o.active != nil && !o.active.finished() {
		o.mu.Unlock()
		return "", ErrJobActive
	}
	r := o.newRun(src, algorithm, encrypt, key)
	o.runs[r.id] = r
	o.active = r
	o.mu.Unlock()

	r.update(func(j *Job) { j.Status = StatusConnecting })

	dialCtx, cancel := context.WithTimeout(ctx, o.opts.ConnectTimeout)
	ch, err := o.dialer.Dial(dialCtx, r.id)
	cancel()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
		o.log.Warn("progress channel failed to open", "job_id", r.id, "error", err)
		r.finish(func(j *Job) {
			j.Status = StatusFailed
			j.Err = err
		})
		return r.id, err
	}

	r.update(func(j *Job) { j.Status = StatusUploading })
	r.ch = ch
	go r.read(ch, r.gen)

	uploadCtx, uploadCancel := context.WithCancel(context.WithoutCancel(ctx))
	r.uploadCancel = uploadCancel
	go r.upload(uploadCtx, src)

	go r.loop()

	return r.id, nil
}

// Stop requests cancellation of a job. Only uploading or running jobs can be
// stopped; for any other state Stop is a no-op.
func (o *Orchestrator) Stop(jobID string) error {
	r := o.lookup(jobID)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if st := r.status(); st != StatusUploading && st != StatusRunning {
		return nil
	}

	reply := make(chan error, 1)
	if !r.post(stopMsg{reply: reply}) {
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		return nil
	}
}

// Wait blocks until the job reaches a terminal state and returns its final
// snapshot together with the terminal failure, if any.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) (Job, error) {
	r := o.lookup(jobID)
	if r == nil {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	select {
	case <-r.done:
		j := r.snapshot()
		return j, j.Err
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Job returns the current snapshot of a job.
func (o *Orchestrator) Job(jobID string) (Job, bool) {
	r := o.lookup(jobID)
	if r == nil {
		return Job{}, false
	}
	return r.snapshot(), true
}

func (o *Orchestrator) lookup(jobID string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[jobID]
}

// inbox messages
type (
	frameMsg struct {
		gen   int
		frame Frame
	}
	closedMsg struct {
		gen int
		err error
	}
	uploadProgressMsg struct{ percent int }
	uploadDoneMsg     struct{ err error }
	stopMsg           struct{ reply chan error }
	reconnectedMsg    struct {
		ch  Channel
		err error
	}
)

// run is the state of one job. Its fields other than job are owned by the
// loop goroutine once Start returns; job is guarded by mu for readers.
type run struct {
	o  *Orchestrator
	id string

	mu       sync.Mutex
	job      Job
	progress *Window[ProgressSample]
	speeds   *Window[SpeedSample]

	inbox chan any
	done  chan struct{}
	ctx   context.Context
	halt  context.CancelFunc

	ch            Channel
	gen           int
	hb            heartbeat
	stopRequested bool
	graceC        <-chan time.Time
	graceTimer    *time.Timer
	uploadCancel  context.CancelFunc
	closed        bool
}

func (o *Orchestrator) newRun(src Source, algorithm protocol.Algorithm, encrypt bool, key string) *run {
	id := o.opts.NewJobID()
	ctx, halt := context.WithCancel(context.Background())
	return &run{
		o:  o,
		id: id,
		job: Job{
			ID:                  id,
			Filename:            src.Name,
			Algorithm:           algorithm,
			EncryptionRequested: encrypt,
			EncryptionKey:       key,
			Status:              StatusCreated,
			OriginalSize:        src.Size,
			StartedAt:           o.opts.Now(),
		},
		progress: NewWindow[ProgressSample](o.opts.WindowCapacity),
		speeds:   NewWindow[SpeedSample](o.opts.WindowCapacity),
		inbox:    make(chan any, 64),
		done:     make(chan struct{}),
		ctx:      ctx,
		halt:     halt,
		hb:       heartbeat{jobID: id, log: o.log},
	}
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *run) snapshot() Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *run) snapshotLocked() Job {
	j := r.job
	j.ProgressSamples = r.progress.Snapshot()
	j.SpeedSamples = r.speeds.Snapshot()
	return j
}

func (r *run) status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Status
}

// update applies fn to the job and reports the change.
func (r *run) update(fn func(j *Job)) {
	r.mu.Lock()
	fn(&r.job)
	snap := r.snapshotLocked()
	r.mu.Unlock()

	if r.o.opts.OnUpdate != nil {
		r.o.opts.OnUpdate(snap)
	}
}

// post hands a message to the loop. It reports false once the job finished.
func (r *run) post(m any) bool {
	if r.finished() {
		return false
	}
	select {
	case r.inbox <- m:
		return true
	case <-r.done:
		return false
	}
}

func (r *run) read(ch Channel, gen int) {
	for {
		f, err := ch.Receive()
		if err != nil {
			r.post(closedMsg{gen: gen, err: err})
			return
		}
		if !r.post(frameMsg{gen: gen, frame: f}) {
			return
		}
	}
}

func (r *run) upload(ctx context.Context, src Source) {
	last := -1
	err := r.o.transport.Upload(ctx, UploadRequest{
		JobID:         r.id,
		Algorithm:     r.job.Algorithm,
		Encrypt:       r.job.EncryptionRequested,
		EncryptionKey: r.job.EncryptionKey,
		Filename:      src.Name,
		Size:          src.Size,
		Body:          src.Reader,
	}, func(percent int) {
		if percent == last {
			return
		}
		last = percent
		r.post(uploadProgressMsg{percent: percent})
	})
	r.post(uploadDoneMsg{err: err})
}

func (r *run) loop() {
	ticker := time.NewTicker(r.o.supervisor.interval())
	defer ticker.Stop()

	for !r.closed {
		select {
		case m := <-r.inbox:
			r.handle(m)
		case <-ticker.C:
			if r.ch != nil {
				r.hb.tick(r.ch)
			}
		case <-r.graceC:
			r.o.log.Warn("stop not confirmed, forcing local stop", "job_id", r.id)
			r.finish(func(j *Job) {
				j.Status = StatusStopped
				j.StopConfirmed = false
				j.Err = ErrCancelTimeout
			})
		}
	}
}

func (r *run) handle(m any) {
	switch m := m.(type) {
	case frameMsg:
		if m.gen != r.gen {
			return
		}
		r.onFrame(m.frame)

	case closedMsg:
		if m.gen != r.gen {
			return
		}
		r.onClosed(m.err)

	case reconnectedMsg:
		if m.err != nil {
			r.o.log.Error("progress channel lost", "job_id", r.id, "error", m.err)
			r.finish(func(j *Job) {
				j.Status = StatusFailed
				j.Err = m.err
			})
			return
		}
		r.gen++
		r.ch = m.ch
		r.hb.reset()
		go r.read(m.ch, r.gen)

	case uploadProgressMsg:
		r.update(func(j *Job) { j.UploadProgress = m.percent })

	case uploadDoneMsg:
		r.onUploadDone(m.err)

	case stopMsg:
		m.reply <- r.onStop()
	}
}

func (r *run) onUploadDone(err error) {
	switch st := r.status(); {
	case st == StatusStopping:
		if err != nil {
			r.o.log.Debug("upload interrupted by stop", "job_id", r.id, "error", err)
		}
	case err != nil:
		err = fmt.Errorf("%w: %v", ErrUpload, err)
		r.o.log.Error("upload failed", "job_id", r.id, "error", err)
		r.finish(func(j *Job) {
			j.Status = StatusFailed
			j.Err = err
		})
	case st == StatusUploading:
		r.update(func(j *Job) {
			j.UploadProgress = 100
			j.Status = StatusRunning
		})
	}
}

func (r *run) onStop() error {
	st := r.status()
	if st != StatusUploading && st != StatusRunning {
		return nil
	}

	r.stopRequested = true
	r.update(func(j *Job) { j.Status = StatusStopping })
	r.graceTimer = time.NewTimer(r.o.opts.StopGrace)
	r.graceC = r.graceTimer.C

	// The upload is torn down only after the server accepted the stop, so
	// the server sees a stopped job rather than a broken upload.
	var cancelUpload context.CancelFunc
	if st == StatusUploading {
		cancelUpload = r.uploadCancel
	}
	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, r.o.opts.StopGrace)
		defer cancel()
		if err := r.o.transport.Stop(ctx, r.id); err != nil {
			r.o.log.Warn("stop request failed", "job_id", r.id, "error", err)
			return
		}
		if cancelUpload != nil {
			cancelUpload()
		}
	}()
	return nil
}

func (r *run) onClosed(err error) {
	r.o.log.Warn("progress channel closed", "job_id", r.id, "error", err)
	r.ch.Close()
	r.ch = nil

	go func() {
		ch, err := r.o.supervisor.Reconnect(r.ctx, r.id, r.o.dialer)
		if !r.post(reconnectedMsg{ch: ch, err: err}) && ch != nil {
			ch.Close()
		}
	}()
}

func (r *run) onFrame(f Frame) {
	switch {
	case f.Pong:
		r.hb.pong()
	case f.Invalid != nil:
		r.o.log.Warn("dropping malformed frame", "job_id", r.id, "error", fmt.Errorf("%w: %v", ErrProtocolViolation, f.Invalid))
	case f.Event != nil:
		r.onEvent(f.Event)
	}
}

func (r *run) onEvent(ev protocol.Event) {
	st := r.status()

	if ev.Terminal() {
		if st != StatusUploading && st != StatusRunning && st != StatusStopping {
			r.violation(ev, st)
			return
		}
		r.onTerminal(ev)
		return
	}

	p, ok := ev.(*protocol.Progress)
	if !ok {
		r.violation(ev, st)
		return
	}
	if st != StatusRunning && st != StatusStopping {
		r.violation(ev, st)
		return
	}

	elapsed := r.o.opts.Now().Sub(r.job.StartedAt).Seconds()
	r.mu.Lock()
	r.progress.Append(ProgressSample{Time: elapsed, Progress: p.Progress})
	if p.Details != nil && p.Details.Speed != nil {
		r.speeds.Append(SpeedSample{Time: elapsed, Speed: *p.Details.Speed})
	}
	r.mu.Unlock()

	r.update(func(j *Job) {
		j.Progress = p.Progress
		if d := p.Details; d != nil {
			j.OriginalSize = d.OriginalSize
			j.CurrentSize = d.CurrentSize
			j.CompressionRatio = protocol.Ratio(d.OriginalSize, d.CurrentSize)
			j.ElapsedSeconds = d.TimeElapsed
			if d.Speed != nil {
				j.Speed = *d.Speed
			}
		}
	})
}

func (r *run) violation(ev protocol.Event, st Status) {
	r.o.log.Warn("dropping event",
		"job_id", r.id,
		"type", ev.Type(),
		"status", st,
		"error", ErrProtocolViolation,
	)
}

func (r *run) onTerminal(ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.Completed:
		key := r.job.EncryptionKey
		if e.EncryptionKey != "" {
			key = e.EncryptionKey
		}
		// The key is stored before OnTerminal fires.
		if r.job.EncryptionRequested && key != "" && r.o.keys != nil && e.ArtifactName != "" {
			if err := r.o.keys.Register(r.ctx, e.ArtifactName, key); err != nil {
				r.o.log.Error("failed to remember encryption key", "job_id", r.id, "artifact", e.ArtifactName, "error", err)
			}
		}
		r.finish(func(j *Job) {
			j.Status = StatusCompleted
			j.Progress = 100
			j.OriginalSize = e.OriginalSize
			j.CurrentSize = e.CompressedSize
			j.CompressionRatio = e.CompressionRatio
			j.ElapsedSeconds = e.TimeElapsed
			j.ArtifactName = e.ArtifactName
			j.EncryptionKey = key
		})

	case *protocol.Error:
		r.o.log.Error("job failed", "job_id", r.id, "message", e.Message)
		r.finish(func(j *Job) {
			j.Status = StatusFailed
			j.Err = &JobError{Message: e.Message}
		})

	case *protocol.Stopped:
		if !r.stopRequested {
			r.o.log.Warn("unsolicited stop", "job_id", r.id)
			r.finish(func(j *Job) {
				j.Status = StatusFailed
				j.Err = &JobError{Message: "job stopped by server"}
			})
			return
		}
		r.finish(func(j *Job) {
			j.Status = StatusStopped
			j.StopConfirmed = true
		})
	}
}

// finish applies the terminal transition, releases the job's resources and
// notifies exactly once. Later terminal events are dropped.
func (r *run) finish(fn func(j *Job)) {
	if r.closed {
		return
	}
	r.closed = true

	if r.graceTimer != nil {
		r.graceTimer.Stop()
	}
	r.graceC = nil
	if r.uploadCancel != nil {
		r.uploadCancel()
	}
	r.halt()
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.o.log.Debug("closing progress channel", "job_id", r.id, "error", err)
		}
	}

	r.mu.Lock()
	fn(&r.job)
	r.progress.Unbound()
	r.speeds.Unbound()
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.o.log.Info("job finished", "job_id", r.id, "status", snap.Status)
	if r.o.opts.OnUpdate != nil {
		r.o.opts.OnUpdate(snap)
	}
	if r.o.opts.OnTerminal != nil {
		r.o.opts.OnTerminal(snap)
	}

	close(r.done)
	r.drain()
}

// drain empties the inbox after the terminal transition.
func (r *run) drain() {
	for {
		select {
		case m := <-r.inbox:
			switch m := m.(type) {
			case frameMsg:
				if m.frame.Event != nil && m.frame.Event.Terminal() {
					r.o.log.Info("duplicate terminal event ignored", "job_id", r.id, "type", m.frame.Event.Type())
				}
			case stopMsg:
				m.reply <- nil
			case reconnectedMsg:
				if m.ch != nil {
					m.ch.Close()
				}
			}
		default:
			return
		}
	}
}
