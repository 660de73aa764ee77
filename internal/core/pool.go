package core

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cleverdata/cmsync/internal/api"
	"github.com/cleverdata/cmsync/internal/auth"
	"github.com/cleverdata/cmsync/internal/ledger"
	"github.com/cleverdata/cmsync/internal/router"
	"github.com/cleverdata/cmsync/internal/stats"
)

const (
	maxUploadRetries  = 3
	defaultRetryDelay = 2 * time.Second
)

// PoolOptions wires a Pool.
type PoolOptions struct {
	Size       int
	Uploader   Uploader
	Tokens     TokenRefresher
	Router     Disposer
	History    History // optional
	Stats      *stats.Collector
	Gate       *Gate
	Claims     *Claims
	Logger     *slog.Logger
	RetryDelay time.Duration // zero means the default; negative means no wait
}

// Pool runs uploads with at most Size in flight. Submissions never block:
// tasks beyond Size wait for a slot in their own goroutine.
//
// Two contexts drive it. Once stop ends, queued tasks are abandoned (claim
// released, file untouched). Work only ends on the hard shutdown deadline and
// cancels uploads already running.
type Pool struct {
	opts PoolOptions
	sem  chan struct{}
	wg   sync.WaitGroup
	stop context.Context
	work context.Context

	queued  atomic.Int64
	running atomic.Int64
}

func NewPool(stop, work context.Context, opts PoolOptions) *Pool {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Stats == nil {
		opts.Stats = stats.New()
	}
	if opts.Gate == nil {
		opts.Gate = NewGate(opts.Logger)
	}
	if opts.Claims == nil {
		opts.Claims = NewClaims()
	}
	return &Pool{
		opts: opts,
		sem:  make(chan struct{}, opts.Size),
		stop: stop,
		work: work,
	}
}

// Submit queues a claimed task. The claim is released when the task is done
// or abandoned.
func (p *Pool) Submit(task FileTask) {
	p.wg.Add(1)
	p.queued.Add(1)

	go func() {
		defer p.wg.Done()

		select {
		case p.sem <- struct{}{}:
		case <-p.stop.Done():
			p.queued.Add(-1)
			p.abandon(task)
			return
		}
		p.queued.Add(-1)
		defer func() { <-p.sem }()

		if p.stop.Err() != nil {
			p.abandon(task)
			return
		}

		p.running.Add(1)
		defer p.running.Add(-1)
		p.process(task)
	}()
}

// Wait blocks until every submitted task finished or was abandoned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Pending reports tasks waiting for a slot and tasks running.
func (p *Pool) Pending() (queued, running int64) {
	return p.queued.Load(), p.running.Load()
}

func (p *Pool) abandon(task FileTask) {
	p.opts.Logger.Debug("task abandoned on shutdown", "path", task.SourcePath)
	p.opts.Claims.Release(task.SourcePath)
}

func (p *Pool) process(task FileTask) {
	defer p.opts.Claims.Release(task.SourcePath)
	log := p.opts.Logger.With("path", task.SourcePath, "task", task.ID)

	var (
		outcome  api.Outcome
		attempts int
	)
	if task.PriorDocID != "" {
		log.Info("already uploaded, completing disposal", "doc_id", task.PriorDocID)
		outcome = api.Outcome{Kind: api.Success, DocID: task.PriorDocID}
	} else {
		outcome, attempts = p.upload(task, log)
		if outcome.Kind != api.Success && p.work.Err() != nil {
			log.Warn("upload interrupted by shutdown, leaving file in place", "error", outcome.Err)
			return
		}
	}

	entry := ledger.Entry{
		Path:     task.SourcePath,
		Dir:      task.Dir.Path,
		Size:     task.Size,
		ModTime:  task.ModTime.UnixNano(),
		DocID:    outcome.DocID,
		Attempts: attempts,
	}

	switch outcome.Kind {
	case api.Success:
		entry.Status = ledger.StatusUploaded
		// Recorded before disposal so a failed move is not uploaded twice.
		p.record(entry, log)
		if task.PriorDocID == "" {
			p.opts.Stats.UploadSucceeded(task.Size)
			log.Info("upload succeeded", "doc_id", outcome.DocID, "attempts", attempts)
		}
	case api.LocalIOError:
		entry.Status = ledger.StatusLocalError
		entry.Error = outcome.String()
		p.opts.Stats.UploadLocalError()
		log.Error("upload failed locally", "op", "upload", "kind", outcome.Kind.String(), "error", outcome.Err)
	default:
		entry.Status = ledger.StatusFailed
		entry.Error = outcome.String()
		p.opts.Stats.UploadFailed()
		log.Error("upload failed", "op", "upload", "kind", outcome.Kind.String(),
			"status", outcome.StatusCode, "attempts", attempts, "error", outcome.Err)
	}

	res := p.opts.Router.Dispose(task.source(), outcome.Kind)
	entry.Disposition = res.Path
	if res.Err != nil && entry.Error == "" {
		entry.Error = res.Err.Error()
	}
	if entry.Status == ledger.StatusUploaded && !res.SourceRemains() {
		entry.Status = ledger.StatusDisposed
	}
	p.record(entry, log)
	p.opts.Stats.Touch(task.Dir.Path, time.Now())
}

// upload runs the retry policy. It returns the terminal outcome and the
// number of upload calls made.
func (p *Pool) upload(task FileTask, log *slog.Logger) (api.Outcome, int) {
	metadata := map[string]any{
		"source_filename": filepath.Base(task.SourcePath),
		"original_path":   task.SourcePath,
	}

	var (
		retries     int
		attempts    int
		authRetried bool
	)
	for {
		attempts++
		o := p.opts.Uploader.Upload(p.work, task.SourcePath, task.ItemType, metadata)

		switch o.Kind {
		case api.Success, api.PermanentFailure, api.LocalIOError:
			return o, attempts

		case api.AuthRenewalFailed:
			// Not the file's fault: wait out the outage without using a retry.
			p.opts.Gate.Trip(o.Err)
			if err := p.opts.Gate.Wait(p.work); err != nil {
				return o, attempts
			}
			continue

		case api.AuthRejected:
			if authRetried || retries >= maxUploadRetries {
				return o, attempts
			}
			authRetried = true
			if _, err := p.opts.Tokens.Refresh(p.work, o.TokenGeneration); err != nil {
				if !errors.Is(err, auth.ErrRenewalFailed) {
					return o, attempts
				}
				p.opts.Gate.Trip(err)
				if err := p.opts.Gate.Wait(p.work); err != nil {
					return o, attempts
				}
			}

		case api.TransientFailure:
			if retries >= maxUploadRetries {
				return o, attempts
			}
		}

		retries++
		p.opts.Stats.UploadRetried()
		log.Warn("upload attempt failed, retrying", "kind", o.Kind.String(), "attempt", attempts, "error", o.Err)
		if !p.sleep(p.opts.RetryDelay) {
			return o, attempts
		}
	}
}

func (p *Pool) sleep(d time.Duration) bool {
	if d <= 0 {
		return p.work.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.work.Done():
		return false
	}
}

func (p *Pool) record(e ledger.Entry, log *slog.Logger) {
	if p.opts.History == nil {
		return
	}
	if err := p.opts.History.Record(p.work, e); err != nil {
		log.Warn("could not record upload history", "error", err)
	}
}

var _ Disposer = (*router.Router)(nil)
