package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cleverdata/cmsync/internal/api"
	"github.com/cleverdata/cmsync/internal/auth"
	"github.com/cleverdata/cmsync/internal/stats"
)

// ErrInterrupted means shutdown began before every entry ran. The job file
// is left where it is so the next start runs it again.
var ErrInterrupted = errors.New("job interrupted")

const ResultsSuffix = ".results.jsonl"

// Client is satisfied by *api.Client.
type Client interface {
	Download(ctx context.Context, docID, destination string) api.Outcome
	UpdateMetadata(ctx context.Context, docID string, fields map[string]any) api.Outcome
	Delete(ctx context.Context, docID string) api.Outcome
	FindByAttribute(ctx context.Context, itemType, field, value string) api.Outcome
}

// TokenRefresher is satisfied by *auth.Manager.
type TokenRefresher interface {
	Refresh(ctx context.Context, generation uint64) (auth.Token, error)
}

// Pauser is satisfied by *core.Gate.
type Pauser interface {
	Trip(reason error)
	Wait(ctx context.Context) error
}

// Status buckets an entry result.
type Status string

const (
	StatusSucceeded       Status = "succeeded"
	StatusTransientFailed Status = "transient_failure"
	StatusPermanentFailed Status = "permanent_failure"
)

// Summary counts entry results. For a completed job Total equals the sum of
// the three buckets.
type Summary struct {
	Total           int  `json:"total"`
	Succeeded       int  `json:"succeeded"`
	TransientFailed int  `json:"transient_failed"`
	PermanentFailed int  `json:"permanent_failed"`
	Interrupted     bool `json:"interrupted,omitempty"`
}

func (s *Summary) add(st Status) {
	s.Total++
	switch st {
	case StatusSucceeded:
		s.Succeeded++
	case StatusTransientFailed:
		s.TransientFailed++
	default:
		s.PermanentFailed++
	}
}

// Result is one line of the results file.
type Result struct {
	Index      int       `json:"index"`
	Operation  Operation `json:"operation"`
	Identifier string    `json:"identifier"`
	DocID      string    `json:"doc_id,omitempty"`
	Status     Status    `json:"status"`
	Kind       string    `json:"kind,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Target     string    `json:"target,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type summaryLine struct {
	Job        string    `json:"job"`
	RunID      string    `json:"run_id"`
	FinishedAt time.Time `json:"finished_at"`
	Summary    Summary   `json:"summary"`
}

type Options struct {
	Client                 Client
	Tokens                 TokenRefresher
	Gate                   Pauser // optional
	Stats                  *stats.Collector
	Logger                 *slog.Logger
	DefaultTargetDirectory string
}

// Processor runs job files one entry at a time.
type Processor struct {
	opts   Options
	logger *slog.Logger
}

func NewProcessor(opts Options) *Processor {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Stats == nil {
		opts.Stats = stats.New()
	}
	return &Processor{opts: opts, logger: opts.Logger}
}

// ResultsPath is where the results of the job at path are written.
func ResultsPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ResultsSuffix
}

// Process runs every entry of the job at path with ctx.
func (p *Processor) Process(ctx context.Context, path string) (Summary, error) {
	return p.ProcessUntil(ctx, ctx, path)
}

// ProcessUntil runs entries with work but starts no new entry once stop
// ends. A failed entry never aborts the job.
func (p *Processor) ProcessUntil(stop, work context.Context, path string) (Summary, error) {
	var sum Summary

	job, err := Parse(path)
	if err != nil {
		return sum, err
	}
	runID := uuid.NewString()
	log := p.logger.With("job", job.Name, "run", runID)

	out, err := os.OpenFile(ResultsPath(path), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return sum, fmt.Errorf("open results: %w", err)
	}
	defer out.Close()
	enc := json.NewEncoder(out)

	targetDir := job.DefaultTargetDirectory
	if targetDir == "" {
		targetDir = p.opts.DefaultTargetDirectory
	}

	log.Info("job started", "entries", len(job.Entries))
	for _, e := range job.Entries {
		if stop.Err() != nil {
			sum.Interrupted = true
			log.Warn("job interrupted by shutdown", "done", sum.Total, "entries", len(job.Entries))
			return sum, ErrInterrupted
		}

		res, interrupted := p.run(stop, work, e, targetDir)
		if interrupted {
			sum.Interrupted = true
			log.Warn("job interrupted by shutdown", "done", sum.Total, "entries", len(job.Entries))
			return sum, ErrInterrupted
		}
		sum.add(res.Status)
		p.opts.Stats.JobEntryProcessed()
		if res.Status != StatusSucceeded {
			p.opts.Stats.JobEntryFailed()
			log.Error("job entry failed", "index", e.Index, "op", string(e.Operation),
				"id", res.Identifier, "kind", res.Kind, "error", res.Error)
		}
		if err := enc.Encode(res); err != nil {
			log.Warn("could not write job result", "error", err)
		}
	}

	if err := enc.Encode(summaryLine{Job: job.Name, RunID: runID, FinishedAt: time.Now().UTC(), Summary: sum}); err != nil {
		log.Warn("could not write job summary", "error", err)
	}
	log.Info("job finished", "total", sum.Total, "succeeded", sum.Succeeded,
		"transient_failed", sum.TransientFailed, "permanent_failed", sum.PermanentFailed)
	return sum, nil
}

// run executes one entry. It reports interrupted when shutdown ended a wait
// for the CM to come back.
func (p *Processor) run(stop, work context.Context, e Entry, targetDir string) (Result, bool) {
	res := Result{Index: e.Index, Operation: e.Operation, Identifier: e.identifier()}
	if err := e.validate(); err != nil {
		res.Status = StatusPermanentFailed
		res.Error = err.Error()
		return res, false
	}

	docID := e.DocID
	if docID == "" {
		o, interrupted := p.call(stop, work, func() api.Outcome {
			return p.opts.Client.FindByAttribute(work, e.ItemTypeContext, e.ObjectIDField, e.ObjectID)
		})
		if interrupted {
			return res, true
		}
		if !o.OK() {
			return fail(res, o), false
		}
		docID = o.DocID
	}
	res.DocID = docID

	var o api.Outcome
	var interrupted bool
	switch e.Operation {
	case OpDownload:
		if targetDir == "" {
			res.Status = StatusPermanentFailed
			res.Error = "no target directory for download"
			return res, false
		}
		name := e.TargetFilename
		if name == "" {
			name = docID
		}
		if !filepath.IsLocal(name) {
			res.Status = StatusPermanentFailed
			res.Error = fmt.Sprintf("unsafe target filename %q", name)
			return res, false
		}
		res.Target = filepath.Join(targetDir, name)
		if _, err := os.Stat(res.Target); err == nil {
			res.Status = StatusPermanentFailed
			res.Error = "target already exists"
			return res, false
		}
		o, interrupted = p.call(stop, work, func() api.Outcome {
			return p.opts.Client.Download(work, docID, res.Target)
		})
	case OpUpdateMetadata:
		o, interrupted = p.call(stop, work, func() api.Outcome {
			return p.opts.Client.UpdateMetadata(work, docID, e.Metadata)
		})
	case OpDelete:
		o, interrupted = p.call(stop, work, func() api.Outcome {
			return p.opts.Client.Delete(work, docID)
		})
	}
	if interrupted {
		return res, true
	}
	if !o.OK() {
		return fail(res, o), false
	}
	res.Status = StatusSucceeded
	return res, false
}

// call runs op once, refreshing the token and re-running it once on
// AuthRejected. While no token can be had it waits for the gate.
func (p *Processor) call(stop, work context.Context, op func() api.Outcome) (api.Outcome, bool) {
	refreshed := false
	for {
		o := op()
		switch o.Kind {
		case api.AuthRenewalFailed:
			if p.opts.Gate == nil {
				return o, false
			}
			p.opts.Gate.Trip(o.Err)
			if err := p.opts.Gate.Wait(stop); err != nil {
				return o, true
			}
		case api.AuthRejected:
			if refreshed || p.opts.Tokens == nil {
				return o, false
			}
			refreshed = true
			if _, err := p.opts.Tokens.Refresh(work, o.TokenGeneration); err != nil {
				return o, false
			}
		default:
			return o, false
		}
	}
}

func fail(res Result, o api.Outcome) Result {
	res.Kind = o.Kind.String()
	res.StatusCode = o.StatusCode
	if o.Err != nil {
		res.Error = o.Err.Error()
	}
	if o.Kind == api.TransientFailure || o.Kind == api.AuthRenewalFailed {
		res.Status = StatusTransientFailed
	} else {
		res.Status = StatusPermanentFailed
	}
	return res
}
