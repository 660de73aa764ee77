package jobs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cleverdata/cmsync/internal/fileutil"
)

const (
	ProcessedDir = "processed"
	RejectedDir  = "rejected"

	// Job files younger than this may still be being written.
	jobSettle     = 2 * time.Second
	watchDebounce = time.Second
)

// Inbox picks up job files dropped into a directory and runs them one at a
// time, oldest name first.
type Inbox struct {
	dir       string
	poll      time.Duration
	processor *Processor
	logger    *slog.Logger
	now       func() time.Time
}

func NewInbox(dir string, poll time.Duration, processor *Processor, logger *slog.Logger) *Inbox {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &Inbox{
		dir:       dir,
		poll:      poll,
		processor: processor,
		logger:    logger.With("inbox", dir),
		now:       time.Now,
	}
}

// Run sweeps the inbox on a ticker and on file events until stop ends.
// Entries of the job in progress run on work.
func (in *Inbox) Run(stop, work context.Context) error {
	for _, d := range []string{in.dir, filepath.Join(in.dir, ProcessedDir), filepath.Join(in.dir, RejectedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	in.logger.Info("job inbox started", "poll", in.poll)

	trigger := make(chan struct{}, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		in.watch(stop, trigger)
	}()
	defer wg.Wait()

	in.Sweep(stop, work)

	ticker := time.NewTicker(in.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			in.Sweep(stop, work)
		case <-trigger:
			in.Sweep(stop, work)
		case <-stop.Done():
			in.logger.Info("job inbox stopped")
			return nil
		}
	}
}

// Sweep runs every ready job file currently in the inbox and returns how
// many were finished.
func (in *Inbox) Sweep(stop, work context.Context) int {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.logger.Error("cannot list job inbox", "error", err)
		return 0
	}
	var ready []string
	for _, d := range entries {
		name := d.Name()
		if !d.Type().IsRegular() || strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ".json") {
			continue
		}
		info, err := d.Info()
		if err != nil || in.now().Sub(info.ModTime()) < jobSettle {
			continue
		}
		ready = append(ready, filepath.Join(in.dir, name))
	}
	sort.Strings(ready)

	done := 0
	for _, path := range ready {
		if stop.Err() != nil {
			break
		}
		if in.runOne(stop, work, path) {
			done++
		}
	}
	return done
}

func (in *Inbox) runOne(stop, work context.Context, path string) bool {
	log := in.logger.With("file", filepath.Base(path))
	_, err := in.processor.ProcessUntil(stop, work, path)
	switch {
	case errors.Is(err, ErrInterrupted):
		return false
	case errors.Is(err, ErrInvalidJob):
		log.Error("rejecting job file", "error", err)
		in.file(path, RejectedDir, log)
		return false
	case err != nil:
		log.Error("job could not run", "error", err)
		return false
	}
	in.file(path, ProcessedDir, log)
	in.file(ResultsPath(path), ProcessedDir, log)
	return true
}

func (in *Inbox) file(path, sub string, log *slog.Logger) {
	dst := filepath.Join(in.dir, sub, filepath.Base(path))
	if _, err := fileutil.MoveNoClobber(path, dst, in.now()); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Error("could not move job file", "to", sub, "error", err)
	}
}

func (in *Inbox) watch(ctx context.Context, trigger chan<- struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		in.logger.Warn("inbox watcher unavailable, polling only", "error", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(in.dir); err != nil {
		in.logger.Warn("could not watch inbox, polling only", "error", err)
		return
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case e, ok := <-watcher.Events:
			if !ok {
				return
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) == 0 || !strings.EqualFold(filepath.Ext(e.Name), ".json") {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			// Fire after the settle window so the sweep sees the file as ready.
			timer = time.AfterFunc(jobSettle+watchDebounce, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			in.logger.Warn("inbox watcher error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}
