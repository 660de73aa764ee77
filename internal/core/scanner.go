package core

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cleverdata/cmsync/internal/config"
	"github.com/cleverdata/cmsync/internal/stats"
)

const watchDebounce = time.Second

// Submitter is satisfied by *Pool.
type Submitter interface {
	Submit(task FileTask)
}

// ScannerDeps holds what a Scanner shares with the rest of the daemon.
type ScannerDeps struct {
	Pool    Submitter
	Claims  *Claims
	History History // optional
	Stats   *stats.Collector
	Gate    *Gate
	Logger  *slog.Logger
	// Exclude lists directories never descended into, typically the move
	// target and the failed archive when they live under the scan root.
	Exclude []string
	Now     func() time.Time
}

// Scanner enumerates one directory and hands eligible files to the pool.
type Scanner struct {
	dir    config.ScanDirectoryConfig
	deps   ScannerDeps
	logger *slog.Logger
}

func NewScanner(dir config.ScanDirectoryConfig, deps ScannerDeps) *Scanner {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Claims == nil {
		deps.Claims = NewClaims()
	}
	if deps.Stats == nil {
		deps.Stats = stats.New()
	}
	if deps.Gate == nil {
		deps.Gate = NewGate(deps.Logger)
	}
	return &Scanner{
		dir:    dir,
		deps:   deps,
		logger: deps.Logger.With("dir", dir.Path),
	}
}

func (s *Scanner) Dir() config.ScanDirectoryConfig { return s.dir }

// Run scans until ctx ends. With a zero interval it runs a single cycle and
// returns. Cycles never overlap: watcher events only queue an early cycle.
func (s *Scanner) Run(ctx context.Context) error {
	if _, err := os.Stat(s.dir.Path); errors.Is(err, os.ErrNotExist) {
		s.logger.Info("creating scan directory")
		if err := os.MkdirAll(s.dir.Path, 0o755); err != nil {
			return err
		}
	}

	if s.dir.ScanIntervalSeconds == 0 {
		if err := s.deps.Gate.Wait(ctx); err != nil {
			return nil
		}
		n := s.Cycle(ctx)
		s.logger.Info("one-shot scan finished", "submitted", n)
		return nil
	}

	s.logger.Info("scanner started", "interval", s.dir.ScanInterval(), "recursive", s.dir.RecursiveScan)
	trigger := make(chan struct{}, 1)
	if s.dir.WatchEvents {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.watch(ctx, trigger)
		}()
		defer wg.Wait()
	}

	s.Cycle(ctx)

	ticker := time.NewTicker(s.dir.ScanInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Cycle(ctx)
		case <-trigger:
			s.Cycle(ctx)
		case <-ctx.Done():
			s.logger.Info("scanner stopped")
			return nil
		}
	}
}

// Cycle performs one enumeration pass and returns how many files were
// submitted. It does nothing while the outage gate is closed.
func (s *Scanner) Cycle(ctx context.Context) int {
	if s.deps.Gate.Paused() {
		s.logger.Debug("CM unavailable, skipping scan")
		return 0
	}

	submitted := 0
	visit := func(path string, d fs.DirEntry) {
		if ctx.Err() != nil || !d.Type().IsRegular() {
			return
		}
		if s.submit(ctx, path, d) {
			submitted++
		}
	}

	if s.dir.RecursiveScan {
		err := filepath.WalkDir(s.dir.Path, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == s.dir.Path {
					return err
				}
				s.logger.Warn("skipping unreadable entry", "path", path, "error", err)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if path != s.dir.Path && (hidden(d.Name()) || s.excluded(path)) {
					return filepath.SkipDir
				}
				return nil
			}
			visit(path, d)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			s.logger.Error("scan failed", "error", err)
		}
	} else {
		entries, err := os.ReadDir(s.dir.Path)
		if err != nil {
			s.logger.Error("scan failed", "error", err)
		}
		for _, d := range entries {
			visit(filepath.Join(s.dir.Path, d.Name()), d)
		}
	}

	s.deps.Stats.Touch(s.dir.Path, s.deps.Now())
	if submitted > 0 {
		s.logger.Info("scan cycle submitted files", "count", submitted)
	}
	return submitted
}

func (s *Scanner) submit(ctx context.Context, path string, d fs.DirEntry) bool {
	name := d.Name()
	if hidden(name) {
		return false
	}
	if ok, _ := filepath.Match(s.pattern(), name); !ok {
		return false
	}
	info, err := d.Info()
	if err != nil {
		// Vanished between listing and stat.
		return false
	}
	now := s.deps.Now()
	if settle := s.dir.Settle(); settle > 0 && now.Sub(info.ModTime()) < settle {
		return false
	}
	if !s.deps.Claims.TryClaim(path) {
		return false
	}

	rel, err := filepath.Rel(s.dir.Path, path)
	if err != nil {
		rel = name
	}
	task := newTask(s.dir, path, rel, info.Size(), info.ModTime(), now)
	if s.deps.History != nil {
		if prior, ok := s.deps.History.AlreadyUploaded(ctx, path, info.Size(), info.ModTime().UnixNano()); ok {
			task.PriorDocID = prior.DocID
		}
	}

	s.deps.Stats.FileScanned()
	s.logger.Debug("file discovered", "path", path, "size", info.Size(), "task", task.ID)
	s.deps.Pool.Submit(task)
	return true
}

func (s *Scanner) pattern() string {
	if s.dir.FilePattern == "" {
		return "*"
	}
	return s.dir.FilePattern
}

func (s *Scanner) excluded(path string) bool {
	for _, ex := range s.deps.Exclude {
		if ex != "" && filepath.Clean(ex) == path {
			return true
		}
	}
	return false
}

// watch feeds trigger from fsnotify. Bursts of events within watchDebounce
// collapse into one early cycle.
func (s *Scanner) watch(ctx context.Context, trigger chan<- struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("file watcher unavailable, polling only", "error", err)
		return
	}
	defer watcher.Close()

	s.addWatch(watcher, s.dir.Path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case e, ok := <-watcher.Events:
			if !ok {
				return
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) == 0 || hidden(filepath.Base(e.Name)) {
				continue
			}
			if s.dir.RecursiveScan && e.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(e.Name); err == nil && info.IsDir() && !s.excluded(e.Name) {
					s.addWatch(watcher, e.Name)
				}
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scanner) addWatch(w *fsnotify.Watcher, root string) {
	if !s.dir.RecursiveScan {
		if err := w.Add(root); err != nil {
			s.logger.Warn("could not watch directory", "path", root, "error", err)
		}
		return
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && (hidden(d.Name()) || s.excluded(path)) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			s.logger.Warn("could not watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
