// Package daemon wires the sync components together and owns their
// lifecycle: single-instance lock, scanners, job inbox, outage gate, reloads
// and the two-phase shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/cleverdata/cmsync/internal/api"
	"github.com/cleverdata/cmsync/internal/auth"
	"github.com/cleverdata/cmsync/internal/config"
	"github.com/cleverdata/cmsync/internal/core"
	"github.com/cleverdata/cmsync/internal/jobs"
	"github.com/cleverdata/cmsync/internal/ledger"
	"github.com/cleverdata/cmsync/internal/router"
	"github.com/cleverdata/cmsync/internal/stats"
)

var ErrAlreadyRunning = errors.New("another cmsync instance is already running")

// Loader re-reads the configuration for a reload.
type Loader func() (*config.Config, error)

type Options struct {
	Logger *slog.Logger
	Loader Loader // nil disables reloads
}

// Status is the snapshot served on /api/status.
type Status struct {
	stats.Snapshot
	Paused         bool   `json:"paused"`
	OutageCount    int64  `json:"outage_count"`
	QueuedUploads  int64  `json:"queued_uploads"`
	RunningUploads int64  `json:"running_uploads"`
	TokenRenewals  int64  `json:"token_renewals"`
	Reloads        int64  `json:"reloads"`
	Scanners       int    `json:"scanners"`
	JobInbox       string `json:"job_inbox,omitempty"`
}

type reloadRequest struct {
	done chan error
}

// Daemon runs one sync instance.
type Daemon struct {
	logger *slog.Logger
	loader Loader

	mu  sync.Mutex
	cfg *config.Config

	lock    *flock.Flock
	ledger  *ledger.Ledger
	tokens  *auth.Manager
	client  *api.Client
	router  *router.Router
	stats   *stats.Collector
	gate    *core.Gate
	claims  *core.Claims
	pool    *core.Pool
	reloads chan reloadRequest

	reloadCount atomic.Int64
	running     atomic.Bool

	scanners   int
	scanCancel context.CancelFunc
	scanDone   chan struct{}

	inboxDir    string
	inboxCancel context.CancelFunc
	inboxDone   chan struct{}
}

// New builds the components for cfg. Nothing runs until Run.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires a configuration")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var renewer auth.Renewer
	if cfg.Authentication.TokenRenewalURL != "" {
		renewer = auth.NewHTTPRenewer(cfg.Authentication)
	}
	tokens := auth.NewManager(auth.Options{
		Renewer:   renewer,
		Static:    cfg.Authentication.BearerToken,
		Threshold: cfg.Authentication.ExpiryThreshold(),
		Validity:  cfg.Authentication.DefaultValidity(),
		Logger:    logger.With("component", "auth"),
	})

	return &Daemon{
		logger:  logger,
		loader:  opts.Loader,
		cfg:     cfg,
		lock:    flock.New(cfg.Daemon.LockFilePath),
		tokens:  tokens,
		client:  api.New(cfg.BaseURL, tokens, api.WithLogger(logger.With("component", "api"))),
		router:  router.New(cfg.Download.FailedArchiveDirectory, logger.With("component", "router")),
		stats:   stats.New(),
		gate:    core.NewGate(logger.With("component", "gate")),
		claims:  core.NewClaims(),
		reloads: make(chan reloadRequest),
	}, nil
}

// Config returns the configuration currently in effect.
func (d *Daemon) Config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Run blocks until ctx ends, then drains: queued uploads are abandoned,
// running uploads and the current job entry get the shutdown timeout to
// finish before they are cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.lock.Path()), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock", "error", err)
		}
	}()

	cfg := d.Config()
	led, err := ledger.Open(cfg.StateDBPath)
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer led.Close()

	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	pool := core.NewPool(ctx, work, core.PoolOptions{
		Size:     cfg.Performance.MaxParallelUploads,
		Uploader: d.client,
		Tokens:   d.tokens,
		Router:   d.router,
		History:  led,
		Stats:    d.stats,
		Gate:     d.gate,
		Claims:   d.claims,
		Logger:   d.logger.With("component", "pool"),
	})
	d.mu.Lock()
	d.ledger, d.pool = led, pool
	d.mu.Unlock()

	if o := d.client.Ping(ctx); !o.OK() {
		if o.Kind == api.TransientFailure || o.Kind == api.AuthRenewalFailed {
			d.gate.Trip(o.Err)
		} else {
			d.logger.Warn("CM connection check failed", "kind", o.Kind.String(), "status", o.StatusCode, "error", o.Err)
		}
	}

	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		d.gate.Probe(ctx, cfg.Daemon.RetryInterval(), d.checkCM)
	}()

	var srv *http.Server
	if cfg.Daemon.InternalAPIPort > 0 {
		srv, err = d.serve(cfg.Daemon.InternalAPIPort)
		if err != nil {
			d.logger.Error("status API disabled", "error", err)
		}
	}

	if cfg.Performance.MaxParallelDownloads > 1 || cfg.Performance.MaxParallelMetadataUpdates > 1 {
		d.logger.Info("job entries run serially; parallel download and metadata update settings have no effect",
			"max_parallel_downloads", cfg.Performance.MaxParallelDownloads,
			"max_parallel_metadata_updates", cfg.Performance.MaxParallelMetadataUpdates)
	}

	d.startScanners(ctx, cfg)
	d.startInbox(ctx, work, cfg)
	d.running.Store(true)
	d.logger.Info("cmsync started",
		"directories", len(cfg.EnabledDirectories()),
		"max_parallel_uploads", cfg.Performance.MaxParallelUploads,
		"lock", cfg.Daemon.LockFilePath)

loop:
	for {
		select {
		case req := <-d.reloads:
			req.done <- d.reload(ctx, work)
		case <-ctx.Done():
			break loop
		}
	}

	d.running.Store(false)
	timeout := d.Config().Daemon.ShutdownTimeout()
	d.logger.Info("shutting down", "timeout", timeout)
	deadline := time.AfterFunc(timeout, func() {
		d.logger.Warn("shutdown timeout reached, cancelling in-flight work")
		cancelWork()
	})
	defer deadline.Stop()

	d.stopScanners()
	d.stopInbox()
	pool.Wait()
	bg.Wait()

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}
	d.logger.Info("cmsync stopped", "stats", d.stats.Snapshot())
	return nil
}

// Reload re-reads the configuration and applies scan directories and job
// settings without touching uploads already queued.
func (d *Daemon) Reload(ctx context.Context) error {
	if d.loader == nil {
		return errors.New("reload not supported")
	}
	if !d.running.Load() {
		return errors.New("daemon not running")
	}
	req := reloadRequest{done: make(chan error, 1)}
	select {
	case d.reloads <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Daemon) reload(stop, work context.Context) error {
	next, err := d.loader()
	if err != nil {
		d.logger.Error("reload rejected, keeping current configuration", "error", err)
		return err
	}
	prev := d.Config()
	if next.BaseURL != prev.BaseURL || next.Authentication != prev.Authentication ||
		next.Performance != prev.Performance || next.StateDBPath != prev.StateDBPath {
		d.logger.Warn("connection, authentication, performance and state db changes take effect after a restart")
	}

	d.mu.Lock()
	d.cfg = next
	d.mu.Unlock()

	d.stopScanners()
	d.startScanners(stop, next)
	if next.Jobs != prev.Jobs || next.Download.DefaultTargetDirectory != prev.Download.DefaultTargetDirectory {
		d.stopInbox()
		d.startInbox(stop, work, next)
	}
	d.reloadCount.Add(1)
	d.logger.Info("configuration reloaded", "directories", len(next.EnabledDirectories()))
	return nil
}

func (d *Daemon) startScanners(parent context.Context, cfg *config.Config) {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)

	dirs := cfg.EnabledDirectories()
	for _, dir := range dirs {
		s := core.NewScanner(dir, core.ScannerDeps{
			Pool:    d.pool,
			Claims:  d.claims,
			History: d.ledger,
			Stats:   d.stats,
			Gate:    d.gate,
			Logger:  d.logger.With("component", "scanner"),
			Exclude: []string{dir.MoveTargetDirectory, cfg.Download.FailedArchiveDirectory, cfg.Jobs.InboxDirectory},
		})
		g.Go(func() error {
			if err := s.Run(gctx); err != nil {
				d.logger.Error("scanner failed", "dir", dir.Path, "error", err)
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	d.mu.Lock()
	d.scanners = len(dirs)
	d.scanCancel = cancel
	d.scanDone = done
	d.mu.Unlock()
}

func (d *Daemon) stopScanners() {
	d.mu.Lock()
	cancel, done := d.scanCancel, d.scanDone
	d.scanCancel, d.scanDone, d.scanners = nil, nil, 0
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (d *Daemon) startInbox(stop, work context.Context, cfg *config.Config) {
	if cfg.Jobs.InboxDirectory == "" {
		return
	}
	ctx, cancel := context.WithCancel(stop)
	processor := jobs.NewProcessor(jobs.Options{
		Client:                 d.client,
		Tokens:                 d.tokens,
		Gate:                   d.gate,
		Stats:                  d.stats,
		Logger:                 d.logger.With("component", "jobs"),
		DefaultTargetDirectory: cfg.Download.DefaultTargetDirectory,
	})
	inbox := jobs.NewInbox(cfg.Jobs.InboxDirectory, cfg.Jobs.PollInterval(), processor, d.logger.With("component", "jobs"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := inbox.Run(ctx, work); err != nil {
			d.logger.Error("job inbox failed", "error", err)
		}
	}()

	d.mu.Lock()
	d.inboxDir = cfg.Jobs.InboxDirectory
	d.inboxCancel = cancel
	d.inboxDone = done
	d.mu.Unlock()
}

func (d *Daemon) stopInbox() {
	d.mu.Lock()
	cancel, done := d.inboxCancel, d.inboxDone
	d.inboxCancel, d.inboxDone, d.inboxDir = nil, nil, ""
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// checkCM is the outage probe: a token must be obtainable and the CM must
// answer.
func (d *Daemon) checkCM(ctx context.Context) error {
	if _, err := d.tokens.Token(ctx); err != nil {
		return err
	}
	if o := d.client.Ping(ctx); !o.OK() {
		return fmt.Errorf("ping: %s", o.String())
	}
	return nil
}

// Status reports the current counters and runtime state.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	scanners, inbox, pool := d.scanners, d.inboxDir, d.pool
	d.mu.Unlock()

	st := Status{
		Snapshot:      d.stats.Snapshot(),
		Paused:        d.gate.Paused(),
		OutageCount:   d.gate.Trips(),
		TokenRenewals: d.tokens.Renewals(),
		Reloads:       d.reloadCount.Load(),
		Scanners:      scanners,
		JobInbox:      inbox,
	}
	if pool != nil {
		st.QueuedUploads, st.RunningUploads = pool.Pending()
	}
	return st
}

func (d *Daemon) serve(port int) (*http.Server, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("status API stopped", "error", err)
		}
	}()
	d.logger.Info("status API listening", "addr", ln.Addr().String())
	return srv, nil
}
