// Package router decides what happens to a source file once its upload has a
// terminal outcome.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cleverdata/cmsync/internal/api"
	"github.com/cleverdata/cmsync/internal/config"
	"github.com/cleverdata/cmsync/internal/fileutil"
)

const (
	UploadFailureDir   = "upload_failure"
	UnexpectedErrorDir = "unexpected_error"
)

// Disposition is where a file ended up.
type Disposition int

const (
	Moved Disposition = iota
	Deleted
	ArchivedUploadFailure
	ArchivedUnexpected
	// Vanished means the source was gone before it could be disposed of.
	Vanished
	// Stuck means every attempt to move the file failed; it is still in place.
	Stuck
)

func (d Disposition) String() string {
	switch d {
	case Moved:
		return "moved"
	case Deleted:
		return "deleted"
	case ArchivedUploadFailure:
		return "archived_upload_failure"
	case ArchivedUnexpected:
		return "archived_unexpected_error"
	case Vanished:
		return "vanished"
	case Stuck:
		return "stuck"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Source identifies the file being disposed of.
type Source struct {
	Path    string // absolute
	RelPath string // relative to the scan root, including the file name
	Policy  config.ScanDirectoryConfig
}

// Result reports the disposition and the file's final path, if it still
// exists somewhere.
type Result struct {
	Disposition Disposition
	Path        string
	Err         error
}

// SourceRemains reports whether the file is still at its original path after
// disposal: every move failed, or the copy was placed but the source could
// not be removed.
func (r Result) SourceRemains() bool {
	return r.Disposition == Stuck || (r.Disposition == Moved && r.Err != nil)
}

// Router applies the after-upload policy and the failure archive layout.
type Router struct {
	archiveRoot string
	logger      *slog.Logger
	now         func() time.Time
}

func New(archiveRoot string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{archiveRoot: archiveRoot, logger: logger, now: time.Now}
}

// Dispose moves, deletes or archives src according to kind.
func (r *Router) Dispose(src Source, kind api.Kind) Result {
	log := r.logger.With("path", src.Path, "kind", kind.String())

	switch kind {
	case api.Success:
		res := r.afterSuccess(src)
		if res.Err == nil {
			log.Info("file disposed", "disposition", res.Disposition.String(), "target", res.Path)
			return res
		}
		if res.Path != "" {
			// Already at the target; the leftover source is caught by the ledger.
			log.Warn("file moved but source could not be removed", "target", res.Path, "error", res.Err)
			return res
		}
		log.Error("post-upload action failed, archiving", "action", string(src.Policy.ActionAfterUpload), "error", res.Err)
		fallback := r.archive(src, UnexpectedErrorDir, ArchivedUnexpected)
		if fallback.Err == nil {
			fallback.Err = res.Err
		}
		return fallback
	case api.LocalIOError:
		return r.logArchive(log, r.archive(src, UnexpectedErrorDir, ArchivedUnexpected))
	default:
		return r.logArchive(log, r.archive(src, UploadFailureDir, ArchivedUploadFailure))
	}
}

func (r *Router) logArchive(log *slog.Logger, res Result) Result {
	if res.Err != nil {
		log.Error("could not archive failed file", "disposition", res.Disposition.String(), "error", res.Err)
	} else {
		log.Warn("file archived", "disposition", res.Disposition.String(), "target", res.Path)
	}
	return res
}

func (r *Router) afterSuccess(src Source) Result {
	switch src.Policy.ActionAfterUpload {
	case config.ActionDelete:
		if err := os.Remove(src.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Result{Disposition: Vanished}
			}
			return Result{Disposition: Deleted, Err: fmt.Errorf("delete %s: %w", src.Path, err)}
		}
		return Result{Disposition: Deleted}
	case config.ActionMove:
		rel := src.RelPath
		if rel == "" || !filepath.IsLocal(rel) {
			rel = filepath.Base(src.Path)
		}
		dst := filepath.Join(src.Policy.MoveTargetDirectory, rel)
		final, err := fileutil.MoveNoClobber(src.Path, dst, r.now())
		if err != nil {
			if final != "" {
				// Copy placed, only the source removal failed.
				return Result{Disposition: Moved, Path: final, Err: err}
			}
			return Result{Disposition: Moved, Err: fmt.Errorf("move %s: %w", src.Path, err)}
		}
		return Result{Disposition: Moved, Path: final}
	default:
		return Result{Err: fmt.Errorf("unknown action_after_upload %q", src.Policy.ActionAfterUpload)}
	}
}

func (r *Router) archive(src Source, reason string, d Disposition) Result {
	if _, err := os.Stat(src.Path); errors.Is(err, os.ErrNotExist) {
		return Result{Disposition: Vanished}
	}
	dst := filepath.Join(r.archiveRoot, reason, filepath.Base(src.Path))
	final, err := fileutil.MoveNoClobber(src.Path, dst, r.now())
	if err != nil && final == "" {
		return Result{Disposition: Stuck, Path: src.Path, Err: fmt.Errorf("archive to %s: %w", reason, err)}
	}
	return Result{Disposition: d, Path: final, Err: err}
}
