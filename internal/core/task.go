package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cleverdata/cmsync/internal/api"
	"github.com/cleverdata/cmsync/internal/auth"
	"github.com/cleverdata/cmsync/internal/config"
	"github.com/cleverdata/cmsync/internal/ledger"
	"github.com/cleverdata/cmsync/internal/router"
)

// FileTask is one discovered file on its way through the upload pipeline.
type FileTask struct {
	ID           string
	SourcePath   string
	RelPath      string
	ItemType     string
	Dir          config.ScanDirectoryConfig
	Size         int64
	ModTime      time.Time
	DiscoveredAt time.Time
	// PriorDocID is set when the ledger shows this exact file was uploaded
	// before but never disposed of. The upload is skipped.
	PriorDocID string
}

func newTask(dir config.ScanDirectoryConfig, path, rel string, size int64, mod, now time.Time) FileTask {
	return FileTask{
		ID:           uuid.NewString(),
		SourcePath:   path,
		RelPath:      rel,
		ItemType:     dir.TargetItemType,
		Dir:          dir,
		Size:         size,
		ModTime:      mod,
		DiscoveredAt: now,
	}
}

func (t FileTask) source() router.Source {
	return router.Source{Path: t.SourcePath, RelPath: t.RelPath, Policy: t.Dir}
}

// Uploader is satisfied by *api.Client.
type Uploader interface {
	Upload(ctx context.Context, path, itemType string, metadata map[string]any) api.Outcome
}

// TokenRefresher is satisfied by *auth.Manager.
type TokenRefresher interface {
	Refresh(ctx context.Context, generation uint64) (auth.Token, error)
}

// Disposer is satisfied by *router.Router.
type Disposer interface {
	Dispose(src router.Source, kind api.Kind) router.Result
}

// History is satisfied by *ledger.Ledger.
type History interface {
	Record(ctx context.Context, e ledger.Entry) error
	AlreadyUploaded(ctx context.Context, path string, size, modTime int64) (ledger.Entry, bool)
}

// Claims is the set of source paths currently owned by a FileTask. A path is
// claimed before submission and released after the router is done with it.
type Claims struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewClaims() *Claims {
	return &Claims{held: make(map[string]struct{})}
}

// TryClaim takes path if nobody holds it.
func (c *Claims) TryClaim(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.held[path]; ok {
		return false
	}
	c.held[path] = struct{}{}
	return true
}

func (c *Claims) Release(path string) {
	c.mu.Lock()
	delete(c.held, path)
	c.mu.Unlock()
}

func (c *Claims) Held(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[path]
	return ok
}

func (c *Claims) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}
