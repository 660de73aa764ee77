// Package stats holds the process-wide counters the dashboard polls.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is safe for concurrent use. Writers never block readers for
// longer than a map copy.
type Collector struct {
	filesScanned        atomic.Int64
	uploadsSucceeded    atomic.Int64
	uploadsFailed       atomic.Int64
	uploadsRetried      atomic.Int64
	uploadsLocalErrors  atomic.Int64
	bytesUploaded       atomic.Int64
	jobEntriesProcessed atomic.Int64
	jobEntriesFailed    atomic.Int64

	startedAt time.Time

	mu       sync.RWMutex
	activity map[string]time.Time
}

func New() *Collector {
	return &Collector{startedAt: time.Now(), activity: make(map[string]time.Time)}
}

func (c *Collector) FileScanned()       { c.filesScanned.Add(1) }
func (c *Collector) UploadRetried()     { c.uploadsRetried.Add(1) }
func (c *Collector) UploadFailed()      { c.uploadsFailed.Add(1) }
func (c *Collector) UploadLocalError()  { c.uploadsLocalErrors.Add(1) }
func (c *Collector) JobEntryProcessed() { c.jobEntriesProcessed.Add(1) }
func (c *Collector) JobEntryFailed()    { c.jobEntriesFailed.Add(1) }

// UploadSucceeded counts one upload of size bytes.
func (c *Collector) UploadSucceeded(size int64) {
	c.uploadsSucceeded.Add(1)
	if size > 0 {
		c.bytesUploaded.Add(size)
	}
}

// Touch records a completed scan cycle for dir.
func (c *Collector) Touch(dir string, at time.Time) {
	c.mu.Lock()
	c.activity[dir] = at
	c.mu.Unlock()
}

// DirectoryActivity is the last scan time of one directory.
type DirectoryActivity struct {
	Path     string    `json:"path"`
	LastScan time.Time `json:"last_scan"`
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	StartedAt           time.Time           `json:"started_at"`
	FilesScanned        int64               `json:"files_scanned"`
	UploadsSucceeded    int64               `json:"uploads_succeeded"`
	UploadsFailed       int64               `json:"uploads_failed"`
	UploadsRetried      int64               `json:"uploads_retried"`
	UploadsLocalErrors  int64               `json:"uploads_local_errors"`
	BytesUploaded       int64               `json:"bytes_uploaded"`
	JobEntriesProcessed int64               `json:"job_entries_processed"`
	JobEntriesFailed    int64               `json:"job_entries_failed"`
	Directories         []DirectoryActivity `json:"directories"`
}

// Snapshot copies the current state. Each counter is read atomically; the
// set as a whole is not a single transaction.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		StartedAt:           c.startedAt,
		FilesScanned:        c.filesScanned.Load(),
		UploadsSucceeded:    c.uploadsSucceeded.Load(),
		UploadsFailed:       c.uploadsFailed.Load(),
		UploadsRetried:      c.uploadsRetried.Load(),
		UploadsLocalErrors:  c.uploadsLocalErrors.Load(),
		BytesUploaded:       c.bytesUploaded.Load(),
		JobEntriesProcessed: c.jobEntriesProcessed.Load(),
		JobEntriesFailed:    c.jobEntriesFailed.Load(),
	}

	c.mu.RLock()
	s.Directories = make([]DirectoryActivity, 0, len(c.activity))
	for p, at := range c.activity {
		s.Directories = append(s.Directories, DirectoryActivity{Path: p, LastScan: at})
	}
	c.mu.RUnlock()

	sort.Slice(s.Directories, func(i, j int) bool { return s.Directories[i].Path < s.Directories[j].Path })
	return s
}
