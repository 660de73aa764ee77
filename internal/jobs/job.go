// Package jobs executes job files: batches of downloads, metadata updates and
// deletions against the CM, run serially and reported line by line.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidJob = errors.New("invalid job file")

type Operation string

const (
	OpDownload       Operation = "download"
	OpUpdateMetadata Operation = "update_metadata"
	OpDelete         Operation = "delete"
)

// Entry is one unit of work inside a job file.
type Entry struct {
	Index           int            `json:"-"`
	Operation       Operation      `json:"operation"`
	DocID           string         `json:"doc_id,omitempty"`
	ObjectID        string         `json:"object_id,omitempty"`
	ObjectIDField   string         `json:"object_id_field_name,omitempty"`
	ItemTypeContext string         `json:"item_type_context,omitempty"`
	TargetFilename  string         `json:"target_filename,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Job is a parsed job file.
type Job struct {
	Name                   string
	DefaultTargetDirectory string
	Entries                []Entry
}

type jobFile struct {
	JobName                string  `json:"job_name"`
	DefaultTargetDirectory string  `json:"default_target_directory"`
	Entries                []Entry `json:"entries"`
	Downloads              []Entry `json:"downloads"`
	Updates                []Entry `json:"updates"`
}

// Parse reads a job file. Entries keep file order: the generic "entries"
// list first, then "downloads", then "updates".
func Parse(path string) (*Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var jf jobFile
	if err := json.Unmarshal(raw, &jf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidJob, filepath.Base(path), err)
	}

	job := &Job{
		Name:                   jf.JobName,
		DefaultTargetDirectory: jf.DefaultTargetDirectory,
	}
	if job.Name == "" {
		job.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	add := func(list []Entry, op Operation) {
		for _, e := range list {
			if op != "" {
				e.Operation = op
			}
			e.Index = len(job.Entries)
			job.Entries = append(job.Entries, e)
		}
	}
	add(jf.Entries, "")
	add(jf.Downloads, OpDownload)
	add(jf.Updates, OpUpdateMetadata)

	if len(job.Entries) == 0 {
		return nil, fmt.Errorf("%w: %s has no entries", ErrInvalidJob, filepath.Base(path))
	}
	return job, nil
}

// validate reports why an entry cannot run, or nil.
func (e Entry) validate() error {
	switch e.Operation {
	case OpDownload, OpUpdateMetadata, OpDelete:
	default:
		return fmt.Errorf("unknown operation %q", e.Operation)
	}
	if e.DocID == "" && (e.ObjectID == "" || e.ObjectIDField == "") {
		return errors.New("entry needs doc_id or object_id with object_id_field_name")
	}
	if e.Operation == OpUpdateMetadata && len(e.Metadata) == 0 {
		return errors.New("update_metadata entry without metadata")
	}
	if e.TargetFilename != "" && !filepath.IsLocal(e.TargetFilename) {
		return fmt.Errorf("unsafe target_filename %q", e.TargetFilename)
	}
	return nil
}

func (e Entry) identifier() string {
	if e.DocID != "" {
		return e.DocID
	}
	return e.ObjectIDField + "=" + e.ObjectID
}
