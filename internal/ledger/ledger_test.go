package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "state", "cmsync.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRecordAndLookup(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	if _, ok, err := l.Lookup(ctx, "/in/a.pdf"); err != nil || ok {
		t.Fatalf("expected no row, ok=%v err=%v", ok, err)
	}

	e := Entry{Path: "/in/a.pdf", Dir: "/in", Size: 10, ModTime: 42, Status: StatusFailed, Error: "status 500", Attempts: 3}
	if err := l.Record(ctx, e); err != nil {
		t.Fatalf("Record: %v", err)
	}
	e.Status, e.DocID, e.Error, e.Attempts = StatusUploaded, "DOC-1", "", 1
	if err := l.Record(ctx, e); err != nil {
		t.Fatalf("Record upsert: %v", err)
	}

	got, ok, err := l.Lookup(ctx, "/in/a.pdf")
	if err != nil || !ok {
		t.Fatalf("Lookup ok=%v err=%v", ok, err)
	}
	if got.Status != StatusUploaded || got.DocID != "DOC-1" || got.Error != "" || got.Attempts != 1 {
		t.Fatalf("upsert not applied: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("updated_at not set")
	}
}

func TestAlreadyUploadedMatchesSizeAndModTime(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	if err := l.Record(ctx, Entry{Path: "/in/a.pdf", Size: 10, ModTime: 42, Status: StatusUploaded, DocID: "D"}); err != nil {
		t.Fatal(err)
	}

	if _, ok := l.AlreadyUploaded(ctx, "/in/a.pdf", 10, 42); !ok {
		t.Fatal("expected match")
	}
	if _, ok := l.AlreadyUploaded(ctx, "/in/a.pdf", 11, 42); ok {
		t.Fatal("changed size must not match")
	}
	if _, ok := l.AlreadyUploaded(ctx, "/in/a.pdf", 10, 43); ok {
		t.Fatal("changed mtime must not match")
	}
	if _, ok := l.AlreadyUploaded(ctx, "/in/other.pdf", 10, 42); ok {
		t.Fatal("unknown path must not match")
	}

	if err := l.Record(ctx, Entry{Path: "/in/a.pdf", Size: 10, ModTime: 42, Status: StatusDisposed, DocID: "D"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := l.AlreadyUploaded(ctx, "/in/a.pdf", 10, 42); ok {
		t.Fatal("disposed source must not match")
	}
}

func TestRecentAndReset(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, p := range []string{"/a", "/b", "/c"} {
		at := base.Add(time.Duration(i) * time.Minute)
		l.now = func() time.Time { return at }
		if err := l.Record(ctx, Entry{Path: p, Status: StatusUploaded}); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := l.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Path != "/c" || recent[1].Path != "/b" {
		t.Fatalf("unexpected order: %+v", recent)
	}

	n, err := l.Reset(ctx, "/b")
	if err != nil || n != 1 {
		t.Fatalf("Reset one: n=%d err=%v", n, err)
	}
	n, err = l.Reset(ctx, "")
	if err != nil || n != 2 {
		t.Fatalf("Reset all: n=%d err=%v", n, err)
	}
}
