package fileutil

import (
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

var fixed = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func TestMoveNoClobberPlainMove(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in", "a.pdf")
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dir, "out", "sub", "a.pdf")
	got, err := MoveNoClobber(src, dst, fixed)
	if err != nil {
		t.Fatal(err)
	}
	if got != dst {
		t.Fatalf("got %q, want %q", got, dst)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source still present: %v", err)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "one" {
		t.Fatalf("content mismatch: %q", data)
	}
}

func TestMoveNoClobberSuffixesOnCollision(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out", "a.pdf")
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}

	want := []string{
		filepath.Join(dir, "out", "a_20260304050607.pdf"),
		filepath.Join(dir, "out", "a_20260304050607_1.pdf"),
	}
	for i, w := range want {
		src := filepath.Join(dir, "src.pdf")
		if err := os.WriteFile(src, []byte{byte('0' + i)}, 0o644); err != nil {
			t.Fatal(err)
		}
		got, err := MoveNoClobber(src, dst, fixed)
		if err != nil {
			t.Fatal(err)
		}
		if got != w {
			t.Fatalf("move %d: got %q, want %q", i, got, w)
		}
	}

	data, _ := os.ReadFile(dst)
	if string(data) != "existing" {
		t.Fatalf("existing file overwritten: %q", data)
	}
}

func TestMoveNoClobberConcurrentSameDestination(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out", "same.txt")

	const n = 8
	var wg sync.WaitGroup
	paths := make([]string, n)
	for i := 0; i < n; i++ {
		src := filepath.Join(dir, "src", string(rune('a'+i)), "same.txt")
		if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(src, []byte{byte('a' + i)}, 0o644); err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(i int, src string) {
			defer wg.Done()
			p, err := MoveNoClobber(src, dst, fixed)
			if err != nil {
				t.Errorf("move %d: %v", i, err)
			}
			paths[i] = p
		}(i, src)
	}
	wg.Wait()

	seen := map[string]bool{}
	contents := map[string]bool{}
	for _, p := range paths {
		if seen[p] {
			t.Fatalf("two files resolved to %q", p)
		}
		seen[p] = true
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatal(err)
		}
		contents[string(data)] = true
	}
	if len(contents) != n {
		t.Fatalf("expected %d distinct contents, got %d", n, len(contents))
	}
}

func TestCopyFileExclusiveRefusesExisting(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.WriteFile(src, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := CopyFileExclusive(src, dst)
	if !errors.Is(err, os.ErrExist) {
		t.Fatalf("expected ErrExist, got %v", err)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "old" {
		t.Fatalf("destination modified: %q", data)
	}
}

func TestCollisionNameWithoutExtension(t *testing.T) {
	got := CollisionName("/x/README", fixed, 3)
	if got != filepath.Join("/x", "README_20260304050607_2") {
		t.Fatalf("unexpected name %q", got)
	}
}

func TestVerifyCopyReadsDestinationFromDisk(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "copy.pdf")
	content := []byte("expected content")
	sum := sha256.Sum256(content)

	tests := []struct {
		name    string
		onDisk  []byte
		wantErr bool
	}{
		{"identical", content, false},
		{"same size different bytes", []byte("EXPECTED CONTENT"), true},
		{"truncated", content[:5], true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := os.WriteFile(dst, tt.onDisk, 0o644); err != nil {
				t.Fatal(err)
			}
			err := verifyCopy(dst, sum[:], int64(len(content)))
			if (err != nil) != tt.wantErr {
				t.Fatalf("verifyCopy error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCopyFileExclusiveCopiesContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.pdf")
	dst := filepath.Join(dir, "dst.pdf")
	if err := os.WriteFile(src, []byte("payload"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := CopyFileExclusive(src, dst); err != nil {
		t.Fatalf("copy: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "payload" {
		t.Fatalf("unexpected copy %q (%v)", got, err)
	}
}
