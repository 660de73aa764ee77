package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cleverdata/cmsync/internal/auth"
)

type staticTokens struct {
	tok auth.Token
	err error
}

func (s staticTokens) Token(context.Context) (auth.Token, error) { return s.tok, s.err }

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/api/", staticTokens{tok: auth.Token{Value: "tok", Generation: 7}})
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestUploadSendsMultipartWithAttributes(t *testing.T) {
	var gotAttrs map[string]any
	var gotFile, gotAuth, gotName string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/items" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		_ = json.Unmarshal([]byte(r.FormValue("attributes")), &gotAttrs)
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			b, _ := io.ReadAll(f)
			gotFile, gotName = string(b), hdr.Filename
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "DOC-1"}`))
	})

	path := writeFile(t, "invoice.pdf", "%PDF-1.4")
	o := c.Upload(context.Background(), path, "Invoice", map[string]any{"source": "scanner"})
	if o.Kind != Success || o.DocID != "DOC-1" {
		t.Fatalf("unexpected outcome %+v", o)
	}
	if o.TokenGeneration != 7 {
		t.Fatalf("expected token generation 7, got %d", o.TokenGeneration)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("Authorization header = %q", gotAuth)
	}
	if gotAttrs["itemtype"] != "Invoice" || gotAttrs["source"] != "scanner" {
		t.Fatalf("unexpected attributes %v", gotAttrs)
	}
	if gotFile != "%PDF-1.4" || gotName != "invoice.pdf" {
		t.Fatalf("unexpected file part %q (%s)", gotFile, gotName)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusCreated, PermanentFailure}, // 2xx but no id
		{http.StatusUnauthorized, AuthRejected},
		{http.StatusForbidden, AuthRejected},
		{http.StatusBadRequest, PermanentFailure},
		{http.StatusNotFound, PermanentFailure},
		{http.StatusInternalServerError, TransientFailure},
		{http.StatusServiceUnavailable, TransientFailure},
	}
	path := writeFile(t, "a.txt", "x")
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{}`))
			})
			o := c.Upload(context.Background(), path, "T", nil)
			if o.Kind != tc.want {
				t.Fatalf("status %d: got %s, want %s", tc.status, o.Kind, tc.want)
			}
		})
	}
}

func TestUploadMissingFileIsLocalError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	o := c.Upload(context.Background(), filepath.Join(t.TempDir(), "gone.pdf"), "T", nil)
	if o.Kind != LocalIOError {
		t.Fatalf("expected LocalIOError, got %s", o.Kind)
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	c := New(base, staticTokens{tok: auth.Token{Value: "tok"}})
	o := c.Delete(context.Background(), "DOC-1")
	if o.Kind != TransientFailure {
		t.Fatalf("expected TransientFailure, got %s", o.Kind)
	}
}

func TestTokenFailureIsAuthRenewalFailed(t *testing.T) {
	c := New("http://127.0.0.1:1", staticTokens{err: auth.ErrRenewalFailed})
	o := c.UpdateMetadata(context.Background(), "DOC-1", map[string]any{"a": 1})
	if o.Kind != AuthRenewalFailed || !errors.Is(o.Err, auth.ErrRenewalFailed) {
		t.Fatalf("expected AuthRenewalFailed, got %+v", o)
	}
}

func TestDownloadWritesTarget(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/items/DOC 9/datastreams/content" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_, _ = w.Write([]byte("payload"))
	})

	dst := filepath.Join(t.TempDir(), "out", "doc.bin")
	o := c.Download(context.Background(), "DOC 9", dst)
	if o.Kind != Success {
		t.Fatalf("unexpected outcome %+v", o)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "payload" {
		t.Fatalf("target content %q err=%v", data, err)
	}
	entries, _ := os.ReadDir(filepath.Dir(dst))
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestDownloadNotFoundLeavesNoFile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	dst := filepath.Join(t.TempDir(), "doc.bin")
	o := c.Download(context.Background(), "missing", dst)
	if o.Kind != PermanentFailure {
		t.Fatalf("expected PermanentFailure, got %s", o.Kind)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("target should not exist, stat err=%v", err)
	}
}

func TestUpdateMetadataBody(t *testing.T) {
	var body map[string]map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/items/DOC-3" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	})
	o := c.UpdateMetadata(context.Background(), "DOC-3", map[string]any{"status": "archived"})
	if o.Kind != Success {
		t.Fatalf("unexpected outcome %+v", o)
	}
	if body["attributes"]["status"] != "archived" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestFindByAttribute(t *testing.T) {
	var q string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q = r.URL.Query().Get("q")
		if strings.Contains(q, "nothing") {
			_, _ = w.Write([]byte(`{"results": []}`))
			return
		}
		_, _ = w.Write([]byte(`{"results": [{"id": 42}, {"id": 43}]}`))
	})

	o := c.FindByAttribute(context.Background(), "Invoice", "ObjectID", "OBJ-1")
	if o.Kind != Success || o.DocID != "42" {
		t.Fatalf("unexpected outcome %+v", o)
	}
	if q != "itemtype='Invoice' AND @ObjectID='OBJ-1'" {
		t.Fatalf("unexpected query %q", q)
	}

	o = c.FindByAttribute(context.Background(), "Invoice", "ObjectID", "nothing")
	if o.Kind != PermanentFailure || !errors.Is(o.Err, ErrNotFound) {
		t.Fatalf("expected not-found permanent failure, got %+v", o)
	}
}

func TestPingSendsBearerToken(t *testing.T) {
	var auth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusUnauthorized)
	})
	o := c.Ping(context.Background())
	if o.Kind != AuthRejected || o.TokenGeneration != 7 {
		t.Fatalf("unexpected outcome %+v", o)
	}
	if auth != "Bearer tok" {
		t.Fatalf("unexpected Authorization header %q", auth)
	}
}

func TestFindByAttributeQuotesValues(t *testing.T) {
	var q string
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		q = r.URL.Query().Get("q")
		_, _ = w.Write([]byte(`{"results": [{"id": "D1"}]}`))
	})

	o := c.FindByAttribute(context.Background(), "Bob's Type", "ObjectID", "x' OR '1'='1")
	if o.Kind != Success {
		t.Fatalf("unexpected outcome %+v", o)
	}
	if want := "itemtype='Bob''s Type' AND @ObjectID='x'' OR ''1''=''1'"; q != want {
		t.Fatalf("query = %q, want %q", q, want)
	}

	o = c.FindByAttribute(context.Background(), "Invoice", "ObjectID='a' OR @x", "v")
	if o.Kind != PermanentFailure || calls != 1 {
		t.Fatalf("invalid attribute name reached the server: %+v calls=%d", o, calls)
	}
}
