// Package api translates logical CM operations into authenticated HTTP calls.
// It never retries; the caller owns the retry policy.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/go-resty/resty/v2"

	"github.com/cleverdata/cmsync/internal/auth"
)

const metadataTimeout = 30 * time.Second

// ErrNotFound is returned by FindByAttribute when the search has no hits.
var ErrNotFound = errors.New("no matching document")

// TokenSource is satisfied by *auth.Manager.
type TokenSource interface {
	Token(ctx context.Context) (auth.Token, error)
}

// Client talks to one CM REST endpoint.
type Client struct {
	http   *resty.Client
	base   string
	tokens TokenSource
	logger *slog.Logger
}

// Option tweaks a Client.
type Option func(*Client)

// WithLogger sets the logger used for debug traces.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient replaces the resty client. Tests use it.
func WithHTTPClient(rc *resty.Client) Option {
	return func(c *Client) { c.http = rc }
}

// New creates a client for baseURL.
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		http:   resty.New(),
		base:   strings.TrimRight(baseURL, "/"),
		tokens: tokens,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(c)
	}
	c.http.SetHeader("Accept", "application/json")
	return c
}

// request returns an authenticated request, or a terminal outcome when no
// token could be obtained.
func (c *Client) request(ctx context.Context) (*resty.Request, uint64, *Outcome) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		kind := AuthRenewalFailed
		if ctx.Err() != nil {
			kind = TransientFailure
		}
		return nil, 0, &Outcome{Kind: kind, Err: err}
	}
	return c.http.R().SetContext(ctx).SetAuthToken(tok.Value), tok.Generation, nil
}

func (c *Client) url(path string) string {
	return c.base + "/" + strings.TrimLeft(path, "/")
}

func finish(resp *resty.Response, err error, gen uint64) Outcome {
	if err != nil {
		return Outcome{Kind: TransientFailure, TokenGeneration: gen, Err: err}
	}
	o := Outcome{Kind: kindForStatus(resp.StatusCode()), StatusCode: resp.StatusCode(), TokenGeneration: gen}
	if o.Kind != Success {
		if body := strings.TrimSpace(resp.String()); body != "" {
			o.Err = fmt.Errorf("status %d: %s", resp.StatusCode(), truncate(body, 200))
		}
	}
	return o
}

type createdItem struct {
	ID json.RawMessage `json:"id"`
}

// Upload posts the file at path as a new item of itemType. The item id is
// returned in Outcome.DocID.
func (c *Client) Upload(ctx context.Context, path, itemType string, metadata map[string]any) Outcome {
	attrs := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		attrs[k] = v
	}
	attrs["itemtype"] = itemType
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return Outcome{Kind: PermanentFailure, Err: fmt.Errorf("encode attributes: %w", err)}
	}

	f, err := os.Open(path)
	if err != nil {
		return Outcome{Kind: LocalIOError, Err: fmt.Errorf("open source: %w", err)}
	}
	defer f.Close()

	req, gen, failed := c.request(ctx)
	if failed != nil {
		return *failed
	}

	c.logger.Debug("uploading", "path", path, "itemtype", itemType)
	resp, err := req.
		SetFileReader("file", filepath.Base(path), f).
		SetFormData(map[string]string{"attributes": string(encoded)}).
		Post(c.url("items"))
	o := finish(resp, err, gen)
	if o.Kind != Success {
		return o
	}

	var created createdItem
	if err := json.Unmarshal(resp.Body(), &created); err != nil {
		return Outcome{Kind: PermanentFailure, StatusCode: o.StatusCode, TokenGeneration: gen,
			Err: fmt.Errorf("decode upload response: %w", err)}
	}
	id := rawID(created.ID)
	if id == "" {
		return Outcome{Kind: PermanentFailure, StatusCode: o.StatusCode, TokenGeneration: gen,
			Err: errors.New("upload response has no id")}
	}
	o.DocID = id
	return o
}

// Download streams the content of docID into destination. The bytes land in
// a temporary file next to destination and are renamed into place at the end.
func (c *Client) Download(ctx context.Context, docID, destination string) Outcome {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return Outcome{Kind: LocalIOError, DocID: docID, Err: fmt.Errorf("create target directory: %w", err)}
	}

	req, gen, failed := c.request(ctx)
	if failed != nil {
		failed.DocID = docID
		return *failed
	}

	resp, err := req.
		SetDoNotParseResponse(true).
		SetPathParam("id", docID).
		Get(c.url("items/{id}/datastreams/content"))
	if err != nil {
		return Outcome{Kind: TransientFailure, DocID: docID, TokenGeneration: gen, Err: err}
	}
	body := resp.RawBody()
	defer body.Close()

	if kind := kindForStatus(resp.StatusCode()); kind != Success {
		return Outcome{Kind: kind, StatusCode: resp.StatusCode(), DocID: docID, TokenGeneration: gen,
			Err: fmt.Errorf("status %d", resp.StatusCode())}
	}

	o := Outcome{Kind: Success, StatusCode: resp.StatusCode(), DocID: docID, TokenGeneration: gen}
	if kind, err := writeAtomically(destination, body); err != nil {
		o.Kind, o.Err = kind, err
	}
	return o
}

// writeAtomically copies r to a temp file and renames it to dst. Read errors
// are the network's fault; write errors are local.
func writeAtomically(dst string, r io.Reader) (Kind, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return LocalIOError, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	w := &errWriter{w: tmp}
	if _, err := io.Copy(w, r); err != nil {
		cleanup()
		if w.err != nil {
			return LocalIOError, fmt.Errorf("write %s: %w", dst, w.err)
		}
		return TransientFailure, fmt.Errorf("read content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return LocalIOError, fmt.Errorf("sync %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return LocalIOError, fmt.Errorf("close %s: %w", dst, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return LocalIOError, fmt.Errorf("rename into place: %w", err)
	}
	return Success, nil
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil {
		e.err = err
	}
	return n, err
}

// UpdateMetadata replaces the given attributes of docID.
func (c *Client) UpdateMetadata(ctx context.Context, docID string, fields map[string]any) Outcome {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	req, gen, failed := c.request(ctx)
	if failed != nil {
		failed.DocID = docID
		return *failed
	}
	resp, err := req.
		SetPathParam("id", docID).
		SetBody(map[string]any{"attributes": fields}).
		Put(c.url("items/{id}"))
	o := finish(resp, err, gen)
	o.DocID = docID
	return o
}

// Delete removes docID from the CM.
func (c *Client) Delete(ctx context.Context, docID string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	req, gen, failed := c.request(ctx)
	if failed != nil {
		failed.DocID = docID
		return *failed
	}
	resp, err := req.SetPathParam("id", docID).Delete(c.url("items/{id}"))
	o := finish(resp, err, gen)
	o.DocID = docID
	return o
}

type searchResponse struct {
	Results []createdItem `json:"results"`
}

// FindByAttribute resolves the item of itemType whose attribute field equals
// value. When several match, the first one wins.
func (c *Client) FindByAttribute(ctx context.Context, itemType, field, value string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	if !validAttribute(field) {
		return Outcome{Kind: PermanentFailure, Err: fmt.Errorf("invalid attribute name %q", field)}
	}
	var parts []string
	if itemType != "" {
		parts = append(parts, "itemtype="+quote(itemType))
	}
	parts = append(parts, "@"+field+"="+quote(value))

	req, gen, failed := c.request(ctx)
	if failed != nil {
		return *failed
	}
	resp, err := req.SetQueryParam("q", strings.Join(parts, " AND ")).Get(c.url("search"))
	o := finish(resp, err, gen)
	if o.Kind != Success {
		return o
	}

	var sr searchResponse
	if err := json.Unmarshal(resp.Body(), &sr); err != nil {
		return Outcome{Kind: PermanentFailure, StatusCode: o.StatusCode, TokenGeneration: gen,
			Err: fmt.Errorf("decode search response: %w", err)}
	}
	for _, r := range sr.Results {
		if id := rawID(r.ID); id != "" {
			if len(sr.Results) > 1 {
				c.logger.Warn("search matched several items, using the first",
					"field", field, "value", value, "matches", len(sr.Results), "doc_id", id)
			}
			o.DocID = id
			return o
		}
	}
	return Outcome{Kind: PermanentFailure, StatusCode: o.StatusCode, TokenGeneration: gen,
		Err: fmt.Errorf("%w: %s=%s", ErrNotFound, field, value)}
}

// Ping checks that the CM answers with the current token.
func (c *Client) Ping(ctx context.Context) Outcome {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	req, gen, failed := c.request(ctx)
	if failed != nil {
		return *failed
	}
	resp, err := req.Get(c.base + "/")
	return finish(resp, err, gen)
}

// quote wraps s in single quotes, doubling any embedded quote.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// validAttribute accepts attribute names made of letters, digits and
// underscores.
func validAttribute(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}

// rawID accepts both "id": "abc" and "id": 123.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
