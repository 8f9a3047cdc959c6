// Package couch implements docstore.Backend over the CouchDB HTTP API.
//
// Status mapping:
//   - 404 → docstore.ErrNotFound (docstore.ErrNoDatabase when the database is missing)
//   - 409 → docstore.ErrConflict
//   - 412 on database create → docstore.ErrDatabaseExists
//   - network failures and any other status → *docstore.TransportError
package couch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/document"
)

// findPageSize is the Mango page size; results are drained with bookmarks.
const findPageSize = 1000

// Client talks to one CouchDB server.
type Client struct {
	base   *url.URL
	user   string
	pass   string
	http   *http.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the server at rawURL authenticating with HTTP
// basic auth when user is non-empty.
func New(rawURL, user, pass string, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("couch: parse url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("couch: url %q must be http or https", rawURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	c := &Client{
		base: u,
		user: user,
		pass: pass,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ docstore.Backend = (*Client)(nil)

// apiError is CouchDB's error body.
type apiError struct {
	Status int    `json:"-"`
	Code   string `json:"error"`
	Reason string `json:"reason"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("couchdb %d %s: %s", e.Status, e.Code, e.Reason)
}

func (c *Client) endpoint(query url.Values, segments ...string) string {
	u := *c.base
	var path strings.Builder
	path.WriteString(u.Path)
	for _, s := range segments {
		path.WriteByte('/')
		path.WriteString(url.PathEscape(s))
	}
	u.RawPath = path.String()
	u.Path, _ = url.PathUnescape(u.RawPath)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends one request. out, when non-nil, receives the decoded 2xx body.
// Non-2xx responses are returned as *apiError.
func (c *Client) do(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classify maps a do error onto the docstore error vocabulary.
func classify(op, db, id string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return &docstore.TransportError{Op: op, DB: db, Err: err}
	}
	where := db
	if id != "" {
		where = db + "/" + id
	}
	switch apiErr.Status {
	case http.StatusNotFound:
		if strings.Contains(strings.ToLower(apiErr.Reason), "database does not exist") || id == "" {
			return fmt.Errorf("%s: %w", db, docstore.ErrNoDatabase)
		}
		return fmt.Errorf("%s: %w", where, docstore.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", where, docstore.ErrConflict)
	case http.StatusPreconditionFailed:
		if op == "create_db" {
			return fmt.Errorf("%s: %w", db, docstore.ErrDatabaseExists)
		}
	}
	return &docstore.TransportError{Op: op, DB: db, Err: apiErr}
}

func (c *Client) CreateDB(ctx context.Context, db string) error {
	return classify("create_db", db, "", c.do(ctx, http.MethodPut, c.endpoint(nil, db), nil, nil))
}

func (c *Client) DropDB(ctx context.Context, db string) error {
	return classify("drop_db", db, "", c.do(ctx, http.MethodDelete, c.endpoint(nil, db), nil, nil))
}

func (c *Client) ListDBs(ctx context.Context) ([]string, error) {
	var dbs []string
	if err := c.do(ctx, http.MethodGet, c.endpoint(nil, "_all_dbs"), nil, &dbs); err != nil {
		return nil, classify("list_dbs", "", "", err)
	}
	return dbs, nil
}

func (c *Client) Get(ctx context.Context, db, id string) (document.Doc, error) {
	var doc document.Doc
	if err := c.do(ctx, http.MethodGet, c.endpoint(nil, db, id), nil, &doc); err != nil {
		return nil, classify("get", db, id, err)
	}
	return doc, nil
}

type writeResponse struct {
	OK     bool   `json:"ok"`
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func (c *Client) Put(ctx context.Context, db string, doc document.Doc) (string, error) {
	id := doc.ID()
	if id == "" {
		return "", fmt.Errorf("put %s: document has no id", db)
	}
	var resp writeResponse
	if err := c.do(ctx, http.MethodPut, c.endpoint(nil, db, id), doc, &resp); err != nil {
		return "", classify("put", db, id, err)
	}
	return resp.Rev, nil
}

func (c *Client) Remove(ctx context.Context, db, id, rev string) (string, error) {
	var resp writeResponse
	q := url.Values{"rev": {rev}}
	if err := c.do(ctx, http.MethodDelete, c.endpoint(q, db, id), nil, &resp); err != nil {
		return "", classify("remove", db, id, err)
	}
	return resp.Rev, nil
}

func (c *Client) BulkPut(ctx context.Context, db string, docs []document.Doc) ([]docstore.Result, error) {
	var rows []writeResponse
	body := map[string]any{"docs": docs}
	if err := c.do(ctx, http.MethodPost, c.endpoint(nil, db, "_bulk_docs"), body, &rows); err != nil {
		return nil, classify("bulk_put", db, "", err)
	}
	results := make([]docstore.Result, len(rows))
	for i, row := range rows {
		results[i] = docstore.Result{ID: row.ID, Rev: row.Rev}
		if row.Error != "" {
			status := http.StatusInternalServerError
			if row.Error == "conflict" {
				status = http.StatusConflict
			}
			results[i].Err = classify("bulk_put", db, row.ID, &apiError{Status: status, Code: row.Error, Reason: row.Reason})
		}
	}
	return results, nil
}

func (c *Client) All(ctx context.Context, db string) ([]document.Doc, error) {
	var resp struct {
		Rows []struct {
			ID  string       `json:"id"`
			Doc document.Doc `json:"doc"`
		} `json:"rows"`
	}
	q := url.Values{"include_docs": {"true"}}
	if err := c.do(ctx, http.MethodGet, c.endpoint(q, db, "_all_docs"), nil, &resp); err != nil {
		return nil, classify("all", db, "", err)
	}
	docs := make([]document.Doc, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		if strings.HasPrefix(row.ID, "_design/") || row.Doc == nil {
			continue
		}
		docs = append(docs, row.Doc)
	}
	return docs, nil
}

func (c *Client) Find(ctx context.Context, db string, p docstore.Predicate) ([]document.Doc, error) {
	selector, err := docstore.Selector(p)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", db, err)
	}
	var docs []document.Doc
	bookmark := ""
	for {
		body := map[string]any{"selector": selector, "limit": findPageSize}
		if bookmark != "" {
			body["bookmark"] = bookmark
		}
		var resp struct {
			Docs     []document.Doc `json:"docs"`
			Bookmark string         `json:"bookmark"`
			Warning  string         `json:"warning"`
		}
		if err := c.do(ctx, http.MethodPost, c.endpoint(nil, db, "_find"), body, &resp); err != nil {
			return nil, classify("find", db, "", err)
		}
		if resp.Warning != "" {
			c.logger.Debug("couchdb find warning", "db", db, "warning", resp.Warning)
		}
		docs = append(docs, resp.Docs...)
		if len(resp.Docs) < findPageSize || resp.Bookmark == "" || resp.Bookmark == bookmark {
			return docs, nil
		}
		bookmark = resp.Bookmark
	}
}

func (c *Client) Changes(ctx context.Context, db, since string) (docstore.ChangesPage, error) {
	if since == "" {
		since = "0"
	}
	q := url.Values{"include_docs": {"true"}, "since": {since}}
	var resp struct {
		Results []json.RawMessage `json:"results"`
		LastSeq json.RawMessage   `json:"last_seq"`
	}
	if err := c.do(ctx, http.MethodGet, c.endpoint(q, db, "_changes"), nil, &resp); err != nil {
		return docstore.ChangesPage{}, classify("changes", db, "", err)
	}

	page := docstore.ChangesPage{LastSeq: seqString(resp.LastSeq)}
	for _, raw := range resp.Results {
		var row struct {
			Seq     json.RawMessage `json:"seq"`
			ID      string          `json:"id"`
			Changes []struct {
				Rev string `json:"rev"`
			} `json:"changes"`
			Deleted bool         `json:"deleted"`
			Doc     document.Doc `json:"doc"`
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&row); err != nil {
			return docstore.ChangesPage{}, &docstore.TransportError{Op: "changes", DB: db, Err: err}
		}
		change := docstore.Change{
			Seq:     seqString(row.Seq),
			ID:      row.ID,
			Deleted: row.Deleted,
			Doc:     row.Doc,
			Raw:     raw,
		}
		if len(row.Changes) > 0 {
			change.Rev = row.Changes[0].Rev
		}
		page.Results = append(page.Results, change)
	}
	return page, nil
}

// seqString renders a sequence token. CouchDB 1.x sends integers, 2.x and
// later send opaque strings.
func seqString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}
