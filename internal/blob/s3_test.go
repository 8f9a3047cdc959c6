package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 answers the path-style subset of the S3 API the store uses.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]fakeObject
	pageSize int
}

type fakeObject struct {
	body        []byte
	contentType string
}

func newMockS3(t *testing.T) (*S3, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string]fakeObject{}, pageSize: 2}
	s, err := NewS3(context.Background(), S3Config{
		Bucket:          "exports",
		Prefix:          "/run-1/",
		Endpoint:        "https://s3.test",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
		HTTPClient:      &http.Client{Transport: fake},
	})
	require.NoError(t, err)
	return s, fake
}

func respond(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: header, ContentLength: int64(len(body))}
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Path style: /<bucket>/<key>
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	q := req.URL.Query()

	if req.Method == http.MethodGet && q.Get("list-type") == "2" {
		return f.list(q.Get("prefix"), q.Get("continuation-token")), nil
	}

	obj, ok := f.objects[key]
	switch req.Method {
	case http.MethodHead, http.MethodGet:
		if !ok {
			return respond(http.StatusNotFound, "", nil), nil
		}
		body := string(obj.body)
		if req.Method == http.MethodHead {
			body = ""
		}
		resp := respond(http.StatusOK, body, http.Header{
			"Content-Length": {fmt.Sprint(len(obj.body))},
			"Content-Type":   {obj.contentType},
			"Etag":           {`"etag-` + key + `"`},
			"Last-Modified":  {time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat)},
		})
		return resp, nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		f.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type")}
		return respond(http.StatusOK, "", http.Header{"Etag": {`"etag"`}}), nil
	case http.MethodDelete:
		delete(f.objects, key)
		return respond(http.StatusNoContent, "", nil), nil
	}
	return respond(http.StatusNotImplemented, "", nil), nil
}

func (f *fakeS3) list(prefix, token string) *http.Response {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	start := 0
	if token != "" {
		fmt.Sscanf(token, "page-%d", &start)
	}
	end := min(start+f.pageSize, len(keys))

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult>`)
	if end < len(keys) {
		fmt.Fprintf(&b, "<IsTruncated>true</IsTruncated><NextContinuationToken>page-%d</NextContinuationToken>", end)
	} else {
		b.WriteString("<IsTruncated>false</IsTruncated>")
	}
	for _, k := range keys[start:end] {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>", k, len(f.objects[k].body))
	}
	b.WriteString("</ListBucketResult>")
	return respond(http.StatusOK, b.String(), http.Header{"Content-Type": {"application/xml"}})
}

func TestS3_PrefixAndPaging(t *testing.T) {
	ctx := context.Background()
	s, fake := newMockS3(t)

	for _, k := range []string{"a.txt", "b.txt", "c.txt", "d/e.json"} {
		_, err := PutBytes(ctx, s, k, []byte(k), PutOptions{})
		require.NoError(t, err)
	}
	fake.mu.Lock()
	_, stored := fake.objects["run-1/d/e.json"]
	fake.mu.Unlock()
	assert.True(t, stored, "keys are stored under the configured prefix")

	list, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, "a.txt", list[0].Key)
	assert.Equal(t, "d/e.json", list[3].Key)

	var buf bytes.Buffer
	_, rc, err := s.Get(ctx, "d/e.json")
	require.NoError(t, err)
	_, err = io.Copy(&buf, rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "d/e.json", buf.String())
}

func TestS3_RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	assert.Error(t, err)
}
