package hub

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dehc/internal/metrics"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// readEvent returns the lines of the next message, skipping comments.
func readEvent(t *testing.T, r *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && len(lines) > 0:
			return lines
		case line == "", strings.HasPrefix(line, ":"):
			continue
		default:
			lines = append(lines, line)
		}
	}
}

func TestHub_BroadcastsToClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := metrics.New()
	h := New(WithLogger(quiet()), WithMetrics(reg))
	go h.Run(ctx)

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)

	h.Publish(Event{Name: "change", ID: "dehc-items:7", Data: map[string]string{"id": "item-1"}})
	lines := readEvent(t, bufio.NewReader(resp.Body))
	assert.Equal(t, []string{"event: change", "id: dehc-items:7", `data: {"id":"item-1"}`}, lines)

	expected := `
# HELP dehc_web_stream_clients Connected change stream clients.
# TYPE dehc_web_stream_clients gauge
dehc_web_stream_clients 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg.Gatherer(), strings.NewReader(expected), "dehc_web_stream_clients"))
}

func TestHub_StopDisconnectsClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := New(WithLogger(quiet()))
	go h.Run(ctx)

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after the hub stopped")
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHub_KeepAlive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New(WithLogger(quiet()), WithKeepAlive(10*time.Millisecond))
	go h.Run(ctx)

	srv := httptest.NewServer(h)
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == ": keepalive\n" {
			return
		}
	}
}

func TestEncode(t *testing.T) {
	msg, err := encode(Event{Data: []int{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, "data: [1,2]\n\n", string(msg))

	_, err = encode(Event{Data: func() {}})
	assert.Error(t, err)
}
