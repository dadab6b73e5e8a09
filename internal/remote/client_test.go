package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type staticCreds string

func (s staticCreds) Token() (string, error) { return string(s), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// noSleep makes retries instantaneous in tests.
func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(server.URL, server.Client(), staticCreds("tok"), testLogger())
	client.sleepFunc = noSleep

	return client, server
}

func TestGetFileInfoSendsAuth(t *testing.T) {
	t.Parallel()

	var gotAuth, gotAgent string

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("User-Agent")

		w.Write([]byte(`{"code":0,"data":{"uri":"cloudreve://my/a.txt","name":"a.txt","size":5,"etag":"e1"}}`))
	}))

	info, err := client.GetFileInfo(context.Background(), "cloudreve://my/a.txt")
	if err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}

	if info.Name != "a.txt" || info.ETag != "e1" {
		t.Errorf("info = %+v", info)
	}

	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	if gotAgent != userAgent {
		t.Errorf("User-Agent = %q", gotAgent)
	}
}

func TestEnvelopeCodeBecomesAPIError(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"code":40001,"msg":"login required"}`))
	}))

	_, err := client.GetFileInfo(context.Background(), "cloudreve://my/a.txt")
	if !errors.Is(err, ErrLoginRequired) {
		t.Fatalf("error = %v, want ErrLoginRequired", err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatal("error is not *APIError")
	}

	if apiErr.Code != CodeLoginRequired || apiErr.Message != "login required" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestRetryOnServerError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.Write([]byte(`{"code":0,"data":{"uri":"cloudreve://my/a.txt","name":"a.txt"}}`))
	}))

	if _, err := client.GetFileInfo(context.Background(), "cloudreve://my/a.txt"); err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}

	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.GetFileInfo(context.Background(), "cloudreve://my/missing.txt")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, want 1", got)
	}
}

func TestRetryReplaysRequestBody(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	var lastBody atomic.Value

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body) //nolint:errcheck // test server
		lastBody.Store(string(body))

		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		w.Write([]byte(`{"code":0,"data":{"session_id":"s1","upload_url":"u","credential":"c","chunk_size":4,"expires":4102444800}}`))
	}))

	_, err := client.CreateSession(context.Background(), "cloudreve://my/a.txt", 10, time.Now())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if got := lastBody.Load().(string); got == "" {
		t.Error("retried request had an empty body")
	}
}

func TestListPagination(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("next_token") == "" {
			w.Write([]byte(`{"code":0,"data":{"files":[{"uri":"cloudreve://my/a.txt","name":"a.txt"}],"next_token":"page2"}}`))
			return
		}

		w.Write([]byte(`{"code":0,"data":{"files":[{"uri":"cloudreve://my/b.txt","name":"b.txt"}],"next_token":""}}`))
	}))

	files, err := client.ListAll(context.Background(), "cloudreve://my")
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}

	if len(files) != 2 || files[0].Name != "a.txt" || files[1].Name != "b.txt" {
		t.Errorf("files = %+v", files)
	}
}

func TestContextCancellationStopsRetries(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	client.sleepFunc = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := client.GetFileInfo(ctx, "cloudreve://my/a.txt")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
