package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, ts *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithRetryInterval(time.Millisecond)}, opts...)
	c, err := New(ts.URL, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func graphqlHandler(t *testing.T, respond func(query string, vars map[string]any, w http.ResponseWriter)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/graphql" {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		respond(req.Query, req.Variables, w)
	}
}

const libcVersionsData = `{"package": {"name": "_/libc", "versions": [
	{"version": "0.3.2", "abi": "wasi",
	 "distribution": {"downloadUrl": "https://cdn.example/libc-0.3.2.tar.gz", "contentHash": "sha256:aa"},
	 "dependencies": [{"name": "acme/ini", "range": "^1.0"}]},
	{"version": "0.3.1", "abi": "wasi",
	 "distribution": {"downloadUrl": "https://cdn.example/libc-0.3.1.tar.gz", "contentHash": "sha256:bb"}}
]}}`

func TestPackageVersions(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(graphqlHandler(t, func(query string, vars map[string]any, w http.ResponseWriter) {
		atomic.AddInt32(&calls, 1)
		if vars["name"] != "_/libc" {
			t.Errorf("unexpected name variable %v", vars["name"])
		}
		fmt.Fprintf(w, `{"data": %s}`, libcVersionsData)
	}))
	defer ts.Close()

	c := testClient(t, ts)
	entry, err := c.PackageVersions(context.Background(), "_/libc")
	if err != nil {
		t.Fatalf("PackageVersions failed: %v", err)
	}
	if entry.Name != "_/libc" || len(entry.Versions) != 2 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	meta, ok := entry.VersionNamed("0.3.2")
	if !ok {
		t.Fatalf("VersionNamed missed 0.3.2")
	}
	if meta.ContentHash != "sha256:aa" || len(meta.Dependencies) != 1 {
		t.Errorf("unexpected meta: %+v", meta)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 request, got %d", got)
	}
}

func TestPackageVersionsNotFound(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(graphqlHandler(t, func(query string, vars map[string]any, w http.ResponseWriter) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"data": {"package": null}}`)
	}))
	defer ts.Close()

	c := testClient(t, ts)
	_, err := c.PackageVersions(context.Background(), "_/ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("not-found must not retry, got %d requests", got)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(graphqlHandler(t, func(query string, vars map[string]any, w http.ResponseWriter) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"data": %s}`, libcVersionsData)
	}))
	defer ts.Close()

	c := testClient(t, ts)
	entry, err := c.PackageVersions(context.Background(), "_/libc")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if len(entry.Versions) != 2 {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 requests, got %d", got)
	}
}

func TestUnavailableAfterRetryBudget(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(graphqlHandler(t, func(query string, vars map[string]any, w http.ResponseWriter) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := testClient(t, ts, WithMaxRetries(2))
	_, err := c.PackageVersions(context.Background(), "_/libc")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("expected RequestError, got %T", err)
	}
	if re.Attempts != 3 || re.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("unexpected failure detail: %+v", re)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 requests, got %d", got)
	}
}

func TestQueryRejectedIsPermanent(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(graphqlHandler(t, func(query string, vars map[string]any, w http.ResponseWriter) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"errors": [{"message": "unknown field"}]}`)
	}))
	defer ts.Close()

	c := testClient(t, ts)
	_, err := c.PackageVersions(context.Background(), "_/libc")
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected permanent failure, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("rejected query must not retry, got %d requests", got)
	}
}

func TestPackageByCommand(t *testing.T) {
	ts := httptest.NewServer(graphqlHandler(t, func(query string, vars map[string]any, w http.ResponseWriter) {
		if vars["name"] != "cat" {
			t.Errorf("unexpected command variable %v", vars["name"])
		}
		fmt.Fprint(w, `{"data": {"command": {
			"name": "cat", "module": "coreutils",
			"packageVersion": {"version": "0.4.1", "package": {"name": "_/coreutils"}}
		}}}`)
	}))
	defer ts.Close()

	c := testClient(t, ts)
	target, err := c.PackageByCommand(context.Background(), "cat")
	if err != nil {
		t.Fatalf("PackageByCommand failed: %v", err)
	}
	if target.Package.Name != "_/coreutils" || target.Package.Version != "0.4.1" || target.Module != "coreutils" {
		t.Errorf("unexpected target: %+v", target)
	}
}

func TestBearerToken(t *testing.T) {
	var gotAuth string
	inner := graphqlHandler(t, func(query string, vars map[string]any, w http.ResponseWriter) {
		fmt.Fprint(w, `{"data": {"viewer": {"username": "alice"}}}`)
	})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		inner.ServeHTTP(w, r)
	}))
	defer ts.Close()

	c := testClient(t, ts, WithToken("sekrit"))
	user, err := c.Viewer(context.Background())
	if err != nil {
		t.Fatalf("Viewer failed: %v", err)
	}
	if user != "alice" {
		t.Errorf("unexpected username %q", user)
	}
	if gotAuth != "Bearer sekrit" {
		t.Errorf("unexpected Authorization header %q", gotAuth)
	}
}

func TestFetchArchive(t *testing.T) {
	payload := []byte("not really a tarball but bytes all the same")
	mux := http.NewServeMux()
	mux.HandleFunc("/packages/libc.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := testClient(t, ts)
	dst := filepath.Join(t.TempDir(), "libc.tar.gz")
	n, err := c.FetchArchive(context.Background(), ts.URL+"/packages/libc.tar.gz", dst)
	if err != nil {
		t.Fatalf("FetchArchive failed: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("expected %d bytes, got %d", len(payload), n)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	if string(data) != string(payload) {
		t.Errorf("archive content mismatch")
	}
}

func TestFetchArchiveTooLarge(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/big.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write(make([]byte, 100))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := testClient(t, ts, WithMaxArchiveBytes(8))
	dst := filepath.Join(t.TempDir(), "big.tar.gz")
	_, err := c.FetchArchive(context.Background(), ts.URL+"/big.tar.gz", dst)
	if !errors.Is(err, ErrArchiveTooLarge) {
		t.Fatalf("expected ErrArchiveTooLarge, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("size ceiling must not retry, got %d requests", got)
	}
}

func TestFetchArchiveNotFound(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	c := testClient(t, ts)
	dst := filepath.Join(t.TempDir(), "ghost.tar.gz")
	_, err := c.FetchArchive(context.Background(), ts.URL+"/ghost.tar.gz", dst)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
