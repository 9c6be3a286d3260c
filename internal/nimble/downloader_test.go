package nimble

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestDownloaderBatch(t *testing.T) {
	fileContents := map[string][]byte{
		"mods/core/a.pak": []byte("alpha content"),
		"mods/core/b.pak": []byte("beta content, a little longer"),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content, ok := fileContents["mods"+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(content) //nolint:errcheck
	}))
	defer srv.Close()

	base := t.TempDir()
	var cancelled atomic.Bool
	dl := NewDownloader(srv.URL, base, 2, &cancelled)

	tasks := []DownloadTask{
		{ModName: "core", Path: "a.pak", Length: int64(len(fileContents["mods/core/a.pak"]))},
		{ModName: "core", Path: "b.pak", Length: int64(len(fileContents["mods/core/b.pak"]))},
	}

	var mu sync.Mutex
	var events []ProgressEvent
	dl.Progress = func(ev ProgressEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	results, err := dl.Batch(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("task %+v: %v", r.Task, r.Err)
		}
	}

	for rel, want := range map[string][]byte{
		"core/a.pak": fileContents["mods/core/a.pak"],
		"core/b.pak": fileContents["mods/core/b.pak"],
	} {
		got, err := os.ReadFile(filepath.Join(base, rel))
		if err != nil {
			t.Fatalf("ReadFile(%s): %v", rel, err)
		}
		if string(got) != string(want) {
			t.Errorf("%s content = %q; want %q", rel, got, want)
		}
	}

	if len(events) == 0 {
		t.Error("expected at least one progress event")
	}
}

func TestDownloaderBatchEmpty(t *testing.T) {
	var cancelled atomic.Bool
	dl := NewDownloader("http://example.com", t.TempDir(), 2, &cancelled)
	if results, err := dl.Batch(context.Background(), nil); err != nil || results != nil {
		t.Fatalf("Batch(nil) = %v, %v; want nil, nil", results, err)
	}
}

func TestDownloaderBatchHttpError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	base := t.TempDir()
	var cancelled atomic.Bool
	dl := NewDownloader(srv.URL, base, 2, &cancelled)

	results, err := dl.Batch(context.Background(), []DownloadTask{{ModName: "core", Path: "missing.pak", Length: 4}})
	if err != nil {
		t.Fatalf("Batch overall error = %v; want nil (per-task failures do not surface here)", err)
	}
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected one failed task result, got %+v", results)
	}
	var httpErr *HttpError
	if !errors.As(results[0].Err, &httpErr) {
		t.Fatalf("expected *HttpError, got %T: %v", results[0].Err, results[0].Err)
	}
}

func TestDownloaderBatchSiblingIsolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/core/bad.pak" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("good content")) //nolint:errcheck
	}))
	defer srv.Close()

	base := t.TempDir()
	var cancelled atomic.Bool
	dl := NewDownloader(srv.URL, base, 4, &cancelled)

	tasks := []DownloadTask{
		{ModName: "core", Path: "good.pak", Length: 12},
		{ModName: "core", Path: "bad.pak", Length: 4},
	}

	results, err := dl.Batch(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Batch overall error = %v; want nil (sibling isolation, no cancellation)", err)
	}

	byPath := make(map[string]error)
	for _, r := range results {
		byPath[r.Task.Path] = r.Err
	}
	if byPath["good.pak"] != nil {
		t.Errorf("good.pak task failed: %v", byPath["good.pak"])
	}
	if byPath["bad.pak"] == nil {
		t.Error("expected bad.pak task to report an error")
	}

	if _, err := os.Stat(filepath.Join(base, "core", "good.pak")); err != nil {
		t.Errorf("expected sibling task to complete despite the other's failure: %v", err)
	}
}

func TestDownloaderBatchCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content")) //nolint:errcheck
	}))
	defer srv.Close()

	base := t.TempDir()
	var cancelled atomic.Bool
	cancelled.Store(true)
	dl := NewDownloader(srv.URL, base, 2, &cancelled)

	_, err := dl.Batch(context.Background(), []DownloadTask{{ModName: "core", Path: "a.pak", Length: 7}})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}
