package nimble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// downloadChunkSize is the minimum read-buffer size mandated by spec.md
// §4.6 step 3 ("Read the response in ≥ 64 KiB chunks").
const downloadChunkSize = 64 * 1024

// DefaultWorkers is the default worker-thread count for the downloader
// (spec.md §4.6).
const DefaultWorkers = 4

// MaxWorkers is the upper bound on caller-configurable worker count.
const MaxWorkers = 32

// ProgressEvent is published to the caller-supplied sink on every chunk
// read, per spec.md §4.6.
type ProgressEvent struct {
	File               string
	BytesSoFarOverall  int64
	BytesTotalOverall  int64
	FilesCompletedSoFar int
	FilesTotal         int
}

// ProgressSink receives ProgressEvents. The downloader calls it synchronously
// from the worker goroutine that produced the event and waits for it to
// return; events are not buffered or dropped, so a sink that blocks stalls
// that worker.
type ProgressSink func(ProgressEvent)

// Downloader fetches a batch of DownloadTasks in parallel, staging each to a
// temp file on the same filesystem as its destination before an atomic
// rename, per spec.md §4.6.
type Downloader struct {
	Client     *http.Client
	BaseURL    string
	BaseDir    string
	Workers    int
	BasicAuth  *BasicAuthentication
	Progress   ProgressSink
	Cancelled  *atomic.Bool
}

// NewDownloader constructs a Downloader with the spec's default transport
// shape: an HTTP/1.1 keep-alive agent pool sized to the worker count,
// mirroring the teacher's NewUpdater transport configuration.
func NewDownloader(baseURL, baseDir string, workers int, cancelled *atomic.Bool) *Downloader {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          workers * 2,
		MaxIdleConnsPerHost:   workers,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Downloader{
		Client:    &http.Client{Transport: transport},
		BaseURL:   baseURL,
		BaseDir:   baseDir,
		Workers:   workers,
		Cancelled: cancelled,
	}
}

// TaskResult is a single task's outcome from a Batch call, reported so
// callers can tell which of several concurrently-fetched mods actually
// completed (spec.md §4.7 step 9 requires per-mod success tracking, not
// batch-wide all-or-nothing).
type TaskResult struct {
	Task DownloadTask
	Err  error
}

// Batch executes all tasks, returning one TaskResult per task (nil Err on
// success) and ErrCancelled as the second return only if any task observed
// cancellation — otherwise the second return is always nil, even when
// individual tasks failed; per-task failures are reported only in the
// TaskResult slice. Already-completed files remain in place; aborted temp
// files are deleted.
func (dl *Downloader) Batch(ctx context.Context, tasks []DownloadTask) ([]TaskResult, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	var totalBytes int64
	for _, t := range tasks {
		totalBytes += t.Length
	}

	var bytesSoFar int64
	var filesDone int32
	filesTotal := len(tasks)
	results := make([]TaskResult, len(tasks))

	// A plain errgroup.Group (not WithContext) is used deliberately: per
	// spec.md §4.6/§7, a single task's transport failure must not abort its
	// siblings. Cancellation is instead a cooperative check against the
	// shared atomic flag, observed at each chunk read and task dequeue.
	eg := new(errgroup.Group)
	eg.SetLimit(dl.Workers)

	var sawCancel atomic.Bool

	for i, task := range tasks {
		i, task := i, task
		eg.Go(func() error {
			if dl.isCancelled() {
				sawCancel.Store(true)
				results[i] = TaskResult{Task: task, Err: ErrCancelled}
				return nil
			}

			err := dl.fetchOne(ctx, task, &bytesSoFar, &filesDone, totalBytes, filesTotal)
			if errors.Is(err, ErrCancelled) {
				sawCancel.Store(true)
			}
			results[i] = TaskResult{Task: task, Err: err}
			return nil
		})
	}

	_ = eg.Wait()
	if sawCancel.Load() {
		return results, ErrCancelled
	}
	return results, nil
}

func (dl *Downloader) isCancelled() bool {
	return dl.Cancelled != nil && dl.Cancelled.Load()
}

func (dl *Downloader) fetchOne(ctx context.Context, task DownloadTask, bytesSoFar *int64, filesDone *int32, totalBytes int64, filesTotal int) error {
	destPath := filepath.Join(dl.BaseDir, task.ModName, filepath.FromSlash(task.Path))
	destDir := filepath.Dir(destPath)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrIo, destDir, err)
	}

	tmpFile, err := os.CreateTemp(destDir, ".nimble-dl-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file in %s: %v", ErrIo, destDir, err)
	}
	tmpPath := tmpFile.Name()
	abort := func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}

	if task.Length > 0 {
		if err := tmpFile.Truncate(task.Length); err != nil {
			abort()
			return fmt.Errorf("%w: presizing %s: %v", ErrIo, tmpPath, err)
		}
		if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
			abort()
			return fmt.Errorf("%w: seeking %s: %v", ErrIo, tmpPath, err)
		}
	}

	remoteURL := JoinRepoPath(dl.BaseURL, task.ModName+"/"+task.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		abort()
		return fmt.Errorf("%w: %v", ErrHttp, err)
	}
	if dl.BasicAuth != nil {
		req.SetBasicAuth(dl.BasicAuth.Username, dl.BasicAuth.Password)
	}

	resp, err := dl.Client.Do(req)
	if err != nil {
		abort()
		return &HttpError{URL: remoteURL, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		abort()
		return &HttpError{URL: remoteURL, Status: resp.StatusCode}
	}

	buf := make([]byte, downloadChunkSize)
	for {
		if dl.isCancelled() {
			abort()
			return ErrCancelled
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := tmpFile.Write(buf[:n]); werr != nil {
				abort()
				return fmt.Errorf("%w: writing %s: %v", ErrIo, tmpPath, werr)
			}
			newTotal := atomic.AddInt64(bytesSoFar, int64(n))
			dl.emit(ProgressEvent{
				File:                task.ModName + "/" + task.Path,
				BytesSoFarOverall:   newTotal,
				BytesTotalOverall:   totalBytes,
				FilesCompletedSoFar: int(atomic.LoadInt32(filesDone)),
				FilesTotal:          filesTotal,
			})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			abort()
			return fmt.Errorf("%w: reading response body: %v", ErrIo, readErr)
		}
	}

	if err := tmpFile.Sync(); err != nil {
		abort()
		return fmt.Errorf("%w: flushing %s: %v", ErrIo, tmpPath, err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: closing %s: %v", ErrIo, tmpPath, err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: renaming %s to %s: %v", ErrIo, tmpPath, destPath, err)
	}

	done := atomic.AddInt32(filesDone, 1)
	dl.emit(ProgressEvent{
		File:                task.ModName + "/" + task.Path,
		BytesSoFarOverall:   atomic.LoadInt64(bytesSoFar),
		BytesTotalOverall:   totalBytes,
		FilesCompletedSoFar: int(done),
		FilesTotal:          filesTotal,
	})

	return nil
}

func (dl *Downloader) emit(ev ProgressEvent) {
	if dl.Progress == nil {
		return
	}
	// Synchronous call on the reporting worker: a slow sink stalls that
	// worker until it returns.
	dl.Progress(ev)
}
