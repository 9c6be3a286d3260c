package nimble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// StatusSink receives single-line status updates emitted during a sync,
// e.g. "Fetching repository information" (spec.md §4.7 step 2).
type StatusSink func(string)

// ModDiffSummary reports the downloads/deletes computed for a single mod,
// surfaced by dry-run sync per SPEC_FULL.md §9.3.
type ModDiffSummary struct {
	ModName       string
	Downloads     int
	Deletes       int
	DownloadBytes int64
}

// SyncResult summarizes a completed (or dry-run) sync.
type SyncResult struct {
	Repo      RepoManifest
	Diffs     []ModDiffSummary
	Updated   []string
	Failed    map[string]error
	DryRun    bool
}

// SyncOptions configures a single sync invocation.
type SyncOptions struct {
	RepoURL string
	Base    string
	DryRun  bool
	Force   bool
	Threads int
	Status  StatusSink
	Progress ProgressSink
	// Now is injected for determinism in tests; defaults to time.Now.
	Now func() time.Time
	// HTTPClient overrides the default client (tests substitute a fake
	// transport).
	HTTPClient *http.Client
	Metrics    SyncMetrics
	Log        func(format string, args ...any)
}

// SyncMetrics is the narrow surface the orchestrator needs to record
// counters/histograms, satisfied by internal/metrics.Recorder. A nil
// Metrics is valid and simply means nothing is recorded.
type SyncMetrics interface {
	ObserveBytesDownloaded(n int64)
	ObserveFileCompleted()
	ObserveModResult(result string)
	ObserveSyncDuration(d time.Duration)
}

// SyncOrchestrator drives the full sync sequence of spec.md §4.7 and
// commits the cache.
type SyncOrchestrator struct {
	opts      SyncOptions
	client    *http.Client
	cancelled atomic.Bool
}

// NewSyncOrchestrator constructs an orchestrator for opts, filling in
// defaults (HTTP client, clock, thread count).
func NewSyncOrchestrator(opts SyncOptions) *SyncOrchestrator {
	if opts.Threads <= 0 {
		opts.Threads = DefaultWorkers
	}
	if opts.Threads > MaxWorkers {
		opts.Threads = MaxWorkers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          opts.Threads * 2,
				MaxIdleConnsPerHost:   opts.Threads,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		}
	}
	return &SyncOrchestrator{opts: opts, client: client}
}

// Cancel requests cancellation of an in-progress sync. Idempotent.
func (s *SyncOrchestrator) Cancel() {
	s.cancelled.Store(true)
}

func (s *SyncOrchestrator) status(msg string) {
	if s.opts.Status != nil {
		s.opts.Status(msg)
	}
}

func (s *SyncOrchestrator) log(format string, args ...any) {
	if s.opts.Log != nil {
		s.opts.Log(format, args...)
	}
}

func (s *SyncOrchestrator) isCancelled() bool {
	return s.cancelled.Load()
}

// Run executes the sequence described in spec.md §4.7:
//  1. force clears the cache file.
//  2. status "Fetching repository information".
//  3. fetch the remote RepoManifest.
//  4. load (or initialize empty) the ModCache.
//  5. parallel partial-manifest probes for every mod the repo-level diff
//     selected (required and optional).
//  6. per-mod quick-diff / full fetch / diff_mod.
//  7. execute deletes.
//  8. run the downloader over aggregated download tasks.
//  9. write changed mod.srf files and insert into cache.
//  10. mark_synced + save, unless dry-run or cancelled.
func (s *SyncOrchestrator) Run(ctx context.Context) (SyncResult, error) {
	start := s.opts.Now()
	s.cancelled.Store(false)

	if s.opts.Force {
		_ = os.Remove(filepath.Join(s.opts.Base, CacheFileName))
	}

	s.status("Fetching repository information")
	repo, err := FetchRepoManifest(ctx, s.client, s.opts.RepoURL)
	if err != nil {
		return SyncResult{}, err
	}

	if s.isCancelled() {
		return SyncResult{}, ErrCancelled
	}

	cache, err := LoadModCache(s.opts.Base)
	if err != nil {
		return SyncResult{}, err
	}

	candidates := DiffRepo(cache, repo)

	if s.isCancelled() {
		return SyncResult{}, ErrCancelled
	}

	// Step 5: parallel partial-manifest probes, falling back to a full
	// fetch when extraction fails.
	partials := s.probePartials(ctx, repo, candidates)

	if s.isCancelled() {
		return SyncResult{}, ErrCancelled
	}

	var (
		allDownloads []DownloadTask
		allDeletes   []DeleteTask
		summaries    []ModDiffSummary
		remoteMods   = make(map[string]ModManifest, len(candidates))
	)

	for _, mod := range candidates {
		if s.isCancelled() {
			return SyncResult{}, ErrCancelled
		}

		var remoteManifest ModManifest
		needsWork := true

		if s.opts.Force {
			remoteManifest, err = s.fetchFullManifest(ctx, repo, mod)
			if err != nil {
				return SyncResult{}, err
			}
		} else {
			partial, ok := partials[mod.Name]
			result := NeedsFull
			if ok {
				result, err = QuickDiff(s.opts.Base, mod, partial)
				if err != nil {
					result = NeedsFull
				}
			}

			if result == UpToDate {
				needsWork = false
			} else {
				remoteManifest, err = s.fetchFullManifest(ctx, repo, mod)
				if err != nil {
					return SyncResult{}, err
				}
			}
		}

		if !needsWork {
			if s.opts.Metrics != nil {
				s.opts.Metrics.ObserveModResult("uptodate")
			}
			continue
		}

		downloads, deletes, err := DiffMod(s.opts.Base, mod, remoteManifest, s.opts.Force)
		if err != nil {
			return SyncResult{}, err
		}

		remoteMods[mod.Name] = remoteManifest
		allDownloads = append(allDownloads, downloads...)
		allDeletes = append(allDeletes, deletes...)

		var bytes int64
		for _, d := range downloads {
			bytes += d.Length
		}
		summaries = append(summaries, ModDiffSummary{
			ModName:       mod.Name,
			Downloads:     len(downloads),
			Deletes:       len(deletes),
			DownloadBytes: bytes,
		})
	}

	if s.opts.DryRun {
		return SyncResult{Repo: repo, Diffs: summaries, DryRun: true}, nil
	}

	if s.isCancelled() {
		return SyncResult{}, ErrCancelled
	}

	// Step 7: deletes, log-and-continue on individual failures.
	for _, d := range allDeletes {
		path := filepath.Join(s.opts.Base, d.ModName, filepath.FromSlash(d.Path))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log("warning: failed to remove orphan %s: %v", path, err)
		}
	}

	if s.isCancelled() {
		return SyncResult{}, ErrCancelled
	}

	// Step 8: aggregated parallel download.
	dl := &Downloader{
		Client:    s.client,
		BaseURL:   s.opts.RepoURL,
		BaseDir:   s.opts.Base,
		Workers:   s.opts.Threads,
		BasicAuth: repo.BasicAuth,
		Cancelled: &s.cancelled,
		Progress:  s.wrapProgress(),
	}

	results, batchErr := dl.Batch(ctx, allDownloads)
	if errors.Is(batchErr, ErrCancelled) {
		return SyncResult{}, ErrCancelled
	}

	if s.isCancelled() {
		return SyncResult{}, ErrCancelled
	}

	// A mod is only eligible for step 9 if every one of its own tasks
	// succeeded; a sibling mod's failure must never block it (spec.md §4.7
	// step 9: "For every mod that required work and whose downloads
	// succeeded...").
	modFailed := make(map[string]error)
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		if _, ok := modFailed[r.Task.ModName]; !ok {
			modFailed[r.Task.ModName] = r.Err
		}
	}

	// Step 9: write changed mod.srf files and insert into cache.
	failed := make(map[string]error)
	for name, err := range modFailed {
		failed[name] = err
	}
	var updated []string
	for name, manifest := range remoteMods {
		if _, hadFailure := modFailed[name]; hadFailure {
			if s.opts.Metrics != nil {
				s.opts.Metrics.ObserveModResult("failed")
			}
			continue
		}
		srfPath := filepath.Join(s.opts.Base, name, srfFileName)
		f, err := os.Create(srfPath) // #nosec G304 - srfPath is derived from the trusted sync base directory.
		if err != nil {
			failed[name] = fmt.Errorf("%w: writing %s: %v", ErrIo, srfPath, err)
			if s.opts.Metrics != nil {
				s.opts.Metrics.ObserveModResult("failed")
			}
			continue
		}
		werr := manifest.Write(f)
		_ = f.Close()
		if werr != nil {
			failed[name] = werr
			if s.opts.Metrics != nil {
				s.opts.Metrics.ObserveModResult("failed")
			}
			continue
		}
		cache.Insert(manifest)
		updated = append(updated, name)
		if s.opts.Metrics != nil {
			s.opts.Metrics.ObserveModResult("updated")
		}
	}
	sort.Strings(updated)

	// Step 10: mark_synced + save, never on a cancelled run.
	cache.MarkSynced(repo, s.opts.Now())
	if err := cache.Save(s.opts.Base); err != nil {
		return SyncResult{}, err
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.ObserveSyncDuration(s.opts.Now().Sub(start))
	}

	return SyncResult{Repo: repo, Diffs: summaries, Updated: updated, Failed: failed}, nil
}

func (s *SyncOrchestrator) wrapProgress() ProgressSink {
	// lastDone is the highest FilesCompletedSoFar seen, so each completed
	// file is counted once even though chunk events repeat the count.
	var lastDone atomic.Int64
	return func(ev ProgressEvent) {
		if s.opts.Metrics != nil {
			s.opts.Metrics.ObserveBytesDownloaded(ev.BytesSoFarOverall)
			done := int64(ev.FilesCompletedSoFar)
			for prev := lastDone.Load(); done > prev; prev = lastDone.Load() {
				if lastDone.CompareAndSwap(prev, done) {
					for i := prev; i < done; i++ {
						s.opts.Metrics.ObserveFileCompleted()
					}
					break
				}
			}
		}
		if s.opts.Progress != nil {
			s.opts.Progress(ev)
		}
	}
}

// probePartials fetches the first ≤512 bytes of each candidate mod's SRF in
// parallel, extracting the aggregate digest without a full parse
// (spec.md §4.2/§4.7 step 5). Extraction failures are simply omitted from
// the returned map; callers fall back to a full fetch.
func (s *SyncOrchestrator) probePartials(ctx context.Context, repo RepoManifest, mods []RemoteMod) map[string]Digest {
	results := make(map[string]Digest, len(mods))
	var mu sync.Mutex

	eg := new(errgroup.Group)
	eg.SetLimit(s.opts.Threads)

	for _, mod := range mods {
		mod := mod
		eg.Go(func() error {
			if s.isCancelled() {
				return nil
			}
			digest, ok := s.probeOne(ctx, repo, mod)
			if ok {
				mu.Lock()
				results[mod.Name] = digest
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

func (s *SyncOrchestrator) probeOne(ctx context.Context, repo RepoManifest, mod RemoteMod) (Digest, bool) {
	srfURL := JoinRepoPath(s.opts.RepoURL, mod.Name+"/"+srfFileName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srfURL, nil)
	if err != nil {
		return ZeroDigest, false
	}
	req.Header.Set("Range", "bytes=0-511")
	if repo.BasicAuth != nil {
		req.SetBasicAuth(repo.BasicAuth.Username, repo.BasicAuth.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return ZeroDigest, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return ZeroDigest, false
	}

	buf := make([]byte, 512)
	n, _ := io.ReadFull(resp.Body, buf)
	digest, err := ExtractPartialChecksum(buf[:n])
	if err != nil {
		return ZeroDigest, false
	}
	return digest, true
}

func (s *SyncOrchestrator) fetchFullManifest(ctx context.Context, repo RepoManifest, mod RemoteMod) (ModManifest, error) {
	srfURL := JoinRepoPath(s.opts.RepoURL, mod.Name+"/"+srfFileName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srfURL, nil)
	if err != nil {
		return ModManifest{}, fmt.Errorf("%w: %v", ErrHttp, err)
	}
	if repo.BasicAuth != nil {
		req.SetBasicAuth(repo.BasicAuth.Username, repo.BasicAuth.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return ModManifest{}, &HttpError{URL: srfURL, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ModManifest{}, &HttpError{URL: srfURL, Status: resp.StatusCode}
	}

	return ParseManifest(resp.Body)
}
