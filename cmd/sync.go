package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"nimble-sync/internal/metrics"
	"nimble-sync/internal/nimble"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize a local mod directory against a remote repository",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().String("repo-url", "", "Remote repository base URL (required)")
	syncCmd.Flags().String("path", "", "Local sync target directory (required)")
	syncCmd.Flags().Bool("dry-run", false, "Stop after computing the diff and report it; no mod files are downloaded or deleted and the cache is not saved")
	syncCmd.Flags().Bool("force", false, "Ignore the cache and quick-diff probes; re-derive every mod from a full manifest")
	syncCmd.Flags().Int("threads", nimble.DefaultWorkers, "Parallel download worker count (1-32)")
	syncCmd.Flags().Duration("timeout", 30*time.Second, "Per-request HTTP timeout")
	syncCmd.Flags().String("metrics-addr", "", "If set, serve Prometheus metrics on this address while syncing (e.g. :9090)")
	_ = syncCmd.MarkFlagRequired("repo-url")
	_ = syncCmd.MarkFlagRequired("path")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	repoURL, _ := cmd.Flags().GetString("repo-url")
	base, _ := cmd.Flags().GetString("path")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	force, _ := cmd.Flags().GetBool("force")
	threads, _ := cmd.Flags().GetInt("threads")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	if err := os.MkdirAll(base, 0o755); err != nil {
		return fmt.Errorf("preparing sync target %s: %w", base, err)
	}

	logPath := filepath.Join(base, "nimble-sync.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) // #nosec G304 - base is a user-supplied sync target directory.
	if err != nil {
		return fmt.Errorf("opening log %s: %w", logPath, err)
	}
	defer logFile.Close()

	recorder := metrics.New()
	var metricsServer *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", recorder.Handler())
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				pterm.Warning.Printf("metrics server stopped: %v\n", err)
			}
		}()
		defer metricsServer.Close()
	}

	writeLog := func(format string, a ...any) {
		fmt.Fprintf(logFile, "%s "+format+"\n", append([]any{time.Now().UTC().Format(time.RFC3339)}, a...)...)
	}
	writeLog("sync start repo=%s path=%s threads=%d force=%t dry_run=%t", repoURL, base, threads, force, dryRun)

	var bar *pterm.ProgressbarPrinter
	var barMu sync.Mutex
	if !pterm.RawOutput {
		bar, _ = pterm.DefaultProgressbar.WithTotal(100).WithTitle("Downloading").Start()
	}

	opts := nimble.SyncOptions{
		RepoURL: repoURL,
		Base:    base,
		DryRun:  dryRun,
		Force:   force,
		Threads: threads,
		Metrics: recorder,
		Log:     writeLog,
		Status: func(msg string) {
			if pterm.RawOutput {
				pterm.Info.Println(msg)
			} else {
				pterm.Println(msg)
			}
		},
		HTTPClient: &http.Client{Timeout: 0, Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          threads * 2,
			MaxIdleConnsPerHost:   threads,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: timeout,
		}},
		Progress: func(ev nimble.ProgressEvent) {
			if bar == nil {
				return
			}
			barMu.Lock()
			defer barMu.Unlock()
			bar.UpdateTitle(fmt.Sprintf("Downloading (%d/%d) %s", ev.FilesCompletedSoFar, ev.FilesTotal, ev.File))
			if ev.BytesTotalOverall > 0 {
				pct := int(float64(ev.BytesSoFarOverall) / float64(ev.BytesTotalOverall) * 100)
				if pct > 100 {
					pct = 100
				}
				bar.Add(pct - bar.Current)
			}
		},
	}

	orch := nimble.NewSyncOrchestrator(opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		orch.Cancel()
	}()

	result, err := orch.Run(ctx)

	if bar != nil {
		_, _ = bar.Stop()
	}

	if err != nil {
		if errors.Is(err, nimble.ErrCancelled) {
			writeLog("sync cancelled")
			return cancelledExit(err)
		}
		writeLog("sync failed: %v", err)
		return err
	}

	if result.DryRun {
		printDiffSummary(result)
		return nil
	}

	for name, ferr := range result.Failed {
		pterm.Warning.Printf("mod %s failed: %v\n", name, ferr)
	}

	if len(result.Updated) == 0 {
		pterm.Success.Println("All mods are up to date.")
	} else {
		pterm.Success.Printf("Sync complete. Updated %d mod(s): %s\n", len(result.Updated), strings.Join(result.Updated, ", "))
	}
	writeLog("sync complete updated=%d failed=%d", len(result.Updated), len(result.Failed))

	return nil
}

func printDiffSummary(result nimble.SyncResult) {
	if len(result.Diffs) == 0 {
		pterm.Success.Println("Dry run: nothing to do, all mods are up to date.")
		return
	}

	tableData := pterm.TableData{{"Mod Name", "Downloads", "Deletes", "Bytes To Fetch"}}
	var totalDownloads, totalDeletes int
	var totalBytes int64
	for _, d := range result.Diffs {
		tableData = append(tableData, []string{
			d.ModName,
			fmt.Sprintf("%d", d.Downloads),
			fmt.Sprintf("%d", d.Deletes),
			fmt.Sprintf("%d", d.DownloadBytes),
		})
		totalDownloads += d.Downloads
		totalDeletes += d.Deletes
		totalBytes += d.DownloadBytes
	}

	if pterm.RawOutput {
		for _, row := range tableData[1:] {
			fmt.Println(strings.Join(row, "\t"))
		}
	} else {
		_ = pterm.DefaultTable.WithHasHeader().WithData(tableData).Render()
	}

	pterm.Info.Printf("Dry run: %d mod(s) need work, %d download(s), %d delete(s), %d bytes to fetch\n",
		len(result.Diffs), totalDownloads, totalDeletes, totalBytes)
}
