// Package engine orchestrates one config.RomEntry at a time: list, filter,
// select, reconcile against local state, fetch with backpressure, extract,
// and record outcomes in the manifest (spec.md §4.8).
package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/codahale/hdrhistogram"
	"github.com/golang/glog"

	"github.com/retrosd/retrosd/internal/archive"
	"github.com/retrosd/retrosd/internal/backpressure"
	"github.com/retrosd/retrosd/internal/config"
	"github.com/retrosd/retrosd/internal/coreerr"
	"github.com/retrosd/retrosd/internal/events"
	"github.com/retrosd/retrosd/internal/fetch"
	"github.com/retrosd/retrosd/internal/filter"
	"github.com/retrosd/retrosd/internal/listing"
	"github.com/retrosd/retrosd/internal/manifest"
	"github.com/retrosd/retrosd/internal/selector"
)

// Options configures one ProcessEntry run.
type Options struct {
	RomsRoot           string // manifest root; entry.DestDir is typically a subdirectory of this
	Jobs               int
	MaxBytesInFlight   int64
	ExtractConcurrency int
	Update             bool // compare size/lastModified against the manifest and re-fetch on mismatch
	Force              bool // ignore the cached directory last-modified short-circuit
	Select1G1R         bool
	FilterOptions      filter.Options
	SelectorOptions    selector.Options
	HTTPClient         *http.Client
	Sink               events.Sink
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func (o Options) jobs() int {
	if o.Jobs > 0 {
		return o.Jobs
	}
	return 4
}

func (o Options) extractConcurrency() int {
	if o.ExtractConcurrency > 0 {
		return o.ExtractConcurrency
	}
	if o.jobs() < 8 {
		return o.jobs()
	}
	return 8
}

// FileOutcome records what happened to one selected filename.
type FileOutcome struct {
	Filename        string
	Skipped         bool
	BytesDownloaded int64
	Extracted       bool
	Err             error
}

// BatchResult summarizes one ProcessEntry call.
type BatchResult struct {
	System          string
	Success         int
	Failed          int
	Skipped         int
	BytesDownloaded int64
	Duration        time.Duration
	Outcomes        []FileOutcome
	DirectorySkip   bool
	SizeP50         int64
	SizeP90         int64
	SizeP99         int64
}

// sizeDistribution records the downloaded-file-size histogram for a batch
// and reads back the 50th/90th/99th percentiles with ValueAtQuantile for
// a summary line.
func sizeDistribution(outcomes []FileOutcome) (p50, p90, p99 int64) {
	h := hdrhistogram.New(0, 1<<40, 3)
	for _, o := range outcomes {
		if o.BytesDownloaded > 0 {
			h.RecordValue(o.BytesDownloaded)
		}
	}
	return h.ValueAtQuantile(50), h.ValueAtQuantile(90), h.ValueAtQuantile(99)
}

func emit(sink events.Sink, ev events.Event) {
	if sink == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = events.NextID()
	}
	ev.Timestamp = time.Now()
	sink.Emit(ev)
}

// ProcessEntry runs the full engine pipeline for one RomEntry.
func ProcessEntry(ctx context.Context, entry config.RomEntry, opts Options) (BatchResult, error) {
	start := time.Now()
	result := BatchResult{System: entry.Key}

	glog.V(1).Infof("engine: processing %s from %s", entry.Key, entry.RemotePath)
	emit(opts.Sink, events.Event{Kind: events.KindBatchStart, System: entry.Key, Message: entry.RemotePath})

	body, err := fetchListingBody(ctx, opts.httpClient(), entry.RemotePath)
	if err != nil {
		glog.Errorf("engine: %s: listing fetch failed: %v", entry.Key, err)
		return result, coreerr.New(coreerr.ClassTransient, "engine.ProcessEntry", err)
	}

	man, err := manifest.Load(opts.RomsRoot)
	if err != nil {
		return result, coreerr.New(coreerr.ClassFilesystem, "engine.ProcessEntry", err)
	}

	if dirModified, ok := listing.ParseDirectoryLastModified(body); ok && !opts.Force {
		if state, known := man.GetDirectory(entry.Key); known && state.LastModified.Equal(dirModified) {
			emit(opts.Sink, events.Event{Kind: events.KindBatchComplete, System: entry.Key, Message: "skip: directory unchanged"})
			result.DirectorySkip = true
			result.Duration = time.Since(start)
			return result, nil
		}
	}

	var archivePattern *regexp.Regexp
	if entry.ArchivePattern != "" {
		archivePattern, err = regexp.Compile(entry.ArchivePattern)
		if err != nil {
			return result, coreerr.New(coreerr.ClassLogical, "engine.ProcessEntry", err)
		}
	}
	remoteFiles, err := listing.Parse(body, archivePattern)
	if err != nil {
		return result, coreerr.New(coreerr.ClassPermanent, "engine.ProcessEntry", err)
	}
	emit(opts.Sink, events.Event{Kind: events.KindListing, System: entry.Key, Counts: &events.Counts{Completed: len(remoteFiles)}})

	byName := make(map[string]listing.RemoteFile, len(remoteFiles))
	names := make([]string, 0, len(remoteFiles))
	for _, rf := range remoteFiles {
		byName[rf.Name] = rf
		names = append(names, rf.Name)
	}

	filtered, err := filter.Apply(names, opts.FilterOptions)
	if err != nil {
		return result, coreerr.New(coreerr.ClassLogical, "engine.ProcessEntry", err)
	}

	selected := filtered
	if opts.Select1G1R {
		selected = selector.Select(filtered, opts.SelectorOptions)
	}
	emit(opts.Sink, events.Event{Kind: events.KindFiltered, System: entry.Key, Counts: &events.Counts{Completed: len(selected)}})

	controller := backpressure.New(opts.jobs(), opts.MaxBytesInFlight, nil)
	extractSem := make(chan struct{}, opts.extractConcurrency())

	var mu sync.Mutex
	var manMu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range selected {
		rf := byName[name]
		wg.Add(1)
		go func(rf listing.RemoteFile) {
			defer wg.Done()
			outcome := processOne(ctx, entry, rf, man, &manMu, controller, extractSem, opts)
			mu.Lock()
			defer mu.Unlock()
			result.Outcomes = append(result.Outcomes, outcome)
			result.BytesDownloaded += outcome.BytesDownloaded
			switch {
			case outcome.Err != nil:
				result.Failed++
			case outcome.Skipped:
				result.Skipped++
			default:
				result.Success++
			}
		}(rf)
	}
	wg.Wait()

	result.SizeP50, result.SizeP90, result.SizeP99 = sizeDistribution(result.Outcomes)

	if dirModified, ok := listing.ParseDirectoryLastModified(body); ok {
		man.PutDirectory(entry.Key, manifest.DirectoryState{LastModified: dirModified, UpdatedAt: time.Now()})
	}
	if err := man.Save(opts.RomsRoot); err != nil {
		return result, coreerr.New(coreerr.ClassFilesystem, "engine.ProcessEntry", err)
	}

	result.Duration = time.Since(start)
	glog.Infof("engine: %s done: %d ok, %d failed, %d skipped in %s", entry.Key, result.Success, result.Failed, result.Skipped, result.Duration)
	emit(opts.Sink, events.Event{Kind: events.KindBatchComplete, System: entry.Key,
		Counts: &events.Counts{Completed: result.Success, Failed: result.Failed, Skipped: result.Skipped}})
	return result, nil
}

func processOne(ctx context.Context, entry config.RomEntry, rf listing.RemoteFile, man *manifest.Manifest, manMu *sync.Mutex,
	controller *backpressure.Controller, extractSem chan struct{}, opts Options,
) FileOutcome {
	outcome := FileOutcome{Filename: rf.Name}
	destPath := filepath.Join(entry.DestDir, rf.Name)
	key := manifest.Key(entry.DestDir, rf.Name)

	manMu.Lock()
	prior, hadPrior := man.Get(key)
	manMu.Unlock()

	needsFetch := true
	if hadPrior {
		if _, statErr := os.Stat(destPath); statErr == nil {
			if !opts.Update || (prior.Size == rf.Size && (!rf.HasTimestamp || prior.LastModified.Equal(rf.LastModified))) {
				needsFetch = false
			}
		}
	}

	if !needsFetch {
		outcome.Skipped = true
		manMu.Lock()
		man.Put(key, manifest.Entry{Filename: rf.Name, Size: rf.Size, LastModified: rf.LastModified, UpdatedAt: time.Now()})
		manMu.Unlock()
		return outcome
	}

	if err := controller.Acquire(ctx, rf.Size); err != nil {
		outcome.Err = err
		return outcome
	}
	defer controller.Release(rf.Size, rf.Size)

	taskID := events.NextID()
	emit(opts.Sink, events.Event{ID: taskID, Kind: events.KindStart, System: entry.Key, File: rf.Name, Total: rf.Size, Timestamp: time.Now()})

	remoteURL := joinURL(entry.RemotePath, rf.Name)
	req := fetch.Request{
		URL:          remoteURL,
		DestPath:     destPath,
		Client:       opts.httpClient(),
		ExpectedSize: rf.Size,
		OnProgress: func(written, total int64) {
			emit(opts.Sink, events.Event{ID: taskID, Kind: events.KindProgress, System: entry.Key, File: rf.Name, Bytes: written, Total: total})
		},
	}
	fetchResult, err := fetch.Fetch(ctx, req)
	if err != nil {
		glog.Errorf("engine: %s: fetch %s failed: %v", entry.Key, rf.Name, err)
		emit(opts.Sink, events.Event{ID: taskID, Kind: events.KindError, System: entry.Key, File: rf.Name, Message: err.Error()})
		outcome.Err = err
		return outcome
	}
	outcome.BytesDownloaded = fetchResult.BytesWritten
	glog.V(2).Infof("engine: %s: fetched %s (%d bytes)", entry.Key, rf.Name, fetchResult.BytesWritten)
	emit(opts.Sink, events.Event{ID: taskID, Kind: events.KindComplete, System: entry.Key, File: rf.Name, Bytes: fetchResult.BytesWritten})

	if entry.Extract {
		extractSem <- struct{}{}
		extractErr := extractWithRetry(ctx, entry, destPath, rf.Size, opts)
		<-extractSem
		if extractErr != nil {
			emit(opts.Sink, events.Event{ID: taskID, Kind: events.KindExtractError, System: entry.Key, File: rf.Name, Message: extractErr.Error()})
			outcome.Err = extractErr
			return outcome
		}
		outcome.Extracted = true
	}

	manMu.Lock()
	man.Put(key, manifest.Entry{Filename: rf.Name, Size: rf.Size, LastModified: rf.LastModified, UpdatedAt: time.Now()})
	manMu.Unlock()
	return outcome
}

// extractWithRetry extracts destPath once; on failure it deletes and
// re-fetches the archive once, then retries extraction once more
// (spec.md §4.8 step 5).
func extractWithRetry(ctx context.Context, entry config.RomEntry, archivePath string, expectedSize int64, opts Options) error {
	extractOpts := archive.Options{IncludeGlobs: splitGlob(entry.ExtractGlob)}
	_, err := archive.Extract(archivePath, entry.DestDir, extractOpts)
	if err == nil {
		return nil
	}

	os.Remove(archivePath)
	name := filepath.Base(archivePath)
	remoteURL := joinURL(entry.RemotePath, name)
	if _, fetchErr := fetch.Fetch(ctx, fetch.Request{URL: remoteURL, DestPath: archivePath, Client: opts.httpClient(), ExpectedSize: expectedSize}); fetchErr != nil {
		return coreerr.New(coreerr.ClassIntegrity, "engine.extractWithRetry", fmt.Errorf("re-fetch after extract failure: %w", fetchErr))
	}
	_, err = archive.Extract(archivePath, entry.DestDir, extractOpts)
	if err != nil {
		return coreerr.New(coreerr.ClassIntegrity, "engine.extractWithRetry", err)
	}
	return nil
}

func splitGlob(g string) []string {
	if g == "" {
		return nil
	}
	return []string{g}
}

func joinURL(base, name string) string {
	if base == "" {
		return name
	}
	if base[len(base)-1] == '/' {
		return base + name
	}
	return base + "/" + name
}

func fetchListingBody(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", coreerr.New(coreerr.ClassPermanent, "engine.fetchListingBody", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", coreerr.New(coreerr.ClassTransient, "engine.fetchListingBody", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", coreerr.New(coreerr.ClassTransient, "engine.fetchListingBody", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", coreerr.New(coreerr.ClassTransient, "engine.fetchListingBody", err)
	}
	return string(data), nil
}

// RunSystems processes several RomEntry values with a small cross-system
// parallelism cap (default jobs/2, at least 1), each with its own inner
// backpressure budget (spec.md §4.8 "Across systems").
func RunSystems(ctx context.Context, entries []config.RomEntry, opts Options) []BatchResult {
	crossSystemParallelism := opts.jobs() / 2
	if crossSystemParallelism < 1 {
		crossSystemParallelism = 1
	}

	results := make([]BatchResult, len(entries))
	sem := make(chan struct{}, crossSystemParallelism)
	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, entry config.RomEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			r, err := ProcessEntry(ctx, entry, opts)
			if err != nil {
				r.System = entry.Key
				r.Failed++
				r.Outcomes = append(r.Outcomes, FileOutcome{Err: err})
			}
			results[i] = r
		}(i, entry)
	}
	wg.Wait()
	return results
}
