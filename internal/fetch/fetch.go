// Package fetch downloads a single remote file to a local path with
// Range-resume, atomic commit, and retry-with-backoff (spec.md §4.4).
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/retrosd/retrosd/internal/coreerr"
)

const partSuffix = ".part"

// bufferSize is the copy buffer used when streaming a response body into
// the .part file.
const bufferSize = 1 << 20 // 1 MiB

// ProgressFunc is invoked periodically with cumulative bytes written and
// the known total (0 if unknown).
type ProgressFunc func(written, total int64)

// Request describes one download.
type Request struct {
	URL        string
	DestPath   string
	Client     *http.Client
	MaxRetries int
	OnProgress ProgressFunc

	// ExpectedSize is the remote size when known from a directory listing
	// or catalog row; 0 means unknown. When nonzero it gates the final
	// rename (step 5) and lets a 416 response short-circuit a transfer
	// that's already complete (step 3).
	ExpectedSize int64

	// Headers carries conditional-request fields such as If-None-Match
	// and If-Modified-Since for a 304 fast path (step 3).
	Headers map[string]string
}

// Result summarizes a completed fetch.
type Result struct {
	BytesWritten int64
	Resumed      bool
	Skipped      bool // true on 304 Not Modified or an already-complete .part
	StatusCode   int
	ContentType  string
}

func (r Request) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func (r Request) maxRetries() int {
	if r.MaxRetries > 0 {
		return r.MaxRetries
	}
	return 5
}

// Fetch downloads req.URL into req.DestPath, writing to a sibling ".part"
// file and renaming atomically on success. If a ".part" file already
// exists it is resumed via a Range request.
func Fetch(ctx context.Context, req Request) (Result, error) {
	partPath := req.DestPath + partSuffix

	var lastErr error
	for attempt := 0; attempt <= req.maxRetries(); attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return Result{}, err
			}
		}

		res, err := attemptFetch(ctx, req, partPath)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return Result{}, err
		}
	}
	return Result{}, coreerr.New(coreerr.ClassTransient, "fetch.Fetch", fmt.Errorf("exhausted retries: %w", lastErr))
}

func attemptFetch(ctx context.Context, req Request, partPath string) (Result, error) {
	var startOffset int64
	if fi, err := os.Stat(partPath); err == nil {
		startOffset = fi.Size()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return Result{}, coreerr.New(coreerr.ClassPermanent, "fetch.attemptFetch", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if startOffset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", startOffset))
	}

	resp, err := req.client().Do(httpReq)
	if err != nil {
		return Result{}, coreerr.New(coreerr.ClassTransient, "fetch.attemptFetch", err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")

	switch resp.StatusCode {
	case http.StatusOK:
		startOffset = 0
	case http.StatusPartialContent:
		// resuming as requested
	case http.StatusNotModified:
		// conditional request matched: nothing to fetch, nothing to verify
		return Result{Skipped: true, StatusCode: resp.StatusCode, ContentType: contentType}, nil
	case http.StatusRequestedRangeNotSatisfiable:
		// local .part already covers the known expected size: promote it
		// and call the transfer complete instead of restarting from zero.
		if req.ExpectedSize > 0 && startOffset >= req.ExpectedSize {
			if err := os.Rename(partPath, req.DestPath); err != nil {
				return Result{}, coreerr.New(coreerr.ClassFilesystem, "fetch.attemptFetch", err)
			}
			return Result{BytesWritten: startOffset, Resumed: true, Skipped: true, StatusCode: resp.StatusCode, ContentType: contentType}, nil
		}
		// otherwise the .part is stale; drop it and retry fresh
		os.Remove(partPath)
		return Result{}, coreerr.New(coreerr.ClassTransient, "fetch.attemptFetch", errors.New("range not satisfiable, restarting"))
	case http.StatusNotFound:
		os.Remove(partPath)
		return Result{}, coreerr.New(coreerr.ClassPermanent, "fetch.attemptFetch", fmt.Errorf("404 not found: %s", req.URL))
	case http.StatusTooManyRequests:
		return Result{}, coreerr.New(coreerr.ClassTransient, "fetch.attemptFetch", fmt.Errorf("rate limited: %s", req.URL))
	default:
		if resp.StatusCode >= 500 {
			return Result{}, coreerr.New(coreerr.ClassTransient, "fetch.attemptFetch", fmt.Errorf("server error %d: %s", resp.StatusCode, req.URL))
		}
		return Result{}, coreerr.New(coreerr.ClassPermanent, "fetch.attemptFetch", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, req.URL))
	}

	if err := os.MkdirAll(filepath.Dir(partPath), 0o755); err != nil {
		return Result{}, coreerr.New(coreerr.ClassFilesystem, "fetch.attemptFetch", err)
	}

	flag := os.O_WRONLY | os.O_CREATE
	if startOffset > 0 {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(partPath, flag, 0o644)
	if err != nil {
		return Result{}, coreerr.New(coreerr.ClassFilesystem, "fetch.attemptFetch", err)
	}

	total := startOffset + resp.ContentLength
	if resp.ContentLength < 0 {
		total = 0
	}
	if resp.StatusCode == http.StatusPartialContent {
		if cr, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			total = cr
		}
	}

	written, copyErr := copyWithProgress(f, resp.Body, startOffset, total, req.OnProgress)
	closeErr := f.Close()
	if copyErr != nil {
		return Result{}, coreerr.New(coreerr.ClassTransient, "fetch.attemptFetch", copyErr)
	}
	if closeErr != nil {
		return Result{}, coreerr.New(coreerr.ClassFilesystem, "fetch.attemptFetch", closeErr)
	}

	// Verify final size (step 5): must be nonzero, and must equal
	// ExpectedSize when known. On mismatch leave the .part in place so a
	// retry can resume it, rather than committing a truncated file.
	if written == 0 {
		return Result{}, coreerr.New(coreerr.ClassIntegrity, "fetch.attemptFetch", fmt.Errorf("zero bytes written for %s", req.URL))
	}
	if req.ExpectedSize > 0 && written != req.ExpectedSize {
		return Result{}, coreerr.New(coreerr.ClassIntegrity, "fetch.attemptFetch",
			fmt.Errorf("size mismatch for %s: wrote %d bytes, expected %d", req.URL, written, req.ExpectedSize))
	}

	if err := os.Rename(partPath, req.DestPath); err != nil {
		return Result{}, coreerr.New(coreerr.ClassFilesystem, "fetch.attemptFetch", err)
	}

	return Result{BytesWritten: written, Resumed: startOffset > 0, StatusCode: resp.StatusCode, ContentType: contentType}, nil
}

func copyWithProgress(dst io.Writer, src io.Reader, startOffset, total int64, onProgress ProgressFunc) (int64, error) {
	buf := make([]byte, bufferSize)
	written := startOffset
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(written, total)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// parseContentRangeTotal extracts the authoritative total size from a
// "Content-Range: bytes start-end/total" header (step 3, 206 response).
func parseContentRangeTotal(h string) (int64, bool) {
	i := strings.LastIndexByte(h, '/')
	if i < 0 || i+1 >= len(h) {
		return 0, false
	}
	totalStr := h[i+1:]
	if totalStr == "*" {
		return 0, false
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil || total <= 0 {
		return 0, false
	}
	return total, true
}

func isRetryable(err error) bool {
	return coreerr.IsClass(err, coreerr.ClassTransient)
}

func sleepBackoff(ctx context.Context, attempt int) error {
	d := backoffDelay(attempt)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return coreerr.New(coreerr.ClassCancelled, "fetch.sleepBackoff", ctx.Err())
	case <-t.C:
		return nil
	}
}

// backoffDelay is exponential with a cap, doubling from 500ms.
func backoffDelay(attempt int) time.Duration {
	base := 500 * time.Millisecond
	d := base << uint(attempt-1)
	const cap = 30 * time.Second
	if d > cap || d <= 0 {
		return cap
	}
	return d
}
