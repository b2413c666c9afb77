// Package archive extracts ZIP archives to a destination directory with
// glob filtering and path-traversal protection (spec.md §4.6).
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	kpflate "github.com/klauspost/compress/flate"

	"github.com/retrosd/retrosd/internal/coreerr"
)

func init() {
	// klauspost/compress's flate implementation is a drop-in faster
	// decompressor; registering it once makes every zip.Reader in the
	// process use it instead of the standard library's.
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return kpflate.NewReader(r)
	})
}

// Options configures extraction.
type Options struct {
	IncludeGlobs []string // if non-empty, only matching entries are extracted
	ExcludeGlobs []string
	Flatten      bool // drop archive-internal directory structure
	DeleteSource bool // remove the archive file after successful extraction
}

// Result summarizes one extraction.
type Result struct {
	ExtractedFiles []string
	BytesWritten   int64
}

// Extract opens archivePath as a ZIP and writes its entries under destDir.
func Extract(archivePath, destDir string, opts Options) (Result, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return Result{}, coreerr.New(coreerr.ClassIntegrity, "archive.Extract", fmt.Errorf("open %s: %w", archivePath, err))
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Result{}, coreerr.New(coreerr.ClassFilesystem, "archive.Extract", err)
	}

	var res Result
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !passesGlobs(f.Name, opts.IncludeGlobs, opts.ExcludeGlobs) {
			continue
		}

		outPath, err := safeJoin(destDir, entryName(f.Name, opts.Flatten))
		if err != nil {
			return res, coreerr.New(coreerr.ClassIntegrity, "archive.Extract", err)
		}

		n, err := extractOne(f, outPath)
		if err != nil {
			return res, coreerr.New(coreerr.ClassIntegrity, "archive.Extract", err)
		}
		res.ExtractedFiles = append(res.ExtractedFiles, outPath)
		res.BytesWritten += n
	}

	if opts.DeleteSource && len(res.ExtractedFiles) > 0 {
		if err := os.Remove(archivePath); err != nil {
			return res, coreerr.New(coreerr.ClassFilesystem, "archive.Extract", err)
		}
	}
	return res, nil
}

func entryName(name string, flatten bool) string {
	if flatten {
		return filepath.Base(name)
	}
	return name
}

// safeJoin joins destDir and rel, rejecting any result that escapes
// destDir via ".." segments or an absolute path (zip-slip protection).
func safeJoin(destDir, rel string) (string, error) {
	cleanRel := filepath.Clean(strings.ReplaceAll(rel, "\\", "/"))
	if filepath.IsAbs(cleanRel) || strings.HasPrefix(cleanRel, "..") {
		return "", fmt.Errorf("archive entry escapes destination: %q", rel)
	}
	joined := filepath.Join(destDir, cleanRel)
	if !strings.HasPrefix(joined, filepath.Clean(destDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry escapes destination: %q", rel)
	}
	return joined, nil
}

func extractOne(f *zip.File, outPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, err
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open %s in archive: %w", f.Name, err)
	}
	defer rc.Close()

	tmpPath := outPath + ".tmp"
	out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	n, copyErr := io.Copy(out, rc)
	closeErr := out.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("extract %s: %w", f.Name, copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return 0, closeErr
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	return n, nil
}

func passesGlobs(name string, include, exclude []string) bool {
	base := filepath.Base(name)
	if len(include) > 0 && !matchesAny(base, name, include) {
		return false
	}
	if len(exclude) > 0 && matchesAny(base, name, exclude) {
		return false
	}
	return true
}

// matchesAny compares case-insensitively, since archive entries and their
// glob patterns are commonly cased inconsistently (spec.md §4.6).
func matchesAny(base, full string, patterns []string) bool {
	lowerBase := strings.ToLower(base)
	lowerFull := strings.ToLower(full)
	for _, p := range patterns {
		lowerP := strings.ToLower(p)
		if ok, _ := filepath.Match(lowerP, lowerBase); ok {
			return true
		}
		if ok, _ := filepath.Match(lowerP, lowerFull); ok {
			return true
		}
	}
	return false
}
