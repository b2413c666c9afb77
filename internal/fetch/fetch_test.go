package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/retrosd/retrosd/internal/coreerr"
)

func TestFetchFullDownload(t *testing.T) {
	body := "hello rom bytes"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "game.gb")

	res, err := Fetch(context.Background(), Request{URL: srv.URL, DestPath: dest})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.BytesWritten != int64(len(body)) {
		t.Errorf("bytesWritten = %d, want %d", res.BytesWritten, len(body))
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != body {
		t.Errorf("got %q, want %q", got, body)
	}
	if _, err := os.Stat(dest + partSuffix); !os.IsNotExist(err) {
		t.Errorf("expected .part file to be gone after commit")
	}
}

func TestFetchResumesFromPartialFile(t *testing.T) {
	full := "0123456789ABCDEF"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHdr := r.Header.Get("Range")
		if rangeHdr == "" {
			w.Write([]byte(full))
			return
		}
		var start int
		if _, err := parseRangeStart(rangeHdr, &start); err != nil {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(full[start:]))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "game.gb")
	if err := os.WriteFile(dest+partSuffix, []byte(full[:8]), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Fetch(context.Background(), Request{URL: srv.URL, DestPath: dest})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !res.Resumed {
		t.Errorf("expected Resumed = true")
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != full {
		t.Errorf("got %q, want %q", got, full)
	}
}

func TestFetch404IsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dir := t.TempDir()
	_, err := Fetch(context.Background(), Request{URL: srv.URL, DestPath: filepath.Join(dir, "game.gb")})
	if !coreerr.IsClass(err, coreerr.ClassPermanent) {
		t.Fatalf("expected a permanent error, got %v", err)
	}
}

func TestFetch404DeletesPartFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "game.gb")
	if err := os.WriteFile(dest+partSuffix, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Fetch(context.Background(), Request{URL: srv.URL, DestPath: dest})
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, err := os.Stat(dest + partSuffix); !os.IsNotExist(err) {
		t.Errorf("expected stale .part file to be removed on 404")
	}
}

func TestParseContentRangeTotal(t *testing.T) {
	cases := []struct {
		header string
		want   int64
		ok     bool
	}{
		{"bytes 10-99/100", 100, true},
		{"bytes 10-99/*", 0, false},
		{"garbage", 0, false},
	}
	for _, c := range cases {
		got, ok := parseContentRangeTotal(c.header)
		if ok != c.ok || got != c.want {
			t.Errorf("parseContentRangeTotal(%q) = (%d, %v), want (%d, %v)", c.header, got, ok, c.want, c.ok)
		}
	}
}

func TestFetchSizeMismatchLeavesPartInPlace(t *testing.T) {
	body := "short"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "game.gb")

	_, err := Fetch(context.Background(), Request{URL: srv.URL, DestPath: dest, MaxRetries: 0, ExpectedSize: int64(len(body) + 10)})
	if err == nil {
		t.Fatal("expected a size-mismatch error")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("expected final file not to be committed on size mismatch")
	}
	if _, err := os.Stat(dest + partSuffix); err != nil {
		t.Errorf("expected .part file to remain on size mismatch: %v", err)
	}
}

func TestFetchNotModifiedIsSkippedSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	dir := t.TempDir()
	res, err := Fetch(context.Background(), Request{URL: srv.URL, DestPath: filepath.Join(dir, "game.gb"), Headers: map[string]string{"If-None-Match": `"abc"`}})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !res.Skipped {
		t.Errorf("expected Skipped = true on 304")
	}
	if res.BytesWritten != 0 {
		t.Errorf("expected 0 bytes written on 304, got %d", res.BytesWritten)
	}
}

func TestFetchRangeNotSatisfiablePromotesCompletePart(t *testing.T) {
	full := "0123456789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "game.gb")
	if err := os.WriteFile(dest+partSuffix, []byte(full), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Fetch(context.Background(), Request{URL: srv.URL, DestPath: dest, ExpectedSize: int64(len(full))})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !res.Skipped {
		t.Errorf("expected Skipped = true when the .part already covers ExpectedSize")
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != full {
		t.Errorf("got %q, want %q", got, full)
	}
}

func parseRangeStart(hdr string, out *int) (int, error) {
	hdr = strings.TrimPrefix(hdr, "bytes=")
	hdr = strings.TrimSuffix(hdr, "-")
	n := 0
	for _, r := range hdr {
		n = n*10 + int(r-'0')
	}
	*out = n
	return n, nil
}
