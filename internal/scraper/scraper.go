package scraper

import (
	"bytes"
	"context"
	"crypto/crc32"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/retrosd/retrosd/internal/catalogdb"
	"github.com/retrosd/retrosd/internal/coreerr"
	"github.com/retrosd/retrosd/internal/events"
	"github.com/retrosd/retrosd/internal/fetch"
)

const cacheTTL = 30 * 24 * time.Hour

// RomIdentity carries the hashes and fallbacks used to key a scrape and
// to identify the ROM to the API, per spec.md §4.11 step 1.
type RomIdentity struct {
	SystemID int
	Path     string
	Filename string
	Size     int64
	CRC32    string // hex, lowercase, optional
	SHA1     string // hex, lowercase, optional
}

// CacheKey builds the lookup key with priority SHA-1 > CRC32 > normalized
// title+size, scoped by system so two systems never collide on a bare
// title+size match.
func CacheKey(id RomIdentity) string {
	switch {
	case id.SHA1 != "":
		return fmt.Sprintf("%d:sha1:%s", id.SystemID, strings.ToLower(id.SHA1))
	case id.CRC32 != "":
		return fmt.Sprintf("%d:crc32:%s", id.SystemID, strings.ToLower(id.CRC32))
	default:
		return fmt.Sprintf("%d:title:%s:%d", id.SystemID, normalizeTitle(id.Filename), id.Size)
	}
}

func normalizeTitle(filename string) string {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	base = strings.ToLower(base)
	var b strings.Builder
	lastWasSpace := true
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastWasSpace = false
		default:
			if !lastWasSpace {
				b.WriteByte('-')
				lastWasSpace = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// HashFile computes the CRC32 and SHA-1 of a ROM file on demand.
func HashFile(path string) (crc32Hex, sha1Hex string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", coreerr.New(coreerr.ClassFilesystem, "scraper.HashFile", err)
	}
	defer f.Close()

	crcHash := crc32.NewIEEE()
	shaHash := sha1.New()
	if _, err := io.Copy(io.MultiWriter(crcHash, shaHash), f); err != nil {
		return "", "", coreerr.New(coreerr.ClassFilesystem, "scraper.HashFile", err)
	}
	return hex.EncodeToString(crcHash.Sum(nil)), hex.EncodeToString(shaHash.Sum(nil)), nil
}

// Options configures a scrape run.
type Options struct {
	MediaDir          string // destination directory for downloaded artwork, typically <romDir>/media
	Overwrite         bool
	MediaConcurrency  int // not read by Engine; ScrapeOne fetches a ROM's media files one at a time
	HTTPClient        *http.Client
	MinMediaSizeBytes int64 // defaults to 1 KiB
}

func (o Options) minMediaSize() int64 {
	if o.MinMediaSizeBytes > 0 {
		return o.MinMediaSizeBytes
	}
	return 1024
}

// Engine drives per-ROM scrapes against a Client, caching results in a
// catalogdb.DB and emitting progress to an events.Sink.
type Engine struct {
	client *Client
	db     *catalogdb.DB
	sink   events.Sink
	opts   Options
}

// NewEngine builds a scraper Engine.
func NewEngine(client *Client, db *catalogdb.DB, sink events.Sink, opts Options) *Engine {
	return &Engine{client: client, db: db, sink: sink, opts: opts}
}

// CheckCredentials wraps ssuserInfos.php so a caller can surface quota and
// thread-limit info before running a full batch, instead of discovering a
// bad credential on the first scrape failure.
func (e *Engine) CheckCredentials(ctx context.Context) (UserInfo, error) {
	return e.client.GetUserInfo(ctx)
}

func (e *Engine) emit(ev events.Event) {
	if e.sink != nil {
		ev.ID = events.NextID()
		ev.Timestamp = time.Now()
		e.sink.Emit(ev)
	}
}

// ScrapeResult summarizes one ROM's scrape outcome.
type ScrapeResult struct {
	Identity   RomIdentity
	FromCache  bool
	GameName   string
	MediaPaths map[string]string // media type -> local path
}

// ScrapeOne looks up metadata/artwork for a single ROM, consulting the
// cache first, then downloads any missing media files (spec.md §4.11).
func (e *Engine) ScrapeOne(ctx context.Context, id RomIdentity) (ScrapeResult, error) {
	e.emit(events.Event{Kind: events.KindLookup, File: id.Filename})

	key := CacheKey(id)
	result := ScrapeResult{Identity: id, MediaPaths: map[string]string{}}

	cached, hit, err := e.db.GetScraperCache(key)
	var info GameInfo
	if err != nil {
		return result, coreerr.New(coreerr.ClassTransient, "scraper.ScrapeOne", err)
	}
	if hit {
		result.FromCache = true
		glog.V(2).Infof("scraper: cache hit for %s (key %s)", id.Filename, key)
		if cached.GameName.Valid {
			result.GameName = cached.GameName.String
		}
		info = gameInfoFromCache(cached)
	} else {
		glog.V(1).Infof("scraper: looking up %s (system %d)", id.Filename, id.SystemID)
		info, err = e.client.GetGameInfo(ctx, LookupParams{
			SystemID: id.SystemID,
			RomName:  id.Filename,
			RomSize:  id.Size,
			CRC32:    id.CRC32,
			SHA1:     id.SHA1,
		})
		if err != nil {
			glog.Errorf("scraper: lookup %s failed: %v", id.Filename, err)
			e.emit(events.Event{Kind: events.KindError, File: id.Filename, Message: err.Error()})
			return result, err
		}
		result.GameName = info.Name

		mediaURLs := make(map[string]string, len(info.Media))
		for k, m := range SelectMedia(info.Media) {
			mediaURLs[k] = m.URL
		}
		cacheErr := e.db.PutScraperCache(catalogdb.ScraperCacheEntry{
			CacheKey:    key,
			GameID:      nullableString(info.ID),
			GameName:    nullableString(info.Name),
			MediaURLs:   mediaURLs,
			RawResponse: "",
			ExpiresAt:   nullableExpiry(time.Now().Add(cacheTTL)),
		})
		if cacheErr != nil {
			return result, coreerr.New(coreerr.ClassTransient, "scraper.ScrapeOne", cacheErr)
		}
	}

	selected := SelectMedia(info.Media)
	for kind, m := range selected {
		localPath, err := e.fetchMedia(ctx, id, kind, m)
		if err != nil {
			e.emit(events.Event{Kind: events.KindDownloadError, File: id.Filename, Message: err.Error()})
			continue
		}
		result.MediaPaths[kind] = localPath
	}
	return result, nil
}

func gameInfoFromCache(e catalogdb.ScraperCacheEntry) GameInfo {
	info := GameInfo{}
	if e.GameID.Valid {
		info.ID = e.GameID.String
	}
	if e.GameName.Valid {
		info.Name = e.GameName.String
	}
	for kind, url := range e.MediaURLs {
		info.Media = append(info.Media, Media{Type: kind, URL: url})
	}
	return info
}

func (e *Engine) fetchMedia(ctx context.Context, id RomIdentity, kind string, m Media) (string, error) {
	if m.URL == "" {
		return "", coreerr.New(coreerr.ClassLogical, "scraper.fetchMedia", fmt.Errorf("no URL for media type %s", kind))
	}
	base := strings.TrimSuffix(id.Filename, filepath.Ext(id.Filename))
	ext := m.Format
	if ext == "" {
		ext = strings.TrimPrefix(filepath.Ext(m.URL), ".")
	}
	if ext == "" {
		ext = "bin"
	}
	destDir := e.opts.MediaDir
	if destDir == "" {
		destDir = filepath.Join(filepath.Dir(id.Path), "media")
	}
	destPath := filepath.Join(destDir, fmt.Sprintf("%s-%s.%s", base, kind, ext))

	if !e.opts.Overwrite {
		if st, err := os.Stat(destPath); err == nil && st.Size() > 0 {
			return destPath, nil
		}
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", coreerr.New(coreerr.ClassFilesystem, "scraper.fetchMedia", err)
	}

	e.emit(events.Event{Kind: events.KindDownloadStart, File: destPath})

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fetchResult, err := fetch.Fetch(ctx, fetch.Request{URL: m.URL, DestPath: destPath, Client: e.opts.HTTPClient})
		if err != nil {
			lastErr = err
			continue
		}
		if err := validateMedia(destPath, fetchResult.ContentType, e.opts.minMediaSize()); err != nil {
			os.Remove(destPath)
			lastErr = err
			continue
		}
		e.emit(events.Event{Kind: events.KindDownloadComplete, File: destPath})
		return destPath, nil
	}
	return "", coreerr.New(coreerr.ClassIntegrity, "scraper.fetchMedia", fmt.Errorf("media validation failed after %d attempts: %w", maxAttempts, lastErr))
}

// rejectedContentTypes are response content-types that mean the body is an
// API error page, not artwork (spec.md §4.11 step 7).
var rejectedContentTypes = []string{"text/html", "application/json"}

// mediaMagic are the recognized magic-byte prefixes for the image formats
// the scraper downloads: PNG, JPEG, GIF87a/89a. MP4/QuickTime video is
// recognized separately by isVideoMagic.
var mediaMagic = [][]byte{
	{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, // PNG
	{0xFF, 0xD8, 0xFF},                            // JPEG
	[]byte("GIF87a"),
	[]byte("GIF89a"),
}

// validateMedia rejects obviously-wrong downloads: too small, an
// error-page content-type, an error-page body, or a body whose magic
// bytes don't match a recognized artwork/video format (spec.md §4.11
// step 7).
func validateMedia(path, contentType string, minSize int64) error {
	st, err := os.Stat(path)
	if err != nil {
		return coreerr.New(coreerr.ClassIntegrity, "scraper.validateMedia", err)
	}
	if st.Size() < minSize {
		return coreerr.New(coreerr.ClassIntegrity, "scraper.validateMedia", fmt.Errorf("file too small: %d bytes", st.Size()))
	}

	for _, rejected := range rejectedContentTypes {
		if strings.HasPrefix(strings.ToLower(contentType), rejected) {
			return coreerr.New(coreerr.ClassIntegrity, "scraper.validateMedia", fmt.Errorf("rejected content-type %q", contentType))
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return coreerr.New(coreerr.ClassFilesystem, "scraper.validateMedia", err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, _ := f.Read(head)
	head = head[:n]

	trimmed := bytes.TrimSpace(head)
	if bytes.HasPrefix(trimmed, []byte("<")) || bytes.HasPrefix(trimmed, []byte("{")) || bytes.HasPrefix(trimmed, []byte("[")) {
		return coreerr.New(coreerr.ClassIntegrity, "scraper.validateMedia", fmt.Errorf("response looks like an error body, not media"))
	}

	if isVideoMagic(head) {
		return nil
	}
	for _, magic := range mediaMagic {
		if bytes.HasPrefix(head, magic) {
			return nil
		}
	}
	return coreerr.New(coreerr.ClassIntegrity, "scraper.validateMedia", fmt.Errorf("unrecognized media magic bytes"))
}

// isVideoMagic checks for an MP4/QuickTime "ftyp" box, whose magic bytes
// live at offset 4 rather than the start of the file.
func isVideoMagic(head []byte) bool {
	return len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp"))
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableExpiry(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}
