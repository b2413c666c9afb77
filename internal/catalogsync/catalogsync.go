// Package catalogsync mirrors a remote directory listing into the catalog
// database and reconciles the database against what is actually on disk
// (spec.md §4.9).
package catalogsync

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/karrick/godirwalk"

	"github.com/retrosd/retrosd/internal/catalogdb"
	"github.com/retrosd/retrosd/internal/coreerr"
	"github.com/retrosd/retrosd/internal/events"
	"github.com/retrosd/retrosd/internal/listing"
	"github.com/retrosd/retrosd/internal/manifest"
	"github.com/retrosd/retrosd/internal/romname"
	"github.com/retrosd/retrosd/internal/scraper"
)

// maxErrorMessageLen truncates the message stored in sync_state.last_error.
const maxErrorMessageLen = 500

// Options configures one system/source sync.
type Options struct {
	System         string
	Source         string
	RemoteURL      string // directory listing URL
	ArchivePattern *regexp.Regexp
	Force          bool
	HTTPClient     *http.Client
}

// Summary reports what a sync did.
type Summary struct {
	Skipped   bool
	Inserted  int
	Updated   int
	Unchanged int
	Deleted   int
	Total     int
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func emit(sink events.Sink, ev events.Event) {
	if sink == nil {
		return
	}
	ev.ID = events.NextID()
	ev.Timestamp = time.Now()
	sink.Emit(ev)
}

// SyncSystem runs the full 5-step sync algorithm for one (system, source).
func SyncSystem(ctx context.Context, db *catalogdb.DB, sink events.Sink, opts Options) (Summary, error) {
	glog.V(1).Infof("sync starting for %s/%s from %s", opts.System, opts.Source, opts.RemoteURL)

	body, err := fetchListingBody(ctx, opts.httpClient(), opts.RemoteURL)
	if err != nil {
		glog.Errorf("sync %s/%s: listing fetch failed: %v", opts.System, opts.Source, err)
		markSyncError(db, opts, err)
		return Summary{}, err
	}

	dirModified, haveDirModified := listing.ParseDirectoryLastModified(body)

	if !opts.Force {
		if state, ok, err := db.GetSyncState(opts.System, opts.Source); err == nil && ok && haveDirModified {
			if state.RemoteLastModified.Valid && state.RemoteLastModified.Time.Equal(dirModified) {
				glog.V(1).Infof("sync %s/%s: directory unchanged, skipping", opts.System, opts.Source)
				emit(sink, events.Event{Kind: events.KindScan, System: opts.System, Source: opts.Source, Message: "skip: unchanged"})
				return Summary{Skipped: true}, nil
			}
		}
	}

	entries, err := listing.Parse(body, opts.ArchivePattern)
	if err != nil {
		glog.Errorf("sync %s/%s: listing parse failed: %v", opts.System, opts.Source, err)
		markSyncError(db, opts, err)
		return Summary{}, coreerr.New(coreerr.ClassPermanent, "catalogsync.SyncSystem", err)
	}
	glog.V(2).Infof("sync %s/%s: parsed %d remote entries", opts.System, opts.Source, len(entries))

	summary, err := applySync(ctx, db, opts, entries, dirModified, haveDirModified)
	if err != nil {
		glog.Errorf("sync %s/%s: apply failed: %v", opts.System, opts.Source, err)
		markSyncError(db, opts, err)
		return Summary{}, err
	}
	glog.Infof("sync %s/%s: %d inserted, %d updated, %d deleted", opts.System, opts.Source, summary.Inserted, summary.Updated, summary.Deleted)
	emit(sink, events.Event{Kind: events.KindScan, System: opts.System, Source: opts.Source,
		Message: fmt.Sprintf("synced: %d inserted, %d updated, %d deleted", summary.Inserted, summary.Updated, summary.Deleted)})
	return summary, nil
}

func applySync(ctx context.Context, db *catalogdb.DB, opts Options, entries []listing.RemoteFile, dirModified time.Time, haveDirModified bool) (Summary, error) {
	tx, err := db.BeginImmediate(ctx)
	if err != nil {
		return Summary{}, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	existing, err := db.ListRemoteRoms(tx, opts.System, opts.Source)
	if err != nil {
		return Summary{}, coreerr.New(coreerr.ClassTransient, "catalogsync.applySync", err)
	}
	byFilename := make(map[string]catalogdb.RemoteRom, len(existing))
	for _, r := range existing {
		byFilename[r.Filename] = r
	}

	var summary Summary
	keep := make([]string, 0, len(entries))
	for _, e := range entries {
		keep = append(keep, e.Name)
		prior, had := byFilename[e.Name]

		changed := !had || prior.Size.Int64 != e.Size || !sameTime(prior.LastModified, e.LastModified, e.HasTimestamp)
		if !changed {
			summary.Unchanged++
			continue
		}
		var lm *time.Time
		if e.HasTimestamp {
			t := e.LastModified
			lm = &t
		}
		id, err := db.UpsertRemoteRom(tx, opts.System, opts.Source, e.Name, e.Size, lm)
		if err != nil {
			return Summary{}, coreerr.New(coreerr.ClassTransient, "catalogsync.applySync", err)
		}
		if err := db.UpsertMetadata(tx, metadataFrom(id, e.Name)); err != nil {
			return Summary{}, coreerr.New(coreerr.ClassTransient, "catalogsync.applySync", err)
		}
		if had {
			summary.Updated++
		} else {
			summary.Inserted++
		}
	}

	deleted, err := db.DeleteRemoteRomsNotIn(tx, opts.System, opts.Source, keep)
	if err != nil {
		return Summary{}, coreerr.New(coreerr.ClassTransient, "catalogsync.applySync", err)
	}
	summary.Deleted = int(deleted)
	summary.Total = len(entries)

	var lmPtr *time.Time
	if haveDirModified {
		lmPtr = &dirModified
	}
	if err := db.SetSyncState(tx, opts.System, opts.Source, lmPtr, len(entries), "synced", ""); err != nil {
		return Summary{}, coreerr.New(coreerr.ClassTransient, "catalogsync.applySync", err)
	}

	if err := tx.Commit(); err != nil {
		return Summary{}, coreerr.New(coreerr.ClassTransient, "catalogsync.applySync", err)
	}
	committed = true
	return summary, nil
}

func sameTime(stored sql.NullTime, remote time.Time, haveRemote bool) bool {
	if !stored.Valid && !haveRemote {
		return true
	}
	if stored.Valid != haveRemote {
		return false
	}
	return stored.Time.Equal(remote)
}

func metadataFrom(remoteRomID int64, filename string) catalogdb.Metadata {
	rec := romname.Parse(filename)
	return catalogdb.Metadata{
		RemoteRomID:  remoteRomID,
		Title:        rec.Title,
		Regions:      rec.Regions,
		Languages:    rec.Languages,
		Revision:     rec.Version,
		IsBeta:       rec.Flags.Prerelease,
		IsDemo:       rec.Flags.Prerelease,
		IsProto:      rec.Flags.Prerelease,
		IsUnlicensed: rec.Flags.Unlicensed,
		IsHack:       rec.Flags.Hack,
		IsHomebrew:   rec.Flags.Homebrew,
	}
}

func fetchListingBody(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", coreerr.New(coreerr.ClassPermanent, "catalogsync.fetchListingBody", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", coreerr.New(coreerr.ClassTransient, "catalogsync.fetchListingBody", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", coreerr.New(coreerr.ClassTransient, "catalogsync.fetchListingBody", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", coreerr.New(coreerr.ClassTransient, "catalogsync.fetchListingBody", err)
	}
	return string(body), nil
}

func markSyncError(db *catalogdb.DB, opts Options, cause error) {
	msg := cause.Error()
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen]
	}
	_ = db.SetSyncState(nil, opts.System, opts.Source, nil, 0, "error", msg)
}

// ReconcileLocal walks romRoot, hashing files on demand, writing sidecars,
// and upserting local_roms; afterward any local_roms row under romRoot not
// seen in this walk is pruned (spec.md §4.9 "Reconciliation with disk").
func ReconcileLocal(ctx context.Context, db *catalogdb.DB, system, romRoot string) (int, error) {
	var seen []string
	err := godirwalk.Walk(romRoot, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				if de.Name() == "media" {
					return filepath.SkipDir
				}
				return nil
			}
			if filepath.Ext(path) == ".json" || filepath.Base(path) == ".retrosd-manifest.json" {
				return nil
			}
			if filepath.Base(path) == "gamelist.xml" {
				return nil
			}
			if rel, relErr := filepath.Rel(romRoot, path); relErr == nil && isMediaPath(rel) {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			info, err := os.Stat(path)
			if err != nil {
				return nil
			}
			crc32Hex, sha1Hex, err := scraper.HashFile(path)
			if err != nil {
				glog.V(1).Infof("reconcile %s: unreadable file %s: %v", system, path, err)
				return nil // unreadable file: skip, don't abort the whole walk
			}
			glog.V(2).Infof("reconcile %s: hashed %s", system, path)

			if err := db.UpsertLocalRom(nil, catalogdb.LocalRom{
				LocalPath: path,
				System:    system,
				Filename:  filepath.Base(path),
				FileSize:  info.Size(),
				SHA1:      nullableString(sha1Hex),
				CRC32:     nullableString(crc32Hex),
			}); err != nil {
				return err
			}
			rec := romname.Parse(filepath.Base(path))
			if err := manifest.WriteSidecar(path, manifest.Sidecar{
				Title: rec.Title, Regions: rec.Regions, Languages: rec.Languages, Revision: rec.Version,
				SHA1: sha1Hex, CRC32: crc32Hex,
			}); err != nil {
				return err
			}
			seen = append(seen, path)
			return nil
		},
	})
	if err != nil {
		return 0, coreerr.New(coreerr.ClassFilesystem, "catalogsync.ReconcileLocal", err)
	}

	// Rows of this system that lie outside romRoot were not walked; keep them.
	existing, err := db.ListLocalRoms(system)
	if err != nil {
		return 0, coreerr.New(coreerr.ClassTransient, "catalogsync.ReconcileLocal", err)
	}
	rootPrefix := filepath.Clean(romRoot) + string(filepath.Separator)
	keep := seen
	for _, r := range existing {
		if !strings.HasPrefix(r.LocalPath, rootPrefix) {
			keep = append(keep, r.LocalPath)
		}
	}
	pruned, err := db.PruneLocalRomsNotIn(nil, system, keep)
	if err != nil {
		return 0, coreerr.New(coreerr.ClassTransient, "catalogsync.ReconcileLocal", err)
	}
	glog.Infof("reconcile %s: %d files seen, %d stale rows pruned", system, len(seen), pruned)
	return int(pruned), nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isMediaPath reports whether path, taken relative to the ROM root, falls
// under a "media" directory, the scraper's artwork destination
// (internal/scraper.Options.MediaDir). Those files are not ROMs and must not
// be hashed into local_roms. The Callback already returns SkipDir for a
// "media" directory at any depth; this is a second check on each file.
func isMediaPath(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == "media" {
			return true
		}
	}
	return false
}
