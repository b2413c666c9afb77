// Package catalogdb is the SQLite-backed catalog store: the remote ROM
// listing, parsed metadata, sync bookkeeping, the local scan, and the
// scraper's response cache (spec.md §3, §4.9).
package catalogdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/retrosd/retrosd/internal/coreerr"
)

// DB wraps a *sql.DB opened against the catalog schema.
type DB struct {
	*sql.DB
}

// Open opens (creating if necessary) the SQLite catalog at path and runs
// migrations. path may be relative, in which case it resolves against the
// caller's working directory, matching ".retrosd.db at the target root".
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil && filepath.Dir(path) != "." {
		return nil, coreerr.New(coreerr.ClassFilesystem, "catalogdb.Open", err)
	}
	sqldb, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, coreerr.New(coreerr.ClassFilesystem, "catalogdb.Open", err)
	}
	if err := migrate(sqldb); err != nil {
		sqldb.Close()
		return nil, coreerr.New(coreerr.ClassIntegrity, "catalogdb.Open", err)
	}
	return &DB{sqldb}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS remote_roms (
		id INTEGER PRIMARY KEY,
		system TEXT NOT NULL,
		source TEXT NOT NULL,
		filename TEXT NOT NULL,
		size INTEGER,
		last_modified DATETIME,
		last_synced_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(system, source, filename)
	);
	CREATE TABLE IF NOT EXISTS rom_metadata (
		remote_rom_id INTEGER PRIMARY KEY REFERENCES remote_roms(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		regions TEXT NOT NULL DEFAULT '[]',
		languages TEXT NOT NULL DEFAULT '[]',
		revision TEXT,
		is_beta INTEGER NOT NULL DEFAULT 0,
		is_demo INTEGER NOT NULL DEFAULT 0,
		is_proto INTEGER NOT NULL DEFAULT 0,
		is_sample INTEGER NOT NULL DEFAULT 0,
		is_unlicensed INTEGER NOT NULL DEFAULT 0,
		is_homebrew INTEGER NOT NULL DEFAULT 0,
		is_hack INTEGER NOT NULL DEFAULT 0,
		is_virtual INTEGER NOT NULL DEFAULT 0,
		is_compilation INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS sync_state (
		system TEXT NOT NULL,
		source TEXT NOT NULL,
		remote_last_modified DATETIME,
		local_last_synced DATETIME,
		remote_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'stale',
		last_error TEXT,
		PRIMARY KEY (system, source)
	);
	CREATE TABLE IF NOT EXISTS local_roms (
		local_path TEXT PRIMARY KEY,
		system TEXT NOT NULL,
		filename TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		sha1 TEXT,
		crc32 TEXT,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS scraper_cache (
		cache_key TEXT PRIMARY KEY,
		game_id TEXT,
		game_name TEXT,
		media_urls TEXT NOT NULL DEFAULT '{}',
		raw_response TEXT,
		scraped_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_remote_roms_system_source ON remote_roms(system, source);
	CREATE INDEX IF NOT EXISTS idx_local_roms_system ON local_roms(system);
	`
	_, err := db.Exec(schema)
	return err
}

// RemoteRom is one row of remote_roms.
type RemoteRom struct {
	ID           int64
	System       string
	Source       string
	Filename     string
	Size         sql.NullInt64
	LastModified sql.NullTime
	LastSyncedAt time.Time
}

// Metadata is one row of rom_metadata, parsed-filename fields denormalized
// into queryable columns plus JSON arrays for regions/languages.
type Metadata struct {
	RemoteRomID   int64
	Title         string
	Regions       []string
	Languages     []string
	Revision      string
	IsBeta        bool
	IsDemo        bool
	IsProto       bool
	IsSample      bool
	IsUnlicensed  bool
	IsHomebrew    bool
	IsHack        bool
	IsVirtual     bool
	IsCompilation bool
}

// UpsertRemoteRom inserts or updates one remote_roms row, keyed on
// (system, source, filename), and returns its id.
func (d *DB) UpsertRemoteRom(tx *sql.Tx, system, source, filename string, size int64, lastModified *time.Time) (int64, error) {
	_, err := d.execer(tx).Exec(`
		INSERT INTO remote_roms (system, source, filename, size, last_modified, last_synced_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(system, source, filename) DO UPDATE SET
			size = excluded.size,
			last_modified = excluded.last_modified,
			last_synced_at = CURRENT_TIMESTAMP
	`, system, source, filename, size, nullableTime(lastModified))
	if err != nil {
		return 0, err
	}
	// sqlite3_last_insert_rowid() is unchanged when the conflict branch
	// fires, so the id must always be looked up explicitly rather than
	// trusted from the Result.
	var id int64
	err = d.queryRower(tx).QueryRow(
		`SELECT id FROM remote_roms WHERE system = ? AND source = ? AND filename = ?`,
		system, source, filename,
	).Scan(&id)
	return id, err
}

// UpsertMetadata inserts or replaces the parsed-metadata row for a
// remote_rom_id.
func (d *DB) UpsertMetadata(tx *sql.Tx, m Metadata) error {
	regionsJSON, err := json.Marshal(m.Regions)
	if err != nil {
		return err
	}
	langsJSON, err := json.Marshal(m.Languages)
	if err != nil {
		return err
	}
	_, err = d.execer(tx).Exec(`
		INSERT INTO rom_metadata (
			remote_rom_id, title, regions, languages, revision,
			is_beta, is_demo, is_proto, is_sample, is_unlicensed, is_homebrew, is_hack, is_virtual, is_compilation
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_rom_id) DO UPDATE SET
			title=excluded.title, regions=excluded.regions, languages=excluded.languages, revision=excluded.revision,
			is_beta=excluded.is_beta, is_demo=excluded.is_demo, is_proto=excluded.is_proto, is_sample=excluded.is_sample,
			is_unlicensed=excluded.is_unlicensed, is_homebrew=excluded.is_homebrew, is_hack=excluded.is_hack,
			is_virtual=excluded.is_virtual, is_compilation=excluded.is_compilation
	`, m.RemoteRomID, m.Title, string(regionsJSON), string(langsJSON), m.Revision,
		boolToInt(m.IsBeta), boolToInt(m.IsDemo), boolToInt(m.IsProto), boolToInt(m.IsSample),
		boolToInt(m.IsUnlicensed), boolToInt(m.IsHomebrew), boolToInt(m.IsHack), boolToInt(m.IsVirtual), boolToInt(m.IsCompilation))
	return err
}

// ListRemoteRoms loads every remote_roms row for (system, source), used by
// sync to diff the remote listing against what is already stored.
func (d *DB) ListRemoteRoms(tx *sql.Tx, system, source string) ([]RemoteRom, error) {
	rows, err := d.queryRower(tx).Query(`
		SELECT id, system, source, filename, size, last_modified, last_synced_at
		FROM remote_roms WHERE system = ? AND source = ?
	`, system, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RemoteRom
	for rows.Next() {
		var r RemoteRom
		if err := rows.Scan(&r.ID, &r.System, &r.Source, &r.Filename, &r.Size, &r.LastModified, &r.LastSyncedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRemoteRomsNotIn removes remote_roms rows for (system, source) whose
// filename is not in keep. Cascades to rom_metadata. Deletes are batched in
// groups of at most 500 bound parameters to stay under SQLite's variable
// limit.
func (d *DB) DeleteRemoteRomsNotIn(tx *sql.Tx, system, source string, keep []string) (int64, error) {
	const batchCeiling = 498 // filenames per statement; system and source make 500
	exec := d.execer(tx)

	rows, err := d.queryRower(tx).Query(`SELECT filename FROM remote_roms WHERE system = ? AND source = ?`, system, source)
	if err != nil {
		return 0, err
	}
	keepSet := toSet(keep)
	var stale []string
	for rows.Next() {
		var fn string
		if err := rows.Scan(&fn); err != nil {
			rows.Close()
			return 0, err
		}
		if !keepSet[fn] {
			stale = append(stale, fn)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var total int64
	for i := 0; i < len(stale); i += batchCeiling {
		end := i + batchCeiling
		if end > len(stale) {
			end = len(stale)
		}
		batch := stale[i:end]
		placeholders, args := inClause(batch)
		args = append([]interface{}{system, source}, args...)
		res, err := exec.Exec(`DELETE FROM remote_roms WHERE system = ? AND source = ? AND filename IN (`+placeholders+`)`, args...)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// BeginImmediate starts a transaction that takes SQLite's RESERVED lock up
// front (a plain BEGIN defers locking until the first write, which lets two
// concurrent syncs race past each other undetected). Open sets
// _txlock=immediate on the connection, which makes the sqlite3 driver
// start every transaction with "BEGIN IMMEDIATE".
func (d *DB) BeginImmediate(ctx context.Context) (*sql.Tx, error) {
	tx, err := d.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, coreerr.New(coreerr.ClassTransient, "catalogdb.BeginImmediate", err)
	}
	return tx, nil
}

// CountRemoteRoms returns the current remote_roms count for (system, source).
func (d *DB) CountRemoteRoms(tx *sql.Tx, system, source string) (int, error) {
	var n int
	err := d.queryRower(tx).QueryRow(`SELECT COUNT(*) FROM remote_roms WHERE system = ? AND source = ?`, system, source).Scan(&n)
	return n, err
}

// SyncState is one row of sync_state.
type SyncState struct {
	System             string
	Source             string
	RemoteLastModified sql.NullTime
	LocalLastSynced    sql.NullTime
	RemoteCount        int
	Status             string
	LastError          sql.NullString
}

// GetSyncState returns the current sync_state row, or ok=false if absent.
func (d *DB) GetSyncState(system, source string) (SyncState, bool, error) {
	var s SyncState
	s.System, s.Source = system, source
	err := d.QueryRow(`
		SELECT remote_last_modified, local_last_synced, remote_count, status, last_error
		FROM sync_state WHERE system = ? AND source = ?
	`, system, source).Scan(&s.RemoteLastModified, &s.LocalLastSynced, &s.RemoteCount, &s.Status, &s.LastError)
	if err == sql.ErrNoRows {
		return SyncState{}, false, nil
	}
	if err != nil {
		return SyncState{}, false, err
	}
	return s, true, nil
}

// SetSyncState upserts the sync_state row for (system, source).
func (d *DB) SetSyncState(tx *sql.Tx, system, source string, remoteLastModified *time.Time, remoteCount int, status string, lastErr string) error {
	_, err := d.execer(tx).Exec(`
		INSERT INTO sync_state (system, source, remote_last_modified, local_last_synced, remote_count, status, last_error)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, ?, ?, NULLIF(?, ''))
		ON CONFLICT(system, source) DO UPDATE SET
			remote_last_modified=excluded.remote_last_modified,
			local_last_synced=CURRENT_TIMESTAMP,
			remote_count=excluded.remote_count,
			status=excluded.status,
			last_error=excluded.last_error
	`, system, source, nullableTime(remoteLastModified), remoteCount, status, lastErr)
	return err
}

// LocalRom is one row of local_roms.
type LocalRom struct {
	LocalPath string
	System    string
	Filename  string
	FileSize  int64
	SHA1      sql.NullString
	CRC32     sql.NullString
	UpdatedAt time.Time
}

// UpsertLocalRom records or refreshes a local_roms row by local_path.
func (d *DB) UpsertLocalRom(tx *sql.Tx, r LocalRom) error {
	_, err := d.execer(tx).Exec(`
		INSERT INTO local_roms (local_path, system, filename, file_size, sha1, crc32, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(local_path) DO UPDATE SET
			system=excluded.system, filename=excluded.filename, file_size=excluded.file_size,
			sha1=excluded.sha1, crc32=excluded.crc32, updated_at=CURRENT_TIMESTAMP
	`, r.LocalPath, r.System, r.Filename, r.FileSize, nullableString(r.SHA1), nullableString(r.CRC32))
	return err
}

// PruneLocalRomsNotIn deletes local_roms rows for system whose local_path
// is not present in keepPaths, used during a scan to drop entries for
// files no longer on disk.
func (d *DB) PruneLocalRomsNotIn(tx *sql.Tx, system string, keepPaths []string) (int64, error) {
	placeholders, args := inClause(keepPaths)
	query := `DELETE FROM local_roms WHERE system = ?`
	allArgs := []interface{}{system}
	if len(keepPaths) > 0 {
		query += ` AND local_path NOT IN (` + placeholders + `)`
		allArgs = append(allArgs, args...)
	}
	res, err := d.execer(tx).Exec(query, allArgs...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListLocalRoms returns every local_roms row for system.
func (d *DB) ListLocalRoms(system string) ([]LocalRom, error) {
	rows, err := d.Query(`SELECT local_path, system, filename, file_size, sha1, crc32, updated_at FROM local_roms WHERE system = ?`, system)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LocalRom
	for rows.Next() {
		var r LocalRom
		if err := rows.Scan(&r.LocalPath, &r.System, &r.Filename, &r.FileSize, &r.SHA1, &r.CRC32, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ScraperCacheEntry is one row of scraper_cache.
type ScraperCacheEntry struct {
	CacheKey    string
	GameID      sql.NullString
	GameName    sql.NullString
	MediaURLs   map[string]string
	RawResponse string
	ScrapedAt   time.Time
	ExpiresAt   sql.NullTime
}

// GetScraperCache looks up a cache entry by key, returning ok=false if
// absent or past its expiry.
func (d *DB) GetScraperCache(cacheKey string) (ScraperCacheEntry, bool, error) {
	var e ScraperCacheEntry
	var mediaJSON string
	err := d.QueryRow(`
		SELECT cache_key, game_id, game_name, media_urls, raw_response, scraped_at, expires_at
		FROM scraper_cache WHERE cache_key = ?
	`, cacheKey).Scan(&e.CacheKey, &e.GameID, &e.GameName, &mediaJSON, &e.RawResponse, &e.ScrapedAt, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return ScraperCacheEntry{}, false, nil
	}
	if err != nil {
		return ScraperCacheEntry{}, false, err
	}
	if e.ExpiresAt.Valid && e.ExpiresAt.Time.Before(time.Now()) {
		return ScraperCacheEntry{}, false, nil
	}
	if err := json.Unmarshal([]byte(mediaJSON), &e.MediaURLs); err != nil {
		return ScraperCacheEntry{}, false, err
	}
	return e, true, nil
}

// PutScraperCache upserts a cache entry.
func (d *DB) PutScraperCache(e ScraperCacheEntry) error {
	mediaJSON, err := json.Marshal(e.MediaURLs)
	if err != nil {
		return err
	}
	_, err = d.Exec(`
		INSERT INTO scraper_cache (cache_key, game_id, game_name, media_urls, raw_response, scraped_at, expires_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			game_id=excluded.game_id, game_name=excluded.game_name, media_urls=excluded.media_urls,
			raw_response=excluded.raw_response, scraped_at=CURRENT_TIMESTAMP, expires_at=excluded.expires_at
	`, e.CacheKey, e.GameID, e.GameName, string(mediaJSON), e.RawResponse, e.ExpiresAt)
	return err
}

// SearchResult is one row returned by Search.
type SearchResult struct {
	System    string
	Source    string
	Filename  string
	Title     string
	IsLocal   bool
	LocalPath string
}

// SearchParams are Search's filters (spec.md §4.9: "(query, systems, regions,
// localOnly, excludePrerelease, limit, offset) is satisfied entirely from
// SQLite by joining remote_roms, rom_metadata, and local_roms").
type SearchParams struct {
	Query             string
	Systems           []string
	Regions           []string
	LocalOnly         bool
	ExcludePrerelease bool
	Limit             int
	Offset            int
}

// Search looks up remote_roms by title or filename substring, joined
// against rom_metadata for region/prerelease filters and against
// local_roms to report (and optionally require) local presence.
func (d *DB) Search(p SearchParams) ([]SearchResult, int, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}

	joins := `FROM remote_roms r
		LEFT JOIN rom_metadata m ON m.remote_rom_id = r.id
		LEFT JOIN local_roms l ON l.system = r.system AND l.filename = r.filename`
	q := "%" + p.Query + "%"
	where := []string{`(r.filename LIKE ? OR m.title LIKE ?)`}
	args := []interface{}{q, q}

	if len(p.Systems) > 0 {
		clause, systemArgs := inClause(p.Systems)
		where = append(where, `r.system IN (`+clause+`)`)
		args = append(args, systemArgs...)
	}
	if len(p.Regions) > 0 {
		var regionOr []string
		for _, region := range p.Regions {
			regionOr = append(regionOr, `m.regions LIKE ?`)
			args = append(args, `%"`+region+`"%`)
		}
		where = append(where, "("+strings.Join(regionOr, " OR ")+")")
	}
	if p.ExcludePrerelease {
		where = append(where, `(m.is_beta = 0 AND m.is_demo = 0 AND m.is_proto = 0 AND m.is_sample = 0)`)
	}
	if p.LocalOnly {
		where = append(where, `l.local_path IS NOT NULL`)
	}

	baseQuery := joins + " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := d.QueryRow("SELECT COUNT(*) "+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	selectArgs := append(append([]interface{}{}, args...), limit, offset)
	rows, err := d.Query(`
		SELECT r.system, r.source, r.filename, COALESCE(m.title, r.filename),
			l.local_path IS NOT NULL, COALESCE(l.local_path, '')
	`+baseQuery+`
		ORDER BY r.system, r.filename LIMIT ? OFFSET ?
	`, selectArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.System, &r.Source, &r.Filename, &r.Title, &r.IsLocal, &r.LocalPath); err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// DatRom is one ROM entry parsed from a No-Intro/ClrMamePro DAT file,
// independent of this package's own schema (spec.md §1 names gamelist/DAT
// interop as an external-collaborator concern; this is the core-side hook
// for it, adapted from the teacher's import-dat/match commands). Only the
// hashes local_roms actually carries (sha1, crc32) are kept here; DAT files
// also carry an md5 attribute but neither local_roms nor AttachDatTitles has
// any use for it, so it is dropped rather than threaded through unused.
type DatRom struct {
	GameTitle string
	System    string
	CRC32     string
	SHA1      string
	Size      int64
}

// AttachDatTitles cross-references roms against local_roms to find the
// matching remote_roms row, and overwrites that row's rom_metadata.title
// with the DAT's canonical title. It returns how many titles were updated.
// Matching prefers SHA-1 over CRC32 when a local file has both, mirroring
// the scraper's own cache-key hash priority (spec.md §4.11 step 1); CRC32
// is the fallback for local_roms rows hashed before SHA-1 support, or DAT
// entries that only carry a CRC. This augments rom_metadata; it never
// touches remote_roms or sync_state, so it cannot desync catalogsync's own
// view of the remote listing.
func (d *DB) AttachDatTitles(roms []DatRom, system string) (int, error) {
	bySHA1 := make(map[string]DatRom, len(roms))
	byCRC := make(map[string]DatRom, len(roms))
	for _, r := range roms {
		if r.SHA1 != "" {
			bySHA1[strings.ToUpper(r.SHA1)] = r
		}
		if r.CRC32 != "" {
			byCRC[strings.ToUpper(r.CRC32)] = r
		}
	}
	if len(bySHA1) == 0 && len(byCRC) == 0 {
		return 0, nil
	}

	rows, err := d.Query(`SELECT filename, sha1, crc32 FROM local_roms WHERE system = ? AND (sha1 IS NOT NULL OR crc32 IS NOT NULL)`, system)
	if err != nil {
		return 0, coreerr.New(coreerr.ClassTransient, "catalogdb.AttachDatTitles", err)
	}
	type localMatch struct {
		filename string
		title    string
	}
	var matches []localMatch
	for rows.Next() {
		var filename string
		var sha1, crc sql.NullString
		if err := rows.Scan(&filename, &sha1, &crc); err != nil {
			rows.Close()
			return 0, coreerr.New(coreerr.ClassTransient, "catalogdb.AttachDatTitles", err)
		}
		if sha1.Valid {
			if dr, ok := bySHA1[strings.ToUpper(sha1.String)]; ok {
				matches = append(matches, localMatch{filename: filename, title: dr.GameTitle})
				continue
			}
		}
		if crc.Valid {
			if dr, ok := byCRC[strings.ToUpper(crc.String)]; ok {
				matches = append(matches, localMatch{filename: filename, title: dr.GameTitle})
			}
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, coreerr.New(coreerr.ClassTransient, "catalogdb.AttachDatTitles", err)
	}
	rows.Close()

	updated := 0
	for _, m := range matches {
		res, err := d.Exec(`
			UPDATE rom_metadata SET title = ?
			WHERE remote_rom_id = (SELECT id FROM remote_roms WHERE system = ? AND filename = ?)
			AND title != ?
		`, m.title, system, m.filename, m.title)
		if err != nil {
			return updated, coreerr.New(coreerr.ClassTransient, "catalogdb.AttachDatTitles", err)
		}
		n, _ := res.RowsAffected()
		updated += int(n)
	}
	return updated, nil
}

// GameListTitle is one (filename, canonical name) pair read from an
// EmulationStation gamelist.xml, used to backfill rom_metadata.title the
// same way AttachDatTitles does from a DAT file, but matched directly on
// filename since gamelist.xml is already scoped to one ROM directory.
type GameListTitle struct {
	Filename string
	Name     string
}

// AttachGameListTitles overwrites rom_metadata.title for each matching
// (system, filename), returning how many rows changed.
func (d *DB) AttachGameListTitles(entries []GameListTitle, system string) (int, error) {
	updated := 0
	for _, e := range entries {
		if e.Filename == "" || e.Name == "" {
			continue
		}
		res, err := d.Exec(`
			UPDATE rom_metadata SET title = ?
			WHERE remote_rom_id = (SELECT id FROM remote_roms WHERE system = ? AND filename = ?)
			AND title != ?
		`, e.Name, system, e.Filename, e.Name)
		if err != nil {
			return updated, coreerr.New(coreerr.ClassTransient, "catalogdb.AttachGameListTitles", err)
		}
		n, _ := res.RowsAffected()
		updated += int(n)
	}
	return updated, nil
}

// GameListEntry is one exportable row for a gamelist.xml-style collaborator
// (spec.md §1: generating that file is out of core's scope, but handing the
// collaborator a clean join of remote_roms+rom_metadata is cheap plumbing).
type GameListEntry struct {
	Path        string
	Name        string
	Desc        string
	ReleaseDate string
	Developer   string
	Publisher   string
	Genre       string
	Players     string
	Rating      string
}

// ExportGameList returns one GameListEntry per cataloged ROM for system,
// title falling back to the filename when no metadata row exists.
func (d *DB) ExportGameList(system string) ([]GameListEntry, error) {
	rows, err := d.Query(`
		SELECT r.filename, COALESCE(m.title, r.filename), COALESCE(m.regions, '[]'), COALESCE(m.revision, '')
		FROM remote_roms r LEFT JOIN rom_metadata m ON m.remote_rom_id = r.id
		WHERE r.system = ?
		ORDER BY r.filename
	`, system)
	if err != nil {
		return nil, coreerr.New(coreerr.ClassTransient, "catalogdb.ExportGameList", err)
	}
	defer rows.Close()

	var out []GameListEntry
	for rows.Next() {
		var filename, name, regionsJSON, revision string
		if err := rows.Scan(&filename, &name, &regionsJSON, &revision); err != nil {
			return nil, coreerr.New(coreerr.ClassTransient, "catalogdb.ExportGameList", err)
		}
		var regions []string
		_ = json.Unmarshal([]byte(regionsJSON), &regions)
		desc := ""
		if len(regions) > 0 {
			desc = "Region: " + strings.Join(regions, ", ")
		}
		out = append(out, GameListEntry{Path: filename, Name: name, Desc: desc, ReleaseDate: revision})
	}
	return out, rows.Err()
}

// SystemStats summarizes one system's catalog coverage.
type SystemStats struct {
	System      string
	RemoteCount int
	LocalCount  int
	SyncStatus  string
}

// Stats aggregates remote_roms/local_roms/sync_state counts per system, for
// a status surface (CLI `stats` command, optional HTTP server).
func (d *DB) Stats() ([]SystemStats, error) {
	rows, err := d.Query(`
		SELECT system,
			(SELECT COUNT(*) FROM remote_roms r WHERE r.system = s.system) AS remote_count,
			(SELECT COUNT(*) FROM local_roms l WHERE l.system = s.system) AS local_count,
			COALESCE((SELECT status FROM sync_state st WHERE st.system = s.system ORDER BY st.source LIMIT 1), 'stale') AS sync_status
		FROM (SELECT DISTINCT system FROM remote_roms UNION SELECT DISTINCT system FROM local_roms) s
		ORDER BY system
	`)
	if err != nil {
		return nil, coreerr.New(coreerr.ClassTransient, "catalogdb.Stats", err)
	}
	defer rows.Close()

	var out []SystemStats
	for rows.Next() {
		var s SystemStats
		if err := rows.Scan(&s.System, &s.RemoteCount, &s.LocalCount, &s.SyncStatus); err != nil {
			return nil, coreerr.New(coreerr.ClassTransient, "catalogdb.Stats", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *DB) execer(tx *sql.Tx) interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
} {
	if tx != nil {
		return tx
	}
	return d.DB
}

func (d *DB) queryRower(tx *sql.Tx) interface {
	QueryRow(query string, args ...interface{}) *sql.Row
	Query(query string, args ...interface{}) (*sql.Rows, error)
} {
	if tx != nil {
		return tx
	}
	return d.DB
}

func inClause(items []string) (string, []interface{}) {
	if len(items) == 0 {
		return "''", nil
	}
	placeholders := ""
	args := make([]interface{}, len(items))
	for i, it := range items {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = it
	}
	return placeholders, args
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func nullableString(s sql.NullString) interface{} {
	if !s.Valid {
		return nil
	}
	return s.String
}
