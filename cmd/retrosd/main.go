package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/retrosd/retrosd/internal/catalogdb"
	"github.com/retrosd/retrosd/internal/catalogsync"
	"github.com/retrosd/retrosd/internal/config"
	"github.com/retrosd/retrosd/internal/dat"
	"github.com/retrosd/retrosd/internal/engine"
	"github.com/retrosd/retrosd/internal/events"
	"github.com/retrosd/retrosd/internal/filter"
	"github.com/retrosd/retrosd/internal/ratelimit"
	"github.com/retrosd/retrosd/internal/scraper"
	"github.com/retrosd/retrosd/internal/selector"
	"github.com/retrosd/retrosd/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "sync":
		cmdSync()
	case "download":
		cmdDownload()
	case "reconcile":
		cmdReconcile()
	case "scrape":
		cmdScrape()
	case "scrape-check":
		cmdScrapeCheck()
	case "search":
		cmdSearch()
	case "stats":
		cmdStats()
	case "server":
		cmdServer()
	case "import-dat":
		cmdImportDAT()
	case "import-gamelist":
		cmdImportGameList()
	case "export-gamelist":
		cmdExportGameList()
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`retrosd - ROM catalog sync, 1G1R download, and artwork scraper

Usage:
  retrosd sync --system XX --source no-intro|redump --remote URL [--force]
                                Mirror a remote directory listing into the catalog
  retrosd download --system XX --source no-intro|redump --remote URL --dest DIR
                                [--roms-root DIR] [--archive-pattern RE] [--extract] [--extract-glob G]
                                [--profile fast|balanced|slow] [--jobs N] [--1g1r] [--update] [--force]
                                Filter, select, and fetch ROMs for one system
  retrosd reconcile --system XX --root DIR
                                Hash local files and reconcile them into the catalog
  retrosd scrape --system XX --rom PATH [--media-dir DIR] [--overwrite]
                                Look up metadata/artwork for one ROM
  retrosd scrape-check         Verify ScreenScraper credentials and print quota
  retrosd search <query>       [--system XX]
  retrosd stats                Per-system catalog coverage
  retrosd server                [--port N] (default 8080)
  retrosd import-dat <dat-file> --system XX
                                Attach canonical titles from a No-Intro/ClrMamePro DAT
  retrosd import-gamelist <gamelist.xml> --system XX
                                Attach canonical titles from an EmulationStation gamelist.xml
  retrosd export-gamelist <output-dir> [--system XX]
                                Export gamelist.xml per system
  retrosd help                 Show this help

ScreenScraper credentials are read from SS_DEVID, SS_DEVPASSWORD, SS_SOFTNAME,
SS_USERID, SS_USERPASSWORD. All commands take --db PATH (default ./retrosd.db).`)
}

// flagValue scans os.Args[2:] for "--name value", returning "" if absent.
func flagValue(name string) string {
	for i := 2; i < len(os.Args)-1; i++ {
		if os.Args[i] == name {
			return os.Args[i+1]
		}
	}
	return ""
}

func flagBool(name string) bool {
	for i := 2; i < len(os.Args); i++ {
		if os.Args[i] == name {
			return true
		}
	}
	return false
}

func positional(n int) string {
	if n < len(os.Args) {
		return os.Args[n]
	}
	return ""
}

func openDB() *catalogdb.DB {
	path := flagValue("--db")
	if path == "" {
		path = "./retrosd.db"
	}
	db, err := catalogdb.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "db error: %v\n", err)
		os.Exit(1)
	}
	return db
}

func consoleSink() (events.Sink, func()) {
	stream := events.NewStream(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range stream.Events() {
			switch ev.Kind {
			case events.KindProgress:
				// progress ticks are too frequent for line-per-event output
			case events.KindComplete:
				fmt.Printf("  [%s] %s (%s)\n", ev.System, ev.File, humanize.IBytes(uint64(ev.Bytes)))
			case events.KindError, events.KindExtractError, events.KindDownloadError:
				fmt.Fprintf(os.Stderr, "  [%s] %s: %s\n", ev.System, ev.File, ev.Message)
			case events.KindBatchComplete:
				if ev.Counts != nil {
					fmt.Printf("[%s] done: %d ok, %d failed, %d skipped\n", ev.System, ev.Counts.Completed, ev.Counts.Failed, ev.Counts.Skipped)
				} else {
					fmt.Printf("[%s] %s\n", ev.System, ev.Message)
				}
			default:
				if ev.Message != "" {
					fmt.Printf("[%s] %s\n", ev.System, ev.Message)
				}
			}
		}
	}()
	return stream, func() {
		stream.Close()
		<-done
	}
}

func cmdSync() {
	system := flagValue("--system")
	source := flagValue("--source")
	remote := flagValue("--remote")
	if system == "" || source == "" || remote == "" {
		fmt.Fprintln(os.Stderr, "usage: retrosd sync --system XX --source no-intro|redump --remote URL [--force]")
		os.Exit(1)
	}

	db := openDB()
	defer db.Close()

	var archivePattern *regexp.Regexp
	if p := flagValue("--archive-pattern"); p != "" {
		var err error
		archivePattern, err = regexp.Compile(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad --archive-pattern: %v\n", err)
			os.Exit(1)
		}
	}

	sink, stop := consoleSink()
	defer stop()

	summary, err := catalogsync.SyncSystem(context.Background(), db, sink, catalogsync.Options{
		System: system, Source: source, RemoteURL: remote,
		ArchivePattern: archivePattern, Force: flagBool("--force"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sync error: %v\n", err)
		os.Exit(1)
	}
	if summary.Skipped {
		fmt.Println("directory unchanged, nothing to do")
		return
	}
	fmt.Printf("inserted=%d updated=%d unchanged=%d deleted=%d total=%d\n",
		summary.Inserted, summary.Updated, summary.Unchanged, summary.Deleted, summary.Total)
}

func cmdReconcile() {
	system := flagValue("--system")
	root := flagValue("--root")
	if system == "" || root == "" {
		fmt.Fprintln(os.Stderr, "usage: retrosd reconcile --system XX --root DIR")
		os.Exit(1)
	}
	db := openDB()
	defer db.Close()

	pruned, err := catalogsync.ReconcileLocal(context.Background(), db, system, root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("pruned %d stale local_roms entries\n", pruned)
}

func parseProfile(name string) config.Profile {
	switch strings.ToLower(name) {
	case "fast":
		return config.ProfileFast
	case "slow":
		return config.ProfileSlow
	default:
		return config.ProfileBalanced
	}
}

func cmdDownload() {
	system := flagValue("--system")
	source := flagValue("--source")
	remote := flagValue("--remote")
	dest := flagValue("--dest")
	if system == "" || source == "" || remote == "" || dest == "" {
		fmt.Fprintln(os.Stderr, "usage: retrosd download --system XX --source no-intro|redump --remote URL --dest DIR [...]")
		os.Exit(1)
	}

	romsRoot := flagValue("--roms-root")
	if romsRoot == "" {
		romsRoot = filepath.Dir(dest)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir error: %v\n", err)
		os.Exit(1)
	}

	limits := config.LimitsFor(parseProfile(flagValue("--profile")))
	jobs := limits.MaxConcurrent
	if j := flagValue("--jobs"); j != "" {
		if n, err := strconv.Atoi(j); err == nil {
			jobs = n
		}
	}
	jobs = config.ClampConcurrency(jobs, limits.MaxBytesInFlight)

	entry := config.RomEntry{
		Key: system, Source: config.Source(source), RemotePath: remote,
		ArchivePattern: flagValue("--archive-pattern"), ExtractGlob: flagValue("--extract-glob"),
		DestDir: dest, Extract: flagBool("--extract"),
	}

	sink, stop := consoleSink()
	defer stop()

	start := time.Now()
	result, err := engine.ProcessEntry(context.Background(), entry, engine.Options{
		RomsRoot: romsRoot, Jobs: jobs, MaxBytesInFlight: limits.MaxBytesInFlight,
		Update: flagBool("--update"), Force: flagBool("--force"), Select1G1R: flagBool("--1g1r"),
		FilterOptions:   filter.Options{},
		SelectorOptions: selector.Options{},
		Sink:            sink,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "download error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n[%s] %d ok, %d failed, %d skipped, %s in %s\n", system,
		result.Success, result.Failed, result.Skipped, humanize.IBytes(uint64(result.BytesDownloaded)), time.Since(start).Round(time.Second))
	if result.SizeP50 > 0 {
		fmt.Printf("file size p50=%s p90=%s p99=%s\n",
			humanize.IBytes(uint64(result.SizeP50)), humanize.IBytes(uint64(result.SizeP90)), humanize.IBytes(uint64(result.SizeP99)))
	}
}

func credentialsFromEnv() scraper.Credentials {
	return scraper.Credentials{
		DevID: os.Getenv("SS_DEVID"), DevPassword: os.Getenv("SS_DEVPASSWORD"),
		SoftName: os.Getenv("SS_SOFTNAME"), SSID: os.Getenv("SS_USERID"), SSPassword: os.Getenv("SS_USERPASSWORD"),
	}
}

func cmdScrapeCheck() {
	limiter := ratelimit.New(1, 1500*time.Millisecond)
	client := scraper.NewClient(credentialsFromEnv(), limiter, nil)
	eng := scraper.NewEngine(client, nil, nil, scraper.Options{})
	info, err := eng.CheckCredentials(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "credential check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("max threads=%d max download speed=%d KB/s\n", info.MaxThreads, info.MaxDownloadSpeed)
}

func cmdScrape() {
	system := flagValue("--system")
	romPath := flagValue("--rom")
	if system == "" || romPath == "" {
		fmt.Fprintln(os.Stderr, "usage: retrosd scrape --system XX --rom PATH [--media-dir DIR] [--overwrite]")
		os.Exit(1)
	}
	systemID, ok := config.SystemID(system)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown system %q\n", system)
		os.Exit(1)
	}

	db := openDB()
	defer db.Close()

	crc32Hex, sha1Hex, err := scraper.HashFile(romPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash error: %v\n", err)
		os.Exit(1)
	}
	info, err := os.Stat(romPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stat error: %v\n", err)
		os.Exit(1)
	}

	mediaDir := flagValue("--media-dir")
	if mediaDir == "" {
		mediaDir = filepath.Join(filepath.Dir(romPath), "media")
	}

	sink, stop := consoleSink()
	defer stop()

	limiter := ratelimit.New(1, 1500*time.Millisecond)
	client := scraper.NewClient(credentialsFromEnv(), limiter, nil)
	eng := scraper.NewEngine(client, db, sink, scraper.Options{MediaDir: mediaDir, Overwrite: flagBool("--overwrite")})

	result, err := eng.ScrapeOne(context.Background(), scraper.RomIdentity{
		SystemID: systemID, Path: romPath, Filename: filepath.Base(romPath),
		Size: info.Size(), CRC32: crc32Hex, SHA1: sha1Hex,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "scrape error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("name=%q cached=%v media=%d\n", result.GameName, result.FromCache, len(result.MediaPaths))
}

func cmdSearch() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: retrosd search <query> [--system XX] [--region EU] [--local-only] [--exclude-prerelease]")
		os.Exit(1)
	}
	query := positional(2)

	var systems, regions []string
	if s := flagValue("--system"); s != "" {
		systems = []string{s}
	}
	if r := flagValue("--region"); r != "" {
		regions = []string{r}
	}

	db := openDB()
	defer db.Close()

	results, total, err := db.Search(catalogdb.SearchParams{
		Query:             query,
		Systems:           systems,
		Regions:           regions,
		LocalOnly:         flagBool("--local-only"),
		ExcludePrerelease: flagBool("--exclude-prerelease"),
		Limit:             100,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "search error: %v\n", err)
		os.Exit(1)
	}
	if len(results) == 0 {
		fmt.Printf("No results for %q\n", query)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYSTEM\tSOURCE\tFILENAME\tTITLE\tLOCAL")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", r.System, r.Source, r.Filename, r.Title, r.IsLocal)
	}
	w.Flush()
	fmt.Printf("\nFound: %d\n", total)
}

func cmdStats() {
	db := openDB()
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYSTEM\tREMOTE\tLOCAL\tSYNC")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", s.System, s.RemoteCount, s.LocalCount, s.SyncStatus)
	}
	w.Flush()
}

func cmdServer() {
	port := 8080
	if p := flagValue("--port"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	db := openDB()
	defer db.Close()

	srv := server.New(db, port)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func cmdImportDAT() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: retrosd import-dat <dat-file> --system XX")
		os.Exit(1)
	}
	datPath := positional(2)
	system := flagValue("--system")
	if system == "" {
		fmt.Fprintln(os.Stderr, "--system is required")
		os.Exit(1)
	}

	roms, headerName, err := dat.ParseDAT(datPath, system)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse error: %v\n", err)
		os.Exit(1)
	}
	if len(roms) == 0 {
		fmt.Println("no roms found in DAT file")
		return
	}

	db := openDB()
	defer db.Close()

	updated, err := db.AttachDatTitles(roms, system)
	if err != nil {
		fmt.Fprintf(os.Stderr, "attach error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("DAT: %s\n%d canonical titles attached (from %d ROM entries)\n", headerName, updated, len(roms))
}

func cmdImportGameList() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: retrosd import-gamelist <gamelist.xml> --system XX")
		os.Exit(1)
	}
	path := positional(2)
	system := flagValue("--system")
	if system == "" {
		fmt.Fprintln(os.Stderr, "--system is required")
		os.Exit(1)
	}

	entries, err := dat.ParseGameList(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse error: %v\n", err)
		os.Exit(1)
	}
	titles := make([]catalogdb.GameListTitle, len(entries))
	for i, e := range entries {
		titles[i] = catalogdb.GameListTitle{Filename: e.Filename, Name: e.Name}
	}

	db := openDB()
	defer db.Close()

	updated, err := db.AttachGameListTitles(titles, system)
	if err != nil {
		fmt.Fprintf(os.Stderr, "attach error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d canonical titles attached (from %d gamelist entries)\n", updated, len(entries))
}

func cmdExportGameList() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: retrosd export-gamelist <output-dir> [--system XX]")
		os.Exit(1)
	}
	outDir := positional(2)
	system := flagValue("--system")

	db := openDB()
	defer db.Close()

	var systems []string
	if system != "" {
		systems = []string{system}
	} else {
		stats, err := db.Stats()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		for _, s := range stats {
			systems = append(systems, s.System)
		}
	}

	for _, sys := range systems {
		entries, err := db.ExportGameList(sys)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  error [%s]: %v\n", sys, err)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		dir := filepath.Join(outDir, sys)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "  error [%s]: %v\n", sys, err)
			continue
		}
		outPath := filepath.Join(dir, "gamelist.xml")
		f, err := os.Create(outPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  error creating %s: %v\n", outPath, err)
			continue
		}
		f.WriteString("<?xml version=\"1.0\"?>\n<gameList>\n")
		for _, e := range entries {
			f.WriteString("  <game>\n")
			writeXMLField(f, "path", e.Path)
			writeXMLField(f, "name", e.Name)
			writeXMLField(f, "desc", e.Desc)
			writeXMLField(f, "releasedate", e.ReleaseDate)
			f.WriteString("  </game>\n")
		}
		f.WriteString("</gameList>\n")
		f.Close()
		fmt.Printf("  [%s] %d games -> %s\n", sys, len(entries), outPath)
	}
}

func writeXMLField(f *os.File, tag, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(f, "    <%s>%s</%s>\n", tag, xmlEscape(value), tag)
}

func xmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
