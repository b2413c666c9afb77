package catalogsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/retrosd/retrosd/internal/catalogdb"
)

func openTestDB(t *testing.T) *catalogdb.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := catalogdb.Open(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

const sampleListing = `<html><body><table>
<tr><td><a href="../">Parent Directory</a></td><td>-</td><td>28-Jul-2026 10:00</td></tr>
<tr><td><a href="./">./</a></td><td>-</td><td>29-Jul-2026 09:00</td></tr>
<tr><td><a href="Game A (USA).zip">Game A (USA).zip</a></td><td>1.0 KiB</td><td>29-Jul-2026 09:00</td></tr>
<tr><td><a href="Game B (Europe).zip">Game B (Europe).zip</a></td><td>2.0 KiB</td><td>29-Jul-2026 09:00</td></tr>
</table></body></html>`

func TestSyncSystemInsertsNewEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleListing))
	}))
	defer srv.Close()

	db := openTestDB(t)
	summary, err := SyncSystem(context.Background(), db, nil, Options{System: "GB", Source: "no-intro", RemoteURL: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Inserted != 2 {
		t.Errorf("expected 2 inserted entries, got %+v", summary)
	}

	n, err := db.CountRemoteRoms(nil, "GB", "no-intro")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows in remote_roms, got %d", n)
	}

	state, ok, err := db.GetSyncState("GB", "no-intro")
	if err != nil || !ok {
		t.Fatalf("expected a sync_state row, err=%v ok=%v", err, ok)
	}
	if state.Status != "synced" || state.RemoteCount != 2 {
		t.Errorf("got %+v", state)
	}
}

func TestSyncSystemSkipsWhenDirectoryUnchanged(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(sampleListing))
	}))
	defer srv.Close()

	db := openTestDB(t)
	opts := Options{System: "GB", Source: "no-intro", RemoteURL: srv.URL, HTTPClient: srv.Client()}
	if _, err := SyncSystem(context.Background(), db, nil, opts); err != nil {
		t.Fatal(err)
	}

	summary, err := SyncSystem(context.Background(), db, nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Skipped {
		t.Errorf("expected second sync against an unchanged directory to be skipped, got %+v", summary)
	}
}

func TestSyncSystemRemovesEntriesNoLongerPresent(t *testing.T) {
	full := sampleListing
	shrunk := `<html><body><table>
<tr><td><a href="./">./</a></td><td>-</td><td>30-Jul-2026 11:00</td></tr>
<tr><td><a href="Game A (USA).zip">Game A (USA).zip</a></td><td>1.0 KiB</td><td>29-Jul-2026 09:00</td></tr>
</table></body></html>`

	body := full
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	db := openTestDB(t)
	opts := Options{System: "GB", Source: "no-intro", RemoteURL: srv.URL, HTTPClient: srv.Client()}
	if _, err := SyncSystem(context.Background(), db, nil, opts); err != nil {
		t.Fatal(err)
	}

	body = shrunk
	summary, err := SyncSystem(context.Background(), db, nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Deleted != 1 {
		t.Errorf("expected 1 deletion, got %+v", summary)
	}
	n, err := db.CountRemoteRoms(nil, "GB", "no-intro")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 remaining row, got %d", n)
	}
}

func TestSyncSystemMarksErrorStateOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	db := openTestDB(t)
	opts := Options{System: "GB", Source: "no-intro", RemoteURL: srv.URL, HTTPClient: srv.Client()}
	if _, err := SyncSystem(context.Background(), db, nil, opts); err == nil {
		t.Fatal("expected an error from a 500 response")
	}

	state, ok, err := db.GetSyncState("GB", "no-intro")
	if err != nil || !ok {
		t.Fatalf("expected a sync_state row recording the failure, err=%v ok=%v", err, ok)
	}
	if state.Status != "error" {
		t.Errorf("got status %q", state.Status)
	}
}

func TestReconcileLocalHashesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	romPath := filepath.Join(dir, "Game A (USA).gb")
	if err := os.WriteFile(romPath, []byte("rom bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	db := openTestDB(t)
	n, err := ReconcileLocal(context.Background(), db, "GB", dir)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected nothing pruned on first scan, got %d", n)
	}

	roms, err := db.ListLocalRoms("GB")
	if err != nil {
		t.Fatal(err)
	}
	if len(roms) != 1 || roms[0].SHA1.String == "" {
		t.Fatalf("expected 1 hashed local rom, got %+v", roms)
	}

	if _, err := os.Stat(filepath.Join(dir, "Game A (USA).json")); err != nil {
		t.Errorf("expected a sidecar file to be written: %v", err)
	}

	if err := os.Remove(romPath); err != nil {
		t.Fatal(err)
	}
	n, err = ReconcileLocal(context.Background(), db, "GB", dir)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected the deleted file's row to be pruned, got %d", n)
	}
}

func TestReconcileLocalSkipsMediaAndGameList(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Game A (USA).gb"), []byte("rom bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "gamelist.xml"), []byte("<gameList></gameList>"), 0o644); err != nil {
		t.Fatal(err)
	}
	mediaDir := filepath.Join(dir, "media")
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mediaDir, "Game A (USA)-box-2D.png"), []byte("not a rom"), 0o644); err != nil {
		t.Fatal(err)
	}

	db := openTestDB(t)
	if _, err := ReconcileLocal(context.Background(), db, "GB", dir); err != nil {
		t.Fatal(err)
	}

	roms, err := db.ListLocalRoms("GB")
	if err != nil {
		t.Fatal(err)
	}
	if len(roms) != 1 {
		t.Fatalf("expected only the ROM file to be tracked, got %+v", roms)
	}
	if _, err := os.Stat(filepath.Join(mediaDir, "Game A (USA)-box-2D.png.json")); !os.IsNotExist(err) {
		t.Errorf("expected no sidecar to be written for media files")
	}
}
