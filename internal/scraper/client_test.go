package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/retrosd/retrosd/internal/ratelimit"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := NewClient(Credentials{DevID: "dev", DevPassword: "pw", SoftName: "retrosd"}, ratelimit.New(1, time.Millisecond), srv.Client())
	c.baseURL = srv.URL
	return c
}

func TestGetUserInfoParsesQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("devid"); got != "dev" {
			t.Errorf("expected devid credential on request, got %q", got)
		}
		w.Write([]byte(`{"response":{"ssuser":{"maxthreads":"4","maxdownloadspeed":"1000"}}}`))
	}))
	defer srv.Close()

	info, err := testClient(t, srv).GetUserInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.MaxThreads != 4 || info.MaxDownloadSpeed != 1000 {
		t.Errorf("got %+v", info)
	}
}

func TestGetGameInfoNormalizesMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":{"jeu":{
			"id":"1234",
			"noms":[{"text":"Super Game"}],
			"region":"wor",
			"medias":[
				{"type":"box-2D","url":"https://example.invalid/box.png","format":"png","region":"wor"},
				{"type":"box-2D","url":"https://example.invalid/box-us.png","format":"png","region":"us"}
			]
		}}}`))
	}))
	defer srv.Close()

	info, err := testClient(t, srv).GetGameInfo(context.Background(), LookupParams{SystemID: 1, RomName: "Super Game.gb", RomSize: 100})
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "Super Game" || info.ID != "1234" {
		t.Errorf("got %+v", info)
	}

	selected := SelectMedia(info.Media)
	if selected["box-2D"].URL != "https://example.invalid/box.png" {
		t.Errorf("expected wor-region media to win, got %+v", selected["box-2D"])
	}
}

func TestGetGameInfoSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("not found"))
	}))
	defer srv.Close()

	_, err := testClient(t, srv).GetGameInfo(context.Background(), LookupParams{SystemID: 1, RomName: "Unknown.gb", RomSize: 1})
	if err == nil {
		t.Fatal("expected an error for a 404 response")
	}
}

func TestGetGameInfoRetriesOnServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"response":{"jeu":{"id":"1","noms":[{"text":"X"}],"medias":[]}}}`))
	}))
	defer srv.Close()

	info, err := testClient(t, srv).GetGameInfo(context.Background(), LookupParams{SystemID: 1, RomName: "X.gb", RomSize: 1})
	if err != nil {
		t.Fatalf("expected eventual success after retries, got %v", err)
	}
	if info.Name != "X" {
		t.Errorf("got %+v", info)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestSelectMediaPrefersWorldOverUnknownRegion(t *testing.T) {
	all := []Media{
		{Type: "ss", URL: "a", Region: "jp"},
		{Type: "ss", URL: "b", Region: "wor"},
		{Type: "unknown-type", URL: "c"},
	}
	selected := SelectMedia(all)
	if selected["ss"].URL != "b" {
		t.Errorf("expected wor region to win, got %+v", selected["ss"])
	}
	if _, ok := selected["unknown-type"]; ok {
		t.Error("expected unrecognized media types to be dropped")
	}
}
