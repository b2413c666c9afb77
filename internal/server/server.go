// Package server exposes a read-only JSON HTTP surface over the catalog
// database: search, per-system stats, and sync state. It carries no UI of
// its own (spec.md §1 scopes UI/gamelist generation to external
// collaborators); this is the same optional "web server" surface the
// teacher shipped, adapted to query catalogdb instead of serving a bundled
// static frontend.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/retrosd/retrosd/internal/catalogdb"
)

// Server serves the catalog's read API.
type Server struct {
	db   *catalogdb.DB
	port int
}

// New builds a Server bound to db, listening on port.
func New(db *catalogdb.DB, port int) *Server {
	return &Server{db: db, port: port}
}

// Start blocks serving HTTP until the listener errors.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/sync-state", s.handleSyncState)

	addr := fmt.Sprintf(":%d", s.port)
	fmt.Printf("retrosd catalog API listening at http://localhost%s\n", addr)
	return http.ListenAndServe(addr, mux)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	perPage, _ := strconv.Atoi(query.Get("per_page"))
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 50
	}

	var systems, regions []string
	if s := query.Get("system"); s != "" {
		systems = strings.Split(s, ",")
	}
	if r := query.Get("region"); r != "" {
		regions = strings.Split(r, ",")
	}

	results, total, err := s.db.Search(catalogdb.SearchParams{
		Query:             query.Get("q"),
		Systems:           systems,
		Regions:           regions,
		LocalOnly:         query.Get("local_only") == "true",
		ExcludePrerelease: query.Get("exclude_prerelease") == "true",
		Limit:             perPage,
		Offset:            (page - 1) * perPage,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"results": results, "total": total, "page": page, "per_page": perPage,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.Stats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleSyncState(w http.ResponseWriter, r *http.Request) {
	system := r.URL.Query().Get("system")
	source := r.URL.Query().Get("source")
	if system == "" || source == "" {
		http.Error(w, "system and source query params are required", http.StatusBadRequest)
		return
	}
	state, ok, err := s.db.GetSyncState(system, source)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "no sync state recorded for that system/source", http.StatusNotFound)
		return
	}
	writeJSON(w, state)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
