package dat

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/retrosd/retrosd/internal/coreerr"
)

// gameListDoc is the subset of an EmulationStation gamelist.xml this
// package cares about: the filename-to-canonical-name mapping consumed
// by catalogdb.AttachGameListTitles. The format carries far more per-game
// metadata (description, rating, media paths, ...) that retrosd has no
// use for, so it is not modeled here.
type gameListDoc struct {
	XMLName xml.Name        `xml:"gameList"`
	Games   []gameListEntry `xml:"game"`
}

type gameListEntry struct {
	Path string `xml:"path"`
	Name string `xml:"name"`
}

// GameListTitle is one (filename, canonical name) pair read from a
// gamelist.xml, ready to feed catalogdb.AttachGameListTitles.
type GameListTitle struct {
	Filename string
	Name     string
}

// ParseGameList reads an EmulationStation gamelist.xml and returns the
// filename/title pairs it names, skipping any entry missing either half.
func ParseGameList(path string) ([]GameListTitle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, coreerr.New(coreerr.ClassFilesystem, "dat.ParseGameList", err)
	}
	defer f.Close()

	var doc gameListDoc
	if err := xml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, coreerr.New(coreerr.ClassPermanent, "dat.ParseGameList", fmt.Errorf("decode %s: %w", path, err))
	}

	titles := make([]GameListTitle, 0, len(doc.Games))
	for _, g := range doc.Games {
		filename := filepath.Base(g.Path)
		name := strings.TrimSpace(g.Name)
		if filename == "" || filename == "." || name == "" {
			continue
		}
		titles = append(titles, GameListTitle{Filename: filename, Name: name})
	}
	return titles, nil
}
